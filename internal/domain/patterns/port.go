package patterns

import (
	"context"
	"time"
)

// Repository port for fix patterns. FindBySignature returns (nil, nil) when
// no pattern matches. Similar returns patterns ordered by SuccessCount
// descending: most successfully reused pattern first.
type Repository interface {
	FindBySignature(ctx context.Context, sig Signature) (*FixPattern, error)
	Insert(ctx context.Context, p *FixPattern) error
	RecordReuse(ctx context.Context, id string, analysisID string, usedAt time.Time) error
	Similar(ctx context.Context, vulnType, fileExtension, severity string, limit int) ([]*FixPattern, error)
	Stats(ctx context.Context) (Stats, error)
}
