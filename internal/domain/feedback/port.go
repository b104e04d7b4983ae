package feedback

import (
	"context"

	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// Repository port for the feedback ledger.
type Repository interface {
	Save(ctx context.Context, r *Record) error
	Count(ctx context.Context) (int, error)
	CountApproved(ctx context.Context) (int, error)
	All(ctx context.Context) ([]*Record, error)
	LatestByAnalysis(ctx context.Context, id analysis.AnalysisID) (*Record, error)
	Recent(ctx context.Context, limit int) ([]*Record, error)
}
