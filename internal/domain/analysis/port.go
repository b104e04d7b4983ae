package analysis

import "context"

// Repository port for persisting analyses. Save is a full-document upsert;
// lookups return (nil, nil) when no record matches.
type Repository interface {
	Save(ctx context.Context, a *Analysis) error
	Get(ctx context.Context, id AnalysisID) (*Analysis, error)
	GetByPR(ctx context.Context, repoFullName string, prNumber int) (*Analysis, error)
	FindByRepoCommit(ctx context.Context, repoFullName, commitSHA string) (*Analysis, error)
	LatestByRepo(ctx context.Context, repoFullName string, limit int) ([]*Analysis, error)
}
