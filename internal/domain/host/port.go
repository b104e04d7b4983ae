package host

import (
	"context"

	"github.com/protectsus/protectsus/internal/domain/analysis"
)

// PullRequest is the host-side view of a published fix.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	State  string `json:"state"` // open | closed
	Merged bool   `json:"merged"`
}

// MergeStatus reports whether a PR can be merged cleanly.
type MergeStatus struct {
	Mergeable    bool `json:"mergeable"`
	HasConflicts bool `json:"has_conflicts"`
}

// MergeResult is the outcome of a successful merge.
type MergeResult struct {
	SHA    string `json:"sha"`
	Merged bool   `json:"merged"`
}

// CreatedPR identifies a freshly opened fix PR.
type CreatedPR struct {
	Number int    `json:"pr_number"`
	URL    string `json:"pr_url"`
}

// Client port for the repository host (GitHub and compatibles). Everything
// the workflow needs from the host goes through here so the state machine
// can be driven against a fake in tests.
type Client interface {
	IsCollaborator(ctx context.Context, repoFullName, username string) (bool, error)
	GetPullRequest(ctx context.Context, repoFullName string, number int) (*PullRequest, error)
	CheckMergeable(ctx context.Context, repoFullName string, number int) (MergeStatus, error)
	MergePullRequest(ctx context.Context, repoFullName string, number int, commitTitle, commitMessage string) (MergeResult, error)
	ClosePullRequest(ctx context.Context, repoFullName string, number int) error
	AddComment(ctx context.Context, repoFullName string, number int, body string) error
	CreateFixPR(ctx context.Context, repoFullName, baseCommit string, fixes []analysis.Fix, title, body string) (CreatedPR, error)
	FetchCodeFiles(ctx context.Context, repoFullName, commitSHA string) ([]analysis.CodeFile, error)
}
