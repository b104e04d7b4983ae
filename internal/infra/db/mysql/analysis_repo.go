package mysql

import (
	"context"
	"database/sql"
	"fmt"

	domain "github.com/protectsus/protectsus/internal/domain/analysis"
)

type AnalysisRepository struct {
	db *sql.DB
}

func NewAnalysisRepository(db *sql.DB) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

const analysisColumns = `
id, repo_full_name, commit_sha, status,
vulnerabilities, dependency_risks, agent_analyses, fixes, code_files, summary,
total_execution_time, total_tokens_used,
pr_number, pr_url, trigger_pr_number,
parent_analysis_id, iteration_number, previous_pr_numbers, denial_reasons,
feedback_features, guidance_applied,
disposition, approved_by, denied_by, approved_at, denied_at, merged, merge_sha,
created_at, completed_at`

// Save insert/update the full analysis document.
func (r *AnalysisRepository) Save(ctx context.Context, a *domain.Analysis) error {
	const q = `
INSERT INTO analyses
(id, repo_full_name, commit_sha, status,
 vulnerabilities, dependency_risks, agent_analyses, fixes, code_files, summary,
 total_execution_time, total_tokens_used,
 pr_number, pr_url, trigger_pr_number,
 parent_analysis_id, iteration_number, previous_pr_numbers, denial_reasons,
 feedback_features, guidance_applied,
 disposition, approved_by, denied_by, approved_at, denied_at, merged, merge_sha,
 created_at, completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON DUPLICATE KEY UPDATE
 status=VALUES(status),
 vulnerabilities=VALUES(vulnerabilities), dependency_risks=VALUES(dependency_risks),
 agent_analyses=VALUES(agent_analyses), fixes=VALUES(fixes), code_files=VALUES(code_files),
 summary=VALUES(summary),
 total_execution_time=VALUES(total_execution_time), total_tokens_used=VALUES(total_tokens_used),
 pr_number=VALUES(pr_number), pr_url=VALUES(pr_url),
 previous_pr_numbers=VALUES(previous_pr_numbers), denial_reasons=VALUES(denial_reasons),
 feedback_features=VALUES(feedback_features), guidance_applied=VALUES(guidance_applied),
 disposition=VALUES(disposition), approved_by=VALUES(approved_by), denied_by=VALUES(denied_by),
 approved_at=VALUES(approved_at), denied_at=VALUES(denied_at),
 merged=VALUES(merged), merge_sha=VALUES(merge_sha),
 completed_at=VALUES(completed_at);
`
	vulns, err := jsonValue(a.Vulnerabilities)
	if err != nil {
		return fmt.Errorf("encoding vulnerabilities: %w", err)
	}
	deps, err := jsonValue(a.DependencyRisks)
	if err != nil {
		return fmt.Errorf("encoding dependency risks: %w", err)
	}
	agents, err := jsonValue(a.AgentAnalyses)
	if err != nil {
		return fmt.Errorf("encoding agent analyses: %w", err)
	}
	fixes, err := jsonValue(a.Fixes)
	if err != nil {
		return fmt.Errorf("encoding fixes: %w", err)
	}
	files, err := jsonValue(a.CodeFiles)
	if err != nil {
		return fmt.Errorf("encoding code files: %w", err)
	}
	prevPRs, err := jsonValue(a.PreviousPRNumbers)
	if err != nil {
		return fmt.Errorf("encoding previous PR numbers: %w", err)
	}
	denials, err := jsonValue(a.DenialReasons)
	if err != nil {
		return fmt.Errorf("encoding denial reasons: %w", err)
	}
	features, err := jsonValue(a.FeedbackFeatures)
	if err != nil {
		return fmt.Errorf("encoding feedback features: %w", err)
	}

	_, err = r.db.ExecContext(ctx, q,
		a.ID, stringOrDash(a.RepoFullName), a.CommitSHA, a.Status,
		vulns, deps, agents, fixes, files, a.Summary,
		a.TotalExecutionTime, a.TotalTokensUsed,
		a.PRNumber, a.PRURL, a.TriggerPRNumber,
		string(a.ParentAnalysisID), a.IterationNumber, prevPRs, denials,
		features, a.GuidanceApplied,
		string(a.Disposition), a.ApprovedBy, a.DeniedBy,
		nullTime(a.ApprovedAt), nullTime(a.DeniedAt), a.Merged, a.MergeSHA,
		a.CreatedAt, nullTime(a.CompletedAt),
	)
	return err
}

func (r *AnalysisRepository) Get(ctx context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	q := `SELECT ` + analysisColumns + ` FROM analyses WHERE id=? LIMIT 1;`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

// GetByPR returns the analysis that owns an open fix PR. A PR number can
// recur across repos, never within one.
func (r *AnalysisRepository) GetByPR(ctx context.Context, repoFullName string, prNumber int) (*domain.Analysis, error) {
	q := `SELECT ` + analysisColumns + `
FROM analyses
WHERE repo_full_name=? AND pr_number=?
ORDER BY created_at DESC LIMIT 1;`
	return r.scanOne(r.db.QueryRowContext(ctx, q, repoFullName, prNumber))
}

func (r *AnalysisRepository) FindByRepoCommit(ctx context.Context, repoFullName, commitSHA string) (*domain.Analysis, error) {
	q := `SELECT ` + analysisColumns + `
FROM analyses
WHERE repo_full_name=? AND commit_sha=? AND iteration_number=1
ORDER BY created_at DESC LIMIT 1;`
	return r.scanOne(r.db.QueryRowContext(ctx, q, repoFullName, commitSHA))
}

func (r *AnalysisRepository) LatestByRepo(ctx context.Context, repoFullName string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + analysisColumns + `
FROM analyses
WHERE repo_full_name=?
ORDER BY created_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, repoFullName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AnalysisRepository) scanOne(row *sql.Row) (*domain.Analysis, error) {
	a, err := r.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

func (r *AnalysisRepository) scanRow(row rowScanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var vulns, deps, agents, fixes, files, prevPRs, denials, features []byte
	var parentID, disposition string
	var approvedAt, deniedAt, completedAt sql.NullTime

	if err := row.Scan(
		&a.ID, &a.RepoFullName, &a.CommitSHA, &a.Status,
		&vulns, &deps, &agents, &fixes, &files, &a.Summary,
		&a.TotalExecutionTime, &a.TotalTokensUsed,
		&a.PRNumber, &a.PRURL, &a.TriggerPRNumber,
		&parentID, &a.IterationNumber, &prevPRs, &denials,
		&features, &a.GuidanceApplied,
		&disposition, &a.ApprovedBy, &a.DeniedBy, &approvedAt, &deniedAt, &a.Merged, &a.MergeSHA,
		&a.CreatedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	a.ParentAnalysisID = domain.AnalysisID(parentID)
	a.Disposition = domain.Disposition(disposition)
	a.ApprovedAt = timePtr(approvedAt)
	a.DeniedAt = timePtr(deniedAt)
	a.CompletedAt = timePtr(completedAt)

	if err := scanJSON(vulns, &a.Vulnerabilities); err != nil {
		return nil, fmt.Errorf("decoding vulnerabilities: %w", err)
	}
	if err := scanJSON(deps, &a.DependencyRisks); err != nil {
		return nil, fmt.Errorf("decoding dependency risks: %w", err)
	}
	if err := scanJSON(agents, &a.AgentAnalyses); err != nil {
		return nil, fmt.Errorf("decoding agent analyses: %w", err)
	}
	if err := scanJSON(fixes, &a.Fixes); err != nil {
		return nil, fmt.Errorf("decoding fixes: %w", err)
	}
	if err := scanJSON(files, &a.CodeFiles); err != nil {
		return nil, fmt.Errorf("decoding code files: %w", err)
	}
	if err := scanJSON(prevPRs, &a.PreviousPRNumbers); err != nil {
		return nil, fmt.Errorf("decoding previous PR numbers: %w", err)
	}
	if err := scanJSON(denials, &a.DenialReasons); err != nil {
		return nil, fmt.Errorf("decoding denial reasons: %w", err)
	}
	if len(features) > 0 {
		var ff domain.FeedbackFeatures
		if err := scanJSON(features, &ff); err != nil {
			return nil, fmt.Errorf("decoding feedback features: %w", err)
		}
		a.FeedbackFeatures = &ff
	}
	return &a, nil
}
