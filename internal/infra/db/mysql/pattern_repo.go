package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	domain "github.com/protectsus/protectsus/internal/domain/patterns"
)

type PatternRepository struct {
	db *sql.DB
}

func NewPatternRepository(db *sql.DB) *PatternRepository {
	return &PatternRepository{db: db}
}

const patternColumns = `
id, vulnerability_type, severity, file_extension, file_path,
code_before, code_after, fix_description, analysis_ids, repo_full_name,
success_count, approved_at, last_used_at, created_at`

// FindBySignature returns the single pattern matching the dedup key, or
// (nil, nil). The (vulnerability_type, file_extension, fix_description)
// triple carries a unique index.
func (r *PatternRepository) FindBySignature(ctx context.Context, sig domain.Signature) (*domain.FixPattern, error) {
	q := `SELECT ` + patternColumns + `
FROM fix_patterns
WHERE vulnerability_type=? AND file_extension=? AND fix_description=?
LIMIT 1;`
	p, err := scanPattern(r.db.QueryRowContext(ctx, q, sig.VulnerabilityType, sig.FileExtension, sig.FixDescription))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

func (r *PatternRepository) Insert(ctx context.Context, p *domain.FixPattern) error {
	const q = `
INSERT INTO fix_patterns
(id, vulnerability_type, severity, file_extension, file_path,
 code_before, code_after, fix_description, analysis_ids, repo_full_name,
 success_count, approved_at, last_used_at, created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?);
`
	ids, err := jsonValue(p.AnalysisIDs)
	if err != nil {
		return fmt.Errorf("encoding analysis ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q,
		p.ID, p.VulnerabilityType, p.Severity, p.FileExtension, p.FilePath,
		p.CodeBefore, p.CodeAfter, p.FixDescription, ids, p.RepoFullName,
		p.SuccessCount, p.ApprovedAt, p.LastUsedAt, p.CreatedAt,
	)
	return err
}

// RecordReuse bumps the success counter and appends the analysis id in one
// statement, so concurrent approvals never lose a count.
func (r *PatternRepository) RecordReuse(ctx context.Context, id string, analysisID string, usedAt time.Time) error {
	const q = `
UPDATE fix_patterns
SET success_count = success_count + 1,
    analysis_ids = JSON_ARRAY_APPEND(COALESCE(analysis_ids, JSON_ARRAY()), '$', ?),
    last_used_at = ?
WHERE id = ?;`
	_, err := r.db.ExecContext(ctx, q, analysisID, usedAt, id)
	return err
}

func (r *PatternRepository) Similar(ctx context.Context, vulnType, fileExtension, severity string, limit int) ([]*domain.FixPattern, error) {
	if limit <= 0 {
		limit = 5
	}
	q := `SELECT ` + patternColumns + `
FROM fix_patterns
WHERE vulnerability_type=? AND file_extension=?`
	args := []interface{}{vulnType, fileExtension}
	if severity != "" {
		q += ` AND severity=?`
		args = append(args, severity)
	}
	q += `
ORDER BY success_count DESC, last_used_at DESC
LIMIT ?;`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FixPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PatternRepository) Stats(ctx context.Context) (domain.Stats, error) {
	stats := domain.Stats{
		ByType:      map[string]int{},
		ByExtension: map[string]int{},
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fix_patterns;`).Scan(&stats.TotalPatterns); err != nil {
		return stats, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT vulnerability_type, COUNT(*) FROM fix_patterns GROUP BY vulnerability_type;`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return stats, err
		}
		stats.ByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	extRows, err := r.db.QueryContext(ctx, `SELECT file_extension, COUNT(*) FROM fix_patterns GROUP BY file_extension;`)
	if err != nil {
		return stats, err
	}
	defer extRows.Close()
	for extRows.Next() {
		var e string
		var n int
		if err := extRows.Scan(&e, &n); err != nil {
			return stats, err
		}
		stats.ByExtension[e] = n
	}
	return stats, extRows.Err()
}

func scanPattern(row rowScanner) (*domain.FixPattern, error) {
	var p domain.FixPattern
	var ids []byte
	if err := row.Scan(
		&p.ID, &p.VulnerabilityType, &p.Severity, &p.FileExtension, &p.FilePath,
		&p.CodeBefore, &p.CodeAfter, &p.FixDescription, &ids, &p.RepoFullName,
		&p.SuccessCount, &p.ApprovedAt, &p.LastUsedAt, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := scanJSON(ids, &p.AnalysisIDs); err != nil {
		return nil, fmt.Errorf("decoding analysis ids: %w", err)
	}
	return &p, nil
}
