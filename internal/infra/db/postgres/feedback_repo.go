package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/protectsus/protectsus/internal/domain/analysis"
	domain "github.com/protectsus/protectsus/internal/domain/feedback"
)

type FeedbackRepository struct {
	db *sql.DB
}

func NewFeedbackRepository(db *sql.DB) *FeedbackRepository {
	return &FeedbackRepository{db: db}
}

const feedbackColumns = `id, analysis_id, approved, feedback_text, helpful_findings, unhelpful_findings, created_at`

// Save appends one record. The ledger is append-only: no upsert.
func (r *FeedbackRepository) Save(ctx context.Context, rec *domain.Record) error {
	const q = `
INSERT INTO feedback
(id, analysis_id, approved, feedback_text, helpful_findings, unhelpful_findings, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);
`
	helpful, err := jsonValue(rec.HelpfulFindings)
	if err != nil {
		return fmt.Errorf("encoding helpful findings: %w", err)
	}
	unhelpful, err := jsonValue(rec.UnhelpfulFindings)
	if err != nil {
		return fmt.Errorf("encoding unhelpful findings: %w", err)
	}
	_, err = r.db.ExecContext(ctx, q,
		rec.ID, string(rec.AnalysisID), rec.Approved, rec.FeedbackText,
		helpful, unhelpful, rec.CreatedAt,
	)
	return err
}

func (r *FeedbackRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback;`).Scan(&n)
	return n, err
}

func (r *FeedbackRepository) CountApproved(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE approved;`).Scan(&n)
	return n, err
}

func (r *FeedbackRepository) All(ctx context.Context) ([]*domain.Record, error) {
	q := `SELECT ` + feedbackColumns + ` FROM feedback ORDER BY created_at ASC;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeedbackRows(rows)
}

func (r *FeedbackRepository) LatestByAnalysis(ctx context.Context, id analysis.AnalysisID) (*domain.Record, error) {
	q := `SELECT ` + feedbackColumns + ` FROM feedback WHERE analysis_id=$1 ORDER BY created_at DESC LIMIT 1;`
	rows, err := r.db.QueryContext(ctx, q, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	recs, err := scanFeedbackRows(rows)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (r *FeedbackRepository) Recent(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `SELECT ` + feedbackColumns + ` FROM feedback ORDER BY created_at DESC LIMIT $1;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFeedbackRows(rows)
}

func scanFeedbackRows(rows *sql.Rows) ([]*domain.Record, error) {
	var out []*domain.Record
	for rows.Next() {
		var rec domain.Record
		var analysisID string
		var helpful, unhelpful []byte
		if err := rows.Scan(
			&rec.ID, &analysisID, &rec.Approved, &rec.FeedbackText,
			&helpful, &unhelpful, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.AnalysisID = analysis.AnalysisID(analysisID)
		if err := scanJSON(helpful, &rec.HelpfulFindings); err != nil {
			return nil, fmt.Errorf("decoding helpful findings: %w", err)
		}
		if err := scanJSON(unhelpful, &rec.UnhelpfulFindings); err != nil {
			return nil, fmt.Errorf("decoding unhelpful findings: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
