package feedback

import (
	"context"
	"fmt"
	"log"

	"github.com/protectsus/protectsus/internal/application"
	"github.com/protectsus/protectsus/internal/domain/analysis"
	domain "github.com/protectsus/protectsus/internal/domain/feedback"
)

// Retrainer is notified after every new disposition so the guidance model
// can refit. Retraining failures are advisory and never fail a submit.
type Retrainer interface {
	Retrain(ctx context.Context) error
}

// Service records disposition events into the feedback ledger.
type Service struct {
	Records  domain.Repository
	Analyses analysis.Repository
	Trainer  Retrainer
	Clock    application.Clock
}

// SubmitCommand carries one disposition event.
type SubmitCommand struct {
	AnalysisID        analysis.AnalysisID
	Approved          bool
	FeedbackText      string
	HelpfulFindings   []string
	UnhelpfulFindings []string
}

// Submit validates the analysis, appends a feedback record, and triggers a
// model retrain. Returns the new record id.
func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (string, error) {
	a, err := s.Analyses.Get(ctx, cmd.AnalysisID)
	if err != nil {
		return "", fmt.Errorf("looking up analysis %s: %w", cmd.AnalysisID, err)
	}
	if a == nil {
		return "", fmt.Errorf("analysis %s not found", cmd.AnalysisID)
	}

	rec := &domain.Record{
		ID:                application.NewID("feedback"),
		AnalysisID:        cmd.AnalysisID,
		Approved:          cmd.Approved,
		FeedbackText:      cmd.FeedbackText,
		HelpfulFindings:   cmd.HelpfulFindings,
		UnhelpfulFindings: cmd.UnhelpfulFindings,
		CreatedAt:         s.Clock.Now(),
	}
	if err := s.Records.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("saving feedback record: %w", err)
	}

	if s.Trainer != nil {
		if err := s.Trainer.Retrain(ctx); err != nil {
			log.Printf("guidance retrain after feedback %s failed: %v", rec.ID, err)
		}
	}

	return rec.ID, nil
}

// Stats aggregates the ledger for the feedback endpoint.
func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	total, err := s.Records.Count(ctx)
	if err != nil {
		return nil, err
	}
	approved, err := s.Records.CountApproved(ctx)
	if err != nil {
		return nil, err
	}
	recent, err := s.Records.Recent(ctx, 10)
	if err != nil {
		return nil, err
	}

	rate := 0.0
	if total > 0 {
		rate = float64(approved) / float64(total) * 100
	}
	return &domain.Stats{
		TotalFeedback: total,
		ApprovedCount: approved,
		RejectedCount: total - approved,
		ApprovalRate:  rate,
		Recent:        recent,
	}, nil
}
