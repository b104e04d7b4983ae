package patterns

import (
	"context"
	"fmt"
	"log"

	"github.com/protectsus/protectsus/internal/application"
	domain "github.com/protectsus/protectsus/internal/domain/patterns"
)

// Service owns FixPattern identity and counters: equivalent approvals bump
// the existing row, never insert a duplicate.
type Service struct {
	Repo  domain.Repository
	Clock application.Clock
}

func NewService(repo domain.Repository, clock application.Clock) *Service {
	return &Service{Repo: repo, Clock: clock}
}

// StoreCommand captures one approved (vulnerability, fix) pair.
type StoreCommand struct {
	AnalysisID        string
	VulnerabilityType string
	Severity          string
	FilePath          string
	CodeBefore        string
	CodeAfter         string
	FixDescription    string
	RepoFullName      string
}

// Store persists an approved fix shape. If a pattern with the same signature
// (type, extension, description) exists, its success count is incremented
// and the analysis id appended; otherwise a new pattern starts at count 1.
// Safe to retry: re-storing the same pair converges on the same row.
func (s *Service) Store(ctx context.Context, cmd StoreCommand) (string, error) {
	sig := domain.Signature{
		VulnerabilityType: cmd.VulnerabilityType,
		FileExtension:     domain.ExtensionOf(cmd.FilePath),
		FixDescription:    cmd.FixDescription,
	}

	existing, err := s.Repo.FindBySignature(ctx, sig)
	if err != nil {
		return "", fmt.Errorf("looking up pattern signature: %w", err)
	}
	if existing != nil {
		if err := s.Repo.RecordReuse(ctx, existing.ID, cmd.AnalysisID, s.Clock.Now()); err != nil {
			return "", fmt.Errorf("recording pattern reuse: %w", err)
		}
		log.Printf("incremented success count for existing pattern %s", existing.ID)
		return existing.ID, nil
	}

	now := s.Clock.Now()
	p := &domain.FixPattern{
		ID:                application.NewID("fix_pattern"),
		VulnerabilityType: cmd.VulnerabilityType,
		Severity:          cmd.Severity,
		FileExtension:     sig.FileExtension,
		FilePath:          cmd.FilePath,
		CodeBefore:        cmd.CodeBefore,
		CodeAfter:         cmd.CodeAfter,
		FixDescription:    cmd.FixDescription,
		AnalysisIDs:       []string{cmd.AnalysisID},
		RepoFullName:      cmd.RepoFullName,
		SuccessCount:      1,
		ApprovedAt:        now,
		LastUsedAt:        now,
		CreatedAt:         now,
	}
	if err := s.Repo.Insert(ctx, p); err != nil {
		return "", fmt.Errorf("inserting fix pattern: %w", err)
	}
	log.Printf("stored new fix pattern %s for %s", p.ID, p.VulnerabilityType)
	return p.ID, nil
}

// Similar returns up to limit patterns matching type and extension (and
// severity when given), most successfully reused first.
func (s *Service) Similar(ctx context.Context, vulnType, fileExtension, severity string, limit int) ([]*domain.FixPattern, error) {
	if limit <= 0 {
		limit = 5
	}
	return s.Repo.Similar(ctx, vulnType, fileExtension, severity, limit)
}

// Stats aggregates stored patterns for the admin endpoint.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.Repo.Stats(ctx)
}
