package analysis

import (
	"context"
	"fmt"
	"log"

	"github.com/protectsus/protectsus/internal/application"
	"github.com/protectsus/protectsus/internal/application/fixes"
	"github.com/protectsus/protectsus/internal/application/orchestrator"
	domain "github.com/protectsus/protectsus/internal/domain/analysis"
	"github.com/protectsus/protectsus/internal/domain/host"
)

// Generator is the initial-iteration fix producer.
type Generator interface {
	Generate(ctx context.Context, vulns []domain.Vulnerability, files []domain.CodeFile) ([]domain.Fix, error)
}

// Service owns the full detection-to-PR cycle for iteration zero.
type Service struct {
	Analyses     domain.Repository
	Host         host.Client
	Orchestrator *orchestrator.Service
	Generator    Generator
	Clock        application.Clock
}

// TriggerCommand starts one analysis for a pushed commit. PRNumber is set
// when a pull_request event triggered the analysis.
type TriggerCommand struct {
	RepoFullName string
	CommitSHA    string
	PRNumber     int
}

// Trigger creates a pending analysis record, or returns the existing one
// when this repo+commit was already analyzed. Push webhook retries and
// force-redeliveries therefore never produce duplicate runs.
func (s *Service) Trigger(ctx context.Context, cmd TriggerCommand) (*domain.Analysis, bool, error) {
	existing, err := s.Analyses.FindByRepoCommit(ctx, cmd.RepoFullName, cmd.CommitSHA)
	if err != nil {
		return nil, false, fmt.Errorf("checking for existing analysis: %w", err)
	}
	if existing != nil {
		log.Printf("analysis for %s@%s already exists as %s", cmd.RepoFullName, cmd.CommitSHA, existing.ID)
		return existing, false, nil
	}

	a := &domain.Analysis{
		ID:              domain.AnalysisID(application.NewID("analysis")),
		RepoFullName:    cmd.RepoFullName,
		CommitSHA:       cmd.CommitSHA,
		Status:          domain.StatusPending,
		TriggerPRNumber: cmd.PRNumber,
		IterationNumber: 1,
		CreatedAt:       s.Clock.Now(),
	}
	if err := s.Analyses.Save(ctx, a); err != nil {
		return nil, false, fmt.Errorf("creating analysis record: %w", err)
	}
	return a, true, nil
}

// Run executes a pending analysis end to end: fetch the code, run detection,
// generate fixes, publish the fix PR, persist everything. Meant to run inside
// the job queue; errors mark the record failed and are returned for retry
// accounting.
func (s *Service) Run(ctx context.Context, id domain.AnalysisID) error {
	a, err := s.Analyses.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading analysis %s: %w", id, err)
	}
	if a == nil {
		return fmt.Errorf("analysis %s not found", id)
	}
	if a.Status == domain.StatusCompleted {
		return nil
	}

	a.Status = domain.StatusInProgress
	if err := s.Analyses.Save(ctx, a); err != nil {
		return fmt.Errorf("marking analysis %s in progress: %w", id, err)
	}

	fail := func(cause error) error {
		a.Status = domain.StatusFailed
		if saveErr := s.Analyses.Save(ctx, a); saveErr != nil {
			log.Printf("persisting failed analysis %s: %v", a.ID, saveErr)
		}
		return cause
	}

	files, err := s.Host.FetchCodeFiles(ctx, a.RepoFullName, a.CommitSHA)
	if err != nil {
		return fail(fmt.Errorf("fetching code for %s: %w", a.ID, err))
	}
	if len(files) == 0 {
		log.Printf("analysis %s: no analyzable files at %s@%s", a.ID, a.RepoFullName, a.CommitSHA)
		now := s.Clock.Now()
		a.Status = domain.StatusCompleted
		a.Summary = "Security analysis complete. No analyzable files found."
		a.CompletedAt = &now
		return s.Analyses.Save(ctx, a)
	}
	a.CodeFiles = files

	res, err := s.Orchestrator.Run(ctx, orchestrator.FlattenCodeFiles(files), map[string]string{
		"repository": a.RepoFullName,
		"commit":     a.CommitSHA,
	})
	if err != nil {
		return fail(fmt.Errorf("running detection for %s: %w", a.ID, err))
	}
	a.Vulnerabilities = res.Vulnerabilities
	a.DependencyRisks = res.DependencyRisks
	a.AgentAnalyses = res.AgentAnalyses
	a.Summary = res.Summary
	a.TotalExecutionTime = res.TotalExecutionTime
	a.TotalTokensUsed = res.TotalTokensUsed

	if len(a.Vulnerabilities) > 0 {
		generated, err := s.Generator.Generate(ctx, a.Vulnerabilities, a.CodeFiles)
		if err != nil {
			return fail(fmt.Errorf("generating fixes for %s: %w", a.ID, err))
		}
		a.Fixes = generated

		if len(a.Fixes) > 0 {
			title := fmt.Sprintf("Security fixes for %s", shortSHA(a.CommitSHA))
			created, err := s.Host.CreateFixPR(ctx, a.RepoFullName, a.CommitSHA, a.Fixes, title, fixes.BuildPRBody(a))
			if err != nil {
				return fail(fmt.Errorf("publishing fix PR for %s: %w", a.ID, err))
			}
			a.PRNumber = created.Number
			a.PRURL = created.URL
		}
	}

	now := s.Clock.Now()
	a.Status = domain.StatusCompleted
	a.CompletedAt = &now
	if err := s.Analyses.Save(ctx, a); err != nil {
		return fmt.Errorf("persisting completed analysis %s: %w", a.ID, err)
	}

	log.Printf("analysis %s completed: %d vulnerabilities, %d dependency risks, PR #%d",
		a.ID, len(a.Vulnerabilities), len(a.DependencyRisks), a.PRNumber)
	return nil
}

// Get returns a single analysis for the read API.
func (s *Service) Get(ctx context.Context, id domain.AnalysisID) (*domain.Analysis, error) {
	return s.Analyses.Get(ctx, id)
}

// Latest lists recent analyses for a repository.
func (s *Service) Latest(ctx context.Context, repoFullName string, limit int) ([]*domain.Analysis, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.Analyses.LatestByRepo(ctx, repoFullName, limit)
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
