package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/protectsus/protectsus/internal/application"
	appanalysis "github.com/protectsus/protectsus/internal/application/analysis"
	appfeedback "github.com/protectsus/protectsus/internal/application/feedback"
	"github.com/protectsus/protectsus/internal/application/fixes"
	appguidance "github.com/protectsus/protectsus/internal/application/guidance"
	"github.com/protectsus/protectsus/internal/application/jobs"
	"github.com/protectsus/protectsus/internal/application/orchestrator"
	apppatterns "github.com/protectsus/protectsus/internal/application/patterns"
	"github.com/protectsus/protectsus/internal/application/workflow"
	"github.com/protectsus/protectsus/internal/config"
	domanalysis "github.com/protectsus/protectsus/internal/domain/analysis"
	domfeedback "github.com/protectsus/protectsus/internal/domain/feedback"
	dompatterns "github.com/protectsus/protectsus/internal/domain/patterns"
	openaiClient "github.com/protectsus/protectsus/internal/infra/ai/openai"
	mysqlp "github.com/protectsus/protectsus/internal/infra/db/mysql"
	postgresp "github.com/protectsus/protectsus/internal/infra/db/postgres"
	githubClient "github.com/protectsus/protectsus/internal/infra/host/github"
	"github.com/protectsus/protectsus/internal/infra/httpserver"
	minioStore "github.com/protectsus/protectsus/internal/infra/storage"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx := context.Background()

	var db *sql.DB
	var analysisRepo domanalysis.Repository
	var feedbackRepo domfeedback.Repository
	var patternRepo dompatterns.Repository

	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			log.Fatalf("postgres connect error: %v", err)
		}
		analysisRepo = postgresp.NewAnalysisRepository(db)
		feedbackRepo = postgresp.NewFeedbackRepository(db)
		patternRepo = postgresp.NewPatternRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN())
		if err != nil {
			log.Fatalf("mysql connect error: %v", err)
		}
		analysisRepo = mysqlp.NewAnalysisRepository(db)
		feedbackRepo = mysqlp.NewFeedbackRepository(db)
		patternRepo = mysqlp.NewPatternRepository(db)
	}
	defer db.Close()

	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatalf("minio init error: %v", err)
	}

	aiClient := openaiClient.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
	hostClient := githubClient.NewClient(cfg.GitHub.Token, cfg.GitHub.APIBaseURL, cfg.GitHub.BotLogin)
	clock := application.SystemClock{}

	engine := appguidance.NewEngine(store, feedbackRepo, analysisRepo,
		cfg.Pipeline.MinFeedbackForTraining, cfg.Pipeline.MaxRiskFactors)

	patternSvc := apppatterns.NewService(patternRepo, clock)

	feedbackSvc := &appfeedback.Service{
		Records:  feedbackRepo,
		Analyses: analysisRepo,
		Trainer:  engine,
		Clock:    clock,
	}

	extractor := &appfeedback.Extractor{AI: aiClient}

	generator := fixes.NewGenerator(aiClient, patternSvc,
		cfg.Pipeline.RAGPatternLimit, cfg.Pipeline.MaxRiskFactors)

	orchestratorSvc := orchestrator.NewService(aiClient, clock)

	analysisSvc := &appanalysis.Service{
		Analyses:     analysisRepo,
		Host:         hostClient,
		Orchestrator: orchestratorSvc,
		Generator:    generator,
		Clock:        clock,
	}

	controller := &workflow.Controller{
		Analyses:      analysisRepo,
		Host:          hostClient,
		Patterns:      patternSvc,
		Feedback:      feedbackSvc,
		Guidance:      engine,
		Extractor:     extractor,
		Generator:     generator,
		Clock:         clock,
		MaxIterations: cfg.Pipeline.MaxIterations,
	}

	queue := jobs.NewQueue(jobs.Options{
		Workers:     cfg.Jobs.Workers,
		SoftTimeout: time.Duration(cfg.Jobs.SoftTimeoutSeconds) * time.Second,
		HardTimeout: time.Duration(cfg.Jobs.HardTimeoutSeconds) * time.Second,
		MaxRetries:  cfg.Jobs.MaxRetries,
	})

	mux := httpserver.NewRouter(httpserver.Deps{
		AnalysisSvc:   analysisSvc,
		Controller:    controller,
		Engine:        engine,
		FeedbackSvc:   feedbackSvc,
		PatternSvc:    patternSvc,
		Queue:         queue,
		WebhookSecret: cfg.GitHub.WebhookSecret,
		BotLogin:      cfg.GitHub.BotLogin,
		HealthDB:      db,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := queue.Shutdown(ctx2); err != nil {
		log.Printf("job queue shutdown error: %v", err)
	}
}
