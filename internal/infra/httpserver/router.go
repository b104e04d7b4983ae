package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	appanalysis "github.com/protectsus/protectsus/internal/application/analysis"
	appfeedback "github.com/protectsus/protectsus/internal/application/feedback"
	appguidance "github.com/protectsus/protectsus/internal/application/guidance"
	"github.com/protectsus/protectsus/internal/application/jobs"
	apppatterns "github.com/protectsus/protectsus/internal/application/patterns"
	"github.com/protectsus/protectsus/internal/application/workflow"
	domai "github.com/protectsus/protectsus/internal/domain/ai"
	domain "github.com/protectsus/protectsus/internal/domain/analysis"
	"github.com/protectsus/protectsus/internal/middleware"
)

type Router struct {
	analysisSvc *appanalysis.Service
	controller  *workflow.Controller
	engine      *appguidance.Engine
	feedbackSvc *appfeedback.Service
	patternSvc  *apppatterns.Service
	queue       *jobs.Queue

	webhookSecret []byte
	botLogin      string
}

type Deps struct {
	AnalysisSvc *appanalysis.Service
	Controller  *workflow.Controller
	Engine      *appguidance.Engine
	FeedbackSvc *appfeedback.Service
	PatternSvc  *apppatterns.Service
	Queue       *jobs.Queue

	WebhookSecret string
	BotLogin      string
	HealthDB      *sql.DB
}

func NewRouter(d Deps) http.Handler {
	r := &Router{
		analysisSvc:   d.AnalysisSvc,
		controller:    d.Controller,
		engine:        d.Engine,
		feedbackSvc:   d.FeedbackSvc,
		patternSvc:    d.PatternSvc,
		queue:         d.Queue,
		webhookSecret: []byte(d.WebhookSecret),
		botLogin:      d.BotLogin,
	}
	mux := chi.NewRouter()

	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.RateLimitMiddleware(100, 10))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Hub-Signature-256", "X-GitHub-Event"},
	}))

	mux.Get("/health", middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: d.HealthDB},
	}))
	mux.Get("/healthz", middleware.LivenessHandler)

	mux.Post("/webhook/github", r.handleWebhook)

	mux.Route("/v1", func(rt chi.Router) {
		rt.Get("/analyses", r.wrap(r.handleListAnalyses))
		rt.Get("/analyses/{id}", r.wrap(r.handleGetAnalysis))
		rt.Get("/analyses/{id}/guidance", r.wrap(r.handleGuidance))
		rt.Get("/feedback/stats", r.wrap(r.handleFeedbackStats))
		rt.Get("/patterns/stats", r.wrap(r.handlePatternStats))
		rt.Get("/model/stats", r.wrap(r.handleModelStats))
	})

	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (r *Router) wrap(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if err := h(w, req); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			if errors.Is(err, domai.ErrQuotaExceeded) {
				http.Error(w, "ai quota exceeded", http.StatusTooManyRequests)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// POST /webhook/github
// Verifies the HMAC signature, then dispatches on X-GitHub-Event. Long work
// goes to the job queue; the webhook always answers fast.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, 5<<20))
	if err != nil {
		http.Error(w, "reading body failed", http.StatusBadRequest)
		return
	}

	if len(r.webhookSecret) > 0 && !r.verifySignature(req.Header.Get("X-Hub-Signature-256"), body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := req.Header.Get("X-GitHub-Event")
	switch event {
	case "push":
		r.handlePushEvent(w, req, body)
	case "pull_request":
		r.handlePullRequestEvent(w, req, body)
	case "issue_comment":
		r.handleCommentEvent(w, req, body)
	case "ping":
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": event})
	}
}

func (r *Router) verifySignature(header string, body []byte) bool {
	const prefix = "sha256="
	if len(header) <= len(prefix) {
		return false
	}
	mac := hmac.New(sha256.New, r.webhookSecret)
	mac.Write(body)
	expected := prefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(expected))
}

func (r *Router) handlePushEvent(w http.ResponseWriter, req *http.Request, body []byte) {
	var payload struct {
		After      string `json:"after"`
		Deleted    bool   `json:"deleted"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}
	if payload.Deleted || payload.Repository.FullName == "" || payload.After == "" || payload.After == zeroSHA {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no analyzable commit"})
		return
	}

	a, created, err := r.analysisSvc.Trigger(req.Context(), appanalysis.TriggerCommand{
		RepoFullName: payload.Repository.FullName,
		CommitSHA:    payload.After,
	})
	if err != nil {
		log.Printf("triggering analysis for %s@%s: %v", payload.Repository.FullName, payload.After, err)
		http.Error(w, "failed to trigger analysis", http.StatusInternalServerError)
		return
	}
	if created {
		id := a.ID
		r.queue.Enqueue(jobs.Job{
			Name: fmt.Sprintf("analysis:%s", id),
			Run: func(ctx context.Context) error {
				return r.analysisSvc.Run(ctx, id)
			},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"analysis_id": a.ID,
		"created":     created,
	})
}

func (r *Router) handlePullRequestEvent(w http.ResponseWriter, req *http.Request, body []byte) {
	var payload struct {
		Action      string `json:"action"`
		PullRequest struct {
			Number int `json:"number"`
			Head   struct {
				SHA string `json:"sha"`
			} `json:"head"`
		} `json:"pull_request"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid pull_request payload", http.StatusBadRequest)
		return
	}

	switch payload.Action {
	case "opened", "synchronize", "reopened":
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "action not analyzable"})
		return
	}
	if payload.Repository.FullName == "" || payload.PullRequest.Head.SHA == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no analyzable commit"})
		return
	}

	a, created, err := r.analysisSvc.Trigger(req.Context(), appanalysis.TriggerCommand{
		RepoFullName: payload.Repository.FullName,
		CommitSHA:    payload.PullRequest.Head.SHA,
		PRNumber:     payload.PullRequest.Number,
	})
	if err != nil {
		log.Printf("triggering analysis for %s PR#%d: %v", payload.Repository.FullName, payload.PullRequest.Number, err)
		http.Error(w, "failed to trigger analysis", http.StatusInternalServerError)
		return
	}
	if created {
		id := a.ID
		r.queue.Enqueue(jobs.Job{
			Name: fmt.Sprintf("analysis:%s", id),
			Run: func(ctx context.Context) error {
				return r.analysisSvc.Run(ctx, id)
			},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "queued",
		"analysis_id": a.ID,
		"created":     created,
	})
}

func (r *Router) handleCommentEvent(w http.ResponseWriter, req *http.Request, body []byte) {
	var payload struct {
		Action string `json:"action"`
		Issue  struct {
			Number      int              `json:"number"`
			PullRequest *json.RawMessage `json:"pull_request"`
		} `json:"issue"`
		Comment struct {
			Body string `json:"body"`
			User struct {
				Login string `json:"login"`
			} `json:"user"`
		} `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid comment payload", http.StatusBadRequest)
		return
	}

	if payload.Action != "created" || payload.Issue.PullRequest == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "not a new PR comment"})
		return
	}
	// The bot's own notification comments never count as commands.
	if r.botLogin != "" && payload.Comment.User.Login == r.botLogin {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "own comment"})
		return
	}

	cmd := workflow.ParseCommand(payload.Comment.Body)
	if cmd == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "no command"})
		return
	}

	repo := payload.Repository.FullName
	prNumber := payload.Issue.Number
	username := payload.Comment.User.Login
	feedback := cmd.Feedback

	// Disposition handling runs as a background job: the handler never blocks
	// on LLM calls, merges, or retrains. The controller comments the outcome
	// on the PR.
	switch cmd.Action {
	case "approve":
		r.queue.Enqueue(jobs.Job{
			Name: fmt.Sprintf("approve:%s#%d", repo, prNumber),
			Run: func(ctx context.Context) error {
				return r.dispositionError(r.controller.HandleApprove(ctx, repo, prNumber, username))
			},
		})
	case "deny":
		r.queue.Enqueue(jobs.Job{
			Name: fmt.Sprintf("deny:%s#%d", repo, prNumber),
			Run: func(ctx context.Context) error {
				outcome := r.controller.HandleDeny(ctx, repo, prNumber, username, feedback)
				// Regeneration only runs after the denial is durably recorded.
				if outcome != nil && outcome.RegeneratePending {
					deniedID := outcome.AnalysisID
					r.queue.Enqueue(jobs.Job{
						Name: fmt.Sprintf("regenerate:%s", deniedID),
						Run: func(ctx context.Context) error {
							_, err := r.controller.Regenerate(ctx, deniedID)
							return err
						},
					})
				}
				return r.dispositionError(outcome)
			},
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"action": cmd.Action,
	})
}

// dispositionError maps an internal-error outcome to a job error so the
// queue retries it; the controller's state guards make a retry idempotent.
func (r *Router) dispositionError(outcome *workflow.Outcome) error {
	if outcome != nil && outcome.Reason == workflow.ReasonInternalError {
		return fmt.Errorf("disposition failed: %s", outcome.Message)
	}
	return nil
}

const zeroSHA = "0000000000000000000000000000000000000000"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GET /v1/analyses?repo=&limit=
func (r *Router) handleListAnalyses(w http.ResponseWriter, req *http.Request) error {
	repo := req.URL.Query().Get("repo")
	if repo == "" {
		return fmt.Errorf("repo query parameter is required")
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))

	list, err := r.analysisSvc.Latest(req.Context(), repo, limit)
	if err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(list)
}

// GET /v1/analyses/{id}
func (r *Router) handleGetAnalysis(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	a, err := r.analysisSvc.Get(req.Context(), domain.AnalysisID(id))
	if err != nil {
		return err
	}
	if a == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(a)
}

// GET /v1/analyses/{id}/guidance
// Preview of the guidance the model would attach to a regeneration.
func (r *Router) handleGuidance(w http.ResponseWriter, req *http.Request) error {
	id := chi.URLParam(req, "id")
	a, err := r.analysisSvc.Get(req.Context(), domain.AnalysisID(id))
	if err != nil {
		return err
	}
	if a == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return nil
	}
	result := r.engine.Guide(req.Context(), a)
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(result)
}

// GET /v1/feedback/stats
func (r *Router) handleFeedbackStats(w http.ResponseWriter, req *http.Request) error {
	stats, err := r.feedbackSvc.Stats(req.Context())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(stats)
}

// GET /v1/patterns/stats
func (r *Router) handlePatternStats(w http.ResponseWriter, req *http.Request) error {
	stats, err := r.patternSvc.Stats(req.Context())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(stats)
}

// GET /v1/model/stats
func (r *Router) handleModelStats(w http.ResponseWriter, req *http.Request) error {
	stats, err := r.engine.Stats(req.Context())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(stats)
}
