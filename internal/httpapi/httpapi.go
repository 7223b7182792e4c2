// Package httpapi exposes the submission API (spec §3) and the DLQ
// operator API (spec §4.4) over chi, wired to internal/lifecycle and
// internal/dlq respectively.
//
// Grounded on core/server.go's http.Server configuration and graceful
// shutdown sequence (signal.Notify on SIGINT/SIGTERM, bounded Shutdown
// context), generalized from a raw http.ServeMux pair of handlers to a
// chi.Router tree, and on original_source/api/dlq_endpoints.py for the DLQ
// route shapes and response bodies.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codepr/crucible/internal/dlq"
	"github.com/codepr/crucible/internal/eval"
	"github.com/codepr/crucible/internal/lifecycle"
	"github.com/codepr/crucible/internal/source"
	"github.com/codepr/crucible/internal/storage"
)

const maxRetryBatch = 100

// Server bundles the submission and DLQ admin APIs behind one http.Server,
// mirroring core/server.go's DispatcherServer shape.
type Server struct {
	server *http.Server
	logger *log.Logger
}

// WebhookConfig enables the GitHub push-event submission route. A zero
// value (empty Secret) leaves the route unregistered.
type WebhookConfig struct {
	Secret     string
	EntryPath  string
	Engine     string
	Priority   int
	UseLegacy  bool
}

// New builds the router and wraps it in an http.Server configured the same
// way core/server.go's NewServer configures DispatcherServer.
func New(addr string, ctl *lifecycle.Controller, dlqQueue *dlq.Queue, retry dlq.RetryFunc, webhook WebhookConfig, logger *log.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/eval", func(r chi.Router) {
		r.Post("/", submitHandler(ctl))
		r.Get("/{id}", getHandler(ctl))
		r.Delete("/{id}", cancelHandler(ctl))
	})
	r.Get("/evaluations", listHandler(ctl))
	r.Handle("/metrics", promhttp.Handler())

	if webhook.Secret != "" {
		r.Post("/webhook/github", webhookHandler(ctl, webhook, logger))
	}

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/tasks", listDLQHandler(dlqQueue))
		r.Get("/statistics", statsDLQHandler(dlqQueue))
		r.Get("/tasks/{id}", getDLQHandler(dlqQueue))
		r.Post("/tasks/{id}/retry", retryDLQHandler(dlqQueue, retry))
		r.Delete("/tasks/{id}", removeDLQHandler(dlqQueue))
		r.Post("/tasks/retry-batch", retryBatchDLQHandler(dlqQueue, retry))
	})

	return &Server{
		server: &http.Server{
			Addr:           addr,
			Handler:        r,
			ErrorLog:       logger,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
		logger: logger,
	}
}

// Run listens until SIGINT/SIGTERM, then drains in-flight requests within a
// bounded window -- the same shutdown shape as core/server.go's Run.
func (s *Server) Run() error {
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		s.logger.Println("httpapi: shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.server.SetKeepAlivesEnabled(false)
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.Printf("httpapi: shutdown error: %v", err)
		}
		close(done)
	}()

	s.logger.Println("httpapi: listening on", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-done
	return nil
}

// -- submission API --

type submitRequestBody struct {
	Code        string `json:"code"`
	Language    string `json:"language"`
	Engine      string `json:"engine"`
	TimeoutSecs int    `json:"timeout_secs"`
	Priority    int    `json:"priority"`
}

func submitHandler(ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body submitRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		id, err := ctl.Submit(r.Context(), lifecycle.SubmitRequest{
			Code:        body.Code,
			Language:    body.Language,
			Engine:      body.Engine,
			TimeoutSecs: body.TimeoutSecs,
			Priority:    body.Priority,
		})
		if errors.Is(err, lifecycle.ErrCapacity) {
			writeError(w, http.StatusServiceUnavailable, "no downstream capacity")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"eval_id": id, "status": string(eval.StatusQueued)})
	}
}

// webhookHandler adapts a validated GitHub push event into a submission by
// fetching the pushed ref's entry-point file and calling ctl.Submit with
// it, wiring internal/source's git-backed fetchers into the submission API.
func webhookHandler(ctl *lifecycle.Controller, cfg WebhookConfig, logger *log.Logger) http.HandlerFunc {
	submit := func(sub source.WebhookSubmission) (string, error) {
		fetch := source.FetchEntryPoint
		if cfg.UseLegacy {
			fetch = source.FetchEntryPointLegacy
		}
		code, err := fetch(sub.Repo)
		if err != nil {
			return "", err
		}
		return ctl.Submit(context.Background(), lifecycle.SubmitRequest{
			Code:        code,
			Engine:      cfg.Engine,
			TimeoutSecs: 30,
			Priority:    cfg.Priority,
		})
	}
	return source.Handler([]byte(cfg.Secret), cfg.EntryPath, submit, logger)
}

func getHandler(ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		e, err := ctl.Get(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func cancelHandler(ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		force := r.URL.Query().Get("force") == "true"

		outcome, err := ctl.Cancel(r.Context(), id, force)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "evaluation not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cancel failed")
			return
		}
		writeJSON(w, http.StatusOK, outcome)
	}
}

func listHandler(ctl *lifecycle.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := storage.ListFilter{Status: eval.Status(q.Get("status"))}
		page := storage.Page{
			Offset: atoiDefault(q.Get("offset"), 0),
			Limit:  atoiDefault(q.Get("limit"), 100),
		}

		results, err := ctl.List(r.Context(), filter, page)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// -- DLQ admin API --

func listDLQHandler(q *dlq.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		qp := r.URL.Query()
		limit := atoiDefault(qp.Get("limit"), 100)
		if limit < 1 || limit > 1000 {
			limit = 100
		}
		offset := atoiDefault(qp.Get("offset"), 0)
		evalID := qp.Get("eval_id")

		tasks, err := q.List(r.Context(), evalID, offset, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to retrieve DLQ tasks")
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	}
}

func statsDLQHandler(q *dlq.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := q.Statistics(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to retrieve DLQ statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func getDLQHandler(q *dlq.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		task, err := q.Get(r.Context(), id)
		if errors.Is(err, dlq.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found in DLQ")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func retryDLQHandler(q *dlq.Queue, retry dlq.RetryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := q.Retry(r.Context(), id, retry); err != nil {
			if errors.Is(err, dlq.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found or retry failed")
				return
			}
			writeError(w, http.StatusInternalServerError, "failed to retry task")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "task resubmitted from DLQ",
			"task_id": id,
		})
	}
}

func removeDLQHandler(q *dlq.Queue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := q.Remove(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to remove task")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type retryBatchBody struct {
	TaskIDs []string `json:"task_ids"`
}

func retryBatchDLQHandler(q *dlq.Queue, retry dlq.RetryFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body retryBatchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.TaskIDs) > maxRetryBatch {
			writeError(w, http.StatusBadRequest, "too many task_ids in one batch")
			return
		}

		results := make(map[string]string, len(body.TaskIDs))
		for _, id := range body.TaskIDs {
			if err := q.Retry(r.Context(), id, retry); err != nil {
				results[id] = err.Error()
				continue
			}
			results[id] = "resubmitted"
		}
		writeJSON(w, http.StatusOK, results)
	}
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
