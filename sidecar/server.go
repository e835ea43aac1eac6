// Package sidecar is the HTTP service that runs next to ComfyUI inside a pod.
// It announces readiness, accepts workflow jobs and reports their results
// through callbacks.
package sidecar

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/livepeer/comfy-pod/comfy"
)

type Config struct {
	PodID  string
	APIKey string
	// ComfyDir is the ComfyUI working directory holding input/output/temp.
	ComfyDir string
	// ReadyCallbackURL receives the ready event; skipped when empty.
	ReadyCallbackURL string
	ReadyMaxRetries  int
	ReadyInterval    time.Duration
	Reconnect        comfy.ReconnectOptions
	// OrgAPIKey is used when a job carries no key of its own.
	OrgAPIKey        string
	CallbackAttempts int
	CallbackDelay    time.Duration
	HTTPClient       *http.Client
}

type Server struct {
	cfg        Config
	comfy      *comfy.Client
	httpClient *http.Client
	callbacks  *callbackSender
	doc        *openapi3.T
	router     chi.Router

	// ctx outlives requests; jobs run under it.
	ctx  context.Context
	jobs sync.WaitGroup
}

func NewServer(cfg Config, client *comfy.Client) (*Server, error) {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.CallbackAttempts <= 0 {
		cfg.CallbackAttempts = defaultCallbackAttempts
	}
	if cfg.CallbackDelay <= 0 {
		cfg.CallbackDelay = defaultCallbackDelay
	}

	doc, validator, err := loadOpenAPI(context.Background())
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:        cfg,
		comfy:      client,
		httpClient: cfg.HTTPClient,
		callbacks: &callbackSender{
			client:   cfg.HTTPClient,
			attempts: cfg.CallbackAttempts,
			delay:    cfg.CallbackDelay,
		},
		doc: doc,
		ctx: context.Background(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Use(validateRequests(validator))
		r.Post("/run", s.handleRun)
	})
	s.router = r

	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start waits for ComfyUI in the background and fires the ready callback.
// Jobs accepted afterwards run under ctx.
func (s *Server) Start(ctx context.Context) {
	s.ctx = ctx

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()

		slog.Info("Waiting for ComfyUI", slog.String("addr", s.comfy.Addr()))
		ok := true
		if err := s.comfy.WaitUntilReady(ctx, s.cfg.ReadyMaxRetries, s.cfg.ReadyInterval); err != nil {
			slog.Error("ComfyUI did not become ready", slog.String("error", err.Error()))
			ok = false
		} else {
			slog.Info("ComfyUI ready")
		}

		if s.cfg.ReadyCallbackURL == "" {
			slog.Info("No ready callback URL set, skipping ready callback")
			return
		}
		s.callbacks.send(ctx, s.cfg.ReadyCallbackURL, ReadyEvent{
			Event:   "ready",
			PodID:   s.cfg.PodID,
			Success: ok,
		}, "ready-callback")
	}()
}

// Wait blocks until the startup routine and all accepted jobs finished.
func (s *Server) Wait() {
	s.jobs.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		PodID:      s.cfg.PodID,
		ComfyReady: s.comfy.Ping(r.Context()) == nil,
	})
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.doc)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID := uuid.NewString()
	slog.Info("Accepted job", slog.String("jobID", jobID))

	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()

		result := s.executeJob(s.ctx, jobID, &req)
		slog.Info("Job finished", slog.String("jobID", jobID), slog.String("status", result.Status))
		s.callbacks.send(s.ctx, req.CallbackURL, result, "job-callback")
	}()

	respondJSON(w, http.StatusAccepted, RunResponse{JobID: jobID, Status: StatusAccepted})
}

// requireAPIKey enforces the bearer token when an API key is configured.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			want := "Bearer " + s.cfg.APIKey
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				respondWithError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	})
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func respondWithError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorResponse{Detail: msg})
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
