// Package podapi is a local stand-in for the hosting provider's pod REST API.
// Pods are backed by containers on the local Docker engine so orchestration
// code can be exercised without renting GPUs.
package podapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"
)

// Runtime starts and controls the containers backing pods.
type Runtime interface {
	Start(ctx context.Context, spec ContainerSpec) (*ContainerInfo, error)
	State(ctx context.Context, containerID string) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
}

type Config struct {
	APIKey       string
	DefaultImage string
	// SidecarPort is the sidecar's port inside the container.
	SidecarPort int
	// SidecarHost is how the caller reaches published container ports.
	SidecarHost string
}

type Server struct {
	cfg     Config
	runtime Runtime
	pods    *registry
	router  chi.Router
	now     func() time.Time

	boots sync.WaitGroup
}

func NewServer(cfg Config, rt Runtime) *Server {
	if cfg.SidecarHost == "" {
		cfg.SidecarHost = "host.docker.internal"
	}

	s := &Server{
		cfg:     cfg,
		runtime: rt,
		pods:    newRegistry(),
		now:     time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/pods", s.handleCreate)
		r.Get("/pods", s.handleList)
		r.Get("/pods/{podId}", s.handleGet)
		r.Post("/pods/{podId}/stop", s.handleStop)
		r.Delete("/pods/{podId}", s.handleTerminate)
	})
	s.router = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until all background container boots finished.
func (s *Server) Wait() {
	s.boots.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "pods": s.pods.len()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreatePodRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}

	id := newPodID()
	p := &podRecord{
		id:                id,
		name:              "mock-pod-" + id[:8],
		image:             s.cfg.DefaultImage,
		env:               req.Env,
		ports:             req.Ports,
		containerDiskInGb: defaultContainerDiskInGb,
		desiredStatus:     StatusStarting,
		lastStatusChange:  "Created by mock API at " + s.now().Format(time.ANSIC),
	}
	if req.Name != nil && *req.Name != "" {
		p.name = *req.Name
	}
	if req.Image != nil && *req.Image != "" {
		p.image = *req.Image
	}
	if req.ContainerDiskInGb != nil {
		p.containerDiskInGb = *req.ContainerDiskInGb
	}
	if len(p.ports) == 0 {
		p.ports = []string{fmt.Sprintf("%d/http", s.cfg.SidecarPort)}
	}
	if p.env == nil {
		p.env = map[string]string{}
	}
	s.pods.add(p)
	pod := p.toPod()

	spec := ContainerSpec{
		PodID: id,
		Name:  "mock-pod-" + id[:8],
		Image: p.image,
		Env:   p.env,
	}

	// Boot in the background so the call returns like the real API.
	s.boots.Add(1)
	go func() {
		defer s.boots.Done()
		s.boot(spec)
	}()

	respondJSON(w, http.StatusCreated, pod)
}

func (s *Server) boot(spec ContainerSpec) {
	info, err := s.runtime.Start(context.Background(), spec)
	if err != nil {
		slog.Error("Failed to start container for pod", slog.String("podID", spec.PodID), slog.String("error", err.Error()))
		s.pods.update(spec.PodID, func(p *podRecord) {
			p.desiredStatus = StatusExited
			p.lastStatusChange = "Boot failed: " + err.Error()
		})
		return
	}

	now := s.now()
	_, err = s.pods.update(spec.PodID, func(p *podRecord) {
		p.containerID = info.ID
		p.desiredStatus = StatusRunning
		started := timestamp(now)
		p.lastStartedAt = &started
		p.lastStatusChange = "Started by mock API at " + now.Format(time.ANSIC)

		key := strconv.Itoa(s.cfg.SidecarPort)
		p.portMappings = map[string]*int{key: nil}
		if port, err := strconv.Atoi(info.HostPort); err == nil {
			p.portMappings[key] = &port
			p.sidecarURL = fmt.Sprintf("http://%s:%d", s.cfg.SidecarHost, port)
		}
	})
	if errors.Is(err, ErrPodNotFound) {
		// Terminated while booting.
		s.runtime.Remove(context.Background(), info.ID)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pods.list())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := podID(w, r)
	if !ok {
		return
	}

	pod, containerID, err := s.pods.get(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Pod %s not found", id))
		return
	}

	if containerID != "" {
		status := StatusExited
		state, err := s.runtime.State(r.Context(), containerID)
		switch {
		case err == nil:
			status = statusFromContainer(state)
		case !errors.Is(err, ErrContainerNotFound):
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to inspect container: %v", err))
			return
		}

		pod, err = s.pods.update(id, func(p *podRecord) {
			p.desiredStatus = status
		})
		if err != nil {
			respondWithError(w, http.StatusNotFound, fmt.Sprintf("Pod %s not found", id))
			return
		}
	}

	respondJSON(w, http.StatusOK, pod)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id, ok := podID(w, r)
	if !ok {
		return
	}

	_, containerID, err := s.pods.get(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Pod %s not found", id))
		return
	}

	if containerID != "" {
		err := s.runtime.Stop(r.Context(), containerID)
		if err != nil && !errors.Is(err, ErrContainerNotFound) {
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to stop container: %v", err))
			return
		}
		slog.Info("Stopped container for pod", slog.String("podID", id))
	}

	pod, err := s.pods.update(id, func(p *podRecord) {
		p.desiredStatus = StatusExited
		p.lastStatusChange = "Stopped at " + s.now().Format(time.ANSIC)
	})
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Pod %s not found", id))
		return
	}
	respondJSON(w, http.StatusOK, pod)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := podID(w, r)
	if !ok {
		return
	}

	containerID, err := s.pods.remove(id)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("Pod %s not found", id))
		return
	}

	if containerID != "" {
		err := s.runtime.Remove(r.Context(), containerID)
		switch {
		case err == nil:
			slog.Info("Removed container for pod", slog.String("podID", id))
		case !errors.Is(err, ErrContainerNotFound):
			slog.Warn("Could not remove container for pod", slog.String("podID", id), slog.String("error", err.Error()))
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

func podID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "podId", chi.URLParam(r, "podId"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Required:      true,
	})
	if err != nil || id == "" {
		respondWithError(w, http.StatusBadRequest, "Invalid format for parameter podId")
		return "", false
	}
	return id, true
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := "Bearer " + s.cfg.APIKey
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), []byte(want)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
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
