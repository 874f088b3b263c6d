package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/buildnet/buildnet/pkg/daemon"
	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/log"
	"github.com/buildnet/buildnet/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Server is the thin HTTP translation layer over the daemon's core
// operations, plus the SSE event stream.
type Server struct {
	daemon *daemon.Daemon
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router over a daemon.
func NewServer(d *daemon.Daemon) *Server {
	s := &Server{
		daemon: d,
		logger: log.WithComponent("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)

		r.Post("/builds", s.handleCreateBuild)
		r.Get("/builds/{id}", s.handleGetBuild)
		r.Delete("/builds/{id}", s.handleCancelBuild)

		r.Get("/resources", s.handleListResources)
		r.Post("/resources", s.handleAddResource)
		r.Patch("/resources/{id}", s.handleUpdateResource)
		r.Delete("/resources/{id}", s.handleRemoveResource)
		r.Post("/resources/{id}/drain", s.handleDrainResource)
		r.Post("/resources/{id}/resume", s.handleResumeResource)

		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleEndSession)

		r.Get("/ledger/entries", s.handleQueryLedger)
		r.Get("/ledger/verify", s.handleVerifyLedger)
		r.Get("/ledger/stats", s.handleLedgerStats)

		r.Get("/events", s.handleEvents)
	})

	s.http = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// errorBody is the JSON error envelope: a stable code plus a
// human-readable message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := errdefs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errdefs.CodeNotFound:
		status = http.StatusNotFound
	case errdefs.CodeConflictingState, errdefs.CodeSessionQuotaExceeded:
		status = http.StatusConflict
	case errdefs.CodeBackendUnavailable, errdefs.CodeLeaseUnavailable:
		status = http.StatusServiceUnavailable
	case errdefs.CodeCancelled:
		status = http.StatusGone
	}
	writeJSON(w, status, errorBody{Code: string(code), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
