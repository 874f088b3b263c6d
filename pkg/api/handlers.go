package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/buildnet/buildnet/pkg/errdefs"
	"github.com/buildnet/buildnet/pkg/ledger"
	"github.com/buildnet/buildnet/pkg/registry"
	"github.com/buildnet/buildnet/pkg/types"
	"github.com/go-chi/chi/v5"
)

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.GetDashboardState())
}

type createBuildRequest struct {
	Targets []string           `json:"targets"`
	Actor   *types.Actor       `json:"actor,omitempty"`
	Options types.BuildOptions `json:"options"`
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	var req createBuildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(errdefs.CodeInternal), Message: "malformed request body"})
		return
	}
	actor := types.SystemActor
	if req.Actor != nil {
		actor = *req.Actor
	}

	result, err := s.daemon.RequestBuild(r.Context(), req.Targets, actor, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	snap, err := s.daemon.GetOrchestrator().GetBuildStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	accepted := s.daemon.GetOrchestrator().CancelBuild(r.Context(), chi.URLParam(r, "id"), types.SystemActor)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": accepted})
}

func (s *Server) handleListResources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.GetResources().List())
}

type addResourceRequest struct {
	registry.Spec
	Actor *types.Actor `json:"actor,omitempty"`
}

func (s *Server) handleAddResource(w http.ResponseWriter, r *http.Request) {
	var req addResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(errdefs.CodeInternal), Message: "malformed request body"})
		return
	}
	actor := types.SystemActor
	if req.Actor != nil {
		actor = *req.Actor
	}
	res, err := s.daemon.GetResources().Add(r.Context(), req.Spec, actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateResource(w http.ResponseWriter, r *http.Request) {
	var fields registry.UpdateFields
	if err := decodeJSON(r, &fields); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: string(errdefs.CodeInternal), Message: "malformed request body"})
		return
	}
	res, err := s.daemon.GetResources().Update(r.Context(), chi.URLParam(r, "id"), fields, types.SystemActor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRemoveResource(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := s.daemon.GetResources().Remove(r.Context(), chi.URLParam(r, "id"), types.SystemActor, force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleDrainResource(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.GetResources().Drain(r.Context(), chi.URLParam(r, "id"), types.SystemActor); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.daemon.GetResources().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResumeResource(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.GetResources().Resume(r.Context(), chi.URLParam(r, "id"), types.SystemActor); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.daemon.GetResources().Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.GetSessions().ListActive())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.GetSessions().End(r.Context(), chi.URLParam(r, "id"), "ended via api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

func (s *Server) handleQueryLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.QueryFilter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
	}
	if v := q.Get("from_sequence"); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.FromSequence = &seq
		}
	}
	if v := q.Get("to_sequence"); v != "" {
		if seq, err := strconv.ParseUint(v, 10, 64); err == nil {
			filter.ToSequence = &seq
		}
	}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = ts
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, err := s.daemon.GetLedger().QueryEntries(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	report, err := s.daemon.GetLedger().VerifyIntegrity(r.Context(), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.daemon.GetLedger().GetStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
