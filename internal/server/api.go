package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/matijazezelj/ail/internal/scheduler"
	"github.com/matijazezelj/ail/internal/store"
	"github.com/matijazezelj/ail/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := store.RunFilter{
		SourceID: r.URL.Query().Get("source_id"),
		Status:   models.RunStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		s.logger.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		s.logger.Error("getting run", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleAssetByUUID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uuid := r.PathValue("uuid")

	asset, err := s.store.GetAsset(ctx, uuid)
	if err != nil {
		s.logger.Error("getting asset", "uuid", uuid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if asset == nil {
		writeError(w, http.StatusNotFound, "asset not found")
		return
	}

	snapshot, err := s.store.GetLatestSnapshot(ctx, uuid)
	if err != nil {
		s.logger.Error("getting snapshot", "uuid", uuid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	relations, err := s.store.ListAssetRelations(ctx, uuid)
	if err != nil {
		s.logger.Error("listing relations", "uuid", uuid, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := map[string]any{"asset": asset, "relations": relations}
	if snapshot != nil {
		out["canonical"] = json.RawMessage(snapshot.Canonical)
		out["snapshot_run_id"] = snapshot.RunID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := store.CandidateFilter{
		Status: models.CandidateStatus(r.URL.Query().Get("status")),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	candidates, err := s.store.ListDuplicateCandidates(ctx, filter)
	if err != nil {
		s.logger.Error("listing candidates", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, candidates)
}

func (s *Server) handleCandidateByID(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	c, err := s.store.GetDuplicateCandidate(ctx, id)
	if err != nil {
		s.logger.Error("getting candidate", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "candidate not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCandidateIgnore(w http.ResponseWriter, r *http.Request) {
	s.resolveCandidate(w, r, models.CandidateIgnored)
}

func (s *Server) handleCandidateMerge(w http.ResponseWriter, r *http.Request) {
	s.resolveCandidate(w, r, models.CandidateMerged)
}

// resolveCandidate moves an open candidate to a terminal status.
// Terminal candidates stay as they are; re-resolving one is a conflict.
func (s *Server) resolveCandidate(w http.ResponseWriter, r *http.Request, status models.CandidateStatus) {
	ctx := r.Context()
	id := r.PathValue("id")

	c, err := s.store.GetDuplicateCandidate(ctx, id)
	if err != nil {
		s.logger.Error("getting candidate", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "candidate not found")
		return
	}

	updated, err := s.store.SetDuplicateCandidateStatus(ctx, id, status)
	if err != nil {
		s.logger.Error("updating candidate", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !updated {
		writeError(w, http.StatusConflict, "candidate is not open")
		return
	}

	s.logger.Info("candidate resolved", "id", id, "status", string(status))
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

func (s *Server) handleGroupTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	group, err := s.store.GetScheduleGroup(ctx, id)
	if err != nil {
		s.logger.Error("getting schedule group", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if group == nil {
		writeError(w, http.StatusNotFound, "schedule group not found")
		return
	}

	sources, err := s.store.ListGroupSources(ctx, id)
	if err != nil {
		s.logger.Error("listing group sources", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	now := time.Now()
	var runIDs []string
	skipped := map[string]string{}
	for _, src := range sources {
		if reason := scheduler.IneligibleReason(src); reason != "" {
			skipped[src.ID] = reason
			continue
		}
		ids, err := scheduler.EnqueueSourceRuns(ctx, s.store, src, group.ID, models.TriggerManual, models.ModeCollect, now)
		if err != nil {
			s.logger.Error("enqueueing runs", "source_id", src.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		runIDs = append(runIDs, ids...)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_ids": runIDs,
		"skipped": skipped,
	})
}

func (s *Server) handleSourceTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	mode := models.RunMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = models.ModeCollect
	}
	switch mode {
	case models.ModeCollect, models.ModeCollectHosts, models.ModeCollectVMs, models.ModeDetect, models.ModeHealthcheck:
	default:
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}

	src, err := s.store.GetSource(ctx, id)
	if err != nil {
		s.logger.Error("getting source", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, "source not found")
		return
	}
	// Collection requires complete per-type config. Detect and
	// healthcheck probes only need an enabled, credential-bound source.
	switch mode {
	case models.ModeDetect, models.ModeHealthcheck:
		if !src.Enabled || src.DeletedAt != nil || src.CredentialID == "" {
			writeError(w, http.StatusConflict, "source not eligible")
			return
		}
	default:
		if reason := scheduler.IneligibleReason(*src); reason != "" {
			writeError(w, http.StatusConflict, "source not eligible: "+reason)
			return
		}
	}

	runIDs, err := scheduler.EnqueueSourceRuns(ctx, s.store, *src, src.ScheduleGroupID, models.TriggerManual, mode, time.Now())
	if err != nil {
		s.logger.Error("enqueueing runs", "source_id", src.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(runIDs) == 0 {
		writeError(w, http.StatusConflict, "run already active for this source and mode")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"run_ids": runIDs})
}
