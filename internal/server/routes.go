package server

import "net/http"

// RegisterRoutes registers all API routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, s *Server) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleRunByID)
	mux.HandleFunc("GET /api/v1/assets/{uuid}", s.handleAssetByUUID)
	mux.HandleFunc("GET /api/v1/duplicate-candidates", s.handleCandidates)
	mux.HandleFunc("GET /api/v1/duplicate-candidates/{id}", s.handleCandidateByID)

	if !s.readOnly {
		mux.HandleFunc("POST /api/v1/duplicate-candidates/{id}/ignore", s.handleCandidateIgnore)
		mux.HandleFunc("POST /api/v1/duplicate-candidates/{id}/merge", s.handleCandidateMerge)
		mux.HandleFunc("POST /api/v1/schedule-groups/{id}/trigger", s.handleGroupTrigger)
		mux.HandleFunc("POST /api/v1/sources/{id}/trigger", s.handleSourceTrigger)
	}
}
