package api

import (
	"net/http"

	"github.com/adaql/ada/internal/apperr"
	"github.com/adaql/ada/internal/pipeline/recommend"
)

func (s *server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	var req recommend.SuggestionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if s.deps.Recommender == nil {
		writeError(r.Context(), w, apperr.Fatal("recommendations are not configured", nil))
		return
	}
	t, err := s.resolveTenant(r.Context(), req.TenantID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out, err := s.deps.Recommender.Suggest(r.Context(), req, t)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleChart(w http.ResponseWriter, r *http.Request) {
	var req recommend.ChartRequest
	if err := s.decode(r, &req); err != nil {
		writeError(r.Context(), w, err)
		return
	}
	if s.deps.Recommender == nil {
		writeError(r.Context(), w, apperr.Fatal("recommendations are not configured", nil))
		return
	}
	t, err := s.resolveTenant(r.Context(), req.TenantID)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	out, err := s.deps.Recommender.Chart(r.Context(), req, t)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
