package ranking

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// GetLeaderboard handles GET /api/v1/leaderboard?limit=20
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	n := DefaultLeaderboardSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 100 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 100"})
			return
		}
		n = parsed
	}

	standings, err := s.Leaderboard(r.Context(), n)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "leaderboard failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, standings)
}

// RecomputeHandler handles POST /api/v1/leaderboard/recompute
func (s *Service) RecomputeHandler(w http.ResponseWriter, r *http.Request) {
	standings, err := s.Recompute(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "recompute failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"ranked": len(standings)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
