package api

import (
	"net/http"

	"github.com/optiforge/optiforge/internal/engine"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int                 `json:"total"`
	ByStatus      map[string]int      `json:"by_status"`
	ByTier        map[string]int      `json:"by_tier"`
	AvgDurationMS float64             `json:"avg_duration_ms"`
	Runtime       engine.RuntimeStats `json:"runtime"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetExecutionStats(r.Context())
	if err != nil {
		s.logger.Error("get execution stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByTier:        stats.CountByTier,
		AvgDurationMS: stats.AvgDurationMS,
		Runtime:       s.engine.Runtime(),
	})
}
