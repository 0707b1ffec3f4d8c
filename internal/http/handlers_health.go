package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mistakeknot/supportline/internal/core"
)

type healthResponse struct {
	Status      string            `json:"status"`
	Breaker     string            `json:"breaker,omitempty"`
	Error       string            `json:"error,omitempty"`
	Connections map[core.Role]int `json:"connections,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if s.health != nil {
		resp.Breaker = s.health.CircuitBreakerState()
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if s.conns != nil {
		resp.Connections = s.conns.Connections()
	}
	writeJSON(w, code, resp)
}
