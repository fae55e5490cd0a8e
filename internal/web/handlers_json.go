package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vitos/option_exit_bot/internal/domain"
	"github.com/vitos/option_exit_bot/internal/usecase"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Loop    usecase.LoopHealth  `json:"loop"`
	Feed    domain.FeedHealth   `json:"feed"`
	Breaker domain.BreakerState `json:"breaker"`
}

// PositionStatus is one row of GET /positions. ExitFailures > 0 marks a
// position that is failing to exit, as opposed to one not yet due.
type PositionStatus struct {
	ID            string    `json:"id"`
	InstrumentKey string    `json:"instrument_key"`
	Status        string    `json:"status"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPnLPct float64   `json:"current_pnl_pct"`
	HWMPct        float64   `json:"hwm_pct"`
	LastTickAt    time.Time `json:"last_tick_at"`
	ExitInFlight  bool      `json:"exit_in_flight"`
	ExitFailures  int       `json:"exit_failures"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Loop:    s.risk.LoopHealth(),
		Feed:    s.feed.Health(),
		Breaker: s.limits.State(),
	}
	writeJSON(w, resp)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	views := s.positions.Snapshot(time.Now())
	statuses := make([]PositionStatus, 0, len(views))
	for _, v := range views {
		statuses = append(statuses, PositionStatus{
			ID:            v.Position.ID,
			InstrumentKey: v.Position.InstrumentKey,
			Status:        string(v.Position.Status),
			EntryPrice:    v.Position.EntryPrice,
			CurrentPnLPct: v.CurrentPnLPct,
			HWMPct:        v.Position.HighWaterMarkPct,
			LastTickAt:    v.LastTickAt,
			ExitInFlight:  v.ExitInFlight,
			ExitFailures:  v.ExitFailures,
		})
	}
	writeJSON(w, statuses)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
