package domain

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionCall Direction = "CE"
	DirectionPut  Direction = "PE"
)

type PositionStatus string

const (
	StatusPending   PositionStatus = "pending"
	StatusActive    PositionStatus = "active"
	StatusExited    PositionStatus = "exited"
	StatusCancelled PositionStatus = "cancelled"
)

type ExitReason string

const (
	ExitEarlyTrendFailure ExitReason = "early_trend_failure"
	ExitReverseStopLoss   ExitReason = "reverse_stop_loss"
	ExitTrailingStop      ExitReason = "trailing_stop"
	ExitTakeProfit        ExitReason = "take_profit"
	ExitStaticStopLoss    ExitReason = "static_stop_loss"
	ExitSessionEnd        ExitReason = "session_end"
	ExitCircuitBreaker    ExitReason = "circuit_breaker"
)

// Position is a long-only option position created by the entry pipeline.
// Once active it is mutated only by the exit engine; the exited/cancelled
// states are terminal.
type Position struct {
	ID            string
	InstrumentKey string
	Direction     Direction
	EntryPrice    float64
	Quantity      int // lots
	LotSize       int // units per lot
	Status        PositionStatus
	EnteredAt     time.Time
	ExitedAt      *time.Time
	ExitPrice     float64
	ExitReason    ExitReason

	HighWaterMarkPct float64
	PeakTrendScore   float64

	// Meta carries engine bookkeeping (e.g. below-entry timestamps) and
	// entry-pipeline hints such as the underlying symbol.
	Meta map[string]string
}

// Units is the total tradable quantity submitted on exit.
func (p *Position) Units() int {
	if p.LotSize > 1 {
		return p.Quantity * p.LotSize
	}
	return p.Quantity
}

// PnLPct returns the premium return in percent for a last traded price.
// Both CE and PE positions are bought, so the sign is the same for both.
func (p *Position) PnLPct(lastPrice float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return (lastPrice - p.EntryPrice) / p.EntryPrice * 100
}

// InstrumentGroup is the scope key for daily limits. The entry pipeline
// tags positions with the underlying; the exchange segment of the
// instrument key is the fallback.
func (p *Position) InstrumentGroup() string {
	if u, ok := p.Meta["underlying"]; ok && u != "" {
		return u
	}
	if idx := strings.Index(p.InstrumentKey, "|"); idx > 0 {
		return p.InstrumentKey[:idx]
	}
	return p.InstrumentKey
}
