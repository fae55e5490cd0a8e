package domain

import (
	"context"
	"time"
)

// IndicatorSnapshot is a point-in-time view of the indicators the trend
// failure detector consumes. Each value carries a presence flag because the
// upstream analysis pipeline may not have enough candles yet; a missing
// value must never be read as a collapse.
type IndicatorSnapshot struct {
	InstrumentKey string
	TrendScore    float64
	HasTrendScore bool
	ADX           float64
	HasADX        bool
	ATRRatio      float64
	HasATRRatio   bool
	VWAP          float64
	HasVWAP       bool
	ComputedAt    time.Time
}

// IndicatorProvider supplies fresh indicator snapshots per instrument.
// Implemented by the entry pipeline; the engine only reads.
type IndicatorProvider interface {
	Snapshot(ctx context.Context, instrumentKey string) (*IndicatorSnapshot, error)
}
