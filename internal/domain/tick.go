package domain

import "time"

// Tick is the latest traded price for an instrument as received from the
// broker feed. Ticks are immutable values; the cache merges them by key.
type Tick struct {
	InstrumentKey string
	LastPrice     float64
	PrevClose     float64
	ObservedAt    time.Time
}

// FeedHealth describes the state of the live market feed.
type FeedHealth struct {
	Connected  bool      `json:"connected"`
	Stale      bool      `json:"stale"`
	LastTickAt time.Time `json:"last_tick_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// BreakerState is the process-wide circuit breaker flag. Set once per
// session, cleared only at session reset.
type BreakerState struct {
	Tripped   bool      `json:"tripped"`
	Reason    string    `json:"reason,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
}
