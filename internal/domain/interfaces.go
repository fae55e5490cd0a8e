package domain

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateOrder is returned by Broker.PlaceMarketExit when the broker
// rejects a client order id it has already seen. The exit router treats it
// as "already placed", which is what makes retries idempotent.
var ErrDuplicateOrder = errors.New("duplicate client order id")

// ExitOrder is a market exit request for a long option position.
type ExitOrder struct {
	InstrumentKey string
	Quantity      int
	Direction     Direction
	ClientOrderID string
}

// OrderState is the broker-side view of a submitted order, correlated by
// client order id.
type OrderState struct {
	OrderID       string
	ClientOrderID string
	Filled        bool
	Rejected      bool
	AvgPrice      float64
	Message       string
}

// Broker is the gateway to the trading venue: one live tick subscription
// session plus the REST operations the exit path needs.
type Broker interface {
	Connect() error
	Close() error
	Subscribe(instrumentKeys []string) error
	Unsubscribe(instrumentKeys []string) error
	OnTick(func(Tick))
	OnDisconnect(func(error))

	LastQuote(ctx context.Context, instrumentKey string) (float64, error)
	PlaceMarketExit(ctx context.Context, order ExitOrder) (string, error)
	OrderStatus(ctx context.Context, clientOrderID string) (*OrderState, error)
}

// PositionRepository is the durable store for positions. Position rows are
// the only state that survives a restart; everything else is rebuilt from
// them plus fresh ticks.
type PositionRepository interface {
	Save(ctx context.Context, p *Position) error
	Get(ctx context.Context, id string) (*Position, error)
	ListOpen(ctx context.Context) ([]*Position, error)

	// FinalizeExit sets exit price, reason, timestamp and the exited status
	// in one statement, guarded on status='active' so it applies at most once.
	FinalizeExit(ctx context.Context, id string, price float64, reason ExitReason, at time.Time) error

	// UpdateMarks persists the high-water mark and bookkeeping meta so a
	// restarted engine does not loosen an already tightened trail.
	UpdateMarks(ctx context.Context, id string, hwmPct, peakTrendScore float64, meta map[string]string) error
}

// ErrNotActive is returned by FinalizeExit when the row was not in the
// active state, i.e. the transition already happened.
var ErrNotActive = errors.New("position is not active")
