package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

// exitNamespace seeds the deterministic client order ids. Same position id
// and reason always hash to the same id, so a retried submission of the
// same logical exit is rejected by the broker as a duplicate instead of
// double-executing.
var exitNamespace = uuid.MustParse("7b9f2c1e-4d7a-4a7e-9c2f-5b8e3a1d6f40")

// ClientOrderID derives the idempotency key for one logical exit.
func ClientOrderID(positionID string, reason domain.ExitReason) string {
	return uuid.NewSHA1(exitNamespace, []byte(positionID+":"+string(reason))).String()
}

// RouterConfig tunes exit submission.
type RouterConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	RetryBackoffMs int `yaml:"retry_backoff_ms"`
	FillPollMs     int `yaml:"fill_poll_ms"`
	FillTimeoutMs  int `yaml:"fill_timeout_ms"`
	QuoteStaleMs   int `yaml:"quote_stale_ms"`
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		MaxAttempts:    3,
		RetryBackoffMs: 500,
		FillPollMs:     300,
		FillTimeoutMs:  10000,
		QuoteStaleMs:   3000,
	}
}

// ExitRouter submits market exit orders with bounded retries and finalizes
// positions exactly once. Failures leave the position active for the next
// evaluation cycle; the router never marks a position exited without
// broker confirmation.
type ExitRouter struct {
	cfg       RouterConfig
	broker    domain.Broker
	ticks     *TickCache
	positions *ActivePositionCache
	repo      domain.PositionRepository
	limits    *DailyLimits
	log       *zap.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

func NewExitRouter(
	cfg RouterConfig,
	broker domain.Broker,
	ticks *TickCache,
	positions *ActivePositionCache,
	repo domain.PositionRepository,
	limits *DailyLimits,
	log *zap.Logger,
) *ExitRouter {
	return &ExitRouter{
		cfg:       cfg,
		broker:    broker,
		ticks:     ticks,
		positions: positions,
		repo:      repo,
		limits:    limits,
		log:       log,
		now:       time.Now,
	}
}

// Dispatch routes an exit asynchronously so one slow or retrying exit
// never delays evaluation of other positions in the same cycle. The
// in-flight claim on the position guarantees at most one routing at a
// time per position.
func (x *ExitRouter) Dispatch(ctx context.Context, positionID string, reason domain.ExitReason) {
	if !x.positions.TrySetExitInFlight(positionID) {
		return
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		// Shutdown cancels the cycle context; a dispatched exit still runs
		// to completion or retry exhaustion, and Drain waits for it.
		if err := x.ExecuteExit(context.WithoutCancel(ctx), positionID, reason); err != nil {
			x.log.Error("exit failed, position stays active",
				zap.String("position_id", positionID),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}
	}()
}

// Drain waits for in-flight exits to complete or exhaust their retries.
// Called on shutdown before the feed is disconnected.
func (x *ExitRouter) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		x.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		x.log.Warn("shutdown drain timed out with exits still in flight")
	}
}

// ExecuteExit runs one logical exit to completion: resolve a reference
// price, submit the market order under the deterministic client order id,
// await the fill, then finalize cache and durable row atomically.
func (x *ExitRouter) ExecuteExit(ctx context.Context, positionID string, reason domain.ExitReason) error {
	view, ok := x.positions.Get(positionID)
	if !ok || view.Position.Status != domain.StatusActive {
		x.positions.ClearExitInFlight(positionID)
		return nil
	}
	pos := view.Position

	refPrice, err := x.referencePrice(ctx, view)
	if err != nil {
		x.log.Warn("no reference price for exit, submitting anyway",
			zap.String("position_id", positionID), zap.Error(err))
	}

	order := domain.ExitOrder{
		InstrumentKey: pos.InstrumentKey,
		Quantity:      pos.Units(),
		Direction:     pos.Direction,
		ClientOrderID: ClientOrderID(positionID, reason),
	}

	if err := x.submitWithRetry(ctx, order); err != nil {
		failures := x.positions.RecordExitFailure(positionID)
		x.positions.ClearExitInFlight(positionID)
		return fmt.Errorf("exit submission exhausted after %d attempts (%d lifetime failures): %w",
			x.cfg.MaxAttempts, failures, err)
	}

	fillPrice, err := x.awaitFill(ctx, order.ClientOrderID)
	if err != nil {
		failures := x.positions.RecordExitFailure(positionID)
		x.positions.ClearExitInFlight(positionID)
		return fmt.Errorf("exit not executed (%d lifetime failures): %w", failures, err)
	}
	if fillPrice <= 0 {
		fillPrice = refPrice
	}
	if fillPrice <= 0 {
		fillPrice = view.LastTickPrice
	}

	return x.finalize(ctx, pos, reason, fillPrice)
}

// referencePrice prefers the freshest cached tick and falls back to an
// on-demand broker quote when the tick is stale or absent.
func (x *ExitRouter) referencePrice(ctx context.Context, view PositionView) (float64, error) {
	staleAfter := time.Duration(x.cfg.QuoteStaleMs) * time.Millisecond
	if t, ok := x.ticks.Get(view.Position.InstrumentKey); ok {
		if x.now().Sub(t.ObservedAt) <= staleAfter {
			return t.LastPrice, nil
		}
	}
	price, err := x.broker.LastQuote(ctx, view.Position.InstrumentKey)
	if err != nil {
		return 0, fmt.Errorf("quote fallback: %w", err)
	}
	return price, nil
}

func (x *ExitRouter) submitWithRetry(ctx context.Context, order domain.ExitOrder) error {
	backoff := time.Duration(x.cfg.RetryBackoffMs) * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= x.cfg.MaxAttempts; attempt++ {
		_, err := x.broker.PlaceMarketExit(ctx, order)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrDuplicateOrder) {
			// Already placed by an earlier attempt; proceed to the fill.
			x.log.Info("duplicate client order id, treating as placed",
				zap.String("client_order_id", order.ClientOrderID))
			return nil
		}
		lastErr = err
		x.log.Error("exit order submission failed",
			zap.String("client_order_id", order.ClientOrderID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == x.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// awaitFill polls order status until the order fills, the venue rejects
// it, or the timeout passes. A timeout is not fatal: the order was
// accepted, so the fill price falls back to the reference price. A
// rejection is an error; nothing was executed and the position must stay
// under management.
func (x *ExitRouter) awaitFill(ctx context.Context, clientOrderID string) (float64, error) {
	poll := time.Duration(x.cfg.FillPollMs) * time.Millisecond
	deadline := x.now().Add(time.Duration(x.cfg.FillTimeoutMs) * time.Millisecond)
	for x.now().Before(deadline) {
		state, err := x.broker.OrderStatus(ctx, clientOrderID)
		if err == nil && state != nil {
			if state.Filled {
				return state.AvgPrice, nil
			}
			if state.Rejected {
				return 0, fmt.Errorf("venue rejected exit order: %s", state.Message)
			}
		}
		select {
		case <-ctx.Done():
			return 0, nil
		case <-time.After(poll):
		}
	}
	x.log.Warn("fill confirmation timed out", zap.String("client_order_id", clientOrderID))
	return 0, nil
}

// finalize transitions the position to exited exactly once: cache CAS
// first, then the durable row guarded on status='active'. Both carry the
// same price/reason/timestamp triple.
func (x *ExitRouter) finalize(ctx context.Context, pos domain.Position, reason domain.ExitReason, fillPrice float64) error {
	exitedAt := x.now()
	if !x.positions.MarkExited(pos.ID, fillPrice, reason, exitedAt) {
		// Lost the race to a concurrent finalize; nothing left to do.
		x.positions.ClearExitInFlight(pos.ID)
		return nil
	}

	if err := x.repo.FinalizeExit(ctx, pos.ID, fillPrice, reason, exitedAt); err != nil && !errors.Is(err, domain.ErrNotActive) {
		x.log.Error("durable finalize failed, cache already transitioned",
			zap.String("position_id", pos.ID), zap.Error(err))
	}

	pnl := decimal.NewFromFloat(fillPrice).
		Sub(decimal.NewFromFloat(pos.EntryPrice)).
		Mul(decimal.NewFromInt(int64(pos.Units())))
	x.limits.RecordTrade(pos.InstrumentGroup(), pnl)

	x.positions.Remove(pos.ID)

	x.log.Info("position exited",
		zap.String("position_id", pos.ID),
		zap.String("instrument_key", pos.InstrumentKey),
		zap.String("reason", string(reason)),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("exit_price", fillPrice),
		zap.String("pnl", pnl.StringFixed(2)))
	return nil
}
