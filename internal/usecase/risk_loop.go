package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

// RiskConfig tunes the evaluation loop and the static fallback band.
type RiskConfig struct {
	IntervalMs          int     `yaml:"interval_ms"`
	StaleTickMs         int     `yaml:"stale_tick_ms"`
	StaticStopLossPct   float64 `yaml:"static_stop_loss_pct"`
	StaticTakeProfitPct float64 `yaml:"static_take_profit_pct"`
	TrailingEnabled     bool    `yaml:"trailing_enabled"`
	SessionExit         string  `yaml:"session_exit"` // "15:10" in Timezone
	Timezone            string  `yaml:"timezone"`
	ForceExitOnBreaker  bool    `yaml:"force_exit_on_breaker"`
	WatchdogIntervals   int     `yaml:"watchdog_intervals"`
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		IntervalMs:          5000,
		StaleTickMs:         10000,
		StaticStopLossPct:   25.0,
		StaticTakeProfitPct: 35.0,
		TrailingEnabled:     true,
		SessionExit:         "15:10",
		Timezone:            "Asia/Kolkata",
		ForceExitOnBreaker:  true,
		WatchdogIntervals:   3,
	}
}

type Action int

const (
	ActionHold Action = iota
	ActionExit
	ActionSkip
)

// Decision is the outcome of one rule-chain pass over one position.
// Holds and skips are normal control flow, not errors.
type Decision struct {
	Action Action
	Reason domain.ExitReason
	Detail string
}

// LoopHealth is the liveness view of the evaluation loop.
type LoopHealth struct {
	Running     bool      `json:"running"`
	LastCycleAt time.Time `json:"last_cycle_at"`
	CycleCount  int64     `json:"cycle_count"`
	Restarts    int       `json:"restarts"`
}

// RiskEvaluator runs the layered exit rule chain over every active
// position at a fixed interval. Per-position evaluation reads only that
// position's view plus pure functions, so positions are independent and
// order-insensitive.
type RiskEvaluator struct {
	cfg        RiskConfig
	positions  *ActivePositionCache
	ticks      *TickCache
	sched      *Scheduler
	etf        *TrendFailureDetector
	limits     *DailyLimits
	router     *ExitRouter
	indicators domain.IndicatorProvider
	log        *zap.Logger
	loc        *time.Location
	now        func() time.Time

	mu          sync.Mutex
	running     bool
	lastCycleAt time.Time
	cycleCount  int64
	restarts    int
	gen         int
}

func NewRiskEvaluator(
	cfg RiskConfig,
	positions *ActivePositionCache,
	ticks *TickCache,
	sched *Scheduler,
	etf *TrendFailureDetector,
	limits *DailyLimits,
	router *ExitRouter,
	indicators domain.IndicatorProvider,
	log *zap.Logger,
) *RiskEvaluator {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &RiskEvaluator{
		cfg:        cfg,
		positions:  positions,
		ticks:      ticks,
		sched:      sched,
		etf:        etf,
		limits:     limits,
		router:     router,
		indicators: indicators,
		log:        log,
		loc:        loc,
		now:        time.Now,
	}
}

// Start launches the evaluation loop and its watchdog. The watchdog
// restarts a loop whose last cycle is older than several intervals; a
// restarted loop simply resumes from the current cache state, positions
// being the durable source of truth.
func (r *RiskEvaluator) Start(ctx context.Context) {
	r.mu.Lock()
	r.running = true
	r.gen++
	gen := r.gen
	r.mu.Unlock()

	go r.run(ctx, gen)
	go r.watchdog(ctx)
}

// run is generation-stamped: a loop superseded by a watchdog restart
// notices at its next cycle boundary and exits, so a merely slow loop
// never races the one that replaced it.
func (r *RiskEvaluator) run(ctx context.Context, gen int) {
	interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.running = false
			r.mu.Unlock()
			return
		case <-ticker.C:
			if !r.currentGen(gen) {
				return
			}
			r.RunCycle(ctx)
		}
	}
}

func (r *RiskEvaluator) currentGen(gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen == gen
}

func (r *RiskEvaluator) watchdog(ctx context.Context) {
	interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond
	threshold := interval * time.Duration(max(r.cfg.WatchdogIntervals, 2))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			last := r.lastCycleAt
			running := r.running
			r.mu.Unlock()
			if !running {
				return
			}
			if !last.IsZero() && r.now().Sub(last) > threshold {
				r.mu.Lock()
				r.restarts++
				r.gen++
				n := r.restarts
				gen := r.gen
				r.mu.Unlock()
				r.log.Error("evaluation loop hung, restarting",
					zap.Time("last_cycle_at", last), zap.Int("restart", n))
				go r.run(ctx, gen)
			}
		}
	}
}

// RunCycle evaluates every position once. Exposed for tests and for the
// watchdog restart path.
func (r *RiskEvaluator) RunCycle(ctx context.Context) {
	now := r.now()

	// A new trading date resets the session counters and the breaker.
	r.limits.ResetSession(now.In(r.loc).Format("2006-01-02"))

	tripped := r.limits.TripIfExceeded()

	for _, view := range r.positions.Snapshot(now) {
		if view.Position.Status != domain.StatusActive || view.ExitInFlight {
			continue
		}
		decision := r.evaluateSafely(ctx, view, now, tripped)
		switch decision.Action {
		case ActionExit:
			r.log.Info("exit decision",
				zap.String("position_id", view.Position.ID),
				zap.String("reason", string(decision.Reason)),
				zap.String("detail", decision.Detail),
				zap.Float64("pnl_pct", view.CurrentPnLPct))
			r.router.Dispatch(ctx, view.Position.ID, decision.Reason)
		case ActionSkip:
			r.log.Debug("position skipped this cycle",
				zap.String("position_id", view.Position.ID),
				zap.String("detail", decision.Detail))
		}
	}

	r.mu.Lock()
	r.lastCycleAt = now
	r.cycleCount++
	r.mu.Unlock()
}

// evaluateSafely contains per-position faults: one position observed in
// an impossible state must never abort the cycle for the rest.
func (r *RiskEvaluator) evaluateSafely(ctx context.Context, view PositionView, now time.Time, tripped bool) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("position evaluation panicked, skipping",
				zap.String("position_id", view.Position.ID),
				zap.Any("panic", rec),
				zap.Float64("entry_price", view.Position.EntryPrice),
				zap.Float64("last_tick_price", view.LastTickPrice))
			d = Decision{Action: ActionSkip, Detail: fmt.Sprintf("panic: %v", rec)}
		}
	}()
	return r.Evaluate(ctx, view, now, tripped)
}

// Evaluate runs the rule chain for one position:
//
//	session end > circuit breaker > ETF > reverse stop > trailing/TP > static band
//
// Boundaries are closed on the exit side so a pnl sitting exactly on a
// threshold exits rather than oscillating. No PnL-based rule fires on a
// stale tick; the position is skipped and retried next cycle.
func (r *RiskEvaluator) Evaluate(ctx context.Context, view PositionView, now time.Time, tripped bool) Decision {
	pos := view.Position

	// Session cutoff overrides everything, stale tick included.
	if r.afterSessionExit(now) {
		return Decision{Action: ActionExit, Reason: domain.ExitSessionEnd}
	}

	if tripped && r.cfg.ForceExitOnBreaker {
		return Decision{Action: ActionExit, Reason: domain.ExitCircuitBreaker, Detail: r.limits.State().Reason}
	}

	staleAfter := time.Duration(r.cfg.StaleTickMs) * time.Millisecond
	if view.LastTickAt.IsZero() || now.Sub(view.LastTickAt) > staleAfter {
		return Decision{Action: ActionSkip, Detail: "stale_tick"}
	}

	pnl := view.CurrentPnLPct

	// 1. Early trend failure, activation-gated inside the detector.
	snap := r.indicatorSnapshot(ctx, pos.InstrumentKey)
	if snap != nil {
		r.positions.BumpPeaks(pos.ID, snap.TrendScore, snap.ADX, snap.HasTrendScore, snap.HasADX)
		if refreshed, ok := r.positions.Get(pos.ID); ok {
			view = refreshed
		}
	}
	if triggered, signal := r.etf.Evaluate(TrendCheckInput{
		CurrentPnLPct:  pnl,
		PeakTrendScore: view.Position.PeakTrendScore,
		PeakADX:        view.PeakADX,
		LastPrice:      view.LastTickPrice,
		Snapshot:       snap,
	}); triggered {
		return Decision{Action: ActionExit, Reason: domain.ExitEarlyTrendFailure, Detail: signal}
	}

	// 2. Losing side: dynamic reverse stop.
	if pnl < 0 {
		atrRatio := 0.0
		if snap != nil && snap.HasATRRatio {
			atrRatio = snap.ATRRatio
		}
		allowed := r.sched.ReverseStopLoss(-pnl, view.SecondsBelowEntry, atrRatio)
		if -pnl >= allowed {
			return Decision{Action: ActionExit, Reason: domain.ExitReverseStopLoss,
				Detail: fmt.Sprintf("loss %.2f%% >= allowed %.2f%%", -pnl, allowed)}
		}
		return Decision{Action: ActionHold, Detail: fmt.Sprintf("loss %.2f%% within allowed %.2f%%", -pnl, allowed)}
	}

	// 3. Winning side with trailing active.
	if r.cfg.TrailingEnabled && view.Position.HighWaterMarkPct >= r.sched.ActivationPct() {
		allowed := r.sched.AllowedDrawdown(view.Position.HighWaterMarkPct, instrumentFloor(pos))
		giveback := view.Position.HighWaterMarkPct - pnl
		if giveback >= allowed {
			return Decision{Action: ActionExit, Reason: domain.ExitTrailingStop,
				Detail: fmt.Sprintf("giveback %.2f%% >= allowed %.2f%%", giveback, allowed)}
		}
		if pnl >= r.cfg.StaticTakeProfitPct {
			return Decision{Action: ActionExit, Reason: domain.ExitTakeProfit}
		}
		return Decision{Action: ActionHold, Detail: fmt.Sprintf("giveback %.2f%% within allowed %.2f%%", giveback, allowed)}
	}

	// 4. Static fallback band.
	if pnl <= -r.cfg.StaticStopLossPct {
		return Decision{Action: ActionExit, Reason: domain.ExitStaticStopLoss}
	}
	if pnl >= r.cfg.StaticTakeProfitPct {
		return Decision{Action: ActionExit, Reason: domain.ExitTakeProfit}
	}
	return Decision{Action: ActionHold, Detail: "within static band"}
}

// LoopHealth reports liveness for the status endpoint.
func (r *RiskEvaluator) LoopHealth() LoopHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LoopHealth{
		Running:     r.running,
		LastCycleAt: r.lastCycleAt,
		CycleCount:  r.cycleCount,
		Restarts:    r.restarts,
	}
}

func (r *RiskEvaluator) indicatorSnapshot(ctx context.Context, instrumentKey string) *domain.IndicatorSnapshot {
	if r.indicators == nil {
		return nil
	}
	snap, err := r.indicators.Snapshot(ctx, instrumentKey)
	if err != nil {
		// Missing indicator data is a hold, never a trigger or an abort.
		r.log.Debug("indicator snapshot unavailable",
			zap.String("instrument_key", instrumentKey), zap.Error(err))
		return nil
	}
	return snap
}

func (r *RiskEvaluator) afterSessionExit(now time.Time) bool {
	if r.cfg.SessionExit == "" {
		return false
	}
	local := now.In(r.loc)
	cutoff, err := time.ParseInLocation("15:04", r.cfg.SessionExit, r.loc)
	if err != nil {
		return false
	}
	cutoffToday := time.Date(local.Year(), local.Month(), local.Day(),
		cutoff.Hour(), cutoff.Minute(), 0, 0, r.loc)
	return !local.Before(cutoffToday)
}

func instrumentFloor(p domain.Position) float64 {
	if v, ok := p.Meta["trail_floor_pct"]; ok {
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return 0
}
