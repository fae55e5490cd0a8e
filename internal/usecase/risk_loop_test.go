package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

type fakeIndicators struct {
	snap *domain.IndicatorSnapshot
	err  error
}

func (f *fakeIndicators) Snapshot(ctx context.Context, key string) (*domain.IndicatorSnapshot, error) {
	return f.snap, f.err
}

func testRiskConfig() RiskConfig {
	cfg := DefaultRiskConfig()
	cfg.Timezone = "UTC"
	return cfg
}

// flatStopConfig removes the depth and time terms so the allowed loss is a
// constant 20, making boundary cases exact.
func flatStopConfig() ReverseStopConfig {
	return ReverseStopConfig{BasePct: 20, FloorPct: 5, CeilingPct: 25}
}

func newTestEvaluator(cfg RiskConfig, positions *ActivePositionCache, router *ExitRouter, indicators domain.IndicatorProvider, limits *DailyLimits) *RiskEvaluator {
	if positions == nil {
		positions = NewActivePositionCache(zap.NewNop())
	}
	if limits == nil {
		limits = NewDailyLimits(LimitsConfig{}, zap.NewNop())
	}
	sched := NewScheduler(DefaultDrawdownConfig(), flatStopConfig())
	etf := NewTrendFailureDetector(DefaultTrendFailureConfig())
	return NewRiskEvaluator(cfg, positions, NewTickCache(), sched, etf, limits, router, indicators, zap.NewNop())
}

func freshView(entry, last float64, now time.Time) PositionView {
	pos := activePosition("p1", "NSE_FO|1", entry)
	v := PositionView{Position: *pos, LastTickPrice: last, LastTickAt: now}
	v.CurrentPnLPct = pos.PnLPct(last)
	return v
}

func TestEvaluateRuleChain(t *testing.T) {
	ctx := context.Background()
	tradingDay := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		view       func(now time.Time) PositionView
		now        time.Time
		tripped    bool
		wantAction Action
		wantReason domain.ExitReason
	}{
		{
			name:       "session cutoff exits everything, stale tick included",
			view:       func(now time.Time) PositionView { return freshView(100, 0, time.Time{}) },
			now:        time.Date(2026, 8, 25, 15, 10, 0, 0, time.UTC),
			wantAction: ActionExit,
			wantReason: domain.ExitSessionEnd,
		},
		{
			name:       "tripped breaker force-exits a profitable position",
			view:       func(now time.Time) PositionView { return freshView(100, 103, now) },
			now:        tradingDay,
			tripped:    true,
			wantAction: ActionExit,
			wantReason: domain.ExitCircuitBreaker,
		},
		{
			name:       "stale tick skips instead of deciding",
			view:       func(now time.Time) PositionView { return freshView(100, 80, now.Add(-11*time.Second)) },
			now:        tradingDay,
			wantAction: ActionSkip,
		},
		{
			name:       "no tick yet skips",
			view:       func(now time.Time) PositionView { return freshView(100, 0, time.Time{}) },
			now:        tradingDay,
			wantAction: ActionSkip,
		},
		{
			name:       "loss on the stop boundary exits",
			view:       func(now time.Time) PositionView { return freshView(100, 80, now) },
			now:        tradingDay,
			wantAction: ActionExit,
			wantReason: domain.ExitReverseStopLoss,
		},
		{
			name:       "loss inside the stop holds",
			view:       func(now time.Time) PositionView { return freshView(100, 80.5, now) },
			now:        tradingDay,
			wantAction: ActionHold,
		},
		{
			name: "giveback beyond the trail exits",
			view: func(now time.Time) PositionView {
				v := freshView(100, 101, now)
				v.Position.HighWaterMarkPct = 10
				return v
			},
			now:        tradingDay,
			wantAction: ActionExit,
			wantReason: domain.ExitTrailingStop,
		},
		{
			name: "small giveback under the trail holds",
			view: func(now time.Time) PositionView {
				v := freshView(100, 103.5, now)
				v.Position.HighWaterMarkPct = 4
				return v
			},
			now:        tradingDay,
			wantAction: ActionHold,
		},
		{
			name: "take profit fires while the trail still has room",
			view: func(now time.Time) PositionView {
				v := freshView(100, 136, now)
				v.Position.HighWaterMarkPct = 36
				return v
			},
			now:        tradingDay,
			wantAction: ActionExit,
			wantReason: domain.ExitTakeProfit,
		},
		{
			name:       "take profit boundary in the static band",
			view:       func(now time.Time) PositionView { return freshView(100, 135, now) },
			now:        tradingDay,
			wantAction: ActionExit,
			wantReason: domain.ExitTakeProfit,
		},
		{
			name:       "flat position inside the band holds",
			view:       func(now time.Time) PositionView { return freshView(100, 100.5, now) },
			now:        tradingDay,
			wantAction: ActionHold,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestEvaluator(testRiskConfig(), nil, nil, nil, nil)
			d := r.Evaluate(ctx, tt.view(tt.now), tt.now, tt.tripped)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
		})
	}
}

func TestEvaluateBreakerWithoutForceExit(t *testing.T) {
	cfg := testRiskConfig()
	cfg.ForceExitOnBreaker = false
	r := newTestEvaluator(cfg, nil, nil, nil, nil)

	now := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	d := r.Evaluate(context.Background(), freshView(100, 101, now), now, true)
	assert.Equal(t, ActionHold, d.Action, "breaker blocks entries elsewhere; exits follow normal rules")
}

func TestEvaluateTrendFailureCollapse(t *testing.T) {
	positions := NewActivePositionCache(zap.NewNop())
	positions.Add(activePosition("p1", "NSE_FO|1", 100))
	indicators := &fakeIndicators{snap: &domain.IndicatorSnapshot{TrendScore: 8, HasTrendScore: true}}
	r := newTestEvaluator(testRiskConfig(), positions, nil, indicators, nil)

	now := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	positions.OnTick(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 104, ObservedAt: now}, now)
	view, ok := positions.Get("p1")
	require.True(t, ok)

	// First pass only records the peak.
	d := r.Evaluate(context.Background(), view, now, false)
	assert.Equal(t, ActionHold, d.Action)

	// Collapse from the recorded peak fires before any price damage shows.
	indicators.snap = &domain.IndicatorSnapshot{TrendScore: 4, HasTrendScore: true}
	view, _ = positions.Get("p1")
	d = r.Evaluate(context.Background(), view, now, false)
	assert.Equal(t, ActionExit, d.Action)
	assert.Equal(t, domain.ExitEarlyTrendFailure, d.Reason)
	assert.Equal(t, "trend_score_collapse", d.Detail)
}

func TestEvaluateInstrumentTrailFloorOverride(t *testing.T) {
	now := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	r := newTestEvaluator(testRiskConfig(), nil, nil, nil, nil)

	// Default floor would allow about 2.1 points of giveback at this peak;
	// the per-instrument override widens it past the observed 4.
	v := freshView(100, 126, now)
	v.Position.HighWaterMarkPct = 30
	v.Position.Meta = map[string]string{"trail_floor_pct": "6.0"}
	d := r.Evaluate(context.Background(), v, now, false)
	assert.Equal(t, ActionHold, d.Action)

	v.Position.Meta = nil
	d = r.Evaluate(context.Background(), v, now, false)
	assert.Equal(t, ActionExit, d.Action)
	assert.Equal(t, domain.ExitTrailingStop, d.Reason)
}

func TestRunCycleDispatchesExit(t *testing.T) {
	h := newRouterHarness(t)
	h.seed(t, activePosition("p1", "NSE_FO|1", 100))

	now := time.Now()
	h.positions.OnTick(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 70, ObservedAt: now}, now)

	r := newTestEvaluator(testRiskConfig(), h.positions, h.router, nil, h.limits)
	r.RunCycle(context.Background())
	h.router.Drain(2 * time.Second)

	row, err := h.repo.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExited, row.Status)
	assert.Equal(t, domain.ExitReverseStopLoss, row.ExitReason)

	health := r.LoopHealth()
	assert.Equal(t, int64(1), health.CycleCount)
}

func TestRunCycleSkipsInFlightPositions(t *testing.T) {
	h := newRouterHarness(t)
	h.seed(t, activePosition("p1", "NSE_FO|1", 100))

	now := time.Now()
	h.positions.OnTick(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 70, ObservedAt: now}, now)
	require.True(t, h.positions.TrySetExitInFlight("p1"))

	r := newTestEvaluator(testRiskConfig(), h.positions, h.router, nil, h.limits)
	r.RunCycle(context.Background())
	h.router.Drain(time.Second)

	assert.Equal(t, 0, h.broker.placeCount(), "a routing already in flight owns the exit")
}

func TestSupersededLoopStopsAtNextCycleBoundary(t *testing.T) {
	cfg := testRiskConfig()
	cfg.IntervalMs = 10
	r := newTestEvaluator(cfg, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.mu.Lock()
	r.running = true
	r.gen = 1
	r.mu.Unlock()
	go r.run(ctx, 1)

	require.Eventually(t, func() bool {
		return r.LoopHealth().CycleCount >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// A watchdog restart bumps the generation; the old loop may finish
	// the cycle it is in but must not start another.
	r.mu.Lock()
	r.gen = 2
	r.mu.Unlock()
	count := r.LoopHealth().CycleCount
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, r.LoopHealth().CycleCount, count+1)
}

func TestRunCycleBreakerForcesExitSameCycle(t *testing.T) {
	h := newRouterHarness(t)
	h.seed(t, activePosition("p1", "NSE_FO|1", 100))

	now := time.Now()
	h.positions.OnTick(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 103, ObservedAt: now}, now)

	// One trade already hit the daily ceiling before this cycle.
	h.limits.ResetSession(now.UTC().Format("2006-01-02"))
	h.limits.RecordTrade("NSE_FO", decimal.NewFromFloat(-10))

	r := newTestEvaluator(testRiskConfig(), h.positions, h.router, nil, h.limits)
	r.RunCycle(context.Background())
	h.router.Drain(2 * time.Second)

	row, err := h.repo.Get(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExited, row.Status)
	assert.Equal(t, domain.ExitCircuitBreaker, row.ExitReason)
}
