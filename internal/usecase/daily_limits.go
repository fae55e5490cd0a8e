package usecase

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

// LimitsConfig holds the daily ceilings. Loss ceilings are absolute money
// amounts in the account currency; zero disables a ceiling.
type LimitsConfig struct {
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
	MaxDailyTrades      int     `yaml:"max_daily_trades"`
	MaxInstrumentLoss   float64 `yaml:"max_instrument_loss"`
	MaxInstrumentTrades int     `yaml:"max_instrument_trades"`
}

type scopeCounters struct {
	realizedLoss decimal.Decimal
	trades       int
}

// DailyLimits tracks realized loss and trade counts for the current
// session, per instrument group and globally, and owns the process-wide
// circuit breaker flag. All state is process-local and rebuilt fresh at
// every session boundary.
type DailyLimits struct {
	mu      sync.RWMutex
	cfg     LimitsConfig
	global  scopeCounters
	byGroup map[string]*scopeCounters
	breaker domain.BreakerState
	session string
	log     *zap.Logger
}

func NewDailyLimits(cfg LimitsConfig, log *zap.Logger) *DailyLimits {
	return &DailyLimits{
		cfg:     cfg,
		byGroup: make(map[string]*scopeCounters),
		log:     log,
	}
}

// RecordTrade accumulates a realized trade outcome. Only losses add to
// the loss counters; every trade bumps the counts.
func (d *DailyLimits) RecordTrade(group string, pnl decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.global.trades++
	gc := d.byGroup[group]
	if gc == nil {
		gc = &scopeCounters{}
		d.byGroup[group] = gc
	}
	gc.trades++

	if pnl.IsNegative() {
		loss := pnl.Neg()
		d.global.realizedLoss = d.global.realizedLoss.Add(loss)
		gc.realizedLoss = gc.realizedLoss.Add(loss)
	}

	d.log.Info("trade recorded",
		zap.String("group", group),
		zap.String("pnl", pnl.StringFixed(2)),
		zap.String("daily_loss", d.global.realizedLoss.StringFixed(2)),
		zap.Int("daily_trades", d.global.trades))
}

// CanTrade is read by the entry pipeline before opening anything new.
func (d *DailyLimits) CanTrade(group string) (bool, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.breaker.Tripped {
		return false, d.breaker.Reason
	}
	if d.cfg.MaxDailyTrades > 0 && d.global.trades >= d.cfg.MaxDailyTrades {
		return false, "daily_trade_limit"
	}
	if d.overLoss(d.global.realizedLoss, d.cfg.MaxDailyLoss) {
		return false, "daily_loss_limit"
	}
	if gc := d.byGroup[group]; gc != nil {
		if d.cfg.MaxInstrumentTrades > 0 && gc.trades >= d.cfg.MaxInstrumentTrades {
			return false, "instrument_trade_limit"
		}
		if d.overLoss(gc.realizedLoss, d.cfg.MaxInstrumentLoss) {
			return false, "instrument_loss_limit"
		}
	}
	return true, ""
}

// TripIfExceeded flips the breaker the first time a ceiling is crossed
// and is a no-op thereafter until session reset. Returns the tripped
// state after the check.
func (d *DailyLimits) TripIfExceeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.breaker.Tripped {
		return true
	}

	reason := ""
	switch {
	case d.overLoss(d.global.realizedLoss, d.cfg.MaxDailyLoss):
		reason = "daily_loss_limit"
	case d.cfg.MaxDailyTrades > 0 && d.global.trades >= d.cfg.MaxDailyTrades:
		reason = "daily_trade_limit"
	}
	if reason == "" {
		return false
	}

	d.breaker = domain.BreakerState{
		Tripped:   true,
		Reason:    reason,
		TrippedAt: time.Now(),
	}
	d.log.Warn("circuit breaker tripped",
		zap.String("reason", reason),
		zap.String("daily_loss", d.global.realizedLoss.StringFixed(2)),
		zap.Int("daily_trades", d.global.trades))
	return true
}

// State returns the breaker flag for health output and the entry pipeline.
func (d *DailyLimits) State() domain.BreakerState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.breaker
}

// ResetSession clears every counter and the breaker at a trading-day
// boundary. date is the new session's trading date.
func (d *DailyLimits) ResetSession(date string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == date {
		return
	}
	d.session = date
	d.global = scopeCounters{}
	d.byGroup = make(map[string]*scopeCounters)
	d.breaker = domain.BreakerState{}
	d.log.Info("session counters reset", zap.String("session", date))
}

func (d *DailyLimits) overLoss(loss decimal.Decimal, ceiling float64) bool {
	if ceiling <= 0 {
		return false
	}
	return loss.GreaterThanOrEqual(decimal.NewFromFloat(ceiling))
}
