package usecase

import "github.com/vitos/option_exit_bot/internal/domain"

// TrendFailureConfig gates and tunes the early-trend-failure detector.
// The detector only runs while current pnl is under ActivationCeilingPct;
// past that, trailing protection owns the exit decision.
type TrendFailureConfig struct {
	ActivationCeilingPct float64 `yaml:"activation_ceiling_pct"`
	TrendScoreDrop       float64 `yaml:"trend_score_drop"`
	ADXFloor             float64 `yaml:"adx_floor"`
	ATRRatioFloor        float64 `yaml:"atr_ratio_floor"`
}

func DefaultTrendFailureConfig() TrendFailureConfig {
	return TrendFailureConfig{
		ActivationCeilingPct: 7.0,
		TrendScoreDrop:       3.0,
		ADXFloor:             20.0,
		ATRRatioFloor:        0.6,
	}
}

// TrendCheckInput is everything one detector evaluation reads.
type TrendCheckInput struct {
	CurrentPnLPct  float64
	PeakTrendScore float64
	PeakADX        float64
	LastPrice      float64
	Snapshot       *domain.IndicatorSnapshot
}

// TrendFailureDetector decides whether a position's directional thesis
// has collapsed before trailing protection would otherwise activate.
type TrendFailureDetector struct {
	cfg TrendFailureConfig
}

func NewTrendFailureDetector(cfg TrendFailureConfig) *TrendFailureDetector {
	return &TrendFailureDetector{cfg: cfg}
}

// Evaluate runs four independent checks; any single hit means exit.
// Missing indicator data is never a trigger: a check whose inputs are
// absent simply passes.
func (d *TrendFailureDetector) Evaluate(in TrendCheckInput) (bool, string) {
	if in.CurrentPnLPct >= d.cfg.ActivationCeilingPct {
		return false, ""
	}
	snap := in.Snapshot
	if snap == nil {
		return false, ""
	}

	// Trend score collapsed from the best level this position has seen.
	if snap.HasTrendScore && in.PeakTrendScore > 0 &&
		in.PeakTrendScore-snap.TrendScore >= d.cfg.TrendScoreDrop {
		return true, "trend_score_collapse"
	}

	// Trend strength fell below the floor after previously exceeding it.
	if snap.HasADX && in.PeakADX >= d.cfg.ADXFloor && snap.ADX < d.cfg.ADXFloor {
		return true, "adx_collapse"
	}

	// Volatility regime broke down.
	if snap.HasATRRatio && snap.ATRRatio > 0 && snap.ATRRatio < d.cfg.ATRRatioFloor {
		return true, "atr_ratio_collapse"
	}

	// Premium rejected back through the reference VWAP.
	if snap.HasVWAP && snap.VWAP > 0 && in.LastPrice > 0 && in.LastPrice < snap.VWAP {
		return true, "vwap_rejection"
	}

	return false, ""
}
