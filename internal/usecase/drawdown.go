package usecase

import "math"

// DrawdownConfig shapes the allowed give-back curve for profitable
// positions. Below ActivationPct the curve is not consulted at all.
type DrawdownConfig struct {
	ActivationPct  float64 `yaml:"activation_pct"`
	MaxGivebackPct float64 `yaml:"max_giveback_pct"`
	FloorPct       float64 `yaml:"floor_pct"`
	DecayRate      float64 `yaml:"decay_rate"`
}

// ATRStep adds a fixed stop tightening when the volatility ratio drops
// under a breakpoint, i.e. the market has gone dead and mean reversion
// is unlikely.
type ATRStep struct {
	Below      float64 `yaml:"below"`
	PenaltyPct float64 `yaml:"penalty_pct"`
}

// ReverseStopConfig shapes the dynamic stop for losing positions.
type ReverseStopConfig struct {
	BasePct           float64   `yaml:"base_pct"`
	FloorPct          float64   `yaml:"floor_pct"`
	CeilingPct        float64   `yaml:"ceiling_pct"`
	DepthDecay        float64   `yaml:"depth_decay"`
	TimePenaltyPerMin float64   `yaml:"time_penalty_per_min"`
	ATRSteps          []ATRStep `yaml:"atr_steps"`
}

func DefaultDrawdownConfig() DrawdownConfig {
	return DrawdownConfig{
		ActivationPct:  3.0,
		MaxGivebackPct: 8.0,
		FloorPct:       2.0,
		DecayRate:      0.15,
	}
}

func DefaultReverseStopConfig() ReverseStopConfig {
	return ReverseStopConfig{
		BasePct:           20.0,
		FloorPct:          5.0,
		CeilingPct:        25.0,
		DepthDecay:        0.02,
		TimePenaltyPerMin: 2.0,
		ATRSteps: []ATRStep{
			{Below: 0.75, PenaltyPct: 2.0},
			{Below: 0.50, PenaltyPct: 4.0},
		},
	}
}

// Scheduler computes the currently allowed give-back (profit side) and
// the currently tightened stop (loss side). Pure functions over scalar
// inputs; no shared state.
type Scheduler struct {
	dd DrawdownConfig
	rs ReverseStopConfig
}

func NewScheduler(dd DrawdownConfig, rs ReverseStopConfig) *Scheduler {
	return &Scheduler{dd: dd, rs: rs}
}

func (s *Scheduler) ActivationPct() float64 { return s.dd.ActivationPct }

// AllowedDrawdown returns how many percentage points of profit the
// position may give back from its peak before the trailing stop fires.
// The curve decays exponentially from MaxGivebackPct near activation down
// to the floor as the peak grows: small gains are protected loosely so
// noise does not stop them out, large gains tightly so they stay locked in.
// instrumentFloor, when positive, overrides the configured floor.
func (s *Scheduler) AllowedDrawdown(peakProfitPct, instrumentFloor float64) float64 {
	floor := s.dd.FloorPct
	if instrumentFloor > 0 {
		floor = instrumentFloor
	}
	if floor > s.dd.MaxGivebackPct {
		floor = s.dd.MaxGivebackPct
	}

	excess := peakProfitPct - s.dd.ActivationPct
	if excess < 0 {
		excess = 0
	}
	allowed := floor + (s.dd.MaxGivebackPct-floor)*math.Exp(-s.dd.DecayRate*excess)

	if allowed < floor {
		return floor
	}
	if allowed > s.dd.MaxGivebackPct {
		return s.dd.MaxGivebackPct
	}
	return allowed
}

// ReverseStopLoss returns the allowed loss in percentage points for a
// position currently under water. lossPct is the loss magnitude (positive
// number). The stop starts from BasePct and tightens three ways: with
// loss depth along its own decay curve, linearly with time spent below
// entry, and in steps as the ATR ratio signals a dead market. The result
// is clamped to [FloorPct, CeilingPct]; atrRatio <= 0 means the ratio is
// unknown and carries no penalty.
func (s *Scheduler) ReverseStopLoss(lossPct, secondsBelowEntry, atrRatio float64) float64 {
	if lossPct < 0 {
		lossPct = -lossPct
	}

	allowed := s.rs.BasePct * math.Exp(-s.rs.DepthDecay*lossPct)
	allowed -= secondsBelowEntry / 60.0 * s.rs.TimePenaltyPerMin

	if atrRatio > 0 {
		penalty := 0.0
		for _, step := range s.rs.ATRSteps {
			if atrRatio < step.Below && step.PenaltyPct > penalty {
				penalty = step.PenaltyPct
			}
		}
		allowed -= penalty
	}

	if allowed < s.rs.FloorPct {
		return s.rs.FloorPct
	}
	if allowed > s.rs.CeilingPct {
		return s.rs.CeilingPct
	}
	return allowed
}
