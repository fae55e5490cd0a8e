package usecase

import (
	"sync"
	"time"

	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

const metaBelowEntrySince = "below_entry_since"

// PositionView is a read-only copy of a cached position joined with its
// derived state. Views are recomputed from ticks; they are never the
// source of truth.
type PositionView struct {
	Position          domain.Position
	CurrentPnLPct     float64
	LastTickPrice     float64
	LastTickAt        time.Time
	SecondsBelowEntry float64
	PeakADX           float64
	ExitFailures      int
	ExitInFlight      bool
}

type positionEntry struct {
	mu            sync.Mutex
	pos           domain.Position
	currentPnLPct float64
	lastTickPrice float64
	lastTickAt    time.Time
	belowSince    time.Time // zero while pnl >= 0
	peakADX       float64
	exitFailures  int
	exitInFlight  bool
}

func (e *positionEntry) view(now time.Time) PositionView {
	v := PositionView{
		Position:      e.pos,
		CurrentPnLPct: e.currentPnLPct,
		LastTickPrice: e.lastTickPrice,
		LastTickAt:    e.lastTickAt,
		PeakADX:       e.peakADX,
		ExitFailures:  e.exitFailures,
		ExitInFlight:  e.exitInFlight,
	}
	if !e.belowSince.IsZero() && now.After(e.belowSince) {
		v.SecondsBelowEntry = now.Sub(e.belowSince).Seconds()
	}
	if e.pos.Meta != nil {
		v.Position.Meta = make(map[string]string, len(e.pos.Meta))
		for k, val := range e.pos.Meta {
			v.Position.Meta[k] = val
		}
	}
	return v
}

// ActivePositionCache is the in-memory registry of open positions.
// Contention is scoped per position id: tick updates for one instrument
// never block evaluation of a position on another.
type ActivePositionCache struct {
	mu           sync.RWMutex
	entries      map[string]*positionEntry
	byInstrument map[string]map[string]*positionEntry
	log          *zap.Logger
}

func NewActivePositionCache(log *zap.Logger) *ActivePositionCache {
	return &ActivePositionCache{
		entries:      make(map[string]*positionEntry),
		byInstrument: make(map[string]map[string]*positionEntry),
		log:          log,
	}
}

// Add registers a position. Re-adding an id already present (the
// reconciler does this every pass) refreshes the row but keeps the
// derived runtime state, so an already tightened trail never loosens.
func (c *ActivePositionCache) Add(p *domain.Position) {
	if p == nil || p.ID == "" {
		return
	}

	c.mu.Lock()
	entry, ok := c.entries[p.ID]
	if !ok {
		entry = &positionEntry{pos: *p}
		// Resume below-entry accounting across restarts.
		if since, err := time.Parse(time.RFC3339, p.Meta[metaBelowEntrySince]); err == nil {
			entry.belowSince = since
		}
		c.entries[p.ID] = entry
		byKey := c.byInstrument[p.InstrumentKey]
		if byKey == nil {
			byKey = make(map[string]*positionEntry)
			c.byInstrument[p.InstrumentKey] = byKey
		}
		byKey[p.ID] = entry
		c.mu.Unlock()
		c.log.Info("position registered",
			zap.String("position_id", p.ID),
			zap.String("instrument_key", p.InstrumentKey),
			zap.Float64("entry_price", p.EntryPrice))
		return
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.pos.Status == domain.StatusExited || entry.pos.Status == domain.StatusCancelled {
		return
	}
	hwm := entry.pos.HighWaterMarkPct
	peakTS := entry.pos.PeakTrendScore
	entry.pos = *p
	if hwm > entry.pos.HighWaterMarkPct {
		entry.pos.HighWaterMarkPct = hwm
	}
	if peakTS > entry.pos.PeakTrendScore {
		entry.pos.PeakTrendScore = peakTS
	}
}

// Remove drops a position from the registry.
func (c *ActivePositionCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	if byKey, ok := c.byInstrument[entry.pos.InstrumentKey]; ok {
		delete(byKey, id)
		if len(byKey) == 0 {
			delete(c.byInstrument, entry.pos.InstrumentKey)
		}
	}
}

// Get returns a view of one position.
func (c *ActivePositionCache) Get(id string) (PositionView, bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return PositionView{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.view(time.Now()), true
}

// Snapshot returns views of every cached position as of now.
func (c *ActivePositionCache) Snapshot(now time.Time) []PositionView {
	c.mu.RLock()
	entries := make([]*positionEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.RUnlock()

	views := make([]PositionView, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		views = append(views, e.view(now))
		e.mu.Unlock()
	}
	return views
}

// HasInstrument reports whether any cached position trades the key.
func (c *ActivePositionCache) HasInstrument(instrumentKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byInstrument[instrumentKey]) > 0
}

// InstrumentKeys returns the distinct instrument keys under management.
func (c *ActivePositionCache) InstrumentKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.byInstrument))
	for k := range c.byInstrument {
		keys = append(keys, k)
	}
	return keys
}

// OnTick folds a fresh tick into every active position on its instrument:
// current pnl, high-water mark, and the below-entry clock, which resets
// the instant pnl turns non-negative.
func (c *ActivePositionCache) OnTick(t domain.Tick, now time.Time) {
	c.mu.RLock()
	byKey := make([]*positionEntry, 0, 2)
	for _, e := range c.byInstrument[t.InstrumentKey] {
		byKey = append(byKey, e)
	}
	c.mu.RUnlock()

	for _, e := range byKey {
		e.mu.Lock()
		if e.pos.Status != domain.StatusActive {
			e.mu.Unlock()
			continue
		}
		pnl := e.pos.PnLPct(t.LastPrice)
		e.currentPnLPct = pnl
		e.lastTickPrice = t.LastPrice
		e.lastTickAt = t.ObservedAt
		if pnl > e.pos.HighWaterMarkPct {
			e.pos.HighWaterMarkPct = pnl
		}
		if pnl < 0 {
			if e.belowSince.IsZero() {
				e.belowSince = now
				if e.pos.Meta == nil {
					e.pos.Meta = make(map[string]string)
				}
				e.pos.Meta[metaBelowEntrySince] = now.Format(time.RFC3339)
			}
		} else if !e.belowSince.IsZero() {
			e.belowSince = time.Time{}
			delete(e.pos.Meta, metaBelowEntrySince)
		}
		e.mu.Unlock()
	}
}

// BumpPeaks records the best trend score and ADX ever observed for the
// position, feeding the collapse checks of the trend failure detector.
func (c *ActivePositionCache) BumpPeaks(id string, trendScore, adx float64, hasTrend, hasADX bool) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if hasTrend && trendScore > entry.pos.PeakTrendScore {
		entry.pos.PeakTrendScore = trendScore
	}
	if hasADX && adx > entry.peakADX {
		entry.peakADX = adx
	}
}

// TrySetExitInFlight claims the exit slot for a position. Returns false
// when an exit is already being routed, so a later cycle cannot dispatch
// a second one.
func (c *ActivePositionCache) TrySetExitInFlight(id string) bool {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.exitInFlight || entry.pos.Status != domain.StatusActive {
		return false
	}
	entry.exitInFlight = true
	return true
}

// ClearExitInFlight releases the exit slot after a failed routing attempt.
func (c *ActivePositionCache) ClearExitInFlight(id string) {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.exitInFlight = false
	entry.mu.Unlock()
}

// RecordExitFailure counts an exhausted exit attempt; health output uses
// this to tell "failing to exit" apart from "not yet due".
func (c *ActivePositionCache) RecordExitFailure(id string) int {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.exitFailures++
	return entry.exitFailures
}

// MarkExited performs the compare-and-swap transition active -> exited.
// Exit price, reason and timestamp are set together with the status;
// a second caller gets false and must not touch the position again.
func (c *ActivePositionCache) MarkExited(id string, price float64, reason domain.ExitReason, at time.Time) bool {
	c.mu.RLock()
	entry, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.pos.Status != domain.StatusActive {
		return false
	}
	entry.pos.Status = domain.StatusExited
	entry.pos.ExitPrice = price
	entry.pos.ExitReason = reason
	exitedAt := at
	entry.pos.ExitedAt = &exitedAt
	return true
}
