package usecase

import (
	"context"
	"time"

	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

// Reconciler periodically reloads the authoritative position set from
// durable storage into the active cache. It picks up positions created by
// the entry pipeline while running, rebuilds state after a crash, and
// prunes subscriptions and ticks for instruments nothing trades anymore.
type Reconciler struct {
	repo      domain.PositionRepository
	positions *ActivePositionCache
	ticks     *TickCache
	feed      *FeedIngestor
	log       *zap.Logger
	interval  time.Duration
}

func NewReconciler(
	repo domain.PositionRepository,
	positions *ActivePositionCache,
	ticks *TickCache,
	feed *FeedIngestor,
	interval time.Duration,
	log *zap.Logger,
) *Reconciler {
	return &Reconciler{
		repo:      repo,
		positions: positions,
		ticks:     ticks,
		feed:      feed,
		log:       log,
		interval:  interval,
	}
}

// Start runs an immediate pass and then one per interval.
func (r *Reconciler) Start(ctx context.Context) {
	r.Reconcile(ctx)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reconcile(ctx)
			}
		}
	}()
}

// Reconcile performs one durable-to-cache sync pass.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.persistMarks(ctx)

	open, err := r.repo.ListOpen(ctx)
	if err != nil {
		r.log.Error("reconcile: list open positions failed", zap.Error(err))
		return
	}

	openIDs := make(map[string]bool, len(open))
	wantKeys := make(map[string]bool, len(open))
	subscribed := r.feed.SubscribedKeys()
	var toSubscribe []string

	for _, p := range open {
		openIDs[p.ID] = true
		if p.Status == domain.StatusActive {
			r.positions.Add(p)
		}
		if !wantKeys[p.InstrumentKey] && !hasKey(subscribed, p.InstrumentKey) {
			toSubscribe = append(toSubscribe, p.InstrumentKey)
		}
		wantKeys[p.InstrumentKey] = true
	}

	if len(toSubscribe) > 0 {
		if err := r.feed.Subscribe(toSubscribe...); err != nil {
			r.log.Error("reconcile: subscribe failed", zap.Error(err))
		}
	}

	// Drop cache entries whose row is no longer open; the row is truth.
	for _, view := range r.positions.Snapshot(time.Now()) {
		if !openIDs[view.Position.ID] && !view.ExitInFlight {
			r.log.Info("reconcile: dropping position no longer open",
				zap.String("position_id", view.Position.ID))
			r.positions.Remove(view.Position.ID)
		}
	}

	// Unsubscribe and prune instruments with no open position left.
	var stale []string
	for _, key := range r.feed.SubscribedKeys() {
		if !wantKeys[key] {
			stale = append(stale, key)
		}
	}
	if len(stale) > 0 {
		if err := r.feed.Unsubscribe(stale...); err != nil {
			r.log.Error("reconcile: unsubscribe failed", zap.Error(err))
		}
		for _, key := range stale {
			r.ticks.Remove(key)
		}
	}
}

// persistMarks writes the runtime high-water mark, peak trend score and
// bookkeeping meta back to the rows, so a restarted engine resumes with
// the trail as tight as this one left it.
func (r *Reconciler) persistMarks(ctx context.Context) {
	for _, view := range r.positions.Snapshot(time.Now()) {
		if view.Position.Status != domain.StatusActive {
			continue
		}
		p := view.Position
		if err := r.repo.UpdateMarks(ctx, p.ID, p.HighWaterMarkPct, p.PeakTrendScore, p.Meta); err != nil {
			r.log.Error("reconcile: persist marks failed",
				zap.String("position_id", p.ID), zap.Error(err))
		}
	}
}

func hasKey(keys []string, want string) bool {
	for _, k := range keys {
		if k == want {
			return true
		}
	}
	return false
}
