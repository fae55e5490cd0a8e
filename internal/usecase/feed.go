package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

// FeedConfig tunes the market feed ingestor.
type FeedConfig struct {
	StaleAfterMs     int `yaml:"stale_after_ms"`
	ReconnectMaxWait int `yaml:"reconnect_max_wait_ms"`
}

func DefaultFeedConfig() FeedConfig {
	return FeedConfig{StaleAfterMs: 5000, ReconnectMaxWait: 30000}
}

// FeedIngestor owns the single live subscription session to the broker
// feed. It keeps the authoritative subscription snapshot (the broker
// forgets subscriptions across disconnects), normalizes inbound messages
// into the tick cache, and fans ticks out to subscribers without blocking
// the receive path.
type FeedIngestor struct {
	cfg    FeedConfig
	broker domain.Broker
	ticks  *TickCache
	log    *zap.Logger

	mu          sync.Mutex
	subscribed  map[string]bool
	subscribers []chan domain.Tick
	connected   bool
	lastTickAt  time.Time
	lastErr     error

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFeedIngestor(cfg FeedConfig, broker domain.Broker, ticks *TickCache, log *zap.Logger) *FeedIngestor {
	return &FeedIngestor{
		cfg:        cfg,
		broker:     broker,
		ticks:      ticks,
		log:        log,
		subscribed: make(map[string]bool),
	}
}

// Start connects the broker session and installs the tick and disconnect
// handlers. It does not block.
func (f *FeedIngestor) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	f.broker.OnTick(f.handleTick)
	f.broker.OnDisconnect(f.handleDisconnect)

	if err := f.broker.Connect(); err != nil {
		return err
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.log.Info("market feed connected")
	return nil
}

// Stop tears the session down. The feed is disconnected last during
// shutdown, after in-flight exits have drained.
func (f *FeedIngestor) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if err := f.broker.Close(); err != nil {
		f.log.Error("feed close failed", zap.Error(err))
	}
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

// Subscribe adds instrument keys to the live session. Already-subscribed
// keys are skipped, so calling it repeatedly is a no-op.
func (f *FeedIngestor) Subscribe(instrumentKeys ...string) error {
	f.mu.Lock()
	var fresh []string
	for _, k := range instrumentKeys {
		if k == "" || f.subscribed[k] {
			continue
		}
		fresh = append(fresh, k)
	}
	f.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := f.broker.Subscribe(fresh); err != nil {
		return err
	}
	f.mu.Lock()
	for _, k := range fresh {
		f.subscribed[k] = true
	}
	f.mu.Unlock()
	f.log.Info("subscribed", zap.Strings("instrument_keys", fresh))
	return nil
}

// Unsubscribe removes keys from the session and the snapshot.
func (f *FeedIngestor) Unsubscribe(instrumentKeys ...string) error {
	f.mu.Lock()
	var active []string
	for _, k := range instrumentKeys {
		if f.subscribed[k] {
			active = append(active, k)
		}
	}
	f.mu.Unlock()

	if len(active) == 0 {
		return nil
	}
	if err := f.broker.Unsubscribe(active); err != nil {
		return err
	}
	f.mu.Lock()
	for _, k := range active {
		delete(f.subscribed, k)
	}
	f.mu.Unlock()
	f.log.Info("unsubscribed", zap.Strings("instrument_keys", active))
	return nil
}

// SubscribedKeys returns the retained subscription snapshot.
func (f *FeedIngestor) SubscribedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.subscribed))
	for k := range f.subscribed {
		keys = append(keys, k)
	}
	return keys
}

// Updates returns a channel receiving every accepted tick. Slow consumers
// lose ticks rather than stalling ingestion.
func (f *FeedIngestor) Updates(buffer int) <-chan domain.Tick {
	ch := make(chan domain.Tick, buffer)
	f.mu.Lock()
	f.subscribers = append(f.subscribers, ch)
	f.mu.Unlock()
	return ch
}

// Health reports connection state. The feed counts as stale when no tick
// arrived within the configured window, even if the socket is open.
func (f *FeedIngestor) Health() domain.FeedHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := domain.FeedHealth{
		Connected:  f.connected,
		LastTickAt: f.lastTickAt,
	}
	if f.lastErr != nil {
		h.LastError = f.lastErr.Error()
	}
	staleAfter := time.Duration(f.cfg.StaleAfterMs) * time.Millisecond
	if f.lastTickAt.IsZero() || time.Since(f.lastTickAt) > staleAfter {
		h.Stale = true
	}
	return h
}

func (f *FeedIngestor) handleTick(t domain.Tick) {
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	if !f.ticks.Put(t) {
		return // no usable price in this packet
	}

	f.mu.Lock()
	f.lastTickAt = time.Now()
	subs := f.subscribers
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- t:
		default:
		}
	}
}

// handleDisconnect redials with doubling backoff and replays the retained
// subscription snapshot. The snapshot, not a broker query, is
// authoritative: the venue does not remember subscriptions.
func (f *FeedIngestor) handleDisconnect(cause error) {
	f.mu.Lock()
	f.connected = false
	f.lastErr = cause
	f.mu.Unlock()
	f.log.Error("feed disconnected", zap.Error(cause))

	backoff := time.Second
	maxWait := time.Duration(f.cfg.ReconnectMaxWait) * time.Millisecond
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-time.After(backoff):
		}

		if err := f.broker.Connect(); err != nil {
			f.log.Error("feed reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
			backoff *= 2
			if backoff > maxWait {
				backoff = maxWait
			}
			continue
		}

		keys := f.SubscribedKeys()
		if len(keys) > 0 {
			if err := f.broker.Subscribe(keys); err != nil {
				f.log.Error("resubscribe failed", zap.Error(err))
				backoff *= 2
				continue
			}
		}

		f.mu.Lock()
		f.connected = true
		f.lastErr = nil
		f.mu.Unlock()
		f.log.Info("feed reconnected", zap.Int("resubscribed", len(keys)))
		return
	}
}
