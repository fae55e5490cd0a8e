package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/option_exit_bot/internal/domain"
	"go.uber.org/zap"
)

func newTestFeed(t *testing.T) (*FeedIngestor, *fakeBroker, *TickCache) {
	t.Helper()
	broker := newFakeBroker()
	ticks := NewTickCache()
	feed := NewFeedIngestor(DefaultFeedConfig(), broker, ticks, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, feed.Start(ctx))
	t.Cleanup(func() {
		cancel()
		feed.Stop()
	})
	return feed, broker, ticks
}

func TestFeedSubscribeIsIdempotent(t *testing.T) {
	feed, broker, _ := newTestFeed(t)

	require.NoError(t, feed.Subscribe("NSE_FO|1", "NSE_FO|2"))
	require.NoError(t, feed.Subscribe("NSE_FO|1"))
	require.NoError(t, feed.Subscribe(""))

	assert.ElementsMatch(t, []string{"NSE_FO|1", "NSE_FO|2"}, feed.SubscribedKeys())
	broker.mu.Lock()
	assert.Len(t, broker.subscribed, 2)
	broker.mu.Unlock()

	require.NoError(t, feed.Unsubscribe("NSE_FO|1", "NSE_FO|99"))
	assert.ElementsMatch(t, []string{"NSE_FO|2"}, feed.SubscribedKeys())
}

func TestFeedTickPropagation(t *testing.T) {
	feed, broker, ticks := newTestFeed(t)
	updates := feed.Updates(4)

	broker.emit(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 100, ObservedAt: time.Now()})

	select {
	case got := <-updates:
		assert.Equal(t, "NSE_FO|1", got.InstrumentKey)
		assert.Equal(t, 100.0, got.LastPrice)
	case <-time.After(time.Second):
		t.Fatal("tick never reached the subscriber")
	}

	cached, ok := ticks.Get("NSE_FO|1")
	require.True(t, ok)
	assert.Equal(t, 100.0, cached.LastPrice)

	// A priceless packet is dropped before fan-out.
	broker.emit(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 0})
	select {
	case <-updates:
		t.Fatal("unusable tick must not fan out")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedSlowConsumerLosesTicksNotIngestion(t *testing.T) {
	feed, broker, ticks := newTestFeed(t)
	feed.Updates(1) // never drained

	for i := 1; i <= 20; i++ {
		broker.emit(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: float64(i), ObservedAt: time.Now()})
	}

	// The cache still saw every tick even though the subscriber stalled.
	cached, ok := ticks.Get("NSE_FO|1")
	require.True(t, ok)
	assert.Equal(t, 20.0, cached.LastPrice)
}

func TestFeedHealth(t *testing.T) {
	feed, broker, _ := newTestFeed(t)

	h := feed.Health()
	assert.True(t, h.Connected)
	assert.True(t, h.Stale, "no tick yet")

	broker.emit(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 100, ObservedAt: time.Now()})
	h = feed.Health()
	assert.False(t, h.Stale)
	assert.False(t, h.LastTickAt.IsZero())
}
