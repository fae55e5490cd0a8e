package usecase

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/option_exit_bot/internal/domain"
)

func TestTickCachePutRejectsUnusable(t *testing.T) {
	c := NewTickCache()

	assert.False(t, c.Put(domain.Tick{InstrumentKey: "", LastPrice: 100}))
	assert.False(t, c.Put(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 0}))
	assert.False(t, c.Put(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: -5}))

	_, ok := c.Get("NSE_FO|1")
	assert.False(t, ok)
}

func TestTickCacheMerge(t *testing.T) {
	c := NewTickCache()
	t0 := time.Now()

	require.True(t, c.Put(domain.Tick{
		InstrumentKey: "NSE_FO|1", LastPrice: 100, PrevClose: 95, ObservedAt: t0,
	}))

	// A later packet without prev close keeps the known one.
	require.True(t, c.Put(domain.Tick{
		InstrumentKey: "NSE_FO|1", LastPrice: 101, ObservedAt: t0.Add(time.Second),
	}))
	got, ok := c.Get("NSE_FO|1")
	require.True(t, ok)
	assert.Equal(t, 101.0, got.LastPrice)
	assert.Equal(t, 95.0, got.PrevClose)
	assert.Equal(t, t0.Add(time.Second), got.ObservedAt)

	// An out-of-order packet is dropped whole: neither a rewound price
	// nor a freshened timestamp may land in the cache.
	require.False(t, c.Put(domain.Tick{
		InstrumentKey: "NSE_FO|1", LastPrice: 99, ObservedAt: t0.Add(-time.Minute),
	}))
	got, _ = c.Get("NSE_FO|1")
	assert.Equal(t, 101.0, got.LastPrice)
	assert.Equal(t, t0.Add(time.Second), got.ObservedAt)
}

func TestTickCacheRemoveAndKeys(t *testing.T) {
	c := NewTickCache()
	c.Put(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: 100, ObservedAt: time.Now()})
	c.Put(domain.Tick{InstrumentKey: "NSE_FO|2", LastPrice: 50, ObservedAt: time.Now()})

	assert.ElementsMatch(t, []string{"NSE_FO|1", "NSE_FO|2"}, c.Keys())

	c.Remove("NSE_FO|1")
	_, ok := c.Get("NSE_FO|1")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"NSE_FO|2"}, c.Keys())
}

func TestTickCacheConcurrentAccess(t *testing.T) {
	c := NewTickCache()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Put(domain.Tick{InstrumentKey: "NSE_FO|1", LastPrice: float64(j + 1), ObservedAt: time.Now()})
				c.Get("NSE_FO|1")
				c.Keys()
			}
		}()
	}
	wg.Wait()

	got, ok := c.Get("NSE_FO|1")
	require.True(t, ok)
	assert.Greater(t, got.LastPrice, 0.0)
}
