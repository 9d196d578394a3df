package marketdata

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"exchange_simulator/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestGBMStaysPositiveAndMoves(t *testing.T) {
	m := NewGBM(0.05, 0.8, rand.New(rand.NewSource(1)))

	price := d("50000")
	dt := 0.1 / secondsPerYear
	moved := false
	for i := 0; i < 10000; i++ {
		next := m.Next(price, dt)
		require.True(t, next.IsPositive(), "iteration %d: %s", i, next)
		if !next.Equal(price) {
			moved = true
		}
		price = next
	}
	assert.True(t, moved)
}

func TestGBMZeroVolatilityIsDeterministicDrift(t *testing.T) {
	m := NewGBM(0.05, 0, rand.New(rand.NewSource(1)))

	price := d("100")
	next := m.Next(price, 1.0) // one full year
	// exp(0.05) ~ 1.0513
	f, _ := next.Float64()
	assert.InDelta(t, 105.13, f, 0.01)
}

func TestRandomWalkAndTrendStayPositive(t *testing.T) {
	models := []PriceModel{
		NewRandomWalk(5.0, rand.New(rand.NewSource(2))),
		NewTrend(0.5, 5.0, rand.New(rand.NewSource(3))),
	}
	for _, m := range models {
		price := d("1")
		for i := 0; i < 5000; i++ {
			price = m.Next(price, 0.001)
			require.True(t, price.IsPositive(), "%s went non-positive", m.Name())
		}
	}
}

func TestNewModelSelection(t *testing.T) {
	assert.Equal(t, "gbm", NewModel("gbm", 0, 0.1, nil).Name())
	assert.Equal(t, "random_walk", NewModel("random_walk", 0, 0.1, nil).Name())
	assert.Equal(t, "trend", NewModel("trend", 0.1, 0.1, nil).Name())
	assert.Equal(t, "gbm", NewModel("something_else", 0, 0.1, nil).Name())
}

func TestSequencerMonotonicPerStream(t *testing.T) {
	s := NewSequencer()

	assert.Equal(t, uint64(1), s.Next("TICKER", "BTC/USD"))
	assert.Equal(t, uint64(2), s.Next("TICKER", "BTC/USD"))

	// streams are independent
	assert.Equal(t, uint64(1), s.Next("TRADES", "BTC/USD"))
	assert.Equal(t, uint64(1), s.Next("TICKER", "ETH/USD"))

	assert.Equal(t, uint64(2), s.Current("TICKER", "BTC/USD"))
	assert.Equal(t, uint64(0), s.Current("ORDERBOOK", "BTC/USD"))
}

func TestSequencerConcurrent(t *testing.T) {
	s := NewSequencer()

	var wg sync.WaitGroup
	const workers, each = 8, 500
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				s.Next("TICKER", "BTC/USD")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(workers*each), s.Current("TICKER", "BTC/USD"))
}

func TestHistoryBoundedEviction(t *testing.T) {
	h := NewHistory(5)

	for i := 1; i <= 8; i++ {
		h.Append(Tick{Symbol: "BTC/USD", SequenceID: uint64(i), Last: d(fmt.Sprintf("%d", i))})
	}

	assert.Equal(t, 5, h.Len("BTC/USD"))
	recent := h.Recent("BTC/USD", 0)
	require.Len(t, recent, 5)
	assert.Equal(t, uint64(4), recent[0].SequenceID)
	assert.Equal(t, uint64(8), recent[4].SequenceID)

	last2 := h.Recent("BTC/USD", 2)
	require.Len(t, last2, 2)
	assert.Equal(t, uint64(7), last2[0].SequenceID)
	assert.Equal(t, uint64(8), last2[1].SequenceID)

	assert.Nil(t, h.Recent("ETH/USD", 10))
}

func TestHistoryHighLow(t *testing.T) {
	h := NewHistory(100)
	now := time.Now()

	h.Append(Tick{Symbol: "BTC/USD", Last: d("100"), Timestamp: now.Add(-25 * time.Hour)})
	h.Append(Tick{Symbol: "BTC/USD", Last: d("50"), Timestamp: now.Add(-1 * time.Hour)})
	h.Append(Tick{Symbol: "BTC/USD", Last: d("70"), Timestamp: now})

	high, low, ok := h.HighLowSince("BTC/USD", now.Add(-24*time.Hour))
	require.True(t, ok)
	// the 25h-old tick is outside the window
	assert.True(t, high.Equal(d("70")))
	assert.True(t, low.Equal(d("50")))

	_, _, ok = h.HighLowSince("ETH/USD", now.Add(-24*time.Hour))
	assert.False(t, ok)
}

func newTestPublisher() (*Publisher, *History, *Sequencer) {
	history := NewHistory(1000)
	seq := NewSequencer()
	model := NewGBM(0, 0.1, rand.New(rand.NewSource(4)))
	pub := NewPublisher(model,
		map[string]decimal.Decimal{"BTC/USD": d("50000")},
		100*time.Millisecond, 10, 2, history, seq, logging.GetGlobalLogger())
	return pub, history, seq
}

func TestPublisherStepProducesSpreadAndSequence(t *testing.T) {
	pub, history, _ := newTestPublisher()

	now := time.Now()
	ticks := pub.Step(now)
	require.Len(t, ticks, 1)
	tick := ticks[0]

	assert.Equal(t, "BTC/USD", tick.Symbol)
	assert.Equal(t, uint64(1), tick.SequenceID)
	assert.True(t, tick.Bid.LessThan(tick.Last))
	assert.True(t, tick.Ask.GreaterThan(tick.Last))

	// 10 bps total spread around the mid
	halfSpread := tick.Last.Mul(d("0.0005"))
	assert.True(t, tick.Ask.Sub(tick.Last).Equal(halfSpread))
	assert.True(t, tick.Last.Sub(tick.Bid).Equal(halfSpread))

	ticks = pub.Step(now.Add(100 * time.Millisecond))
	assert.Equal(t, uint64(2), ticks[0].SequenceID)
	assert.Equal(t, 2, history.Len("BTC/USD"))
}

func TestPublisherVolumeAndExtremes(t *testing.T) {
	pub, _, _ := newTestPublisher()
	now := time.Now()

	pub.AddTrade("BTC/USD", d("1.5"), now.Add(-time.Hour))
	pub.AddTrade("BTC/USD", d("0.5"), now.Add(-time.Minute))
	pub.AddTrade("BTC/USD", d("9"), now.Add(-25*time.Hour)) // outside 24h

	ticks := pub.Step(now)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].Volume24h.Equal(d("2")), "got %s", ticks[0].Volume24h)
	assert.True(t, ticks[0].High24h.GreaterThanOrEqual(ticks[0].Low24h))
	assert.True(t, ticks[0].Low24h.IsPositive())
}

func TestPublisherRoundsModelOutput(t *testing.T) {
	pub, _, _ := newTestPublisher()

	for i := 0; i < 20; i++ {
		ticks := pub.Step(time.Now())
		require.Len(t, ticks, 1)
		last := ticks[0].Last
		assert.True(t, last.Equal(last.Round(2)), "unrounded mid: %s", last)
		assert.True(t, last.IsPositive())
	}
}

func TestPublisherTicker(t *testing.T) {
	pub, _, _ := newTestPublisher()

	// before the first step the ticker derives from the initial mid
	tick, ok := pub.Ticker("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, uint64(0), tick.SequenceID)
	assert.True(t, tick.Bid.LessThan(tick.Ask))

	pub.Step(time.Now())
	tick, ok = pub.Ticker("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, uint64(1), tick.SequenceID)

	_, ok = pub.Ticker("DOGE/USD")
	assert.False(t, ok)
}

func TestPublisherSubscribersReceiveTicks(t *testing.T) {
	pub, _, _ := newTestPublisher()

	var mu sync.Mutex
	var got []Tick
	pub.Subscribe(func(tick Tick) {
		mu.Lock()
		got = append(got, tick)
		mu.Unlock()
	})

	pub.Step(time.Now())
	pub.Step(time.Now())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestPublisherFanoutPreservesTickOrder(t *testing.T) {
	pub, _, _ := newTestPublisher()

	var mu sync.Mutex
	var seqs []uint64
	pub.Subscribe(func(tick Tick) {
		mu.Lock()
		seqs = append(seqs, tick.SequenceID)
		mu.Unlock()
	})

	const steps = 50
	now := time.Now()
	for i := 0; i < steps; i++ {
		pub.Step(now.Add(time.Duration(i) * 100 * time.Millisecond))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) == steps
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, seq := range seqs {
		require.Equal(t, uint64(i+1), seq, "tick delivered out of order")
	}
}
