package marketdata

import (
	"context"
	"sync"
	"time"

	"exchange_simulator/internal/core"
	"exchange_simulator/pkg/concurrency"

	"github.com/shopspring/decimal"
)

// ChannelMarketData is the stream name ticks are sequenced under
const ChannelMarketData = "MARKET_DATA"

type tradeRecord struct {
	qty decimal.Decimal
	at  time.Time
}

// Publisher advances each symbol's mid price on a fixed tick and fans the
// resulting ticks out to subscribers through a worker pool. Bid and ask
// are derived from the mid by the configured spread.
type Publisher struct {
	model        PriceModel
	tickInterval time.Duration
	spreadFrac   decimal.Decimal // spread/2 as a fraction of mid
	precision    int32           // price decimal places

	history   *History
	sequencer *Sequencer

	mu     sync.Mutex
	mids   map[string]decimal.Decimal
	trades map[string][]tradeRecord
	subs   []func(Tick)

	pool   *concurrency.WorkerPool
	logger core.ILogger
}

// NewPublisher creates a publisher seeded with the initial mid prices.
// spreadBps is the full bid/ask spread in basis points; model output is
// rounded to precision decimal places before publication.
func NewPublisher(model PriceModel, initial map[string]decimal.Decimal, tickInterval time.Duration, spreadBps float64, precision int32, history *History, sequencer *Sequencer, logger core.ILogger) *Publisher {
	mids := make(map[string]decimal.Decimal, len(initial))
	for sym, p := range initial {
		mids[sym] = p
	}
	return &Publisher{
		model:        model,
		tickInterval: tickInterval,
		spreadFrac:   decimal.NewFromFloat(spreadBps / 2 / 10000),
		precision:    precision,
		history:      history,
		sequencer:    sequencer,
		mids:         mids,
		trades:       make(map[string][]tradeRecord),
		// a single worker keeps subscriber callbacks in tick order
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "MarketDataFanout",
			MaxWorkers:  1,
			MaxCapacity: 1024,
			NonBlocking: true,
		}, logger),
		logger: logger.WithField("component", "marketdata"),
	}
}

// Subscribe registers a tick consumer. Delivery happens on pool workers,
// so consumers must be safe off the publisher goroutine.
func (p *Publisher) Subscribe(fn func(Tick)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// AddTrade feeds executed volume into the 24h statistics
func (p *Publisher) AddTrade(symbol string, qty decimal.Decimal, at time.Time) {
	p.mu.Lock()
	p.trades[symbol] = append(p.trades[symbol], tradeRecord{qty: qty, at: at})
	p.mu.Unlock()
}

// Run ticks until the context is cancelled
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()
	defer p.pool.Stop()

	p.logger.Info("market data publisher started",
		"model", p.model.Name(), "tick_interval", p.tickInterval.String())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("market data publisher stopped")
			return
		case <-ticker.C:
			p.step(time.Now().UTC())
		}
	}
}

// Step advances every symbol once; exported for deterministic tests
func (p *Publisher) Step(now time.Time) []Tick {
	return p.step(now)
}

func (p *Publisher) step(now time.Time) []Tick {
	dt := p.tickInterval.Seconds() / secondsPerYear
	cutoff := now.Add(-24 * time.Hour)

	p.mu.Lock()
	symbols := make([]string, 0, len(p.mids))
	for sym := range p.mids {
		symbols = append(symbols, sym)
	}

	ticks := make([]Tick, 0, len(symbols))
	for _, sym := range symbols {
		mid := p.model.Next(p.mids[sym], dt).Round(p.precision)
		if !mid.IsPositive() {
			// rounding can zero a sub-precision price; hold the last mid
			mid = p.mids[sym]
		}
		p.mids[sym] = mid

		spread := mid.Mul(p.spreadFrac)
		tick := Tick{
			Symbol:     sym,
			Bid:        mid.Sub(spread),
			Ask:        mid.Add(spread),
			Last:       mid,
			Volume24h:  p.volumeSinceLocked(sym, cutoff),
			SequenceID: p.sequencer.Next(ChannelMarketData, sym),
			Timestamp:  now,
		}
		ticks = append(ticks, tick)
	}
	subs := make([]func(Tick), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for i := range ticks {
		high, low := ticks[i].Last, ticks[i].Last
		if h, l, ok := p.history.HighLowSince(ticks[i].Symbol, cutoff); ok {
			if h.GreaterThan(high) {
				high = h
			}
			if l.LessThan(low) {
				low = l
			}
		}
		ticks[i].High24h = high
		ticks[i].Low24h = low
		p.history.Append(ticks[i])
		tick := ticks[i]
		for _, fn := range subs {
			fn := fn
			if err := p.pool.Submit(func() { fn(tick) }); err != nil {
				p.logger.Warn("tick fanout dropped", "symbol", tick.Symbol, "error", err.Error())
			}
		}
	}
	return ticks
}

// volumeSinceLocked prunes and sums trade volume; caller holds p.mu
func (p *Publisher) volumeSinceLocked(symbol string, cutoff time.Time) decimal.Decimal {
	records := p.trades[symbol]
	i := 0
	for i < len(records) && records[i].at.Before(cutoff) {
		i++
	}
	records = records[i:]
	p.trades[symbol] = records

	total := decimal.Zero
	for _, r := range records {
		total = total.Add(r.qty)
	}
	return total
}

// Mid returns the current mid price for the symbol
func (p *Publisher) Mid(symbol string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	mid, ok := p.mids[symbol]
	return mid, ok
}

// Ticker returns the newest tick for the symbol. Before the first tick
// has been published one is synthesized from the initial mid.
func (p *Publisher) Ticker(symbol string) (Tick, bool) {
	if recent := p.history.Recent(symbol, 1); len(recent) > 0 {
		return recent[len(recent)-1], true
	}

	p.mu.Lock()
	mid, ok := p.mids[symbol]
	p.mu.Unlock()
	if !ok {
		return Tick{}, false
	}
	spread := mid.Mul(p.spreadFrac)
	return Tick{
		Symbol:    symbol,
		Bid:       mid.Sub(spread),
		Ask:       mid.Add(spread),
		Last:      mid,
		High24h:   mid,
		Low24h:    mid,
		Volume24h: decimal.Zero,
		Timestamp: time.Now().UTC(),
	}, true
}
