// Package marketdata generates simulated prices and publishes ticks with
// per-channel sequence numbers and a bounded history.
package marketdata

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Model years-per-second scale: dt for one tick is seconds / secondsPerYear
const secondsPerYear = 3.156e7

// PriceModel advances a mid price by one tick of dt years
type PriceModel interface {
	Name() string
	Next(current decimal.Decimal, dt float64) decimal.Decimal
}

type modelRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newModelRand(rng *rand.Rand) *modelRand {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &modelRand{rng: rng}
}

func (r *modelRand) norm() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()
}

// GBM is geometric Brownian motion:
// S' = S * exp((mu - sigma^2/2)dt + sigma*sqrt(dt)*Z)
type GBM struct {
	drift      float64 // annualized
	volatility float64 // annualized
	rng        *modelRand
}

// NewGBM creates a geometric Brownian motion model
func NewGBM(drift, volatility float64, rng *rand.Rand) *GBM {
	return &GBM{drift: drift, volatility: volatility, rng: newModelRand(rng)}
}

func (m *GBM) Name() string { return "gbm" }

func (m *GBM) Next(current decimal.Decimal, dt float64) decimal.Decimal {
	z := m.rng.norm()
	growth := math.Exp((m.drift-0.5*m.volatility*m.volatility)*dt + m.volatility*math.Sqrt(dt)*z)
	return current.Mul(decimal.NewFromFloat(growth))
}

// RandomWalk applies plain Gaussian noise proportional to the price
type RandomWalk struct {
	volatility float64
	rng        *modelRand
}

// NewRandomWalk creates a random walk model
func NewRandomWalk(volatility float64, rng *rand.Rand) *RandomWalk {
	return &RandomWalk{volatility: volatility, rng: newModelRand(rng)}
}

func (m *RandomWalk) Name() string { return "random_walk" }

func (m *RandomWalk) Next(current decimal.Decimal, dt float64) decimal.Decimal {
	z := m.rng.norm()
	step := 1 + m.volatility*math.Sqrt(dt)*z
	return clampPositive(current, current.Mul(decimal.NewFromFloat(step)))
}

// Trend drifts the price steadily with noise on top
type Trend struct {
	drift      float64
	volatility float64
	rng        *modelRand
}

// NewTrend creates a trending model
func NewTrend(drift, volatility float64, rng *rand.Rand) *Trend {
	return &Trend{drift: drift, volatility: volatility, rng: newModelRand(rng)}
}

func (m *Trend) Name() string { return "trend" }

func (m *Trend) Next(current decimal.Decimal, dt float64) decimal.Decimal {
	z := m.rng.norm()
	step := 1 + m.drift*dt + m.volatility*math.Sqrt(dt)*z
	return clampPositive(current, current.Mul(decimal.NewFromFloat(step)))
}

// clampPositive keeps additive models from crossing zero
func clampPositive(prev, next decimal.Decimal) decimal.Decimal {
	if next.IsPositive() {
		return next
	}
	return prev.Mul(decimal.NewFromFloat(0.01))
}

// NewModel constructs a model by name; unknown names get GBM
func NewModel(name string, drift, volatility float64, rng *rand.Rand) PriceModel {
	switch name {
	case "random_walk":
		return NewRandomWalk(volatility, rng)
	case "trend":
		return NewTrend(drift, volatility, rng)
	default:
		return NewGBM(drift, volatility, rng)
	}
}
