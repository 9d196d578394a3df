package failures

import (
	"math"
	"math/rand"
	"time"
)

// Log-normal link presets. The sample is exp(mu + sigma*Z) milliseconds,
// so the stable preset has an expected value near 46ms and the typical
// preset near 155ms with a heavier tail.
const (
	stableMu    = 3.8
	stableSigma = 0.2

	typicalMu    = 5.0
	typicalSigma = 0.3
)

// LatencyLink delays every message by a log-normally distributed duration,
// modelling a network link rather than discrete glitches.
type LatencyLink struct {
	mu    float64
	sigma float64
	rng   *lockedRand
}

// NewLatencyLink creates a link with explicit log-normal parameters
func NewLatencyLink(mu, sigma float64, rng *rand.Rand) *LatencyLink {
	return &LatencyLink{mu: mu, sigma: sigma, rng: newLockedRand(rng)}
}

// NewLatencyLinkPreset creates a link from a named preset. Unknown names
// fall back to the stable preset.
func NewLatencyLinkPreset(mode string, rng *rand.Rand) *LatencyLink {
	switch mode {
	case "typical":
		return NewLatencyLink(typicalMu, typicalSigma, rng)
	default:
		return NewLatencyLink(stableMu, stableSigma, rng)
	}
}

func (s *LatencyLink) Name() string { return "latency_link" }

func (s *LatencyLink) Apply(_ Context, msg []byte) Outcome {
	return Delayed(msg, s.Sample())
}

// Sample draws one latency value
func (s *LatencyLink) Sample() time.Duration {
	ms := math.Exp(s.mu + s.sigma*s.rng.NormFloat64())
	return time.Duration(ms * float64(time.Millisecond))
}
