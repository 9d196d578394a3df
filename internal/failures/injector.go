package failures

import (
	"sync"
	"sync/atomic"
	"time"

	"exchange_simulator/internal/config"
	"exchange_simulator/internal/core"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_failure_outcomes_total",
		Help: "Strategy outcomes by strategy, direction and verdict",
	}, []string{"strategy", "direction", "verdict"})
)

// Delivery is one message that survived a chain, with its accumulated
// injection delay.
type Delivery struct {
	Message []byte
	Delay   time.Duration
}

// Injector runs ordered strategy chains over inbound and outbound
// messages. Chains are fixed at construction; the enabled flag can be
// toggled at runtime and bypasses every strategy when off.
type Injector struct {
	inbound  []Strategy
	outbound []Strategy
	enabled  atomic.Bool

	mu    sync.Mutex
	stats map[string]map[string]int64 // strategy -> verdict -> count

	logger core.ILogger
}

// NewInjector creates an injector with the given chains
func NewInjector(inbound, outbound []Strategy, enabled bool, logger core.ILogger) *Injector {
	inj := &Injector{
		inbound:  inbound,
		outbound: outbound,
		stats:    make(map[string]map[string]int64),
		logger:   logger.WithField("component", "failure_injector"),
	}
	inj.enabled.Store(enabled)
	return inj
}

// NewInjectorFromConfig builds the chains the configuration enables, in
// fixed order: drop, delay, latency link, duplicate, reorder, corrupt,
// then throttle (inbound) or silent connection (outbound). The latency
// link runs independently in each direction.
func NewInjectorFromConfig(cfg *config.FailuresConfig, logger core.ILogger) *Injector {
	var inbound, outbound []Strategy

	if m := cfg.Mode("drop_messages"); m.Enabled {
		inbound = append(inbound, NewDropMessage(m.Probability, nil))
		outbound = append(outbound, NewDropMessage(m.Probability, nil))
	}
	if m := cfg.Mode("delay_messages"); m.Enabled {
		inbound = append(inbound, NewDelayMessage(m.Probability, m.MinMs, m.MaxMs, nil))
		outbound = append(outbound, NewDelayMessage(m.Probability, m.MinMs, m.MaxMs, nil))
	}
	if cfg.Latency.Enabled {
		inbound = append(inbound, NewLatencyLinkPreset(cfg.Latency.Mode, nil))
		outbound = append(outbound, NewLatencyLinkPreset(cfg.Latency.Mode, nil))
	}
	if m := cfg.Mode("duplicate"); m.Enabled {
		inbound = append(inbound, NewDuplicateMessage(m.Probability, m.MaxDuplicates, nil))
		outbound = append(outbound, NewDuplicateMessage(m.Probability, m.MaxDuplicates, nil))
	}
	if m := cfg.Mode("reorder"); m.Enabled {
		inbound = append(inbound, NewReorderMessages(m.WindowSize, nil))
		outbound = append(outbound, NewReorderMessages(m.WindowSize, nil))
	}
	if m := cfg.Mode("corrupt"); m.Enabled {
		inbound = append(inbound, NewCorruptMessage(m.Probability, m.CorruptionLevel, nil))
	}
	if m := cfg.Mode("throttle"); m.Enabled {
		inbound = append(inbound, NewThrottle(m.MaxMessagesPerSecond))
	}
	if m := cfg.Mode("silent_connection"); m.Enabled {
		outbound = append(outbound, NewSilentConnection(m.AfterMessages, m.ResetOnReconnect))
	}

	return NewInjector(inbound, outbound, cfg.Enabled, logger)
}

// Enabled reports whether injection is active
func (inj *Injector) Enabled() bool {
	return inj.enabled.Load()
}

// SetEnabled toggles injection at runtime
func (inj *Injector) SetEnabled(on bool) {
	inj.enabled.Store(on)
	inj.logger.Info("failure injection toggled", "enabled", on)
}

func (inj *Injector) chain(d Direction) []Strategy {
	if d == Inbound {
		return inj.inbound
	}
	return inj.outbound
}

// Process runs a message through the chain for its direction. The result
// is zero or more deliveries; delays accumulate across strategies.
func (inj *Injector) Process(ctx Context, msg []byte) []Delivery {
	if !inj.enabled.Load() {
		return []Delivery{{Message: msg}}
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}
	return inj.run(ctx, inj.chain(ctx.Direction), Delivery{Message: msg})
}

func (inj *Injector) run(ctx Context, chain []Strategy, in Delivery) []Delivery {
	current := []Delivery{in}
	for _, strat := range chain {
		var next []Delivery
		for _, d := range current {
			out := strat.Apply(ctx, d.Message)
			inj.record(strat.Name(), ctx.Direction, out.Verdict)
			switch out.Verdict {
			case VerdictPass:
				next = append(next, Delivery{Message: out.Message, Delay: d.Delay})
			case VerdictDelay:
				next = append(next, Delivery{Message: out.Message, Delay: d.Delay + out.Delay})
			case VerdictExpand:
				// released messages continue from the next strategy with
				// this message's accumulated delay
				for _, m := range out.Messages {
					next = append(next, Delivery{Message: m, Delay: d.Delay})
				}
			case VerdictDrop:
				// nothing
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

func (inj *Injector) record(strategy string, direction Direction, v Verdict) {
	verdict := verdictName(v)
	outcomesTotal.WithLabelValues(strategy, string(direction), verdict).Inc()

	inj.mu.Lock()
	byVerdict, ok := inj.stats[strategy]
	if !ok {
		byVerdict = make(map[string]int64)
		inj.stats[strategy] = byVerdict
	}
	byVerdict[verdict]++
	inj.mu.Unlock()
}

func verdictName(v Verdict) string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictDrop:
		return "drop"
	case VerdictDelay:
		return "delay"
	case VerdictExpand:
		return "expand"
	default:
		return "unknown"
	}
}

// Statistics returns a copy of the per-strategy outcome counters
func (inj *Injector) Statistics() map[string]map[string]int64 {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := make(map[string]map[string]int64, len(inj.stats))
	for strategy, byVerdict := range inj.stats {
		c := make(map[string]int64, len(byVerdict))
		for verdict, n := range byVerdict {
			c[verdict] = n
		}
		out[strategy] = c
	}
	return out
}

// ResetStatistics zeroes the outcome counters
func (inj *Injector) ResetStatistics() {
	inj.mu.Lock()
	inj.stats = make(map[string]map[string]int64)
	inj.mu.Unlock()
}

// Strategies lists the configured strategy names per direction
func (inj *Injector) Strategies() map[string][]string {
	names := func(chain []Strategy) []string {
		out := make([]string, len(chain))
		for i, s := range chain {
			out[i] = s.Name()
		}
		return out
	}
	return map[string][]string{
		"inbound":  names(inj.inbound),
		"outbound": names(inj.outbound),
	}
}

// NotifyConnect informs session-aware strategies of a new connection
func (inj *Injector) NotifyConnect(sessionID string) {
	inj.forEachObserver(func(o SessionObserver) { o.OnConnect(sessionID) })
}

// NotifyDisconnect informs session-aware strategies of a disconnect
func (inj *Injector) NotifyDisconnect(sessionID string) {
	inj.forEachObserver(func(o SessionObserver) { o.OnDisconnect(sessionID) })
}

func (inj *Injector) forEachObserver(fn func(SessionObserver)) {
	seen := make(map[Strategy]bool)
	for _, chain := range [][]Strategy{inj.inbound, inj.outbound} {
		for _, s := range chain {
			if seen[s] {
				continue
			}
			seen[s] = true
			if o, ok := s.(SessionObserver); ok {
				fn(o)
			}
		}
	}
}
