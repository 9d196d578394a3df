package failures

import (
	"math/rand"
	"testing"
	"time"

	"exchange_simulator/internal/config"
	"exchange_simulator/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectorDisabledPassesThrough(t *testing.T) {
	inj := NewInjector(
		[]Strategy{NewDropMessage(1, rand.New(rand.NewSource(1)))},
		nil, false, logging.GetGlobalLogger())

	msg := []byte("hello")
	out := inj.Process(testCtx("s1", Inbound), msg)
	require.Len(t, out, 1)
	assert.Equal(t, msg, out[0].Message)
	assert.Zero(t, out[0].Delay)
}

func TestInjectorDropStopsChain(t *testing.T) {
	inj := NewInjector(
		[]Strategy{NewDropMessage(1, rand.New(rand.NewSource(1)))},
		nil, true, logging.GetGlobalLogger())

	out := inj.Process(testCtx("s1", Inbound), []byte("hello"))
	assert.Empty(t, out)
}

func TestInjectorDelaysAccumulate(t *testing.T) {
	inj := NewInjector([]Strategy{
		NewDelayMessage(1, 10, 10, rand.New(rand.NewSource(1))),
		NewDelayMessage(1, 20, 20, rand.New(rand.NewSource(2))),
	}, nil, true, logging.GetGlobalLogger())

	out := inj.Process(testCtx("s1", Inbound), []byte("m"))
	require.Len(t, out, 1)
	assert.Equal(t, 30*time.Millisecond, out[0].Delay)
}

func TestInjectorExpandFlowsThroughRemainingChain(t *testing.T) {
	inj := NewInjector([]Strategy{
		NewDuplicateMessage(1, 1, rand.New(rand.NewSource(1))), // always 1 copy
		NewDelayMessage(1, 5, 5, rand.New(rand.NewSource(2))),
	}, nil, true, logging.GetGlobalLogger())

	out := inj.Process(testCtx("s1", Inbound), []byte("m"))
	require.Len(t, out, 2)
	for _, d := range out {
		assert.Equal(t, []byte("m"), d.Message)
		assert.Equal(t, 5*time.Millisecond, d.Delay)
	}
}

func TestInjectorDirectionsIndependent(t *testing.T) {
	inj := NewInjector(
		[]Strategy{NewDropMessage(1, rand.New(rand.NewSource(1)))},
		[]Strategy{},
		true, logging.GetGlobalLogger())

	assert.Empty(t, inj.Process(testCtx("s1", Inbound), []byte("m")))

	out := inj.Process(testCtx("s1", Outbound), []byte("m"))
	require.Len(t, out, 1)
}

func TestInjectorStatistics(t *testing.T) {
	inj := NewInjector(
		[]Strategy{NewDropMessage(1, rand.New(rand.NewSource(1)))},
		nil, true, logging.GetGlobalLogger())

	for i := 0; i < 3; i++ {
		inj.Process(testCtx("s1", Inbound), []byte("m"))
	}

	stats := inj.Statistics()
	assert.Equal(t, int64(3), stats["drop_messages"]["drop"])

	inj.ResetStatistics()
	assert.Empty(t, inj.Statistics())
}

func TestInjectorToggle(t *testing.T) {
	inj := NewInjector(
		[]Strategy{NewDropMessage(1, rand.New(rand.NewSource(1)))},
		nil, true, logging.GetGlobalLogger())

	assert.True(t, inj.Enabled())
	assert.Empty(t, inj.Process(testCtx("s1", Inbound), []byte("m")))

	inj.SetEnabled(false)
	assert.Len(t, inj.Process(testCtx("s1", Inbound), []byte("m")), 1)
}

func TestInjectorNotifiesObservers(t *testing.T) {
	silent := NewSilentConnection(1, true)
	inj := NewInjector(nil, []Strategy{silent}, true, logging.GetGlobalLogger())

	inj.Process(testCtx("s1", Outbound), []byte("m"))
	require.True(t, silent.Muted("s1"))

	inj.NotifyConnect("s1")
	assert.False(t, silent.Muted("s1"))
}

func TestNewInjectorFromConfig(t *testing.T) {
	cfg := &config.FailuresConfig{
		Enabled: true,
		Latency: config.LatencyConfig{Enabled: true, Mode: "stable"},
		Modes: map[string]config.FailureMode{
			"drop_messages":     {Enabled: true, Probability: 0.1},
			"throttle":          {Enabled: true, MaxMessagesPerSecond: 100},
			"silent_connection": {Enabled: true, AfterMessages: 50},
			"corrupt":           {Enabled: false},
		},
	}

	inj := NewInjectorFromConfig(cfg, logging.GetGlobalLogger())
	require.True(t, inj.Enabled())

	chains := inj.Strategies()
	assert.Contains(t, chains["inbound"], "drop_messages")
	assert.Contains(t, chains["inbound"], "throttle")
	assert.NotContains(t, chains["inbound"], "corrupt")
	assert.Contains(t, chains["outbound"], "silent_connection")
	assert.NotContains(t, chains["outbound"], "throttle")

	// the link model runs in both directions, after drop
	assert.Equal(t, []string{"drop_messages", "latency_link", "throttle"}, chains["inbound"])
	assert.Equal(t, []string{"drop_messages", "latency_link", "silent_connection"}, chains["outbound"])
}
