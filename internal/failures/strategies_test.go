package failures

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCtx(session string, dir Direction) Context {
	return Context{SessionID: session, Direction: dir, Now: time.Now()}
}

func seeded(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

func TestDropMessageProbabilities(t *testing.T) {
	never := NewDropMessage(0, seeded(1))
	always := NewDropMessage(1, seeded(1))

	msg := []byte(`{"type":"PING"}`)
	assert.Equal(t, VerdictPass, never.Apply(testCtx("s1", Inbound), msg).Verdict)
	assert.Equal(t, VerdictDrop, always.Apply(testCtx("s1", Inbound), msg).Verdict)

	// roughly half dropped at p=0.5
	half := NewDropMessage(0.5, seeded(42))
	dropped := 0
	for i := 0; i < 1000; i++ {
		if half.Apply(testCtx("s1", Inbound), msg).Verdict == VerdictDrop {
			dropped++
		}
	}
	assert.InDelta(t, 500, dropped, 100)
}

func TestDelayMessageBounds(t *testing.T) {
	s := NewDelayMessage(1, 10, 50, seeded(7))
	msg := []byte("x")

	for i := 0; i < 100; i++ {
		out := s.Apply(testCtx("s1", Inbound), msg)
		require.Equal(t, VerdictDelay, out.Verdict)
		assert.GreaterOrEqual(t, out.Delay, 10*time.Millisecond)
		assert.LessOrEqual(t, out.Delay, 50*time.Millisecond)
		assert.Equal(t, msg, out.Message)
	}

	off := NewDelayMessage(0, 10, 50, seeded(7))
	assert.Equal(t, VerdictPass, off.Apply(testCtx("s1", Inbound), msg).Verdict)
}

func TestDuplicateMessage(t *testing.T) {
	s := NewDuplicateMessage(1, 3, seeded(3))
	msg := []byte("order")

	out := s.Apply(testCtx("s1", Inbound), msg)
	require.Equal(t, VerdictExpand, out.Verdict)
	require.GreaterOrEqual(t, len(out.Messages), 2)
	require.LessOrEqual(t, len(out.Messages), 4)
	for _, m := range out.Messages {
		assert.Equal(t, msg, m)
	}
}

func TestReorderHoldsUntilWindowFills(t *testing.T) {
	s := NewReorderMessages(3, seeded(11))
	ctx := testCtx("s1", Outbound)

	out1 := s.Apply(ctx, []byte("a"))
	require.Equal(t, VerdictExpand, out1.Verdict)
	assert.Empty(t, out1.Messages)

	out2 := s.Apply(ctx, []byte("b"))
	assert.Empty(t, out2.Messages)

	out3 := s.Apply(ctx, []byte("c"))
	require.Equal(t, VerdictExpand, out3.Verdict)
	require.Len(t, out3.Messages, 3)
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, out3.Messages)
}

func TestReorderSessionsIsolated(t *testing.T) {
	s := NewReorderMessages(2, seeded(11))

	out := s.Apply(testCtx("s1", Outbound), []byte("a"))
	assert.Empty(t, out.Messages)

	// a second session does not fill the first session's window
	out = s.Apply(testCtx("s2", Outbound), []byte("x"))
	assert.Empty(t, out.Messages)

	out = s.Apply(testCtx("s1", Outbound), []byte("b"))
	assert.Len(t, out.Messages, 2)
}

func TestReorderFlushesAgedBuffer(t *testing.T) {
	s := NewReorderMessages(5, seeded(11))
	now := time.Now()

	out := s.Apply(Context{SessionID: "s1", Direction: Outbound, Now: now}, []byte("a"))
	assert.Empty(t, out.Messages)

	// well short of the window, but the buffer has aged out
	out = s.Apply(Context{SessionID: "s1", Direction: Outbound, Now: now.Add(2 * time.Second)}, []byte("b"))
	require.Equal(t, VerdictExpand, out.Verdict)
	assert.ElementsMatch(t, [][]byte{[]byte("a"), []byte("b")}, out.Messages)
}

func TestReorderDisconnectDiscardsBuffer(t *testing.T) {
	s := NewReorderMessages(3, seeded(11))
	ctx := testCtx("s1", Outbound)

	s.Apply(ctx, []byte("a"))
	s.Apply(ctx, []byte("b"))
	s.OnDisconnect("s1")

	// buffer restarted, so two more messages still do not fill it
	assert.Empty(t, s.Apply(ctx, []byte("c")).Messages)
	assert.Empty(t, s.Apply(ctx, []byte("d")).Messages)
}

func TestCorruptMessageReplacesBytes(t *testing.T) {
	s := NewCorruptMessage(1, 0.3, seeded(5))
	msg := []byte(`{"type":"PLACE_ORDER","symbol":"BTC/USD"}`)

	out := s.Apply(testCtx("s1", Inbound), msg)
	require.Equal(t, VerdictPass, out.Verdict)
	assert.NotEqual(t, msg, out.Message)
	assert.Len(t, out.Message, len(msg))

	for _, b := range out.Message {
		assert.GreaterOrEqual(t, b, byte(33))
		assert.LessOrEqual(t, b, byte(126))
	}

	// original is untouched
	assert.Equal(t, byte('{'), msg[0])
}

func TestSilentConnectionMutesAfterN(t *testing.T) {
	s := NewSilentConnection(3, false)
	ctx := testCtx("s1", Outbound)
	msg := []byte("tick")

	for i := 0; i < 3; i++ {
		assert.Equal(t, VerdictPass, s.Apply(ctx, msg).Verdict, "message %d", i)
	}
	assert.True(t, s.Muted("s1"))
	assert.Equal(t, VerdictDrop, s.Apply(ctx, msg).Verdict)

	// inbound traffic is unaffected
	assert.Equal(t, VerdictPass, s.Apply(testCtx("s1", Inbound), msg).Verdict)

	// other sessions are unaffected
	assert.Equal(t, VerdictPass, s.Apply(testCtx("s2", Outbound), msg).Verdict)
	assert.False(t, s.Muted("s2"))
}

func TestSilentConnectionSurvivesReconnectByDefault(t *testing.T) {
	s := NewSilentConnection(1, false)
	ctx := testCtx("s1", Outbound)

	s.Apply(ctx, []byte("x"))
	require.True(t, s.Muted("s1"))

	s.OnDisconnect("s1")
	s.OnConnect("s1")
	assert.True(t, s.Muted("s1"))
	assert.Equal(t, VerdictDrop, s.Apply(ctx, []byte("y")).Verdict)
}

func TestSilentConnectionResetOnReconnect(t *testing.T) {
	s := NewSilentConnection(1, true)
	ctx := testCtx("s1", Outbound)

	s.Apply(ctx, []byte("x"))
	require.True(t, s.Muted("s1"))

	s.OnConnect("s1")
	assert.False(t, s.Muted("s1"))
	assert.Equal(t, VerdictPass, s.Apply(ctx, []byte("y")).Verdict)
}

func TestThrottleDelaysOverRate(t *testing.T) {
	s := NewThrottle(5)
	now := time.Now()
	ctx := Context{SessionID: "s1", Direction: Inbound, Now: now}

	// the initial burst passes untouched
	for i := 0; i < 5; i++ {
		out := s.Apply(ctx, []byte("m"))
		assert.Equal(t, VerdictPass, out.Verdict, "message %d", i)
	}

	out := s.Apply(ctx, []byte("m"))
	require.Equal(t, VerdictDelay, out.Verdict)
	assert.Greater(t, out.Delay, time.Duration(0))

	// a fresh session has its own bucket
	out = s.Apply(Context{SessionID: "s2", Direction: Inbound, Now: now}, []byte("m"))
	assert.Equal(t, VerdictPass, out.Verdict)
}

func TestLatencyLinkSamples(t *testing.T) {
	stable := NewLatencyLinkPreset("stable", seeded(9))

	var total time.Duration
	const n = 2000
	for i := 0; i < n; i++ {
		d := stable.Sample()
		assert.Greater(t, d, time.Duration(0))
		total += d
	}
	mean := total / n
	// EV = exp(mu + sigma^2/2) ~ 46ms for the stable preset
	assert.InDelta(t, 46, float64(mean.Milliseconds()), 10)

	out := stable.Apply(testCtx("s1", Outbound), []byte("tick"))
	assert.Equal(t, VerdictDelay, out.Verdict)

	typical := NewLatencyLinkPreset("typical", seeded(9))
	total = 0
	for i := 0; i < n; i++ {
		total += typical.Sample()
	}
	assert.InDelta(t, 155, float64((total / n).Milliseconds()), 35)
}
