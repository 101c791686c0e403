package session

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/simpatch"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/testutil"
)

func TestTransitionTable(t *testing.T) {
	valid := []struct {
		from State
		ev   Event
		to   State
	}{
		{Disconnected, EventScan, Connecting},
		{Connecting, EventConnected, Connected},
		{Connecting, EventConnectFailed, Backoff},
		{Connected, EventSubscribed, Streaming},
		{Connected, EventSubscribeFailed, Backoff},
		{Connected, EventLinkLost, Backoff},
		{Streaming, EventLinkLost, Backoff},
		{Streaming, EventMalformedLimit, Backoff},
		{Backoff, EventBackoffElapsed, Connecting},
	}
	for _, tc := range valid {
		got, err := Transition(tc.from, tc.ev)
		require.NoError(t, err, "%s + %s", tc.from, tc.ev)
		assert.Equal(t, tc.to, got, "%s + %s", tc.from, tc.ev)
	}

	for _, st := range []State{Disconnected, Connecting, Connected, Streaming, Backoff} {
		got, err := Transition(st, EventShutdown)
		require.NoError(t, err)
		assert.Equal(t, Terminated, got)
	}

	invalid := []struct {
		from State
		ev   Event
	}{
		{Disconnected, EventSubscribed},
		{Streaming, EventScan},
		{Backoff, EventConnected},
		{Terminated, EventScan},
		{Terminated, EventShutdown},
	}
	for _, tc := range invalid {
		got, err := Transition(tc.from, tc.ev)
		var ite *ErrInvalidTransition
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, tc.from, got)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := NewBackoff(10*time.Millisecond, 80*time.Millisecond, 0)
	want := []time.Duration{10, 20, 40, 80, 80, 80}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, b.NextBackOff(), "step %d", i)
	}
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}

type harness struct {
	sess   *Session
	dev    *simpatch.Device
	obs    *testutil.RecordingObs
	cancel context.CancelFunc
}

func testPolicy() ports.Policy {
	pol := ports.Policy{
		BackoffBase:        5 * time.Millisecond,
		BackoffMax:         20 * time.Millisecond,
		MalformedThreshold: 2,
		ConnectTimeout:     time.Second,
		NotifyBuffer:       32,
	}
	pol.ApplyDefaults()
	return pol
}

func startSession(t *testing.T, pol ports.Policy) *harness {
	t.Helper()
	cdc, err := codec.New(8)
	require.NoError(t, err)
	tr := simpatch.New(cdc)
	dev := tr.Add("AA:BB")
	obs := testutil.NewRecordingObs()

	s := New(domain.Peripheral{ID: "AA:BB", Name: "patient-1"}, tr, cdc, pol, obs)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
	})
	return &harness{sess: s, dev: dev, obs: obs, cancel: cancel}
}

func (h *harness) waitStreaming(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.sess.Kick()
		return h.sess.State() == Streaming && h.dev.Subscribed()
	}, 2*time.Second, time.Millisecond)
}

func (h *harness) collect(t *testing.T, n int) []domain.Sample {
	t.Helper()
	out := make([]domain.Sample, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case s := <-h.sess.Output():
			out = append(out, s)
		case <-deadline:
			t.Fatalf("timed out after %d of %d samples", len(out), n)
		}
	}
	return out
}

func TestSessionStartsDisconnectedUntilKicked(t *testing.T) {
	h := startSession(t, testPolicy())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Disconnected, h.sess.State())
	assert.Equal(t, 0, h.dev.Connects())

	h.waitStreaming(t)
	assert.False(t, h.sess.Kick(), "kick must be ignored while streaming")
}

func TestSessionForwardsSamplesInOrder(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	for seq := uint32(1); seq <= 5; seq++ {
		ok, err := h.dev.Emit(seq, domain.KindPPG)
		require.NoError(t, err)
		require.True(t, ok)
	}

	got := h.collect(t, 5)
	for i, s := range got {
		assert.Equal(t, uint32(i+1), s.Seq)
		assert.Equal(t, domain.PeripheralID("AA:BB"), s.Peripheral.ID)
		assert.Equal(t, "patient-1", s.Peripheral.Name)
		assert.Equal(t, domain.KindPPG, s.Kind)
	}
	assert.Equal(t, float64(5), h.obs.Counter(ports.MetricSamplesDecoded, "AA:BB"))
	assert.False(t, h.sess.Info().LastSeen.IsZero())
}

func TestSessionReconnectsAfterLinkLoss(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	for seq := uint32(1); seq <= 3; seq++ {
		_, err := h.dev.Emit(seq, domain.KindIMU)
		require.NoError(t, err)
	}
	h.dev.Drop()

	got := h.collect(t, 3)
	assert.Equal(t, []uint32{1, 2, 3}, seqs(got))

	require.Eventually(t, func() bool {
		return h.dev.Connects() == 2 && h.sess.State() == Streaming && h.dev.Subscribed()
	}, 2*time.Second, time.Millisecond)

	assert.NotEmpty(t, h.obs.Logs("session_link_lost"))
	assert.Equal(t, float64(1), h.obs.Counter(ports.MetricSessionTransitions, "AA:BB", "backoff"))

	_, err := h.dev.Emit(4, domain.KindIMU)
	require.NoError(t, err)
	assert.Equal(t, []uint32{4}, seqs(h.collect(t, 1)))
}

func TestSessionMalformedFramesAreDroppedNotFatal(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	h.dev.Notify([]byte{0xde, 0xad})
	_, err := h.dev.Emit(7, domain.KindIMU)
	require.NoError(t, err)

	got := h.collect(t, 1)
	assert.Equal(t, uint32(7), got[0].Seq)
	assert.Equal(t, 1, h.dev.Connects())
	assert.Equal(t, float64(1), h.obs.Counter(ports.MetricFramesMalformed, "AA:BB"))
	assert.Equal(t, 0, h.sess.Info().MalformedStreak)
}

func TestSessionMalformedStreakForcesBackoff(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	for i := 0; i < 3; i++ {
		h.dev.Notify([]byte{0x00})
	}

	require.Eventually(t, func() bool {
		return h.dev.Connects() == 2 && h.sess.State() == Streaming
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, h.obs.Logs("session_malformed_limit"), 1)
}

func TestSessionUnsupportedFramesDoNotCountTowardStreak(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	raw, err := h.dev.Frame(1, domain.KindIMU)
	require.NoError(t, err)
	raw[1] = 0x09 // future version
	raw = reseal(raw)
	for i := 0; i < 5; i++ {
		h.dev.Notify(raw)
	}

	require.Eventually(t, func() bool {
		return h.obs.Counter(ports.MetricFramesUnsupported, "AA:BB") == 5
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.dev.Connects())
	assert.Equal(t, Streaming, h.sess.State())
}

func TestSessionConnectFailuresBackOffAndRecover(t *testing.T) {
	h := startSession(t, testPolicy())
	h.dev.FailConnects(3)

	h.waitStreaming(t)
	assert.Equal(t, 1, h.dev.Connects())
	assert.Len(t, h.obs.Logs("session_connect_failed"), 3)
	assert.Equal(t, 3, h.sess.Info().Retries)

	_, err := h.dev.Emit(1, domain.KindIMU)
	require.NoError(t, err)
	h.collect(t, 1)
	require.Eventually(t, func() bool { return h.sess.Info().Retries == 0 }, time.Second, time.Millisecond)
}

func TestSessionSubscribeFailureReleasesLink(t *testing.T) {
	h := startSession(t, testPolicy())
	h.dev.FailSubscribes(1)

	h.waitStreaming(t)
	assert.Equal(t, 2, h.dev.Connects())
	assert.Len(t, h.obs.Logs("session_subscribe_failed"), 1)
}

func TestSessionShutdownReleasesTransport(t *testing.T) {
	h := startSession(t, testPolicy())
	h.waitStreaming(t)

	h.cancel()
	select {
	case <-h.sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not terminate")
	}
	assert.Equal(t, Terminated, h.sess.State())
	assert.False(t, h.dev.Connected())

	_, open := <-h.sess.Output()
	assert.False(t, open)
}

func seqs(samples []domain.Sample) []uint32 {
	out := make([]uint32, len(samples))
	for i, s := range samples {
		out[i] = s.Seq
	}
	return out
}

func reseal(raw []byte) []byte {
	body := len(raw) - codec.TrailerLen
	binary.LittleEndian.PutUint32(raw[body:], crc32.ChecksumIEEE(raw[:body]))
	return raw
}
