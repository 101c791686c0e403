package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/session"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/supervisor"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/testutil"
)

type fakeSource struct {
	sessions  []session.Info
	abandoned []domain.PeripheralID
}

func (f *fakeSource) Sessions() []session.Info { return f.sessions }

func (f *fakeSource) Abandon(_ context.Context, id domain.PeripheralID) error {
	for _, s := range f.sessions {
		if s.Peripheral.ID == id {
			f.abandoned = append(f.abandoned, id)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", supervisor.ErrUnknownPeripheral, id)
}

func (f *fakeSource) BufferStats() ports.BufferStats {
	return ports.BufferStats{
		Length:    3,
		Queues:    map[domain.PeripheralID]int{"AA": 3},
		Evictions: map[domain.PeripheralID]uint64{"AA": 2},
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeSource, *prometheus.Registry) {
	t.Helper()
	src := &fakeSource{sessions: []session.Info{
		{Peripheral: domain.Peripheral{ID: "AA", Name: "Patient 1"}, State: session.Streaming, Connects: 1},
		{Peripheral: domain.Peripheral{ID: "BB"}, State: session.Backoff, Retries: 4},
	}}
	reg := prometheus.NewRegistry()
	s := NewServer("127.0.0.1:0", src, reg, testutil.NewRecordingObs())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, src, reg
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestPeripheralsSnapshot(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/peripherals")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, "streaming", got[0]["state"])
	assert.Equal(t, "backoff", got[1]["state"])
	assert.Equal(t, float64(4), got[1]["retries"])
}

func TestAbandonPeripheral(t *testing.T) {
	ts, src, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/peripherals/AA", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []domain.PeripheralID{"AA"}, src.abandoned)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/peripherals/ZZ", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/peripherals/AA", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBufferStats(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/buffer")
	require.NoError(t, err)
	defer resp.Body.Close()

	var st ports.BufferStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 3, st.Length)
	assert.Equal(t, uint64(2), st.Evictions["AA"])
}

func TestMetricsUsesGatewayRegistry(t *testing.T) {
	ts, _, reg := newTestServer(t)
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "basestation_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(7)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), "basestation_test_total 7"), string(body))
}

func TestServerStartAndShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeSource{}, prometheus.NewRegistry(), testutil.NewRecordingObs())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
