package basestation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/queue"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/testutil"
)

func TestConfFromConfigAndStreamBuilder(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	tr := testTransport(t)
	buf := queue.NewPeripheralBuffer(4, nil)
	up := &closeTrackingUplink{}

	gw, err := flow.
		StreamIN(
			StreamInTransport(tr),
			StreamInBuffer(buf),
		).
		StreamOUT(StreamOutUplink(up), StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if gw.transport != tr {
		t.Fatalf("expected custom transport to be wired")
	}
	if gw.sim != nil {
		t.Fatalf("expected no sim transport when one is injected")
	}
	if gw.buffer != buf {
		t.Fatalf("expected custom buffer to be wired")
	}
	if gw.uplink != up {
		t.Fatalf("expected custom uplink to be wired")
	}
}

func TestFlowStagesLeaveCallerConfigUntouched(t *testing.T) {
	cfg := testConfig("AA")
	flow, err := ConfFromConfig(cfg)
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	flow.StreamIN(
		StreamInPeripherals(Peripheral{ID: "BB", Name: "Patient 2"}),
		StreamInSim(time.Millisecond, KindPPG),
	)
	StreamOutRate(5)(flow)

	if len(cfg.Peripherals) != 1 || cfg.Transport.Kind != "" || cfg.Policy.PublishRate != 0 {
		t.Fatalf("caller config was modified: %+v", cfg)
	}
	if len(flow.Config().Peripherals) != 2 || flow.Config().Policy.PublishRate != 5 {
		t.Fatalf("flow config missing stage changes: %+v", flow.Config())
	}
}

func TestStreamInPeripheralsAddsAndRenames(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	gw, err := flow.
		StreamIN(StreamInPeripherals(
			Peripheral{ID: "AA", Name: "Patient 1"},
			Peripheral{ID: "BB", Name: "Patient 2"},
		)).
		StreamOUT(StreamOutLocal(""), StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer gw.Stop(context.Background())

	got := gw.cfg.Peripherals
	if len(got) != 2 {
		t.Fatalf("expected 2 peripherals, got %+v", got)
	}
	if got[0].ID != "AA" || got[0].Name != "Patient 1" || got[1].ID != "BB" {
		t.Fatalf("unexpected peripherals %+v", got)
	}
	if gw.uplink.Name() != "local" {
		t.Fatalf("expected the local store uplink, got %s", gw.uplink.Name())
	}
}

func TestStreamInOnlyNarrowsPeripherals(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA", "BB", "CC"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	gw, err := flow.
		StreamIN(StreamInOnly("CC", "AA")).
		StreamOUT(StreamOutUplink(&closeTrackingUplink{}), StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer gw.Stop(context.Background())

	got := gw.cfg.Peripherals
	if len(got) != 2 || got[0].ID != "CC" || got[1].ID != "AA" {
		t.Fatalf("unexpected peripherals %+v", got)
	}
}

func TestFlowStageErrorsFailStreamOUT(t *testing.T) {
	cases := []struct {
		name  string
		stage StreamInOption
		want  string
	}{
		{"unknown address", StreamInOnly("ZZ"), "ZZ is not configured"},
		{"missing address", StreamInPeripherals(Peripheral{Name: "nobody"}), "has no address"},
		{"unknown kind", StreamInSim(0, domain.FrameKind(99)), "unknown frame kind"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow, err := ConfFromConfig(testConfig("AA"))
			if err != nil {
				t.Fatalf("ConfFromConfig returned error: %v", err)
			}
			_, err = flow.StreamIN(tc.stage).StreamOUT(StreamOutUplink(&closeTrackingUplink{}))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestStreamInSimConfiguresGenerator(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	gw, err := flow.
		StreamIN(StreamInSim(5*time.Millisecond, KindPPG, KindAudio)).
		StreamOUT(StreamOutUplink(&closeTrackingUplink{}), StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	defer gw.Stop(context.Background())

	if gw.sim == nil {
		t.Fatalf("expected the sim transport")
	}
	if gw.cfg.Transport.Sim.Interval != 5*time.Millisecond {
		t.Fatalf("unexpected sim interval %s", gw.cfg.Transport.Sim.Interval)
	}
	if len(gw.simKinds) != 2 || gw.simKinds[0] != KindPPG || gw.simKinds[1] != KindAudio {
		t.Fatalf("unexpected sim kinds %v", gw.simKinds)
	}
}

func TestStreamInRecordingOpensFileRecorder(t *testing.T) {
	dir := t.TempDir()
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	gw, err := flow.
		StreamIN(StreamInTransport(testTransport(t)), StreamInRecording(dir)).
		StreamOUT(StreamOutUplink(&closeTrackingUplink{}), StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if gw.recorder == nil || !gw.ownsRec {
		t.Fatalf("expected a gateway-owned file recorder")
	}
	if err := gw.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected a recording file in %s (err=%v)", dir, err)
	}
}

func TestStreamOutThingsBoardValidatesBroker(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}
	_, err = flow.StreamOUT(StreamOutThingsBoard("", "token"))
	if err == nil || !strings.Contains(err.Error(), "broker is required") {
		t.Fatalf("expected broker validation error, got %v", err)
	}
}

func TestFlowRunStopsWhenContextIsCancelled(t *testing.T) {
	flow, err := ConfFromConfig(testConfig("AA"))
	if err != nil {
		t.Fatalf("ConfFromConfig returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	up := &closeTrackingUplink{}
	err = flow.StreamIN(StreamInTransport(testTransport(t))).Run(ctx,
		StreamOutUplink(up),
		StreamOutObservability(testutil.NewRecordingObs()),
	)
	if err != nil {
		t.Fatalf("Run returned unexpected error: %v", err)
	}
	if up.closes != 1 {
		t.Fatalf("expected uplink to be closed once, got %d", up.closes)
	}
}

func TestConfLoadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "basestation.yaml")
	data := []byte(`
gateway: {name: ward-3}
peripherals:
  - {address: "C0:FF:EE:00:00:01", name: "Patient 1"}
uplink: {kind: local, local: {in_memory: true}}
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flow, err := Conf(path)
	if err != nil {
		t.Fatalf("Conf returned error: %v", err)
	}
	if flow.Config().Gateway.Name != "ward-3" {
		t.Fatalf("unexpected gateway name %q", flow.Config().Gateway.Name)
	}

	gw, err := flow.StreamOUT(StreamOutObservability(testutil.NewRecordingObs()))
	if err != nil {
		t.Fatalf("StreamOUT returned error: %v", err)
	}
	if gw.sim == nil {
		t.Fatalf("expected the sim transport by default")
	}
	if err := gw.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestConfMissingFile(t *testing.T) {
	if _, err := Conf(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for a missing config file")
	}
}
