package basestation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/app/config"
)

// Flow assembles a gateway in two stages. StreamIN decides which patches are
// relayed and how frames reach the base station; StreamOUT decides where
// batches go and builds the Gateway. Stage errors are collected and reported
// by StreamOUT.
type Flow struct {
	cfg  Config
	opts []GatewayOption
	errs []error
}

// FlowOption adjusts a Flow right after its configuration is loaded.
type FlowOption func(*Flow)

// StreamInOption is a radio-side stage.
type StreamInOption func(*Flow)

// StreamOutOption is a delivery-side stage.
type StreamOutOption func(*Flow)

// Conf loads a YAML configuration and starts a Flow from it.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return ConfFromConfig(cfg, opts...)
}

// ConfFromConfig starts a Flow from a copy of cfg; stages never modify the
// caller's Config.
func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	f := &Flow{cfg: *cfg}
	f.cfg.Peripherals = append([]Peripheral(nil), cfg.Peripherals...)
	f.cfg.Transport.Sim.Kinds = append([]string(nil), cfg.Transport.Sim.Kinds...)
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// Config is the configuration the gateway will be built from.
func (f *Flow) Config() *Config { return &f.cfg }

// Options appends raw GatewayOption values.
func (f *Flow) Options(opts ...GatewayOption) *Flow {
	f.appendOptions(opts...)
	return f
}

// StreamIN applies radio-side stages.
func (f *Flow) StreamIN(opts ...StreamInOption) *Flow {
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// StreamOUT applies delivery-side stages and builds the Gateway.
func (f *Flow) StreamOUT(opts ...StreamOutOption) (*Gateway, error) {
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if err := errors.Join(f.errs...); err != nil {
		return nil, err
	}
	cfg := f.cfg
	return New(&cfg, f.opts...)
}

// Run builds the gateway and runs it until ctx is cancelled.
func (f *Flow) Run(ctx context.Context, opts ...StreamOutOption) error {
	gw, err := f.StreamOUT(opts...)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

// WithFlowOptions appends GatewayOption values during Conf.
func WithFlowOptions(opts ...GatewayOption) FlowOption {
	return func(f *Flow) { f.appendOptions(opts...) }
}

// StreamInPeripherals adds patches to the configured set. An address that
// is already configured only has its name updated.
func StreamInPeripherals(ps ...Peripheral) StreamInOption {
	return func(f *Flow) {
		for _, p := range ps {
			if p.ID == "" {
				f.errs = append(f.errs, fmt.Errorf("peripheral %q has no address", p.Name))
				continue
			}
			if i := f.peripheralIndex(p.ID); i >= 0 {
				if p.Name != "" {
					f.cfg.Peripherals[i].Name = p.Name
				}
				continue
			}
			f.cfg.Peripherals = append(f.cfg.Peripherals, p)
		}
	}
}

// StreamInOnly narrows the configured set to the given addresses, in the
// given order. Unknown addresses are an error.
func StreamInOnly(ids ...PeripheralID) StreamInOption {
	return func(f *Flow) {
		kept := make([]Peripheral, 0, len(ids))
		for _, id := range ids {
			i := f.peripheralIndex(id)
			if i < 0 {
				f.errs = append(f.errs, fmt.Errorf("peripheral %s is not configured", id))
				continue
			}
			kept = append(kept, f.cfg.Peripherals[i])
		}
		f.cfg.Peripherals = kept
	}
}

// StreamInSim relays simulated patches that emit the given frame kinds every
// interval. Zero values keep the configured or default settings.
func StreamInSim(interval time.Duration, kinds ...FrameKind) StreamInOption {
	return func(f *Flow) {
		f.cfg.Transport.Kind = config.TransportSim
		if interval > 0 {
			f.cfg.Transport.Sim.Interval = interval
		}
		if len(kinds) == 0 {
			return
		}
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			if !k.Known() {
				f.errs = append(f.errs, fmt.Errorf("sim: unknown frame kind %d", k))
				continue
			}
			names = append(names, k.String())
		}
		f.cfg.Transport.Sim.Kinds = names
	}
}

// StreamInTransport relays frames from t, typically a real BLE adapter.
func StreamInTransport(t Transport) StreamInOption {
	return func(f *Flow) {
		if t != nil {
			f.appendOptions(WithTransport(t))
		}
	}
}

// StreamInRecording keeps a raw copy of every notification under dir.
func StreamInRecording(dir string) StreamInOption {
	return func(f *Flow) {
		f.cfg.Recorder = config.RecorderConfig{Enabled: true, Dir: dir}
	}
}

// StreamInRecorder records raw frames to r instead of the file recorder.
func StreamInRecorder(r FrameRecorder) StreamInOption {
	return func(f *Flow) {
		if r != nil {
			f.appendOptions(WithRecorder(r))
		}
	}
}

// StreamInBuffer swaps the per-peripheral ring buffer.
func StreamInBuffer(b SampleBuffer) StreamInOption {
	return func(f *Flow) {
		if b != nil {
			f.appendOptions(WithBuffer(b))
		}
	}
}

// StreamOutThingsBoard publishes to a ThingsBoard gateway device.
func StreamOutThingsBoard(broker, token string) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Uplink.Kind = config.UplinkMQTT
		f.cfg.Uplink.MQTT.Broker = broker
		f.cfg.Uplink.MQTT.Token = token
	}
}

// StreamOutNATS publishes to a JetStream subject.
func StreamOutNATS(url, subject string) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Uplink.Kind = config.UplinkNATS
		f.cfg.Uplink.NATS.URL = url
		f.cfg.Uplink.NATS.Subject = subject
	}
}

// StreamOutLocal keeps batches in the on-device store under dir; an empty
// dir keeps them in memory.
func StreamOutLocal(dir string) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Uplink.Kind = config.UplinkLocal
		f.cfg.Uplink.Local.Dir = dir
		f.cfg.Uplink.Local.InMemory = dir == ""
	}
}

// StreamOutRate caps delivery at batchesPerSecond; zero is unlimited.
func StreamOutRate(batchesPerSecond float64) StreamOutOption {
	return func(f *Flow) {
		f.cfg.Policy.PublishRate = batchesPerSecond
	}
}

// StreamOutUplink delivers through a custom Uplink.
func StreamOutUplink(u Uplink) StreamOutOption {
	return func(f *Flow) {
		if u != nil {
			f.appendOptions(WithUplink(u))
		}
	}
}

// StreamOutCallback delivers each batch to fn.
func StreamOutCallback(name string, fn SampleBatchHandler) StreamOutOption {
	return func(f *Flow) {
		f.appendOptions(WithUplink(NewCallbackUplink(name, fn)))
	}
}

// StreamOutObservability replaces the default Prometheus and slog backend.
func StreamOutObservability(obs Observability) StreamOutOption {
	return func(f *Flow) {
		if obs != nil {
			f.appendOptions(WithObservability(obs))
		}
	}
}

func (f *Flow) peripheralIndex(id PeripheralID) int {
	for i, p := range f.cfg.Peripherals {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (f *Flow) appendOptions(opts ...GatewayOption) {
	for _, opt := range opts {
		if opt != nil {
			f.opts = append(f.opts, opt)
		}
	}
}
