package basestation

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	base "github.com/cyrillknecht/smartpatch-basestation-software/pkg/basestation"
)

// Re-exported errors for convenience.
var (
	ErrAlreadyStarted      = base.ErrAlreadyStarted
	ErrNotStarted          = base.ErrNotStarted
	ErrChannelUplinkClosed = base.ErrChannelUplinkClosed
)

// Type aliases so consumers can import the module root directly.
type (
	Config             = base.Config
	Policy             = base.Policy
	MQTTConfig         = base.MQTTConfig
	NATSConfig         = base.NATSConfig
	WebSocketConfig    = base.WebSocketConfig
	TimescaleConfig    = base.TimescaleConfig
	LocalStoreConfig   = base.LocalStoreConfig
	Flow               = base.Flow
	FlowOption         = base.FlowOption
	StreamInOption     = base.StreamInOption
	StreamOutOption    = base.StreamOutOption
	Gateway            = base.Gateway
	GatewayOption      = base.GatewayOption
	Sample             = base.Sample
	SampleBatchHandler = base.SampleBatchHandler
	Peripheral         = base.Peripheral
	PeripheralID       = base.PeripheralID
	FrameKind          = base.FrameKind
	Batch              = base.Batch
	Transport          = base.Transport
	Link               = base.Link
	Uplink             = base.Uplink
	SampleBuffer       = base.SampleBuffer
	BufferStats        = base.BufferStats
	FrameRecorder      = base.FrameRecorder
	Observability      = base.Observability
	SessionInfo        = base.SessionInfo
)

// Frame kinds.
const (
	KindIMU         = base.KindIMU
	KindPPG         = base.KindPPG
	KindAudio       = base.KindAudio
	KindVoltage     = base.KindVoltage
	KindCurrent     = base.KindCurrent
	KindTemperature = base.KindTemperature
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func LoadEnv(files ...string) error {
	return base.LoadEnv(files...)
}

// Flow builder helpers.
func Conf(path string, opts ...FlowOption) (*Flow, error) {
	return base.Conf(path, opts...)
}

func ConfFromConfig(cfg *Config, opts ...FlowOption) (*Flow, error) {
	return base.ConfFromConfig(cfg, opts...)
}

func WithFlowOptions(opts ...GatewayOption) FlowOption {
	return base.WithFlowOptions(opts...)
}

func StreamInPeripherals(ps ...Peripheral) StreamInOption {
	return base.StreamInPeripherals(ps...)
}

func StreamInOnly(ids ...PeripheralID) StreamInOption {
	return base.StreamInOnly(ids...)
}

func StreamInSim(interval time.Duration, kinds ...FrameKind) StreamInOption {
	return base.StreamInSim(interval, kinds...)
}

func StreamInTransport(t Transport) StreamInOption {
	return base.StreamInTransport(t)
}

func StreamInRecording(dir string) StreamInOption {
	return base.StreamInRecording(dir)
}

func StreamInRecorder(r FrameRecorder) StreamInOption {
	return base.StreamInRecorder(r)
}

func StreamInBuffer(b SampleBuffer) StreamInOption {
	return base.StreamInBuffer(b)
}

func StreamOutThingsBoard(broker, token string) StreamOutOption {
	return base.StreamOutThingsBoard(broker, token)
}

func StreamOutNATS(url, subject string) StreamOutOption {
	return base.StreamOutNATS(url, subject)
}

func StreamOutLocal(dir string) StreamOutOption {
	return base.StreamOutLocal(dir)
}

func StreamOutRate(batchesPerSecond float64) StreamOutOption {
	return base.StreamOutRate(batchesPerSecond)
}

func StreamOutUplink(u Uplink) StreamOutOption {
	return base.StreamOutUplink(u)
}

func StreamOutCallback(name string, fn SampleBatchHandler) StreamOutOption {
	return base.StreamOutCallback(name, fn)
}

func StreamOutObservability(obs Observability) StreamOutOption {
	return base.StreamOutObservability(obs)
}

// Gateway and options.
func New(cfg *Config, opts ...GatewayOption) (*Gateway, error) {
	return base.New(cfg, opts...)
}

func WithTransport(t Transport) GatewayOption {
	return base.WithTransport(t)
}

func WithUplink(u Uplink) GatewayOption {
	return base.WithUplink(u)
}

func WithBuffer(b SampleBuffer) GatewayOption {
	return base.WithBuffer(b)
}

func WithRecorder(r FrameRecorder) GatewayOption {
	return base.WithRecorder(r)
}

func WithObservability(obs Observability) GatewayOption {
	return base.WithObservability(obs)
}

func WithLogger(l *slog.Logger) GatewayOption {
	return base.WithLogger(l)
}

func WithGatherer(g prometheus.Gatherer) GatewayOption {
	return base.WithGatherer(g)
}

// Uplink adapters.
func NewCallbackUplink(name string, fn SampleBatchHandler) Uplink {
	return base.NewCallbackUplink(name, fn)
}

func NewChannelUplink(name string, buffer int) (Uplink, <-chan []Sample, func()) {
	return base.NewChannelUplink(name, buffer)
}

// Delivery classification.
func Transient(uplink string, err error) error { return base.Transient(uplink, err) }

func Rejected(uplink string, err error) error { return base.Rejected(uplink, err) }
