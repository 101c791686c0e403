package basestation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/observability"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/queue"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/recorder"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/simpatch"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/uplink"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/app/admin"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/app/config"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/app/pipeline"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/session"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/supervisor"
)

var (
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("basestation: gateway already started")
	// ErrNotStarted is returned by operations that need a running gateway.
	ErrNotStarted = errors.New("basestation: gateway not started")
)

// GatewayOption customizes the dependencies used by Gateway.
type GatewayOption func(*gatewayOverrides)

type gatewayOverrides struct {
	transport     Transport
	uplink        Uplink
	buffer        SampleBuffer
	recorder      FrameRecorder
	observability Observability
	logger        *slog.Logger
	gatherer      prometheus.Gatherer
}

// WithTransport injects the wireless stack; the configured transport kind is ignored.
func WithTransport(t Transport) GatewayOption {
	return func(o *gatewayOverrides) {
		o.transport = t
	}
}

// WithUplink injects a custom uplink; the configured uplink kind is ignored.
func WithUplink(u Uplink) GatewayOption {
	return func(o *gatewayOverrides) {
		o.uplink = u
	}
}

// WithBuffer replaces the per-peripheral ring buffer.
func WithBuffer(b SampleBuffer) GatewayOption {
	return func(o *gatewayOverrides) {
		o.buffer = b
	}
}

// WithRecorder records raw frames to r regardless of the recorder config.
func WithRecorder(r FrameRecorder) GatewayOption {
	return func(o *gatewayOverrides) {
		o.recorder = r
	}
}

// WithObservability replaces the default Prometheus and slog backend.
func WithObservability(obs Observability) GatewayOption {
	return func(o *gatewayOverrides) {
		o.observability = obs
	}
}

// WithLogger sets the logger of the default observability backend.
func WithLogger(l *slog.Logger) GatewayOption {
	return func(o *gatewayOverrides) {
		o.logger = l
	}
}

// WithGatherer sets what the admin /metrics endpoint exposes when a custom
// Observability is in use.
func WithGatherer(g prometheus.Gatherer) GatewayOption {
	return func(o *gatewayOverrides) {
		o.gatherer = g
	}
}

// Gateway wires transport → sessions → buffer → publisher → uplink and
// exposes start/stop hooks for embedding the relay in any Go service.
type Gateway struct {
	cfg       Config
	obs       ports.Observability
	gatherer  prometheus.Gatherer
	codec     *codec.Codec
	transport ports.Transport
	sim       *simpatch.Transport
	simKinds  []domain.FrameKind
	buffer    ports.SampleBuffer
	recorder  ports.FrameRecorder
	ownsRec   bool
	uplink    ports.Uplink
	sup       *supervisor.Supervisor
	pub       *pipeline.Publisher
	admin     *admin.Server

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancelBg   context.CancelFunc
	bg         sync.WaitGroup
	intakeDone chan struct{}
}

// New builds a gateway from cfg. Adapters that open network or disk
// resources (uplink, recorder) are created here so that misconfiguration
// fails before Start. Options override any configured adapter.
func New(cfg *Config, opts ...GatewayOption) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o gatewayOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	c := *cfg
	if o.transport != nil {
		c.Transport.Kind = config.TransportExternal
	}
	if o.uplink != nil {
		c.Uplink.Kind = config.UplinkExternal
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{cfg: c, gatherer: o.gatherer}

	g.obs = o.observability
	if g.obs == nil {
		prom := observability.NewPromObs(observability.WithLogger(o.logger), observability.WithProcessCollectors())
		g.obs = prom
		if g.gatherer == nil {
			g.gatherer = prom.Registry()
		}
	}

	cdc, err := codec.New(c.Frame.PayloadSize)
	if err != nil {
		return nil, err
	}
	g.codec = cdc

	g.transport = o.transport
	if g.transport == nil {
		if c.Transport.Kind != config.TransportSim {
			return nil, fmt.Errorf("transport %q requires WithTransport", c.Transport.Kind)
		}
		g.sim = simpatch.New(cdc)
		for _, p := range c.Peripherals {
			g.sim.Add(p.ID)
		}
		if g.simKinds, err = c.Transport.Sim.FrameKinds(); err != nil {
			return nil, err
		}
		g.transport = g.sim
	}

	g.buffer = o.buffer
	if g.buffer == nil {
		buf := queue.NewPeripheralBuffer(c.Policy.BufferCapacity, pipeline.ReportEviction(g.obs))
		ids := make([]domain.PeripheralID, len(c.Peripherals))
		for i, p := range c.Peripherals {
			ids[i] = p.ID
		}
		buf.Register(ids...)
		g.buffer = buf
	}

	g.recorder = o.recorder
	if g.recorder == nil && c.Recorder.Enabled {
		rec, err := recorder.NewFileRecorder(c.Recorder.Dir)
		if err != nil {
			return nil, fmt.Errorf("open recorder: %w", err)
		}
		g.recorder = rec
		g.ownsRec = true
	}

	g.uplink = o.uplink
	if g.uplink == nil {
		if g.uplink, err = openUplink(context.Background(), c, g.obs); err != nil {
			_ = g.closeRecorder()
			return nil, fmt.Errorf("open uplink %s: %w", c.Uplink.Kind, err)
		}
	}

	var sessOpts []session.Option
	if g.recorder != nil {
		sessOpts = append(sessOpts, session.WithRecorder(g.recorder))
	}
	g.sup = supervisor.New(g.transport, cdc, c.Policy, g.obs, supervisor.WithSessionOptions(sessOpts...))
	g.pub = pipeline.NewPublisher(g.buffer, g.uplink, c.Policy, g.obs)

	if c.Admin.Addr != "" {
		g.admin = admin.NewServer(c.Admin.Addr, g, g.gatherer, g.obs)
	}
	return g, nil
}

func openUplink(ctx context.Context, c Config, obs ports.Observability) (ports.Uplink, error) {
	switch c.Uplink.Kind {
	case config.UplinkMQTT:
		return uplink.NewMQTT(c.Uplink.MQTT, obs)
	case config.UplinkNATS:
		return uplink.NewNATS(ctx, c.Gateway.Name, c.Uplink.NATS, obs)
	case config.UplinkWebSocket:
		return uplink.NewWebSocket(c.Gateway.Name, c.Uplink.WebSocket, obs)
	case config.UplinkTimescale:
		return uplink.OpenTimescale(ctx, c.Uplink.Timescale)
	case config.UplinkLocal:
		return uplink.OpenLocalStore(c.Uplink.Local)
	default:
		return nil, fmt.Errorf("uplink %q requires WithUplink", c.Uplink.Kind)
	}
}

// Start launches the sessions, intake, publisher and admin API. It returns
// immediately; call Run to block on a context instead.
func (g *Gateway) Start() error {
	if g == nil {
		return fmt.Errorf("gateway is nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}
	if g.stopped {
		return fmt.Errorf("basestation: gateway stopped")
	}

	if g.admin != nil {
		if err := g.admin.Start(); err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
	}

	intake, err := g.sup.Start(g.cfg.Peripherals)
	if err != nil {
		if g.admin != nil {
			_ = g.admin.Shutdown(context.Background())
		}
		return err
	}
	g.started = true

	g.intakeDone = make(chan struct{})
	go func() {
		pipeline.RunIntake(intake, g.buffer, g.obs)
		close(g.intakeDone)
	}()
	go g.pub.Run()

	bgCtx, cancel := context.WithCancel(context.Background())
	g.cancelBg = cancel
	if g.sim != nil {
		g.bg.Add(1)
		go func() {
			defer g.bg.Done()
			g.sim.Generate(bgCtx, g.cfg.Transport.Sim.Interval, g.simKinds)
		}()
	}
	g.bg.Add(1)
	go func() {
		defer g.bg.Done()
		g.recordResourceGauges(bgCtx, time.Second)
	}()

	g.obs.LogInfo("gateway_started",
		ports.F("gateway", g.cfg.Gateway.Name),
		ports.F("peripherals", len(g.cfg.Peripherals)),
		ports.F("uplink", g.uplink.Name()))
	return nil
}

// Run starts the gateway and blocks until ctx is cancelled, then shuts down
// within the policy's shutdown timeout plus the delivery timeout.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Policy.ShutdownTimeout+g.cfg.Policy.DeliveryTimeout)
	defer cancel()
	return g.Stop(shutdownCtx)
}

// Stop terminates every session and waits for the publisher's in-flight
// delivery, then releases the uplink, recorder and admin API. Sessions that
// do not terminate in time are abandoned. A second call is a no-op; on a
// gateway that never started, Stop only releases the adapters.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	started := g.started
	g.mu.Unlock()

	if !started {
		return errors.Join(g.uplink.Close(), g.closeRecorder())
	}

	var eg errgroup.Group
	eg.Go(func() error { return g.sup.Stop(ctx) })
	eg.Go(func() error { return g.pub.Stop(ctx) })
	errs := []error{eg.Wait()}

	select {
	case <-g.intakeDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("intake: %w", ctx.Err()))
	}

	g.cancelBg()
	g.bg.Wait()

	if g.admin != nil {
		errs = append(errs, g.admin.Shutdown(ctx))
	}
	if err := g.uplink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close uplink: %w", err))
	}
	errs = append(errs, g.closeRecorder())

	err := errors.Join(errs...)
	if err != nil {
		g.obs.LogError("gateway_stopped", err, ports.F("buffered", g.buffer.Len()))
	} else {
		g.obs.LogInfo("gateway_stopped", ports.F("buffered", g.buffer.Len()))
	}
	return err
}

func (g *Gateway) closeRecorder() error {
	if g.recorder == nil || !g.ownsRec {
		return nil
	}
	if err := g.recorder.Close(); err != nil {
		return fmt.Errorf("close recorder: %w", err)
	}
	return nil
}

// Sessions returns a snapshot of every running session.
func (g *Gateway) Sessions() []session.Info { return g.sup.Snapshot() }

// Abandon stops one peripheral's session and forgets it.
func (g *Gateway) Abandon(ctx context.Context, id PeripheralID) error {
	g.mu.Lock()
	running := g.started && !g.stopped
	g.mu.Unlock()
	if !running {
		return ErrNotStarted
	}
	return g.sup.Abandon(ctx, id)
}

// BufferStats reports queue depth per peripheral.
func (g *Gateway) BufferStats() BufferStats {
	if s, ok := g.buffer.(interface{ Stats() ports.BufferStats }); ok {
		return s.Stats()
	}
	return ports.BufferStats{Length: g.buffer.Len()}
}

// Gatherer exposes the metrics registry backing the admin API.
func (g *Gateway) Gatherer() prometheus.Gatherer { return g.gatherer }

// AdminAddr is the bound admin address, or "" when the admin API is disabled.
func (g *Gateway) AdminAddr() string {
	if g.admin == nil {
		return ""
	}
	return g.admin.Addr()
}

func (g *Gateway) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.obs.SetGauge(ports.MetricBufferLength, float64(g.buffer.Len()))
			if g.recorder != nil {
				g.obs.SetGauge(ports.MetricRecorderBytes, float64(g.recorder.Stats().SizeBytes))
			}
		}
	}
}
