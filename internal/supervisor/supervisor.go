// Package supervisor owns one session per configured patch, runs the scan
// sweep and fans every session's samples into a single intake channel.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/session"
)

var (
	ErrAlreadyStarted    = errors.New("supervisor already started")
	ErrUnknownPeripheral = errors.New("unknown peripheral")
)

type Option func(*Supervisor)

// WithSessionOptions is applied to every session the supervisor creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(s *Supervisor) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

type entry struct {
	sess   *session.Session
	cancel context.CancelFunc

	// release unblocks the forwarder of a session that never terminated.
	release     chan struct{}
	releaseOnce sync.Once
}

func (e *entry) abandon() {
	e.releaseOnce.Do(func() { close(e.release) })
}

type Supervisor struct {
	transport   ports.Transport
	codec       *codec.Codec
	pol         ports.Policy
	obs         ports.Observability
	sessionOpts []session.Option

	mu      sync.Mutex
	entries map[domain.PeripheralID]*entry
	order   []domain.PeripheralID
	started bool
	stopped bool

	cancel     context.CancelFunc
	intake     chan domain.Sample
	forwarders sync.WaitGroup
	sweepDone  chan struct{}
}

func New(tr ports.Transport, cdc *codec.Codec, pol ports.Policy, obs ports.Observability, opts ...Option) *Supervisor {
	s := &Supervisor{
		transport: tr,
		codec:     cdc,
		pol:       pol,
		obs:       obs,
		entries:   make(map[domain.PeripheralID]*entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start spawns a session per peripheral and returns the intake channel. The
// channel is closed by Stop once every forwarder has exited.
func (s *Supervisor) Start(peripherals []domain.Peripheral) (<-chan domain.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil, ErrAlreadyStarted
	}
	seen := make(map[domain.PeripheralID]struct{}, len(peripherals))
	for _, p := range peripherals {
		if p.ID == "" {
			return nil, fmt.Errorf("peripheral with empty address")
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate peripheral %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.intake = make(chan domain.Sample, s.pol.NotifyBuffer)
	s.sweepDone = make(chan struct{})
	s.started = true

	for _, p := range peripherals {
		sctx, scancel := context.WithCancel(ctx)
		e := &entry{
			sess:    session.New(p, s.transport, s.codec, s.pol, s.obs, s.sessionOpts...),
			cancel:  scancel,
			release: make(chan struct{}),
		}
		s.entries[p.ID] = e
		s.order = append(s.order, p.ID)

		go e.sess.Run(sctx)
		s.forwarders.Add(1)
		go s.forward(e)
	}

	go s.sweepLoop(ctx)

	s.obs.LogInfo("supervisor_started", ports.F("peripherals", len(peripherals)))
	return s.intake, nil
}

// forward copies one session's output into the shared intake. Each session
// has its own forwarder, so per-peripheral order is kept.
func (s *Supervisor) forward(e *entry) {
	defer s.forwarders.Done()
	out := e.sess.Output()
	for {
		select {
		case smp, ok := <-out:
			if !ok {
				return
			}
			select {
			case s.intake <- smp:
			case <-e.release:
				return
			}
		case <-e.release:
			return
		}
	}
}

func (s *Supervisor) sweepLoop(ctx context.Context) {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.pol.ScanInterval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep kicks every Disconnected session whose peripheral is discoverable. A
// failed scan kicks all of them and lets the connect attempt decide.
func (s *Supervisor) sweep(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, s.pol.ScanInterval)
	ids, err := s.transport.Scan(sctx)
	cancel()
	if ctx.Err() != nil {
		return
	}

	var visible map[domain.PeripheralID]bool
	if err != nil {
		s.obs.LogWarn("scan_failed", ports.F("error", err.Error()))
	} else {
		visible = make(map[domain.PeripheralID]bool, len(ids))
		for _, id := range ids {
			visible[id] = true
		}
	}

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.order))
	for _, id := range s.order {
		if visible == nil || visible[id] {
			sessions = append(sessions, s.entries[id].sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Kick()
	}
}

// Stop terminates every session and blocks until they have released their
// links, bounded by the shutdown timeout. Sessions that miss the deadline are
// abandoned. The intake channel is closed before Stop returns.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	entries := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.entries[id])
	}
	s.mu.Unlock()

	s.cancel()
	<-s.sweepDone

	timer := time.NewTimer(s.pol.ShutdownTimeout)
	defer timer.Stop()

	expired := false
	for _, e := range entries {
		if !expired {
			select {
			case <-e.sess.Done():
				continue
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case <-e.sess.Done():
		default:
			s.abandon(e, "shutdown_timeout")
		}
	}

	s.forwarders.Wait()
	close(s.intake)
	s.obs.LogInfo("supervisor_stopped")
	return nil
}

// Abandon stops managing one peripheral. The session is cancelled and given
// the shutdown timeout to release its link.
func (s *Supervisor) Abandon(ctx context.Context, id domain.PeripheralID) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		for i, oid := range s.order {
			if oid == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	e.cancel()
	timer := time.NewTimer(s.pol.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-e.sess.Done():
		s.obs.IncCounter(ports.MetricSessionsAbandoned, 1, string(id))
		s.obs.LogInfo("session_abandoned", ports.F("peripheral", id), ports.F("reason", "operator"))
	case <-timer.C:
		s.abandon(e, "operator")
	case <-ctx.Done():
		s.abandon(e, "operator")
	}
	return nil
}

func (s *Supervisor) abandon(e *entry, reason string) {
	e.abandon()
	id := e.sess.Peripheral().ID
	s.obs.IncCounter(ports.MetricSessionsAbandoned, 1, string(id))
	s.obs.LogError("session_abandoned", fmt.Errorf("session %s did not release its link", id),
		ports.F("peripheral", id),
		ports.F("reason", reason),
		ports.F("state", e.sess.State().String()))
}

// Snapshot lists the managed sessions in configuration order.
func (s *Supervisor) Snapshot() []session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Info, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].sess.Info())
	}
	return out
}
