// Package session runs the connection lifecycle of a single patch.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// Info is a snapshot of a session for status endpoints.
type Info struct {
	Peripheral      domain.Peripheral `json:"peripheral"`
	State           State             `json:"state"`
	LastSeen        time.Time         `json:"last_seen"`
	Retries         int               `json:"retries"`
	MalformedStreak int               `json:"malformed_streak"`
	Connects        int               `json:"connects"`
	ConnectedAt     time.Time         `json:"connected_at"`
	LastError       string            `json:"last_error,omitempty"`
}

type Option func(*Session)

// WithRecorder copies every raw notification to rec before decoding.
func WithRecorder(rec ports.FrameRecorder) Option {
	return func(s *Session) {
		s.recorder = rec
	}
}

// Session owns one peripheral. Run is the only goroutine that drives the
// state machine; the other methods are safe to call concurrently.
type Session struct {
	peripheral domain.Peripheral
	transport  ports.Transport
	codec      *codec.Codec
	pol        ports.Policy
	obs        ports.Observability
	recorder   ports.FrameRecorder

	out  chan domain.Sample
	kick chan struct{}
	done chan struct{}

	backoff *backoff.ExponentialBackOff

	mu              sync.Mutex
	state           State
	lastSeen        time.Time
	retries         int
	malformedStreak int
	connects        int
	connectedAt     time.Time
	lastErr         string
}

func New(p domain.Peripheral, tr ports.Transport, cdc *codec.Codec, pol ports.Policy, obs ports.Observability, opts ...Option) *Session {
	s := &Session{
		peripheral: p,
		transport:  tr,
		codec:      cdc,
		pol:        pol,
		obs:        obs,
		out:        make(chan domain.Sample, pol.NotifyBuffer),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		backoff:    NewBackoff(pol.BackoffBase, pol.BackoffMax, pol.BackoffJitter),
		state:      Disconnected,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Session) Peripheral() domain.Peripheral { return s.peripheral }

// Output carries decoded samples in arrival order. It is closed when Run returns.
func (s *Session) Output() <-chan domain.Sample { return s.out }

// Done is closed once the session has released its link and terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Peripheral:      s.peripheral,
		State:           s.state,
		LastSeen:        s.lastSeen,
		Retries:         s.retries,
		MalformedStreak: s.malformedStreak,
		Connects:        s.connects,
		ConnectedAt:     s.connectedAt,
		LastError:       s.lastErr,
	}
}

// Kick asks an idle session to start connecting. It is a no-op in any state
// other than Disconnected.
func (s *Session) Kick() bool {
	if s.State() != Disconnected {
		return false
	}
	select {
	case s.kick <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drives the session until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer close(s.out)

	var (
		link  ports.Link
		inbox chan []byte
	)

	for {
		if ctx.Err() != nil {
			s.release(link)
			s.fire(EventShutdown)
			return
		}

		switch s.State() {
		case Disconnected:
			select {
			case <-ctx.Done():
			case <-s.kick:
				s.fire(EventScan)
			}

		case Connecting:
			l, err := s.connect(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.fail("session_connect_failed", err)
					s.fire(EventConnectFailed)
				}
				continue
			}
			link = l
			s.fire(EventConnected)

		case Connected:
			inbox = make(chan []byte, s.pol.NotifyBuffer)
			if err := s.transport.Subscribe(ctx, link, s.notifier(inbox)); err != nil {
				s.release(link)
				link = nil
				if ctx.Err() == nil {
					s.fail("session_subscribe_failed", &domain.ConnectError{Peripheral: s.peripheral.ID, Op: "subscribe", Err: err})
					s.fire(EventSubscribeFailed)
				}
				continue
			}
			s.fire(EventSubscribed)

		case Streaming:
			ev := s.stream(ctx, link, inbox)
			s.release(link)
			link = nil
			if ev != EventShutdown {
				s.fire(ev)
			}

		case Backoff:
			delay := s.nextDelay()
			s.obs.LogInfo("session_backoff",
				ports.F("peripheral", s.peripheral.ID),
				ports.F("delay", delay.String()),
				ports.F("retries", s.Info().Retries))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
				s.fire(EventBackoffElapsed)
			}

		case Terminated:
			return
		}
	}
}

func (s *Session) connect(ctx context.Context) (ports.Link, error) {
	cctx, cancel := context.WithTimeout(ctx, s.pol.ConnectTimeout)
	defer cancel()

	link, err := s.transport.Connect(cctx, s.peripheral.ID)
	if err != nil {
		return nil, &domain.ConnectError{Peripheral: s.peripheral.ID, Op: "connect", Err: err}
	}
	if link == nil {
		return nil, &domain.ConnectError{Peripheral: s.peripheral.ID, Op: "connect", Err: errors.New("transport returned no link")}
	}

	s.mu.Lock()
	s.connects++
	s.connectedAt = link.ConnectedAt()
	s.lastErr = ""
	s.mu.Unlock()
	return link, nil
}

func (s *Session) release(link ports.Link) {
	if link == nil {
		return
	}
	if err := s.transport.Disconnect(link); err != nil {
		s.obs.LogError("session_disconnect_failed", err, ports.F("peripheral", s.peripheral.ID))
	}
}

// notifier runs on the transport's goroutine and must not block it.
func (s *Session) notifier(inbox chan<- []byte) ports.NotificationFunc {
	return func(raw []byte) {
		frame := append([]byte(nil), raw...)
		select {
		case inbox <- frame:
		default:
			s.obs.IncCounter(ports.MetricNotificationsOverrun, 1, string(s.peripheral.ID))
		}
	}
}

func (s *Session) stream(ctx context.Context, link ports.Link, inbox <-chan []byte) Event {
	s.mu.Lock()
	s.malformedStreak = 0
	s.mu.Unlock()

	healthy := false
	for {
		select {
		case <-ctx.Done():
			return EventShutdown

		case <-link.Lost():
			// frames queued before the drop are still valid data
			if ev, stop := s.drainPending(ctx, inbox, &healthy); stop {
				return ev
			}
			s.obs.LogWarn("session_link_lost", ports.F("peripheral", s.peripheral.ID))
			return EventLinkLost

		case raw := <-inbox:
			if ev, stop := s.handle(ctx, raw, &healthy); stop {
				return ev
			}
		}
	}
}

func (s *Session) drainPending(ctx context.Context, inbox <-chan []byte, healthy *bool) (Event, bool) {
	for {
		select {
		case raw := <-inbox:
			if ev, stop := s.handle(ctx, raw, healthy); stop {
				return ev, true
			}
		default:
			return 0, false
		}
	}
}

func (s *Session) handle(ctx context.Context, raw []byte, healthy *bool) (Event, bool) {
	id := string(s.peripheral.ID)

	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()

	if s.recorder != nil {
		if _, err := s.recorder.Record(s.peripheral.ID, raw); err != nil {
			s.obs.LogError("frame_record_failed", err, ports.F("peripheral", id))
		}
	}

	smp, err := s.codec.Decode(raw)
	if err != nil {
		if codec.IsUnsupported(err) {
			s.obs.IncCounter(ports.MetricFramesUnsupported, 1, id)
			s.obs.LogWarn("frame_unsupported", ports.F("peripheral", id), ports.F("error", err.Error()))
			return 0, false
		}

		s.mu.Lock()
		s.malformedStreak++
		streak := s.malformedStreak
		s.mu.Unlock()

		s.obs.IncCounter(ports.MetricFramesMalformed, 1, id)
		s.obs.LogWarn("frame_malformed",
			ports.F("peripheral", id),
			ports.F("streak", streak),
			ports.F("error", err.Error()))
		if streak > s.pol.MalformedThreshold {
			s.fail("session_malformed_limit", err)
			return EventMalformedLimit, true
		}
		return 0, false
	}

	s.mu.Lock()
	s.malformedStreak = 0
	if !*healthy {
		s.retries = 0
	}
	s.mu.Unlock()
	if !*healthy {
		*healthy = true
		s.backoff.Reset()
	}

	smp.Peripheral = s.peripheral
	s.obs.IncCounter(ports.MetricSamplesDecoded, 1, id)

	select {
	case s.out <- smp:
		return 0, false
	case <-ctx.Done():
		return EventShutdown, true
	}
}

func (s *Session) nextDelay() time.Duration {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop || d > s.pol.BackoffMax {
		d = s.pol.BackoffMax
	}
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
	return d
}

func (s *Session) fail(msg string, err error) {
	s.mu.Lock()
	s.lastErr = err.Error()
	s.mu.Unlock()
	s.obs.LogError(msg, err, ports.F("peripheral", s.peripheral.ID))
}

func (s *Session) fire(ev Event) {
	s.mu.Lock()
	from := s.state
	next, err := Transition(from, ev)
	if err == nil {
		s.state = next
	}
	s.mu.Unlock()

	if err != nil {
		s.obs.LogCritical("session_invalid_transition", err, ports.F("peripheral", s.peripheral.ID))
		return
	}
	s.obs.IncCounter(ports.MetricSessionTransitions, 1, string(s.peripheral.ID), next.String())
	s.obs.LogInfo("session_state_changed",
		ports.F("peripheral", s.peripheral.ID),
		ports.F("from", from.String()),
		ports.F("to", next.String()),
		ports.F("event", ev.String()))
}
