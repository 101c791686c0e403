package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type PublisherOption func(*Publisher)

// WithBatchIDs replaces the random batch id generator.
func WithBatchIDs(fn func() string) PublisherOption {
	return func(p *Publisher) {
		if fn != nil {
			p.newID = fn
		}
	}
}

// Publisher drains the buffer into the uplink. Transient failures put the
// batch back at the front of its queues and wait out a backoff; rejected
// batches are dropped.
type Publisher struct {
	buf     ports.SampleBuffer
	uplink  ports.Uplink
	pol     ports.Policy
	obs     ports.Observability
	limiter *rate.Limiter
	retry   *backoff.ExponentialBackOff
	newID   func() string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPublisher(buf ports.SampleBuffer, up ports.Uplink, pol ports.Policy, obs ports.Observability, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		buf:    buf,
		uplink: up,
		pol:    pol,
		obs:    obs,
		retry: backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(pol.BackoffBase),
			backoff.WithMaxInterval(pol.BackoffMax),
			backoff.WithMultiplier(2),
			backoff.WithRandomizationFactor(pol.BackoffJitter),
			backoff.WithMaxElapsedTime(0),
		),
		newID: func() string { return uuid.NewString() },
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if pol.PublishRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(pol.PublishRate), 1)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run blocks until Stop is called. A delivery in flight when Stop is called
// is allowed to finish, bounded by the delivery timeout.
func (p *Publisher) Run() {
	defer close(p.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-p.done:
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		samples := p.buf.Drain(p.pol.MaxBatchSize)
		if len(samples) == 0 {
			p.idle(ctx)
			continue
		}
		p.obs.SetGauge(ports.MetricBufferLength, float64(p.buf.Len()))

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.buf.Requeue(samples)
				return
			}
		}

		if delay, retry := p.deliver(samples); retry {
			p.sleep(ctx, delay)
		}
	}
}

// Stop asks Run to return and waits for it.
func (p *Publisher) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (p *Publisher) Done() <-chan struct{} { return p.done }

func (p *Publisher) deliver(samples []domain.Sample) (time.Duration, bool) {
	batch := domain.Batch{ID: p.newID(), Samples: samples}

	ctx, cancel := context.WithTimeout(context.Background(), p.pol.DeliveryTimeout)
	start := time.Now()
	err := p.uplink.Deliver(ctx, batch)
	cancel()

	switch {
	case err == nil:
		p.retry.Reset()
		p.obs.ObserveLatency(ports.MetricDeliveryLatency, time.Since(start).Seconds())
		p.obs.IncCounter(ports.MetricSamplesDelivered, float64(len(samples)))
		return 0, false

	case domain.IsRejected(err):
		p.retry.Reset()
		p.obs.IncCounter(ports.MetricBatchesRejected, 1)
		p.obs.LogError("batch_rejected", err,
			ports.F("batch_id", batch.ID),
			ports.F("uplink", p.uplink.Name()),
			ports.F("samples", len(samples)))
		return 0, false

	default:
		p.buf.Requeue(samples)
		delay := p.retry.NextBackOff()
		if delay == backoff.Stop || delay > p.pol.BackoffMax {
			delay = p.pol.BackoffMax
		}
		p.obs.IncCounter(ports.MetricDeliveryRetries, 1)
		p.obs.LogWarn("delivery_failed",
			ports.F("batch_id", batch.ID),
			ports.F("uplink", p.uplink.Name()),
			ports.F("samples", len(samples)),
			ports.F("retry_in", delay.String()),
			ports.F("error", err.Error()))
		return delay, true
	}
}

func (p *Publisher) idle(ctx context.Context) {
	timer := time.NewTimer(p.pol.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-p.buf.Ready():
	case <-timer.C:
	}
}

func (p *Publisher) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
