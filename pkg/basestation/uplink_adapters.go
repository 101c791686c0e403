package basestation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

// ErrChannelUplinkClosed is returned when a channel uplink is written to after being closed.
var ErrChannelUplinkClosed = errors.New("basestation: channel uplink closed")

// SampleBatchHandler is invoked with each batch the publisher drains. A nil
// return acknowledges the batch. Wrap an error with Rejected to drop the
// batch; any other error is retried.
type SampleBatchHandler func(ctx context.Context, batch []Sample) error

// NewCallbackUplink adapts a SampleBatchHandler into an Uplink so hosts can
// plug in a function without defining a type.
func NewCallbackUplink(name string, fn SampleBatchHandler) Uplink {
	if name == "" {
		name = "callback"
	}
	return &callbackUplink{name: name, fn: fn}
}

// NewChannelUplink exposes batches on a channel. A batch counts as delivered
// once it has been received; the caller closes the uplink during shutdown.
func NewChannelUplink(name string, buffer int) (Uplink, <-chan []Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []Sample, buffer)
	u := &channelUplink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return u, ch, u.close
}

type callbackUplink struct {
	name string
	fn   SampleBatchHandler
}

func (u *callbackUplink) Deliver(ctx context.Context, batch domain.Batch) error {
	if u.fn == nil {
		return domain.Rejected(u.name, fmt.Errorf("nil handler"))
	}
	if batch.Len() == 0 {
		return nil
	}
	err := u.fn(ctx, convertBatch(batch))
	if err == nil {
		return nil
	}
	var de *domain.DeliveryError
	if errors.As(err, &de) {
		return err
	}
	return domain.Transient(u.name, err)
}

func (u *callbackUplink) Name() string { return u.name }
func (u *callbackUplink) Close() error { return nil }

type channelUplink struct {
	name   string
	ch     chan []Sample
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
}

func (u *channelUplink) Deliver(ctx context.Context, batch domain.Batch) error {
	u.mu.RLock()
	defer u.mu.RUnlock()

	select {
	case <-u.closed:
		return domain.Transient(u.name, ErrChannelUplinkClosed)
	default:
	}
	if batch.Len() == 0 {
		return nil
	}

	select {
	case <-u.closed:
		return domain.Transient(u.name, ErrChannelUplinkClosed)
	case <-ctx.Done():
		return domain.Transient(u.name, ctx.Err())
	case u.ch <- convertBatch(batch):
		return nil
	}
}

func (u *channelUplink) Name() string { return u.name }

// Close is a no-op; the channel is owned by the caller's close function.
func (u *channelUplink) Close() error { return nil }

func (u *channelUplink) close() {
	u.once.Do(func() {
		close(u.closed)
		u.mu.Lock()
		close(u.ch)
		u.mu.Unlock()
	})
}
