package ports

import (
	"context"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

// NotificationFunc receives the raw bytes of one notification. Implementations
// may reuse the slice after the call returns.
type NotificationFunc func(raw []byte)

// Link is an open association with one peripheral.
type Link interface {
	Peripheral() domain.PeripheralID
	ConnectedAt() time.Time
	// Lost is closed when the link drops without Disconnect being called.
	Lost() <-chan struct{}
}

// Transport is the wireless stack as seen by the gateway.
type Transport interface {
	Scan(ctx context.Context) ([]domain.PeripheralID, error)
	Connect(ctx context.Context, id domain.PeripheralID) (Link, error)
	Subscribe(ctx context.Context, link Link, fn NotificationFunc) error
	Disconnect(link Link) error
}
