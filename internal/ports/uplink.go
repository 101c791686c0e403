package ports

import (
	"context"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

// Uplink delivers batches to the remote server. A nil error is an Ack; any
// other error should be a *domain.DeliveryError.
type Uplink interface {
	Deliver(ctx context.Context, batch domain.Batch) error
	Name() string
	Close() error
}
