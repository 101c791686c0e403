package ports

import "github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"

// SampleBuffer decouples intake from delivery.
type SampleBuffer interface {
	// Push never blocks; it evicts when the peripheral's queue is full.
	Push(s domain.Sample)
	// Requeue puts undelivered samples back at the front of their queues.
	Requeue(samples []domain.Sample)
	Drain(max int) []domain.Sample
	Len() int
	// Ready is signalled after a push so an idle drainer can wake up.
	Ready() <-chan struct{}
}

// BufferStats is a point-in-time view of the per-peripheral queues.
type BufferStats struct {
	Length    int                            `json:"length"`
	Queues    map[domain.PeripheralID]int    `json:"queues"`
	Evictions map[domain.PeripheralID]uint64 `json:"evictions"`
}
