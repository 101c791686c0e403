package ports

import "github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"

type RecordID uint64

// FrameRecorder keeps an append-only copy of every raw notification.
type FrameRecorder interface {
	Record(id domain.PeripheralID, raw []byte) (RecordID, error)
	Iterate(from RecordID, fn func(id RecordID, peripheral domain.PeripheralID, raw []byte) error) error
	Stats() RecorderStats
	Close() error
}

type RecorderStats struct {
	Latest    RecordID
	SizeBytes int64
}
