package basestation

import (
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/session"
)

// Sample is the caller-facing copy of a decoded notification. It owns its
// payload, so handlers may keep it after returning.
type Sample struct {
	Peripheral string
	Name       string
	Seq        uint32
	Timestamp  time.Time
	Kind       string
	Payload    []byte
}

func sampleFromDomain(s domain.Sample) Sample {
	return Sample{
		Peripheral: string(s.Peripheral.ID),
		Name:       s.Peripheral.DisplayName(),
		Seq:        s.Seq,
		Timestamp:  s.Timestamp,
		Kind:       s.Kind.String(),
		Payload:    append([]byte(nil), s.Payload...),
	}
}

func convertBatch(b domain.Batch) []Sample {
	if len(b.Samples) == 0 {
		return nil
	}
	out := make([]Sample, len(b.Samples))
	for i, s := range b.Samples {
		out[i] = sampleFromDomain(s)
	}
	return out
}

// Frame kinds a patch notifies on.
const (
	KindIMU         = domain.KindIMU
	KindPPG         = domain.KindPPG
	KindAudio       = domain.KindAudio
	KindVoltage     = domain.KindVoltage
	KindCurrent     = domain.KindCurrent
	KindTemperature = domain.KindTemperature
)

type (
	// Peripheral is one configured patch.
	Peripheral = domain.Peripheral
	// PeripheralID is the patch's radio address.
	PeripheralID = domain.PeripheralID
	// FrameKind is the sensor type carried by a frame.
	FrameKind = domain.FrameKind
	// Batch is the unit handed to an Uplink.
	Batch = domain.Batch
	// DeliveryError classifies an uplink failure as transient or rejected.
	DeliveryError = domain.DeliveryError

	// Transport is the wireless stack; inject one with WithTransport.
	Transport = ports.Transport
	// Link is an open association returned by a Transport.
	Link = ports.Link
	// NotificationFunc receives raw notification bytes from a Transport.
	NotificationFunc = ports.NotificationFunc
	// Uplink delivers batches to the remote server.
	Uplink = ports.Uplink
	// SampleBuffer sits between the sessions and the publisher.
	SampleBuffer = ports.SampleBuffer
	// BufferStats is the per-peripheral view of the buffer.
	BufferStats = ports.BufferStats
	// FrameRecorder keeps raw notifications on disk.
	FrameRecorder = ports.FrameRecorder
	// Observability receives logs and metrics.
	Observability = ports.Observability
	// Field is a structured log field.
	Field = ports.Field

	// SessionInfo is a snapshot of one peripheral session.
	SessionInfo = session.Info
	// SessionState is the lifecycle state of a session.
	SessionState = session.State
)

// Transient marks err as retryable for the named uplink.
func Transient(uplink string, err error) error { return domain.Transient(uplink, err) }

// Rejected marks err as permanent: the batch is dropped and not retried.
func Rejected(uplink string, err error) error { return domain.Rejected(uplink, err) }
