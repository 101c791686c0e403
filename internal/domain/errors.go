package domain

import (
	"errors"
	"fmt"
)

// FrameErrorKind separates frames that are damaged from frames that are
// well formed but speak a version or channel the gateway does not know.
type FrameErrorKind int

const (
	FrameMalformed FrameErrorKind = iota + 1
	FrameUnsupported
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameMalformed:
		return "malformed"
	case FrameUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// FrameError is returned by the frame codec. It is always recoverable.
type FrameError struct {
	Kind   FrameErrorKind
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %s: %s", e.Kind, e.Reason)
}

// ConnectError wraps a transport failure while associating with a peripheral.
// It never leaves the session that produced it.
type ConnectError struct {
	Peripheral PeripheralID
	Op         string
	Err        error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Peripheral, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DeliveryErrorKind tells the publisher whether a failed batch may be retried.
type DeliveryErrorKind int

const (
	DeliveryTransient DeliveryErrorKind = iota + 1
	DeliveryRejected
)

func (k DeliveryErrorKind) String() string {
	switch k {
	case DeliveryTransient:
		return "transient"
	case DeliveryRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// DeliveryError is returned by uplinks when a batch was not acknowledged.
type DeliveryError struct {
	Kind   DeliveryErrorKind
	Uplink string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: delivery %s: %v", e.Uplink, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(uplink string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: DeliveryTransient, Uplink: uplink, Err: err}
}

// Rejected marks err as a permanent refusal of the batch.
func Rejected(uplink string, err error) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Kind: DeliveryRejected, Uplink: uplink, Err: err}
}

// IsRejected reports whether err carries a Rejected classification.
func IsRejected(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == DeliveryRejected
}

// IsTransient reports whether a failed delivery should be retried. Errors
// without a classification are treated as transient.
func IsTransient(err error) bool {
	return err != nil && !IsRejected(err)
}
