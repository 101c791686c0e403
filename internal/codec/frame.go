// Package codec converts between raw patch notifications and samples.
//
// A frame is fixed size and little-endian:
//
//	[0]        marker 0xA5
//	[1]        version
//	[2]        kind (notification channel)
//	[3]        flags, bit 0 set when the timestamp field is valid
//	[4:8]      sequence number
//	[8:16]     unix milliseconds
//	[16:16+P]  payload, P bytes, not interpreted
//	[16+P:]    CRC-32 (IEEE) of every preceding byte
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

const (
	Marker  byte = 0xA5
	Version byte = 0x01

	HeaderLen   = 16
	TrailerLen  = 4
	flagHasTime = 0x01

	// DefaultPayloadSize makes a 244 byte frame, one full ATT notification.
	DefaultPayloadSize = 224
)

// Codec is stateless apart from its configuration and safe for concurrent use.
type Codec struct {
	payloadSize int
	now         func() time.Time
}

type Option func(*Codec)

// WithClock replaces the clock used to stamp frames that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

func New(payloadSize int, opts ...Option) (*Codec, error) {
	if payloadSize <= 0 {
		return nil, fmt.Errorf("codec: payload size must be positive, got %d", payloadSize)
	}
	c := &Codec{payloadSize: payloadSize, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// FrameSize is the exact length every frame must have.
func (c *Codec) FrameSize() int { return HeaderLen + c.payloadSize + TrailerLen }

func (c *Codec) PayloadSize() int { return c.payloadSize }

// Decode parses one frame. The returned sample has no peripheral set; the
// session that received the frame owns that.
func (c *Codec) Decode(raw []byte) (domain.Sample, error) {
	if len(raw) != c.FrameSize() {
		return domain.Sample{}, malformed("length %d, want %d", len(raw), c.FrameSize())
	}
	if raw[0] != Marker {
		return domain.Sample{}, malformed("marker 0x%02x", raw[0])
	}
	body := len(raw) - TrailerLen
	want := binary.LittleEndian.Uint32(raw[body:])
	if got := crc32.ChecksumIEEE(raw[:body]); got != want {
		return domain.Sample{}, malformed("checksum 0x%08x, want 0x%08x", got, want)
	}
	if raw[1] != Version {
		return domain.Sample{}, unsupported("version %d", raw[1])
	}
	kind := domain.FrameKind(raw[2])
	if !kind.Known() {
		return domain.Sample{}, unsupported("kind %d", raw[2])
	}

	s := domain.Sample{
		Seq:     binary.LittleEndian.Uint32(raw[4:8]),
		Kind:    kind,
		Payload: append([]byte(nil), raw[HeaderLen:body]...),
	}
	if raw[3]&flagHasTime != 0 {
		s.Timestamp = time.UnixMilli(int64(binary.LittleEndian.Uint64(raw[8:16]))).UTC()
	} else {
		s.Timestamp = c.now().UTC()
	}
	return s, nil
}

// Encode builds the frame for s. A zero timestamp leaves the time flag unset
// so the receiver stamps the frame on arrival.
func (c *Codec) Encode(s domain.Sample) ([]byte, error) {
	if len(s.Payload) != c.payloadSize {
		return nil, fmt.Errorf("codec: payload is %d bytes, want %d", len(s.Payload), c.payloadSize)
	}
	if !s.Kind.Known() {
		return nil, fmt.Errorf("codec: unknown kind %d", s.Kind)
	}

	out := make([]byte, c.FrameSize())
	out[0] = Marker
	out[1] = Version
	out[2] = byte(s.Kind)
	binary.LittleEndian.PutUint32(out[4:8], s.Seq)
	if !s.Timestamp.IsZero() {
		out[3] |= flagHasTime
		binary.LittleEndian.PutUint64(out[8:16], uint64(s.Timestamp.UnixMilli()))
	}
	copy(out[HeaderLen:], s.Payload)
	body := len(out) - TrailerLen
	binary.LittleEndian.PutUint32(out[body:], crc32.ChecksumIEEE(out[:body]))
	return out, nil
}

// IsMalformed reports whether err is a malformed-frame error.
func IsMalformed(err error) bool {
	var fe *domain.FrameError
	return errors.As(err, &fe) && fe.Kind == domain.FrameMalformed
}

// IsUnsupported reports whether err is an unsupported-frame error.
func IsUnsupported(err error) bool {
	var fe *domain.FrameError
	return errors.As(err, &fe) && fe.Kind == domain.FrameUnsupported
}

func malformed(format string, args ...any) error {
	return &domain.FrameError{Kind: domain.FrameMalformed, Reason: fmt.Sprintf(format, args...)}
}

func unsupported(format string, args ...any) error {
	return &domain.FrameError{Kind: domain.FrameUnsupported, Reason: fmt.Sprintf(format, args...)}
}
