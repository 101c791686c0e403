package codec

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

func newTestCodec(t *testing.T, payload int, opts ...Option) *Codec {
	t.Helper()
	c, err := New(payload, opts...)
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t, 8)

	kinds := []domain.FrameKind{domain.KindIMU, domain.KindPPG, domain.KindAudio, domain.KindVoltage, domain.KindCurrent, domain.KindTemperature}
	for i, kind := range kinds {
		in := domain.Sample{
			Seq:       uint32(1000 + i),
			Timestamp: time.UnixMilli(1_700_000_000_123 + int64(i)).UTC(),
			Kind:      kind,
			Payload:   []byte{1, 2, 3, 4, 5, 6, 7, byte(i)},
		}
		raw, err := c.Encode(in)
		require.NoError(t, err)
		require.Len(t, raw, c.FrameSize())

		out, err := c.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, in, out, "kind %s", kind)
	}
}

func TestDecodeStampsMissingTimestamp(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCodec(t, 4, WithClock(func() time.Time { return fixed }))

	raw, err := c.Encode(domain.Sample{Seq: 9, Kind: domain.KindPPG, Payload: []byte{9, 9, 9, 9}})
	require.NoError(t, err)

	s, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, fixed, s.Timestamp)
	assert.Equal(t, uint32(9), s.Seq)
}

func TestDecodeMalformed(t *testing.T) {
	c := newTestCodec(t, 4)
	good, err := c.Encode(domain.Sample{Seq: 1, Kind: domain.KindIMU, Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"short":     good[:len(good)-1],
		"long":      append(append([]byte(nil), good...), 0),
		"marker":    mutate(good, 0, 0x00),
		"checksum":  mutate(good, len(good)-1, good[len(good)-1]^0xFF),
		"payload":   mutate(good, HeaderLen, good[HeaderLen]^0x01),
		"seq field": mutate(good, 4, good[4]+1),
	}
	for name, raw := range cases {
		_, err := c.Decode(raw)
		assert.True(t, IsMalformed(err), "%s: expected malformed, got %v", name, err)
	}
}

func TestDecodeUnsupported(t *testing.T) {
	c := newTestCodec(t, 4)
	good, err := c.Encode(domain.Sample{Seq: 1, Kind: domain.KindIMU, Payload: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	badVersion := resign(mutate(good, 1, 0x02))
	_, err = c.Decode(badVersion)
	assert.True(t, IsUnsupported(err), "version: %v", err)

	badKind := resign(mutate(good, 2, 0x7F))
	_, err = c.Decode(badKind)
	assert.True(t, IsUnsupported(err), "kind: %v", err)
	assert.False(t, IsMalformed(err))
}

func TestDecodeIsTotal(t *testing.T) {
	c := newTestCodec(t, DefaultPayloadSize)
	rng := rand.New(rand.NewSource(42))
	buf := make([]byte, c.FrameSize())

	for i := 0; i < 5000; i++ {
		rng.Read(buf)
		if i%3 == 0 {
			buf[0] = Marker
		}
		_, err := c.Decode(buf)
		if err == nil {
			continue
		}
		if !IsMalformed(err) && !IsUnsupported(err) {
			t.Fatalf("iteration %d: untyped error %v", i, err)
		}
	}
}

func TestEncodeRejectsWrongPayload(t *testing.T) {
	c := newTestCodec(t, 4)
	_, err := c.Encode(domain.Sample{Kind: domain.KindIMU, Payload: []byte{1}})
	require.Error(t, err)

	_, err = c.Encode(domain.Sample{Kind: 0, Payload: []byte{1, 2, 3, 4}})
	require.Error(t, err)
}

func TestNewRejectsNonPositivePayload(t *testing.T) {
	_, err := New(0)
	require.Error(t, err)
}

func FuzzDecode(f *testing.F) {
	c, err := New(8)
	if err != nil {
		f.Fatal(err)
	}
	seed, _ := c.Encode(domain.Sample{Seq: 3, Kind: domain.KindAudio, Timestamp: time.UnixMilli(1), Payload: bytes.Repeat([]byte{7}, 8)})
	f.Add(seed)
	f.Add(make([]byte, c.FrameSize()))

	f.Fuzz(func(t *testing.T, raw []byte) {
		s, err := c.Decode(raw)
		if err != nil {
			if !IsMalformed(err) && !IsUnsupported(err) {
				t.Fatalf("untyped error %v", err)
			}
			return
		}
		again, err := c.Encode(s)
		if err != nil {
			t.Fatalf("re-encode: %v", err)
		}
		if s.Timestamp.IsZero() {
			return
		}
		back, err := c.Decode(again)
		if err != nil || back.Seq != s.Seq || !bytes.Equal(back.Payload, s.Payload) {
			t.Fatalf("round trip mismatch: %v", err)
		}
	})
}

func mutate(raw []byte, idx int, v byte) []byte {
	out := append([]byte(nil), raw...)
	out[idx] = v
	return out
}

func resign(raw []byte) []byte {
	body := len(raw) - TrailerLen
	binary.LittleEndian.PutUint32(raw[body:], crc32.ChecksumIEEE(raw[:body]))
	return raw
}
