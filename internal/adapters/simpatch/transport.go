// Package simpatch is an in-process stand-in for the patch radio stack. It
// backs the "sim" transport and lets tests script connects, drops and frames.
package simpatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

var (
	ErrUnknownPeripheral = errors.New("simpatch: unknown peripheral")
	ErrBusy              = errors.New("simpatch: peripheral already connected")
	ErrNotConnected      = errors.New("simpatch: link is not current")
	ErrInjected          = errors.New("simpatch: injected failure")
)

type Transport struct {
	codec *codec.Codec

	mu      sync.Mutex
	devices map[domain.PeripheralID]*Device
	order   []domain.PeripheralID
	scanErr error
}

func New(c *codec.Codec) *Transport {
	return &Transport{
		codec:   c,
		devices: make(map[domain.PeripheralID]*Device),
	}
}

// Add registers a visible device. Adding an existing id returns the original.
func (t *Transport) Add(id domain.PeripheralID) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.devices[id]; ok {
		return d
	}
	d := &Device{id: id, codec: t.codec, visible: true, kind: domain.KindIMU}
	t.devices[id] = d
	t.order = append(t.order, id)
	return d
}

func (t *Transport) Device(id domain.PeripheralID) *Device {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices[id]
}

// FailScan makes every later Scan return err until called with nil.
func (t *Transport) FailScan(err error) {
	t.mu.Lock()
	t.scanErr = err
	t.mu.Unlock()
}

func (t *Transport) Scan(ctx context.Context) ([]domain.PeripheralID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.scanErr != nil {
		return nil, t.scanErr
	}
	out := make([]domain.PeripheralID, 0, len(t.order))
	for _, id := range t.order {
		if t.devices[id].isVisible() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *Transport) Connect(ctx context.Context, id domain.PeripheralID) (ports.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := t.Device(id)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}
	return d.connect()
}

func (t *Transport) Subscribe(ctx context.Context, link ports.Link, fn ports.NotificationFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, ok := link.(*simLink)
	if !ok {
		return fmt.Errorf("simpatch: foreign link %T", link)
	}
	return l.dev.subscribe(l, fn)
}

func (t *Transport) Disconnect(link ports.Link) error {
	l, ok := link.(*simLink)
	if !ok {
		return fmt.Errorf("simpatch: foreign link %T", link)
	}
	l.dev.disconnect(l)
	return nil
}

// Generate emits one frame per interval from every subscribed device until
// ctx is done. Kinds rotate through the given list.
func (t *Transport) Generate(ctx context.Context, interval time.Duration, kinds []domain.FrameKind) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if len(kinds) == 0 {
		kinds = []domain.FrameKind{domain.KindIMU}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		kind := kinds[tick%len(kinds)]
		tick++

		t.mu.Lock()
		devices := make([]*Device, 0, len(t.order))
		for _, id := range t.order {
			devices = append(devices, t.devices[id])
		}
		t.mu.Unlock()

		for _, d := range devices {
			if d.Subscribed() {
				_, _ = d.EmitNext(kind)
			}
		}
	}
}

type simLink struct {
	dev      *Device
	at       time.Time
	lost     chan struct{}
	lostOnce sync.Once
}

func (l *simLink) Peripheral() domain.PeripheralID { return l.dev.id }
func (l *simLink) ConnectedAt() time.Time          { return l.at }
func (l *simLink) Lost() <-chan struct{}           { return l.lost }

func (l *simLink) sever() {
	l.lostOnce.Do(func() { close(l.lost) })
}

// Device is one simulated patch.
type Device struct {
	id    domain.PeripheralID
	codec *codec.Codec

	mu             sync.Mutex
	visible        bool
	link           *simLink
	handler        ports.NotificationFunc
	failConnects   int
	failSubscribes int
	connects       int
	seq            uint32
	kind           domain.FrameKind
}

func (d *Device) ID() domain.PeripheralID { return d.id }

func (d *Device) isVisible() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.visible
}

func (d *Device) SetVisible(v bool) {
	d.mu.Lock()
	d.visible = v
	d.mu.Unlock()
}

// FailConnects makes the next n connect attempts fail.
func (d *Device) FailConnects(n int) {
	d.mu.Lock()
	d.failConnects = n
	d.mu.Unlock()
}

// FailSubscribes makes the next n subscribe attempts fail.
func (d *Device) FailSubscribes(n int) {
	d.mu.Lock()
	d.failSubscribes = n
	d.mu.Unlock()
}

func (d *Device) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil
}

func (d *Device) Subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.link != nil && d.handler != nil
}

// Notify hands raw bytes to the subscriber, if any.
func (d *Device) Notify(raw []byte) bool {
	d.mu.Lock()
	fn := d.handler
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(raw)
	return true
}

// Emit encodes a frame with the given sequence number and notifies it.
func (d *Device) Emit(seq uint32, kind domain.FrameKind) (bool, error) {
	raw, err := d.Frame(seq, kind)
	if err != nil {
		return false, err
	}
	return d.Notify(raw), nil
}

// EmitNext emits the device's next sequence number.
func (d *Device) EmitNext(kind domain.FrameKind) (bool, error) {
	d.mu.Lock()
	d.seq++
	seq := d.seq
	d.mu.Unlock()
	return d.Emit(seq, kind)
}

// Frame builds a valid frame whose payload is derived from seq.
func (d *Device) Frame(seq uint32, kind domain.FrameKind) ([]byte, error) {
	payload := make([]byte, d.codec.PayloadSize())
	for i := range payload {
		payload[i] = byte(int(seq) + i)
	}
	return d.codec.Encode(domain.Sample{
		Seq:       seq,
		Timestamp: time.Now(),
		Kind:      kind,
		Payload:   payload,
	})
}

// Drop severs the current link as if the patch walked out of range.
func (d *Device) Drop() {
	d.mu.Lock()
	l := d.link
	d.link = nil
	d.handler = nil
	d.mu.Unlock()
	if l != nil {
		l.sever()
	}
}

func (d *Device) connect() (*simLink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failConnects > 0 {
		d.failConnects--
		return nil, ErrInjected
	}
	if d.link != nil {
		return nil, ErrBusy
	}
	d.connects++
	d.link = &simLink{dev: d, at: time.Now(), lost: make(chan struct{})}
	return d.link, nil
}

func (d *Device) subscribe(l *simLink, fn ports.NotificationFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.link != l {
		return ErrNotConnected
	}
	if d.failSubscribes > 0 {
		d.failSubscribes--
		return ErrInjected
	}
	d.handler = fn
	return nil
}

func (d *Device) disconnect(l *simLink) {
	d.mu.Lock()
	if d.link == l {
		d.link = nil
		d.handler = nil
	}
	d.mu.Unlock()
}

var _ ports.Transport = (*Transport)(nil)
