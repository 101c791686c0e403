package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type WebSocketConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

func (c *WebSocketConfig) ApplyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 10 * time.Second
	}
}

// Ack is the server's reply to one envelope.
type Ack struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"` // "ok" or "rejected"
	Reason  string `json:"reason,omitempty"`
}

const (
	AckOK       = "ok"
	AckRejected = "rejected"
)

// WebSocket sends JSON envelopes over a single connection and waits for the
// matching Ack before returning. The connection is redialled lazily after any
// I/O failure.
type WebSocket struct {
	cfg     WebSocketConfig
	gateway string
	obs     ports.Observability
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebSocket(gateway string, cfg WebSocketConfig, obs ports.Observability) (*WebSocket, error) {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return nil, fmt.Errorf("websocket uplink: url is required")
	}
	return &WebSocket{
		cfg:     cfg,
		gateway: gateway,
		obs:     obs,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

func (w *WebSocket) Name() string { return "websocket" }

func (w *WebSocket) Deliver(ctx context.Context, batch domain.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	data, err := json.Marshal(NewEnvelope(w.gateway, batch))
	if err != nil {
		return domain.Rejected(w.Name(), fmt.Errorf("encode batch %s: %w", batch.ID, err))
	}

	// One batch in flight per connection.
	w.mu.Lock()
	defer w.mu.Unlock()

	conn, err := w.connLocked(ctx)
	if err != nil {
		return domain.Transient(w.Name(), err)
	}

	deadline := time.Now().Add(w.cfg.AckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		w.dropLocked(err)
		return domain.Transient(w.Name(), fmt.Errorf("set write deadline for batch %s: %w", batch.ID, err))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.dropLocked(err)
		return domain.Transient(w.Name(), fmt.Errorf("write batch %s: %w", batch.ID, err))
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		w.dropLocked(err)
		return domain.Transient(w.Name(), fmt.Errorf("set read deadline for batch %s: %w", batch.ID, err))
	}
	for {
		var ack Ack
		if err := conn.ReadJSON(&ack); err != nil {
			w.dropLocked(err)
			return domain.Transient(w.Name(), fmt.Errorf("await ack %s: %w", batch.ID, err))
		}
		if ack.BatchID != batch.ID {
			// late ack for an earlier attempt
			continue
		}
		switch ack.Status {
		case AckOK:
			return nil
		case AckRejected:
			return domain.Rejected(w.Name(), fmt.Errorf("batch %s: %s", batch.ID, ack.Reason))
		default:
			return domain.Transient(w.Name(), fmt.Errorf("batch %s: unexpected ack status %q", batch.ID, ack.Status))
		}
	}
}

func (w *WebSocket) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := w.conn.Close()
	w.conn = nil
	return err
}

func (w *WebSocket) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if w.conn != nil {
		return w.conn, nil
	}
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	w.conn = conn
	w.obs.LogInfo("uplink_connected", ports.F("uplink", w.Name()), ports.F("url", w.cfg.URL))
	return conn, nil
}

func (w *WebSocket) dropLocked(cause error) {
	if w.conn == nil {
		return
	}
	_ = w.conn.Close()
	w.conn = nil
	if !errors.Is(cause, context.Canceled) {
		w.obs.LogWarn("uplink_connection_lost", ports.F("uplink", w.Name()), ports.F("error", cause.Error()))
	}
}

var _ ports.Uplink = (*WebSocket)(nil)
