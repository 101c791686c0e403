package uplink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type NATSConfig struct {
	URL         string        `yaml:"url"`
	Subject     string        `yaml:"subject"`
	Stream      string        `yaml:"stream"`
	Credentials string        `yaml:"credentials"`
	Timeout     time.Duration `yaml:"timeout"`
	// DedupWindow is how long the stream remembers batch ids.
	DedupWindow time.Duration `yaml:"dedup_window"`
}

func (c *NATSConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Subject == "" {
		c.Subject = "basestation.samples"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.DedupWindow == 0 {
		c.DedupWindow = 2 * time.Minute
	}
}

// streamPublisher is the part of jetstream.JetStream the uplink needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes msgpack envelopes to a JetStream subject. The batch id is
// the message id, so a redelivered batch is dropped by the stream's
// duplicate window.
type NATS struct {
	cfg     NATSConfig
	gateway string
	conn    *nats.Conn
	js      streamPublisher
}

func NewNATS(ctx context.Context, gateway string, cfg NATSConfig, obs ports.Observability) (*NATS, error) {
	cfg.ApplyDefaults()

	opts := []nats.Option{
		nats.Name(gateway),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				obs.LogWarn("uplink_connection_lost", ports.F("uplink", "nats"), ports.F("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			obs.LogInfo("uplink_connected", ports.F("uplink", "nats"), ports.F("url", c.ConnectedUrl()))
		}),
	}
	if cfg.Credentials != "" {
		opts = append(opts, nats.UserCredentials(cfg.Credentials))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats uplink: connect %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("nats uplink: jetstream: %w", err)
	}
	if cfg.Stream != "" {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       cfg.Stream,
			Subjects:   []string{cfg.Subject},
			Duplicates: cfg.DedupWindow,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("nats uplink: stream %s: %w", cfg.Stream, err)
		}
	}
	return &NATS{cfg: cfg, gateway: gateway, conn: conn, js: js}, nil
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Deliver(ctx context.Context, batch domain.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	data, err := msgpack.Marshal(NewEnvelope(n.gateway, batch))
	if err != nil {
		return domain.Rejected(n.Name(), fmt.Errorf("encode batch %s: %w", batch.ID, err))
	}
	if _, err := n.js.Publish(ctx, n.cfg.Subject, data, jetstream.WithMsgID(batch.ID)); err != nil {
		return classifyNATS(n.Name(), fmt.Errorf("publish batch %s: %w", batch.ID, err))
	}
	return nil
}

func (n *NATS) Close() error {
	if n.conn == nil {
		return nil
	}
	return n.conn.Drain()
}

// classifyNATS rejects batches the server can never accept.
func classifyNATS(uplink string, err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload), errors.Is(err, nats.ErrBadSubject):
		return domain.Rejected(uplink, err)
	default:
		return domain.Transient(uplink, err)
	}
}

var _ ports.Uplink = (*NATS)(nil)
