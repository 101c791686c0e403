package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

const DefaultThingsBoardTopic = "v1/gateway/telemetry"

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	// Token is the ThingsBoard gateway access token, sent as the username.
	Token    string `yaml:"token"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"`
	// QoS must be 1 or 2: the broker acknowledgement is the delivery ack.
	// Unset selects 1.
	QoS *byte `yaml:"qos"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxPayloadBytes int           `yaml:"max_payload_bytes"`
}

func (c *MQTTConfig) ApplyDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultThingsBoardTopic
	}
	if c.QoS == nil {
		qos := byte(1)
		c.QoS = &qos
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ClientID == "" {
		c.ClientID = "smartpatch-basestation"
	}
}

func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker is required")
	}
	if c.QoS != nil && (*c.QoS == 0 || *c.QoS > 2) {
		return fmt.Errorf("qos must be 1 or 2, qos 0 has no broker acknowledgement")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive")
	}
	return nil
}

var errNotConnected = errors.New("mqtt not connected")

// MQTT publishes batches through the ThingsBoard gateway API. The broker's
// PUBACK is the acknowledgement.
type MQTT struct {
	cfg    MQTTConfig
	obs    ports.Observability
	client mqtt.Client

	mu         sync.Mutex
	connecting mqtt.Token
}

func NewMQTT(cfg MQTTConfig, obs ports.Observability) (*MQTT, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt uplink: %w", err)
	}
	m := &MQTT{cfg: cfg, obs: obs}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Token != "" {
		opts.SetUsername(cfg.Token)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		obs.LogInfo("uplink_connected", ports.F("uplink", m.Name()), ports.F("broker", cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		obs.LogWarn("uplink_connection_lost", ports.F("uplink", m.Name()), ports.F("error", err.Error()))
	})

	m.client = mqtt.NewClient(opts)
	return m, nil
}

func newMQTTWithClient(cfg MQTTConfig, client mqtt.Client, obs ports.Observability) *MQTT {
	cfg.ApplyDefaults()
	return &MQTT{cfg: cfg, obs: obs, client: client}
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Deliver(ctx context.Context, batch domain.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	payload, err := thingsBoardPayload(batch)
	if err != nil {
		return domain.Rejected(m.Name(), fmt.Errorf("encode batch %s: %w", batch.ID, err))
	}
	if m.cfg.MaxPayloadBytes > 0 && len(payload) > m.cfg.MaxPayloadBytes {
		return domain.Rejected(m.Name(), fmt.Errorf("batch %s is %d bytes, limit %d", batch.ID, len(payload), m.cfg.MaxPayloadBytes))
	}

	if err := m.ensureConnected(ctx); err != nil {
		return domain.Transient(m.Name(), err)
	}

	tok := m.client.Publish(m.cfg.Topic, *m.cfg.QoS, false, payload)
	if err := waitToken(ctx, tok); err != nil {
		return domain.Transient(m.Name(), fmt.Errorf("publish batch %s: %w", batch.ID, err))
	}
	return nil
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}

func (m *MQTT) ensureConnected(ctx context.Context) error {
	if m.client.IsConnectionOpen() {
		return nil
	}

	m.mu.Lock()
	if m.connecting == nil {
		m.connecting = m.client.Connect()
	}
	tok := m.connecting
	m.mu.Unlock()

	if err := waitToken(ctx, tok); err != nil {
		if !errors.Is(err, ctx.Err()) {
			m.mu.Lock()
			m.connecting = nil
			m.mu.Unlock()
		}
		return fmt.Errorf("connect %s: %w", m.cfg.Broker, err)
	}
	if !m.client.IsConnectionOpen() {
		// the client is reconnecting on its own
		return errNotConnected
	}
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ ports.Uplink = (*MQTT)(nil)
