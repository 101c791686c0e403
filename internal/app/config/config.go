package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/uplink"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

const (
	TransportSim      = "sim"
	TransportExternal = "external"

	UplinkMQTT      = "mqtt"
	UplinkNATS      = "nats"
	UplinkWebSocket = "websocket"
	UplinkTimescale = "timescale"
	UplinkLocal     = "local"
	UplinkExternal  = "external"
)

type Config struct {
	Gateway     GatewayConfig       `yaml:"gateway"`
	Peripherals []domain.Peripheral `yaml:"peripherals"`
	Policy      ports.Policy        `yaml:"policy"`
	Frame       FrameConfig         `yaml:"frame"`
	Transport   TransportConfig     `yaml:"transport"`
	Uplink      UplinkConfig        `yaml:"uplink"`
	Recorder    RecorderConfig      `yaml:"recorder"`
	Admin       AdminConfig         `yaml:"admin"`
}

type GatewayConfig struct {
	Name string `yaml:"name"`
}

type FrameConfig struct {
	PayloadSize int `yaml:"payload_size"`
}

type TransportConfig struct {
	// Kind is "sim" or "external"; an external transport is injected by the host.
	Kind string    `yaml:"kind"`
	Sim  SimConfig `yaml:"sim"`
}

type SimConfig struct {
	Interval time.Duration `yaml:"interval"`
	Kinds    []string      `yaml:"kinds"`
}

type UplinkConfig struct {
	Kind      string                  `yaml:"kind"`
	MQTT      uplink.MQTTConfig       `yaml:"mqtt"`
	NATS      uplink.NATSConfig       `yaml:"nats"`
	WebSocket uplink.WebSocketConfig  `yaml:"websocket"`
	Timescale uplink.TimescaleConfig  `yaml:"timescale"`
	Local     uplink.LocalStoreConfig `yaml:"local"`
}

type RecorderConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type AdminConfig struct {
	// Addr is the listen address of the admin API; empty disables it.
	Addr string `yaml:"addr"`
}

// Load reads YAML from path, then applies defaults, environment overrides
// and validation.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadEnv loads credentials from .env files into the process environment.
// Variables that are already set win. Without arguments an optional ./.env is
// read.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	return godotenv.Load(files...)
}

func (c *Config) ApplyDefaults() {
	if c.Gateway.Name == "" {
		c.Gateway.Name = "basestation"
	}
	c.Policy.ApplyDefaults()
	if c.Frame.PayloadSize == 0 {
		c.Frame.PayloadSize = codec.DefaultPayloadSize
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportSim
	}
	if c.Transport.Sim.Interval == 0 {
		c.Transport.Sim.Interval = 100 * time.Millisecond
	}
	if c.Uplink.Kind == "" {
		c.Uplink.Kind = UplinkMQTT
	}
	switch c.Uplink.Kind {
	case UplinkMQTT:
		c.Uplink.MQTT.ApplyDefaults()
	case UplinkNATS:
		c.Uplink.NATS.ApplyDefaults()
	case UplinkWebSocket:
		c.Uplink.WebSocket.ApplyDefaults()
	case UplinkTimescale:
		c.Uplink.Timescale.ApplyDefaults()
	}
	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		c.Recorder.Dir = "./data/recordings"
	}
}

// applyEnv lets credentials and endpoints come from the environment instead
// of the config file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&c.Gateway.Name, "BASESTATION_GATEWAY_NAME")
	set(&c.Admin.Addr, "BASESTATION_ADMIN_ADDR")
	set(&c.Uplink.MQTT.Broker, "BASESTATION_MQTT_BROKER")
	set(&c.Uplink.MQTT.Token, "BASESTATION_MQTT_TOKEN")
	set(&c.Uplink.MQTT.Password, "BASESTATION_MQTT_PASSWORD")
	set(&c.Uplink.NATS.URL, "BASESTATION_NATS_URL")
	set(&c.Uplink.NATS.Credentials, "BASESTATION_NATS_CREDS")
	set(&c.Uplink.WebSocket.URL, "BASESTATION_WS_URL")
	set(&c.Uplink.WebSocket.Token, "BASESTATION_WS_TOKEN")
	set(&c.Uplink.Timescale.ConnString, "BASESTATION_TIMESCALE_DSN")
}

func (c *Config) Validate() error {
	if len(c.Peripherals) == 0 {
		return fmt.Errorf("at least one peripheral is required")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if len(c.Peripherals) > c.Policy.MaxPeripherals {
		return fmt.Errorf("%d peripherals configured, maximum is %d", len(c.Peripherals), c.Policy.MaxPeripherals)
	}
	seen := make(map[domain.PeripheralID]struct{}, len(c.Peripherals))
	for i, p := range c.Peripherals {
		if p.ID == "" {
			return fmt.Errorf("peripherals[%d]: address is required", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("peripherals[%d]: duplicate address %s", i, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	if _, err := codec.New(c.Frame.PayloadSize); err != nil {
		return fmt.Errorf("frame: %w", err)
	}

	switch c.Transport.Kind {
	case TransportSim:
		if _, err := c.Transport.Sim.FrameKinds(); err != nil {
			return fmt.Errorf("transport.sim: %w", err)
		}
	case TransportExternal:
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	if err := c.Uplink.validate(); err != nil {
		return fmt.Errorf("uplink.%s: %w", c.Uplink.Kind, err)
	}

	if c.Recorder.Enabled && c.Recorder.Dir == "" {
		return fmt.Errorf("recorder.dir is required when the recorder is enabled")
	}
	return nil
}

func (u UplinkConfig) validate() error {
	switch u.Kind {
	case UplinkMQTT:
		return u.MQTT.Validate()
	case UplinkNATS:
		if u.NATS.URL == "" || u.NATS.Subject == "" {
			return fmt.Errorf("url and subject are required")
		}
	case UplinkWebSocket:
		if u.WebSocket.URL == "" {
			return fmt.Errorf("url is required")
		}
	case UplinkTimescale:
		return u.Timescale.Validate()
	case UplinkLocal:
		if u.Local.Dir == "" && !u.Local.InMemory {
			return fmt.Errorf("dir is required")
		}
	case UplinkExternal:
	default:
		return fmt.Errorf("unknown uplink kind")
	}
	return nil
}

// FrameKinds parses the configured kinds; an empty list means imu only.
func (s SimConfig) FrameKinds() ([]domain.FrameKind, error) {
	if len(s.Kinds) == 0 {
		return []domain.FrameKind{domain.KindIMU}, nil
	}
	out := make([]domain.FrameKind, 0, len(s.Kinds))
	for _, name := range s.Kinds {
		k, ok := domain.ParseFrameKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown frame kind %q", name)
		}
		out = append(out, k)
	}
	return out, nil
}
