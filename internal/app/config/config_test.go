package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
peripherals:
  - address: "C0:FF:EE:00:00:01"
    name: "Patient 1"
  - address: "C0:FF:EE:00:00:02"
policy:
  buffer_capacity: 64
uplink:
  kind: mqtt
  mqtt:
    broker: tcp://thingsboard.local:1883
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Policy.BufferCapacity != 64 {
		t.Fatalf("expected buffer_capacity 64, got %d", cfg.Policy.BufferCapacity)
	}
	if cfg.Policy.BackoffBase != 500*time.Millisecond || cfg.Policy.BackoffMax != 30*time.Second {
		t.Fatalf("unexpected backoff defaults: %s/%s", cfg.Policy.BackoffBase, cfg.Policy.BackoffMax)
	}
	if cfg.Policy.MaxPeripherals != 10 {
		t.Fatalf("expected max_peripherals default 10, got %d", cfg.Policy.MaxPeripherals)
	}
	if cfg.Frame.PayloadSize != codec.DefaultPayloadSize {
		t.Fatalf("expected default payload size, got %d", cfg.Frame.PayloadSize)
	}
	if cfg.Transport.Kind != TransportSim {
		t.Fatalf("expected sim transport by default, got %s", cfg.Transport.Kind)
	}
	if cfg.Uplink.MQTT.Topic != "v1/gateway/telemetry" || *cfg.Uplink.MQTT.QoS != 1 {
		t.Fatalf("unexpected mqtt defaults: %+v", cfg.Uplink.MQTT)
	}
	if cfg.Peripherals[0].Name != "Patient 1" || cfg.Peripherals[1].DisplayName() != "C0:FF:EE:00:00:02" {
		t.Fatalf("unexpected peripherals: %+v", cfg.Peripherals)
	}
	if cfg.Admin.Addr != "" {
		t.Fatalf("admin must be disabled by default, got %q", cfg.Admin.Addr)
	}
}

func TestEnvOverridesCredentials(t *testing.T) {
	t.Setenv("BASESTATION_MQTT_TOKEN", "tb-access-token")
	t.Setenv("BASESTATION_MQTT_BROKER", "ssl://cloud:8883")

	cfg, err := Parse([]byte(`
peripherals: [{address: "AA"}]
uplink: {kind: mqtt, mqtt: {broker: "tcp://ignored:1883", token: "from-file"}}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Uplink.MQTT.Token != "tb-access-token" || cfg.Uplink.MQTT.Broker != "ssl://cloud:8883" {
		t.Fatalf("env overrides not applied: %+v", cfg.Uplink.MQTT)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.env")
	if err := os.WriteFile(path, []byte("BASESTATION_WS_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("BASESTATION_WS_TOKEN", "")
	os.Unsetenv("BASESTATION_WS_TOKEN")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("BASESTATION_WS_TOKEN"); got != "from-dotenv" {
		t.Fatalf("expected token from .env, got %q", got)
	}
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for a missing explicit env file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"no peripherals", `uplink: {kind: local, local: {in_memory: true}}`, "at least one peripheral"},
		{"duplicate", `peripherals: [{address: A}, {address: A}]
uplink: {kind: local, local: {in_memory: true}}`, "duplicate address"},
		{"too many", `peripherals: [{address: A}, {address: B}, {address: C}]
policy: {max_peripherals: 2}
uplink: {kind: local, local: {in_memory: true}}`, "maximum is 2"},
		{"backoff order", `peripherals: [{address: A}]
policy: {backoff_base: 10s, backoff_max: 1s}
uplink: {kind: local, local: {in_memory: true}}`, "backoff_base"},
		{"unknown uplink", `peripherals: [{address: A}]
uplink: {kind: carrier-pigeon}`, "unknown uplink kind"},
		{"mqtt without broker", `peripherals: [{address: A}]`, "broker is required"},
		{"unknown transport", `peripherals: [{address: A}]
transport: {kind: usb}
uplink: {kind: local, local: {in_memory: true}}`, "unknown transport kind"},
		{"unknown sim kind", `peripherals: [{address: A}]
transport: {kind: sim, sim: {kinds: [imu, ecg]}}
uplink: {kind: local, local: {in_memory: true}}`, "unknown frame kind"},
		{"negative delivery timeout", `peripherals: [{address: A}]
policy: {delivery_timeout: -1s}
uplink: {kind: local, local: {in_memory: true}}`, "delivery_timeout must be positive"},
		{"negative connect timeout", `peripherals: [{address: A}]
policy: {connect_timeout: -1s}
uplink: {kind: local, local: {in_memory: true}}`, "connect_timeout must be positive"},
		{"negative idle sleep", `peripherals: [{address: A}]
policy: {idle_sleep: -1ms}
uplink: {kind: local, local: {in_memory: true}}`, "idle_sleep must be positive"},
		{"mqtt qos 0", `peripherals: [{address: A}]
uplink: {kind: mqtt, mqtt: {broker: "tcp://x", qos: 0}}`, "qos must be 1 or 2"},
		{"mqtt negative connect timeout", `peripherals: [{address: A}]
uplink: {kind: mqtt, mqtt: {broker: "tcp://x", connect_timeout: -1s}}`, "connect_timeout must be positive"},
		{"timescale table", `peripherals: [{address: A}]
uplink: {kind: timescale, timescale: {conn_string: "postgres://x", table: "bad name"}}`, "invalid table name"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSimFrameKinds(t *testing.T) {
	kinds, err := SimConfig{Kinds: []string{"ppg", "temperature"}}.FrameKinds()
	if err != nil {
		t.Fatalf("frame kinds: %v", err)
	}
	if len(kinds) != 2 || kinds[0] != domain.KindPPG || kinds[1] != domain.KindTemperature {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
	kinds, _ = SimConfig{}.FrameKinds()
	if len(kinds) != 1 || kinds[0] != domain.KindIMU {
		t.Fatalf("expected imu default, got %v", kinds)
	}
}
