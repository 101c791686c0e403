package basestation

import (
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/uplink"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/app/config"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// Config re-exports the root configuration struct so hosts can build or
// adjust it in code.
type Config = config.Config

type (
	Policy          = ports.Policy
	GatewayConfig   = config.GatewayConfig
	FrameConfig     = config.FrameConfig
	TransportConfig = config.TransportConfig
	SimConfig       = config.SimConfig
	UplinkConfig    = config.UplinkConfig
	RecorderConfig  = config.RecorderConfig
	AdminConfig     = config.AdminConfig

	MQTTConfig       = uplink.MQTTConfig
	NATSConfig       = uplink.NATSConfig
	WebSocketConfig  = uplink.WebSocketConfig
	TimescaleConfig  = uplink.TimescaleConfig
	LocalStoreConfig = uplink.LocalStoreConfig
)

const (
	TransportSim      = config.TransportSim
	TransportExternal = config.TransportExternal

	UplinkMQTT      = config.UplinkMQTT
	UplinkNATS      = config.UplinkNATS
	UplinkWebSocket = config.UplinkWebSocket
	UplinkTimescale = config.UplinkTimescale
	UplinkLocal     = config.UplinkLocal
	UplinkExternal  = config.UplinkExternal
)

// LoadConfig reads, defaults and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// LoadEnv loads .env files into the environment before LoadConfig.
func LoadEnv(files ...string) error {
	return config.LoadEnv(files...)
}
