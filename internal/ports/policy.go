package ports

import (
	"fmt"
	"time"
)

type Policy struct {
	MaxPeripherals int `yaml:"max_peripherals"`

	BufferCapacity int           `yaml:"buffer_capacity"` // per peripheral
	MaxBatchSize   int           `yaml:"max_batch_size"`
	IdleSleep      time.Duration `yaml:"idle_sleep"`

	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffJitter float64       `yaml:"backoff_jitter"` // 0..1

	MalformedThreshold int           `yaml:"malformed_threshold"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	NotifyBuffer       int           `yaml:"notify_buffer"`

	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
	PublishRate     float64       `yaml:"publish_rate"` // batches per second, 0 = unlimited

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ApplyDefaults fills every zero field with the gateway default.
func (p *Policy) ApplyDefaults() {
	if p.MaxPeripherals == 0 {
		p.MaxPeripherals = 10
	}
	if p.BufferCapacity == 0 {
		p.BufferCapacity = 1024
	}
	if p.MaxBatchSize == 0 {
		p.MaxBatchSize = 256
	}
	if p.IdleSleep == 0 {
		p.IdleSleep = 50 * time.Millisecond
	}
	if p.BackoffBase == 0 {
		p.BackoffBase = 500 * time.Millisecond
	}
	if p.BackoffMax == 0 {
		p.BackoffMax = 30 * time.Second
	}
	if p.MalformedThreshold == 0 {
		p.MalformedThreshold = 5
	}
	if p.ScanInterval == 0 {
		p.ScanInterval = 2 * time.Second
	}
	if p.ConnectTimeout == 0 {
		p.ConnectTimeout = 10 * time.Second
	}
	if p.NotifyBuffer == 0 {
		p.NotifyBuffer = 64
	}
	if p.DeliveryTimeout == 0 {
		p.DeliveryTimeout = 10 * time.Second
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = 5 * time.Second
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxPeripherals <= 0:
		return fmt.Errorf("max_peripherals must be positive")
	case p.BufferCapacity <= 0:
		return fmt.Errorf("buffer_capacity must be positive")
	case p.MaxBatchSize <= 0:
		return fmt.Errorf("max_batch_size must be positive")
	case p.IdleSleep <= 0:
		return fmt.Errorf("idle_sleep must be positive")
	case p.BackoffBase <= 0 || p.BackoffMax <= 0:
		return fmt.Errorf("backoff_base and backoff_max must be positive")
	case p.BackoffBase > p.BackoffMax:
		return fmt.Errorf("backoff_base %s exceeds backoff_max %s", p.BackoffBase, p.BackoffMax)
	case p.BackoffJitter < 0 || p.BackoffJitter >= 1:
		return fmt.Errorf("backoff_jitter must be in [0,1)")
	case p.MalformedThreshold <= 0:
		return fmt.Errorf("malformed_threshold must be positive")
	case p.ScanInterval <= 0:
		return fmt.Errorf("scan_interval must be positive")
	case p.ConnectTimeout <= 0:
		return fmt.Errorf("connect_timeout must be positive")
	case p.NotifyBuffer <= 0:
		return fmt.Errorf("notify_buffer must be positive")
	case p.DeliveryTimeout <= 0:
		return fmt.Errorf("delivery_timeout must be positive")
	case p.PublishRate < 0:
		return fmt.Errorf("publish_rate must not be negative")
	case p.ShutdownTimeout <= 0:
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}
