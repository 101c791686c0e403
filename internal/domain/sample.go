package domain

import "time"

// PeripheralID is the stable address the wireless stack assigns to a patch.
type PeripheralID string

// Peripheral identifies one configured patch. Name is the logical name used
// when reporting to the remote server.
type Peripheral struct {
	ID   PeripheralID `yaml:"address" json:"address"`
	Name string       `yaml:"name" json:"name"`
}

// DisplayName falls back to the address when no logical name was configured.
func (p Peripheral) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return string(p.ID)
}

// FrameKind names the notification channel a frame was read from.
type FrameKind uint8

const (
	KindIMU FrameKind = iota + 1
	KindPPG
	KindAudio
	KindVoltage
	KindCurrent
	KindTemperature
)

var kindNames = map[FrameKind]string{
	KindIMU:         "imu",
	KindPPG:         "ppg",
	KindAudio:       "audio",
	KindVoltage:     "voltage",
	KindCurrent:     "current",
	KindTemperature: "temperature",
}

// Known reports whether k is one of the channels a patch exposes.
func (k FrameKind) Known() bool {
	_, ok := kindNames[k]
	return ok
}

func (k FrameKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseFrameKind maps a channel name back to its kind.
func ParseFrameKind(name string) (FrameKind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

// Sample is one decoded notification. Payload bytes are passed through
// untouched; interpreting them is the remote server's job.
type Sample struct {
	Peripheral Peripheral `json:"peripheral"`
	Seq        uint32     `json:"seq"`
	Timestamp  time.Time  `json:"ts"`
	Kind       FrameKind  `json:"kind"`
	Payload    []byte     `json:"payload"`
}

// Batch is the unit of a single delivery attempt.
type Batch struct {
	ID      string
	Samples []Sample
}

// Len returns the number of samples in the batch.
func (b Batch) Len() int { return len(b.Samples) }
