// Package uplink holds the remote server adapters. Every adapter maps its
// failures onto domain.DeliveryError so the publisher can decide whether to
// retry.
package uplink

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

// Record is the wire form of one sample shared by the JSON and msgpack uplinks.
type Record struct {
	Peripheral string `json:"peripheral" msgpack:"peripheral"`
	Name       string `json:"name" msgpack:"name"`
	Seq        uint32 `json:"seq" msgpack:"seq"`
	TS         int64  `json:"ts" msgpack:"ts"`
	Kind       string `json:"kind" msgpack:"kind"`
	Payload    []byte `json:"payload" msgpack:"payload"`
}

// Envelope wraps one batch on the wire.
type Envelope struct {
	BatchID string   `json:"batch_id" msgpack:"batch_id"`
	Gateway string   `json:"gateway" msgpack:"gateway"`
	Samples []Record `json:"samples" msgpack:"samples"`
}

func NewEnvelope(gateway string, b domain.Batch) Envelope {
	env := Envelope{BatchID: b.ID, Gateway: gateway, Samples: make([]Record, len(b.Samples))}
	for i, s := range b.Samples {
		env.Samples[i] = RecordOf(s)
	}
	return env
}

func RecordOf(s domain.Sample) Record {
	return Record{
		Peripheral: string(s.Peripheral.ID),
		Name:       s.Peripheral.Name,
		Seq:        s.Seq,
		TS:         s.Timestamp.UnixMilli(),
		Kind:       s.Kind.String(),
		Payload:    s.Payload,
	}
}

// Sample converts the record back. Unknown kinds decode to zero.
func (r Record) Sample() domain.Sample {
	kind, _ := domain.ParseFrameKind(r.Kind)
	return domain.Sample{
		Peripheral: domain.Peripheral{ID: domain.PeripheralID(r.Peripheral), Name: r.Name},
		Seq:        r.Seq,
		Timestamp:  time.UnixMilli(r.TS).UTC(),
		Kind:       kind,
		Payload:    r.Payload,
	}
}

type tbPoint struct {
	TS     int64    `json:"ts"`
	Values tbValues `json:"values"`
}

type tbValues struct {
	Address string `json:"address"`
	Seq     uint32 `json:"seq"`
	Kind    string `json:"kind"`
	Payload string `json:"payload"`
}

// thingsBoardPayload renders a batch for the ThingsBoard gateway telemetry
// API: one entry per device name, each holding ts/values points.
func thingsBoardPayload(b domain.Batch) ([]byte, error) {
	devices := make(map[string][]tbPoint)
	for _, s := range b.Samples {
		name := s.Peripheral.DisplayName()
		devices[name] = append(devices[name], tbPoint{
			TS: s.Timestamp.UnixMilli(),
			Values: tbValues{
				Address: string(s.Peripheral.ID),
				Seq:     s.Seq,
				Kind:    s.Kind.String(),
				Payload: base64.StdEncoding.EncodeToString(s.Payload),
			},
		})
	}
	return json.Marshal(devices)
}
