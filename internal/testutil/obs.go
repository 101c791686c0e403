// Package testutil holds doubles shared by package tests.
package testutil

import (
	"strings"
	"sync"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

type LogEntry struct {
	Level  string
	Msg    string
	Err    error
	Fields map[string]any
}

// RecordingObs keeps every log line and counter in memory.
type RecordingObs struct {
	mu       sync.Mutex
	logs     []LogEntry
	counters map[string]float64
	gauges   map[string]float64
	latency  map[string]int
}

func NewRecordingObs() *RecordingObs {
	return &RecordingObs{
		counters: make(map[string]float64),
		gauges:   make(map[string]float64),
		latency:  make(map[string]int),
	}
}

func (r *RecordingObs) LogInfo(msg string, fields ...ports.Field) { r.log("info", msg, nil, fields) }
func (r *RecordingObs) LogWarn(msg string, fields ...ports.Field) { r.log("warn", msg, nil, fields) }
func (r *RecordingObs) LogError(msg string, err error, fields ...ports.Field) {
	r.log("error", msg, err, fields)
}
func (r *RecordingObs) LogCritical(msg string, err error, fields ...ports.Field) {
	r.log("critical", msg, err, fields)
}

func (r *RecordingObs) IncCounter(name string, v float64, labels ...string) {
	r.mu.Lock()
	r.counters[key(name, labels)] += v
	r.mu.Unlock()
}

func (r *RecordingObs) ObserveLatency(name string, _ float64) {
	r.mu.Lock()
	r.latency[name]++
	r.mu.Unlock()
}

func (r *RecordingObs) SetGauge(name string, v float64, labels ...string) {
	r.mu.Lock()
	r.gauges[key(name, labels)] = v
	r.mu.Unlock()
}

// Counter returns the value for name with the given label values.
func (r *RecordingObs) Counter(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key(name, labels)]
}

func (r *RecordingObs) Gauge(name string, labels ...string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[key(name, labels)]
}

func (r *RecordingObs) Observations(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latency[name]
}

// Logs returns all entries with the given message.
func (r *RecordingObs) Logs(msg string) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []LogEntry
	for _, e := range r.logs {
		if e.Msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (r *RecordingObs) log(level, msg string, err error, fields []ports.Field) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	r.mu.Lock()
	r.logs = append(r.logs, LogEntry{Level: level, Msg: msg, Err: err, Fields: m})
	r.mu.Unlock()
}

func key(name string, labels []string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + strings.Join(labels, ",") + "}"
}

var _ ports.Observability = (*RecordingObs)(nil)
