package pipeline

import (
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
)

// RunIntake is the single consumer of the supervisor's fan-in. It returns once
// in is closed.
func RunIntake(in <-chan domain.Sample, buf ports.SampleBuffer, obs ports.Observability) {
	for s := range in {
		buf.Push(s)
		obs.SetGauge(ports.MetricBufferLength, float64(buf.Len()))
	}
}

// ReportEviction logs and counts every sample the buffer pushes out.
func ReportEviction(obs ports.Observability) func(domain.Sample) {
	return func(s domain.Sample) {
		obs.IncCounter(ports.MetricBufferEvictions, 1, string(s.Peripheral.ID))
		obs.LogWarn("sample_evicted",
			ports.F("peripheral", s.Peripheral.ID),
			ports.F("seq", s.Seq),
			ports.F("kind", s.Kind.String()))
	}
}
