package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software/pkg/basestation"
)

func main() {
	flow, err := basestation.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	callback := func(_ context.Context, batch []basestation.Sample) error {
		for _, sample := range batch {
			fmt.Printf("%s patch=%s (%s) seq=%d kind=%s bytes=%d\n",
				sample.Timestamp.Format(time.RFC3339Nano),
				sample.Peripheral,
				sample.Name,
				sample.Seq,
				sample.Kind,
				len(sample.Payload),
			)
		}
		return nil
	}

	// Relay two simulated patches only, streaming PPG and temperature.
	flow.StreamIN(
		basestation.StreamInPeripherals(
			basestation.Peripheral{ID: "C0:FF:EE:00:00:01", Name: "Patient 1"},
			basestation.Peripheral{ID: "C0:FF:EE:00:00:02", Name: "Patient 2"},
		),
		basestation.StreamInOnly("C0:FF:EE:00:00:01", "C0:FF:EE:00:00:02"),
		basestation.StreamInSim(200*time.Millisecond, basestation.KindPPG, basestation.KindTemperature),
	)

	if err := flow.Run(ctx, basestation.StreamOutCallback("stdout", callback)); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}
