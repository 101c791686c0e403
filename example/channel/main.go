package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyrillknecht/smartpatch-basestation-software"
)

func main() {
	flow, err := basestation.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	up, batches, closeBatches := basestation.NewChannelUplink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ward", batches)

	if err := flow.Run(ctx, basestation.StreamOutUplink(up)); err != nil {
		log.Fatalf("gateway error: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []basestation.Sample) {
	for batch := range batches {
		perPatch := map[string]int{}
		for _, s := range batch {
			perPatch[s.Peripheral]++
		}
		fmt.Printf("[%s] %d samples at %s: %v\n", name, len(batch), time.Now().Format(time.RFC3339), perPatch)
	}
}
