package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/recorder"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/adapters/uplink"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/codec"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
	"github.com/cyrillknecht/smartpatch-basestation-software/internal/ports"
	"github.com/cyrillknecht/smartpatch-basestation-software/pkg/basestation"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "inspect":
		err = inspectCommand(os.Args[2:])
	case "export":
		err = exportCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("basestation %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to gateway configuration file")
	envFile := fs.String("env", "", "Optional .env file with uplink credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := loadEnv(*envFile); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	flow, err := basestation.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	envFile := fs.String("env", "", "Optional .env file with uplink credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := loadEnv(*envFile); err != nil {
		return fmt.Errorf("load env: %w", err)
	}
	cfg, err := basestation.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d peripherals, uplink %s\n", *cfgPath, len(cfg.Peripherals), cfg.Uplink.Kind)
	return nil
}

func loadEnv(path string) error {
	if path == "" {
		return basestation.LoadEnv()
	}
	return basestation.LoadEnv(path)
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Admin API metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

var statsMetrics = []string{
	ports.MetricSamplesDecoded,
	ports.MetricSamplesDelivered,
	ports.MetricBatchesRejected,
	ports.MetricDeliveryRetries,
	ports.MetricBufferLength,
	ports.MetricRecorderBytes,
}

func printMetricsSnapshot(url string) error {
	totals, err := scrapeTotals(url, statsMetrics)
	if err != nil {
		return err
	}
	fmt.Printf("[%s] decoded=%.0f delivered=%.0f rejected=%.0f retries=%.0f buffered=%.0f recorder_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		totals[ports.MetricSamplesDecoded],
		totals[ports.MetricSamplesDelivered],
		totals[ports.MetricBatchesRejected],
		totals[ports.MetricDeliveryRetries],
		totals[ports.MetricBufferLength],
		totals[ports.MetricRecorderBytes],
	)
	return nil
}

// scrapeTotals fetches a text exposition and sums each named family across
// its label values. Families absent from the scrape report zero.
func scrapeTotals(url string, names []string) (map[string]float64, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	totals := make(map[string]float64, len(names))
	for _, name := range names {
		totals[name] = 0
		mf, ok := families[name]
		if !ok {
			continue
		}
		for _, m := range mf.GetMetric() {
			totals[name] += metricValue(m)
		}
	}
	return totals, nil
}

func metricValue(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetUntyped() != nil:
		return m.GetUntyped().GetValue()
	}
	return 0
}

func inspectCommand(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := fs.String("dir", "./data/recordings", "Recorder directory")
	payload := fs.Int("payload", codec.DefaultPayloadSize, "Frame payload size in bytes")
	from := fs.Uint64("from", 0, "First record id to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cdc, err := codec.New(*payload)
	if err != nil {
		return err
	}

	var total, bad int
	err = recorder.IterateFile(filepath.Join(*dir, recorder.FileName), ports.RecordID(*from),
		func(id ports.RecordID, peripheral domain.PeripheralID, raw []byte) error {
			total++
			s, err := cdc.Decode(raw)
			if err != nil {
				bad++
				fmt.Printf("%8d %-20s %d bytes: %v\n", id, peripheral, len(raw), err)
				return nil
			}
			fmt.Printf("%8d %-20s seq=%-10d kind=%-11s ts=%s payload=%x\n",
				id, peripheral, s.Seq, s.Kind, s.Timestamp.Format(time.RFC3339Nano), s.Payload)
			return nil
		})
	if err != nil {
		return err
	}
	fmt.Printf("%d records, %d undecodable\n", total, bad)
	return nil
}

func exportCommand(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dir := fs.String("dir", "./data/local", "Local store directory")
	peripheral := fs.String("peripheral", "", "Only export this peripheral address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return errors.New("-dir is required")
	}

	store, err := uplink.OpenLocalStore(uplink.LocalStoreConfig{Dir: *dir})
	if err != nil {
		return err
	}
	defer store.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)
	return store.Iterate(domain.PeripheralID(*peripheral), func(s domain.Sample) error {
		return enc.Encode(uplink.RecordOf(s))
	})
}

func printUsage() {
	fmt.Printf(`SmartPatch base station

Usage:
  basestation <command> [flags]

Commands:
  run        Start the gateway using the provided config
  validate   Load and validate a config file without starting the gateway
  stats      Poll the admin metrics endpoint and print live counters
  inspect    Decode and print a raw frame recording
  export     Print the samples held by the local store as JSON lines

Examples:
  basestation run -config ./data/config.yaml -env ./.env
  basestation validate -config ./data/config.yaml
  basestation stats -url http://localhost:9100/metrics -interval 1s
  basestation inspect -dir ./data/recordings -payload 224
  basestation export -dir ./data/local -peripheral C0:FF:EE:00:00:01
`)
}
