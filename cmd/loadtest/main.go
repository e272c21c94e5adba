// Command loadtest joins many bot clients to an SBCP server and has each of
// them send random chat text for a while.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

// initLogging writes the summary to stdout and logPath, and per-bot detail
// to the returned logger only
func initLogging(logPath string) (*log.Logger, error) {
	if logPath == "" {
		log.SetOutput(os.Stdout)
		return log.New(io.Discard, "", 0), nil
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", logPath, err)
	}
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)

	return log.New(logFile, "", log.LstdFlags|log.Lmicroseconds), nil
}

func newRootCommand() *cobra.Command {
	cfg := Config{}
	var logPath string

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Load test an SBCP server with bot clients",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.Clients <= 0 {
				return fmt.Errorf("--clients must be positive, got %d", cfg.Clients)
			}
			if cfg.MaxDelay < cfg.MinDelay {
				return fmt.Errorf("--max-delay %s is below --min-delay %s", cfg.MaxDelay, cfg.MinDelay)
			}

			logger, err := initLogging(logPath)
			if err != nil {
				return err
			}
			cfg.Logger = logger
			cfg.RampUp = cfg.Duration / 4

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runLoadTest(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Server, "server", "localhost:8080", "Server address (host:port, ws://host:port or ssh://host:port)")
	flags.IntVar(&cfg.Clients, "clients", 10, "Number of concurrent clients")
	flags.StringVar(&cfg.Prefix, "prefix", "bot", "Username prefix; bots join as <prefix>-<n>")
	flags.DurationVar(&cfg.Duration, "duration", time.Minute, "How long each client sends")
	flags.DurationVar(&cfg.MinDelay, "min-delay", 100*time.Millisecond, "Minimum delay between messages")
	flags.DurationVar(&cfg.MaxDelay, "max-delay", time.Second, "Maximum delay between messages")
	flags.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Connect and join timeout")
	flags.StringVar(&logPath, "log", "loadtest.log", "Log file, empty for stdout only")
	return cmd
}

func runLoadTest(ctx context.Context, cfg Config) error {
	log.Printf("Starting load test:")
	log.Printf("  Server: %s", cfg.Server)
	log.Printf("  Clients: %d", cfg.Clients)
	log.Printf("  Duration: %v", cfg.Duration)
	log.Printf("  Ramp-up: %v", cfg.RampUp)
	log.Printf("  Delay: %v - %v", cfg.MinDelay, cfg.MaxDelay)

	stats := &Stats{}
	start := time.Now()

	statsCtx, stopStats := context.WithCancel(ctx)
	defer stopStats()
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r := stats.Report()
				rate := float64(r.Sent) / time.Since(start).Seconds()
				log.Printf("Stats: %s, %.1f sent/s, load %.2f, goroutines %d",
					r, rate, getCPULoad(), runtime.NumGoroutine())
			case <-statsCtx.Done():
				return
			}
		}
	}()

	report := Run(ctx, cfg, stats)
	stopStats()

	elapsed := time.Since(start)
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d joined, %d rejected, %d connect errors",
		cfg.Clients, report.Joins, report.Rejected, report.ConnectErrors)
	log.Printf("Elapsed: %v", elapsed.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s), %d failed", report.Sent, float64(report.Sent)/elapsed.Seconds(), report.SendFailures)
	log.Printf("Messages received: %d", report.Received)
	if report.ServerNaks > 0 {
		log.Printf("Rejected by server after join: %d", report.ServerNaks)
	}
	log.Printf("Disconnections: %d", report.Disconnects)
	log.Printf("Relay latency: p50 %s, p95 %s, p99 %s", report.P50, report.P95, report.P99)

	if ctx.Err() != nil {
		log.Printf("Stopped early by signal")
	}
	if report.Joins == 0 {
		return fmt.Errorf("no client could join %s", cfg.Server)
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
