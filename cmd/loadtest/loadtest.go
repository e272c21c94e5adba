package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/sbcp/pkg/client"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur."

var loremWords = strings.Fields(loremIpsum)

// Every load test message starts with this marker so receivers can measure
// relay latency: "lt:<bot>:<unix nanos> words..."
const latencyMarker = "lt:"

// maxLatencySamples caps memory on long runs
const maxLatencySamples = 200_000

// Config describes one load test run
type Config struct {
	Server   string
	Clients  int
	Prefix   string
	Duration time.Duration
	RampUp   time.Duration
	MinDelay time.Duration
	MaxDelay time.Duration
	Timeout  time.Duration // Dial + JOIN
	Logger   *log.Logger
}

// Stats tracks counters shared by all bots
type Stats struct {
	joins         atomic.Int64
	rejected      atomic.Int64
	connectErrors atomic.Int64
	sent          atomic.Int64
	sendFailures  atomic.Int64
	received      atomic.Int64
	serverNaks    atomic.Int64
	disconnects   atomic.Int64

	latencyMu sync.Mutex
	latencies []time.Duration
}

func (s *Stats) recordLatency(d time.Duration) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	if len(s.latencies) < maxLatencySamples {
		s.latencies = append(s.latencies, d)
	}
}

// Report is a point-in-time summary
type Report struct {
	Joins         int64
	Rejected      int64
	ConnectErrors int64
	Sent          int64
	SendFailures  int64
	Received      int64
	ServerNaks    int64
	Disconnects   int64
	P50, P95, P99 time.Duration
}

func (s *Stats) Report() Report {
	s.latencyMu.Lock()
	samples := slices.Clone(s.latencies)
	s.latencyMu.Unlock()
	slices.Sort(samples)

	return Report{
		Joins:         s.joins.Load(),
		Rejected:      s.rejected.Load(),
		ConnectErrors: s.connectErrors.Load(),
		Sent:          s.sent.Load(),
		SendFailures:  s.sendFailures.Load(),
		Received:      s.received.Load(),
		ServerNaks:    s.serverNaks.Load(),
		Disconnects:   s.disconnects.Load(),
		P50:           percentile(samples, 0.50),
		P95:           percentile(samples, 0.95),
		P99:           percentile(samples, 0.99),
	}
}

// percentile uses nearest rank on sorted samples
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	return sorted[max(0, min(rank, len(sorted)-1))]
}

func (r Report) String() string {
	return fmt.Sprintf("%d joined, %d rejected, %d connect errors, %d sent (%d failed), %d received, %d NAKs, %d disconnects, latency p50 %s p95 %s p99 %s",
		r.Joins, r.Rejected, r.ConnectErrors, r.Sent, r.SendFailures, r.Received, r.ServerNaks, r.Disconnects,
		r.P50.Round(time.Microsecond), r.P95.Round(time.Microsecond), r.P99.Round(time.Microsecond))
}

// botClient is one simulated member
type botClient struct {
	id       int
	username string
	conn     *client.Conn
	stats    *Stats
	logger   *log.Logger
	rng      *rand.Rand
}

func (bc *botClient) connect(ctx context.Context, server string, timeout time.Duration) error {
	conn, err := client.Dial(ctx, server, client.Options{Timeout: timeout})
	if err != nil {
		bc.stats.connectErrors.Add(1)
		return fmt.Errorf("dial: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, _, err := conn.Join(joinCtx, bc.username); err != nil {
		conn.Close()
		if errors.Is(err, client.ErrRejected) {
			bc.stats.rejected.Add(1)
		} else {
			bc.stats.connectErrors.Add(1)
		}
		return fmt.Errorf("join as %s: %w", bc.username, err)
	}

	bc.conn = conn
	bc.stats.joins.Add(1)
	return nil
}

// receive counts relayed messages until the connection ends
func (bc *botClient) receive() {
	for ev := range bc.conn.Events() {
		switch ev.Kind {
		case client.EventMessage:
			bc.stats.received.Add(1)
			if sentAt, ok := parseSentAt(ev.Text); ok {
				bc.stats.recordLatency(ev.At.Sub(sentAt))
			}
		case client.EventRejected:
			bc.stats.serverNaks.Add(1)
			bc.logger.Printf("[Bot %d] server rejected a message: %s", bc.id, ev.Text)
		}
	}
}

func (bc *botClient) randomMessage() string {
	wordCount := 5 + bc.rng.Intn(16)
	words := make([]string, wordCount)
	for i := range words {
		words[i] = loremWords[bc.rng.Intn(len(loremWords))]
	}
	return fmt.Sprintf("%s%d:%d %s", latencyMarker, bc.id, time.Now().UnixNano(), strings.Join(words, " "))
}

func (bc *botClient) delay(minDelay, maxDelay time.Duration) time.Duration {
	if maxDelay <= minDelay {
		return minDelay
	}
	return minDelay + time.Duration(bc.rng.Int63n(int64(maxDelay-minDelay)))
}

// run sends until the deadline, then leaves
func (bc *botClient) run(ctx context.Context, until time.Time, minDelay, maxDelay time.Duration) {
	received := make(chan struct{})
	go func() {
		defer close(received)
		bc.receive()
	}()

	defer func() {
		bc.conn.Close()
		<-received
	}()

	for time.Now().Before(until) {
		if err := bc.conn.Send(bc.randomMessage()); err != nil {
			bc.stats.sendFailures.Add(1)
			bc.stats.disconnects.Add(1)
			bc.logger.Printf("[Bot %d] send failed: %v", bc.id, err)
			return
		}
		bc.stats.sent.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-bc.conn.Done():
			bc.stats.disconnects.Add(1)
			return
		case <-time.After(bc.delay(minDelay, maxDelay)):
		}
	}
}

func parseSentAt(text string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(text, latencyMarker)
	if !ok {
		return time.Time{}, false
	}
	header, _, _ := strings.Cut(rest, " ")
	_, nanos, ok := strings.Cut(header, ":")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// Run starts cfg.Clients bots staggered over cfg.RampUp, lets each send for
// cfg.Duration, and returns once all of them have left
func Run(ctx context.Context, cfg Config, stats *Stats) Report {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	stagger := time.Millisecond
	if cfg.Clients > 0 && cfg.RampUp/time.Duration(cfg.Clients) > stagger {
		stagger = cfg.RampUp / time.Duration(cfg.Clients)
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			bot := &botClient{
				id:       id,
				username: fmt.Sprintf("%s-%d", cfg.Prefix, id),
				stats:    stats,
				logger:   cfg.Logger,
				rng:      rand.New(rand.NewSource(time.Now().UnixNano() + int64(id))),
			}
			if err := bot.connect(ctx, cfg.Server, cfg.Timeout); err != nil {
				cfg.Logger.Printf("[Bot %d] %v", id, err)
				return
			}
			bot.run(ctx, time.Now().Add(cfg.Duration), cfg.MinDelay, cfg.MaxDelay)
		}(i)

		select {
		case <-ctx.Done():
			wg.Wait()
			return stats.Report()
		case <-time.After(stagger):
		}
	}

	wg.Wait()
	return stats.Report()
}
