// Package brokertest stress-tests the configured output sinks with
// synthetic controller snapshots.
package brokertest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/kafka"
	"rcmon/mqtt"
	"rcmon/valkey"
)

// Namespace isolates stress traffic from production topics and keys.
const Namespace = "rcmon-stress"

// TestConfig holds configuration for the sink stress test.
type TestConfig struct {
	// Duration is how long to run each test
	Duration time.Duration
	// NumControllers is the number of simulated controllers
	NumControllers int
	// NumRobots is the number of robots per simulated controller
	NumRobots int
}

// DefaultTestConfig returns the defaults used by the command line.
func DefaultTestConfig() TestConfig {
	return TestConfig{
		Duration:       10 * time.Second,
		NumControllers: 20,
		NumRobots:      2,
	}
}

// TestResult holds the results from one sink test.
type TestResult struct {
	SinkType     string
	SinkName     string
	Address      string
	Duration     time.Duration
	MessagesSent int64
	Errors       int64
	Throughput   float64 // messages per second
	AvgLatency   time.Duration
	P50Latency   time.Duration
	P95Latency   time.Duration
	P99Latency   time.Duration
	MaxLatency   time.Duration
	Success      bool
	Error        error
}

// Runner executes sink stress tests.
type Runner struct {
	cfg     *config.Config
	testCfg TestConfig
	out     io.Writer
	results []TestResult
	snaps   []erc.Snapshot
}

// NewRunner creates a stress test runner that reports to out.
func NewRunner(cfg *config.Config, testCfg TestConfig, out io.Writer) *Runner {
	return &Runner{
		cfg:     cfg,
		testCfg: testCfg,
		out:     out,
		snaps:   SyntheticSnapshots(testCfg.NumControllers, testCfg.NumRobots),
	}
}

// SyntheticSnapshots builds one snapshot per simulated controller with a
// realistic payload size.
func SyntheticSnapshots(controllers, robots int) []erc.Snapshot {
	now := time.Now()
	snaps := make([]erc.Snapshot, 0, controllers)
	for i := 0; i < controllers; i++ {
		name := fmt.Sprintf("stress-%03d", i)
		s := erc.NewState(fmt.Sprintf("10.0.%d.%d", i/250, i%250+1), config.DefaultPort, "en")
		s.Connected = true
		s.LoggedIn = true
		s.LastCommand = "$GetStatus"
		s.LastResponse = "#GetStatus,00100000001,0000"
		s.Controller.Name = name
		s.Controller.Model = "RC700-A"
		s.Controller.Serial = fmt.Sprintf("S%06d", i)
		s.Controller.Firmware = "7.5.1.0"
		s.Controller.Status.Phase = erc.PhaseRunning
		s.Controller.Status.ErrCode = erc.NoError
		for r := 1; r <= robots; r++ {
			s.Robots = append(s.Robots, erc.Robot{
				Number: r,
				Name:   fmt.Sprintf("robot%d", r),
				Type:   erc.RobotSCARA,
				Model:  "GX8-A652S",
				Series: "GX8",
				Joints: 4,
				Serial: fmt.Sprintf("R%06d%d", i, r),
				Hofs:   []float64{0, 0, 0, 0},
				Health: map[string]map[string]erc.PartHealth{},
			})
		}
		snaps = append(snaps, erc.NewSnapshot(name, s, now))
	}
	return snaps
}

// next returns a random snapshot stamped with the current time.
func (r *Runner) next() erc.Snapshot {
	snap := r.snaps[rand.Intn(len(r.snaps))]
	snap.Timestamp = time.Now().UnixMilli()
	return snap
}

// Run executes stress tests for every enabled sink and prints a report.
func (r *Runner) Run() []TestResult {
	r.printHeader()
	if len(r.snaps) == 0 {
		fmt.Fprintln(r.out, "  No simulated controllers; nothing to publish.")
		return nil
	}

	for i := range r.cfg.Kafka {
		if c := &r.cfg.Kafka[i]; c.Enabled {
			r.results = append(r.results, r.testKafka(c))
		}
	}
	for i := range r.cfg.MQTT {
		if c := &r.cfg.MQTT[i]; c.Enabled {
			r.results = append(r.results, r.testMQTT(c))
		}
	}
	for i := range r.cfg.Valkey {
		if c := &r.cfg.Valkey[i]; c.Enabled {
			r.results = append(r.results, r.testValkey(c))
		}
	}

	r.printReport()
	return r.results
}

func (r *Runner) printHeader() {
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, "  SINK STRESS TEST")
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "    Duration:              %v\n", r.testCfg.Duration)
	fmt.Fprintf(r.out, "    Simulated controllers: %d\n", r.testCfg.NumControllers)
	fmt.Fprintf(r.out, "    Robots per controller: %d\n", r.testCfg.NumRobots)
	fmt.Fprintf(r.out, "    Namespace:             %s\n", Namespace)
	fmt.Fprintln(r.out)
}

func (r *Runner) section(kind, name, address string) {
	fmt.Fprintf(r.out, "  Testing: %s/%s (%s)\n", kind, name, address)
}

func (r *Runner) finish(result TestResult) TestResult {
	if result.Error != nil {
		fmt.Fprintf(r.out, "    FAILED - %v\n\n", result.Error)
	} else if result.Success {
		fmt.Fprintf(r.out, "    DONE\n\n")
	} else {
		fmt.Fprintf(r.out, "    FAILED\n\n")
	}
	return result
}

// testKafka produces snapshots directly so each write's latency is measured.
func (r *Runner) testKafka(cfg *config.KafkaConfig) TestResult {
	result := TestResult{
		SinkType: "Kafka",
		SinkName: cfg.Name,
		Address:  strings.Join(cfg.Brokers, ","),
	}
	r.section(result.SinkType, result.SinkName, result.Address)

	testCfg := *cfg
	autoCreate := true
	testCfg.AutoCreateTopics = &autoCreate
	testCfg.EnableControl = false

	producer := kafka.NewProducer(&testCfg, Namespace)
	if err := producer.Connect(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		return r.finish(result)
	}
	defer producer.Disconnect()

	topic := producer.Namespace().KafkaStateTopic()
	var sent, errs int64
	var latencies []time.Duration
	var latencyMu sync.Mutex

	stop := make(chan struct{})
	time.AfterFunc(r.testCfg.Duration, func() { close(stop) })
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, 1024)
			defer func() {
				latencyMu.Lock()
				latencies = append(latencies, local...)
				latencyMu.Unlock()
			}()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := r.next()
				payload, _ := json.Marshal(snap)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				t0 := time.Now()
				err := producer.Produce(ctx, topic, []byte(snap.Controller), payload)
				lat := time.Since(t0)
				cancel()

				if err != nil {
					atomic.AddInt64(&errs, 1)
					continue
				}
				atomic.AddInt64(&sent, 1)
				local = append(local, lat)
			}
		}()
	}
	wg.Wait()

	result.Duration = time.Since(start)
	result.MessagesSent = sent
	result.Errors = errs
	result.Throughput = float64(sent) / result.Duration.Seconds()
	result.Success = sent > 0 && errorRate(sent, errs) < 0.01
	if len(latencies) > 0 {
		result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	}
	return r.finish(result)
}

// testMQTT queues retained snapshot publishes; paho delivers asynchronously
// so the throughput is the queue rate.
func (r *Runner) testMQTT(cfg *config.MQTTConfig) TestResult {
	result := TestResult{
		SinkType: "MQTT",
		SinkName: cfg.Name,
		Address:  fmt.Sprintf("%s:%d", cfg.Broker, cfg.Port),
	}
	r.section(result.SinkType, result.SinkName, result.Address)

	testCfg := *cfg
	testCfg.ClientID = fmt.Sprintf("rcmon-stress-%d", time.Now().UnixNano())

	pub := mqtt.NewPublisher(&testCfg, Namespace)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		return r.finish(result)
	}
	defer pub.Stop()

	result = r.runTimed(result, func(snap erc.Snapshot) error {
		if !pub.PublishSnapshot(snap) {
			return fmt.Errorf("publish failed")
		}
		return nil
	})
	return r.finish(result)
}

// testValkey writes state keys with SET, plus PUBLISH when change channels
// are enabled in the sink's config.
func (r *Runner) testValkey(cfg *config.ValkeyConfig) TestResult {
	result := TestResult{
		SinkType: "Valkey",
		SinkName: cfg.Name,
		Address:  cfg.Address,
	}
	r.section(result.SinkType, result.SinkName, result.Address)

	testCfg := *cfg
	testCfg.EnableControl = false
	testCfg.KeyTTL = time.Minute

	pub := valkey.NewPublisher(&testCfg, Namespace)
	if err := pub.Start(); err != nil {
		result.Error = fmt.Errorf("connect failed: %w", err)
		return r.finish(result)
	}
	defer pub.Stop()

	result = r.runTimed(result, pub.PublishSnapshot)
	return r.finish(result)
}

// runTimed calls publish in a single loop for the test duration, the way a
// monitor's poll cycle would, and records per-call latency.
func (r *Runner) runTimed(result TestResult, publish func(erc.Snapshot) error) TestResult {
	var sent, errs int64
	latencies := make([]time.Duration, 0, 4096)

	deadline := time.Now().Add(r.testCfg.Duration)
	start := time.Now()
	for time.Now().Before(deadline) {
		snap := r.next()
		t0 := time.Now()
		err := publish(snap)
		lat := time.Since(t0)
		if err != nil {
			errs++
			continue
		}
		sent++
		latencies = append(latencies, lat)
	}

	result.Duration = time.Since(start)
	result.MessagesSent = sent
	result.Errors = errs
	result.Throughput = float64(sent) / result.Duration.Seconds()
	result.Success = sent > 0 && errorRate(sent, errs) < 0.01
	if len(latencies) > 0 {
		result.AvgLatency, result.P50Latency, result.P95Latency, result.P99Latency, result.MaxLatency = calculateLatencyStats(latencies)
	}
	return result
}

func errorRate(sent, errs int64) float64 {
	if sent+errs == 0 {
		return 0
	}
	return float64(errs) / float64(sent+errs)
}

// calculateLatencyStats computes avg, p50, p95, p99, and max latencies.
func calculateLatencyStats(latencies []time.Duration) (avg, p50, p95, p99, max time.Duration) {
	if len(latencies) == 0 {
		return
	}

	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, l := range sorted {
		total += l
	}
	avg = total / time.Duration(len(sorted))

	p50 = sorted[len(sorted)*50/100]
	p95 = sorted[len(sorted)*95/100]
	p99 = sorted[len(sorted)*99/100]
	max = sorted[len(sorted)-1]
	return
}

// Passed reports whether every result succeeded.
func Passed(results []TestResult) bool {
	for _, res := range results {
		if !res.Success {
			return false
		}
	}
	return true
}

// printReport prints a formatted summary report.
func (r *Runner) printReport() {
	fmt.Fprintln(r.out, "  RESULTS")
	fmt.Fprintln(r.out)

	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "  No enabled sinks found in configuration.")
		fmt.Fprintln(r.out, "  Enable at least one of kafka[], mqtt[] or valkey[] to run tests.")
		fmt.Fprintln(r.out)
		return
	}

	fmt.Fprintf(r.out, "  %-7s  %-14s  %14s  %12s  %s\n", "Type", "Name", "Throughput", "Messages", "Status")
	passed, failed := 0, 0
	for _, res := range r.results {
		status := "PASS"
		if res.Success {
			passed++
		} else {
			status = "FAIL"
			failed++
		}
		name := res.SinkName
		if len(name) > 14 {
			name = name[:14]
		}
		fmt.Fprintf(r.out, "  %-7s  %-14s  %10.0f msg/s  %12d  %s\n",
			res.SinkType, name, res.Throughput, res.MessagesSent, status)
	}
	fmt.Fprintln(r.out)

	for _, res := range r.results {
		if res.Error != nil {
			continue
		}
		fmt.Fprintf(r.out, "  %s/%s:\n", res.SinkType, res.SinkName)
		fmt.Fprintf(r.out, "    Duration:   %v\n", res.Duration.Round(time.Millisecond))
		fmt.Fprintf(r.out, "    Messages:   %d sent, %d errors\n", res.MessagesSent, res.Errors)
		if res.AvgLatency > 0 {
			fmt.Fprintf(r.out, "    Latency:    avg %v, p50 %v, p95 %v, p99 %v, max %v\n",
				res.AvgLatency.Round(time.Microsecond),
				res.P50Latency.Round(time.Microsecond),
				res.P95Latency.Round(time.Microsecond),
				res.P99Latency.Round(time.Microsecond),
				res.MaxLatency.Round(time.Microsecond))
		}
	}
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  Summary: %d passed, %d failed\n", passed, failed)
	for _, res := range r.results {
		if res.Success {
			continue
		}
		msg := "no messages sent"
		if res.Error != nil {
			msg = res.Error.Error()
		} else if res.Errors > 0 {
			msg = fmt.Sprintf("%d publish errors", res.Errors)
		}
		fmt.Fprintf(r.out, "    - %s/%s: %s\n", res.SinkType, res.SinkName, msg)
	}
	fmt.Fprintln(r.out)
}
