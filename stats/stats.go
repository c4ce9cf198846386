// Package stats accumulates send outcomes of a dispatch run.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// ErrNotFinalized is returned when throughput is requested before the run ended.
var ErrNotFinalized = errors.New("stats not finalized")

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Total     uint64
	Succeeded uint64
	Failed    uint64
	StartTime time.Time
	EndTime   time.Time

	MinLatency time.Duration
	MaxLatency time.Duration
	AvgLatency time.Duration
}

// Finalized reports whether the run has ended.
func (s Snapshot) Finalized() bool { return !s.EndTime.IsZero() }

// Elapsed is the run duration, or the time since start for a running snapshot.
func (s Snapshot) Elapsed() time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	if s.Finalized() {
		return s.EndTime.Sub(s.StartTime)
	}
	return time.Since(s.StartTime)
}

// Throughput is confirmed transfers per second over the whole run.
func (s Snapshot) Throughput() (float64, error) {
	if !s.Finalized() {
		return 0, ErrNotFinalized
	}
	secs := s.Elapsed().Seconds()
	if secs <= 0 {
		return 0, nil
	}
	return float64(s.Succeeded) / secs, nil
}

// SuccessRate is the share of recorded transfers that were confirmed.
func (s Snapshot) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total)
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu  sync.RWMutex
	log log.Logger

	total      uint64
	succeeded  uint64
	failed     uint64
	latencySum time.Duration
	minLatency time.Duration
	maxLatency time.Duration
	startTime  time.Time
	endTime    time.Time

	reportInterval time.Duration
	startOnce      sync.Once
	stopOnce       sync.Once
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// NewAggregator creates an aggregator that reports every 5 seconds once started.
func NewAggregator(l log.Logger) *Aggregator {
	return &Aggregator{
		log:            l,
		minLatency:     -1,
		reportInterval: 5 * time.Second,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Reset zeroes every counter and stamps a new start time.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total, a.succeeded, a.failed = 0, 0, 0
	a.latencySum, a.maxLatency = 0, 0
	a.minLatency = -1
	a.startTime = time.Now()
	a.endTime = time.Time{}
}

// RecordSuccess counts a confirmed transfer and its broadcast-to-receipt latency.
func (a *Aggregator) RecordSuccess(latency time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.succeeded++
	a.latencySum += latency
	if latency > a.maxLatency {
		a.maxLatency = latency
	}
	if a.minLatency < 0 || latency < a.minLatency {
		a.minLatency = latency
	}
}

// RecordFailure counts a transfer that failed to send or reverted.
func (a *Aggregator) RecordFailure() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.total++
	a.failed++
}

// Finalize stamps the end time and returns the final snapshot.
func (a *Aggregator) Finalize() Snapshot {
	a.mu.Lock()
	if a.startTime.IsZero() {
		a.startTime = time.Now()
	}
	a.endTime = time.Now()
	a.mu.Unlock()
	return a.Snapshot()
}

// Snapshot returns a copy of the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Snapshot{
		Total:      a.total,
		Succeeded:  a.succeeded,
		Failed:     a.failed,
		StartTime:  a.startTime,
		EndTime:    a.endTime,
		MaxLatency: a.maxLatency,
	}
	if a.minLatency >= 0 {
		s.MinLatency = a.minLatency
	}
	if a.succeeded > 0 {
		s.AvgLatency = a.latencySum / time.Duration(a.succeeded)
	}
	return s
}

// Start begins the periodic reporting goroutine.
func (a *Aggregator) Start(ctx context.Context) {
	a.startOnce.Do(func() { go a.reportLoop(ctx) })
}

// Stop stops the reporting goroutine and waits for it to log the last report.
// It is a no-op when Start was never called.
func (a *Aggregator) Stop() {
	started := true
	a.startOnce.Do(func() { started = false })
	a.stopOnce.Do(func() { close(a.stopCh) })
	if started {
		<-a.doneCh
	}
}

func (a *Aggregator) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(a.reportInterval)
	defer ticker.Stop()
	defer close(a.doneCh)

	for {
		select {
		case <-ctx.Done():
			a.printStats()
			return
		case <-a.stopCh:
			a.printStats()
			return
		case <-ticker.C:
			a.printStats()
		}
	}
}

func (a *Aggregator) printStats() {
	s := a.Snapshot()
	elapsed := s.Elapsed()
	rate := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(s.Succeeded) / secs
	}
	a.log.Info("Dispatch statistics",
		"total", s.Total,
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"tps", fmt.Sprintf("%.2f", rate),
		"avgLatency", s.AvgLatency.Round(time.Millisecond),
		"maxLatency", s.MaxLatency.Round(time.Millisecond),
		"uptime", elapsed.Round(time.Second).String(),
	)
}
