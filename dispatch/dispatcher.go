// Package dispatch runs the load phase: one send loop per worker account, each
// sending a fixed number of transfers back to the funding account.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/okx/surge/account"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/nonce"
	"github.com/okx/surge/stats"
)

// ErrAlreadyRunning is returned by Start while a run is in progress.
var ErrAlreadyRunning = errors.New("dispatcher already running")

// nonceInitLimit bounds concurrent nonce queries at start.
const nonceInitLimit = 32

type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Recorder observes per-transfer outcomes.
type Recorder interface {
	RecordTransaction(success bool, latency time.Duration)
	RecordResync()
	AddActiveWorkers(delta int)
}

// Config controls the send loops.
type Config struct {
	TransactionsPerAccount int
	Interval               time.Duration
	Amount                 *big.Int
	GasLimit               uint64
	GasPrice               *big.Int // nil asks the node once per run
	TargetTPS              int      // 0 disables the global limit
	ReceiptTimeout         time.Duration
}

// Dispatcher drives the send loops of one pool.
type Dispatcher struct {
	client   ledger.Client
	nonces   *nonce.Allocator
	stats    *stats.Aggregator
	pool     *account.Pool
	cfg      Config
	log      log.Logger
	recorder Recorder

	mu       sync.Mutex
	state    State
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(client ledger.Client, nonces *nonce.Allocator, agg *stats.Aggregator, pool *account.Pool, cfg Config, l log.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		nonces: nonces,
		stats:  agg,
		pool:   pool,
		cfg:    cfg,
		log:    l,
		stopCh: make(chan struct{}),
	}
}

// SetRecorder attaches r to every later send.
func (d *Dispatcher) SetRecorder(r Recorder) { d.recorder = r }

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stop asks every loop to finish after its current transfer. Transfers already
// waiting for a receipt are not cancelled. Stop before Start makes the next
// Start return at once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Running {
		d.state = Stopping
		d.log.Info("Dispatch stop requested")
	}
}

func (d *Dispatcher) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// Start runs every loop to completion and returns the final statistics.
// Cancelling ctx aborts pending receipt waits and sleeps.
func (d *Dispatcher) Start(ctx context.Context) (stats.Snapshot, error) {
	d.mu.Lock()
	if d.state == Running || d.state == Stopping {
		d.mu.Unlock()
		return stats.Snapshot{}, ErrAlreadyRunning
	}
	d.stats.Reset()
	if d.stopRequested() {
		d.state = Stopped
		d.mu.Unlock()
		return d.stats.Finalize(), nil
	}
	d.state = Running
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.state = Stopped
		d.mu.Unlock()
	}()

	gasPrice := d.cfg.GasPrice
	if gasPrice == nil {
		p, err := d.client.SuggestGasPrice(ctx)
		if err != nil {
			return d.stats.Finalize(), fmt.Errorf("query gas price: %w", err)
		}
		gasPrice = p
	}

	ready := d.initNonces(ctx)

	var limiter *rate.Limiter
	if d.cfg.TargetTPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.TargetTPS), 1)
	}

	d.log.Info("Dispatch started",
		"workers", len(ready),
		"txPerWorker", d.cfg.TransactionsPerAccount,
		"interval", d.cfg.Interval,
		"amount", d.cfg.Amount,
		"gasPrice", gasPrice,
		"targetTPS", d.cfg.TargetTPS,
	)

	var wg sync.WaitGroup
	workers := len(d.pool.Workers)
	for i, worker := range d.pool.Workers {
		i, worker := i, worker
		if !ready[worker.Address] {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.recorder != nil {
				d.recorder.AddActiveWorkers(1)
				defer d.recorder.AddActiveWorkers(-1)
			}
			stagger := d.cfg.Interval * time.Duration(i) / time.Duration(workers)
			d.runLoop(ctx, worker, stagger, gasPrice, limiter)
		}()
	}
	wg.Wait()

	snap := d.stats.Finalize()
	tps, _ := snap.Throughput()
	d.log.Info("Dispatch finished",
		"total", snap.Total,
		"succeeded", snap.Succeeded,
		"failed", snap.Failed,
		"elapsed", snap.Elapsed().Round(time.Millisecond),
		"tps", fmt.Sprintf("%.2f", tps),
	)
	return snap, nil
}

// initNonces loads every worker's pending nonce. Workers whose nonce cannot be
// read do not send.
func (d *Dispatcher) initNonces(ctx context.Context) map[ethcmn.Address]bool {
	var (
		mu    sync.Mutex
		ready = make(map[ethcmn.Address]bool, len(d.pool.Workers))
		g     errgroup.Group
	)
	g.SetLimit(nonceInitLimit)
	for _, worker := range d.pool.Workers {
		worker := worker
		g.Go(func() error {
			if _, err := d.nonces.Initialize(ctx, worker.Address); err != nil {
				d.log.Warn("Worker skipped", "worker", worker.Address, "err", err)
				return nil
			}
			mu.Lock()
			ready[worker.Address] = true
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ready
}

func (d *Dispatcher) runLoop(ctx context.Context, worker *account.Account, stagger time.Duration, gasPrice *big.Int, limiter *rate.Limiter) {
	if !d.sleep(ctx, stagger) {
		return
	}
	for k := 0; k < d.cfg.TransactionsPerAccount; k++ {
		if d.stopRequested() || ctx.Err() != nil {
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		d.send(ctx, worker, gasPrice)
		if k < d.cfg.TransactionsPerAccount-1 && !d.sleep(ctx, d.cfg.Interval) {
			return
		}
	}
}

// send runs one transfer to its terminal state and records the outcome.
func (d *Dispatcher) send(ctx context.Context, worker *account.Account, gasPrice *big.Int) {
	n, err := d.nonces.Allocate(worker.Address)
	if err != nil {
		d.fail(worker, err)
		return
	}

	start := time.Now()
	hash, err := d.client.SendTransfer(ctx, ledger.Transfer{
		From:     worker.Key,
		To:       d.pool.Funding.Address,
		Value:    d.cfg.Amount,
		Nonce:    n,
		GasLimit: d.cfg.GasLimit,
		GasPrice: gasPrice,
	})
	if err != nil {
		// A rejected broadcast leaves n unused, so the cache is reloaded
		// whatever the cause.
		err = ledger.ClassifySendError(err)
		d.resync(ctx, worker, err)
		d.fail(worker, fmt.Errorf("send nonce %d: %w", n, err))
		return
	}

	waitCtx := ctx
	if d.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.cfg.ReceiptTimeout)
		defer cancel()
	}
	receipt, err := d.client.WaitReceipt(waitCtx, hash)
	if err != nil {
		d.fail(worker, fmt.Errorf("wait receipt %s: %w", hash.Hex(), err))
		return
	}
	if receipt.Status != ledger.StatusConfirmed {
		d.fail(worker, fmt.Errorf("transaction %s reverted", hash.Hex()))
		return
	}

	latency := time.Since(start)
	d.stats.RecordSuccess(latency)
	if d.recorder != nil {
		d.recorder.RecordTransaction(true, latency)
	}
}

func (d *Dispatcher) fail(worker *account.Account, err error) {
	d.stats.RecordFailure()
	if d.recorder != nil {
		d.recorder.RecordTransaction(false, 0)
	}
	d.log.Debug("Transfer failed", "worker", worker.Address, "err", err)
}

func (d *Dispatcher) resync(ctx context.Context, worker *account.Account, cause error) {
	if d.recorder != nil {
		d.recorder.RecordResync()
	}
	if ledger.IsKind(cause, ledger.KindSequenceConflict) {
		d.log.Debug("Sequence conflict", "worker", worker.Address, "err", cause)
	}
	if _, err := d.nonces.Resync(ctx, worker.Address); err != nil {
		d.log.Warn("Nonce resync failed", "worker", worker.Address, "err", err)
	}
}

// sleep waits for dur. It returns false when the wait was cut short by a stop
// request or ctx.
func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) bool {
	if dur <= 0 {
		return true
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
