// Package bench wires the load engine into the run, collect and balance
// commands.
package bench

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/okx/surge/account"
	"github.com/okx/surge/dispatch"
	"github.com/okx/surge/funds"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/metrics"
	"github.com/okx/surge/nonce"
	"github.com/okx/surge/stats"
	"github.com/okx/surge/utils"
)

// Report is everything a run produced.
type Report struct {
	RunID        string
	Network      *ledger.Network
	Distribution *funds.Distribution
	Stats        stats.Snapshot
	Collection   *funds.CollectResult
	ChainTPS     *utils.ChainTPS
}

// Runner executes one full load run. Stop and Abort may be called from any
// goroutine, typically a signal handler.
type Runner struct {
	cfg    *utils.Config
	client ledger.Client
	log    log.Logger
	runID  string

	monitorInterval time.Duration

	mu             sync.Mutex
	dispatcher     *dispatch.Dispatcher
	stopRequested  bool
	cancelDispatch context.CancelFunc
	stopTimer      *time.Timer
}

func NewRunner(cfg *utils.Config, client ledger.Client, l log.Logger) *Runner {
	runID := uuid.NewString()
	return &Runner{
		cfg:    cfg,
		client: client,
		log:    l.New("run", runID[:8]),
		runID:  runID,
	}
}

func (r *Runner) RunID() string { return r.runID }

// Stop ends the dispatch phase after the in-flight transfers. When a stop
// timeout is configured, pending receipt waits are aborted once it elapses.
// Collection still runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopRequested {
		return
	}
	r.stopRequested = true
	if r.dispatcher != nil {
		r.dispatcher.Stop()
	}
	if r.cfg.StopTimeout > 0 {
		r.stopTimer = time.AfterFunc(r.cfg.StopTimeout, r.Abort)
	}
}

// Abort cancels the dispatch phase at once.
func (r *Runner) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopRequested = true
	if r.dispatcher != nil {
		r.dispatcher.Stop()
	}
	if r.cancelDispatch != nil {
		r.log.Warn("Aborting in-flight transfers")
		r.cancelDispatch()
	}
}

// Run validates the configuration, funds the workers, dispatches the load and
// sweeps the workers back. Collection runs whenever funding was attempted.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	cfg := r.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	report := &Report{RunID: r.runID}
	r.log.Info("Starting run", "config", fmt.Sprintf("%+v", cfg.Redacted()))

	report.Network = r.networkInfo(ctx)

	pool, err := account.NewPool(cfg.PrivateKey, cfg.NumWallets)
	if err != nil {
		return report, err
	}
	r.log.Debug("Worker accounts created", "count", pool.Size(), "addresses", pool.Addresses())
	if cfg.AccountsFilePath != "" {
		if err := pool.SaveKeys(cfg.AccountsFilePath); err != nil {
			return report, fmt.Errorf("save worker keys: %w", err)
		}
		r.log.Info("Worker keys saved", "path", cfg.AccountsFilePath, "count", pool.Size())
	}

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		m = metrics.NewMetrics(r.runID)
		srv := metrics.NewServer(cfg.MetricsAddr, m)
		addr, err := srv.StartAsync()
		if err != nil {
			return report, fmt.Errorf("start metrics server: %w", err)
		}
		r.log.Info("Serving metrics", "addr", addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	nonces := nonce.NewAllocator(r.client, r.log)
	opts := funds.Options{
		GasLimit:       cfg.GasLimit,
		GasPrice:       cfg.GasPrice(),
		ReceiptTimeout: cfg.ReceiptTimeout,
	}

	distributor := funds.NewDistributor(r.client, nonces, opts, r.log)
	if m != nil {
		distributor.SetRecorder(m)
	}
	dist, distErr := distributor.Distribute(ctx, pool, cfg.FundCap())
	report.Distribution = dist

	if distErr == nil {
		report.Stats, report.ChainTPS, err = r.dispatch(ctx, pool, nonces, dist, m)
		if err != nil {
			r.log.Error("Dispatch failed", "err", err)
		}
	} else {
		r.log.Error("Distribution failed", "err", distErr)
	}

	collector := funds.NewCollector(r.client, nonces, opts, r.log)
	collection, collectErr := collector.CollectAll(ctx, pool)
	report.Collection = collection
	if collectErr != nil {
		r.log.Warn("Final balance unavailable", "err", collectErr)
	}

	if distErr != nil {
		return report, fmt.Errorf("distribute: %w", distErr)
	}
	return report, nil
}

func (r *Runner) networkInfo(ctx context.Context) *ledger.Network {
	reader, ok := r.client.(ledger.NetworkReader)
	if !ok {
		return nil
	}
	info, err := reader.NetworkInfo(ctx)
	if err != nil {
		err = ledger.NewRecoverable(ledger.KindNetworkInfoUnavailable, err)
		r.log.Warn("Network info unavailable", "err", err)
		return nil
	}
	r.log.Info("Connected", "chainId", info.ChainID, "networkId", info.NetworkID, "head", info.Head)
	return info
}

func (r *Runner) dispatch(ctx context.Context, pool *account.Pool, nonces *nonce.Allocator, dist *funds.Distribution, m *metrics.Metrics) (stats.Snapshot, *utils.ChainTPS, error) {
	cfg := r.cfg
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	agg := stats.NewAggregator(r.log)
	d := dispatch.New(r.client, nonces, agg, pool, dispatch.Config{
		TransactionsPerAccount: cfg.TransactionsPerWallet,
		Interval:               cfg.Interval(),
		Amount:                 cfg.TransferValue(),
		GasLimit:               cfg.GasLimit,
		GasPrice:               dist.GasPrice,
		TargetTPS:              cfg.TargetTPS,
		ReceiptTimeout:         cfg.ReceiptTimeout,
	}, r.log)
	if m != nil {
		d.SetRecorder(m)
	}

	r.mu.Lock()
	r.dispatcher = d
	r.cancelDispatch = cancel
	if r.stopRequested {
		d.Stop()
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancelDispatch = nil
		if r.stopTimer != nil {
			r.stopTimer.Stop()
		}
		r.mu.Unlock()
	}()

	var (
		monitorDone chan utils.ChainTPS
		stopMonitor context.CancelFunc = func() {}
	)
	if reader, ok := r.client.(utils.BlockReader); ok && cfg.ChainMonitor {
		var monitorCtx context.Context
		monitorCtx, stopMonitor = context.WithCancel(ctx)
		monitor := utils.NewChainTPSMonitor(reader, r.log, r.monitorInterval)
		monitorDone = make(chan utils.ChainTPS, 1)
		go func() { monitorDone <- monitor.Run(monitorCtx) }()
	}

	agg.Start(dispatchCtx)
	snap, err := d.Start(dispatchCtx)
	agg.Stop()

	stopMonitor()
	var chain *utils.ChainTPS
	if monitorDone != nil {
		c := <-monitorDone
		chain = &c
	}
	return snap, chain, err
}
