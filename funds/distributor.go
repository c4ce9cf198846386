package funds

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/okx/surge/account"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/nonce"
)

// BatchRecorder observes completed funding batches.
type BatchRecorder interface {
	RecordBatch(size int, duration time.Duration)
}

// Distribution summarises a completed funding phase.
type Distribution struct {
	Plan      *Plan
	GasPrice  *big.Int
	Batches   int
	Transfers int
	Duration  time.Duration
}

// Distributor funds worker accounts from the funding account.
type Distributor struct {
	client   ledger.Client
	nonces   *nonce.Allocator
	opts     Options
	log      log.Logger
	recorder BatchRecorder
}

func NewDistributor(client ledger.Client, nonces *nonce.Allocator, opts Options, l log.Logger) *Distributor {
	return &Distributor{client: client, nonces: nonces, opts: opts, log: l}
}

// SetRecorder attaches r to every later Distribute call.
func (d *Distributor) SetRecorder(r BatchRecorder) { d.recorder = r }

// Distribute sends every worker an equal share of the funding balance in
// batches of BatchSize. All transfers of a batch must confirm before the next
// batch starts. The first failed transfer fails the distribution; transfers
// already broadcast are not rolled back.
func (d *Distributor) Distribute(ctx context.Context, pool *account.Pool, perAccountAmount *big.Int) (*Distribution, error) {
	funding := pool.Funding.Address
	balance, err := d.client.BalanceAt(ctx, funding)
	if err != nil {
		return nil, fmt.Errorf("query funding balance: %w", err)
	}
	plan, err := ComputePlan(balance, pool.Size(), perAccountAmount)
	if err != nil {
		return nil, err
	}

	gasPrice := resolveGasPrice(ctx, d.client, d.opts.GasPrice, d.log)
	base, err := d.nonces.Initialize(ctx, funding)
	if err != nil {
		return nil, err
	}

	d.log.Info("Distributing funds",
		"funding", funding,
		"balance", balance,
		"reserve", plan.Reserve,
		"share", plan.Share,
		"workers", plan.Workers,
		"nonce", base,
	)

	start := time.Now()
	result := &Distribution{Plan: plan, GasPrice: gasPrice}
	for lo := 0; lo < pool.Size(); lo += BatchSize {
		hi := lo + BatchSize
		if hi > pool.Size() {
			hi = pool.Size()
		}
		if err := d.runBatch(ctx, pool, pool.Workers[lo:hi], plan.Share, gasPrice); err != nil {
			return result, fmt.Errorf("funding batch %d: %w", result.Batches, err)
		}
		result.Batches++
		result.Transfers += hi - lo
	}
	result.Duration = time.Since(start)

	d.log.Info("Distribution complete",
		"batches", result.Batches,
		"transfers", result.Transfers,
		"total", plan.Total(),
		"elapsed", result.Duration.Round(time.Millisecond),
	)
	return result, nil
}

func (d *Distributor) runBatch(ctx context.Context, pool *account.Pool, batch []*account.Account, share, gasPrice *big.Int) error {
	funding := pool.Funding
	// Nonces are assigned in order before any transfer of the batch starts.
	nonces := make([]uint64, len(batch))
	for i := range batch {
		n, err := d.nonces.Allocate(funding.Address)
		if err != nil {
			return ledger.NewFatal(ledger.KindTransferFailure, err)
		}
		nonces[i] = n
	}

	start := time.Now()
	// No shared context: a failure must not cut short the siblings' receipt waits.
	var g errgroup.Group
	for i, worker := range batch {
		tx := ledger.Transfer{
			From:     funding.Key,
			To:       worker.Address,
			Value:    share,
			Nonce:    nonces[i],
			GasLimit: d.opts.gasLimit(),
			GasPrice: gasPrice,
		}
		g.Go(func() error {
			if _, err := sendAndWait(ctx, d.client, tx, d.opts.ReceiptTimeout); err != nil {
				return ledger.NewFatal(ledger.KindTransferFailure,
					fmt.Errorf("fund %s with nonce %d: %w", tx.To, tx.Nonce, err))
			}
			d.log.Debug("Worker funded", "worker", tx.To, "nonce", tx.Nonce, "value", tx.Value)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if d.recorder != nil {
		d.recorder.RecordBatch(len(batch), time.Since(start))
	}
	d.log.Info("Funding batch confirmed", "size", len(batch), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
