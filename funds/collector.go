package funds

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/okx/surge/account"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/nonce"
)

// Sweep is the outcome of collecting from one worker.
type Sweep struct {
	Worker  ethcmn.Address
	Amount  *big.Int
	Skipped bool // nothing above the fee was left
	Err     error
}

// CollectResult aggregates the sweeps of a collection.
type CollectResult struct {
	Total        int
	Succeeded    int
	Reclaimed    *big.Int
	FinalBalance *big.Int
	Sweeps       []Sweep
}

// Failed is the number of workers whose sweep failed.
func (r *CollectResult) Failed() int { return r.Total - r.Succeeded }

// Errors returns the per-worker failures.
func (r *CollectResult) Errors() []error {
	var errs []error
	for _, s := range r.Sweeps {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errs
}

// Collector sweeps worker balances back to the funding account.
type Collector struct {
	client ledger.Client
	nonces *nonce.Allocator
	opts   Options
	log    log.Logger
}

func NewCollector(client ledger.Client, nonces *nonce.Allocator, opts Options, l log.Logger) *Collector {
	return &Collector{client: client, nonces: nonces, opts: opts, log: l}
}

// CollectAll sweeps every worker concurrently. A failing worker never stops
// the others; it is only counted. The returned error is set only when the
// final funding balance cannot be read.
func (c *Collector) CollectAll(ctx context.Context, pool *account.Pool) (*CollectResult, error) {
	gasPrice := resolveGasPrice(ctx, c.client, c.opts.GasPrice, c.log)
	fee := new(big.Int).Mul(new(big.Int).SetUint64(c.opts.gasLimit()), gasPrice)

	result := &CollectResult{
		Total:     pool.Size(),
		Reclaimed: new(big.Int),
		Sweeps:    make([]Sweep, pool.Size()),
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for i, worker := range pool.Workers {
		i, worker := i, worker
		g.Go(func() error {
			s := c.collectOne(ctx, worker, pool.Funding.Address, fee, gasPrice)
			mu.Lock()
			defer mu.Unlock()
			result.Sweeps[i] = s
			if s.Err != nil {
				c.log.Warn("Collection failed", "worker", worker.Address, "err", s.Err)
				return nil
			}
			result.Succeeded++
			result.Reclaimed.Add(result.Reclaimed, s.Amount)
			return nil
		})
	}
	_ = g.Wait()

	final, err := c.client.BalanceAt(ctx, pool.Funding.Address)
	if err != nil {
		return result, fmt.Errorf("query funding balance after collection: %w", err)
	}
	result.FinalBalance = final

	c.log.Info("Collection complete",
		"succeeded", result.Succeeded,
		"total", result.Total,
		"reclaimed", result.Reclaimed,
		"fundingBalance", final,
	)
	return result, nil
}

func (c *Collector) collectOne(ctx context.Context, worker *account.Account, to ethcmn.Address, fee, gasPrice *big.Int) Sweep {
	s := Sweep{Worker: worker.Address, Amount: new(big.Int)}
	fail := func(err error) Sweep {
		s.Err = ledger.NewRecoverable(ledger.KindCollectionFailure, fmt.Errorf("collect from %s: %w", worker.Address, err))
		return s
	}

	balance, err := c.client.BalanceAt(ctx, worker.Address)
	if err != nil {
		return fail(err)
	}
	if balance.Cmp(fee) <= 0 {
		if balance.Sign() > 0 {
			c.log.Debug("Dust left on worker", "worker", worker.Address, "balance", balance, "fee", fee)
		}
		s.Skipped = true
		return s
	}

	if _, err := c.nonces.Initialize(ctx, worker.Address); err != nil {
		return fail(err)
	}
	n, err := c.nonces.Allocate(worker.Address)
	if err != nil {
		return fail(err)
	}
	value := new(big.Int).Sub(balance, fee)
	tx := ledger.Transfer{
		From:     worker.Key,
		To:       to,
		Value:    value,
		Nonce:    n,
		GasLimit: c.opts.gasLimit(),
		GasPrice: gasPrice,
	}
	if _, err := sendAndWait(ctx, c.client, tx, c.opts.ReceiptTimeout); err != nil {
		return fail(err)
	}
	s.Amount = value
	return s
}
