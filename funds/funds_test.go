package funds

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"

	"github.com/okx/surge/account"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/ledger/ledgertest"
	"github.com/okx/surge/nonce"
	"github.com/okx/surge/utils"
)

const fundingKey = "0x4bbbf85ce3377467afe5d46f804f221813b2bb87f24d81f60f1fcdbf7cbf4356"

func eth(amount string) *big.Int {
	v, err := utils.ParseAmountWithETH(amount + "ETH")
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() log.Logger { return log.NewLogger(log.DiscardHandler()) }

func newPool(t *testing.T, workers int) *account.Pool {
	pool, err := account.NewPool(fundingKey, workers)
	require.NoError(t, err)
	return pool
}

var testOpts = Options{GasLimit: 21000, ReceiptTimeout: time.Second}

func newDistributor(l *ledgertest.Ledger) *Distributor {
	return NewDistributor(l, nonce.NewAllocator(l, testLogger()), testOpts, testLogger())
}

func newCollector(l *ledgertest.Ledger, opts Options) *Collector {
	return NewCollector(l, nonce.NewAllocator(l, testLogger()), opts, testLogger())
}

func TestComputePlan(t *testing.T) {
	plan, err := ComputePlan(eth("10"), 10, nil)
	require.NoError(t, err)
	require.Equal(t, eth("0.1"), plan.Reserve)
	require.Equal(t, eth("0.99"), plan.Share)
	require.Equal(t, eth("9.9"), plan.Total())

	plan, err = ComputePlan(eth("10"), 10, eth("0.25"))
	require.NoError(t, err)
	require.Equal(t, eth("0.25"), plan.Share)

	// a cap above the even share has no effect
	plan, err = ComputePlan(eth("10"), 10, eth("5"))
	require.NoError(t, err)
	require.Equal(t, eth("0.99"), plan.Share)

	// remainder wei stay on the funding account
	plan, err = ComputePlan(new(big.Int).Add(eth("0.03"), big.NewInt(7)), 3, nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(2), plan.Share)
	require.True(t, new(big.Int).Add(plan.Total(), plan.Reserve).Cmp(plan.Balance) <= 0)
}

func TestComputePlanRejects(t *testing.T) {
	_, err := ComputePlan(big.NewInt(0), 10, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))
	require.True(t, ledger.IsFatal(err))

	_, err = ComputePlan(eth("0.1"), 10, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))

	_, err = ComputePlan(eth("0.05"), 10, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))

	_, err = ComputePlan(eth("1"), 0, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInvalidCount))
}

func TestDistributeSingleBatch(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 10)
	l.SetBalance(pool.Funding.Address, eth("10"))

	dist, err := newDistributor(l).Distribute(context.Background(), pool, nil)
	require.NoError(t, err)
	require.Equal(t, 1, dist.Batches)
	require.Equal(t, 10, dist.Transfers)
	require.Equal(t, eth("0.99"), dist.Plan.Share)

	sent := l.SentFrom(pool.Funding.Address)
	require.Len(t, sent, 10)
	var nonces []int
	for _, s := range sent {
		nonces = append(nonces, int(s.Nonce))
		require.Equal(t, eth("0.99"), s.Value)
	}
	sort.Ints(nonces)
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, nonces)

	for _, w := range pool.Workers {
		require.Equal(t, eth("0.99"), l.Balance(w.Address))
	}
	fee := new(big.Int).Mul(big.NewInt(21000), l.GasPrice)
	spent := new(big.Int).Add(eth("9.9"), new(big.Int).Mul(fee, big.NewInt(10)))
	require.Equal(t, new(big.Int).Sub(eth("10"), spent), l.Balance(pool.Funding.Address))
}

func TestDistributeZeroBalance(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 10)

	_, err := newDistributor(l).Distribute(context.Background(), pool, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))
	require.Empty(t, l.Sent())
	require.Zero(t, l.NonceQueries[pool.Funding.Address])
}

func TestDistributeBelowReserve(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 10)
	l.SetBalance(pool.Funding.Address, eth("0.1"))

	_, err := newDistributor(l).Distribute(context.Background(), pool, nil)
	require.True(t, ledger.IsKind(err, ledger.KindInsufficientFunds))
	require.Empty(t, l.Sent())
}

func TestDistributeBatchBarrier(t *testing.T) {
	l := ledgertest.New()
	l.ReceiptDelay = 30 * time.Millisecond
	pool := newPool(t, 45)
	l.SetBalance(pool.Funding.Address, eth("100"))

	dist, err := newDistributor(l).Distribute(context.Background(), pool, eth("1"))
	require.NoError(t, err)
	require.Equal(t, 3, dist.Batches)
	require.Equal(t, 45, dist.Transfers)

	sent := l.SentFrom(pool.Funding.Address)
	require.Len(t, sent, 45)
	batchOf := func(s ledgertest.Sent) int { return int(s.Nonce) / BatchSize }
	lastSend := map[int]time.Time{}
	firstSend := map[int]time.Time{}
	for _, s := range sent {
		b := batchOf(s)
		if s.At.After(lastSend[b]) {
			lastSend[b] = s.At
		}
		if first, ok := firstSend[b]; !ok || s.At.Before(first) {
			firstSend[b] = s.At
		}
	}
	for b := 1; b < 3; b++ {
		require.GreaterOrEqual(t, firstSend[b].Sub(lastSend[b-1]), l.ReceiptDelay,
			"batch %d started before batch %d confirmed", b, b-1)
	}
}

func TestDistributeBatchFailureAborts(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 45)
	l.SetBalance(pool.Funding.Address, eth("100"))
	l.RevertHook = func(s ledgertest.Sent) bool { return s.Nonce == 24 }

	dist, err := newDistributor(l).Distribute(context.Background(), pool, eth("1"))
	require.Error(t, err)
	require.True(t, ledger.IsKind(err, ledger.KindTransferFailure))
	require.True(t, ledger.IsFatal(err))
	require.Equal(t, 1, dist.Batches)

	// the failing batch ran to completion, the third batch never started
	sent := l.SentFrom(pool.Funding.Address)
	require.Len(t, sent, 40)
	for _, s := range sent {
		require.Less(t, s.Nonce, uint64(40))
	}
}

func TestDistributeBroadcastFailure(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 5)
	l.SetBalance(pool.Funding.Address, eth("10"))
	target := pool.Workers[3].Address
	l.SendHook = func(s ledgertest.Sent) error {
		if s.To == target {
			return errors.New("txpool is full")
		}
		return nil
	}

	_, err := newDistributor(l).Distribute(context.Background(), pool, nil)
	require.True(t, ledger.IsKind(err, ledger.KindTransferFailure))
	require.ErrorContains(t, err, "txpool is full")
	require.Len(t, l.Sent(), 4)
}

func TestCollectAll(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 3)
	l.SetBalance(pool.Funding.Address, eth("1"))

	fee := new(big.Int).Mul(big.NewInt(21000), l.GasPrice)
	dust := new(big.Int).Sub(fee, big.NewInt(1))
	l.SetBalance(pool.Workers[0].Address, eth("1"))
	l.SetBalance(pool.Workers[1].Address, dust)
	// Workers[2] stays empty
	l.SetNonce(pool.Workers[0].Address, 7)

	res, err := newCollector(l, testOpts).CollectAll(context.Background(), pool)
	require.NoError(t, err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 3, res.Succeeded)
	require.Zero(t, res.Failed())

	reclaimed := new(big.Int).Sub(eth("1"), fee)
	require.Equal(t, reclaimed, res.Reclaimed)
	require.Equal(t, new(big.Int).Add(eth("1"), reclaimed), res.FinalBalance)

	require.Equal(t, reclaimed, res.Sweeps[0].Amount)
	require.False(t, res.Sweeps[0].Skipped)
	require.True(t, res.Sweeps[1].Skipped)
	require.Zero(t, res.Sweeps[1].Amount.Sign())
	require.True(t, res.Sweeps[2].Skipped)

	require.Empty(t, l.SentFrom(pool.Workers[1].Address))
	require.Empty(t, l.SentFrom(pool.Workers[2].Address))
	sweeps := l.SentFrom(pool.Workers[0].Address)
	require.Len(t, sweeps, 1)
	require.Equal(t, uint64(7), sweeps[0].Nonce)
	require.Equal(t, dust, l.Balance(pool.Workers[1].Address))
	require.Zero(t, l.Balance(pool.Workers[0].Address).Sign())
}

func TestCollectAllIsolatesFailures(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 4)
	for _, w := range pool.Workers {
		l.SetBalance(w.Address, eth("0.5"))
	}
	bad := pool.Workers[2].Address
	l.SendHook = func(s ledgertest.Sent) error {
		if s.From == bad {
			return errors.New("connection reset by peer")
		}
		return nil
	}
	l.RevertHook = func(s ledgertest.Sent) bool { return s.From == pool.Workers[3].Address }

	res, err := newCollector(l, testOpts).CollectAll(context.Background(), pool)
	require.NoError(t, err)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 2, res.Failed())

	errs := res.Errors()
	require.Len(t, errs, 2)
	for _, e := range errs {
		require.True(t, ledger.IsKind(e, ledger.KindCollectionFailure))
		require.False(t, ledger.IsFatal(e))
	}
	fee := new(big.Int).Mul(big.NewInt(21000), l.GasPrice)
	each := new(big.Int).Sub(eth("0.5"), fee)
	require.Equal(t, new(big.Int).Mul(each, big.NewInt(2)), res.Reclaimed)
}

func TestCollectGasPriceFallback(t *testing.T) {
	l := ledgertest.New()
	l.GasPriceErr = errors.New("method not found")
	pool := newPool(t, 1)
	w := pool.Workers[0].Address
	l.SetBalance(w, eth("1"))

	res, err := newCollector(l, testOpts).CollectAll(context.Background(), pool)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	sent := l.SentFrom(w)
	require.Len(t, sent, 1)
	require.Equal(t, DefaultGasPrice, sent[0].GasPrice)
	fee := new(big.Int).Mul(big.NewInt(21000), DefaultGasPrice)
	require.Equal(t, new(big.Int).Sub(eth("1"), fee), res.Reclaimed)
}

func TestCollectConfiguredGasPrice(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 1)
	l.SetBalance(pool.Workers[0].Address, eth("1"))

	opts := testOpts
	opts.GasPrice = big.NewInt(5 * params.GWei)
	_, err := newCollector(l, opts).CollectAll(context.Background(), pool)
	require.NoError(t, err)
	sent := l.SentFrom(pool.Workers[0].Address)
	require.Len(t, sent, 1)
	require.Equal(t, opts.GasPrice, sent[0].GasPrice)
	require.Equal(t, pool.Funding.Address, sent[0].To)
}

func TestCollectFinalBalanceUnavailable(t *testing.T) {
	l := ledgertest.New()
	pool := newPool(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := newCollector(l, testOpts).CollectAll(ctx, pool)
	require.Error(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 2, res.Failed())
	require.Nil(t, res.FinalBalance)
}
