package bench

import (
	"context"
	"math/big"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/okx/surge/account"
	"github.com/okx/surge/funds"
	"github.com/okx/surge/ledger"
	"github.com/okx/surge/nonce"
	"github.com/okx/surge/utils"
)

// CollectFromKeys sweeps the workers behind workerKeys back to the funding
// account. It recovers funds of a run that died before its own collection.
func CollectFromKeys(ctx context.Context, cfg *utils.Config, client ledger.Client, workerKeys []string, l log.Logger) (*funds.CollectResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := account.LoadPool(cfg.PrivateKey, workerKeys)
	if err != nil {
		return nil, err
	}
	l.Info("Collecting from saved workers", "count", pool.Size(), "funding", pool.Funding.Address)

	collector := funds.NewCollector(client, nonce.NewAllocator(client, l), funds.Options{
		GasLimit:       cfg.GasLimit,
		GasPrice:       cfg.GasPrice(),
		ReceiptTimeout: cfg.ReceiptTimeout,
	}, l)
	return collector.CollectAll(ctx, pool)
}

// AccountState is the balance and pending nonce of one address.
type AccountState struct {
	Address ethcmn.Address
	Balance *big.Int
	Nonce   uint64
}

// FundingState reads the funding account's balance and pending nonce.
func FundingState(ctx context.Context, cfg *utils.Config, client ledger.Client) (*AccountState, error) {
	funding, err := account.FromHex(cfg.PrivateKey)
	if err != nil {
		return nil, ledger.NewFatal(ledger.KindConfigValidation, err)
	}
	balance, err := client.BalanceAt(ctx, funding.Address)
	if err != nil {
		return nil, err
	}
	n, err := client.PendingNonceAt(ctx, funding.Address)
	if err != nil {
		return nil, err
	}
	return &AccountState{Address: funding.Address, Balance: balance, Nonce: n}, nil
}
