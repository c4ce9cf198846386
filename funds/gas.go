package funds

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"

	"github.com/okx/surge/ledger"
)

// DefaultGasPrice is used when the node cannot suggest one.
var DefaultGasPrice = big.NewInt(20 * params.GWei)

// Options are the transaction parameters shared by distribution and collection.
type Options struct {
	GasLimit       uint64
	GasPrice       *big.Int // nil asks the node
	ReceiptTimeout time.Duration
}

func (o Options) gasLimit() uint64 {
	if o.GasLimit == 0 {
		return params.TxGas
	}
	return o.GasLimit
}

// resolveGasPrice returns the configured price, else the node's suggestion,
// else DefaultGasPrice.
func resolveGasPrice(ctx context.Context, client ledger.Client, configured *big.Int, l log.Logger) *big.Int {
	if configured != nil && configured.Sign() > 0 {
		return new(big.Int).Set(configured)
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil || price == nil || price.Sign() <= 0 {
		l.Warn("Gas price unavailable, using default", "default", DefaultGasPrice, "err", err)
		return new(big.Int).Set(DefaultGasPrice)
	}
	return price
}

// sendAndWait broadcasts tx and waits for its receipt. A reverted receipt is
// returned together with an error.
func sendAndWait(ctx context.Context, client ledger.Client, tx ledger.Transfer, timeout time.Duration) (*ledger.Receipt, error) {
	hash, err := client.SendTransfer(ctx, tx)
	if err != nil {
		return nil, err
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	receipt, err := client.WaitReceipt(waitCtx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != ledger.StatusConfirmed {
		return receipt, fmt.Errorf("transaction %s reverted in block %v", hash.Hex(), receipt.BlockNumber)
	}
	return receipt, nil
}
