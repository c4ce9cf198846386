// Package ledger defines what the load engine needs from a remote ledger and
// how failures coming back from it are classified.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	ethcmn "github.com/ethereum/go-ethereum/common"
)

// ReceiptStatus is the terminal outcome of a broadcast transfer.
type ReceiptStatus uint8

const (
	StatusFailed ReceiptStatus = iota
	StatusConfirmed
)

func (s ReceiptStatus) String() string {
	if s == StatusConfirmed {
		return "confirmed"
	}
	return "failed"
}

// Transfer is a plain value transfer signed with From and sent with an explicit nonce.
type Transfer struct {
	From     *ecdsa.PrivateKey
	To       ethcmn.Address
	Value    *big.Int
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// Receipt is the terminal ledger state of a transaction.
type Receipt struct {
	TxHash      ethcmn.Hash
	Status      ReceiptStatus
	BlockNumber *big.Int
	GasUsed     uint64
}

// Client is the set of ledger operations the engine consumes.
type Client interface {
	// BalanceAt returns the latest balance of addr in wei.
	BalanceAt(ctx context.Context, addr ethcmn.Address) (*big.Int, error)
	// PendingNonceAt returns the pending-inclusive transaction count of addr.
	PendingNonceAt(ctx context.Context, addr ethcmn.Address) (uint64, error)
	// SuggestGasPrice returns the node's current gas price estimate in wei.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	// SendTransfer signs and broadcasts tx, returning its hash.
	SendTransfer(ctx context.Context, tx Transfer) (ethcmn.Hash, error)
	// WaitReceipt blocks until hash reaches a terminal state or ctx is done.
	WaitReceipt(ctx context.Context, hash ethcmn.Hash) (*Receipt, error)
}

// Network identifies the chain behind a client.
type Network struct {
	ChainID   *big.Int
	NetworkID *big.Int
	Head      uint64
}

// NetworkReader is implemented by clients able to report chain identity.
type NetworkReader interface {
	NetworkInfo(ctx context.Context) (*Network, error)
}
