// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/okx/surge/ledger"
)

var _ ledger.Client = (*Ledger)(nil)
var _ ledger.NetworkReader = (*Ledger)(nil)

// ErrUnknownTx is returned by WaitReceipt for hashes never broadcast.
var ErrUnknownTx = errors.New("unknown transaction")

// Sent is one accepted broadcast.
type Sent struct {
	Hash     ethcmn.Hash
	From     ethcmn.Address
	To       ethcmn.Address
	Value    *big.Int
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
	At       time.Time
}

// Ledger is a single-node account ledger. Transfers settle at broadcast time;
// receipts become visible after ReceiptDelay.
type Ledger struct {
	mu sync.Mutex

	balances map[ethcmn.Address]*big.Int
	nonces   map[ethcmn.Address]uint64
	used     map[ethcmn.Address]map[uint64]bool
	receipts map[ethcmn.Hash]*ledger.Receipt
	sent     []Sent
	height   uint64

	// GasPrice is returned by SuggestGasPrice unless GasPriceErr is set.
	GasPrice    *big.Int
	GasPriceErr error
	ChainID     *big.Int
	NetworkErr  error

	// ReceiptDelay is how long WaitReceipt blocks before answering.
	ReceiptDelay time.Duration
	// SendHook may reject a broadcast before it is applied.
	SendHook func(s Sent) error
	// RevertHook marks an accepted broadcast as failed on-chain.
	RevertHook func(s Sent) bool
	// NonceQueries counts PendingNonceAt calls per address.
	NonceQueries map[ethcmn.Address]int
}

// New returns an empty ledger with a 1 gwei gas price.
func New() *Ledger {
	return &Ledger{
		balances:     make(map[ethcmn.Address]*big.Int),
		nonces:       make(map[ethcmn.Address]uint64),
		used:         make(map[ethcmn.Address]map[uint64]bool),
		receipts:     make(map[ethcmn.Hash]*ledger.Receipt),
		GasPrice:     big.NewInt(1_000_000_000),
		ChainID:      big.NewInt(195),
		NonceQueries: make(map[ethcmn.Address]int),
	}
}

// SetBalance overwrites the balance of addr.
func (l *Ledger) SetBalance(addr ethcmn.Address, wei *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = new(big.Int).Set(wei)
}

// Balance returns the current balance of addr.
func (l *Ledger) Balance(addr ethcmn.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(addr)
}

// SetNonce overwrites the pending nonce of addr.
func (l *Ledger) SetNonce(addr ethcmn.Address, nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonces[addr] = nonce
}

// Nonce returns the pending nonce of addr.
func (l *Ledger) Nonce(addr ethcmn.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[addr]
}

// Sent returns a copy of every accepted broadcast in arrival order.
func (l *Ledger) Sent() []Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Sent, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentFrom returns accepted broadcasts signed by addr.
func (l *Ledger) SentFrom(addr ethcmn.Address) []Sent {
	var out []Sent
	for _, s := range l.Sent() {
		if s.From == addr {
			out = append(out, s)
		}
	}
	return out
}

func (l *Ledger) balanceLocked(addr ethcmn.Address) *big.Int {
	if b, ok := l.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (l *Ledger) BalanceAt(ctx context.Context, addr ethcmn.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.Balance(addr), nil
}

func (l *Ledger) PendingNonceAt(ctx context.Context, addr ethcmn.Address) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.NonceQueries[addr]++
	return l.nonces[addr], nil
}

func (l *Ledger) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if l.GasPriceErr != nil {
		return nil, l.GasPriceErr
	}
	return new(big.Int).Set(l.GasPrice), nil
}

func (l *Ledger) NetworkInfo(ctx context.Context) (*ledger.Network, error) {
	if l.NetworkErr != nil {
		return nil, l.NetworkErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return &ledger.Network{ChainID: l.ChainID, NetworkID: l.ChainID, Head: l.height}, nil
}

// SendTransfer applies tx immediately. Nonces below the pending nonce or
// already used are rejected the way geth rejects them; gaps are accepted.
func (l *Ledger) SendTransfer(ctx context.Context, tx ledger.Transfer) (ethcmn.Hash, error) {
	if err := ctx.Err(); err != nil {
		return ethcmn.Hash{}, err
	}
	from := crypto.PubkeyToAddress(tx.From.PublicKey)
	s := Sent{
		From:     from,
		To:       tx.To,
		Value:    new(big.Int).Set(tx.Value),
		Nonce:    tx.Nonce,
		GasLimit: tx.GasLimit,
		GasPrice: new(big.Int).Set(tx.GasPrice),
		At:       time.Now(),
	}
	s.Hash = crypto.Keccak256Hash(from.Bytes(), new(big.Int).SetUint64(tx.Nonce).Bytes(), tx.To.Bytes())

	if l.SendHook != nil {
		if err := l.SendHook(s); err != nil {
			return ethcmn.Hash{}, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used[from][tx.Nonce] {
		return ethcmn.Hash{}, fmt.Errorf("already known")
	}
	if tx.Nonce < l.nonces[from] {
		return ethcmn.Hash{}, fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from, tx.Nonce, l.nonces[from])
	}
	fee := new(big.Int).Mul(new(big.Int).SetUint64(tx.GasLimit), tx.GasPrice)
	cost := new(big.Int).Add(fee, tx.Value)
	balance := l.balanceLocked(from)
	if balance.Cmp(cost) < 0 {
		return ethcmn.Hash{}, fmt.Errorf("insufficient funds for gas * price + value: address %s have %s want %s", from, balance, cost)
	}

	if l.used[from] == nil {
		l.used[from] = make(map[uint64]bool)
	}
	l.used[from][tx.Nonce] = true
	if tx.Nonce+1 > l.nonces[from] {
		l.nonces[from] = tx.Nonce + 1
	}
	l.height++

	status := ledger.StatusConfirmed
	if l.RevertHook != nil && l.RevertHook(s) {
		status = ledger.StatusFailed
		l.balances[from] = balance.Sub(balance, fee)
	} else {
		l.balances[from] = balance.Sub(balance, cost)
		l.balances[tx.To] = new(big.Int).Add(l.balanceLocked(tx.To), tx.Value)
	}
	l.receipts[s.Hash] = &ledger.Receipt{
		TxHash:      s.Hash,
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(l.height),
		GasUsed:     tx.GasLimit,
	}
	l.sent = append(l.sent, s)
	return s.Hash, nil
}

func (l *Ledger) WaitReceipt(ctx context.Context, hash ethcmn.Hash) (*ledger.Receipt, error) {
	if l.ReceiptDelay > 0 {
		select {
		case <-time.After(l.ReceiptDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	if !ok {
		return nil, ErrUnknownTx
	}
	cp := *r
	return &cp, nil
}

// BlockNumber returns the current height. Every accepted broadcast mines one block.
func (l *Ledger) BlockNumber(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height, nil
}

// BlockTxCount returns 1 for every mined height.
func (l *Ledger) BlockTxCount(ctx context.Context, height uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if height == 0 || height > l.height {
		return 0, fmt.Errorf("block %d not found", height)
	}
	return 1, nil
}
