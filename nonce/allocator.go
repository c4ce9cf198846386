// Package nonce caches per-account sequence numbers so that senders do not
// query the ledger before every transaction.
package nonce

import (
	"context"
	"fmt"
	"sync"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// Source reports the pending-inclusive transaction count of an address.
type Source interface {
	PendingNonceAt(ctx context.Context, addr ethcmn.Address) (uint64, error)
}

// Allocator hands out nonces per address. The cached value of an address only
// moves backwards through an explicit Resync.
type Allocator struct {
	mu     sync.Mutex
	next   map[ethcmn.Address]uint64
	source Source
	log    log.Logger
}

func NewAllocator(source Source, l log.Logger) *Allocator {
	return &Allocator{
		next:   make(map[ethcmn.Address]uint64),
		source: source,
		log:    l,
	}
}

// Initialize loads the ledger's pending nonce for addr and makes it the next
// value Allocate returns.
func (a *Allocator) Initialize(ctx context.Context, addr ethcmn.Address) (uint64, error) {
	n, err := a.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("query pending nonce of %s: %w", addr, err)
	}
	a.mu.Lock()
	a.next[addr] = n
	a.mu.Unlock()
	return n, nil
}

// Allocate returns the next nonce of addr and advances the cache by one.
func (a *Allocator) Allocate(addr ethcmn.Address) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.next[addr]
	if !ok {
		return 0, fmt.Errorf("nonce of %s is not initialized", addr)
	}
	a.next[addr] = n + 1
	return n, nil
}

// Resync reloads addr from the ledger after a detected conflict.
func (a *Allocator) Resync(ctx context.Context, addr ethcmn.Address) (uint64, error) {
	a.mu.Lock()
	prev, had := a.next[addr]
	a.mu.Unlock()

	n, err := a.Initialize(ctx, addr)
	if err != nil {
		return 0, err
	}
	if had {
		a.log.Debug("Nonce resynced", "addr", addr, "cached", prev, "ledger", n)
	}
	return n, nil
}

// Peek returns the cached next nonce without consuming it.
func (a *Allocator) Peek(addr ethcmn.Address) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n, ok := a.next[addr]
	return n, ok
}
