// Package account generates and holds the keys used during a run.
package account

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/okx/surge/ledger"
	"github.com/okx/surge/utils"
)

// Account is an address together with the key that signs for it.
type Account struct {
	Address ethcmn.Address
	Key     *ecdsa.PrivateKey
}

// FromKey wraps an existing private key.
func FromKey(key *ecdsa.PrivateKey) *Account {
	return &Account{Address: utils.GetEthAddressFromPK(key), Key: key}
}

// FromHex parses a hex private key with or without 0x prefix.
func FromHex(hexKey string) (*Account, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return FromKey(key), nil
}

// KeyHex returns the private key as 0x-prefixed hex.
func (a *Account) KeyHex() string {
	return hexutil.Encode(crypto.FromECDSA(a.Key))
}

// Generate returns a fresh account.
func Generate() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return FromKey(key), nil
}

// CreateAccounts generates n accounts with pairwise distinct addresses. The
// returned order is the order used for stagger and batch indexing.
func CreateAccounts(n int) ([]*Account, error) {
	if n <= 0 {
		return nil, ledger.Fatalf(ledger.KindInvalidCount, "account count must be positive, got %d", n)
	}
	accounts := make([]*Account, 0, n)
	seen := make(map[ethcmn.Address]struct{}, n)
	for len(accounts) < n {
		acc, err := Generate()
		if err != nil {
			return nil, fmt.Errorf("generate account %d: %w", len(accounts), err)
		}
		if _, dup := seen[acc.Address]; dup {
			continue
		}
		seen[acc.Address] = struct{}{}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// Pool owns the funding account and the worker accounts of a run.
type Pool struct {
	Funding *Account
	Workers []*Account
}

// NewPool parses the funding key and generates n workers.
func NewPool(fundingKeyHex string, n int) (*Pool, error) {
	funding, err := FromHex(fundingKeyHex)
	if err != nil {
		return nil, ledger.NewFatal(ledger.KindConfigValidation, err)
	}
	workers, err := CreateAccounts(n)
	if err != nil {
		return nil, err
	}
	return &Pool{Funding: funding, Workers: workers}, nil
}

// LoadPool rebuilds a pool from a funding key and previously saved worker keys.
func LoadPool(fundingKeyHex string, workerKeys []string) (*Pool, error) {
	funding, err := FromHex(fundingKeyHex)
	if err != nil {
		return nil, ledger.NewFatal(ledger.KindConfigValidation, err)
	}
	p := &Pool{Funding: funding}
	for i, k := range workerKeys {
		if k == "" {
			continue
		}
		acc, err := FromHex(k)
		if err != nil {
			return nil, fmt.Errorf("worker key %d: %w", i, err)
		}
		p.Workers = append(p.Workers, acc)
	}
	if len(p.Workers) == 0 {
		return nil, ledger.Fatalf(ledger.KindInvalidCount, "no worker keys loaded")
	}
	return p, nil
}

// Size returns the number of worker accounts.
func (p *Pool) Size() int { return len(p.Workers) }

// Addresses returns worker addresses in pool order.
func (p *Pool) Addresses() []ethcmn.Address {
	out := make([]ethcmn.Address, len(p.Workers))
	for i, w := range p.Workers {
		out[i] = w.Address
	}
	return out
}

// SaveKeys writes worker private keys to path, one per line.
func (p *Pool) SaveKeys(path string) error {
	lines := make([]string, len(p.Workers))
	for i, w := range p.Workers {
		lines[i] = w.KeyHex()
	}
	return utils.WriteDataToFile(path, lines)
}
