// Package funds moves value between the funding account and the workers:
// batched distribution before a run and a best-effort sweep after it.
package funds

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"

	"github.com/okx/surge/ledger"
)

// BatchSize is the number of funding transfers in flight at once.
const BatchSize = 20

// ReservePerAccount is kept back on the funding account for every worker to
// pay distribution fees.
var ReservePerAccount = big.NewInt(params.Ether / 100)

// Plan is the split of the funding balance across the workers.
type Plan struct {
	Balance   *big.Int
	Reserve   *big.Int
	Available *big.Int
	Share     *big.Int
	Workers   int
}

// Total is the value leaving the funding account, fees excluded.
func (p *Plan) Total() *big.Int {
	return new(big.Int).Mul(p.Share, big.NewInt(int64(p.Workers)))
}

// ComputePlan splits balance minus the reserve evenly across workers. A
// positive capPerAccount lowers the share to at most that value.
func ComputePlan(balance *big.Int, workers int, capPerAccount *big.Int) (*Plan, error) {
	if workers <= 0 {
		return nil, ledger.Fatalf(ledger.KindInvalidCount, "worker count must be positive, got %d", workers)
	}
	if balance == nil || balance.Sign() <= 0 {
		return nil, ledger.Fatalf(ledger.KindInsufficientFunds, "funding balance is 0")
	}

	w := big.NewInt(int64(workers))
	reserve := new(big.Int).Mul(ReservePerAccount, w)
	available := new(big.Int).Sub(balance, reserve)
	if available.Sign() <= 0 {
		return nil, ledger.Fatalf(ledger.KindInsufficientFunds,
			"funding balance %s does not cover the reserve %s for %d workers", balance, reserve, workers)
	}

	share := new(big.Int).Quo(available, w)
	if capPerAccount != nil && capPerAccount.Sign() > 0 && capPerAccount.Cmp(share) < 0 {
		share.Set(capPerAccount)
	}
	if share.Sign() == 0 {
		return nil, ledger.Fatalf(ledger.KindInsufficientFunds,
			"available %s wei cannot be split across %d workers", available, workers)
	}

	return &Plan{
		Balance:   new(big.Int).Set(balance),
		Reserve:   reserve,
		Available: available,
		Share:     share,
		Workers:   workers,
	}, nil
}
