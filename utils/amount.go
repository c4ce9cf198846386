package utils

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var weiPerEth = new(big.Float).SetInt(big.NewInt(params.Ether))

// ParseAmountWithETH parses amounts such as "1ETH", "0.01ETH" or "100 eth" into wei
func ParseAmountWithETH(amountStr string) (*big.Int, error) {
	amountStr = strings.TrimSpace(amountStr)

	if !strings.HasSuffix(strings.ToUpper(amountStr), "ETH") {
		return nil, fmt.Errorf("amount must end with 'ETH' suffix (e.g., '1ETH', '0.01ETH'), got %q", amountStr)
	}

	ethValue := strings.TrimSuffix(strings.ToUpper(amountStr), "ETH")
	ethValue = strings.TrimSpace(ethValue)

	ethRat, ok := new(big.Rat).SetString(ethValue)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value: %s", ethValue)
	}

	weiRat := ethRat.Mul(ethRat, new(big.Rat).SetInt64(params.Ether))
	wei := new(big.Int).Quo(weiRat.Num(), weiRat.Denom())

	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be greater than 0")
	}

	return wei, nil
}

// ParseGasPriceToBigInt converts a gwei amount to wei. Values with sub-wei
// precision fall back to 10 gwei.
func ParseGasPriceToBigInt(gasPriceGwei float64) *big.Int {
	wei := gasPriceGwei * params.GWei
	if wei < 0 || math.Floor(wei) != wei {
		return big.NewInt(10 * params.GWei)
	}
	return new(big.Int).SetUint64(uint64(wei))
}

// FormatEther renders wei as a decimal ETH string
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0 ETH"
	}
	eth := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerEth)
	return eth.Text('f', 6) + " ETH"
}
