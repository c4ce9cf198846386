package utils

import (
	"context"
	"errors"
	"math/big"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/okx/surge/ledger"
)

var testChainID = big.NewInt(195)

// fakeEth answers the handful of eth_ methods EthClient uses
type fakeEth struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	receipts map[ethcmn.Hash]*types.Receipt
	reject   error
}

func (f *fakeEth) ChainId() *hexutil.Big { return (*hexutil.Big)(testChainID) }

func (f *fakeEth) BlockNumber() hexutil.Uint64 { return 42 }

func (f *fakeEth) GetBalance(addr ethcmn.Address, block string) *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(1234))
}

func (f *fakeEth) SendRawTransaction(data hexutil.Bytes) (ethcmn.Hash, error) {
	if f.reject != nil {
		return ethcmn.Hash{}, f.reject
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return ethcmn.Hash{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		GasUsed:           21000,
		Logs:              []*types.Log{},
		TxHash:            tx.Hash(),
		BlockNumber:       big.NewInt(43),
	}
	return tx.Hash(), nil
}

func (f *fakeEth) GetTransactionReceipt(hash ethcmn.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[hash], nil
}

func (f *fakeEth) GetBlockTransactionCountByNumber(num hexutil.Uint64) *hexutil.Uint {
	n := hexutil.Uint(uint64(num) % 7)
	return &n
}

type fakeNet struct{}

func (fakeNet) Version() string { return "195" }

func newTestEthClient(t *testing.T, svc *fakeEth) *EthClient {
	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("eth", svc))
	require.NoError(t, srv.RegisterName("net", fakeNet{}))
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	cli, err := NewEthClient(context.Background(), ts.URL)
	require.NoError(t, err)
	t.Cleanup(cli.Close)
	cli.PollInterval = 10 * time.Millisecond
	cli.ReceiptTimeout = time.Second
	return cli
}

func TestEthClientTransferRoundTrip(t *testing.T) {
	svc := &fakeEth{receipts: make(map[ethcmn.Hash]*types.Receipt)}
	cli := newTestEthClient(t, svc)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := ethcmn.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	hash, err := cli.SendTransfer(ctx, ledger.Transfer{
		From:     key,
		To:       to,
		Value:    big.NewInt(5),
		Nonce:    9,
		GasLimit: 21000,
		GasPrice: big.NewInt(1_000_000_000),
	})
	require.NoError(t, err)
	require.Len(t, svc.sent, 1)

	tx := svc.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint64(9), tx.Nonce())
	require.Equal(t, to, *tx.To())
	sender, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	require.Equal(t, GetEthAddressFromPK(key), sender)

	receipt, err := cli.WaitReceipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, receipt.Status)
	require.Equal(t, int64(43), receipt.BlockNumber.Int64())
}

func TestEthClientClassifiesNonceErrors(t *testing.T) {
	svc := &fakeEth{receipts: make(map[ethcmn.Hash]*types.Receipt), reject: errors.New("nonce too low")}
	cli := newTestEthClient(t, svc)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = cli.SendTransfer(context.Background(), ledger.Transfer{
		From: key, Value: big.NewInt(1), GasLimit: 21000, GasPrice: big.NewInt(1),
	})
	require.True(t, ledger.IsKind(err, ledger.KindSequenceConflict), "%v", err)
}

func TestEthClientWaitReceiptTimeout(t *testing.T) {
	cli := newTestEthClient(t, &fakeEth{receipts: make(map[ethcmn.Hash]*types.Receipt)})
	cli.ReceiptTimeout = 50 * time.Millisecond

	_, err := cli.WaitReceipt(context.Background(), ethcmn.HexToHash("0x01"))
	require.ErrorIs(t, err, ErrTimeoutReached)
}

func TestEthClientQueries(t *testing.T) {
	cli := newTestEthClient(t, &fakeEth{receipts: make(map[ethcmn.Hash]*types.Receipt)})
	ctx := context.Background()

	bal, err := cli.BalanceAt(ctx, ethcmn.Address{})
	require.NoError(t, err)
	require.Equal(t, int64(1234), bal.Int64())

	info, err := cli.NetworkInfo(ctx)
	require.NoError(t, err)
	require.Equal(t, testChainID, info.ChainID)
	require.Equal(t, uint64(42), info.Head)

	n, err := cli.BlockTxCount(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, uint64(3), n)
}
