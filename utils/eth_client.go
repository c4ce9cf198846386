package utils

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	ethcmn "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/okx/surge/ledger"
)

var (
	_ ledger.Client        = (*EthClient)(nil)
	_ ledger.NetworkReader = (*EthClient)(nil)
	_ BlockReader          = (*EthClient)(nil)
)

// EthClient wraps the ethereum client with signing and receipt polling
type EthClient struct {
	*ethclient.Client
	rpcClient *rpc.Client
	signer    types.Signer

	// ReceiptTimeout bounds WaitReceipt; zero leaves it to the caller's context
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// createOptimizedHTTPClient creates an HTTP client optimized for connection pooling
func createOptimizedHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        300,
		MaxIdleConnsPerHost: 300,
		IdleConnTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		MaxConnsPerHost:     300,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   10 * time.Second,
	}
}

// NewEthClient dials url and resolves the chain id used for signing
func NewEthClient(ctx context.Context, url string) (*EthClient, error) {
	rpcClient, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(createOptimizedHTTPClient()))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rpc client: %w", err)
	}

	cli := ethclient.NewClient(rpcClient)

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}

	return &EthClient{
		Client:         cli,
		rpcClient:      rpcClient,
		signer:         types.LatestSignerForChainID(chainID),
		ReceiptTimeout: DefaultReceiptTimeout,
		PollInterval:   DefaultPollInterval,
	}, nil
}

// BalanceAt returns the latest balance of addr
func (e *EthClient) BalanceAt(ctx context.Context, addr ethcmn.Address) (*big.Int, error) {
	return e.Client.BalanceAt(ctx, addr, nil)
}

// SendTransfer signs and sends a legacy value transfer
func (e *EthClient) SendTransfer(ctx context.Context, tx ledger.Transfer) (ethcmn.Hash, error) {
	unsignedTx := types.NewTransaction(tx.Nonce, tx.To, tx.Value, tx.GasLimit, tx.GasPrice, nil)

	signedTx, err := types.SignTx(unsignedTx, e.signer, tx.From)
	if err != nil {
		return ethcmn.Hash{}, err
	}

	if err := e.SendTransaction(ctx, signedTx); err != nil {
		return ethcmn.Hash{}, ledger.ClassifySendError(err)
	}

	return signedTx.Hash(), nil
}

// WaitReceipt polls for the receipt of hash until it is mined
func (e *EthClient) WaitReceipt(ctx context.Context, hash ethcmn.Hash) (*ledger.Receipt, error) {
	var receipt *types.Receipt
	err := Poll(ctx, e.PollInterval, e.ReceiptTimeout, func() (bool, error) {
		var err error
		receipt, err = e.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("wait receipt %s: %w", hash, err)
	}

	status := ledger.StatusFailed
	if receipt.Status == types.ReceiptStatusSuccessful {
		status = ledger.StatusConfirmed
	}
	return &ledger.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: receipt.BlockNumber,
		GasUsed:     receipt.GasUsed,
	}, nil
}

// NetworkInfo reports chain id, network id and head height
func (e *EthClient) NetworkInfo(ctx context.Context) (*ledger.Network, error) {
	chainID, err := e.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	networkID, err := e.NetworkID(ctx)
	if err != nil {
		return nil, err
	}
	head, err := e.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	return &ledger.Network{ChainID: chainID, NetworkID: networkID, Head: head}, nil
}

// BlockTxCount returns the number of transactions included at height
func (e *EthClient) BlockTxCount(ctx context.Context, height uint64) (uint64, error) {
	var count *hexutil.Uint
	err := e.rpcClient.CallContext(ctx, &count, "eth_getBlockTransactionCountByNumber", hexutil.EncodeUint64(height))
	if err != nil {
		return 0, err
	}
	if count == nil {
		return 0, nil
	}
	return uint64(*count), nil
}

// Close releases the underlying connection
func (e *EthClient) Close() {
	e.rpcClient.Close()
}
