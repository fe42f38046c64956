package rpcpool

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EVMTransport is the minimal EVM JSON-RPC request surface spec.md §4.2
// names, backed by a single Pool.
type EVMTransport struct {
	pool *Pool
}

func NewEVMTransport(pool *Pool) *EVMTransport {
	return &EVMTransport{pool: pool}
}

func (t *EVMTransport) SendRawTransaction(ctx context.Context, rawTx []byte) (string, error) {
	var hash string
	err := t.pool.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(rawTx)}, &hash)
	return hash, err
}

// Receipt mirrors the subset of eth_getTransactionReceipt fields the
// lifecycle engine needs to decide inclusion depth.
type Receipt struct {
	TransactionHash string         `json:"transactionHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
	BlockHash       string         `json:"blockHash"`
	Status          *hexutil.Uint64 `json:"status"`
	GasUsed         *hexutil.Uint64 `json:"gasUsed"`
}

func (t *EVMTransport) GetTransactionReceipt(ctx context.Context, hash string) (*Receipt, error) {
	var r *Receipt
	err := t.pool.Call(ctx, "eth_getTransactionReceipt", []any{hash}, &r)
	return r, err
}

func (t *EVMTransport) GetTransactionCount(ctx context.Context, address, blockTag string) (uint64, error) {
	var raw hexutil.Uint64
	err := t.pool.Call(ctx, "eth_getTransactionCount", []any{address, blockTag}, &raw)
	return uint64(raw), err
}

func (t *EVMTransport) GasPrice(ctx context.Context) (*hexutil.Big, error) {
	var raw hexutil.Big
	err := t.pool.Call(ctx, "eth_gasPrice", []any{}, &raw)
	return &raw, err
}

// FeeHistory mirrors eth_feeHistory's response shape.
type FeeHistory struct {
	BaseFeePerGas []hexutil.Big   `json:"baseFeePerGas"`
	Reward        [][]hexutil.Big `json:"reward"`
}

func (t *EVMTransport) FeeHistory(ctx context.Context, blockCount int, newestBlock string, percentiles []float64) (*FeeHistory, error) {
	var fh FeeHistory
	err := t.pool.Call(ctx, "eth_feeHistory", []any{hexutil.Uint64(blockCount), newestBlock, percentiles}, &fh)
	return &fh, err
}

func (t *EVMTransport) EstimateGas(ctx context.Context, callArgs map[string]any) (uint64, error) {
	var raw hexutil.Uint64
	err := t.pool.Call(ctx, "eth_estimateGas", []any{callArgs}, &raw)
	return uint64(raw), err
}

func (t *EVMTransport) GetBalance(ctx context.Context, address, blockTag string) (*hexutil.Big, error) {
	var raw hexutil.Big
	err := t.pool.Call(ctx, "eth_getBalance", []any{address, blockTag}, &raw)
	return &raw, err
}

func (t *EVMTransport) BlockNumber(ctx context.Context) (uint64, error) {
	var raw hexutil.Uint64
	err := t.pool.Call(ctx, "eth_blockNumber", []any{}, &raw)
	return uint64(raw), err
}

// GetTransactionByHash is used on "nonce too low / already known" to
// fetch the transaction the chain already has, per spec.md §4.8's
// failure classification.
func (t *EVMTransport) GetTransactionByHash(ctx context.Context, hash string) (map[string]any, error) {
	var tx map[string]any
	err := t.pool.Call(ctx, "eth_getTransactionByHash", []any{hash}, &tx)
	if err != nil {
		return nil, fmt.Errorf("rpcpool: get transaction by hash: %w", err)
	}
	return tx, nil
}
