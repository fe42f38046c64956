// Package lifecycle implements the Lifecycle Engine state machine
// (spec.md §4.8): it drives a Transaction Record from pending through
// submission, monitoring, replacement and confirmation, dispatching on
// the record's chain.Type exactly as the Policy Evaluator and Fee Oracle
// do. Monitoring is driven by internal/monitorqueue the same way
// simqueue.RedisQueue drives mevshare's bundle-simulation retry loop:
// Process is registered as the queue's ProcessFunc, and a record
// reschedules its own next check by calling Schedule again rather than
// relying on the queue's generic retry backoff, since poll cadence here
// is chain-blocktime-driven, not failure-driven.
package lifecycle

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/relaynet/chain-relayer/internal/catalog"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/fee"
	"github.com/relaynet/chain-relayer/internal/rpcpool"
)

// EVMTransport is the subset of rpcpool.EVMTransport the engine needs;
// *rpcpool.EVMTransport satisfies it structurally.
type EVMTransport interface {
	SendRawTransaction(ctx context.Context, rawTx []byte) (string, error)
	GetTransactionReceipt(ctx context.Context, hash string) (*rpcpool.Receipt, error)
	GetTransactionCount(ctx context.Context, address, blockTag string) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GetBalance(ctx context.Context, address, blockTag string) (*hexutil.Big, error)
	GetTransactionByHash(ctx context.Context, hash string) (map[string]any, error)
}

// EVMFeeOracle is the subset of fee.EVMOracle the engine needs.
type EVMFeeOracle interface {
	LegacyGasPrice(ctx context.Context, speed string) (*big.Int, error)
	EIP1559Fees(ctx context.Context, speed string) (maxFeePerGas, maxPriorityFeePerGas *big.Int, err error)
	EstimateGasLimit(ctx context.Context, callArgs map[string]any, data []byte, gasLimitEstimation bool) (uint64, error)
}

// SolanaTransport is the subset of rpcpool.SolanaTransport the engine needs.
type SolanaTransport interface {
	GetLatestBlockhash(ctx context.Context) (*rpcpool.LatestBlockhash, error)
	SendTransaction(ctx context.Context, base64Tx string) (string, error)
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*rpcpool.SignatureStatus, error)
	GetBalance(ctx context.Context, address string) (uint64, error)
	GetSlot(ctx context.Context) (uint64, error)
}

// SolanaFeeOracle is the subset of fee.SolanaOracle the engine needs.
type SolanaFeeOracle interface {
	PriorityFeeMicroLamports(ctx context.Context, writableAccounts []string) (uint64, error)
}

// StellarTransport is the subset of rpcpool.StellarTransport the engine needs.
type StellarTransport interface {
	SendTransaction(ctx context.Context, envelopeXDR string) (*rpcpool.SendTransactionResult, error)
	GetTransaction(ctx context.Context, hash string) (*rpcpool.GetTransactionResult, error)
	GetLatestLedger(ctx context.Context) (*rpcpool.LatestLedgerResult, error)
	GetAccount(ctx context.Context, accountID string) (*rpcpool.AccountResult, error)
}

// StellarFeeOracle is the subset of fee.StellarOracle the engine needs.
type StellarFeeOracle interface {
	FeeBumpMaxFee(requestedMaxFee *int64) int64
}

// reorgWindow is the chain-specific depth beyond which a disappeared
// mined record is re-submitted from pending rather than re-polled as
// submitted, per spec.md §4.8's reorg handling.
var reorgWindow = map[chain.Type]uint64{
	chain.EVM:     64,
	chain.Solana:  150,
	chain.Stellar: 120,
}

// ChainRuntime bundles one network's transport and fee oracle, selected
// by the network's chain.Type; only the fields matching that type are
// populated.
type ChainRuntime struct {
	Params catalog.ChainParams

	EVM    EVMTransport
	EVMFee EVMFeeOracle

	Solana    SolanaTransport
	SolanaFee SolanaFeeOracle

	Stellar    StellarTransport
	StellarFee StellarFeeOracle
}

// NewChainRuntime builds the transport/oracle pair matching params.Type
// over a shared rpcpool.Pool.
func NewChainRuntime(params catalog.ChainParams, pool *rpcpool.Pool) *ChainRuntime {
	rt := &ChainRuntime{Params: params}
	switch params.Type {
	case chain.EVM:
		t := rpcpool.NewEVMTransport(pool)
		rt.EVM = t
		rt.EVMFee = fee.NewEVMOracle(t)
	case chain.Solana:
		t := rpcpool.NewSolanaTransport(pool)
		rt.Solana = t
		rt.SolanaFee = fee.NewSolanaOracle(t)
	case chain.Stellar:
		t := rpcpool.NewStellarTransport(pool)
		rt.Stellar = t
		rt.StellarFee = fee.NewStellarOracle()
	}
	return rt
}
