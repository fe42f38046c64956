// Package txbuild assembles an unsigned, chain-native transaction from a
// validated request and priced fee parameters, computes the bytes the
// signer facade must sign over, and splices the resulting signature back
// in to produce the raw bytes the RPC transport broadcasts. Kept
// separate from internal/lifecycle so the state machine never has to
// know a chain's wire format.
package txbuild

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// EVMUnsigned is an unsigned EVM transaction plus the hash the signer
// must produce a signature over.
type EVMUnsigned struct {
	Tx          *types.Transaction
	SigningHash common.Hash
	chainID     *big.Int
}

// BuildEVMUnsigned constructs a legacy or EIP-1559 transaction from the
// request and fee params, depending on which fee fields are populated.
func BuildEVMUnsigned(req *chain.EVMRequest, nonce uint64, fee relaymodel.FeeParams, chainID *big.Int) (*EVMUnsigned, error) {
	if fee.GasLimit == nil {
		return nil, fmt.Errorf("txbuild: gas limit is required")
	}
	to := common.HexToAddress(string(req.To))
	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var tx *types.Transaction
	switch {
	case fee.MaxFeePerGas != nil && fee.MaxPriorityFeePerGas != nil:
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fee.MaxPriorityFeePerGas,
			GasFeeCap: fee.MaxFeePerGas,
			Gas:       *fee.GasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		})
	case fee.GasPrice != nil:
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: fee.GasPrice,
			Gas:      *fee.GasLimit,
			To:       &to,
			Value:    value,
			Data:     req.Data,
		})
	default:
		return nil, fmt.Errorf("txbuild: no fee parameters set")
	}

	txSigner := types.LatestSignerForChainID(chainID)
	return &EVMUnsigned{Tx: tx, SigningHash: txSigner.Hash(tx), chainID: chainID}, nil
}

// FinalizeEVM splices a 65-byte (r,s,v) signature produced by the signer
// facade back into the unsigned transaction, returning the raw bytes
// eth_sendRawTransaction expects and the transaction hash.
func FinalizeEVM(unsigned *EVMUnsigned, sig chain.Signature) (rawTx []byte, txHash string, err error) {
	if len(sig.Bytes) != 65 {
		return nil, "", fmt.Errorf("txbuild: evm signature must be 65 bytes, got %d", len(sig.Bytes))
	}
	txSigner := types.LatestSignerForChainID(unsigned.chainID)
	signedTx, err := unsigned.Tx.WithSignature(txSigner, sig.Bytes)
	if err != nil {
		return nil, "", fmt.Errorf("txbuild: apply signature: %w", err)
	}
	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("txbuild: marshal signed tx: %w", err)
	}
	return raw, signedTx.Hash().Hex(), nil
}

// BuildEVMCancellation builds a zero-value self-transfer at the given
// nonce, the cancellation mechanism spec.md §5 names for EVM.
func BuildEVMCancellation(from chain.Address, nonce uint64, fee relaymodel.FeeParams, chainID *big.Int) (*EVMUnsigned, error) {
	req := &chain.EVMRequest{To: from, Value: big.NewInt(0)}
	return BuildEVMUnsigned(req, nonce, fee, chainID)
}
