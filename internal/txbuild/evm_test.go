package txbuild

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/stretchr/testify/require"
)

func TestBuildAndFinalizeEVMDynamicFee(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	chainID := big.NewInt(1)
	gasLimit := uint64(21000)
	req := &chain.EVMRequest{
		To:    chain.Address("0x000000000000000000000000000000000000dEaD"),
		Value: big.NewInt(1000),
	}
	fee := relaymodel.FeeParams{
		MaxFeePerGas:         big.NewInt(50_000_000_000),
		MaxPriorityFeePerGas: big.NewInt(2_000_000_000),
		GasLimit:             &gasLimit,
	}

	unsigned, err := BuildEVMUnsigned(req, 7, fee, chainID)
	require.NoError(t, err)
	require.Equal(t, uint64(7), unsigned.Tx.Nonce())

	sig, err := crypto.Sign(unsigned.SigningHash.Bytes(), key)
	require.NoError(t, err)

	raw, txHash, err := FinalizeEVM(unsigned, chain.Signature{ChainType: chain.EVM, Bytes: sig})
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.NotEmpty(t, txHash)
}

func TestBuildEVMUnsignedLegacyFee(t *testing.T) {
	gasLimit := uint64(21000)
	req := &chain.EVMRequest{To: chain.Address("0x000000000000000000000000000000000000dEaD")}
	fee := relaymodel.FeeParams{GasPrice: big.NewInt(10_000_000_000), GasLimit: &gasLimit}

	unsigned, err := BuildEVMUnsigned(req, 1, fee, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, uint8(0), unsigned.Tx.Type())
}

func TestBuildEVMUnsignedRequiresFeeParams(t *testing.T) {
	gasLimit := uint64(21000)
	req := &chain.EVMRequest{To: chain.Address("0x000000000000000000000000000000000000dEaD")}
	_, err := BuildEVMUnsigned(req, 1, relaymodel.FeeParams{GasLimit: &gasLimit}, big.NewInt(1))
	require.Error(t, err)
}

func TestBuildEVMUnsignedRequiresGasLimit(t *testing.T) {
	req := &chain.EVMRequest{To: chain.Address("0x000000000000000000000000000000000000dEaD")}
	fee := relaymodel.FeeParams{GasPrice: big.NewInt(10_000_000_000)}
	_, err := BuildEVMUnsigned(req, 1, fee, big.NewInt(1))
	require.Error(t, err)
}

func TestFinalizeEVMRejectsShortSignature(t *testing.T) {
	gasLimit := uint64(21000)
	req := &chain.EVMRequest{To: chain.Address("0x000000000000000000000000000000000000dEaD")}
	fee := relaymodel.FeeParams{GasPrice: big.NewInt(10_000_000_000), GasLimit: &gasLimit}
	unsigned, err := BuildEVMUnsigned(req, 1, fee, big.NewInt(1))
	require.NoError(t, err)

	_, _, err = FinalizeEVM(unsigned, chain.Signature{Bytes: []byte{1, 2, 3}})
	require.Error(t, err)
}

func TestBuildEVMCancellationIsZeroValueSelfTransfer(t *testing.T) {
	gasLimit := uint64(21000)
	from := chain.Address("0x000000000000000000000000000000000000dEaD")
	fee := relaymodel.FeeParams{GasPrice: big.NewInt(10_000_000_000), GasLimit: &gasLimit}

	unsigned, err := BuildEVMCancellation(from, 3, fee, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, uint64(3), unsigned.Tx.Nonce())
	require.Equal(t, big.NewInt(0), unsigned.Tx.Value())
	require.NotNil(t, unsigned.Tx.To())
	require.True(t, strings.EqualFold(string(from), unsigned.Tx.To().Hex()))
}
