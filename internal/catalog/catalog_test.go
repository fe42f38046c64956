package catalog

import (
	"testing"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/stretchr/testify/require"
)

func TestLoadResolvesInheritance(t *testing.T) {
	chainID := uint64(1)
	childChainID := uint64(5)
	raw := []RawNetwork{
		{
			ID:      "evm-mainnet-base",
			Type:    "evm",
			ChainID: &chainID,
			RPCURLs: []RawRPCURL{{URL: "https://rpc-a", Weight: 100}},
		},
		{
			ID:      "evm-goerli",
			From:    "evm-mainnet-base",
			ChainID: &childChainID,
		},
	}

	cat, err := Load(raw)
	require.NoError(t, err)

	child, err := cat.Get("evm-goerli")
	require.NoError(t, err)
	require.Equal(t, chain.EVM, child.Type)
	require.Equal(t, uint64(5), child.ChainID)
	require.Len(t, child.RPCURLs, 1)
	require.Equal(t, "https://rpc-a", child.RPCURLs[0].URL)
}

func TestLoadDetectsCycle(t *testing.T) {
	raw := []RawNetwork{
		{ID: "a", From: "b", Type: "evm", RPCURLs: []RawRPCURL{{URL: "x", Weight: 1}}},
		{ID: "b", From: "a", Type: "evm", RPCURLs: []RawRPCURL{{URL: "x", Weight: 1}}},
	}
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrInheritanceCycle)
}

func TestLoadDetectsMissingParent(t *testing.T) {
	raw := []RawNetwork{
		{ID: "a", From: "ghost", Type: "evm", RPCURLs: []RawRPCURL{{URL: "x", Weight: 1}}},
	}
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrUnresolvedParent)
}

func TestLoadFailsClosedOnMissingRPCURLs(t *testing.T) {
	raw := []RawNetwork{
		{ID: "a", Type: "evm"},
	}
	_, err := Load(raw)
	require.ErrorIs(t, err, ErrMissingRPCURLs)
}

func TestGetUnknownNetwork(t *testing.T) {
	cat, err := Load(nil)
	require.NoError(t, err)
	_, err = cat.Get("nope")
	require.ErrorIs(t, err, ErrUnknownNetwork)
}
