package fee

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/rpcpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func contextBG() context.Context { return context.Background() }

type rpcCall struct {
	Method string `json:"method"`
}

func jsonrpcRouter(t *testing.T, handlers map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		result, ok := handlers[call.Method]
		require.True(t, ok, "unexpected method %s", call.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":` + result + `}`))
	}))
}

func TestEVMOracleEIP1559Fees(t *testing.T) {
	srv := jsonrpcRouter(t, map[string]string{
		"eth_feeHistory": `{
			"baseFeePerGas": ["0x3b9aca00", "0x3c9aca00"],
			"reward": [["0x5f5e100"], ["0x7735940"]]
		}`,
	})
	defer srv.Close()

	pool := rpcpool.New(zap.NewNop(), []relaymodel.Endpoint{{URL: srv.URL, Weight: 1}})
	oracle := NewEVMOracle(rpcpool.NewEVMTransport(pool))

	maxFee, priorityFee, err := oracle.EIP1559Fees(contextBG(), "average")
	require.NoError(t, err)

	// spec.md §4.6: max_fee_per_gas = 2 × latest base_fee + priority_fee,
	// independent of speed tier; priority_fee is the median of the
	// sampled reward percentile across the window.
	latestBaseFee, ok := new(big.Int).SetString("3c9aca00", 16)
	require.True(t, ok)
	reward1, ok := new(big.Int).SetString("5f5e100", 16)
	require.True(t, ok)
	reward2, ok := new(big.Int).SetString("7735940", 16)
	require.True(t, ok)
	wantPriorityFee := new(big.Int).Div(new(big.Int).Add(reward1, reward2), big.NewInt(2))
	wantMaxFee := new(big.Int).Add(new(big.Int).Mul(latestBaseFee, big.NewInt(2)), wantPriorityFee)

	require.Equal(t, wantPriorityFee, priorityFee)
	require.Equal(t, wantMaxFee, maxFee)
}

func TestEVMOracleEstimateGasLimitFallsBackToSelectorTable(t *testing.T) {
	pool := rpcpool.New(zap.NewNop(), nil)
	oracle := NewEVMOracle(rpcpool.NewEVMTransport(pool))

	erc20Transfer := []byte{0xa9, 0x05, 0x9c, 0xbb}
	limit, err := oracle.EstimateGasLimit(contextBG(), nil, erc20Transfer, false)
	require.NoError(t, err)
	require.Equal(t, uint64(65000), limit)
}

func TestEVMOracleEstimateGasLimitPlainTransferFallback(t *testing.T) {
	pool := rpcpool.New(zap.NewNop(), nil)
	oracle := NewEVMOracle(rpcpool.NewEVMTransport(pool))

	limit, err := oracle.EstimateGasLimit(contextBG(), nil, nil, false)
	require.NoError(t, err)
	require.Equal(t, uint64(21000), limit)
}
