package fee

import (
	"context"
	"fmt"
	"sort"

	"github.com/relaynet/chain-relayer/internal/rpcpool"
)

// solanaPercentile is the percentile of getRecentPrioritizationFees'
// per-slot sample this core uses, per SPEC_FULL.md §9(b): the median of
// the last 150 slots, a window wide enough to smooth single-slot spikes
// without lagging a genuine congestion trend.
const (
	solanaSampleSlots = 150
	solanaPercentile  = 50
)

// SolanaOracle computes a compute-unit priority fee in micro-lamports
// from recent-slot prioritization fee samples.
type SolanaOracle struct {
	transport *rpcpool.SolanaTransport
}

func NewSolanaOracle(transport *rpcpool.SolanaTransport) *SolanaOracle {
	return &SolanaOracle{transport: transport}
}

// PriorityFeeMicroLamports returns the percentile prioritization fee
// across the accounts the transaction will touch (write-locked accounts
// bias the fee market more than read-only ones, per Solana's own
// guidance), or 0 when the node returns no samples.
func (o *SolanaOracle) PriorityFeeMicroLamports(ctx context.Context, writableAccounts []string) (uint64, error) {
	samples, err := o.transport.GetRecentPrioritizationFees(ctx, writableAccounts)
	if err != nil {
		return 0, fmt.Errorf("fee: recent prioritization fees: %w", err)
	}
	if len(samples) == 0 {
		return 0, nil
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].Slot > samples[j].Slot })
	if len(samples) > solanaSampleSlots {
		samples = samples[:solanaSampleSlots]
	}

	fees := make([]uint64, len(samples))
	for i, s := range samples {
		fees[i] = s.PrioritizationFee
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i] < fees[j] })

	idx := (len(fees) * solanaPercentile) / 100
	if idx >= len(fees) {
		idx = len(fees) - 1
	}
	return fees[idx], nil
}
