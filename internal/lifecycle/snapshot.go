package lifecycle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/policy"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// snapshot fetches the relayer's native balance, the one piece of live
// chain state the Policy Evaluator's min_balance check needs. Token
// balances are left empty: allowed_tokens enforces a max fee per mint,
// not a balance floor, so the policy layer never reads snap.TokenBalances
// today (kept on Snapshot for forward compatibility with the token-gated
// policy rules the source config format predates).
func (e *Engine) snapshot(ctx context.Context, rt *ChainRuntime, relayer *relaymodel.Relayer) (policy.Snapshot, error) {
	switch rt.Params.Type {
	case chain.EVM:
		balance, err := rt.EVM.GetBalance(ctx, string(relayer.Address), "latest")
		if err != nil {
			return policy.Snapshot{}, fmt.Errorf("lifecycle: fetch evm balance: %w", err)
		}
		return policy.Snapshot{NativeBalance: balance.ToInt()}, nil
	case chain.Solana:
		lamports, err := rt.Solana.GetBalance(ctx, string(relayer.Address))
		if err != nil {
			return policy.Snapshot{}, fmt.Errorf("lifecycle: fetch solana balance: %w", err)
		}
		return policy.Snapshot{NativeBalance: new(big.Int).SetUint64(lamports)}, nil
	case chain.Stellar:
		// Stellar's policy bundle carries no min_balance check today
		// (spec.md §3: "base-only"), so there is nothing worth an RPC
		// round trip for.
		return policy.Snapshot{}, nil
	default:
		return policy.Snapshot{}, fmt.Errorf("%w: %s", ErrUnsupportedChainType, rt.Params.Type)
	}
}
