// Package policy implements the pure evaluation step between request
// validation and fee computation: given a relayer's policy bundle, the
// incoming request, and a snapshot of current chain state, decide
// whether the request is admitted. It holds no I/O and no state; every
// fact it needs is passed in, matching mevshare's separation of pure
// validation (bundle_validation.go) from the backend that fetches the
// inputs.
package policy

import (
	"math/big"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// Snapshot is the chain state the evaluator needs but cannot derive from
// the request alone: the relayer's current native balance, in the base
// unit of its chain (wei, lamports, stroops).
type Snapshot struct {
	NativeBalance *big.Int
	// TokenBalances is keyed by mint; no check in this package reads it.
	TokenBalances map[chain.Address]*big.Int
}

// Evaluate runs every check spec.md §4.4 names for the relayer's chain
// family and returns the first violation found, or nil if the request is
// admitted. Checks run in a fixed order so error precedence is stable
// across calls.
func Evaluate(relayer *relaymodel.Relayer, req *chain.Request, snap Snapshot) error {
	switch req.ChainType {
	case chain.EVM:
		return evaluateEVM(relayer.Policy.EVM, req.EVM, snap)
	case chain.Solana:
		return evaluateSolana(relayer.Policy.Solana, req.Solana, snap)
	case chain.Stellar:
		return evaluateStellar(relayer.Policy.Stellar, req.Stellar, snap)
	default:
		return chain.ErrAmbiguousRequest
	}
}

func evaluateEVM(p *relaymodel.EVMPolicy, r *chain.EVMRequest, snap Snapshot) error {
	if p == nil || r == nil {
		return nil
	}
	if len(p.WhitelistReceivers) > 0 && !containsAddress(p.WhitelistReceivers, r.To) {
		return relaymodel.ErrReceiverNotAllowed
	}
	if p.GasPriceCap != nil {
		priceCap := new(big.Int).SetUint64(*p.GasPriceCap)
		if r.GasPrice != nil && r.GasPrice.Cmp(priceCap) > 0 {
			return relaymodel.ErrGasPriceOverCap
		}
		if r.MaxFeePerGas != nil && r.MaxFeePerGas.Cmp(priceCap) > 0 {
			return relaymodel.ErrGasPriceOverCap
		}
	}
	if violatesMinBalance(p.MinBalance, p.StrictBalance, snap.NativeBalance) {
		return relaymodel.ErrInsufficientBalance
	}
	return nil
}

func evaluateSolana(p *relaymodel.SolanaPolicy, r *chain.SolanaRequest, snap Snapshot) error {
	if p == nil || r == nil {
		return nil
	}
	if len(p.AllowedPrograms) > 0 {
		for _, ix := range r.Instructions {
			if !containsAddress(p.AllowedPrograms, ix.ProgramID) {
				return relaymodel.ErrDisallowedProgram
			}
		}
	}
	if p.AllowedTokens != nil {
		for _, ix := range r.Instructions {
			if ix.TokenMint == nil {
				continue
			}
			if _, ok := p.AllowedTokens[*ix.TokenMint]; !ok {
				return relaymodel.ErrDisallowedToken
			}
			// allowed_tokens[mint].max_allowed_fee can only be checked
			// once the actual priority fee is known, which the fee
			// oracle doesn't resolve until the pending->submitted
			// transition; lifecycle.Engine.submitSolana enforces it
			// there, against Policy.Solana.AllowedTokens[*req.FeeTokenMint].
		}
	}
	if violatesMinBalance(p.MinBalance, p.StrictBalance, snap.NativeBalance) {
		return relaymodel.ErrInsufficientBalance
	}
	return nil
}

func evaluateStellar(_ *relaymodel.StellarPolicy, r *chain.StellarRequest, _ Snapshot) error {
	if r == nil {
		return nil
	}
	for _, op := range r.Operations {
		if op.Type != chain.OpPayment && r.Memo != nil && r.Memo.Type != chain.MemoNone {
			return relaymodel.ErrMemoNotAllowed
		}
	}
	return nil
}

func violatesMinBalance(min *uint64, strict bool, balance *big.Int) bool {
	if min == nil || balance == nil {
		return false
	}
	floor := new(big.Int).SetUint64(*min)
	below := balance.Cmp(floor) < 0
	return below && strict
}

func containsAddress(list []chain.Address, needle chain.Address) bool {
	for _, a := range list {
		if a == needle {
			return true
		}
	}
	return false
}
