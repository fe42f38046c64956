// Package relaymodel holds the durable entities the rest of the core
// operates on: relayers, policy bundles, transaction records, RPC
// endpoints and nonce cursors. It mirrors the shape of
// original_source's RelayerRepoModel while replacing its Rust enums with
// Go tagged structs dispatched on chain.Type.
package relaymodel

import "github.com/relaynet/chain-relayer/internal/chain"

// Relayer is a named signing identity: one home network, one signer, one
// policy bundle.
type Relayer struct {
	ID             string
	DisplayName    string
	NetworkID      string
	SignerID       string
	NotificationID string
	Address        chain.Address

	// Paused is reversible: the relayer store's SetPaused sets and clears
	// it, and the supervisor's balance check toggles it against min_balance.
	Paused bool
	// SystemDisabled is engine-controlled: set after a permanent signer
	// error or a ConsistencyError, cleared only by operator intervention.
	SystemDisabled bool

	Policy PolicyBundle

	// CustomRPCURLs overrides the network catalog's endpoint list for
	// this relayer only, carried from original_source's
	// custom_rpc_urls. Empty means "use the network's endpoints".
	CustomRPCURLs []string
}

// Admitted reports whether the relayer currently accepts new requests.
func (r *Relayer) Admitted() (bool, error) {
	if r.SystemDisabled {
		return false, ErrSystemDisabled
	}
	if r.Paused {
		return false, ErrPaused
	}
	return true, nil
}

// PolicyBundle is the per-network-family policy. Exactly one of EVM,
// Solana, Stellar is populated, matching the Relayer's NetworkID's chain
// type; Stellar carries no fields today (base-only, per spec.md §3).
type PolicyBundle struct {
	ChainType chain.Type
	EVM       *EVMPolicy
	Solana    *SolanaPolicy
	Stellar   *StellarPolicy
}

// EVMPolicy is the EVM policy bundle from spec.md §3.
type EVMPolicy struct {
	GasPriceCap        *uint64 // wei
	EIP1559Pricing     bool
	GasLimitEstimation bool
	WhitelistReceivers []chain.Address
	MinBalance         *uint64 // wei; advisory unless StrictBalance
	StrictBalance      bool
}

// SolanaPolicy is the Solana policy bundle from spec.md §3.
type SolanaPolicy struct {
	FeePaymentStrategy chain.FeePaymentStrategy
	AllowedPrograms    []chain.Address
	AllowedTokens      map[chain.Address]TokenPolicy
	MinBalance         *uint64 // lamports
	StrictBalance      bool
	// SwapConfig is carried for config round-trip only; spec.md §9(c)
	// treats the cron job that would consume it as an external sibling
	// subsystem, not part of this core.
	SwapConfig *SwapConfig
}

// TokenPolicy bounds the fee an SPL-token fee payment may cost.
type TokenPolicy struct {
	MaxAllowedFee *uint64
}

// SwapConfig is opaque to the core; it exists so a relayer's Solana
// policy round-trips through the store unchanged.
type SwapConfig struct {
	Enabled    bool
	CronSpec   string
	TargetMint *chain.Address
}

// StellarPolicy is intentionally empty today; spec.md marks Stellar
// "base-only (future extension)".
type StellarPolicy struct{}
