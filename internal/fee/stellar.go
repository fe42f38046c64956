package fee

// defaultFeeBumpStroops is the default max_fee SPEC_FULL.md §9 assigns a
// fee-bump transaction when the caller's request doesn't set one: high
// enough to outbid the inner transaction's own fee on a congested
// network, low enough not to need balance-floor approval.
const defaultFeeBumpStroops int64 = 1_000_000

// StellarOracle carries no live-chain sampling today; Soroban resource
// fees come from simulateTransaction's own minResourceFee, and the
// classic-network base fee is a network-wide constant, so there is
// nothing to poll per spec.md §4.6's Stellar note.
type StellarOracle struct{}

func NewStellarOracle() *StellarOracle { return &StellarOracle{} }

// FeeBumpMaxFee returns requestedMaxFee if set, else the default.
func (o *StellarOracle) FeeBumpMaxFee(requestedMaxFee *int64) int64 {
	if requestedMaxFee != nil {
		return *requestedMaxFee
	}
	return defaultFeeBumpStroops
}
