// Package fee computes the fee/gas parameters attached to each broadcast
// attempt: EVM legacy or EIP-1559 pricing from a speed tier, Solana
// priority fees from recent-slot percentile sampling, and Stellar
// fee-bump stroop amounts. It also enforces the replacement-bump rule
// (§4.6): a new attempt's fee must be at least 10% above the last one,
// capped by the relayer's policy.
package fee

import (
	"errors"
	"math/big"
)

// ErrNoFeeData is returned when the chain has no usable fee history to
// sample from (e.g. a brand new devnet with under a block of history).
var ErrNoFeeData = errors.New("fee: no fee history available")

// Speed multiplies base_rpc_gas_price into a target tier for legacy
// gas_price pricing, per spec.md §4.6's literal table. EIP-1559 pricing
// does not use this table at all: its max_fee_per_gas is a fixed
// 2×base_fee + priority_fee, with the speed tier only selecting the
// eth_feeHistory percentile the priority fee is sampled from.
var speedMultiplier = map[string]float64{
	"safest":  0.9,
	"average": 1.0,
	"fast":    1.25,
	"fastest": 1.5,
}

func multiplierFor(speed string) float64 {
	if m, ok := speedMultiplier[speed]; ok {
		return m
	}
	return speedMultiplier["average"]
}

// ApplyMultiplier scales base by a float multiplier using integer math
// (basis points) to avoid floating point drift on-chain values depend on.
func ApplyMultiplier(base *big.Int, multiplier float64) *big.Int {
	bps := int64(multiplier * 10000)
	scaled := new(big.Int).Mul(base, big.NewInt(bps))
	return scaled.Div(scaled, big.NewInt(10000))
}

// minimumBumpBps is the floor spec.md §4.6 requires for a replacement
// attempt: at least 10% above the previous attempt's fee.
const minimumBumpBps = 11000 // 110%

// RequiredReplacementFee returns the minimum fee a new attempt must
// carry to replace previous, per the 10%-bump rule.
func RequiredReplacementFee(previous *big.Int) *big.Int {
	scaled := new(big.Int).Mul(previous, big.NewInt(minimumBumpBps))
	return scaled.Div(scaled, big.NewInt(10000))
}
