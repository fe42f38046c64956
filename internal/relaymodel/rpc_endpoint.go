package relaymodel

import "time"

// Endpoint is one member of an RPC Transport Pool, spec.md §3/§4.2.
// Health is derived from ConsecutiveFailures/CooldownUntil, never
// configured directly.
type Endpoint struct {
	URL                 string
	Weight              int
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// Healthy reports whether the endpoint is eligible for selection at `now`.
func (e *Endpoint) Healthy(now time.Time) bool {
	return now.After(e.CooldownUntil) || now.Equal(e.CooldownUntil)
}

// Cursor is the per-(relayer_id, chain_address) nonce cursor, spec.md §3.
type Cursor struct {
	RelayerID         string
	Address           string
	OnChainLatest     uint64
	AssignedHighWater uint64
}
