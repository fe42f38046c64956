package rpcpool

import "context"

// SolanaTransport is the minimal Solana JSON-RPC request surface spec.md
// §4.2 names.
type SolanaTransport struct {
	pool *Pool
}

func NewSolanaTransport(pool *Pool) *SolanaTransport {
	return &SolanaTransport{pool: pool}
}

type solanaContextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

func (t *SolanaTransport) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	var res solanaContextValue[LatestBlockhash]
	err := t.pool.Call(ctx, "getLatestBlockhash", []any{map[string]any{"commitment": "finalized"}}, &res)
	return &res.Value, err
}

func (t *SolanaTransport) SendTransaction(ctx context.Context, base64Tx string) (string, error) {
	var sig string
	err := t.pool.Call(ctx, "sendTransaction", []any{base64Tx, map[string]any{"encoding": "base64"}}, &sig)
	return sig, err
}

// SignatureStatus mirrors one element of getSignatureStatuses's value array.
type SignatureStatus struct {
	Slot               uint64 `json:"slot"`
	Confirmations      *int   `json:"confirmations"`
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

func (t *SolanaTransport) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	var res solanaContextValue[[]*SignatureStatus]
	err := t.pool.Call(ctx, "getSignatureStatuses", []any{signatures, map[string]any{"searchTransactionHistory": true}}, &res)
	return res.Value, err
}

func (t *SolanaTransport) GetBalance(ctx context.Context, address string) (uint64, error) {
	var res solanaContextValue[uint64]
	err := t.pool.Call(ctx, "getBalance", []any{address}, &res)
	return res.Value, err
}

func (t *SolanaTransport) GetAccountInfo(ctx context.Context, address string) (map[string]any, error) {
	var res solanaContextValue[map[string]any]
	err := t.pool.Call(ctx, "getAccountInfo", []any{address, map[string]any{"encoding": "base64"}}, &res)
	return res.Value, err
}

// GetSlot returns the current slot, used to measure confirmation depth
// for a mined signature against ConfirmationsNeeded.
func (t *SolanaTransport) GetSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := t.pool.Call(ctx, "getSlot", []any{map[string]any{"commitment": "finalized"}}, &slot)
	return slot, err
}

// PrioritizationFeeSample is one element of getRecentPrioritizationFees,
// used by internal/fee's Solana percentile sampler (spec.md §9(b)).
type PrioritizationFeeSample struct {
	Slot              uint64 `json:"slot"`
	PrioritizationFee uint64 `json:"prioritizationFee"`
}

func (t *SolanaTransport) GetRecentPrioritizationFees(ctx context.Context, accounts []string) ([]PrioritizationFeeSample, error) {
	var res []PrioritizationFeeSample
	err := t.pool.Call(ctx, "getRecentPrioritizationFees", []any{accounts}, &res)
	return res, err
}
