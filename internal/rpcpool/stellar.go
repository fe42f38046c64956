package rpcpool

import "context"

// StellarTransport is the minimal Soroban JSON-RPC request surface
// spec.md §4.2 names.
type StellarTransport struct {
	pool *Pool
}

func NewStellarTransport(pool *Pool) *StellarTransport {
	return &StellarTransport{pool: pool}
}

type SendTransactionResult struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

func (t *StellarTransport) SendTransaction(ctx context.Context, envelopeXDR string) (*SendTransactionResult, error) {
	var res SendTransactionResult
	err := t.pool.Call(ctx, "sendTransaction", map[string]any{"transaction": envelopeXDR}, &res)
	return &res, err
}

type GetTransactionResult struct {
	Status        string `json:"status"` // NOT_FOUND | SUCCESS | FAILED
	Ledger        uint64 `json:"ledger"`
	LatestLedger  uint64 `json:"latestLedger"`
	ResultXDR     string `json:"resultXdr"`
}

func (t *StellarTransport) GetTransaction(ctx context.Context, hash string) (*GetTransactionResult, error) {
	var res GetTransactionResult
	err := t.pool.Call(ctx, "getTransaction", map[string]any{"hash": hash}, &res)
	return &res, err
}

type SimulateTransactionResult struct {
	Error           string `json:"error,omitempty"`
	MinResourceFee  string `json:"minResourceFee"`
	LatestLedger    uint64 `json:"latestLedger"`
}

func (t *StellarTransport) SimulateTransaction(ctx context.Context, envelopeXDR string) (*SimulateTransactionResult, error) {
	var res SimulateTransactionResult
	err := t.pool.Call(ctx, "simulateTransaction", map[string]any{"transaction": envelopeXDR}, &res)
	return &res, err
}

type LatestLedgerResult struct {
	Sequence uint64 `json:"sequence"`
}

func (t *StellarTransport) GetLatestLedger(ctx context.Context) (*LatestLedgerResult, error) {
	var res LatestLedgerResult
	err := t.pool.Call(ctx, "getLatestLedger", map[string]any{}, &res)
	return &res, err
}

type AccountResult struct {
	ID       string `json:"id"`
	Sequence string `json:"sequence"`
}

func (t *StellarTransport) GetAccount(ctx context.Context, accountID string) (*AccountResult, error) {
	var res AccountResult
	err := t.pool.Call(ctx, "getAccount", map[string]any{"address": accountID}, &res)
	return &res, err
}
