// Package store defines the Transaction Store contract spec.md §4.7
// names; concrete backends live in store/postgres (durable record of
// truth) and store/redis (nonce cursors and RPC endpoint health, which
// tolerate being lost on a cache flush).
package store

import (
	"context"

	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// TransactionStore persists Transaction Records. Writes must be
// idempotent by (transaction_id, attempt_index) so a retried submission
// after a network blip never double-books an attempt, per spec.md §4.7.
type TransactionStore interface {
	Create(ctx context.Context, record *relaymodel.Record) error
	Get(ctx context.Context, transactionID string) (*relaymodel.Record, error)
	ListByRelayerStatus(ctx context.Context, relayerID string, status relaymodel.Status) ([]*relaymodel.Record, error)
	ListByRelayer(ctx context.Context, relayerID string, limit, offset int) ([]*relaymodel.Record, error)
	UpdateStatus(ctx context.Context, transactionID string, status relaymodel.Status, failureReason string) error
	SetAssignment(ctx context.Context, transactionID string, assignment relaymodel.Assignment) error
	AppendAttempt(ctx context.Context, transactionID string, attempt relaymodel.Attempt) error
	// RequestCancel flags a record for cancellation (spec.md §5); it
	// never clears the flag and is idempotent.
	RequestCancel(ctx context.Context, transactionID string) error
}
