package relaymodel

import (
	"math/big"
	"time"

	"github.com/relaynet/chain-relayer/internal/chain"
)

// Status is a Transaction Record's lifecycle state, spec.md §4.8.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusMined     Status = "mined"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusReplaced  Status = "replaced"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status never transitions further.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusFailed, StatusReplaced, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// transitions encodes the directed graph in spec.md §4.8. A transition
// not present here is rejected by Record.Transition.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusSubmitted: true,
		StatusFailed:    true, // signing_error
		StatusExpired:   true, // valid_until_passed
		StatusCancelled: true, // cancelled before ever broadcasting
	},
	StatusSubmitted: {
		StatusMined:     true, // observed_on_chain
		StatusSubmitted: true, // replace(fee_bump) -> new attempt, or dropped_from_mempool path re-enters pending below
		StatusReplaced:  true, // replaced_by_other
		StatusPending:   true, // dropped_from_mempool
		StatusFailed:    true, // fee_cap_reached
		StatusCancelled: true, // cancellation attempt landed (spec.md §5)
	},
	StatusMined: {
		StatusConfirmed: true, // depth >= confirmations
		StatusSubmitted: true, // reorg
		StatusPending:   true, // reorg beyond window
		StatusCancelled: true, // cancellation attempt confirmed at depth (spec.md §5)
	},
}

// CanTransition reports whether moving from -> to is legal per spec.md
// §4.8. Terminal states never transition further (invariant 5).
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// FeeParams is the chain-specific fee/gas price struct attached to a
// broadcast attempt.
type FeeParams struct {
	// EVM legacy or 1559.
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             *uint64

	// Solana.
	ComputeUnitPriceMicroLamports *uint64
	ComputeUnitLimit              *uint32

	// Stellar.
	MaxFeeStroops *int64
}

// Attempt is one append-only History entry: a broadcast of a signed
// payload at some fee level through some endpoint.
type Attempt struct {
	AttemptIndex int
	SubmittedAt  time.Time
	Hash         string
	Fee          FeeParams
	RPCEndpoint  string
	SignedBytes  []byte

	// IsCancellation marks an attempt built as a cancellation transaction
	// (EVM: zero-value self-transfer at the record's nonce) rather than a
	// rebroadcast of the original request, spec.md §5.
	IsCancellation bool
}

// Assignment is populated once, at first signing, and is the nonce/fee/
// signature triple the lifecycle engine must keep atomic (invariant 4).
type Assignment struct {
	Nonce         uint64
	Fee           FeeParams
	SignedPayload []byte
	TxHash        string
}

// Record is the central Transaction Record entity from spec.md §3.
type Record struct {
	TransactionID string
	RelayerID     string
	CreatedAt     time.Time

	Request chain.Request

	Assignment *Assignment
	History    []Attempt

	Status Status

	ValidUntil *time.Time
	ExpiresAt  *time.Time

	// FailureReason records why a terminal failed status was reached,
	// one of the taxonomy kinds in spec.md §7 (e.g. "InsufficientFunds",
	// "FeeError::CapReached").
	FailureReason string

	// CancelRequested is set by an operator-initiated cancel; the
	// lifecycle engine drives the record toward StatusCancelled per
	// spec.md §5 instead of its normal next transition once this is
	// true. Never cleared once set.
	CancelRequested bool
}

// Transition moves the record to `to`, returning relaymodel's
// ErrConsistencyViolation if the move is not legal per the §4.8 graph.
func (r *Record) Transition(to Status) error {
	if !CanTransition(r.Status, to) {
		return ErrConsistencyViolation
	}
	r.Status = to
	return nil
}

// LastFee returns the fee of the most recent History entry, or the zero
// value if there is no history yet.
func (r *Record) LastFee() (FeeParams, bool) {
	if len(r.History) == 0 {
		return FeeParams{}, false
	}
	return r.History[len(r.History)-1].Fee, true
}

// AppendAttempt appends a new History entry, idempotent by AttemptIndex:
// calling it twice with the same index is a no-op (store write
// idempotency, spec.md §4.7).
func (r *Record) AppendAttempt(a Attempt) {
	for _, existing := range r.History {
		if existing.AttemptIndex == a.AttemptIndex {
			return
		}
	}
	r.History = append(r.History, a)
}
