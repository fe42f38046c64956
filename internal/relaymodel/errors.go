package relaymodel

import "errors"

// Relayer admission errors.
var (
	ErrPaused         = errors.New("relayer: paused")
	ErrSystemDisabled = errors.New("relayer: system disabled, requires operator intervention")
	ErrNotFound       = errors.New("relayer: not found")
)

// Policy errors, spec.md §4.4.
var (
	ErrReceiverNotAllowed    = errors.New("policy: receiver not whitelisted")
	ErrGasPriceOverCap       = errors.New("policy: gas price exceeds cap")
	ErrInsufficientBalance   = errors.New("policy: relayer balance below floor")
	ErrDisallowedProgram     = errors.New("policy: program not allowed")
	ErrDisallowedToken       = errors.New("policy: token not allowed")
	ErrMemoNotAllowed        = errors.New("policy: memo not allowed on soroban operations")
	ErrAmbiguousTxInput      = errors.New("policy: operations and transaction_xdr are mutually exclusive")
	ErrInvalidFeeBumpRequest = errors.New("policy: fee_bump requires signed xdr")
)

// Fee errors, spec.md §4.6/§7.
var ErrFeeCapReached = errors.New("fee: replacement bump blocked by gas price cap")

// Consistency errors, spec.md §7.
var ErrConsistencyViolation = errors.New("consistency: invariant violation detected")

// Cancellation errors, spec.md §5.
var ErrCancelTerminal = errors.New("lifecycle: record already in a terminal state")

// Store errors.
var (
	ErrTxNotFound  = errors.New("store: transaction not found")
	ErrTxConflict  = errors.New("store: transaction already exists for (transaction_id, attempt_index)")
)
