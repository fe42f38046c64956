package chain

import (
	"errors"
	"math/big"
	"time"
)

var ErrAmbiguousRequest = errors.New("chain: request carries more than one chain variant")

// Speed is the named gas/fee speed tier accepted on EVM requests.
type Speed string

const (
	SpeedSafest  Speed = "safest"
	SpeedAverage Speed = "average"
	SpeedFast    Speed = "fast"
	SpeedFastest Speed = "fastest"
)

// EVMRequest is the body of POST /api/v1/relayers/{id}/transactions for an
// EVM-family network.
type EVMRequest struct {
	To                   Address
	Value                *big.Int
	Data                 []byte
	Speed                Speed
	GasPrice             *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	GasLimit             *uint64
	ValidUntil           *time.Time
}

// HasEIP1559Fields reports whether the caller supplied the 1559 fee pair.
func (r *EVMRequest) HasEIP1559Fields() bool {
	return r.MaxFeePerGas != nil || r.MaxPriorityFeePerGas != nil
}

// Validate enforces the mutual exclusivity spec.md requires between legacy
// and EIP-1559 pricing.
func (r *EVMRequest) Validate() error {
	if r.GasPrice != nil && r.HasEIP1559Fields() {
		return ErrAmbiguousRequest
	}
	return nil
}

// SolanaInstruction is a single program instruction within a Solana
// request, kept generic enough for the policy evaluator's
// allowed_programs/allowed_tokens checks without decoding the full
// transaction.
type SolanaInstruction struct {
	ProgramID Address
	Accounts  []Address
	Data      []byte
	// TokenMint is set when the instruction moves an SPL token, so the
	// policy evaluator and fee oracle can apply allowed_tokens limits.
	TokenMint *Address
}

// FeePaymentStrategy selects who pays Solana transaction fees.
type FeePaymentStrategy string

const (
	FeePaidByUser    FeePaymentStrategy = "user"
	FeePaidByRelayer FeePaymentStrategy = "relayer"
)

// SolanaRequest is the body of a Solana transaction request: either a
// list of instructions the relayer assembles into a transaction, or a
// pre-built unsigned transaction to sign and submit as-is.
type SolanaRequest struct {
	Instructions      []SolanaInstruction
	PrebuiltTx        []byte
	FeePayerStrategy  FeePaymentStrategy
	FeeTokenMint      *Address
	ComputeUnitLimit  *uint32
}

func (r *SolanaRequest) Validate() error {
	if len(r.Instructions) > 0 && len(r.PrebuiltTx) > 0 {
		return ErrAmbiguousRequest
	}
	return nil
}

// MemoType identifies the kind of memo attached to a Stellar transaction.
type MemoType string

const (
	MemoNone MemoType = "none"
	MemoText MemoType = "text"
	MemoID   MemoType = "id"
	MemoHash MemoType = "hash"
)

// Memo is a Stellar transaction memo.
type Memo struct {
	Type  MemoType
	Value string
}

// StellarOperationType enumerates the operation kinds spec.md names.
type StellarOperationType string

const (
	OpPayment        StellarOperationType = "payment"
	OpInvokeContract StellarOperationType = "invoke_contract"
	OpCreateContract StellarOperationType = "create_contract"
	OpUploadWasm     StellarOperationType = "upload_wasm"
)

// ScValKind enumerates the Soroban ScVal argument encodings spec.md's
// domain table names.
type ScValKind string

const (
	ScU32    ScValKind = "u32"
	ScI32    ScValKind = "i32"
	ScU64    ScValKind = "u64"
	ScI64    ScValKind = "i64"
	ScU128   ScValKind = "u128"
	ScI128   ScValKind = "i128"
	ScU256   ScValKind = "u256"
	ScI256   ScValKind = "i256"
	ScBool   ScValKind = "bool"
	ScString ScValKind = "string"
	ScSymbol ScValKind = "symbol"
	ScAddr   ScValKind = "address"
	ScBytes  ScValKind = "bytes"
	ScVec    ScValKind = "vec"
	ScMap    ScValKind = "map"
)

// ScVal is a typed Soroban contract-call argument.
type ScVal struct {
	Kind  ScValKind
	Value any
	Vec   []ScVal
	Map   []ScValMapEntry
}

type ScValMapEntry struct {
	Key ScVal
	Val ScVal
}

// StellarOperation is one operation within a Stellar request.
type StellarOperation struct {
	Type         StellarOperationType
	Destination  Address
	Amount       *big.Int
	ContractID   *Address
	WasmHash     []byte
	WasmCode     []byte
	FunctionName string
	Args         []ScVal
}

// StellarRequest is the body of a Stellar transaction request.
type StellarRequest struct {
	Network         string
	Operations      []StellarOperation
	TransactionXDR  []byte
	SourceAccount   *Address
	Memo            *Memo
	ValidUntil      *time.Time
	FeeBump         bool
	MaxFee          *int64
}

func (r *StellarRequest) Validate() error {
	if len(r.Operations) > 0 && len(r.TransactionXDR) > 0 {
		return ErrAmbiguousRequest
	}
	// fee_bump with no transaction_xdr is also invalid, but it's a
	// distinct policy error from this structural ambiguity check
	// (relaymodel.ErrInvalidFeeBumpRequest), so Engine.Submit checks it
	// once relaymodel is in scope rather than importing that sentinel
	// back down into chain.
	return nil
}

// Request is the tagged sum type TxRequest = EVM{...} | Solana{...} |
// Stellar{...} spec.md's design notes call for. Exactly one of the three
// fields is populated; ChainType says which.
type Request struct {
	ChainType Type
	EVM       *EVMRequest
	Solana    *SolanaRequest
	Stellar   *StellarRequest
	// ExpiresAt is the generic deadline field (expires_at); Stellar's own
	// valid_until lives on StellarRequest per spec.md's data model.
	ExpiresAt *time.Time
}

// Validate dispatches to the active variant's own validation and checks
// that exactly one variant is set.
func (r *Request) Validate() error {
	set := 0
	if r.EVM != nil {
		set++
	}
	if r.Solana != nil {
		set++
	}
	if r.Stellar != nil {
		set++
	}
	if set != 1 {
		return ErrAmbiguousRequest
	}
	switch r.ChainType {
	case EVM:
		if r.EVM == nil {
			return ErrAmbiguousRequest
		}
		return r.EVM.Validate()
	case Solana:
		if r.Solana == nil {
			return ErrAmbiguousRequest
		}
		return r.Solana.Validate()
	case Stellar:
		if r.Stellar == nil {
			return ErrAmbiguousRequest
		}
		return r.Stellar.Validate()
	default:
		return ErrAmbiguousRequest
	}
}
