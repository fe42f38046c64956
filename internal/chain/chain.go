// Package chain defines the network-independent types shared across the
// relayer core: chain identity, the tagged transaction-request union, and
// the signing primitives the signer facade and lifecycle engine pass
// between each other.
package chain

import "fmt"

// Type identifies which of the three supported chain families a network
// belongs to. The lifecycle engine, policy evaluator and fee oracle all
// dispatch on this tag instead of using reflection or string keys.
type Type uint8

const (
	Unknown Type = iota
	EVM
	Solana
	Stellar
)

func (t Type) String() string {
	switch t {
	case EVM:
		return "evm"
	case Solana:
		return "solana"
	case Stellar:
		return "stellar"
	default:
		return "unknown"
	}
}

// ParseType parses a catalog-file chain type string.
func ParseType(s string) (Type, error) {
	switch s {
	case "evm":
		return EVM, nil
	case "solana":
		return Solana, nil
	case "stellar":
		return Stellar, nil
	default:
		return Unknown, fmt.Errorf("chain: unknown network type %q", s)
	}
}

// Address is a chain address in its native string encoding (0x-hex for
// EVM, base58 for Solana, the G... strkey for Stellar).
type Address string

// SigningPayload is the unsigned, chain-specific encoding the signer
// facade is asked to sign: an RLP-encoded EVM transaction, a Solana
// transaction message, or a Stellar transaction envelope's signature
// payload.
type SigningPayload struct {
	ChainType Type
	Bytes     []byte
}

// Signature is the chain-specific signature bytes returned by a signer
// backend, already in the encoding the transport pool can append to the
// unsigned payload before broadcast.
type Signature struct {
	ChainType Type
	Bytes     []byte
}
