package txbuild

import (
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/relaynet/chain-relayer/internal/chain"
)

// computeBudgetProgramID is Solana's well-known Compute Budget program,
// used to attach a priority fee via SetComputeUnitPrice/SetComputeUnitLimit
// instructions ahead of the caller's own instructions.
const computeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

const (
	computeBudgetInstrSetComputeUnitLimit byte = 2
	computeBudgetInstrSetComputeUnitPrice byte = 3
)

// SolanaUnsigned is an unsigned Solana legacy Message plus its fee payer,
// the message's only required signer.
type SolanaUnsigned struct {
	MessageBytes []byte
	FeePayer     chain.Address
}

type compiledInstruction struct {
	programIDIndex byte
	accountIndices []byte
	data           []byte
}

// BuildSolanaUnsigned compiles a legacy Solana Message: the fee payer is
// the sole required signer, compute-budget instructions are prepended
// when a priority fee or explicit compute unit limit is set, and the
// caller's instructions follow in order.
func BuildSolanaUnsigned(req *chain.SolanaRequest, feePayer chain.Address, recentBlockhash string, priorityFeeMicroLamports uint64) (*SolanaUnsigned, error) {
	if len(req.Instructions) == 0 {
		return nil, fmt.Errorf("txbuild: solana request has no instructions")
	}

	keys := newAccountKeyList(feePayer)
	var instructions []chain.SolanaInstruction

	if priorityFeeMicroLamports > 0 || req.ComputeUnitLimit != nil {
		keys.add(chain.Address(computeBudgetProgramID))
		if req.ComputeUnitLimit != nil {
			instructions = append(instructions, chain.SolanaInstruction{
				ProgramID: chain.Address(computeBudgetProgramID),
				Data:      computeUnitLimitData(*req.ComputeUnitLimit),
			})
		}
		if priorityFeeMicroLamports > 0 {
			instructions = append(instructions, chain.SolanaInstruction{
				ProgramID: chain.Address(computeBudgetProgramID),
				Data:      computeUnitPriceData(priorityFeeMicroLamports),
			})
		}
	}
	instructions = append(instructions, req.Instructions...)

	compiled := make([]compiledInstruction, 0, len(instructions))
	for _, ix := range instructions {
		keys.add(ix.ProgramID)
		accountIndices := make([]byte, 0, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			accountIndices = append(accountIndices, byte(keys.add(acc)))
		}
		compiled = append(compiled, compiledInstruction{
			programIDIndex: byte(keys.indexOf(ix.ProgramID)),
			accountIndices: accountIndices,
			data:           ix.Data,
		})
	}

	msg, err := serializeMessage(keys, recentBlockhash, compiled)
	if err != nil {
		return nil, err
	}
	return &SolanaUnsigned{MessageBytes: msg, FeePayer: feePayer}, nil
}

// FinalizeSolana prepends the ed25519 signature to the compiled message,
// producing the wire transaction sendTransaction expects base64-encoded.
func FinalizeSolana(unsigned *SolanaUnsigned, sig chain.Signature) ([]byte, error) {
	if len(sig.Bytes) != 64 {
		return nil, fmt.Errorf("txbuild: solana signature must be 64 bytes, got %d", len(sig.Bytes))
	}
	out := make([]byte, 0, 1+64+len(unsigned.MessageBytes))
	out = append(out, encodeCompactU16Len(1)...)
	out = append(out, sig.Bytes...)
	out = append(out, unsigned.MessageBytes...)
	return out, nil
}

// accountKeyList maintains Solana's ordering rule for a single-signer
// transaction: the fee payer is account 0 (writable, signer); every
// other account referenced by an instruction is appended in first-seen
// order and treated as writable non-signer, which is the conservative
// assumption for a relayer that doesn't track per-account read/write
// metadata on the wire request.
type accountKeyList struct {
	order []chain.Address
	index map[chain.Address]int
}

func newAccountKeyList(feePayer chain.Address) *accountKeyList {
	l := &accountKeyList{index: make(map[chain.Address]int)}
	l.add(feePayer)
	return l
}

func (l *accountKeyList) add(key chain.Address) int {
	if idx, ok := l.index[key]; ok {
		return idx
	}
	idx := len(l.order)
	l.order = append(l.order, key)
	l.index[key] = idx
	return idx
}

func (l *accountKeyList) indexOf(key chain.Address) int { return l.index[key] }

func serializeMessage(keys *accountKeyList, recentBlockhash string, instructions []compiledInstruction) ([]byte, error) {
	blockhashBytes, err := base58.Decode(recentBlockhash)
	if err != nil || len(blockhashBytes) != 32 {
		return nil, fmt.Errorf("txbuild: invalid solana blockhash %q", recentBlockhash)
	}

	var out []byte
	// Header: 1 required signature (fee payer), 0 readonly signed, 0
	// readonly unsigned — every account this builder adds is writable.
	out = append(out, 1, 0, 0)

	out = append(out, encodeCompactU16Len(len(keys.order))...)
	for _, k := range keys.order {
		decoded, err := base58.Decode(string(k))
		if err != nil || len(decoded) != 32 {
			return nil, fmt.Errorf("txbuild: invalid solana account key %q", k)
		}
		out = append(out, decoded...)
	}

	out = append(out, blockhashBytes...)

	out = append(out, encodeCompactU16Len(len(instructions))...)
	for _, ix := range instructions {
		out = append(out, ix.programIDIndex)
		out = append(out, encodeCompactU16Len(len(ix.accountIndices))...)
		out = append(out, ix.accountIndices...)
		out = append(out, encodeCompactU16Len(len(ix.data))...)
		out = append(out, ix.data...)
	}
	return out, nil
}

// encodeCompactU16Len encodes n using Solana's shortvec compact-u16
// format (little-endian base-128 varint, as used throughout the wire
// protocol for array lengths).
func encodeCompactU16Len(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

func computeUnitLimitData(units uint32) []byte {
	data := make([]byte, 5)
	data[0] = computeBudgetInstrSetComputeUnitLimit
	binary.LittleEndian.PutUint32(data[1:], units)
	return data
}

func computeUnitPriceData(microLamports uint64) []byte {
	data := make([]byte, 9)
	data[0] = computeBudgetInstrSetComputeUnitPrice
	binary.LittleEndian.PutUint64(data[1:], microLamports)
	return data
}
