package txbuild

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"
)

const stroopsPerLumen = 10_000_000

// StellarUnsigned is an unsigned Stellar transaction plus the signature
// base (network ID + tagged transaction hash) the signer facade signs.
type StellarUnsigned struct {
	Tx                *txnbuild.Transaction
	FeeBumpTx         *txnbuild.FeeBumpTransaction
	SigningPayload    []byte
	networkPassphrase string
}

// BuildStellarUnsigned assembles a transaction from the request's
// operations, one txnbuild.Operation per StellarOperation, and returns
// the signature base the source account's key must sign.
func BuildStellarUnsigned(req *chain.StellarRequest, sourceAccount chain.Address, sequence int64, baseFeeStroops int64, networkPassphrase string) (*StellarUnsigned, error) {
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("txbuild: stellar request has no operations")
	}

	ops := make([]txnbuild.Operation, 0, len(req.Operations))
	for _, op := range req.Operations {
		built, err := buildStellarOperation(op)
		if err != nil {
			return nil, err
		}
		ops = append(ops, built)
	}

	var memo txnbuild.Memo
	if req.Memo != nil {
		switch req.Memo.Type {
		case chain.MemoText:
			memo = txnbuild.MemoText(req.Memo.Value)
		case chain.MemoID, chain.MemoHash:
			// id/hash memos carry opaque values the caller already
			// validated against the operation set in the policy layer.
			memo = txnbuild.MemoText(req.Memo.Value)
		}
	}

	var preconditions txnbuild.Preconditions
	if req.ValidUntil != nil {
		preconditions.TimeBounds = txnbuild.NewTimebounds(0, req.ValidUntil.Unix())
	} else {
		preconditions.TimeBounds = txnbuild.NewInfiniteTimeout()
	}

	params := txnbuild.TransactionParams{
		SourceAccount: &txnbuild.SimpleAccount{
			AccountID: string(sourceAccount),
			Sequence:  sequence,
		},
		IncrementSequenceNum: true,
		Operations:           ops,
		BaseFee:               baseFeeStroops,
		Preconditions:         preconditions,
		Memo:                  memo,
	}

	tx, err := txnbuild.NewTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("txbuild: build stellar transaction: %w", err)
	}

	hash, err := tx.Hash(networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("txbuild: hash stellar transaction: %w", err)
	}

	return &StellarUnsigned{Tx: tx, SigningPayload: hash[:], networkPassphrase: networkPassphrase}, nil
}

// BuildStellarFeeBump wraps an already-built inner envelope in a
// CAP-15 fee-bump transaction paid for by feeAccount, the mechanism
// spec.md names for bumping a stuck Stellar submission.
func BuildStellarFeeBump(innerEnvelopeXDR []byte, feeAccount chain.Address, maxFeeStroops int64, networkPassphrase string) (*StellarUnsigned, error) {
	innerBase64, err := innerEnvelopeToBase64(innerEnvelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("txbuild: unmarshal inner envelope: %w", err)
	}
	generic, err := txnbuild.TransactionFromXDR(innerBase64)
	if err != nil {
		return nil, fmt.Errorf("txbuild: parse inner envelope: %w", err)
	}
	inner, ok := generic.Transaction()
	if !ok {
		return nil, fmt.Errorf("txbuild: inner envelope is not a simple transaction")
	}

	feeBumpTx, err := txnbuild.NewFeeBumpTransaction(txnbuild.FeeBumpTransactionParams{
		Inner:      inner,
		FeeAccount: string(feeAccount),
		BaseFee:    maxFeeStroops,
	})
	if err != nil {
		return nil, fmt.Errorf("txbuild: build fee bump transaction: %w", err)
	}

	hash, err := feeBumpTx.Hash(networkPassphrase)
	if err != nil {
		return nil, fmt.Errorf("txbuild: hash fee bump transaction: %w", err)
	}

	return &StellarUnsigned{FeeBumpTx: feeBumpTx, SigningPayload: hash[:], networkPassphrase: networkPassphrase}, nil
}

func innerEnvelopeToBase64(raw []byte) (string, error) {
	var envelope xdr.TransactionEnvelope
	if err := xdr.SafeUnmarshal(raw, &envelope); err != nil {
		return "", err
	}
	return xdr.MarshalBase64(&envelope)
}

// FinalizeStellar splices an ed25519 signature, decorated with the
// signer's 4-byte hint, back into the envelope and returns the base64
// XDR sendTransaction expects plus the transaction's hex hash.
func FinalizeStellar(unsigned *StellarUnsigned, signerPublicKey chain.Address, sig chain.Signature) (envelopeXDR string, txHash string, err error) {
	if len(sig.Bytes) != 64 {
		return "", "", fmt.Errorf("txbuild: stellar signature must be 64 bytes, got %d", len(sig.Bytes))
	}
	rawPub, err := strkey.Decode(strkey.VersionByteAccountID, string(signerPublicKey))
	if err != nil || len(rawPub) != 32 {
		return "", "", fmt.Errorf("txbuild: invalid stellar public key %q", signerPublicKey)
	}

	var hint xdr.SignatureHint
	copy(hint[:], rawPub[len(rawPub)-4:])
	decorated := xdr.DecoratedSignature{
		Hint:      hint,
		Signature: xdr.Signature(sig.Bytes),
	}

	switch {
	case unsigned.FeeBumpTx != nil:
		signed, err := unsigned.FeeBumpTx.AddSignatureDecorated(decorated)
		if err != nil {
			return "", "", fmt.Errorf("txbuild: apply fee bump signature: %w", err)
		}
		encoded, err := signed.Base64()
		if err != nil {
			return "", "", fmt.Errorf("txbuild: encode fee bump envelope: %w", err)
		}
		hash, err := signed.Hash(unsigned.networkPassphrase)
		if err != nil {
			return "", "", fmt.Errorf("txbuild: hash signed fee bump: %w", err)
		}
		return encoded, hex.EncodeToString(hash[:]), nil
	default:
		signed, err := unsigned.Tx.AddSignatureDecorated(decorated)
		if err != nil {
			return "", "", fmt.Errorf("txbuild: apply signature: %w", err)
		}
		encoded, err := signed.Base64()
		if err != nil {
			return "", "", fmt.Errorf("txbuild: encode envelope: %w", err)
		}
		hash, err := signed.Hash(unsigned.networkPassphrase)
		if err != nil {
			return "", "", fmt.Errorf("txbuild: hash signed transaction: %w", err)
		}
		return encoded, hex.EncodeToString(hash[:]), nil
	}
}

func buildStellarOperation(op chain.StellarOperation) (txnbuild.Operation, error) {
	switch op.Type {
	case chain.OpPayment:
		if op.Amount == nil {
			return nil, fmt.Errorf("txbuild: payment operation requires an amount")
		}
		return &txnbuild.Payment{
			Destination: string(op.Destination),
			Amount:      stroopsToAmountString(op.Amount),
			Asset:       txnbuild.NativeAsset{},
		}, nil
	case chain.OpInvokeContract:
		if op.ContractID == nil {
			return nil, fmt.Errorf("txbuild: invoke_contract operation requires a contract id")
		}
		contractAddr, err := decodeContractID(string(*op.ContractID))
		if err != nil {
			return nil, fmt.Errorf("txbuild: invalid contract id %q: %w", *op.ContractID, err)
		}
		args := make(xdr.ScVec, 0, len(op.Args))
		for _, a := range op.Args {
			scVal, err := convertScVal(a)
			if err != nil {
				return nil, err
			}
			args = append(args, scVal)
		}
		hostFn := xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: xdr.ScAddress{
					Type:       xdr.ScAddressTypeScAddressTypeContract,
					ContractId: &contractAddr,
				},
				FunctionName: xdr.ScSymbol(op.FunctionName),
				Args:         args,
			},
		}
		return &txnbuild.InvokeHostFunction{HostFunction: hostFn}, nil
	case chain.OpUploadWasm:
		if len(op.WasmCode) == 0 {
			return nil, fmt.Errorf("txbuild: upload_wasm operation requires wasm code")
		}
		hostFn := xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeUploadContractWasm,
			Wasm: (*xdr.Bytes)(&op.WasmCode),
		}
		return &txnbuild.InvokeHostFunction{HostFunction: hostFn}, nil
	case chain.OpCreateContract:
		if len(op.WasmHash) != 32 {
			return nil, fmt.Errorf("txbuild: create_contract operation requires a 32-byte wasm hash")
		}
		var wasmHash xdr.Hash
		copy(wasmHash[:], op.WasmHash)
		hostFn := xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeCreateContract,
			CreateContract: &xdr.CreateContractArgs{
				Executable: xdr.ContractExecutable{
					Type:     xdr.ContractExecutableTypeContractExecutableWasm,
					WasmHash: &wasmHash,
				},
			},
		}
		return &txnbuild.InvokeHostFunction{HostFunction: hostFn}, nil
	default:
		return nil, fmt.Errorf("txbuild: unsupported stellar operation type %q", op.Type)
	}
}

// convertScVal maps the relayer's typed Soroban argument representation
// onto the XDR ScVal union the host function actually carries.
func convertScVal(v chain.ScVal) (xdr.ScVal, error) {
	switch v.Kind {
	case chain.ScU32:
		n, ok := v.Value.(uint32)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval u32 has wrong go type")
		}
		return xdr.NewScVal(xdr.ScValTypeScvU32, xdr.Uint32(n))
	case chain.ScI32:
		n, ok := v.Value.(int32)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval i32 has wrong go type")
		}
		return xdr.NewScVal(xdr.ScValTypeScvI32, xdr.Int32(n))
	case chain.ScU64:
		n, ok := v.Value.(uint64)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval u64 has wrong go type")
		}
		return xdr.NewScVal(xdr.ScValTypeScvU64, xdr.Uint64(n))
	case chain.ScI64:
		n, ok := v.Value.(int64)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval i64 has wrong go type")
		}
		return xdr.NewScVal(xdr.ScValTypeScvI64, xdr.Int64(n))
	case chain.ScBool:
		b, ok := v.Value.(bool)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval bool has wrong go type")
		}
		return xdr.NewScVal(xdr.ScValTypeScvBool, b)
	case chain.ScString:
		s, ok := v.Value.(string)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval string has wrong go type")
		}
		str := xdr.ScString(s)
		return xdr.NewScVal(xdr.ScValTypeScvString, &str)
	case chain.ScSymbol:
		s, ok := v.Value.(string)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval symbol has wrong go type")
		}
		sym := xdr.ScSymbol(s)
		return xdr.NewScVal(xdr.ScValTypeScvSymbol, &sym)
	case chain.ScBytes:
		b, ok := v.Value.([]byte)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval bytes has wrong go type")
		}
		bs := xdr.ScBytes(b)
		return xdr.NewScVal(xdr.ScValTypeScvBytes, &bs)
	case chain.ScAddr:
		s, ok := v.Value.(string)
		if !ok {
			return xdr.ScVal{}, fmt.Errorf("txbuild: scval address has wrong go type")
		}
		return convertScAddress(s)
	case chain.ScVec:
		vec := make(xdr.ScVec, 0, len(v.Vec))
		for _, elem := range v.Vec {
			converted, err := convertScVal(elem)
			if err != nil {
				return xdr.ScVal{}, err
			}
			vec = append(vec, converted)
		}
		return xdr.NewScVal(xdr.ScValTypeScvVec, &vec)
	case chain.ScMap:
		m := make(xdr.ScMap, 0, len(v.Map))
		for _, entry := range v.Map {
			key, err := convertScVal(entry.Key)
			if err != nil {
				return xdr.ScVal{}, err
			}
			val, err := convertScVal(entry.Val)
			if err != nil {
				return xdr.ScVal{}, err
			}
			m = append(m, xdr.ScMapEntry{Key: key, Val: val})
		}
		return xdr.NewScVal(xdr.ScValTypeScvMap, &m)
	default:
		return xdr.ScVal{}, fmt.Errorf("txbuild: unsupported scval kind %q", v.Kind)
	}
}

func convertScAddress(accountOrContract string) (xdr.ScVal, error) {
	if strings.HasPrefix(accountOrContract, "C") {
		contractID, err := decodeContractID(accountOrContract)
		if err != nil {
			return xdr.ScVal{}, err
		}
		addr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeContract, ContractId: &contractID}
		return xdr.NewScVal(xdr.ScValTypeScvAddress, &addr)
	}
	var accountID xdr.AccountId
	if err := accountID.SetAddress(accountOrContract); err != nil {
		return xdr.ScVal{}, fmt.Errorf("txbuild: invalid scval address %q: %w", accountOrContract, err)
	}
	addr := xdr.ScAddress{Type: xdr.ScAddressTypeScAddressTypeAccount, AccountId: &accountID}
	return xdr.NewScVal(xdr.ScValTypeScvAddress, &addr)
}

// decodeContractID decodes a C... strkey contract address into the raw
// 32-byte contract ID the XDR host-function arguments carry.
func decodeContractID(address string) (xdr.ContractId, error) {
	raw, err := strkey.Decode(strkey.VersionByteContract, address)
	if err != nil || len(raw) != 32 {
		return xdr.ContractId{}, fmt.Errorf("txbuild: invalid contract address %q", address)
	}
	var id xdr.ContractId
	copy(id[:], raw)
	return id, nil
}

func stroopsToAmountString(stroops *big.Int) string {
	whole := new(big.Int).Div(stroops, big.NewInt(stroopsPerLumen))
	frac := new(big.Int).Mod(stroops, big.NewInt(stroopsPerLumen))
	if frac.Sign() < 0 {
		frac.Neg(frac)
	}
	return fmt.Sprintf("%s.%07d", whole.String(), frac.Int64())
}
