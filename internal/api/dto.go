// Package api is the HTTP surface spec.md §6 describes: submit, list and
// fetch transactions per relayer. It plays the role mevshare/api.go plays
// for the bundle RPC methods, translated to a REST shape since spec.md
// names REST routes rather than JSON-RPC methods; jsonrpcserver's request
// plumbing (bearer auth, rate limiting) is reused in idiom even though the
// transport differs.
package api

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// submitRequest is the wire body of POST .../transactions. Exactly one of
// evm, solana, stellar must be set, mirroring chain.Request's tagged union.
type submitRequest struct {
	ValidUntil *time.Time        `json:"valid_until,omitempty"`
	EVM        *evmRequestDTO    `json:"evm,omitempty"`
	Solana     *solanaRequestDTO `json:"solana,omitempty"`
	Stellar    *stellarRequestDTO `json:"stellar,omitempty"`
}

type evmRequestDTO struct {
	To                   string  `json:"to"`
	ValueWei             string  `json:"value_wei,omitempty"`
	DataHex              string  `json:"data_hex,omitempty"`
	Speed                string  `json:"speed,omitempty"`
	GasPriceWei          string  `json:"gas_price_wei,omitempty"`
	MaxFeePerGasWei      string  `json:"max_fee_per_gas_wei,omitempty"`
	MaxPriorityFeePerGasWei string `json:"max_priority_fee_per_gas_wei,omitempty"`
	GasLimit             *uint64 `json:"gas_limit,omitempty"`
}

type solanaInstructionDTO struct {
	ProgramID string   `json:"program_id"`
	Accounts  []string `json:"accounts,omitempty"`
	DataHex   string   `json:"data_hex,omitempty"`
	TokenMint string   `json:"token_mint,omitempty"`
}

type solanaRequestDTO struct {
	Instructions     []solanaInstructionDTO `json:"instructions,omitempty"`
	PrebuiltTxBase64 string                 `json:"prebuilt_tx_base64,omitempty"`
	FeePayerStrategy string                 `json:"fee_payer_strategy,omitempty"`
	FeeTokenMint     string                 `json:"fee_token_mint,omitempty"`
	ComputeUnitLimit *uint32                `json:"compute_unit_limit,omitempty"`
}

type stellarOperationDTO struct {
	Type         string `json:"type"`
	Destination  string `json:"destination,omitempty"`
	AmountStroops string `json:"amount_stroops,omitempty"`
	ContractID   string `json:"contract_id,omitempty"`
	WasmHashHex  string `json:"wasm_hash_hex,omitempty"`
	WasmCodeHex  string `json:"wasm_code_hex,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

type stellarMemoDTO struct {
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
}

type stellarRequestDTO struct {
	Network          string                `json:"network"`
	Operations       []stellarOperationDTO `json:"operations,omitempty"`
	TransactionXDR   string                `json:"transaction_xdr,omitempty"`
	SourceAccount    string                `json:"source_account,omitempty"`
	Memo             *stellarMemoDTO       `json:"memo,omitempty"`
	ValidUntil       *time.Time            `json:"valid_until,omitempty"`
	FeeBump          bool                  `json:"fee_bump,omitempty"`
	MaxFeeStroops    *int64                `json:"max_fee_stroops,omitempty"`
}

// toChainRequest converts the wire body into the internal tagged union,
// dispatching on which of evm/solana/stellar the caller populated, and
// validating the result the same way chain.Request.Validate does.
func (b *submitRequest) toChainRequest(chainType chain.Type) (*chain.Request, error) {
	req := &chain.Request{ChainType: chainType, ExpiresAt: b.ValidUntil}

	switch chainType {
	case chain.EVM:
		if b.EVM == nil {
			return nil, fmt.Errorf("api: evm network requires an \"evm\" request body")
		}
		r, err := b.EVM.toEVMRequest()
		if err != nil {
			return nil, err
		}
		req.EVM = r
	case chain.Solana:
		if b.Solana == nil {
			return nil, fmt.Errorf("api: solana network requires a \"solana\" request body")
		}
		r, err := b.Solana.toSolanaRequest()
		if err != nil {
			return nil, err
		}
		req.Solana = r
	case chain.Stellar:
		if b.Stellar == nil {
			return nil, fmt.Errorf("api: stellar network requires a \"stellar\" request body")
		}
		r, err := b.Stellar.toStellarRequest()
		if err != nil {
			return nil, err
		}
		req.Stellar = r
	default:
		return nil, fmt.Errorf("api: unsupported chain type")
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (b *evmRequestDTO) toEVMRequest() (*chain.EVMRequest, error) {
	r := &chain.EVMRequest{To: chain.Address(b.To), Speed: chain.Speed(b.Speed), GasLimit: b.GasLimit}
	var err error
	if r.Value, err = parseOptionalBigInt(b.ValueWei); err != nil {
		return nil, fmt.Errorf("api: value_wei: %w", err)
	}
	if r.Data, err = parseOptionalHex(b.DataHex); err != nil {
		return nil, fmt.Errorf("api: data_hex: %w", err)
	}
	if r.GasPrice, err = parseOptionalBigInt(b.GasPriceWei); err != nil {
		return nil, fmt.Errorf("api: gas_price_wei: %w", err)
	}
	if r.MaxFeePerGas, err = parseOptionalBigInt(b.MaxFeePerGasWei); err != nil {
		return nil, fmt.Errorf("api: max_fee_per_gas_wei: %w", err)
	}
	if r.MaxPriorityFeePerGas, err = parseOptionalBigInt(b.MaxPriorityFeePerGasWei); err != nil {
		return nil, fmt.Errorf("api: max_priority_fee_per_gas_wei: %w", err)
	}
	return r, nil
}

func (b *solanaRequestDTO) toSolanaRequest() (*chain.SolanaRequest, error) {
	r := &chain.SolanaRequest{
		FeePayerStrategy: chain.FeePaymentStrategy(b.FeePayerStrategy),
		ComputeUnitLimit: b.ComputeUnitLimit,
	}
	if r.FeePayerStrategy == "" {
		r.FeePayerStrategy = chain.FeePaidByRelayer
	}
	if b.FeeTokenMint != "" {
		addr := chain.Address(b.FeeTokenMint)
		r.FeeTokenMint = &addr
	}
	prebuilt, err := parseOptionalBase64(b.PrebuiltTxBase64)
	if err != nil {
		return nil, fmt.Errorf("api: prebuilt_tx_base64: %w", err)
	}
	r.PrebuiltTx = prebuilt

	for i, inst := range b.Instructions {
		data, err := parseOptionalHex(inst.DataHex)
		if err != nil {
			return nil, fmt.Errorf("api: instructions[%d].data_hex: %w", i, err)
		}
		accounts := make([]chain.Address, 0, len(inst.Accounts))
		for _, a := range inst.Accounts {
			accounts = append(accounts, chain.Address(a))
		}
		converted := chain.SolanaInstruction{
			ProgramID: chain.Address(inst.ProgramID),
			Accounts:  accounts,
			Data:      data,
		}
		if inst.TokenMint != "" {
			mint := chain.Address(inst.TokenMint)
			converted.TokenMint = &mint
		}
		r.Instructions = append(r.Instructions, converted)
	}
	return r, nil
}

func (b *stellarRequestDTO) toStellarRequest() (*chain.StellarRequest, error) {
	r := &chain.StellarRequest{Network: b.Network, FeeBump: b.FeeBump, MaxFee: b.MaxFeeStroops, ValidUntil: b.ValidUntil}
	xdr, err := parseOptionalBase64(b.TransactionXDR)
	if err != nil {
		return nil, fmt.Errorf("api: transaction_xdr: %w", err)
	}
	r.TransactionXDR = xdr
	if b.SourceAccount != "" {
		src := chain.Address(b.SourceAccount)
		r.SourceAccount = &src
	}
	if b.Memo != nil {
		r.Memo = &chain.Memo{Type: chain.MemoType(b.Memo.Type), Value: b.Memo.Value}
	}
	for i, op := range b.Operations {
		amount, err := parseOptionalBigInt(op.AmountStroops)
		if err != nil {
			return nil, fmt.Errorf("api: operations[%d].amount_stroops: %w", i, err)
		}
		wasmHash, err := parseOptionalHex(op.WasmHashHex)
		if err != nil {
			return nil, fmt.Errorf("api: operations[%d].wasm_hash_hex: %w", i, err)
		}
		wasmCode, err := parseOptionalHex(op.WasmCodeHex)
		if err != nil {
			return nil, fmt.Errorf("api: operations[%d].wasm_code_hex: %w", i, err)
		}
		converted := chain.StellarOperation{
			Type:         chain.StellarOperationType(op.Type),
			Destination:  chain.Address(op.Destination),
			Amount:       amount,
			WasmHash:     wasmHash,
			WasmCode:     wasmCode,
			FunctionName: op.FunctionName,
		}
		if op.ContractID != "" {
			id := chain.Address(op.ContractID)
			converted.ContractID = &id
		}
		r.Operations = append(r.Operations, converted)
	}
	return r, nil
}

// recordResponse is the wire shape of a Transaction Record, spec.md §6's
// GET responses.
type recordResponse struct {
	TransactionID string     `json:"transaction_id"`
	RelayerID     string     `json:"relayer_id"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	FailureReason string     `json:"failure_reason,omitempty"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Nonce         *uint64    `json:"nonce,omitempty"`
	ValidUntil    *time.Time `json:"valid_until,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CancelRequested bool     `json:"cancel_requested,omitempty"`
}

func toRecordResponse(r *relaymodel.Record) recordResponse {
	resp := recordResponse{
		TransactionID: r.TransactionID,
		RelayerID:     r.RelayerID,
		Status:        string(r.Status),
		CreatedAt:     r.CreatedAt,
		FailureReason: r.FailureReason,
		ValidUntil:    r.ValidUntil,
		ExpiresAt:     r.ExpiresAt,
		CancelRequested: r.CancelRequested,
	}
	if r.Assignment != nil {
		resp.TxHash = r.Assignment.TxHash
		nonce := r.Assignment.Nonce
		resp.Nonce = &nonce
	}
	return resp
}

func parseOptionalBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", s)
	}
	return v, nil
}

func parseOptionalHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func parseOptionalBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
