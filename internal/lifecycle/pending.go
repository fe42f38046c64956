package lifecycle

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/metrics"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/signer"
	"github.com/relaynet/chain-relayer/internal/txbuild"
	"go.uber.org/zap"
)

// processPending builds, signs and broadcasts the first attempt for a
// pending record, per spec.md §4.8's pending -> submitted transition.
func (e *Engine) processPending(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	// Nothing has been broadcast yet, so an operator cancel needs no
	// on-chain action: it's satisfied the instant it's observed here.
	if record.CancelRequested {
		return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
	}
	if record.ValidUntil != nil && !time.Now().Before(*record.ValidUntil) {
		return e.finalize(ctx, record, relaymodel.StatusExpired, "valid_until_passed")
	}

	// A prior pass already allocated and signed this record's nonce but
	// never got it broadcast (a transient RPC failure rescheduled rather
	// than dropped it). Re-entering submitEVM from scratch would allocate
	// a second nonce and abandon this one instead of simply retrying the
	// send, so resume from the persisted assignment rather than rebuild.
	if rt.Params.Type == chain.EVM && record.Assignment != nil && len(record.History) == 0 {
		return e.resumeEVMBroadcast(ctx, rt, record)
	}

	switch rt.Params.Type {
	case chain.EVM:
		return e.submitEVM(ctx, relayer, rt, record)
	case chain.Solana:
		return e.submitSolana(ctx, relayer, rt, record)
	case chain.Stellar:
		return e.submitStellar(ctx, relayer, rt, record)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChainType, rt.Params.Type)
	}
}

// resumeEVMBroadcast retries sending an already-signed first attempt
// whose nonce was allocated and held in an earlier pass that failed to
// broadcast it.
func (e *Engine) resumeEVMBroadcast(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	if _, err := rt.EVM.SendRawTransaction(ctx, record.Assignment.SignedPayload); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	return e.recordSubmission(ctx, rt, record, record.Assignment.TxHash, record.Assignment.Fee, record.Assignment.SignedPayload)
}

// handleSignFailure distinguishes a transient signer error from a
// permanent one. A permanent error fails the record and pauses the
// relayer per spec.md §7. A transient one (already retried inside
// signer.Facade.Sign) self-schedules another pass rather than returning
// the error up to monitorqueue, which treats any non-nil,
// non-ErrProcessRetryLater error as a permanent drop.
func (e *Engine) handleSignFailure(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record, err error) error {
	if signer.IsPermanent(err) {
		metrics.IncSignerPermanentFailure()
		if pauseErr := e.pauser.Pause(ctx, relayer.ID, "signer_permanent_failure"); pauseErr != nil {
			e.log.Error("pausing relayer after permanent signer failure",
				zap.String("relayer_id", relayer.ID), zap.Error(pauseErr))
		}
		return e.finalizeFailedEVM(ctx, relayer, record, "SigningError::Permanent")
	}
	e.log.Warn("transient signer failure, rescheduling",
		zap.String("transaction_id", record.TransactionID), zap.Error(err))
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

// recordSubmission appends the attempt that was just broadcast and
// advances the record to submitted, scheduling the next monitoring pass.
func (e *Engine) recordSubmission(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record, hash string, fp relaymodel.FeeParams, signedBytes []byte) error {
	attempt := relaymodel.Attempt{
		AttemptIndex: len(record.History),
		SubmittedAt:  time.Now(),
		Hash:         hash,
		Fee:          fp,
		SignedBytes:  signedBytes,
	}
	record.AppendAttempt(attempt)
	if err := e.store.AppendAttempt(ctx, record.TransactionID, attempt); err != nil {
		return fmt.Errorf("lifecycle: persist attempt: %w", err)
	}
	metrics.IncTxsSubmitted()
	return e.advance(ctx, record, relaymodel.StatusSubmitted, e.pollInterval(rt))
}

func (e *Engine) submitEVM(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	req := record.Request.EVM
	address := string(relayer.Address)

	onChainNonce, err := rt.EVM.GetTransactionCount(ctx, address, "pending")
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	chainID := new(big.Int).SetUint64(rt.Params.ChainID)

	var (
		signedRaw      []byte
		txHash         string
		feeParams      relaymodel.FeeParams
		allocatedNonce uint64
	)

	signErr := e.nonceMgr.AllocateAndHold(ctx, relayer.ID, address, onChainNonce, func(n uint64) error {
		allocatedNonce = n
		fp, err := e.resolveEVMFee(ctx, relayer, rt, req)
		if err != nil {
			return err
		}

		unsigned, err := txbuild.BuildEVMUnsigned(req, n, fp, chainID)
		if err != nil {
			return err
		}

		sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
			ChainType: chain.EVM,
			Bytes:     unsigned.SigningHash.Bytes(),
		})
		if err != nil {
			return err
		}

		raw, hash, err := txbuild.FinalizeEVM(unsigned, sig)
		if err != nil {
			return err
		}

		if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{
			Nonce: n, Fee: fp, SignedPayload: raw, TxHash: hash,
		}); err != nil {
			return fmt.Errorf("lifecycle: persist assignment: %w", err)
		}

		signedRaw, txHash, feeParams = raw, hash, fp
		return nil
	})
	if signErr != nil {
		// allocateLocked already persisted the bumped cursor before this
		// closure ever ran, so the nonce is durably spent whether or not
		// fn reached the signer. Reconcile it immediately — roll back if
		// nothing later is in flight, else mark it abandoned for a
		// filler — rather than leaking it on every retry of a transient
		// failure or losing it silently on a permanent one.
		if err := e.nonceMgr.ReconcileFailure(ctx, relayer.ID, address, allocatedNonce); err != nil {
			e.log.Error("reconciling nonce after failed signing attempt",
				zap.String("transaction_id", record.TransactionID), zap.Uint64("nonce", allocatedNonce), zap.Error(err))
		}
		return e.handleSignFailure(ctx, relayer, rt, record, signErr)
	}

	if _, err := rt.EVM.SendRawTransaction(ctx, signedRaw); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	return e.recordSubmission(ctx, rt, record, txHash, feeParams, signedRaw)
}

// resolveEVMFee prices the attempt: an explicit legacy or 1559 fee on
// the request wins outright, otherwise the relayer's policy decides
// which pricing model the fee oracle samples for.
func (e *Engine) resolveEVMFee(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, req *chain.EVMRequest) (relaymodel.FeeParams, error) {
	gasLimit, err := e.evmGasLimit(ctx, rt, req, relayer.Policy.EVM)
	if err != nil {
		return relaymodel.FeeParams{}, err
	}
	fp := relaymodel.FeeParams{GasLimit: &gasLimit}

	switch {
	case req.GasPrice != nil:
		fp.GasPrice = req.GasPrice
	case req.HasEIP1559Fields():
		fp.MaxFeePerGas = req.MaxFeePerGas
		fp.MaxPriorityFeePerGas = req.MaxPriorityFeePerGas
	case relayer.Policy.EVM != nil && relayer.Policy.EVM.EIP1559Pricing:
		maxFee, priorityFee, err := rt.EVMFee.EIP1559Fees(ctx, string(req.Speed))
		if err != nil {
			return relaymodel.FeeParams{}, err
		}
		fp.MaxFeePerGas = maxFee
		fp.MaxPriorityFeePerGas = priorityFee
	default:
		price, err := rt.EVMFee.LegacyGasPrice(ctx, string(req.Speed))
		if err != nil {
			return relaymodel.FeeParams{}, err
		}
		fp.GasPrice = price
	}
	return fp, nil
}

func (e *Engine) evmGasLimit(ctx context.Context, rt *ChainRuntime, req *chain.EVMRequest, p *relaymodel.EVMPolicy) (uint64, error) {
	if req.GasLimit != nil {
		return *req.GasLimit, nil
	}
	estimate := p == nil || p.GasLimitEstimation
	callArgs := map[string]any{"to": string(req.To), "data": hexutil.Encode(req.Data)}
	if req.Value != nil {
		callArgs["value"] = hexutil.EncodeBig(req.Value)
	}
	return rt.EVMFee.EstimateGasLimit(ctx, callArgs, req.Data, estimate)
}

func (e *Engine) submitSolana(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	req := record.Request.Solana

	bh, err := rt.Solana.GetLatestBlockhash(ctx)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}

	writable := make([]string, 0, len(req.Instructions))
	for _, ix := range req.Instructions {
		writable = append(writable, string(ix.ProgramID))
	}
	priorityFee, err := rt.SolanaFee.PriorityFeeMicroLamports(ctx, writable)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if exceedsMaxAllowedFee(relayer.Policy.Solana, req, priorityFee) {
		return e.finalize(ctx, record, relaymodel.StatusFailed, "FeeError::MaxAllowedFeeExceeded")
	}

	unsigned, err := txbuild.BuildSolanaUnsigned(req, relayer.Address, bh.Blockhash, priorityFee)
	if err != nil {
		return err
	}

	sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
		ChainType: chain.Solana,
		Bytes:     unsigned.MessageBytes,
	})
	if err != nil {
		return e.handleSignFailure(ctx, relayer, rt, record, err)
	}

	raw, err := txbuild.FinalizeSolana(unsigned, sig)
	if err != nil {
		return err
	}

	fp := relaymodel.FeeParams{ComputeUnitPriceMicroLamports: &priorityFee, ComputeUnitLimit: req.ComputeUnitLimit}
	if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{Fee: fp, SignedPayload: raw}); err != nil {
		return fmt.Errorf("lifecycle: persist assignment: %w", err)
	}

	txHash, err := rt.Solana.SendTransaction(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	return e.recordSubmission(ctx, rt, record, txHash, fp, raw)
}

// exceedsMaxAllowedFee enforces spec.md §4.6's
// allowed_tokens[mint].max_allowed_fee once the actual priority fee is
// known: policy.evaluateSolana only verified the fee-payment mint itself
// is permitted, since the fee oracle hasn't run yet at Submit time.
func exceedsMaxAllowedFee(p *relaymodel.SolanaPolicy, req *chain.SolanaRequest, priorityFeeMicroLamports uint64) bool {
	if p == nil || req.FeeTokenMint == nil {
		return false
	}
	tp, ok := p.AllowedTokens[*req.FeeTokenMint]
	if !ok || tp.MaxAllowedFee == nil {
		return false
	}
	return priorityFeeMicroLamports > *tp.MaxAllowedFee
}

func (e *Engine) submitStellar(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	req := record.Request.Stellar

	if req.FeeBump {
		return e.submitStellarFeeBump(ctx, relayer, rt, record, req)
	}

	sourceAccount := relayer.Address
	if req.SourceAccount != nil {
		sourceAccount = *req.SourceAccount
	}

	acct, err := rt.Stellar.GetAccount(ctx, string(sourceAccount))
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	sequence, err := parseStellarSequence(acct.Sequence)
	if err != nil {
		return err
	}

	unsigned, err := txbuild.BuildStellarUnsigned(req, sourceAccount, sequence+1, rt.StellarFee.FeeBumpMaxFee(nil), rt.Params.Passphrase)
	if err != nil {
		return err
	}

	sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
		ChainType: chain.Stellar,
		Bytes:     unsigned.SigningPayload,
	})
	if err != nil {
		return e.handleSignFailure(ctx, relayer, rt, record, err)
	}

	envelopeXDR, txHash, err := txbuild.FinalizeStellar(unsigned, sourceAccount, sig)
	if err != nil {
		return err
	}

	fp := relaymodel.FeeParams{}
	if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{
		Fee: fp, SignedPayload: []byte(envelopeXDR), TxHash: txHash,
	}); err != nil {
		return fmt.Errorf("lifecycle: persist assignment: %w", err)
	}

	if _, err := rt.Stellar.SendTransaction(ctx, envelopeXDR); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	return e.recordSubmission(ctx, rt, record, txHash, fp, []byte(envelopeXDR))
}

func (e *Engine) submitStellarFeeBump(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record, req *chain.StellarRequest) error {
	maxFee := rt.StellarFee.FeeBumpMaxFee(req.MaxFee)

	unsigned, err := txbuild.BuildStellarFeeBump(req.TransactionXDR, relayer.Address, maxFee, rt.Params.Passphrase)
	if err != nil {
		return err
	}

	sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
		ChainType: chain.Stellar,
		Bytes:     unsigned.SigningPayload,
	})
	if err != nil {
		return e.handleSignFailure(ctx, relayer, rt, record, err)
	}

	envelopeXDR, txHash, err := txbuild.FinalizeStellar(unsigned, relayer.Address, sig)
	if err != nil {
		return err
	}

	fp := relaymodel.FeeParams{MaxFeeStroops: &maxFee}
	if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{
		Fee: fp, SignedPayload: []byte(envelopeXDR), TxHash: txHash,
	}); err != nil {
		return fmt.Errorf("lifecycle: persist assignment: %w", err)
	}

	if _, err := rt.Stellar.SendTransaction(ctx, envelopeXDR); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	return e.recordSubmission(ctx, rt, record, txHash, fp, []byte(envelopeXDR))
}

func parseStellarSequence(raw string) (int64, error) {
	var seq int64
	if _, err := fmt.Sscan(raw, &seq); err != nil {
		return 0, fmt.Errorf("lifecycle: parse stellar sequence %q: %w", raw, err)
	}
	return seq, nil
}
