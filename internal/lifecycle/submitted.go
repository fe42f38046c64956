package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/fee"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/txbuild"
)

// minReplacementAfter is spec.md §4.8's floor on how long a submitted
// record must go unresolved before the engine acts on it, regardless of
// how fast the chain's blocks are.
const minReplacementAfter = 30 * time.Second

// replacementAfter is spec.md §4.8's replacement_after formula: three
// block times, or the 30s floor on a fast chain. On EVM, reaching it
// triggers a fee-bump re-broadcast at the same nonce; on Solana and
// Stellar, whose unsigned payloads expire (blockhash, timebounds), it
// instead re-enters pending for a fresh build.
func replacementAfter(rt *ChainRuntime) time.Duration {
	threshold := 3 * time.Duration(rt.Params.AverageBlocktime) * time.Millisecond
	if threshold < minReplacementAfter {
		return minReplacementAfter
	}
	return threshold
}

func lastAttempt(record *relaymodel.Record) (relaymodel.Attempt, bool) {
	if len(record.History) == 0 {
		return relaymodel.Attempt{}, false
	}
	return record.History[len(record.History)-1], true
}

func (e *Engine) processSubmitted(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	switch rt.Params.Type {
	case chain.EVM:
		return e.pollEVMSubmitted(ctx, relayer, rt, record)
	case chain.Solana:
		return e.pollSolanaSubmitted(ctx, rt, record)
	case chain.Stellar:
		return e.pollStellarSubmitted(ctx, rt, record)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChainType, rt.Params.Type)
	}
}

func (e *Engine) pollEVMSubmitted(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: submitted record %s has no attempts", record.TransactionID)
	}

	receipt, err := rt.EVM.GetTransactionReceipt(ctx, attempt.Hash)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if receipt != nil {
		// A cancellation attempt consumed the nonce either way: whether
		// the self-transfer itself succeeded or reverted, the original
		// request can never land at this nonce again.
		if attempt.IsCancellation {
			return e.advance(ctx, record, relaymodel.StatusMined, e.pollInterval(rt))
		}
		if receipt.Status != nil && uint64(*receipt.Status) == 0 {
			return e.finalizeFailedEVM(ctx, relayer, record, "TransactionReverted")
		}
		return e.advance(ctx, record, relaymodel.StatusMined, e.pollInterval(rt))
	}

	if record.CancelRequested {
		if attempt.IsCancellation && time.Since(attempt.SubmittedAt) < replacementAfter(rt) {
			return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
		}
		return e.cancelEVM(ctx, relayer, rt, record, attempt)
	}

	if record.ValidUntil != nil && !time.Now().Before(*record.ValidUntil) {
		return e.finalize(ctx, record, relaymodel.StatusExpired, "valid_until_passed")
	}

	if time.Since(attempt.SubmittedAt) < replacementAfter(rt) {
		return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
	}
	return e.replaceEVM(ctx, relayer, rt, record, attempt)
}

// cancelEVM broadcasts a zero-value self-transfer at the record's nonce,
// fee-bumped past the previous attempt by the same 10%-minimum rule a
// fee-bump replacement uses, per spec.md §5's cancellation transaction;
// when the relayer's gas price cap leaves no room for that bump, it goes
// out at the previous attempt's fee instead.
// Called once to start the cancellation and again on every subsequent
// stuck poll to keep bumping it, exactly like replaceEVM but targeting
// the relayer's own address with no data instead of the original request.
func (e *Engine) cancelEVM(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record, previous relaymodel.Attempt) error {
	if record.Assignment == nil {
		return fmt.Errorf("lifecycle: record %s missing assignment for cancellation", record.TransactionID)
	}

	previousPrice := previous.Fee.GasPrice
	if previousPrice == nil {
		previousPrice = previous.Fee.MaxFeePerGas
	}
	if previousPrice == nil {
		return fmt.Errorf("lifecycle: record %s attempt carries no fee to bump", record.TransactionID)
	}

	var capWei *uint64
	if relayer.Policy.EVM != nil {
		capWei = relayer.Policy.EVM.GasPriceCap
	}
	bumped, err := fee.CheckReplacementCap(previousPrice, previousPrice, capWei)
	if err != nil {
		if !errors.Is(err, relaymodel.ErrFeeCapReached) {
			return err
		}
		// The cap can't clear the 10% floor: match the previous fee
		// exactly rather than give up on the cancellation outright, the
		// same way a cancellation-as-replacement degrades gracefully.
		bumped = previousPrice
	}

	newFee := previous.Fee
	if newFee.GasPrice != nil {
		newFee.GasPrice = bumped
	} else {
		delta := new(big.Int).Sub(bumped, previousPrice)
		newFee.MaxFeePerGas = new(big.Int).Add(newFee.MaxFeePerGas, delta)
		newFee.MaxPriorityFeePerGas = new(big.Int).Add(newFee.MaxPriorityFeePerGas, delta)
	}

	selfTransfer := &chain.EVMRequest{To: relayer.Address, Value: big.NewInt(0), GasLimit: newFee.GasLimit}
	chainID := new(big.Int).SetUint64(rt.Params.ChainID)
	unsigned, err := txbuild.BuildEVMUnsigned(selfTransfer, record.Assignment.Nonce, newFee, chainID)
	if err != nil {
		return err
	}

	sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
		ChainType: chain.EVM,
		Bytes:     unsigned.SigningHash.Bytes(),
	})
	if err != nil {
		return e.handleSignFailure(ctx, relayer, rt, record, err)
	}

	raw, hash, err := txbuild.FinalizeEVM(unsigned, sig)
	if err != nil {
		return err
	}

	if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{
		Nonce: record.Assignment.Nonce, Fee: newFee, SignedPayload: raw, TxHash: hash,
	}); err != nil {
		return fmt.Errorf("lifecycle: persist cancellation assignment: %w", err)
	}

	if _, err := rt.EVM.SendRawTransaction(ctx, raw); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}

	attempt := relaymodel.Attempt{
		AttemptIndex:   len(record.History),
		SubmittedAt:    time.Now(),
		Hash:           hash,
		Fee:            newFee,
		SignedBytes:    raw,
		IsCancellation: true,
	}
	record.AppendAttempt(attempt)
	if err := e.store.AppendAttempt(ctx, record.TransactionID, attempt); err != nil {
		return fmt.Errorf("lifecycle: persist cancellation attempt: %w", err)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

// replaceEVM fee-bumps the previous attempt's price by the 10%-minimum
// rule, capped by the relayer's gas price cap, and re-broadcasts at the
// same nonce, per spec.md §4.6's replacement flow. The record stays
// submitted: a later attempt's receipt supersedes an earlier one in
// pollEVMSubmitted's next pass, it doesn't end this record's life.
func (e *Engine) replaceEVM(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record, previous relaymodel.Attempt) error {
	if record.Assignment == nil {
		return fmt.Errorf("lifecycle: record %s missing assignment for replacement", record.TransactionID)
	}

	previousPrice := previous.Fee.GasPrice
	if previousPrice == nil {
		previousPrice = previous.Fee.MaxFeePerGas
	}
	if previousPrice == nil {
		return fmt.Errorf("lifecycle: record %s attempt carries no fee to bump", record.TransactionID)
	}

	var capWei *uint64
	if relayer.Policy.EVM != nil {
		capWei = relayer.Policy.EVM.GasPriceCap
	}
	bumped, err := fee.CheckReplacementCap(previousPrice, previousPrice, capWei)
	if err != nil {
		if errors.Is(err, relaymodel.ErrFeeCapReached) {
			return e.finalizeFailedEVM(ctx, relayer, record, "FeeError::CapReached")
		}
		return err
	}

	newFee := previous.Fee
	if newFee.GasPrice != nil {
		newFee.GasPrice = bumped
	} else {
		delta := new(big.Int).Sub(bumped, previousPrice)
		newFee.MaxFeePerGas = new(big.Int).Add(newFee.MaxFeePerGas, delta)
		newFee.MaxPriorityFeePerGas = new(big.Int).Add(newFee.MaxPriorityFeePerGas, delta)
	}

	chainID := new(big.Int).SetUint64(rt.Params.ChainID)
	unsigned, err := txbuild.BuildEVMUnsigned(record.Request.EVM, record.Assignment.Nonce, newFee, chainID)
	if err != nil {
		return err
	}

	sig, err := e.signer.Sign(ctx, relayer.SignerID, relayer.ID, chain.SigningPayload{
		ChainType: chain.EVM,
		Bytes:     unsigned.SigningHash.Bytes(),
	})
	if err != nil {
		return e.handleSignFailure(ctx, relayer, rt, record, err)
	}

	raw, hash, err := txbuild.FinalizeEVM(unsigned, sig)
	if err != nil {
		return err
	}

	if err := e.store.SetAssignment(ctx, record.TransactionID, relaymodel.Assignment{
		Nonce: record.Assignment.Nonce, Fee: newFee, SignedPayload: raw, TxHash: hash,
	}); err != nil {
		return fmt.Errorf("lifecycle: persist replacement assignment: %w", err)
	}

	if _, err := rt.EVM.SendRawTransaction(ctx, raw); err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}

	attempt := relaymodel.Attempt{
		AttemptIndex: len(record.History),
		SubmittedAt:  time.Now(),
		Hash:         hash,
		Fee:          newFee,
		SignedBytes:  raw,
	}
	record.AppendAttempt(attempt)
	if err := e.store.AppendAttempt(ctx, record.TransactionID, attempt); err != nil {
		return fmt.Errorf("lifecycle: persist replacement attempt: %w", err)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

func (e *Engine) pollSolanaSubmitted(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: submitted record %s has no attempts", record.TransactionID)
	}

	statuses, err := rt.Solana.GetSignatureStatuses(ctx, []string{attempt.Hash})
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if len(statuses) > 0 && statuses[0] != nil {
		st := statuses[0]
		if st.Err != nil {
			return e.finalize(ctx, record, relaymodel.StatusFailed, "TransactionReverted")
		}
		if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
			return e.advance(ctx, record, relaymodel.StatusMined, e.pollInterval(rt))
		}
	}

	if record.ValidUntil != nil && !time.Now().Before(*record.ValidUntil) {
		if record.CancelRequested {
			return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
		}
		return e.finalize(ctx, record, relaymodel.StatusExpired, "valid_until_passed")
	}

	// A Solana blockhash is only valid for ~150 slots; past that, the
	// signed message this attempt carries can never land, so re-enter
	// pending and build a fresh one rather than keep polling a dead
	// signature. Solana has no fee market to outbid, so a requested
	// cancellation is best-effort per spec.md §5: it's satisfied once
	// this blockhash simply expires on its own instead of the record
	// ever rebuilding a fresh attempt.
	if time.Since(attempt.SubmittedAt) > replacementAfter(rt) {
		if record.CancelRequested {
			return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
		}
		return e.advance(ctx, record, relaymodel.StatusPending, 0)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

func (e *Engine) pollStellarSubmitted(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: submitted record %s has no attempts", record.TransactionID)
	}

	result, err := rt.Stellar.GetTransaction(ctx, attempt.Hash)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}

	switch result.Status {
	case "SUCCESS":
		return e.advance(ctx, record, relaymodel.StatusMined, e.pollInterval(rt))
	case "FAILED":
		return e.finalize(ctx, record, relaymodel.StatusFailed, "TransactionReverted")
	}

	if record.ValidUntil != nil && !time.Now().Before(*record.ValidUntil) {
		if record.CancelRequested {
			return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
		}
		return e.finalize(ctx, record, relaymodel.StatusExpired, "valid_until_passed")
	}

	// A Stellar envelope's timebounds close after a fixed ledger count;
	// there is no fee to bid up, so a stuck NOT_FOUND result is rebuilt
	// from pending with a fresh sequence number instead of re-polled
	// forever. Like Solana, a requested cancellation here is best-effort:
	// it's satisfied once the envelope's timebounds simply close instead
	// of the record ever rebuilding a fresh one (spec.md §5).
	if time.Since(attempt.SubmittedAt) > replacementAfter(rt) {
		if record.CancelRequested {
			return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
		}
		return e.advance(ctx, record, relaymodel.StatusPending, 0)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}
