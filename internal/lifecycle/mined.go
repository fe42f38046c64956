package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// processMined checks inclusion depth against the network's
// confirmations_required, and watches for the record falling back out
// of view (a reorg), per spec.md §4.8's mined -> confirmed / submitted /
// pending transitions.
func (e *Engine) processMined(ctx context.Context, relayer *relaymodel.Relayer, rt *ChainRuntime, record *relaymodel.Record) error {
	switch rt.Params.Type {
	case chain.EVM:
		return e.pollEVMMined(ctx, rt, record)
	case chain.Solana:
		return e.pollSolanaMined(ctx, rt, record)
	case chain.Stellar:
		return e.pollStellarMined(ctx, rt, record)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChainType, rt.Params.Type)
	}
}

// finalizeMined lands a record that has cleared its confirmation depth:
// a normal attempt reaches confirmed, but a cancellation attempt (EVM
// self-transfer) reaching the same depth is the cancellation itself
// confirming, per spec.md §5 ("the original transitions to cancelled
// only after the cancellation confirms").
func (e *Engine) finalizeMined(ctx context.Context, record *relaymodel.Record, attempt relaymodel.Attempt) error {
	if attempt.IsCancellation {
		return e.finalize(ctx, record, relaymodel.StatusCancelled, "")
	}
	return e.finalize(ctx, record, relaymodel.StatusConfirmed, "")
}

// reorgFallback decides whether a disappeared mined record should
// re-enter submitted (still within the chain's plausible reorg window,
// likely to reappear) or pending (beyond it, re-submit from scratch).
func (e *Engine) reorgFallback(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record, minedSince time.Duration) error {
	window := reorgWindow[rt.Params.Type]
	if minedSince > time.Duration(window)*e.pollInterval(rt) {
		return e.advance(ctx, record, relaymodel.StatusPending, 0)
	}
	return e.advance(ctx, record, relaymodel.StatusSubmitted, e.pollInterval(rt))
}

func (e *Engine) pollEVMMined(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: mined record %s has no attempts", record.TransactionID)
	}

	receipt, err := rt.EVM.GetTransactionReceipt(ctx, attempt.Hash)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return e.reorgFallback(ctx, rt, record, time.Since(attempt.SubmittedAt))
	}

	current, err := rt.EVM.BlockNumber(ctx)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	minedAt := receipt.BlockNumber.ToInt().Uint64()
	var depth uint64
	if current > minedAt {
		depth = current - minedAt
	}

	if depth >= rt.Params.ConfirmationsNeeded {
		return e.finalizeMined(ctx, record, attempt)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

func (e *Engine) pollSolanaMined(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: mined record %s has no attempts", record.TransactionID)
	}

	statuses, err := rt.Solana.GetSignatureStatuses(ctx, []string{attempt.Hash})
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if len(statuses) == 0 || statuses[0] == nil {
		return e.reorgFallback(ctx, rt, record, time.Since(attempt.SubmittedAt))
	}
	st := statuses[0]
	if st.Err != nil {
		return e.finalize(ctx, record, relaymodel.StatusFailed, "TransactionReverted")
	}

	currentSlot, err := rt.Solana.GetSlot(ctx)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	var depth uint64
	if currentSlot > st.Slot {
		depth = currentSlot - st.Slot
	}

	if depth >= rt.Params.ConfirmationsNeeded {
		return e.finalizeMined(ctx, record, attempt)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

func (e *Engine) pollStellarMined(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record) error {
	attempt, ok := lastAttempt(record)
	if !ok {
		return fmt.Errorf("lifecycle: mined record %s has no attempts", record.TransactionID)
	}

	result, err := rt.Stellar.GetTransaction(ctx, attempt.Hash)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	if result.Status != "SUCCESS" {
		return e.reorgFallback(ctx, rt, record, time.Since(attempt.SubmittedAt))
	}

	latest, err := rt.Stellar.GetLatestLedger(ctx)
	if err != nil {
		return e.retryRPCError(ctx, rt, record, err)
	}
	var depth uint64
	if latest.Sequence > result.Ledger {
		depth = latest.Sequence - result.Ledger
	}

	if depth >= rt.Params.ConfirmationsNeeded {
		return e.finalizeMined(ctx, record, attempt)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}
