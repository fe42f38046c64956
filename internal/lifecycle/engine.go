package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/metrics"
	"github.com/relaynet/chain-relayer/internal/monitorqueue"
	"github.com/relaynet/chain-relayer/internal/nonce"
	"github.com/relaynet/chain-relayer/internal/policy"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/signer"
	"github.com/relaynet/chain-relayer/internal/store"
	"go.uber.org/zap"
)

// RelayerLookup resolves a relayer_id to its current record. A narrow
// interface rather than a dependency on internal/relayer directly: that
// package hosts the Relayer Supervisor and depends on Engine, so Engine
// must not depend back on it.
type RelayerLookup interface {
	Get(ctx context.Context, relayerID string) (*relaymodel.Relayer, error)
}

// RelayerPauser sets SystemDisabled on a relayer, the engine-controlled
// half of admission control (spec.md §4.1): a permanent signer failure
// or a ConsistencyError pauses the relayer until an operator clears it.
type RelayerPauser interface {
	Pause(ctx context.Context, relayerID, reason string) error
}

// Engine is the Lifecycle Engine: it drives Transaction Records through
// pending -> submitted -> mined -> confirmed (or one of the terminal
// failure states), one record at a time, triggered off
// internal/monitorqueue the way mevshare's bundle pipeline is triggered
// off simqueue.
type Engine struct {
	log      *zap.Logger
	store    store.TransactionStore
	signer   *signer.Facade
	nonceMgr *nonce.Manager
	queue    monitorqueue.Queue
	chains   map[string]*ChainRuntime // network_id -> runtime
	relayers RelayerLookup
	pauser   RelayerPauser
}

func New(
	log *zap.Logger,
	txStore store.TransactionStore,
	signerFacade *signer.Facade,
	nonceMgr *nonce.Manager,
	queue monitorqueue.Queue,
	chains map[string]*ChainRuntime,
	relayers RelayerLookup,
	pauser RelayerPauser,
) *Engine {
	return &Engine{
		log:      log.Named("lifecycle"),
		store:    txStore,
		signer:   signerFacade,
		nonceMgr: nonceMgr,
		queue:    queue,
		chains:   chains,
		relayers: relayers,
		pauser:   pauser,
	}
}

// Submit admits a new request, persists it as a pending record and
// schedules its first processing pass. It performs the same
// admission/policy checks Process will later re-derive from the stored
// record, so a request that should never have been accepted never hits
// the store at all.
func (e *Engine) Submit(ctx context.Context, relayer *relaymodel.Relayer, req *chain.Request, validUntil *time.Time) (*relaymodel.Record, error) {
	if admitted, err := relayer.Admitted(); !admitted {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Stellar != nil && req.Stellar.FeeBump && len(req.Stellar.TransactionXDR) == 0 {
		return nil, relaymodel.ErrInvalidFeeBumpRequest
	}

	rt, ok := e.chains[relayer.NetworkID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, relayer.NetworkID)
	}

	snap, err := e.snapshot(ctx, rt, relayer)
	if err != nil {
		return nil, err
	}
	if err := policy.Evaluate(relayer, req, snap); err != nil {
		metrics.IncPolicyRejection()
		return nil, err
	}

	record := &relaymodel.Record{
		TransactionID: uuid.NewString(),
		RelayerID:     relayer.ID,
		CreatedAt:     time.Now(),
		Request:       *req,
		Status:        relaymodel.StatusPending,
		ValidUntil:    validUntil,
	}
	if err := e.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("lifecycle: create record: %w", err)
	}
	if err := e.queue.Schedule(ctx, record.TransactionID, time.Now()); err != nil {
		return nil, fmt.Errorf("lifecycle: schedule first pass: %w", err)
	}
	return record, nil
}

// Cancel flags a non-terminal record for cancellation and wakes its
// monitoring pass immediately, per spec.md §5: the record itself only
// reaches StatusCancelled once the cancellation transaction (EVM) or the
// naturally-expiring sequence/blockhash (Solana/Stellar) has been
// observed on chain, driven by the normal Process loop from here on.
func (e *Engine) Cancel(ctx context.Context, relayerID, transactionID string) (*relaymodel.Record, error) {
	record, err := e.store.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if record.RelayerID != relayerID {
		return nil, relaymodel.ErrTxNotFound
	}
	if record.Status.Terminal() {
		return nil, relaymodel.ErrCancelTerminal
	}
	if record.CancelRequested {
		return record, nil
	}

	if err := e.store.RequestCancel(ctx, transactionID); err != nil {
		return nil, fmt.Errorf("lifecycle: request cancel: %w", err)
	}
	record.CancelRequested = true
	if err := e.queue.Schedule(ctx, transactionID, time.Now()); err != nil {
		return nil, fmt.Errorf("lifecycle: schedule cancel pass: %w", err)
	}
	return record, nil
}

// Process is the monitorqueue.ProcessFunc driving every record still in
// flight. It never returns monitorqueue.ErrProcessRetryLater: poll
// cadence here is chain-blocktime-driven, not failure-driven, so a
// handler that wants to check again later calls queue.Schedule itself
// and returns nil.
func (e *Engine) Process(ctx context.Context, transactionID string) error {
	record, err := e.store.Get(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("lifecycle: load record %s: %w", transactionID, err)
	}
	if record.Status.Terminal() {
		return nil
	}

	relayer, err := e.relayers.Get(ctx, record.RelayerID)
	if err != nil {
		return fmt.Errorf("lifecycle: load relayer %s: %w", record.RelayerID, err)
	}
	rt, ok := e.chains[relayer.NetworkID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNetwork, relayer.NetworkID)
	}

	switch record.Status {
	case relaymodel.StatusPending:
		return e.processPending(ctx, relayer, rt, record)
	case relaymodel.StatusSubmitted:
		return e.processSubmitted(ctx, relayer, rt, record)
	case relaymodel.StatusMined:
		return e.processMined(ctx, relayer, rt, record)
	default:
		return nil
	}
}

// finalize moves record to a terminal status and persists it, the
// shared path every handler uses to end a record's life.
func (e *Engine) finalize(ctx context.Context, record *relaymodel.Record, status relaymodel.Status, reason string) error {
	if err := record.Transition(status); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(ctx, record.TransactionID, status, reason); err != nil {
		return fmt.Errorf("lifecycle: persist status %s: %w", status, err)
	}
	switch status {
	case relaymodel.StatusConfirmed:
		metrics.IncTxsConfirmed()
	case relaymodel.StatusFailed:
		metrics.IncTxsFailed()
	case relaymodel.StatusReplaced:
		metrics.IncTxsReplaced()
	case relaymodel.StatusExpired:
		metrics.IncTxsExpired()
	}
	return nil
}

// finalizeFailedEVM reconciles the nonce a submitted record's broadcast
// attempt held before handing off to finalize, per spec.md §4.5.
// record.Assignment is only set once a broadcast attempt actually signed
// successfully, so it's non-nil here for every submitted-state failure
// (TransactionReverted, FeeError::CapReached); a failure still in pending
// (signing itself failed) arrives with a nil Assignment and skips this
// gate, because submitEVM has already reconciled the nonce it allocated
// for that attempt. Reconciliation failure is logged, not fatal — the
// record still needs to reach its terminal status either way; the nonce
// is then neither rolled back nor marked abandoned.
func (e *Engine) finalizeFailedEVM(ctx context.Context, relayer *relaymodel.Relayer, record *relaymodel.Record, reason string) error {
	if record.Assignment != nil {
		if err := e.nonceMgr.ReconcileFailure(ctx, relayer.ID, string(relayer.Address), record.Assignment.Nonce); err != nil {
			e.log.Error("reconciling nonce after terminal failure",
				zap.String("transaction_id", record.TransactionID), zap.Uint64("nonce", record.Assignment.Nonce), zap.Error(err))
		}
	}
	return e.finalize(ctx, record, relaymodel.StatusFailed, reason)
}

// advance moves record to a non-terminal status, persists it, and
// reschedules the next monitoring pass after delay.
func (e *Engine) advance(ctx context.Context, record *relaymodel.Record, status relaymodel.Status, delay time.Duration) error {
	if err := record.Transition(status); err != nil {
		return err
	}
	if err := e.store.UpdateStatus(ctx, record.TransactionID, status, ""); err != nil {
		return fmt.Errorf("lifecycle: persist status %s: %w", status, err)
	}
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(delay))
}

// retryRPCError logs a transient RPC failure (including
// rpcpool.ErrAllEndpointsExhausted) and reschedules the record's next
// monitoring pass after one poll interval, the same way handleSignFailure
// reschedules a transient signer error. Returning the raw error instead
// would propagate out of Process to monitorqueue, which only reschedules
// on ErrProcessRetryLater and otherwise drops the item permanently —
// spec.md §7 treats network/RPC errors as locally recoverable via the
// transport pool, never as grounds to abandon a record.
func (e *Engine) retryRPCError(ctx context.Context, rt *ChainRuntime, record *relaymodel.Record, err error) error {
	e.log.Warn("transient rpc failure, rescheduling",
		zap.String("transaction_id", record.TransactionID), zap.Error(err))
	return e.queue.Schedule(ctx, record.TransactionID, time.Now().Add(e.pollInterval(rt)))
}

// pollInterval is how long the engine waits before rechecking a
// submitted or mined record, one average block time per spec.md's
// chain-blocktime-driven monitoring cadence. Falls back to 5s for a
// network whose catalog entry hasn't set one.
func (e *Engine) pollInterval(rt *ChainRuntime) time.Duration {
	if rt.Params.AverageBlocktime == 0 {
		return 5 * time.Second
	}
	return time.Duration(rt.Params.AverageBlocktime) * time.Millisecond
}
