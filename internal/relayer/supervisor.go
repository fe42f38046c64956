// Package relayer implements the Relayer Supervisor (spec.md §4.9): the
// long-lived task that owns each relayer's admission state (paused /
// system_disabled), periodically checks its native balance against
// min_balance, and hosts the Lifecycle Engine's per-transaction
// monitoring loop. It implements lifecycle.RelayerLookup and
// lifecycle.RelayerPauser so the engine can reach it without an import
// cycle.
package relayer

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/fee"
	"github.com/relaynet/chain-relayer/internal/lifecycle"
	"github.com/relaynet/chain-relayer/internal/metrics"
	"github.com/relaynet/chain-relayer/internal/monitorqueue"
	"github.com/relaynet/chain-relayer/internal/nonce"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/signer"
	"github.com/relaynet/chain-relayer/internal/txbuild"
	"go.uber.org/zap"
)

// Store is the durable relayer roster the Supervisor reads and mutates;
// *postgres.RelayerStore satisfies it structurally.
type Store interface {
	Get(ctx context.Context, relayerID string) (*relaymodel.Relayer, error)
	List(ctx context.Context) ([]*relaymodel.Relayer, error)
	SetPaused(ctx context.Context, relayerID string, paused bool) error
	SetSystemDisabled(ctx context.Context, relayerID string, disabled bool) error
}

const defaultBalanceCheckInterval = time.Minute

// Supervisor drives admission state for every configured relayer and
// hosts the lifecycle engine's per-transaction monitoring loop. One
// process runs one Supervisor over the whole roster; "one long-lived
// task per relayer" (spec.md §4.9) is realized as one balance-check tick
// per relayer within a single shared loop rather than one goroutine per
// relayer, since the check itself is cheap and bounded by RPC latency.
type Supervisor struct {
	log      *zap.Logger
	store    Store
	queue    monitorqueue.Queue
	chains   map[string]*lifecycle.ChainRuntime
	nonceMgr *nonce.Manager
	signer   *signer.Facade

	backgroundWg *sync.WaitGroup

	balanceCheckInterval time.Duration

	fillerFeeMu sync.Mutex
	fillerFee   map[fillerKey]*big.Int
}

// fillerKey identifies one gap-filler broadcast attempt so repeated
// ticks escalate the same nonce's fee instead of resampling the market
// price from scratch every minute.
type fillerKey struct {
	relayerID string
	nonce     uint64
}

// NewSupervisor builds a Supervisor independent of the Lifecycle Engine:
// Pause/Resume only ever touch the relayer roster, so the engine — which
// in turn needs a RelayerPauser at construction — is supplied to Start
// later instead of at construction, breaking what would otherwise be a
// circular dependency between the two.
func NewSupervisor(
	log *zap.Logger,
	store Store,
	queue monitorqueue.Queue,
	chains map[string]*lifecycle.ChainRuntime,
	nonceMgr *nonce.Manager,
	signerFacade *signer.Facade,
	backgroundWg *sync.WaitGroup,
) *Supervisor {
	return &Supervisor{
		log:                  log.Named("relayer_supervisor"),
		store:                store,
		queue:                queue,
		chains:               chains,
		nonceMgr:             nonceMgr,
		signer:               signerFacade,
		backgroundWg:         backgroundWg,
		balanceCheckInterval: defaultBalanceCheckInterval,
		fillerFee:            make(map[fillerKey]*big.Int),
	}
}

// Get implements lifecycle.RelayerLookup.
func (s *Supervisor) Get(ctx context.Context, relayerID string) (*relaymodel.Relayer, error) {
	return s.store.Get(ctx, relayerID)
}

// Pause implements lifecycle.RelayerPauser: a permanent signer failure or
// a ConsistencyError sets system_disabled, which only an operator can
// clear, distinct from the reversible paused flag this package's own
// balance-check loop toggles.
func (s *Supervisor) Pause(ctx context.Context, relayerID, reason string) error {
	s.log.Warn("pausing relayer (system_disabled)", zap.String("relayer_id", relayerID), zap.String("reason", reason))
	return s.store.SetSystemDisabled(ctx, relayerID, true)
}

// Resume clears system_disabled; callers are the admin surface, never
// the engine itself, matching spec.md §4.9's "cleared only by operator
// intervention."
func (s *Supervisor) Resume(ctx context.Context, relayerID string) error {
	return s.store.SetSystemDisabled(ctx, relayerID, false)
}

// Start launches the lifecycle engine's per-transaction worker pool and
// the roster-wide balance-check loop. It mirrors mevshare's
// SimQueue.Start/backgroundWg split: the returned WaitGroup tracks
// in-flight per-transaction tasks, which graceful shutdown must drain
// (a signing or broadcast call must be allowed to finish); the balance
// check loop runs on the Supervisor's own backgroundWg, which shutdown
// waits on after cancelling ctx; the loop returns at its next select once
// ctx is done, and the wait itself has no timeout.
func (s *Supervisor) Start(ctx context.Context, workers int, process monitorqueue.ProcessFunc) *sync.WaitGroup {
	s.backgroundWg.Add(1)
	go func() {
		defer s.backgroundWg.Done()
		s.runBalanceCheckLoop(ctx)
	}()
	return s.queue.StartProcessLoop(ctx, workers, process)
}

func (s *Supervisor) runBalanceCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(s.balanceCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkAllBalances(ctx)
			s.checkAllFillers(ctx)
		}
	}
}

// checkAllFillers broadcasts a filler transaction for every nonce the
// nonce manager still lists as abandoned, per spec.md §4.5's gap
// reconciliation; it does not check the chain first, so a marker stays
// in play until ReconcileOnChain clears it. Run from the same tick as the
// balance check: a stuck gap costs nothing to leave for one more minute,
// and sharing the tick avoids a second goroutine over the same roster.
func (s *Supervisor) checkAllFillers(ctx context.Context) {
	relayers, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("listing relayers for filler check", zap.Error(err))
		return
	}
	for _, r := range relayers {
		if r.SystemDisabled {
			continue
		}
		rt, ok := s.chains[r.NetworkID]
		if !ok || rt.Params.Type != chain.EVM {
			continue
		}

		gaps, err := s.nonceMgr.PendingFillers(ctx, r.ID, string(r.Address))
		if err != nil {
			s.log.Warn("listing pending nonce fillers", zap.String("relayer_id", r.ID), zap.Error(err))
			continue
		}
		s.forgetClearedFillers(r.ID, gaps)
		for _, n := range gaps {
			if err := s.broadcastFiller(ctx, r, rt, n); err != nil {
				s.log.Warn("broadcasting nonce gap filler",
					zap.String("relayer_id", r.ID), zap.Uint64("nonce", n), zap.Error(err))
				continue
			}
			metrics.IncNonceGapFillers()
			s.log.Info("broadcast nonce gap filler", zap.String("relayer_id", r.ID), zap.Uint64("nonce", n))
		}
	}
}

// forgetClearedFillers drops the remembered fee for any nonce this
// relayer no longer has pending, so the map doesn't grow forever once
// ReconcileOnChain clears a gap a filler succeeded in filling.
func (s *Supervisor) forgetClearedFillers(relayerID string, stillPending []uint64) {
	pending := make(map[uint64]struct{}, len(stillPending))
	for _, n := range stillPending {
		pending[n] = struct{}{}
	}

	s.fillerFeeMu.Lock()
	defer s.fillerFeeMu.Unlock()
	for k := range s.fillerFee {
		if k.relayerID != relayerID {
			continue
		}
		if _, ok := pending[k.nonce]; !ok {
			delete(s.fillerFee, k)
		}
	}
}

// broadcastFiller signs and sends a zero-value self-transfer at nonce n,
// bumping the fee past its own previous attempt on every retry by the
// same 10%-minimum rule a submitted record's fee-bump replacement uses,
// so a filler stuck behind a rising market eventually clears instead of
// retrying forever at its first, now-stale, price.
func (s *Supervisor) broadcastFiller(ctx context.Context, r *relaymodel.Relayer, rt *lifecycle.ChainRuntime, n uint64) error {
	price, err := s.nextFillerFee(ctx, r, rt, n)
	if err != nil {
		return fmt.Errorf("relayer: filler fee: %w", err)
	}

	gasLimit := uint64(21000)
	chainID := new(big.Int).SetUint64(rt.Params.ChainID)
	unsigned, err := txbuild.BuildEVMCancellation(r.Address, n, relaymodel.FeeParams{GasPrice: price, GasLimit: &gasLimit}, chainID)
	if err != nil {
		return fmt.Errorf("relayer: build filler: %w", err)
	}

	sig, err := s.signer.Sign(ctx, r.SignerID, r.ID, chain.SigningPayload{ChainType: chain.EVM, Bytes: unsigned.SigningHash.Bytes()})
	if err != nil {
		return fmt.Errorf("relayer: sign filler: %w", err)
	}

	raw, _, err := txbuild.FinalizeEVM(unsigned, sig)
	if err != nil {
		return fmt.Errorf("relayer: finalize filler: %w", err)
	}

	if _, err := rt.EVM.SendRawTransaction(ctx, raw); err != nil {
		return fmt.Errorf("relayer: broadcast filler: %w", err)
	}
	return nil
}

// nextFillerFee prices a filler's first broadcast off the chain's
// average-speed market rate, then bumps every subsequent retry of the
// same (relayer, nonce) by the replacement floor instead of resampling
// the market again, so the price only ever climbs.
func (s *Supervisor) nextFillerFee(ctx context.Context, r *relaymodel.Relayer, rt *lifecycle.ChainRuntime, n uint64) (*big.Int, error) {
	s.fillerFeeMu.Lock()
	defer s.fillerFeeMu.Unlock()

	if s.fillerFee == nil {
		s.fillerFee = make(map[fillerKey]*big.Int)
	}

	k := fillerKey{relayerID: r.ID, nonce: n}
	if previous, ok := s.fillerFee[k]; ok {
		bumped, err := fee.CheckReplacementCap(previous, previous, nil)
		if err != nil {
			return nil, err
		}
		s.fillerFee[k] = bumped
		return bumped, nil
	}

	price, err := rt.EVMFee.LegacyGasPrice(ctx, string(chain.SpeedAverage))
	if err != nil {
		return nil, err
	}
	s.fillerFee[k] = price
	return price, nil
}

func (s *Supervisor) checkAllBalances(ctx context.Context) {
	relayers, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("listing relayers for balance check", zap.Error(err))
		return
	}
	for _, r := range relayers {
		if r.SystemDisabled {
			continue
		}
		if err := s.checkBalance(ctx, r); err != nil {
			s.log.Warn("balance check failed", zap.String("relayer_id", r.ID), zap.Error(err))
		}
	}
}

// checkBalance pauses a relayer whose native balance has fallen below
// min_balance under a strict policy, and resumes one whose balance has
// recovered, per spec.md §4.9. A relayer with no strict min_balance
// configured, or on a chain family the policy doesn't gate on balance
// (Stellar), is never paused here; if it is paused, the flag is cleared.
func (s *Supervisor) checkBalance(ctx context.Context, r *relaymodel.Relayer) error {
	rt, ok := s.chains[r.NetworkID]
	if !ok {
		return fmt.Errorf("relayer: unknown network %q", r.NetworkID)
	}

	min, strict := minBalanceFor(r)
	if min == nil || !strict {
		if r.Paused {
			return s.store.SetPaused(ctx, r.ID, false)
		}
		return nil
	}

	balance, err := nativeBalance(ctx, rt, r.Address)
	if err != nil {
		return err
	}
	if balance == nil {
		return nil
	}

	below := balance.Cmp(new(big.Int).SetUint64(*min)) < 0
	if below && !r.Paused {
		s.log.Warn("relayer balance below floor, pausing",
			zap.String("relayer_id", r.ID), zap.String("balance", balance.String()), zap.Uint64("min_balance", *min))
		return s.store.SetPaused(ctx, r.ID, true)
	}
	if !below && r.Paused {
		s.log.Info("relayer balance recovered, resuming", zap.String("relayer_id", r.ID))
		return s.store.SetPaused(ctx, r.ID, false)
	}
	return nil
}

func minBalanceFor(r *relaymodel.Relayer) (*uint64, bool) {
	switch r.Policy.ChainType {
	case chain.EVM:
		if r.Policy.EVM == nil {
			return nil, false
		}
		return r.Policy.EVM.MinBalance, r.Policy.EVM.StrictBalance
	case chain.Solana:
		if r.Policy.Solana == nil {
			return nil, false
		}
		return r.Policy.Solana.MinBalance, r.Policy.Solana.StrictBalance
	default:
		return nil, false
	}
}

func nativeBalance(ctx context.Context, rt *lifecycle.ChainRuntime, address chain.Address) (*big.Int, error) {
	switch rt.Params.Type {
	case chain.EVM:
		b, err := rt.EVM.GetBalance(ctx, string(address), "latest")
		if err != nil {
			return nil, fmt.Errorf("relayer: evm balance: %w", err)
		}
		return b.ToInt(), nil
	case chain.Solana:
		lamports, err := rt.Solana.GetBalance(ctx, string(address))
		if err != nil {
			return nil, fmt.Errorf("relayer: solana balance: %w", err)
		}
		return new(big.Int).SetUint64(lamports), nil
	default:
		return nil, nil
	}
}
