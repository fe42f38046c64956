package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/relaynet/chain-relayer/internal/lifecycle"
	"github.com/relaynet/chain-relayer/internal/metrics"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/relaynet/chain-relayer/internal/txbuild"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newReconcileNoncesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-nonces",
		Short: "Reconcile every EVM relayer's tracked nonce against its on-chain transaction count",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runReconcileNonces()
		},
	}
}

// runReconcileNonces pulls each EVM relayer's on-chain transaction count
// and raises the nonce manager's tracked high-water mark to one below it
// when the mark lags, recovering from a crash between nonce allocation and
// broadcast. Solana and Stellar
// don't hold a relayer-local nonce, so only EVM networks are visited.
func runReconcileNonces() error {
	d, err := wireRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = d.log.Sync() }()
	log := d.log

	ctx := context.Background()

	relayers, err := d.relayerDB.List(ctx)
	if err != nil {
		return fmt.Errorf("list relayers: %w", err)
	}

	for _, r := range relayers {
		rt, ok := d.chains[r.NetworkID]
		if !ok || rt.Params.Type != chain.EVM {
			continue
		}

		onChainNonce, err := rt.EVM.GetTransactionCount(ctx, string(r.Address), "latest")
		if err != nil {
			log.Error("fetch on-chain nonce", zap.String("relayer_id", r.ID), zap.Error(err))
			continue
		}

		if err := d.nonceMgr.ReconcileOnChain(ctx, r.ID, string(r.Address), onChainNonce); err != nil {
			log.Error("reconcile nonce", zap.String("relayer_id", r.ID), zap.Error(err))
			continue
		}
		log.Info("reconciled nonce", zap.String("relayer_id", r.ID), zap.Uint64("on_chain_nonce", onChainNonce))

		fillGaps(ctx, log, d, r, rt, onChainNonce)
	}

	return nil
}

// fillGaps broadcasts a zero-value self-transfer at every nonce this
// relayer abandoned at or above its current on-chain nonce, so the account's
// nonce sequence keeps advancing instead of stalling on a gap no
// transaction will ever fill on its own.
func fillGaps(ctx context.Context, log *zap.Logger, d *deps, r *relaymodel.Relayer, rt *lifecycle.ChainRuntime, onChainNonce uint64) {
	gaps, err := d.nonceMgr.PendingFillers(ctx, r.ID, string(r.Address))
	if err != nil {
		log.Error("list pending nonce fillers", zap.String("relayer_id", r.ID), zap.Error(err))
		return
	}

	for _, n := range gaps {
		if n < onChainNonce {
			continue
		}
		if err := broadcastFiller(ctx, d, r, rt, n); err != nil {
			log.Error("broadcast nonce filler", zap.String("relayer_id", r.ID), zap.Uint64("nonce", n), zap.Error(err))
			continue
		}
		metrics.IncNonceGapFillers()
		log.Info("broadcast nonce filler", zap.String("relayer_id", r.ID), zap.Uint64("nonce", n))
	}
}

func broadcastFiller(ctx context.Context, d *deps, r *relaymodel.Relayer, rt *lifecycle.ChainRuntime, nonce uint64) error {
	gasPrice, err := rt.EVMFee.LegacyGasPrice(ctx, "average")
	if err != nil {
		return fmt.Errorf("filler gas price: %w", err)
	}
	gasLimit := uint64(21000)
	fee := relaymodel.FeeParams{GasPrice: gasPrice, GasLimit: &gasLimit}

	unsigned, err := txbuild.BuildEVMCancellation(r.Address, nonce, fee, new(big.Int).SetUint64(rt.Params.ChainID))
	if err != nil {
		return fmt.Errorf("build filler: %w", err)
	}

	sig, err := d.signerFacade.Sign(ctx, r.SignerID, r.ID, chain.SigningPayload{
		ChainType: chain.EVM,
		Bytes:     unsigned.SigningHash.Bytes(),
	})
	if err != nil {
		return fmt.Errorf("sign filler: %w", err)
	}

	raw, _, err := txbuild.FinalizeEVM(unsigned, sig)
	if err != nil {
		return fmt.Errorf("finalize filler: %w", err)
	}

	if _, err := rt.EVM.SendRawTransaction(ctx, raw); err != nil {
		return fmt.Errorf("broadcast filler: %w", err)
	}
	return nil
}
