// Package signer exposes the uniform signing capability the lifecycle
// engine consumes, realized by a set of composed backends (local
// keystore, HashiCorp Vault, Vault Cloud, Turnkey, GCP KMS, AWS KMS). The
// facade owns no key material itself; each backend owns its own. Backend
// selection is config-driven composition, no inheritance, per spec.md
// §4.3 / §9.
package signer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/relaynet/chain-relayer/internal/chain"
	"go.uber.org/zap"
)

// Backend is the capability contract a signer backend variant implements.
type Backend interface {
	Address(ctx context.Context, relayerID string) (chain.Address, error)
	Sign(ctx context.Context, relayerID string, payload chain.SigningPayload) (chain.Signature, error)
}

// Kind tags which Backend variant a relayer's signer_id resolves to.
type Kind string

const (
	KindLocal      Kind = "local"
	KindVault      Kind = "vault"
	KindVaultCloud Kind = "vault_cloud"
	KindTurnkey    Kind = "turnkey"
	KindGCPKMS     Kind = "gcp_kms"
	KindAWSKMS     Kind = "aws_kms"
)

const (
	signerRetryMaxAttempts = 3
	DefaultCallTimeout     = 30 * time.Second
)

// Facade routes address/sign calls for a relayer_id to its configured
// backend. It is safe for concurrent use; backends are registered once at
// startup and never mutated afterward.
type Facade struct {
	log      *zap.Logger
	mu       sync.RWMutex
	backends map[string]Backend // signer_id -> backend
	timeout  time.Duration
}

func NewFacade(log *zap.Logger) *Facade {
	return &Facade{
		log:      log.Named("signer"),
		backends: make(map[string]Backend),
		timeout:  DefaultCallTimeout,
	}
}

// Register binds a signer_id to a concrete backend. Called only at
// startup while wiring config; never mutated while serving traffic.
func (f *Facade) Register(signerID string, b Backend) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends[signerID] = b
}

func (f *Facade) backendFor(signerID string) (Backend, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	b, ok := f.backends[signerID]
	if !ok {
		return nil, fmt.Errorf("%w: signer_id %q", ErrUnknownSigner, signerID)
	}
	return b, nil
}

func (f *Facade) Address(ctx context.Context, signerID, relayerID string) (chain.Address, error) {
	b, err := f.backendFor(signerID)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return b.Address(ctx, relayerID)
}

// Sign signs payload through the backend bound to signerID. Transient
// errors (network, rate-limit) are retried with exponential backoff up to
// 3 tries per spec.md §7; permanent errors (ErrPermanentSignerFailure)
// are returned immediately so the caller can fail the record and pause
// the relayer.
//
// Sign is assumed blocking/suspendable and possibly slow; callers must
// not hold the nonce-allocation mutex across this call except at the one
// explicit point spec.md §5 requires (pairing nonce with signed bytes).
func (f *Facade) Sign(ctx context.Context, signerID, relayerID string, payload chain.SigningPayload) (chain.Signature, error) {
	b, err := f.backendFor(signerID)
	if err != nil {
		return chain.Signature{}, err
	}

	var sig chain.Signature
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		s, signErr := b.Sign(callCtx, relayerID, payload)
		if signErr != nil {
			if IsPermanent(signErr) {
				return backoff.Permanent(signErr)
			}
			return signErr
		}
		sig = s
		return nil
	}

	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 0
	bo := backoff.WithMaxRetries(exp, signerRetryMaxAttempts-1)
	bo = backoff.WithContext(bo, ctx)

	if err := backoff.Retry(op, bo); err != nil {
		f.log.Warn("signer call failed", zap.String("relayer_id", relayerID), zap.Error(err))
		return chain.Signature{}, err
	}
	return sig, nil
}
