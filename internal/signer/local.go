package signer

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
	"github.com/relaynet/chain-relayer/internal/chain"
	"github.com/stellar/go/strkey"
)

// keyMaterial is the decrypted key for one relayer, in the encoding its
// chain type needs.
type keyMaterial struct {
	chainType chain.Type
	evmKey    *ecdsa.PrivateKey
	edKey     ed25519.PrivateKey
}

// LocalBackend decrypts keystore files once at startup using a supplied
// passphrase, then holds plaintext keys in memory for the life of the
// process; it never touches disk again. This is the only Backend
// implemented in full — Vault/VaultCloud/Turnkey/KMS are external
// services out of the core's scope per spec.md §1, so their Backend
// implementations are thin RPC clients (see remote.go).
type LocalBackend struct {
	mu   sync.RWMutex
	keys map[string]keyMaterial // relayer_id -> key
}

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{keys: make(map[string]keyMaterial)}
}

// LoadEVMKeystore decrypts a go-ethereum V3 keystore JSON blob for
// relayerID. passphrase is read by the caller from KEYSTORE_PASSPHRASE
// and must be zeroed by the caller immediately after this call returns;
// LocalBackend never stores the passphrase itself, only the derived key.
func (l *LocalBackend) LoadEVMKeystore(relayerID string, keystoreJSON, passphrase []byte) error {
	key, err := keystore.DecryptKey(keystoreJSON, string(passphrase))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrongPassphrase, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[relayerID] = keyMaterial{chainType: chain.EVM, evmKey: key.PrivateKey}
	return nil
}

// LoadEd25519Seed registers a decrypted ed25519 seed for a Solana or
// Stellar relayer. Decryption of the seed file at rest (scrypt-derived
// key, same construction go-ethereum's keystore uses for EVM) happens in
// the caller's config-loading step, scoped the same way LoadEVMKeystore
// is; only the decrypted seed reaches this method, which derives the
// private key from it.
func (l *LocalBackend) LoadEd25519Seed(relayerID string, chainType chain.Type, seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return fmt.Errorf("signer: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[relayerID] = keyMaterial{chainType: chainType, edKey: priv}
	return nil
}

func (l *LocalBackend) keyFor(relayerID string) (keyMaterial, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	k, ok := l.keys[relayerID]
	if !ok {
		return keyMaterial{}, fmt.Errorf("%w: relayer %q has no local key loaded", ErrKeystoreNotFound, relayerID)
	}
	return k, nil
}

func (l *LocalBackend) Address(_ context.Context, relayerID string) (chain.Address, error) {
	k, err := l.keyFor(relayerID)
	if err != nil {
		return "", err
	}
	switch k.chainType {
	case chain.EVM:
		return chain.Address(crypto.PubkeyToAddress(k.evmKey.PublicKey).Hex()), nil
	case chain.Solana:
		pub := k.edKey.Public().(ed25519.PublicKey)
		return chain.Address(base58.Encode(pub)), nil
	case chain.Stellar:
		pub := k.edKey.Public().(ed25519.PublicKey)
		addr, err := strkey.Encode(strkey.VersionByteAccountID, pub)
		if err != nil {
			return "", err
		}
		return chain.Address(addr), nil
	default:
		return "", fmt.Errorf("signer: unsupported chain type for relayer %q", relayerID)
	}
}

func (l *LocalBackend) Sign(_ context.Context, relayerID string, payload chain.SigningPayload) (chain.Signature, error) {
	k, err := l.keyFor(relayerID)
	if err != nil {
		return chain.Signature{}, err
	}
	switch payload.ChainType {
	case chain.EVM:
		if len(payload.Bytes) != 32 {
			return chain.Signature{}, fmt.Errorf("signer: evm signing payload must be a 32-byte hash")
		}
		sig, err := crypto.Sign(payload.Bytes, k.evmKey)
		if err != nil {
			return chain.Signature{}, Permanent(err)
		}
		return chain.Signature{ChainType: chain.EVM, Bytes: sig}, nil
	case chain.Solana, chain.Stellar:
		sig := ed25519.Sign(k.edKey, payload.Bytes)
		return chain.Signature{ChainType: payload.ChainType, Bytes: sig}, nil
	default:
		return chain.Signature{}, fmt.Errorf("signer: unsupported chain type")
	}
}
