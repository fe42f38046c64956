package signer

import (
	"context"
	"fmt"

	"github.com/relaynet/chain-relayer/internal/chain"
)

// RemoteClient is the minimal HTTP capability a remote signer backend
// needs; each variant below layers its own request shape and auth on
// top of it. Kept separate from Backend so each backend's wire format
// stays out of the facade.
type RemoteClient interface {
	Address(ctx context.Context, keyID string) (chain.Address, error)
	Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error)
}

// remoteBackend adapts a RemoteClient (whose keyID is the external
// service's own key identifier) to Backend (whose identifier is our
// relayer_id). mapping binds relayer_id -> external key id, since the
// two ID spaces are independently owned.
type remoteBackend struct {
	client  RemoteClient
	kind    Kind
	mapping map[string]string // relayer_id -> external key id
}

func newRemoteBackend(kind Kind, client RemoteClient, mapping map[string]string) *remoteBackend {
	return &remoteBackend{client: client, kind: kind, mapping: mapping}
}

func (r *remoteBackend) keyID(relayerID string) (string, error) {
	id, ok := r.mapping[relayerID]
	if !ok {
		return "", fmt.Errorf("signer: %s backend has no key mapping for relayer %q", r.kind, relayerID)
	}
	return id, nil
}

func (r *remoteBackend) Address(ctx context.Context, relayerID string) (chain.Address, error) {
	keyID, err := r.keyID(relayerID)
	if err != nil {
		return "", err
	}
	return r.client.Address(ctx, keyID)
}

func (r *remoteBackend) Sign(ctx context.Context, relayerID string, payload chain.SigningPayload) (chain.Signature, error) {
	keyID, err := r.keyID(relayerID)
	if err != nil {
		return chain.Signature{}, err
	}
	sig, err := r.client.Sign(ctx, keyID, payload.Bytes)
	if err != nil {
		return chain.Signature{}, err
	}
	return chain.Signature{ChainType: payload.ChainType, Bytes: sig}, nil
}

// NewVaultBackend wraps a HashiCorp Vault transit-engine client.
func NewVaultBackend(client RemoteClient, mapping map[string]string) Backend {
	return newRemoteBackend(KindVault, client, mapping)
}

// NewVaultCloudBackend wraps a HCP Vault Secrets client.
func NewVaultCloudBackend(client RemoteClient, mapping map[string]string) Backend {
	return newRemoteBackend(KindVaultCloud, client, mapping)
}

// NewTurnkeyBackend wraps a Turnkey signing-policy client.
func NewTurnkeyBackend(client RemoteClient, mapping map[string]string) Backend {
	return newRemoteBackend(KindTurnkey, client, mapping)
}

// NewGCPKMSBackend wraps a GCP Cloud KMS asymmetric-sign client.
func NewGCPKMSBackend(client RemoteClient, mapping map[string]string) Backend {
	return newRemoteBackend(KindGCPKMS, client, mapping)
}

// NewAWSKMSBackend wraps an AWS KMS asymmetric-sign client.
func NewAWSKMSBackend(client RemoteClient, mapping map[string]string) Backend {
	return newRemoteBackend(KindAWSKMS, client, mapping)
}
