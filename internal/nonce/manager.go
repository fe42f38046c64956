// Package nonce implements the per-(relayer_id, address) nonce/sequence
// cursor: serialized allocation, on-chain resync, and gap reconciliation
// via filler transactions when a previously-assigned nonce will never be
// filled by a real broadcast. The Redis key-prefix-plus-TTL pattern this
// package's persistence layer follows is adapted from
// adapters/redis/replacement.go's ReplacementCache.
package nonce

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

// Store persists nonce cursors and the set of nonces abandoned mid-flight
// (assigned to a record that failed or expired before broadcast, so the
// chain will never advance past them on its own).
type Store interface {
	GetCursor(ctx context.Context, relayerID, address string) (relaymodel.Cursor, error)
	SaveCursor(ctx context.Context, cursor relaymodel.Cursor) error
	MarkAbandoned(ctx context.Context, relayerID, address string, n uint64) error
	ListAbandoned(ctx context.Context, relayerID, address string) ([]uint64, error)
	ClearAbandoned(ctx context.Context, relayerID, address string, n uint64) error
}

// Manager allocates nonces one at a time per (relayer_id, address),
// serialized behind a per-key mutex so two concurrent requests for the
// same relayer never get the same value (invariant 5).
type Manager struct {
	store Store

	keyMu sync.Mutex
	locks map[string]*sync.Mutex
}

func New(store Store) *Manager {
	return &Manager{store: store, locks: make(map[string]*sync.Mutex)}
}

func key(relayerID, address string) string { return relayerID + "\x00" + address }

func (m *Manager) lockFor(relayerID, address string) *sync.Mutex {
	k := key(relayerID, address)
	m.keyMu.Lock()
	defer m.keyMu.Unlock()
	l, ok := m.locks[k]
	if !ok {
		l = &sync.Mutex{}
		m.locks[k] = l
	}
	return l
}

// Allocate returns the next nonce to assign to a new attempt and
// persists the updated cursor before returning, so the allocation is
// durable before the caller signs against it. onChainNonce is the
// account's current on-chain nonce (next expected, i.e. transaction
// count), fetched by the caller immediately before calling Allocate.
//
// If the chain has advanced past our last recorded high-water mark —
// the account was used outside this relayer, or the process restarted
// and lost in-memory state — allocation resyncs forward to onChainNonce
// rather than risk reusing a nonce the chain already consumed.
func (m *Manager) Allocate(ctx context.Context, relayerID, address string, onChainNonce uint64) (uint64, error) {
	l := m.lockFor(relayerID, address)
	l.Lock()
	defer l.Unlock()
	return m.allocateLocked(ctx, relayerID, address, onChainNonce)
}

func (m *Manager) allocateLocked(ctx context.Context, relayerID, address string, onChainNonce uint64) (uint64, error) {
	cursor, err := m.store.GetCursor(ctx, relayerID, address)
	if err != nil {
		return 0, fmt.Errorf("nonce: load cursor: %w", err)
	}

	next := cursor.AssignedHighWater + 1
	if onChainNonce > next {
		next = onChainNonce
	}

	cursor.RelayerID = relayerID
	cursor.Address = address
	cursor.OnChainLatest = onChainNonce
	cursor.AssignedHighWater = next

	if err := m.store.SaveCursor(ctx, cursor); err != nil {
		return 0, fmt.Errorf("nonce: save cursor: %w", err)
	}
	return next, nil
}

// AllocateAndHold allocates the next nonce and invokes fn while still
// holding the per-(relayer_id, address) lock, releasing it only after fn
// returns. The lifecycle engine uses this to pair a freshly allocated
// nonce with its signature atomically (invariant 4 / spec.md §5): no
// other goroutine can allocate a nonce for this account while a sign is
// in flight, so two attempts can never race onto the same value.
func (m *Manager) AllocateAndHold(ctx context.Context, relayerID, address string, onChainNonce uint64, fn func(nonce uint64) error) error {
	l := m.lockFor(relayerID, address)
	l.Lock()
	defer l.Unlock()

	n, err := m.allocateLocked(ctx, relayerID, address, onChainNonce)
	if err != nil {
		return err
	}
	return fn(n)
}

// Abandon records that nonce n was assigned to a record that will never
// broadcast (signing failure, expiry before first submission). The chain
// will still expect n to be consumed in order, so a filler transaction
// must eventually occupy it; PendingFillers surfaces these until the
// chain's on-chain nonce passes them.
func (m *Manager) Abandon(ctx context.Context, relayerID, address string, n uint64) error {
	return m.store.MarkAbandoned(ctx, relayerID, address, n)
}

// ReconcileOnChain updates the cursor's observed on-chain nonce and
// clears any abandoned-nonce markers the chain has since passed — either
// because a filler transaction filled them, or because another attempt
// at a higher nonce was mined and the account moved on regardless.
func (m *Manager) ReconcileOnChain(ctx context.Context, relayerID, address string, onChainNonce uint64) error {
	l := m.lockFor(relayerID, address)
	l.Lock()
	defer l.Unlock()

	cursor, err := m.store.GetCursor(ctx, relayerID, address)
	if err != nil {
		return fmt.Errorf("nonce: load cursor: %w", err)
	}
	cursor.OnChainLatest = onChainNonce
	if onChainNonce > 0 && cursor.AssignedHighWater < onChainNonce-1 {
		cursor.AssignedHighWater = onChainNonce - 1
	}
	if err := m.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("nonce: save cursor: %w", err)
	}

	abandoned, err := m.store.ListAbandoned(ctx, relayerID, address)
	if err != nil {
		return fmt.Errorf("nonce: list abandoned: %w", err)
	}
	for _, n := range abandoned {
		if n < onChainNonce {
			if err := m.store.ClearAbandoned(ctx, relayerID, address, n); err != nil {
				return fmt.Errorf("nonce: clear abandoned: %w", err)
			}
		}
	}
	return nil
}

// ReconcileFailure runs spec.md §4.5's gap reconciliation for a record
// that just reached a terminal failure while holding nonce n: if n is
// still the account's assigned high-water mark, nothing later was ever
// allocated, so the cursor simply rolls back to n-1 and the nonce is
// free to be handed out again. Otherwise a later attempt may already be
// in flight above n, which the chain will only accept once n itself is
// consumed, so n is marked abandoned for a filler transaction to occupy.
func (m *Manager) ReconcileFailure(ctx context.Context, relayerID, address string, n uint64) error {
	l := m.lockFor(relayerID, address)
	l.Lock()
	defer l.Unlock()

	cursor, err := m.store.GetCursor(ctx, relayerID, address)
	if err != nil {
		return fmt.Errorf("nonce: load cursor: %w", err)
	}

	if cursor.AssignedHighWater == n {
		if n > 0 {
			cursor.AssignedHighWater = n - 1
		}
		return m.store.SaveCursor(ctx, cursor)
	}
	return m.store.MarkAbandoned(ctx, relayerID, address, n)
}

// PendingFillers returns every nonce currently marked abandoned for the
// account — the gaps the relayer supervisor submits filler transactions
// for, per spec.md's nonce gap scenario. It does not filter against the
// cursor: markers the chain has already passed stay listed until
// ReconcileOnChain clears them.
func (m *Manager) PendingFillers(ctx context.Context, relayerID, address string) ([]uint64, error) {
	return m.store.ListAbandoned(ctx, relayerID, address)
}
