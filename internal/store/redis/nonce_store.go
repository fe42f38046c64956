// Package redis holds the go-redis-backed persistence adapters: nonce
// cursors and RPC endpoint health, the two pieces of state that must
// survive a process restart but don't need Postgres's durability
// guarantees. Adapted from adapters/redis/replacement.go's
// ReplacementCache — same key-prefix-plus-TTL construction; cursors are
// hashes written whole with HSET rather than INCR counters.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
)

const (
	cursorKeyPrefix    = "nonce:cursor:"
	abandonedKeyPrefix = "nonce:abandoned:"
	cursorTTL          = 30 * 24 * time.Hour
)

// NonceStore implements nonce.Store over Redis hashes (the cursor) and
// sets (abandoned nonces pending a filler transaction).
type NonceStore struct {
	client *redis.Client
}

func NewNonceStore(client *redis.Client) *NonceStore {
	return &NonceStore{client: client}
}

func cursorKey(relayerID, address string) string {
	return cursorKeyPrefix + relayerID + ":" + address
}

func abandonedKey(relayerID, address string) string {
	return abandonedKeyPrefix + relayerID + ":" + address
}

func (s *NonceStore) GetCursor(ctx context.Context, relayerID, address string) (relaymodel.Cursor, error) {
	res, err := s.client.HGetAll(ctx, cursorKey(relayerID, address)).Result()
	if err != nil {
		return relaymodel.Cursor{}, fmt.Errorf("redis: get cursor: %w", err)
	}
	cursor := relaymodel.Cursor{RelayerID: relayerID, Address: address}
	if v, ok := res["on_chain_latest"]; ok {
		cursor.OnChainLatest, _ = strconv.ParseUint(v, 10, 64)
	}
	if v, ok := res["assigned_high_water"]; ok {
		cursor.AssignedHighWater, _ = strconv.ParseUint(v, 10, 64)
	}
	return cursor, nil
}

func (s *NonceStore) SaveCursor(ctx context.Context, cursor relaymodel.Cursor) error {
	k := cursorKey(cursor.RelayerID, cursor.Address)
	if err := s.client.HSet(ctx, k,
		"on_chain_latest", cursor.OnChainLatest,
		"assigned_high_water", cursor.AssignedHighWater,
	).Err(); err != nil {
		return fmt.Errorf("redis: save cursor: %w", err)
	}
	// Ignore expiry errors; a missed TTL refresh only means the cursor
	// outlives its intended window, never that it's lost early.
	_ = s.client.Expire(ctx, k, cursorTTL).Err()
	return nil
}

func (s *NonceStore) MarkAbandoned(ctx context.Context, relayerID, address string, n uint64) error {
	k := abandonedKey(relayerID, address)
	if err := s.client.SAdd(ctx, k, n).Err(); err != nil {
		return fmt.Errorf("redis: mark abandoned: %w", err)
	}
	_ = s.client.Expire(ctx, k, cursorTTL).Err()
	return nil
}

func (s *NonceStore) ListAbandoned(ctx context.Context, relayerID, address string) ([]uint64, error) {
	members, err := s.client.SMembers(ctx, abandonedKey(relayerID, address)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list abandoned: %w", err)
	}
	out := make([]uint64, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *NonceStore) ClearAbandoned(ctx context.Context, relayerID, address string, n uint64) error {
	if err := s.client.SRem(ctx, abandonedKey(relayerID, address), n).Err(); err != nil {
		return fmt.Errorf("redis: clear abandoned: %w", err)
	}
	return nil
}
