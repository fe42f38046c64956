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
	endpointHealthKeyPrefix = "rpcpool:health:"
	endpointHealthTTL       = 24 * time.Hour
)

// EndpointHealthStore persists each endpoint's consecutive-failure count
// and cooldown deadline so a process restart doesn't immediately retry
// an endpoint the previous process had just backed off from.
type EndpointHealthStore struct {
	client *redis.Client
}

func NewEndpointHealthStore(client *redis.Client) *EndpointHealthStore {
	return &EndpointHealthStore{client: client}
}

func healthKey(networkID, url string) string {
	return endpointHealthKeyPrefix + networkID + ":" + url
}

func (s *EndpointHealthStore) Save(ctx context.Context, networkID string, e relaymodel.Endpoint) error {
	k := healthKey(networkID, e.URL)
	if err := s.client.HSet(ctx, k,
		"consecutive_failures", e.ConsecutiveFailures,
		"cooldown_until", e.CooldownUntil.Unix(),
	).Err(); err != nil {
		return fmt.Errorf("redis: save endpoint health: %w", err)
	}
	_ = s.client.Expire(ctx, k, endpointHealthTTL).Err()
	return nil
}

func (s *EndpointHealthStore) Load(ctx context.Context, networkID, url string) (relaymodel.Endpoint, error) {
	res, err := s.client.HGetAll(ctx, healthKey(networkID, url)).Result()
	if err != nil {
		return relaymodel.Endpoint{}, fmt.Errorf("redis: load endpoint health: %w", err)
	}
	e := relaymodel.Endpoint{URL: url}
	if v, ok := res["consecutive_failures"]; ok {
		n, _ := strconv.Atoi(v)
		e.ConsecutiveFailures = n
	}
	if v, ok := res["cooldown_until"]; ok {
		unix, _ := strconv.ParseInt(v, 10, 64)
		e.CooldownUntil = time.Unix(unix, 0)
	}
	return e, nil
}
