// Package rpcpool implements the per-network weighted RPC endpoint pool
// with failover, health tracking, and the three chain-specific request
// surfaces spec.md §4.2 names. The outbound JSON-RPC transport itself is
// ybbus/jsonrpc/v3, the same client mevshare/backend.go's
// JSONRPCSimulationBackend and JSONRPCBuilder use; the failover and
// cooldown logic around it is new, built the way
// simqueue.RedisQueue.processNextItem layers cenkalti/backoff retries
// around a single unreliable operation.
package rpcpool

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/relaynet/chain-relayer/internal/metrics"
	"github.com/relaynet/chain-relayer/internal/relaymodel"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

var (
	ErrAllEndpointsExhausted = errors.New("rpcpool: all endpoints exhausted")
	ErrNoHealthyEndpoints    = errors.New("rpcpool: no healthy endpoints available")
)

const (
	DefaultFailureThreshold = 3
	DefaultBaseCooldown     = 30 * time.Second
	DefaultMaxCooldown      = 10 * time.Minute
	DefaultMaxAttempts      = 3
	DefaultCallTimeout      = 10 * time.Second
)

// endpointState is the mutable, atomically-updated health state for one
// endpoint. Exactly one writer touches a given endpoint's fields inside
// Pool.Call at a time because selection always happens under Pool.mu.
type endpointState struct {
	endpoint relaymodel.Endpoint
	client   jsonrpc.RPCClient
}

// Pool is a weighted, health-aware pool of JSON-RPC endpoints for one
// network.
type Pool struct {
	log       *zap.Logger
	mu        sync.Mutex
	states    []*endpointState
	networkID string

	FailureThreshold int
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
	MaxAttempts      int
	CallTimeout      time.Duration
}

// SetNetworkID labels this pool's exported endpoint-health metrics with a
// network id. Optional: a pool built for tests that never calls this
// still records failures, just without the network_id label.
func (p *Pool) SetNetworkID(networkID string) {
	p.networkID = networkID
}

// New creates a Pool over the given weighted endpoint list.
func New(log *zap.Logger, endpoints []relaymodel.Endpoint) *Pool {
	states := make([]*endpointState, 0, len(endpoints))
	for _, e := range endpoints {
		states = append(states, &endpointState{
			endpoint: e,
			client:   jsonrpc.NewClient(e.URL),
		})
	}
	return &Pool{
		log:              log.Named("rpcpool"),
		states:           states,
		FailureThreshold: DefaultFailureThreshold,
		BaseCooldown:     DefaultBaseCooldown,
		MaxCooldown:      DefaultMaxCooldown,
		MaxAttempts:      DefaultMaxAttempts,
		CallTimeout:      DefaultCallTimeout,
	}
}

// Endpoints returns a snapshot of current endpoint health, for metrics
// export and tests.
func (p *Pool) Endpoints() []relaymodel.Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]relaymodel.Endpoint, len(p.states))
	for i, s := range p.states {
		out[i] = s.endpoint
	}
	return out
}

// selectExcluding picks a healthy endpoint by weighted random choice,
// excluding any url already in `tried`. Returns nil if none is eligible.
func (p *Pool) selectExcluding(tried map[string]bool) *endpointState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var candidates []*endpointState
	totalWeight := 0
	for _, s := range p.states {
		if tried[s.endpoint.URL] {
			continue
		}
		if !s.endpoint.Healthy(now) {
			continue
		}
		if s.endpoint.Weight <= 0 {
			continue
		}
		candidates = append(candidates, s)
		totalWeight += s.endpoint.Weight
	}
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	pick := rand.Intn(totalWeight) //nolint:gosec
	for _, s := range candidates {
		if pick < s.endpoint.Weight {
			return s
		}
		pick -= s.endpoint.Weight
	}
	return candidates[len(candidates)-1]
}

func (p *Pool) recordSuccess(s *endpointState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.endpoint.ConsecutiveFailures = 0
	metrics.SetEndpointHealthy(p.networkID, s.endpoint.URL, true)
}

func (p *Pool) recordFailure(s *endpointState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.endpoint.ConsecutiveFailures++
	metrics.IncRPCEndpointFailure()
	if s.endpoint.ConsecutiveFailures >= p.FailureThreshold {
		backoffSteps := s.endpoint.ConsecutiveFailures - p.FailureThreshold
		cooldown := p.BaseCooldown << backoffSteps //nolint:gosec
		if cooldown > p.MaxCooldown || cooldown <= 0 {
			cooldown = p.MaxCooldown
		}
		s.endpoint.CooldownUntil = time.Now().Add(cooldown)
		metrics.SetEndpointHealthy(p.networkID, s.endpoint.URL, false)
		metrics.IncRPCEndpointCooldown()
		p.log.Warn("endpoint entering cooldown",
			zap.String("url", s.endpoint.URL),
			zap.Int("consecutive_failures", s.endpoint.ConsecutiveFailures),
			zap.Duration("cooldown", cooldown))
	}
}

// Call performs a JSON-RPC call, failing over across distinct healthy
// endpoints up to MaxAttempts times, never retrying the same endpoint
// twice in a row while an alternative exists (spec.md §4.2).
func (p *Pool) Call(ctx context.Context, method string, params any, result any) error {
	tried := make(map[string]bool)
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		state := p.selectExcluding(tried)
		if state == nil {
			if lastErr != nil {
				return errors.Join(ErrAllEndpointsExhausted, lastErr)
			}
			return ErrNoHealthyEndpoints
		}
		tried[state.endpoint.URL] = true

		callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
		resp, err := state.client.Call(callCtx, method, params)
		cancel()

		if err == nil && resp.Error == nil {
			p.recordSuccess(state)
			if result != nil {
				if decErr := resp.GetObject(result); decErr != nil {
					return decErr
				}
			}
			return nil
		}

		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		p.recordFailure(state)
		lastErr = err
		p.log.Debug("rpc call failed, will fail over",
			zap.String("url", state.endpoint.URL), zap.String("method", method), zap.Error(err))
	}

	if lastErr != nil {
		return errors.Join(ErrAllEndpointsExhausted, lastErr)
	}
	return ErrAllEndpointsExhausted
}
