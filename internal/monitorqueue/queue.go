// Package monitorqueue is a Redis-backed delay queue for transaction
// monitoring and replacement scheduling: "check this transaction's
// status again at time T". It is adapted from simqueue.RedisQueue,
// which schedules bundle simulation by target block number; this
// package schedules by wall-clock time instead, since transaction
// inclusion across EVM/Solana/Stellar isn't bound to a single shared
// block-number axis.
//
// Queue mechanics are otherwise the same: one Redis sorted set scored by
// due time, BZPopMin-based blocking pop, exponential backoff on requeue,
// and a bounded retry count so a permanently broken item doesn't loop
// forever.
package monitorqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("monitorqueue: queue is full")
	ErrMaxRetriesReached = errors.New("monitorqueue: max retries reached")
	ErrRequeueFailed     = errors.New("monitorqueue: item requeue failed")
)

// ErrProcessRetryLater is returned by ProcessFunc when the item isn't
// ready to resolve yet (transaction still pending) and should be
// rechecked after backoff.
var ErrProcessRetryLater = errors.New("monitorqueue: retry later")

const (
	DefaultMaxRetries           = uint16(100)
	DefaultMaxUnprocessedItems  = uint64(65536)
	DefaultWorkerTimeout        = 10 * time.Second
	DefaultMinRecheckInterval   = 2 * time.Second
	DefaultMaxRecheckInterval   = 2 * time.Minute
)

// ProcessFunc checks one item's current status. Returning
// ErrProcessRetryLater reschedules it after backoff; any other non-nil
// error is logged and the item is dropped (the caller is expected to
// have already recorded the failure in the Transaction Store).
type ProcessFunc func(ctx context.Context, transactionID string) error

// Queue is the monitorqueue contract; RedisQueue is its only
// implementation.
type Queue interface {
	Schedule(ctx context.Context, transactionID string, at time.Time) error
	StartProcessLoop(ctx context.Context, workers int, process ProcessFunc) *sync.WaitGroup
}

type RedisQueue struct {
	log       *zap.Logger
	red       *redis.Client
	queueName string

	MaxRetries          uint16
	MaxUnprocessedItems uint64
	WorkerTimeout       time.Duration
	MinRecheckInterval  time.Duration
	MaxRecheckInterval  time.Duration
}

func NewRedisQueue(log *zap.Logger, red *redis.Client, queueName string) *RedisQueue {
	return &RedisQueue{
		log:                 log.With(zap.String("queue", queueName)),
		red:                 red,
		queueName:           queueName,
		MaxRetries:          DefaultMaxRetries,
		MaxUnprocessedItems: DefaultMaxUnprocessedItems,
		WorkerTimeout:       DefaultWorkerTimeout,
		MinRecheckInterval:  DefaultMinRecheckInterval,
		MaxRecheckInterval:  DefaultMaxRecheckInterval,
	}
}

// Schedule enqueues transactionID to be checked at or after `at`.
func (q *RedisQueue) Schedule(ctx context.Context, transactionID string, at time.Time) error {
	return q.push(ctx, item{transactionID: transactionID, dueAt: at, iteration: 0})
}

func (q *RedisQueue) queuedItems(ctx context.Context) (uint64, error) {
	return q.red.ZCard(ctx, q.queueName).Uint64()
}

func (q *RedisQueue) push(ctx context.Context, it item) error {
	queued, err := q.queuedItems(ctx)
	if err != nil {
		return err
	}
	if queued >= q.MaxUnprocessedItems {
		q.log.Error("too many unprocessed items in the queue", zap.Uint64("queued", queued))
		return ErrQueueFull
	}
	score, data := packItem(it)
	return q.red.ZAdd(ctx, q.queueName, redis.Z{Score: score, Member: data}).Err()
}

// popDue pops the earliest-due item once its due time has passed. It
// blocks up to one second on an empty queue; if the earliest item isn't
// due yet it is pushed right back and popDue returns redis.Nil.
func (q *RedisQueue) popDue(ctx context.Context) (item, error) {
	res, err := q.red.BZPopMin(ctx, time.Second, q.queueName).Result()
	if err != nil {
		return item{}, err
	}
	data, ok := res.Member.(string)
	if !ok {
		return item{}, errors.New("monitorqueue: invalid queue member type")
	}
	it, err := unpackItem(res.Score, []byte(data))
	if err != nil {
		return item{}, err
	}
	if time.Now().Before(it.dueAt) {
		if pushErr := q.push(ctx, it); pushErr != nil {
			return item{}, pushErr
		}
		return item{}, redis.Nil
	}
	return it, nil
}

func (q *RedisQueue) processNext(ctx context.Context, process ProcessFunc) error {
	it, err := q.popDue(ctx)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	workerCtx, cancel := context.WithTimeout(ctx, q.WorkerTimeout)
	defer cancel()
	err = process(workerCtx, it.transactionID)

	switch {
	case errors.Is(err, ErrProcessRetryLater):
		return q.retry(ctx, it)
	case err != nil:
		q.log.Error("monitor item failed permanently", zap.String("transaction_id", it.transactionID), zap.Error(err))
		return nil
	default:
		return nil
	}
}

func (q *RedisQueue) retry(ctx context.Context, it item) error {
	if it.iteration >= q.MaxRetries {
		return ErrMaxRetriesReached
	}
	it.iteration++
	delay := q.MinRecheckInterval << it.iteration
	if delay > q.MaxRecheckInterval || delay <= 0 {
		delay = q.MaxRecheckInterval
	}
	it.dueAt = time.Now().Add(delay)

	exp := backoff.NewExponentialBackOff()
	exp.MaxElapsedTime = 4 * time.Second
	back := backoff.WithContext(exp, ctx)
	if err := backoff.Retry(func() error { return q.push(ctx, it) }, back); err != nil {
		return errors.Join(ErrRequeueFailed, err)
	}
	return nil
}

// StartProcessLoop spawns `workers` goroutines each pulling from the
// same queue; returns a WaitGroup the caller can wait on after
// cancelling ctx for a graceful shutdown, the same pattern
// simqueue.RedisQueue.StartProcessLoop uses.
func (q *RedisQueue) StartProcessLoop(ctx context.Context, workers int, process ProcessFunc) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				default:
					if err := q.processNext(ctx, process); err != nil && !errors.Is(err, context.Canceled) {
						q.log.Error("processing queue item failed", zap.Error(err))
					}
				}
			}
		}()
	}
	return &wg
}

// CleanQueue deletes all queued items; tests only.
func (q *RedisQueue) CleanQueue(ctx context.Context) error {
	return q.red.Del(ctx, q.queueName).Err()
}
