package sponsor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/acadledger/acadledger/internal/shared"
)

// ErrLeaseExpired is returned when a lease outlived its lock TTL and another
// process may have claimed the lane.
var ErrLeaseExpired = errors.New("sponsor: lease expired")

var commitScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

var abortScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

// RedisSequencer coordinates nonce allocation across processes sharing a Redis.
type RedisSequencer struct {
	client  *redis.Client
	source  NonceSource
	lockTTL time.Duration
	nextTTL time.Duration
	retry   time.Duration
}

// NewRedisSequencer constructs a Redis backed sequencer.
func NewRedisSequencer(client *redis.Client, source NonceSource, lockTTL time.Duration) *RedisSequencer {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &RedisSequencer{
		client:  client,
		source:  source,
		lockTTL: lockTTL,
		nextTTL: 10 * time.Minute,
		retry:   25 * time.Millisecond,
	}
}

// Acquire spins on the sender lock until it is free or ctx ends.
func (s *RedisSequencer) Acquire(ctx context.Context, sender common.Address) (Lease, error) {
	lockKey := shared.SequencerLockKey(sender.Hex())
	nextKey := shared.SequencerNextKey(sender.Hex())
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("sponsor: acquire lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retry):
		}
	}

	lease := &redisLease{seq: s, lockKey: lockKey, nextKey: nextKey, token: token}
	current, err := s.source.Nonce(ctx, sender)
	if err != nil {
		_ = lease.Abort(ctx)
		return nil, err
	}
	next, err := s.client.Get(ctx, nextKey).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		_ = lease.Abort(ctx)
		return nil, fmt.Errorf("sponsor: read counter: %w", err)
	}
	lease.nonce = current
	if next > current {
		lease.nonce = next
	}
	return lease, nil
}

// Reset deletes the shared counter for sender.
func (s *RedisSequencer) Reset(ctx context.Context, sender common.Address) error {
	if err := s.client.Del(ctx, shared.SequencerNextKey(sender.Hex())).Err(); err != nil {
		return fmt.Errorf("sponsor: reset counter: %w", err)
	}
	return nil
}

type redisLease struct {
	seq     *RedisSequencer
	lockKey string
	nextKey string
	token   string
	nonce   uint64
	closed  bool
}

func (l *redisLease) Nonce() uint64 { return l.nonce }

func (l *redisLease) Commit(ctx context.Context) error {
	if l.closed {
		return ErrLeaseClosed
	}
	l.closed = true
	res, err := commitScript.Run(ctx, l.seq.client, []string{l.lockKey, l.nextKey},
		l.token, l.nonce+1, l.seq.nextTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("sponsor: commit lease: %w", err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (l *redisLease) Abort(ctx context.Context) error {
	if l.closed {
		return ErrLeaseClosed
	}
	l.closed = true
	if _, err := abortScript.Run(ctx, l.seq.client, []string{l.lockKey, l.nextKey}, l.token).Int(); err != nil {
		return fmt.Errorf("sponsor: abort lease: %w", err)
	}
	return nil
}
