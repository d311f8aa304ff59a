package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

var _ Locker = (*RedisLock)(nil)

// RedisLock is the broadcast backend: the lock is an atomic SETNX with TTL
// and the result is pushed to waiters over pub/sub. Waiters subscribe BEFORE
// re-checking the lock so no publish can slip between check and subscribe.
type RedisLock struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// releaseScript deletes the lock only if it's still owned by the caller, so
// a producer that outlived its TTL can't release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func NewRedisLock(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisLock {
	return &RedisLock{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (l *RedisLock) WithLock(ctx context.Context, key string, producer Producer, opts Options) (Outcome, error) {
	opts = opts.withDefaults()
	lockKey := l.keyPrefix + "lock:" + key
	resultKey := l.keyPrefix + "result:" + key
	channel := l.keyPrefix + "done:" + key
	zapFieldKey := zap.String("lockKey", key)

	// Fast path: a recent producer's result is still stored
	if env, found, err := l.getResult(ctx, resultKey); err != nil {
		return Outcome{}, err
	} else if found {
		return env.outcome(true)
	}

	owner, err := newOwner()
	if err != nil {
		return Outcome{}, err
	}
	acquired, err := l.client.SetNX(ctx, lockKey, owner, opts.TTL).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("Couldn't acquire lock: %v", err)
	}

	if acquired {
		l.logger.Debug("Acquired lock, running producer", zapFieldKey)
		env := runProducer(ctx, producer, opts.TTL)
		envBytes := marshalEnvelope(env)

		// Detached so waiters get served even when this caller disconnected
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if !env.Failed {
			if err := l.client.Set(pubCtx, resultKey, envBytes, opts.ResultTTL).Err(); err != nil {
				l.logger.Error("Couldn't store lock result", zap.Error(err), zapFieldKey)
			}
		}
		if err := l.client.Publish(pubCtx, channel, envBytes).Err(); err != nil {
			l.logger.Error("Couldn't publish lock result", zap.Error(err), zapFieldKey)
		}
		if err := releaseScript.Run(pubCtx, l.client, []string{lockKey}, owner).Err(); err != nil && err != redis.Nil {
			l.logger.Error("Couldn't release lock", zap.Error(err), zapFieldKey)
		}
		return env.outcome(false)
	}

	// We're a waiter. Subscribe first, then re-check, then wait.
	sub := l.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return Outcome{}, fmt.Errorf("Couldn't subscribe to lock channel: %v", err)
	}

	if env, found, err := l.getResult(ctx, resultKey); err != nil {
		return Outcome{}, err
	} else if found {
		return env.outcome(true)
	}
	exists, err := l.client.Exists(ctx, lockKey).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("Couldn't check lock existence: %v", err)
	}
	if exists == 0 {
		// The lock vanished between our SETNX and here: either the producer
		// finished (result is stored) or it died before publishing.
		if env, found, err := l.getResult(ctx, resultKey); err != nil {
			return Outcome{}, err
		} else if found {
			return env.outcome(true)
		}
		return Outcome{}, ErrLockTimeout
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return Outcome{}, ErrLockTimeout
		}
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			return Outcome{}, fmt.Errorf("Couldn't decode lock result: %v", err)
		}
		return env.outcome(true)
	case <-timer.C:
		return Outcome{}, ErrLockTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (l *RedisLock) getResult(ctx context.Context, resultKey string) (envelope, bool, error) {
	envBytes, err := l.client.Get(ctx, resultKey).Bytes()
	if err == redis.Nil {
		return envelope{}, false, nil
	} else if err != nil {
		return envelope{}, false, fmt.Errorf("Couldn't read lock result: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(envBytes, &env); err != nil {
		return envelope{}, false, fmt.Errorf("Couldn't decode lock result: %v", err)
	}
	return env, true, nil
}

func newOwner() (string, error) {
	ownerBytes := make([]byte, 8)
	if _, err := rand.Read(ownerBytes); err != nil {
		return "", fmt.Errorf("Couldn't generate lock owner ID: %v", err)
	}
	return hex.EncodeToString(ownerBytes), nil
}
