// Package lock provides a deployment-wide single-flight primitive: for any
// key, at most one producer runs at a time, and every concurrent caller for
// the same key receives the byte-identical result the producer returned.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a waiter didn't observe the producer's
// result within Options.Timeout. This includes the rare case where the
// producer died before publishing and its lock expired.
var ErrLockTimeout = errors.New("timed out waiting for lock result")

// Producer computes the value for a key. It runs at most once per key across
// the whole deployment at any time. The context it receives is detached from
// the caller's cancellation so that waiters still benefit when the winning
// caller disconnects, but it carries a deadline of Options.TTL.
type Producer func(ctx context.Context) ([]byte, error)

// Options control one WithLock call.
type Options struct {
	// TTL is the lock lifetime. A crashed producer's lock expires after TTL.
	TTL time.Duration
	// Timeout is how long a non-winning caller waits for the result.
	Timeout time.Duration
	// RetryInterval is the poll interval for backends without notifications.
	RetryInterval time.Duration
	// ResultTTL is how long a produced result stays observable for later
	// callers. Zero means TTL.
	ResultTTL time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = 30 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = o.TTL
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = 100 * time.Millisecond
	}
	if o.ResultTTL == 0 {
		o.ResultTTL = o.TTL
	}
	return o
}

// Outcome is the result of a WithLock call. Cached is false for exactly the
// caller whose producer ran; every other caller observes Cached == true.
type Outcome struct {
	Result []byte
	Cached bool
}

// Locker is implemented by the Redis, SQL and in-process backends.
type Locker interface {
	WithLock(ctx context.Context, key string, producer Producer, opts Options) (Outcome, error)
}

// envelope is the serialized producer result shared between winner and
// waiters. Result bytes survive the JSON round trip unchanged (base64).
type envelope struct {
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Failed bool   `json:"failed,omitempty"`
}

func (e envelope) outcome(cached bool) (Outcome, error) {
	if e.Failed {
		return Outcome{}, fmt.Errorf("producer failed: %s", e.Error)
	}
	return Outcome{Result: e.Result, Cached: cached}, nil
}

func runProducer(ctx context.Context, producer Producer, ttl time.Duration) envelope {
	// Detached from the caller so a client disconnect doesn't strand waiters
	prodCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
	defer cancel()
	result, err := producer(prodCtx)
	if err != nil {
		return envelope{Error: err.Error(), Failed: true}
	}
	return envelope{Result: result}
}

func marshalEnvelope(e envelope) []byte {
	// envelope has no unmarshalable fields, this can't fail
	b, _ := json.Marshal(e)
	return b
}

var _ Locker = (*LocalLock)(nil)

// LocalLock is the in-process backend, used when neither Redis nor a
// database is configured. It provides the same semantics within one process.
type LocalLock struct {
	mu      sync.Mutex
	flights map[string]*flight
	results map[string]localResult
}

type flight struct {
	done chan struct{}
	env  envelope
}

type localResult struct {
	env     envelope
	expires time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{
		flights: make(map[string]*flight),
		results: make(map[string]localResult),
	}
}

func (l *LocalLock) WithLock(ctx context.Context, key string, producer Producer, opts Options) (Outcome, error) {
	opts = opts.withDefaults()

	l.mu.Lock()
	if res, found := l.results[key]; found {
		if time.Now().Before(res.expires) {
			l.mu.Unlock()
			return res.env.outcome(true)
		}
		delete(l.results, key)
	}
	if f, found := l.flights[key]; found {
		l.mu.Unlock()
		return l.wait(ctx, f, opts)
	}
	f := &flight{done: make(chan struct{})}
	l.flights[key] = f
	l.mu.Unlock()

	f.env = runProducer(ctx, producer, opts.TTL)
	l.mu.Lock()
	delete(l.flights, key)
	if !f.env.Failed {
		l.results[key] = localResult{env: f.env, expires: time.Now().Add(opts.ResultTTL)}
	}
	l.mu.Unlock()
	close(f.done)

	return f.env.outcome(false)
}

func (l *LocalLock) wait(ctx context.Context, f *flight, opts Options) (Outcome, error) {
	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.env.outcome(true)
	case <-timer.C:
		return Outcome{}, ErrLockTimeout
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}
