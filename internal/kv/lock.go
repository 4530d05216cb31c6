package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"
)

// ErrLockHeld is returned when WithLock exhausts its retry budget without
// acquiring the resource, or when the resource's rate limiter refuses the
// call before any attempt is made.
var ErrLockHeld = errors.New("kv: lock held by another owner")

// ErrNotLockOwner is returned by an internal release attempt that finds the
// lease token no longer matches — another owner already took over after this
// lease expired.
var ErrNotLockOwner = errors.New("kv: release: token mismatch, lock not held")

type leaseInfo struct {
	Token     string `msgpack:"token"`
	Owner     string `msgpack:"owner"`
	ExpiresAt int64  `msgpack:"expires_at"`
}

// LockOptions configures one WithLock call; zero value uses sane defaults.
type LockOptions struct {
	// TTL is how long the lease is held before it is considered abandoned.
	TTL time.Duration
	// Attempts bounds the total number of acquisition attempts (default 3).
	Attempts uint
	// Wait is the base retry delay; actual delay grows exponentially with
	// jitter, capped at 2s (default 50ms).
	Wait time.Duration
}

func (o LockOptions) withDefaults() LockOptions {
	if o.TTL <= 0 {
		o.TTL = 10 * time.Second
	}
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.Wait <= 0 {
		o.Wait = 50 * time.Millisecond
	}
	return o
}

// LockManager grants owner-scoped leased locks over resource keys backed by a
// Store. A per-resource-key token-bucket rate limiter guards how often a
// given owner may attempt acquisition, matching the teacher's per-user
// throttling on farm actions.
type LockManager struct {
	store    Store
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewLockManager wraps store with leased-lock semantics.
func NewLockManager(store Store) *LockManager {
	return &LockManager{store: store, limiters: map[string]*rate.Limiter{}}
}

func (lm *LockManager) limiterFor(key string) *rate.Limiter {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	l, ok := lm.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(20*time.Millisecond), 5)
		lm.limiters[key] = l
	}
	return l
}

// WithLock runs fn while holding the lease for resource, retrying acquisition
// per opts and always releasing (compare-and-delete on the lease token) once
// fn returns, whether or not it errored.
func (lm *LockManager) WithLock(ctx context.Context, resource, owner string, opts LockOptions, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	if !lm.limiterFor(resource).Allow() {
		return fmt.Errorf("kv: lock %q: %w", resource, ErrLockHeld)
	}

	key := "lock:" + resource
	token := uuid.NewString()

	err := retry.Do(
		func() error { return lm.tryAcquire(ctx, key, owner, token, opts.TTL) },
		retry.Attempts(opts.Attempts),
		retry.Context(ctx),
		retry.Delay(opts.Wait),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(opts.Wait),
		retry.MaxDelay(2*time.Second),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("kv: lock %q: %w", resource, ErrLockHeld)
	}
	defer lm.release(ctx, key, token)

	return fn(ctx)
}

// tryAcquire writes this lease only if the key is absent or its existing
// lease has already expired, deciding and writing atomically via
// CompareAndSwap — a separate Get followed by a separate Set leaves a race
// window where two concurrent callers both observe "unheld" and both
// succeed, defeating mutual exclusion entirely.
func (lm *LockManager) tryAcquire(ctx context.Context, key, owner, token string, ttl time.Duration) error {
	now := time.Now().UnixMilli()
	info := leaseInfo{Token: token, Owner: owner, ExpiresAt: now + ttl.Milliseconds()}
	enc, err := msgpack.Marshal(info)
	if err != nil {
		return err
	}
	acquired, err := lm.store.CompareAndSwap(ctx, key, enc, func(current []byte, ok bool) bool {
		if !ok {
			return true
		}
		var cur leaseInfo
		if err := msgpack.Unmarshal(current, &cur); err != nil {
			return true // corrupt lease; safe to overwrite
		}
		return cur.ExpiresAt <= now
	})
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockHeld
	}
	return nil
}

// release deletes the lease only if its token still matches — a lease whose
// TTL already expired and was re-acquired by a new owner is left untouched.
func (lm *LockManager) release(ctx context.Context, key, token string) error {
	raw, ok, err := lm.store.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	var cur leaseInfo
	if err := msgpack.Unmarshal(raw, &cur); err != nil {
		return err
	}
	if cur.Token != token {
		return ErrNotLockOwner
	}
	return lm.store.Del(ctx, key)
}
