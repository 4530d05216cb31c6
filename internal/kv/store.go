// Package kv implements KVStore & LockManager: a sorted-set-capable
// key/value abstraction and the owner-scoped leased lock built on top of it.
package kv

import "context"

// ScoredMember is one (member, score) pair returned by sorted-set range
// queries.
type ScoredMember struct {
	Member string
	Score  float64
}

// KV is the scalar/hash side of the store.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Incr(ctx context.Context, key string, delta int64) (int64, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, bool, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HIncr(ctx context.Context, key, field string, delta int64) (int64, error)
	HDel(ctx context.Context, key, field string) error

	// Expire sets a key's absolute expiry as Unix milliseconds; 0 clears it.
	Expire(ctx context.Context, key string, atMs int64) error

	// CompareAndSwap atomically reads key's current value (nil, false if
	// absent or lazily expired) and, only if accept returns true for it,
	// writes newValue in the same critical section. The read accept()
	// inspects and the write it authorizes happen as one indivisible step —
	// no other caller can observe the pre-write state and also succeed.
	// This is the set-if-absent-or-expired primitive LockManager.tryAcquire
	// needs; a bare Get-then-Set leaves a window where two callers both
	// observe "unheld" and both write their own lease.
	CompareAndSwap(ctx context.Context, key string, newValue []byte, accept func(current []byte, ok bool) bool) (bool, error)
}

// SortedSet is the scheduler store's backbone type.
type SortedSet interface {
	// ZAdd upserts member with score, replacing any existing score for the
	// same member.
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error)
	// ZPopMin atomically removes and returns the lowest-scored member.
	ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	// ZScanPrefix returns every member with the given literal prefix,
	// regardless of score — used by CancelCareForLand.
	ZScanPrefix(ctx context.Context, key, prefix string) ([]ScoredMember, error)
}

// Store is the full backing abstraction LockManager and the scheduler depend
// on. Production code is backed by SQLite (see sqlite.go); tests may use the
// in-memory implementation in memory.go.
type Store interface {
	KV
	SortedSet
	Close() error
}
