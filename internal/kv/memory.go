package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used by unit tests in place of
// SQLiteStore; it implements the exact same KV/SortedSet contract, including
// Get's lazy expiry check, so tests exercise real semantics without a file on
// disk.
type MemoryStore struct {
	mu       sync.Mutex
	strings  map[string][]byte
	expireAt map[string]int64
	hashes   map[string]map[string][]byte
	zsets    map[string]map[string]float64
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings:  map[string][]byte{},
		expireAt: map[string]int64{},
		hashes:   map[string]map[string][]byte{},
		zsets:    map[string]map[string]float64{},
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.expireAt[key]; ok && at > 0 && at <= nowMs() {
		delete(m.strings, key)
		delete(m.expireAt, key)
		return nil, false, nil
	}
	v, ok := m.strings[key]
	if !ok {
		return nil, false, nil
	}
	cp := append([]byte(nil), v...)
	return cp, true, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = append([]byte(nil), value...)
	return nil
}

// CompareAndSwap holds mu across the read accept() inspects and the write it
// authorizes, so no other call can interleave between them.
func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, newValue []byte, accept func(current []byte, ok bool) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, hasExpiry := m.expireAt[key]; hasExpiry && at > 0 && at <= nowMs() {
		delete(m.strings, key)
		delete(m.expireAt, key)
	}
	var cur []byte
	v, exists := m.strings[key]
	if exists {
		cur = append([]byte(nil), v...)
	}
	if !accept(cur, exists) {
		return false, nil
	}
	m.strings[key] = append([]byte(nil), newValue...)
	return true, nil
}

func (m *MemoryStore) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strings, key)
	delete(m.expireAt, key)
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.Get(ctx, key)
	return ok, err
}

func (m *MemoryStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := bytesToInt64(m.strings[key]) + delta
	m.strings[key] = int64ToBytes(next)
	return next, nil
}

func (m *MemoryStore) HSet(ctx context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string][]byte{}
		m.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil, false, nil
	}
	v, ok := h[field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string][]byte{}
	for f, v := range m.hashes[key] {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryStore) HIncr(ctx context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = map[string][]byte{}
		m.hashes[key] = h
	}
	next := bytesToInt64(h[field]) + delta
	h[field] = int64ToBytes(next)
	return next, nil
}

func (m *MemoryStore) HDel(ctx context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes[key], field)
	return nil
}

func (m *MemoryStore) Expire(ctx context.Context, key string, atMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireAt[key] = atMs
	return nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = map[string]float64{}
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) ZRem(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	for _, mem := range members {
		delete(z, mem)
	}
	return nil
}

func (m *MemoryStore) sortedMembers(key string) []ScoredMember {
	z := m.zsets[key]
	out := make([]ScoredMember, 0, len(z))
	for mem, score := range z {
		out = append(out, ScoredMember{Member: mem, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMember
	for _, sm := range m.sortedMembers(key) {
		if sm.Score >= min && sm.Score <= max {
			out = append(out, sm)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sortedMembers(key)
	if len(sorted) == 0 {
		return ScoredMember{}, false, nil
	}
	min := sorted[0]
	delete(m.zsets[key], min.Member)
	return min, true, nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsets[key][member]
	return s, ok, nil
}

func (m *MemoryStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	var n int64
	for mem, score := range z {
		if score >= min && score <= max {
			delete(z, mem)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ZScanPrefix(ctx context.Context, key, prefix string) ([]ScoredMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScoredMember
	for _, sm := range m.sortedMembers(key) {
		if strings.HasPrefix(sm.Member, prefix) {
			out = append(out, sm)
		}
	}
	return out, nil
}
