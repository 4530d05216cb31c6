package kv

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore backs KV/SortedSet with a WAL-mode SQLite database — the same
// journal/busy-timeout pragmas the teacher's own store package opens with,
// generalised from an accounts/logs schema to the three generic tables the
// scheduler and lock manager need.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (if needed) and migrates the SQLite-backed store at dbPath.
func Open(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("kv: open db: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	ddl := `
	CREATE TABLE IF NOT EXISTS kv_string (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expire_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS kv_hash (
		key TEXT NOT NULL,
		field TEXT NOT NULL,
		value BLOB NOT NULL,
		PRIMARY KEY (key, field)
	);
	CREATE TABLE IF NOT EXISTS kv_zset (
		key TEXT NOT NULL,
		member TEXT NOT NULL,
		score REAL NOT NULL,
		PRIMARY KEY (key, member)
	);
	CREATE INDEX IF NOT EXISTS idx_kv_zset_score ON kv_zset(key, score);
	`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expireAt int64
	err := s.db.QueryRowContext(ctx, `SELECT value, expire_at FROM kv_string WHERE key = ?`, key).Scan(&value, &expireAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expireAt > 0 && expireAt <= nowMs() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_string WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_string (key, value, expire_at) VALUES (?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// CompareAndSwap reads value+expire_at and conditionally writes newValue
// inside one transaction, mirroring ZPopMin's own check-then-act pattern
// below so the lease acquired by LockManager.tryAcquire can never be raced.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, newValue []byte, accept func(current []byte, ok bool) bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var value []byte
	var expireAt int64
	err = tx.QueryRowContext(ctx, `SELECT value, expire_at FROM kv_string WHERE key = ?`, key).Scan(&value, &expireAt)
	ok := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if ok && expireAt > 0 && expireAt <= nowMs() {
		ok = false
		value = nil
	}
	if !accept(value, ok) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_string (key, value, expire_at) VALUES (?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, newValue); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) Del(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_string WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *SQLiteStore) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_string WHERE key = ?`, key).Scan(&cur)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if err == sql.ErrNoRows {
		cur = 0
	} else {
		cur = bytesToInt64(mustGetBlob(tx, ctx, key))
	}
	next := cur + delta
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_string (key, value, expire_at) VALUES (?, ?, 0)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, int64ToBytes(next)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

// mustGetBlob re-reads the raw blob inside the same transaction; kept
// separate from the Scan above because Incr stores integers as their own
// big-endian encoding, not msgpack (callers use HSet/Set for msgpack
// payloads; Incr is a raw numeric counter).
func mustGetBlob(tx *sql.Tx, ctx context.Context, key string) []byte {
	var b []byte
	_ = tx.QueryRowContext(ctx, `SELECT value FROM kv_string WHERE key = ?`, key).Scan(&b)
	return b
}

func (s *SQLiteStore) HSet(ctx context.Context, key, field string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`, key, field, value)
	return err
}

func (s *SQLiteStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field, value FROM kv_hash WHERE key = ?`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]byte{}
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, err
		}
		out[field] = value
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HIncr(ctx context.Context, key, field string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur []byte
	err = tx.QueryRowContext(ctx, `SELECT value FROM kv_hash WHERE key = ? AND field = ?`, key, field).Scan(&cur)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	next := bytesToInt64(cur) + delta
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO kv_hash (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value`, key, field, int64ToBytes(next)); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

func (s *SQLiteStore) HDel(ctx context.Context, key, field string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_hash WHERE key = ? AND field = ?`, key, field)
	return err
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, atMs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE kv_string SET expire_at = ? WHERE key = ?`, atMs, key)
	return err
}

func (s *SQLiteStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zset (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score`, key, member, score)
	return err
}

func (s *SQLiteStore) ZRem(ctx context.Context, key string, members ...string) error {
	for _, m := range members {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ? AND member = ?`, key, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error) {
	q := `SELECT member, score FROM kv_zset WHERE key = ? AND score >= ? AND score <= ? ORDER BY score ASC`
	args := []any{key, min, max}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScoredMember
	for rows.Next() {
		var sm ScoredMember
		if err := rows.Scan(&sm.Member, &sm.Score); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ZPopMin(ctx context.Context, key string) (ScoredMember, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ScoredMember{}, false, err
	}
	defer tx.Rollback()

	var sm ScoredMember
	err = tx.QueryRowContext(ctx, `SELECT member, score FROM kv_zset WHERE key = ? ORDER BY score ASC LIMIT 1`, key).
		Scan(&sm.Member, &sm.Score)
	if err == sql.ErrNoRows {
		return ScoredMember{}, false, nil
	}
	if err != nil {
		return ScoredMember{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ? AND member = ?`, key, sm.Member); err != nil {
		return ScoredMember{}, false, err
	}
	return sm, true, tx.Commit()
}

func (s *SQLiteStore) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_zset WHERE key = ?`, key).Scan(&n)
	return n, err
}

func (s *SQLiteStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `SELECT score FROM kv_zset WHERE key = ? AND member = ?`, key, member).Scan(&score)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (s *SQLiteStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv_zset WHERE key = ? AND score >= ? AND score <= ?`, key, min, max)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) ZScanPrefix(ctx context.Context, key, prefix string) ([]ScoredMember, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member, score FROM kv_zset WHERE key = ? AND member LIKE ? ESCAPE '\'`,
		key, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ScoredMember
	for rows.Next() {
		var sm ScoredMember
		if err := rows.Scan(&sm.Member, &sm.Score); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}
