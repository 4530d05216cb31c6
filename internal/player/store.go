// Package player implements PlayerStore (§4.5): load/save of the Player
// aggregate and the single entry point — ExecuteUnderLock — through which
// every other core component serialises its mutations.
package player

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"farmengine/internal/apperr"
	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/kv"
)

func fileName(playerID string) string { return playerID + ".yaml" }

// Clock abstracts wall-clock "now" so tests can inject a fixed-step clock
// (§8.1's injectable clock for the scenario suite).
type Clock func() domain.Time

func systemClock() domain.Time { return time.Now().UnixMilli() }

// Reader is the narrow read-only facet other components depend on, breaking
// the CropLifecycle<->PlayerStore container cycle the design notes call out.
type Reader interface {
	Load(ctx context.Context, playerID string) (*domain.Player, error)
}

// Writer is the narrow write facet.
type Writer interface {
	Save(ctx context.Context, p *domain.Player) error
}

// Executor is the narrow transactional facet. CropLifecycle depends on
// Reader+Executor rather than the concrete *Store.
type Executor interface {
	ExecuteUnderLock(ctx context.Context, playerID, purpose string, body func(tx *Tx) error) error
}

// Tx is the mutable handle a body passed to ExecuteUnderLock operates
// through. Calling Mutate any number of times coalesces into a single atomic
// persist when the body returns without error.
type Tx struct {
	player  *domain.Player
	mutated bool
}

// Player exposes the current in-flight snapshot for reading.
func (tx *Tx) Player() *domain.Player { return tx.player }

// Mutate runs fn against the snapshot and marks it dirty for persistence.
func (tx *Tx) Mutate(fn func(*domain.Player)) {
	fn(tx.player)
	tx.mutated = true
}

// Store is PlayerStore: load/save one Player aggregate per id, plus the
// owner-scoped transactional entry point every mutating component uses.
type Store struct {
	fs    *filestore.Store
	locks *kv.LockManager
	cfg   *config.Registry
	clock Clock
}

// New constructs a Store backed by fs for persistence, locks for per-player
// serialisation, and cfg for default-filling newly seen players.
func New(fs *filestore.Store, locks *kv.LockManager, cfg *config.Registry) *Store {
	return &Store{fs: fs, locks: locks, cfg: cfg, clock: systemClock}
}

// WithClock overrides the store's notion of "now"; used by tests.
func (s *Store) WithClock(c Clock) *Store {
	s.clock = c
	return s
}

// Load reads playerID's aggregate, materialising a default-filled new player
// if no file exists yet.
func (s *Store) Load(ctx context.Context, playerID string) (*domain.Player, error) {
	var p domain.Player
	err := s.fs.ReadYAML(fileName(playerID), &p)
	if err == nil {
		s.fillDefaults(&p)
		return &p, nil
	}
	if os.IsNotExist(err) {
		return s.newPlayer(playerID), nil
	}
	return nil, fmt.Errorf("player: load %s: %w", playerID, apperr.ErrStorageCorrupt)
}

func (s *Store) newPlayer(playerID string) *domain.Player {
	now := s.clock()
	land := s.cfg.LandDefault()
	startingLands := land.StartingLands
	if startingLands <= 0 {
		startingLands = 1
	}
	lands := make([]domain.Land, startingLands)
	for i := range lands {
		lands[i] = domain.Land{
			ID:      i + 1,
			Quality: domain.QualityNormal,
			Status:  domain.StatusEmpty,
		}
	}
	p := &domain.Player{
		ID:                   playerID,
		Level:                1,
		Lands:                lands,
		Inventory:            map[string]domain.ItemStack{},
		InventoryCapacity:    50,
		MaxInventoryCapacity: 200,
		CreatedAt:            now,
		LastUpdated:          now,
		LastActiveTime:       now,
	}
	return p
}

// fillDefaults patches zero-value fields on an aggregate loaded from disk
// that predates a config change (e.g. inventory_capacity added later).
func (s *Store) fillDefaults(p *domain.Player) {
	if p.Inventory == nil {
		p.Inventory = map[string]domain.ItemStack{}
	}
	if p.InventoryCapacity == 0 {
		p.InventoryCapacity = 50
	}
	if p.MaxInventoryCapacity == 0 {
		p.MaxInventoryCapacity = 200
	}
	for i := range p.Lands {
		if p.Lands[i].Quality == "" {
			p.Lands[i].Quality = domain.QualityNormal
		} else {
			p.Lands[i].Quality = domain.NormalizeQuality(string(p.Lands[i].Quality))
		}
		if p.Lands[i].Status == "" {
			p.Lands[i].Status = domain.StatusEmpty
		}
	}
}

// Save writes p atomically.
func (s *Store) Save(ctx context.Context, p *domain.Player) error {
	if err := s.fs.WriteYAML(fileName(p.ID), p); err != nil {
		return fmt.Errorf("player: save %s: %w", p.ID, apperr.ErrStorageIO)
	}
	return nil
}

// UpdateFields applies a typed patch function and bumps lastUpdated, writing
// through FileStore's atomic write. This is the non-locked convenience path
// for callers who already hold the lock (e.g. inside ExecuteUnderLock) or who
// accept last-writer-wins on a display-only field.
func (s *Store) UpdateFields(ctx context.Context, playerID string, patch func(*domain.Player)) error {
	p, err := s.Load(ctx, playerID)
	if err != nil {
		return err
	}
	patch(p)
	p.LastUpdated = s.clock()
	return s.Save(ctx, p)
}

// defaultLockOpts is used for every ExecuteUnderLock acquisition; 3 attempts,
// 100ms base backoff doubling to a 2s cap, matching §4.2's literal numbers.
func (s *Store) defaultLockOpts() kv.LockOptions {
	return kv.LockOptions{TTL: 15 * time.Second, Attempts: 3, Wait: 100 * time.Millisecond}
}

// ExecuteUnderLock acquires lock:{playerId}:{purpose}, loads the aggregate,
// runs body against a Tx, and persists exactly once if body mutated the
// snapshot and returned nil. Any error from body rolls the snapshot back (no
// write) and is returned to the caller; the lock is always released.
func (s *Store) ExecuteUnderLock(ctx context.Context, playerID, purpose string, body func(tx *Tx) error) error {
	resource := fmt.Sprintf("%s:%s", playerID, purpose)
	err := s.locks.WithLock(ctx, resource, playerID, s.defaultLockOpts(), func(ctx context.Context) error {
		p, err := s.Load(ctx, playerID)
		if err != nil {
			return err
		}
		tx := &Tx{player: p}
		if err := body(tx); err != nil {
			return err
		}
		if !tx.mutated {
			return nil
		}
		tx.player.LastUpdated = s.clock()
		return s.Save(ctx, tx.player)
	})
	if errors.Is(err, kv.ErrLockHeld) {
		return fmt.Errorf("player: %s/%s: %w", playerID, purpose, apperr.ErrLockTimeout)
	}
	return err
}
