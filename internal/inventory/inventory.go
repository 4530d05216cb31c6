// Package inventory implements InventoryCore (§4.6): add/remove/lock
// operations over a Player's inventory map, always run inside a PlayerStore
// transaction so the one-slot-per-unit capacity invariant never tears.
package inventory

import (
	"context"
	"fmt"

	"farmengine/internal/apperr"
	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/player"
)

// AddResult reports a possibly-partial Add outcome — overflow is not an
// error, it is a structured result.
type AddResult struct {
	Added     int
	Remaining int
}

// Capacity reports the slot-usage view of Capacity(playerId).
type Capacity struct {
	Usage     int
	Capacity  int
	Remaining int
	Full      bool
}

// Core is InventoryCore.
type Core struct {
	players *player.Store
	cfg     *config.Registry
}

// New constructs a Core over players (for locked mutation) and cfg (for
// item metadata: category, maxStack).
func New(players *player.Store, cfg *config.Registry) *Core {
	return &Core{players: players, cfg: cfg}
}

func (c *Core) itemMeta(itemID string) (category domain.ItemCategory, maxStack int) {
	for _, cat := range []domain.ItemCategory{
		domain.CategorySeeds, domain.CategoryCrops, domain.CategoryFertilizer,
		domain.CategoryPesticide, domain.CategoryDefense, domain.CategoryMaterials, domain.CategoryTools,
	} {
		if it, ok := c.cfg.Item(string(cat), itemID); ok {
			stack := it.MaxStack
			if stack <= 0 {
				stack = 999
			}
			return cat, stack
		}
	}
	return domain.CategoryUnknown, 999
}

func capacityOf(p *domain.Player) Capacity {
	usage := p.InventoryUsage()
	cap := p.InventoryCapacity
	remaining := cap - usage
	if remaining < 0 {
		remaining = 0
	}
	return Capacity{Usage: usage, Capacity: cap, Remaining: remaining, Full: usage >= cap}
}

// addLocked performs one item's add against an already-loaded player
// snapshot, honouring the one-slot-per-unit capacity policy and per-stack
// maxStack cap. It never returns an error for overflow — only for qty<=0.
func (c *Core) addLocked(p *domain.Player, itemID string, qty int) (AddResult, error) {
	if qty <= 0 {
		return AddResult{}, fmt.Errorf("inventory: add %s qty=%d: %w", itemID, qty, apperr.ErrValidation)
	}
	cap := capacityOf(p)
	category, maxStack := c.itemMeta(itemID)

	st, exists := p.Inventory[itemID]
	if !exists {
		if cap.Remaining <= 0 {
			return AddResult{Added: 0, Remaining: qty}, nil
		}
		accept := qty
		if accept > maxStack {
			accept = maxStack
		}
		if accept > cap.Remaining {
			accept = cap.Remaining
		}
		p.Inventory[itemID] = domain.ItemStack{
			ItemID:     itemID,
			Quantity:   accept,
			MaxStack:   maxStack,
			Category:   category,
			AcquiredAt: p.LastUpdated,
		}
		return AddResult{Added: accept, Remaining: qty - accept}, nil
	}

	stackRoom := st.MaxStack - st.Quantity
	accept := qty
	if accept > stackRoom {
		accept = stackRoom
	}
	if accept < 0 {
		accept = 0
	}
	if accept > cap.Remaining {
		accept = cap.Remaining
	}
	if accept < 0 {
		accept = 0
	}
	st.Quantity += accept
	p.Inventory[itemID] = st
	return AddResult{Added: accept, Remaining: qty - accept}, nil
}

// Fits reports whether qty units of itemId would be accepted in full against
// an already-loaded player snapshot, without mutating anything. Used by
// callers (e.g. CropLifecycle's capacity-ordered harvest pass) that must
// decide to skip an operation entirely rather than accept a partial add.
func (c *Core) Fits(p *domain.Player, itemID string, qty int) bool {
	if qty <= 0 {
		return true
	}
	cap := capacityOf(p)
	_, maxStack := c.itemMeta(itemID)
	st, exists := p.Inventory[itemID]
	if !exists {
		return qty <= maxStack && qty <= cap.Remaining
	}
	stackRoom := st.MaxStack - st.Quantity
	return qty <= stackRoom && qty <= cap.Remaining
}

// ApplyAdd runs the same add logic as Add against an already-loaded player
// snapshot, for callers (e.g. CropLifecycle) that must combine an inventory
// change with other writes inside one already-held ExecuteUnderLock body.
func (c *Core) ApplyAdd(p *domain.Player, itemID string, qty int) (AddResult, error) {
	return c.addLocked(p, itemID, qty)
}

// ApplyRemove runs the same remove logic as Remove against an already-loaded
// player snapshot, for callers composing one write out of several operations.
func (c *Core) ApplyRemove(p *domain.Player, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("inventory: remove %s qty=%d: %w", itemID, qty, apperr.ErrValidation)
	}
	st, ok := p.Inventory[itemID]
	if !ok || st.Quantity < qty {
		return fmt.Errorf("inventory: remove %s: %w", itemID, apperr.ErrInsufficientResources)
	}
	if st.Metadata.Locked {
		return fmt.Errorf("inventory: remove %s: %w", itemID, apperr.ErrItemLocked)
	}
	st.Quantity -= qty
	if st.Quantity <= 0 {
		delete(p.Inventory, itemID)
	} else {
		p.Inventory[itemID] = st
	}
	return nil
}

// Add adds qty of itemId to playerId's inventory under its own lock.
func (c *Core) Add(ctx context.Context, playerID, itemID string, qty int) (AddResult, error) {
	var result AddResult
	var addErr error
	err := c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			result, addErr = c.addLocked(p, itemID, qty)
		})
		return addErr
	})
	if err != nil {
		return AddResult{}, err
	}
	return result, nil
}

// BatchItem is one line of an AddBatch request.
type BatchItem struct {
	ItemID string
	Qty    int
}

// AddBatch adds every item in items within a single lock/write. Capacity and
// stack-cap overflow is reported per item as a remainder, not an error;
// the batch itself never partially commits — the slice of results always
// reflects exactly one coherent application of all adds in order.
func (c *Core) AddBatch(ctx context.Context, playerID string, items []BatchItem) ([]AddResult, error) {
	for _, it := range items {
		if it.Qty <= 0 {
			return nil, fmt.Errorf("inventory: add-batch %s qty=%d: %w", it.ItemID, it.Qty, apperr.ErrValidation)
		}
	}
	results := make([]AddResult, len(items))
	err := c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			for i, it := range items {
				results[i], _ = c.addLocked(p, it.ItemID, it.Qty)
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Remove subtracts qty from itemId's stack, failing if locked or
// insufficient, and deletes the stack entry at zero.
func (c *Core) Remove(ctx context.Context, playerID, itemID string, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("inventory: remove %s qty=%d: %w", itemID, qty, apperr.ErrValidation)
	}
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		st, ok := p.Inventory[itemID]
		if !ok || st.Quantity < qty {
			return fmt.Errorf("inventory: remove %s: %w", itemID, apperr.ErrInsufficientResources)
		}
		if st.Metadata.Locked {
			return fmt.Errorf("inventory: remove %s: %w", itemID, apperr.ErrItemLocked)
		}
		tx.Mutate(func(p *domain.Player) {
			st := p.Inventory[itemID]
			st.Quantity -= qty
			if st.Quantity <= 0 {
				delete(p.Inventory, itemID)
			} else {
				p.Inventory[itemID] = st
			}
		})
		return nil
	})
}

func setLock(p *domain.Player, itemID string, locked bool, now domain.Time) {
	st, ok := p.Inventory[itemID]
	if !ok {
		return
	}
	if st.Metadata.Locked == locked {
		return
	}
	st.Metadata.Locked = locked
	if locked {
		at := now
		st.Metadata.LockedAt = &at
	} else {
		st.Metadata.LockedAt = nil
	}
	st.Metadata.LastUpdated = now
	p.Inventory[itemID] = st
}

// Lock marks itemId's stack locked; idempotent.
func (c *Core) Lock(ctx context.Context, playerID, itemID string) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) { setLock(p, itemID, true, p.LastUpdated) })
		return nil
	})
}

// Unlock marks itemId's stack unlocked; idempotent.
func (c *Core) Unlock(ctx context.Context, playerID, itemID string) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) { setLock(p, itemID, false, p.LastUpdated) })
		return nil
	})
}

// LockBatch locks every item id listed, idempotently, in one write.
func (c *Core) LockBatch(ctx context.Context, playerID string, itemIDs []string) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			for _, id := range itemIDs {
				setLock(p, id, true, p.LastUpdated)
			}
		})
		return nil
	})
}

// UnlockBatch unlocks every item id listed, idempotently, in one write.
func (c *Core) UnlockBatch(ctx context.Context, playerID string, itemIDs []string) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			for _, id := range itemIDs {
				setLock(p, id, false, p.LastUpdated)
			}
		})
		return nil
	})
}

// Capacity returns playerId's current usage/capacity/remaining/full view.
func (c *Core) Capacity(ctx context.Context, playerID string) (Capacity, error) {
	p, err := c.players.Load(ctx, playerID)
	if err != nil {
		return Capacity{}, err
	}
	return capacityOf(p), nil
}
