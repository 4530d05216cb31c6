// Package land implements LandCore (§4.7): quality upgrades and land-count
// expansion, always validated against invariants before any write.
package land

import (
	"context"
	"fmt"

	"farmengine/internal/apperr"
	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/player"
)

// Core is LandCore.
type Core struct {
	players *player.Store
	cfg     *config.Registry
}

// New constructs a Core.
func New(players *player.Store, cfg *config.Registry) *Core {
	return &Core{players: players, cfg: cfg}
}

// GetLand returns an immutable copy of playerId's landId, or ErrNotFound.
func (c *Core) GetLand(ctx context.Context, playerID string, landID int) (domain.Land, error) {
	p, err := c.players.Load(ctx, playerID)
	if err != nil {
		return domain.Land{}, err
	}
	l := p.LandByID(landID)
	if l == nil {
		return domain.Land{}, fmt.Errorf("land: %s/%d: %w", playerID, landID, apperr.ErrNotFound)
	}
	return *l, nil
}

// GetAllLands returns an immutable copy of every land playerId owns.
func (c *Core) GetAllLands(ctx context.Context, playerID string) ([]domain.Land, error) {
	p, err := c.players.Load(ctx, playerID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Land(nil), p.Lands...), nil
}

// UpgradeQuality raises landId to targetQuality, which must strictly outrank
// its current quality, charging level and material costs from
// land.quality.<target>.upgrade atomically under the player's lock.
func (c *Core) UpgradeQuality(ctx context.Context, playerID string, landID int, targetQuality domain.LandQuality) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		l := p.LandByID(landID)
		if l == nil {
			return fmt.Errorf("land: %s/%d: %w", playerID, landID, apperr.ErrNotFound)
		}
		if domain.QualityRank(targetQuality) <= domain.QualityRank(l.Quality) {
			return fmt.Errorf("land: upgrade %s/%d to %s: %w", playerID, landID, targetQuality, apperr.ErrDomain)
		}
		row, ok := c.cfg.Quality(targetQuality)
		if !ok {
			return fmt.Errorf("land: upgrade %s/%d: %w", playerID, landID, apperr.ErrConfigMissing)
		}
		if p.Level < row.Upgrade.LevelRequired {
			return fmt.Errorf("land: upgrade %s/%d: %w", playerID, landID, apperr.ErrInsufficientResources)
		}
		if p.Coins < row.Upgrade.GoldCost {
			return fmt.Errorf("land: upgrade %s/%d: %w", playerID, landID, apperr.ErrInsufficientResources)
		}
		for itemID, need := range row.Upgrade.Materials {
			st, ok := p.Inventory[itemID]
			if !ok || st.Quantity < need {
				return fmt.Errorf("land: upgrade %s/%d needs %s: %w", playerID, landID, itemID, apperr.ErrInsufficientResources)
			}
		}

		tx.Mutate(func(p *domain.Player) {
			p.Coins -= row.Upgrade.GoldCost
			for itemID, need := range row.Upgrade.Materials {
				st := p.Inventory[itemID]
				st.Quantity -= need
				if st.Quantity <= 0 {
					delete(p.Inventory, itemID)
				} else {
					p.Inventory[itemID] = st
				}
			}
			land := p.LandByID(landID)
			land.Quality = targetQuality
			land.UpgradeLevel++
			t := p.LastUpdated
			land.LastUpgradeTime = &t
		})
		return nil
	})
}

// ExpandLandCount advances playerId's land count by up to steps new plots
// (never past land.default.max_lands), charging gold and level gates from
// land.expansion.<n> for each step taken in order.
func (c *Core) ExpandLandCount(ctx context.Context, playerID string, steps int) (int, error) {
	if steps <= 0 {
		return 0, fmt.Errorf("land: expand %s steps=%d: %w", playerID, steps, apperr.ErrValidation)
	}
	granted := 0
	err := c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		limits := c.cfg.LandDefault()
		tx.Mutate(func(p *domain.Player) {
			for i := 0; i < steps; i++ {
				if limits.MaxLands > 0 && len(p.Lands) >= limits.MaxLands {
					break
				}
				next := len(p.Lands) + 1
				row, ok := c.cfg.LandExpansion(next)
				if !ok {
					break
				}
				if p.Level < row.LevelRequired || p.Coins < row.GoldCost {
					break
				}
				p.Coins -= row.GoldCost
				p.Lands = append(p.Lands, domain.Land{
					ID:      next,
					Quality: domain.QualityNormal,
					Status:  domain.StatusEmpty,
				})
				granted++
			}
		})
		return nil
	})
	return granted, err
}
