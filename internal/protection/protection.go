// Package protection implements ProtectionCore (§4.11): timed defensive
// buffs and theft cooldowns stored as fields of Player.
package protection

import (
	"context"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/player"
)

// BuffStatus is one entry of GetStatus's reply.
type BuffStatus struct {
	Active      bool
	RemainingMs int64
}

// Status is the GetStatus(playerId) reply shape.
type Status struct {
	DogFood          BuffStatus
	FarmProtection   BuffStatus
	StealCooldown    BuffStatus
	TotalDefenseBonus int
	IsProtected      bool
}

// Core is ProtectionCore.
type Core struct {
	players *player.Store
	cfg     *config.Registry
}

// New constructs a Core.
func New(players *player.Store, cfg *config.Registry) *Core {
	return &Core{players: players, cfg: cfg}
}

// ApplyDogFood replaces (never stacks) protection.dogFood with the
// config-derived buff for itemId.
func (c *Core) ApplyDogFood(ctx context.Context, playerID, itemID string) error {
	item, _ := c.cfg.Item("defense", itemID)
	durationMs, _ := item.Effect["duration_ms"].(int)
	bonus, _ := item.Effect["defense_bonus"].(int)

	return c.players.ExecuteUnderLock(ctx, playerID, "protection", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			p.Protection.DogFood = domain.TimedBuff{
				Type:          itemID,
				EffectEndTime: p.LastUpdated + int64(durationMs),
				DefenseBonus:  bonus,
			}
		})
		return nil
	})
}

// SetFarmProtection sets protection.farmProtection.endTime to now+minutes.
func (c *Core) SetFarmProtection(ctx context.Context, playerID string, minutes int) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "protection", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			p.Protection.FarmProtection = domain.TimedBuff{
				EffectEndTime: p.LastUpdated + int64(minutes)*60*1000,
			}
		})
		return nil
	})
}

// SetStealCooldown sets stealing.cooldownEndTime to now+minutes.
func (c *Core) SetStealCooldown(ctx context.Context, playerID string, minutes int) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "protection", func(tx *player.Tx) error {
		tx.Mutate(func(p *domain.Player) {
			p.Stealing.CooldownEndTime = p.LastUpdated + int64(minutes)*60*1000
		})
		return nil
	})
}

func buffStatus(endTime, now domain.Time) BuffStatus {
	if endTime <= now {
		return BuffStatus{}
	}
	return BuffStatus{Active: true, RemainingMs: endTime - now}
}

// GetStatus returns the combined defensive status for playerId.
func (c *Core) GetStatus(ctx context.Context, playerID string, now domain.Time) (Status, error) {
	p, err := c.players.Load(ctx, playerID)
	if err != nil {
		return Status{}, err
	}
	dogFood := buffStatus(p.Protection.DogFood.EffectEndTime, now)
	farmProt := buffStatus(p.Protection.FarmProtection.EffectEndTime, now)
	cooldown := buffStatus(p.Stealing.CooldownEndTime, now)

	bonus := 0
	if dogFood.Active {
		bonus += p.Protection.DogFood.DefenseBonus
	}
	return Status{
		DogFood: dogFood, FarmProtection: farmProt, StealCooldown: cooldown,
		TotalDefenseBonus: bonus,
		IsProtected:       dogFood.Active || farmProt.Active,
	}, nil
}

// RemoveExpired clears any of the three timed fields whose deadlines have
// passed, writing only if something actually changed.
func (c *Core) RemoveExpired(ctx context.Context, playerID string, now domain.Time) error {
	return c.players.ExecuteUnderLock(ctx, playerID, "protection", func(tx *player.Tx) error {
		p := tx.Player()
		changed := false
		if p.Protection.DogFood.EffectEndTime > 0 && p.Protection.DogFood.EffectEndTime <= now {
			changed = true
		}
		if p.Protection.FarmProtection.EffectEndTime > 0 && p.Protection.FarmProtection.EffectEndTime <= now {
			changed = true
		}
		if p.Stealing.CooldownEndTime > 0 && p.Stealing.CooldownEndTime <= now {
			changed = true
		}
		if !changed {
			return nil
		}
		tx.Mutate(func(p *domain.Player) {
			if p.Protection.DogFood.EffectEndTime > 0 && p.Protection.DogFood.EffectEndTime <= now {
				p.Protection.DogFood = domain.TimedBuff{}
			}
			if p.Protection.FarmProtection.EffectEndTime > 0 && p.Protection.FarmProtection.EffectEndTime <= now {
				p.Protection.FarmProtection = domain.TimedBuff{}
			}
			if p.Stealing.CooldownEndTime > 0 && p.Stealing.CooldownEndTime <= now {
				p.Stealing.CooldownEndTime = 0
			}
		})
		return nil
	})
}

// DefenseSuccessRate delegates to the pure DomainCalc formula, exposed here
// as ProtectionCore's own operation per its contract.
func DefenseSuccessRate(defenseBonus, attack int) int {
	return domain.DefenseSuccessRate(defenseBonus, attack)
}
