// Package lifecycle implements CropLifecycle (§4.9): Plant, Harvest, and
// Care, the three operations that actually move a land plot through
// empty -> growing -> mature -> empty. Every call is a single PlayerStore
// lock acquisition; nothing here ever nests a second lock on top of it, so
// it depends on the narrow player.Reader/player.Executor facets rather than
// reaching back into the concrete player.Store.
package lifecycle

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/go-playground/validator/v10"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/inventory"
	"farmengine/internal/land"
	"farmengine/internal/player"
	"farmengine/internal/scheduler"
)

// playerStore is the composite of the two narrow facets Core actually uses.
type playerStore interface {
	player.Reader
	player.Executor
}

// bonusSeedChance is the independent per-harvest probability of an extra
// seed of the harvested crop's own family (§4.9).
const bonusSeedChance = 0.10

// Clock abstracts wall-clock "now" so the scenario suite can inject a
// fixed-step clock.
type Clock func() domain.Time

// RNG abstracts the single float64 draw the bonus-seed roll needs.
type RNG interface{ Float64() float64 }

type mathRand struct{ r *rand.Rand }

func (m mathRand) Float64() float64 { return m.r.Float64() }

// Core is CropLifecycle.
type Core struct {
	players   playerStore
	inventory *inventory.Core
	land      *land.Core
	scheduler *scheduler.Scheduler
	cfg       *config.Registry
	clock     Clock
	rng       RNG
	validate  *validator.Validate
}

// New constructs a Core.
func New(players playerStore, inv *inventory.Core, ld *land.Core, sched *scheduler.Scheduler, cfg *config.Registry, clock Clock, rng RNG) *Core {
	if rng == nil {
		rng = mathRand{r: rand.New(rand.NewSource(1))}
	}
	return &Core{
		players: players, inventory: inv, land: ld, scheduler: sched, cfg: cfg,
		clock: clock, rng: rng, validate: validator.New(),
	}
}

func (c *Core) validationFail(err error) OperationResult {
	return fail(CodeValidation, err.Error())
}

// Plant places a seed on an empty land, charging one unit of cropId's seed
// stack and scheduling its harvest ticket and care checkpoints.
func (c *Core) Plant(ctx context.Context, req PlantRequest) (OperationResult, *PlantOutcome, error) {
	if err := c.validate.Struct(req); err != nil {
		return c.validationFail(err), nil, nil
	}
	crop, ok := c.cfg.Crop(req.CropID)
	if !ok {
		return fail(CodeNotFound, fmt.Sprintf("unknown crop %q", req.CropID)), nil, nil
	}

	var result OperationResult
	var growMs int64
	var now, harvestTime domain.Time

	err := c.players.ExecuteUnderLock(ctx, req.PlayerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		l := p.LandByID(req.LandID)
		if l == nil {
			result = fail(CodeNotFound, "unknown land")
			return nil
		}
		if !l.IsEmpty() {
			result = fail(CodeDomain, "land is not empty")
			return nil
		}
		if p.Level < crop.RequiredLevel {
			result = fail(CodeInsufficient, "player level too low for this crop")
			return nil
		}
		st, hasSeed := p.Inventory[req.CropID]
		if !hasSeed || st.Quantity < 1 {
			result = fail(CodeInsufficient, "no seed in inventory")
			return nil
		}
		if st.Metadata.Locked {
			result = fail(CodeItemLocked, "seed stack is locked")
			return nil
		}

		mods := c.cfg.QualityModifiers(l.Quality)
		growMs = domain.GrowTime(crop.GrowTimeSec*1000, mods)
		now = c.clock()
		harvestTime = now + growMs

		tx.Mutate(func(p *domain.Player) {
			_ = c.inventory.ApplyRemove(p, req.CropID, 1)
			l := p.LandByID(req.LandID)
			l.Status = domain.StatusGrowing
			l.Crop = req.CropID
			pt := now
			ht := harvestTime
			l.PlantTime = &pt
			l.HarvestTime = &ht
			l.OriginalHarvestTime = &ht
			l.NeedsWater = false
			l.HasPests = false
			l.Stealable = false
			l.WaterDelayApplied = false
			l.WaterDelayMs = 0
			p.Statistics.TotalPlanted++
		})
		result = ok()
		return nil
	})
	if err != nil {
		return OperationResult{}, nil, err
	}
	if !result.Success {
		return result, nil, nil
	}

	if err := c.scheduler.ScheduleHarvest(ctx, req.PlayerID, req.LandID, harvestTime); err != nil {
		return result, nil, err
	}
	if err := c.scheduler.ScheduleCareCheckpoints(ctx, req.PlayerID, req.LandID, now, harvestTime); err != nil {
		return result, nil, err
	}
	return result, &PlantOutcome{GrowMs: growMs, HarvestTime: harvestTime}, nil
}

// BatchPlant is two-phase: every plan is validated against one up-front,
// unmutated snapshot (land empty, level, and per-crop seed demand summed
// across the whole batch, not each plan in isolation), and if any plan is
// infeasible the whole batch is rejected with nothing applied. Only once
// every plan clears that check does a second pass actually mutate state and
// schedule tickets, in the same lock.
func (c *Core) BatchPlant(ctx context.Context, playerID string, plans []PlantPlan) ([]OperationResult, error) {
	results := make([]OperationResult, len(plans))
	crops := make([]config.Crop, len(plans))
	feasible := make([]bool, len(plans))

	now := c.clock()
	scheduled := make([]PlantOutcome, len(plans))

	err := c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		p := tx.Player()

		batchOK := true
		seedDemand := map[string]int{}
		landClaimed := map[int]bool{}

		for i, pl := range plans {
			if err := c.validate.Struct(pl); err != nil {
				results[i] = c.validationFail(err)
				batchOK = false
				continue
			}
			crop, ok := c.cfg.Crop(pl.CropID)
			if !ok {
				results[i] = fail(CodeNotFound, fmt.Sprintf("unknown crop %q", pl.CropID))
				batchOK = false
				continue
			}
			crops[i] = crop

			l := p.LandByID(pl.LandID)
			if l == nil {
				results[i] = fail(CodeNotFound, "unknown land")
				batchOK = false
				continue
			}
			if !l.IsEmpty() {
				results[i] = fail(CodeDomain, "land is not empty")
				batchOK = false
				continue
			}
			if landClaimed[pl.LandID] {
				results[i] = fail(CodeDomain, "duplicate land in batch")
				batchOK = false
				continue
			}
			if p.Level < crop.RequiredLevel {
				results[i] = fail(CodeInsufficient, "player level too low for this crop")
				batchOK = false
				continue
			}
			if p.Inventory[pl.CropID].Metadata.Locked {
				results[i] = fail(CodeItemLocked, "seed stack is locked")
				batchOK = false
				continue
			}
			landClaimed[pl.LandID] = true
			seedDemand[pl.CropID]++
			feasible[i] = true
		}

		for cropID, need := range seedDemand {
			if int(p.Inventory[cropID].Quantity) < need {
				batchOK = false
			}
		}

		if !batchOK {
			for i := range plans {
				if feasible[i] {
					results[i] = fail(CodeDomain, "batch rejected: another plan in this batch is infeasible")
				}
			}
			return nil
		}

		tx.Mutate(func(p *domain.Player) {
			for i, pl := range plans {
				l := p.LandByID(pl.LandID)
				mods := c.cfg.QualityModifiers(l.Quality)
				growMs := domain.GrowTime(crops[i].GrowTimeSec*1000, mods)
				harvestTime := now + growMs
				_ = c.inventory.ApplyRemove(p, pl.CropID, 1)
				l.Status = domain.StatusGrowing
				l.Crop = pl.CropID
				pt := now
				ht := harvestTime
				l.PlantTime = &pt
				l.HarvestTime = &ht
				l.OriginalHarvestTime = &ht
				l.NeedsWater, l.HasPests, l.Stealable = false, false, false
				l.WaterDelayApplied, l.WaterDelayMs = false, 0
				p.Statistics.TotalPlanted++

				results[i] = ok()
				scheduled[i] = PlantOutcome{GrowMs: growMs, HarvestTime: harvestTime}
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, pl := range plans {
		if !results[i].Success {
			continue
		}
		if err := c.scheduler.ScheduleHarvest(ctx, playerID, pl.LandID, scheduled[i].HarvestTime); err != nil {
			return results, err
		}
		if err := c.scheduler.ScheduleCareCheckpoints(ctx, playerID, pl.LandID, now, scheduled[i].HarvestTime); err != nil {
			return results, err
		}
	}
	return results, nil
}

// matureLandIDs returns, sorted ascending, the ids of every land that should
// be considered by this Harvest call.
func matureLandIDs(p *domain.Player, onlyLandID int, now domain.Time) []int {
	var ids []int
	for _, l := range p.Lands {
		if onlyLandID != 0 && l.ID != onlyLandID {
			continue
		}
		if l.Status != domain.StatusMature && l.Status != domain.StatusGrowing {
			continue
		}
		if l.HarvestTime == nil || *l.HarvestTime > now {
			continue
		}
		ids = append(ids, l.ID)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

// Harvest gathers every mature land (or just landId, if given), packs a
// capacity-ordered accept/skip pass over them, and applies the accepted set
// as a single inventory write plus one experience/level-up update.
func (c *Core) Harvest(ctx context.Context, req HarvestRequest) (OperationResult, *HarvestOutcome, error) {
	if err := c.validate.Struct(req); err != nil {
		return c.validationFail(err), nil, nil
	}

	var result OperationResult
	outcome := &HarvestOutcome{}
	var clearedLandIDs []int

	err := c.players.ExecuteUnderLock(ctx, req.PlayerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		now := c.clock()
		candidates := matureLandIDs(p, req.LandID, now)
		if len(candidates) == 0 {
			result = fail(CodeDomain, "no mature land to harvest")
			return nil
		}

		tx.Mutate(func(p *domain.Player) {
			totalExp := int64(0)
			// Accept/skip is decided one land at a time against the live
			// snapshot, so a land already applied counts against the
			// capacity the next candidate is checked against.
			for _, id := range candidates {
				l := p.LandByID(id)
				crop, ok := c.cfg.Crop(l.Crop)
				if !ok {
					continue
				}
				mods := c.cfg.QualityModifiers(l.Quality)
				yieldQty := domain.YieldQty(crop.BaseYield, mods, l.HasPests, pestReductionPct(c.cfg))
				exp := domain.CropExp(crop.Experience, mods)
				bonusSeed := c.rng.Float64() < bonusSeedChance

				if !c.inventory.Fits(p, l.Crop, yieldQty) {
					outcome.Skipped = append(outcome.Skipped, id)
					continue
				}
				if bonusSeed && !c.inventory.Fits(p, l.Crop, yieldQty+1) {
					bonusSeed = false
				}

				if _, err := c.inventory.ApplyAdd(p, l.Crop, yieldQty); err != nil {
					outcome.Skipped = append(outcome.Skipped, id)
					continue
				}
				if bonusSeed {
					_, _ = c.inventory.ApplyAdd(p, l.Crop, 1)
				}

				l.Status = domain.StatusEmpty
				cropID := l.Crop
				l.Crop = ""
				l.PlantTime = nil
				l.HarvestTime = nil
				l.OriginalHarvestTime = nil
				l.NeedsWater, l.HasPests, l.Stealable = false, false, false
				l.WaterDelayApplied, l.WaterDelayMs = false, 0
				p.Statistics.TotalHarvested += int64(yieldQty)
				totalExp += int64(exp)

				outcome.Harvested = append(outcome.Harvested, HarvestedLand{
					LandID: id, CropID: cropID, Yield: yieldQty, Exp: exp, BonusSeed: bonusSeed,
				})
				clearedLandIDs = append(clearedLandIDs, id)
			}

			if totalExp > 0 {
				oldLevel, _, _ := domain.Level(p.Experience, c.cfg.Levels())
				p.Experience += totalExp
				p.Statistics.TotalExpEarned += totalExp
				newLevel, _, _ := domain.Level(p.Experience, c.cfg.Levels())
				if newLevel > oldLevel {
					lu := &LevelUp{NewLevel: newLevel}
					p.Level = newLevel
					for lvl := oldLevel + 1; lvl <= newLevel; lvl++ {
						reward, hasReward := c.cfg.LevelReward(lvl)
						if !hasReward {
							continue
						}
						p.Coins += reward.Coins
						lu.Coins += reward.Coins
						for itemID, qty := range reward.Items {
							if lu.Items == nil {
								lu.Items = map[string]int{}
							}
							lu.Items[itemID] += qty
							_, _ = c.inventory.ApplyAdd(p, itemID, qty)
						}
					}
					outcome.LevelUp = lu
				}
			}
		})
		result = ok()
		return nil
	})
	if err != nil {
		return OperationResult{}, nil, err
	}
	if !result.Success {
		return result, nil, nil
	}

	for _, id := range clearedLandIDs {
		if err := c.scheduler.CancelHarvest(ctx, req.PlayerID, id); err != nil {
			return result, outcome, err
		}
		if err := c.scheduler.CancelCareForLand(ctx, req.PlayerID, id); err != nil {
			return result, outcome, err
		}
	}
	return result, outcome, nil
}

func pestReductionPct(cfg *config.Registry) int {
	c, ok := cfg.Care(domain.CarePest)
	if !ok {
		return 20
	}
	if c.Penalty.ReductionPercent <= 0 {
		return 20
	}
	return c.Penalty.ReductionPercent
}

// resolveCareItem returns the stack id to consume for a water/pest care
// action: itemHint if owned and unlocked, else the best-available owned,
// unlocked stack of the matching category.
func resolveCareItem(p *domain.Player, cfg *config.Registry, category domain.ItemCategory, hint string) (string, bool) {
	if hint != "" {
		if st, ok := p.Inventory[hint]; ok && st.Quantity > 0 && !st.Metadata.Locked {
			if _, isCat, _ := lookupCategory(cfg, category, hint); isCat {
				return hint, true
			}
		}
	}
	bestID := ""
	bestBonus := -1
	for itemID, st := range p.Inventory {
		if st.Quantity <= 0 || st.Metadata.Locked {
			continue
		}
		_, isCat, effectBonus := lookupCategory(cfg, category, itemID)
		if !isCat {
			continue
		}
		if effectBonus > bestBonus {
			bestBonus = effectBonus
			bestID = itemID
		}
	}
	return bestID, bestID != ""
}

func lookupCategory(cfg *config.Registry, category domain.ItemCategory, itemID string) (config.Item, bool, int) {
	it, ok := cfg.Item(string(category), itemID)
	if !ok {
		return config.Item{}, false, 0
	}
	bonus := 0
	if v, ok := it.Effect["speed_bonus_percent"]; ok {
		if f, ok := v.(float64); ok {
			bonus = int(f)
		} else if n, ok := v.(int); ok {
			bonus = n
		}
	}
	return it, true, bonus
}

// Care applies one water/fertilize/treatPests action to a land. fertilize
// and treatPests remove an item before touching land state; if the land
// write cannot proceed, the item is refunded rather than lost.
func (c *Core) Care(ctx context.Context, req CareRequest) (OperationResult, error) {
	if err := c.validate.Struct(req); err != nil {
		return c.validationFail(err), nil
	}

	var result OperationResult
	var rescheduleLandID int
	var rescheduleAt domain.Time
	needsReschedule := false

	err := c.players.ExecuteUnderLock(ctx, req.PlayerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		l := p.LandByID(req.LandID)
		if l == nil {
			result = fail(CodeNotFound, "unknown land")
			return nil
		}

		switch req.Action {
		case CareWater:
			if !l.NeedsWater {
				result = fail(CodeDomain, "land does not need water")
				return nil
			}
			tx.Mutate(func(p *domain.Player) {
				p.LandByID(req.LandID).NeedsWater = false
				p.Statistics.TotalWatered++
			})
			result = ok()

		case CareFertilize:
			itemID, found := resolveCareItem(p, c.cfg, domain.CategoryFertilizer, req.ItemHint)
			if !found {
				result = fail(CodeInsufficient, "no fertilizer available")
				return nil
			}
			_, _, bonus := lookupCategory(c.cfg, domain.CategoryFertilizer, itemID)
			if l.HarvestTime == nil || l.PlantTime == nil {
				result = fail(CodeDomain, "land is not growing")
				return nil
			}
			now := c.clock()
			remaining := *l.HarvestTime - now
			if remaining < 0 {
				remaining = 0
			}
			newHarvest := now + int64(float64(remaining)*(1-float64(bonus)/100))
			if newHarvest < *l.PlantTime {
				newHarvest = *l.PlantTime
			}

			tx.Mutate(func(p *domain.Player) {
				if err := c.inventory.ApplyRemove(p, itemID, 1); err != nil {
					return
				}
				land := p.LandByID(req.LandID)
				if land == nil || land.HarvestTime == nil {
					_, _ = c.inventory.ApplyAdd(p, itemID, 1)
					return
				}
				ht := newHarvest
				land.HarvestTime = &ht
				t := now
				land.LastFertilized = &t
			})
			rescheduleLandID, rescheduleAt, needsReschedule = req.LandID, newHarvest, true
			result = ok()

		case CareTreatPests:
			if !l.HasPests {
				result = fail(CodeDomain, "land has no pests")
				return nil
			}
			itemID, found := resolveCareItem(p, c.cfg, domain.CategoryPesticide, req.ItemHint)
			if !found {
				result = fail(CodeInsufficient, "no pesticide available")
				return nil
			}
			tx.Mutate(func(p *domain.Player) {
				if err := c.inventory.ApplyRemove(p, itemID, 1); err != nil {
					return
				}
				land := p.LandByID(req.LandID)
				land.HasPests = false
				t := c.clock()
				land.LastTreated = &t
			})
			result = ok()

		default:
			result = fail(CodeValidation, "unknown care action")
		}
		return nil
	})
	if err != nil {
		return OperationResult{}, err
	}
	if result.Success && needsReschedule {
		if err := c.scheduler.ScheduleHarvest(ctx, req.PlayerID, rescheduleLandID, rescheduleAt); err != nil {
			return result, err
		}
	}
	return result, nil
}

// BatchCare is two-phase and all-or-nothing: every action is checked against
// one up-front, unmutated snapshot — land/action pairs deduplicated, each
// action's own preconditions checked, and item demand summed per item id
// across the whole batch (not consumed sequentially) — and if any action is
// infeasible or the aggregate demand for any item exceeds stock, the whole
// batch is rejected with nothing applied. Only then does a second pass
// mutate state, remove items, and reschedule, all in the same lock; a land
// write that still can't proceed at that point refunds its item immediately
// rather than leaving it consumed against a no-op.
func (c *Core) BatchCare(ctx context.Context, playerID string, actions []CareRequest) ([]OperationResult, error) {
	results := make([]OperationResult, len(actions))
	type dedupKey struct {
		land   int
		action CareAction
	}
	itemFor := make([]string, len(actions))
	feasible := make([]bool, len(actions))
	reschedules := map[int]domain.Time{}

	err := c.players.ExecuteUnderLock(ctx, playerID, "general", func(tx *player.Tx) error {
		p := tx.Player()
		now := c.clock()

		batchOK := true
		seen := map[dedupKey]bool{}
		itemDemand := map[string]int{}

		for i, req := range actions {
			if err := c.validate.Struct(req); err != nil {
				results[i] = c.validationFail(err)
				batchOK = false
				continue
			}
			key := dedupKey{req.LandID, req.Action}
			if seen[key] {
				results[i] = fail(CodeDomain, "duplicate land/action in batch")
				batchOK = false
				continue
			}
			seen[key] = true

			l := p.LandByID(req.LandID)
			if l == nil {
				results[i] = fail(CodeNotFound, "unknown land")
				batchOK = false
				continue
			}

			switch req.Action {
			case CareWater:
				if !l.NeedsWater {
					results[i] = fail(CodeDomain, "land does not need water")
					batchOK = false
					continue
				}

			case CareFertilize:
				if l.HarvestTime == nil || l.PlantTime == nil {
					results[i] = fail(CodeDomain, "land is not growing")
					batchOK = false
					continue
				}
				itemID, found := resolveCareItem(p, c.cfg, domain.CategoryFertilizer, req.ItemHint)
				if !found {
					results[i] = fail(CodeInsufficient, "no fertilizer available")
					batchOK = false
					continue
				}
				itemFor[i] = itemID
				itemDemand[itemID]++

			case CareTreatPests:
				if !l.HasPests {
					results[i] = fail(CodeDomain, "land has no pests")
					batchOK = false
					continue
				}
				itemID, found := resolveCareItem(p, c.cfg, domain.CategoryPesticide, req.ItemHint)
				if !found {
					results[i] = fail(CodeInsufficient, "no pesticide available")
					batchOK = false
					continue
				}
				itemFor[i] = itemID
				itemDemand[itemID]++

			default:
				results[i] = fail(CodeValidation, "unknown care action")
				batchOK = false
				continue
			}
			feasible[i] = true
		}

		for itemID, need := range itemDemand {
			if int(p.Inventory[itemID].Quantity) < need {
				batchOK = false
			}
		}

		if !batchOK {
			for i := range actions {
				if feasible[i] {
					results[i] = fail(CodeDomain, "batch rejected: another action in this batch is infeasible")
				}
			}
			return nil
		}

		tx.Mutate(func(p *domain.Player) {
			for i, req := range actions {
				l := p.LandByID(req.LandID)

				switch req.Action {
				case CareWater:
					l.NeedsWater = false
					p.Statistics.TotalWatered++
					results[i] = ok()

				case CareFertilize:
					itemID := itemFor[i]
					_, _, bonus := lookupCategory(c.cfg, domain.CategoryFertilizer, itemID)
					remaining := *l.HarvestTime - now
					if remaining < 0 {
						remaining = 0
					}
					newHarvest := now + int64(float64(remaining)*(1-float64(bonus)/100))
					if newHarvest < *l.PlantTime {
						newHarvest = *l.PlantTime
					}

					if err := c.inventory.ApplyRemove(p, itemID, 1); err != nil {
						results[i] = fail(CodeInsufficient, "no fertilizer available")
						continue
					}
					land := p.LandByID(req.LandID)
					if land == nil || land.HarvestTime == nil {
						_, _ = c.inventory.ApplyAdd(p, itemID, 1)
						results[i] = fail(CodeDomain, "land is not growing")
						continue
					}
					ht := newHarvest
					land.HarvestTime = &ht
					t := now
					land.LastFertilized = &t
					reschedules[req.LandID] = newHarvest
					results[i] = ok()

				case CareTreatPests:
					itemID := itemFor[i]
					if err := c.inventory.ApplyRemove(p, itemID, 1); err != nil {
						results[i] = fail(CodeInsufficient, "no pesticide available")
						continue
					}
					land := p.LandByID(req.LandID)
					if land == nil {
						_, _ = c.inventory.ApplyAdd(p, itemID, 1)
						results[i] = fail(CodeNotFound, "unknown land")
						continue
					}
					land.HasPests = false
					t := now
					land.LastTreated = &t
					results[i] = ok()
				}
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for landID, at := range reschedules {
		if err := c.scheduler.ScheduleHarvest(ctx, playerID, landID, at); err != nil {
			return results, err
		}
	}
	return results, nil
}
