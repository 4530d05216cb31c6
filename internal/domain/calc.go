package domain

import (
	"math"

	"github.com/samber/lo"
)

// QualityModifiers is the per-quality row of land.quality.<q> config.
type QualityModifiers struct {
	TimeReductionPct   int
	ProductionBonusPct int
	ExperienceBonusPct int
}

// GrowTime applies the quality's time-reduction percentage to a base grow
// duration, floored at 1000ms.
func GrowTime(baseMs int64, mod QualityModifiers) int64 {
	reduced := float64(baseMs) * (1 - float64(mod.TimeReductionPct)/100)
	v := int64(math.Floor(reduced))
	if v < 1000 {
		return 1000
	}
	return v
}

// YieldQty computes harvested quantity from base yield, quality production
// bonus, and an optional pest penalty.
func YieldQty(baseYield int, mod QualityModifiers, hasPests bool, pestYieldReductionPct int) int {
	qualityMult := 1 + float64(mod.ProductionBonusPct)/100
	pestPenalty := 1.0
	if hasPests {
		pestPenalty = 1 - float64(pestYieldReductionPct)/100
	}
	v := int(math.Floor(float64(baseYield) * qualityMult * pestPenalty))
	return lo.Max([]int{1, v})
}

// CropExp computes per-harvest (not per-unit) experience.
func CropExp(baseExp int, mod QualityModifiers) int {
	v := int(math.Floor(float64(baseExp) * (1 + float64(mod.ExperienceBonusPct)/100)))
	return lo.Max([]int{1, v})
}

// LevelTableEntry is one row of the levels.<lvl> config table.
type LevelTableEntry struct {
	Level      int
	Experience int64
}

// Level returns the largest level L with levelsTable[L].Experience <= exp,
// and the exp required for the next level (synthesised as current+1000 if the
// table has no further entry).
func Level(exp int64, levels []LevelTableEntry) (level int, nextLevelExp int64, hasNext bool) {
	sorted := append([]LevelTableEntry(nil), levels...)
	// insertion sort by Level ascending; table sizes are small (tens of rows)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Level < sorted[j-1].Level; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	best := LevelTableEntry{Level: 1, Experience: 0}
	bestIdx := -1
	for i, e := range sorted {
		if e.Experience <= exp {
			if e.Level > best.Level || bestIdx == -1 {
				best = e
				bestIdx = i
			}
		}
	}
	if bestIdx == -1 {
		if len(sorted) == 0 {
			return 1, 0, false
		}
		return 1, sorted[0].Experience, true
	}
	if bestIdx+1 < len(sorted) {
		return best.Level, sorted[bestIdx+1].Experience, true
	}
	return best.Level, best.Experience + 1000, true
}

// ShopOp selects buy/sell sign for ShopPrice's level discount.
type ShopOp int

const (
	ShopBuy ShopOp = iota
	ShopSell
)

// ShopPrice applies level and bulk discounts to a base price and returns the
// total money owed (buy) or paid out (sell) for qty units. The discount
// amount is floor(basePrice*levelDiscount*bulkDiscount) per unit; buying
// subtracts it from the base line total, selling adds it.
func ShopPrice(basePrice Money, qty int, op ShopOp, playerLevel int) Money {
	if qty <= 0 {
		return 0
	}
	levelDiscount := math.Min(0.10, math.Floor(float64(playerLevel)/10)*0.01)
	bulkDiscount := math.Min(0.05, math.Floor(float64(qty)/10)*0.005)
	if op == ShopSell {
		bulkDiscount /= 2
	}
	discountPerUnit := math.Floor(float64(basePrice) * levelDiscount * bulkDiscount)
	baseTotal := basePrice * Money(qty)
	discountTotal := Money(discountPerUnit) * Money(qty)
	if op == ShopBuy {
		return baseTotal - discountTotal
	}
	return baseTotal + discountTotal
}

// BaseSupply is the arithmetic mean of a (<=H) daily-supply history, clamped
// to minBaseSupply. An empty history returns minBaseSupply.
func BaseSupply(history []int64, minBaseSupply int64) int64 {
	if len(history) == 0 {
		return minBaseSupply
	}
	sum := lo.Sum(history)
	mean := int64(math.Floor(float64(sum) / float64(len(history))))
	if mean < minBaseSupply {
		return minBaseSupply
	}
	return mean
}

// StealShare computes the stealer's yield share and the owner's loss for a
// steal action, clamped to [0.10, 0.30].
func StealShare(baseYield int, qualityProdBonusPct, stealerLvl, ownerLvl int) (stealerGain, ownerLoss int) {
	share := 0.20 + 0.01*float64(stealerLvl-ownerLvl) + float64(qualityProdBonusPct)/200
	share = math.Max(0.10, math.Min(0.30, share))
	stealerGain = int(math.Floor(float64(baseYield) * share))
	ownerLoss = int(math.Floor(float64(stealerGain) * 1.5))
	return
}

// DefenseSuccessRate computes a defender's chance to repel a steal attempt,
// clamped to [5, 95].
func DefenseSuccessRate(defenseBonus, attack int) int {
	penalty := math.Max(0, float64(attack-100)/10)
	rate := math.Round(50 + float64(defenseBonus) - penalty)
	if rate < 5 {
		return 5
	}
	if rate > 95 {
		return 95
	}
	return int(rate)
}
