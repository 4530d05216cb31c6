package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmengine/internal/domain"
)

func TestGrowTime(t *testing.T) {
	t.Run("no modifier", func(t *testing.T) {
		got := domain.GrowTime(60_000, domain.QualityModifiers{})
		assert.Equal(t, int64(60_000), got)
	})
	t.Run("time reduction shortens growth", func(t *testing.T) {
		got := domain.GrowTime(100_000, domain.QualityModifiers{TimeReductionPct: 20})
		assert.Equal(t, int64(80_000), got)
	})
	t.Run("floors at one second", func(t *testing.T) {
		got := domain.GrowTime(500, domain.QualityModifiers{TimeReductionPct: 90})
		assert.Equal(t, int64(1000), got)
	})
}

func TestYieldQty(t *testing.T) {
	t.Run("base case", func(t *testing.T) {
		got := domain.YieldQty(10, domain.QualityModifiers{}, false, 20)
		assert.Equal(t, 10, got)
	})
	t.Run("production bonus rounds down", func(t *testing.T) {
		got := domain.YieldQty(10, domain.QualityModifiers{ProductionBonusPct: 15}, false, 20)
		assert.Equal(t, 11, got) // floor(10*1.15) = 11
	})
	t.Run("pest penalty reduces yield", func(t *testing.T) {
		got := domain.YieldQty(10, domain.QualityModifiers{}, true, 20)
		assert.Equal(t, 8, got) // floor(10*0.8)
	})
	t.Run("never below one", func(t *testing.T) {
		got := domain.YieldQty(1, domain.QualityModifiers{}, true, 95)
		assert.Equal(t, 1, got)
	})
}

func TestCropExp(t *testing.T) {
	assert.Equal(t, 10, domain.CropExp(10, domain.QualityModifiers{}))
	assert.Equal(t, 12, domain.CropExp(10, domain.QualityModifiers{ExperienceBonusPct: 25})) // floor(12.5)
	assert.Equal(t, 1, domain.CropExp(0, domain.QualityModifiers{}))
}

func TestLevel(t *testing.T) {
	table := []domain.LevelTableEntry{
		{Level: 1, Experience: 0},
		{Level: 2, Experience: 100},
		{Level: 3, Experience: 300},
	}

	t.Run("exact boundary", func(t *testing.T) {
		lvl, next, hasNext := domain.Level(100, table)
		assert.Equal(t, 2, lvl)
		assert.Equal(t, int64(300), next)
		assert.True(t, hasNext)
	})
	t.Run("below first threshold", func(t *testing.T) {
		lvl, next, hasNext := domain.Level(50, table)
		assert.Equal(t, 1, lvl)
		assert.Equal(t, int64(100), next)
		assert.True(t, hasNext)
	})
	t.Run("past last table row synthesises next", func(t *testing.T) {
		lvl, next, hasNext := domain.Level(500, table)
		assert.Equal(t, 3, lvl)
		assert.Equal(t, int64(1300), next)
		assert.True(t, hasNext)
	})
	t.Run("empty table never panics and reports no next level", func(t *testing.T) {
		lvl, next, hasNext := domain.Level(500, nil)
		assert.Equal(t, 1, lvl)
		assert.Equal(t, int64(0), next)
		assert.False(t, hasNext)
	})
	t.Run("unsorted input table still resolves correctly", func(t *testing.T) {
		unsorted := []domain.LevelTableEntry{
			{Level: 3, Experience: 300},
			{Level: 1, Experience: 0},
			{Level: 2, Experience: 100},
		}
		lvl, _, _ := domain.Level(150, unsorted)
		assert.Equal(t, 2, lvl)
	})
}

func TestShopPrice(t *testing.T) {
	t.Run("qty zero is free", func(t *testing.T) {
		assert.Equal(t, domain.Money(0), domain.ShopPrice(100, 0, domain.ShopBuy, 1))
	})
	t.Run("buy discount reduces total", func(t *testing.T) {
		total := domain.ShopPrice(1000, 100, domain.ShopBuy, 100)
		require.Less(t, total, domain.Money(1000*100))
	})
	t.Run("sell discount increases payout relative to base", func(t *testing.T) {
		total := domain.ShopPrice(1000, 100, domain.ShopSell, 100)
		require.GreaterOrEqual(t, total, domain.Money(1000*100))
	})
	t.Run("level discount caps at 10 percent", func(t *testing.T) {
		lowLevel := domain.ShopPrice(1000, 100, domain.ShopBuy, 100)
		highLevel := domain.ShopPrice(1000, 100, domain.ShopBuy, 200)
		assert.Equal(t, lowLevel, highLevel)
	})
}

func TestBaseSupply(t *testing.T) {
	t.Run("empty history returns minimum", func(t *testing.T) {
		assert.Equal(t, int64(5), domain.BaseSupply(nil, 5))
	})
	t.Run("mean of history", func(t *testing.T) {
		assert.Equal(t, int64(20), domain.BaseSupply([]int64{10, 20, 30}, 5))
	})
	t.Run("mean clamped to minimum", func(t *testing.T) {
		assert.Equal(t, int64(50), domain.BaseSupply([]int64{1, 2, 3}, 50))
	})
}

func TestStealShare(t *testing.T) {
	t.Run("equal level baseline", func(t *testing.T) {
		gain, loss := domain.StealShare(100, 0, 10, 10)
		assert.Equal(t, 20, gain) // floor(100*0.20)
		assert.Equal(t, 30, loss) // floor(20*1.5)
	})
	t.Run("share clamped to range", func(t *testing.T) {
		gainLow, _ := domain.StealShare(100, 0, 0, 100)
		assert.Equal(t, 10, gainLow) // floor(100*0.10)
		gainHigh, _ := domain.StealShare(100, 0, 100, 0)
		assert.Equal(t, 30, gainHigh) // floor(100*0.30)
	})
}

func TestDefenseSuccessRate(t *testing.T) {
	t.Run("baseline", func(t *testing.T) {
		assert.Equal(t, 50, domain.DefenseSuccessRate(0, 100))
	})
	t.Run("defense bonus improves rate", func(t *testing.T) {
		assert.Equal(t, 70, domain.DefenseSuccessRate(20, 100))
	})
	t.Run("clamped to floor", func(t *testing.T) {
		assert.Equal(t, 5, domain.DefenseSuccessRate(0, 1000))
	})
	t.Run("clamped to ceiling", func(t *testing.T) {
		assert.Equal(t, 95, domain.DefenseSuccessRate(100, 0))
	})
}

func TestLandIsEmpty(t *testing.T) {
	l := domain.Land{Status: domain.StatusEmpty}
	assert.True(t, l.IsEmpty())

	planted := int64(1000)
	l2 := domain.Land{Status: domain.StatusEmpty, PlantTime: &planted}
	assert.False(t, l2.IsEmpty())
}

func TestPlayerClone(t *testing.T) {
	p := &domain.Player{
		ID:    "p1",
		Lands: []domain.Land{{ID: 1, Status: domain.StatusEmpty}},
		Inventory: map[string]domain.ItemStack{
			"wheat_seed": {ItemID: "wheat_seed", Quantity: 3},
		},
		FriendIDs: []string{"f1"},
	}
	cp := p.Clone()
	cp.Lands[0].Status = domain.StatusGrowing
	cp.Inventory["wheat_seed"] = domain.ItemStack{ItemID: "wheat_seed", Quantity: 99}
	cp.FriendIDs[0] = "changed"

	assert.Equal(t, domain.StatusEmpty, p.Lands[0].Status, "clone must not alias the original land slice")
	assert.Equal(t, 3, p.Inventory["wheat_seed"].Quantity, "clone must not alias the original inventory map")
	assert.Equal(t, "f1", p.FriendIDs[0], "clone must not alias the original friend slice")
}
