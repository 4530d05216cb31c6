package land_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/kv"
	"farmengine/internal/land"
	"farmengine/internal/player"
)

const testCrops = `
wheat:
  name: Wheat
  required_level: 1
  grow_time: 60
  base_yield: 5
  experience: 10
  base_price: 15
`

const testItems = `
materials:
  wood:
    name: Wood
    price: 5
    sell_price: 2
    max_stack: 999
`

const testQuality = `
red:
  time_reduction: 10
  production_bonus: 5
  experience_bonus: 5
  upgrade:
    gold_cost: 100
    level_required: 2
    materials:
      wood: 3
gold:
  time_reduction: 30
  production_bonus: 20
  experience_bonus: 20
  upgrade:
    gold_cost: 10000
    level_required: 50
    materials:
      wood: 100
`

const testLandDefault = `
starting_lands: 2
max_lands: 4
`

const testLandExpansion = `
3:
  gold_cost: 50
  level_required: 1
4:
  gold_cost: 100
  level_required: 2
`

func newHarness(t *testing.T) (*land.Core, *player.Store) {
	t.Helper()
	cfg, err := config.New(config.Tables{
		Crops:         []byte(testCrops),
		Items:         []byte(testItems),
		LandQuality:   []byte(testQuality),
		LandDefault:   []byte(testLandDefault),
		LandExpansion: []byte(testLandExpansion),
	}, config.Tables{})
	require.NoError(t, err)

	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	locks := kv.NewLockManager(kv.NewMemoryStore())
	players := player.New(fs, locks, cfg)

	return land.New(players, cfg), players
}

func TestGetAllLands(t *testing.T) {
	ctx := context.Background()
	core, _ := newHarness(t)
	lands, err := core.GetAllLands(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, lands, 2, "starting_lands=2")
}

func TestUpgradeQuality(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds and charges cost", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 10
			p.Coins = 1000
			p.Inventory["wood"] = domain.ItemStack{ItemID: "wood", Quantity: 5, MaxStack: 999}
		}))

		require.NoError(t, core.UpgradeQuality(ctx, "p1", 1, domain.LandQuality("red")))

		l, err := core.GetLand(ctx, "p1", 1)
		require.NoError(t, err)
		require.Equal(t, domain.LandQuality("red"), l.Quality)

		p, err := players.Load(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, domain.Money(900), p.Coins)
		require.Equal(t, 2, p.Inventory["wood"].Quantity)
	})

	t.Run("rejects downgrade or same rank", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 10
			p.Coins = 1000
			p.Inventory["wood"] = domain.ItemStack{ItemID: "wood", Quantity: 5, MaxStack: 999}
			p.Lands[0].Quality = domain.LandQuality("red")
		}))
		err := core.UpgradeQuality(ctx, "p1", 1, domain.LandQuality("red"))
		require.Error(t, err)
	})

	t.Run("rejects insufficient level", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 1
			p.Coins = 1000
			p.Inventory["wood"] = domain.ItemStack{ItemID: "wood", Quantity: 5, MaxStack: 999}
		}))
		err := core.UpgradeQuality(ctx, "p1", 1, domain.LandQuality("red"))
		require.Error(t, err)
	})

	t.Run("rejects insufficient materials", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 10
			p.Coins = 1000
		}))
		err := core.UpgradeQuality(ctx, "p1", 1, domain.LandQuality("red"))
		require.Error(t, err)
	})

	t.Run("unknown land id", func(t *testing.T) {
		core, _ := newHarness(t)
		err := core.UpgradeQuality(ctx, "p1", 999, domain.LandQuality("red"))
		require.Error(t, err)
	})
}

func TestExpandLandCount(t *testing.T) {
	ctx := context.Background()

	t.Run("grants up to steps within level/gold/max_lands gates", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 5
			p.Coins = 1000
		}))

		granted, err := core.ExpandLandCount(ctx, "p1", 5)
		require.NoError(t, err)
		require.Equal(t, 2, granted, "max_lands=4, started at 2")

		lands, err := core.GetAllLands(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, lands, 4)
	})

	t.Run("stops early on insufficient gold", func(t *testing.T) {
		core, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.Level = 5
			p.Coins = 50
		}))

		granted, err := core.ExpandLandCount(ctx, "p1", 5)
		require.NoError(t, err)
		require.Equal(t, 1, granted, "only enough gold for the first step")
	})

	t.Run("rejects non-positive steps", func(t *testing.T) {
		core, _ := newHarness(t)
		_, err := core.ExpandLandCount(ctx, "p1", 0)
		require.Error(t, err)
	})
}
