package inventory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/inventory"
	"farmengine/internal/kv"
	"farmengine/internal/player"
)

const testItems = `
seeds:
  wheat_seed:
    name: Wheat Seed
    price: 10
    sell_price: 5
    max_stack: 10
crops:
  wheat:
    name: Wheat
    price: 20
    sell_price: 15
    max_stack: 99
materials:
  gold_bar:
    name: Gold Bar
    price: 500
    sell_price: 400
    max_stack: 1
`

const testCrops = `
wheat:
  name: Wheat
  required_level: 1
  grow_time: 60
  base_yield: 5
  experience: 10
  base_price: 15
`

const testLandDefault = `
starting_lands: 4
max_lands: 10
`

func newHarness(t *testing.T) (*inventory.Core, *player.Store) {
	t.Helper()
	cfg, err := config.New(config.Tables{
		Crops:       []byte(testCrops),
		Items:       []byte(testItems),
		LandDefault: []byte(testLandDefault),
	}, config.Tables{})
	require.NoError(t, err)

	fs, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	locks := kv.NewLockManager(kv.NewMemoryStore())
	players := player.New(fs, locks, cfg)

	return inventory.New(players, cfg), players
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	t.Run("adds into an empty stack", func(t *testing.T) {
		inv, _ := newHarness(t)
		res, err := inv.Add(ctx, "p1", "wheat_seed", 3)
		require.NoError(t, err)
		require.Equal(t, inventory.AddResult{Added: 3, Remaining: 0}, res)
	})

	t.Run("caps at item maxStack", func(t *testing.T) {
		inv, _ := newHarness(t)
		res, err := inv.Add(ctx, "p1", "wheat_seed", 15)
		require.NoError(t, err)
		require.Equal(t, 10, res.Added)
		require.Equal(t, 5, res.Remaining)
	})

	t.Run("caps at remaining player inventory capacity", func(t *testing.T) {
		inv, players := newHarness(t)
		require.NoError(t, players.UpdateFields(ctx, "p1", func(p *domain.Player) {
			p.InventoryCapacity = 2
		}))
		res, err := inv.Add(ctx, "p1", "gold_bar", 1)
		require.NoError(t, err)
		require.Equal(t, 1, res.Added)

		res2, err := inv.Add(ctx, "p1", "wheat_seed", 5)
		require.NoError(t, err)
		require.Equal(t, 1, res2.Added, "only one capacity slot left")
		require.Equal(t, 4, res2.Remaining)
	})

	t.Run("rejects non-positive qty", func(t *testing.T) {
		inv, _ := newHarness(t)
		_, err := inv.Add(ctx, "p1", "wheat_seed", 0)
		require.Error(t, err)
	})
}

func TestAddBatch(t *testing.T) {
	ctx := context.Background()
	inv, _ := newHarness(t)

	results, err := inv.AddBatch(ctx, "p1", []inventory.BatchItem{
		{ItemID: "wheat_seed", Qty: 4},
		{ItemID: "wheat", Qty: 6},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 4, results[0].Added)
	require.Equal(t, 6, results[1].Added)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	inv, _ := newHarness(t)

	_, err := inv.Add(ctx, "p1", "wheat_seed", 5)
	require.NoError(t, err)

	t.Run("removes partial stack", func(t *testing.T) {
		require.NoError(t, inv.Remove(ctx, "p1", "wheat_seed", 2))
		cap, err := inv.Capacity(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, 3, cap.Usage)
	})

	t.Run("fails on insufficient quantity", func(t *testing.T) {
		err := inv.Remove(ctx, "p1", "wheat_seed", 100)
		require.Error(t, err)
	})

	t.Run("fails on locked stack", func(t *testing.T) {
		require.NoError(t, inv.Lock(ctx, "p1", "wheat_seed"))
		err := inv.Remove(ctx, "p1", "wheat_seed", 1)
		require.Error(t, err)
		require.NoError(t, inv.Unlock(ctx, "p1", "wheat_seed"))
		require.NoError(t, inv.Remove(ctx, "p1", "wheat_seed", 1))
	})
}

func TestLockBatchAndUnlockBatch(t *testing.T) {
	ctx := context.Background()
	inv, _ := newHarness(t)
	_, err := inv.AddBatch(ctx, "p1", []inventory.BatchItem{{ItemID: "wheat_seed", Qty: 1}, {ItemID: "wheat", Qty: 1}})
	require.NoError(t, err)

	require.NoError(t, inv.LockBatch(ctx, "p1", []string{"wheat_seed", "wheat"}))
	require.Error(t, inv.Remove(ctx, "p1", "wheat_seed", 1))
	require.Error(t, inv.Remove(ctx, "p1", "wheat", 1))

	require.NoError(t, inv.UnlockBatch(ctx, "p1", []string{"wheat_seed", "wheat"}))
	require.NoError(t, inv.Remove(ctx, "p1", "wheat_seed", 1))
}

func TestFitsAndApplyHelpers(t *testing.T) {
	inv, players := newHarness(t)
	ctx := context.Background()
	p, err := players.Load(ctx, "p1")
	require.NoError(t, err)
	p.InventoryCapacity = 5

	require.True(t, inv.Fits(p, "wheat_seed", 5))
	res, err := inv.ApplyAdd(p, "wheat_seed", 5)
	require.NoError(t, err)
	require.Equal(t, 5, res.Added)

	require.False(t, inv.Fits(p, "wheat", 1), "capacity already used by the prior add")

	require.NoError(t, inv.ApplyRemove(p, "wheat_seed", 5))
	require.True(t, inv.Fits(p, "wheat", 1))
}

func TestCapacity(t *testing.T) {
	ctx := context.Background()
	inv, _ := newHarness(t)
	_, err := inv.Add(ctx, "p1", "wheat_seed", 10)
	require.NoError(t, err)

	cap, err := inv.Capacity(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 10, cap.Usage)
	require.False(t, cap.Full)
}
