package market_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/market"
)

const marketCrops = `
wheat:
  name: Wheat
  required_level: 1
  grow_time: 60
  base_yield: 3
  experience: 10
  base_price: 15
  is_dynamic_price: true
`

const marketItems = `
seeds:
  wheat_seed:
    name: Wheat Seed
    price: 5
    sell_price: 2
    max_stack: 99
`

const marketCfg = `
enabled: true
batch_size: 50
pricing:
  history_days: 7
  min_base_supply: 1
floating_items:
  categories: [crops]
  items: []
`

// persistedSnapshot mirrors market.json's on-disk shape for assertions.
type persistedSnapshot struct {
	Version          int                          `json:"version"`
	LastPersistedAt  domain.Time                  `json:"lastPersistedAt"`
	Items            map[string]domain.MarketItem `json:"items"`
	GlobalStatsTotal int64                        `json:"globalStatsTotal"`
}

func newEngine(dir string) (*market.Engine, *filestore.Store) {
	cfg, err := config.New(config.Tables{
		Crops:  []byte(marketCrops),
		Items:  []byte(marketItems),
		Market: []byte(marketCfg),
	}, config.Tables{})
	Expect(err).NotTo(HaveOccurred())
	fs, err := filestore.New(dir)
	Expect(err).NotTo(HaveOccurred())
	return market.New(fs, cfg, nil), fs
}

func readSnapshot(dir string) (persistedSnapshot, error) {
	var snap persistedSnapshot
	raw, err := os.ReadFile(filepath.Join(dir, "market.json"))
	if err != nil {
		return snap, err
	}
	err = json.Unmarshal(raw, &snap)
	return snap, err
}

var _ = Describe("Engine", func() {
	var (
		ctx context.Context
		dir string
		eng *market.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		eng, _ = newEngine(dir)
	})

	Describe("RecordTransaction", func() {
		It("ignores buys and accumulates sells on floating items, debouncing the on-disk write", func() {
			Expect(eng.RecordTransaction(ctx, "wheat", 100, market.TxBuy)).To(Succeed())
			Expect(eng.RecordTransaction(ctx, "wheat", 5, market.TxSell)).To(Succeed())
			Expect(eng.RecordTransaction(ctx, "wheat", 5, market.TxSell)).To(Succeed())
			Expect(eng.RecordTransaction(ctx, "wheat", 5, market.TxSell)).To(Succeed())

			Consistently(func() error {
				_, err := readSnapshot(dir)
				return err
			}, "2s", "200ms").Should(HaveOccurred(), "the debounce timer has not fired yet so no file should exist")

			Eventually(func() (int64, error) {
				snap, err := readSnapshot(dir)
				if err != nil {
					return 0, err
				}
				return snap.Items["wheat"].Supply24h, nil
			}, "7s", "200ms").Should(Equal(int64(15)), "three recorded sells of qty 5 accumulate to supply24h=15 once the debounce flushes")
		})

		It("ignores non-floating items entirely", func() {
			Expect(eng.RecordTransaction(ctx, "wheat_seed", 10, market.TxSell)).To(Succeed())
			Consistently(func() error {
				_, err := readSnapshot(dir)
				return err
			}, "1s", "100ms").Should(HaveOccurred())
		})
	})

	Describe("ArchiveAllDailySupply", func() {
		It("prepends supply24h onto history, truncates to the configured window, and persists immediately", func() {
			seed := persistedSnapshot{
				Version: 1,
				Items: map[string]domain.MarketItem{
					"wheat": {
						ItemID:        "wheat",
						BasePrice:     15,
						CurrentPrice:  15,
						Supply24h:     10,
						SupplyHistory: []int64{3, 5, 2, 4, 6, 1, 7},
					},
				},
			}
			raw, err := json.Marshal(seed)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.WriteFile(filepath.Join(dir, "market.json"), raw, 0o644)).To(Succeed())

			eng, _ = newEngine(dir)
			Expect(eng.ArchiveAllDailySupply(ctx)).To(Succeed())

			snap, err := readSnapshot(dir)
			Expect(err).NotTo(HaveOccurred())
			item := snap.Items["wheat"]
			Expect(item.SupplyHistory).To(Equal([]int64{10, 3, 5, 2, 4, 6, 1}), "the oldest entry (7) is pushed out by the 7-day window")
			Expect(item.Supply24h).To(BeZero())

			Expect(eng.CalculateBaseSupply("wheat")).To(Equal(int64(4)), "floor(31/7) = 4")
		})
	})

	Describe("BatchUpdateMarketData", func() {
		It("upserts price and supply fields, recomputes trend, and persists immediately", func() {
			supply := int64(42)
			Expect(eng.BatchUpdateMarketData(ctx, []market.StatUpdate{
				{ItemID: "wheat", CurrentPrice: 20, Supply24h: &supply},
			})).To(Succeed())

			snap, err := readSnapshot(dir)
			Expect(err).NotTo(HaveOccurred())
			item := snap.Items["wheat"]
			Expect(item.CurrentPrice).To(Equal(domain.Money(20)))
			Expect(item.Supply24h).To(Equal(int64(42)))
		})
	})

	Describe("GetRenderData", func() {
		It("ranks items by relative distance from base price, descending", func() {
			lowSupply := int64(1)
			highSupply := int64(1)
			Expect(eng.BatchUpdateMarketData(ctx, []market.StatUpdate{
				{ItemID: "wheat", CurrentPrice: 15, Supply24h: &lowSupply},
				{ItemID: "wheat_seed", CurrentPrice: 5, Supply24h: &highSupply},
			})).To(Succeed())
			Expect(eng.BatchUpdateMarketData(ctx, []market.StatUpdate{
				{ItemID: "wheat", CurrentPrice: 30},
			})).To(Succeed())

			top := eng.GetRenderData(1)
			Expect(top).To(HaveLen(1))
			Expect(top[0].ItemID).To(Equal("wheat"), "wheat moved 2x its base price, the largest relative deviation")
		})
	})
})
