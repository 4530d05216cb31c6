package scheduler_test

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/kv"
	"farmengine/internal/player"
	"farmengine/internal/scheduler"
)

const testCrops = `
wheat:
  name: Wheat
  required_level: 1
  grow_time: 60
  base_yield: 3
  experience: 10
  base_price: 15
`

const testCare = `
water:
  checkpoints: [0.25, 0.75]
  probability: 1
  penalty:
    type: growthDelay
    delay_percent: 10
pest:
  checkpoints: [0.5]
  probability: 1
  penalty:
    type: yieldPenalty
    reduction_percent: 20
`

const testLandDefault = `
starting_lands: 3
max_lands: 10
`

type stubRNG struct{ v float64 }

func (s stubRNG) Float64() float64 { return s.v }

func newTestScheduler(rng scheduler.RNG) (*scheduler.Scheduler, *player.Store, *kv.MemoryStore) {
	cfg, err := config.New(config.Tables{
		Crops:       []byte(testCrops),
		Items:       []byte("seeds:\n  wheat:\n    name: Wheat Seed\n    price: 1\n    sell_price: 1\n    max_stack: 99\n"),
		Care:        []byte(testCare),
		LandDefault: []byte(testLandDefault),
	}, config.Tables{})
	Expect(err).NotTo(HaveOccurred())

	dir := GinkgoT().TempDir()
	fs, err := filestore.New(dir)
	Expect(err).NotTo(HaveOccurred())
	mem := kv.NewMemoryStore()
	locks := kv.NewLockManager(mem)
	players := player.New(fs, locks, cfg)

	sched := scheduler.New(mem, players, cfg, rng, nil, zerolog.New(io.Discard))
	return sched, players, mem
}

var _ = Describe("Scheduler", func() {
	var (
		ctx     context.Context
		sched   *scheduler.Scheduler
		players *player.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		sched, players, _ = newTestScheduler(scheduler.NewDefaultRNG())
	})

	Describe("ScheduleHarvest / CancelHarvest", func() {
		It("tracks exactly one pending entry per scheduled land", func() {
			Expect(sched.ScheduleHarvest(ctx, "p1", 1, 60_000)).To(Succeed())
			stats, err := sched.Stats(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.HarvestTotal).To(Equal(int64(1)))

			Expect(sched.CancelHarvest(ctx, "p1", 1)).To(Succeed())
			stats, err = sched.Stats(ctx, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.HarvestTotal).To(BeZero())
		})
	})

	Describe("RunHarvestTick", func() {
		It("transitions only entries due at or before now", func() {
			require := func(ok bool) { Expect(ok).To(BeTrue()) }
			_, err := players.Load(ctx, "p1")
			require(err == nil)

			Expect(players.UpdateFields(ctx, "p1", func(p *domain.Player) {
				for i := range p.Lands {
					p.Lands[i].Status = domain.StatusGrowing
					ht := domain.Time((i + 1) * 10_000)
					p.Lands[i].HarvestTime = &ht
				}
			})).To(Succeed())
			Expect(sched.ScheduleHarvest(ctx, "p1", 1, 10_000)).To(Succeed())
			Expect(sched.ScheduleHarvest(ctx, "p1", 2, 20_000)).To(Succeed())
			Expect(sched.ScheduleHarvest(ctx, "p1", 3, 30_000)).To(Succeed())

			Expect(sched.RunHarvestTick(ctx, 20_000)).To(Succeed())

			p, err := players.Load(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.LandByID(1).Status).To(Equal(domain.StatusMature))
			Expect(p.LandByID(2).Status).To(Equal(domain.StatusMature))
			Expect(p.LandByID(3).Status).To(Equal(domain.StatusGrowing), "not yet due at t=20000")

			stats, err := sched.Stats(ctx, 20_000)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.HarvestTotal).To(Equal(int64(1)), "only the not-yet-due entry remains")
		})
	})

	Describe("ScheduleCareCheckpoints / RunCareTick", func() {
		It("fires a due checkpoint and leaves a not-yet-due one pending", func() {
			sched, players, _ = newTestScheduler(stubRNG{v: 0})

			Expect(players.UpdateFields(ctx, "p1", func(p *domain.Player) {
				p.Lands[0].Status = domain.StatusGrowing
				ht := domain.Time(40_000)
				p.Lands[0].HarvestTime = &ht
			})).To(Succeed())

			Expect(sched.ScheduleCareCheckpoints(ctx, "p1", 1, 0, 40_000)).To(Succeed())

			Expect(sched.RunCareTick(ctx, 10_000)).To(Succeed())

			p, err := players.Load(ctx, "p1")
			Expect(err).NotTo(HaveOccurred())
			Expect(p.LandByID(1).NeedsWater).To(BeTrue(), "0.25 checkpoint at t=10000 is due and the lottery always hits with stubRNG{0}")

			stats, err := sched.Stats(ctx, 10_000)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.CareTotal).To(Equal(int64(2)), "the 0.75 water checkpoint at t=30000 and the 0.5 pest checkpoint at t=20000 are not yet due")

			Consistently(func() int64 {
				Expect(sched.RunCareTick(ctx, 10_000)).To(Succeed())
				stats, _ := sched.Stats(ctx, 10_000)
				return stats.CareTotal
			}, "200ms", "20ms").Should(Equal(int64(2)), "re-running the tick at the same time must not drop the pending checkpoints")
		})
	})

	Describe("CleanupExpired", func() {
		It("removes only harvest entries older than the retention window", func() {
			weekMs := int64(7 * 24 * 60 * 60 * 1000)
			Expect(sched.ScheduleHarvest(ctx, "p1", 1, domain.Time(1000))).To(Succeed())
			Expect(sched.ScheduleHarvest(ctx, "p1", 2, domain.Time(weekMs+500_000))).To(Succeed())

			Expect(sched.CleanupExpired(ctx, domain.Time(weekMs+1_000_000))).To(Succeed())

			stats, err := sched.Stats(ctx, domain.Time(weekMs+1_000_000))
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.HarvestTotal).To(Equal(int64(1)), "only the old entry is pruned")
		})
	})
})
