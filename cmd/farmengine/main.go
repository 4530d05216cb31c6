// cmd/farmengine is the headless process entrypoint: it wires every core
// component together and starts TaskLoop. No HTTP server is started here —
// whatever adapter drives the core supplies its own command bus against the
// interfaces in internal/adapter.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"farmengine/internal/backup"
	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
	"farmengine/internal/inventory"
	"farmengine/internal/kv"
	"farmengine/internal/land"
	"farmengine/internal/lifecycle"
	"farmengine/internal/market"
	"farmengine/internal/metrics"
	"farmengine/internal/player"
	"farmengine/internal/protection"
	"farmengine/internal/ranking"
	"farmengine/internal/scheduler"
	"farmengine/internal/taskloop"
)

// Job cadences. The dispatch ticks run often (the time wheel itself does the
// real due-date filtering); cleanup/archive/ranking run on coarser periods,
// mirroring the interval/cron split the teacher's own bot.Manager used for
// per-account polling versus daily maintenance.
const (
	harvestTickInterval     = 2 * time.Second
	harvestTickTimeout      = 10 * time.Second
	careTickInterval        = 5 * time.Second
	careTickTimeout         = 10 * time.Second
	cleanupInterval         = 1 * time.Hour
	cleanupTimeout          = 30 * time.Second
	expireWindowMs          = int64(7 * 24 * time.Hour / time.Millisecond)
	marketArchiveInterval   = 24 * time.Hour
	marketArchiveTimeout    = 30 * time.Second
	backupTimeout           = 5 * time.Minute
	rankingRebuildInterval  = 5 * time.Minute
	rankingRebuildTimeout   = 30 * time.Second
	protectionSweepInterval = 10 * time.Minute
	protectionSweepTimeout  = 30 * time.Second
)

func nowMs() domain.Time { return time.Now().UnixMilli() }

func main() {
	exe, _ := os.Executable()
	baseDir := filepath.Dir(exe)
	if wd, err := os.Getwd(); err == nil {
		baseDir = wd
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	dataDir := filepath.Join(baseDir, "data")
	for _, sub := range []string{"players", "backups", "market", "config", "config/overrides"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", sub).Msg("failed to create data directory")
		}
	}

	defaults := config.LoadTablesFromDir(filepath.Join(dataDir, "config"))
	overrides := config.LoadTablesFromDir(filepath.Join(dataDir, "config", "overrides"))
	cfg, err := config.New(defaults, overrides)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration tables")
	}

	store, err := kv.Open(filepath.Join(dataDir, "farmengine.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open kv store")
	}
	defer store.Close()
	locks := kv.NewLockManager(store)

	playersFS, err := filestore.New(filepath.Join(dataDir, "players"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open players directory")
	}
	backupsFS, err := filestore.New(filepath.Join(dataDir, "backups"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open backups directory")
	}
	marketFS, err := filestore.New(filepath.Join(dataDir, "market"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open market directory")
	}

	players := player.New(playersFS, locks, cfg)

	met := metrics.NewRegistry()

	inv := inventory.New(players, cfg)
	landCore := land.New(players, cfg)
	protect := protection.New(players, cfg)
	sched := scheduler.New(store, players, cfg, scheduler.NewDefaultRNG(), met.Scheduler, log)
	mkt := market.New(marketFS, cfg, met.Market)
	_ = lifecycle.New(players, inv, landCore, sched, cfg, nowMs, nil)

	var remote backup.RemoteArchiver
	if bcfg := cfg.Backup(); bcfg.Remote.Enabled {
		archiver, err := backup.NewS3Archiver(context.Background(), bcfg)
		if err != nil {
			log.Warn().Err(err).Msg("remote backup archiver disabled: failed to construct")
		} else {
			remote = archiver
		}
	}
	backupWorker := backup.New(playersFS, backupsFS, cfg, remote, log)

	rank := ranking.New(playersFS, cfg, nil)

	loop := taskloop.New(locks, met.TaskLoop, log)
	wireJobs(loop, sched, mkt, backupWorker, rank, protect, playersFS, log)

	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)

	fmt.Printf("farmengine: running (data dir: %s)\n", dataDir)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	log.Info().Msg("shutting down")
	cancel()
	loop.Stop()
}

// wireJobs registers every periodic job TaskLoop drives. Intervals are the
// same ones the teacher's bot.Manager used for its own per-account tickers,
// generalised from "poll the remote game server" to "drain the local
// sorted-set schedule".
func wireJobs(loop *taskloop.Loop, sched *scheduler.Scheduler, mkt *market.Engine, bw *backup.Worker, rank *ranking.Service, protect *protection.Core, playersFS *filestore.Store, log zerolog.Logger) {
	loop.Register(taskloop.Job{
		Name:          "harvest-dispatch",
		Interval:      harvestTickInterval,
		Timeout:       harvestTickTimeout,
		RetryAttempts: 2,
		Enabled:       true,
		Run:           func(ctx context.Context) error { return sched.RunHarvestTick(ctx, nowMs()) },
	})
	loop.Register(taskloop.Job{
		Name:          "care-dispatch",
		Interval:      careTickInterval,
		Timeout:       careTickTimeout,
		RetryAttempts: 2,
		Enabled:       true,
		Run:           func(ctx context.Context) error { return sched.RunCareTick(ctx, nowMs()) },
	})
	loop.Register(taskloop.Job{
		Name:          "schedule-cleanup",
		Interval:      cleanupInterval,
		Timeout:       cleanupTimeout,
		RetryAttempts: 1,
		Enabled:       true,
		Run:           func(ctx context.Context) error { return sched.CleanupExpired(ctx, nowMs()-expireWindowMs) },
	})
	loop.Register(taskloop.Job{
		Name:          "market-archive",
		Interval:      marketArchiveInterval,
		Timeout:       marketArchiveTimeout,
		RetryAttempts: 1,
		Enabled:       true,
		Run:           mkt.ArchiveAllDailySupply,
	})
	loop.Register(taskloop.Job{
		Name:          "backup",
		Timeout:       backupTimeout,
		RetryAttempts: 1,
		Enabled:       true,
		CronSpec:      "0 */6 * * *",
		Run:           bw.Run,
	})
	loop.Register(taskloop.Job{
		Name:          "ranking-rebuild",
		Interval:      rankingRebuildInterval,
		Timeout:       rankingRebuildTimeout,
		RetryAttempts: 1,
		Enabled:       true,
		Run: func(ctx context.Context) error {
			_, _, err := rank.Rebuild(ctx)
			return err
		},
	})
	loop.Register(taskloop.Job{
		Name:          "protection-sweep",
		Interval:      protectionSweepInterval,
		Timeout:       protectionSweepTimeout,
		RetryAttempts: 1,
		Enabled:       true,
		Run:           func(ctx context.Context) error { return sweepExpiredBuffs(ctx, playersFS, protect) },
	})
	log.Info().Msg("task loop jobs registered")
}

// sweepExpiredBuffs clears timed-out dogFood/farmProtection/stealCooldown
// buffs across every player file, so GetStatus never has to lazily detect
// expiry on a player nobody has touched recently.
func sweepExpiredBuffs(ctx context.Context, playersFS *filestore.Store, protect *protection.Core) error {
	names, err := playersFS.ListFiles(".yaml")
	if err != nil {
		return err
	}
	now := nowMs()
	for _, name := range names {
		playerID := strings.TrimSuffix(name, ".yaml")
		if err := protect.RemoveExpired(ctx, playerID, now); err != nil {
			return fmt.Errorf("protection sweep %s: %w", playerID, err)
		}
	}
	return nil
}
