// Package backup implements BackupWorker (§4.12): a scheduler-driven job
// that snapshots every player YAML into a single dated JSON manifest, with
// count-based pruning and bounded local retry. RemoteArchiver (§[FULL] 4.17)
// optionally mirrors the same bytes to S3-compatible storage afterward.
package backup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"

	"farmengine/internal/apperr"
	"farmengine/internal/config"
	"farmengine/internal/filestore"
)

// Manifest is the bit-exact shape of a farm_backup_<iso>.json file.
type Manifest struct {
	Timestamp     int64             `json:"timestamp"`
	PlayerCount   int               `json:"playerCount"`
	BackupVersion int               `json:"backupVersion"`
	Data          map[string]string `json:"data"` // id -> raw player YAML
}

// RemoteArchiver mirrors a finished backup's raw bytes to external storage;
// failure here is logged and counted but never fails the backup job itself.
type RemoteArchiver interface {
	Archive(ctx context.Context, fileName string, data []byte) error
}

// Worker is BackupWorker.
type Worker struct {
	players *filestore.Store // players/ directory
	backups *filestore.Store // backups/ directory
	cfg     *config.Registry
	remote  RemoteArchiver
	log     zerolog.Logger

	stopOnce func()
}

// New constructs a Worker. remote may be nil (no remote mirroring).
func New(players, backups *filestore.Store, cfg *config.Registry, remote RemoteArchiver, log zerolog.Logger) *Worker {
	return &Worker{players: players, backups: backups, cfg: cfg, remote: remote, log: log.With().Str("component", "backup").Logger()}
}

// Run performs one backup cycle: scan every player YAML, write one manifest,
// prune by count, making up to backup.retry_count attempts in all (at least
// one) on failure.
func (w *Worker) Run(ctx context.Context) error {
	cfg := w.cfg.Backup()
	if !cfg.Enabled {
		return nil
	}
	attempts := uint(cfg.RetryCount)
	if attempts == 0 {
		attempts = 1
	}
	delay := time.Duration(cfg.RetryInterval) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}

	return retry.Do(
		func() error { return w.runOnce(ctx, cfg.FilePrefix, cfg.MaxBackups) },
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
}

func (w *Worker) runOnce(ctx context.Context, prefix string, maxBackups int) error {
	names, err := w.players.ListFiles(".yaml")
	if err != nil {
		return fmt.Errorf("backup: list players: %w", apperr.ErrStorageIO)
	}

	data := make(map[string]string, len(names))
	for _, name := range names {
		raw, err := w.players.ReadRaw(name)
		if err != nil {
			w.log.Warn().Err(err).Str("file", name).Msg("backup: skipping unreadable player file")
			continue
		}
		id := strings.TrimSuffix(name, ".yaml")
		data[id] = string(raw)
	}

	now := time.Now()
	manifest := Manifest{
		Timestamp:     now.UnixMilli(),
		PlayerCount:   len(data),
		BackupVersion: 1,
		Data:          data,
	}
	fileName := fmt.Sprintf("%s_%s.json", prefix, now.UTC().Format("2006-01-02T15-04-05Z"))
	if err := w.backups.WriteJSON(fileName, manifest); err != nil {
		return fmt.Errorf("backup: write manifest: %w", apperr.ErrStorageIO)
	}

	if w.remote != nil {
		if err := w.mirrorRemote(ctx, fileName); err != nil {
			w.log.Warn().Err(err).Str("file", fileName).Msg("backup: remote mirror failed, local snapshot kept")
		}
	}

	return w.prune(prefix, maxBackups)
}

func (w *Worker) prune(prefix string, maxBackups int) error {
	if maxBackups <= 0 {
		return nil
	}
	names, err := w.backups.ListFiles(".json")
	if err != nil {
		return fmt.Errorf("backup: list backups: %w", apperr.ErrStorageIO)
	}
	var owned []string
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			owned = append(owned, n)
		}
	}
	sort.Strings(owned)
	if len(owned) <= maxBackups {
		return nil
	}
	toRemove := owned[:len(owned)-maxBackups]
	for _, n := range toRemove {
		if err := w.backups.DeleteFile(n); err != nil {
			return fmt.Errorf("backup: prune %s: %w", n, apperr.ErrStorageIO)
		}
	}
	return nil
}

func (w *Worker) mirrorRemote(ctx context.Context, fileName string) error {
	raw, err := w.backups.ReadRaw(fileName)
	if err != nil {
		return err
	}
	return w.remote.Archive(ctx, fileName, raw)
}
