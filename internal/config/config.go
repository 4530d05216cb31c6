// Package config implements ConfigRegistry: typed, read-mostly access to the
// crop/item/level/land-quality/market tables, with atomic hot-reload.
package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-yaml"
	"github.com/imdario/mergo"
	"github.com/mitchellh/hashstructure/v2"

	"farmengine/internal/domain"
)

// ErrConfigMissing is returned when the default crops or items table is
// absent.
var ErrConfigMissing = fmt.Errorf("config: required table missing")

// Crop mirrors the crops.<id> config surface (§6).
type Crop struct {
	Name           string `yaml:"name"`
	RequiredLevel  int    `yaml:"required_level"`
	GrowTimeSec    int64  `yaml:"grow_time"`
	BaseYield      int    `yaml:"base_yield"`
	Experience     int    `yaml:"experience"`
	BasePrice      int64  `yaml:"base_price"`
	Category       string `yaml:"category"`
	IsDynamicPrice bool   `yaml:"is_dynamic_price"`
}

// Item mirrors items.<category>.<id>.
type Item struct {
	Name           string         `yaml:"name"`
	Price          int64          `yaml:"price"`
	SellPrice      int64          `yaml:"sell_price"`
	MaxStack       int            `yaml:"max_stack"`
	Category       string         `yaml:"category"`
	IsDynamicPrice bool           `yaml:"is_dynamic_price"`
	Effect         map[string]any `yaml:"effect"`
}

// LevelReward mirrors the optional rewards block of levels.<lvl>, granted
// once when a player first reaches that level.
type LevelReward struct {
	Coins int64          `yaml:"coins"`
	Items map[string]int `yaml:"items"`
}

// LandQualityRow mirrors land.quality.<q>.
type LandQualityRow struct {
	TimeReductionPct   int         `yaml:"time_reduction"`
	ProductionBonusPct int         `yaml:"production_bonus"`
	ExperienceBonusPct int         `yaml:"experience_bonus"`
	Upgrade            UpgradeCost `yaml:"upgrade"`
}

// UpgradeCost is the cost to upgrade a land to a given quality.
type UpgradeCost struct {
	GoldCost      int64          `yaml:"gold_cost"`
	LevelRequired int            `yaml:"level_required"`
	Materials     map[string]int `yaml:"materials"`
}

// LandDefault mirrors land.default.
type LandDefault struct {
	StartingLands int `yaml:"starting_lands"`
	MaxLands      int `yaml:"max_lands"`
}

// LandExpansionRow mirrors land.expansion.<n>.
type LandExpansionRow struct {
	GoldCost      int64 `yaml:"gold_cost"`
	LevelRequired int   `yaml:"level_required"`
}

// MarketConfig mirrors the market table.
type MarketConfig struct {
	Enabled   bool `yaml:"enabled"`
	BatchSize int  `yaml:"batch_size"`
	Pricing   struct {
		HistoryDays   int   `yaml:"history_days"`
		MinBaseSupply int64 `yaml:"min_base_supply"`
	} `yaml:"pricing"`
	FloatingItems struct {
		Categories []string `yaml:"categories"`
		Items      []string `yaml:"items"`
	} `yaml:"floating_items"`
}

// BackupConfig mirrors the backup table.
type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalMs    int64  `yaml:"interval"`
	MaxBackups    int    `yaml:"max_backups"`
	FilePrefix    string `yaml:"file_prefix"`
	StartDelayMs  int64  `yaml:"start_delay"`
	RetryCount    int    `yaml:"retry_count"`
	RetryInterval int64  `yaml:"retry_interval"`
	Compress      bool   `yaml:"compress"`
	Remote        struct {
		Enabled bool   `yaml:"enabled"`
		Bucket  string `yaml:"bucket"`
		Prefix  string `yaml:"prefix"`
		Region  string `yaml:"region"`
	} `yaml:"remote"`
}

// CareConfig mirrors items.care.<type> (probability/penalty/checkpoints).
type CareConfig struct {
	Checkpoints []float64 `yaml:"checkpoints"`
	Probability float64   `yaml:"probability"`
	Penalty     struct {
		Type             string `yaml:"type"`
		DelayPercent     int    `yaml:"delay_percent"`
		ReductionPercent int    `yaml:"reduction_percent"`
	} `yaml:"penalty"`
}

// ScoreWeights mirrors ranking.scoreWeights.
type ScoreWeights struct {
	LandCountWeight        float64 `yaml:"land_count_weight"`
	LandQualityBonusWeight float64 `yaml:"land_quality_bonus_weight"`
	LevelWeight            float64 `yaml:"level_weight"`
	AssetsLog10Weight      float64 `yaml:"assets_log10_weight"`
}

// RankingConfig mirrors the ranking table.
type RankingConfig struct {
	ScoreWeights   ScoreWeights `yaml:"score_weights"`
	CacheTimeoutMs int64        `yaml:"cache_timeout_ms"`
}

// StealConfig mirrors steal.rewards.bonusByQuality.
type StealConfig struct {
	Rewards struct {
		BonusByQuality map[string]float64 `yaml:"bonus_by_quality"`
	} `yaml:"rewards"`
}

// snapshot is the torn-read-free unit every reader sees atomically.
type snapshot struct {
	crops         map[string]Crop
	items         map[string]map[string]Item // category -> id -> item
	levels        []domain.LevelTableEntry
	levelRewards  map[int]LevelReward
	quality       map[domain.LandQuality]LandQualityRow
	landDefault   LandDefault
	landExpansion map[int]LandExpansionRow
	market        MarketConfig
	backup        BackupConfig
	care          map[domain.CareType]CareConfig
	ranking       RankingConfig
	steal         StealConfig
	hash          uint64
}

// Subscriber is notified by table name whenever a hot reload swaps in a
// changed snapshot.
type Subscriber func(table string)

// Registry provides typed access to config tables. The in-memory snapshot is
// swapped atomically so no reader ever observes a torn config.
type Registry struct {
	cur atomic.Pointer[snapshot]

	mu   sync.Mutex // guards subscribers only
	subs []Subscriber
}

// Tables is the raw YAML payload per table name, as an adapter would read it
// off disk. The core never opens these files itself (§1: YAML configuration
// loading is an adapter concern) — it only decodes bytes it is handed.
type Tables struct {
	Crops         []byte
	Items         []byte
	Levels        []byte
	LandQuality   []byte
	LandDefault   []byte
	LandExpansion []byte
	Market        []byte
	Backup        []byte
	Care          []byte
	Ranking       []byte
	Steal         []byte
}

// New constructs a Registry from default and optional override table bytes.
func New(defaults, overrides Tables) (*Registry, error) {
	snap, err := buildSnapshot(defaults, overrides)
	if err != nil {
		return nil, err
	}
	r := &Registry{}
	r.cur.Store(snap)
	return r, nil
}

func buildSnapshot(defaults, overrides Tables) (*snapshot, error) {
	snap := &snapshot{
		items:         map[string]map[string]Item{},
		quality:       map[domain.LandQuality]LandQualityRow{},
		landExpansion: map[int]LandExpansionRow{},
		care:          map[domain.CareType]CareConfig{},
		levelRewards:  map[int]LevelReward{},
	}

	if defaults.Crops == nil {
		return nil, fmt.Errorf("%w: crops", ErrConfigMissing)
	}
	if err := decodeMerged(defaults.Crops, overrides.Crops, &snap.crops); err != nil {
		return nil, err
	}
	if defaults.Items == nil {
		return nil, fmt.Errorf("%w: items", ErrConfigMissing)
	}
	if err := decodeMerged(defaults.Items, overrides.Items, &snap.items); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Levels, overrides.Levels, &snap.levels); err != nil {
		return nil, err
	}
	// Rewards are an optional sub-field of the same levels rows; rows without
	// a rewards block add nothing, so a table with no rewards at all leaves
	// the map empty rather than failing.
	var rewardRows []struct {
		Level   int         `yaml:"level"`
		Rewards LevelReward `yaml:"rewards"`
	}
	_ = decodeMerged(defaults.Levels, overrides.Levels, &rewardRows)
	for _, row := range rewardRows {
		if row.Rewards.Coins != 0 || len(row.Rewards.Items) > 0 {
			snap.levelRewards[row.Level] = row.Rewards
		}
	}
	if err := decodeMerged(defaults.LandQuality, overrides.LandQuality, &snap.quality); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.LandDefault, overrides.LandDefault, &snap.landDefault); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.LandExpansion, overrides.LandExpansion, &snap.landExpansion); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Market, overrides.Market, &snap.market); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Backup, overrides.Backup, &snap.backup); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Care, overrides.Care, &snap.care); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Ranking, overrides.Ranking, &snap.ranking); err != nil {
		return nil, err
	}
	if err := decodeMerged(defaults.Steal, overrides.Steal, &snap.steal); err != nil {
		return nil, err
	}

	if h, err := hashstructure.Hash(snap, hashstructure.FormatV2, nil); err == nil {
		snap.hash = h
	}
	return snap, nil
}

// decodeMerged decodes defaultBytes into out, then — if overrideBytes is
// non-empty — decodes it into a same-typed value and merges it over out with
// mergo, so a partial user table only replaces the keys it actually sets.
// A malformed override table falls back to the already-decoded defaults.
func decodeMerged[T any](defaultBytes, overrideBytes []byte, out *T) error {
	if len(defaultBytes) > 0 {
		if err := yaml.Unmarshal(defaultBytes, out); err != nil {
			return fmt.Errorf("config: decode default: %w", err)
		}
	}
	if len(overrideBytes) == 0 {
		return nil
	}
	var override T
	if err := yaml.Unmarshal(overrideBytes, &override); err != nil {
		return nil
	}
	_ = mergo.Merge(out, override, mergo.WithOverride)
	return nil
}

// Reload swaps in a freshly decoded snapshot if — and only if — its content
// hash differs from the current one, then notifies subscribers by table name.
// The registry has no file-watch mechanism of its own: callers (an adapter)
// pass the full current table bytes whenever they detect a change on disk.
func (r *Registry) Reload(defaults, overrides Tables, changedTables ...string) error {
	snap, err := buildSnapshot(defaults, overrides)
	if err != nil {
		return err
	}
	old := r.cur.Load()
	if old != nil && old.hash == snap.hash {
		return nil
	}
	r.cur.Store(snap)

	r.mu.Lock()
	subs := append([]Subscriber(nil), r.subs...)
	r.mu.Unlock()

	tables := changedTables
	if len(tables) == 0 {
		tables = []string{"crops", "items", "levels", "land.quality", "land.default",
			"land.expansion", "market", "backup", "steal", "ranking", "care"}
	}
	for _, sub := range subs {
		for _, t := range tables {
			sub(t)
		}
	}
	return nil
}

// Subscribe registers a callback invoked with the table name on every reload
// that actually changes the snapshot.
func (r *Registry) Subscribe(s Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, s)
}

func (r *Registry) snap() *snapshot { return r.cur.Load() }

// Crop looks up a crop by id.
func (r *Registry) Crop(id string) (Crop, bool) {
	c, ok := r.snap().crops[id]
	return c, ok
}

// Crops returns every configured crop id, for callers that must enumerate
// the table rather than look up one id at a time (e.g. an operator report).
func (r *Registry) Crops() map[string]Crop {
	src := r.snap().crops
	out := make(map[string]Crop, len(src))
	for id, c := range src {
		out[id] = c
	}
	return out
}

// Item looks up an item by category and id.
func (r *Registry) Item(category, id string) (Item, bool) {
	cat, ok := r.snap().items[category]
	if !ok {
		return Item{}, false
	}
	it, ok := cat[id]
	return it, ok
}

// Levels returns the level table.
func (r *Registry) Levels() []domain.LevelTableEntry { return r.snap().levels }

// LevelReward returns the one-time grant for reaching level, if the table
// defines one.
func (r *Registry) LevelReward(level int) (LevelReward, bool) {
	row, ok := r.snap().levelRewards[level]
	return row, ok
}

// Quality returns the modifiers row for a land quality.
func (r *Registry) Quality(q domain.LandQuality) (LandQualityRow, bool) {
	row, ok := r.snap().quality[q]
	return row, ok
}

// QualityModifiers adapts a Quality() row to domain.QualityModifiers.
func (r *Registry) QualityModifiers(q domain.LandQuality) domain.QualityModifiers {
	row, _ := r.Quality(q)
	return domain.QualityModifiers{
		TimeReductionPct:   row.TimeReductionPct,
		ProductionBonusPct: row.ProductionBonusPct,
		ExperienceBonusPct: row.ExperienceBonusPct,
	}
}

// LandDefault returns the land.default table.
func (r *Registry) LandDefault() LandDefault { return r.snap().landDefault }

// LandExpansion returns the cost row for buying the land whose id is n.
func (r *Registry) LandExpansion(n int) (LandExpansionRow, bool) {
	row, ok := r.snap().landExpansion[n]
	return row, ok
}

// Market returns the market table.
func (r *Registry) Market() MarketConfig { return r.snap().market }

// Backup returns the backup table.
func (r *Registry) Backup() BackupConfig { return r.snap().backup }

// Care returns the care config for a checkpoint type.
func (r *Registry) Care(t domain.CareType) (CareConfig, bool) {
	c, ok := r.snap().care[t]
	return c, ok
}

// Ranking returns the ranking table.
func (r *Registry) Ranking() RankingConfig { return r.snap().ranking }

// Steal returns the steal table.
func (r *Registry) Steal() StealConfig { return r.snap().steal }

// LoadTablesFromDir is a convenience for adapters/tests that keep tables as
// plain YAML files on disk. Reading the files is the adapter's job; the
// registry itself only ever sees the resulting bytes via New/Reload.
func LoadTablesFromDir(dir string) Tables {
	read := func(name string) []byte {
		b, err := os.ReadFile(dir + "/" + name)
		if err != nil {
			return nil
		}
		return b
	}
	return Tables{
		Crops:         read("crops.yaml"),
		Items:         read("items.yaml"),
		Levels:        read("levels.yaml"),
		LandQuality:   read("land_quality.yaml"),
		LandDefault:   read("land_default.yaml"),
		LandExpansion: read("land_expansion.yaml"),
		Market:        read("market.yaml"),
		Backup:        read("backup.yaml"),
		Care:          read("care.yaml"),
		Ranking:       read("ranking.yaml"),
		Steal:         read("steal.yaml"),
	}
}
