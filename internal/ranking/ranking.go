// Package ranking implements RankingService (§4.13): a batch-computed "farm
// owner" leaderboard, cached between full scans of every player file.
package ranking

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
)

// Entry is one player's computed ranking row.
type Entry struct {
	PlayerID    string
	Score       float64
	TotalAssets int64
	LandCount   int
	Level       int
}

// Page is the Rebuild/List pagination reply shape.
type Page struct {
	List         []Entry
	Self         *Entry // non-nil only if the requested id fell outside List
	UpdatedAt    domain.Time
	TotalPlayers int
	Weights      config.ScoreWeights
}

const cacheKey = "ranking"

// Service is RankingService.
type Service struct {
	players *filestore.Store
	cfg     *config.Registry
	soldLandRights SoldLandRightsIndex

	mu    sync.Mutex
	cache *cache.Cache
}

// SoldLandRightsIndex resolves a secondary index of sold-land-rights value
// per player, built during the scan per §4.13's totalAssets formula. A nil
// index is treated as "no sold land rights recorded".
type SoldLandRightsIndex interface {
	ValueHeldBy(playerID string) int64
}

// New constructs a Service. soldLandRights may be nil.
func New(players *filestore.Store, cfg *config.Registry, soldLandRights SoldLandRightsIndex) *Service {
	timeout := time.Duration(cfg.Ranking().CacheTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		players: players, cfg: cfg, soldLandRights: soldLandRights,
		cache: cache.New(timeout, timeout*2),
	}
}

// Rebuild scans every player file and computes fresh scores, ignoring the
// cache; callers normally prefer List, which only rebuilds when the cached
// result has expired.
func (s *Service) Rebuild(ctx context.Context) ([]Entry, domain.Time, error) {
	names, err := s.players.ListFiles(".yaml")
	if err != nil {
		return nil, 0, err
	}
	weights := s.cfg.Ranking().ScoreWeights

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		var p domain.Player
		if err := s.players.ReadYAML(name, &p); err != nil {
			continue
		}
		entries = append(entries, s.score(&p, weights))
	}
	sortEntries(entries)

	now := time.Now().UnixMilli()
	s.mu.Lock()
	s.cache.Set(cacheKey, entries, cache.DefaultExpiration)
	s.cache.Set(cacheKey+":updated", now, cache.DefaultExpiration)
	s.mu.Unlock()
	return entries, now, nil
}

func (s *Service) score(p *domain.Player, w config.ScoreWeights) Entry {
	landCount := p.LandCount()
	qualityBonus := 0.0
	for _, l := range p.Lands {
		qualityBonus += qualityWeight(l.Quality) - 1
	}
	soldValue := int64(0)
	if s.soldLandRights != nil {
		soldValue = s.soldLandRights.ValueHeldBy(p.ID)
	}
	totalAssets := p.Coins + soldValue

	score := w.LandCountWeight*float64(landCount) +
		w.LandQualityBonusWeight*qualityBonus +
		w.LevelWeight*float64(p.Level) +
		w.AssetsLog10Weight*math.Log10(float64(totalAssets)+1)

	return Entry{PlayerID: p.ID, Score: score, TotalAssets: totalAssets, LandCount: landCount, Level: p.Level}
}

// qualityWeight assigns the multiplier used by landQualityBonusWeight;
// normal is the neutral baseline of 1.
func qualityWeight(q domain.LandQuality) float64 {
	switch q {
	case domain.QualityRed:
		return 1.2
	case domain.QualityBlack:
		return 1.5
	case domain.QualityGold:
		return 2.0
	default:
		return 1.0
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.TotalAssets != b.TotalAssets {
			return a.TotalAssets > b.TotalAssets
		}
		if a.LandCount != b.LandCount {
			return a.LandCount > b.LandCount
		}
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		return a.PlayerID < b.PlayerID
	})
}

// List returns page [offset, offset+limit) of the cached ranking, rebuilding
// it first if the cache has expired. If selfID is non-empty and not present
// in the returned page, its entry is computed and attached separately.
func (s *Service) List(ctx context.Context, offset, limit int, selfID string) (Page, error) {
	entries, updatedAt, err := s.cached(ctx)
	if err != nil {
		return Page{}, err
	}

	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	var page []Entry
	if offset < len(entries) {
		page = entries[offset:end]
	}

	var self *Entry
	if selfID != "" {
		inPage := false
		for i := range page {
			if page[i].PlayerID == selfID {
				inPage = true
				break
			}
		}
		if !inPage {
			for i := range entries {
				if entries[i].PlayerID == selfID {
					e := entries[i]
					self = &e
					break
				}
			}
		}
	}

	return Page{
		List: page, Self: self, UpdatedAt: updatedAt,
		TotalPlayers: len(entries), Weights: s.cfg.Ranking().ScoreWeights,
	}, nil
}

func (s *Service) cached(ctx context.Context) ([]Entry, domain.Time, error) {
	s.mu.Lock()
	cachedEntries, foundEntries := s.cache.Get(cacheKey)
	cachedUpdated, foundUpdated := s.cache.Get(cacheKey + ":updated")
	s.mu.Unlock()
	if foundEntries && foundUpdated {
		return cachedEntries.([]Entry), cachedUpdated.(domain.Time), nil
	}
	return s.Rebuild(ctx)
}
