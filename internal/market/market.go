// Package market implements MarketEngine (§4.10): floating-price items with
// debounced, single-flight-guarded persistence, daily supply archiving, and
// render data for the top-volatile sparkline view.
package market

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/prometheus/client_golang/prometheus"

	"farmengine/internal/apperr"
	"farmengine/internal/config"
	"farmengine/internal/domain"
	"farmengine/internal/filestore"
)

const (
	autoSaveDelay = 5 * time.Second
	maxSparkline  = 24
)

// Metrics is the subset of prometheus collectors MarketEngine records to.
type Metrics struct {
	TransactionsTotal prometheus.Counter
	PersistTotal      prometheus.Counter
}

// TxType distinguishes buy/sell for RecordTransaction.
type TxType string

const (
	TxBuy  TxType = "buy"
	TxSell TxType = "sell"
)

// snapshotFile mirrors the persisted market.json shape (§6).
type snapshotFile struct {
	Version          int                          `json:"version"`
	LastPersistedAt  domain.Time                   `json:"lastPersistedAt"`
	Items            map[string]domain.MarketItem `json:"items"`
	GlobalStatsTotal int64                        `json:"globalStatsTotal"`
}

const marketFile = "market.json"

// RenderItem is one entry of GetRenderData's top-volatile list.
type RenderItem struct {
	ItemID          string
	CurrentPrice    domain.Money
	BasePrice       domain.Money
	PriceTrend      domain.PriceTrend
	VolatilityScore float64
	Sparkline       []domain.Money // Catmull-Rom interpolated points
}

// Engine is MarketEngine.
type Engine struct {
	fs  *filestore.Store
	cfg *config.Registry
	met *Metrics

	mu    sync.Mutex
	items map[string]domain.MarketItem
	dirty bool
	timer *time.Timer

	flushMu    sync.Mutex
	flushing   bool
	flushWait  []chan error
	globalSold int64
}

// New constructs an Engine, loading any existing market.json (missing fields
// filled from defaults, a missing or malformed file treated as empty state).
func New(fs *filestore.Store, cfg *config.Registry, met *Metrics) *Engine {
	e := &Engine{fs: fs, cfg: cfg, met: met, items: map[string]domain.MarketItem{}}
	var snap snapshotFile
	if err := fs.ReadJSON(marketFile, &snap); err == nil {
		e.items = snap.Items
		e.globalSold = snap.GlobalStatsTotal
		if e.items == nil {
			e.items = map[string]domain.MarketItem{}
		}
	}
	return e
}

// isFloating reports whether itemId is a floating-price item per the market
// config's category membership, explicit id list, or item-level
// is_dynamic_price flag.
func (e *Engine) isFloating(itemID string) bool {
	mcfg := e.cfg.Market()
	for _, id := range mcfg.FloatingItems.Items {
		if id == itemID {
			return true
		}
	}
	for _, cat := range mcfg.FloatingItems.Categories {
		if _, ok := e.cfg.Item(cat, itemID); ok {
			return true
		}
	}
	if crop, ok := e.cfg.Crop(itemID); ok {
		return crop.IsDynamicPrice
	}
	if it, ok := e.cfg.Item("crops", itemID); ok {
		return it.IsDynamicPrice
	}
	return false
}

func (e *Engine) ensureItem(itemID string) domain.MarketItem {
	it, ok := e.items[itemID]
	if ok {
		return it
	}
	base := domain.Money(0)
	for _, cat := range []string{"crops", "seeds", "fertilizer", "pesticide", "defense", "materials", "tools"} {
		if c, ok := e.cfg.Item(cat, itemID); ok {
			base = domain.Money(c.Price)
			break
		}
	}
	if crop, ok := e.cfg.Crop(itemID); ok {
		base = crop.BasePrice
	}
	it = domain.MarketItem{ItemID: itemID, BasePrice: base, CurrentPrice: base, PriceTrend: domain.TrendStable}
	e.items[itemID] = it
	return it
}

// RecordTransaction ignores buys; for sells on a floating item it adds qty to
// supply24h, stamps lastTransaction, marks dirty, and arms the debounce
// timer. qty must be a positive finite integer.
func (e *Engine) RecordTransaction(ctx context.Context, itemID string, qty int64, txType TxType) error {
	if qty <= 0 {
		return fmt.Errorf("market: record %s qty=%d: %w", itemID, qty, apperr.ErrValidation)
	}
	if txType == TxBuy {
		return nil
	}
	if !e.isFloating(itemID) {
		return nil
	}
	e.mu.Lock()
	it := e.ensureItem(itemID)
	it.Supply24h += qty
	it.LastTransaction = nowMs()
	e.items[itemID] = it
	e.dirty = true
	e.armDebounce()
	e.mu.Unlock()

	if e.met != nil && e.met.TransactionsTotal != nil {
		e.met.TransactionsTotal.Inc()
	}
	return nil
}

// armDebounce (re)starts the auto-save timer; callers must hold e.mu.
func (e *Engine) armDebounce() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(autoSaveDelay, func() {
		_ = e.flushIfDirty(context.Background())
	})
}

// flushIfDirty persists the snapshot under the single-flight guard if dirty
// is still set; concurrent callers await the same completion.
func (e *Engine) flushIfDirty(ctx context.Context) error {
	e.mu.Lock()
	if !e.dirty {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()
	return e.persist(ctx)
}

func (e *Engine) persist(ctx context.Context) error {
	e.flushMu.Lock()
	if e.flushing {
		ch := make(chan error, 1)
		e.flushWait = append(e.flushWait, ch)
		e.flushMu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.flushing = true
	e.flushMu.Unlock()

	err := e.writeSnapshot()

	e.flushMu.Lock()
	e.flushing = false
	waiters := e.flushWait
	e.flushWait = nil
	e.flushMu.Unlock()
	for _, ch := range waiters {
		ch <- err
	}

	if err == nil && e.met != nil && e.met.PersistTotal != nil {
		e.met.PersistTotal.Inc()
	}
	return err
}

func (e *Engine) writeSnapshot() error {
	e.mu.Lock()
	snap := snapshotFile{
		Version:          1,
		LastPersistedAt:  nowMs(),
		Items:            cloneItems(e.items),
		GlobalStatsTotal: e.globalSold,
	}
	e.dirty = false
	e.mu.Unlock()

	if err := e.fs.WriteJSON(marketFile, snap); err != nil {
		return fmt.Errorf("market: persist: %w", apperr.ErrStorageIO)
	}
	return nil
}

func cloneItems(m map[string]domain.MarketItem) map[string]domain.MarketItem {
	out := make(map[string]domain.MarketItem, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ArchiveAllDailySupply prepends each floating item's supply24h onto its
// history (truncated to H), resets supply24h, stamps lastArchive, and
// persists immediately (bypassing debounce).
func (e *Engine) ArchiveAllDailySupply(ctx context.Context) error {
	historyDays := e.cfg.Market().Pricing.HistoryDays
	if historyDays <= 0 {
		historyDays = 7
	}
	e.mu.Lock()
	for id, it := range e.items {
		hist := append([]int64{it.Supply24h}, it.SupplyHistory...)
		if len(hist) > historyDays {
			hist = hist[:historyDays]
		}
		it.SupplyHistory = hist
		it.Supply24h = 0
		it.LastArchive = nowMs()
		e.items[id] = it
	}
	e.dirty = true
	e.mu.Unlock()
	return e.persist(ctx)
}

// CalculateBaseSupply returns the mean of itemId's supply history, clamped to
// market.pricing.min_base_supply.
func (e *Engine) CalculateBaseSupply(itemID string) int64 {
	min := e.cfg.Market().Pricing.MinBaseSupply
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[itemID]
	if !ok || len(it.SupplyHistory) == 0 {
		return min
	}
	var sum int64
	for _, v := range it.SupplyHistory {
		sum += v
	}
	mean := sum / int64(len(it.SupplyHistory))
	if mean < min {
		return min
	}
	return mean
}

// ResetDailyStats zeroes every item's supply24h, stamps lastReset, and
// persists immediately.
func (e *Engine) ResetDailyStats(ctx context.Context) error {
	e.mu.Lock()
	for id, it := range e.items {
		it.Supply24h = 0
		it.LastReset = nowMs()
		e.items[id] = it
	}
	e.dirty = true
	e.mu.Unlock()
	return e.persist(ctx)
}

// StatUpdate is one validated upsert for BatchUpdateMarketData.
type StatUpdate struct {
	ItemID       string
	CurrentPrice domain.Money
	Supply24h    *int64
}

// BatchUpdateMarketData applies a validated batch of stat-field upserts and
// persists immediately.
func (e *Engine) BatchUpdateMarketData(ctx context.Context, updates []StatUpdate) error {
	e.mu.Lock()
	for _, u := range updates {
		it := e.ensureItem(u.ItemID)
		if u.CurrentPrice > 0 {
			it.CurrentPrice = u.CurrentPrice
		}
		if u.Supply24h != nil {
			it.Supply24h = *u.Supply24h
		}
		e.recomputeTrend(&it)
		e.items[u.ItemID] = it
	}
	e.dirty = true
	e.mu.Unlock()
	return e.persist(ctx)
}

// recomputeTrend classifies priceTrend from an EMA over the bounded price
// history, comparing the latest EMA sample against the previous one with a
// small deadband — steadier than a bare slope sign under per-sale jitter.
func (e *Engine) recomputeTrend(it *domain.MarketItem) {
	it.PriceHistory = append(it.PriceHistory, it.CurrentPrice)
	if len(it.PriceHistory) > maxSparkline {
		it.PriceHistory = it.PriceHistory[len(it.PriceHistory)-maxSparkline:]
	}
	if len(it.PriceHistory) < 3 {
		it.PriceTrend = domain.TrendStable
		return
	}
	series := make([]float64, len(it.PriceHistory))
	for i, p := range it.PriceHistory {
		series[i] = float64(p)
	}
	period := 5
	if period > len(series) {
		period = len(series) - 1
	}
	ema := talib.Ema(series, period)
	n := len(ema)
	if n < 2 {
		it.PriceTrend = domain.TrendStable
		return
	}
	latest, prev := ema[n-1], ema[n-2]
	deadband := math.Max(1, math.Abs(prev)*0.01)
	switch {
	case latest-prev > deadband:
		it.PriceTrend = domain.TrendUp
	case prev-latest > deadband:
		it.PriceTrend = domain.TrendDown
	default:
		it.PriceTrend = domain.TrendStable
	}
	it.VolatilityScore = math.Abs(latest-prev) / math.Max(1, prev)
}

// GetRenderData sorts items by |current-base|/base descending and returns
// the first topN as "top volatile", each with a sparkline built from its
// last <=24 price points.
func (e *Engine) GetRenderData(topN int) []RenderItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	type scored struct {
		id    string
		it    domain.MarketItem
		score float64
	}
	all := make([]scored, 0, len(e.items))
	for id, it := range e.items {
		base := float64(it.BasePrice)
		var score float64
		if base > 0 {
			score = math.Abs(float64(it.CurrentPrice)-base) / base
		}
		all = append(all, scored{id: id, it: it, score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].id < all[j].id
	})
	if topN > 0 && topN < len(all) {
		all = all[:topN]
	}
	out := make([]RenderItem, len(all))
	for i, s := range all {
		out[i] = RenderItem{
			ItemID: s.id, CurrentPrice: s.it.CurrentPrice, BasePrice: s.it.BasePrice,
			PriceTrend: s.it.PriceTrend, VolatilityScore: s.it.VolatilityScore,
			Sparkline: CatmullRomSparkline(s.it.PriceHistory, 32),
		}
	}
	return out
}

func nowMs() domain.Time { return time.Now().UnixMilli() }
