// Package twap implements the TWAP Rebalancer (spec §4.6): when the
// inventory skew exceeds a soft band for a persistent interval, this
// core slices the needed notional into post-only layer-L0 instructions
// and drips them into DLE placement through the rb_* channels, capped
// by AWG's per-minute POV notional budget. The rebalancer never holds
// its own exchange connection or Shadow reservation — it only ever
// reaches the book through the same OrderPlacer pipeline DLE uses.
//
// Grounded on original_source/packages/exec/twap_rebalancer.py (slice
// count = target_duration/slice_interval, adaptive 0.8→1.2 sizing
// ramp, 5 USD minimum imbalance, 50%-of-slices-failed early abort).
package twap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"trading-core/pkg/db"
	"trading-core/pkg/decimal"
	"trading-core/pkg/exchanges/common"
)

// OrderPlacer is the narrow surface the rebalancer drips slices
// through. *dle.DLE satisfies this via PlaceRebalanceSlice.
type OrderPlacer interface {
	PlaceRebalanceSlice(ctx context.Context, side common.Side, price, qty decimal.Decimal) bool
}

// InventoryView supplies the rebalancer's equity/skew inputs without
// depending on the shadow package directly.
type InventoryView interface {
	Total(asset string) float64
}

// MarketView supplies best bid/ask for slice pricing.
type MarketView interface {
	BestBidAsk(ctx context.Context) (bid, ask float64, ok bool)
}

// Config holds every TWAP tunable (SPEC_FULL §4.6, env names
// TWAP_TARGET_DURATION / TWAP_SLICE_INTERVAL / TWAP_MAX_SLICE_PCT /
// TWAP_SLICE_TIMEOUT / TWAP_SOFT_BAND_PCT / TWAP_PERSIST_TICKS /
// TWAP_MIN_IMBALANCE_USD).
type Config struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	PriceScale uint8
	QtyScale   uint8

	TargetRatio float64 // same inventory target DLE sizes against

	TargetDuration   time.Duration
	SliceInterval    time.Duration
	MaxSlicePct      float64
	SliceTimeout     time.Duration
	SoftBandPct      float64 // skew tolerance before a rebalance is even considered
	PersistTicks     int     // consecutive over-band checks required before acting
	MinImbalanceUSD  float64
	CheckInterval    time.Duration
	MaxPriceImpact   float64 // fraction of mid the slice price may cross the touch by
}

func (c *Config) applyDefaults() {
	if c.TargetRatio == 0 {
		c.TargetRatio = 0.5
	}
	if c.TargetDuration == 0 {
		c.TargetDuration = 300 * time.Second
	}
	if c.SliceInterval == 0 {
		c.SliceInterval = 10 * time.Second
	}
	if c.MaxSlicePct == 0 {
		c.MaxSlicePct = 0.1
	}
	if c.SliceTimeout == 0 {
		c.SliceTimeout = 30 * time.Second
	}
	if c.SoftBandPct == 0 {
		c.SoftBandPct = 0.1
	}
	if c.PersistTicks == 0 {
		c.PersistTicks = 3
	}
	if c.MinImbalanceUSD == 0 {
		c.MinImbalanceUSD = 5
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.MaxPriceImpact == 0 {
		c.MaxPriceImpact = 0.002
	}
}

// Slice is one drip of a rebalance, priced and sized at generation
// time against the mid price observed then.
type Slice struct {
	ID    int64
	Side  common.Side
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// Rebalancer drives the skew-detect → slice → drip loop.
type Rebalancer struct {
	mu sync.Mutex

	cfg     Config
	inv     InventoryView
	market  MarketView
	placer  OrderPlacer
	queries *db.Queries

	overBandStreak int

	active       []Slice
	successCount int
	failCount    int
}

// New constructs a Rebalancer. queries may be nil, in which case slice
// history is not persisted (spec §4.6 persistence is best-effort).
func New(cfg Config, inv InventoryView, market MarketView, placer OrderPlacer, queries *db.Queries) *Rebalancer {
	cfg.applyDefaults()
	return &Rebalancer{cfg: cfg, inv: inv, market: market, placer: placer, queries: queries}
}

// Run drives the detect/slice/drip loop until ctx is cancelled.
func (r *Rebalancer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Rebalancer) tick(ctx context.Context) {
	r.mu.Lock()
	busy := len(r.active) > 0
	r.mu.Unlock()
	if busy {
		return // one rebalance drips to completion before the next starts
	}

	bid, ask, ok := r.market.BestBidAsk(ctx)
	if !ok {
		return
	}
	mid := (bid + ask) / 2

	imbalanceUSD, isBuy, ok := r.detectImbalance(mid)
	if !ok {
		return
	}

	slices := r.generateSlices(imbalanceUSD, mid, isBuy)
	if len(slices) == 0 {
		return
	}
	rebalanceID := fmt.Sprintf("rb-%d", time.Now().UnixNano())
	r.insertSliceHistory(ctx, rebalanceID, slices)

	r.mu.Lock()
	r.active = slices
	r.successCount, r.failCount = 0, 0
	r.mu.Unlock()

	go r.drip(ctx, bid, ask)
}

// insertSliceHistory persists the planned schedule for one rebalance run
// before dripping starts, filling in each Slice's ID for drip's later
// status updates (spec §4.6 slice history persistence).
func (r *Rebalancer) insertSliceHistory(ctx context.Context, rebalanceID string, slices []Slice) {
	if r.queries == nil {
		return
	}
	for i := range slices {
		id, err := r.queries.InsertTWAPSlice(ctx, db.TWAPSlice{
			RebalanceID: rebalanceID,
			Side:        string(slices[i].Side),
			Qty:         slices[i].Qty.Float64(),
			Price:       sql.NullFloat64{Float64: slices[i].Price.Float64(), Valid: true},
			Status:      "pending",
		})
		if err != nil {
			slog.Warn("twap: failed to persist slice history", "rebalance_id", rebalanceID, "err", err)
			continue
		}
		slices[i].ID = id
	}
}

// detectImbalance reports the USD notional needed to restore
// TargetRatio at the given mid, requiring PersistTicks consecutive
// over-band observations before signalling (spec §4.6 "persistent
// interval").
func (r *Rebalancer) detectImbalance(mid float64) (usd float64, isBuy bool, ok bool) {
	baseTotal := r.inv.Total(r.cfg.BaseAsset)
	quoteTotal := r.inv.Total(r.cfg.QuoteAsset)
	equity := baseTotal*mid + quoteTotal

	r.mu.Lock()
	defer r.mu.Unlock()

	if mid <= 0 || equity <= 0 {
		r.overBandStreak = 0
		return 0, false, false
	}

	baseValue := baseTotal * mid
	currentRatio := baseValue / equity
	skew := r.cfg.TargetRatio - currentRatio

	if absf(skew) < r.cfg.SoftBandPct {
		r.overBandStreak = 0
		return 0, false, false
	}

	r.overBandStreak++
	if r.overBandStreak < r.cfg.PersistTicks {
		return 0, false, false
	}

	imbalanceUSD := skew * equity
	if absf(imbalanceUSD) < r.cfg.MinImbalanceUSD {
		return 0, false, false
	}
	return absf(imbalanceUSD), imbalanceUSD > 0, true
}

// generateSlices ports the original TWAP's slice count/size schedule:
// num_slices = target_duration / slice_interval, each capped at
// total*max_slice_pct, ramped 0.8x→1.2x across the schedule.
func (r *Rebalancer) generateSlices(imbalanceUSD, mid float64, isBuy bool) []Slice {
	if mid <= 0 || imbalanceUSD < r.cfg.MinImbalanceUSD {
		return nil
	}
	numSlices := int(r.cfg.TargetDuration / r.cfg.SliceInterval)
	if numSlices < 1 {
		numSlices = 1
	}

	totalQty := imbalanceUSD / mid
	maxSliceQty := totalQty * r.cfg.MaxSlicePct

	side := common.SideSell
	if isBuy {
		side = common.SideBuy
	}

	var slices []Slice
	remaining := totalQty
	for i := 0; i < numSlices && remaining > 0; i++ {
		base := remaining / float64(numSlices-i)
		qty := minf(base, maxSliceQty)
		progress := float64(i) / float64(numSlices)
		qty *= 0.8 + 0.4*progress
		if qty > remaining {
			qty = remaining
		}
		if qty <= 0 {
			continue
		}

		price := slicePrice(side, mid, r.cfg.MaxPriceImpact)
		slices = append(slices, Slice{
			Side:  side,
			Qty:   decimal.FromFloat(qty, r.cfg.QtyScale),
			Price: decimal.FromFloat(price, r.cfg.PriceScale),
		})
		remaining -= qty
	}
	return slices
}

// slicePrice prices a slice at the maker-guard edge: a touch beyond the
// book by half max_price_impact, same directional bias as the original
// exec-price formula, so each slice still posts as layer-L0 post-only
// rather than crossing (the DLE's own maker guard applies the final
// snap once the slice reaches PlaceRebalanceSlice).
func slicePrice(side common.Side, mid, maxImpact float64) float64 {
	if side == common.SideBuy {
		return mid * (1 + maxImpact/2)
	}
	return mid * (1 - maxImpact/2)
}

// drip submits active slices one per SliceInterval, aborting early if
// more than half have failed (spec parity with the original's 50%
// failure abort).
func (r *Rebalancer) drip(ctx context.Context, bid, ask float64) {
	r.mu.Lock()
	slices := append([]Slice(nil), r.active...)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.active = nil
		r.mu.Unlock()
	}()

	for i, s := range slices {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.SliceInterval):
			}
		}

		sliceCtx, cancel := context.WithTimeout(ctx, r.cfg.SliceTimeout)
		ok := r.placer.PlaceRebalanceSlice(sliceCtx, s.Side, s.Price, s.Qty)
		cancel()

		if r.queries != nil && s.ID != 0 {
			status := "filled"
			if !ok {
				status = "failed"
			}
			if err := r.queries.UpdateTWAPSliceStatus(ctx, s.ID, status, ""); err != nil {
				slog.Warn("twap: failed to update slice status", "id", s.ID, "err", err)
			}
		}

		r.mu.Lock()
		if ok {
			r.successCount++
		} else {
			r.failCount++
		}
		total := r.successCount + r.failCount
		abort := total > 0 && r.failCount*2 > len(slices)
		r.mu.Unlock()

		if !ok {
			slog.Warn("twap: slice placement failed", "side", s.Side, "index", i)
		}
		if abort {
			slog.Warn("twap: aborting rebalance, failure rate too high", "failed", r.failCount, "total", len(slices))
			r.cancelRemaining(ctx, slices[i+1:])
			return
		}
	}
}

// cancelRemaining marks slices that never got dripped as cancelled, so
// a rebalance history row always lands in a terminal status.
func (r *Rebalancer) cancelRemaining(ctx context.Context, remaining []Slice) {
	if r.queries == nil {
		return
	}
	for _, s := range remaining {
		if s.ID == 0 {
			continue
		}
		if err := r.queries.UpdateTWAPSliceStatus(ctx, s.ID, "cancelled", ""); err != nil {
			slog.Warn("twap: failed to cancel slice status", "id", s.ID, "err", err)
		}
	}
}

// Status renders a one-line summary, grounded on the original's
// get_status() string (SPEC_FULL §3 supplement; Go idiom: String()).
func (r *Rebalancer) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("twap(active=%d success=%d fail=%d)", len(r.active), r.successCount, r.failCount)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
