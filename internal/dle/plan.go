package dle

import (
	"context"
	"fmt"

	"trading-core/pkg/decimal"
	"trading-core/pkg/exchanges/common"
)

// PlannedOrder is the output of one planning cycle, before reservation
// and placement (spec §4.3.1).
type PlannedOrder struct {
	Layer    string
	Side     common.Side
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PriceKey string
}

// Plan runs the three planning stages of spec §4.3.1: budget derivation,
// layered quote generation (with maker-guard snapping), and the
// per-price cap filter. Orders are returned sorted by layer priority
// (L0 first).
func (d *DLE) Plan(ctx context.Context, mid decimal.Decimal) ([]PlannedOrder, error) {
	book, err := d.ex.GetOrderBook(ctx, d.cfg.Symbol, 5)
	if err != nil {
		return nil, fmt.Errorf("dle: get order book: %w", err)
	}
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return nil, fmt.Errorf("dle: empty order book, cannot plan")
	}
	bestBid := decimal.FromFloat(book.Bids[0].Price, d.cfg.PriceScale)
	bestAsk := decimal.FromFloat(book.Asks[0].Price, d.cfg.PriceScale)

	baseFree := d.sh.Total(d.cfg.BaseAsset)
	quoteFree := d.sh.Total(d.cfg.QuoteAsset)

	equity := baseFree*mid.Float64() + quoteFree
	if equity <= 0 {
		return nil, fmt.Errorf("dle: non-positive equity, cannot size orders")
	}

	baseValue := baseFree * mid.Float64()
	currentRatio := baseValue / equity
	e := d.cfg.TargetRatio - currentRatio

	alpha := d.cfg.AlphaBase + d.cfg.SkewK*absf(e)
	alpha = clampf(alpha, d.cfg.AlphaMin, d.cfg.AlphaMax)

	targetNotional := equity * alpha

	usableQuote := quoteFree - d.cfg.CushionQuote
	if usableQuote < 0 {
		usableQuote = 0
	}
	usableBaseNotional := (baseFree - d.cfg.CushionBase) * mid.Float64()
	if usableBaseNotional < 0 {
		usableBaseNotional = 0
	}

	// Skew-biased buy/sell split, up to 65/35 in the direction that
	// restores target_ratio (e>0 means base-starved: buy more).
	buyShare := 0.5 + clampf(e, -0.15, 0.15)
	sellShare := 1 - buyShare

	buyNotional := minf(targetNotional*buyShare, usableQuote)
	sellNotional := minf(targetNotional*sellShare, usableBaseNotional)

	spreadFactor := d.spreadFactor()
	sizeFactor := d.sizeFactorMultiplier()
	guardTicks := d.guardTicks()
	tick := d.rules.TickSize

	var planned []PlannedOrder
	for _, layer := range d.envelope.Layers() {
		offsets := d.envelope.ScaledOffsets(layer, spreadFactor)
		if len(offsets) == 0 {
			continue
		}
		layerBuyNotional := buyNotional * layer.Weight
		layerSellNotional := sellNotional * layer.Weight

		for _, off := range offsets {
			buyPrice := decimal.FromFloat(mid.Float64()-off*tick, d.cfg.PriceScale)
			buyPrice = guardBuy(buyPrice, bestBid, guardTicks, tick, d.cfg.PriceScale)
			if po, ok := d.sizeOrder(layer.Name, common.SideBuy, buyPrice, layerBuyNotional/float64(len(offsets)), sizeFactor); ok {
				planned = append(planned, po)
			}

			sellPrice := decimal.FromFloat(mid.Float64()+off*tick, d.cfg.PriceScale)
			sellPrice = guardSell(sellPrice, bestAsk, guardTicks, tick, d.cfg.PriceScale)
			if po, ok := d.sizeOrder(layer.Name, common.SideSell, sellPrice, layerSellNotional/float64(len(offsets)), sizeFactor); ok {
				planned = append(planned, po)
			}
		}
	}
	return planned, nil
}

// sizeOrder computes quantity for one planned slot, clamps per-order USD
// budget, aligns to step_size, lifts to min_notional, and applies the
// per-price cap (stage 3).
func (d *DLE) sizeOrder(layer string, side common.Side, price decimal.Decimal, budgetShare, sizeFactor float64) (PlannedOrder, bool) {
	if price.Float64() <= 0 || budgetShare <= 0 {
		return PlannedOrder{}, false
	}
	usd := clampf(budgetShare, d.cfg.OrderUSDMin, d.cfg.OrderUSDMax) * sizeFactor

	qty := decimal.FromFloat(usd/price.Float64(), d.cfg.QtyScale)
	step := decimal.FromFloat(d.rules.StepSize, d.cfg.QtyScale)
	if d.rules.StepSize > 0 {
		qty = qty.RoundDownToStep(step)
	}
	minQty := decimal.FromFloat(d.rules.MinQty, d.cfg.QtyScale)
	if qty.LT(minQty) {
		qty = minQty
	}
	if d.rules.MinNotional > 0 && qty.Float64()*price.Float64() < d.rules.MinNotional {
		lifted := decimal.FromFloat(d.rules.MinNotional/price.Float64(), d.cfg.QtyScale)
		if d.rules.StepSize > 0 {
			lifted = lifted.RoundUpToStep(step)
		}
		qty = lifted
	}
	if qty.IsZero() || qty.IsNeg() {
		return PlannedOrder{}, false
	}

	key := priceKey(layer, side, price)
	d.mu.Lock()
	count := d.priceCounter[key]
	d.mu.Unlock()
	if d.cfg.PerPriceLimit > 0 && count >= d.cfg.PerPriceLimit {
		return PlannedOrder{}, false
	}

	return PlannedOrder{Layer: layer, Side: side, Price: price, Qty: qty, PriceKey: key}, true
}

// guardBuy snaps a buy price below best bid by guardTicks, directional
// floor rounding, so the order can never cross (spec §4.3.1 "maker guard").
func guardBuy(price, bestBid decimal.Decimal, guardTicks int, tick float64, scale uint8) decimal.Decimal {
	limit := decimal.FromFloat(bestBid.Float64()-float64(guardTicks)*tick, scale)
	if price.GT(limit) {
		return limit
	}
	if tick > 0 {
		return price.RoundDownToStep(decimal.FromFloat(tick, scale))
	}
	return price
}

// guardSell snaps a sell price above best ask by guardTicks, directional
// ceil rounding.
func guardSell(price, bestAsk decimal.Decimal, guardTicks int, tick float64, scale uint8) decimal.Decimal {
	limit := decimal.FromFloat(bestAsk.Float64()+float64(guardTicks)*tick, scale)
	if price.LT(limit) {
		return limit
	}
	if tick > 0 {
		return price.RoundUpToStep(decimal.FromFloat(tick, scale))
	}
	return price
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
