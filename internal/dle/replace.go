// replace.go implements the batch replacer (SPEC_FULL §3, grounded on
// packages/exec/batch_replacer.py): when a planned order reoccupies a
// price-key slot a live order already holds, but with a different
// quantity, this core resizes it with one cancel_replace call instead of
// a separate cancel plus a separate new_order, halving the number of
// exchange calls (the replace is charged AWG cost 2, the same as the
// two calls it stands in for). The price key includes the price, so a
// live order found by key always has the planned price; a planned order
// at a new price finds no occupant and is placed fresh by PlaceCycle,
// while the old order stays live until its TTL.
package dle

import (
	"context"
	"log/slog"

	"trading-core/internal/errs"
	"trading-core/pkg/decimal"
	"trading-core/pkg/exchanges/common"
)

// liveByPriceKey finds the order currently occupying key's
// layer/side/price slot, if any. Ties among multiple live orders at the same key resolve
// to the oldest, since that's the one due for repricing soonest.
func (d *DLE) liveByPriceKey(key string) *Order {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best *Order
	for _, o := range d.orders {
		if o.PriceKey != key || o.isTerminal() {
			continue
		}
		if best == nil || o.CreateTS.Before(best.CreateTS) {
			best = o
		}
	}
	return best
}

// needsReprice reports whether live differs from planned enough to
// warrant a replace: any price drift, or a quantity drift past one
// step_size (spec §4.3.1's layer reconciliation, avoiding repricing on
// noise-level float jitter).
func needsReprice(live *Order, planned PlannedOrder, step decimal.Decimal) bool {
	if live.Price.Cmp(planned.Price) != 0 {
		return true
	}
	diff := live.OrigQty.Sub(planned.Qty).Abs()
	if step.IsZero() {
		return !diff.IsZero()
	}
	return diff.GTE(step)
}

// ReplaceCycle walks planned orders that collide with an already-live
// order at the same price key and reprices the ones that drifted,
// leaving planned orders with no live occupant for PlaceCycle to place
// fresh. Returns the subset of planned still needing a fresh placement.
func (d *DLE) ReplaceCycle(ctx context.Context, planned []PlannedOrder) []PlannedOrder {
	step := decimal.FromFloat(d.rules.StepSize, d.cfg.QtyScale)
	var remaining []PlannedOrder
	for _, po := range planned {
		live := d.liveByPriceKey(po.PriceKey)
		if live == nil {
			remaining = append(remaining, po)
			continue
		}
		if !needsReprice(live, po, step) {
			continue // already correct, nothing to do
		}
		d.reprice(ctx, live, po)
	}
	return remaining
}

func (d *DLE) reprice(ctx context.Context, live *Order, po PlannedOrder) {
	notional := po.Qty.Float64() * po.Price.Float64()
	if !d.gov.Acquire("cancel_replace", "mm_cancel", 2, notional) {
		return
	}

	asset, amount := reservationFor(po, d.cfg.BaseAsset, d.cfg.QuoteAsset)
	clientID := newClientOrderID()
	if err := d.sh.Reserve(clientID, asset, amount, reserveTTL); err != nil {
		return
	}

	req := common.OrderRequest{
		Symbol:      d.cfg.Symbol,
		Side:        po.Side,
		Type:        common.OrderTypeLimitMaker,
		Qty:         po.Qty.Float64(),
		Price:       po.Price.Float64(),
		TimeInForce: common.TIFGTC,
		ClientID:    clientID,
	}
	res, err := d.ex.CancelReplace(ctx, live.OrderID, req)
	if err != nil {
		d.sh.Release(clientID, "replace_failed")
		if rej, ok := err.(*errs.ExchangeReject); ok {
			slog.Debug("dle: cancel_replace rejected", "kind", errs.ClassifyReject(rej.Code, rej.Msg).String())
		}
		return
	}

	d.CloseAndRelease(live.OrderID)
	d.registerLive(res, po, clientID, asset, amount)
	d.scheduleTTL(res.ExchangeOrderID)
}
