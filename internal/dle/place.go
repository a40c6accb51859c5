package dle

import (
	"context"
	"log/slog"
	"time"

	"trading-core/internal/errs"
	"trading-core/pkg/decimal"
	"trading-core/pkg/exchanges/common"
)

// reserveTTL is how long Shadow holds an order's reservation before it
// would self-expire; always comfortably longer than the order's own TTL
// so a slow exchange round trip never lets the reservation lapse first.
const reserveTTL = 2 * time.Minute

// PlaceCycle runs stage 4 of the planning cycle (spec §4.3.2): submits
// at most ramp() new orders, strictly in the priority order Plan
// produced (L0 before L1 before L2), reserving and gating each one
// individually so a denial on order N never blocks order N+1.
func (d *DLE) PlaceCycle(ctx context.Context, planned []PlannedOrder) {
	limit := d.ramp()
	placed := 0
	for _, po := range planned {
		if placed >= limit {
			break
		}
		if d.tryPlace(ctx, po) {
			placed++
		}
	}
}

func (d *DLE) tryPlace(ctx context.Context, po PlannedOrder) bool {
	return d.submit(ctx, po, "new_order", "mm_new")
}

// PlaceRebalanceSlice submits one TWAP slice through the same reserve →
// AWG-acquire → submit → register → schedule-TTL pipeline as a regular
// planned order, but over the rb_new channel, so the rebalancer never
// bypasses AWG or Shadow (SPEC_FULL §4.6) and the slice still shows up
// in the DLE's LiveOrderMap/price-level counter for Order Mirror and
// UDS to reconcile against.
func (d *DLE) PlaceRebalanceSlice(ctx context.Context, side common.Side, price, qty decimal.Decimal) bool {
	po := PlannedOrder{Layer: "REBAL", Side: side, Price: price, Qty: qty, PriceKey: priceKey("REBAL", side, price)}
	return d.submit(ctx, po, "new_order", "rb_new")
}

func (d *DLE) submit(ctx context.Context, po PlannedOrder, endpoint, channel string) bool {
	d.mu.Lock()
	gate := d.risk
	rec := d.metrics
	d.mu.Unlock()

	if gate != nil && !gate.AllowNewOrders() {
		slog.Debug("dle: new-order placement denied, risk breaker open", "layer", po.Layer, "side", po.Side)
		return false
	}

	asset, amount := reservationFor(po, d.cfg.BaseAsset, d.cfg.QuoteAsset)
	clientID := newClientOrderID()

	if err := d.sh.Reserve(clientID, asset, amount, reserveTTL); err != nil {
		slog.Debug("dle: reserve denied", "layer", po.Layer, "side", po.Side, "error", err)
		if rec != nil {
			rec.IncReserveDenied()
		}
		return false
	}

	notional := po.Qty.Float64() * po.Price.Float64()
	if !d.gov.Acquire(endpoint, channel, 1, notional) {
		d.sh.Release(clientID, "awg_denied")
		if rec != nil {
			rec.IncAWGDenied()
		}
		return false
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
	res, err := d.ex.CreateOrder(ctx, req)
	if err != nil {
		d.sh.Release(clientID, "reject")
		d.recordDecision(true)
		if rec != nil {
			rec.RecordOrderOutcome(true)
		}
		if rej, ok := err.(*errs.ExchangeReject); ok {
			slog.Warn("dle: order rejected", "kind", errs.ClassifyReject(rej.Code, rej.Msg).String(), "error", err)
		} else {
			slog.Warn("dle: create order failed", "error", err)
		}
		return false
	}

	if rec != nil {
		rec.RecordOrderOutcome(false)
	}

	d.registerLive(res, po, clientID, asset, amount)
	d.scheduleTTL(res.ExchangeOrderID)
	return true
}

// reservationFor returns which asset and how much this order locks up:
// a buy reserves quote notional, a sell reserves base qty.
func reservationFor(po PlannedOrder, baseAsset, quoteAsset string) (string, decimal.Decimal) {
	if po.Side == common.SideBuy {
		return quoteAsset, po.Qty.Mul(po.Price)
	}
	return baseAsset, po.Qty
}

func (d *DLE) registerLive(res common.OrderResult, po PlannedOrder, clientID, resAsset string, resAmount decimal.Decimal) {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders[res.ExchangeOrderID] = &Order{
		OrderID:           res.ExchangeOrderID,
		ClientOrderID:     clientID,
		Side:              po.Side,
		Price:             po.Price,
		OrigQty:           po.Qty,
		Status:            res.Status,
		Layer:             po.Layer,
		PriceKey:          po.PriceKey,
		TTLDeadline:       now.Add(d.cfg.TTL),
		ReservationAsset:  resAsset,
		ReservationAmount: resAmount,
		CreateTS:          now,
		UpdateTS:          now,
	}
	d.priceCounter[po.PriceKey]++
}
