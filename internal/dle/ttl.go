// ttl.go implements the per-order TTL task and close_and_release, the
// single routine every order's lifecycle ends through whether it times
// out, fills, or is reflected closed by Order Mirror/UDS (spec §4.3.3,
// §4.3.4).
package dle

import (
	"context"
	"log/slog"
	"time"

	"trading-core/internal/errs"
	"trading-core/pkg/exchanges/common"
)

const ttlCancelTimeout = 5 * time.Second

// scheduleTTL arms order's timeout task on the wheel. When it fires, if
// the order is still live this core attempts a cancel gated by AWG
// (mm_cancel channel, or rb_cancel for rebalancer-owned orders) and
// always finishes with CloseAndRelease, whether the cancel succeeded,
// failed idempotently, or the order had already gone terminal by the
// time the cancel reached the exchange.
func (d *DLE) scheduleTTL(orderID string) {
	d.wheel.Schedule(orderID, d.cfg.TTL, func() {
		d.onTTLExpire(orderID)
	})
}

func (d *DLE) onTTLExpire(orderID string) {
	d.mu.Lock()
	o, ok := d.orders[orderID]
	if !ok || o.isTerminal() {
		d.mu.Unlock()
		return
	}
	symbol := d.cfg.Symbol
	channel := "mm_cancel"
	if o.Layer == "REBAL" {
		channel = "rb_cancel"
	}
	d.mu.Unlock()

	if !d.gov.Acquire("cancel_order", channel, 1, 0) {
		// AWG denied the cancel slot; re-arm so the order doesn't outlive
		// its TTL indefinitely just because the governor was busy.
		d.scheduleTTL(orderID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ttlCancelTimeout)
	defer cancel()
	err := d.ex.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		if rej, ok := err.(*errs.ExchangeReject); ok && errs.IsIdempotentCancelCode(rej.Code, rej.Msg) {
			// already gone from the book, fall through to close_and_release
		} else {
			slog.Warn("dle: ttl cancel failed", "order_id", orderID, "error", err)
			d.scheduleTTL(orderID)
			return
		}
	}
	d.CloseAndRelease(orderID)
}

// CloseAndRelease is this core's single order-closure routine (spec
// §4.3.3): cancel the scheduled TTL task (idempotent), drop the order
// from the LiveOrderMap, release its Shadow reservation (idempotent),
// and decrement the price-level counter, saturating at zero so a
// duplicate close from both a TTL fire and a Mirror/UDS reflection
// racing each other can never go negative.
func (d *DLE) CloseAndRelease(orderID string) {
	d.wheel.Cancel(orderID)

	d.mu.Lock()
	o, ok := d.orders[orderID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.orders, orderID)
	if n := d.priceCounter[o.PriceKey]; n > 0 {
		d.priceCounter[o.PriceKey] = n - 1
	}
	filled := o.Status == common.StatusFilled
	canceled := o.Status == common.StatusCanceled
	status := o.Status
	reserveKey := o.ClientOrderID
	rec := d.metrics
	d.mu.Unlock()

	d.sh.Release(reserveKey, string(status))
	d.recordDecision(!filled && !canceled)
	d.adaptive.Observe(filled)

	if rec != nil {
		switch {
		case filled:
			rec.IncOrdersFilled()
		case canceled:
			rec.IncOrdersCanceled()
		}
	}
}
