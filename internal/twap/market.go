package twap

import (
	"context"

	"trading-core/internal/exchange"
)

// ExchangeMarketView satisfies MarketView by pulling a fresh top-of-book
// snapshot from the Exchange capability trait on every call.
type ExchangeMarketView struct {
	Ex     exchange.Exchange
	Symbol string
}

// BestBidAsk fetches a 1-level depth snapshot and returns its touch.
func (v ExchangeMarketView) BestBidAsk(ctx context.Context) (bid, ask float64, ok bool) {
	book, err := v.Ex.GetOrderBook(ctx, v.Symbol, 1)
	if err != nil || len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0, 0, false
	}
	return book.Bids[0].Price, book.Asks[0].Price, true
}
