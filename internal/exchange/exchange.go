// Package exchange defines the single capability trait this core dials
// through for every venue interaction, per spec §9's "Dynamic dispatch on
// exchange" design note: one Exchange interface instead of the teacher's
// layered balance.ExchangeClient / reconciliation.ExchangeClient /
// market.Client split, so AWG, Shadow Balance, Order Mirror, DLE, TWAP and
// UDS all depend on the same narrow surface and can be handed a Mock in
// tests without scattering fakes across packages.
package exchange

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/common"
)

// AccountBalance is one asset's free/locked balance as reported by the
// exchange account endpoint (spec §3.1 Balance, exchange side).
type AccountBalance struct {
	Asset  string
	Free   float64
	Locked float64
}

// OrderView is the exchange's view of one order (spec §4.5 Order Mirror).
type OrderView struct {
	Symbol    string
	OrderID   string
	ClientID  string
	Side      common.Side
	Price     float64
	OrigQty   float64
	FilledQty float64
	Status    common.OrderStatus
}

// BookLevel is one price/qty rung of a depth snapshot.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot used by the DLE's maker guard to avoid
// crossing the book (spec §4.4.2, GLOSSARY "maker guard").
type OrderBook struct {
	LastUpdateID int64
	Bids         []BookLevel
	Asks         []BookLevel
}

// SymbolRules are the lot-size/tick-size/min-notional constraints the DLE
// must round and floor against before placing an order.
type SymbolRules struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}

// Exchange is the one capability trait every component dials through.
// Implementations: Binance (binance.go) for production, Mock (mock.go)
// for tests and the cold-start replay harness.
type Exchange interface {
	// CreateOrder places a new order and returns the exchange ack.
	CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error)

	// CancelOrder cancels an open order. Binance returns an exchange
	// error as an *errs.ExchangeReject carrying its code, so a cancel
	// hitting an order already gone from the book (-2011, "Unknown
	// order") is recognised with errs.IsIdempotentCancelCode. Mock
	// returns a plain error for an unknown order id.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error

	// CancelReplace atomically swaps one order for another, used by the
	// DLE's layer repricing.
	CancelReplace(ctx context.Context, cancelOrderID string, req common.OrderRequest) (common.OrderResult, error)

	// GetOpenOrders lists currently open orders for the pair, used by
	// Order Mirror's periodic reconciliation.
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderView, error)

	// GetOrderBook fetches a depth snapshot of the given size.
	GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)

	// GetAccount returns free/locked balances for every asset, used by
	// Shadow Balance's three-way audit.
	GetAccount(ctx context.Context) ([]AccountBalance, error)

	// GetExchangeInfo returns lot-size/tick-size/min-notional rules.
	GetExchangeInfo(ctx context.Context, symbol string) (*SymbolRules, error)

	// CreateListenKey, KeepAliveListenKey and CloseListenKey manage the
	// User Data Stream session (spec §4.3.1).
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error

	// OpenWS dials a raw websocket connection to path (either a market
	// depth stream or a listen-key user data stream). Component E's one
	// transport primitive; internal/uds builds its reconnect/backoff
	// loop on top of it rather than dialing gorilla/websocket directly.
	OpenWS(ctx context.Context, path string) (*websocket.Conn, error)
}

// wsDialTimeout is shared by every Exchange implementation that dials
// real websockets.
const wsDialTimeout = 10 * time.Second

func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
