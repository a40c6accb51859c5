package exchange

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/binance/spot"
	"trading-core/pkg/exchanges/common"
)

// BinanceConfig configures the Binance-spot Exchange implementation.
type BinanceConfig struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64
}

// Binance adapts pkg/exchanges/binance/spot.Client (a thin REST wrapper)
// to the Exchange trait, normalizing its Binance-specific response shapes
// (string-encoded decimals, int64 order IDs) into this core's types.
// Grounded on the teacher's pkg/exchanges/binance/spot/*.go, whose
// balance.ExchangeClient / reconciliation.ExchangeClient adapter split
// (adapters.go, deleted) is collapsed into this single implementation.
type Binance struct {
	client  *spot.Client
	wsHost  string
	testnet bool
}

// NewBinance constructs the Binance Exchange adapter.
func NewBinance(cfg BinanceConfig) *Binance {
	return &Binance{
		client: spot.New(spot.Config{
			APIKey:     cfg.APIKey,
			APISecret:  cfg.APISecret,
			Testnet:    cfg.Testnet,
			RecvWindow: cfg.RecvWindow,
		}),
		testnet: cfg.Testnet,
	}
}

func (b *Binance) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	return b.client.SubmitOrder(ctx, req)
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return b.client.CancelOrder(ctx, symbol, exchangeOrderID)
}

func (b *Binance) CancelReplace(ctx context.Context, cancelOrderID string, req common.OrderRequest) (common.OrderResult, error) {
	return b.client.CancelReplace(ctx, cancelOrderID, req)
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbol string) ([]OrderView, error) {
	orders, err := b.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		price, _ := strconv.ParseFloat(o.Price, 64)
		orig, _ := strconv.ParseFloat(o.OrigQty, 64)
		exec, _ := strconv.ParseFloat(o.ExecQty, 64)
		out = append(out, OrderView{
			Symbol:    o.Symbol,
			OrderID:   fmt.Sprintf("%d", o.OrderID),
			Side:      common.Side(o.Side),
			Price:     price,
			OrigQty:   orig,
			FilledQty: exec,
			Status:    mapOrderStatus(o.Status),
		})
	}
	return out, nil
}

func (b *Binance) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	ob, err := b.client.GetOrderBook(ctx, symbol, limit)
	if err != nil {
		return nil, err
	}
	out := &OrderBook{LastUpdateID: ob.LastUpdateID}
	for _, lvl := range ob.Bids {
		out.Bids = append(out.Bids, toBookLevel(lvl))
	}
	for _, lvl := range ob.Asks {
		out.Asks = append(out.Asks, toBookLevel(lvl))
	}
	return out, nil
}

func (b *Binance) GetAccount(ctx context.Context) ([]AccountBalance, error) {
	info, err := b.client.GetAccountInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]AccountBalance, 0, len(info.Balances))
	for _, bal := range info.Balances {
		free, _ := strconv.ParseFloat(bal.Free, 64)
		locked, _ := strconv.ParseFloat(bal.Locked, 64)
		out = append(out, AccountBalance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (b *Binance) GetExchangeInfo(ctx context.Context, symbol string) (*SymbolRules, error) {
	info, err := b.client.GetExchangeInfo(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rules := &SymbolRules{Symbol: info.Symbol}
	for _, f := range info.Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			rules.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		case "LOT_SIZE":
			rules.StepSize, _ = strconv.ParseFloat(f.StepSize, 64)
			rules.MinQty, _ = strconv.ParseFloat(f.MinQty, 64)
		case "NOTIONAL", "MIN_NOTIONAL":
			rules.MinNotional, _ = strconv.ParseFloat(f.MinNotional, 64)
		}
	}
	return rules, nil
}

func (b *Binance) CreateListenKey(ctx context.Context) (string, error) {
	return b.client.CreateListenKey(ctx)
}

func (b *Binance) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return b.client.KeepAliveListenKey(ctx, listenKey)
}

func (b *Binance) CloseListenKey(ctx context.Context, listenKey string) error {
	return b.client.CloseListenKey(ctx, listenKey)
}

func (b *Binance) OpenWS(ctx context.Context, path string) (*websocket.Conn, error) {
	host := "stream.binance.com:9443"
	if b.testnet {
		host = "testnet.binance.vision"
	}
	return dial(ctx, "wss://"+host+path)
}

func toBookLevel(l spot.OrderBookLevel) BookLevel {
	price, _ := strconv.ParseFloat(l.Price, 64)
	qty, _ := strconv.ParseFloat(l.Qty, 64)
	return BookLevel{Price: price, Qty: qty}
}

func mapOrderStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartiallyFilled
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "EXPIRED":
		return common.StatusExpired
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
