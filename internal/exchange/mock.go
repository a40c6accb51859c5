package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"trading-core/pkg/exchanges/common"
)

// Mock is an in-memory Exchange used by component tests and by the
// cold-start replay harness. It accepts every order, tracks open orders
// in a map, and lets tests drive fills/rejects directly rather than
// shelling out to a sandbox venue. Grounded on the teacher's pattern of
// a deterministic in-process double per external dependency (see
// internal/state's in-memory fallback), generalized to the single
// Exchange trait.
type Mock struct {
	mu        sync.Mutex
	nextID    int64
	orders    map[string]*OrderView
	balances  map[string]AccountBalance
	rules     SymbolRules
	book      OrderBook
	listenKey string

	// CreateOrderErr, when set, is returned by every CreateOrder call —
	// used to exercise AWG/Shadow Balance reject handling.
	CreateOrderErr error
}

// NewMock constructs a Mock with the given symbol rules and seed balances.
func NewMock(rules SymbolRules, balances []AccountBalance) *Mock {
	m := &Mock{
		orders:   make(map[string]*OrderView),
		balances: make(map[string]AccountBalance),
		rules:    rules,
	}
	for _, b := range balances {
		m.balances[b.Asset] = b
	}
	return m
}

func (m *Mock) CreateOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateOrderErr != nil {
		return common.OrderResult{}, m.CreateOrderErr
	}
	id := fmt.Sprintf("%d", atomic.AddInt64(&m.nextID, 1))
	m.orders[id] = &OrderView{
		Symbol: req.Symbol, OrderID: id, ClientID: req.ClientID,
		Side: req.Side, Price: req.Price, OrigQty: req.Qty, Status: common.StatusNew,
	}
	return common.OrderResult{ExchangeOrderID: id, Status: common.StatusNew, ClientID: req.ClientID}, nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[exchangeOrderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", exchangeOrderID)
	}
	o.Status = common.StatusCanceled
	return nil
}

func (m *Mock) CancelReplace(ctx context.Context, cancelOrderID string, req common.OrderRequest) (common.OrderResult, error) {
	if err := m.CancelOrder(ctx, req.Symbol, cancelOrderID); err != nil {
		return common.OrderResult{}, err
	}
	return m.CreateOrder(ctx, req)
}

func (m *Mock) GetOpenOrders(ctx context.Context, symbol string) ([]OrderView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderView
	for _, o := range m.orders {
		if o.Symbol == symbol && (o.Status == common.StatusNew || o.Status == common.StatusPartiallyFilled) {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *Mock) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book := m.book
	return &book, nil
}

// SetBook lets tests seed a top-of-book for maker-guard snapping.
func (m *Mock) SetBook(book OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book = book
}

func (m *Mock) GetAccount(ctx context.Context) ([]AccountBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AccountBalance, 0, len(m.balances))
	for _, b := range m.balances {
		out = append(out, b)
	}
	return out, nil
}

func (m *Mock) GetExchangeInfo(ctx context.Context, symbol string) (*SymbolRules, error) {
	rules := m.rules
	return &rules, nil
}

func (m *Mock) CreateListenKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenKey = "mock-listen-key"
	return m.listenKey, nil
}

func (m *Mock) KeepAliveListenKey(ctx context.Context, listenKey string) error { return nil }

func (m *Mock) CloseListenKey(ctx context.Context, listenKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listenKey = ""
	return nil
}

func (m *Mock) OpenWS(ctx context.Context, path string) (*websocket.Conn, error) {
	return nil, fmt.Errorf("mock: OpenWS not supported, inject events via a fake uds source instead")
}

// FillOrder marks an order filled and returns its view, for tests driving
// Shadow Balance execution-report processing.
func (m *Mock) FillOrder(exchangeOrderID string, filledQty float64) OrderView {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[exchangeOrderID]
	o.FilledQty = filledQty
	if filledQty >= o.OrigQty {
		o.Status = common.StatusFilled
	} else {
		o.Status = common.StatusPartiallyFilled
	}
	return *o
}

var _ Exchange = (*Mock)(nil)
var _ Exchange = (*Binance)(nil)
