// Package uds implements the User Data Stream dual-WS ingester (spec
// §4.4): a main connection that applies order/balance effects and an
// audit connection that only observes, cross-checked by a rolling hash
// and an event-timestamp gap so silent message loss on either socket
// triggers a single suppressed REST reseed instead of running blind.
//
// Grounded on 0xtitan6-polymarket-mm's internal/exchange/ws.go (the
// dial/read-loop/exponential-backoff shape, reused for both the main
// and audit connections) and pkg/exchanges/binance/spot/
// user_data_stream.go (listen-key create/keepalive/close, reused
// through internal/exchange.Exchange rather than a direct spot.Client
// dependency). golang.org/x/sync/singleflight collapses concurrent
// reseed triggers (divergence on both sockets, or a reconnect racing a
// divergence check) into the single REST call spec §4.4 requires.
package uds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"trading-core/internal/events"
	"trading-core/internal/shadow"
	"trading-core/pkg/decimal"
)

// execReportScale is the fractional-digit scale wire-format cumulative
// qty/quote/fee fields are parsed at before reaching Shadow, matching
// ledger.balanceScale so execution-report deltas and ledger balances
// stay on the same fixed-point footing.
const execReportScale uint8 = 8

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.ParseString(s, execReportScale)
	if err != nil {
		return decimal.Zero(execReportScale)
	}
	return v
}

// listenKeyExchange is the narrow slice of internal/exchange.Exchange
// this package dials through — listen-key lifecycle plus the shared WS
// dial primitive. Kept separate from the full Exchange interface so
// unit tests can fake just this surface.
type listenKeyExchange interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	OpenWS(ctx context.Context, path string) (*websocket.Conn, error)
}

// ExecSink receives normalized execution reports for balance effects.
// Implemented by *shadow.Shadow.
type ExecSink interface {
	ApplyExecutionReport(r shadow.ExecutionReport) error
}

// LiveReflector keeps the DLE's local order view in sync with main-
// stream events. Implemented by the DLE's LiveOrderMap (mirror.LiveOrderSource
// satisfies this too, via its ReflectRemote/CloseAndRelease methods).
type LiveReflector interface {
	ReflectRemote(orderID, status string, filledQty float64)
	CloseAndRelease(orderID string)
}

// Reseeder performs the single REST snapshot-and-reapply spec §4.4 calls
// a "seed": fetch open orders, reapply to LiveOrderMap and Mirror.
// Implemented by the engine, typically delegating to Mirror.Sync(ctx, true).
type Reseeder interface {
	Reseed(ctx context.Context) error
}

// Config holds the tunables spec §4.4 and §6 name for the ingester.
type Config struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	KeepaliveInterval time.Duration // default 30min (≤0.5× Binance's 60min listen-key TTL)
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	DivergenceTimestampGap time.Duration // default 3s
	DivergenceHashWindow   time.Duration // default 1s
	SeedSuppressWindow     time.Duration // default 90s, overridable via UDS_AUDIT_SEED_SUPPRESS_SEC

	IdempotencyTTL time.Duration // default 5min
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Minute
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DivergenceTimestampGap <= 0 {
		c.DivergenceTimestampGap = 3 * time.Second
	}
	if c.DivergenceHashWindow <= 0 {
		c.DivergenceHashWindow = time.Second
	}
	if c.SeedSuppressWindow <= 0 {
		c.SeedSuppressWindow = 90 * time.Second
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = 5 * time.Minute
	}
}

// seenEntry is one idempotency-set record: the wall-clock deadline past
// which it may be swept.
type seenEntry struct{ expiresAt time.Time }

// Ingester owns the main/audit WS pair, the listen-key lifecycle, and
// the divergence-triggered reseed.
type Ingester struct {
	mu sync.Mutex

	ex        listenKeyExchange
	cfg       Config
	sink      ExecSink
	reflector LiveReflector
	reseeder  Reseeder
	bus       *events.Bus

	listenKey string

	seen map[string]seenEntry // (order_id,event_time,trade_id) -> expiry
	terminalOrders map[string]bool

	mainHash         string
	auditHash        string
	lastMainEventAt  time.Time
	lastAuditEventAt time.Time
	divergedSince    time.Time // zero when hashes currently match

	lastSeedAt   time.Time
	seedGroup    singleflight.Group
}

// New constructs an Ingester. bus may be nil (balance snapshots are then
// dropped instead of published).
func New(ex listenKeyExchange, cfg Config, sink ExecSink, reflector LiveReflector, reseeder Reseeder, bus *events.Bus) *Ingester {
	cfg.applyDefaults()
	return &Ingester{
		ex: ex, cfg: cfg, sink: sink, reflector: reflector, reseeder: reseeder, bus: bus,
		seen:           make(map[string]seenEntry),
		terminalOrders: make(map[string]bool),
	}
}

// Run drives the listen-key lifecycle and both connections until ctx is
// cancelled.
func (u *Ingester) Run(ctx context.Context) error {
	key, err := u.ex.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("uds: create listen key: %w", err)
	}
	u.mu.Lock()
	u.listenKey = key
	u.mu.Unlock()

	go u.keepaliveLoop(ctx)
	go u.connectLoop(ctx, "main")
	go u.connectLoop(ctx, "audit")
	go u.divergenceLoop(ctx)

	// Seed once at startup, per spec §4.4's "After reconnect, run one seed"
	// — a cold start is the first such reconnect.
	u.triggerSeed(ctx, "startup", true)

	<-ctx.Done()
	if key := u.currentListenKey(); key != "" {
		_ = u.ex.CloseListenKey(context.Background(), key)
	}
	return ctx.Err()
}

func (u *Ingester) currentListenKey() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listenKey
}

// keepaliveLoop refreshes the listen key at the configured interval,
// recreating it outright on failure (spec §4.4's "recreates on failure").
func (u *Ingester) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(u.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := u.currentListenKey()
			if err := u.ex.KeepAliveListenKey(ctx, key); err != nil {
				slog.Warn("uds: listen key keepalive failed, recreating", "error", err)
				newKey, err := u.ex.CreateListenKey(ctx)
				if err != nil {
					slog.Error("uds: listen key recreate failed", "error", err)
					continue
				}
				u.mu.Lock()
				u.listenKey = newKey
				u.mu.Unlock()
			}
		}
	}
}

// connectLoop dials role's socket with exponential backoff, reseeding
// once per successful (re)connect.
func (u *Ingester) connectLoop(ctx context.Context, role string) {
	backoff := u.cfg.ReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}
		key := u.currentListenKey()
		conn, err := u.ex.OpenWS(ctx, "/ws/"+key)
		if err != nil {
			slog.Warn("uds: dial failed, backing off", "role", role, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > u.cfg.ReconnectMaxDelay {
				backoff = u.cfg.ReconnectMaxDelay
			}
			continue
		}
		backoff = u.cfg.ReconnectBaseDelay
		u.triggerSeed(ctx, "reconnect:"+role, true)

		err = u.readLoop(ctx, conn, role)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		slog.Warn("uds: connection dropped, reconnecting", "role", role, "error", err)
	}
}

func (u *Ingester) readLoop(ctx context.Context, conn *websocket.Conn, role string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var handleErr error
		if role == "main" {
			handleErr = u.handleMainMessage(data)
		} else {
			handleErr = u.handleAuditMessage(data)
		}
		if handleErr != nil {
			slog.Warn("uds: dropping unparseable message", "role", role, "error", handleErr)
		}
	}
}

// rawEnvelope peeks at the event type common to every UDS message.
type rawEnvelope struct {
	EventType string `json:"e"`
}

type rawExecutionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	CumQty          string `json:"z"`
	CumQuote        string `json:"Z"`
	CommissionAmt   string `json:"n"`
	CommissionAsset string `json:"N"`
	TradeID         int64  `json:"t"`
}

type rawBalanceEntry struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type rawBalanceSnapshot struct {
	EventType string            `json:"e"`
	EventTime int64             `json:"E"`
	Balances  []rawBalanceEntry `json:"B"`
}

// handleMainMessage applies effects: execution reports flow to Shadow
// and the live-order reflector; balance snapshots publish to the bus.
func (u *Ingester) handleMainMessage(data []byte) error {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	u.mu.Lock()
	u.mainHash = chainHash(u.mainHash, data)
	u.lastMainEventAt = time.Now()
	u.mu.Unlock()

	switch env.EventType {
	case "executionReport":
		var r rawExecutionReport
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		return u.applyExecutionReport(r)
	case "outboundAccountPosition", "balanceUpdate":
		var b rawBalanceSnapshot
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		u.publishBalanceSnapshot(b)
		return nil
	default:
		return nil
	}
}

// handleAuditMessage observes only: it updates the audit hash/timestamp
// trail but never touches Shadow or the live-order reflector.
func (u *Ingester) handleAuditMessage(data []byte) error {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if env.EventType != "executionReport" && env.EventType != "outboundAccountPosition" && env.EventType != "balanceUpdate" {
		return nil
	}
	u.mu.Lock()
	u.auditHash = chainHash(u.auditHash, data)
	u.lastAuditEventAt = time.Now()
	u.mu.Unlock()
	return nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// applyExecutionReport idempotency-gates on (order_id, event_time,
// trade_id) with a 5-minute TTL, then forwards to Shadow and the
// reflector. Terminal statuses are applied at most once per order
// (spec §4.4's "no terminal event is ever overwritten") and trigger
// close_and_release via the reflector.
func (u *Ingester) applyExecutionReport(r rawExecutionReport) error {
	orderID := strconv.FormatInt(r.OrderID, 10)
	key := fmt.Sprintf("%s-%d-%d", orderID, r.EventTime, r.TradeID)

	u.mu.Lock()
	now := time.Now()
	u.sweepSeenLocked(now)
	if _, dup := u.seen[key]; dup {
		u.mu.Unlock()
		return nil
	}
	if u.terminalOrders[orderID] {
		u.mu.Unlock()
		return nil // no terminal event is ever overwritten
	}
	u.seen[key] = seenEntry{expiresAt: now.Add(u.cfg.IdempotencyTTL)}
	terminal := isTerminalStatus(r.Status)
	if terminal {
		u.terminalOrders[orderID] = true
	}
	u.mu.Unlock()

	report := shadow.ExecutionReport{
		OrderID:    orderID,
		UpdateID:   r.EventTime,
		Asset:      u.cfg.BaseAsset,
		QuoteAsset: u.cfg.QuoteAsset,
		IsBuy:      r.Side == "BUY",
		CumQty:     parseDecimal(r.CumQty),
		CumQuote:   parseDecimal(r.CumQuote),
		FeeAsset:   r.CommissionAsset,
		Fee:        parseDecimal(r.CommissionAmt),
		Status:     r.Status,
	}
	if u.sink != nil {
		if err := u.sink.ApplyExecutionReport(report); err != nil {
			slog.Warn("uds: shadow apply failed", "order_id", orderID, "error", err)
		}
	}
	if u.reflector != nil {
		u.reflector.ReflectRemote(orderID, r.Status, report.CumQty.Float64())
		if terminal {
			u.reflector.CloseAndRelease(orderID)
		}
	}
	return nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case "FILLED", "CANCELED", "EXPIRED", "REJECTED":
		return true
	}
	return false
}

func (u *Ingester) sweepSeenLocked(now time.Time) {
	for k, e := range u.seen {
		if now.After(e.expiresAt) {
			delete(u.seen, k)
		}
	}
}

func (u *Ingester) publishBalanceSnapshot(b rawBalanceSnapshot) {
	if u.bus == nil {
		return
	}
	for _, entry := range b.Balances {
		u.bus.Publish(events.EventBalanceSnapshot, map[string]any{
			"asset": entry.Asset, "free": parseFloat(entry.Free), "locked": parseFloat(entry.Locked),
		})
	}
}

// chainHash folds data into the running rolling hash per spec §4.4's
// "running rolling hash of tuples" — prev and the new message are
// concatenated and re-hashed, so any dropped or reordered message
// diverges the chain from that point on.
func chainHash(prev string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// divergenceLoop periodically checks the audit-vs-main cross-check and
// triggers a suppressed seed when either condition of spec §4.4 fires.
func (u *Ingester) divergenceLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reason, trigger := u.checkDivergence(); trigger {
				u.triggerSeed(ctx, reason, false)
			}
		}
	}
}

// checkDivergence evaluates spec §4.4's two divergence conditions: a
// >3s gap between main's and audit's last-seen event, or hashes that
// have differed continuously for >1s. Called with no lock held.
func (u *Ingester) checkDivergence() (reason string, trigger bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.lastMainEventAt.IsZero() && !u.lastAuditEventAt.IsZero() {
		gap := u.lastMainEventAt.Sub(u.lastAuditEventAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > u.cfg.DivergenceTimestampGap {
			return "timestamp_gap", true
		}
	}

	if u.mainHash != u.auditHash {
		if u.divergedSince.IsZero() {
			u.divergedSince = time.Now()
		} else if time.Since(u.divergedSince) > u.cfg.DivergenceHashWindow {
			return "hash_divergence", true
		}
	} else {
		u.divergedSince = time.Time{}
	}
	return "", false
}

// triggerSeed runs the reseed, single-flighted so concurrent callers
// (both sockets reconnecting, or a reconnect racing a divergence check)
// collapse into one REST call. force bypasses the 90s suppression
// window (used for startup and reconnect, which spec §4.4 always seeds
// unconditionally); divergence-triggered calls respect the window.
func (u *Ingester) triggerSeed(ctx context.Context, reason string, force bool) {
	u.mu.Lock()
	if !force && time.Since(u.lastSeedAt) < u.cfg.SeedSuppressWindow {
		u.mu.Unlock()
		return
	}
	u.mu.Unlock()

	if u.reseeder == nil {
		return
	}
	_, _, _ = u.seedGroup.Do("seed", func() (any, error) {
		err := u.reseeder.Reseed(ctx)
		u.mu.Lock()
		u.lastSeedAt = time.Now()
		u.mainHash, u.auditHash = "", ""
		u.divergedSince = time.Time{}
		u.mu.Unlock()
		if err != nil {
			slog.Warn("uds: reseed failed", "reason", reason, "error", err)
		} else {
			slog.Info("uds: reseeded", "reason", reason)
		}
		return nil, err
	})
}
