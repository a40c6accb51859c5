// Package ledger implements the Event Ledger half of the Shadow Balance +
// Event Ledger SSOT (spec §4.2.1): an append-only, deduplicated log of
// OrderEvents that derives the sole authoritative per-asset
// {free, locked, pending_new} view DLE sizes against.
//
// Grounded on the teacher's internal/order persistent_queue.go (append-
// then-apply WAL idiom, crash recovery by replay) and
// 0xtitan6-polymarket-mm's internal/store/store.go (atomic tmp-write-then-
// rename snapshot persistence). The multi-tenant per-user queue shape is
// dropped; this ledger owns exactly the one pair's balances.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"trading-core/pkg/decimal"
)

// balanceScale is the fixed fractional-digit scale every balance in the
// ledger is carried at (spec §9 Design Notes, "Decimals"): balances span
// multiple assets, each with its own exchange tick/step precision, so
// rather than track a scale per asset the ledger settles on 8 digits —
// the same default pkg/decimal's own JSON unmarshaling falls back to,
// and ample for any spot asset this core trades.
const balanceScale uint8 = 8

// EventKind enumerates the order lifecycle events the ledger applies.
type EventKind string

const (
	EventNew      EventKind = "NEW"
	EventAck      EventKind = "ACK"
	EventTrade    EventKind = "TRADE"
	EventCanceled EventKind = "CANCELED"
	EventReject   EventKind = "REJECT"
)

// OrderEvent is one entry in the append-only log (spec §3.1).
type OrderEvent struct {
	EventID    string          `json:"event_id"`
	OrderID    string          `json:"order_id"`
	Kind       EventKind       `json:"kind"`
	Asset      string          `json:"asset"` // base asset bought/sold
	QuoteAsset string          `json:"quote_asset"`
	Qty        decimal.Decimal `json:"qty"`
	QuotePaid  decimal.Decimal `json:"quote_paid"`
	FeeAsset   string          `json:"fee_asset,omitempty"`
	Fee        decimal.Decimal `json:"fee,omitempty"`
	IsBuy      bool            `json:"is_buy"`
	At         time.Time       `json:"at"`
}

// AssetState is the per-asset delta-derived balance state (spec §3.1
// Balance). Every field is a fixed-scale Decimal rather than float64 so
// replaying the event log from a persisted snapshot reproduces
// bit-identical balances (spec §8.2's byte-equal replay law) — float64
// summation order-dependence cannot guarantee that.
type AssetState struct {
	Free       decimal.Decimal `json:"free"`
	Locked     decimal.Decimal `json:"locked"`
	PendingNew decimal.Decimal `json:"pending_new"`
}

// Available returns free (the only amount Shadow Balance may reserve from).
func (s AssetState) Available() decimal.Decimal { return s.Free }

type snapshot struct {
	Timestamp time.Time             `json:"timestamp"`
	Events    []OrderEvent          `json:"events"`
	Balances  map[string]AssetState `json:"balances"`
	Meta      map[string]string     `json:"meta"`
}

// Ledger is the Event Ledger: an append-only event log plus the
// derived per-asset state it produces. One sync.Mutex guards both; it
// is not reentrant.
type Ledger struct {
	mu       sync.Mutex
	path     string
	events   []OrderEvent
	seen     map[string]bool // event_id dedup
	balances map[string]AssetState
}

// New constructs an empty Ledger persisting to path.
func New(path string) *Ledger {
	return &Ledger{
		path:     path,
		seen:     make(map[string]bool),
		balances: make(map[string]AssetState),
	}
}

// Load restores the ledger from its snapshot file, if present. A missing
// file is not an error — cold start with no prior state.
func (l *Ledger) Load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("ledger: read snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("ledger: decode snapshot: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = snap.Events
	l.balances = snap.Balances
	if l.balances == nil {
		l.balances = make(map[string]AssetState)
	}
	l.seen = make(map[string]bool, len(snap.Events))
	for _, e := range snap.Events {
		l.seen[e.EventID] = true
	}
	return nil
}

// Persist atomically writes the current event log and balances to disk
// (spec §6 "Persisted state": `{timestamp, events[], balances, meta}`).
func (l *Ledger) Persist() error {
	l.mu.Lock()
	snap := snapshot{
		Timestamp: time.Now().UTC(),
		Events:    append([]OrderEvent(nil), l.events...),
		Balances:  copyBalances(l.balances),
		Meta:      map[string]string{"format": "1"},
	}
	l.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("ledger: marshal snapshot: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ledger: mkdir: %w", err)
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("ledger: write snapshot: %w", err)
	}
	return os.Rename(tmp, l.path)
}

// Apply appends evt (if not a duplicate by event_id) and updates the
// derived per-asset state via the deterministic delta rule of §4.2.1.
// Returns false if evt was a duplicate (already applied).
func (l *Ledger) Apply(evt OrderEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen[evt.EventID] {
		return false
	}
	l.seen[evt.EventID] = true
	l.events = append(l.events, evt)

	base := l.balances[evt.Asset]
	quote := l.balances[evt.QuoteAsset]

	switch evt.Kind {
	case EventNew:
		base.PendingNew = base.PendingNew.Add(evt.Qty)
	case EventAck:
		base.PendingNew = base.PendingNew.Sub(evt.Qty)
		base.Locked = base.Locked.Add(evt.Qty)
	case EventTrade:
		if evt.IsBuy {
			base.Locked = base.Locked.Sub(evt.Qty)
			base.Free = base.Free.Add(evt.Qty)
			quote.Free = quote.Free.Sub(evt.QuotePaid)
		} else {
			base.Locked = base.Locked.Sub(evt.Qty)
			quote.Free = quote.Free.Add(evt.QuotePaid)
		}
		if !evt.Fee.IsZero() && !evt.Fee.IsNeg() && evt.FeeAsset != "" {
			fee := l.balances[evt.FeeAsset]
			fee.Free = fee.Free.Sub(evt.Fee)
			l.balances[evt.FeeAsset] = fee
		}
	case EventCanceled, EventReject:
		base.Locked = base.Locked.Sub(evt.Qty)
		base.PendingNew = base.PendingNew.Sub(evt.Qty)
		base.Free = base.Free.Add(evt.Qty)
	}

	l.balances[evt.Asset] = base
	if evt.QuoteAsset != "" && evt.QuoteAsset != evt.Asset {
		l.balances[evt.QuoteAsset] = quote
	}
	return true
}

// State returns the current derived state for asset.
func (l *Ledger) State(asset string) AssetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[asset]
}

// divergenceThreshold is the relative deviation (0.1%) spec §4.2.1 names
// for snapshot-sync mismatch detection.
const divergenceThreshold = 0.001

// SnapshotSync compares the ledger's derived free+locked total per asset
// against exchangeTotals (from Exchange.GetAccount). Any relative
// deviation beyond divergenceThreshold triggers a force-reconcile that
// resets the ledger to exchange truth and reports the affected assets.
func (l *Ledger) SnapshotSync(exchangeTotals map[string]float64) (diverged []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for asset, want := range exchangeTotals {
		have := l.balances[asset]
		total := have.Free.Add(have.Locked).Float64()
		if relDeviation(total, want) > divergenceThreshold {
			diverged = append(diverged, asset)
			l.balances[asset] = AssetState{
				Free:       decimal.FromFloat(want, balanceScale),
				Locked:     decimal.Zero(balanceScale),
				PendingNew: decimal.Zero(balanceScale),
			}
		}
	}
	return diverged
}

func relDeviation(have, want float64) float64 {
	if want == 0 {
		if have == 0 {
			return 0
		}
		return 1
	}
	d := have - want
	if d < 0 {
		d = -d
	}
	return d / absf(want)
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func copyBalances(m map[string]AssetState) map[string]AssetState {
	out := make(map[string]AssetState, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
