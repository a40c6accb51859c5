// rules.go implements the rule-based circuit evaluator spec §4.7
// describes: a process-level breaker that reads the Registry's gauges/
// counters/histograms on an interval and trips on any of four named
// conditions, denying new-order placement (but not cancels) until an
// operator manually resets it.
//
// Grounded on the teacher's internal/monitor/rules.go, a
// `//go:build ignore` stub whose RuleEvaluator.Check never actually ran
// (it inspected a risk.Result that nothing produced). That stub's
// intent — a small evaluator deciding true/reason from a snapshot — is
// completed here with real rules instead of left excluded, and wired to
// fire instead of the stub's unused AlertSink indirection.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerConfig holds the four trigger thresholds spec §4.7 names.
type BreakerConfig struct {
	DrawdownPct         float64 // 1h drawdown trigger, default 0.02
	APIErrorCount       int     // 60s error count trigger, default 10
	RejectRatePct       float64 // reject rate trigger, default 0.5
	UnderUtilStreak     int     // consecutive under-utilized cycles trigger, default 5
	CheckInterval       time.Duration
}

func (c *BreakerConfig) applyDefaults() {
	if c.DrawdownPct == 0 {
		c.DrawdownPct = 0.02
	}
	if c.APIErrorCount == 0 {
		c.APIErrorCount = 10
	}
	if c.RejectRatePct == 0 {
		c.RejectRatePct = 0.5
	}
	if c.UnderUtilStreak == 0 {
		c.UnderUtilStreak = 5
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = 5 * time.Second
	}
}

// Breaker is the process-level circuit spec §4.7 describes: any trigger
// opens it; it stays open until Reset is called, regardless of whether
// the underlying condition clears on its own.
type Breaker struct {
	mu   sync.RWMutex
	cfg  BreakerConfig
	reg  *Registry

	open      bool
	reason    string
	openedAt  time.Time
	onTrip    func(reason string)
}

// NewBreaker constructs a Breaker reading reg, starting closed.
func NewBreaker(cfg BreakerConfig, reg *Registry) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, reg: reg}
}

// OnTrip registers a callback invoked (once, at the moment of tripping)
// with the triggering reason. Used by the engine to publish
// events.EventRiskBreakerTrip on the bus without this package importing
// it directly.
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// Run evaluates the registry against the rules on CheckInterval until
// ctx is cancelled.
func (b *Breaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Evaluate()
		}
	}
}

// Evaluate checks every rule against the registry's current snapshot
// and trips the breaker on the first match. A no-op once already open;
// Reset is the only way to close it again (spec §4.7 "Reset is
// manual").
func (b *Breaker) Evaluate() {
	b.mu.RLock()
	alreadyOpen := b.open
	b.mu.RUnlock()
	if alreadyOpen {
		return
	}

	snap := b.reg.Snapshot()

	if reason, tripped := b.check(snap); tripped {
		b.trip(reason)
	}
}

func (b *Breaker) check(snap Snapshot) (string, bool) {
	if snap.Drawdown1h > b.cfg.DrawdownPct {
		return fmt.Sprintf("1h drawdown %.2f%% exceeds %.2f%%", snap.Drawdown1h*100, b.cfg.DrawdownPct*100), true
	}
	if snap.APIErrors60s > b.cfg.APIErrorCount {
		return fmt.Sprintf("60s API error count %d exceeds %d", snap.APIErrors60s, b.cfg.APIErrorCount), true
	}
	if snap.RejectRatePct > b.cfg.RejectRatePct {
		return fmt.Sprintf("reject rate %.1f%% exceeds %.1f%%", snap.RejectRatePct*100, b.cfg.RejectRatePct*100), true
	}
	if snap.UnderUtilStreak >= b.cfg.UnderUtilStreak {
		return fmt.Sprintf("sustained under-utilization for %d consecutive cycles", snap.UnderUtilStreak), true
	}
	return "", false
}

func (b *Breaker) trip(reason string) {
	b.mu.Lock()
	if b.open {
		b.mu.Unlock()
		return
	}
	b.open = true
	b.reason = reason
	b.openedAt = time.Now()
	cb := b.onTrip
	b.mu.Unlock()

	if cb != nil {
		cb(reason)
	}
}

// Reset manually closes the breaker (spec §4.7 "Reset is manual"),
// e.g. from the ops API's /risk/reset endpoint.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.reason = ""
}

// IsOpen reports whether the circuit is currently tripped.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.open
}

// Reason returns the trigger reason that last opened the circuit
// (empty when closed).
func (b *Breaker) Reason() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reason
}

// AllowNewOrders reports whether new-order placement is permitted
// (spec §4.7: "all new-order placements denied" while open).
func (b *Breaker) AllowNewOrders() bool {
	return !b.IsOpen()
}

// AllowCancels always reports true: spec §4.7 "cancels still allowed"
// holds regardless of circuit state.
func (b *Breaker) AllowCancels() bool {
	return true
}
