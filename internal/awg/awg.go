// Package awg implements the API Weight Governor (spec §4.1): the single
// admission authority every outbound exchange call passes through, so
// that the {1s, 10s, 60s} usage windows, per-channel sub-budgets, and
// the POV notional cap are never breached, and so that upstream
// rate-limit errors degrade the system gracefully through a 5-state
// circuit breaker.
//
// Grounded on original_source/packages/risk/awg.py (the deque-per-window
// multi-window shape and "all windows must have capacity" admission
// rule) and packages/risk/awg_pro.py (named but not read in full; its
// existence as the "pro" sibling motivates formalizing the circuit
// breaker as a 5-state machine here rather than the basic
// enter_degraded/exit_degraded toggle awg.py shows). golang.org/x/time/
// rate is deliberately not used for these windows — see DESIGN.md.
package awg

import (
	"sync"
	"time"
)

// State is one of the five admission states (spec §4.1).
type State int

const (
	StateNormal State = iota
	StateThrottled
	StateDegraded
	StateCircuitOpen
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "NORMAL"
	case StateThrottled:
		return "THROTTLED"
	case StateDegraded:
		return "DEGRADED"
	case StateCircuitOpen:
		return "CIRCUIT_OPEN"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// isCircuitTriggerCode reports the codes that feed the circuit state machine (spec §4.1's
// consecutive-error trigger set: -1003, 429, 418, -1021, -1015).
func isCircuitTriggerCode(code int) bool {
	switch code {
	case -1003, 429, 418, -1021, -1015:
		return true
	}
	return false
}

// isTrackedErrorCode reports the narrower set track_api_error logs into the
// 60s error log (spec §4.1: -1003, 429, 418, -1015).
func isTrackedErrorCode(code int) bool {
	switch code {
	case -1003, 429, 418, -1015:
		return true
	}
	return false
}

// Config holds every tunable spec §6 names for the AWG.
type Config struct {
	Cap1s, Cap10s, Cap1m int
	ErrorThreshold       int
	RecoveryPeriod       time.Duration
	ThrottleFactor       float64
	DegradeFactor        float64

	// ChannelBudgets10s maps channel name -> 10s admission cap.
	ChannelBudgets10s map[string]int
	// ChannelBurst maps channel name -> 1s burst cap.
	ChannelBurst map[string]int

	// POVCapNotional is the 60s rolling notional cap for taker turnover.
	POVCapNotional float64

	// ExpensiveEndpoints is the allowlist of endpoints CIRCUIT_OPEN
	// denies outright (alongside any call with cost >= 5).
	ExpensiveEndpoints map[string]bool
}

type record struct {
	at   time.Time
	cost int
}

type povRecord struct {
	at       time.Time
	notional float64
}

// AWG is the API Weight Governor. One lock covers buckets, channels,
// POV and state (spec §5: "all methods are O(W) in window length after
// eviction").
type AWG struct {
	mu sync.Mutex

	cfg Config

	win1s, win10s, win1m []record
	channelWindows       map[string][]record
	channelBurst         map[string][]record
	povWindow            []povRecord

	errorLog          []time.Time // 60s window of tracked error codes
	consecutiveErrors int
	state             State
	circuitOpenedAt   time.Time
}

// New constructs an AWG starting in NORMAL state.
func New(cfg Config) *AWG {
	if cfg.ThrottleFactor == 0 {
		cfg.ThrottleFactor = 0.8
	}
	if cfg.DegradeFactor == 0 {
		cfg.DegradeFactor = 0.7
	}
	return &AWG{
		cfg:            cfg,
		channelWindows: make(map[string][]record),
		channelBurst:   make(map[string][]record),
		state:          StateNormal,
	}
}

// State returns the current circuit state.
func (a *AWG) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// effectiveCap applies the state-dependent multiplier to base (spec
// §4.1's "Windows and caps": 1.0 NORMAL, 0.85 RECOVERING, throttle_factor
// THROTTLED, degrade_factor DEGRADED). In CIRCUIT_OPEN, Acquire has
// already denied every expensive call (cost >= 5 or an ExpensiveEndpoints
// entry), so the cap only applies to the cheap calls still admitted, and
// they are held to degrade_factor.
func (a *AWG) effectiveCap(base int) int {
	var factor float64
	switch a.state {
	case StateNormal:
		factor = 1.0
	case StateRecovering:
		factor = 0.85
	case StateThrottled:
		factor = a.cfg.ThrottleFactor
	case StateDegraded:
		factor = a.cfg.DegradeFactor
	case StateCircuitOpen:
		factor = a.cfg.DegradeFactor
	}
	return int(float64(base) * factor)
}

// evict drops records older than window from a sorted-by-time slice.
func evictRecords(recs []record, now time.Time, window time.Duration) []record {
	cut := 0
	for cut < len(recs) && now.Sub(recs[cut].at) > window {
		cut++
	}
	if cut == 0 {
		return recs
	}
	return append(recs[:0], recs[cut:]...)
}

func evictPOV(recs []povRecord, now time.Time, window time.Duration) []povRecord {
	cut := 0
	for cut < len(recs) && now.Sub(recs[cut].at) > window {
		cut++
	}
	if cut == 0 {
		return recs
	}
	return append(recs[:0], recs[cut:]...)
}

func sumCost(recs []record) int {
	total := 0
	for _, r := range recs {
		total += r.cost
	}
	return total
}

func sumNotional(recs []povRecord) float64 {
	var total float64
	for _, r := range recs {
		total += r.notional
	}
	return total
}

// Acquire is the one admission contract every component calls before an
// outbound exchange request. Returns true (and records the call into
// every bucket) only if global windows, the channel's 10s budget and
// 1s burst cap, and (when notional > 0) the POV cap all have headroom.
func (a *AWG) Acquire(endpoint, channel string, cost int, notional float64) bool {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.win1s = evictRecords(a.win1s, now, time.Second)
	a.win10s = evictRecords(a.win10s, now, 10*time.Second)
	a.win1m = evictRecords(a.win1m, now, time.Minute)
	a.povWindow = evictPOV(a.povWindow, now, time.Minute)
	chWin := evictRecords(a.channelWindows[channel], now, 10*time.Second)
	chBurst := evictRecords(a.channelBurst[channel], now, time.Second)
	a.channelWindows[channel] = chWin
	a.channelBurst[channel] = chBurst

	if a.state == StateCircuitOpen {
		if cost >= 5 || a.cfg.ExpensiveEndpoints[endpoint] {
			return false
		}
	}

	if sumCost(a.win1s)+cost > a.effectiveCap(a.cfg.Cap1s) {
		return false
	}
	if sumCost(a.win10s)+cost > a.effectiveCap(a.cfg.Cap10s) {
		return false
	}
	if sumCost(a.win1m)+cost > a.effectiveCap(a.cfg.Cap1m) {
		return false
	}

	if budget, ok := a.cfg.ChannelBudgets10s[channel]; ok {
		if sumCost(chWin)+cost > a.effectiveCap(budget) {
			return false
		}
	}
	if burst, ok := a.cfg.ChannelBurst[channel]; ok {
		if sumCost(chBurst)+cost > burst {
			return false
		}
	}

	if notional > 0 && a.cfg.POVCapNotional > 0 {
		if sumNotional(a.povWindow)+notional > a.cfg.POVCapNotional {
			return false
		}
	}

	a.win1s = append(a.win1s, record{at: now, cost: cost})
	a.win10s = append(a.win10s, record{at: now, cost: cost})
	a.win1m = append(a.win1m, record{at: now, cost: cost})
	a.channelWindows[channel] = append(a.channelWindows[channel], record{at: now, cost: cost})
	a.channelBurst[channel] = append(a.channelBurst[channel], record{at: now, cost: cost})
	if notional > 0 {
		a.povWindow = append(a.povWindow, povRecord{at: now, notional: notional})
	}

	a.onSuccess()
	return true
}

// onSuccess resets the consecutive error counter and, per spec §4.1's
// recovery rule, promotes the state one level toward NORMAL. Called
// with mu held.
func (a *AWG) onSuccess() {
	a.consecutiveErrors = 0
	switch a.state {
	case StateThrottled:
		a.state = StateNormal
	case StateDegraded:
		a.state = StateThrottled
	case StateRecovering:
		a.state = StateNormal
	}
}

// TrackAPIError records a rate-limit-flavored error code and advances
// the circuit state machine if consecutive errors breach the threshold.
func (a *AWG) TrackAPIError(code int, endpoint string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	if isTrackedErrorCode(code) {
		a.errorLog = append(a.errorLog, now)
		cut := 0
		for cut < len(a.errorLog) && now.Sub(a.errorLog[cut]) > time.Minute {
			cut++
		}
		a.errorLog = append(a.errorLog[:0], a.errorLog[cut:]...)
	}

	if a.state == StateCircuitOpen && now.Sub(a.circuitOpenedAt) >= a.cfg.RecoveryPeriod {
		a.state = StateRecovering
		a.consecutiveErrors = 0
	}

	if !isCircuitTriggerCode(code) {
		return
	}
	a.consecutiveErrors++
	if a.consecutiveErrors < a.cfg.ErrorThreshold {
		return
	}
	a.stepForward()
}

// stepForward advances the state machine one step toward CIRCUIT_OPEN.
// Called with mu held.
func (a *AWG) stepForward() {
	switch a.state {
	case StateNormal:
		a.state = StateThrottled
	case StateThrottled:
		a.state = StateDegraded
	case StateDegraded:
		a.state = StateCircuitOpen
		a.circuitOpenedAt = time.Now()
	case StateRecovering:
		a.state = StateThrottled
	case StateCircuitOpen:
		a.circuitOpenedAt = time.Now() // stays open, refresh the clock
	}
}
