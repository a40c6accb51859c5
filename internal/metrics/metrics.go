// Package metrics implements the Metrics & Risk Breaker (spec §4.7):
// gauges/counters/histograms with stable names, read by a rule-based
// evaluator (see rules.go) that can open a process-level circuit.
//
// Grounded on the teacher's internal/monitor/metrics.go (SystemMetrics,
// LatencyHistogram's sliding-window lazy-stats idiom, Timer) re-pointed
// from strategy/gateway/risk-manager counters to this domain's order
// lifecycle, AWG admission, and reconciliation counters.
package metrics

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Window sizes and thresholds the risk breaker's rules read from the
// registry (spec §4.7's four named triggers).
const (
	drawdownWindow   = time.Hour
	apiErrorWindow    = 60 * time.Second
	rejectRateWindow  = 5 * time.Minute
	underUtilRatio    = 0.3 // a planning cycle below this actual/target ratio counts as under-utilized
)

// LatencyHistogram tracks latency samples with a sliding window and
// lazy, cached stats computation (teacher's "V2 P1-B" optimization).
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding-window histogram holding at
// most size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts d to milliseconds and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min/max/avg/p50/p95/p99, recomputing only when new
// samples have arrived since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Timer measures an operation's duration and records it to a histogram
// on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer starts a timer that records elapsed time to h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed duration and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

// equitySample is one timestamped equity observation, kept for the
// drawdown window.
type equitySample struct {
	at     time.Time
	equity float64
}

// outcomeSample is one timestamped order outcome, kept for the
// time-windowed reject rate (distinct from DLE's own short
// decision-count stress window; this one backs the risk breaker).
type outcomeSample struct {
	at       time.Time
	rejected bool
}

// Registry is this core's stable metrics surface: order-lifecycle and
// AWG-admission counters, order-placement/cancel latency histograms,
// and the time-windowed series the risk breaker's rules read (equity
// history for drawdown, API error timestamps, reject outcomes).
type Registry struct {
	mu sync.RWMutex

	OrderLatency  *LatencyHistogram
	CancelLatency *LatencyHistogram

	ordersPlaced         uint64
	ordersFilled         uint64
	ordersRejected       uint64
	ordersCanceled       uint64
	awgDenied            uint64
	reserveDenied        uint64
	reconciliationDiffs  uint64

	equityHistory   []equitySample
	apiErrors       []time.Time
	outcomes        []outcomeSample

	underUtilStreak int

	startedAt time.Time
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		OrderLatency:  NewLatencyHistogram(2000),
		CancelLatency: NewLatencyHistogram(2000),
		startedAt:     time.Now(),
	}
}

func (r *Registry) IncOrdersPlaced()        { atomic.AddUint64(&r.ordersPlaced, 1) }
func (r *Registry) IncOrdersFilled()        { atomic.AddUint64(&r.ordersFilled, 1) }
func (r *Registry) IncOrdersCanceled()      { atomic.AddUint64(&r.ordersCanceled, 1) }
func (r *Registry) IncAWGDenied()           { atomic.AddUint64(&r.awgDenied, 1) }
func (r *Registry) IncReserveDenied()       { atomic.AddUint64(&r.reserveDenied, 1) }
func (r *Registry) IncReconciliationDiff()  { atomic.AddUint64(&r.reconciliationDiffs, 1) }

// RecordOrderOutcome feeds the reject-rate window the risk breaker
// evaluates (spec §4.7 "reject rate > 50%"). Also bumps the terminal
// counters so the snapshot reflects lifetime totals.
func (r *Registry) RecordOrderOutcome(rejected bool) {
	if rejected {
		atomic.AddUint64(&r.ordersRejected, 1)
	} else {
		atomic.AddUint64(&r.ordersPlaced, 1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcomeSample{at: time.Now(), rejected: rejected})
	r.outcomes = evictOutcomes(r.outcomes, time.Now(), rejectRateWindow)
}

// RecordAPIError feeds the 60-second API error window (spec §4.7
// "60-second API error count > 10").
func (r *Registry) RecordAPIError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.apiErrors = append(r.apiErrors, now)
	r.apiErrors = evictTimes(r.apiErrors, now, apiErrorWindow)
}

// RecordEquity feeds the 1-hour drawdown window (spec §4.7 "1-hour
// drawdown > 2%"). Call once per planning cycle with the current
// Shadow.Total-derived mark-to-market equity.
func (r *Registry) RecordEquity(equity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.equityHistory = append(r.equityHistory, equitySample{at: now, equity: equity})
	cut := 0
	for cut < len(r.equityHistory) && now.Sub(r.equityHistory[cut].at) > drawdownWindow {
		cut++
	}
	if cut > 0 {
		r.equityHistory = append(r.equityHistory[:0], r.equityHistory[cut:]...)
	}
}

// RecordUtilization feeds the sustained-under-utilization trigger: a
// consecutive-streak counter over observed-notional/target-notional
// ratios, mirroring the streak idiom internal/twap uses for its
// persistent-breach detection.
func (r *Registry) RecordUtilization(ratio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ratio < underUtilRatio {
		r.underUtilStreak++
	} else {
		r.underUtilStreak = 0
	}
}

func evictTimes(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cut := 0
	for cut < len(ts) && now.Sub(ts[cut]) > window {
		cut++
	}
	if cut == 0 {
		return ts
	}
	return append(ts[:0], ts[cut:]...)
}

func evictOutcomes(os []outcomeSample, now time.Time, window time.Duration) []outcomeSample {
	cut := 0
	for cut < len(os) && now.Sub(os[cut].at) > window {
		cut++
	}
	if cut == 0 {
		return os
	}
	return append(os[:0], os[cut:]...)
}

// Snapshot is a point-in-time render of every gauge/counter/histogram,
// the shape the ops API's /metrics/snapshot endpoint serializes.
type Snapshot struct {
	OrderLatency        LatencyStats `json:"order_latency"`
	CancelLatency       LatencyStats `json:"cancel_latency"`
	OrdersPlaced        uint64       `json:"orders_placed"`
	OrdersFilled        uint64       `json:"orders_filled"`
	OrdersRejected      uint64       `json:"orders_rejected"`
	OrdersCanceled      uint64       `json:"orders_canceled"`
	AWGDenied           uint64       `json:"awg_denied"`
	ReserveDenied       uint64       `json:"reserve_denied"`
	ReconciliationDiffs uint64       `json:"reconciliation_diffs"`
	Drawdown1h          float64      `json:"drawdown_1h"`
	APIErrors60s        int          `json:"api_errors_60s"`
	RejectRatePct       float64      `json:"reject_rate_pct"`
	UnderUtilStreak     int          `json:"under_util_streak"`
	GoroutineCount      int          `json:"goroutine_count"`
	HeapAllocBytes      uint64       `json:"heap_alloc_bytes"`
	UptimeSec           float64      `json:"uptime_sec"`
	Timestamp           time.Time    `json:"timestamp"`
}

// Snapshot renders every metric as of now.
func (r *Registry) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.mu.RLock()
	drawdown := drawdownFrom(r.equityHistory)
	apiErrs := len(evictTimes(append([]time.Time(nil), r.apiErrors...), time.Now(), apiErrorWindow))
	rejectPct := rejectRateFrom(r.outcomes)
	underUtil := r.underUtilStreak
	r.mu.RUnlock()

	return Snapshot{
		OrderLatency:        r.OrderLatency.Stats(),
		CancelLatency:       r.CancelLatency.Stats(),
		OrdersPlaced:        atomic.LoadUint64(&r.ordersPlaced),
		OrdersFilled:        atomic.LoadUint64(&r.ordersFilled),
		OrdersRejected:      atomic.LoadUint64(&r.ordersRejected),
		OrdersCanceled:      atomic.LoadUint64(&r.ordersCanceled),
		AWGDenied:           atomic.LoadUint64(&r.awgDenied),
		ReserveDenied:       atomic.LoadUint64(&r.reserveDenied),
		ReconciliationDiffs: atomic.LoadUint64(&r.reconciliationDiffs),
		Drawdown1h:          drawdown,
		APIErrors60s:        apiErrs,
		RejectRatePct:       rejectPct,
		UnderUtilStreak:     underUtil,
		GoroutineCount:      runtime.NumGoroutine(),
		HeapAllocBytes:      mem.HeapAlloc,
		UptimeSec:           time.Since(r.startedAt).Seconds(),
		Timestamp:           time.Now(),
	}
}

// drawdownFrom computes (peak-current)/peak over the retained equity
// history, the running peak-to-trough measure spec §4.7's "1-hour
// drawdown" names.
func drawdownFrom(samples []equitySample) float64 {
	if len(samples) == 0 {
		return 0
	}
	peak := samples[0].equity
	for _, s := range samples {
		if s.equity > peak {
			peak = s.equity
		}
	}
	if peak <= 0 {
		return 0
	}
	current := samples[len(samples)-1].equity
	dd := (peak - current) / peak
	if dd < 0 {
		return 0
	}
	return dd
}

func rejectRateFrom(outcomes []outcomeSample) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	rejected := 0
	for _, o := range outcomes {
		if o.rejected {
			rejected++
		}
	}
	return float64(rejected) / float64(len(outcomes))
}
