package awg

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Cap1s: 5, Cap10s: 20, Cap1m: 100,
		ErrorThreshold: 3,
		RecoveryPeriod: 50 * time.Millisecond,
		ThrottleFactor: 0.8, DegradeFactor: 0.5,
		ChannelBudgets10s: map[string]int{"mm_new": 10},
		ChannelBurst:      map[string]int{"mm_new": 3},
		POVCapNotional:    1000,
	}
}

func TestAcquireWithinCaps(t *testing.T) {
	a := New(testConfig())
	for i := 0; i < 3; i++ {
		if !a.Acquire("order", "mm_new", 1, 0) {
			t.Fatalf("expected admission %d to succeed", i)
		}
	}
}

func TestAcquireDeniedOverBurstCap(t *testing.T) {
	a := New(testConfig())
	for i := 0; i < 3; i++ {
		if !a.Acquire("order", "mm_new", 1, 0) {
			t.Fatalf("expected admission %d to succeed", i)
		}
	}
	if a.Acquire("order", "mm_new", 1, 0) {
		t.Fatalf("expected 4th call within 1s to be denied by burst cap of 3")
	}
}

func TestAcquireDeniedOverGlobal1sCap(t *testing.T) {
	a := New(testConfig())
	a.cfg.ChannelBurst = nil // isolate the global 1s cap
	for i := 0; i < 5; i++ {
		if !a.Acquire("order", "mm_new", 1, 0) {
			t.Fatalf("expected admission %d to succeed", i)
		}
	}
	if a.Acquire("order", "mm_new", 1, 0) {
		t.Fatalf("expected 6th call to breach the global 1s cap of 5")
	}
}

func TestPOVCapDenies(t *testing.T) {
	a := New(testConfig())
	if !a.Acquire("order", "mm_new", 1, 900) {
		t.Fatalf("expected first notional admission to succeed")
	}
	if a.Acquire("order", "mm_new", 1, 200) {
		t.Fatalf("expected POV cap of 1000 to deny a call pushing total to 1100")
	}
}

// TestCircuitStateMachineProgression mirrors spec.md §8.3 end-to-end
// scenario 4: with error_threshold=3, consecutive errors keep
// accumulating (they reset only on recovery/success, never on crossing
// the threshold), so each error past the threshold cascades the state
// machine one more step. Four consecutive errors move NORMAL straight
// to DEGRADED, not just one level to THROTTLED.
func TestCircuitStateMachineProgression(t *testing.T) {
	a := New(testConfig())
	if a.State() != StateNormal {
		t.Fatalf("expected NORMAL initially")
	}

	for i := 0; i < 3; i++ {
		a.TrackAPIError(-1003, "order")
	}
	if a.State() != StateThrottled {
		t.Fatalf("expected THROTTLED after error threshold breached, got %s", a.State())
	}

	a.TrackAPIError(-1003, "order")
	if a.State() != StateDegraded {
		t.Fatalf("expected DEGRADED after a 4th consecutive error, got %s", a.State())
	}

	a.TrackAPIError(429, "order")
	if a.State() != StateCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN after a 5th consecutive error, got %s", a.State())
	}

	// Further consecutive errors keep the circuit open and refresh its clock.
	a.TrackAPIError(418, "order")
	if a.State() != StateCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN to persist, got %s", a.State())
	}

	// Cheap endpoint not on the expensive list, cost < 5, still admitted.
	if !a.Acquire("ping", "userDataStream", 1, 0) {
		t.Fatalf("expected cheap call to be admitted under CIRCUIT_OPEN")
	}
	// Expensive call denied outright.
	if a.Acquire("order", "mm_new", 5, 0) {
		t.Fatalf("expected cost>=5 call to be denied under CIRCUIT_OPEN")
	}
}

func TestRecoveryAfterPeriod(t *testing.T) {
	a := New(testConfig())
	for i := 0; i < 9; i++ {
		a.TrackAPIError(-1003, "order")
	}
	if a.State() != StateCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %s", a.State())
	}

	time.Sleep(60 * time.Millisecond)
	a.TrackAPIError(-1003, "order") // first call after recovery_period flips to RECOVERING
	if a.State() != StateRecovering {
		t.Fatalf("expected RECOVERING after recovery period, got %s", a.State())
	}

	if !a.Acquire("ping", "userDataStream", 1, 0) {
		t.Fatalf("expected admission to succeed in RECOVERING")
	}
	if a.State() != StateNormal {
		t.Fatalf("expected successful admission to promote RECOVERING->NORMAL, got %s", a.State())
	}
}

func TestAcquireDeniedLeavesStateUntouched(t *testing.T) {
	a := New(testConfig())
	for i := 0; i < 3; i++ {
		a.Acquire("order", "mm_new", 1, 0)
	}
	before := len(a.win1s)
	a.Acquire("order", "mm_new", 1, 0) // denied by burst cap
	if len(a.win1s) != before {
		t.Fatalf("expected denied admission to leave window state untouched")
	}
}
