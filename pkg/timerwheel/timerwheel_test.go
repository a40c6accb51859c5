package timerwheel

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	go w.Run()
	defer w.Stop()

	var fired int32
	w.Schedule("order-1", 20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&fired) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("callback did not fire within deadline")
}

func TestCancelPreventsFire(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	go w.Run()
	defer w.Stop()

	var fired int32
	w.Schedule("order-2", 20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	w.Cancel("order-2")

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) == 1 {
		t.Fatalf("cancelled callback fired")
	}
	if w.Pending("order-2") {
		t.Fatalf("expected order-2 not pending after cancel")
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	w := New(10*time.Millisecond, 64)
	go w.Run()
	defer w.Stop()

	var count int32
	w.Schedule("order-3", 15*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	w.Schedule("order-3", 50*time.Millisecond, func() { atomic.AddInt32(&count, 10) })

	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&count) != 10 {
		t.Fatalf("expected only the rescheduled callback to fire once, got count=%d", count)
	}
}

func TestCancelUnknownKeyIsNoop(t *testing.T) {
	w := New(10*time.Millisecond, 8)
	w.Cancel("never-scheduled")
}
