package clock_test

import (
	"testing"
	"time"

	"pkt.systems/checkoutd/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()
	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestOrDefaultsToReal(t *testing.T) {
	t.Parallel()
	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatalf("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Or(manual) != manual {
		t.Fatalf("expected supplied clock to be returned")
	}
}

func TestManualAdvanceFiresDueWaiters(t *testing.T) {
	t.Parallel()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(time.Minute)
	if m.Waiters() != 2 {
		t.Fatalf("expected 2 waiters, got %d", m.Waiters())
	}
	m.Advance(2 * time.Second)
	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", got)
		}
	default:
		t.Fatalf("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatalf("long waiter fired early")
	default:
	}
	m.Set(start.Add(time.Hour))
	select {
	case <-long:
	default:
		t.Fatalf("long waiter did not fire after Set")
	}
	if m.Waiters() != 0 {
		t.Fatalf("expected no waiters, got %d", m.Waiters())
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()
	m := clock.NewManual(time.Unix(100, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatalf("expected immediate fire")
	}
}
