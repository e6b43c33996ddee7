package allocator

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveDynamicLowestFree(t *testing.T) {
	a, err := New(40000, 40005, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for want := 40000; want <= 40002; want++ {
		got, err := a.Reserve(Request{})
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if got != want {
			t.Errorf("expected port %d, got %d", want, got)
		}
	}

	// Releasing the lowest port makes it the next answer again.
	a.Release(40000)
	got, err := a.Reserve(Request{})
	if err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
	if got != 40000 {
		t.Errorf("expected released port 40000 to be reused, got %d", got)
	}
}

func TestReserveDynamicPreferredPort(t *testing.T) {
	a, _ := New(40000, 40010, nil)

	got, err := a.Reserve(Request{PreferredPort: 40007})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if got != 40007 {
		t.Errorf("expected preferred port 40007, got %d", got)
	}

	// Taken preferred port falls back to lowest free, not an error.
	got, err = a.Reserve(Request{PreferredPort: 40007})
	if err != nil {
		t.Fatalf("Reserve with taken preferred port failed: %v", err)
	}
	if got != 40000 {
		t.Errorf("expected fallback to 40000, got %d", got)
	}

	// Out-of-range preferred port also falls back.
	got, err = a.Reserve(Request{PreferredPort: 50000})
	if err != nil {
		t.Fatalf("Reserve with out-of-range preferred port failed: %v", err)
	}
	if got != 40001 {
		t.Errorf("expected fallback to 40001, got %d", got)
	}
}

func TestReserveSkipsStaticPorts(t *testing.T) {
	a, _ := New(40000, 40003, []int{40000, 40001})

	got, err := a.Reserve(Request{})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if got != 40002 {
		t.Errorf("expected first non-static port 40002, got %d", got)
	}

	// Preferring a static port is ignored.
	got, err = a.Reserve(Request{PreferredPort: 40001})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if got != 40003 {
		t.Errorf("expected 40003, got %d", got)
	}
}

func TestReserveExhausted(t *testing.T) {
	a, _ := New(40000, 40001, nil)

	if _, err := a.Reserve(Request{}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := a.Reserve(Request{}); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err := a.Reserve(Request{})
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("expected ErrExhausted, got %v", err)
	}

	// A release makes the pool usable again.
	a.Release(40001)
	got, err := a.Reserve(Request{})
	if err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
	if got != 40001 {
		t.Errorf("expected 40001, got %d", got)
	}
}

func TestReserveStatic(t *testing.T) {
	a, _ := New(40000, 40010, []int{8080})

	got, err := a.Reserve(Request{Static: true, PreferredPort: 8080})
	if err != nil {
		t.Fatalf("static Reserve failed: %v", err)
	}
	if got != 8080 {
		t.Errorf("expected port 8080, got %d", got)
	}

	_, err = a.Reserve(Request{Static: true, PreferredPort: 8080})
	if !errors.Is(err, ErrStaticConflict) {
		t.Errorf("expected ErrStaticConflict, got %v", err)
	}

	if _, err := a.Reserve(Request{Static: true}); err == nil {
		t.Error("expected error for static reservation without a port")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	a, _ := New(40000, 40010, nil)

	port, err := a.Reserve(Request{})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	a.Release(port)
	a.Release(port)
	a.Release(12345)

	if n := a.LeasedCount(); n != 0 {
		t.Errorf("expected 0 leased ports, got %d", n)
	}
}

func TestRestore(t *testing.T) {
	a, _ := New(40000, 40010, nil)

	if err := a.Restore(40003); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if err := a.Restore(40003); err == nil {
		t.Error("expected error restoring an already-leased port")
	}

	// A restored port is skipped by dynamic allocation.
	for i := 0; i < 3; i++ {
		got, err := a.Reserve(Request{})
		if err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		if got == 40003 {
			t.Error("restored port 40003 handed out again")
		}
	}
}

func TestConcurrentReserveNoDuplicates(t *testing.T) {
	const n = 50
	a, _ := New(40000, 40000+n-1, nil)

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Reserve(Request{})
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[port] {
				t.Errorf("port %d handed out twice", port)
			}
			seen[port] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("expected %d distinct ports, got %d", n, len(seen))
	}
}

func TestNewValidatesRange(t *testing.T) {
	if _, err := New(0, 100, nil); err == nil {
		t.Error("expected error for min below 1")
	}
	if _, err := New(100, 70000, nil); err == nil {
		t.Error("expected error for max above 65535")
	}
	if _, err := New(200, 100, nil); err == nil {
		t.Error("expected error for inverted range")
	}
	if _, err := New(100, 200, []int{0}); err == nil {
		t.Error("expected error for invalid static port")
	}
}
