// Package allocator manages the pool of host ports exposed for sandbox
// instances: an immutable set of pre-declared static ports plus a bounded
// dynamic range leased and returned as instances come and go.
package allocator

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExhausted is returned when the dynamic pool has no free port left.
	// Retryable once some instance's teardown frees a port.
	ErrExhausted = errors.New("dynamic port pool exhausted")

	// ErrStaticConflict is returned when a static reservation targets a port
	// already owned. A configuration error; never retried automatically.
	ErrStaticConflict = errors.New("static port already reserved")
)

// Request describes one port reservation.
type Request struct {
	// Static claims PreferredPort exactly and marks it reserved out of the
	// dynamic pool for as long as the owner holds it.
	Static bool
	// PreferredPort is required for static requests. For dynamic requests a
	// non-zero value is honored when free, otherwise the allocator falls
	// back to the lowest free port in range.
	PreferredPort int
}

// PortAllocator hands out host ports. Dynamic allocation always returns the
// lowest free port in the configured range, which keeps behavior
// deterministic for a given pool state.
type PortAllocator struct {
	mu sync.Mutex

	min    int
	max    int
	leased map[int]bool
	static map[int]bool
}

// New builds an allocator over the dynamic range [min, max]. Ports in
// staticPorts are pre-declared: excluded from dynamic allocation for the
// lifetime of the allocator.
func New(min, max int, staticPorts []int) (*PortAllocator, error) {
	if min < 1 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid dynamic port range %d-%d", min, max)
	}
	static := make(map[int]bool, len(staticPorts))
	for _, p := range staticPorts {
		if p < 1 || p > 65535 {
			return nil, fmt.Errorf("invalid static port %d", p)
		}
		static[p] = true
	}
	return &PortAllocator{
		min:    min,
		max:    max,
		leased: make(map[int]bool),
		static: static,
	}, nil
}

// Reserve leases a port according to req. The test-and-set against the pool
// happens under the allocator lock, so two concurrent calls can never
// receive the same port.
func (a *PortAllocator) Reserve(req Request) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Static {
		if req.PreferredPort == 0 {
			return 0, fmt.Errorf("static reservation requires a preferred port")
		}
		if a.leased[req.PreferredPort] {
			return 0, fmt.Errorf("port %d: %w", req.PreferredPort, ErrStaticConflict)
		}
		a.leased[req.PreferredPort] = true
		return req.PreferredPort, nil
	}

	if p := req.PreferredPort; p != 0 && p >= a.min && p <= a.max && !a.leased[p] && !a.static[p] {
		a.leased[p] = true
		return p, nil
	}

	for p := a.min; p <= a.max; p++ {
		if a.leased[p] || a.static[p] {
			continue
		}
		a.leased[p] = true
		return p, nil
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a free or unknown port is a
// no-op so teardown paths can call it unconditionally.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Restore marks a port as leased without going through Reserve. Used on
// startup to rebuild pool state from the mapping store; claiming an
// already-leased port is an error because it means the store holds two
// mappings for one port.
func (a *PortAllocator) Restore(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.leased[port] {
		return fmt.Errorf("port %d already leased", port)
	}
	a.leased[port] = true
	return nil
}

// IsStatic reports whether port belongs to the pre-declared static set.
func (a *PortAllocator) IsStatic(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.static[port]
}

// LeasedCount returns the number of currently leased ports.
func (a *PortAllocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}
