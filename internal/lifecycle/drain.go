package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errDrainTimeout = errors.New("timeout waiting for in-flight operations to drain")

// DrainManager tracks draining state and in-flight provision/teardown
// operations so shutdown can wait for rollbacks to finish instead of
// leaving half-applied firewall state behind.
type DrainManager struct {
	draining atomic.Bool
	active   atomic.Int64
	wg       sync.WaitGroup
}

func NewDrainManager() *DrainManager {
	return &DrainManager{}
}

func (m *DrainManager) StartDraining() {
	m.draining.Store(true)
}

func (m *DrainManager) IsDraining() bool {
	return m.draining.Load()
}

func (m *DrainManager) ActiveOperations() int64 {
	return m.active.Load()
}

// TrackOperation registers an in-flight operation and returns a release
// callback. The callback is safe to call more than once.
func (m *DrainManager) TrackOperation() func() {
	m.wg.Add(1)
	m.active.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.active.Add(-1)
			m.wg.Done()
		})
	}
}

func (m *DrainManager) WaitOperations(ctx context.Context) error {
	waitDone := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-ctx.Done():
		return errDrainTimeout
	case <-waitDone:
		return nil
	}
}
