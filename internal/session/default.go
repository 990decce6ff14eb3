package session

import (
	"log"
	"sync"
	"sync/atomic"

	"trading-sharedv1/internal/broker"
)

var (
	defaultPool atomic.Pointer[Pool]
	defaultMu   sync.Mutex
)

// Init builds the process-wide pool. Only the first call has any effect;
// later calls return the existing pool.
func Init(factory broker.Factory, opts ...Option) *Pool {
	if p := defaultPool.Load(); p != nil {
		return p
	}
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if p := defaultPool.Load(); p != nil {
		return p
	}
	p := New(factory, opts...)
	defaultPool.Store(p)
	return p
}

// Default returns the process-wide pool, creating a paper-backed one if
// Init was never called.
func Default() *Pool {
	if p := defaultPool.Load(); p != nil {
		return p
	}
	log.Printf("[pool] WARNING: default pool used before Init, falling back to paper sessions")
	return Init(broker.PaperFactory(nil))
}
