// Package compute implements the ComputePool described in spec.md §4.4:
// a fixed pool of long-lived executor goroutines dispatched by a
// busy-flag round robin, falling back to inline execution on the
// caller's goroutine when every executor is saturated. The busy/round
// robin dispatch shape is grounded on
// other_examples/559a32cb_yumosx-pyproc__pkg-pyproc-pool.go.go's
// Pool.Call (atomic next-index, per-worker availability check, inline
// fallback), adapted from pyproc's OS-process/Unix-socket model to plain
// goroutines and channels.
package compute

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/log"
)

var submitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "utopia_compute_submits_total",
	Help: "Compute pool submissions, by handler tag and dispatch mode (executor or inline)",
}, []string{"handler", "mode"})

// ComputePool is a bounded pool of isolated compute executors, per
// spec.md §2 component 3 and §4.4.
type ComputePool struct {
	handlers map[string]HandlerFunc
	log      log.Logger

	executors []*executor
	cursor    uint64

	shutdownOnce sync.Once
}

// New constructs a ComputePool with the given pre-registered handler
// table. Handlers must all be registered before Initialize, per
// spec.md §9 REDESIGN FLAGS.
func New(handlers map[string]HandlerFunc, logger log.Logger) *ComputePool {
	h := make(map[string]HandlerFunc, len(handlers))
	for k, v := range handlers {
		h[k] = v
	}
	return &ComputePool{handlers: h, log: logger}
}

// Initialize spawns P executors and returns once every one of them has
// entered its receive loop (handshake-acknowledged), per spec.md §4.4.
// P=0 is valid: submit then always runs inline (spec.md §8 boundary
// behavior).
func (p *ComputePool) Initialize(n int) error {
	if n < 0 {
		return fmt.Errorf("compute: executor count must be >= 0, got %d", n)
	}
	var ready sync.WaitGroup
	ready.Add(n)
	p.executors = make([]*executor, n)
	for i := 0; i < n; i++ {
		e := newExecutor(i, p.log)
		p.executors[i] = e
		go e.run(p.handlers, &ready)
	}
	ready.Wait()
	p.log.Info("compute pool initialized", log.Int("executors", n))
	return nil
}

// Submit sends payload to the first free executor found scanning from
// the pool's cursor, per spec.md §4.4. If none are free, it falls back
// to inline execution on the caller's goroutine — PoolSaturation is not
// an error, it's the pool favoring latency over queueing (spec.md §7).
func (p *ComputePool) Submit(ctx context.Context, handlerTag string, payload interface{}) (interface{}, error) {
	if e := p.acquireExecutor(); e != nil {
		defer e.release()

		t := &task{handlerTag: handlerTag, payload: payload, reply: make(chan Result, 1)}
		select {
		case e.inbox <- t:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case result := <-t.reply:
			submitsTotal.WithLabelValues(handlerTag, "executor").Inc()
			return result.Value, result.Err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	submitsTotal.WithLabelValues(handlerTag, "inline").Inc()
	result := p.runInline(handlerTag, payload)
	return result.Value, result.Err
}

// acquireExecutor scans executors starting at the cursor for the first
// non-busy one, marks it busy, and advances the cursor past it, per
// spec.md §4.4. It returns nil if every executor is busy (or there are
// none), signaling the caller to fall back inline.
func (p *ComputePool) acquireExecutor() *executor {
	n := len(p.executors)
	if n == 0 {
		return nil
	}
	start := int(atomic.LoadUint64(&p.cursor) % uint64(n))
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := p.executors[idx]
		if e.tryAcquire() {
			atomic.StoreUint64(&p.cursor, uint64(idx+1))
			return e
		}
	}
	return nil
}

// runInline executes the handler directly, with the same panic recovery
// an executor goroutine would apply, so inline and executor dispatch
// share identical failure semantics.
func (p *ComputePool) runInline(handlerTag string, payload interface{}) Result {
	fake := &executor{id: -1, log: p.log}
	return fake.invoke(p.handlers, &task{handlerTag: handlerTag, payload: payload})
}

// Shutdown tells every executor to terminate and clears the roster, per
// spec.md §4.4.
func (p *ComputePool) Shutdown() {
	p.shutdownOnce.Do(func() {
		for _, e := range p.executors {
			e.inbox <- &task{shutdown: true}
		}
		p.executors = nil
	})
}
