package proxy

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/utopia-scale/utopia/config"
	"github.com/utopia-scale/utopia/roster"
)

// selector is the per-proxy selection state described in spec.md §3
// ("Selector state"): a cursor for round robin, a random source for
// Random, and (implicitly) the roster snapshot passed into Select.
type selector interface {
	Select(handles []*roster.WorkerHandle) (*roster.WorkerHandle, bool)
}

// newSelector builds the selector for a strategy, per spec.md §4.3.
func newSelector(strategy config.Strategy) selector {
	switch strategy {
	case config.LeastConnections:
		return leastConnectionsSelector{}
	case config.Random:
		return newRandomSelector()
	case config.RoundRobin:
		fallthrough
	default:
		return &roundRobinSelector{}
	}
}

// roundRobinSelector returns the handle at cursor, then advances
// cursor = (cursor+1) mod N, per spec.md §4.3. Under serialized
// observation this produces the exact sequence W[0]..W[N-1], repeating;
// under concurrent Select calls the interleaving isn't guaranteed but
// every worker is still chosen infinitely often under a steady stream.
type roundRobinSelector struct {
	cursor uint64
}

func (s *roundRobinSelector) Select(handles []*roster.WorkerHandle) (*roster.WorkerHandle, bool) {
	n := len(handles)
	if n == 0 {
		return nil, false
	}
	idx := atomic.AddUint64(&s.cursor, 1) - 1
	return handles[idx%uint64(n)], true
}

// leastConnectionsSelector returns the handle minimizing
// ActiveConnections, ties broken by first occurrence in the roster's
// stable iteration order, per spec.md §4.3.
type leastConnectionsSelector struct{}

func (leastConnectionsSelector) Select(handles []*roster.WorkerHandle) (*roster.WorkerHandle, bool) {
	if len(handles) == 0 {
		return nil, false
	}
	best := handles[0]
	bestCount := best.ActiveConnections()
	for _, h := range handles[1:] {
		if c := h.ActiveConnections(); c < bestCount {
			best, bestCount = h, c
		}
	}
	return best, true
}

// randomSelector uniformly samples one handle, per spec.md §4.3. It
// carries its own *rand.Rand (seeded at construction, like the teacher's
// colorCode seeding in tbflip/main.go) rather than relying on the
// deprecated global source, and guards it with a mutex since *rand.Rand
// is not safe for concurrent use.
type randomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newRandomSelector() *randomSelector {
	return &randomSelector{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *randomSelector) Select(handles []*roster.WorkerHandle) (*roster.WorkerHandle, bool) {
	n := len(handles)
	if n == 0 {
		return nil, false
	}
	s.mu.Lock()
	idx := s.rng.Intn(n)
	s.mu.Unlock()
	return handles[idx], true
}
