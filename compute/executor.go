package compute

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/log"
)

// HandlerFunc is a pre-registered computation, keyed by handler tag.
// Per spec.md §9 REDESIGN FLAGS, this replaces shipping a closure across
// the executor boundary: the submit call only ever sends
// {handlerTag, payload}.
type HandlerFunc func(payload interface{}) (interface{}, error)

// Result is the ComputeResult message described in spec.md §3: either a
// value or an error, never both.
type Result struct {
	Value interface{}
	Err   error
}

// task is the ComputeTask message (spec.md §3) sent to an executor's
// inbox: a handler tag, a payload, and a one-shot reply sink.
type task struct {
	handlerTag string
	payload    interface{}
	reply      chan Result
	shutdown   bool
}

// executor is a long-lived isolated compute worker, distinct from a
// cluster worker process (see GLOSSARY). It runs as a goroutine reading
// its own inbox channel.
type executor struct {
	id    int
	inbox chan *task
	busy  int32 // 0 or 1, guarded with atomic CAS
	log   log.Logger
}

func newExecutor(id int, logger log.Logger) *executor {
	return &executor{
		id:    id,
		inbox: make(chan *task),
		log:   logger.With(log.Int("executor.id", id)),
	}
}

// tryAcquire marks the executor busy if it was free, returning whether
// it succeeded.
func (e *executor) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&e.busy, 0, 1)
}

// release clears the busy flag; it is always called from a submitter's
// guaranteed-release step (a defer), per spec.md §4.4.
func (e *executor) release() {
	atomic.StoreInt32(&e.busy, 0)
}

// run is the executor's receive loop. It signals handshake-acknowledged
// readiness on ready before blocking on inbox, per spec.md §4.4 ("return
// when all are handshake-acknowledged").
func (e *executor) run(handlers map[string]HandlerFunc, ready *sync.WaitGroup) {
	ready.Done()
	for t := range e.inbox {
		if t.shutdown {
			close(e.inbox)
			return
		}
		t.reply <- e.invoke(handlers, t)
	}
}

// invoke runs the registered handler for t.handlerTag, recovering a
// handler panic into a Result error rather than crashing the executor
// (a supplement beyond spec.md: HandlerException must surface to the
// submitter while the executor remains healthy, per spec.md §7).
func (e *executor) invoke(handlers map[string]HandlerFunc, t *task) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panicked", log.String("handler", t.handlerTag), log.String("recover", fmt.Sprint(r)))
			result = Result{Err: fmt.Errorf("compute: handler %q panicked: %v", t.handlerTag, r)}
		}
	}()
	fn, ok := handlers[t.handlerTag]
	if !ok {
		return Result{Err: fmt.Errorf("compute: no handler registered for tag %q", t.handlerTag)}
	}
	value, err := fn(t.payload)
	if err != nil {
		return Result{Err: err}
	}
	return Result{Value: value}
}
