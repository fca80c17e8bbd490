// Package executor runs batches of platform calls under three constraints:
//
//   - tasks sharing a Route never overlap; they run one after another in the
//     order they were accepted (highest priority first within a batch);
//   - at most Concurrency tasks run at once across all routes, and when a slot
//     frees the ready task with the lowest Priority value goes next;
//   - task starts are paced by a global token bucket (golang.org/x/time/rate).
//
// Per-route serialization is a pending chain: each accepted task holds the
// done channel of the task accepted before it on the same route and only
// becomes ready once that channel closes. No route lock is ever held while a
// task runs.
//
// Task failures are independent: one error (or panic) never stops siblings.
package executor

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-voice-queue/internal/metrics"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultConcurrency = 5
	DefaultPriority    = 5
)

// Task is one unit of rate-governed work.
type Task struct {
	// Route is the contention key, e.g. "perm:<channel>".
	Route string
	// Priority orders ready tasks; lower runs first.
	Priority int
	Run      func(ctx context.Context) error
}

// Options configures an Executor.
type Options struct {
	Concurrency int
	// RPS caps task starts per second; 0 disables pacing.
	RPS   float64
	Burst int
}

// Executor is safe for concurrent use by many ExecuteParallel callers.
type Executor struct {
	log     zerolog.Logger
	limiter *rate.Limiter
	max     int

	mu      sync.Mutex
	ready   readyQueue
	running int
	seq     uint64
	tails   map[string]chan struct{}
}

// New constructs an Executor.
func New(opt Options, log zerolog.Logger) *Executor {
	if opt.Concurrency <= 0 {
		opt.Concurrency = DefaultConcurrency
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if opt.RPS > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opt.RPS), burst)
	}
	return &Executor{
		log:     log.With().Str("component", "executor").Logger(),
		limiter: lim,
		max:     opt.Concurrency,
		tails:   make(map[string]chan struct{}),
	}
}

type item struct {
	ctx      context.Context
	task     Task
	priority int
	seq      uint64
	prev     chan struct{}
	done     chan struct{}
	err      error
}

// ExecuteParallel runs tasks and blocks until every one has finished. The
// returned slice is index-aligned with tasks; nil means success.
func (e *Executor) ExecuteParallel(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}

	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Priority < tasks[order[b]].Priority
	})

	items := make([]*item, len(tasks))
	e.mu.Lock()
	for _, idx := range order {
		t := tasks[idx]
		e.seq++
		it := &item{
			ctx:      ctx,
			task:     t,
			priority: t.Priority,
			seq:      e.seq,
			prev:     e.tails[t.Route],
			done:     make(chan struct{}),
		}
		e.tails[t.Route] = it.done
		items[idx] = it
	}
	e.mu.Unlock()

	for _, it := range items {
		go e.await(it)
	}
	for i, it := range items {
		<-it.done
		errs[i] = it.err
	}
	return errs
}

// await blocks until the route predecessor finishes, then marks it ready.
func (e *Executor) await(it *item) {
	if it.prev != nil {
		<-it.prev
	}
	e.mu.Lock()
	heap.Push(&e.ready, it)
	e.dispatchLocked()
	e.mu.Unlock()
}

func (e *Executor) dispatchLocked() {
	for e.running < e.max && e.ready.Len() > 0 {
		it := heap.Pop(&e.ready).(*item)
		e.running++
		go e.run(it)
	}
}

func (e *Executor) run(it *item) {
	defer func() {
		e.mu.Lock()
		e.running--
		if e.tails[it.task.Route] == it.done {
			delete(e.tails, it.task.Route)
		}
		e.dispatchLocked()
		e.mu.Unlock()
		close(it.done)
	}()

	if err := e.limiter.Wait(it.ctx); err != nil {
		it.err = err
		metrics.ExecutorTasks.WithLabelValues("error").Inc()
		return
	}
	it.err = e.safeRun(it)
	if it.err != nil {
		metrics.ExecutorTasks.WithLabelValues("error").Inc()
		e.log.Debug().Err(it.err).Str("route", it.task.Route).Msg("task failed")
		return
	}
	metrics.ExecutorTasks.WithLabelValues("ok").Inc()
}

func (e *Executor) safeRun(it *item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor: task on route %q panicked: %v", it.task.Route, r)
		}
	}()
	if it.task.Run == nil {
		return fmt.Errorf("executor: task on route %q has no Run func", it.task.Route)
	}
	return it.task.Run(it.ctx)
}

// Running returns the number of tasks currently executing.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ---- ready queue ----

type readyQueue []*item

func (q readyQueue) Len() int { return len(q) }
func (q readyQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q readyQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *readyQueue) Push(x any)   { *q = append(*q, x.(*item)) }
func (q *readyQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
