package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-voice-queue/internal/metrics"
)

// Post-creation job kinds.
const (
	JobInterfaceMessage = "interface_message"
	JobPermanentAccess  = "permanent_access"
	JobAudit            = "audit"
)

const defaultJobTimeout = 30 * time.Second

type job struct {
	kind string
	run  func(ctx context.Context) error
}

// PostCreateQueue runs best-effort follow-up work for completed requests on
// its own goroutines. Jobs never report back to the request: by the time they
// run the request is already COMPLETED, so failures are only logged and
// counted. When the buffer is full new jobs are dropped.
type PostCreateQueue struct {
	log     zerolog.Logger
	timeout time.Duration

	mu     sync.Mutex
	jobs   chan job
	closed bool
	wg     sync.WaitGroup
}

// NewPostCreateQueue creates a queue with the given worker count and buffer.
func NewPostCreateQueue(workers, buffer int, log zerolog.Logger) *PostCreateQueue {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = 64
	}
	q := &PostCreateQueue{
		log:     log.With().Str("component", "post_create").Logger(),
		timeout: defaultJobTimeout,
		jobs:    make(chan job, buffer),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.loop()
	}
	return q
}

func (q *PostCreateQueue) loop() {
	defer q.wg.Done()
	for j := range q.jobs {
		q.exec(j)
	}
}

func (q *PostCreateQueue) exec(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return j.run(ctx)
	}()
	if err != nil {
		metrics.PostCreateTasks.WithLabelValues(j.kind, "error").Inc()
		q.log.Warn().Err(err).Str("kind", j.kind).Msg("post-create task failed")
		return
	}
	metrics.PostCreateTasks.WithLabelValues(j.kind, "ok").Inc()
}

// Submit enqueues a job without blocking. It reports false when the job was
// dropped because the queue is full or closed.
func (q *PostCreateQueue) Submit(kind string, run func(ctx context.Context) error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job{kind: kind, run: run}:
		return true
	default:
		metrics.PostCreateTasks.WithLabelValues(kind, "dropped").Inc()
		q.log.Warn().Str("kind", kind).Msg("post-create queue full; job dropped")
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (q *PostCreateQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
