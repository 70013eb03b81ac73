// Package queue serializes and throttles outbound AI provider calls so
// the process as a whole respects the provider's rate limits, no matter
// how many features submit work concurrently.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/unilingo/ai-gateway/internal/provider"
)

var (
	ErrClosed  = errors.New("request queue closed")
	ErrCleared = errors.New("request dropped: queue cleared")
)

// pollInterval bounds how long a blocked dispatcher waits before
// re-checking window and breaker expiry.
const pollInterval = 20 * time.Millisecond

// Task is a deferred provider call. It runs at most once; the queue
// never retries.
type Task func(ctx context.Context) (*provider.Response, error)

// UsageSample feeds actual post-call token counts back into the rolling
// window so admission reflects real consumption, not just estimates.
type UsageSample struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type Config struct {
	RequestsPerMinute int
	TokensPerMinute   int
	MaxConcurrent     int
	BreakerCooldown   time.Duration
	// Window is the rolling accounting window. Zero means one minute;
	// tests shrink it.
	Window time.Duration
}

type Status struct {
	QueueSize          int  `json:"queue_size"`
	InFlight           int  `json:"in_flight"`
	BreakerOpen        bool `json:"breaker_open"`
	RequestsThisWindow int  `json:"requests_this_window"`
	TokensThisWindow   int  `json:"tokens_this_window"`
	RequestsPerMinute  int  `json:"requests_per_minute"`
	TokensPerMinute    int  `json:"tokens_per_minute"`
}

type result struct {
	resp *provider.Response
	err  error
}

type item struct {
	id              string
	priority        int
	estimatedTokens int
	seq             uint64
	enqueued        time.Time
	ctx             context.Context
	task            Task
	done            chan result
}

// Queue admits prioritized provider calls under a requests/minute and
// tokens/minute ceiling, with a cooldown breaker that pauses dequeues
// after a provider rate-limit signal. Construct explicitly with New and
// pass it to callers; there is no package-level instance.
type Queue struct {
	cfg Config

	mu       sync.Mutex
	items    itemHeap
	seq      uint64
	inFlight int
	closed   bool

	windowStart        time.Time
	requestsThisWindow int
	tokensThisWindow   int
	breakerOpenUntil   time.Time

	wake chan struct{}
	stop chan struct{}
}

func New(cfg Config) *Queue {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	q := &Queue{
		cfg:         cfg,
		windowStart: time.Now(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	heap.Init(&q.items)
	go q.dispatch()
	return q
}

// Execute admits the task into the queue and blocks until it has run or
// failed terminally. Higher priority dequeues first; ties break FIFO.
func (q *Queue) Execute(ctx context.Context, task Task, priority, estimatedTokens int) (*provider.Response, error) {
	it := &item{
		id:              uuid.New().String(),
		priority:        priority,
		estimatedTokens: estimatedTokens,
		enqueued:        time.Now(),
		ctx:             ctx,
		task:            task,
		done:            make(chan result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.seq++
	it.seq = q.seq
	heap.Push(&q.items, it)
	q.mu.Unlock()
	q.signal()

	select {
	case res := <-it.done:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// UpdateTokenUsage records actual consumption from a completed call
// into the current window.
func (q *Queue) UpdateTokenUsage(sample UsageSample) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeRollWindowLocked()
	q.requestsThisWindow++
	q.tokensThisWindow += sample.TotalTokens
}

// TripBreaker opens the circuit breaker for the configured cooldown.
// Called when the provider reports a throughput rate limit; new
// dequeues pause until the cooldown elapses.
func (q *Queue) TripBreaker() {
	q.mu.Lock()
	q.breakerOpenUntil = time.Now().Add(q.cfg.BreakerCooldown)
	q.mu.Unlock()
	log.Printf("queue: breaker opened, pausing dequeues for %s", q.cfg.BreakerCooldown)

	time.AfterFunc(q.cfg.BreakerCooldown, q.signal)
}

// Clear drops every not-yet-executing item; their Execute calls fail
// with ErrCleared. In-flight requests are unaffected.
func (q *Queue) Clear() {
	q.mu.Lock()
	dropped := q.items
	q.items = nil
	heap.Init(&q.items)
	q.mu.Unlock()

	for _, it := range dropped {
		it.done <- result{err: ErrCleared}
	}
	if len(dropped) > 0 {
		log.Printf("queue: cleared %d pending requests", len(dropped))
	}
}

// Close stops the dispatcher and fails all pending items with
// ErrClosed. In-flight tasks run to completion.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.items
	q.items = nil
	q.mu.Unlock()

	close(q.stop)
	for _, it := range dropped {
		it.done <- result{err: ErrClosed}
	}
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maybeRollWindowLocked()
	return Status{
		QueueSize:          q.items.Len(),
		InFlight:           q.inFlight,
		BreakerOpen:        time.Now().Before(q.breakerOpenUntil),
		RequestsThisWindow: q.requestsThisWindow,
		TokensThisWindow:   q.tokensThisWindow,
		RequestsPerMinute:  q.cfg.RequestsPerMinute,
		TokensPerMinute:    q.cfg.TokensPerMinute,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		q.maybeRollWindowLocked()
		var next *item
		blocked := false
		if q.items.Len() > 0 {
			head := q.items[0]
			if q.inFlight < q.cfg.MaxConcurrent && q.canAdmitLocked(head) {
				next = heap.Pop(&q.items).(*item)
				q.inFlight++
			} else {
				blocked = true
			}
		}
		q.mu.Unlock()

		if next != nil {
			go q.run(next)
			continue
		}

		if blocked {
			// Capacity, window or breaker holds the head back; poll
			// until one of them frees up.
			select {
			case <-q.wake:
			case <-time.After(pollInterval):
			case <-q.stop:
				return
			}
			continue
		}

		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) run(it *item) {
	defer func() {
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		q.signal()
	}()

	// Caller gave up while the item was still queued.
	if err := it.ctx.Err(); err != nil {
		it.done <- result{err: err}
		return
	}

	log.Printf("queue: executing request %s (priority %d, queued %s)",
		it.id, it.priority, time.Since(it.enqueued).Round(time.Millisecond))

	resp, err := it.task(it.ctx)
	it.done <- result{resp: resp, err: err}
}

// canAdmitLocked decides whether the head item fits the current window
// and breaker state.
func (q *Queue) canAdmitLocked(it *item) bool {
	if time.Now().Before(q.breakerOpenUntil) {
		return false
	}
	if q.cfg.RequestsPerMinute > 0 && q.requestsThisWindow >= q.cfg.RequestsPerMinute {
		return false
	}
	if q.cfg.TokensPerMinute > 0 && q.tokensThisWindow+it.estimatedTokens >= q.cfg.TokensPerMinute {
		// An item estimated above the whole ceiling would never fit;
		// let it through alone on a fresh window.
		if q.tokensThisWindow == 0 {
			return true
		}
		return false
	}
	return true
}

func (q *Queue) maybeRollWindowLocked() {
	now := time.Now()
	if now.Sub(q.windowStart) >= q.cfg.Window {
		q.windowStart = now
		q.requestsThisWindow = 0
		q.tokensThisWindow = 0
	}
}

// itemHeap orders by descending priority, then ascending sequence
// number (FIFO among equal priorities).
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
