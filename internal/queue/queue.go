package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/resilience"
)

// ErrClosed is returned for requests still queued when the queue shuts down.
var ErrClosed = eris.New("queue: closed")

// Attemptable is the unit of work the queue dispatches. It is expected to
// wrap resilience.Execute, so errors arriving here are terminal for one
// attempt and carry their classification.
type Attemptable func(ctx context.Context) (any, error)

// Outcome is the terminal result delivered to the submitter.
type Outcome struct {
	Value any
	Err   error
}

// request is one queued unit of work.
type request struct {
	id          string
	service     string
	priority    int
	attempt     int
	maxAttempts int
	seq         int64 // FIFO tie-break; negative for front-of-band reinserts
	notBefore   time.Time
	ctx         context.Context
	invoke      Attemptable
	result      chan Outcome
}

// requestHeap orders by priority (higher first), then seq (lower first).
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }
func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)   { *h = append(*h, x.(*request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Options configures the dispatch queue.
type Options struct {
	// Budgets maps service names to their call allowance. Services without
	// an entry get Budget defaults.
	Budgets map[string]Budget

	// PollInterval is how long the loop sleeps when nothing is ready
	// before rechecking. A deliberate simplicity/latency tradeoff over
	// precise wakeups. Default: 5s.
	PollInterval time.Duration

	// DefaultMaxAttempts bounds queue-level re-admissions per request.
	// Default: 3.
	DefaultMaxAttempts int

	// RequeueBase is the base delay for queue-level backoff on re-admitted
	// requests. Default: 2s.
	RequeueBase time.Duration

	// Breakers optionally gates dispatch per service.
	Breakers *resilience.Breakers

	// Now is injectable for tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	if o.RequeueBase <= 0 {
		o.RequeueBase = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Queue is the single point of concurrency control for outbound calls.
// One dispatch loop owns the heap and every service counter.
type Queue struct {
	opts Options

	submitCh  chan *request
	requeueCh chan *request
	doneCh    chan string // service name of a completed dispatch
	stopCh    chan struct{}
	stopped   sync.Once
	loopDone  chan struct{}

	mu       sync.Mutex // guards services+pending for Stats; written only by the loop
	services map[string]*serviceState
	pending  requestHeap

	nextSeq  int64
	frontSeq int64
}

// New creates the queue and starts its dispatch loop.
func New(opts Options) *Queue {
	q := &Queue{
		opts:      opts.withDefaults(),
		submitCh:  make(chan *request, 64),
		requeueCh: make(chan *request, 64),
		doneCh:    make(chan string, 64),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
		services:  make(map[string]*serviceState),
	}
	go q.loop()
	return q
}

// Submit enqueues one attemptable for the named service. The returned
// channel delivers exactly one Outcome: the value, a terminal error after
// maxAttempts queue-level re-admissions, or ctx.Err when the caller
// cancels while queued.
func (q *Queue) Submit(ctx context.Context, service string, priority int, fn Attemptable) <-chan Outcome {
	req := &request{
		id:          uuid.New().String(),
		service:     service,
		priority:    priority,
		attempt:     1,
		maxAttempts: q.opts.DefaultMaxAttempts,
		ctx:         ctx,
		invoke:      fn,
		result:      make(chan Outcome, 1),
	}
	select {
	case q.submitCh <- req:
		// The send can win this race after the loop has already drained
		// and exited; sweep the channel so no caller waits forever.
		select {
		case <-q.stopCh:
			q.flushClosed(q.submitCh)
		default:
		}
	case <-q.stopCh:
		req.result <- Outcome{Err: ErrClosed}
	case <-ctx.Done():
		req.result <- Outcome{Err: ctx.Err()}
	}
	return req.result
}

// flushClosed waits for the loop to exit, then completes any requests still
// parked in ch with ErrClosed. Receives are exclusive, so a request drained
// by the loop or a racing caller is never completed twice.
func (q *Queue) flushClosed(ch chan *request) {
	<-q.loopDone
	for {
		select {
		case req := <-ch:
			req.result <- Outcome{Err: ErrClosed}
		default:
			return
		}
	}
}

// Stats returns a per-service snapshot for observability endpoints.
func (q *Queue) Stats() map[string]ServiceStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]ServiceStats, len(q.services))
	for name, s := range q.services {
		out[name] = ServiceStats{
			Active:      s.active,
			MinuteCount: s.minuteCount,
			HourCount:   s.hourCount,
		}
	}
	for _, r := range q.pending {
		st := out[r.service]
		st.Queued++
		out[r.service] = st
	}
	return out
}

// Close stops the dispatch loop. Requests still queued are completed with
// ErrClosed; in-flight invocations finish on their own.
func (q *Queue) Close() {
	q.stopped.Do(func() { close(q.stopCh) })
	<-q.loopDone
}

func (q *Queue) state(service string) *serviceState {
	if s, ok := q.services[service]; ok {
		return s
	}
	s := newServiceState(q.opts.Budgets[service], q.opts.Now())
	q.services[service] = s
	return s
}

func (q *Queue) loop() {
	defer close(q.loopDone)
	log := zap.L().Named("dispatch")

	poll := time.NewTimer(q.opts.PollInterval)
	defer poll.Stop()

	for {
		q.dispatchReady(log)

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(q.opts.PollInterval)

		select {
		case <-q.stopCh:
			q.drain()
			return
		case req := <-q.submitCh:
			q.push(req, false)
		case req := <-q.requeueCh:
			q.push(req, true)
		case service := <-q.doneCh:
			q.mu.Lock()
			q.state(service).active--
			q.mu.Unlock()
		case <-poll.C:
		}
	}
}

// push inserts a request; front=true re-inserts at the head of its priority
// band (reinserted work beats everything queued behind it at equal priority).
func (q *Queue) push(req *request, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front {
		q.frontSeq--
		req.seq = q.frontSeq
	} else {
		q.nextSeq++
		req.seq = q.nextSeq
	}
	heap.Push(&q.pending, req)
}

// dispatchReady pops and dispatches every request whose service is ready,
// highest priority first, skipping over blocked bands so one saturated
// service never starves another.
func (q *Queue) dispatchReady(log *zap.Logger) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	var skipped []*request

	for q.pending.Len() > 0 {
		req := heap.Pop(&q.pending).(*request)

		if req.ctx.Err() != nil {
			req.result <- Outcome{Err: req.ctx.Err()}
			continue
		}
		if now.Before(req.notBefore) {
			skipped = append(skipped, req)
			continue
		}
		st := q.state(req.service)
		if !st.ready(now) {
			skipped = append(skipped, req)
			continue
		}

		st.consume(now)
		log.Debug("dispatching request",
			zap.String("id", req.id),
			zap.String("service", req.service),
			zap.Int("priority", req.priority),
			zap.Int("attempt", req.attempt),
		)
		go q.run(req)
	}

	for _, r := range skipped {
		heap.Push(&q.pending, r)
	}
}

// run invokes the attemptable off the loop goroutine and routes the result:
// retryable rate/quota failures with attempts remaining are re-admitted at
// the front of their priority band with a computed delay; everything else
// is terminal.
func (q *Queue) run(req *request) {
	var val any
	var err error
	if q.opts.Breakers != nil {
		err = q.opts.Breakers.Get(req.service).Execute(req.ctx, func(ctx context.Context) error {
			var ierr error
			val, ierr = req.invoke(ctx)
			return ierr
		})
	} else {
		val, err = req.invoke(req.ctx)
	}

	select {
	case q.doneCh <- req.service:
	case <-q.stopCh:
	}

	if err != nil && req.ctx.Err() == nil && resilience.Retryable(err) && req.attempt < req.maxAttempts {
		req.attempt++
		req.notBefore = q.opts.Now().Add(q.requeueDelay(req.attempt, err))
		zap.L().Warn("requeueing rate-limited request at band head",
			zap.String("id", req.id),
			zap.String("service", req.service),
			zap.Int("attempt", req.attempt),
			zap.Time("not_before", req.notBefore),
			zap.Error(err),
		)
		select {
		case q.requeueCh <- req:
			// Same shutdown race as Submit's send.
			select {
			case <-q.stopCh:
				q.flushClosed(q.requeueCh)
			default:
			}
			return
		case <-q.stopCh:
			req.result <- Outcome{Err: ErrClosed}
			return
		}
	}

	req.result <- Outcome{Value: val, Err: err}
}

// requeueDelay prefers the provider's wait hint, falling back to
// exponential backoff on the queue-level attempt counter.
func (q *Queue) requeueDelay(attempt int, err error) time.Duration {
	if c := resilience.Classify(err); c.WaitHint > 0 {
		return c.WaitHint
	}
	d := q.opts.RequeueBase << (attempt - 2)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// drain completes everything still queued with ErrClosed.
func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.pending.Len() > 0 {
		req := heap.Pop(&q.pending).(*request)
		req.result <- Outcome{Err: ErrClosed}
	}
	for {
		select {
		case req := <-q.submitCh:
			req.result <- Outcome{Err: ErrClosed}
		case req := <-q.requeueCh:
			req.result <- Outcome{Err: ErrClosed}
		default:
			return
		}
	}
}
