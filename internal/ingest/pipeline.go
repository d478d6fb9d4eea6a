// Package ingest receives provider webhooks, verifies and deduplicates them,
// and fans the resulting fetch work out to a worker pool.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/metrics"
	"github.com/agentworkforce/whooprelay/internal/sink"
	"github.com/agentworkforce/whooprelay/internal/storage"
	"github.com/agentworkforce/whooprelay/internal/tokens"
)

type Outcome string

const (
	OutcomeRejected   Outcome = "rejected"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeDropped    Outcome = "dropped"
)

// Delivery is one inbound webhook request as received on the wire.
type Delivery struct {
	Timestamp string
	Signature string
	Body      []byte
}

type Fetcher interface {
	FetchRecord(ctx context.Context, userID int64, resource dataapi.Resource, id string) (dataapi.Record, error)
}

// Task is the unit of work on the dispatch queue.
type Task struct {
	ID         string    `json:"id"`
	TraceID    string    `json:"trace_id"`
	UserID     int64     `json:"user_id"`
	ObjectID   string    `json:"object_id"`
	EventType  EventType `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
	Attempt    int       `json:"attempt"`
}

// Key identifies tasks that would perform the same fetch.
func (t Task) Key() string {
	return fmt.Sprintf("%s|%s|%d", t.EventType, t.ObjectID, t.UserID)
}

type DeadLetter struct {
	Task     Task      `json:"task"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

type Status struct {
	Received     uint64 `json:"received"`
	Rejected     uint64 `json:"rejected"`
	Ignored      uint64 `json:"ignored"`
	Duplicates   uint64 `json:"duplicates"`
	Dispatched   uint64 `json:"dispatched"`
	Coalesced    uint64 `json:"coalesced"`
	Dropped      uint64 `json:"dropped"`
	Applied      uint64 `json:"applied"`
	Unchanged    uint64 `json:"unchanged"`
	Gone         uint64 `json:"gone"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	QueueDepth   int    `json:"queue_depth"`
	QueueCap     int    `json:"queue_capacity"`
	Workers      int    `json:"workers"`
}

type Options struct {
	Verifier *Verifier
	Dedup    Dedup
	Queue    storage.Queue
	Fetcher  Fetcher
	Sink     sink.Sink
	Clock    clockwork.Clock
	Logger   logrus.FieldLogger

	Workers         int
	MaxTaskAttempts int
	// RetryPolicy spaces task attempts after retryable fetch failures.
	RetryPolicy dataapi.Policy
	// DedupTimeout bounds the dedup lookup on the acknowledgement path.
	DedupTimeout time.Duration
	// RequeueTimeout bounds how long a retry waits for queue space before
	// the task is dead-lettered.
	RequeueTimeout time.Duration
	MaxDeadLetters int
}

type counters struct {
	received, rejected, ignored, duplicates, dispatched, coalesced atomic.Uint64
	dropped, applied, unchanged, gone, retried, deadLettered       atomic.Uint64
}

type Pipeline struct {
	verifier       *Verifier
	dedup          Dedup
	queue          storage.Queue
	fetcher        Fetcher
	sink           sink.Sink
	clock          clockwork.Clock
	log            logrus.FieldLogger
	workers        int
	maxAttempts    int
	retryPolicy    dataapi.Policy
	dedupTimeout   time.Duration
	requeueTimeout time.Duration
	maxDeadLetters int

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	mu          sync.Mutex
	queued      map[string]struct{}
	deadLetters []DeadLetter

	stats counters
}

// New builds the pipeline and starts its workers. Close stops them.
func New(opts Options) (*Pipeline, error) {
	if opts.Verifier == nil {
		return nil, errors.New("ingest: verifier is required")
	}
	if opts.Fetcher == nil || opts.Sink == nil {
		return nil, errors.New("ingest: fetcher and sink are required")
	}
	p := &Pipeline{
		verifier:       opts.Verifier,
		dedup:          opts.Dedup,
		queue:          opts.Queue,
		fetcher:        opts.Fetcher,
		sink:           opts.Sink,
		clock:          opts.Clock,
		log:            opts.Logger,
		workers:        opts.Workers,
		maxAttempts:    opts.MaxTaskAttempts,
		retryPolicy:    opts.RetryPolicy,
		dedupTimeout:   opts.DedupTimeout,
		requeueTimeout: opts.RequeueTimeout,
		maxDeadLetters: opts.MaxDeadLetters,
		queued:         map[string]struct{}{},
	}
	if p.dedup == nil {
		p.dedup = NewMemoryDedup(DefaultDedupEntries, DefaultDedupTTL)
	}
	if p.queue == nil {
		p.queue = storage.NewMemoryQueue(1024)
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	p.log = p.log.WithField("component", "ingest")
	if p.workers <= 0 {
		p.workers = 4
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.retryPolicy == nil {
		p.retryPolicy = dataapi.BackoffPolicy{MaxAttempts: p.maxAttempts, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, Jitter: 0.2}
	}
	if p.dedupTimeout <= 0 {
		p.dedupTimeout = 2 * time.Second
	}
	if p.requeueTimeout <= 0 {
		p.requeueTimeout = 30 * time.Second
	}
	if p.maxDeadLetters <= 0 {
		p.maxDeadLetters = 1000
	}
	p.adoptPending()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p, nil
}

// Ingest runs a delivery through verification, validation, dedup and
// dispatch. It never waits on the data API.
func (p *Pipeline) Ingest(ctx context.Context, d Delivery) Outcome {
	p.stats.received.Add(1)
	outcome := p.ingest(ctx, d)
	metrics.RecordWebhook(string(outcome))
	return outcome
}

func (p *Pipeline) ingest(ctx context.Context, d Delivery) Outcome {
	if err := p.verifier.Verify(d.Timestamp, d.Body, d.Signature); err != nil {
		p.stats.rejected.Add(1)
		p.log.WithError(err).WithField("security", true).Warn("rejected webhook delivery")
		return OutcomeRejected
	}
	ev, err := ParseEvent(d.Body, p.clock.Now())
	if err != nil {
		p.stats.ignored.Add(1)
		p.log.WithError(err).Warn("ignoring malformed webhook payload")
		return OutcomeIgnored
	}
	log := p.log.WithFields(logrus.Fields{"trace_id": ev.TraceID, "user_id": ev.UserID, "event_type": ev.Type})

	dedupCtx, cancel := context.WithTimeout(ctx, p.dedupTimeout)
	first, err := p.dedup.MarkSeen(dedupCtx, ev.TraceID)
	cancel()
	if err != nil {
		log.WithError(err).Warn("dedup lookup failed; dispatching anyway")
		first = true
	}
	if !first {
		p.stats.duplicates.Add(1)
		log.Debug("duplicate webhook delivery")
		return OutcomeDuplicate
	}

	task := Task{
		ID:         uuid.NewString(),
		TraceID:    ev.TraceID,
		UserID:     ev.UserID,
		ObjectID:   ev.ObjectID,
		EventType:  ev.Type,
		ReceivedAt: ev.ReceivedAt,
	}
	if !p.enqueue(task, p.queue.TryEnqueue) {
		p.stats.dropped.Add(1)
		forgetCtx, cancel := context.WithTimeout(context.Background(), p.dedupTimeout)
		_ = p.dedup.Forget(forgetCtx, ev.TraceID)
		cancel()
		log.Warn("dispatch queue full; dropping webhook event")
		return OutcomeDropped
	}
	p.stats.dispatched.Add(1)
	log.Debug("webhook event dispatched")
	return OutcomeDispatched
}

// adoptPending registers tasks left in a durable queue by a previous process
// so new deliveries coalesce with them.
func (p *Pipeline) adoptPending() {
	pending := storage.SnapshotQueue(p.queue)
	for _, payload := range pending {
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			continue
		}
		p.queued[task.Key()] = struct{}{}
	}
	if len(pending) > 0 {
		p.log.WithField("pending", len(pending)).Info("resuming queued tasks")
		metrics.DispatchQueueDepth.Set(float64(p.queue.Depth()))
	}
}

// enqueue adds task with push unless an identical fetch is already waiting.
func (p *Pipeline) enqueue(task Task, push func(payload string) bool) bool {
	key := task.Key()
	p.mu.Lock()
	if _, waiting := p.queued[key]; waiting {
		p.mu.Unlock()
		p.stats.coalesced.Add(1)
		return true
	}
	p.queued[key] = struct{}{}
	p.mu.Unlock()

	payload, err := json.Marshal(task)
	if err == nil && push(string(payload)) {
		metrics.DispatchQueueDepth.Set(float64(p.queue.Depth()))
		return true
	}
	p.mu.Lock()
	delete(p.queued, key)
	p.mu.Unlock()
	return false
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		payload, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			if p.ctx.Err() != nil {
				return
			}
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			p.log.WithError(err).Warn("discarding undecodable dispatch task")
			continue
		}
		p.mu.Lock()
		delete(p.queued, task.Key())
		p.mu.Unlock()
		metrics.DispatchQueueDepth.Set(float64(p.queue.Depth()))
		p.process(task)
	}
}

func (p *Pipeline) process(task Task) {
	log := p.log.WithFields(logrus.Fields{
		"trace_id":   task.TraceID,
		"user_id":    task.UserID,
		"object_id":  task.ObjectID,
		"event_type": task.EventType,
		"attempt":    task.Attempt + 1,
	})
	err := p.handle(p.ctx, task)
	switch {
	case err == nil:
		return
	case errors.Is(err, dataapi.ErrResourceGone):
		p.stats.gone.Add(1)
		metrics.RecordDispatch(string(task.EventType), "gone")
		log.Debug("resource no longer exists upstream")
	case errors.Is(err, tokens.ErrReauthorizationRequired), errors.Is(err, tokens.ErrNotFound), errors.Is(err, dataapi.ErrAuthExpired):
		metrics.RecordDispatch(string(task.EventType), "unauthorized")
		p.deadLetter(task, err)
	case p.ctx.Err() != nil:
		log.WithError(err).Info("task interrupted by shutdown")
	default:
		p.retryOrDeadLetter(task, err, log)
	}
}

func (p *Pipeline) handle(ctx context.Context, task Task) error {
	resource := task.EventType.Resource()
	update := sink.Update{
		UserID:   task.UserID,
		Resource: resource.String(),
		ID:       task.ObjectID,
		Source:   sink.SourceWebhook,
	}
	if task.EventType.IsDeletion() {
		update.Deleted = true
		update.UpdatedAt = task.ReceivedAt
	} else {
		rec, err := p.fetcher.FetchRecord(ctx, task.UserID, resource, task.ObjectID)
		if err != nil {
			return err
		}
		update.ID = rec.ID
		update.UpdatedAt = rec.UpdatedAt
		update.Payload = rec.Raw
	}
	applied, err := p.sink.Apply(ctx, update)
	if err != nil {
		return fmt.Errorf("apply %s %s: %w", resource, update.ID, err)
	}
	if applied {
		p.stats.applied.Add(1)
		metrics.RecordDispatch(string(task.EventType), "applied")
	} else {
		p.stats.unchanged.Add(1)
		metrics.RecordDispatch(string(task.EventType), "unchanged")
	}
	return nil
}

func (p *Pipeline) retryOrDeadLetter(task Task, cause error, log logrus.FieldLogger) {
	task.Attempt++
	if task.Attempt >= p.maxAttempts {
		p.deadLetter(task, cause)
		return
	}
	delay := p.retryDelay(task.Attempt, cause)
	if delay == backoff.Stop {
		p.deadLetter(task, cause)
		return
	}
	p.stats.retried.Add(1)
	metrics.RecordDispatch(string(task.EventType), "retry")
	log.WithError(cause).WithField("delay", delay).Info("scheduling task retry")
	p.clock.AfterFunc(delay, func() {
		if p.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(p.ctx, p.requeueTimeout)
		defer cancel()
		requeued := p.enqueue(task, func(payload string) bool {
			return p.queue.Enqueue(ctx, payload)
		})
		if !requeued && p.ctx.Err() == nil {
			p.deadLetter(task, fmt.Errorf("requeue failed: %w", cause))
		}
	})
}

// retryDelay honours a rate limit's Retry-After and otherwise walks the
// policy to the given attempt.
func (p *Pipeline) retryDelay(attempt int, cause error) time.Duration {
	var rl *dataapi.RateLimitedError
	if errors.As(cause, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	b := p.retryPolicy.NewBackOff()
	delay := time.Duration(0)
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
		if delay == backoff.Stop {
			return backoff.Stop
		}
	}
	return delay
}

func (p *Pipeline) deadLetter(task Task, cause error) {
	p.stats.deadLettered.Add(1)
	metrics.RecordDispatch(string(task.EventType), "dead_letter")
	p.log.WithError(cause).WithFields(logrus.Fields{
		"trace_id":  task.TraceID,
		"user_id":   task.UserID,
		"object_id": task.ObjectID,
	}).Warn("giving up on task; reconciliation will pick up the change")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadLetters = append(p.deadLetters, DeadLetter{Task: task, Reason: cause.Error(), FailedAt: p.clock.Now().UTC()})
	if over := len(p.deadLetters) - p.maxDeadLetters; over > 0 {
		p.deadLetters = append([]DeadLetter(nil), p.deadLetters[over:]...)
	}
}

func (p *Pipeline) DeadLetters() []DeadLetter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]DeadLetter(nil), p.deadLetters...)
}

func (p *Pipeline) Status() Status {
	return Status{
		Received:     p.stats.received.Load(),
		Rejected:     p.stats.rejected.Load(),
		Ignored:      p.stats.ignored.Load(),
		Duplicates:   p.stats.duplicates.Load(),
		Dispatched:   p.stats.dispatched.Load(),
		Coalesced:    p.stats.coalesced.Load(),
		Dropped:      p.stats.dropped.Load(),
		Applied:      p.stats.applied.Load(),
		Unchanged:    p.stats.unchanged.Load(),
		Gone:         p.stats.gone.Load(),
		Retried:      p.stats.retried.Load(),
		DeadLettered: p.stats.deadLettered.Load(),
		QueueDepth:   p.queue.Depth(),
		QueueCap:     p.queue.Capacity(),
		Workers:      p.workers,
	}
}

// Close stops the workers and waits for in-flight tasks to return.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
	return nil
}
