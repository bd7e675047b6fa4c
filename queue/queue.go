// Package queue implements the retrying on-chain submission queue: FIFO
// per owner, parallel across owners, exponential backoff, and a dead-letter
// path for non-retriable engine errors. Pending jobs are held in memory and
// do not survive a restart; only the dead-letter store can be durable
// (LevelDBDeadLetter).
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"cardcredit/credit"
	"cardcredit/crypto"
	"cardcredit/indexer"
	"cardcredit/observability/metrics"
)

// Kind enumerates the credit-engine instructions the queue can submit.
type Kind string

const (
	KindRecordDebt Kind = "record_debt"
	KindRepayDebt  Kind = "repay_debt"
	KindLiquidate  Kind = "liquidate"
)

// Job is one submission, keyed by IdempotencyKey so duplicate
// enqueues coalesce client-side.
type Job struct {
	Kind           Kind
	Owner          crypto.Address
	Caller         crypto.Address
	SeizeMint      crypto.Address
	AmountUSDMicro *big.Int
	AuthID         string
	IdempotencyKey string
}

// backoffSchedule is 1s, 2s, 4s, 8s, 16s across a maximum of 5 attempts.
var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}

const maxAttempts = 5

// DeadLetter persists jobs that exhausted retries or hit a non-retriable
// engine error, for operator inspection/replay.
type DeadLetter interface {
	Put(ctx context.Context, job Job, reason string) error
}

// MemoryDeadLetter is a mutex-guarded DeadLetter for tests and
// single-instance deployments.
type MemoryDeadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
}

// DeadLetterEntry pairs a job with the reason it was dead-lettered.
type DeadLetterEntry struct {
	Job    Job
	Reason string
}

func NewMemoryDeadLetter() *MemoryDeadLetter { return &MemoryDeadLetter{} }

func (m *MemoryDeadLetter) Put(_ context.Context, job Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, DeadLetterEntry{Job: job, Reason: reason})
	return nil
}

func (m *MemoryDeadLetter) Entries() []DeadLetterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetterEntry(nil), m.entries...)
}

// Alerter delivers an out-of-band notification whenever a job is
// dead-lettered. Queue works without one; wiring one in routes the same
// event to operator-facing tooling alongside the structured log line.
type Alerter interface {
	NotifyJobDeadLetter(kind, owner, authID, reason string) error
}

// nonRetriable reports whether err should go straight to the dead-letter
// path rather than be retried: these engine errors are deterministic, so
// no number of retries can succeed.
func nonRetriable(err error) bool {
	switch {
	case errors.Is(err, credit.ErrInvalidParameters),
		errors.Is(err, credit.ErrUnauthorized),
		errors.Is(err, credit.ErrNotInitialized),
		errors.Is(err, credit.ErrNotWhitelisted),
		errors.Is(err, credit.ErrAlreadyExists),
		errors.Is(err, credit.ErrDuplicateAuthID),
		errors.Is(err, credit.ErrNothingToRepay),
		errors.Is(err, credit.ErrNotLiquidatable),
		errors.Is(err, credit.ErrCloseFactorExceeded):
		return true
	default:
		return false
	}
}

// Queue runs one worker goroutine per owner shard, guaranteeing FIFO
// delivery within an owner while allowing owners to progress in
// parallel.
type Queue struct {
	engine     *credit.Engine
	deadLetter DeadLetter
	alerter    Alerter
	recorder   DebtRecorder
	watcher    PositionWatcher
	logger     *slog.Logger
	now        func() int64

	mu      sync.Mutex
	shards  map[string]chan Job
	seen    map[string]struct{} // idempotency-key de-dup, client-side coalescing
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(engine *credit.Engine, deadLetter DeadLetter, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		engine:     engine,
		deadLetter: deadLetter,
		logger:     logger,
		now:        func() int64 { return time.Now().Unix() },
		shards:     make(map[string]chan Job),
		seen:       make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// WithAlerter attaches an outbound alert channel for dead-lettered jobs,
// returning the same Queue for chaining.
func (q *Queue) WithAlerter(a Alerter) *Queue {
	q.alerter = a
	return q
}

// DebtRecorder observes each debt-changing instruction the queue
// successfully submits on-chain, independent of whether it is alerted or
// dead-lettered. A repay is reported as a negative delta.
type DebtRecorder interface {
	RecordDebtDelta(authID string, amountUSDMicro int64)
}

// WithDebtRecorder attaches a reconciliation feed for submitted debt
// deltas, returning the same Queue for chaining.
func (q *Queue) WithDebtRecorder(r DebtRecorder) *Queue {
	q.recorder = r
	return q
}

// PositionWatcher is notified after every successfully submitted
// position-mutating instruction, so the indexer can refresh its cache
// without polling the store directly. indexer.MemoryWatcher satisfies it.
type PositionWatcher interface {
	Notify(owner crypto.Address, kind indexer.ChangeKind, slot uint64)
}

// WithPositionWatcher attaches an indexer watcher, returning the same
// Queue for chaining.
func (q *Queue) WithPositionWatcher(w PositionWatcher) *Queue {
	q.watcher = w
	return q
}

// Close stops all shard workers and waits for in-flight jobs to finish.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}

// Enqueue submits job to its owner's shard, starting the shard worker on
// first use. Duplicate IdempotencyKeys are coalesced client-side: a job
// already queued or already processed under the same key is a no-op.
func (q *Queue) Enqueue(job Job) error {
	if job.IdempotencyKey == "" {
		return fmt.Errorf("queue: idempotency key required")
	}
	q.mu.Lock()
	if _, ok := q.seen[job.IdempotencyKey]; ok {
		q.mu.Unlock()
		return nil
	}
	q.seen[job.IdempotencyKey] = struct{}{}
	shardKey := job.Owner.String()
	ch, ok := q.shards[shardKey]
	if !ok {
		ch = make(chan Job, 256)
		q.shards[shardKey] = ch
		q.wg.Add(1)
		go q.runShard(ch)
	}
	q.mu.Unlock()

	select {
	case ch <- job:
		metrics.Credit().SetQueueDepth(string(job.Kind), len(ch))
		return nil
	case <-q.ctx.Done():
		return fmt.Errorf("queue: closed")
	}
}

func (q *Queue) runShard(ch chan Job) {
	defer q.wg.Done()
	for {
		select {
		case job := <-ch:
			q.process(job)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue) process(job Job) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := q.submit(job)
		if err == nil {
			return
		}
		lastErr = err
		if nonRetriable(err) {
			q.toDeadLetter(job, err)
			return
		}
		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-time.After(backoffSchedule[attempt]):
		case <-q.ctx.Done():
			return
		}
	}
	q.toDeadLetter(job, lastErr)
}

func (q *Queue) submit(job Job) error {
	ctx := q.ctx
	now := q.now()
	var err error
	switch job.Kind {
	case KindRecordDebt:
		err = q.engine.RecordDebt(ctx, job.Caller, job.Owner, job.AmountUSDMicro, job.AuthID, now)
	case KindRepayDebt:
		err = q.engine.RepayDebt(ctx, job.Owner, job.AmountUSDMicro, job.AuthID, now)
	case KindLiquidate:
		_, err = q.engine.Liquidate(ctx, job.Caller, job.Owner, job.SeizeMint, job.AmountUSDMicro, now)
		if err == nil {
			metrics.Credit().ObserveLiquidation(job.SeizeMint.String())
		}
	default:
		return fmt.Errorf("queue: unknown job kind %q", job.Kind)
	}
	metrics.Credit().ObserveInstruction(string(job.Kind), err)
	if err == nil && q.recorder != nil && job.AmountUSDMicro != nil {
		delta := job.AmountUSDMicro.Int64()
		if job.Kind == KindRepayDebt {
			delta = -delta
		}
		if job.Kind == KindRecordDebt || job.Kind == KindRepayDebt {
			q.recorder.RecordDebtDelta(job.AuthID, delta)
		}
	}
	if err == nil && q.watcher != nil {
		q.watcher.Notify(job.Owner, indexer.ChangePosition, uint64(now))
	}
	return err
}

func (q *Queue) toDeadLetter(job Job, err error) {
	q.logger.Error("queue: job dead-lettered", "kind", job.Kind, "owner", job.Owner.String(), "auth_id", job.AuthID, "error", err)
	metrics.Credit().IncQueueDeadLettered(string(job.Kind))
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	if q.deadLetter != nil {
		if dlErr := q.deadLetter.Put(q.ctx, job, reason); dlErr != nil {
			q.logger.Error("queue: dead-letter write failed", "error", dlErr)
		}
	}
	if q.alerter != nil {
		if alertErr := q.alerter.NotifyJobDeadLetter(string(job.Kind), job.Owner.String(), job.AuthID, reason); alertErr != nil {
			q.logger.Error("queue: dead-letter alert failed", "error", alertErr)
		}
	}
}
