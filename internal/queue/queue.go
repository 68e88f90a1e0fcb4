// Package queue implements the persistent offline-publish queue: items are
// appended to a slot in the local key-value store, and a polling scheduler
// delivers due items with exponential backoff and jitter.
//
// Several processes may run a Queue over the same slot. Nothing locks the
// slot across processes, so an item can be delivered twice; delivery is
// at-least-once and relies on idempotent upserts on the server.
package queue

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxErrorLen caps the stored lastError in runes. It bounds the whole wrapped
// message from any Deliverer; transport separately caps the response body it
// quotes at 180 runes, which leaves room for the wrapping context.
const maxErrorLen = 300

// Deliverer performs the network write for one item.
type Deliverer[P any] interface {
	Deliver(ctx context.Context, item Item[P]) error
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc[P any] func(ctx context.Context, item Item[P]) error

func (f DeliverFunc[P]) Deliver(ctx context.Context, item Item[P]) error {
	return f(ctx, item)
}

// Notifier fans queue state out to other processes and listeners.
// Implementations are best-effort and must not block for long.
type Notifier interface {
	// PublishSummary mirrors the summary to its storage slot and broadcasts it.
	PublishSummary(queue string, s Summary)
	// RelaySummary broadcasts a summary observed from another process.
	RelaySummary(queue string, s Summary)
	// DataUpdated signals that the backing data of queue changed server-side.
	DataUpdated(queue string)
}

// Recorder receives delivery outcomes for metrics.
type Recorder interface {
	RecordAttempt(ctx context.Context, queue, outcome string, elapsed time.Duration)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Policy configures retry and retention behavior of one queue.
type Policy struct {
	// MaxAttempts is the attempt ceiling; 0 retries forever at the capped delay.
	MaxAttempts int
	// KeepSucceeded retains delivered items with StatusSuccess instead of removing them.
	KeepSucceeded bool
	// BroadcastOnSuccess emits DataUpdated after every successful delivery.
	BroadcastOnSuccess bool
	Backoff            Backoff
	// TickInterval is the polling cadence of the scheduler.
	TickInterval time.Duration
}

// Config holds the dependencies for a Queue.
type Config[P any] struct {
	Name      string
	Slots     Slots
	SlotKey   string
	Deliverer Deliverer[P]
	Policy    Policy
	// Sanitize is applied to every payload before it is stored.
	Sanitize func(P) P
	// BeforeCycle runs once per tick that has due items, before the first delivery.
	BeforeCycle func(ctx context.Context)
	Notifier    Notifier
	Recorder    Recorder
	Logger      *slog.Logger
	Clock       Clock
	// Rand returns uniform values in [0,1) for jitter.
	Rand func() float64
}

// TickResult reports what one scheduler pass did.
type TickResult struct {
	Attempted int
	Delivered int
	Retrying  int
	Failed    int
	// Pending is the number of queued or retrying items after the pass.
	Pending int
}

// Queue is one persistent publish queue with its own scheduler.
type Queue[P any] struct {
	name     string
	store    *Store[P]
	deliver  Deliverer[P]
	policy   Policy
	sanitize func(P) P
	before   func(ctx context.Context)
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	clock    Clock
	rand     func() float64

	// stateMu serializes read-modify-write cycles on the slot within this process.
	stateMu sync.Mutex
	// tickMu keeps at most one scheduler pass in flight.
	tickMu sync.Mutex

	mu      sync.Mutex
	started bool
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kickCh  chan struct{}

	subMu   sync.Mutex
	subs    map[int]func(Summary)
	nextSub int
	last    Summary
}

// New creates a Queue. The scheduler does not run until Start is called.
func New[P any](cfg Config[P]) *Queue[P] {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	policy := cfg.Policy
	if policy.TickInterval <= 0 {
		policy.TickInterval = 10 * time.Second
	}
	if policy.Backoff.Base <= 0 {
		policy.Backoff = DefaultBackoff()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	q := &Queue[P]{
		name:     cfg.Name,
		deliver:  cfg.Deliverer,
		policy:   policy,
		sanitize: cfg.Sanitize,
		before:   cfg.BeforeCycle,
		notifier: notifier,
		recorder: cfg.Recorder,
		logger:   logger.With("queue", cfg.Name),
		clock:    clock,
		rand:     rnd,
		kickCh:   make(chan struct{}, 1),
		subs:     make(map[int]func(Summary)),
	}
	key := cfg.SlotKey
	if key == "" {
		key = cfg.Name + "_queue_v1"
	}
	q.store = NewStore(cfg.Slots, key, q.logger, q.publish)
	return q
}

// Name returns the queue name used in broadcasts and logs.
func (q *Queue[P]) Name() string {
	return q.name
}

// Store exposes the underlying slot store.
func (q *Queue[P]) Store() *Store[P] {
	return q.store
}

// --- Public API ---

// Enqueue sanitizes payload, appends it as a queued item and wakes the
// scheduler. It never fails; persistence errors are logged.
func (q *Queue[P]) Enqueue(payload P) string {
	if q.sanitize != nil {
		payload = q.sanitize(payload)
	}
	now := q.clock.Now().UnixMilli()
	item := Item[P]{
		ID:            uuid.New().String(),
		Payload:       payload,
		Status:        StatusQueued,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	q.stateMu.Lock()
	items := q.store.Read()
	items = append(items, item)
	q.store.Write(items)
	q.stateMu.Unlock()

	q.logger.Info("item enqueued", "item_id", item.ID)
	q.Kick()
	return item.ID
}

// Kick asks the scheduler for an immediate pass outside its cadence.
func (q *Queue[P]) Kick() {
	q.schedule()
	select {
	case q.kickCh <- struct{}{}:
	default:
	}
}

// List returns a snapshot of all persisted items.
func (q *Queue[P]) List() []Item[P] {
	return q.store.Read()
}

// Summary derives the current summary from storage.
func (q *Queue[P]) Summary() Summary {
	return Summarize(q.store.Read(), q.clock.Now())
}

// Subscribe calls fn with the current summary immediately and again after
// every local mutation or observed cross-process change.
func (q *Queue[P]) Subscribe(fn func(Summary)) (unsubscribe func()) {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	fn(q.Summary())

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

// Refresh re-reads storage after another process changed it and notifies
// subscribers if the summary moved.
func (q *Queue[P]) Refresh() {
	s := q.Summary()
	q.subMu.Lock()
	changed := !s.sameCounts(q.last)
	if changed {
		q.last = s
	}
	q.subMu.Unlock()
	if !changed {
		return
	}
	q.fanOut(s)
	q.notifier.RelaySummary(q.name, s)
}

// --- Dead-letter handling ---

// RetryFailed moves every failed item back to queued with a fresh attempt
// budget and wakes the scheduler. It returns the number of items reset.
func (q *Queue[P]) RetryFailed() int {
	now := q.clock.Now().UnixMilli()
	n := q.mutate(func(items []Item[P]) []Item[P] {
		count := 0
		for i := range items {
			if items[i].Status != StatusFailed {
				continue
			}
			items[i].Status = StatusQueued
			items[i].Attempts = 0
			items[i].NextAttemptAt = now
			items[i].UpdatedAt = now
			count++
		}
		return items
	}, func(before, after []Item[P]) int { return countStatus(before, StatusFailed) - countStatus(after, StatusFailed) })
	if n > 0 {
		q.logger.Info("failed items reset for retry", "count", n)
		q.Kick()
	}
	return n
}

// ClearFailed removes failed items and returns how many were dropped.
func (q *Queue[P]) ClearFailed() int {
	return q.removeWhere(func(it Item[P]) bool { return it.Status == StatusFailed })
}

// ClearTerminal removes succeeded and failed items.
func (q *Queue[P]) ClearTerminal() int {
	return q.removeWhere(func(it Item[P]) bool { return !it.Status.Pending() })
}

// Remove deletes a single item by id. It reports whether the item existed.
func (q *Queue[P]) Remove(id string) bool {
	return q.removeWhere(func(it Item[P]) bool { return it.ID == id }) > 0
}

func (q *Queue[P]) removeWhere(match func(Item[P]) bool) int {
	return q.mutate(func(items []Item[P]) []Item[P] {
		out := items[:0]
		for _, it := range items {
			if !match(it) {
				out = append(out, it)
			}
		}
		return out
	}, func(before, after []Item[P]) int { return len(before) - len(after) })
}

// mutate runs a read-modify-write cycle and reports count(before, after).
// The write is skipped when nothing changed.
func (q *Queue[P]) mutate(fn func([]Item[P]) []Item[P], count func(before, after []Item[P]) int) int {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	items := q.store.Read()
	before := append([]Item[P](nil), items...)
	after := fn(items)
	n := count(before, after)
	if n > 0 {
		q.store.Write(after)
	}
	return n
}

// --- Scheduler ---

// Start enables the scheduler and triggers an initial pass. Calling Start on
// a running queue is a no-op.
func (q *Queue[P]) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.logger.Info("queue scheduler started", "interval", q.policy.TickInterval)
	q.Kick()
}

// Stop cancels the scheduler loop and waits for an in-flight pass to end.
func (q *Queue[P]) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.logger.Info("queue scheduler stopped")
}

// schedule starts the polling loop unless it is already running or the
// queue has not been started.
func (q *Queue[P]) schedule() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.started || q.running {
		return
	}
	q.running = true
	q.wg.Add(1)
	go q.loop(q.ctx)
}

// loop polls on the tick cadence and exits once nothing is pending; the next
// Enqueue or Kick restarts it.
func (q *Queue[P]) loop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.policy.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.setIdle()
			return
		case <-ticker.C:
		case <-q.kickCh:
		}

		res := q.RunOnce(ctx)
		if res.Pending > 0 {
			continue
		}

		q.mu.Lock()
		if countPending(q.store.Read()) == 0 {
			q.running = false
			q.mu.Unlock()
			q.logger.Debug("queue drained, scheduler idle")
			return
		}
		q.mu.Unlock()
	}
}

func (q *Queue[P]) setIdle() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// Running reports whether the polling loop is active.
func (q *Queue[P]) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// RunOnce performs a single scheduler pass: every due item is delivered
// serially, outcomes are merged into a fresh read of the slot and written
// back once.
func (q *Queue[P]) RunOnce(ctx context.Context) TickResult {
	q.tickMu.Lock()
	defer q.tickMu.Unlock()

	now := q.clock.Now()
	items := q.store.Read()

	var due []Item[P]
	for _, it := range items {
		if it.Due(now) {
			due = append(due, it)
		}
	}
	if len(due) == 0 {
		return TickResult{Pending: countPending(items)}
	}

	if q.before != nil {
		q.before(ctx)
	}

	var res TickResult
	outcomes := make(map[string]Item[P], len(due))
	removed := make(map[string]bool)
	delivered := false

	for _, it := range due {
		if ctx.Err() != nil {
			break
		}

		it.Status = StatusRetrying
		it.UpdatedAt = q.clock.Now().UnixMilli()
		start := time.Now()
		err := q.deliver.Deliver(ctx, it)
		elapsed := time.Since(start)
		if err != nil && ctx.Err() != nil {
			// Shutdown interrupted the attempt; leave the item untouched.
			break
		}
		res.Attempted++

		t := q.clock.Now()
		it.UpdatedAt = t.UnixMilli()

		if err == nil {
			res.Delivered++
			delivered = true
			q.record(ctx, "success", elapsed)
			q.logger.Info("item delivered", "item_id", it.ID, "attempts", it.Attempts+1)
			if !q.policy.KeepSucceeded {
				removed[it.ID] = true
				continue
			}
			it.Attempts++
			it.Status = StatusSuccess
			it.LastError = ""
			outcomes[it.ID] = it
			continue
		}

		it.Attempts++
		it.LastError = truncateError(err.Error())
		if IsPermanent(err) || (q.policy.MaxAttempts > 0 && it.Attempts >= q.policy.MaxAttempts) {
			it.Status = StatusFailed
			res.Failed++
			q.record(ctx, "failed", elapsed)
			q.logger.Warn("item failed permanently", "item_id", it.ID, "attempts", it.Attempts, "error", err)
		} else {
			delay := q.policy.Backoff.Delay(it.Attempts, q.rand())
			it.Status = StatusRetrying
			it.NextAttemptAt = t.Add(delay).UnixMilli()
			res.Retrying++
			q.record(ctx, "retry", elapsed)
			q.logger.Warn("delivery failed, will retry", "item_id", it.ID, "attempts", it.Attempts, "retry_in", delay, "error", err)
		}
		outcomes[it.ID] = it
	}

	q.stateMu.Lock()
	fresh := q.store.Read()
	merged := make([]Item[P], 0, len(fresh))
	for _, it := range fresh {
		if removed[it.ID] {
			continue
		}
		if o, ok := outcomes[it.ID]; ok {
			it = reconcile(it, o)
		}
		merged = append(merged, it)
	}
	if res.Attempted > 0 {
		q.store.Write(merged)
	}
	q.stateMu.Unlock()

	if delivered && q.policy.BroadcastOnSuccess {
		q.notifier.DataUpdated(q.name)
	}

	res.Pending = countPending(merged)
	return res
}

// reconcile picks between the stored copy of an item, which another process
// may have advanced during this pass, and this pass's outcome for it. A
// delivery always stands. Otherwise a finished item stays finished, attempts
// never move backwards, and the later write wins a tie.
func reconcile[P any](stored, outcome Item[P]) Item[P] {
	switch {
	case outcome.Status == StatusSuccess:
		outcome.Attempts = max(outcome.Attempts, stored.Attempts)
		return outcome
	case stored.Status.Terminal():
		return stored
	case stored.Attempts > outcome.Attempts:
		return stored
	case stored.Attempts == outcome.Attempts && stored.UpdatedAt > outcome.UpdatedAt:
		return stored
	}
	return outcome
}

func (q *Queue[P]) record(ctx context.Context, outcome string, elapsed time.Duration) {
	if q.recorder != nil {
		q.recorder.RecordAttempt(ctx, q.name, outcome, elapsed)
	}
}

// publish runs after every write of the slot.
func (q *Queue[P]) publish(items []Item[P]) {
	s := Summarize(items, q.clock.Now())
	q.subMu.Lock()
	q.last = s
	q.subMu.Unlock()

	q.notifier.PublishSummary(q.name, s)
	q.fanOut(s)
}

func (q *Queue[P]) fanOut(s Summary) {
	q.subMu.Lock()
	fns := make([]func(Summary), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

func countPending[P any](items []Item[P]) int {
	n := 0
	for _, it := range items {
		if it.Status.Pending() {
			n++
		}
	}
	return n
}

func countStatus[P any](items []Item[P], st Status) int {
	n := 0
	for _, it := range items {
		if it.Status == st {
			n++
		}
	}
	return n
}

func truncateError(s string) string {
	if utf8.RuneCountInString(s) <= maxErrorLen {
		return s
	}
	return string([]rune(s)[:maxErrorLen])
}

type nopNotifier struct{}

func (nopNotifier) PublishSummary(string, Summary) {}
func (nopNotifier) RelaySummary(string, Summary)   {}
func (nopNotifier) DataUpdated(string)             {}
