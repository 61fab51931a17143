// Package pool runs N independent reservation tasks concurrently: one worker
// per task, no shared work queue. The only state shared across workers is
// the clock synchronizer's offset and the pool's running flag; task failures
// are contained to their own worker.
package pool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/example/bws-scheduler/internal/classify"
	"github.com/example/bws-scheduler/internal/schedule"
)

// TransportClient turns one (token, slot) pair into a raw response. Requests
// that never reach the server must be reported as classify.CodeNetworkError
// with the error text as message, never as a Go error: the classifier owns
// the failure taxonomy.
type TransportClient interface {
	Submit(ctx context.Context, entitlementToken string, slotID int64) (code int, message string)
}

// StatusSink receives task progress. The pool serializes all calls through
// one aggregator goroutine, so implementations need not be thread-safe, but
// they must return promptly: a slow sink delays status delivery for every
// task.
type StatusSink interface {
	// OnUpdate is informational (waiting for open, risk-control pause).
	OnUpdate(slotID int64, note string)
	// OnOutcome is invoked exactly once per task with its terminal result.
	OnOutcome(slotID int64, res Result)
}

// SnapshotStore persists pool membership (slot ids only) across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, slotIDs []int64) error
	LoadSnapshot(ctx context.Context) ([]int64, error)
}

// AttemptLog optionally records every transport attempt.
type AttemptLog interface {
	RecordAttempt(ctx context.Context, slotID int64, code int, message string) error
}

var (
	ErrRunning = fmt.Errorf("pool is running")
	ErrNoTasks = fmt.Errorf("pool has no tasks")
)

type Pool struct {
	client     TransportClient
	classifier *classify.Classifier
	waiter     *schedule.Waiter
	clk        clock.Clock
	sink       StatusSink
	snapshots  SnapshotStore
	attempts   AttemptLog
	log        *logrus.Entry

	mu      sync.Mutex
	tasks   map[int64]*Task
	running *atomic.Bool
	done    chan struct{}
}

// Options carries the pool's optional collaborators.
type Options struct {
	Sink      StatusSink
	Snapshots SnapshotStore
	Attempts  AttemptLog
	Clock     clock.Clock
	Log       *logrus.Entry
}

func New(client TransportClient, classifier *classify.Classifier, waiter *schedule.Waiter, opts Options) *Pool {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	return &Pool{
		client:     client,
		classifier: classifier,
		waiter:     waiter,
		clk:        opts.Clock,
		sink:       opts.Sink,
		snapshots:  opts.Snapshots,
		attempts:   opts.Attempts,
		log:        opts.Log,
		tasks:      make(map[int64]*Task),
		running:    atomic.NewBool(false),
	}
}

// AddTask registers a task. Membership changes are rejected while running.
func (p *Pool) AddTask(t Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrRunning
	}
	p.tasks[t.SlotID] = &t
	p.saveSnapshotLocked()
	return nil
}

func (p *Pool) RemoveTask(slotID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrRunning
	}
	delete(p.tasks, slotID)
	p.saveSnapshotLocked()
	return nil
}

func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running.Load() {
		return ErrRunning
	}
	p.tasks = make(map[int64]*Task)
	p.saveSnapshotLocked()
	return nil
}

// Snapshot returns the current membership as slot ids, sorted.
func (p *Pool) Snapshot() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotIDsLocked()
}

func (p *Pool) Running() bool { return p.running.Load() }

func (p *Pool) slotIDsLocked() []int64 {
	ids := make([]int64, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Pool) saveSnapshotLocked() {
	if p.snapshots == nil {
		return
	}
	if err := p.snapshots.SaveSnapshot(context.Background(), p.slotIDsLocked()); err != nil {
		p.log.WithError(err).Warn("saving pool snapshot failed")
	}
}

// Start spawns one worker per task and returns immediately. When
// waitForFireTime is false every worker skips the countdown and fires at
// once. Results stream to the sink; Wait blocks until the run ends.
func (p *Pool) Start(ctx context.Context, waitForFireTime bool) error {
	p.mu.Lock()
	if p.running.Load() {
		p.mu.Unlock()
		return ErrRunning
	}
	if len(p.tasks) == 0 {
		p.mu.Unlock()
		return ErrNoTasks
	}
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		t.retryCount = 0
		tasks = append(tasks, t)
	}
	p.running.Store(true)
	done := make(chan struct{})
	p.done = done
	p.mu.Unlock()

	ch := make(chan message, len(tasks)*2)
	for _, t := range tasks {
		go p.worker(ctx, t, waitForFireTime, ch)
	}
	go p.aggregate(ch, len(tasks), done)
	return nil
}

// Stop clears the running flag and nothing else. Workers observe it at
// their next check point: within one wait quantum during the countdown, or
// after the current classifier-prescribed pause elapses during firing,
// which can take the full 180s risk-control pause. That latency is a
// documented bound, not a defect.
func (p *Pool) Stop() {
	p.running.Store(false)
}

// Wait blocks until the current run has delivered every outcome. It returns
// immediately if no run is active.
func (p *Pool) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

type message struct {
	update *update
	result *Result
}

type update struct {
	slotID int64
	note   string
}

// aggregate serializes sink delivery and guarantees exactly one outcome per
// task before the run is declared over. It owns exactly one run: the running
// flag is cleared under the pool lock together with the done handoff, so a
// Start racing the teardown either sees the run still active or finds it
// fully retired, and aggregate never touches a successor run's channel.
func (p *Pool) aggregate(ch <-chan message, n int, done chan struct{}) {
	for remaining := n; remaining > 0; {
		m := <-ch
		switch {
		case m.result != nil:
			p.sink.OnOutcome(m.result.SlotID, *m.result)
			remaining--
		case m.update != nil:
			p.sink.OnUpdate(m.update.slotID, m.update.note)
		}
	}

	p.mu.Lock()
	p.running.Store(false)
	if p.done == done {
		p.done = nil
	}
	p.mu.Unlock()
	close(done)
}

func (p *Pool) worker(ctx context.Context, t *Task, waitForFireTime bool, ch chan<- message) {
	res := Result{SlotID: t.SlotID, State: StateCanceled, Reason: "stopped"}
	defer func() {
		if r := recover(); r != nil {
			res = Result{SlotID: t.SlotID, State: StateFailed,
				Reason: fmt.Sprintf("worker panic: %v", r), Attempts: t.retryCount}
			p.log.WithField("slot", t.SlotID).Errorf("worker panic: %v", r)
		}
		ch <- message{result: &res}
	}()
	res = p.run(ctx, t, waitForFireTime, ch)
}

func (p *Pool) run(ctx context.Context, t *Task, waitForFireTime bool, ch chan<- message) Result {
	log := p.log.WithField("slot", t.SlotID)

	if waitForFireTime {
		err := p.waiter.WaitUntilFire(ctx, fmt.Sprintf("slot %d", t.SlotID),
			t.TargetFireTime, t.FireOffset, func() bool { return !p.running.Load() })
		if err != nil {
			return Result{SlotID: t.SlotID, State: StateCanceled, Reason: "canceled before fire time"}
		}
		log.Info("fire time reached, attempting reservation")
	}

	for {
		// The running flag is the single cooperative cancellation switch;
		// a cleared flag means no further attempts.
		if ctx.Err() != nil || !p.running.Load() {
			return Result{SlotID: t.SlotID, State: StateCanceled, Reason: "stopped", Attempts: t.retryCount}
		}

		code, msg := p.client.Submit(ctx, t.EntitlementToken, t.SlotID)
		t.retryCount++
		if p.attempts != nil {
			if err := p.attempts.RecordAttempt(ctx, t.SlotID, code, msg); err != nil {
				log.WithError(err).Warn("recording attempt failed")
			}
		}

		out := p.classifier.Decide(code, msg, t.retryCount)
		switch out.Kind {
		case classify.Success:
			log.WithField("attempts", t.retryCount).Info("reservation booked")
			return Result{SlotID: t.SlotID, State: StateBooked, Attempts: t.retryCount}
		case classify.Fatal:
			state := StateFailed
			if out.CeilingExceeded() {
				state = StateExhausted
			}
			log.WithFields(logrus.Fields{"code": code, "reason": out.Reason}).
				Warn("giving up on reservation")
			return Result{SlotID: t.SlotID, State: state, Reason: out.Reason, Attempts: t.retryCount}
		}

		if out.Informational {
			ch <- message{update: &update{slotID: t.SlotID, note: out.Reason}}
		}
		log.WithFields(logrus.Fields{"code": code, "retry_in": out.Delay}).Debug("retrying")

		// Deliberately not interruptible: a Stop during this pause is
		// observed only once the pause elapses.
		p.clk.Sleep(out.Delay)
	}
}

type nopSink struct{}

func (nopSink) OnUpdate(int64, string)  {}
func (nopSink) OnOutcome(int64, Result) {}
