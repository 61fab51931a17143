package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bws-scheduler/internal/classify"
	"github.com/example/bws-scheduler/internal/schedule"
	"github.com/example/bws-scheduler/internal/timesync"
)

// scriptedClient returns a fixed per-slot code sequence, repeating the last
// entry forever. It records the clock time of every submit.
type scriptedClient struct {
	mu    sync.Mutex
	codes map[int64][]int
	calls map[int64][]time.Time
	clk   clock.Clock
}

func newScriptedClient(clk clock.Clock) *scriptedClient {
	return &scriptedClient{codes: map[int64][]int{}, calls: map[int64][]time.Time{}, clk: clk}
}

func (c *scriptedClient) script(slotID int64, codes ...int) { c.codes[slotID] = codes }

func (c *scriptedClient) Submit(ctx context.Context, token string, slotID int64) (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.calls[slotID])
	c.calls[slotID] = append(c.calls[slotID], c.clk.Now())
	seq := c.codes[slotID]
	if n >= len(seq) {
		n = len(seq) - 1
	}
	return seq[n], ""
}

func (c *scriptedClient) submits(slotID int64) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Time, len(c.calls[slotID]))
	copy(out, c.calls[slotID])
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	updates  []string
	outcomes []Result
}

func (s *recordingSink) OnUpdate(slotID int64, note string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, note)
}

func (s *recordingSink) OnOutcome(slotID int64, res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, res)
}

func (s *recordingSink) results() []Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Result, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// fastDelays keeps wall-clock tests quick.
func fastDelays() classify.Delays {
	return classify.Delays{
		Normal:      time.Millisecond,
		RateLimit:   time.Millisecond,
		NotOpen:     time.Millisecond,
		RiskControl: time.Millisecond,
		Throttled:   time.Millisecond,
		TooFrequent: time.Millisecond,
	}
}

func newTestPool(t *testing.T, client TransportClient, delays classify.Delays, maxRetries int, clk clock.Clock, sink StatusSink) *Pool {
	t.Helper()
	sy := timesync.New(clk, nil)
	waiter := schedule.NewWaiter(sy, nil, clk, 10*time.Millisecond, nil)
	cl := classify.New(delays, maxRetries, nil)
	return New(client, cl, waiter, Options{Sink: sink, Clock: clk})
}

func TestSuccessAfterRetries(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(7, classify.CodeNotOpen, classify.CodeNotOpen, classify.CodeOK)
	sink := &recordingSink{}
	p := newTestPool(t, client, fastDelays(), 1000, clock.New(), sink)

	require.NoError(t, p.AddTask(Task{SlotID: 7, EntitlementToken: "tk"}))
	require.NoError(t, p.Start(context.Background(), false))
	p.Wait()

	res := sink.results()
	require.Len(t, res, 1, "exactly one outcome per task")
	assert.Equal(t, StateBooked, res[0].State)
	assert.Equal(t, 3, res[0].Attempts)
	assert.False(t, p.Running())
	// not-open is informational and surfaced as updates.
	assert.NotEmpty(t, sink.updates)
}

func TestTaskFailuresAreIsolated(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(1, classify.CodeSoldOut)
	client.script(2, classify.CodeNotOpen, classify.CodeOK)
	sink := &recordingSink{}
	p := newTestPool(t, client, fastDelays(), 1000, clock.New(), sink)

	require.NoError(t, p.AddTask(Task{SlotID: 1, EntitlementToken: "a"}))
	require.NoError(t, p.AddTask(Task{SlotID: 2, EntitlementToken: "b"}))
	require.NoError(t, p.Start(context.Background(), false))
	p.Wait()

	res := sink.results()
	require.Len(t, res, 2)
	byID := map[int64]Result{}
	for _, r := range res {
		byID[r.SlotID] = r
	}
	assert.Equal(t, StateFailed, byID[1].State, "sold out is a server fatal")
	assert.Equal(t, StateBooked, byID[2].State, "sibling task unaffected")
}

func TestRetryCeilingExhaustsTask(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(3, classify.CodeNotOpen)
	sink := &recordingSink{}
	p := newTestPool(t, client, fastDelays(), 5, clock.New(), sink)

	require.NoError(t, p.AddTask(Task{SlotID: 3, EntitlementToken: "tk"}))
	require.NoError(t, p.Start(context.Background(), false))
	p.Wait()

	res := sink.results()
	require.Len(t, res, 1)
	assert.Equal(t, StateExhausted, res[0].State)
	assert.Equal(t, classify.ReasonCeiling, res[0].Reason)
	assert.Equal(t, 5, res[0].Attempts)
	assert.Len(t, client.submits(3), 5)
}

func TestStopEndsRunWithCanceledOutcome(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(4, classify.CodeNotOpen)
	sink := &recordingSink{}
	delays := fastDelays()
	delays.NotOpen = 5 * time.Millisecond
	p := newTestPool(t, client, delays, 1_000_000, clock.New(), sink)

	require.NoError(t, p.AddTask(Task{SlotID: 4, EntitlementToken: "tk"}))
	require.NoError(t, p.Start(context.Background(), false))

	// Let a few attempts happen, then stop.
	time.Sleep(20 * time.Millisecond)
	p.Stop()
	p.Wait()

	res := sink.results()
	require.Len(t, res, 1)
	assert.Equal(t, StateCanceled, res[0].State)

	// No attempts after the flag was observed.
	n := len(client.submits(4))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(client.submits(4)))
}

func TestMembershipFrozenWhileRunning(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(5, classify.CodeNotOpen)
	delays := fastDelays()
	delays.NotOpen = 5 * time.Millisecond
	p := newTestPool(t, client, delays, 1_000_000, clock.New(), &recordingSink{})

	require.NoError(t, p.AddTask(Task{SlotID: 5, EntitlementToken: "tk"}))
	require.NoError(t, p.Start(context.Background(), false))

	assert.ErrorIs(t, p.AddTask(Task{SlotID: 6, EntitlementToken: "tk"}), ErrRunning)
	assert.ErrorIs(t, p.RemoveTask(5), ErrRunning)
	assert.ErrorIs(t, p.Clear(), ErrRunning)
	assert.ErrorIs(t, p.Start(context.Background(), false), ErrRunning)

	p.Stop()
	p.Wait()
	require.NoError(t, p.RemoveTask(5))
}

func TestImmediateRestartDeliversEveryOutcome(t *testing.T) {
	client := newScriptedClient(clock.New())
	client.script(8, classify.CodeOK)
	sink := &recordingSink{}
	p := newTestPool(t, client, fastDelays(), 10, clock.New(), sink)
	require.NoError(t, p.AddTask(Task{SlotID: 8, EntitlementToken: "tk"}))

	// Restarting right as the previous run tears down must neither lose an
	// outcome nor let Wait return before its own run's outcome is in.
	for i := 0; i < 200; i++ {
		require.NoError(t, p.Start(context.Background(), false), "restart %d", i)
		p.Wait()
		require.Len(t, sink.results(), i+1, "run %d outcome must land before Wait returns", i)
	}
	assert.False(t, p.Running())
}

func TestStartRequiresTasks(t *testing.T) {
	p := newTestPool(t, newScriptedClient(clock.New()), fastDelays(), 10, clock.New(), &recordingSink{})
	assert.ErrorIs(t, p.Start(context.Background(), false), ErrNoTasks)
}

func TestScheduledFireTiming(t *testing.T) {
	clk := clock.NewMock()
	client := newScriptedClient(clk)
	client.script(9, classify.CodeNotOpen, classify.CodeNotOpen, classify.CodeOK)
	sink := &recordingSink{}
	delays := classify.DefaultDelays() // not-open = 1s
	p := newTestPool(t, client, delays, 1000, clk, sink)

	start := clk.Now()
	fireAt := start.Add(2 * time.Second)
	require.NoError(t, p.AddTask(Task{
		SlotID:           9,
		EntitlementToken: "tk",
		TargetFireTime:   fireAt,
		FireOffset:       -500 * time.Millisecond,
	}))
	require.NoError(t, p.Start(context.Background(), true))

	done := make(chan struct{})
	go func() { p.Wait(); close(done) }()

advance:
	for i := 0; i < 200; i++ {
		select {
		case <-done:
			break advance
		default:
			time.Sleep(time.Millisecond)
			clk.Add(100 * time.Millisecond)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}

	res := sink.results()
	require.Len(t, res, 1)
	assert.Equal(t, StateBooked, res[0].State)

	subs := client.submits(9)
	require.Len(t, subs, 3)
	target := start.Add(1500 * time.Millisecond) // fireAt − 500ms
	for _, ts := range subs {
		assert.False(t, ts.Before(target), "attempt at %v before target %v", ts, target)
	}
	assert.GreaterOrEqual(t, subs[1].Sub(subs[0]), time.Second, "not-open retries spaced by the not-open interval")
	assert.GreaterOrEqual(t, subs[2].Sub(subs[1]), time.Second)
}

func TestStopDuringRiskControlPauseWaitsItOut(t *testing.T) {
	clk := clock.NewMock()
	client := newScriptedClient(clk)
	client.script(11, classify.CodeRiskControl)
	sink := &recordingSink{}
	p := newTestPool(t, client, classify.DefaultDelays(), 1000, clk, sink)

	require.NoError(t, p.AddTask(Task{SlotID: 11, EntitlementToken: "tk"}))
	require.NoError(t, p.Start(context.Background(), false))

	// Wait for the first attempt, which triggers the 180s pause.
	require.Eventually(t, func() bool { return len(client.submits(11)) == 1 },
		time.Second, time.Millisecond)
	p.Stop()

	done := make(chan struct{})
	go func() { p.Wait(); close(done) }()

	// 179s in: still inside the pause, no new attempt, run not over.
	time.Sleep(time.Millisecond)
	clk.Add(179 * time.Second)
	time.Sleep(5 * time.Millisecond)
	assert.Len(t, client.submits(11), 1)
	select {
	case <-done:
		t.Fatal("run ended before the risk-control pause elapsed")
	default:
	}

	// Pause over: the worker observes the cleared flag and cancels without
	// another attempt.
	clk.Add(2 * time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after the pause elapsed")
	}
	assert.Len(t, client.submits(11), 1)
	res := sink.results()
	require.Len(t, res, 1)
	assert.Equal(t, StateCanceled, res[0].State)
}

type memorySnapshots struct {
	mu    sync.Mutex
	saved [][]int64
}

func (m *memorySnapshots) SaveSnapshot(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, ids)
	return nil
}

func (m *memorySnapshots) LoadSnapshot(ctx context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, nil
	}
	return m.saved[len(m.saved)-1], nil
}

func TestMembershipPersistedOnChange(t *testing.T) {
	snaps := &memorySnapshots{}
	sy := timesync.New(nil, nil)
	waiter := schedule.NewWaiter(sy, nil, nil, 0, nil)
	cl := classify.New(fastDelays(), 10, nil)
	p := New(newScriptedClient(clock.New()), cl, waiter, Options{Snapshots: snaps})

	require.NoError(t, p.AddTask(Task{SlotID: 2, EntitlementToken: "tk"}))
	require.NoError(t, p.AddTask(Task{SlotID: 1, EntitlementToken: "tk"}))
	assert.Equal(t, []int64{1, 2}, p.Snapshot())

	require.NoError(t, p.RemoveTask(2))
	last, err := snaps.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, last)
}
