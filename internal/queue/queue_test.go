package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwave/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeExec struct {
	mu     sync.Mutex
	calls  []string
	active int
	peak   int
	handle func(ctx context.Context, postID, ppID string) error
}

func (f *fakeExec) PublishPost(ctx context.Context, postID string) error {
	return f.do(ctx, postID, "")
}

func (f *fakeExec) RetryPlatformPost(ctx context.Context, postID, ppID string) error {
	return f.do(ctx, postID, ppID)
}

func (f *fakeExec) do(ctx context.Context, postID, ppID string) error {
	f.mu.Lock()
	f.calls = append(f.calls, postID+"/"+ppID)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if f.handle == nil {
		return nil
	}
	return f.handle(ctx, postID, ppID)
}

func (f *fakeExec) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeExec) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Wait(ctx))
}

func TestSevenDueJobsFiveSlotsEarliestFirst(t *testing.T) {
	t.Parallel()

	clock := newClock()
	gates := map[string]chan struct{}{}
	started := make(chan string, 16)
	for _, id := range []string{"p1", "p2", "p3", "p4", "p5", "p6", "p7"} {
		gates[id] = make(chan struct{})
	}
	exec := &fakeExec{handle: func(ctx context.Context, postID, _ string) error {
		started <- postID
		<-gates[postID]
		return nil
	}}
	m := New(Config{MaxConcurrent: 5}, exec, WithClock(clock.Now))

	// p1 is the most overdue, p7 the least.
	now := clock.Now()
	for _, id := range []string{"p4", "p7", "p1", "p6", "p2", "p5", "p3"} {
		at := now.Add(-time.Duration(8-postIndex(id)) * time.Minute)
		_, err := m.SchedulePost(id, at)
		require.NoError(t, err)
	}

	require.Equal(t, 5, m.ProcessDueJobs())
	first := map[string]bool{}
	for range 5 {
		first[<-started] = true
	}
	assert.Equal(t, map[string]bool{"p1": true, "p2": true, "p3": true, "p4": true, "p5": true}, first)

	st := m.Stats()
	assert.Equal(t, 5, st.Processing)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 7, st.TotalJobs)
	assert.Zero(t, m.ProcessDueJobs(), "no free slot")

	close(gates["p3"])
	require.Eventually(t, func() bool { return m.Stats().Processing == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.ProcessDueJobs())
	assert.Equal(t, "p6", <-started)

	close(gates["p1"])
	require.Eventually(t, func() bool { return m.Stats().Processing == 4 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, m.ProcessDueJobs())
	assert.Equal(t, "p7", <-started)

	for _, id := range []string{"p2", "p4", "p5", "p6", "p7"} {
		close(gates[id])
	}
	waitIdle(t, m)

	st = m.Stats()
	assert.Equal(t, 7, st.Completed)
	assert.Zero(t, st.TotalJobs)
	assert.LessOrEqual(t, exec.Peak(), 5)
}

func postIndex(id string) int { return int(id[1] - '0') }

func TestAttemptsMonotonicBackoffGrowsAndDropAtMax(t *testing.T) {
	t.Parallel()

	clock := newClock()
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		return errors.New("connection reset")
	}}
	m := New(Config{PublishMaxAttempts: 4, BackoffBase: time.Minute, BackoffMax: time.Hour}, exec, WithClock(clock.Now))

	id, err := m.SchedulePost("post-1", time.Time{})
	require.NoError(t, err)

	var delays []time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		require.Equal(t, 1, m.ProcessDueJobs())
		waitIdle(t, m)

		jobs := m.Jobs()
		require.Len(t, jobs, 1)
		j := jobs[0]
		assert.Equal(t, id, j.ID)
		assert.Equal(t, attempt, j.Attempts)
		assert.Equal(t, "connection reset", j.LastError)
		delays = append(delays, j.ScheduledAt.Sub(clock.Now()))

		// Not due yet: nothing runs.
		assert.Zero(t, m.ProcessDueJobs())
		clock.Set(j.ScheduledAt)
	}
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "delay %d", i)
	}
	assert.Equal(t, []time.Duration{2 * time.Minute, 4 * time.Minute, 8 * time.Minute}, delays)

	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)
	assert.Empty(t, m.Jobs())
	assert.Equal(t, 1, m.Stats().Failed)

	clock.Set(clock.Now().Add(24 * time.Hour))
	assert.Zero(t, m.ProcessDueJobs())
	assert.Len(t, exec.Calls(), 4)
}

func TestNoRetryDropsImmediately(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{handle: func(context.Context, string, string) error {
		return NoRetry(errors.New("post not found"))
	}}
	m := New(Config{}, exec)

	_, err := m.SchedulePost("gone", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)

	assert.Empty(t, m.Jobs())
	st := m.Stats()
	assert.Equal(t, 1, st.Failed)
	assert.Zero(t, st.Completed)
}

func TestPanicIsAnOrdinaryFailure(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{handle: func(context.Context, string, string) error { panic("boom") }}
	m := New(Config{}, exec)

	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "panic: boom", jobs[0].LastError)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestRetryAfterHintRaisesDelay(t *testing.T) {
	t.Parallel()

	clock := newClock()
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		return RetryAfter(errors.New("rate limited"), 20*time.Minute)
	}}
	m := New(Config{}, exec, WithClock(clock.Now))

	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	m.ProcessDueJobs()
	waitIdle(t, m)

	j := m.Jobs()[0]
	assert.Equal(t, 20*time.Minute, j.ScheduledAt.Sub(clock.Now()))
}

func TestDelayNeverShrinksAfterHint(t *testing.T) {
	t.Parallel()

	clock := newClock()
	var n int
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		n++
		if n == 1 {
			return RetryAfter(errors.New("rate limited"), 20*time.Minute)
		}
		return errors.New("connection reset")
	}}
	m := New(Config{PublishMaxAttempts: 4}, exec, WithClock(clock.Now))

	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)

	var delays []time.Duration
	for range 3 {
		require.Equal(t, 1, m.ProcessDueJobs())
		waitIdle(t, m)
		jobs := m.Jobs()
		require.Len(t, jobs, 1)
		delays = append(delays, jobs[0].ScheduledAt.Sub(clock.Now()))
		clock.Set(jobs[0].ScheduledAt)
	}
	// Plain backoff alone would give 20m, 4m, 8m.
	assert.Equal(t, []time.Duration{20 * time.Minute, 20 * time.Minute, 20 * time.Minute}, delays)
}

func TestDelayHeldAtLoweredCap(t *testing.T) {
	t.Parallel()

	clock := newClock()
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		return RetryAfter(errors.New("rate limited"), 20*time.Minute)
	}}
	m := New(Config{}, exec, WithClock(clock.Now))

	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)
	j := m.Jobs()[0]
	assert.Equal(t, 20*time.Minute, j.ScheduledAt.Sub(clock.Now()))

	m.Apply(Config{BackoffMax: 10 * time.Minute})
	clock.Set(j.ScheduledAt)
	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)
	j = m.Jobs()[0]
	assert.Equal(t, 10*time.Minute, j.ScheduledAt.Sub(clock.Now()))
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cases := []struct {
		attempts int
		hint     time.Duration
		want     time.Duration
	}{
		{0, 0, time.Minute},
		{1, 0, 2 * time.Minute},
		{2, 0, 4 * time.Minute},
		{4, 0, 16 * time.Minute},
		{5, 0, 30 * time.Minute},
		{200, 0, 30 * time.Minute},
		{1, 10 * time.Minute, 10 * time.Minute},
		{1, 30 * time.Second, 2 * time.Minute},
		{1, 3 * time.Hour, 30 * time.Minute},
	}
	for _, c := range cases {
		if got := cfg.Backoff(c.attempts, c.hint); got != c.want {
			t.Fatalf("Backoff(%d, %s) = %s, want %s", c.attempts, c.hint, got, c.want)
		}
	}
}

func TestNoDoubleProcessing(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		<-release
		return nil
	}}
	m := New(Config{}, exec)
	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := m.ProcessDueJobs()
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, total)

	close(release)
	waitIdle(t, m)
	assert.Len(t, exec.Calls(), 1)
	assert.Equal(t, 1, m.Stats().Completed)
}

func TestScheduleDedupe(t *testing.T) {
	t.Parallel()

	clock := newClock()
	m := New(Config{}, &fakeExec{}, WithClock(clock.Now))

	later := clock.Now().Add(time.Hour)
	id1, err := m.SchedulePost("p", later)
	require.NoError(t, err)
	id2, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, clock.Now(), jobs[0].ScheduledAt)
	assert.Equal(t, 3, jobs[0].MaxAttempts)

	r1, err := m.ScheduleRetry("p", "pp-b", "timeout")
	require.NoError(t, err)
	r2, err := m.ScheduleRetry("p", "pp-b", "timeout again")
	require.NoError(t, err)
	assert.Equal(t, r1, r2)

	var retry Job
	for _, j := range m.Jobs() {
		if j.ID == r1 {
			retry = j
		}
	}
	assert.Equal(t, KindRetry, retry.Kind)
	assert.Equal(t, 2, retry.MaxAttempts)
	assert.Equal(t, "timeout", retry.LastError)
	assert.Equal(t, 5*time.Minute, retry.ScheduledAt.Sub(clock.Now()))
	assert.Equal(t, 2, m.Stats().TotalJobs)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		<-release
		return nil
	}}
	m := New(Config{}, exec)

	queued, _ := m.SchedulePost("later", time.Now().Add(time.Hour))
	busy, _ := m.SchedulePost("now", time.Time{})
	require.Equal(t, 1, m.ProcessDueJobs())

	assert.False(t, m.Cancel(busy), "running job")
	assert.True(t, m.Cancel(queued))
	assert.False(t, m.Cancel(queued), "already gone")
	assert.False(t, m.Cancel("nope"))

	close(release)
	waitIdle(t, m)
}

func TestRetryJobRunsRetryExecutor(t *testing.T) {
	t.Parallel()

	clock := newClock()
	exec := &fakeExec{}
	m := New(Config{}, exec, WithClock(clock.Now))

	_, err := m.ScheduleRetry("p", "pp-1", "503")
	require.NoError(t, err)
	assert.Zero(t, m.ProcessDueJobs(), "retry is delayed")

	clock.Set(clock.Now().Add(5 * time.Minute))
	require.Equal(t, 1, m.ProcessDueJobs())
	waitIdle(t, m)
	assert.Equal(t, []string{"p/pp-1"}, exec.Calls())
}

func TestRetryWhileRetryRunsOnLastAttempt(t *testing.T) {
	t.Parallel()

	clock := newClock()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	exec := &fakeExec{handle: func(context.Context, string, string) error {
		started <- struct{}{}
		<-release
		return errors.New("503")
	}}
	m := New(Config{RetryMaxAttempts: 1}, exec, WithClock(clock.Now))

	first, err := m.ScheduleRetry("p", "pp-1", "503")
	require.NoError(t, err)
	clock.Set(clock.Now().Add(5 * time.Minute))
	require.Equal(t, 1, m.ProcessDueJobs())
	<-started

	// The running job is on its final attempt, so a new request gets its own job.
	second, err := m.ScheduleRetry("p", "pp-1", "503 again")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	close(release)
	waitIdle(t, m)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, second, jobs[0].ID)
	assert.Zero(t, jobs[0].Attempts)
	assert.Equal(t, "503 again", jobs[0].LastError)
	assert.Equal(t, 1, m.Stats().Failed)
}

func TestEventsInOrder(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	m := New(Config{}, &fakeExec{}, WithBus(bus))
	id, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	m.ProcessDueJobs()
	waitIdle(t, m)

	var kinds []eventbus.Kind
	for range 3 {
		select {
		case e := <-ch:
			kinds = append(kinds, e.Kind)
			assert.Equal(t, id, e.Data.(eventbus.JobEvent).JobID)
		case <-time.After(time.Second):
			t.Fatalf("timed out; got %v", kinds)
		}
	}
	assert.Equal(t, []eventbus.Kind{eventbus.JobScheduled, eventbus.JobStarted, eventbus.JobCompleted}, kinds)
}

func TestStartSweepsAndStopRefusesWork(t *testing.T) {
	t.Parallel()

	m := New(Config{SweepInterval: 10 * time.Millisecond}, &fakeExec{})
	require.NoError(t, m.Start(context.Background()))

	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Stats().Completed == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	_, err = m.SchedulePost("q", time.Time{})
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, m.Start(context.Background()), ErrStopped)
	assert.Zero(t, m.ProcessDueJobs())
}

func TestStopCancelsInFlightJobs(t *testing.T) {
	t.Parallel()

	cancelled := make(chan struct{})
	exec := &fakeExec{handle: func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}}
	m := New(Config{}, exec)
	_, err := m.SchedulePost("p", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, m.ProcessDueJobs())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Stop(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight job was not cancelled")
	}
}

func TestJobTimeout(t *testing.T) {
	t.Parallel()

	exec := &fakeExec{handle: func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	m := New(Config{JobTimeout: 20 * time.Millisecond}, exec)
	_, err := m.SchedulePost("slow", time.Time{})
	require.NoError(t, err)
	m.ProcessDueJobs()
	waitIdle(t, m)

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].LastError, "deadline exceeded")
}
