package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"postwave/internal/eventbus"
	"postwave/internal/runtime/supervisor"
	logx "postwave/pkg/logx"
)

// Manager owns the job table and the in-flight set.
//
// Contract:
//   - the job table and the running set are only touched under mu
//   - Attempts is incremented under mu when a job is dispatched, so every
//     execution counts exactly once and a running job is never dispatched again
//   - ProcessDueJobs never waits for a job to finish
type Manager struct {
	exec Executor
	log  logx.Logger
	bus  eventbus.Bus
	now  func() time.Time

	mu        sync.Mutex
	cfg       Config
	jobs      map[string]*Job
	running   map[string]struct{}
	idle      chan struct{}
	completed int
	failed    int
	stopped   bool

	// Jobs run under runCtx so Stop can cancel them.
	runCtx    context.Context
	runCancel context.CancelFunc
	sup       *supervisor.Supervisor
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(m *Manager) { m.bus = bus } }

// WithClock replaces time.Now; tests use it to make jobs due without sleeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func New(cfg Config, exec Executor, opts ...Option) *Manager {
	if exec == nil {
		panic("queue: nil executor")
	}
	m := &Manager{
		exec:    exec,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
		jobs:    map[string]*Job{},
		running: map[string]struct{}{},
		idle:    closedChan(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	return m
}

// Apply swaps the tuning at runtime. Existing jobs keep their MaxAttempts.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// SchedulePost enqueues a publish job for postID at at (zero means now).
// When the post already has a queued publish job that is not executing, that
// job is moved to at and its id returned.
func (m *Manager) SchedulePost(postID string, at time.Time) (string, error) {
	if postID == "" {
		return "", ErrEmptyPostID
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	now := m.now()
	if at.IsZero() {
		at = now
	}

	for _, j := range m.jobs {
		if j.Kind != KindPublish || j.PostID != postID {
			continue
		}
		if _, busy := m.running[j.ID]; busy {
			continue
		}
		j.ScheduledAt = at
		j.UpdatedAt = now
		ev := m.jobEvent(j, 0, nil)
		m.mu.Unlock()

		m.log.Info("job rescheduled", logx.String("job_id", ev.JobID), logx.String("post_id", postID), logx.Time("at", at))
		m.emit(eventbus.JobScheduled, ev)
		return ev.JobID, nil
	}

	j := &Job{
		ID:          uuid.NewString(),
		Kind:        KindPublish,
		PostID:      postID,
		ScheduledAt: at,
		MaxAttempts: m.cfg.PublishMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.jobs[j.ID] = j
	ev := m.jobEvent(j, 0, nil)
	m.mu.Unlock()

	m.log.Info("job scheduled", logx.String("job_id", j.ID), logx.String("kind", string(j.Kind)), logx.String("post_id", postID), logx.Time("at", at))
	m.emit(eventbus.JobScheduled, ev)
	return j.ID, nil
}

// ScheduleRetry enqueues a retry job for one platform post, RetryDelay from
// now. A second call for the same platform post returns the existing job
// unless that job is executing, since its outcome may already be final.
func (m *Manager) ScheduleRetry(postID, platformPostID, lastError string) (string, error) {
	if postID == "" {
		return "", ErrEmptyPostID
	}
	if platformPostID == "" {
		return "", fmt.Errorf("queue: empty platform post id")
	}
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return "", ErrStopped
	}
	for _, j := range m.jobs {
		if j.Kind == KindRetry && j.PlatformPostID == platformPostID {
			if _, busy := m.running[j.ID]; busy {
				continue
			}
			id := j.ID
			m.mu.Unlock()
			return id, nil
		}
	}

	now := m.now()
	j := &Job{
		ID:             uuid.NewString(),
		Kind:           KindRetry,
		PostID:         postID,
		PlatformPostID: platformPostID,
		ScheduledAt:    now.Add(m.cfg.RetryDelay),
		MaxAttempts:    m.cfg.RetryMaxAttempts,
		LastError:      lastError,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.jobs[j.ID] = j
	ev := m.jobEvent(j, 0, nil)
	m.mu.Unlock()

	m.log.Info("job scheduled", logx.String("job_id", j.ID), logx.String("kind", string(j.Kind)), logx.String("post_id", postID), logx.String("platform_post_id", platformPostID), logx.Time("at", j.ScheduledAt))
	m.emit(eventbus.JobScheduled, ev)
	return j.ID, nil
}

// Cancel removes a queued job. Executing jobs cannot be cancelled.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[jobID]; !ok {
		return false
	}
	if _, busy := m.running[jobID]; busy {
		return false
	}
	delete(m.jobs, jobID)
	m.log.Info("job cancelled", logx.String("job_id", jobID))
	return true
}

// Jobs returns a snapshot ordered by ScheduledAt.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		c := *j
		_, c.Running = m.running[j.ID]
		out = append(out, c)
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return before(&out[a], &out[b]) })
	return out
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Pending:    len(m.jobs) - len(m.running),
		Processing: len(m.running),
		Completed:  m.completed,
		Failed:     m.failed,
		TotalJobs:  len(m.jobs),
	}
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.sup != nil {
		return nil
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.sup.GoRestart("queue.sweep", m.sweepLoop)
	m.log.Info("queue started", logx.Duration("sweep_interval", m.cfg.SweepInterval), logx.Int("max_concurrent", m.cfg.MaxConcurrent))
	return nil
}

func (m *Manager) sweepLoop(ctx context.Context) error {
	for {
		if n := m.ProcessDueJobs(); n > 0 {
			m.log.Debug("sweep dispatched jobs", logx.Int("count", n))
		}
		t := time.NewTimer(m.Config().SweepInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Stop ends the sweep and refuses new jobs, then waits for in-flight jobs.
// If ctx expires first the in-flight jobs are cancelled.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	sup := m.sup
	m.mu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil {
			m.log.Warn("queue sweep stop failed", logx.Err(err))
		}
	}

	err := m.Wait(ctx)
	m.runCancel()
	if err != nil {
		m.log.Warn("queue stopped with jobs in flight", logx.Int("running", m.Stats().Processing), logx.Err(err))
		return err
	}
	m.log.Info("queue stopped")
	return nil
}

// Wait blocks until no job is executing or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	ch := m.idle
	m.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) jobEvent(j *Job, d time.Duration, err error) eventbus.JobEvent {
	ev := eventbus.JobEvent{
		JobID:          j.ID,
		Kind:           string(j.Kind),
		PostID:         j.PostID,
		PlatformPostID: j.PlatformPostID,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		ScheduledAt:    j.ScheduledAt,
		Duration:       d,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (m *Manager) emit(kind eventbus.Kind, ev eventbus.JobEvent) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Kind: kind, Time: m.now(), Data: ev})
}

func before(a, b *Job) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
