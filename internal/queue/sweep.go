package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"postwave/internal/eventbus"
	logx "postwave/pkg/logx"
)

// ProcessDueJobs dispatches due jobs into free execution slots, earliest
// ScheduledAt first, and returns how many it started. It is safe to call
// from the sweep loop and from an admin trigger at the same time.
func (m *Manager) ProcessDueJobs() int {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return 0
	}
	slots := m.cfg.MaxConcurrent - len(m.running)
	if slots <= 0 {
		m.mu.Unlock()
		return 0
	}

	now := m.now()
	var due []*Job
	for _, j := range m.jobs {
		if _, busy := m.running[j.ID]; busy {
			continue
		}
		if j.due(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return before(due[a], due[b]) })
	if len(due) > slots {
		due = due[:slots]
	}

	if len(due) > 0 && len(m.running) == 0 {
		m.idle = make(chan struct{})
	}
	timeout := m.cfg.JobTimeout
	started := make([]eventbus.JobEvent, 0, len(due))
	for _, j := range due {
		m.running[j.ID] = struct{}{}
		j.Attempts++
		j.UpdatedAt = now
		started = append(started, m.jobEvent(j, 0, nil))
		go m.run(*j, timeout)
	}
	m.mu.Unlock()

	for _, ev := range started {
		m.log.Debug("job started", logx.String("job_id", ev.JobID), logx.String("kind", ev.Kind), logx.Int("attempt", ev.Attempts))
		m.emit(eventbus.JobStarted, ev)
	}
	return len(due)
}

func (m *Manager) run(j Job, timeout time.Duration) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(m.runCtx, timeout)
	err := m.execute(ctx, j)
	cancel()
	m.finish(j.ID, err, time.Since(start))
}

func (m *Manager) execute(ctx context.Context, j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("job panicked", logx.String("job_id", j.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch j.Kind {
	case KindPublish:
		return m.exec.PublishPost(ctx, j.PostID)
	case KindRetry:
		return m.exec.RetryPlatformPost(ctx, j.PostID, j.PlatformPostID)
	default:
		return NoRetry(fmt.Errorf("unknown job kind %q", j.Kind))
	}
}

// finish applies the outcome of one execution: success removes the job,
// NoRetry or an exhausted attempt budget drops it, anything else reschedules
// it with backoff.
func (m *Manager) finish(id string, err error, d time.Duration) {
	m.mu.Lock()
	delete(m.running, id)
	if len(m.running) == 0 {
		close(m.idle)
	}
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	now := m.now()
	var kind eventbus.Kind
	switch {
	case err == nil:
		delete(m.jobs, id)
		m.completed++
		kind = eventbus.JobCompleted
	case IsNoRetry(err) || j.Attempts >= j.MaxAttempts:
		delete(m.jobs, id)
		m.failed++
		j.LastError = err.Error()
		kind = eventbus.JobDropped
	default:
		j.LastError = err.Error()
		// A reload may lower BackoffMax below lastDelay; the cap wins.
		delay := min(max(m.cfg.Backoff(j.Attempts, retryHint(err)), j.lastDelay), m.cfg.BackoffMax)
		j.lastDelay = delay
		j.ScheduledAt = now.Add(delay)
		j.UpdatedAt = now
		kind = eventbus.JobRetrying
	}
	ev := m.jobEvent(j, d, err)
	m.mu.Unlock()

	fields := []logx.Field{
		logx.String("job_id", ev.JobID),
		logx.String("kind", ev.Kind),
		logx.String("post_id", ev.PostID),
		logx.Int("attempt", ev.Attempts),
		logx.Int("max_attempts", ev.MaxAttempts),
		logx.Duration("dur", d),
	}
	switch kind {
	case eventbus.JobCompleted:
		m.log.Info("job completed", fields...)
	case eventbus.JobRetrying:
		m.log.Warn("job retry scheduled", append(fields, logx.Time("next", ev.ScheduledAt), logx.Err(err))...)
	default:
		reason := "attempts exhausted"
		if IsNoRetry(err) {
			reason = "not retryable"
		}
		if errors.Is(err, context.Canceled) {
			reason = "cancelled"
		}
		m.log.Error("job dropped", append(fields, logx.String("reason", reason), logx.Err(err))...)
	}
	m.emit(kind, ev)
}

// Backoff returns the delay before the next attempt after attempts failed
// executions: BackoffBase * 2^attempts, raised to hint when larger, and
// never above BackoffMax. A job's delays never shrink between attempts, so
// after a large hint the following delays hold at least that value.
func (c Config) Backoff(attempts int, hint time.Duration) time.Duration {
	c = c.withDefaults()
	if attempts < 0 {
		attempts = 0
	}
	d := c.BackoffBase
	for i := 0; i < attempts && d < c.BackoffMax; i++ {
		d *= 2
	}
	if hint > d {
		d = hint
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}
