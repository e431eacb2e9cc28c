// Package trigger periodically finds posts whose scheduled time has arrived
// and hands them to the publisher.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

// Finder is the storage query the trigger runs.
type Finder interface {
	FindScheduledPosts(ctx context.Context, before time.Time) ([]model.Post, error)
}

// Dispatcher publishes one post. The publisher implements it.
type Dispatcher interface {
	PublishPost(ctx context.Context, postID string) error
}

type Config struct {
	Enabled     bool
	Schedule    string
	Timezone    string
	Concurrency int
	// RunTimeout bounds one scan including its dispatches.
	RunTimeout time.Duration
}

const (
	DefaultSchedule    = "*/1 * * * *"
	DefaultConcurrency = 3
	DefaultRunTimeout  = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = DefaultRunTimeout
	}
	return c
}

// Report summarises one scan.
type Report struct {
	Found      int           `json:"found"`
	Dispatched int           `json:"dispatched"`
	Failed     int           `json:"failed"`
	Took       time.Duration `json:"took"`
}

type Trigger struct {
	finder   Finder
	dispatch Dispatcher
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	lastRun Report
}

type Option func(*Trigger)

func WithLogger(log logx.Logger) Option { return func(t *Trigger) { t.log = log } }

func WithClock(now func() time.Time) Option {
	return func(t *Trigger) {
		if now != nil {
			t.now = now
		}
	}
}

func New(cfg Config, finder Finder, dispatch Dispatcher, opts ...Option) *Trigger {
	t := &Trigger{finder: finder, dispatch: dispatch, cfg: cfg.withDefaults(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	return t
}

// RunOnce dispatches every due post with bounded concurrency and waits for
// all of them. It does not retry; the publisher enqueues retries.
func (t *Trigger) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	t.mu.Lock()
	limit := t.cfg.Concurrency
	t.mu.Unlock()

	posts, err := t.finder.FindScheduledPosts(ctx, t.now())
	if err != nil {
		t.log.Error("scheduled post lookup failed", logx.Err(err))
		return Report{}, fmt.Errorf("find scheduled posts: %w", err)
	}

	var ok, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(limit)
	for _, p := range posts {
		g.Go(func() error {
			if err := t.dispatch.PublishPost(ctx, p.ID); err != nil {
				failed.Add(1)
				t.log.Warn("scheduled post failed", logx.String("post_id", p.ID), logx.Err(err))
				return nil
			}
			ok.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Found: len(posts), Dispatched: int(ok.Load()), Failed: int(failed.Load()), Took: time.Since(start)}
	t.mu.Lock()
	t.lastRun = rep
	t.mu.Unlock()
	if rep.Found > 0 {
		t.log.Info("trigger run finished", logx.Int("found", rep.Found), logx.Int("dispatched", rep.Dispatched), logx.Int("failed", rep.Failed), logx.Duration("took", rep.Took))
	}
	return rep, nil
}

// LastRun returns the report of the most recent scan.
func (t *Trigger) LastRun() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun
}

// Start schedules the periodic scan and runs one immediately, which picks
// up posts whose in-memory jobs were lost with the previous process.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runCtx != nil {
		return nil
	}
	t.runCtx, t.cancel = context.WithCancel(ctx)
	if !t.cfg.Enabled {
		t.log.Info("trigger disabled")
		return nil
	}
	return t.startLocked()
}

func (t *Trigger) startLocked() error {
	spec, err := ParseSchedule(t.cfg.Schedule)
	if err != nil {
		return err
	}
	sched, err := spec.Schedule()
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(t.cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("trigger timezone: %w", err)
		}
	}

	cl := cronLogger{log: t.log}
	job := cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(t.tick))
	t.c = cron.New(cron.WithLocation(loc), cron.WithLogger(cl))
	t.c.Schedule(sched, job)
	t.c.Start()
	go job.Run()

	t.log.Info("trigger started", logx.String("schedule", spec.String()), logx.String("tz", loc.String()))
	return nil
}

func (t *Trigger) tick() {
	t.mu.Lock()
	ctx := t.runCtx
	timeout := t.cfg.RunTimeout
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, _ = t.RunOnce(ctx)
}

// Apply swaps the config and restarts the schedule when it changed. A scan
// already running under the old schedule is left to finish.
func (t *Trigger) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	if _, err := ParseSchedule(cfg.Schedule); err != nil {
		return err
	}
	t.mu.Lock()
	old := t.cfg
	t.cfg = cfg
	c := t.c
	same := old.Schedule == cfg.Schedule && old.Timezone == cfg.Timezone && old.Enabled == cfg.Enabled
	if t.runCtx == nil || same {
		t.mu.Unlock()
		return nil
	}
	t.c = nil
	t.mu.Unlock()

	if c != nil {
		c.Stop()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.c != nil || t.runCtx.Err() != nil {
		return nil
	}
	if !cfg.Enabled {
		t.log.Info("trigger disabled")
		return nil
	}
	return t.startLocked()
}

// Stop ends the schedule and cancels a scan in progress.
func (t *Trigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	c := t.c
	t.c = nil
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		t.log.Info("trigger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
