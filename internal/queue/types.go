package queue

import (
	"context"
	"time"
)

// Kind is the kind of work a job performs.
type Kind string

const (
	KindPublish Kind = "publish"
	KindRetry   Kind = "retry"
)

// Job is one unit of scheduled work.
// A job is runnable when ScheduledAt has passed, it is not executing and
// Attempts < MaxAttempts.
type Job struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	PostID         string    `json:"post_id"`
	PlatformPostID string    `json:"platform_post_id,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Running bool `json:"running"`

	// lastDelay is the previous backoff; the next one is never shorter.
	lastDelay time.Duration
}

func (j *Job) due(now time.Time) bool {
	return !j.ScheduledAt.After(now) && j.Attempts < j.MaxAttempts
}

// Executor performs the work behind a job. Returned errors wrapped with
// NoRetry drop the job; any other error is rescheduled with backoff.
type Executor interface {
	PublishPost(ctx context.Context, postID string) error
	RetryPlatformPost(ctx context.Context, postID, platformPostID string) error
}

// Config tunes the manager. Zero values take the defaults below.
type Config struct {
	SweepInterval time.Duration
	MaxConcurrent int
	JobTimeout    time.Duration

	// RetryDelay is how far out ScheduleRetry places a new retry job.
	RetryDelay  time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration

	PublishMaxAttempts int
	RetryMaxAttempts   int
}

const (
	DefaultSweepInterval      = 10 * time.Second
	DefaultMaxConcurrent      = 5
	DefaultJobTimeout         = 2 * time.Minute
	DefaultRetryDelay         = 5 * time.Minute
	DefaultBackoffBase        = time.Minute
	DefaultBackoffMax         = 30 * time.Minute
	DefaultPublishMaxAttempts = 3
	DefaultRetryMaxAttempts   = 2
)

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.PublishMaxAttempts <= 0 {
		c.PublishMaxAttempts = DefaultPublishMaxAttempts
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = DefaultRetryMaxAttempts
	}
	return c
}

// Stats is a point-in-time view of the queue. Completed and Failed count
// jobs finished (or dropped) since the manager was created.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	TotalJobs  int `json:"total_jobs"`
}
