package eventbus

import "time"

// Kind names an event. Using the constants below instead of ad-hoc strings
// keeps publishers and listeners in sync.
type Kind string

const (
	PostPublished        Kind = "post:published"
	PostFailed           Kind = "post:failed"
	PostUpdated          Kind = "post:update:success"
	PostUpdateFailed     Kind = "post:update:failed"
	CommentAdded         Kind = "comment:add:success"
	CommentFailed        Kind = "comment:add:failed"
	PostValidationFailed Kind = "post:validation-failed"

	JobScheduled Kind = "job:scheduled"
	JobStarted   Kind = "job:started"
	JobCompleted Kind = "job:completed"
	JobRetrying  Kind = "job:retrying"
	JobDropped   Kind = "job:dropped"
)

// IsFailure reports whether k describes a failed outcome.
func (k Kind) IsFailure() bool {
	switch k {
	case PostFailed, PostUpdateFailed, CommentFailed, PostValidationFailed, JobDropped:
		return true
	}
	return false
}

// PlatformEvent is the payload of the post:* and comment:* kinds.
// Exactly one of Responses and Error is set.
type PlatformEvent struct {
	ID        string `json:"id"`
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
	Responses any    `json:"responses,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ValidationEvent is the payload of post:validation-failed.
type ValidationEvent struct {
	ID     string              `json:"id"`
	Errors map[string][]string `json:"errors"`
}

// JobEvent is the payload of the job:* kinds.
type JobEvent struct {
	JobID          string        `json:"job_id"`
	Kind           string        `json:"kind"`
	PostID         string        `json:"post_id"`
	PlatformPostID string        `json:"platform_post_id,omitempty"`
	Attempts       int           `json:"attempts"`
	MaxAttempts    int           `json:"max_attempts"`
	ScheduledAt    time.Time     `json:"scheduled_at"`
	Duration       time.Duration `json:"duration,omitempty"`
	Error          string        `json:"error,omitempty"`
}
