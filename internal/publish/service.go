package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/orchestrator"
	"postwave/internal/platform"
	"postwave/internal/queue"
	"postwave/internal/storage"
	"postwave/internal/trigger"
	logx "postwave/pkg/logx"
)

var ErrBadSchedule = errors.New("schedule time is required")

// Queue is what the service needs from the queue manager.
type Queue interface {
	SchedulePost(postID string, at time.Time) (string, error)
	ScheduleRetry(postID, platformPostID, lastError string) (string, error)
	ProcessDueJobs() int
	Cancel(jobID string) bool
	Stats() queue.Stats
	Jobs() []queue.Job
}

// Scanner finds due posts in storage and dispatches them.
type Scanner interface {
	RunOnce(ctx context.Context) (trigger.Report, error)
}

// Service is the surface the HTTP API and the CLI call into.
type Service struct {
	store     storage.Store
	queue     Queue
	publisher *Publisher
	scanner   Scanner
	log       logx.Logger
}

func NewService(store storage.Store, q Queue, pub *Publisher, scanner Scanner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, queue: q, publisher: pub, scanner: scanner, log: log}
}

// PublishPostNow enqueues an immediate publish and runs a sweep so the job
// starts without waiting for the next tick.
func (s *Service) PublishPostNow(ctx context.Context, postID string) (string, error) {
	if _, err := s.store.FindPostByID(ctx, postID); err != nil {
		return "", err
	}
	id, err := s.queue.SchedulePost(postID, time.Time{})
	if err != nil {
		return "", err
	}
	s.queue.ProcessDueJobs()
	return id, nil
}

// SchedulePostForLater marks the post scheduled in storage and enqueues a
// publish job for at. The stored schedule lets the trigger recover the post
// if the process restarts before the job runs.
func (s *Service) SchedulePostForLater(ctx context.Context, postID string, at time.Time) (string, error) {
	if at.IsZero() {
		return "", ErrBadSchedule
	}
	if err := s.store.SchedulePost(ctx, postID, at); err != nil {
		return "", err
	}
	return s.queue.SchedulePost(postID, at)
}

// RetryFailedPost enqueues a retry for one platform post. Whether it is
// still failed is checked when the job runs.
func (s *Service) RetryFailedPost(ctx context.Context, postID, platformPostID, lastError string) (string, error) {
	post, err := s.store.FindPostByID(ctx, postID)
	if err != nil {
		return "", err
	}
	if _, ok := post.PlatformPost(platformPostID); !ok {
		return "", fmt.Errorf("platform post %s: %w", platformPostID, storage.ErrNotFound)
	}
	return s.queue.ScheduleRetry(postID, platformPostID, lastError)
}

func (s *Service) GetQueueStats() queue.Stats { return s.queue.Stats() }

func (s *Service) Jobs() []queue.Job { return s.queue.Jobs() }

func (s *Service) CancelJob(jobID string) bool { return s.queue.Cancel(jobID) }

// CreatePost stores a new post. A post created with a schedule also gets its
// publish job. The post is stored as scheduled either way, so when the queue
// refuses the job the trigger scan still publishes it.
func (s *Service) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	created, err := s.store.CreatePost(ctx, p)
	if err != nil {
		return model.Post{}, err
	}
	s.log.Info("post created", logx.String("post_id", created.ID), logx.Int("targets", len(created.PlatformPosts)))
	if !created.ScheduledAt.IsZero() {
		if _, err := s.queue.SchedulePost(created.ID, created.ScheduledAt); err != nil {
			s.log.Warn("post created but not queued", logx.String("post_id", created.ID), logx.Time("at", created.ScheduledAt), logx.Err(err))
		}
	}
	return created, nil
}

func (s *Service) GetPost(ctx context.Context, postID string) (model.Post, error) {
	return s.store.FindPostByID(ctx, postID)
}

// ProcessReport is the result of an admin-triggered sweep.
type ProcessReport struct {
	Dispatched int             `json:"dispatched"`
	Scheduled  *trigger.Report `json:"scheduled,omitempty"`
}

// ProcessScheduledPosts runs one queue sweep and one trigger scan.
func (s *Service) ProcessScheduledPosts(ctx context.Context) (ProcessReport, error) {
	rep := ProcessReport{Dispatched: s.queue.ProcessDueJobs()}
	if s.scanner == nil {
		return rep, nil
	}
	tr, err := s.scanner.RunOnce(ctx)
	if err != nil {
		return rep, err
	}
	rep.Scheduled = &tr
	return rep, nil
}

// Validation is a local dry run of the content rules for one platform.
type Validation struct {
	IsValid   bool             `json:"is_valid"`
	Errors    []string         `json:"errors,omitempty"`
	Formatted *content.Content `json:"formatted,omitempty"`
}

// ValidateContent checks c against platform p's rules and returns the
// content as it would be sent.
func (s *Service) ValidateContent(p platform.ID, c content.Content, opt content.Options) (Validation, error) {
	rules := s.publisher.plugins.Rules()
	if _, ok := rules[p]; !ok {
		return Validation{}, fmt.Errorf("%s: %w", p, content.ErrUnknownPlatform)
	}
	res := rules.Validate(p, c)
	v := Validation{IsValid: res.IsValid, Errors: res.Errors}
	if f, err := rules.Format(p, c, opt); err == nil {
		v.Formatted = &f
	}
	return v, nil
}

// ValidatePost dry-runs a stored post against every targeted platform.
func (s *Service) ValidatePost(ctx context.Context, postID string) (map[platform.ID][]string, error) {
	return s.publisher.Validate(ctx, postID)
}

func (s *Service) UpdatePost(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error) {
	return s.publisher.Update(ctx, postID, c)
}

func (s *Service) AddComment(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error) {
	return s.publisher.AddComment(ctx, postID, c)
}
