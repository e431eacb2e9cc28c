// Package publish turns queue jobs into orchestrated platform calls and
// records what happened in storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/orchestrator"
	"postwave/internal/platform"
	"postwave/internal/queue"
	"postwave/internal/storage"
	logx "postwave/pkg/logx"
)

var (
	ErrInFlight  = errors.New("post is being published")
	ErrNoTargets = errors.New("post has no platform posts")
	ErrNotFailed = errors.New("platform post is not failed")
)

// Plugins hands out plugin instances per platform. *platform.Registry
// implements it.
type Plugins interface {
	New(id platform.ID) (platform.Plugin, error)
	Rules() content.RuleSet
}

// Retrier enqueues retry jobs. *queue.Manager implements it.
type Retrier interface {
	ScheduleRetry(postID, platformPostID, lastError string) (string, error)
}

type Config struct {
	// AutoRetry enqueues a retry job for every platform post that failed
	// with a transient error during a publish.
	AutoRetry bool
	// PartialPublish lets valid platforms publish when others fail validation.
	PartialPublish bool
	CallTimeout    time.Duration
	Concurrency    int
}

func DefaultConfig() Config {
	return Config{AutoRetry: true, CallTimeout: orchestrator.DefaultCallTimeout}
}

// Publisher implements queue.Executor.
type Publisher struct {
	store   storage.Store
	plugins Plugins
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	mu       sync.Mutex
	cfg      Config
	retries  Retrier
	inflight map[string]struct{}
}

type Option func(*Publisher)

func WithLogger(log logx.Logger) Option { return func(p *Publisher) { p.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(p *Publisher) { p.bus = bus } }

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(store storage.Store, plugins Plugins, cfg Config, opts ...Option) *Publisher {
	p := &Publisher{
		store:    store,
		plugins:  plugins,
		now:      time.Now,
		cfg:      cfg,
		inflight: map[string]struct{}{},
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// AttachQueue sets where retry jobs go. The queue needs the publisher as its
// executor, so the two are wired after construction.
func (p *Publisher) AttachQueue(r Retrier) {
	p.mu.Lock()
	p.retries = r
	p.mu.Unlock()
}

func (p *Publisher) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Publisher) config() (Config, Retrier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg, p.retries
}

func (p *Publisher) acquire(postID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[postID]; busy {
		return false
	}
	p.inflight[postID] = struct{}{}
	return true
}

func (p *Publisher) release(postID string) {
	p.mu.Lock()
	delete(p.inflight, postID)
	p.mu.Unlock()
}

func (p *Publisher) orchestrator(cfg Config) *orchestrator.Orchestrator {
	return orchestrator.New(
		orchestrator.WithLogger(p.log),
		orchestrator.WithBus(p.bus),
		orchestrator.WithCallTimeout(cfg.CallTimeout),
		orchestrator.WithConcurrency(cfg.Concurrency),
		orchestrator.WithPartialPublish(cfg.PartialPublish),
	)
}

// PublishPost publishes every pending platform post of postID and records
// the outcome. It returns nil when another caller is already publishing the
// post. Per-platform failures are final for this job: transient ones get
// their own retry job when AutoRetry is on, so the error returned for them
// is NoRetry. Storage errors stay retryable.
func (p *Publisher) PublishPost(ctx context.Context, postID string) error {
	if !p.acquire(postID) {
		p.log.Debug("publish already in flight", logx.String("post_id", postID))
		return nil
	}
	defer p.release(postID)

	post, err := p.store.FindPostByID(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.NoRetry(err)
	}
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	log := p.log.With(logx.String("post_id", postID))

	if len(post.PlatformPosts) == 0 {
		if err := p.store.UpdatePostStatus(ctx, postID, model.PostFailed, time.Time{}); err != nil {
			return fmt.Errorf("update post status: %w", err)
		}
		log.Warn("post has no targets")
		return queue.NoRetry(fmt.Errorf("post %s: %w", postID, ErrNoTargets))
	}
	pending := post.Pending()
	if len(pending) == 0 {
		log.Debug("nothing pending")
		return p.settle(ctx, &post)
	}
	if err := p.store.UpdatePostStatus(ctx, postID, model.PostPublishing, time.Time{}); err != nil {
		return fmt.Errorf("update post status: %w", err)
	}

	cfg, retries := p.config()
	orch := p.orchestrator(cfg)
	accounts, early, err := p.resolve(ctx, orch, pending)
	if err != nil {
		return err
	}

	out, perr := orch.Publish(ctx, postID, "", post.Content, accounts)
	refused := errors.Is(perr, orchestrator.ErrValidation)
	if perr != nil && !refused {
		return perr
	}

	var failed []string
	var retry []model.PlatformPost
	for _, pp := range pending {
		switch ferr, bad := early[pp.ID]; {
		case bad:
			pp = failPP(pp, ferr)
		case refused:
			pp = failPP(pp, refusal(pp.Platform, out.Invalid))
		default:
			if rs, ok := out.Responses[pp.AccountID]; ok {
				pp = publishPP(pp, rs)
				if n := failedComments(rs); n > 0 {
					log.Warn("follow-up comments failed", logx.String("platform", string(pp.Platform)), logx.Int("count", n))
				}
				break
			}
			ferr, ok := out.Failures[pp.AccountID]
			if !ok {
				ferr = platform.Permanent(errors.New("no outcome reported"))
			}
			pp = failPP(pp, ferr)
			if cfg.AutoRetry && !platform.IsPermanent(ferr) {
				retry = append(retry, pp)
			}
		}
		if pp.Status == model.PlatformFailed {
			failed = append(failed, string(pp.Platform))
		}
		if err := p.store.UpdatePlatformPost(ctx, pp); err != nil {
			log.Error("platform post update failed", logx.String("platform_post_id", pp.ID), logx.Err(err))
			return fmt.Errorf("update platform post: %w", err)
		}
		post.PlatformPosts = replacePP(post.PlatformPosts, pp)
	}

	for _, pp := range retry {
		p.scheduleRetry(log, retries, pp)
	}
	if err := p.settle(ctx, &post); err != nil {
		return err
	}

	switch {
	case refused:
		return queue.NoRetry(perr)
	case len(failed) > 0:
		return queue.NoRetry(fmt.Errorf("%d of %d platforms failed: %s", len(failed), len(pending), strings.Join(failed, ", ")))
	}
	return nil
}

// resolve loads the account of every pending platform post and registers
// one plugin per platform. Platform posts that cannot be attempted are
// returned in early with the reason.
func (p *Publisher) resolve(ctx context.Context, orch *orchestrator.Orchestrator, pending []model.PlatformPost) ([]model.Account, map[string]error, error) {
	early := map[string]error{}
	seen := map[string]bool{}
	used := map[platform.ID]bool{}
	var accounts []model.Account

	for _, pp := range pending {
		acct, err := p.store.GetAccountByID(ctx, pp.AccountID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			early[pp.ID] = platform.Permanent(err)
			continue
		case err != nil:
			return nil, nil, fmt.Errorf("load account: %w", err)
		case acct.Disabled:
			early[pp.ID] = platform.Permanent(fmt.Errorf("account %s is disabled", acct.ID))
			continue
		case seen[acct.ID]:
			early[pp.ID] = platform.Permanent(fmt.Errorf("account %s targeted twice", acct.ID))
			continue
		}
		seen[acct.ID] = true
		acct.Platform = pp.Platform
		accounts = append(accounts, acct)

		if used[pp.Platform] {
			continue
		}
		used[pp.Platform] = true
		plug, err := p.plugins.New(pp.Platform)
		if err != nil {
			// The orchestrator reports the account as failed with ErrNoPlugin.
			p.log.Warn("plugin unavailable", logx.String("platform", string(pp.Platform)), logx.Err(err))
			continue
		}
		orch.Use(plug)
	}
	for id, err := range early {
		p.log.Warn("platform post skipped", logx.String("platform_post_id", id), logx.Err(err))
	}
	return accounts, early, nil
}

// RetryPlatformPost re-publishes one failed platform post. It never
// enqueues further retry jobs; a transient failure is returned for the
// queue's own backoff.
func (p *Publisher) RetryPlatformPost(ctx context.Context, postID, platformPostID string) error {
	if !p.acquire(postID) {
		return ErrInFlight
	}
	defer p.release(postID)

	post, err := p.store.FindPostByID(ctx, postID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.NoRetry(err)
	}
	if err != nil {
		return fmt.Errorf("load post: %w", err)
	}
	pp, ok := post.PlatformPost(platformPostID)
	if !ok {
		return queue.NoRetry(fmt.Errorf("platform post %s: %w", platformPostID, storage.ErrNotFound))
	}
	if pp.Status != model.PlatformFailed {
		return queue.NoRetry(fmt.Errorf("platform post %s is %s: %w", pp.ID, pp.Status, ErrNotFailed))
	}
	log := p.log.With(logx.String("post_id", postID), logx.String("platform_post_id", pp.ID), logx.String("platform", string(pp.Platform)))

	acct, err := p.store.GetAccountByID(ctx, pp.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return queue.NoRetry(err)
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if acct.Disabled {
		return queue.NoRetry(fmt.Errorf("account %s is disabled", acct.ID))
	}
	acct.Platform = pp.Platform

	plug, err := p.plugins.New(pp.Platform)
	if err != nil {
		return queue.NoRetry(err)
	}
	cfg, _ := p.config()
	cfg.PartialPublish = false
	orch := p.orchestrator(cfg).Use(plug)

	out, perr := orch.Publish(ctx, postID, "", post.Content, []model.Account{acct})
	var ferr error
	switch {
	case errors.Is(perr, orchestrator.ErrValidation):
		ferr = platform.Permanent(refusal(pp.Platform, out.Invalid))
	case perr != nil:
		return perr
	default:
		if rs, ok := out.Responses[acct.ID]; ok {
			pp = publishPP(pp, rs)
		} else if ferr, ok = out.Failures[acct.ID]; !ok {
			ferr = platform.Permanent(errors.New("no outcome reported"))
		}
	}
	if ferr != nil {
		pp = failPP(pp, ferr)
	}
	if err := p.store.UpdatePlatformPost(ctx, pp); err != nil {
		return fmt.Errorf("update platform post: %w", err)
	}
	post.PlatformPosts = replacePP(post.PlatformPosts, pp)
	if err := p.settle(ctx, &post); err != nil {
		return err
	}

	if ferr != nil {
		log.Warn("retry failed", logx.Err(ferr))
		if platform.IsPermanent(ferr) {
			return queue.NoRetry(ferr)
		}
		return queue.RetryAfter(ferr, platform.RetryHint(ferr))
	}
	log.Info("retry succeeded", logx.String("remote_id", pp.RemoteID))
	return nil
}

// Update edits every published platform post of postID.
func (p *Publisher) Update(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error) {
	return p.followUp(ctx, postID, func(o *orchestrator.Orchestrator, targets []orchestrator.Target) orchestrator.Outcome {
		return o.Update(ctx, postID, "", c, targets)
	})
}

// AddComment replies to every published platform post of postID.
func (p *Publisher) AddComment(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error) {
	return p.followUp(ctx, postID, func(o *orchestrator.Orchestrator, targets []orchestrator.Target) orchestrator.Outcome {
		return o.AddComment(ctx, postID, "", c, targets)
	})
}

func (p *Publisher) followUp(ctx context.Context, postID string, run func(*orchestrator.Orchestrator, []orchestrator.Target) orchestrator.Outcome) (orchestrator.Outcome, error) {
	post, err := p.store.FindPostByID(ctx, postID)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	cfg, _ := p.config()
	orch := p.orchestrator(cfg)
	used := map[platform.ID]bool{}
	var targets []orchestrator.Target
	for _, pp := range post.PlatformPosts {
		if pp.Status != model.PlatformPublished || pp.RemoteID == "" {
			continue
		}
		acct, err := p.store.GetAccountByID(ctx, pp.AccountID)
		if err != nil {
			return orchestrator.Outcome{}, err
		}
		acct.Platform = pp.Platform
		targets = append(targets, orchestrator.Target{Account: acct, RemoteID: pp.RemoteID})
		if !used[pp.Platform] {
			used[pp.Platform] = true
			if plug, err := p.plugins.New(pp.Platform); err == nil {
				orch.Use(plug)
			}
		}
	}
	if len(targets) == 0 {
		return orchestrator.Outcome{}, fmt.Errorf("post %s has no published platform posts", postID)
	}
	return run(orch, targets), nil
}

// Validate dry-runs the content of postID against the plugin of every
// targeted platform.
func (p *Publisher) Validate(ctx context.Context, postID string) (map[platform.ID][]string, error) {
	post, err := p.store.FindPostByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	cfg, _ := p.config()
	orch := p.orchestrator(cfg)
	used := map[platform.ID]bool{}
	for _, pp := range post.PlatformPosts {
		if used[pp.Platform] {
			continue
		}
		used[pp.Platform] = true
		plug, err := p.plugins.New(pp.Platform)
		if err != nil {
			return nil, err
		}
		orch.Use(plug)
	}
	return orch.Validate(ctx, post.Content), nil
}

// settle recomputes the aggregate status from the children and stores it.
func (p *Publisher) settle(ctx context.Context, post *model.Post) error {
	status, _ := model.DeriveStatus(post.PlatformPosts)
	var at time.Time
	if status == model.PostPublished {
		at = p.now()
	}
	if err := p.store.UpdatePostStatus(ctx, post.ID, status, at); err != nil {
		return fmt.Errorf("update post status: %w", err)
	}
	post.Status = status
	switch status {
	case model.PostPublished:
		p.log.Info("post published", logx.String("post_id", post.ID), logx.Int("platforms", len(post.PlatformPosts)))
	case model.PostFailed:
		p.log.Warn("post failed", logx.String("post_id", post.ID))
	}
	return nil
}

func (p *Publisher) scheduleRetry(log logx.Logger, r Retrier, pp model.PlatformPost) {
	if r == nil {
		log.Warn("retry skipped; no queue attached", logx.String("platform_post_id", pp.ID))
		return
	}
	id, err := r.ScheduleRetry(pp.PostID, pp.ID, pp.ErrorMessage)
	if err != nil {
		log.Error("retry schedule failed", logx.String("platform_post_id", pp.ID), logx.Err(err))
		return
	}
	log.Info("retry scheduled", logx.String("platform_post_id", pp.ID), logx.String("job_id", id))
}

func failPP(pp model.PlatformPost, err error) model.PlatformPost {
	pp.Status = model.PlatformFailed
	pp.ErrorMessage = err.Error()
	return pp
}

func publishPP(pp model.PlatformPost, rs []platform.PostResponse) model.PlatformPost {
	pp.Status = model.PlatformPublished
	pp.ErrorMessage = ""
	if len(rs) > 0 {
		pp.RemoteID = rs[0].PostID
		pp.ReleaseURL = rs[0].ReleaseURL
	}
	return pp
}

func failedComments(rs []platform.PostResponse) int {
	n := 0
	for _, r := range rs {
		if r.Status == platform.StatusFailed {
			n++
		}
	}
	return n
}

func replacePP(pps []model.PlatformPost, pp model.PlatformPost) []model.PlatformPost {
	for i := range pps {
		if pps[i].ID == pp.ID {
			pps[i] = pp
		}
	}
	return pps
}

// refusal explains why a platform post was not attempted after the
// validation gate refused the batch.
func refusal(id platform.ID, invalid map[platform.ID][]string) error {
	if errs, ok := invalid[id]; ok {
		return fmt.Errorf("%w: %s", orchestrator.ErrValidation, strings.Join(errs, "; "))
	}
	names := make([]string, 0, len(invalid))
	for p := range invalid {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return fmt.Errorf("not published: validation failed for %s", strings.Join(names, ", "))
}
