// Package orchestrator fans one post out to the plugins of every targeted
// platform and collects what each account reported.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/platform"
	logx "postwave/pkg/logx"
)

var (
	ErrNoPlugin   = errors.New("no plugin registered for platform")
	ErrValidation = errors.New("content failed validation")
)

const DefaultCallTimeout = 90 * time.Second

// Target is one account plus, for update and comment calls, the remote id of
// the post already published there.
type Target struct {
	Account  model.Account
	RemoteID string
}

// Outcome is the result of one fan-out. Every target ends up in exactly one
// of Responses and Failures, unless the whole batch was refused.
type Outcome struct {
	Responses map[string][]platform.PostResponse // by account id
	Failures  map[string]error                   // by account id
	Invalid   map[platform.ID][]string
}

// Refused reports whether the validation gate stopped the batch before any
// platform call was made.
func (o Outcome) Refused() bool {
	return len(o.Invalid) > 0 && len(o.Responses) == 0 && len(o.Failures) == 0
}

type Option func(*Orchestrator)

func WithLogger(log logx.Logger) Option { return func(o *Orchestrator) { o.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(o *Orchestrator) { o.bus = bus } }

// WithCallTimeout bounds each plugin call. Zero keeps the default.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithConcurrency caps simultaneous plugin calls. Zero means one per target.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.limit = n } }

// WithPartialPublish lets valid platforms publish when others fail
// validation. The invalid ones are reported as failures.
func WithPartialPublish(enabled bool) Option { return func(o *Orchestrator) { o.partial = enabled } }

// Orchestrator holds the plugins for one operation. It is built per post and
// thrown away afterwards.
type Orchestrator struct {
	plugins map[platform.ID]platform.Plugin

	log         logx.Logger
	bus         eventbus.Bus
	callTimeout time.Duration
	limit       int
	partial     bool
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		plugins:     make(map[platform.ID]platform.Plugin),
		log:         logx.Nop(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Use registers p under its platform. Registering two plugins for one
// platform is a programming error and panics.
func (o *Orchestrator) Use(p platform.Plugin) *Orchestrator {
	if p == nil {
		panic("orchestrator: nil plugin")
	}
	id := p.Platform()
	if _, dup := o.plugins[id]; dup {
		panic(fmt.Sprintf("orchestrator: plugin for %s already registered", id))
	}
	o.plugins[id] = p
	return o
}

// Platforms lists the registered platforms, sorted.
func (o *Orchestrator) Platforms() []platform.ID {
	out := make([]platform.ID, 0, len(o.plugins))
	for id := range o.plugins {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate asks every registered plugin to check c and returns the platforms
// that reported problems.
func (o *Orchestrator) Validate(ctx context.Context, c content.Content) map[platform.ID][]string {
	out := make(map[platform.ID][]string)
	for id, p := range o.plugins {
		if errs := p.Validate(ctx, c); len(errs) > 0 {
			out[id] = errs
		}
	}
	return out
}

// Publish validates c on every registered platform and, if nothing objects,
// posts it to every account concurrently. With partial publishing enabled,
// only accounts on invalid platforms are skipped. token is used for accounts
// that carry no access token of their own.
func (o *Orchestrator) Publish(ctx context.Context, id, token string, c content.Content, accounts []model.Account) (Outcome, error) {
	out := newOutcome()
	invalid := o.Validate(ctx, c)
	targets := make([]Target, 0, len(accounts))
	for _, a := range accounts {
		targets = append(targets, Target{Account: a})
	}

	if len(invalid) > 0 {
		out.Invalid = invalid
		errs := make(map[string][]string, len(invalid))
		for p, e := range invalid {
			errs[string(p)] = e
		}
		eventbus.Emit(o.bus, eventbus.PostValidationFailed, eventbus.ValidationEvent{ID: id, Errors: errs})
		o.log.Warn("publish validation failed", logx.String("id", id), logx.Strings("platforms", platformNames(invalid)))

		if !o.partial {
			return out, fmt.Errorf("%w: %s", ErrValidation, strings.Join(platformNames(invalid), ", "))
		}
		kept := targets[:0]
		for _, t := range targets {
			if errs, bad := invalid[t.Account.Platform]; bad {
				err := fmt.Errorf("%w: %s", ErrValidation, strings.Join(errs, "; "))
				out.Failures[t.Account.ID] = platform.Permanent(err)
				o.emit(eventbus.PostFailed, id, t.Account, nil, err)
				continue
			}
			kept = append(kept, t)
		}
		targets = kept
	}

	o.fanout(ctx, id, token, targets, &out, eventbus.PostPublished, eventbus.PostFailed,
		func(ctx context.Context, p platform.Plugin, t Target, tok string) ([]platform.PostResponse, error) {
			return p.Post(ctx, id, tok, c, t.Account)
		})
	return out, nil
}

// Update edits already published posts. There is no validation gate.
func (o *Orchestrator) Update(ctx context.Context, id, token string, c content.Content, targets []Target) Outcome {
	out := newOutcome()
	o.fanout(ctx, id, token, targets, &out, eventbus.PostUpdated, eventbus.PostUpdateFailed,
		func(ctx context.Context, p platform.Plugin, t Target, tok string) ([]platform.PostResponse, error) {
			return p.Update(ctx, id, tok, t.RemoteID, c, t.Account)
		})
	return out
}

// AddComment replies to already published posts. There is no validation gate.
func (o *Orchestrator) AddComment(ctx context.Context, id, token string, c content.Content, targets []Target) Outcome {
	out := newOutcome()
	o.fanout(ctx, id, token, targets, &out, eventbus.CommentAdded, eventbus.CommentFailed,
		func(ctx context.Context, p platform.Plugin, t Target, tok string) ([]platform.PostResponse, error) {
			return p.AddComment(ctx, id, tok, t.RemoteID, c, t.Account)
		})
	return out
}

type callFunc func(ctx context.Context, p platform.Plugin, t Target, token string) ([]platform.PostResponse, error)

// fanout runs call for every target and waits for all of them. Goroutines
// never return an error to the group, so one failure cancels nothing.
func (o *Orchestrator) fanout(ctx context.Context, id, token string, targets []Target, out *Outcome, okKind, failKind eventbus.Kind, call callFunc) {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if o.limit > 0 {
		g.SetLimit(o.limit)
	}
	for _, t := range targets {
		p, ok := o.plugins[t.Account.Platform]
		if !ok {
			err := fmt.Errorf("%s: %w", t.Account.Platform, ErrNoPlugin)
			out.Failures[t.Account.ID] = platform.Permanent(err)
			o.emit(failKind, id, t.Account, nil, err)
			continue
		}
		tok := t.Account.AccessToken
		if tok == "" {
			tok = token
		}
		g.Go(func() error {
			start := time.Now()
			rs, err := o.guard(ctx, p, t, tok, call)
			fields := []logx.Field{
				logx.String("id", id),
				logx.String("platform", string(t.Account.Platform)),
				logx.String("account", t.Account.ID),
				logx.Duration("dur", time.Since(start)),
			}

			mu.Lock()
			if err != nil {
				out.Failures[t.Account.ID] = err
			} else {
				out.Responses[t.Account.ID] = rs
			}
			mu.Unlock()

			if err != nil {
				o.log.Warn("platform call failed", append(fields, logx.Err(err))...)
				o.emit(failKind, id, t.Account, nil, err)
			} else {
				o.log.Info("platform call succeeded", append(fields, logx.Int("responses", len(rs)))...)
				o.emit(okKind, id, t.Account, rs, nil)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// guard applies the call timeout and turns a plugin panic into an error.
func (o *Orchestrator) guard(ctx context.Context, p platform.Plugin, t Target, tok string, call callFunc) (rs []platform.PostResponse, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("plugin panicked",
				logx.String("platform", string(t.Account.Platform)),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			rs, err = nil, fmt.Errorf("%s: panic: %v", t.Account.Platform, r)
		}
	}()
	return call(ctx, p, t, tok)
}

func (o *Orchestrator) emit(kind eventbus.Kind, id string, acct model.Account, rs []platform.PostResponse, err error) {
	ev := eventbus.PlatformEvent{ID: id, Platform: string(acct.Platform), AccountID: acct.ID}
	if err != nil {
		ev.Error = err.Error()
	} else {
		ev.Responses = rs
	}
	eventbus.Emit(o.bus, kind, ev)
}

func newOutcome() Outcome {
	return Outcome{
		Responses: make(map[string][]platform.PostResponse),
		Failures:  make(map[string]error),
	}
}

func platformNames(m map[platform.ID][]string) []string {
	out := make([]string, 0, len(m))
	for p := range m {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
