package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/platform"
)

type fakePlugin struct {
	id    platform.ID
	rules content.RuleSet
	calls atomic.Int32
	post  func(ctx context.Context, acct model.Account) ([]platform.PostResponse, error)
}

func newFake(id platform.ID, post func(ctx context.Context, acct model.Account) ([]platform.PostResponse, error)) *fakePlugin {
	return &fakePlugin{id: id, rules: content.DefaultRules(), post: post}
}

func ok(id string) func(context.Context, model.Account) ([]platform.PostResponse, error) {
	return func(context.Context, model.Account) ([]platform.PostResponse, error) {
		return []platform.PostResponse{{ID: "p", PostID: id, Status: platform.StatusPublished}}, nil
	}
}

func (f *fakePlugin) Platform() platform.ID { return f.id }

func (f *fakePlugin) Validate(_ context.Context, c content.Content) []string {
	return f.rules.Validate(f.id, c).Errors
}

func (f *fakePlugin) Post(ctx context.Context, _, _ string, _ content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f.calls.Add(1)
	return f.post(ctx, acct)
}

func (f *fakePlugin) Update(ctx context.Context, _, _, _ string, _ content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f.calls.Add(1)
	return f.post(ctx, acct)
}

func (f *fakePlugin) AddComment(ctx context.Context, _, _, _ string, _ content.Content, acct model.Account) ([]platform.PostResponse, error) {
	f.calls.Add(1)
	return f.post(ctx, acct)
}

func account(id string, p platform.ID) model.Account {
	return model.Account{ID: id, Platform: p, AccessToken: "tok-" + id}
}

// collect records bus events; the returned func unsubscribes and returns
// everything seen so far.
func collect(t *testing.T, bus eventbus.Bus) func() []eventbus.Event {
	t.Helper()
	ch, unsub := bus.Subscribe(64)
	var events []eventbus.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch {
			events = append(events, e)
		}
	}()
	return func() []eventbus.Event {
		unsub()
		<-done
		return events
	}
}

func TestUsePanicsOnDuplicateAndNil(t *testing.T) {
	t.Parallel()
	o := New().Use(newFake(platform.Bluesky, ok("x")))
	assert.Panics(t, func() { o.Use(newFake(platform.Bluesky, ok("y"))) })
	assert.Panics(t, func() { o.Use(nil) })
	assert.Equal(t, []platform.ID{platform.Bluesky}, o.Platforms())
}

func TestValidateReturnsOnlyFailingPlatforms(t *testing.T) {
	t.Parallel()
	o := New().
		Use(newFake(platform.Bluesky, ok("a"))).
		Use(newFake(platform.Facebook, ok("b")))

	got := o.Validate(context.Background(), content.Content{Body: strings.Repeat("x", 400)})
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[platform.Bluesky])
}

func TestPublishRefusedWholesale(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events := collect(t, bus)

	bsky := newFake(platform.Bluesky, ok("a"))
	fb := newFake(platform.Facebook, ok("b"))
	o := New(WithBus(bus)).Use(bsky).Use(fb)

	out, err := o.Publish(context.Background(), "post-1", "", content.Content{Body: strings.Repeat("x", 400)},
		[]model.Account{account("acc-b", platform.Bluesky), account("acc-f", platform.Facebook)})
	require.ErrorIs(t, err, ErrValidation)
	assert.True(t, out.Refused())
	assert.Empty(t, out.Responses)
	assert.Zero(t, bsky.calls.Load())
	assert.Zero(t, fb.calls.Load())

	evs := events()
	require.Len(t, evs, 1)
	assert.Equal(t, eventbus.PostValidationFailed, evs[0].Kind)
	assert.Contains(t, evs[0].Data.(eventbus.ValidationEvent).Errors, "bluesky")
}

func TestPublishPartial(t *testing.T) {
	t.Parallel()
	bsky := newFake(platform.Bluesky, ok("a"))
	fb := newFake(platform.Facebook, ok("b"))
	o := New(WithPartialPublish(true)).Use(bsky).Use(fb)

	out, err := o.Publish(context.Background(), "post-1", "", content.Content{Body: strings.Repeat("x", 400)},
		[]model.Account{account("acc-b", platform.Bluesky), account("acc-f", platform.Facebook)})
	require.NoError(t, err)
	assert.False(t, out.Refused())
	assert.Contains(t, out.Responses, "acc-f")
	require.Contains(t, out.Failures, "acc-b")
	assert.ErrorIs(t, out.Failures["acc-b"], ErrValidation)
	assert.True(t, platform.IsPermanent(out.Failures["acc-b"]))
	assert.Zero(t, bsky.calls.Load())
}

func TestPublishIsolatesFailures(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events := collect(t, bus)

	transient := platform.Transient(errors.New("503"), 0)
	o := New(WithBus(bus)).
		Use(newFake(platform.Bluesky, func(context.Context, model.Account) ([]platform.PostResponse, error) {
			return nil, transient
		})).
		Use(newFake(platform.Facebook, func(context.Context, model.Account) ([]platform.PostResponse, error) {
			panic("boom")
		})).
		Use(newFake(platform.Discord, ok("d1")))

	accts := []model.Account{
		account("acc-b", platform.Bluesky),
		account("acc-f", platform.Facebook),
		account("acc-d", platform.Discord),
		account("acc-t", platform.Telegram), // no plugin
	}
	out, err := o.Publish(context.Background(), "post-1", "", content.Content{Body: "hello"}, accts)
	require.NoError(t, err)

	require.Contains(t, out.Responses, "acc-d")
	assert.Equal(t, "d1", out.Responses["acc-d"][0].PostID)
	assert.ErrorIs(t, out.Failures["acc-b"], transient)
	assert.Contains(t, out.Failures["acc-f"].Error(), "panic: boom")
	assert.ErrorIs(t, out.Failures["acc-t"], ErrNoPlugin)
	assert.Len(t, out.Failures, 3)

	kinds := map[eventbus.Kind]int{}
	for _, e := range events() {
		kinds[e.Kind]++
	}
	assert.Equal(t, 1, kinds[eventbus.PostPublished])
	assert.Equal(t, 3, kinds[eventbus.PostFailed])
}

func TestPublishRunsAccountsConcurrently(t *testing.T) {
	t.Parallel()
	const n = 4
	var started sync.WaitGroup
	started.Add(n)
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	o := New().Use(newFake(platform.Discord, func(ctx context.Context, acct model.Account) ([]platform.PostResponse, error) {
		started.Done()
		select {
		case <-release:
			return []platform.PostResponse{{PostID: acct.ID, Status: platform.StatusPublished}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))

	accts := make([]model.Account, n)
	for i := range accts {
		accts[i] = account(string(rune('a'+i)), platform.Discord)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := o.Publish(ctx, "post-1", "", content.Content{Body: "hi"}, accts)
	require.NoError(t, err)
	assert.Len(t, out.Responses, n, "calls did not overlap: %v", out.Failures)
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	o := New(WithCallTimeout(20 * time.Millisecond)).
		Use(newFake(platform.Discord, func(ctx context.Context, _ model.Account) ([]platform.PostResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	out, err := o.Publish(context.Background(), "post-1", "", content.Content{Body: "hi"}, []model.Account{account("a", platform.Discord)})
	require.NoError(t, err)
	assert.ErrorIs(t, out.Failures["a"], context.DeadlineExceeded)
}

func TestUpdateSkipsValidationGate(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events := collect(t, bus)
	bsky := newFake(platform.Bluesky, ok("u"))
	o := New(WithBus(bus)).Use(bsky)

	out := o.Update(context.Background(), "post-1", "", content.Content{Body: strings.Repeat("x", 400)},
		[]Target{{Account: account("acc-b", platform.Bluesky), RemoteID: "r1"}})
	assert.Contains(t, out.Responses, "acc-b")
	assert.EqualValues(t, 1, bsky.calls.Load())

	out = o.AddComment(context.Background(), "post-1", "", content.Content{Body: "c"},
		[]Target{{Account: account("acc-b", platform.Bluesky), RemoteID: "r1"}})
	assert.Contains(t, out.Responses, "acc-b")

	evs := events()
	require.Len(t, evs, 2)
	assert.Equal(t, eventbus.PostUpdated, evs[0].Kind)
	assert.Equal(t, eventbus.CommentAdded, evs[1].Kind)
}

func TestSharedTokenFallback(t *testing.T) {
	t.Parallel()
	var seen string
	p := &tokenPlugin{seen: &seen}
	o := New().Use(p)
	_, err := o.Publish(context.Background(), "post-1", "shared", content.Content{Body: "hi"},
		[]model.Account{{ID: "a", Platform: platform.Discord}})
	require.NoError(t, err)
	assert.Equal(t, "shared", seen)
}

type tokenPlugin struct {
	fakePlugin
	seen *string
}

func (p *tokenPlugin) Platform() platform.ID                              { return platform.Discord }
func (p *tokenPlugin) Validate(context.Context, content.Content) []string { return nil }
func (p *tokenPlugin) Post(_ context.Context, _, token string, _ content.Content, _ model.Account) ([]platform.PostResponse, error) {
	*p.seen = token
	return nil, nil
}
