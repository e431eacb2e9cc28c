package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
	"postwave/internal/storage"
)

// fakeBot answers every Bot API method with a sent message.
type fakeBot struct {
	calls atomic.Int32
}

func (f *fakeBot) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := f.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasPrefix(r.URL.Path, "/botbot-token/") {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":-100777,"type":"channel"},"text":"ok"}}`, n)
}

func configFor(apiBase string, maxConcurrent int, triggerEnabled bool) string {
	return fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "queue": {"sweep_interval": "50ms", "max_concurrent": %d},
  "trigger": {"enabled": %t, "schedule": "1m"},
  "http": {"enabled": false},
  "platforms": {
    "telegram": {"enabled": true, "api_base": %q, "timeout": "5s"}
  },
  "accounts": [
    {"id": "tg", "platform": "telegram", "external_id": "-100777", "access_token": "${TG_TOKEN}"}
  ]
}`, maxConcurrent, triggerEnabled, apiBase)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func newTestApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, body)
	a, err := NewApp(path, WithEnviron(map[string]string{"TG_TOKEN": "bot-token"}))
	require.NoError(t, err)
	return a, path
}

func TestAppPublishesThroughConfiguredPlatform(t *testing.T) {
	bot := &fakeBot{}
	srv := httptest.NewServer(bot)
	defer srv.Close()

	a, _ := newTestApp(t, configFor(srv.URL, 2, false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acct, err := a.Store().GetAccountByID(ctx, "tg")
	require.NoError(t, err)
	assert.Equal(t, "bot-token", acct.AccessToken, "token expanded from the environment")
	assert.Equal(t, platform.Telegram, acct.Platform)

	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	post, err := a.Service().CreatePost(ctx, model.Post{
		Content:       content.Content{Body: "hello from postwave"},
		PlatformPosts: []model.PlatformPost{{AccountID: "tg"}},
	})
	require.NoError(t, err)
	_, err = a.Service().PublishPostNow(ctx, post.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		p, err := a.Store().FindPostByID(ctx, post.ID)
		return err == nil && p.Status == model.PostPublished
	}, 5*time.Second, 20*time.Millisecond)

	p, err := a.Store().FindPostByID(ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, p.PlatformPosts, 1)
	assert.Equal(t, model.PlatformPublished, p.PlatformPosts[0].Status)
	assert.NotEmpty(t, p.PlatformPosts[0].RemoteID)
	assert.GreaterOrEqual(t, bot.calls.Load(), int32(1))
}

func TestAppAppliesReloadedConfig(t *testing.T) {
	a, path := newTestApp(t, configFor("https://api.telegram.org", 2, false))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer func() { _ = a.Stop(context.Background(), StopUnknown) }()

	assert.Equal(t, 2, a.queue.Config().MaxConcurrent)

	writeConfig(t, path, configFor("https://api.telegram.org", 7, true))
	// The file watcher may get there first; either way the config is applied once.
	_, err := a.cfgm.Reload()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.queue.Config().MaxConcurrent == 7
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 7, a.Config().Queue.MaxConcurrent)
}

func TestAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeConfig(t, path, `{"storage": {"driver": "postgres"}}`)
	_, err := NewApp(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}

func TestStopWithoutStartClosesStore(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, configFor("https://api.telegram.org", 1, false))
	require.NoError(t, a.Stop(context.Background(), StopUnknown))

	_, err := a.Store().FindPostByID(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrClosed)
}
