package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
	logx "postwave/pkg/logx"
)

type botCall struct {
	method string
	params map[string]any
}

type fakeBotAPI struct {
	mu     sync.Mutex
	calls  []botCall
	nextID int
	flood  bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// /bot<token>/<method>
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	method := parts[len(parts)-1]
	params := map[string]any{}
	_ = json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, botCall{method: method, params: params})
	w.Header().Set("Content-Type", "application/json")

	if parts[0] != "botbot-token" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
		return
	}
	if f.flood {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 9","parameters":{"retry_after":9}}`)
		return
	}
	switch method {
	case "sendMediaGroup":
		f.nextID += 2
		fmt.Fprintf(w, `{"ok":true,"result":[{"message_id":%d,"date":1,"chat":{"id":-100777,"type":"channel"}},{"message_id":%d,"date":1,"chat":{"id":-100777,"type":"channel"}}]}`, f.nextID-1, f.nextID)
	default:
		f.nextID++
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d,"date":1,"chat":{"id":-100777,"type":"channel"},"text":"ok"}}`, f.nextID)
	}
}

func newPlugin(t *testing.T, api *fakeBotAPI) platform.Plugin {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(platform.Deps{
		Log:      logx.Nop(),
		Rules:    content.DefaultRules()[content.Telegram],
		Settings: platform.Settings{Enabled: true, APIBase: srv.URL, Timeout: 5 * time.Second},
		HTTP:     srv.Client(),
	})
}

var channel = model.Account{ID: "acc-tg", Platform: content.Telegram, ExternalID: "-100777"}

func replyTarget(params map[string]any) string {
	if v, ok := params["reply_to_message_id"]; ok {
		return fmt.Sprint(v)
	}
	if v, ok := params["reply_parameters"].(string); ok {
		return gjson.Get(v, "message_id").String()
	}
	return ""
}

func TestPostTextWithReply(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	p := newPlugin(t, api)

	c := content.Content{Body: "**bold** & more", Format: content.FormatMarkdown, Comments: []content.Content{{Body: "follow up"}}}
	rs, err := p.Post(context.Background(), "post-1", "bot-token", c, channel)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "1", rs[0].PostID)
	assert.Equal(t, "https://t.me/c/777/1", rs[0].ReleaseURL)
	assert.Equal(t, platform.StatusCommented, rs[1].Status)

	require.Len(t, api.calls, 2)
	first := api.calls[0]
	assert.Equal(t, "sendMessage", first.method)
	assert.Equal(t, "<strong>bold</strong> &amp; more", first.params["text"])
	assert.Equal(t, "HTML", first.params["parse_mode"])
	assert.Equal(t, "1", replyTarget(api.calls[1].params))
}

func TestPostAlbumAndPoll(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	p := newPlugin(t, api)

	c := content.Content{
		Body: "gallery",
		Media: []content.Media{
			{URL: "https://cdn.example.com/1.jpg", Kind: content.MediaImage},
			{URL: "https://cdn.example.com/2.jpg", Kind: content.MediaImage},
		},
		Poll: &content.Poll{Question: "best?", Options: []string{"first", "second"}},
	}
	rs, err := p.Post(context.Background(), "post-2", "bot-token", c, channel)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, "1", rs[0].PostID)

	require.Len(t, api.calls, 2)
	assert.Equal(t, "sendMediaGroup", api.calls[0].method)
	assert.Equal(t, "sendPoll", api.calls[1].method)
	assert.Equal(t, "best?", api.calls[1].params["question"])
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()
	p := newPlugin(t, &fakeBotAPI{flood: true})
	_, err := p.Post(context.Background(), "post-3", "bot-token", content.Content{Body: "x"}, channel)
	require.Error(t, err)
	assert.False(t, platform.IsPermanent(err))
	assert.Equal(t, 9*time.Second, platform.RetryHint(err))

	p = newPlugin(t, &fakeBotAPI{})
	_, err = p.Post(context.Background(), "post-3", "revoked", content.Content{Body: "x"}, channel)
	require.Error(t, err)
	assert.True(t, platform.IsPermanent(err))
}

func TestPostGivesUpAtContextDeadline(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	p := New(platform.Deps{
		Log:      logx.Nop(),
		Rules:    content.DefaultRules()[content.Telegram],
		Settings: platform.Settings{Enabled: true, APIBase: srv.URL},
		HTTP:     srv.Client(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Post(ctx, "post-4", "bot-token", content.Content{Body: "x"}, channel)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestUpdateEditsMessage(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	p := newPlugin(t, api)
	rs, err := p.Update(context.Background(), "post-1", "bot-token", "42", content.Content{Body: "fixed typo"}, channel)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, platform.StatusUpdated, rs[0].Status)
	assert.Equal(t, "editMessageText", api.calls[0].method)
	assert.Equal(t, "42", fmt.Sprint(api.calls[0].params["message_id"]))
}

func TestMessageURL(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "https://t.me/news/5", messageURL("@news", "5"))
	assert.Equal(t, "https://t.me/c/123/5", messageURL("-100123", "5"))
	assert.Equal(t, "", messageURL("4242", "5"))
}
