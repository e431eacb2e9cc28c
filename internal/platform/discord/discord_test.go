package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwave/internal/content"
	"postwave/internal/model"
	"postwave/internal/platform"
	logx "postwave/pkg/logx"
)

type request struct {
	method string
	path   string
	body   map[string]any
}

type fakeDiscord struct {
	mu      sync.Mutex
	reqs    []request
	limited bool
}

func (d *fakeDiscord) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	d.mu.Lock()
	d.reqs = append(d.reqs, request{method: r.Method, path: r.URL.Path, body: body})
	n := len(d.reqs)
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bot bot-secret" {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"401: Unauthorized","code":0}`)
		return
	}
	if d.limited {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"message":"You are being rate limited.","retry_after":2.5,"global":false}`)
		return
	}
	fmt.Fprintf(w, `{"id":"m%d","channel_id":"chan-1","guild_id":"g-9"}`, n)
}

func newPlugin(t *testing.T, d *fakeDiscord) platform.Plugin {
	t.Helper()
	srv := httptest.NewServer(d)
	t.Cleanup(srv.Close)
	return New(platform.Deps{
		Log:      logx.Nop(),
		Rules:    content.DefaultRules()[content.Discord],
		Settings: platform.Settings{Enabled: true, APIBase: srv.URL},
		HTTP:     srv.Client(),
	})
}

var chanAcct = model.Account{ID: "acc-dc", Platform: content.Discord, ExternalID: "chan-1"}

func TestPostMarkdownWithEmbedsAndReply(t *testing.T) {
	t.Parallel()
	d := &fakeDiscord{}
	p := newPlugin(t, d)

	c := content.Content{
		Body:     "<p>New <strong>release</strong></p>",
		Format:   content.FormatHTML,
		Media:    []content.Media{{URL: "https://cdn.example.com/shot.png", Kind: content.MediaImage, Alt: "screenshot"}},
		Comments: []content.Content{{Body: "changelog inside"}},
	}
	rs, err := p.Post(context.Background(), "post-1", "bot-secret", c, chanAcct)
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, "m1", rs[0].PostID)
	assert.Equal(t, "https://discord.com/channels/g-9/chan-1/m1", rs[0].ReleaseURL)

	first := d.reqs[0]
	assert.Equal(t, "/channels/chan-1/messages", first.path)
	assert.Equal(t, "New **release**", first.body["content"])
	require.Len(t, first.body["embeds"], 1)

	ref := d.reqs[1].body["message_reference"].(map[string]any)
	assert.Equal(t, "m1", ref["message_id"])
}

func TestUpdatePatchesMessage(t *testing.T) {
	t.Parallel()
	d := &fakeDiscord{}
	p := newPlugin(t, d)
	rs, err := p.Update(context.Background(), "post-1", "bot-secret", "m7", content.Content{Body: "edited"}, chanAcct)
	require.NoError(t, err)
	assert.Equal(t, platform.StatusUpdated, rs[0].Status)
	assert.Equal(t, http.MethodPatch, d.reqs[0].method)
	assert.Equal(t, "/channels/chan-1/messages/m7", d.reqs[0].path)
}

func TestRateLimitHint(t *testing.T) {
	t.Parallel()
	p := newPlugin(t, &fakeDiscord{limited: true})
	_, err := p.Post(context.Background(), "post-1", "bot-secret", content.Content{Body: "x"}, chanAcct)
	require.Error(t, err)
	assert.False(t, platform.IsPermanent(err))
	assert.Equal(t, 2500*time.Millisecond, platform.RetryHint(err))
}

func TestBadTokenIsPermanent(t *testing.T) {
	t.Parallel()
	p := newPlugin(t, &fakeDiscord{})
	_, err := p.Post(context.Background(), "post-1", "nope", content.Content{Body: "x"}, chanAcct)
	require.Error(t, err)
	assert.True(t, platform.IsPermanent(err))
}
