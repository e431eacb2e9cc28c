package httpapi

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

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/orchestrator"
	"postwave/internal/platform"
	"postwave/internal/publish"
	"postwave/internal/queue"
	"postwave/internal/storage"
	logx "postwave/pkg/logx"
)

type fakeAPI struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	retried   []string
	created   []model.Post
}

func newFakeAPI() *fakeAPI { return &fakeAPI{scheduled: map[string]time.Time{}} }

func (f *fakeAPI) PublishPostNow(_ context.Context, postID string) (string, error) {
	if postID == "missing" {
		return "", fmt.Errorf("post %s: %w", postID, storage.ErrNotFound)
	}
	return "job-" + postID, nil
}

func (f *fakeAPI) SchedulePostForLater(_ context.Context, postID string, at time.Time) (string, error) {
	if at.IsZero() {
		return "", publish.ErrBadSchedule
	}
	f.mu.Lock()
	f.scheduled[postID] = at
	f.mu.Unlock()
	return "job-" + postID, nil
}

func (f *fakeAPI) RetryFailedPost(_ context.Context, postID, ppID, lastError string) (string, error) {
	f.mu.Lock()
	f.retried = append(f.retried, postID+"/"+ppID+"/"+lastError)
	f.mu.Unlock()
	return "retry-" + ppID, nil
}

func (f *fakeAPI) GetQueueStats() queue.Stats {
	return queue.Stats{Pending: 2, Processing: 1, Completed: 5, Failed: 1, TotalJobs: 3}
}

func (f *fakeAPI) Jobs() []queue.Job {
	return []queue.Job{{ID: "j1", Kind: queue.KindRetry, PostID: "p1", PlatformPostID: "pp1", Attempts: 1, MaxAttempts: 2}}
}

func (f *fakeAPI) CancelJob(jobID string) bool { return jobID == "j1" }

func (f *fakeAPI) ProcessScheduledPosts(context.Context) (publish.ProcessReport, error) {
	return publish.ProcessReport{Dispatched: 2}, nil
}

func (f *fakeAPI) ValidateContent(p platform.ID, c content.Content, _ content.Options) (publish.Validation, error) {
	rules := content.DefaultRules()
	if _, ok := rules[p]; !ok {
		return publish.Validation{}, content.ErrUnknownPlatform
	}
	res := rules.Validate(p, c)
	return publish.Validation{IsValid: res.IsValid, Errors: res.Errors}, nil
}

func (f *fakeAPI) ValidatePost(context.Context, string) (map[platform.ID][]string, error) {
	return map[platform.ID][]string{platform.Bluesky: {"too long"}}, nil
}

func (f *fakeAPI) UpdatePost(context.Context, string, content.Content) (orchestrator.Outcome, error) {
	return orchestrator.Outcome{
		Responses: map[string][]platform.PostResponse{"a": {{PostID: "r1", Status: platform.StatusUpdated}}},
		Failures:  map[string]error{"b": platform.ErrUnsupported},
	}, nil
}

func (f *fakeAPI) AddComment(context.Context, string, content.Content) (orchestrator.Outcome, error) {
	return orchestrator.Outcome{Responses: map[string][]platform.PostResponse{}}, nil
}

func (f *fakeAPI) CreatePost(_ context.Context, p model.Post) (model.Post, error) {
	p.ID = "new"
	p.Status = model.PostDraft
	f.mu.Lock()
	f.created = append(f.created, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeAPI) GetPost(_ context.Context, id string) (model.Post, error) {
	if id != "p1" {
		return model.Post{}, storage.ErrNotFound
	}
	return model.Post{ID: "p1", Status: model.PostPublished}, nil
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	api := newFakeAPI()
	h := New(Config{}, api, eventbus.New(), logx.Nop()).Handler()

	cases := []struct {
		method, path, body string
		status             int
		contains           string
	}{
		{"GET", "/healthz", "", 200, `"ok"`},
		{"POST", "/v1/posts/p1/publish", "", 202, `"job_id":"job-p1"`},
		{"POST", "/v1/posts/missing/publish", "", 404, "not found"},
		{"POST", "/v1/posts/p1/schedule", `{"at":"2026-06-01T10:00:00Z"}`, 202, `"job_id"`},
		{"POST", "/v1/posts/p1/schedule", `{}`, 400, "schedule time"},
		{"POST", "/v1/posts/p1/schedule", `{"at":"2026-06-01T10:00:00Z","extra":1}`, 400, "invalid body"},
		{"POST", "/v1/posts/p1/platform-posts/pp9/retry", `{"error":"boom"}`, 202, `"retry-pp9"`},
		{"POST", "/v1/posts/p1/platform-posts/pp9/retry", "", 202, `"retry-pp9"`},
		{"GET", "/v1/queue/stats", "", 200, `"pending":2`},
		{"GET", "/v1/queue/jobs", "", 200, `"platform_post_id":"pp1"`},
		{"DELETE", "/v1/queue/jobs/j1", "", 204, ""},
		{"DELETE", "/v1/queue/jobs/zz", "", 409, "already running"},
		{"POST", "/v1/queue/process", "", 200, `"dispatched":2`},
		{"POST", "/v1/validate", `{"platform":"bluesky","content":{"body":"hi"}}`, 200, `"is_valid":true`},
		{"POST", "/v1/validate", `{"platform":"myspace","content":{"body":"hi"}}`, 400, "unknown platform"},
		{"POST", "/v1/posts/p1/validate", "", 200, `"too long"`},
		{"POST", "/v1/posts/p1/update", `{"content":{"body":"new"}}`, 200, `"failures":{"b":"operation not supported"}`},
		{"POST", "/v1/posts/p1/comments", `{"content":{"body":"c"}}`, 200, `"responses"`},
		{"GET", "/v1/posts/p1/", "", 200, `"status":"published"`},
		{"GET", "/v1/posts/zz/", "", 404, "not found"},
		{"POST", "/v1/posts", `{"content":{"body":"x"},"accounts":["a1","a2"]}`, 201, `"id":"new"`},
		{"POST", "/v1/posts", `{"content":{"body":"x"}}`, 400, "accounts"},
		{"GET", "/debug/pprof/", "", 404, ""},
	}
	for _, tc := range cases {
		rec := do(t, h, tc.method, tc.path, tc.body, "")
		assert.Equal(t, tc.status, rec.Code, "%s %s: %s", tc.method, tc.path, rec.Body.String())
		if tc.contains != "" {
			assert.Contains(t, rec.Body.String(), tc.contains, "%s %s", tc.method, tc.path)
		}
	}

	require.Len(t, api.retried, 2)
	assert.Equal(t, "p1/pp9/boom", api.retried[0])
	require.Len(t, api.created, 1)
	assert.Len(t, api.created[0].PlatformPosts, 2)
}

func TestBearerGuard(t *testing.T) {
	t.Parallel()
	h := New(Config{Token: "s3cret", Pprof: true}, newFakeAPI(), eventbus.New(), logx.Nop()).Handler()

	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "", "").Code, "health is open")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/v1/queue/stats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/v1/queue/stats", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/v1/queue/stats", "", "s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/v1/queue/stats?token=s3cret", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/debug/pprof/", "", "").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/debug/pprof/", "", "s3cret").Code)
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{}, newFakeAPI(), bus, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	// The hub subscribes asynchronously; keep publishing until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(20 * time.Millisecond):
				eventbus.Emit(bus, eventbus.JobScheduled, eventbus.JobEvent{JobID: "j1", Kind: "publish", PostID: "p1"})
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev struct {
		Kind string          `json:"kind"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, "job:scheduled", ev.Kind)
	assert.Contains(t, string(ev.Data), `"post_id":"p1"`)
}

func TestServeStopsWithContext(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, newFakeAPI(), eventbus.New(), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
