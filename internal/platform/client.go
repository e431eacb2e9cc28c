package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	logx "postwave/pkg/logx"
)

const (
	DefaultTimeout  = 30 * time.Second
	maxResponseBody = 4 << 20
)

// APIClient talks to one platform's HTTP API.
type APIClient struct {
	platform ID
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	timeout  time.Duration
	log      logx.Logger
}

func NewAPIClient(platform ID, base string, hc *http.Client, limiter *rate.Limiter, timeout time.Duration, log logx.Logger) *APIClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &APIClient{
		platform: platform,
		base:     strings.TrimRight(base, "/"),
		http:     hc,
		limiter:  limiter,
		timeout:  timeout,
		log:      log,
	}
}

// Request describes one call. At most one of JSON, Form and Body is used.
type Request struct {
	Method string
	Path   string // relative to the base URL, or absolute
	Query  url.Values

	JSON        any
	Form        url.Values
	Body        []byte
	ContentType string

	// Token authenticates the call. Nil sends no Authorization header.
	Token *oauth2.Token
}

// Bearer builds a per-call bearer token.
func Bearer(accessToken string) *oauth2.Token {
	return &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}
}

// Do runs req and returns the parsed JSON body. Failures come back classified
// with Classify.
func (c *APIClient) Do(ctx context.Context, req Request) (gjson.Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return gjson.Result{}, Transient(fmt.Errorf("%s: rate limit wait: %w", c.platform, err), 0)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	hreq, err := c.build(ctx, req)
	if err != nil {
		return gjson.Result{}, Permanent(err)
	}

	hc := c.http
	if req.Token != nil {
		// The token lives only as long as this client value.
		hc = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http), oauth2.StaticTokenSource(req.Token))
	}

	start := time.Now()
	resp, err := hc.Do(hreq)
	if err != nil {
		return gjson.Result{}, Classify(fmt.Errorf("%s %s: %w", req.Method, req.Path, err), 0)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return gjson.Result{}, Classify(fmt.Errorf("%s %s: read body: %w", req.Method, req.Path, err), 0)
	}
	c.log.Debug("api call",
		logx.String("platform", string(c.platform)),
		logx.String("method", req.Method),
		logx.String("path", req.Path),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)),
	)

	body := gjson.ParseBytes(raw)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{
			Platform: c.platform,
			Status:   resp.StatusCode,
			Code:     errorCode(body),
			Message:  errorMessage(body, raw),
			Endpoint: req.Path,
		}
		return body, Classify(apiErr, retryAfter(resp, body))
	}
	return body, nil
}

func (c *APIClient) build(ctx context.Context, req Request) (*http.Request, error) {
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.base + "/" + strings.TrimLeft(req.Path, "/")
	}
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}

	var body io.Reader
	contentType := req.ContentType
	switch {
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", c.platform, err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.Body != nil:
		body = bytes.NewReader(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	hreq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", c.platform, err)
	}
	hreq.Header.Set("Accept", "application/json")
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	return hreq, nil
}

// errorMessage digs the human-readable message out of the shapes the
// supported APIs use.
func errorMessage(body gjson.Result, raw []byte) string {
	for _, path := range []string{"error.message", "message", "description", "error_description", "error"} {
		if v := body.Get(path); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func errorCode(body gjson.Result) string {
	for _, path := range []string{"error.code", "error_code", "code"} {
		if v := body.Get(path); v.Exists() {
			return v.String()
		}
	}
	if v := body.Get("error"); v.Type == gjson.String {
		return v.String()
	}
	return ""
}

func retryAfter(resp *http.Response, body gjson.Result) time.Duration {
	if h := strings.TrimSpace(resp.Header.Get("Retry-After")); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if at, err := http.ParseTime(h); err == nil {
			if d := time.Until(at); d > 0 {
				return d
			}
		}
	}
	for _, path := range []string{"retry_after", "parameters.retry_after"} {
		if v := body.Get(path); v.Exists() && v.Float() > 0 {
			return time.Duration(v.Float() * float64(time.Second))
		}
	}
	return 0
}
