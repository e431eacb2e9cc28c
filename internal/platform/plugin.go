// Package platform defines the contract every publishing target implements,
// plus the pieces plugins share: the registry, the HTTP API client, error
// classification and thread posting.
package platform

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"postwave/internal/content"
	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

// ID identifies a platform. It is the content package's platform type so
// rule tables and plugins share one key.
type ID = content.Platform

const (
	Bluesky   = content.Bluesky
	Facebook  = content.Facebook
	Instagram = content.Instagram
	Telegram  = content.Telegram
	Discord   = content.Discord
)

func All() []ID { return content.Platforms() }

type Status string

const (
	StatusPublished Status = "published"
	StatusUpdated   Status = "updated"
	StatusCommented Status = "commented"
	StatusFailed    Status = "failed"
)

// PostResponse reports one content unit's outcome.
type PostResponse struct {
	ID         string `json:"id"`      // local content id
	PostID     string `json:"post_id"` // platform-assigned id
	ReleaseURL string `json:"release_url,omitempty"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

// Plugin publishes to one platform. Implementations hold no credentials: the
// token arrives with every call and is dropped when the call returns.
type Plugin interface {
	Platform() ID
	// Validate returns human-readable violations; empty means valid.
	Validate(ctx context.Context, c content.Content) []string
	// Post publishes the primary unit then its comments, one response per
	// unit in the order attempted.
	Post(ctx context.Context, id, token string, c content.Content, acct model.Account) ([]PostResponse, error)
	Update(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]PostResponse, error)
	AddComment(ctx context.Context, id, token, remoteID string, c content.Content, acct model.Account) ([]PostResponse, error)
}

// Settings are one platform's operator-tunable knobs.
type Settings struct {
	Enabled       bool
	APIBase       string
	RatePerSec    float64
	Burst         int
	Timeout       time.Duration
	MaxImageBytes int64
	Format        content.Options
}

// Deps is what a Factory gets to build a plugin for one operation.
type Deps struct {
	Log      logx.Logger
	Rules    content.Rules
	Settings Settings
	HTTP     *http.Client
	Limiter  *rate.Limiter
}

// Factory builds a plugin. Registries call it once per operation.
type Factory func(Deps) Plugin

// Client returns an API client for id, falling back to defaultBase when no
// api_base is configured.
func (d Deps) Client(id ID, defaultBase string) *APIClient {
	base := d.Settings.APIBase
	if base == "" {
		base = defaultBase
	}
	return NewAPIClient(id, base, d.HTTP, d.Limiter, d.Settings.Timeout, d.Log)
}

// Validate runs the content rules for id with the plugin's rule set.
func (d Deps) Validate(id ID, c content.Content) []string {
	res := content.RuleSet{id: d.Rules}.Validate(id, c)
	return res.Errors
}

// Format converts c to id's markup with the configured options.
func (d Deps) Format(id ID, c content.Content) (content.Content, error) {
	return content.RuleSet{id: d.Rules}.Format(id, c, d.Settings.Format)
}
