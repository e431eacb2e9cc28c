// Package model holds the records the publisher reads and writes through storage.
package model

import (
	"time"

	"postwave/internal/content"
)

type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostScheduled PostStatus = "scheduled"
	// PostPublishing marks a post while a publish attempt is in flight.
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
)

type PlatformStatus string

const (
	PlatformPending   PlatformStatus = "pending"
	PlatformPublished PlatformStatus = "published"
	PlatformFailed    PlatformStatus = "failed"
)

// Post is one logical piece of content targeted at one or more accounts.
type Post struct {
	ID            string          `json:"id"`
	Content       content.Content `json:"content"`
	Status        PostStatus      `json:"status"`
	ScheduledAt   time.Time       `json:"scheduled_at,omitzero"`
	PublishedAt   time.Time       `json:"published_at,omitzero"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	PlatformPosts []PlatformPost  `json:"platform_posts"`
}

// PlatformPost is the publishing record of a post on one account.
type PlatformPost struct {
	ID           string           `json:"id"`
	PostID       string           `json:"post_id"`
	AccountID    string           `json:"account_id"`
	Platform     content.Platform `json:"platform"`
	Status       PlatformStatus   `json:"status"`
	RemoteID     string           `json:"remote_id,omitempty"`
	ReleaseURL   string           `json:"release_url,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Account is a connected profile on a platform. AccessToken is handed to a
// plugin per call and never logged.
type Account struct {
	ID          string           `json:"id"`
	Platform    content.Platform `json:"platform"`
	ExternalID  string           `json:"external_id"`
	Handle      string           `json:"handle,omitempty"`
	AccessToken string           `json:"-"`
	Disabled    bool             `json:"disabled,omitempty"`
}

// PlatformPost returns the child with the given id.
func (p *Post) PlatformPost(id string) (PlatformPost, bool) {
	for _, pp := range p.PlatformPosts {
		if pp.ID == id {
			return pp, true
		}
	}
	return PlatformPost{}, false
}

// Pending returns the children still waiting to be published.
func (p *Post) Pending() []PlatformPost {
	var out []PlatformPost
	for _, pp := range p.PlatformPosts {
		if pp.Status == PlatformPending {
			out = append(out, pp)
		}
	}
	return out
}

// DeriveStatus computes a post's aggregate status from its children. The
// bool reports whether the status is final: false while anything is pending.
//
// published: every child is published (vacuously true for none).
// failed:    at least one child failed and none is pending.
func DeriveStatus(pps []PlatformPost) (PostStatus, bool) {
	failed := false
	for _, pp := range pps {
		switch pp.Status {
		case PlatformPending:
			return PostPublishing, false
		case PlatformFailed:
			failed = true
		}
	}
	if failed {
		return PostFailed, true
	}
	return PostPublished, true
}
