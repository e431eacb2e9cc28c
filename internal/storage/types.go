package storage

import (
	"context"
	"errors"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid record")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on exit
//   - "file": memory plus a JSON snapshot and journal under Path
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Store is the system of record for posts, their platform posts and accounts.
type Store interface {
	// FindPostByID returns the post with its platform posts.
	FindPostByID(ctx context.Context, id string) (model.Post, error)
	// UpdatePostStatus sets the aggregate status. A zero publishedAt leaves
	// the stored value untouched.
	UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, publishedAt time.Time) error
	// UpdatePlatformPost writes status, remote id, release URL and error.
	UpdatePlatformPost(ctx context.Context, pp model.PlatformPost) error
	// FindScheduledPosts returns posts due at or before before that still
	// have pending platform posts, earliest first. Posts left in publishing
	// by an interrupted process are included.
	FindScheduledPosts(ctx context.Context, before time.Time) ([]model.Post, error)
	GetAccountByID(ctx context.Context, id string) (model.Account, error)

	// CreatePost assigns missing ids and stores the post with every
	// platform post pending.
	CreatePost(ctx context.Context, p model.Post) (model.Post, error)
	UpsertAccount(ctx context.Context, a model.Account) (model.Account, error)
	// SchedulePost marks a post scheduled for at.
	SchedulePost(ctx context.Context, id string, at time.Time) error
	// ListAccountPlatforms returns the distinct platforms of enabled accounts.
	ListAccountPlatforms(ctx context.Context) ([]content.Platform, error)

	Close() error
}
