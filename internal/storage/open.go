package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// preparePost fills ids and timestamps of a new post and checks that every
// platform post names an account.
func preparePost(p model.Post, now time.Time) (model.Post, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = model.PostDraft
		if !p.ScheduledAt.IsZero() {
			p.Status = model.PostScheduled
		}
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	pps := make([]model.PlatformPost, len(p.PlatformPosts))
	for i, pp := range p.PlatformPosts {
		if pp.AccountID == "" {
			return model.Post{}, fmt.Errorf("%w: platform post %d has no account", ErrInvalid, i)
		}
		if pp.ID == "" {
			pp.ID = uuid.NewString()
		}
		pp.PostID = p.ID
		pp.Status = model.PlatformPending
		pp.UpdatedAt = now
		pps[i] = pp
	}
	p.PlatformPosts = pps
	return p, nil
}

func prepareAccount(a model.Account) (model.Account, error) {
	if a.Platform == "" {
		return model.Account{}, fmt.Errorf("%w: account platform is required", ErrInvalid)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return a, nil
}

// due reports whether p belongs in FindScheduledPosts(before).
func due(p model.Post, before time.Time) bool {
	if p.Status != model.PostScheduled && p.Status != model.PostPublishing {
		return false
	}
	if p.ScheduledAt.IsZero() || p.ScheduledAt.After(before) {
		return false
	}
	return len(p.Pending()) > 0
}
