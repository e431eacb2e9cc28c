package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
)

// memStore keeps everything in maps. Reads return copies so callers can
// never mutate stored state.
type memStore struct {
	mu       sync.RWMutex
	now      func() time.Time
	posts    map[string]model.Post
	accounts map[string]model.Account
	closed   bool

	// onChange is called under mu after every successful write.
	onChange func(rec record) error
}

// NewMemory returns an empty in-process store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		posts:    map[string]model.Post{},
		accounts: map[string]model.Account{},
	}
}

func clonePost(p model.Post) model.Post {
	p.PlatformPosts = slices.Clone(p.PlatformPosts)
	return p
}

func (s *memStore) changed(rec record) error {
	if s.onChange == nil {
		return nil
	}
	return s.onChange(rec)
}

func (s *memStore) FindPostByID(_ context.Context, id string) (model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Post{}, ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return model.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	return clonePost(p), nil
}

func (s *memStore) UpdatePostStatus(_ context.Context, id string, status model.PostStatus, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	p.Status = status
	if !publishedAt.IsZero() {
		p.PublishedAt = publishedAt
	}
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return s.changed(record{Post: &p})
}

func (s *memStore) UpdatePlatformPost(_ context.Context, pp model.PlatformPost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.posts[pp.PostID]
	if !ok {
		return fmt.Errorf("post %s: %w", pp.PostID, ErrNotFound)
	}
	idx := slices.IndexFunc(p.PlatformPosts, func(x model.PlatformPost) bool { return x.ID == pp.ID })
	if idx < 0 {
		return fmt.Errorf("platform post %s: %w", pp.ID, ErrNotFound)
	}
	now := s.now()
	p.PlatformPosts = slices.Clone(p.PlatformPosts)
	cur := &p.PlatformPosts[idx]
	cur.Status = pp.Status
	cur.RemoteID = pp.RemoteID
	cur.ReleaseURL = pp.ReleaseURL
	cur.ErrorMessage = pp.ErrorMessage
	cur.UpdatedAt = now
	p.UpdatedAt = now
	s.posts[p.ID] = p
	return s.changed(record{Post: &p})
}

func (s *memStore) FindScheduledPosts(_ context.Context, before time.Time) ([]model.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []model.Post
	for _, p := range s.posts {
		if due(p, before) {
			out = append(out, clonePost(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) GetAccountByID(_ context.Context, id string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return model.Account{}, ErrClosed
	}
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *memStore) CreatePost(_ context.Context, p model.Post) (model.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Post{}, ErrClosed
	}
	p, err := preparePost(p, s.now())
	if err != nil {
		return model.Post{}, err
	}
	if _, dup := s.posts[p.ID]; dup {
		return model.Post{}, fmt.Errorf("%w: post %s already exists", ErrInvalid, p.ID)
	}
	for i := range p.PlatformPosts {
		pp := &p.PlatformPosts[i]
		a, ok := s.accounts[pp.AccountID]
		if !ok {
			return model.Post{}, fmt.Errorf("account %s: %w", pp.AccountID, ErrNotFound)
		}
		if pp.Platform == "" {
			pp.Platform = a.Platform
		}
	}
	s.posts[p.ID] = p
	if err := s.changed(record{Post: &p}); err != nil {
		return model.Post{}, err
	}
	return clonePost(p), nil
}

func (s *memStore) UpsertAccount(_ context.Context, a model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Account{}, ErrClosed
	}
	a, err := prepareAccount(a)
	if err != nil {
		return model.Account{}, err
	}
	s.accounts[a.ID] = a
	return a, s.changed(record{Account: accountRecordOf(a)})
}

func (s *memStore) SchedulePost(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	p.Status = model.PostScheduled
	p.ScheduledAt = at
	p.UpdatedAt = s.now()
	s.posts[id] = p
	return s.changed(record{Post: &p})
}

func (s *memStore) ListAccountPlatforms(_ context.Context) ([]content.Platform, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	seen := map[content.Platform]bool{}
	var out []content.Platform
	for _, a := range s.accounts {
		if a.Disabled || seen[a.Platform] {
			continue
		}
		seen[a.Platform] = true
		out = append(out, a.Platform)
	}
	slices.Sort(out)
	return out, nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
