package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

func openers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "pw.json")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file: %v", err)
			}
			return st
		},
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "pw.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return st
		},
	}
}

func seed(t *testing.T, ctx context.Context, st Store) (model.Account, model.Account) {
	t.Helper()
	a, err := st.UpsertAccount(ctx, model.Account{Platform: content.Bluesky, ExternalID: "did:plc:1", Handle: "me.bsky.social", AccessToken: "secret"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	b, err := st.UpsertAccount(ctx, model.Account{ID: "fb-1", Platform: content.Facebook, ExternalID: "page-1"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return a, b
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open(t)
			defer st.Close()

			a, b := seed(t, ctx, st)
			got, err := st.GetAccountByID(ctx, a.ID)
			if err != nil {
				t.Fatalf("get account: %v", err)
			}
			if got.AccessToken != "secret" || got.Handle != "me.bsky.social" || got.Platform != content.Bluesky {
				t.Fatalf("account = %+v", got)
			}
			if _, err := st.GetAccountByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing account err = %v", err)
			}

			p, err := st.CreatePost(ctx, model.Post{
				Content:       content.Content{Body: "hello", Media: []content.Media{{URL: "https://x/a.png", Kind: content.MediaImage}}},
				PlatformPosts: []model.PlatformPost{{AccountID: a.ID}, {AccountID: b.ID}},
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if p.ID == "" || p.Status != model.PostDraft || len(p.PlatformPosts) != 2 {
				t.Fatalf("created = %+v", p)
			}
			if p.PlatformPosts[0].Platform != content.Bluesky || p.PlatformPosts[1].Platform != content.Facebook {
				t.Fatalf("platforms not filled from accounts: %+v", p.PlatformPosts)
			}

			loaded, err := st.FindPostByID(ctx, p.ID)
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if loaded.Content.Body != "hello" || len(loaded.Content.Media) != 1 {
				t.Fatalf("content = %+v", loaded.Content)
			}
			for _, pp := range loaded.PlatformPosts {
				if pp.Status != model.PlatformPending || pp.PostID != p.ID {
					t.Fatalf("platform post = %+v", pp)
				}
			}
			if loaded.PlatformPosts[0].ID != p.PlatformPosts[0].ID {
				t.Fatalf("platform post order not kept")
			}

			now := time.Now().Truncate(time.Millisecond)
			if err := st.SchedulePost(ctx, p.ID, now.Add(-time.Minute)); err != nil {
				t.Fatalf("schedule: %v", err)
			}
			due, err := st.FindScheduledPosts(ctx, now)
			if err != nil || len(due) != 1 || due[0].ID != p.ID {
				t.Fatalf("due = %v, %v", due, err)
			}
			if notYet, _ := st.FindScheduledPosts(ctx, now.Add(-time.Hour)); len(notYet) != 0 {
				t.Fatalf("post due too early")
			}

			pp := loaded.PlatformPosts[0]
			pp.Status = model.PlatformPublished
			pp.RemoteID = "at://x/1"
			pp.ReleaseURL = "https://bsky.app/profile/me/post/1"
			if err := st.UpdatePlatformPost(ctx, pp); err != nil {
				t.Fatalf("update pp: %v", err)
			}
			pp2 := loaded.PlatformPosts[1]
			pp2.Status = model.PlatformFailed
			pp2.ErrorMessage = "rate limited"
			if err := st.UpdatePlatformPost(ctx, pp2); err != nil {
				t.Fatalf("update pp: %v", err)
			}
			if err := st.UpdatePostStatus(ctx, p.ID, model.PostFailed, time.Time{}); err != nil {
				t.Fatalf("update status: %v", err)
			}

			after, _ := st.FindPostByID(ctx, p.ID)
			if after.Status != model.PostFailed || !after.PublishedAt.IsZero() {
				t.Fatalf("after = %+v", after)
			}
			if after.PlatformPosts[0].RemoteID != "at://x/1" || after.PlatformPosts[1].ErrorMessage != "rate limited" {
				t.Fatalf("platform posts = %+v", after.PlatformPosts)
			}
			if rest, _ := st.FindScheduledPosts(ctx, now); len(rest) != 0 {
				t.Fatalf("nothing pending should be due, got %d", len(rest))
			}

			pub := now.Add(time.Second)
			if err := st.UpdatePostStatus(ctx, p.ID, model.PostPublished, pub); err != nil {
				t.Fatalf("update status: %v", err)
			}
			final, _ := st.FindPostByID(ctx, p.ID)
			if !final.PublishedAt.Equal(pub) {
				t.Fatalf("published_at = %v, want %v", final.PublishedAt, pub)
			}

			if err := st.UpdatePostStatus(ctx, "missing", model.PostFailed, time.Time{}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing post err = %v", err)
			}
			if err := st.UpdatePlatformPost(ctx, model.PlatformPost{ID: "nope", PostID: p.ID}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing platform post err = %v", err)
			}

			plats, err := st.ListAccountPlatforms(ctx)
			if err != nil || len(plats) != 2 || plats[0] != content.Bluesky || plats[1] != content.Facebook {
				t.Fatalf("platforms = %v, %v", plats, err)
			}
		})
	}
}

func TestCreatePostRejectsUnknownAccount(t *testing.T) {
	t.Parallel()
	for name, open := range openers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			st := open(t)
			defer st.Close()
			_, err := st.CreatePost(context.Background(), model.Post{PlatformPosts: []model.PlatformPost{{AccountID: "ghost"}}})
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v", err)
			}
			_, err = st.CreatePost(context.Background(), model.Post{PlatformPosts: []model.PlatformPost{{}}})
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := seed(t, ctx, st)
	p, err := st.CreatePost(ctx, model.Post{Content: content.Content{Body: "x"}, PlatformPosts: []model.PlatformPost{{AccountID: a.ID}}})
	if err != nil {
		t.Fatal(err)
	}
	// Journal only: no Close, so no compaction.
	if err := st.SchedulePost(ctx, p.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	again, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got, err := again.FindPostByID(ctx, p.ID)
	if err != nil || got.Status != model.PostScheduled {
		t.Fatalf("reopened post = %+v, %v", got, err)
	}
	acct, _ := again.GetAccountByID(ctx, a.ID)
	if acct.AccessToken != "secret" {
		t.Fatalf("token lost across reopen")
	}
	if err := again.Close(); err != nil {
		t.Fatal(err)
	}

	// After Close the state lives in the snapshot.
	third, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer third.Close()
	if _, err := third.FindPostByID(ctx, p.ID); err != nil {
		t.Fatalf("post lost after compaction: %v", err)
	}
}

func TestPostgresRebind(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dialect: dialectPostgres}
	got := s.q(`UPDATE t SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE t SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Fatalf("q = %q, want %q", got, want)
	}
	lite := &sqlStore{dialect: dialectSQLite}
	if q := lite.q("a = ?"); q != "a = ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected missing dsn error")
	}
}
