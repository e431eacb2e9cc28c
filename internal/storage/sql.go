package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"postwave/internal/content"
	"postwave/internal/model"
	logx "postwave/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store on database/sql for both SQLite and PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
	now     func() time.Time
}

// q rebinds ? placeholders to $n for PostgreSQL.
func (s *sqlStore) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate applies embedded migrations in name order, once each.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at BIGINT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var one int
		err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM schema_migrations WHERE version = ?`), version).Scan(&one)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		b, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, stmt := range strings.Split(string(b), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`), version, s.now().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.log.Info("migration applied", logx.String("version", version))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

const postColumns = `id, content, status, scheduled_at, published_at, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanPost(row rowScanner) (model.Post, error) {
	var (
		p                    model.Post
		raw                  string
		scheduled, published sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&p.ID, &raw, &p.Status, &scheduled, &published, &createdAt, &updatedAt); err != nil {
		return model.Post{}, err
	}
	if err := json.Unmarshal([]byte(raw), &p.Content); err != nil {
		return model.Post{}, fmt.Errorf("post %s: decode content: %w", p.ID, err)
	}
	p.ScheduledAt = fromMillis(scheduled)
	p.PublishedAt = fromMillis(published)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return p, nil
}

func (s *sqlStore) platformPosts(ctx context.Context, postID string) ([]model.PlatformPost, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, post_id, account_id, platform, status, remote_id, release_url, error_message, updated_at
		FROM platform_posts WHERE post_id = ? ORDER BY position, id`), postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PlatformPost
	for rows.Next() {
		var pp model.PlatformPost
		var updated int64
		if err := rows.Scan(&pp.ID, &pp.PostID, &pp.AccountID, &pp.Platform, &pp.Status, &pp.RemoteID, &pp.ReleaseURL, &pp.ErrorMessage, &updated); err != nil {
			return nil, err
		}
		pp.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (s *sqlStore) FindPostByID(ctx context.Context, id string) (model.Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, s.q(`SELECT `+postColumns+` FROM posts WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Post{}, fmt.Errorf("post %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Post{}, err
	}
	if p.PlatformPosts, err = s.platformPosts(ctx, id); err != nil {
		return model.Post{}, err
	}
	return p, nil
}

func (s *sqlStore) UpdatePostStatus(ctx context.Context, id string, status model.PostStatus, publishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET status = ?, published_at = COALESCE(CAST(? AS BIGINT), published_at), updated_at = ? WHERE id = ?`),
		string(status), millis(publishedAt), s.now().UnixMilli(), id)
	return affected(res, err, "post "+id)
}

func (s *sqlStore) UpdatePlatformPost(ctx context.Context, pp model.PlatformPost) error {
	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE platform_posts SET status = ?, remote_id = ?, release_url = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND post_id = ?`),
		string(pp.Status), pp.RemoteID, pp.ReleaseURL, pp.ErrorMessage, now, pp.ID, pp.PostID)
	if err := affected(res, err, "platform post "+pp.ID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`UPDATE posts SET updated_at = ? WHERE id = ?`), now, pp.PostID)
	return err
}

func (s *sqlStore) FindScheduledPosts(ctx context.Context, before time.Time) ([]model.Post, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id FROM posts
		WHERE status IN (?, ?) AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		  AND EXISTS (SELECT 1 FROM platform_posts pp WHERE pp.post_id = posts.id AND pp.status = ?)
		ORDER BY scheduled_at, id`),
		string(model.PostScheduled), string(model.PostPublishing), before.UnixMilli(), string(model.PlatformPending))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Post, 0, len(ids))
	for _, id := range ids {
		p, err := s.FindPostByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *sqlStore) GetAccountByID(ctx context.Context, id string) (model.Account, error) {
	var (
		a        model.Account
		disabled int
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, platform, external_id, handle, access_token, disabled FROM accounts WHERE id = ?`), id).
		Scan(&a.ID, &a.Platform, &a.ExternalID, &a.Handle, &a.AccessToken, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{}, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Account{}, err
	}
	a.Disabled = disabled != 0
	return a, nil
}

func (s *sqlStore) CreatePost(ctx context.Context, p model.Post) (model.Post, error) {
	p, err := preparePost(p, s.now())
	if err != nil {
		return model.Post{}, err
	}
	for i := range p.PlatformPosts {
		pp := &p.PlatformPosts[i]
		a, err := s.GetAccountByID(ctx, pp.AccountID)
		if err != nil {
			return model.Post{}, err
		}
		if pp.Platform == "" {
			pp.Platform = a.Platform
		}
	}
	raw, err := json.Marshal(p.Content)
	if err != nil {
		return model.Post{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Post{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO posts (`+postColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		p.ID, string(raw), string(p.Status), millis(p.ScheduledAt), millis(p.PublishedAt), p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli()); err != nil {
		return model.Post{}, fmt.Errorf("insert post: %w", err)
	}
	for i, pp := range p.PlatformPosts {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO platform_posts (id, post_id, account_id, platform, status, position, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
			pp.ID, p.ID, pp.AccountID, string(pp.Platform), string(pp.Status), i, pp.UpdatedAt.UnixMilli()); err != nil {
			return model.Post{}, fmt.Errorf("insert platform post: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return model.Post{}, err
	}
	return p, nil
}

func (s *sqlStore) UpsertAccount(ctx context.Context, a model.Account) (model.Account, error) {
	a, err := prepareAccount(a)
	if err != nil {
		return model.Account{}, err
	}
	disabled := 0
	if a.Disabled {
		disabled = 1
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO accounts (id, platform, external_id, handle, access_token, disabled) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET platform = excluded.platform, external_id = excluded.external_id, handle = excluded.handle,
			access_token = excluded.access_token, disabled = excluded.disabled`),
		a.ID, string(a.Platform), a.ExternalID, a.Handle, a.AccessToken, disabled)
	if err != nil {
		return model.Account{}, err
	}
	return a, nil
}

func (s *sqlStore) SchedulePost(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE posts SET status = ?, scheduled_at = ?, updated_at = ? WHERE id = ?`),
		string(model.PostScheduled), at.UnixMilli(), s.now().UnixMilli(), id)
	return affected(res, err, "post "+id)
}

func (s *sqlStore) ListAccountPlatforms(ctx context.Context) ([]content.Platform, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT platform FROM accounts WHERE disabled = 0 ORDER BY platform`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []content.Platform
	for rows.Next() {
		var p content.Platform
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error, what string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
