package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/001_posts.sql
var schemaSQL string

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres connects a pool and verifies it with a ping.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{db: pool}, nil
}

// Migrate applies the embedded schema. All statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.db.Close()
}

const postColumns = `id, text, latitude, longitude, created_at, parent, public_key, private_key, signature, raw, moderated`

func (s *Postgres) CreatePost(ctx context.Context, p Post) (bool, error) {
	// ON CONFLICT DO NOTHING makes the duplicate-id no-op atomic; a
	// check-then-insert would race two concurrent imports of the same post.
	tag, err := s.db.Exec(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, p.Text, p.Latitude, p.Longitude, p.CreatedAt, p.Parent,
		p.PublicKey, p.PrivateKey, p.Signature, p.Raw, p.Moderated,
	)
	if err != nil {
		return false, fmt.Errorf("insert post: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) GetPost(ctx context.Context, id string) (*Post, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+postColumns+` FROM posts WHERE id = $1`, id)
	p, err := scanPost(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return p, nil
}

func (s *Postgres) ListSince(ctx context.Context, since time.Time, limit int) ([]Post, error) {
	q := `SELECT ` + postColumns + ` FROM posts WHERE created_at >= $1 ORDER BY created_at DESC`
	args := []any{since}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list since: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *Postgres) ListReplies(ctx context.Context, parent string) ([]Post, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+postColumns+` FROM posts WHERE parent = $1 ORDER BY created_at DESC`, parent)
	if err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows)
}

func (s *Postgres) SetModerated(ctx context.Context, id string, moderated bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE posts SET moderated = $2 WHERE id = $1`, id, moderated)
	if err != nil {
		return fmt.Errorf("set moderated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	var parent *string
	if err := row.Scan(&p.ID, &p.Text, &p.Latitude, &p.Longitude, &p.CreatedAt,
		&parent, &p.PublicKey, &p.PrivateKey, &p.Signature, &p.Raw, &p.Moderated); err != nil {
		return nil, err
	}
	if parent != nil {
		p.Parent = *parent
	}
	return &p, nil
}

func collectPosts(rows pgx.Rows) ([]Post, error) {
	var out []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
