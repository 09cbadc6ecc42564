// Package store persists posts. The only cross-path invariant the rest of
// the system relies on is that CreatePost is atomic per id: the same post
// arriving via gossip and federation at once results in exactly one row.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no post exists for the requested id.
var ErrNotFound = errors.New("store: post not found")

// Post is the persisted form of a verified envelope.
type Post struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Latitude   string    `json:"latitude"`
	Longitude  string    `json:"longitude"`
	CreatedAt  time.Time `json:"createdAt"`
	Parent     string    `json:"parent,omitempty"`
	PublicKey  string    `json:"-"`
	PrivateKey string    `json:"-"`
	Signature  string    `json:"-"`
	Raw        string    `json:"-"`
	Moderated  bool      `json:"moderated"`
}

// Store is the post persistence interface.
type Store interface {
	// CreatePost inserts p if no post with p.ID exists. It reports whether a
	// row was created. A duplicate id is not an error.
	CreatePost(ctx context.Context, p Post) (created bool, err error)
	// GetPost returns the post with the given id, or ErrNotFound.
	GetPost(ctx context.Context, id string) (*Post, error)
	// ListSince returns posts created at or after since, newest first,
	// at most limit entries (limit <= 0 means no limit).
	ListSince(ctx context.Context, since time.Time, limit int) ([]Post, error)
	// ListReplies returns the direct replies to the given post id, newest first.
	ListReplies(ctx context.Context, parent string) ([]Post, error)
	// SetModerated updates the moderation flag of an existing post.
	SetModerated(ctx context.Context, id string, moderated bool) error
	Close()
}
