package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and storeless development runs.
type Memory struct {
	mu    sync.Mutex
	posts map[string]Post
}

func NewMemory() *Memory {
	return &Memory{posts: make(map[string]Post)}
}

func (m *Memory) CreatePost(_ context.Context, p Post) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.posts[p.ID]; ok {
		return false, nil
	}
	m.posts[p.ID] = p
	return true, nil
}

func (m *Memory) GetPost(_ context.Context, id string) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) ListSince(_ context.Context, since time.Time, limit int) ([]Post, error) {
	m.mu.Lock()
	out := make([]Post, 0, len(m.posts))
	for _, p := range m.posts {
		if p.CreatedAt.Before(since) {
			continue
		}
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListReplies(_ context.Context, parent string) ([]Post, error) {
	m.mu.Lock()
	var out []Post
	for _, p := range m.posts {
		if p.Parent == parent && parent != "" {
			out = append(out, p)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SetModerated(_ context.Context, id string, moderated bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.posts[id]
	if !ok {
		return ErrNotFound
	}
	p.Moderated = moderated
	m.posts[id] = p
	return nil
}

func (m *Memory) Close() {}

// Len reports the number of stored posts.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}
