// Package catchup computes the recent-post backlog exchanged when a node
// joins or reconnects. The same backlog answers both gossip catch-up
// requests and the federation outbox endpoint.
package catchup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"pasture/internal/store"
)

const (
	// RetentionWindow bounds how far back the backlog reaches. Posts older
	// than this are nobody's business to replay.
	RetentionWindow = 14 * 24 * time.Hour

	// DefaultMax caps a backlog when the requester does not name a limit.
	DefaultMax = 200
)

// ErrBadRequest reports a catch-up request without the required shape.
// On the overlay this is a protocol violation and the sender is severed.
var ErrBadRequest = errors.New("malformed catch-up request")

var validate = validator.New()

// Request is the catch-up query. Max, when present, bounds the response.
type Request struct {
	Max *int `json:"max,omitempty" validate:"omitempty,gt=0"`
}

// ParseRequest decodes and validates a catch-up request. An empty object
// is the common case: "send me whatever is recent".
func ParseRequest(msg string) (*Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return &req, nil
}

// Limit resolves the effective entry cap for a request.
func (r *Request) Limit() int {
	if r != nil && r.Max != nil {
		return *r.Max
	}
	return DefaultMax
}

// ParseBacklog decodes a backlog payload into raw envelope strings. The
// canonical wire form is a JSON array of envelope strings; some peers
// ship envelope objects instead, so those are accepted and re-serialized.
func ParseBacklog(msg string) ([]string, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(msg), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := bytes.TrimSpace(item)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			var s string
			if err := json.Unmarshal(trimmed, &s); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
			}
			out = append(out, s)
			continue
		}
		out = append(out, string(trimmed))
	}
	return out, nil
}

// Backlog returns the raw envelopes of posts created inside the retention
// window, newest-first, truncated to max entries. The preserved raw
// strings are returned verbatim; re-serializing would break signatures.
func Backlog(ctx context.Context, st store.Store, now time.Time, max int) ([]string, error) {
	if max <= 0 {
		max = DefaultMax
	}
	posts, err := st.ListSince(ctx, now.Add(-RetentionWindow), max)
	if err != nil {
		return nil, fmt.Errorf("list backlog: %w", err)
	}
	out := make([]string, 0, len(posts))
	for _, p := range posts {
		if p.Raw == "" {
			continue
		}
		out = append(out, p.Raw)
	}
	return out, nil
}
