// Package moderation classifies post text. A verdict names the label that
// matched; a nil verdict means the text is clean. What the node does with
// a flagged post depends on the configured mode.
package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Mode selects what happens to flagged posts.
type Mode string

const (
	// ModeBlock drops flagged posts before they reach the store.
	ModeBlock Mode = "block"
	// ModeFlag stores flagged posts with the moderated bit set so callers
	// can filter them out of feeds. This is the default.
	ModeFlag Mode = "flag"
)

// ParseMode validates a mode string, defaulting empty to ModeFlag.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeFlag, nil
	case ModeBlock, ModeFlag:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown moderation mode %q", s)
}

// Verdict reports why a text was flagged.
type Verdict struct {
	Label string `json:"label"`
}

// Classifier inspects a batch of texts and returns one entry per input,
// nil for clean texts.
type Classifier interface {
	Classify(ctx context.Context, texts []string) ([]*Verdict, error)
}

// AllowAll never flags anything.
type AllowAll struct{}

func (AllowAll) Classify(_ context.Context, texts []string) ([]*Verdict, error) {
	return make([]*Verdict, len(texts)), nil
}

// Keyword flags texts containing any of its terms, case-insensitively.
type Keyword struct {
	Terms []string
}

func (k Keyword) Classify(_ context.Context, texts []string) ([]*Verdict, error) {
	out := make([]*Verdict, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		for _, term := range k.Terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				out[i] = &Verdict{Label: "keyword:" + term}
				break
			}
		}
	}
	return out, nil
}

// Services fans a batch out to remote moderation endpoints. Every service
// is attempted; a service that is down or answers garbage is logged and
// skipped rather than failing the batch. For each text the first non-nil
// verdict across services wins.
type Services struct {
	URLs   []string
	Client *http.Client
	Logger *slog.Logger
}

type classifyRequest struct {
	Texts []string `json:"texts"`
}

type classifyResponse struct {
	Results []*string `json:"results"`
}

func (s Services) Classify(ctx context.Context, texts []string) ([]*Verdict, error) {
	out := make([]*Verdict, len(texts))
	if len(texts) == 0 || len(s.URLs) == 0 {
		return out, nil
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	for _, url := range s.URLs {
		results, err := s.callService(ctx, client, url, texts)
		if err != nil {
			logger.Warn("moderation service unavailable", "service", url, "err", err)
			continue
		}
		for i, label := range results {
			if i >= len(out) {
				break
			}
			if out[i] == nil && label != nil {
				out[i] = &Verdict{Label: *label}
			}
		}
	}
	return out, nil
}

func (s Services) callService(ctx context.Context, client *http.Client, url string, texts []string) ([]*string, error) {
	body, err := json.Marshal(classifyRequest{Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if len(parsed.Results) != len(texts) {
		return nil, fmt.Errorf("got %d results for %d texts", len(parsed.Results), len(texts))
	}
	return parsed.Results, nil
}
