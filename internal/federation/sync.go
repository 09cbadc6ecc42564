package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"pasture/internal/catchup"
	"pasture/internal/daemon"
)

// SyncResult summarizes one bidirectional exchange with a peer. Sync is
// best-effort: a result with errors still reports whatever half worked.
type SyncResult struct {
	Exchange string   `json:"exchange"`
	Address  string   `json:"address"`
	Pulled   int      `json:"pulled"`
	Imported int      `json:"imported"`
	Pushed   int      `json:"pushed"`
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// Syncer runs outbox/inbox exchanges against federation peers. Concurrent
// syncs to the same address coalesce into one exchange.
type Syncer struct {
	node   Node
	client *http.Client
	log    *slog.Logger
	now    func() time.Time

	// pushMax bounds the backlog pushed to a peer's inbox.
	pushMax int

	group singleflight.Group
}

func NewSyncer(node Node, client *http.Client, pushMax int, log *slog.Logger) *Syncer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if pushMax <= 0 {
		pushMax = catchup.DefaultMax
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{node: node, client: client, log: log, now: time.Now, pushMax: pushMax}
}

// Sync pulls the peer's outbox, imports every entry, then pushes this
// node's own backlog to the peer's inbox. Failures are recorded in the
// result, never returned: an unreachable peer must not break the caller.
// A bare multiaddr is handed to the overlay instead of HTTP.
func (s *Syncer) Sync(ctx context.Context, address string) *SyncResult {
	v, _, _ := s.group.Do(address, func() (any, error) {
		return s.syncOnce(ctx, address), nil
	})
	return v.(*SyncResult)
}

func (s *Syncer) syncOnce(ctx context.Context, address string) *SyncResult {
	res := &SyncResult{Exchange: uuid.NewString(), Address: address}
	log := s.log.With("exchange", res.Exchange, "peer", address)

	if strings.HasPrefix(address, "/") {
		// Not an HTTP peer; the best we can do is join its mesh.
		if err := s.node.Transport().Dial(ctx, address); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("overlay dial: %v", err))
			log.Warn("overlay dial failed", "err", err)
			return res
		}
		s.node.Metrics().IncFederationDial()
		log.Info("overlay dial complete")
		return res
	}

	base := strings.TrimRight(address, "/")
	if err := s.pull(ctx, base, res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("pull: %v", err))
		log.Warn("outbox pull failed", "err", err)
	}
	if err := s.push(ctx, base, res); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("push: %v", err))
		log.Warn("inbox push failed", "err", err)
	}
	log.Info("sync exchange finished",
		"pulled", res.Pulled, "imported", res.Imported,
		"pushed", res.Pushed, "accepted", res.Accepted, "errors", len(res.Errors))
	return res
}

func (s *Syncer) pull(ctx context.Context, base string, res *SyncResult) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/outbox", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInboxBody))
	if err != nil {
		return err
	}
	raws, err := catchup.ParseBacklog(string(body))
	if err != nil {
		return err
	}

	res.Pulled = len(raws)
	for _, raw := range raws {
		accepted, err := s.node.ImportRaw(ctx, raw, daemon.SourceFederation)
		if err != nil || !accepted {
			continue
		}
		res.Imported++
		if err := s.node.Broadcast(ctx, raw); err != nil {
			s.log.Debug("re-gossip of pulled post failed", "err", err)
		}
	}
	s.node.Metrics().IncFederationPull()
	return nil
}

func (s *Syncer) push(ctx context.Context, base string, res *SyncResult) error {
	raws, err := catchup.Backlog(ctx, s.node.Store(), s.now(), s.pushMax)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(raws)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/inbox", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	res.Pushed = len(raws)
	var ack inboxResult
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil {
		res.Accepted = ack.Accepted
	}
	s.node.Metrics().IncFederationPush()
	return nil
}
