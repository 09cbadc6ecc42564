// Package daemon wires the overlay transport, chunk reassembly, envelope
// verification, moderation and the store into the running node. One engine
// instance owns all protocol state.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pasture/internal/catchup"
	"pasture/internal/chunk"
	"pasture/internal/envelope"
	"pasture/internal/metrics"
	"pasture/internal/moderation"
	"pasture/internal/overlay"
	"pasture/internal/store"
)

const (
	TopicPosts     = "posts"
	TopicCatchup   = "catchup"
	TopicBacklog   = "backlog"
	TopicDiscovery = "browser-peer-discovery"
	TopicKeepalive = "ping"
)

// Topics a node joins. Keepalive pongs and discovery chatter are joined so
// they can be published and relayed, but inbound traffic on them is ignored.
func Topics() []string {
	return []string{TopicPosts, TopicCatchup, TopicBacklog, TopicDiscovery, TopicKeepalive}
}

// ErrModerated reports a post the moderation policy refused to store.
var ErrModerated = errors.New("post rejected by moderation")

// Source labels where an envelope arrived from, for logs and metrics.
type Source string

const (
	SourceGossip     Source = "gossip"
	SourceBacklog    Source = "backlog"
	SourceFederation Source = "federation"
	SourceAuthored   Source = "authored"
)

type Config struct {
	KeepaliveInterval time.Duration
	DiscoveryInterval time.Duration
	CatchupInterval   time.Duration
	EvictInterval     time.Duration

	// CatchupMax bounds the backlog this node serves to others.
	CatchupMax int

	ReassemblyMaxAge time.Duration

	BootstrapServers []string

	ModerationMode moderation.Mode

	// PostKeyBits sizes the per-post keypair. Zero means the default.
	PostKeyBits int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 30 * time.Second
	}
	if c.CatchupInterval <= 0 {
		c.CatchupInterval = time.Second
	}
	if c.EvictInterval <= 0 {
		c.EvictInterval = 30 * time.Second
	}
	if c.CatchupMax <= 0 {
		c.CatchupMax = catchup.DefaultMax
	}
	if c.ModerationMode == "" {
		c.ModerationMode = moderation.ModeFlag
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

// Engine is the protocol core: it consumes overlay messages, maintains
// per-sender reassembly state, imports and distributes posts, and answers
// catch-up requests.
type Engine struct {
	cfg        Config
	transport  overlay.Transport
	store      store.Store
	classifier moderation.Classifier
	creator    envelope.Creator
	asm        *chunk.Assembler
	met        *metrics.Metrics
	log        *slog.Logger

	// discovering skips discovery ticks while a sweep is still in flight.
	discovering atomic.Bool

	now func() time.Time
}

func New(cfg Config, transport overlay.Transport, st store.Store, classifier moderation.Classifier) *Engine {
	cfg.applyDefaults()
	if classifier == nil {
		classifier = moderation.AllowAll{}
	}
	return &Engine{
		cfg:        cfg,
		transport:  transport,
		store:      st,
		classifier: classifier,
		creator:    envelope.Creator{Bits: cfg.PostKeyBits},
		asm:        chunk.NewAssembler(cfg.ReassemblyMaxAge),
		met:        cfg.Metrics,
		log:        cfg.Logger,
		now:        time.Now,
	}
}

func (e *Engine) Metrics() *metrics.Metrics { return e.met }

func (e *Engine) Store() store.Store { return e.store }

func (e *Engine) Transport() overlay.Transport { return e.transport }

// Run consumes overlay messages and drives the periodic timers until ctx
// is cancelled or the transport closes its message channel.
func (e *Engine) Run(ctx context.Context) error {
	e.discoverAsync(ctx)
	e.broadcastCatchupRequest(ctx)

	keepalive := time.NewTicker(e.cfg.KeepaliveInterval)
	defer keepalive.Stop()
	discovery := time.NewTicker(e.cfg.DiscoveryInterval)
	defer discovery.Stop()
	catchupTick := time.NewTicker(e.cfg.CatchupInterval)
	defer catchupTick.Stop()
	evict := time.NewTicker(e.cfg.EvictInterval)
	defer evict.Stop()

	msgs := e.transport.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("transport closed")
			}
			e.HandleMessage(ctx, msg)
		case <-keepalive.C:
			if err := e.transport.Publish(ctx, TopicKeepalive, []byte("pong")); err != nil {
				e.log.Debug("keepalive publish failed", "err", err)
			}
		case <-discovery.C:
			e.discoverAsync(ctx)
		case <-catchupTick.C:
			e.broadcastCatchupRequest(ctx)
		case <-evict.C:
			if n := e.asm.EvictStale(); n > 0 {
				e.met.IncEvictedBuffer()
				e.log.Debug("evicted stale reassembly buffers", "count", n)
			}
		}
	}
}

// HandleMessage routes one inbound overlay message through reassembly and
// the per-topic protocol handlers.
func (e *Engine) HandleMessage(ctx context.Context, msg overlay.Message) {
	switch msg.Topic {
	case TopicPosts, TopicCatchup, TopicBacklog:
	default:
		return
	}
	e.met.IncChunkIn()
	e.met.IncRecvByTopic(msg.Topic)

	complete, done, err := e.asm.Ingest(msg.From, msg.Data)
	if err != nil {
		e.met.IncViolation()
		e.log.Warn("protocol violation, severing sender", "sender", msg.From, "err", err)
		e.sever(ctx, msg.From)
		return
	}
	if !done {
		return
	}

	switch msg.Topic {
	case TopicPosts:
		e.handlePost(ctx, msg.From, complete)
	case TopicCatchup:
		e.handleCatchupRequest(ctx, msg.From, complete)
	case TopicBacklog:
		e.handleBacklog(ctx, msg.From, complete)
	}
}

func (e *Engine) handlePost(ctx context.Context, from, raw string) {
	_, err := e.ImportRaw(ctx, raw, SourceGossip)
	if errors.Is(err, envelope.ErrMalformed) || errors.Is(err, envelope.ErrAuthenticity) {
		e.log.Warn("rejecting gossiped envelope, severing sender", "sender", from, "err", err)
		e.sever(ctx, from)
		return
	}
	if err != nil {
		e.log.Error("storing gossiped post failed", "sender", from, "err", err)
	}
}

func (e *Engine) handleCatchupRequest(ctx context.Context, from, msg string) {
	req, err := catchup.ParseRequest(msg)
	if err != nil {
		e.met.IncViolation()
		e.log.Warn("malformed catch-up request, severing sender", "sender", from, "err", err)
		e.sever(ctx, from)
		return
	}

	limit := req.Limit()
	if limit > e.cfg.CatchupMax {
		limit = e.cfg.CatchupMax
	}
	raws, err := catchup.Backlog(ctx, e.store, e.now(), limit)
	if err != nil {
		e.log.Error("computing backlog failed", "err", err)
		return
	}
	payload, err := json.Marshal(raws)
	if err != nil {
		e.log.Error("encoding backlog failed", "err", err)
		return
	}
	if err := e.publishChunked(ctx, TopicBacklog, string(payload)); err != nil {
		e.log.Debug("publishing backlog failed", "err", err)
		return
	}
	e.met.IncCatchupServed()
}

// handleBacklog imports every member of the batch independently; a bad
// envelope never blocks the rest. The sender is severed once at the end
// if any member failed authenticity, so the good entries still land.
func (e *Engine) handleBacklog(ctx context.Context, from, msg string) {
	raws, err := catchup.ParseBacklog(msg)
	if err != nil {
		e.met.IncViolation()
		e.log.Warn("malformed backlog payload, severing sender", "sender", from, "err", err)
		e.sever(ctx, from)
		return
	}

	var tainted bool
	for _, raw := range raws {
		accepted, err := e.ImportRaw(ctx, raw, SourceBacklog)
		if errors.Is(err, envelope.ErrMalformed) || errors.Is(err, envelope.ErrAuthenticity) {
			tainted = true
			continue
		}
		if err != nil {
			e.log.Error("storing backlog post failed", "err", err)
			continue
		}
		if accepted {
			e.met.IncBacklogImported()
		}
	}
	if tainted {
		e.log.Warn("backlog contained invalid envelopes, severing sender", "sender", from)
		e.sever(ctx, from)
	}
}

// ImportRaw verifies raw, applies the moderation policy and stores the
// post. It reports whether a new post was stored; a duplicate id is a
// silent no-op. Authenticity and shape failures are returned for the
// caller to translate into transport-appropriate punishment.
func (e *Engine) ImportRaw(ctx context.Context, raw string, source Source) (bool, error) {
	parsed, err := envelope.Verify(raw)
	if err != nil {
		e.met.IncDropVerify()
		return false, err
	}

	flagged, label, err := e.moderate(ctx, parsed.Payload.Text)
	if err != nil {
		e.log.Warn("moderation check failed, treating post as clean", "id", parsed.ID, "err", err)
	}
	if flagged && e.cfg.ModerationMode == moderation.ModeBlock {
		e.met.IncDropModeration()
		e.log.Info("dropping moderated post", "id", parsed.ID, "label", label, "source", string(source))
		return false, nil
	}

	created, err := e.store.CreatePost(ctx, store.Post{
		ID:        parsed.ID,
		Text:      parsed.Payload.Text,
		Latitude:  parsed.Payload.Latitude,
		Longitude: parsed.Payload.Longitude,
		CreatedAt: parsed.Date,
		Parent:    parsed.Payload.Parent,
		PublicKey: parsed.PublicKey,
		Signature: parsed.Signature,
		Raw:       raw,
		Moderated: flagged,
	})
	if err != nil {
		return false, fmt.Errorf("store post %s: %w", parsed.ID, err)
	}
	if !created {
		e.met.IncDropDuplicate()
		return false, nil
	}
	if flagged {
		e.met.IncPostFlagged()
	}
	e.met.IncPostStored()
	e.met.Recent().Add(metrics.PostHeader{ID: parsed.ID, Source: string(source), Stored: e.now().UTC()})
	e.log.Info("stored post", "id", parsed.ID, "source", string(source), "flagged", flagged)
	return true, nil
}

// AuthorPost creates, signs, stores and gossips a post from this node.
func (e *Engine) AuthorPost(ctx context.Context, text, latitude, longitude, parent string) (*store.Post, error) {
	flagged, label, err := e.moderate(ctx, text)
	if err != nil {
		e.log.Warn("moderation check failed, treating post as clean", "err", err)
	}
	if flagged && e.cfg.ModerationMode == moderation.ModeBlock {
		e.met.IncDropModeration()
		return nil, fmt.Errorf("%w: %s", ErrModerated, label)
	}

	signed, err := e.creator.Create(text, latitude, longitude, parent)
	if err != nil {
		return nil, err
	}
	post := store.Post{
		ID:         signed.ID,
		Text:       text,
		Latitude:   latitude,
		Longitude:  longitude,
		CreatedAt:  signed.Date,
		Parent:     parent,
		PublicKey:  signed.PublicKey,
		PrivateKey: signed.PrivateKey,
		Signature:  signed.Signature,
		Raw:        signed.Raw,
		Moderated:  flagged,
	}
	if _, err := e.store.CreatePost(ctx, post); err != nil {
		return nil, fmt.Errorf("store authored post: %w", err)
	}
	e.met.IncPostAuthored()
	e.met.IncPostStored()
	if flagged {
		e.met.IncPostFlagged()
	}
	e.met.Recent().Add(metrics.PostHeader{ID: post.ID, Source: string(SourceAuthored), Stored: e.now().UTC()})

	if err := e.Broadcast(ctx, signed.Raw); err != nil {
		// The post is stored; distribution will be retried by peers'
		// catch-up requests.
		e.log.Warn("broadcasting authored post failed", "id", post.ID, "err", err)
	}
	return &post, nil
}

// Broadcast chunks raw and publishes it on the posts topic.
func (e *Engine) Broadcast(ctx context.Context, raw string) error {
	return e.publishChunked(ctx, TopicPosts, raw)
}

func (e *Engine) moderate(ctx context.Context, text string) (flagged bool, label string, err error) {
	verdicts, err := e.classifier.Classify(ctx, []string{text})
	if err != nil || len(verdicts) == 0 {
		return false, "", err
	}
	if verdicts[0] == nil {
		return false, "", nil
	}
	return true, verdicts[0].Label, nil
}

// publishChunked splits msg and publishes every fragment concurrently.
// Fragment order on the wire is irrelevant; receivers reorder by index.
// Every fragment is attempted even when a sibling fails: a cancelled
// sibling would leave a partial message on the wire for no gain, since
// receivers evict incomplete buffers on their own schedule.
func (e *Engine) publishChunked(ctx context.Context, topic, msg string) error {
	fragments := chunk.Split(msg)
	total := len(fragments)

	var g errgroup.Group
	for index, fragment := range fragments {
		packet, err := chunk.EncodePacket(index, total, fragment)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := e.transport.Publish(ctx, topic, packet); err != nil {
				return err
			}
			e.met.IncChunkOut()
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) broadcastCatchupRequest(ctx context.Context) {
	if err := e.publishChunked(ctx, TopicCatchup, "{}"); err != nil {
		e.log.Debug("catch-up broadcast failed", "err", err)
	}
}

func (e *Engine) sever(ctx context.Context, sender string) {
	e.asm.Drop(sender)
	if err := e.transport.HangUp(ctx, sender); err != nil {
		e.log.Debug("hang up failed", "sender", sender, "err", err)
		return
	}
	e.met.IncDisconnect()
}
