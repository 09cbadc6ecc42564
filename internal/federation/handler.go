// Package federation is the HTTP bridge into the mesh: an outbox serving
// the recent backlog, an inbox accepting envelope batches, and a sync
// exchange combining the two. Posts accepted over HTTP are re-gossiped so
// downstream peers cannot tell how a post arrived.
package federation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"pasture/internal/catchup"
	"pasture/internal/daemon"
	"pasture/internal/feed"
	"pasture/internal/metrics"
	"pasture/internal/overlay"
	"pasture/internal/store"
)

// maxInboxBody bounds inbox submissions; a full backlog of maximum-size
// envelopes fits comfortably.
const maxInboxBody = 32 << 20

// Node is the protocol engine surface the bridge needs.
type Node interface {
	ImportRaw(ctx context.Context, raw string, source daemon.Source) (bool, error)
	AuthorPost(ctx context.Context, text, latitude, longitude, parent string) (*store.Post, error)
	Broadcast(ctx context.Context, raw string) error
	Store() store.Store
	Transport() overlay.Transport
	Metrics() *metrics.Metrics
}

// Handler serves the federation API.
type Handler struct {
	node     Node
	syncer   *Syncer
	validate *validator.Validate
	log      *slog.Logger
	now      func() time.Time

	// outboxMax caps outbox responses regardless of the requested max.
	outboxMax int
}

func NewHandler(node Node, syncer *Syncer, outboxMax int, log *slog.Logger) *Handler {
	if outboxMax <= 0 {
		outboxMax = catchup.DefaultMax
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		node:      node,
		syncer:    syncer,
		validate:  validator.New(),
		log:       log,
		now:       time.Now,
		outboxMax: outboxMax,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Origin", "X-Requested-With", "Content-Type", "Accept", "Authorization"},
	}))

	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/outbox", h.handleOutbox)
		r.Post("/inbox", h.handleInbox)
		r.Post("/sync", h.handleSync)
		r.Get("/discovery", h.handleDiscovery)
		r.Get("/listeners", h.handleListeners)
		r.Post("/peering", h.handlePeering)
		r.Post("/posts", h.handleCreatePost)
		r.Get("/posts/{id}", h.handleGetPost)
		r.Get("/feed", h.handleFeed)
		r.Get("/metrics", h.handleMetrics)
	})
	return r
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("encoding response failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message string) {
	h.respondJSON(w, code, map[string]string{"error": message})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleOutbox serves the same backlog a gossip catch-up request gets.
func (h *Handler) handleOutbox(w http.ResponseWriter, r *http.Request) {
	max := h.outboxMax
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		if n < max {
			max = n
		}
	}
	raws, err := catchup.Backlog(r.Context(), h.node.Store(), h.now(), max)
	if err != nil {
		h.log.Error("computing outbox failed", "err", err)
		h.respondError(w, http.StatusInternalServerError, "backlog unavailable")
		return
	}
	h.respondJSON(w, http.StatusOK, raws)
}

type inboxResult struct {
	Processed int `json:"processed"`
	Accepted  int `json:"accepted"`
}

// handleInbox ingests a batch of envelopes. Each entry is verified and
// stored independently; invalid entries are discarded without punishing
// the submitter, since HTTP peers hold no severable connection.
func (h *Handler) handleInbox(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	raws, err := catchup.ParseBacklog(string(body))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "body must be a JSON array of envelopes")
		return
	}

	met := h.node.Metrics()
	result := inboxResult{Processed: len(raws)}
	for _, raw := range raws {
		accepted, err := h.node.ImportRaw(r.Context(), raw, daemon.SourceFederation)
		if err != nil {
			met.IncInboxRejected()
			continue
		}
		if !accepted {
			continue
		}
		result.Accepted++
		met.IncInboxAccepted()
		if err := h.node.Broadcast(r.Context(), raw); err != nil {
			h.log.Debug("re-gossip of federated post failed", "err", err)
		}
	}
	h.respondJSON(w, http.StatusOK, result)
}

type syncRequest struct {
	Address string `json:"address" validate:"required"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	result := h.syncer.Sync(r.Context(), req.Address)
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	addrs := h.node.Transport().Connections()
	if addrs == nil {
		addrs = []string{}
	}
	h.respondJSON(w, http.StatusOK, addrs)
}

func (h *Handler) handleListeners(w http.ResponseWriter, _ *http.Request) {
	addrs := h.node.Transport().Listeners()
	if addrs == nil {
		addrs = []string{}
	}
	h.respondJSON(w, http.StatusOK, addrs)
}

type peeringRequest struct {
	Address string `json:"address" validate:"required"`
}

func (h *Handler) handlePeering(w http.ResponseWriter, r *http.Request) {
	var req peeringRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "address is required")
		return
	}
	err := h.node.Transport().Dial(r.Context(), req.Address)
	if errors.Is(err, overlay.ErrUnsupported) {
		h.respondError(w, http.StatusNotImplemented, "transport cannot dial")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusBadGateway, "dial failed")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

type createPostRequest struct {
	Text      string `json:"text" validate:"required"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
	Parent    string `json:"parent" validate:"omitempty,len=40,hexadecimal"`
}

func (h *Handler) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	post, err := h.node.AuthorPost(r.Context(), req.Text, req.Latitude, req.Longitude, req.Parent)
	if errors.Is(err, daemon.ErrModerated) {
		h.respondError(w, http.StatusUnprocessableEntity, "post was caught in the moderation filters")
		return
	}
	if err != nil {
		h.log.Error("authoring post failed", "err", err)
		h.respondError(w, http.StatusInternalServerError, "could not create post")
		return
	}
	h.respondJSON(w, http.StatusCreated, post)
}

type postWithReplies struct {
	store.Post
	Replies []store.Post `json:"replies"`
}

func (h *Handler) handleGetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	post, err := h.node.Store().GetPost(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "no such post")
		return
	}
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	replies, err := h.node.Store().ListReplies(r.Context(), id)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if replies == nil {
		replies = []store.Post{}
	}
	h.respondJSON(w, http.StatusOK, postWithReplies{Post: *post, Replies: replies})
}

// handleFeed ranks recent top-level posts around the viewer's position.
// Flagged posts stay out of feeds even in flag mode.
func (h *Handler) handleFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat := parseCoord(q.Get("lat"))
	lon := parseCoord(q.Get("lon"))
	max := 0
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		max = n
	}

	now := h.now()
	posts, err := h.node.Store().ListSince(r.Context(), now.Add(-catchup.RetentionWindow), 0)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	visible := posts[:0]
	for _, p := range posts {
		if p.Parent == "" && !p.Moderated {
			visible = append(visible, p)
		}
	}
	ranked := feed.Rank(visible, lat, lon, now)
	if max > 0 && len(ranked) > max {
		ranked = ranked[:max]
	}
	h.respondJSON(w, http.StatusOK, ranked)
}

func (h *Handler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, h.node.Metrics().Snapshot())
}

func parseCoord(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
}
