package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pasture/internal/chunk"
	"pasture/internal/daemon"
	"pasture/internal/envelope"
	"pasture/internal/moderation"
	"pasture/internal/overlay"
	"pasture/internal/store"
)

type fakeTransport struct {
	mu        sync.Mutex
	published []overlay.Message
	dials     []string
	dialErr   error
	msgs      chan overlay.Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{msgs: make(chan overlay.Message, 16)}
}

func (f *fakeTransport) Publish(_ context.Context, topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, overlay.Message{Topic: topic, Data: data})
	return nil
}

func (f *fakeTransport) Messages() <-chan overlay.Message { return f.msgs }

func (f *fakeTransport) Dial(_ context.Context, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, address)
	return f.dialErr
}

func (f *fakeTransport) HangUp(context.Context, string) error { return nil }
func (f *fakeTransport) Listeners() []string                  { return []string{"/ip4/1.2.3.4/tcp/4001/p2p/QmSelf"} }
func (f *fakeTransport) Peers() []string                      { return nil }
func (f *fakeTransport) Connections() []string                { return []string{"/ip4/5.6.7.8/tcp/4001/p2p/QmPeer"} }
func (f *fakeTransport) Close() error                         { return nil }

func (f *fakeTransport) postPackets() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.published {
		if m.Topic == daemon.TopicPosts {
			out = append(out, m.Data)
		}
	}
	return out
}

type testNode struct {
	engine *daemon.Engine
	tr     *fakeTransport
	st     *store.Memory
	api    *httptest.Server
}

func newTestNode(t *testing.T, mode moderation.Mode) *testNode {
	t.Helper()
	tr := newFakeTransport()
	st := store.NewMemory()
	var classifier moderation.Classifier
	if mode != "" {
		classifier = moderation.Keyword{Terms: []string{"forbidden"}}
	}
	engine := daemon.New(daemon.Config{ModerationMode: mode, PostKeyBits: 1024}, tr, st, classifier)
	syncer := NewSyncer(engine, nil, 0, nil)
	handler := NewHandler(engine, syncer, 0, nil)
	api := httptest.NewServer(handler.Routes())
	t.Cleanup(api.Close)
	return &testNode{engine: engine, tr: tr, st: st, api: api}
}

func signedEnvelope(t *testing.T, text string) *envelope.Signed {
	t.Helper()
	signed, err := envelope.Creator{Bits: 1024}.Create(text, "51.5", "-0.12", "")
	require.NoError(t, err)
	return signed
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func postJSON(t *testing.T, url string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestOutboxServesBacklogNewestFirst(t *testing.T) {
	n := newTestNode(t, "")
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"older", "newer"} {
		_, err := n.st.CreatePost(ctx, store.Post{
			ID:        id,
			CreatedAt: now.Add(time.Duration(i) * time.Hour),
			Raw:       `{"id":"` + id + `"}`,
		})
		require.NoError(t, err)
	}

	var raws []string
	resp := getJSON(t, n.api.URL+"/api/outbox", &raws)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []string{`{"id":"newer"}`, `{"id":"older"}`}, raws)

	raws = nil
	getJSON(t, n.api.URL+"/api/outbox?max=1", &raws)
	require.Equal(t, []string{`{"id":"newer"}`}, raws)

	resp = getJSON(t, n.api.URL+"/api/outbox?max=zero", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInboxImportsBatchAndReGossips(t *testing.T) {
	n := newTestNode(t, "")
	good1 := signedEnvelope(t, "first")
	good2 := signedEnvelope(t, "second")

	// One structurally broken entry and one whose signed payload was
	// tampered with after signing.
	tampered := strings.Replace(signedEnvelope(t, "honest words").Raw, "honest", "edited", 1)

	var result inboxResult
	resp := postJSON(t, n.api.URL+"/api/inbox",
		[]string{good1.Raw, `{"corrupt":true}`, tampered, good2.Raw}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, inboxResult{Processed: 4, Accepted: 2}, result)

	require.Equal(t, 2, n.st.Len())
	require.NotEmpty(t, n.tr.postPackets())

	// Resubmitting is idempotent: nothing newly accepted.
	resp = postJSON(t, n.api.URL+"/api/inbox", []string{good1.Raw}, &result)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, inboxResult{Processed: 1, Accepted: 0}, result)
	require.Equal(t, 2, n.st.Len())
}

func TestInboxRejectsNonArray(t *testing.T) {
	n := newTestNode(t, "")
	resp := postJSON(t, n.api.URL+"/api/inbox", map[string]string{"not": "an array"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateAndFetchPost(t *testing.T) {
	n := newTestNode(t, "")

	var created store.Post
	resp := postJSON(t, n.api.URL+"/api/posts",
		map[string]string{"text": "hello", "latitude": "51.5", "longitude": "-0.12"}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, created.ID, 40)

	var fetched postWithReplies
	resp = getJSON(t, n.api.URL+"/api/posts/"+created.ID, &fetched)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hello", fetched.Text)
	require.Empty(t, fetched.Replies)

	// Reply and confirm it shows up under the parent.
	var reply store.Post
	resp = postJSON(t, n.api.URL+"/api/posts",
		map[string]string{"text": "a reply", "parent": created.ID}, &reply)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	fetched = postWithReplies{}
	getJSON(t, n.api.URL+"/api/posts/"+created.ID, &fetched)
	require.Len(t, fetched.Replies, 1)
	require.Equal(t, "a reply", fetched.Replies[0].Text)

	resp = getJSON(t, n.api.URL+"/api/posts/0000000000000000000000000000000000000000", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreatePostModerationBlock(t *testing.T) {
	n := newTestNode(t, moderation.ModeBlock)
	resp := postJSON(t, n.api.URL+"/api/posts",
		map[string]string{"text": "forbidden stuff"}, nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Zero(t, n.st.Len())
}

func TestCreatePostRequiresText(t *testing.T) {
	n := newTestNode(t, "")
	resp := postJSON(t, n.api.URL+"/api/posts", map[string]string{"latitude": "0"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedExcludesRepliesAndFlagged(t *testing.T) {
	n := newTestNode(t, "")
	ctx := context.Background()
	now := time.Now()
	for _, p := range []store.Post{
		{ID: "top", Latitude: "51.5", Longitude: "0", CreatedAt: now, Raw: "r"},
		{ID: "reply", Parent: "top", CreatedAt: now, Raw: "r"},
		{ID: "flagged", Moderated: true, CreatedAt: now, Raw: "r"},
	} {
		_, err := n.st.CreatePost(ctx, p)
		require.NoError(t, err)
	}

	var ranked []map[string]any
	resp := getJSON(t, n.api.URL+"/api/feed?lat=51.5&lon=0", &ranked)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, ranked, 1)
	require.Equal(t, "top", ranked[0]["id"])
}

func TestDiscoveryAndListeners(t *testing.T) {
	n := newTestNode(t, "")

	var addrs []string
	getJSON(t, n.api.URL+"/api/discovery", &addrs)
	require.Equal(t, []string{"/ip4/5.6.7.8/tcp/4001/p2p/QmPeer"}, addrs)

	addrs = nil
	getJSON(t, n.api.URL+"/api/listeners", &addrs)
	require.Equal(t, []string{"/ip4/1.2.3.4/tcp/4001/p2p/QmSelf"}, addrs)
}

func TestPeeringDialFailure(t *testing.T) {
	n := newTestNode(t, "")
	n.tr.dialErr = errors.New("unreachable")
	resp := postJSON(t, n.api.URL+"/api/peering",
		map[string]string{"address": "/ip4/9.9.9.9/tcp/4001/p2p/QmX"}, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = postJSON(t, n.api.URL+"/api/peering", map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncExchangesBothDirections(t *testing.T) {
	a := newTestNode(t, "")
	b := newTestNode(t, "")

	onA := signedEnvelope(t, "post on a")
	onB := signedEnvelope(t, "post on b")
	_, err := a.engine.ImportRaw(context.Background(), onA.Raw, daemon.SourceAuthored)
	require.NoError(t, err)
	_, err = b.engine.ImportRaw(context.Background(), onB.Raw, daemon.SourceAuthored)
	require.NoError(t, err)

	syncer := NewSyncer(a.engine, nil, 0, nil)
	res := syncer.Sync(context.Background(), b.api.URL)
	require.Empty(t, res.Errors)
	require.Equal(t, 1, res.Pulled)
	require.Equal(t, 1, res.Imported)
	require.Equal(t, 2, res.Pushed)
	require.Equal(t, 1, res.Accepted)

	// Both sides now hold both posts.
	require.Equal(t, 2, a.st.Len())
	require.Equal(t, 2, b.st.Len())

	// A second sync is a no-op beyond the exchange itself.
	res = syncer.Sync(context.Background(), b.api.URL)
	require.Empty(t, res.Errors)
	require.Equal(t, 0, res.Imported)
	require.Equal(t, 0, res.Accepted)
}

func TestSyncUnreachablePeerIsSwallowed(t *testing.T) {
	a := newTestNode(t, "")
	syncer := NewSyncer(a.engine, &http.Client{Timeout: time.Second}, 0, nil)
	res := syncer.Sync(context.Background(), "http://127.0.0.1:1")
	require.NotEmpty(t, res.Errors)
	require.Zero(t, res.Pulled)
}

func TestSyncMultiaddrFallsBackToOverlayDial(t *testing.T) {
	a := newTestNode(t, "")
	syncer := NewSyncer(a.engine, nil, 0, nil)
	res := syncer.Sync(context.Background(), "/ip4/9.9.9.9/tcp/4001/p2p/QmX")
	require.Empty(t, res.Errors)
	require.Equal(t, []string{"/ip4/9.9.9.9/tcp/4001/p2p/QmX"}, a.tr.dials)
}

func TestHealthz(t *testing.T) {
	n := newTestNode(t, "")
	var body map[string]string
	resp := getJSON(t, n.api.URL+"/healthz", &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "ok", body["status"])
}

// Ensures the reassembled re-gossip of an inbox submission matches the
// original envelope byte for byte.
func TestInboxReGossipPreservesRaw(t *testing.T) {
	n := newTestNode(t, "")
	signed := signedEnvelope(t, "byte exact")

	postJSON(t, n.api.URL+"/api/inbox", []string{signed.Raw}, nil)

	asm := chunk.NewAssembler(0)
	for _, packet := range n.tr.postPackets() {
		msg, done, err := asm.Ingest("local", packet)
		require.NoError(t, err)
		if done {
			require.Equal(t, signed.Raw, msg)
			return
		}
	}
	t.Fatal("re-gossip did not complete a message")
}
