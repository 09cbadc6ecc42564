package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// PostHeader records a recently accepted post for the status endpoint.
type PostHeader struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Stored time.Time `json:"stored"`
}

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Posts        PostMetrics       `json:"posts"`
	Gossip       GossipMetrics     `json:"gossip"`
	Federation   FederationMetrics `json:"federation"`
	RecvByTopic  map[string]uint64 `json:"recv_by_topic"`
	CurrentPeers int64             `json:"current_peers"`
	Recent       []PostHeader      `json:"recent"`
}

type PostMetrics struct {
	Stored         uint64 `json:"stored"`
	Authored       uint64 `json:"authored"`
	DropDuplicate  uint64 `json:"drop_duplicate"`
	DropVerify     uint64 `json:"drop_verify"`
	DropModeration uint64 `json:"drop_moderation"`
	Flagged        uint64 `json:"flagged"`
}

type GossipMetrics struct {
	ChunksIn        uint64 `json:"chunks_in"`
	ChunksOut       uint64 `json:"chunks_out"`
	Violations      uint64 `json:"violations"`
	Disconnects     uint64 `json:"disconnects"`
	CatchupServed   uint64 `json:"catchup_served"`
	BacklogImported uint64 `json:"backlog_imported"`
	EvictedBuffers  uint64 `json:"evicted_buffers"`
}

type FederationMetrics struct {
	Pulls         uint64 `json:"pulls"`
	Pushes        uint64 `json:"pushes"`
	InboxAccepted uint64 `json:"inbox_accepted"`
	InboxRejected uint64 `json:"inbox_rejected"`
	Dials         uint64 `json:"dials"`
}

type Metrics struct {
	postsStored        atomic.Uint64
	postsAuthored      atomic.Uint64
	postsDropDuplicate atomic.Uint64
	postsDropVerify    atomic.Uint64
	postsDropModerated atomic.Uint64
	postsFlagged       atomic.Uint64

	chunksIn        atomic.Uint64
	chunksOut       atomic.Uint64
	violations      atomic.Uint64
	disconnects     atomic.Uint64
	catchupServed   atomic.Uint64
	backlogImported atomic.Uint64
	evictedBuffers  atomic.Uint64

	fedPulls         atomic.Uint64
	fedPushes        atomic.Uint64
	fedInboxAccepted atomic.Uint64
	fedInboxRejected atomic.Uint64
	fedDials         atomic.Uint64

	currentPeers atomic.Int64

	mu          sync.Mutex
	recvByTopic map[string]uint64

	recent *RecentPosts
}

func New() *Metrics {
	return &Metrics{
		recvByTopic: make(map[string]uint64),
		recent:      NewRecentPosts(64),
	}
}

func (m *Metrics) Recent() *RecentPosts { return m.recent }

func (m *Metrics) IncPostStored()      { m.postsStored.Add(1) }
func (m *Metrics) IncPostAuthored()    { m.postsAuthored.Add(1) }
func (m *Metrics) IncDropDuplicate()   { m.postsDropDuplicate.Add(1) }
func (m *Metrics) IncDropVerify()      { m.postsDropVerify.Add(1) }
func (m *Metrics) IncDropModeration()  { m.postsDropModerated.Add(1) }
func (m *Metrics) IncPostFlagged()     { m.postsFlagged.Add(1) }
func (m *Metrics) IncChunkIn()         { m.chunksIn.Add(1) }
func (m *Metrics) IncChunkOut()        { m.chunksOut.Add(1) }
func (m *Metrics) IncViolation()       { m.violations.Add(1) }
func (m *Metrics) IncDisconnect()      { m.disconnects.Add(1) }
func (m *Metrics) IncCatchupServed()   { m.catchupServed.Add(1) }
func (m *Metrics) IncBacklogImported() { m.backlogImported.Add(1) }
func (m *Metrics) IncEvictedBuffer()   { m.evictedBuffers.Add(1) }
func (m *Metrics) IncFederationPull()  { m.fedPulls.Add(1) }
func (m *Metrics) IncFederationPush()  { m.fedPushes.Add(1) }
func (m *Metrics) IncInboxAccepted()   { m.fedInboxAccepted.Add(1) }
func (m *Metrics) IncInboxRejected()   { m.fedInboxRejected.Add(1) }
func (m *Metrics) IncFederationDial()  { m.fedDials.Add(1) }

func (m *Metrics) SetCurrentPeers(n int64) { m.currentPeers.Store(n) }

func (m *Metrics) IncRecvByTopic(topic string) {
	m.mu.Lock()
	m.recvByTopic[topic]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	recv := make(map[string]uint64, len(m.recvByTopic))
	for k, v := range m.recvByTopic {
		recv[k] = v
	}
	m.mu.Unlock()

	recent := []PostHeader{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Posts: PostMetrics{
			Stored:         m.postsStored.Load(),
			Authored:       m.postsAuthored.Load(),
			DropDuplicate:  m.postsDropDuplicate.Load(),
			DropVerify:     m.postsDropVerify.Load(),
			DropModeration: m.postsDropModerated.Load(),
			Flagged:        m.postsFlagged.Load(),
		},
		Gossip: GossipMetrics{
			ChunksIn:        m.chunksIn.Load(),
			ChunksOut:       m.chunksOut.Load(),
			Violations:      m.violations.Load(),
			Disconnects:     m.disconnects.Load(),
			CatchupServed:   m.catchupServed.Load(),
			BacklogImported: m.backlogImported.Load(),
			EvictedBuffers:  m.evictedBuffers.Load(),
		},
		Federation: FederationMetrics{
			Pulls:         m.fedPulls.Load(),
			Pushes:        m.fedPushes.Load(),
			InboxAccepted: m.fedInboxAccepted.Load(),
			InboxRejected: m.fedInboxRejected.Load(),
			Dials:         m.fedDials.Load(),
		},
		RecvByTopic:  recv,
		CurrentPeers: m.currentPeers.Load(),
		Recent:       recent,
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type RecentPosts struct {
	mu   sync.Mutex
	cap  int
	list []PostHeader
}

func NewRecentPosts(capacity int) *RecentPosts {
	if capacity <= 0 {
		capacity = 64
	}
	return &RecentPosts{cap: capacity}
}

func (r *RecentPosts) Add(h PostHeader) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = h
		return
	}
	r.list = append(r.list, h)
}

func (r *RecentPosts) List() []PostHeader {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PostHeader, len(r.list))
	copy(out, r.list)
	return out
}
