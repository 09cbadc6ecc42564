package metrics

import (
	"testing"
	"time"
)

func TestMetricsCounters(t *testing.T) {
	m := New()
	m.IncPostStored()
	m.IncPostStored()
	m.IncPostAuthored()
	m.IncDropDuplicate()
	m.IncDropVerify()
	m.IncDropModeration()
	m.IncPostFlagged()
	m.IncChunkIn()
	m.IncChunkOut()
	m.IncViolation()
	m.IncDisconnect()
	m.IncCatchupServed()
	m.IncBacklogImported()
	m.IncFederationDial()
	m.IncRecvByTopic("posts")
	m.IncRecvByTopic("posts")
	m.IncRecvByTopic("catchup")
	m.SetCurrentPeers(3)
	snap := m.Snapshot()
	if snap.Posts.Stored != 2 {
		t.Fatalf("expected stored=2, got %d", snap.Posts.Stored)
	}
	if snap.Posts.Authored != 1 {
		t.Fatalf("expected authored=1, got %d", snap.Posts.Authored)
	}
	if snap.Posts.DropDuplicate != 1 || snap.Posts.DropVerify != 1 || snap.Posts.DropModeration != 1 || snap.Posts.Flagged != 1 {
		t.Fatalf("unexpected post drop counts: %+v", snap.Posts)
	}
	if snap.Gossip.ChunksIn != 1 || snap.Gossip.ChunksOut != 1 || snap.Gossip.Violations != 1 || snap.Gossip.Disconnects != 1 {
		t.Fatalf("unexpected gossip counts: %+v", snap.Gossip)
	}
	if snap.Gossip.CatchupServed != 1 || snap.Gossip.BacklogImported != 1 {
		t.Fatalf("unexpected catch-up counts: %+v", snap.Gossip)
	}
	if snap.Federation.Dials != 1 {
		t.Fatalf("expected dials=1, got %d", snap.Federation.Dials)
	}
	if snap.RecvByTopic["posts"] != 2 || snap.RecvByTopic["catchup"] != 1 {
		t.Fatalf("unexpected recv_by_topic: %v", snap.RecvByTopic)
	}
	if snap.CurrentPeers != 3 {
		t.Fatalf("expected peers=3, got %d", snap.CurrentPeers)
	}
}

func TestRecentPostsRing(t *testing.T) {
	r := NewRecentPosts(2)
	now := time.Now()
	r.Add(PostHeader{ID: "a", Stored: now})
	r.Add(PostHeader{ID: "b", Stored: now})
	r.Add(PostHeader{ID: "c", Stored: now})
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(list))
	}
	if list[0].ID != "b" || list[1].ID != "c" {
		t.Fatalf("unexpected ring contents: %+v", list)
	}
}
