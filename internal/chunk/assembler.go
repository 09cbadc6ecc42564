package chunk

import (
	"sync"
	"time"
)

// DefaultMaxAge is how long an incomplete reassembly may sit idle before it
// is discarded. The wire protocol itself has no expiry; the bound exists so
// a stalled multi-chunk sender cannot pin memory forever.
const DefaultMaxAge = 30 * time.Second

type buffer struct {
	mu      sync.Mutex
	slots   map[int]string
	total   int
	touched time.Time
}

// Assembler turns per-sender streams of fragment packets back into complete
// messages. Senders never share buffers: the assembler lock covers only map
// entry lookup/creation, mutation is serialized per sender.
type Assembler struct {
	mu      sync.Mutex
	senders map[string]*buffer
	maxAge  time.Duration
	now     func() time.Time
}

// NewAssembler creates an Assembler. maxAge <= 0 selects DefaultMaxAge.
func NewAssembler(maxAge time.Duration) *Assembler {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Assembler{
		senders: make(map[string]*buffer),
		maxAge:  maxAge,
		now:     time.Now,
	}
}

// Ingest processes one packet from sender. It returns the complete message
// with done=true once every fragment has arrived, done=false while more are
// expected, or ErrProtocolViolation for a malformed packet. On a violation
// the sender's partial buffer is dropped; other senders are unaffected.
func (a *Assembler) Ingest(sender string, packet []byte) (msg string, done bool, err error) {
	index, total, content, err := DecodePacket(packet)
	if err != nil {
		a.drop(sender)
		return "", false, err
	}

	buf := a.acquire(sender)
	buf.mu.Lock()
	if buf.total != total {
		// Sender started a new message before finishing the previous one.
		buf.slots = make(map[int]string, total)
		buf.total = total
	}
	buf.slots[index] = content
	buf.touched = a.now()
	complete := len(buf.slots) == buf.total
	var frags []string
	if complete {
		frags = make([]string, buf.total)
		for i, c := range buf.slots {
			frags[i] = c
		}
	}
	buf.mu.Unlock()

	if !complete {
		return "", false, nil
	}
	a.drop(sender)
	return Join(frags), true, nil
}

func (a *Assembler) acquire(sender string) *buffer {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, b := range a.senders {
		if id == sender {
			continue
		}
		b.mu.Lock()
		stale := now.Sub(b.touched) > a.maxAge
		b.mu.Unlock()
		if stale {
			delete(a.senders, id)
		}
	}
	b, ok := a.senders[sender]
	if !ok {
		b = &buffer{slots: make(map[int]string), touched: now}
		a.senders[sender] = b
	}
	return b
}

func (a *Assembler) drop(sender string) {
	a.mu.Lock()
	delete(a.senders, sender)
	a.mu.Unlock()
}

// Drop discards any partial buffer for sender, e.g. after the peer is
// disconnected for an unrelated reason.
func (a *Assembler) Drop(sender string) {
	a.drop(sender)
}

// Pending reports the number of senders with an in-flight reassembly.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.senders)
}

// EvictStale removes reassemblies idle for longer than the max age and
// reports how many were removed. The engine calls this on a timer; Ingest
// also evicts opportunistically.
func (a *Assembler) EvictStale() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for id, b := range a.senders {
		b.mu.Lock()
		stale := now.Sub(b.touched) > a.maxAge
		b.mu.Unlock()
		if stale {
			delete(a.senders, id)
			n++
		}
	}
	return n
}
