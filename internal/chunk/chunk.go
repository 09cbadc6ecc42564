// Package chunk splits messages that exceed the gossip channel's payload
// limit into indexed fragments and reassembles them on the receiving side.
//
// A fragment travels as a JSON packet {index, total, content}, one packet per
// transport message. Fragments may arrive in any order; the index recovers
// the original position. Reassembly state is kept per sender, at most one
// in-flight message per sender at a time.
package chunk

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxChunkSize is the fragment payload size in bytes. It sits well below the
// transport's 8 KiB inbound cap, leaving headroom for the JSON framing.
const MaxChunkSize = 500

// ErrProtocolViolation marks a packet that no well-behaved sender produces:
// unparseable JSON or index/total/content outside the wire contract. The
// caller is expected to sever the sending peer.
var ErrProtocolViolation = errors.New("chunk: protocol violation")

// Packet is the wire shape of one fragment.
type Packet struct {
	Index   *int    `json:"index"`
	Total   *int    `json:"total"`
	Content *string `json:"content"`
}

// Split cuts message into fragments of at most MaxChunkSize bytes, never
// inside a multi-byte rune: a fragment that ends mid-rune would be mangled
// by the JSON framing and the reassembled message would no longer match its
// signature. The empty message yields a single empty fragment so that a
// packet is still emitted and Join remains an exact inverse.
func Split(message string) []string {
	if message == "" {
		return []string{""}
	}
	out := make([]string, 0, (len(message)+MaxChunkSize-1)/MaxChunkSize)
	for i := 0; i < len(message); {
		end := i + MaxChunkSize
		if end >= len(message) {
			out = append(out, message[i:])
			break
		}
		// Back off continuation bytes so the cut lands on a rune start.
		// A rune is at most 4 bytes, so this backs up at most 3.
		for end > i+1 && message[end]&0xC0 == 0x80 {
			end--
		}
		out = append(out, message[i:end])
		i = end
	}
	return out
}

// Join concatenates fragments in slice order.
func Join(fragments []string) string {
	total := 0
	for _, f := range fragments {
		total += len(f)
	}
	b := make([]byte, 0, total)
	for _, f := range fragments {
		b = append(b, f...)
	}
	return string(b)
}

// EncodePacket frames one fragment for transport.
func EncodePacket(index, total int, content string) ([]byte, error) {
	if index < 0 || total < 1 || index >= total {
		return nil, fmt.Errorf("chunk: bad packet index=%d total=%d", index, total)
	}
	return json.Marshal(Packet{Index: &index, Total: &total, Content: &content})
}

// DecodePacket parses and validates a fragment packet. Any structural
// problem is reported as ErrProtocolViolation.
func DecodePacket(data []byte) (index, total int, content string, err error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, 0, "", fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if p.Index == nil || p.Total == nil || p.Content == nil {
		return 0, 0, "", fmt.Errorf("%w: missing field", ErrProtocolViolation)
	}
	if *p.Index < 0 || *p.Total < 1 || *p.Index >= *p.Total {
		return 0, 0, "", fmt.Errorf("%w: index=%d total=%d", ErrProtocolViolation, *p.Index, *p.Total)
	}
	return *p.Index, *p.Total, *p.Content, nil
}
