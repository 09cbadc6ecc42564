// Package overlay abstracts the pub/sub mesh the node gossips over. The
// primary transport is a libp2p gossipsub host; an MQTT relay transport
// exists for nodes stuck behind networks where no direct or hole-punched
// connectivity works.
package overlay

import (
	"context"
	"errors"
)

// MaxPayloadSize is the transport payload cap. The chunk codec keeps
// fragments well below this so JSON framing never pushes a packet over.
const MaxPayloadSize = 8192

// ErrUnsupported reports an operation the transport cannot express, such
// as dialing a specific address on a broker-mediated relay.
var ErrUnsupported = errors.New("operation not supported by transport")

// Message is one complete pub/sub payload from a remote sender.
type Message struct {
	From  string
	Topic string
	Data  []byte
}

// Transport is a topic-addressed pub/sub channel with peer management.
type Transport interface {
	// Publish sends data on a topic. Payloads above MaxPayloadSize fail.
	Publish(ctx context.Context, topic string, data []byte) error

	// Messages yields inbound messages. The channel closes on Close.
	Messages() <-chan Message

	// Dial connects to a peer by address. Relay transports return
	// ErrUnsupported.
	Dial(ctx context.Context, address string) error

	// HangUp severs the connection to a sender, identified as in
	// Message.From. Transports that cannot disconnect a remote party
	// stop delivering its messages instead.
	HangUp(ctx context.Context, sender string) error

	// Listeners reports the addresses remote peers can dial.
	Listeners() []string

	// Peers reports currently connected peer identities.
	Peers() []string

	// Connections reports dialable addresses of currently connected
	// peers, for handing out to third parties.
	Connections() []string

	Close() error
}
