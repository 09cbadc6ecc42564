package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// Libp2pConfig configures the gossipsub transport.
type Libp2pConfig struct {
	// TCPPort and WSPort are the listen ports for raw TCP and WebSocket.
	TCPPort int
	WSPort  int

	// PublicIP and DNSHostname, when set, are announced to peers in
	// addition to whatever the host discovers about itself. Browser
	// peers can only dial the DNS WebSocket address.
	PublicIP    string
	DNSHostname string

	// IdentityFile persists the host keypair across restarts so the
	// node keeps a stable peer id. Empty means ephemeral identity.
	IdentityFile string

	// Topics are joined and subscribed at startup.
	Topics []string

	Logger *slog.Logger
}

// Libp2p is the gossipsub mesh transport.
type Libp2p struct {
	host   host.Host
	ps     *pubsub.PubSub
	log    *slog.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   []*pubsub.Subscription

	msgs chan Message
	wg   sync.WaitGroup
}

var _ Transport = (*Libp2p)(nil)

// NewLibp2p starts the host, joins the configured topics and begins
// delivering messages.
func NewLibp2p(ctx context.Context, cfg Libp2pConfig) (*Libp2p, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	priv, err := loadOrCreateIdentity(cfg.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("overlay identity: %w", err)
	}

	listen := []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.TCPPort),
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d/ws", cfg.WSPort),
	}
	announce := announceAddrs(cfg)

	options := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen...),
		libp2p.NATPortMap(),
		libp2p.EnableNATService(),
		libp2p.EnableHolePunching(),
		libp2p.EnableRelay(),
	}
	if len(announce) > 0 {
		options = append(options, libp2p.AddrsFactory(func(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
			return append(append([]multiaddr.Multiaddr(nil), addrs...), announce...)
		}))
	}

	h, err := libp2p.New(options...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h,
		pubsub.WithMaxMessageSize(MaxPayloadSize),
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
	)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("start gossipsub: %w", err)
	}

	t := &Libp2p{
		host:   h,
		ps:     ps,
		log:    cfg.Logger.With("transport", "libp2p"),
		cancel: cancel,
		topics: make(map[string]*pubsub.Topic),
		msgs:   make(chan Message, 256),
	}
	for _, name := range cfg.Topics {
		if err := t.join(runCtx, name); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	go func() {
		t.wg.Wait()
		close(t.msgs)
	}()
	t.log.Info("overlay listening", "peer_id", h.ID().String(), "addrs", t.Listeners())
	return t, nil
}

func (t *Libp2p) join(ctx context.Context, name string) error {
	topic, err := t.ps.Join(name)
	if err != nil {
		return fmt.Errorf("join topic %s: %w", name, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return fmt.Errorf("subscribe topic %s: %w", name, err)
	}
	t.mu.Lock()
	t.topics[name] = topic
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.consume(ctx, name, sub)
	return nil
}

func (t *Libp2p) consume(ctx context.Context, name string, sub *pubsub.Subscription) {
	defer t.wg.Done()
	self := t.host.ID()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		select {
		case t.msgs <- Message{From: msg.ReceivedFrom.String(), Topic: name, Data: msg.GetData()}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Libp2p) Publish(ctx context.Context, topic string, data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("payload %d bytes exceeds transport cap %d", len(data), MaxPayloadSize)
	}
	t.mu.Lock()
	tp, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("not joined to topic %s", topic)
	}
	return tp.Publish(ctx, data)
}

func (t *Libp2p) Messages() <-chan Message { return t.msgs }

func (t *Libp2p) Dial(ctx context.Context, address string) error {
	maddr, err := multiaddr.NewMultiaddr(address)
	if err != nil {
		return fmt.Errorf("bad multiaddr %q: %w", address, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("bad peer address %q: %w", address, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("dial %s: %w", info.ID, err)
	}
	return nil
}

func (t *Libp2p) HangUp(_ context.Context, sender string) error {
	id, err := peer.Decode(sender)
	if err != nil {
		return fmt.Errorf("bad peer id %q: %w", sender, err)
	}
	return t.host.Network().ClosePeer(id)
}

func (t *Libp2p) Listeners() []string {
	id := t.host.ID().String()
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String()+"/p2p/"+id)
	}
	return out
}

func (t *Libp2p) Connections() []string {
	conns := t.host.Network().Conns()
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.RemoteMultiaddr().String()+"/p2p/"+c.RemotePeer().String())
	}
	return out
}

func (t *Libp2p) Peers() []string {
	peers := t.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.String())
	}
	return out
}

func (t *Libp2p) Close() error {
	t.cancel()
	t.mu.Lock()
	subs := t.subs
	topics := t.topics
	t.subs = nil
	t.topics = map[string]*pubsub.Topic{}
	t.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	var firstErr error
	for _, tp := range topics {
		if err := tp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.host.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func announceAddrs(cfg Libp2pConfig) []multiaddr.Multiaddr {
	var specs []string
	if cfg.PublicIP != "" {
		specs = append(specs,
			fmt.Sprintf("/ip4/%s/tcp/%d", cfg.PublicIP, cfg.TCPPort),
			fmt.Sprintf("/ip4/%s/tcp/%d/ws", cfg.PublicIP, cfg.WSPort),
		)
	}
	if cfg.DNSHostname != "" {
		specs = append(specs, fmt.Sprintf("/dns4/%s/tcp/%d/wss", cfg.DNSHostname, cfg.WSPort))
	}
	out := make([]multiaddr.Multiaddr, 0, len(specs))
	for _, s := range specs {
		if a, err := multiaddr.NewMultiaddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}

func loadOrCreateIdentity(path string) (p2pcrypto.PrivKey, error) {
	if path == "" {
		priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
		return priv, err
	}
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		return p2pcrypto.UnmarshalPrivateKey(data)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	priv, _, err := p2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := p2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}
