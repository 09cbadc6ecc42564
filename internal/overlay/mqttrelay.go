package overlay

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// DefaultRelayPrefix namespaces the mesh topics on a shared broker.
const DefaultRelayPrefix = "pasture"

// MQTTRelayConfig configures the broker-mediated relay transport.
type MQTTRelayConfig struct {
	// Broker is the MQTT broker URL (e.g. "tcp://broker.example.com:1883").
	Broker   string
	Username string
	Password string
	UseTLS   bool

	// ClientID doubles as the node's sender identity on the relay. If
	// empty, a random one is generated.
	ClientID string

	// TopicPrefix namespaces mesh topics on the broker.
	TopicPrefix string

	Topics []string

	Logger *slog.Logger
}

// MQTTRelay carries the gossip topics over a shared MQTT broker. The
// broker sees every payload, so this transport is a fallback for nodes
// that cannot reach the mesh directly, not a replacement for it.
type MQTTRelay struct {
	cfg      MQTTRelayConfig
	client   paho.Client
	log      *slog.Logger
	clientID string

	mu      sync.Mutex
	ignored map[string]struct{}
	closed  bool

	msgs chan Message
}

var _ Transport = (*MQTTRelay)(nil)

// relayFrame wraps a payload with its sender, since MQTT has no notion
// of message origin.
type relayFrame struct {
	From string `json:"from"`
	Data string `json:"data"`
}

// NewMQTTRelay connects to the broker and subscribes to the mesh topics.
func NewMQTTRelay(cfg MQTTRelayConfig) (*MQTTRelay, error) {
	if cfg.Broker == "" {
		return nil, errors.New("broker URL is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultRelayPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pasture-" + randomString(16)
	}

	t := &MQTTRelay{
		cfg:      cfg,
		log:      cfg.Logger.With("transport", "mqtt"),
		clientID: clientID,
		ignored:  make(map[string]struct{}),
		msgs:     make(chan Message, 256),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			t.log.Warn("relay connection lost", "err", err)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	t.client = paho.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, errors.New("relay connection timeout")
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return t, nil
}

func (t *MQTTRelay) onConnected(_ paho.Client) {
	for _, name := range t.cfg.Topics {
		topic := t.brokerTopic(name)
		t.client.Subscribe(topic, 0, t.makeHandler(name))
		t.log.Debug("subscribed to relay topic", "topic", topic)
	}
	t.log.Info("connected to relay broker", "broker", t.cfg.Broker, "client_id", t.clientID)
}

func (t *MQTTRelay) brokerTopic(name string) string {
	return t.cfg.TopicPrefix + "/" + name
}

func (t *MQTTRelay) makeHandler(name string) paho.MessageHandler {
	return func(_ paho.Client, message paho.Message) {
		var frame relayFrame
		if err := json.Unmarshal(message.Payload(), &frame); err != nil {
			t.log.Debug("dropping unframed relay payload", "topic", name, "err", err)
			return
		}
		if frame.From == "" || frame.From == t.clientID {
			return
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			t.log.Debug("dropping undecodable relay payload", "topic", name, "err", err)
			return
		}
		// The non-blocking send happens under the lock so Close cannot
		// close the channel out from under it.
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.closed {
			return
		}
		if _, ignored := t.ignored[frame.From]; ignored {
			return
		}
		select {
		case t.msgs <- Message{From: frame.From, Topic: name, Data: data}:
		default:
			t.log.Warn("relay inbox full, dropping message", "topic", name)
		}
	}
}

func (t *MQTTRelay) Publish(_ context.Context, topic string, data []byte) error {
	if len(data) > MaxPayloadSize {
		return fmt.Errorf("payload %d bytes exceeds transport cap %d", len(data), MaxPayloadSize)
	}
	frame, err := json.Marshal(relayFrame{
		From: t.clientID,
		Data: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return err
	}
	token := t.client.Publish(t.brokerTopic(topic), 0, false, frame)
	if !token.WaitTimeout(10 * time.Second) {
		return errors.New("timeout publishing to relay")
	}
	return token.Error()
}

func (t *MQTTRelay) Messages() <-chan Message { return t.msgs }

// Dial is meaningless on a broker-mediated transport.
func (t *MQTTRelay) Dial(context.Context, string) error { return ErrUnsupported }

// HangUp cannot disconnect a remote client from a shared broker, so the
// sender is silenced locally instead.
func (t *MQTTRelay) HangUp(_ context.Context, sender string) error {
	t.mu.Lock()
	t.ignored[sender] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *MQTTRelay) Listeners() []string { return nil }

func (t *MQTTRelay) Peers() []string { return nil }

func (t *MQTTRelay) Connections() []string { return nil }

func (t *MQTTRelay) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.client.Disconnect(1000)
	close(t.msgs)
	return nil
}

const relayIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = relayIDAlphabet[rand.IntN(len(relayIDAlphabet))]
	}
	return string(b)
}
