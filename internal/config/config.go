// Package config loads node configuration from the environment. All
// variables carry the PASTURE_ prefix; a local .env file is honored when
// present so development nodes need no exported environment at all.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`

	Overlay      string `envconfig:"OVERLAY" default:"libp2p"`
	P2PTCPPort   int    `envconfig:"P2P_TCP_PORT" default:"4001"`
	P2PWSPort    int    `envconfig:"P2P_WS_PORT" default:"4002"`
	PublicIP     string `envconfig:"PUBLIC_IP"`
	DNSHostname  string `envconfig:"DNS_HOSTNAME"`
	IdentityFile string `envconfig:"IDENTITY_FILE" default:"pasture.key"`

	BootstrapServers []string `envconfig:"BOOTSTRAP_SERVERS"`

	RelayBroker   string `envconfig:"RELAY_BROKER"`
	RelayUsername string `envconfig:"RELAY_USERNAME"`
	RelayPassword string `envconfig:"RELAY_PASSWORD"`
	RelayTLS      bool   `envconfig:"RELAY_TLS"`
	RelayPrefix   string `envconfig:"RELAY_PREFIX"`

	ModerationMode     string   `envconfig:"MODERATION_MODE" default:"flag"`
	ModerationServices []string `envconfig:"MODERATION_SERVICES"`
	ModerationKeywords []string `envconfig:"MODERATION_KEYWORDS"`

	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	DiscoveryInterval time.Duration `envconfig:"DISCOVERY_INTERVAL" default:"30s"`
	CatchupInterval   time.Duration `envconfig:"CATCHUP_INTERVAL" default:"1s"`
	EvictInterval     time.Duration `envconfig:"EVICT_INTERVAL" default:"30s"`
	ReassemblyMaxAge  time.Duration `envconfig:"REASSEMBLY_MAX_AGE" default:"1m"`

	CatchupMax  int `envconfig:"CATCHUP_MAX" default:"200"`
	OutboxMax   int `envconfig:"OUTBOX_MAX" default:"200"`
	PostKeyBits int `envconfig:"POST_KEY_BITS" default:"2048"`

	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsFile string `envconfig:"METRICS_FILE"`

	// PprofAddr enables the profiling listener when set, e.g. "127.0.0.1:6060".
	PprofAddr        string `envconfig:"PPROF_ADDR"`
	PprofAllowPublic bool   `envconfig:"PPROF_ALLOW_PUBLIC"`
}

// Load reads .env if one exists, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := new(Config)
	if err := envconfig.Process("pasture", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
