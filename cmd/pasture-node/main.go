package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"pasture/internal/catchup"
	"pasture/internal/config"
	"pasture/internal/daemon"
	"pasture/internal/federation"
	"pasture/internal/metrics"
	"pasture/internal/moderation"
	"pasture/internal/overlay"
	"pasture/internal/pprofutil"
	"pasture/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "recheck":
		return runRecheck(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: pasture-node <run|status|recheck> [args]")
	fmt.Fprintln(w, "  run                start the node")
	fmt.Fprintln(w, "  status  [--url U]  print a summary of a running node")
	fmt.Fprintln(w, "  recheck            re-run moderation over recent posts")
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to postgres")
	return pg, nil
}

func openTransport(ctx context.Context, cfg *config.Config, log *slog.Logger) (overlay.Transport, error) {
	if cfg.Overlay == "mqtt" {
		return overlay.NewMQTTRelay(overlay.MQTTRelayConfig{
			Broker:      cfg.RelayBroker,
			Username:    cfg.RelayUsername,
			Password:    cfg.RelayPassword,
			UseTLS:      cfg.RelayTLS,
			TopicPrefix: cfg.RelayPrefix,
			Topics:      daemon.Topics(),
			Logger:      log,
		})
	}
	if cfg.PublicIP == "" {
		if ip, err := resolvePublicIP(ctx); err == nil {
			cfg.PublicIP = ip
		} else {
			log.Warn("public IP lookup failed, announcing local addresses only", "err", err)
		}
	}
	return overlay.NewLibp2p(ctx, overlay.Libp2pConfig{
		TCPPort:      cfg.P2PTCPPort,
		WSPort:       cfg.P2PWSPort,
		PublicIP:     cfg.PublicIP,
		DNSHostname:  cfg.DNSHostname,
		IdentityFile: cfg.IdentityFile,
		Topics:       daemon.Topics(),
		Logger:       log,
	})
}

// resolvePublicIP asks ipify for the node's externally visible address so
// the overlay can announce a dialable multiaddr from behind NAT.
func resolvePublicIP(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", errors.New("empty response")
	}
	return ip, nil
}

func buildClassifier(cfg *config.Config, log *slog.Logger) moderation.Classifier {
	if len(cfg.ModerationServices) > 0 {
		return moderation.Services{URLs: cfg.ModerationServices, Logger: log}
	}
	if len(cfg.ModerationKeywords) > 0 {
		return moderation.Keyword{Terms: cfg.ModerationKeywords}
	}
	return nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	log := newLogger(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopPprof, err := pprofutil.Start(cfg.PprofAddr, cfg.PprofAllowPublic, log)
	if err != nil {
		fmt.Fprintf(stderr, "start pprof failed: %v\n", err)
		return 1
	}
	defer stopPprof()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "open store failed: %v\n", err)
		return 1
	}
	defer st.Close()

	transport, err := openTransport(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "open overlay failed: %v\n", err)
		return 1
	}
	defer transport.Close()

	mode, err := moderation.ParseMode(cfg.ModerationMode)
	if err != nil {
		fmt.Fprintf(stderr, "bad moderation mode: %v\n", err)
		return 1
	}
	engine := daemon.New(daemon.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		DiscoveryInterval: cfg.DiscoveryInterval,
		CatchupInterval:   cfg.CatchupInterval,
		EvictInterval:     cfg.EvictInterval,
		CatchupMax:        cfg.CatchupMax,
		ReassemblyMaxAge:  cfg.ReassemblyMaxAge,
		BootstrapServers:  cfg.BootstrapServers,
		ModerationMode:    mode,
		PostKeyBits:       cfg.PostKeyBits,
		Logger:            log,
	}, transport, st, buildClassifier(cfg, log))

	syncer := federation.NewSyncer(engine, nil, cfg.OutboxMax, log)
	handler := federation.NewHandler(engine, syncer, cfg.OutboxMax, log)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("pasture listening",
		"http_port", cfg.HTTPPort, "overlay", cfg.Overlay,
		"addrs", transport.Listeners())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.MetricsFile != "" {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return engine.Metrics().WriteSnapshot(cfg.MetricsFile)
				case <-ticker.C:
					if err := engine.Metrics().WriteSnapshot(cfg.MetricsFile); err != nil {
						log.Warn("writing metrics snapshot failed", "err", err)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "shut down cleanly")
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "http://127.0.0.1:8080", "base URL of the node")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*url, "/") + "/api/metrics")
	if err != nil {
		fmt.Fprintf(stderr, "status: node unavailable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	var snap metrics.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		fmt.Fprintf(stderr, "status: bad response: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Local node summary:")
	fmt.Fprintf(stdout, "  connected peers: %d\n", snap.CurrentPeers)
	fmt.Fprintf(stdout, "  posts: stored=%d authored=%d flagged=%d\n",
		snap.Posts.Stored, snap.Posts.Authored, snap.Posts.Flagged)
	fmt.Fprintf(stdout, "  dropped: duplicate=%d verify=%d moderation=%d\n",
		snap.Posts.DropDuplicate, snap.Posts.DropVerify, snap.Posts.DropModeration)
	fmt.Fprintf(stdout, "  gossip: in=%d out=%d violations=%d disconnects=%d\n",
		snap.Gossip.ChunksIn, snap.Gossip.ChunksOut, snap.Gossip.Violations, snap.Gossip.Disconnects)
	fmt.Fprintf(stdout, "  catch-up: served=%d imported=%d\n",
		snap.Gossip.CatchupServed, snap.Gossip.BacklogImported)
	fmt.Fprintf(stdout, "  federation: pulls=%d pushes=%d accepted=%d rejected=%d\n",
		snap.Federation.Pulls, snap.Federation.Pushes, snap.Federation.InboxAccepted, snap.Federation.InboxRejected)
	for _, h := range snap.Recent {
		fmt.Fprintf(stdout, "  recent: %s source=%s stored=%s\n",
			h.ID, h.Source, h.Stored.Format(time.RFC3339))
	}
	return 0
}

// recheckBatchSize bounds one classification request.
const recheckBatchSize = 50

func runRecheck(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("recheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	log := newLogger(stderr, cfg.LogLevel)
	classifier := buildClassifier(cfg, log)
	if classifier == nil {
		fmt.Fprintln(stderr, "recheck: no moderation services or keywords configured")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(stderr, "open store failed: %v\n", err)
		return 1
	}
	defer st.Close()

	posts, err := st.ListSince(ctx, time.Now().Add(-catchup.RetentionWindow), 0)
	if err != nil {
		fmt.Fprintf(stderr, "list posts failed: %v\n", err)
		return 1
	}

	changed := 0
	for start := 0; start < len(posts); start += recheckBatchSize {
		end := start + recheckBatchSize
		if end > len(posts) {
			end = len(posts)
		}
		batch := posts[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}
		verdicts, err := classifier.Classify(ctx, texts)
		if err != nil {
			fmt.Fprintf(stderr, "classify failed: %v\n", err)
			return 1
		}
		for i, p := range batch {
			flagged := verdicts[i] != nil
			if flagged == p.Moderated {
				continue
			}
			if err := st.SetModerated(ctx, p.ID, flagged); err != nil {
				fmt.Fprintf(stderr, "update %s failed: %v\n", p.ID, err)
				return 1
			}
			changed++
		}
	}
	fmt.Fprintf(stdout, "rechecked %d posts, %d changed\n", len(posts), changed)
	return 0
}
