package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// dialTimeout bounds a single bootstrap-driven dial so one unresponsive
// address cannot hold up the rest of the sweep.
const dialTimeout = 10 * time.Second

// discoverAsync runs one discovery sweep in the background so the event
// loop keeps serving messages and timers. A tick that lands while a sweep
// is still in flight is skipped, not queued.
func (e *Engine) discoverAsync(ctx context.Context) {
	if !e.discovering.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.discovering.Store(false)
		e.Discover(ctx)
		e.met.SetCurrentPeers(int64(len(e.transport.Peers())))
	}()
}

// Discover sweeps the configured bootstrap servers: for each one it dials
// a single advertised listener, then dials every peer the server knows
// about. Servers are queried concurrently and failures stay isolated to
// the server that produced them.
func (e *Engine) Discover(ctx context.Context) {
	if len(e.cfg.BootstrapServers) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, server := range e.cfg.BootstrapServers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.discoverFrom(ctx, strings.TrimRight(server, "/"))
		}()
	}
	wg.Wait()
}

func (e *Engine) discoverFrom(ctx context.Context, server string) {
	listeners, err := e.fetchAddresses(ctx, server+"/api/listeners")
	if err != nil {
		e.log.Debug("bootstrap listeners fetch failed", "server", server, "err", err)
	} else {
		// One successful dial per server is enough to join its mesh.
		for _, addr := range orderAddresses(listeners) {
			if err := e.dial(ctx, addr); err == nil {
				e.met.IncFederationDial()
				break
			}
		}
	}

	known, err := e.fetchAddresses(ctx, server+"/api/discovery")
	if err != nil {
		e.log.Debug("bootstrap discovery fetch failed", "server", server, "err", err)
		return
	}
	for _, addr := range orderAddresses(known) {
		if err := e.dial(ctx, addr); err == nil {
			e.met.IncFederationDial()
		}
	}
}

func (e *Engine) dial(ctx context.Context, addr string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	return e.transport.Dial(dialCtx, addr)
}

func (e *Engine) fetchAddresses(ctx context.Context, url string) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var addrs []string
	if err := json.NewDecoder(resp.Body).Decode(&addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}

// orderAddresses puts directly reachable addresses first. WebSocket and
// circuit-relay addresses cost an extra hop or an upgrade handshake, so
// they are the fallback, not the first choice.
func orderAddresses(addrs []string) []string {
	direct := make([]string, 0, len(addrs))
	var assisted []string
	for _, addr := range addrs {
		if strings.Contains(addr, "/ws") || strings.Contains(addr, "p2p-circuit") {
			assisted = append(assisted, addr)
			continue
		}
		direct = append(direct, addr)
	}
	return append(direct, assisted...)
}
