package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pasture/internal/metrics"
)

func TestRunPrintsUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run(nil, &out, &errOut); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(out.String(), "usage: pasture-node") {
		t.Fatalf("usage not printed: %q", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command") {
		t.Fatalf("error not printed: %q", errOut.String())
	}
}

func TestStatusSummarizesMetrics(t *testing.T) {
	m := metrics.New()
	m.IncPostStored()
	m.IncPostStored()
	m.SetCurrentPeers(3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/metrics" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--url", srv.URL}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %d stderr=%q", code, errOut.String())
	}
	if !strings.Contains(out.String(), "connected peers: 3") {
		t.Fatalf("peer count missing: %q", out.String())
	}
	if !strings.Contains(out.String(), "stored=2") {
		t.Fatalf("stored count missing: %q", out.String())
	}
}

func TestStatusNodeUnavailable(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"status", "--url", "http://127.0.0.1:1"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "node unavailable") {
		t.Fatalf("error not printed: %q", errOut.String())
	}
}
