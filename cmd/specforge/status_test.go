package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forgeworks/specforge/internal/config"
)

func TestRunStatusCommand_TooManyArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"bld-one", "bld-two"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_EmptyStore(t *testing.T) {
	t.Setenv("SPECFORGE_HOME", t.TempDir())

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for empty store", code)
	}
}

func TestRunStatusCommand_JSON(t *testing.T) {
	t.Setenv("SPECFORGE_HOME", t.TempDir())

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0 for JSON output", code)
	}
}

func TestRunStatusCommand_UnknownBuild(t *testing.T) {
	t.Setenv("SPECFORGE_HOME", t.TempDir())

	code := runStatusCommand(context.Background(), []string{"bld-nope"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for unknown build", code)
	}
}

func TestProbeDaemon_Disabled(t *testing.T) {
	var cfg config.Config
	cfg.Gateway.Enabled = false

	if got := probeDaemon(context.Background(), cfg); got != "disabled" {
		t.Fatalf("probe = %q, want disabled", got)
	}
}

func TestProbeDaemon_Reachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	var cfg config.Config
	cfg.Gateway.Enabled = true
	cfg.Gateway.BindAddr = ts.Listener.Addr().String()

	got := probeDaemon(context.Background(), cfg)
	if !strings.HasPrefix(got, "reachable") {
		t.Fatalf("probe = %q, want reachable", got)
	}
}

func TestProbeDaemon_Unhealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	var cfg config.Config
	cfg.Gateway.Enabled = true
	cfg.Gateway.BindAddr = ts.Listener.Addr().String()

	got := probeDaemon(context.Background(), cfg)
	if !strings.HasPrefix(got, "unhealthy") {
		t.Fatalf("probe = %q, want unhealthy", got)
	}
}

func TestProbeDaemon_ConnectionRefused(t *testing.T) {
	var cfg config.Config
	cfg.Gateway.Enabled = true
	cfg.Gateway.BindAddr = "127.0.0.1:1"

	got := probeDaemon(context.Background(), cfg)
	if !strings.HasPrefix(got, "unreachable") {
		t.Fatalf("probe = %q, want unreachable", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"exactly-ten", 11, "exactly-ten"},
		{"this one is too long", 8, "this on…"},
		{"añejo tequila widget", 6, "añejo…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAgo(t *testing.T) {
	now := time.Now()
	tests := []struct {
		t    time.Time
		want string
	}{
		{now.Add(-5 * time.Second), "5s ago"},
		{now.Add(-3 * time.Minute), "3m ago"},
		{now.Add(-2 * time.Hour), "2h ago"},
		{now.Add(-49 * time.Hour), "2d ago"},
	}
	for _, tt := range tests {
		if got := ago(tt.t); got != tt.want {
			t.Errorf("ago(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
