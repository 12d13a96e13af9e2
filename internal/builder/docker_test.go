package builder

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/forgeworks/specforge/internal/config"
)

func TestNewDockerExecutor_Defaults(t *testing.T) {
	e, err := NewDockerExecutor(config.ExecutorConfig{Kind: "docker"})
	if err != nil {
		t.Skip("docker client init failed (expected without docker):", err)
	}
	defer e.Close()

	if e.image != "alpine:3.20" {
		t.Errorf("image = %s, want alpine:3.20", e.image)
	}
	if e.memory != 512*1024*1024 {
		t.Errorf("memory = %d, want 512MB", e.memory)
	}
	if e.network != "none" {
		t.Errorf("network = %s, want none", e.network)
	}
}

func TestPackagingCommand(t *testing.T) {
	cmd := packagingCommand("bld-abc123")
	for _, frag := range []string{
		"tar -czf 'bld-abc123'.tar.gz",
		"-C 'bld-abc123' .",
		"sha256sum 'bld-abc123'.tar.gz",
	} {
		if !strings.Contains(cmd, frag) {
			t.Errorf("command lacks %q: %s", frag, cmd)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"plain":      "'plain'",
		"with space": "'with space'",
		"o'brien":    `'o'\''brien'`,
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAttrValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"text", "text"},
		{true, "true"},
		{5, "5"},
		{4.5, "4.5"},
		{float64(5), "5"},
		{json.Number("10"), "10"},
	}
	for _, tt := range tests {
		if got := attrValue(tt.in); got != tt.want {
			t.Errorf("attrValue(%#v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
