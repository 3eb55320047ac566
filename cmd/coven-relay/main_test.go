// ABOUTME: Tests for coven-relay command helpers
// ABOUTME: Covers config path resolution, TTL parsing, init rendering and the console log handler

package main

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("COVEN_RELAY_CONFIG", "/etc/relay.toml")
		if got := getConfigPath(); got != "/etc/relay.toml" {
			t.Errorf("getConfigPath() = %q, want /etc/relay.toml", got)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		t.Setenv("COVEN_RELAY_CONFIG", "")
		t.Setenv("XDG_CONFIG_HOME", "/xdg")
		want := filepath.Join("/xdg", "coven", "relay.yaml")
		if got := getConfigPath(); got != want {
			t.Errorf("getConfigPath() = %q, want %q", got, want)
		}
	})
}

func TestGetDataPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	want := filepath.Join("/data", "coven-relay")
	if got := getDataPath(); got != want {
		t.Errorf("getDataPath() = %q, want %q", got, want)
	}
}

func TestParseTTL(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "1h", want: time.Hour},
		{in: "7d", want: 7 * 24 * time.Hour},
		{in: "-1h", wantErr: true},
		{in: "xd", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTTL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseTTL(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTTL(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("parseTTL(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestPrompt(t *testing.T) {
	reader := bufio.NewReader(strings.NewReader("\nalice\n"))

	if got := prompt(reader, "Name", "bob"); got != "bob" {
		t.Errorf("empty answer = %q, want default", got)
	}
	if got := prompt(reader, "Name", "bob"); got != "alice" {
		t.Errorf("answer = %q, want alice", got)
	}
	if got := prompt(reader, "Name", "carol"); got != "carol" {
		t.Errorf("EOF answer = %q, want default", got)
	}
}

func TestRenderConfigLoads(t *testing.T) {
	dir := t.TempDir()
	secret, err := randomSecret()
	if err != nil {
		t.Fatalf("randomSecret: %v", err)
	}

	content := renderConfig(relaySettings{
		HTTPAddr:     "localhost:8080",
		DBPath:       filepath.Join(dir, "relay.db"),
		DataDir:      dir,
		JWTSecret:    secret,
		AnthropicKey: "sk-test",
		Homeserver:   "https://matrix.example.org",
		Username:     "relay",
		Password:     "hunter2",
		AllowedRooms: []string{"!a:example.org", "!b:example.org"},
		LogLevel:     "debug",
		LogFormat:    "json",
	})

	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v\n%s", err, content)
	}
	if cfg.Matrix.Username != "relay" || cfg.Matrix.Password != "hunter2" {
		t.Errorf("matrix credentials = %q/%q", cfg.Matrix.Username, cfg.Matrix.Password)
	}
	if len(cfg.Matrix.AllowedRooms) != 2 {
		t.Errorf("allowed rooms = %v", cfg.Matrix.AllowedRooms)
	}
	if cfg.Auth.JWTSecret != secret {
		t.Error("jwt secret not round-tripped")
	}
	if cfg.Tools.CallTimeout != 30*time.Second {
		t.Errorf("call timeout = %v", cfg.Tools.CallTimeout)
	}
	if !cfg.Metrics.Enabled {
		t.Error("metrics should be enabled")
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "dispatch").WithGroup("run").Info("done", "rounds", 2)
	logger.Warn("careful", slog.Group("tool", "name", "search"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered")
	}
	if !strings.Contains(out, "INF done component=dispatch run.rounds=2") {
		t.Errorf("unexpected info line: %q", out)
	}
	if !strings.Contains(out, "WRN careful tool.name=search") {
		t.Errorf("unexpected warn line: %q", out)
	}
}
