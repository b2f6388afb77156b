package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ssd-technologies/agentrelay/internal/bridge"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"AGENTRELAY_CONFIG", "AGENTRELAY_ADDR", "AGENTRELAY_DATA_DIR", "AGENTRELAY_STORE",
		"AGENTRELAY_TOKEN", "AGENTRELAY_URL", "AGENTRELAY_LOG_LEVEL", "AGENTRELAY_MAX_LOG_BYTES",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Relay.Store != "file" {
		t.Errorf("expected store=file, got %s", cfg.Relay.Store)
	}
	if cfg.Bridge.Timeout != "5m0s" {
		t.Errorf("expected timeout=5m0s, got %s", cfg.Bridge.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadFile_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "agentrelay.yaml", `
relay:
  addr: 0.0.0.0:9000
  store: sqlite
  data_dir: ${AGENTRELAY_TEST_ROOT:-/srv/relay}/data
bridge:
  timeout: 90s
  emit_progress: true
  agents:
    - id: coder
      name: Coder
      tool: claude
      command: claude
      args: ["-p"]
      pty: true
      desk: {x: 2, y: 5}
log:
  level: debug
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Relay.Addr != "0.0.0.0:9000" || cfg.Relay.Store != "sqlite" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	if cfg.Relay.DataDir != "/srv/relay/data" {
		t.Errorf("data_dir = %q", cfg.Relay.DataDir)
	}
	// Unset fields keep their defaults.
	if cfg.Relay.QueueSize != 64 {
		t.Errorf("queue_size = %d", cfg.Relay.QueueSize)
	}
	if d, _ := cfg.Bridge.TimeoutDuration(); d != 90*time.Second {
		t.Errorf("timeout = %v", d)
	}
	a, ok := cfg.Bridge.Agent("coder")
	if !ok || !a.PTY || a.Desk == nil || a.Desk.Y != 5 {
		t.Fatalf("agent = %+v", a)
	}
	if l := a.Launch(); l.Tool != "claude" || l.PromptMode != "" || len(l.Args) != 1 {
		t.Errorf("launch = %+v", l)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFile_JSONC(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "agentrelay.jsonc", `{
  // relay settings
  "relay": {"addr": ":8800", "token": "abc",},
  /* one agent */
  "bridge": {"agents": [{"id": "a1", "command": "/usr/local/bin/codex", "prompt_mode": "stdin"}]},
}`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Relay.Addr != ":8800" || cfg.Relay.Token != "abc" {
		t.Errorf("relay = %+v", cfg.Relay)
	}
	l := cfg.Bridge.Agents[0].Launch()
	if l.Tool != "codex" || l.PromptMode != bridge.PromptStdin {
		t.Errorf("launch = %+v", l)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "agentrelay.yaml", "relay:\n  addr: 127.0.0.1:1\n")
	t.Setenv("AGENTRELAY_CONFIG", path)
	t.Setenv("AGENTRELAY_ADDR", ":7777")
	t.Setenv("AGENTRELAY_TOKEN", "env-token")
	t.Setenv("AGENTRELAY_URL", "http://relay:7777")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Addr != ":7777" {
		t.Errorf("addr = %q", cfg.Relay.Addr)
	}
	if cfg.Relay.Token != "env-token" || cfg.Bridge.Token != "env-token" {
		t.Errorf("tokens = %q, %q", cfg.Relay.Token, cfg.Bridge.Token)
	}
	if cfg.Bridge.URL != "http://relay:7777" {
		t.Errorf("url = %q", cfg.Bridge.URL)
	}
}

func TestLoad_WithoutFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.Addr != Default().Relay.Addr {
		t.Errorf("addr = %q", cfg.Relay.Addr)
	}
}

func TestLoad_ExpandsEnvironmentPaths(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGENTRELAY_TEST_ROOT", "/srv/relay")
	t.Setenv("AGENTRELAY_DATA_DIR", "${AGENTRELAY_TEST_ROOT}/data")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.DataDir != "/srv/relay/data" {
		t.Errorf("data dir = %q, want /srv/relay/data", cfg.Relay.DataDir)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Relay.Store = "postgres"
	cfg.Bridge.Timeout = "soon"
	cfg.Bridge.Agents = []AgentConfig{
		{ID: "a1", Command: "claude"},
		{ID: "a1", Command: "claude", PromptMode: "telepathy"},
		{Command: ""},
	}
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"relay.store", "bridge.timeout", "duplicate id", "prompt_mode", "id is required", "command is required", "log.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q: %v", want, err)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf strings.Builder
	logger, err := NewLogger(&buf, "warn")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "agent", "a1")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "agent=a1") {
		t.Errorf("output = %q", buf.String())
	}
	if _, err := NewLogger(&buf, "verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
