// Package config loads the configuration shared by the relay, the bridge
// daemon and agentctl.
//
// Configuration comes from a single file named by the --config flag or the
// AGENTRELAY_CONFIG environment variable. Files ending in .json or .jsonc
// are read as JSON with comments; anything else is YAML. A handful of
// environment variables override the file for container deployments.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/agentrelay/internal/bridge"
	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

// Config is the complete configuration.
type Config struct {
	Relay  RelayConfig  `yaml:"relay" json:"relay"`
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`
	Log    LogConfig    `yaml:"log" json:"log"`
}

// RelayConfig configures the relay daemon.
type RelayConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" json:"addr"`

	// DataDir holds the event log and materialized documents.
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// Store selects the persistence backend: "file" or "sqlite".
	Store string `yaml:"store" json:"store"`

	// MaxLogBytes rotates the file store's event log once it reaches this
	// size. Zero disables rotation.
	MaxLogBytes int64 `yaml:"max_log_bytes" json:"max_log_bytes"`

	// Token, when set, is required on mutating routes and the socket.
	Token string `yaml:"token" json:"token"`

	// QueueSize is the outbound queue length of each observer.
	QueueSize int `yaml:"queue_size" json:"queue_size"`

	// EventsPerMinute limits POST /api/events per client IP.
	EventsPerMinute int `yaml:"events_per_minute" json:"events_per_minute"`

	// FramesPerMinute limits inbound socket frames per connection.
	FramesPerMinute int `yaml:"frames_per_minute" json:"frames_per_minute"`
}

// BridgeConfig configures the bridge daemon.
type BridgeConfig struct {
	// URL is the relay's base HTTP URL.
	URL string `yaml:"url" json:"url"`

	// Token is presented to the relay.
	Token string `yaml:"token" json:"token"`

	// Timeout bounds one tool invocation, as a Go duration string.
	Timeout string `yaml:"timeout" json:"timeout"`

	// EmitProgress publishes progress lines as collapsible log messages.
	EmitProgress bool `yaml:"emit_progress" json:"emit_progress"`

	// Agents are registered with the relay on startup.
	Agents []AgentConfig `yaml:"agents" json:"agents"`
}

// AgentConfig describes one agent and the tool that serves it.
type AgentConfig struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name" json:"name"`
	Tool       string            `yaml:"tool" json:"tool"`
	Command    string            `yaml:"command" json:"command"`
	Args       []string          `yaml:"args" json:"args"`
	Env        map[string]string `yaml:"env" json:"env"`
	Dir        string            `yaml:"dir" json:"dir"`
	PTY        bool              `yaml:"pty" json:"pty"`
	PromptMode string            `yaml:"prompt_mode" json:"prompt_mode"`
	Desk       *envelope.Point   `yaml:"desk" json:"desk"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
}

// Default returns the default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Relay: RelayConfig{
			Addr:            "127.0.0.1:8750",
			DataDir:         filepath.Join(homeDir, ".agentrelay"),
			Store:           "file",
			MaxLogBytes:     64 << 20,
			QueueSize:       64,
			EventsPerMinute: 600,
			FramesPerMinute: 600,
		},
		Bridge: BridgeConfig{
			URL:     "http://127.0.0.1:8750",
			Timeout: bridge.DefaultTimeout.String(),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads the file named by AGENTRELAY_CONFIG, or the defaults when it
// is unset, then applies environment overrides.
func Load() (*Config, error) {
	if path := os.Getenv("AGENTRELAY_CONFIG"); path != "" {
		return LoadFile(path)
	}
	cfg := Default()
	cfg.applyEnv()
	cfg.expandVariables()
	return cfg, nil
}

// LoadFile loads configuration from path over the defaults, then applies
// environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	cfg.expandVariables()
	return cfg, nil
}

// Resolve loads path when it is set and falls back to Load otherwise.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	return Load()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTRELAY_ADDR"); v != "" {
		c.Relay.Addr = v
	}
	if v := os.Getenv("AGENTRELAY_DATA_DIR"); v != "" {
		c.Relay.DataDir = v
	}
	if v := os.Getenv("AGENTRELAY_STORE"); v != "" {
		c.Relay.Store = v
	}
	if v := os.Getenv("AGENTRELAY_TOKEN"); v != "" {
		c.Relay.Token = v
		c.Bridge.Token = v
	}
	if v := os.Getenv("AGENTRELAY_URL"); v != "" {
		c.Bridge.URL = v
	}
	if v := os.Getenv("AGENTRELAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("AGENTRELAY_MAX_LOG_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Relay.MaxLogBytes = n
		}
	}
}

func (c *Config) expandVariables() {
	c.Relay.DataDir = expandVars(c.Relay.DataDir)
	for i := range c.Bridge.Agents {
		c.Bridge.Agents[i].Dir = expandVars(c.Bridge.Agents[i].Dir)
	}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// TimeoutDuration returns the parsed invocation timeout.
func (b BridgeConfig) TimeoutDuration() (time.Duration, error) {
	if b.Timeout == "" {
		return bridge.DefaultTimeout, nil
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0, fmt.Errorf("bridge.timeout: %w", err)
	}
	return d, nil
}

// Launch converts a to the bridge's launch description.
func (a AgentConfig) Launch() bridge.Launch {
	tool := a.Tool
	if tool == "" {
		tool = filepath.Base(a.Command)
	}
	return bridge.Launch{
		Tool:       tool,
		Command:    a.Command,
		Args:       a.Args,
		Env:        a.Env,
		Dir:        a.Dir,
		PTY:        a.PTY,
		PromptMode: bridge.PromptMode(a.PromptMode),
	}
}

// Agent returns the configuration of agent id.
func (b BridgeConfig) Agent(id string) (AgentConfig, bool) {
	for _, a := range b.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Relay.Addr == "" {
		errs = append(errs, errors.New("relay.addr is required"))
	}
	if c.Relay.DataDir == "" {
		errs = append(errs, errors.New("relay.data_dir is required"))
	}
	switch c.Relay.Store {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("relay.store must be file or sqlite, got %q", c.Relay.Store))
	}
	if c.Relay.QueueSize < 0 {
		errs = append(errs, errors.New("relay.queue_size must not be negative"))
	}

	if d, err := c.Bridge.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	} else if d <= 0 {
		errs = append(errs, errors.New("bridge.timeout must be positive"))
	}

	seen := make(map[string]bool)
	for i, a := range c.Bridge.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("bridge.agents[%d]: id is required", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("bridge.agents[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.Command == "" {
			errs = append(errs, fmt.Errorf("bridge.agents[%d]: command is required", i))
		}
		switch bridge.PromptMode(a.PromptMode) {
		case "", bridge.PromptArg, bridge.PromptStdin:
		default:
			errs = append(errs, fmt.Errorf("bridge.agents[%d]: prompt_mode must be arg or stdin", i))
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
