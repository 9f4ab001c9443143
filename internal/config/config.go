// Package config holds the gateway configuration: environment defaults,
// an optional YAML overlay, and an atomically swappable store so admin
// updates take effect without a restart.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Capabilities CapabilityConf  `yaml:"capabilities"`
	Approval     ApprovalConfig  `yaml:"approval"`
	Sandbox      SandboxConfig   `yaml:"sandbox"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Audit        AuditConfig     `yaml:"audit"`
	Events       EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Port          string `yaml:"port"`
	AdminPassword string `yaml:"admin_password"`
}

type CapabilityConf struct {
	// Allowed is the deployment allow-list. AllowAll corresponds to the
	// literal "ALL" in AGENT_GATEWAY_ALLOWED_CAPS — a dev escape hatch
	// that must be logged loudly at startup and surfaced in /health.
	Allowed     []string `yaml:"allowed"`
	AllowAll    bool     `yaml:"allow_all"`
	ManifestDir string   `yaml:"manifest_dir"`
	// AllowUnknownTools permits calls to tools without a manifest.
	AllowUnknownTools bool `yaml:"allow_unknown_tools"`
}

type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

func (a ApprovalConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type SandboxConfig struct {
	PoolSize             int      `yaml:"pool_size"`
	WorkerTimeoutSeconds int      `yaml:"worker_timeout_seconds"`
	WorkerCommand        []string `yaml:"worker_command"`
	AllowedActions       []string `yaml:"allowed_actions"`
}

func (s SandboxConfig) WorkerTimeout() time.Duration {
	return time.Duration(s.WorkerTimeoutSeconds) * time.Second
}

type RateLimitConfig struct {
	MaxRequests       int  `yaml:"max_requests"`
	WindowSeconds     int  `yaml:"window_seconds"`
	Burst             int  `yaml:"burst"`
	UserMaxRequests   int  `yaml:"user_max_requests"`
	UserWindowSeconds int  `yaml:"user_window_seconds"`
	Disabled          bool `yaml:"disabled"`
}

type AuditConfig struct {
	Path string `yaml:"path"`
	// EncryptKeyHex is a 64-hex-char AES-256 key. Empty means plaintext JSONL.
	EncryptKeyHex string `yaml:"encrypt_key"`
}

// Key decodes the audit encryption key. Returns nil when encryption is off.
func (a AuditConfig) Key() ([]byte, error) {
	if a.EncryptKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(a.EncryptKeyHex)
	if err != nil {
		return nil, fmt.Errorf("audit key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("audit key must be 32 bytes (64 hex chars), got %d", len(key))
	}
	return key, nil
}

type EventsConfig struct {
	SSEKeepaliveSeconds int    `yaml:"sse_keepalive_seconds"`
	RedisAddr           string `yaml:"redis_addr"`
}

func (e EventsConfig) SSEKeepalive() time.Duration {
	return time.Duration(e.SSEKeepaliveSeconds) * time.Second
}

// FromEnv builds a Config from environment variables, falling back to
// the documented defaults.
func FromEnv() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:          envOr("PORT", "8080"),
			AdminPassword: os.Getenv("AGENT_GATEWAY_ADMIN_PASSWORD"),
		},
		Capabilities: CapabilityConf{
			ManifestDir:       envOr("AGENT_GATEWAY_MANIFEST_DIR", "manifests"),
			AllowUnknownTools: true,
		},
		Approval: ApprovalConfig{
			TimeoutSeconds: envInt("INTELLI_APPROVAL_TIMEOUT", 60),
		},
		Sandbox: SandboxConfig{
			PoolSize:             envInt("SANDBOX_POOL_SIZE", 2),
			WorkerTimeoutSeconds: envInt("SANDBOX_WORKER_TIMEOUT", 5),
			AllowedActions:       []string{"noop", "echo"},
		},
		RateLimit: RateLimitConfig{
			MaxRequests:       60,
			WindowSeconds:     60,
			Burst:             10,
			UserMaxRequests:   30,
			UserWindowSeconds: 60,
		},
		Audit: AuditConfig{
			Path:          envOr("AGENT_GATEWAY_AUDIT_PATH", "audit.log"),
			EncryptKeyHex: os.Getenv("INTELLI_AUDIT_ENCRYPT_KEY"),
		},
		Events: EventsConfig{
			SSEKeepaliveSeconds: envInt("AGENT_GATEWAY_SSE_POLL_INTERVAL", 15),
			RedisAddr:           os.Getenv("AGENT_GATEWAY_REDIS_ADDR"),
		},
	}

	raw := envOr("AGENT_GATEWAY_ALLOWED_CAPS", "fs.read,browser.dom")
	if strings.TrimSpace(raw) == "ALL" {
		cfg.Capabilities.AllowAll = true
	} else {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Capabilities.Allowed = append(cfg.Capabilities.Allowed, c)
			}
		}
	}

	return cfg
}

// LoadFile overlays YAML settings from path onto cfg. A missing file is
// not an error; the env-derived config stands alone.
func LoadFile(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Store publishes the live configuration. Readers call Load on every check
// so admin updates are visible immediately without a restart.
type Store struct {
	ptr atomic.Pointer[Config]
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.ptr.Store(cfg)
	return s
}

func (s *Store) Load() *Config { return s.ptr.Load() }

func (s *Store) Swap(cfg *Config) { s.ptr.Store(cfg) }

// Update applies fn to a copy of the current config and swaps it in.
func (s *Store) Update(fn func(*Config)) {
	cur := *s.ptr.Load()
	fn(&cur)
	s.ptr.Store(&cur)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
