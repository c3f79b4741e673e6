// pgsupervisor - a PostgreSQL connection pooling and failover supervisor
// SPDX-License-Identifier: Apache-2.0
// https://github.com/pgpool-go/supervisor

// Package config loads the supervisor's configuration: the backend list,
// failover thresholds and command templates, listener addresses, and the
// watchdog/peer-sync settings (spec.md §3/§4.9).
//
// Loading is layered with Koanf v2, mirroring the three-source precedence
// used throughout this codebase's ambient stack: built-in defaults, an
// optional YAML file, then environment variables, each able to override
// the one before it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is searched for, in order
// of priority. The first one found is used.
var DefaultConfigPaths = []string{
	"pgsupervisor.yaml",
	"pgsupervisor.yml",
	"/etc/pgpool-go/pgsupervisor.yaml",
	"/etc/pgpool-go/pgsupervisor.yml",
}

// ConfigPathEnvVar overrides the searched paths with one explicit file.
const ConfigPathEnvVar = "PGSUPERVISOR_CONFIG_PATH"

// BackendConfig is one configured PostgreSQL node (spec.md §3 BackendEntry
// immutable fields).
type BackendConfig struct {
	Host               string `koanf:"host"`
	Port               int    `koanf:"port"`
	DataDir            string `koanf:"data_dir"`
	AlwaysPrimary      bool   `koanf:"always_primary"`
	DisallowToFailover bool   `koanf:"disallow_to_failover"`
}

// ListenerConfig is one TCP listen_addresses entry (spec.md §6.1).
type ListenerConfig struct {
	Network string `koanf:"network"` // "tcp", "tcp4", or "tcp6"
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// FailoverConfig holds the thresholds and command templates the failover
// engine consults (spec.md §4.3/§4.6/§4.9).
type FailoverConfig struct {
	StreamingMode          bool          `koanf:"streaming_mode"`
	DetachFalsePrimary     bool          `koanf:"detach_false_primary"`
	FailoverCommand        string        `koanf:"failover_command"`
	FailbackCommand        string        `koanf:"failback_command"`
	FollowPrimaryCommand   string        `koanf:"follow_primary_command"`
	SearchPrimaryTimeout time.Duration `koanf:"search_primary_node_timeout"`
	QueueSize            int           `koanf:"failover_queue_size"`
}

// DiscoveryConfig tunes primary-node probing (internal/discovery).
type DiscoveryConfig struct {
	ConnectTimeout      time.Duration `koanf:"connect_timeout"`
	ProbeRatePerSecond  float64       `koanf:"probe_rate_per_second"`
	ProbeBurst          int           `koanf:"probe_burst"`
	BreakerMaxRequests  uint32        `koanf:"breaker_max_requests"`
	BreakerOpenInterval time.Duration `koanf:"breaker_open_interval"`
	BreakerTimeout      time.Duration `koanf:"breaker_timeout"`
}

// ListenConfig controls the sockets opened by internal/netlisten.
type ListenConfig struct {
	SocketDir               string           `koanf:"socket_dir"`
	Port                    int              `koanf:"port"`
	Addresses               []ListenerConfig `koanf:"addresses"`
	NumInitChildren         int              `koanf:"num_init_children"`
	ListenBacklogMultiplier int              `koanf:"listen_backlog_multiplier"`
}

// WatchdogConfig addresses the external watchdog/peer cluster
// (internal/watchdog, internal/peersync).
type WatchdogConfig struct {
	Enabled      bool          `koanf:"enabled"`
	NodeName     string        `koanf:"node_name"`
	NATSURL      string        `koanf:"nats_url"`
	LockTimeout  time.Duration `koanf:"lock_timeout"`
	SyncInterval time.Duration `koanf:"peer_sync_interval"`
}

// AuditConfig addresses the durable failover journal (internal/audit).
type AuditConfig struct {
	Path string `koanf:"path"`
}

// AdminConfig addresses the HTTP/WS admin surface
// (internal/adminhttp, internal/adminws).
type AdminConfig struct {
	ListenAddress    string   `koanf:"listen_address"`
	CORSOrigins      []string `koanf:"cors_origins"`
	RateLimitPerMin  int      `koanf:"rate_limit_per_minute"`
	SwaggerEnabled   bool     `koanf:"swagger_enabled"`
}

// LoggingConfig controls internal/logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "json" or "console"
}

// Config is the supervisor's complete configuration tree.
type Config struct {
	Backends  []BackendConfig `koanf:"backends"`
	Listen    ListenConfig    `koanf:"listen"`
	Failover  FailoverConfig  `koanf:"failover"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Watchdog  WatchdogConfig  `koanf:"watchdog"`
	Audit     AuditConfig     `koanf:"audit"`
	Admin     AdminConfig     `koanf:"admin"`
	Logging   LoggingConfig   `koanf:"logging"`

	StatusFilePath string `koanf:"status_file_path"`
}

// defaultConfig returns sensible defaults, applied before the config file
// and environment layers (spec.md §3 defaults: queue size 10, etc). The
// 10000 listen backlog cap is not a config value; it is
// netlisten.MaxBacklog.
func defaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			SocketDir:               "/tmp",
			Port:                    9999,
			NumInitChildren:         32,
			ListenBacklogMultiplier: 2,
		},
		Failover: FailoverConfig{
			StreamingMode:        true,
			DetachFalsePrimary:   false,
			SearchPrimaryTimeout: 10 * time.Second,
			QueueSize:            10,
		},
		Discovery: DiscoveryConfig{
			ConnectTimeout:      3 * time.Second,
			ProbeRatePerSecond:  5,
			ProbeBurst:          5,
			BreakerMaxRequests:  1,
			BreakerOpenInterval: 60 * time.Second,
			BreakerTimeout:      10 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Enabled:      false,
			LockTimeout:  5 * time.Second,
			SyncInterval: 10 * time.Second,
		},
		Audit: AuditConfig{
			Path: "/var/lib/pgpool-go/audit",
		},
		Admin: AdminConfig{
			ListenAddress:   "0.0.0.0:9898",
			CORSOrigins:     []string{"*"},
			RateLimitPerMin: 120,
			SwaggerEnabled:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		StatusFilePath: "/var/lib/pgpool-go/pgpool_status",
	}
}

// envTransformFunc maps legacy-flavored PGSUPERVISOR_* environment
// variable names to koanf dot paths. Unmapped variables are dropped
// rather than polluting the tree with arbitrary env noise.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(strings.ToLower(key), "pgsupervisor_")

	mappings := map[string]string{
		"listen_socket_dir":          "listen.socket_dir",
		"listen_port":                "listen.port",
		"listen_num_init_children":   "listen.num_init_children",
		"listen_backlog_multiplier":  "listen.listen_backlog_multiplier",
		"streaming_mode":             "failover.streaming_mode",
		"detach_false_primary":       "failover.detach_false_primary",
		"failover_command":           "failover.failover_command",
		"failback_command":           "failover.failback_command",
		"follow_primary_command":     "failover.follow_primary_command",
		"search_primary_node_timeout": "failover.search_primary_node_timeout",
		"failover_queue_size":        "failover.failover_queue_size",
		"discovery_connect_timeout":  "discovery.connect_timeout",
		"watchdog_enabled":           "watchdog.enabled",
		"watchdog_node_name":         "watchdog.node_name",
		"watchdog_nats_url":          "watchdog.nats_url",
		"audit_path":                 "audit.path",
		"admin_listen_address":       "admin.listen_address",
		"admin_cors_origins":         "admin.cors_origins",
		"log_level":                  "logging.level",
		"log_format":                 "logging.format",
		"status_file_path":           "status_file_path",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}

// sliceConfigPaths names the fields that must be split from a
// comma-separated env var string into a slice, since env.Provider always
// yields plain strings.
var sliceConfigPaths = []string{
	"admin.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("config: set %s: %w", path, err)
			}
		}
	}
	return nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load reads configuration layered as defaults -> optional YAML file ->
// environment variables (highest priority), then validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("PGSUPERVISOR_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return cfg, nil
}

// LoadFile loads configuration from exactly one YAML file, skipping the
// default-path search and environment layer. Used by tests where the
// path is already known; the SIGHUP reload path calls Load instead.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load file %s: %w", path, err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate enforces the invariants spec.md §7 treats as configuration
// errors: at least one backend, no duplicate backend host:port pairs, and
// a search-primary timeout that is actually positive.
func (c *Config) Validate() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("config: at least one backend must be configured")
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Host == "" {
			return fmt.Errorf("config: backend[%d]: host is required", i)
		}
		if b.Port <= 0 {
			return fmt.Errorf("config: backend[%d]: port must be positive", i)
		}
		key := fmt.Sprintf("%s:%d", b.Host, b.Port)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("config: backend[%d]: duplicate host:port %s", i, key)
		}
		seen[key] = struct{}{}
	}
	if c.Failover.SearchPrimaryTimeout <= 0 {
		return fmt.Errorf("config: failover.search_primary_node_timeout must be positive")
	}
	if c.Failover.QueueSize <= 0 {
		return fmt.Errorf("config: failover.failover_queue_size must be positive")
	}
	return nil
}
