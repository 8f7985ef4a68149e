package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	datasink "github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/election"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/ingest"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/store"
)

// EnvNodeOrdinal overrides engine.nodeOrdinal, typically set from the pod ordinal.
const EnvNodeOrdinal = "SUBSCRIPTIOND_NODE_ORDINAL"

// Store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendPebble = "pebble"
)

// Leader modes.
const (
	LeaderModeOrdinal  = "ordinal"
	LeaderModeElection = "election"
	LeaderModeClaim    = "claim"
)

// Config is the root service configuration.
type Config struct {
	Engine    datasink.Config `yaml:"engine"`
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Ingest    ingest.Config   `yaml:"ingest"`
	Leader    LeaderConfig    `yaml:"leader"`
	Replica   ReplicaConfig   `yaml:"replica"`
	Transport TransportConfig `yaml:"transport"`
	Security  SecurityConfig  `yaml:"security"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects and configures the subscription store.
type StoreConfig struct {
	Backend string            `yaml:"backend"` // "memory", "nats", "pebble"
	NATS    store.NATSConfig  `yaml:"nats"`
	Pebble  PebbleStoreConfig `yaml:"pebble"`
}

// PebbleStoreConfig configures the embedded Pebble store.
type PebbleStoreConfig struct {
	Dir           string        `yaml:"dir"`
	Fsync         string        `yaml:"fsync"` // "always", "interval", "never"
	FsyncInterval time.Duration `yaml:"fsyncInterval"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// LeaderConfig selects how the sweeper leader is chosen.
//
// "ordinal" trusts engine.nodeOrdinal, "claim" claims the lowest free
// ordinal from the replica bucket, and "election" campaigns for a lease.
type LeaderConfig struct {
	Mode          string        `yaml:"mode"` // "ordinal", "claim", "election"
	InstanceID    string        `yaml:"instanceId"`
	Bucket        string        `yaml:"bucket"`
	Key           string        `yaml:"key"`
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renewInterval"`
}

// ReplicaConfig configures the shared replica bucket.
type ReplicaConfig struct {
	// Status publishes this replica's status document when true.
	Status     bool          `yaml:"status"`
	Bucket     string        `yaml:"bucket"`
	TTL        time.Duration `yaml:"ttl"`
	Interval   time.Duration `yaml:"interval"`
	MaxOrdinal int           `yaml:"maxOrdinal"`
}

// TransportConfig configures response delivery.
type TransportConfig struct {
	// Forwarder is the host:port of the forwarding relay; empty disables it.
	Forwarder string `yaml:"forwarder"`
}

// SecurityConfig controls response encryption.
type SecurityConfig struct {
	Encrypt bool `yaml:"encrypt"`
}

// AuditConfig configures the hash-chained audit log. An empty Dir disables it.
type AuditConfig struct {
	Dir string `yaml:"dir"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads, defaults and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := os.LookupEnv(EnvNodeOrdinal); ok && v != "" {
		ordinal, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvNodeOrdinal, err)
		}
		cfg.Engine.NodeOrdinal = ordinal
	}

	return nil
}

func applyDefaults(cfg *Config) {
	datasink.SetDefaults(&cfg.Engine)

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Name == "" {
		cfg.NATS.Name = "subscriptiond"
	}

	ingestDefaults := ingest.DefaultConfig()
	if cfg.Ingest.Subject == "" {
		cfg.Ingest.Subject = ingestDefaults.Subject
	}
	if cfg.Ingest.Queue == "" {
		cfg.Ingest.Queue = ingestDefaults.Queue
	}
	if cfg.Ingest.MaxRetries == 0 {
		cfg.Ingest.MaxRetries = ingestDefaults.MaxRetries
	}
	if cfg.Ingest.RetryBase == 0 {
		cfg.Ingest.RetryBase = ingestDefaults.RetryBase
	}
	if cfg.Ingest.RetryCap == 0 {
		cfg.Ingest.RetryCap = ingestDefaults.RetryCap
	}
	if cfg.Ingest.RetryMultiplier == 0 {
		cfg.Ingest.RetryMultiplier = ingestDefaults.RetryMultiplier
	}

	if cfg.Leader.Mode == "" {
		cfg.Leader.Mode = LeaderModeOrdinal
	}
	if cfg.Leader.Bucket == "" {
		cfg.Leader.Bucket = "subscription-leader"
	}
	if cfg.Leader.Key == "" {
		cfg.Leader.Key = "expiration-sweeper"
	}
	if cfg.Leader.RenewInterval == 0 {
		cfg.Leader.RenewInterval = election.DefaultRenewInterval
	}
	if cfg.Leader.TTL == 0 {
		cfg.Leader.TTL = 3 * cfg.Leader.RenewInterval
	}

	if cfg.Replica.Bucket == "" {
		cfg.Replica.Bucket = "subscription-replicas"
	}
	if cfg.Replica.Interval == 0 {
		cfg.Replica.Interval = 5 * time.Second
	}
	if cfg.Replica.TTL == 0 {
		cfg.Replica.TTL = 3 * cfg.Replica.Interval
	}
	if cfg.Replica.MaxOrdinal == 0 {
		cfg.Replica.MaxOrdinal = 16
	}

	if cfg.Transport.Forwarder == "" {
		cfg.Transport.Forwarder = "127.0.0.1:46761"
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "datasink"
	}
}

func validateConfig(cfg *Config) error {
	if err := cfg.Engine.Validate(); err != nil {
		return err
	}

	switch cfg.Store.Backend {
	case BackendMemory, BackendNATS:
	case BackendPebble:
		if cfg.Store.Pebble.Dir == "" {
			return errors.New("store.pebble.dir is required for the pebble backend")
		}
		if _, err := fsyncMode(cfg.Store.Pebble.Fsync); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown store backend: %s", cfg.Store.Backend)
	}

	switch cfg.Leader.Mode {
	case LeaderModeOrdinal, LeaderModeClaim:
	case LeaderModeElection:
		if cfg.Leader.TTL <= cfg.Leader.RenewInterval {
			return fmt.Errorf("leader.ttl (%v) must exceed leader.renewInterval (%v)",
				cfg.Leader.TTL, cfg.Leader.RenewInterval)
		}
	default:
		return fmt.Errorf("unknown leader mode: %s", cfg.Leader.Mode)
	}

	if cfg.Replica.TTL <= cfg.Replica.Interval {
		return fmt.Errorf("replica.ttl (%v) must exceed replica.interval (%v)",
			cfg.Replica.TTL, cfg.Replica.Interval)
	}
	if cfg.Replica.MaxOrdinal < 1 {
		return fmt.Errorf("replica.maxOrdinal must be >= 1, got %d", cfg.Replica.MaxOrdinal)
	}

	return nil
}

func fsyncMode(s string) (store.FsyncMode, error) {
	switch s {
	case "", "interval":
		return store.FsyncModeInterval, nil
	case "always":
		return store.FsyncModeAlways, nil
	case "never":
		return store.FsyncModeNever, nil
	default:
		return 0, fmt.Errorf("unknown fsync mode: %s", s)
	}
}
