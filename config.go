package datasink

import (
	"fmt"
	"time"

	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/expiration"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/idpool"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/internal/response"
	"github.com/connectedvehiclessitdat/fedgov-cv-datasink-subscription/types"
)

// Config is the configuration for the Processor.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// Region is the supported service region. Every subscription bounding box
	// must lie inside it. It is required; there is no default.
	Region *types.BoundingBox `yaml:"region"`

	// IdentityMin is the lowest subscriber identity handed out (inclusive).
	IdentityMin int `yaml:"identityMin"`

	// IdentityMax is the highest subscriber identity handed out (inclusive).
	IdentityMax int `yaml:"identityMax"`

	// ExpirationInterval is the time between expiration sweeps.
	ExpirationInterval time.Duration `yaml:"expirationInterval"`

	// NodeOrdinal is this replica's stable ordinal within the deployment.
	// With the default leader gate only ordinal 1 runs the expiration sweep.
	NodeOrdinal int `yaml:"nodeOrdinal"`

	// PollInterval bounds how long the response dispatcher waits between queue checks.
	PollInterval time.Duration `yaml:"pollInterval"`

	// ShutdownTimeout bounds the join on background workers during Stop.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// GroupID is stamped into every response.
	GroupID uint32 `yaml:"groupId"`
}

// DefaultConfig returns a Config with production defaults.
//
// The region is left unset and must be supplied by the caller.
func DefaultConfig() Config {
	return Config{
		IdentityMin:        idpool.MinID,
		IdentityMax:        idpool.MaxID,
		ExpirationInterval: expiration.DefaultInterval,
		NodeOrdinal:        1,
		PollInterval:       response.DefaultPollInterval,
		ShutdownTimeout:    5 * time.Second,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.IdentityMin == 0 {
		cfg.IdentityMin = defaults.IdentityMin
	}
	if cfg.IdentityMax == 0 {
		cfg.IdentityMax = defaults.IdentityMax
	}
	if cfg.ExpirationInterval == 0 {
		cfg.ExpirationInterval = defaults.ExpirationInterval
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	// NodeOrdinal 0 is a valid follower ordinal, so it is not defaulted.
}

// Validate checks configuration constraints.
//
// Rules:
//   - Region is set and well formed (latitudes in [-90,90], longitudes in
//     [-180,180], north-west above and left of south-east)
//   - 0 < IdentityMin <= IdentityMax
//   - ExpirationInterval, PollInterval and ShutdownTimeout are positive
//
// Returns:
//   - error: ErrRegionNotSet or an error wrapping ErrInvalidConfig
func (cfg *Config) Validate() error {
	if cfg.Region == nil {
		return ErrRegionNotSet
	}
	if !cfg.Region.WellFormed() {
		return fmt.Errorf("%w: region nw=%v se=%v is not a well-formed bounding box",
			ErrInvalidConfig, cfg.Region.NW, cfg.Region.SE)
	}
	if cfg.IdentityMin <= 0 || cfg.IdentityMin > cfg.IdentityMax {
		return fmt.Errorf("%w: identity range [%d, %d] is invalid",
			ErrInvalidConfig, cfg.IdentityMin, cfg.IdentityMax)
	}
	if cfg.ExpirationInterval <= 0 {
		return fmt.Errorf("%w: expirationInterval must be > 0, got %v", ErrInvalidConfig, cfg.ExpirationInterval)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: pollInterval must be > 0, got %v", ErrInvalidConfig, cfg.PollInterval)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdownTimeout must be > 0, got %v", ErrInvalidConfig, cfg.ShutdownTimeout)
	}

	return nil
}

// ValidateWithWarnings logs non-fatal configuration concerns.
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.ExpirationInterval < time.Second {
		logger.Warn("expirationInterval is very short, every tick scans the whole store",
			"expirationInterval", cfg.ExpirationInterval,
			"recommended", expiration.DefaultInterval)
	}
	if cfg.PollInterval > 5*time.Second {
		logger.Warn("pollInterval is long, shutdown may be slow to observe",
			"pollInterval", cfg.PollInterval)
	}
}

// TestConfig returns a configuration with fast timings for tests.
//
// The region is the default deployment region (NW 43,-85 / SE 41,-82) and
// the identity range is narrowed to a thousand values.
//
// Example:
//
//	cfg := datasink.TestConfig()
//	p, err := datasink.NewProcessor(&cfg, store.NewMemory(), datasink.WithTransport(tr))
func TestConfig() Config {
	cfg := DefaultConfig()

	cfg.Region = &types.BoundingBox{
		NW: types.Position{Lat: 43, Lon: -85},
		SE: types.Position{Lat: 41, Lon: -82},
	}
	cfg.IdentityMax = cfg.IdentityMin + 999
	cfg.ExpirationInterval = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second

	return cfg
}
