// Package config loads and validates all runtime configuration for the relay.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CATALOG_FILE becomes
// catalog_file in YAML.
//
// Providers, endpoints and client keys are not configured here; they live in
// the catalog file named by CATALOG_FILE.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// CatalogFile is the YAML provider catalog. Required.
	CatalogFile string

	// Redis holds the connection URL shared by affinity, RPM and cost limits.
	Redis RedisConfig

	Affinity AffinityConfig

	// Breakers configures the three breaker tiers.
	Breakers BreakersConfig

	Forwarding ForwardingConfig

	// HeaderOverrides are applied to every inbound request before forwarding.
	HeaderOverrides []HeaderOverride

	// BillingModelSource is "original" or "redirected". Default: original.
	BillingModelSource string

	Pricing PricingConfig

	// ClickHouseDSN enables the ClickHouse audit sink when set.
	ClickHouseDSN string

	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ProbeInterval is the endpoint probe period. Zero disables probing.
	ProbeInterval time.Duration

	OAuth OAuthConfig
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// AffinityConfig controls the session to provider cache.
type AffinityConfig struct {
	// Mode selects the backend:
	//   "redis"  shared by every replica (requires REDIS_URL).
	//   "memory" in-process TTL map; not shared across replicas.
	// Default: "memory".
	Mode string

	// TTL is how long a session stays bound to its provider. Default: 5m.
	TTL time.Duration
}

// BreakerTier holds the thresholds of one breaker tier.
type BreakerTier struct {
	Threshold         int
	OpenDuration      time.Duration
	HalfOpenSuccesses int
	HalfOpenTrials    int
}

// BreakersConfig configures the provider, endpoint and vendor-type tiers.
type BreakersConfig struct {
	Provider   BreakerTier
	Endpoint   BreakerTier
	VendorType BreakerTier

	// VendorTimeoutWindow is how recent every endpoint timeout must be for
	// the vendor-type aggregate to open. Default: 60s.
	VendorTimeoutWindow time.Duration
}

// ForwardingConfig controls the retry loop.
type ForwardingConfig struct {
	// MaxAttempts is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxAttempts int

	// FirstByteTimeout bounds the wait for upstream response headers.
	// Default: 60s.
	FirstByteTimeout time.Duration

	// SelectorLookupTimeout bounds affinity and endpoint lookups.
	// Default: 200ms.
	SelectorLookupTimeout time.Duration

	// UserAgentFallback is sent when the client supplied no User-Agent.
	UserAgentFallback string

	// InjectStreamUsage asks OpenAI-compatible upstreams to report usage on
	// streamed responses. Default: true.
	InjectStreamUsage bool
}

// HeaderOverride sets or removes one inbound header.
type HeaderOverride struct {
	Name  string
	Value string
	// Remove deletes the header instead of setting Value.
	Remove bool
}

// PricingConfig controls the price table.
type PricingConfig struct {
	// DBPath is the SQLite file. Default: pricing.db.
	DBPath string
	// SyncURL is the LiteLLM-format price document.
	SyncURL string
	// SyncSchedule is a cron expression. Empty disables scheduled sync.
	SyncSchedule string
	// ResyncInterval is the minimum gap between on-demand resyncs.
	ResyncInterval time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the default requests per minute per client key.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// OAuthConfig holds defaults for providers using refresh tokens.
type OAuthConfig struct {
	TokenURL string
	ClientID string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CATALOG_FILE", "catalog.yaml")
	v.SetDefault("AFFINITY_MODE", "memory")
	v.SetDefault("AFFINITY_TTL", "5m")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Breaker defaults.
	for _, tier := range []string{"PROVIDER", "ENDPOINT", "VENDOR"} {
		v.SetDefault("CB_"+tier+"_THRESHOLD", 5)
		v.SetDefault("CB_"+tier+"_OPEN_DURATION", "30s")
		v.SetDefault("CB_"+tier+"_HALF_OPEN_SUCCESSES", 2)
		v.SetDefault("CB_"+tier+"_HALF_OPEN_TRIALS", 1)
	}
	v.SetDefault("CB_ENDPOINT_THRESHOLD", 3)
	v.SetDefault("CB_VENDOR_TIMEOUT_WINDOW", "60s")

	// Forwarding defaults.
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("FIRST_BYTE_TIMEOUT", "60s")
	v.SetDefault("SELECTOR_LOOKUP_TIMEOUT", "200ms")
	v.SetDefault("INJECT_STREAM_USAGE", true)

	// Billing and pricing.
	v.SetDefault("BILLING_MODEL_SOURCE", "original")
	v.SetDefault("PRICING_DB_PATH", "pricing.db")
	v.SetDefault("PRICING_SYNC_SCHEDULE", "@every 6h")
	v.SetDefault("PRICING_RESYNC_INTERVAL", "5m")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("PROBE_INTERVAL", "30s")

	overrides, err := parseHeaderOverrides(headerOverrideEntries(v))
	if err != nil {
		return nil, err
	}

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		CatalogFile: v.GetString("CATALOG_FILE"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Affinity: AffinityConfig{
			Mode: strings.ToLower(v.GetString("AFFINITY_MODE")),
			TTL:  v.GetDuration("AFFINITY_TTL"),
		},

		Breakers: BreakersConfig{
			Provider:            breakerTier(v, "PROVIDER"),
			Endpoint:            breakerTier(v, "ENDPOINT"),
			VendorType:          breakerTier(v, "VENDOR"),
			VendorTimeoutWindow: v.GetDuration("CB_VENDOR_TIMEOUT_WINDOW"),
		},

		Forwarding: ForwardingConfig{
			MaxAttempts:           v.GetInt("MAX_ATTEMPTS"),
			FirstByteTimeout:      v.GetDuration("FIRST_BYTE_TIMEOUT"),
			SelectorLookupTimeout: v.GetDuration("SELECTOR_LOOKUP_TIMEOUT"),
			UserAgentFallback:     v.GetString("USER_AGENT_FALLBACK"),
			InjectStreamUsage:     v.GetBool("INJECT_STREAM_USAGE"),
		},

		HeaderOverrides:    overrides,
		BillingModelSource: strings.ToLower(v.GetString("BILLING_MODEL_SOURCE")),

		Pricing: PricingConfig{
			DBPath:         v.GetString("PRICING_DB_PATH"),
			SyncURL:        v.GetString("PRICING_SYNC_URL"),
			SyncSchedule:   v.GetString("PRICING_SYNC_SCHEDULE"),
			ResyncInterval: v.GetDuration("PRICING_RESYNC_INTERVAL"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),
		ProbeInterval: v.GetDuration("PROBE_INTERVAL"),

		OAuth: OAuthConfig{
			TokenURL: v.GetString("OAUTH_TOKEN_URL"),
			ClientID: v.GetString("OAUTH_CLIENT_ID"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func breakerTier(v *viper.Viper, tier string) BreakerTier {
	return BreakerTier{
		Threshold:         v.GetInt("CB_" + tier + "_THRESHOLD"),
		OpenDuration:      v.GetDuration("CB_" + tier + "_OPEN_DURATION"),
		HalfOpenSuccesses: v.GetInt("CB_" + tier + "_HALF_OPEN_SUCCESSES"),
		HalfOpenTrials:    v.GetInt("CB_" + tier + "_HALF_OPEN_TRIALS"),
	}
}

// headerOverrideEntries accepts a YAML list or a ";"-separated env value.
// Values may contain spaces, so the env form is not split on whitespace.
func headerOverrideEntries(v *viper.Viper) []string {
	if raw, ok := v.Get("HEADER_OVERRIDES").(string); ok {
		return strings.Split(raw, ";")
	}
	return v.GetStringSlice("HEADER_OVERRIDES")
}

// parseHeaderOverrides reads "Name=Value" entries. "Name=" sets an explicit
// empty value and "-Name" removes the header.
func parseHeaderOverrides(entries []string) ([]HeaderOverride, error) {
	var out []HeaderOverride
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if name, ok := strings.CutPrefix(e, "-"); ok {
			out = append(out, HeaderOverride{Name: strings.TrimSpace(name), Remove: true})
			continue
		}
		name, value, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("config: invalid HEADER_OVERRIDES entry %q; want Name=Value or -Name", e)
		}
		out = append(out, HeaderOverride{Name: strings.TrimSpace(name), Value: value})
	}
	return out, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.CatalogFile == "" {
		return fmt.Errorf("config: CATALOG_FILE is required")
	}

	switch c.Affinity.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid AFFINITY_MODE %q; must be one of: redis, memory",
			c.Affinity.Mode,
		)
	}

	// Redis URL is required when affinity lives in Redis.
	if c.Affinity.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when AFFINITY_MODE=redis; " +
				"set AFFINITY_MODE=memory to use the built-in in-process store",
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.BillingModelSource {
	case "original", "redirected":
	default:
		return fmt.Errorf(
			"config: invalid BILLING_MODEL_SOURCE %q; must be one of: original, redirected",
			c.BillingModelSource,
		)
	}

	// Breaker sanity checks.
	for name, t := range map[string]BreakerTier{
		"PROVIDER": c.Breakers.Provider,
		"ENDPOINT": c.Breakers.Endpoint,
		"VENDOR":   c.Breakers.VendorType,
	} {
		if t.Threshold < 1 {
			return fmt.Errorf("config: CB_%s_THRESHOLD must be ≥ 1, got %d", name, t.Threshold)
		}
		if t.OpenDuration <= 0 {
			return fmt.Errorf("config: CB_%s_OPEN_DURATION must be a positive duration", name)
		}
	}
	if c.Breakers.VendorTimeoutWindow <= 0 {
		return fmt.Errorf("config: CB_VENDOR_TIMEOUT_WINDOW must be a positive duration")
	}
	if c.Forwarding.MaxAttempts < 1 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be ≥ 1, got %d", c.Forwarding.MaxAttempts)
	}
	if c.Forwarding.FirstByteTimeout <= 0 {
		return fmt.Errorf("config: FIRST_BYTE_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
