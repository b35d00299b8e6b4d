package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Snapshot sources.
const (
	SourcePostgres = "postgres"
	SourceFHIR     = "fhir"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	Env              string        `mapstructure:"ENV"`
	DatabaseURL      string        `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant    string        `mapstructure:"DEFAULT_TENANT"`
	SnapshotSource   string        `mapstructure:"SNAPSHOT_SOURCE"`
	FHIRBaseURL      string        `mapstructure:"FHIR_BASE_URL"`
	FetchTimeout     time.Duration `mapstructure:"FETCH_TIMEOUT"`
	MaxCriteriaDepth int           `mapstructure:"MAX_CRITERIA_DEPTH"`
	AbsentDataPolicy string        `mapstructure:"ABSENT_DATA_POLICY"`
	CodingTablePath  string        `mapstructure:"CODING_TABLE_PATH"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	AuthIssuer       string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL      string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience     string        `mapstructure:"AUTH_AUDIENCE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"SNAPSHOT_SOURCE", "FHIR_BASE_URL", "FETCH_TIMEOUT", "MAX_CRITERIA_DEPTH",
	"ABSENT_DATA_POLICY", "CODING_TABLE_PATH", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
}

// Load reads configuration from the environment, overlaid on an optional
// .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("SNAPSHOT_SOURCE", SourcePostgres)
	v.SetDefault("FETCH_TIMEOUT", "5s")
	v.SetDefault("MAX_CRITERIA_DEPTH", 10)
	v.SetDefault("ABSENT_DATA_POLICY", "not_met")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is complete for the selected
// snapshot source and safe to run outside development.
func (c *Config) Validate() error {
	switch c.SnapshotSource {
	case SourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when SNAPSHOT_SOURCE is %q", SourcePostgres)
		}
	case SourceFHIR:
		if c.FHIRBaseURL == "" {
			return fmt.Errorf("FHIR_BASE_URL is required when SNAPSHOT_SOURCE is %q", SourceFHIR)
		}
	default:
		return fmt.Errorf("SNAPSHOT_SOURCE must be %q or %q, got %q", SourcePostgres, SourceFHIR, c.SnapshotSource)
	}

	switch c.AbsentDataPolicy {
	case "not_met", "indeterminate":
	default:
		return fmt.Errorf("ABSENT_DATA_POLICY must be \"not_met\" or \"indeterminate\", got %q", c.AbsentDataPolicy)
	}

	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive, got %s", c.FetchTimeout)
	}
	if c.MaxCriteriaDepth <= 0 {
		return fmt.Errorf("MAX_CRITERIA_DEPTH must be positive, got %d", c.MaxCriteriaDepth)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set outside development (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	return nil
}
