package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	EHRbaseURL           string        `mapstructure:"EHRBASE_URL"`
	EHRbaseUser          string        `mapstructure:"EHRBASE_USER"`
	EHRbasePassword      string        `mapstructure:"EHRBASE_PASSWORD"`
	EHRbaseTimeout       time.Duration `mapstructure:"EHRBASE_TIMEOUT"`
	VitalSignsTemplateID string        `mapstructure:"VITAL_SIGNS_TEMPLATE_ID"`
	ComposerName         string        `mapstructure:"COMPOSER_NAME"`
	ClockSkew            time.Duration `mapstructure:"CLOCK_SKEW"`
	TemplatesDir         string        `mapstructure:"TEMPLATES_DIR"`
	RequireTemplates     bool          `mapstructure:"REQUIRE_TEMPLATES"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"AUTH_ISSUER",
	"AUTH_JWKS_URL",
	"AUTH_AUDIENCE",
	"CORS_ORIGINS",
	"REQUEST_TIMEOUT",
	"MIGRATIONS_DIR",
	"BODY_LIMIT",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
	"EHRBASE_URL",
	"EHRBASE_USER",
	"EHRBASE_PASSWORD",
	"EHRBASE_TIMEOUT",
	"VITAL_SIGNS_TEMPLATE_ID",
	"COMPOSER_NAME",
	"CLOCK_SKEW",
	"TEMPLATES_DIR",
	"REQUIRE_TEMPLATES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("EHRBASE_URL", "http://localhost:8080/ehrbase/rest")
	v.SetDefault("EHRBASE_TIMEOUT", "10s")
	v.SetDefault("VITAL_SIGNS_TEMPLATE_ID", "open-cis.vital-signs.v1")
	v.SetDefault("COMPOSER_NAME", "Open CIS")
	v.SetDefault("CLOCK_SKEW", "5s")
	v.SetDefault("TEMPLATES_DIR", "./templates")
	v.SetDefault("REQUIRE_TEMPLATES", false)

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

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Warn().Msg("server is running in DEVELOPMENT mode (ENV=development): every request is treated as an admin; set ENV=production and AUTH_ISSUER before deploying")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set outside development (current ENV=%q)", c.Env)
	}

	u, err := url.Parse(c.EHRbaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("EHRBASE_URL must be an absolute http(s) URL, got %q", c.EHRbaseURL)
	}
	if (c.EHRbaseUser == "") != (c.EHRbasePassword == "") {
		return fmt.Errorf("EHRBASE_USER and EHRBASE_PASSWORD must be set together")
	}

	if c.EHRbaseTimeout <= 0 {
		return fmt.Errorf("EHRBASE_TIMEOUT must be positive, got %s", c.EHRbaseTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative, got %v", c.RateLimitRPS)
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("CLOCK_SKEW must not be negative, got %s", c.ClockSkew)
	}
	if c.VitalSignsTemplateID == "" {
		return fmt.Errorf("VITAL_SIGNS_TEMPLATE_ID is required")
	}
	return nil
}
