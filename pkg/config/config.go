package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"returnflow/pkg/statebus"
	"returnflow/pkg/store"
	"returnflow/pkg/telemetry"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: RETURNFLOW_CONTROL__RATE_LIMIT sets control.rate_limit.
const EnvPrefix = "RETURNFLOW_"

type Config struct {
	Environment string               `koanf:"environment"`
	Storage     string               `koanf:"storage"`
	Gateway     GatewayConfig        `koanf:"gateway"`
	Control     ControlConfig        `koanf:"control"`
	Engine      EngineConfig         `koanf:"engine"`
	Policy      PolicyConfig         `koanf:"policy"`
	Triage      TriageConfig         `koanf:"triage"`
	Audit       AuditConfig          `koanf:"audit"`
	Redis       store.RedisConfig    `koanf:"redis"`
	Database    store.PostgresConfig `koanf:"database"`
	Kafka       statebus.KafkaConfig `koanf:"kafka"`
	Telemetry   telemetry.Config     `koanf:"telemetry"`
}

type GatewayConfig struct {
	Addr               string        `koanf:"addr"`
	CORSAllowedOrigins string        `koanf:"cors_allowed_origins"`
	WSAllowedOrigins   string        `koanf:"ws_allowed_origins"`
	BodyLimit          int64         `koanf:"body_limit"`
	DecisionDedupTTL   time.Duration `koanf:"decision_dedup_ttl"`
	StrictProdSecurity bool          `koanf:"strict_prod_security"`
	MetricsInterval    time.Duration `koanf:"metrics_interval"`
}

type ControlConfig struct {
	RateLimit        int           `koanf:"rate_limit"`
	RateWindow       time.Duration `koanf:"rate_window"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerOpenFor   time.Duration `koanf:"breaker_open_for"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	RedisRateLimit   bool          `koanf:"redis_rate_limit"`
}

type EngineConfig struct {
	StageTimeout time.Duration `koanf:"stage_timeout"`
	AgentID      string        `koanf:"agent_id"`
	UserRole     string        `koanf:"user_role"`
}

type PolicyConfig struct {
	CacheTTL time.Duration `koanf:"cache_ttl"`
	SeedFile string        `koanf:"seed_file"`
}

type TriageConfig struct {
	Provider    string        `koanf:"provider"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	RiskURL     string        `koanf:"risk_url"`
	RiskRetries int           `koanf:"risk_retries"`
	Timeout     time.Duration `koanf:"timeout"`
}

type AuditConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Redact   bool   `koanf:"redact"`
	HashSalt string `koanf:"hash_salt"`
}

func Default() *Config {
	return &Config{
		Environment: "dev",
		Storage:     "memory",
		Gateway: GatewayConfig{
			Addr:               ":8080",
			BodyLimit:          1 << 20,
			DecisionDedupTTL:   10 * time.Minute,
			StrictProdSecurity: true,
			MetricsInterval:    15 * time.Second,
		},
		Control: ControlConfig{
			RateLimit:        100,
			RateWindow:       time.Minute,
			BreakerThreshold: 5,
			BreakerOpenFor:   60 * time.Second,
			RequestTimeout:   10 * time.Second,
		},
		Engine: EngineConfig{
			StageTimeout: 15 * time.Second,
			AgentID:      "decision-engine",
			UserRole:     "system",
		},
		Policy: PolicyConfig{CacheTTL: 5 * time.Minute},
		Triage: TriageConfig{
			Provider:    "rules",
			Model:       "gpt-4o-mini",
			APIKey:      os.Getenv("OPENAI_API_KEY"),
			RiskRetries: 2,
			Timeout:     10 * time.Second,
		},
		Audit:     AuditConfig{Redact: true},
		Redis:     store.RedisConfigFromEnv(),
		Database:  store.PostgresConfigFromEnv(),
		Kafka:     statebus.KafkaConfig{Topic: "return-events", GroupID: "returnflow-worker", ResultTopic: "return-decisions"},
		Telemetry: telemetry.ConfigFromEnv("returnflow"),
	}
}

// Load starts from Default, overlays the YAML file at path when it exists,
// then RETURNFLOW_* environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

var validTriage = map[string]bool{"rules": true, "openai": true, "http": true}

func (c *Config) Validate() error {
	switch c.Storage {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid storage %q: must be memory or postgres", c.Storage)
	}
	if !validTriage[c.Triage.Provider] {
		return fmt.Errorf("invalid triage.provider %q: must be rules, openai or http", c.Triage.Provider)
	}
	if c.Triage.Provider == "openai" && c.Triage.APIKey == "" {
		return fmt.Errorf("triage.provider openai requires triage.api_key or OPENAI_API_KEY")
	}
	if c.Triage.Provider == "http" && c.Triage.RiskURL == "" {
		return fmt.Errorf("triage.provider http requires triage.risk_url")
	}
	if c.Control.RateLimit <= 0 || c.Control.RateWindow <= 0 {
		return fmt.Errorf("control.rate_limit and control.rate_window must be positive")
	}
	if c.Control.BreakerThreshold <= 0 || c.Control.BreakerOpenFor <= 0 {
		return fmt.Errorf("control.breaker_threshold and control.breaker_open_for must be positive")
	}
	if c.Engine.StageTimeout <= 0 {
		return fmt.Errorf("engine.stage_timeout must be positive")
	}
	return nil
}
