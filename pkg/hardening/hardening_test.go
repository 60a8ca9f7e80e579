package hardening

import (
	"strings"
	"testing"

	"returnflow/pkg/config"
)

func prodConfig() *config.Config {
	cfg := config.Default()
	cfg.Environment = "production"
	cfg.Storage = "postgres"
	cfg.Database.RequireTLS = true
	cfg.Redis.Addr = "redis:6379"
	cfg.Redis.RequireTLS = true
	cfg.Audit.HashSalt = "pepper"
	cfg.Gateway.CORSAllowedOrigins = "https://ops.example.com"
	return cfg
}

func TestValidateProductionAccepts(t *testing.T) {
	if err := ValidateProduction("gateway", prodConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dev := config.Default()
	if err := ValidateProduction("gateway", dev); err != nil {
		t.Fatalf("dev must not be checked: %v", err)
	}
	relaxed := prodConfig()
	relaxed.Gateway.StrictProdSecurity = false
	relaxed.Database.RequireTLS = false
	if err := ValidateProduction("gateway", relaxed); err != nil {
		t.Fatalf("strict mode off must skip checks: %v", err)
	}
}

func TestValidateProductionRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"db_tls", func(c *config.Config) { c.Database.RequireTLS = false }, "database.require_tls"},
		{"redis_tls", func(c *config.Config) { c.Redis.RequireTLS = false }, "redis.require_tls"},
		{"redis_insecure", func(c *config.Config) { c.Redis.InsecureSkipVerify = true }, "insecure redis"},
		{"salt", func(c *config.Config) { c.Audit.HashSalt = "" }, "hash_salt"},
		{"cors_empty", func(c *config.Config) { c.Gateway.CORSAllowedOrigins = " , " }, "explicit"},
		{"cors_wildcard", func(c *config.Config) { c.Gateway.CORSAllowedOrigins = "*" }, "wildcard"},
		{"cors_localhost", func(c *config.Config) { c.Gateway.CORSAllowedOrigins = "https://localhost:3000" }, "localhost"},
		{"cors_http", func(c *config.Config) { c.Gateway.CORSAllowedOrigins = "http://ops.example.com" }, "https"},
	}
	for _, tt := range tests {
		cfg := prodConfig()
		tt.mutate(cfg)
		err := ValidateProduction("gateway", cfg)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected %q, got %v", tt.name, tt.want, err)
		}
	}
}
