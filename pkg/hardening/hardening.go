package hardening

import (
	"fmt"
	"strings"

	"returnflow/pkg/config"
)

// ValidateProduction refuses configurations that would run a production-like
// environment with plaintext stores, open CORS or unsalted audit hashing.
func ValidateProduction(service string, cfg *config.Config) error {
	if cfg == nil || !isProductionLike(cfg.Environment) || !cfg.Gateway.StrictProdSecurity {
		return nil
	}
	if strings.TrimSpace(service) == "" {
		service = "service"
	}
	if cfg.Storage == "postgres" && !cfg.Database.RequireTLS {
		return fmt.Errorf("%s: production requires database.require_tls", service)
	}
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		if !cfg.Redis.RequireTLS {
			return fmt.Errorf("%s: production requires redis.require_tls", service)
		}
		if cfg.Redis.InsecureSkipVerify || cfg.Redis.AllowInsecureTLS {
			return fmt.Errorf("%s: production forbids insecure redis tls", service)
		}
	}
	if cfg.Audit.Redact && strings.TrimSpace(cfg.Audit.HashSalt) == "" {
		return fmt.Errorf("%s: production requires audit.hash_salt when redaction is on", service)
	}
	return validateCORSOrigins(cfg.Gateway.CORSAllowedOrigins, service)
}

func validateCORSOrigins(raw, service string) error {
	valid := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		valid++
		switch {
		case o == "*":
			return fmt.Errorf("%s: production forbids wildcard CORS origin", service)
		case strings.Contains(o, "://localhost") || strings.Contains(o, "://127.0.0.1"):
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, origin)
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("%s: production requires https CORS origins, got %q", service, origin)
		}
	}
	if valid == 0 {
		return fmt.Errorf("%s: production requires explicit gateway.cors_allowed_origins", service)
	}
	return nil
}

func isProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
