package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Addr               string `koanf:"addr"`
	Password           string `koanf:"password"`
	DB                 int    `koanf:"db"`
	TLS                bool   `koanf:"tls"`
	RequireTLS         bool   `koanf:"require_tls"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
	AllowInsecureTLS   bool   `koanf:"allow_insecure_tls"`
	ServerName         string `koanf:"server_name"`
	CACertFile         string `koanf:"ca_cert_file"`
	CertFile           string `koanf:"cert_file"`
	KeyFile            string `koanf:"key_file"`
}

// RedisConfigFromEnv reads the REDIS_* variables.
func RedisConfigFromEnv() RedisConfig {
	cfg := RedisConfig{
		Addr:               strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		Password:           os.Getenv("REDIS_PASSWORD"),
		TLS:                envBool("REDIS_TLS"),
		RequireTLS:         envBool("REDIS_REQUIRE_TLS"),
		InsecureSkipVerify: envBool("REDIS_TLS_INSECURE"),
		AllowInsecureTLS:   envBool("REDIS_ALLOW_INSECURE_TLS"),
		ServerName:         strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME")),
		CACertFile:         strings.TrimSpace(os.Getenv("REDIS_TLS_CA_CERT_FILE")),
		CertFile:           strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE")),
		KeyFile:            strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE")),
	}
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			cfg.DB = parsed
		}
	}
	return cfg
}

func NewRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	tlsConfig, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	if cfg.RequireTLS && tlsConfig == nil {
		return nil, fmt.Errorf("redis require_tls set but tls is not enabled")
	}
	client := redis.NewClient(&redis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (cfg RedisConfig) tlsConfig() (*tls.Config, error) {
	if !cfg.TLS {
		return nil, nil
	}
	out := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.ServerName}
	if cfg.InsecureSkipVerify {
		if !cfg.AllowInsecureTLS {
			return nil, fmt.Errorf("redis insecure_skip_verify requires allow_insecure_tls")
		}
		out.InsecureSkipVerify = true
	}
	if cfg.CACertFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(cfg.CACertFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis ca cert: no valid certificates")
		}
		out.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("redis client cert and key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis client keypair: %w", err)
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

func envBool(key string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
