package store

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisConfigFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "cache.internal:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("REDIS_TLS_SERVER_NAME", "cache.internal")
	cfg := RedisConfigFromEnv()
	if cfg.Addr != "cache.internal:6380" || cfg.DB != 3 || !cfg.TLS || cfg.ServerName != "cache.internal" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	tc, err := cfg.tlsConfig()
	if err != nil || tc == nil || tc.ServerName != "cache.internal" {
		t.Fatalf("unexpected tls config: %+v %v", tc, err)
	}
}

func TestRedisTLSConfigRejectsUnsafeCombos(t *testing.T) {
	tests := []struct {
		name string
		cfg  RedisConfig
		want string
	}{
		{name: "insecure_without_ack", cfg: RedisConfig{TLS: true, InsecureSkipVerify: true}, want: "allow_insecure_tls"},
		{name: "cert_without_key", cfg: RedisConfig{TLS: true, CertFile: "/tmp/c.pem"}, want: "together"},
		{name: "missing_ca", cfg: RedisConfig{TLS: true, CACertFile: "/nonexistent/ca.pem"}, want: "read redis ca cert"},
	}
	for _, tt := range tests {
		if _, err := tt.cfg.tlsConfig(); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}
	if tc, err := (RedisConfig{}).tlsConfig(); tc != nil || err != nil {
		t.Fatalf("expected no tls when disabled, got %+v %v", tc, err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	_ = client.Close()

	if _, err := NewRedis(context.Background(), RedisConfig{Addr: mr.Addr(), RequireTLS: true}); err == nil {
		t.Fatal("expected require_tls without tls to fail")
	}
}
