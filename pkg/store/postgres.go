package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

type PostgresConfig struct {
	URL        string `koanf:"url"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Name       string `koanf:"name"`
	SSLMode    string `koanf:"sslmode"`
	RequireTLS bool   `koanf:"require_tls"`
	MaxConns   int32  `koanf:"max_conns"`
}

// PostgresConfigFromEnv reads DATABASE_* and POSTGRES_PASSWORD.
func PostgresConfigFromEnv() PostgresConfig {
	cfg := PostgresConfig{
		URL:        strings.TrimSpace(os.Getenv("DATABASE_URL")),
		User:       strings.TrimSpace(os.Getenv("DATABASE_USER")),
		Password:   os.Getenv("POSTGRES_PASSWORD"),
		Host:       strings.TrimSpace(os.Getenv("DATABASE_HOST")),
		Name:       strings.TrimSpace(os.Getenv("DATABASE_NAME")),
		SSLMode:    strings.TrimSpace(os.Getenv("DATABASE_SSLMODE")),
		RequireTLS: envBool("DATABASE_REQUIRE_TLS"),
	}
	if p, err := strconv.Atoi(strings.TrimSpace(os.Getenv("DATABASE_PORT"))); err == nil {
		cfg.Port = p
	}
	return cfg
}

// DSN returns URL when set, otherwise a DSN assembled from the parts with
// returnflow defaults.
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	user := firstNonEmpty(c.User, "returnflow")
	host := firstNonEmpty(c.Host, "localhost")
	port := c.Port
	if port <= 0 || port > 65535 {
		port = 5432
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/" + firstNonEmpty(c.Name, "returnflow"),
	}
	if c.Password != "" {
		uri.User = url.UserPassword(user, c.Password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", firstNonEmpty(c.SSLMode, "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func NewPostgresPool(ctx context.Context, c PostgresConfig) (*pgxpool.Pool, error) {
	dsn := c.DSN()
	if c.RequireTLS {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid database url: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("database require_tls set but sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("database require_tls set without sslmode=require|verify-ca|verify-full")
	}
}

func firstNonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
