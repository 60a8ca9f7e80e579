// Package app assembles the control servers, the decision engine and their
// stores from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"returnflow/pkg/audit"
	"returnflow/pkg/breaker"
	"returnflow/pkg/calls"
	"returnflow/pkg/config"
	"returnflow/pkg/controlserver"
	"returnflow/pkg/conversation"
	"returnflow/pkg/engine"
	"returnflow/pkg/metrics"
	"returnflow/pkg/policy"
	"returnflow/pkg/ratelimit"
	"returnflow/pkg/repository"
	"returnflow/pkg/requests"
	"returnflow/pkg/sessions"
	"returnflow/pkg/store"
	"returnflow/pkg/stream"
	"returnflow/pkg/triage"
)

const cachePrefix = "rf:"

// Openers make the external connections. Tests replace them.
type Openers struct {
	Redis    func(ctx context.Context, cfg store.RedisConfig) (*redis.Client, error)
	Postgres func(ctx context.Context, cfg store.PostgresConfig) (*pgxpool.Pool, error)
}

func DefaultOpeners() Openers {
	return Openers{Redis: store.NewRedis, Postgres: store.NewPostgresPool}
}

type App struct {
	Config       *config.Config
	Hub          *stream.Hub
	Sessions     *sessions.Store
	Metrics      *metrics.Registry
	Cache        store.Cache
	Repository   repository.Store
	Audit        *audit.Writer
	Requests     *requests.Server
	Policy       *policy.Server
	Conversation *conversation.Server
	Calls        *calls.Server
	Engine       *engine.Engine

	redis *redis.Client
	pool  *pgxpool.Pool
}

// Build wires everything named by cfg. Redis is optional: when it cannot be
// reached the cache and limiters stay in memory.
func Build(ctx context.Context, cfg *config.Config, open Openers) (*App, error) {
	a := &App{
		Config:   cfg,
		Hub:      stream.NewHub(),
		Sessions: sessions.NewStore(),
		Metrics:  metrics.NewRegistry(),
	}
	if cfg.Redis.Addr != "" && open.Redis != nil {
		client, err := open.Redis(ctx, cfg.Redis)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		} else {
			a.redis = client
		}
	}
	a.Cache = store.NewCache(ctx, a.redis, cachePrefix)

	if cfg.Storage == "postgres" {
		if open.Postgres == nil {
			a.Close()
			return nil, fmt.Errorf("no postgres opener")
		}
		pool, err := open.Postgres(ctx, cfg.Database)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("db: %w", err)
		}
		a.pool = pool
		if cfg.Audit.Enabled {
			a.Audit = &audit.Writer{DB: pool, HashSalt: []byte(cfg.Audit.HashSalt), Redact: cfg.Audit.Redact}
		}
	}
	repo, err := repository.Open(ctx, cfg.Storage, a.pool, cfg.Policy.SeedFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repository = repo

	analyzer, err := triage.NewAnalyzer(cfg.Triage)
	if err != nil {
		a.Close()
		return nil, err
	}
	responder, err := triage.NewResponder(cfg.Triage)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Requests = requests.New(a.serverOptions(requests.Name), repo, a.Sessions, a.Hub)
	a.Policy = policy.New(a.serverOptions(policy.Name), policy.Deps{
		Store:    repo,
		Cache:    a.Cache,
		CacheTTL: cfg.Policy.CacheTTL,
		Hub:      a.Hub,
		Sessions: a.Sessions,
	})
	a.Conversation = conversation.New(a.serverOptions(conversation.Name), a.Sessions, a.Hub)
	a.Calls = calls.New(a.serverOptions(calls.Name), a.Sessions, a.Policy, a.Hub)

	deps := engine.Deps{
		Requests:     a.Requests,
		Policy:       a.Policy,
		Calls:        a.Calls,
		Analyzer:     analyzer,
		Responder:    responder,
		Hub:          a.Hub,
		Metrics:      a.Metrics,
		StageTimeout: cfg.Engine.StageTimeout,
	}
	if a.Audit != nil {
		deps.Audit = a.Audit
	}
	a.Engine = engine.New(deps)
	return a, nil
}

// serverOptions gives every control server its own limiter and breaker, so
// an agent's budget on one server does not drain another.
func (a *App) serverOptions(name string) controlserver.Options {
	c := a.Config.Control
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(c.RateWindow)
	if c.RedisRateLimit && a.redis != nil {
		rl := ratelimit.NewRedis(a.redis, c.RateWindow)
		rl.Prefix = cachePrefix + "rl:" + name + ":"
		limiter = rl
	}
	return controlserver.Options{
		Name:      name,
		Limiter:   limiter,
		RateLimit: c.RateLimit,
		Breaker:   breaker.New(c.BreakerThreshold, c.BreakerOpenFor),
		Timeout:   c.RequestTimeout,
		Metrics:   a.Metrics,
	}
}

// Servers maps server names to their dispatchers.
func (a *App) Servers() map[string]controlserver.Caller {
	return map[string]controlserver.Caller{
		requests.Name:     a.Requests,
		policy.Name:       a.Policy,
		conversation.Name: a.Conversation,
		calls.Name:        a.Calls,
	}
}

// Close releases the Redis client and the database pool.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
