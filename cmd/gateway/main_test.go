package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"returnflow/pkg/app"
	"returnflow/pkg/config"
	"returnflow/pkg/store"
	"returnflow/pkg/telemetry"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Redis = store.RedisConfig{}
	cfg.Gateway.Addr = "127.0.0.1:0"
	cfg.Gateway.MetricsInterval = 0
	return cfg
}

func noTelemetry(ctx context.Context, cfg telemetry.Config) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func memoryBuild(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.Build(ctx, cfg, app.Openers{})
}

func TestMainDirectGateway(t *testing.T) {
	origLogFatalf := logFatalf
	origLoad := loadConfigG
	origInitTelemetry := initTelemetryG
	origBuild := buildAppG
	origListen := listenFnG
	defer func() {
		logFatalf = origLogFatalf
		loadConfigG = origLoad
		initTelemetryG = origInitTelemetry
		buildAppG = origBuild
		listenFnG = origListen
	}()

	t.Run("success path", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		loadConfigG = func(string) (*config.Config, error) { return memoryConfig(), nil }
		initTelemetryG = noTelemetry
		buildAppG = memoryBuild
		listenFnG = func(server *http.Server) error { return nil }
		main()
		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
	})

	t.Run("error path calls logFatalf", func(t *testing.T) {
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		loadConfigG = func(string) (*config.Config, error) { return nil, errors.New("bad config") }
		main()
		if !fatalCalled {
			t.Fatal("logFatalf should be called on error")
		}
	})
}

func TestRunGatewayEdges(t *testing.T) {
	load := func(string) (*config.Config, error) { return memoryConfig(), nil }
	listenOK := func(*http.Server) error { return nil }

	t.Run("telemetry error", func(t *testing.T) {
		err := runGateway("", load, func(context.Context, telemetry.Config) (func(context.Context) error, error) {
			return nil, errors.New("telemetry failed")
		}, memoryBuild, listenOK)
		if err == nil {
			t.Fatal("expected telemetry error")
		}
	})

	t.Run("build error", func(t *testing.T) {
		err := runGateway("", load, noTelemetry, func(context.Context, *config.Config) (*app.App, error) {
			return nil, errors.New("no database")
		}, listenOK)
		if err == nil || err.Error() != "no database" {
			t.Fatalf("expected build error, got %v", err)
		}
	})

	t.Run("production hardening", func(t *testing.T) {
		prod := func(string) (*config.Config, error) {
			cfg := memoryConfig()
			cfg.Environment = "production"
			cfg.Gateway.CORSAllowedOrigins = "*"
			return cfg, nil
		}
		if err := runGateway("", prod, noTelemetry, memoryBuild, listenOK); err == nil {
			t.Fatal("expected hardening error for wildcard CORS in production")
		}
	})

	t.Run("nil listen", func(t *testing.T) {
		if err := runGateway("", load, noTelemetry, memoryBuild, nil); err == nil {
			t.Fatal("expected error for nil listen")
		}
	})

	t.Run("server settings", func(t *testing.T) {
		var got *http.Server
		err := runGateway("", load, noTelemetry, memoryBuild, func(s *http.Server) error {
			got = s
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if got.Addr != "127.0.0.1:0" || got.ReadHeaderTimeout == 0 || got.Handler == nil {
			t.Fatalf("unexpected server %+v", got)
		}
	})
}

func TestSplitList(t *testing.T) {
	got := splitList(" a.example.com, ,b.example.com ")
	if len(got) != 2 || got[0] != "a.example.com" || got[1] != "b.example.com" {
		t.Fatalf("unexpected %v", got)
	}
	if splitList("  ") != nil {
		t.Fatal("expected nil for blank list")
	}
}
