package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"returnflow/pkg/config"
	"returnflow/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context, cfg store.PostgresConfig) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, cfg)
	}
)

func main() {
	if err := runMigrator(os.Getenv("RETURNFLOW_CONFIG"), envOr("RETURNFLOW_MIGRATIONS_DIR", "migrations")); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func runMigrator(configPath, dir string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	pool, err := openDBFn(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	m := &Migrator{DB: pool, Dir: dir, Logf: log.Printf}
	_, err = m.Apply(ctx)
	return err
}

// Migrator applies *.sql files from Dir in lexical order, each in its own
// transaction. Applied files are recorded with a checksum; editing one
// afterwards is an error rather than a silent skip.
type Migrator struct {
	DB       migrationDB
	Dir      string
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Logf     func(format string, args ...any)
}

type migration struct {
	name     string
	path     string
	body     []byte
	checksum string
}

func (m *Migrator) defaults() {
	if m.ReadFile == nil {
		// #nosec G304 -- paths are checked by migrationPath before reading.
		m.ReadFile = os.ReadFile
	}
	if m.Glob == nil {
		m.Glob = filepath.Glob
	}
	if m.Logf == nil {
		m.Logf = log.Printf
	}
}

func migrationPath(dir, file string) (string, error) {
	cleanDir := filepath.Clean(dir)
	cleanFile := filepath.Clean(file)
	if !strings.HasPrefix(cleanFile, cleanDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, dir)
	}
	return cleanFile, nil
}

func checksum(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) load() ([]migration, error) {
	files, err := m.Glob(filepath.Join(filepath.Clean(m.Dir), "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)
	out := make([]migration, 0, len(files))
	for _, file := range files {
		path, err := migrationPath(m.Dir, file)
		if err != nil {
			return nil, fmt.Errorf("invalid migration path: %w", err)
		}
		body, err := m.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", path, err)
		}
		out = append(out, migration{name: filepath.Base(path), path: path, body: body, checksum: checksum(body)})
	}
	return out, nil
}

// Apply runs every pending migration and returns the names it applied.
func (m *Migrator) Apply(ctx context.Context) ([]string, error) {
	if m.DB == nil {
		return nil, errors.New("db required")
	}
	m.defaults()
	if _, err := m.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	migrations, err := m.load()
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, mig := range migrations {
		var recorded string
		err := m.DB.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, mig.name).Scan(&recorded)
		switch {
		case err == nil:
			if recorded != "" && recorded != mig.checksum {
				return applied, fmt.Errorf("migration %s changed after it was applied", mig.name)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return applied, fmt.Errorf("migration lookup: %w", err)
		}
		if err := m.applyOne(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig.name)
		m.Logf("applied migration %s", mig.name)
	}
	m.Logf("migrations up to date: %d applied, %d total", len(applied), len(migrations))
	return applied, nil
}

func (m *Migrator) applyOne(ctx context.Context, mig migration) error {
	tx, err := m.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(mig.body)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", mig.name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, mig.name, mig.checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", mig.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.name, err)
	}
	return nil
}
