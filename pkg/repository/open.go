package repository

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open returns the store named by storage ("memory" or "postgres"). The
// Postgres store runs on pool, which stays owned by the caller. A non-empty
// seedFile is loaded into the store.
func Open(ctx context.Context, storage string, pool *pgxpool.Pool, seedFile string) (Store, error) {
	var s Store
	switch storage {
	case "", "memory":
		s = NewMemory()
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("postgres storage needs a database pool")
		}
		s = NewPostgres(pool)
	default:
		return nil, fmt.Errorf("unknown storage %q", storage)
	}
	if seedFile != "" {
		policies, err := LoadPoliciesYAML(seedFile)
		if err != nil {
			return nil, err
		}
		if err := SeedPolicies(ctx, s, policies); err != nil {
			return nil, err
		}
		log.Printf("seeded %d policies from %s", len(policies), seedFile)
	}
	return s, nil
}
