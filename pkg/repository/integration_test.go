//go:build integration

package repository

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"returnflow/pkg/models"
)

// Run with: go test -tags=integration -timeout 120s ./pkg/repository/...
func TestPostgresStoreWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("returnflow"),
		postgres.WithUsername("returnflow"),
		postgres.WithPassword("returnflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	s := NewPostgres(pool)
	if _, err := s.SavePolicy(ctx, models.Policy{ID: "p1", BusinessID: "b1", Version: "1", Active: true, Rules: models.PolicyRules{ReturnWindowDays: 30}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SavePolicy(ctx, models.Policy{ID: "p2", BusinessID: "b1", Version: "2", Active: true, Rules: models.PolicyRules{ReturnWindowDays: 14}}); err != nil {
		t.Fatal(err)
	}
	pol, err := s.ActivePolicy(ctx, "b1")
	if err != nil || pol.ID != "p2" {
		t.Fatalf("expected p2 active, got %+v %v", pol, err)
	}

	purchased := time.Now().UTC().Add(-48 * time.Hour).Truncate(time.Second)
	r, err := s.CreateReturn(ctx, models.ReturnRequest{
		BusinessID: "b1", OrderID: "o-1", Reason: "defective", CustomerEmail: "ann@example.com",
		OrderValue: 19.99, PurchaseDate: &purchased, EvidenceURLs: []string{"https://img/1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.GetReturn(ctx, "b1", r.PublicID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OrderValue != 19.99 || got.PurchaseDate == nil || !got.PurchaseDate.Equal(purchased) || len(got.EvidenceURLs) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	approved := models.ReturnApproved
	if _, err := s.UpdateReturn(ctx, "b1", r.PublicID, models.ReturnRequestPatch{Status: &approved}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListReturns(ctx, "b1", ReturnFilter{CustomerEmail: "ANN@example.com", Status: models.ReturnApproved})
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one approved return, got %d %v", len(list), err)
	}
	if err := s.DeleteReturn(ctx, "b1", r.PublicID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetReturn(ctx, "b1", r.PublicID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
