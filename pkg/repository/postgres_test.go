package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"returnflow/pkg/models"
)

type execCall struct {
	sql  string
	args []any
}

type fakePG struct {
	execs    []execCall
	execErr  error
	affected int64
	rows     [][]any
	rowErr   error
	querySQL string
	args     []any
	tx       *fakeTx
}

func (f *fakePG) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql, args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", f.affected)), nil
}

func (f *fakePG) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	f.querySQL, f.args = sql, args
	if f.rowErr != nil {
		return fakeRow{err: f.rowErr}
	}
	if len(f.rows) == 0 {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{values: f.rows[0]}
}

func (f *fakePG) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.querySQL, f.args = sql, args
	return &fakeRows{rows: f.rows, idx: -1}, nil
}

func (f *fakePG) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.tx == nil {
		f.tx = &fakeTx{}
	}
	return f.tx, nil
}

type fakeTx struct {
	pgx.Tx
	execs     []string
	failOn    string
	committed bool
	rolled    bool
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("boom")
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolled = true
	return nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx < len(r.rows)
}
func (r *fakeRows) Scan(dest ...any) error { return assign(dest, r.rows[r.idx]) }
func (r *fakeRows) Values() ([]any, error) { return r.rows[r.idx], nil }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

func assign(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = values[i].(string)
		case *bool:
			*d = values[i].(bool)
		case *float64:
			*d = values[i].(float64)
		case *[]string:
			*d = values[i].([]string)
		case *[]byte:
			*d = []byte(values[i].(string))
		case *time.Time:
			*d = values[i].(time.Time)
		case **time.Time:
			if values[i] == nil {
				*d = nil
			} else {
				v := values[i].(time.Time)
				*d = &v
			}
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

var pgNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func returnRow(id, status string) []any {
	return []any{id, "b1", "o-1", "ann@example.com", "defective", "", 42.5,
		pgNow.Add(-72 * time.Hour), "shoes", []string{"https://img/1"}, status, "", "", 0.0,
		"", pgNow, pgNow}
}

func newTestPostgres(db *fakePG) *Postgres {
	p := NewPostgres(db)
	p.Now = func() time.Time { return pgNow }
	return p
}

func TestPostgresCreateReturn(t *testing.T) {
	db := &fakePG{}
	p := newTestPostgres(db)
	r, err := p.CreateReturn(context.Background(), models.ReturnRequest{BusinessID: "b1", OrderID: "o-1", Reason: "defective"})
	if err != nil {
		t.Fatal(err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "INSERT INTO return_requests") || len(db.execs[0].args) != 17 {
		t.Fatalf("unexpected insert: %+v", db.execs)
	}
	if db.execs[0].args[0] != r.PublicID || db.execs[0].args[10] != "pending" {
		t.Fatalf("unexpected insert args: %v", db.execs[0].args)
	}

	db.execErr = &pgconn.PgError{Code: "23505"}
	if _, err := p.CreateReturn(context.Background(), r); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("unique violation should be invalid request, got %v", err)
	}
}

func TestPostgresGetReturn(t *testing.T) {
	db := &fakePG{rows: [][]any{returnRow("RET-1", "approved")}}
	p := newTestPostgres(db)
	r, err := p.GetReturn(context.Background(), "b1", "RET-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.ReturnApproved || r.OrderValue != 42.5 || r.PurchaseDate == nil || len(r.EvidenceURLs) != 1 {
		t.Fatalf("unexpected scan: %+v", r)
	}
	db.rows = nil
	if _, err := p.GetReturn(context.Background(), "b1", "RET-2"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresListReturnsBuildsFilter(t *testing.T) {
	db := &fakePG{rows: [][]any{returnRow("RET-2", "pending"), returnRow("RET-1", "pending")}}
	p := newTestPostgres(db)
	list, err := p.ListReturns(context.Background(), "b1", ReturnFilter{Status: models.ReturnPending, CustomerEmail: "Ann@Example.com", CallOnly: true, Limit: 5000})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].PublicID != "RET-2" {
		t.Fatalf("unexpected list: %+v", list)
	}
	for _, frag := range []string{"business_id=$1", "status=$2", "customer_email=lower($3)", "call_session_id<>''", "LIMIT $4"} {
		if !strings.Contains(db.querySQL, frag) {
			t.Fatalf("query missing %q: %s", frag, db.querySQL)
		}
	}
	if db.args[len(db.args)-1] != MaxListLimit {
		t.Fatalf("expected limit capped at %d, got %v", MaxListLimit, db.args[len(db.args)-1])
	}
}

func TestPostgresUpdateAndDelete(t *testing.T) {
	db := &fakePG{rows: [][]any{returnRow("RET-1", "pending")}, affected: 1}
	p := newTestPostgres(db)
	denied := models.ReturnDenied
	r, err := p.UpdateReturn(context.Background(), "b1", "RET-1", models.ReturnRequestPatch{Status: &denied})
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.ReturnDenied || len(db.execs) != 1 || db.execs[0].args[2] != "denied" {
		t.Fatalf("unexpected update: %+v %+v", r, db.execs)
	}

	if err := p.DeleteReturn(context.Background(), "b1", "RET-1"); err != nil {
		t.Fatal(err)
	}
	db.affected = 0
	if err := p.DeleteReturn(context.Background(), "b1", "RET-1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresActivePolicy(t *testing.T) {
	db := &fakePG{rows: [][]any{{"p1", "b1", "3", true, `{"return_window_days":30,"auto_approve_threshold":100}`, pgNow}}}
	p := newTestPostgres(db)
	pol, err := p.ActivePolicy(context.Background(), "b1")
	if err != nil {
		t.Fatal(err)
	}
	if pol.Rules.ReturnWindowDays != 30 || pol.Rules.AutoApproveThreshold != 100 || pol.Version != "3" {
		t.Fatalf("unexpected policy: %+v", pol)
	}
	db.rows = nil
	if _, err := p.ActivePolicy(context.Background(), "b1"); !errors.Is(err, models.ErrPolicyNotFound) {
		t.Fatalf("expected policy not found, got %v", err)
	}
	db.rows = [][]any{{"p1", "b1", "3", true, `{broken`, pgNow}}
	if _, err := p.ActivePolicy(context.Background(), "b1"); err == nil || errors.Is(err, models.ErrPolicyNotFound) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestPostgresSavePolicy(t *testing.T) {
	db := &fakePG{}
	p := newTestPostgres(db)
	if _, err := p.SavePolicy(context.Background(), models.Policy{ID: "p2", BusinessID: "b1", Active: true}); err != nil {
		t.Fatal(err)
	}
	if !db.tx.committed || len(db.tx.execs) != 2 || !strings.Contains(db.tx.execs[0], "SET active=false") {
		t.Fatalf("unexpected tx: %+v", db.tx)
	}

	db.tx = &fakeTx{failOn: "INSERT INTO policies"}
	if _, err := p.SavePolicy(context.Background(), models.Policy{ID: "p3", BusinessID: "b1"}); err == nil {
		t.Fatal("expected upsert failure")
	}
	if !db.tx.rolled || db.tx.committed || len(db.tx.execs) != 1 {
		t.Fatalf("inactive policy should skip deactivation and roll back: %+v", db.tx)
	}
}
