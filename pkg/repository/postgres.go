package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"returnflow/pkg/models"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is the Store backed by the return_requests and policies tables.
type Postgres struct {
	DB  pgDB
	Now func() time.Time
}

func NewPostgres(db pgDB) *Postgres {
	return &Postgres{DB: db, Now: func() time.Time { return time.Now().UTC() }}
}

const returnColumns = `public_id, business_id, order_id, customer_email, reason, description, order_value,
	purchase_date, product_category, evidence_urls, status, call_session_id, ai_decision, ai_confidence,
	ai_reasoning, created_at, updated_at`

func scanReturn(row pgx.Row) (models.ReturnRequest, error) {
	var (
		r                  models.ReturnRequest
		status, aiDecision string
	)
	err := row.Scan(&r.PublicID, &r.BusinessID, &r.OrderID, &r.CustomerEmail, &r.Reason, &r.Description, &r.OrderValue,
		&r.PurchaseDate, &r.ProductCategory, &r.EvidenceURLs, &status, &r.CallSessionID, &aiDecision, &r.AIConfidence,
		&r.AIReasoning, &r.CreatedAt, &r.UpdatedAt)
	r.Status = models.ReturnStatus(status)
	r.AIDecision = models.Decision(aiDecision)
	return r, err
}

func (p *Postgres) CreateReturn(ctx context.Context, r models.ReturnRequest) (models.ReturnRequest, error) {
	r, err := prepareReturn(r, p.Now())
	if err != nil {
		return r, err
	}
	_, err = p.DB.Exec(ctx, `
		INSERT INTO return_requests (`+returnColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, r.PublicID, r.BusinessID, r.OrderID, r.CustomerEmail, r.Reason, r.Description, r.OrderValue,
		r.PurchaseDate, r.ProductCategory, r.EvidenceURLs, string(r.Status), r.CallSessionID, string(r.AIDecision), r.AIConfidence,
		r.AIReasoning, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return r, models.Errorf(models.KindInvalidRequest, "return request %s already exists", r.PublicID)
		}
		return r, fmt.Errorf("insert return request: %w", err)
	}
	return r, nil
}

func (p *Postgres) GetReturn(ctx context.Context, businessID, publicID string) (models.ReturnRequest, error) {
	row := p.DB.QueryRow(ctx, `SELECT `+returnColumns+` FROM return_requests WHERE business_id=$1 AND public_id=$2`, businessID, publicID)
	r, err := scanReturn(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReturnRequest{}, models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	return r, err
}

func (p *Postgres) ListReturns(ctx context.Context, businessID string, f ReturnFilter) ([]models.ReturnRequest, error) {
	conds := []string{"business_id=$1"}
	args := []any{businessID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status=$%d", string(f.Status))
	}
	if f.CustomerEmail != "" {
		add("customer_email=lower($%d)", f.CustomerEmail)
	}
	if f.CallSessionID != "" {
		add("call_session_id=$%d", f.CallSessionID)
	}
	if f.CallOnly {
		conds = append(conds, "call_session_id<>''")
	}
	args = append(args, f.limit())
	sql := fmt.Sprintf(`SELECT %s FROM return_requests WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		returnColumns, strings.Join(conds, " AND "), len(args))
	rows, err := p.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.ReturnRequest{}
	for rows.Next() {
		r, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateReturn(ctx context.Context, businessID, publicID string, patch models.ReturnRequestPatch) (models.ReturnRequest, error) {
	r, err := p.GetReturn(ctx, businessID, publicID)
	if err != nil {
		return r, err
	}
	patch.Apply(&r)
	r.UpdatedAt = p.Now()
	tag, err := p.DB.Exec(ctx, `
		UPDATE return_requests
		SET status=$3, reason=$4, description=$5, evidence_urls=$6, ai_decision=$7, ai_confidence=$8,
			ai_reasoning=$9, updated_at=$10
		WHERE business_id=$1 AND public_id=$2
	`, businessID, publicID, string(r.Status), r.Reason, r.Description, r.EvidenceURLs, string(r.AIDecision),
		r.AIConfidence, r.AIReasoning, r.UpdatedAt)
	if err != nil {
		return r, fmt.Errorf("update return request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ReturnRequest{}, models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	return r, nil
}

func (p *Postgres) DeleteReturn(ctx context.Context, businessID, publicID string) error {
	tag, err := p.DB.Exec(ctx, `DELETE FROM return_requests WHERE business_id=$1 AND public_id=$2`, businessID, publicID)
	if err != nil {
		return fmt.Errorf("delete return request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	return nil
}

func (p *Postgres) ActivePolicy(ctx context.Context, businessID string) (models.Policy, error) {
	var (
		pol   models.Policy
		rules []byte
	)
	err := p.DB.QueryRow(ctx, `
		SELECT id, business_id, version, active, rules, created_at
		FROM policies WHERE business_id=$1 AND active
		ORDER BY created_at DESC LIMIT 1
	`, businessID).Scan(&pol.ID, &pol.BusinessID, &pol.Version, &pol.Active, &rules, &pol.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pol, models.Errorf(models.KindPolicyNotFound, "business %s", businessID)
	}
	if err != nil {
		return pol, err
	}
	if err := json.Unmarshal(rules, &pol.Rules); err != nil {
		return pol, fmt.Errorf("decode policy %s rules: %w", pol.ID, err)
	}
	return pol, nil
}

// SavePolicy upserts p in a transaction; an active policy deactivates the
// business's other policies first.
func (p *Postgres) SavePolicy(ctx context.Context, pol models.Policy) (models.Policy, error) {
	if err := validatePolicy(pol); err != nil {
		return pol, err
	}
	if pol.CreatedAt.IsZero() {
		pol.CreatedAt = p.Now()
	}
	rules, err := json.Marshal(pol.Rules)
	if err != nil {
		return pol, err
	}
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return pol, fmt.Errorf("begin policy tx: %w", err)
	}
	if pol.Active {
		if _, err := tx.Exec(ctx, `UPDATE policies SET active=false WHERE business_id=$1 AND id<>$2`, pol.BusinessID, pol.ID); err != nil {
			_ = tx.Rollback(ctx)
			return pol, fmt.Errorf("deactivate policies: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO policies (id, business_id, version, active, rules, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET version=EXCLUDED.version, active=EXCLUDED.active, rules=EXCLUDED.rules
	`, pol.ID, pol.BusinessID, pol.Version, pol.Active, rules, pol.CreatedAt); err != nil {
		_ = tx.Rollback(ctx)
		return pol, fmt.Errorf("upsert policy: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return pol, fmt.Errorf("commit policy: %w", err)
	}
	return pol, nil
}

var _ Store = (*Postgres)(nil)
