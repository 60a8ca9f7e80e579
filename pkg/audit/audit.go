package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"returnflow/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Record is one completed (or failed) decision as written to audit_logs.
type Record struct {
	DecisionID          string          `json:"decisionId"`
	BusinessID          string          `json:"businessId"`
	AgentID             string          `json:"agentId"`
	SessionID           string          `json:"sessionId,omitempty"`
	CallSessionID       string          `json:"callSessionId,omitempty"`
	Outcome             string          `json:"outcome"`
	RequiresHumanReview bool            `json:"requiresHumanReview"`
	FailedStage         string          `json:"failedStage,omitempty"`
	Input               json.RawMessage `json:"input,omitempty"`
	Trail               json.RawMessage `json:"trail"`
	Digest              string          `json:"digest"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// Writer persists records. With Redact set, customer identifiers in Input and
// the agent id are replaced by salted hashes before the insert.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

const recordColumns = `decision_id, business_id, agent_id, session_id, call_session_id, outcome,
	requires_human_review, failed_stage, input, trail, digest, created_at`

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.Digest == "" {
		d, err := models.Digest(struct {
			ID    string          `json:"id"`
			Input json.RawMessage `json:"input,omitempty"`
			Trail json.RawMessage `json:"trail"`
		}{rec.DecisionID, rec.Input, rec.Trail})
		if err != nil {
			return err
		}
		rec.Digest = d
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_logs (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.DecisionID, rec.BusinessID, rec.AgentID, rec.SessionID, rec.CallSessionID, rec.Outcome,
		rec.RequiresHumanReview, rec.FailedStage, rec.Input, rec.Trail, rec.Digest, rec.CreatedAt)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.DecisionID, &rec.BusinessID, &rec.AgentID, &rec.SessionID, &rec.CallSessionID, &rec.Outcome,
		&rec.RequiresHumanReview, &rec.FailedStage, &rec.Input, &rec.Trail, &rec.Digest, &rec.CreatedAt)
	return rec, err
}

func (w *Writer) Get(ctx context.Context, businessID, decisionID string) (Record, error) {
	row := w.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM audit_logs WHERE business_id=$1 AND decision_id=$2`, businessID, decisionID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, models.Errorf(models.KindNotFound, "audit record %s", decisionID)
	}
	return rec, err
}

// List returns the newest records for a business.
func (w *Writer) List(ctx context.Context, businessID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := w.DB.Query(ctx, `SELECT `+recordColumns+` FROM audit_logs WHERE business_id=$1 ORDER BY created_at DESC LIMIT $2`, businessID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
