// Package repository persists return requests and policies. Both the
// Postgres and in-memory stores are keyed by business id and public id.
package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"returnflow/pkg/models"
)

type Store interface {
	CreateReturn(ctx context.Context, r models.ReturnRequest) (models.ReturnRequest, error)
	GetReturn(ctx context.Context, businessID, publicID string) (models.ReturnRequest, error)
	ListReturns(ctx context.Context, businessID string, f ReturnFilter) ([]models.ReturnRequest, error)
	UpdateReturn(ctx context.Context, businessID, publicID string, patch models.ReturnRequestPatch) (models.ReturnRequest, error)
	DeleteReturn(ctx context.Context, businessID, publicID string) error
	ActivePolicy(ctx context.Context, businessID string) (models.Policy, error)
	SavePolicy(ctx context.Context, p models.Policy) (models.Policy, error)
}

// ReturnFilter narrows ListReturns. Zero fields match everything.
type ReturnFilter struct {
	Status        models.ReturnStatus `json:"status,omitempty"`
	CustomerEmail string              `json:"customerEmail,omitempty"`
	CallSessionID string              `json:"callSessionId,omitempty"`
	CallOnly      bool                `json:"callOnly,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

func (f ReturnFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return min(f.Limit, MaxListLimit)
}

func (f ReturnFilter) match(r models.ReturnRequest) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.CustomerEmail != "" && !strings.EqualFold(r.CustomerEmail, f.CustomerEmail) {
		return false
	}
	if f.CallSessionID != "" && r.CallSessionID != f.CallSessionID {
		return false
	}
	if f.CallOnly && r.CallSessionID == "" {
		return false
	}
	return true
}

// NewPublicID returns the customer-facing identifier of a return.
func NewPublicID() string {
	return "RET-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func prepareReturn(r models.ReturnRequest, now time.Time) (models.ReturnRequest, error) {
	if r.BusinessID == "" || r.OrderID == "" || r.Reason == "" {
		return r, models.Errorf(models.KindInvalidRequest, "businessId, orderId and reason are required")
	}
	if r.OrderValue < 0 {
		return r, models.Errorf(models.KindInvalidRequest, "orderValue must not be negative")
	}
	if r.PublicID == "" {
		r.PublicID = NewPublicID()
	}
	if r.Status == "" {
		r.Status = models.ReturnPending
	}
	r.CustomerEmail = strings.ToLower(strings.TrimSpace(r.CustomerEmail))
	r.EvidenceURLs = append([]string{}, r.EvidenceURLs...)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return r, nil
}

func validatePolicy(p models.Policy) error {
	if p.ID == "" || p.BusinessID == "" {
		return models.Errorf(models.KindInvalidRequest, "policy id and businessId are required")
	}
	if p.Rules.ReturnWindowDays < 0 || p.Rules.AutoApproveThreshold < 0 {
		return models.Errorf(models.KindInvalidRequest, "policy %s: negative window or threshold", p.ID)
	}
	return nil
}
