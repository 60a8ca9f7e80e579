package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"returnflow/pkg/models"
)

// Memory is a process-local Store for development and tests.
type Memory struct {
	mu       sync.RWMutex
	returns  map[string]models.ReturnRequest
	order    []string
	policies map[string][]models.Policy
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		returns:  map[string]models.ReturnRequest{},
		policies: map[string][]models.Policy{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	if now != nil {
		m.now = now
	}
	return m
}

func cloneReturn(r models.ReturnRequest) models.ReturnRequest {
	r.EvidenceURLs = slices.Clone(r.EvidenceURLs)
	if r.PurchaseDate != nil {
		d := *r.PurchaseDate
		r.PurchaseDate = &d
	}
	return r
}

func (m *Memory) CreateReturn(_ context.Context, r models.ReturnRequest) (models.ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := prepareReturn(r, m.now())
	if err != nil {
		return r, err
	}
	if _, ok := m.returns[r.PublicID]; ok {
		return r, models.Errorf(models.KindInvalidRequest, "return request %s already exists", r.PublicID)
	}
	m.returns[r.PublicID] = cloneReturn(r)
	m.order = append(m.order, r.PublicID)
	return r, nil
}

func (m *Memory) GetReturn(_ context.Context, businessID, publicID string) (models.ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.returns[publicID]
	if !ok || r.BusinessID != businessID {
		return models.ReturnRequest{}, models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	return cloneReturn(r), nil
}

// ListReturns returns matches newest first.
func (m *Memory) ListReturns(_ context.Context, businessID string, f ReturnFilter) ([]models.ReturnRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ReturnRequest{}
	limit := f.limit()
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.returns[m.order[i]]
		if r.BusinessID == businessID && f.match(r) {
			out = append(out, cloneReturn(r))
		}
	}
	return out, nil
}

func (m *Memory) UpdateReturn(_ context.Context, businessID, publicID string, patch models.ReturnRequestPatch) (models.ReturnRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.returns[publicID]
	if !ok || r.BusinessID != businessID {
		return models.ReturnRequest{}, models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	patch.Apply(&r)
	r.UpdatedAt = m.now()
	m.returns[publicID] = cloneReturn(r)
	return r, nil
}

func (m *Memory) DeleteReturn(_ context.Context, businessID, publicID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.returns[publicID]
	if !ok || r.BusinessID != businessID {
		return models.Errorf(models.KindNotFound, "return request %s", publicID)
	}
	delete(m.returns, publicID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == publicID })
	return nil
}

func (m *Memory) ActivePolicy(_ context.Context, businessID string) (models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.policies[businessID] {
		if p.Active {
			return clonePolicy(p), nil
		}
	}
	return models.Policy{}, models.Errorf(models.KindPolicyNotFound, "business %s", businessID)
}

// SavePolicy inserts or replaces p. Activating a policy deactivates every
// other policy of the same business.
func (m *Memory) SavePolicy(_ context.Context, p models.Policy) (models.Policy, error) {
	if err := validatePolicy(p); err != nil {
		return p, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	list := m.policies[p.BusinessID]
	replaced := false
	for i := range list {
		if list[i].ID == p.ID {
			list[i] = clonePolicy(p)
			replaced = true
		} else if p.Active {
			list[i].Active = false
		}
	}
	if !replaced {
		list = append(list, clonePolicy(p))
	}
	m.policies[p.BusinessID] = list
	return p, nil
}

func clonePolicy(p models.Policy) models.Policy {
	r := &p.Rules
	r.RequiredEvidence = slices.Clone(r.RequiredEvidence)
	r.AcceptableReasons = slices.Clone(r.AcceptableReasons)
	r.HighRiskCategories = slices.Clone(r.HighRiskCategories)
	r.FraudFlags = slices.Clone(r.FraudFlags)
	if r.BusinessHours != nil {
		bh := *r.BusinessHours
		r.BusinessHours = &bh
	}
	return p
}

var _ Store = (*Memory)(nil)
