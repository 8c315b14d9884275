package entitlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store for tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Entitlement
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Entitlement),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, userID string) (*Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.rows[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) GetByCustomerRef(_ context.Context, customerRef string) (*Entitlement, error) {
	if strings.TrimSpace(customerRef) == "" {
		return nil, ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.rows {
		if e.PaymentCustomerRef == customerRef {
			return e.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Create(_ context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rows[e.UserID]; exists {
		return ErrAlreadyExists
	}
	if err := m.checkCustomerRefLocked(e); err != nil {
		return err
	}
	now := m.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	e.Version = 1
	m.rows[e.UserID] = e.Clone()
	return nil
}

func (m *MemoryStore) Update(_ context.Context, e *Entitlement) error {
	if e == nil {
		return fmt.Errorf("entitlement is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.rows[e.UserID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != e.Version {
		return ErrConflict
	}
	if e.CreditsRemaining < UnlimitedCredits {
		return fmt.Errorf("update entitlement: credits_remaining %d below %d", e.CreditsRemaining, UnlimitedCredits)
	}
	if err := m.checkCustomerRefLocked(e); err != nil {
		return err
	}

	e.Version++
	e.UpdatedAt = m.now().UTC()
	e.CreatedAt = stored.CreatedAt
	m.rows[e.UserID] = e.Clone()
	return nil
}

func (m *MemoryStore) checkCustomerRefLocked(e *Entitlement) error {
	if e.PaymentCustomerRef == "" {
		return nil
	}
	for id, other := range m.rows {
		if id != e.UserID && other.PaymentCustomerRef == e.PaymentCustomerRef {
			return fmt.Errorf("payment customer %s already linked to another user", e.PaymentCustomerRef)
		}
	}
	return nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Tier) ([]*Entitlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entitlement
	for _, e := range m.rows {
		if e.Status == status {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Tier]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Tier]int)
	for _, e := range m.rows {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
