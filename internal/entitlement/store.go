package entitlement

import (
	"context"
	"errors"
	"fmt"

	internalerrors "github.com/rcourtman/receipt-entitlements/internal/errors"
	"github.com/rcourtman/receipt-entitlements/internal/metrics"
)

var (
	ErrNotFound      = fmt.Errorf("entitlement %w", internalerrors.ErrNotFound)
	ErrConflict      = fmt.Errorf("entitlement version %w", internalerrors.ErrConflict)
	ErrAlreadyExists = errors.New("entitlement already exists")

	// ErrNoChange may be returned by a Mutate callback to skip the write.
	ErrNoChange = errors.New("entitlement unchanged")
)

// Store persists entitlement records. Update is conditional on Version so a
// read-modify-write that raced another writer fails with ErrConflict instead of
// silently overwriting it.
type Store interface {
	Get(ctx context.Context, userID string) (*Entitlement, error)
	GetByCustomerRef(ctx context.Context, customerRef string) (*Entitlement, error)
	Create(ctx context.Context, e *Entitlement) error
	Update(ctx context.Context, e *Entitlement) error
	ListByStatus(ctx context.Context, status Tier) ([]*Entitlement, error)
	CountByStatus(ctx context.Context) (map[Tier]int, error)
	Ping(ctx context.Context) error
	Close() error
}

const maxMutateAttempts = 8

// Mutate applies fn to a fresh copy of the user's record and writes it back
// conditionally, re-reading and re-applying fn on version conflicts. fn must be
// safe to call more than once.
func Mutate(ctx context.Context, store Store, userID string, fn func(*Entitlement) error) (*Entitlement, error) {
	for attempt := 1; ; attempt++ {
		current, err := store.Get(ctx, userID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				return current, nil
			}
			return nil, err
		}

		err = store.Update(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		metrics.StoreConflictsTotal.WithLabelValues("mutate").Inc()
		if attempt >= maxMutateAttempts {
			return nil, fmt.Errorf("mutate %s after %d attempts: %w", userID, attempt, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}
