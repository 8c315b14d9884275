package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedgerErrorIs(t *testing.T) {
	err := New(KindStoreWrite, "apply_checkout", "u_123", fmt.Errorf("disk full"))

	assert.True(t, errors.Is(err, ErrStoreWrite))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.True(t, err.Retryable)
	assert.Equal(t, "apply_checkout failed for u_123: disk full", err.Error())

	wrapped := fmt.Errorf("dispatch: %w", err)
	assert.True(t, errors.Is(wrapped, ErrStoreWrite))
	assert.Equal(t, KindStoreWrite, KindOf(wrapped))
}

func TestNewDefaultsToSentinel(t *testing.T) {
	err := New(KindInvalidCode, "redeem", "", nil)
	assert.True(t, errors.Is(err, ErrInvalidCode))
	assert.False(t, err.Retryable)
	assert.Equal(t, "redeem failed: invalid referral code", err.Error())
}

func TestKindOfPlainSentinel(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(fmt.Errorf("lookup: %w", ErrNotFound)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"signature", New(KindSignatureInvalid, "verify", "", nil), http.StatusBadRequest},
		{"price", fmt.Errorf("x: %w", ErrPriceResolution), http.StatusBadRequest},
		{"user", New(KindUserNotFound, "resolve", "", nil), http.StatusNotFound},
		{"conflict", ErrConflict, http.StatusConflict},
		{"quota", ErrQuotaExceeded, http.StatusTooManyRequests},
		{"store", New(KindStoreWrite, "update", "u_1", errors.New("io")), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestPublicMessageHidesDetail(t *testing.T) {
	err := New(KindStoreWrite, "update", "u_1", errors.New("sqlite: database is locked"))
	assert.Equal(t, "internal error", PublicMessage(err))
	assert.NotContains(t, PublicMessage(err), "sqlite")
}

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(fmt.Errorf("wrap: %w", ErrStoreWrite)))
	assert.False(t, IsRetryableError(New(KindSignatureInvalid, "verify", "", nil)))
	assert.False(t, IsRetryableError(errors.New("boom")))
}
