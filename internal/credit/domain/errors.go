package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientCredits matches any *InsufficientCreditsError via
	// errors.Is.
	ErrInsufficientCredits = errors.New("insufficient_credits")
	// ErrStoreUnavailable wraps connectivity failures talking to the
	// account store. Callers may retry; the service never does.
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrPermissionDenied = errors.New("permission_denied")
	// ErrInvalidFeatureKey is returned only when the catalog runs in
	// strict mode; the permissive default treats unknown keys as free.
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidAmount     = errors.New("invalid_amount")
	ErrInvalidUser       = errors.New("invalid_user")
	ErrWatchClosed       = errors.New("watch_closed")
)

// InsufficientCreditsError reports a spend that the balance cannot
// cover, with the figures the UI surfaces to the user.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// StoreError wraps the underlying store failure so callers can branch
// on ErrStoreUnavailable while logs keep the cause.
func StoreError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
