package domain

import (
	"context"

	"github.com/lernova/credits/internal/policy"
)

// Service is the single point through which all balance reads and
// feature-gated mutations flow.
type Service interface {
	// GetBalance returns the cached account when the entry is younger
	// than the balance TTL and forceRefresh is false, otherwise reads
	// through to the store. The cache is untouched when the read fails.
	GetBalance(ctx context.Context, userID string, forceRefresh bool) (CreditAccount, error)

	// HasEnough reports whether the (possibly cached) balance covers
	// amount. Unlimited roles always pass. Never mutates state.
	HasEnough(ctx context.Context, userID string, amount int64, role policy.Role) (bool, error)

	// UseFeature deducts the feature's configured cost. Zero-cost
	// features and bypass roles succeed without touching the store.
	UseFeature(ctx context.Context, req UseFeatureRequest) (SpendResult, error)

	// UseCreditsForClass deducts a class booking; bypass roles never pay.
	UseCreditsForClass(ctx context.Context, req UseClassRequest) (SpendResult, error)

	// AddCredits grants credits. The actor's administrative capability
	// is asserted by the service itself.
	AddCredits(ctx context.Context, req AdjustCreditsRequest) (SpendResult, error)

	// DeductCredits revokes credits, rejecting with
	// *InsufficientCreditsError when the store-level decrement would
	// drive the balance negative.
	DeductCredits(ctx context.Context, req AdjustCreditsRequest) (SpendResult, error)

	// ListTransactions exposes the audit trail, most recent first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)

	// CheckAIMonthlyLimit is a read-only advisory check against the
	// role's monthly AI quota for the current calendar month.
	CheckAIMonthlyLimit(ctx context.Context, userID string, role policy.Role) (AILimitStatus, error)
}

// UseFeatureRequest gates one feature use.
type UseFeatureRequest struct {
	UserID     string
	FeatureKey string
	Role       policy.Role
	// DeductedBy overrides the recorded actor when someone other than
	// the user triggered the spend.
	DeductedBy string
}

// UseClassRequest gates one class booking.
type UseClassRequest struct {
	UserID    string
	Amount    int64
	ClassID   string
	ClassName string
	Role      policy.Role
}

// AdjustCreditsRequest is an administrative grant or revocation.
type AdjustCreditsRequest struct {
	UserID    string
	Amount    int64
	Reason    string
	ActorID   string
	ActorRole policy.Role
	// Type defaults to admin_grant for additions and admin_revoke for
	// deductions when left empty.
	Type TransactionType
}

// SpendResult reports a committed (or bypassed) mutation.
type SpendResult struct {
	Success   bool  `json:"success"`
	Cost      int64 `json:"cost"`
	Remaining int64 `json:"remaining"`
	// Bypassed marks spends short-circuited by an unlimited role; no
	// store write happened and Remaining is meaningless.
	Bypassed  bool `json:"bypassed,omitempty"`
	Unlimited bool `json:"unlimited,omitempty"`
}

// AILimitStatus is the advisory monthly AI quota position.
type AILimitStatus struct {
	Allowed   bool `json:"allowed"`
	Used      int  `json:"used"`
	Remaining int  `json:"remaining"`
	// Limit is zero when the role is unbounded.
	Limit     int  `json:"limit"`
	Unbounded bool `json:"unbounded,omitempty"`
}
