package domain

import "context"

// AdjustRequest describes one atomic balance mutation. Delta is
// signed: positive adds credits, negative deducts.
type AdjustRequest struct {
	UserID   string
	Delta    int64
	Type     TransactionType
	Category FeatureCategory
	Reason   string
	ActorID  string
	ClassID  *string
}

// Subscription is a live change stream for one user's account. Done is
// closed on teardown; the Updates channel itself never closes, so
// publishers can always send on it. Err delivers at most one stream
// failure.
type Subscription interface {
	Updates() <-chan CreditAccount
	Err() <-chan error
	Done() <-chan struct{}
	Close()
}

// Store is the account store contract. Implementations must make
// AtomicAdjust a single conditional read-modify-write per user: the
// sufficiency check happens at commit time, never against a value read
// earlier. This is the only guard against concurrent overdraw.
type Store interface {
	// ReadAccount returns the user's account, creating a zero-balance
	// record on first read.
	ReadAccount(ctx context.Context, userID string) (CreditAccount, error)

	// AtomicAdjust applies the delta and appends the transaction in one
	// indivisible step, rejecting with *InsufficientCreditsError when a
	// negative delta would drive the balance below zero. Returns the
	// post-commit account.
	AtomicAdjust(ctx context.Context, req AdjustRequest) (CreditAccount, error)

	// ListTransactions returns up to limit transactions, most recent
	// first.
	ListTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)

	// Subscribe opens a change stream for the user's account.
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}
