package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TransactionType classifies why a balance moved.
type TransactionType string

const (
	TransactionTypePurchase    TransactionType = "purchase"
	TransactionTypeFeatureUse  TransactionType = "feature_use"
	TransactionTypeClassUse    TransactionType = "class_use"
	TransactionTypeAdminGrant  TransactionType = "admin_grant"
	TransactionTypeAdminRevoke TransactionType = "admin_revoke"
)

// FeatureCategory tags a metered feature for quota scans. The monthly
// AI quota filters on this exactly, never on reason text.
type FeatureCategory string

const (
	FeatureCategoryAI      FeatureCategory = "ai"
	FeatureCategoryContent FeatureCategory = "content"
	FeatureCategoryClass   FeatureCategory = "class"
	FeatureCategoryOther   FeatureCategory = "other"
)

// CreditAccount is the per-user balance record. The conservation
// invariant available == purchased - used holds after every committed
// mutation.
type CreditAccount struct {
	UserID           string    `gorm:"primaryKey;type:text" json:"user_id"`
	AvailableCredits int64     `gorm:"not null;default:0" json:"available_credits"`
	TotalPurchased   int64     `gorm:"not null;default:0" json:"total_purchased"`
	TotalUsed        int64     `gorm:"not null;default:0" json:"total_used"`
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction is the immutable audit record of one mutation.
// Amounts are signed: positive for additions, negative for deductions.
type CreditTransaction struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	UserID    string          `gorm:"type:text;not null;index" json:"user_id"`
	Amount    int64           `gorm:"not null" json:"amount"`
	Type      TransactionType `gorm:"column:tx_type;type:text;not null;index" json:"type"`
	Category  FeatureCategory `gorm:"type:text;not null;default:'other'" json:"category"`
	Reason    string          `gorm:"type:text;not null" json:"reason"`
	ActorID   string          `gorm:"type:text;not null" json:"actor_id"`
	ClassID   *string         `gorm:"type:text" json:"class_id,omitempty"`
	CreatedAt time.Time       `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// BalanceUpdate is one emission from a balance watch: the current
// account plus display-oriented derived fields.
type BalanceUpdate struct {
	Account CreditAccount `json:"account"`
	// Unlimited marks synthetic records for bypass roles; the account
	// fields are zero and must not be interpreted as a balance.
	Unlimited bool `json:"unlimited"`
	// Stale marks a re-emitted last-known record while the watch
	// reconnects to the store.
	Stale bool `json:"stale"`
}

// HasEnough reports whether the update covers a spend of amount.
func (u BalanceUpdate) HasEnough(amount int64) bool {
	if u.Unlimited {
		return true
	}
	return u.Account.AvailableCredits >= amount
}
