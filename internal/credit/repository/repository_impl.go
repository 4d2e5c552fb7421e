package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/lernova/credits/internal/clock"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/credit/stream"
	pkgdb "github.com/lernova/credits/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Hub   *stream.Hub
}

// Repository is the gorm-backed account store. All sufficiency
// enforcement lives in the conditional UPDATE inside AtomicAdjust; no
// caller-side read participates in the decision.
type Repository struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	hub   *stream.Hub
}

func NewRepository(p Params) creditdomain.Store {
	return &Repository{
		db:    p.DB,
		log:   p.Log.Named("credit.repository"),
		genID: p.GenID,
		clock: p.Clock,
		hub:   p.Hub,
	}
}

// ReadAccount returns the account, creating a zero-balance record on
// first read.
func (r *Repository) ReadAccount(ctx context.Context, userID string) (creditdomain.CreditAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.CreditAccount{}, creditdomain.ErrInvalidUser
	}

	var account creditdomain.CreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return creditdomain.CreditAccount{}, creditdomain.StoreError(err)
	}

	if err := r.ensureAccount(r.db.WithContext(ctx), userID); err != nil {
		return creditdomain.CreditAccount{}, creditdomain.StoreError(err)
	}
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		return creditdomain.CreditAccount{}, creditdomain.StoreError(err)
	}
	return account, nil
}

// AtomicAdjust applies the signed delta and appends the transaction
// row in one database transaction. The UPDATE's predicate rejects a
// negative delta the balance cannot cover at commit time, which makes
// the operation safe under concurrent callers without any lock.
func (r *Repository) AtomicAdjust(ctx context.Context, req creditdomain.AdjustRequest) (creditdomain.CreditAccount, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return creditdomain.CreditAccount{}, creditdomain.ErrInvalidUser
	}
	if req.Delta == 0 {
		return creditdomain.CreditAccount{}, creditdomain.ErrInvalidAmount
	}

	var updated creditdomain.CreditAccount
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.ensureAccount(tx, userID); err != nil {
			return err
		}

		now := r.clock.Now()
		var deltaPurchased, deltaUsed int64
		if req.Delta > 0 {
			deltaPurchased = req.Delta
		} else {
			deltaUsed = -req.Delta
		}

		result := tx.Exec(
			`UPDATE credit_accounts
			 SET available_credits = available_credits + ?,
			     total_purchased = total_purchased + ?,
			     total_used = total_used + ?,
			     updated_at = ?
			 WHERE user_id = ? AND available_credits + ? >= 0`,
			req.Delta,
			deltaPurchased,
			deltaUsed,
			now,
			userID,
			req.Delta,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current creditdomain.CreditAccount
			if err := tx.Where("user_id = ?", userID).First(&current).Error; err != nil {
				return err
			}
			return &creditdomain.InsufficientCreditsError{
				Required:  -req.Delta,
				Available: current.AvailableCredits,
			}
		}

		record := creditdomain.CreditTransaction{
			ID:        r.genID.Generate(),
			UserID:    userID,
			Amount:    req.Delta,
			Type:      normalizeType(req.Type, req.Delta),
			Category:  normalizeCategory(req.Category),
			Reason:    strings.TrimSpace(req.Reason),
			ActorID:   normalizeActor(req.ActorID, userID),
			ClassID:   req.ClassID,
			CreatedAt: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		return tx.Where("user_id = ?", userID).First(&updated).Error
	})
	if err != nil {
		var insufficient *creditdomain.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return creditdomain.CreditAccount{}, insufficient
		}
		return creditdomain.CreditAccount{}, creditdomain.StoreError(err)
	}

	r.hub.Publish(ctx, updated)
	return updated, nil
}

// ListTransactions returns up to limit transactions, most recent first.
func (r *Repository) ListTransactions(ctx context.Context, userID string, limit int) ([]creditdomain.CreditTransaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	var transactions []creditdomain.CreditTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&transactions).Error
	if err != nil {
		return nil, creditdomain.StoreError(err)
	}
	return transactions, nil
}

// Subscribe opens a change stream for the user's account.
func (r *Repository) Subscribe(_ context.Context, userID string) (creditdomain.Subscription, error) {
	sub, _, err := r.hub.Subscribe(userID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *Repository) ensureAccount(tx *gorm.DB, userID string) error {
	now := r.clock.Now()
	err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&creditdomain.CreditAccount{
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
	// A duplicate key under a concurrent first touch means the row
	// already exists, which is the state this call is after.
	if pkgdb.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func normalizeType(t creditdomain.TransactionType, delta int64) creditdomain.TransactionType {
	if t != "" {
		return t
	}
	if delta > 0 {
		return creditdomain.TransactionTypeAdminGrant
	}
	return creditdomain.TransactionTypeFeatureUse
}

func normalizeCategory(c creditdomain.FeatureCategory) creditdomain.FeatureCategory {
	if c == "" {
		return creditdomain.FeatureCategoryOther
	}
	return c
}

func normalizeActor(actorID, userID string) string {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return userID
	}
	return actorID
}
