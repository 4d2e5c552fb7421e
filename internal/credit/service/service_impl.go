package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lernova/credits/internal/authorization"
	"github.com/lernova/credits/internal/catalog"
	"github.com/lernova/credits/internal/clock"
	"github.com/lernova/credits/internal/config"
	"github.com/lernova/credits/internal/credit/cache"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/observability/metrics"
	"github.com/lernova/credits/internal/policy"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Store    creditdomain.Store
	Cache    *cache.BalanceCache
	Catalog  *catalog.Catalog
	Policies *policy.Table
	Authz    authorization.Service
	Clock    clock.Clock
	Metrics  *metrics.Metrics `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	store    creditdomain.Store
	cache    *cache.BalanceCache
	catalog  *catalog.Catalog
	policies *policy.Table
	authz    authorization.Service
	clock    clock.Clock
	metrics  *metrics.Metrics

	aiScanWindow int
}

func NewService(p Params) creditdomain.Service {
	return &ServiceImpl{
		log:          p.Log.Named("credit.service"),
		store:        p.Store,
		cache:        p.Cache,
		catalog:      p.Catalog,
		policies:     p.Policies,
		authz:        p.Authz,
		clock:        p.Clock,
		metrics:      p.Metrics,
		aiScanWindow: p.Cfg.Credit.AIScanWindow,
	}
}

func (s *ServiceImpl) GetBalance(ctx context.Context, userID string, forceRefresh bool) (creditdomain.CreditAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.CreditAccount{}, creditdomain.ErrInvalidUser
	}

	if !forceRefresh {
		if account, ok := s.cache.Get(userID); ok {
			s.metrics.RecordCacheRead(ctx, "hit")
			return account, nil
		}
		s.metrics.RecordCacheRead(ctx, "miss")
	}

	account, err := s.store.ReadAccount(ctx, userID)
	if err != nil {
		return creditdomain.CreditAccount{}, err
	}
	s.cache.Put(account)
	return account, nil
}

func (s *ServiceImpl) HasEnough(ctx context.Context, userID string, amount int64, role policy.Role) (bool, error) {
	if amount < 0 {
		return false, creditdomain.ErrInvalidAmount
	}
	if s.policies.PolicyOf(role).UnlimitedCredits {
		return true, nil
	}

	account, err := s.GetBalance(ctx, userID, false)
	if err != nil {
		return false, err
	}
	return account.AvailableCredits >= amount, nil
}

func (s *ServiceImpl) UseFeature(ctx context.Context, req creditdomain.UseFeatureRequest) (creditdomain.SpendResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return creditdomain.SpendResult{}, creditdomain.ErrInvalidUser
	}

	cost, err := s.catalog.CostOf(req.FeatureKey)
	if err != nil {
		return creditdomain.SpendResult{}, err
	}

	if s.policies.PolicyOf(req.Role).UnlimitedCredits {
		s.metrics.RecordBypass(ctx, string(req.Role))
		// Nothing is charged, so the reported cost is zero regardless
		// of the catalog price.
		return creditdomain.SpendResult{
			Success:   true,
			Bypassed:  true,
			Unlimited: true,
		}, nil
	}

	if cost.Cost == 0 {
		result := creditdomain.SpendResult{Success: true}
		if account, ok := s.cache.Get(userID); ok {
			result.Remaining = account.AvailableCredits
		}
		return result, nil
	}

	account, err := s.store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID:   userID,
		Delta:    -cost.Cost,
		Type:     creditdomain.TransactionTypeFeatureUse,
		Category: cost.Category,
		Reason:   fmt.Sprintf("feature:%s", strings.ToLower(strings.TrimSpace(req.FeatureKey))),
		ActorID:  strings.TrimSpace(req.DeductedBy),
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			s.metrics.RecordDenial(ctx, "insufficient_credits")
			return creditdomain.SpendResult{Cost: cost.Cost}, err
		}
		return creditdomain.SpendResult{}, err
	}

	s.cache.Put(account)
	s.metrics.RecordSpend(ctx, string(creditdomain.TransactionTypeFeatureUse), string(cost.Category))
	s.log.Info("feature spend committed",
		zap.String("user_id", userID),
		zap.String("feature_key", strings.TrimSpace(req.FeatureKey)),
		zap.Int64("cost", cost.Cost),
		zap.Int64("remaining", account.AvailableCredits),
	)
	return creditdomain.SpendResult{
		Success:   true,
		Cost:      cost.Cost,
		Remaining: account.AvailableCredits,
	}, nil
}

func (s *ServiceImpl) UseCreditsForClass(ctx context.Context, req creditdomain.UseClassRequest) (creditdomain.SpendResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return creditdomain.SpendResult{}, creditdomain.ErrInvalidUser
	}
	if req.Amount <= 0 {
		return creditdomain.SpendResult{}, creditdomain.ErrInvalidAmount
	}

	if s.policies.PolicyOf(req.Role).UnlimitedCredits {
		s.metrics.RecordBypass(ctx, string(req.Role))
		return creditdomain.SpendResult{
			Success:   true,
			Bypassed:  true,
			Unlimited: true,
		}, nil
	}

	reason := strings.TrimSpace(req.ClassName)
	if reason == "" {
		reason = "class booking"
	}
	var classID *string
	if id := strings.TrimSpace(req.ClassID); id != "" {
		classID = &id
	}

	account, err := s.store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID:   userID,
		Delta:    -req.Amount,
		Type:     creditdomain.TransactionTypeClassUse,
		Category: creditdomain.FeatureCategoryClass,
		Reason:   reason,
		ClassID:  classID,
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			s.metrics.RecordDenial(ctx, "insufficient_credits")
			return creditdomain.SpendResult{Cost: req.Amount}, err
		}
		return creditdomain.SpendResult{}, err
	}

	s.cache.Put(account)
	s.metrics.RecordSpend(ctx, string(creditdomain.TransactionTypeClassUse), string(creditdomain.FeatureCategoryClass))
	return creditdomain.SpendResult{
		Success:   true,
		Cost:      req.Amount,
		Remaining: account.AvailableCredits,
	}, nil
}

func (s *ServiceImpl) AddCredits(ctx context.Context, req creditdomain.AdjustCreditsRequest) (creditdomain.SpendResult, error) {
	if err := s.authorizeAdjust(ctx, req, authorization.ActionCreditsGrant); err != nil {
		return creditdomain.SpendResult{}, err
	}
	if req.Amount <= 0 {
		return creditdomain.SpendResult{}, creditdomain.ErrInvalidAmount
	}

	txType := req.Type
	if txType == "" {
		txType = creditdomain.TransactionTypeAdminGrant
	}
	account, err := s.store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID:   req.UserID,
		Delta:    req.Amount,
		Type:     txType,
		Category: creditdomain.FeatureCategoryOther,
		Reason:   strings.TrimSpace(req.Reason),
		ActorID:  strings.TrimSpace(req.ActorID),
	})
	if err != nil {
		return creditdomain.SpendResult{}, err
	}

	s.cache.Put(account)
	s.metrics.RecordSpend(ctx, string(txType), string(creditdomain.FeatureCategoryOther))
	s.log.Info("credits granted",
		zap.String("user_id", account.UserID),
		zap.String("actor_id", strings.TrimSpace(req.ActorID)),
		zap.Int64("amount", req.Amount),
	)
	return creditdomain.SpendResult{
		Success:   true,
		Cost:      req.Amount,
		Remaining: account.AvailableCredits,
	}, nil
}

func (s *ServiceImpl) DeductCredits(ctx context.Context, req creditdomain.AdjustCreditsRequest) (creditdomain.SpendResult, error) {
	if err := s.authorizeAdjust(ctx, req, authorization.ActionCreditsRevoke); err != nil {
		return creditdomain.SpendResult{}, err
	}
	if req.Amount <= 0 {
		return creditdomain.SpendResult{}, creditdomain.ErrInvalidAmount
	}

	txType := req.Type
	if txType == "" {
		txType = creditdomain.TransactionTypeAdminRevoke
	}
	account, err := s.store.AtomicAdjust(ctx, creditdomain.AdjustRequest{
		UserID:   req.UserID,
		Delta:    -req.Amount,
		Type:     txType,
		Category: creditdomain.FeatureCategoryOther,
		Reason:   strings.TrimSpace(req.Reason),
		ActorID:  strings.TrimSpace(req.ActorID),
	})
	if err != nil {
		if errors.Is(err, creditdomain.ErrInsufficientCredits) {
			s.metrics.RecordDenial(ctx, "insufficient_credits")
			return creditdomain.SpendResult{Cost: req.Amount}, err
		}
		return creditdomain.SpendResult{}, err
	}

	s.cache.Put(account)
	s.metrics.RecordSpend(ctx, string(txType), string(creditdomain.FeatureCategoryOther))
	s.log.Info("credits revoked",
		zap.String("user_id", account.UserID),
		zap.String("actor_id", strings.TrimSpace(req.ActorID)),
		zap.Int64("amount", req.Amount),
	)
	return creditdomain.SpendResult{
		Success:   true,
		Cost:      req.Amount,
		Remaining: account.AvailableCredits,
	}, nil
}

func (s *ServiceImpl) ListTransactions(ctx context.Context, userID string, limit int) ([]creditdomain.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}

func (s *ServiceImpl) CheckAIMonthlyLimit(ctx context.Context, userID string, role policy.Role) (creditdomain.AILimitStatus, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return creditdomain.AILimitStatus{}, creditdomain.ErrInvalidUser
	}

	pol := s.policies.PolicyOf(role)
	if pol.UnlimitedCredits || pol.Unbounded() {
		return creditdomain.AILimitStatus{Allowed: true, Unbounded: true}, nil
	}

	transactions, err := s.store.ListTransactions(ctx, userID, s.aiScanWindow)
	if err != nil {
		return creditdomain.AILimitStatus{}, err
	}

	now := s.clock.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	used := 0
	for _, tx := range transactions {
		if tx.Type != creditdomain.TransactionTypeFeatureUse || tx.Category != creditdomain.FeatureCategoryAI {
			continue
		}
		if tx.CreatedAt.UTC().Before(monthStart) {
			continue
		}
		used++
	}

	remaining := pol.MonthlyAILimit - used
	if remaining < 0 {
		remaining = 0
	}
	status := creditdomain.AILimitStatus{
		Allowed:   used < pol.MonthlyAILimit,
		Used:      used,
		Remaining: remaining,
		Limit:     pol.MonthlyAILimit,
	}
	if !status.Allowed {
		s.metrics.RecordDenial(ctx, "ai_monthly_limit")
	}
	return status, nil
}

// authorizeAdjust asserts the actor's administrative capability before
// any balance change, independent of what the transport layer checked.
func (s *ServiceImpl) authorizeAdjust(ctx context.Context, req creditdomain.AdjustCreditsRequest, action string) error {
	if strings.TrimSpace(req.UserID) == "" {
		return creditdomain.ErrInvalidUser
	}
	err := s.authz.Authorize(ctx, req.ActorID, string(req.ActorRole), authorization.ObjectCredits, action)
	if err == nil {
		return nil
	}
	if errors.Is(err, authorization.ErrForbidden) || errors.Is(err, authorization.ErrInvalidActor) {
		s.metrics.RecordDenial(ctx, "permission_denied")
		return creditdomain.ErrPermissionDenied
	}
	return err
}
