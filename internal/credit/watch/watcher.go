package watch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lernova/credits/internal/config"
	creditdomain "github.com/lernova/credits/internal/credit/domain"
	"github.com/lernova/credits/internal/observability/metrics"
	"github.com/lernova/credits/internal/policy"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const updateBuffer = 16

type Params struct {
	fx.In

	Cfg      config.Config
	Log      *zap.Logger
	Store    creditdomain.Store
	Service  creditdomain.Service
	Policies *policy.Table
	Metrics  *metrics.Metrics `optional:"true"`
}

// Watcher opens reactive balance streams. Each stream begins with a
// snapshot read and then forwards committed changes; stream failures
// trigger reconnects with exponential backoff, re-emitting the last
// known record marked stale while the store is unreachable.
type Watcher struct {
	log      *zap.Logger
	store    creditdomain.Store
	service  creditdomain.Service
	policies *policy.Table
	metrics  *metrics.Metrics

	backoffInitial time.Duration
	backoffMax     time.Duration
}

func NewWatcher(p Params) *Watcher {
	return &Watcher{
		log:            p.Log.Named("credit.watch"),
		store:          p.Store,
		service:        p.Service,
		policies:       p.Policies,
		metrics:        p.Metrics,
		backoffInitial: p.Cfg.Credit.WatchBackoffInitial,
		backoffMax:     p.Cfg.Credit.WatchBackoffMax,
	}
}

// Watch opens a balance stream for the user. Unlimited roles receive a
// single synthetic record and never touch the store. Close tears the
// stream down deterministically; Updates is closed afterwards.
func (w *Watcher) Watch(ctx context.Context, userID string, role policy.Role) (*Watch, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, creditdomain.ErrInvalidUser
	}

	ctx, cancel := context.WithCancel(ctx)
	watch := &Watch{
		service: w.service,
		userID:  userID,
		role:    role,
		updates: make(chan creditdomain.BalanceUpdate, updateBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	if w.policies.PolicyOf(role).UnlimitedCredits {
		go watch.runUnlimited(ctx)
		return watch, nil
	}

	go w.run(ctx, watch)
	return watch, nil
}

func (w *Watcher) run(ctx context.Context, watch *Watch) {
	defer close(watch.done)
	defer close(watch.updates)

	log := w.log.With(zap.String("user_id", watch.userID))

	var lastKnown *creditdomain.CreditAccount

	attempt := func() error {
		sub, err := w.store.Subscribe(ctx, watch.userID)
		if err != nil {
			return err
		}
		defer sub.Close()

		account, err := w.store.ReadAccount(ctx, watch.userID)
		if err != nil {
			return err
		}
		lastKnown = &account
		watch.emit(ctx, creditdomain.BalanceUpdate{Account: account})

		for {
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-sub.Done():
				return errors.New("balance stream closed")
			case account := <-sub.Updates():
				lastKnown = &account
				watch.emit(ctx, creditdomain.BalanceUpdate{Account: account})
			case err := <-sub.Err():
				if err == nil {
					err = creditdomain.ErrWatchClosed
				}
				return err
			}
		}
	}

	notify := func(err error, next time.Duration) {
		w.metrics.RecordWatchReconnect(ctx)
		log.Warn("balance stream lost, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", next),
		)
		if lastKnown != nil {
			watch.emit(ctx, creditdomain.BalanceUpdate{Account: *lastKnown, Stale: true})
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.backoffInitial
	bo.MaxInterval = w.backoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	err := backoff.RetryNotify(attempt, backoff.WithContext(bo, ctx), notify)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("balance watch terminated", zap.Error(err))
	}
}

// Watch is one live balance stream plus spend helpers bound to the
// watched user.
type Watch struct {
	service creditdomain.Service
	userID  string
	role    policy.Role

	updates chan creditdomain.BalanceUpdate
	cancel  context.CancelFunc
	done    chan struct{}
}

func (w *Watch) runUnlimited(ctx context.Context) {
	defer close(w.done)
	defer close(w.updates)

	w.emit(ctx, creditdomain.BalanceUpdate{Unlimited: true})
	<-ctx.Done()
}

// Updates delivers balance records until Close.
func (w *Watch) Updates() <-chan creditdomain.BalanceUpdate {
	return w.updates
}

// Close tears the stream down and waits for it to drain.
func (w *Watch) Close() {
	w.cancel()
	<-w.done
}

// HasEnough checks the watched user's balance against amount.
func (w *Watch) HasEnough(ctx context.Context, amount int64) (bool, error) {
	return w.service.HasEnough(ctx, w.userID, amount, w.role)
}

// UseFeature spends the feature's configured cost as the watched user.
func (w *Watch) UseFeature(ctx context.Context, featureKey string) (creditdomain.SpendResult, error) {
	return w.service.UseFeature(ctx, creditdomain.UseFeatureRequest{
		UserID:     w.userID,
		FeatureKey: featureKey,
		Role:       w.role,
	})
}

// AddCredits grants credits to the watched user on behalf of actor.
func (w *Watch) AddCredits(ctx context.Context, amount int64, reason, actorID string, actorRole policy.Role) (creditdomain.SpendResult, error) {
	return w.service.AddCredits(ctx, creditdomain.AdjustCreditsRequest{
		UserID:    w.userID,
		Amount:    amount,
		Reason:    reason,
		ActorID:   actorID,
		ActorRole: actorRole,
	})
}

// DeductCredits revokes credits from the watched user on behalf of actor.
func (w *Watch) DeductCredits(ctx context.Context, amount int64, reason, actorID string, actorRole policy.Role) (creditdomain.SpendResult, error) {
	return w.service.DeductCredits(ctx, creditdomain.AdjustCreditsRequest{
		UserID:    w.userID,
		Amount:    amount,
		Reason:    reason,
		ActorID:   actorID,
		ActorRole: actorRole,
	})
}

func (w *Watch) emit(ctx context.Context, update creditdomain.BalanceUpdate) {
	select {
	case w.updates <- update:
	case <-ctx.Done():
	}
}
