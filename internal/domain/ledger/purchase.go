package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// PurchaseRequest asks to activate Feature for Duration at Cost coins.
type PurchaseRequest struct {
	Feature  string
	Cost     int64
	Duration time.Duration
}

// PurchaseResult is returned by a successful PurchaseFeature.
type PurchaseResult struct {
	Balance int64                 `json:"balance"`
	Feature account.ActiveFeature `json:"feature"`
}

// PurchaseFeature debits req.Cost from userID and activates the feature.
// The balance check and the debit happen in one transaction, so the balance
// never goes negative. A purchase replaces any feature still active.
func (l *Ledger) PurchaseFeature(ctx context.Context, userID string, req PurchaseRequest) (res PurchaseResult, err error) {
	start := l.now()
	defer func() { l.observe(opPurchase, start, err) }()

	if userID == "" || req.Feature == "" || req.Cost < 0 || req.Duration <= 0 {
		return res, fmt.Errorf("%w: purchase of %q for %d over %s", ErrInvalidInput, req.Feature, req.Cost, req.Duration)
	}

	now := l.now()
	feature := account.ActiveFeature{
		Name:        req.Feature,
		Cost:        req.Cost,
		ActivatedAt: now,
		ExpiresAt:   now.Add(req.Duration),
	}
	a, err := l.transact(ctx, opPurchase, userID, func(a *account.Account) error {
		if a.Balance < req.Cost {
			return ErrInsufficientBalance
		}
		a.Balance -= req.Cost
		f := feature
		a.ActiveFeature = &f
		return nil
	})
	if err != nil {
		return res, notFound(err, ErrAccountNotFound)
	}

	metrics.RecordCoinsDebited(req.Feature, req.Cost)
	l.log.Info(ctx, "feature purchased",
		logger.String("account_id", userID),
		logger.String("feature", req.Feature),
		logger.Int64("cost", req.Cost),
	)
	return PurchaseResult{Balance: a.Balance, Feature: feature}, nil
}

// ExpireFeatures clears every active feature that expired at or before now
// and returns how many were cleared. Each account is its own transaction;
// a failure on one does not stop the sweep.
func (l *Ledger) ExpireFeatures(ctx context.Context, now time.Time) (n int, err error) {
	start := l.now()
	defer func() { l.observe(opExpire, start, err) }()

	ids, err := l.store.ExpiredFeatures(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired features: %w", err)
	}

	var errs []error
	for _, id := range ids {
		_, txErr := l.transact(ctx, opExpire, id, func(a *account.Account) error {
			if a.ActiveFeature == nil || !a.ActiveFeature.Expired(now) {
				return errNoChange
			}
			a.ActiveFeature = nil
			return nil
		})
		switch {
		case txErr == nil:
			n++
		case errors.Is(txErr, errNoChange):
		case ctx.Err() != nil:
			return n, ctx.Err()
		default:
			errs = append(errs, fmt.Errorf("expire %s: %w", id, txErr))
		}
	}

	metrics.RecordFeaturesExpired(n)
	if n > 0 {
		l.log.Info(ctx, "features expired", logger.Int("count", n))
	}
	return n, errors.Join(errs...)
}
