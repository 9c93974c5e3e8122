package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// ReferralResult describes an applied referral.
type ReferralResult struct {
	ReferrerID      string `json:"referrer_id"`
	Bonus           int64  `json:"bonus"`
	ReferrerBalance int64  `json:"referrer_balance"`
	// Duplicate is set when the edge already existed and nothing was credited.
	Duplicate bool `json:"duplicate"`
}

// ApplyReferral records that newID was referred by the account encoded in
// code and credits the referrer once.
//
// The new account is reserved first (ReferredBy is set when empty), then the
// referrer is credited in one transaction that also inserts the referral
// entry. The existence check on that entry is what keeps redelivered events
// from paying twice. If crediting fails, the reservation made by this call
// is released so the event can be retried from scratch.
func (l *Ledger) ApplyReferral(ctx context.Context, newID, code string) (res ReferralResult, err error) {
	start := l.now()
	defer func() { l.observe(opReferral, start, err) }()

	referrerID, err := account.DecodeReferral(code)
	if err != nil {
		return res, fmt.Errorf("%w: %q", ErrInvalidReferralCode, code)
	}
	if referrerID == newID {
		return res, ErrSelfReferral
	}

	if _, err := l.store.Get(ctx, referrerID); err != nil {
		return res, notFound(err, ErrReferrerNotFound)
	}
	referred, err := l.store.Get(ctx, newID)
	if err != nil {
		return res, notFound(err, ErrAccountNotFound)
	}
	if referred.ReferredBy != "" && referred.ReferredBy != referrerID {
		return res, ErrAlreadyReferred
	}

	reserved, err := l.reserveReferral(ctx, newID, referrerID)
	if err != nil {
		return res, err
	}

	res.ReferrerID = referrerID
	bonus := l.bonusFor(referred.Privileged)
	snapshot := referred.DisplayName
	if snapshot == "" {
		snapshot = referred.Handle
	}
	now := l.now()

	referrer, err := l.transact(ctx, opReferral, referrerID, func(a *account.Account) error {
		if _, exists := a.Referrals[newID]; exists {
			return errNoChange
		}
		if err := credit(a, bonus); err != nil {
			return err
		}
		a.Referrals[newID] = account.ReferralEntry{
			BonusAwarded: bonus,
			SnapshotName: snapshot,
			ReferredAt:   now,
		}
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		res.Duplicate = true
		if current, getErr := l.store.Get(ctx, referrerID); getErr == nil {
			res.ReferrerBalance = current.Balance
		}
		l.log.Debug(ctx, "duplicate referral ignored",
			logger.String("account_id", newID),
			logger.String("referrer_id", referrerID),
		)
		return res, nil
	case err != nil:
		if reserved {
			l.releaseReferral(ctx, newID, referrerID)
		}
		return ReferralResult{}, fmt.Errorf("credit referrer: %w", notFound(err, ErrReferrerNotFound))
	}

	res.Bonus = bonus
	res.ReferrerBalance = referrer.Balance
	metrics.RecordCoinsCredited("referral", bonus)
	l.log.Info(ctx, "referral credited",
		logger.String("account_id", newID),
		logger.String("referrer_id", referrerID),
		logger.Int64("bonus", bonus),
	)
	return res, nil
}

// reserveReferral sets ReferredBy on the new account. It reports whether
// this call made the change; an existing equal value is not an error.
func (l *Ledger) reserveReferral(ctx context.Context, newID, referrerID string) (bool, error) {
	_, err := l.transact(ctx, opReferral, newID, func(a *account.Account) error {
		switch a.ReferredBy {
		case "":
			a.ReferredBy = referrerID
			return nil
		case referrerID:
			return errNoChange
		default:
			return ErrAlreadyReferred
		}
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoChange):
		return false, nil
	default:
		return false, notFound(err, ErrAccountNotFound)
	}
}

// releaseReferral undoes a reservation whose credit step failed, unless
// the referrer already holds the edge (another delivery got through).
// A delivery can commit the edge between the check and the clear, so the
// edge is checked again afterwards and the reservation restored if present.
func (l *Ledger) releaseReferral(ctx context.Context, newID, referrerID string) {
	ctx = context.WithoutCancel(ctx)
	if l.hasEdge(ctx, referrerID, newID) {
		return
	}
	_, err := l.transact(ctx, opReferral, newID, func(a *account.Account) error {
		if a.ReferredBy != referrerID {
			return errNoChange
		}
		a.ReferredBy = ""
		return nil
	})
	switch {
	case errors.Is(err, errNoChange):
		return
	case err != nil:
		l.log.Error(ctx, "release referral reservation",
			logger.String("account_id", newID),
			logger.String("referrer_id", referrerID),
			logger.Error(err),
		)
		return
	}

	if !l.hasEdge(ctx, referrerID, newID) {
		return
	}
	_, err = l.transact(ctx, opReferral, newID, func(a *account.Account) error {
		if a.ReferredBy != "" {
			return errNoChange
		}
		a.ReferredBy = referrerID
		return nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		l.log.Error(ctx, "restore referral reservation",
			logger.String("account_id", newID),
			logger.String("referrer_id", referrerID),
			logger.Error(err),
		)
	}
}

// hasEdge reports whether referrerID already credited newID. Read errors
// count as no edge.
func (l *Ledger) hasEdge(ctx context.Context, referrerID, newID string) bool {
	referrer, err := l.store.Get(ctx, referrerID)
	if err != nil {
		return false
	}
	_, exists := referrer.Referrals[newID]
	return exists
}
