// Package ledger implements the coin ledger: account resolution, referral
// bonuses, one-time task claims, daily rewards and paid feature debits.
//
// Every mutation of an account is a single store transaction on that
// account's record, retried on optimistic conflicts. The Ledger holds no
// mutable state of its own and is safe for concurrent use.
package ledger

import (
	"errors"
	"math"
	"time"

	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// Operation names used in logs and metrics.
const (
	opResolve  = "resolve_account"
	opReferral = "apply_referral"
	opTask     = "claim_task"
	opDaily    = "claim_daily"
	opPurchase = "purchase_feature"
	opExpire   = "expire_features"
	opStart    = "start"
)

// Ledger exposes the ledger operations.
type Ledger struct {
	store   repository.Store
	catalog repository.Catalog
	clock   func() time.Time
	log     logger.Logger

	standardBonus   int64
	privilegedBonus int64
	referralWindow  time.Duration
	daily           DailyPolicy
	retry           RetryPolicy
}

// New creates a ledger over store and catalog.
func New(store repository.Store, catalog repository.Catalog, opts ...Option) *Ledger {
	l := &Ledger{
		store:           store,
		catalog:         catalog,
		clock:           time.Now,
		log:             logger.Nop(),
		standardBonus:   100,
		privilegedBonus: 500,
		referralWindow:  24 * time.Hour,
		daily:           DefaultDailyPolicy(),
		retry:           DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) now() time.Time {
	return l.clock().UTC()
}

func (l *Ledger) bonusFor(privileged bool) int64 {
	if privileged {
		return l.privilegedBonus
	}
	return l.standardBonus
}

// observe records the outcome and latency of op.
func (l *Ledger) observe(op string, start time.Time, err error) {
	outcome := Code(err)
	if errors.Is(err, errNoChange) {
		outcome = "ok"
	}
	metrics.RecordLedgerOperation(op, outcome)
	metrics.RecordLedgerLatency(op, float64(time.Since(start).Microseconds())/1000)
}

// credit adds delta to the balance, refusing a sum past math.MaxInt64.
func credit(a *account.Account, delta int64) error {
	if delta > math.MaxInt64-a.Balance {
		return ErrBalanceOverflow
	}
	a.Balance += delta
	return nil
}

// notFound translates a store miss into the given ledger error.
func notFound(err, kind error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return kind
	}
	return err
}
