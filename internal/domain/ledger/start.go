package ledger

import (
	"context"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
)

// StartResult is the outcome of a first-contact interaction.
type StartResult struct {
	Account  *account.Account `json:"account"`
	Created  bool             `json:"created"`
	Referral *ReferralResult  `json:"referral,omitempty"`
	// ReferralErr holds a referral rejection. It never fails the start.
	ReferralErr error `json:"-"`
}

// Start resolves the account for p and, when code is set, applies the
// referral if the account is new or was created within the referral window
// and is still unreferred. Referral rejections are reported in the result.
func (l *Ledger) Start(ctx context.Context, p account.Profile, code string) (res StartResult, err error) {
	start := l.now()
	defer func() { l.observe(opStart, start, err) }()

	a, created, err := l.ResolveAccount(ctx, p)
	if err != nil {
		return res, err
	}
	res.Account, res.Created = a, created
	if code == "" || !l.referralEligible(a, created) {
		return res, nil
	}

	ref, refErr := l.ApplyReferral(ctx, a.ID, code)
	if refErr != nil {
		res.ReferralErr = refErr
		l.log.Info(ctx, "referral not applied",
			logger.String("account_id", a.ID),
			logger.String("outcome", Code(refErr)),
		)
		return res, nil
	}
	res.Referral = &ref
	if refreshed, getErr := l.store.Get(ctx, a.ID); getErr == nil {
		res.Account = refreshed
	}
	return res, nil
}

// referralEligible lets a redelivered start finish a referral that failed
// transiently, without letting old accounts pick up a referrer later.
func (l *Ledger) referralEligible(a *account.Account, created bool) bool {
	return created || l.now().Sub(a.CreatedAt) < l.referralWindow
}
