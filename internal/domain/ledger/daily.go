package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// DailyResult is returned by a successful ClaimDaily.
type DailyResult struct {
	Awarded     int64     `json:"awarded"`
	Balance     int64     `json:"balance"`
	StreakDay   int       `json:"streak_day"`
	ClaimedAt   time.Time `json:"claimed_at"`
	NextClaimAt time.Time `json:"next_claim_at"`
}

// ClaimDaily awards the daily reward to userID at now. Inside the cooldown
// it returns a *TooSoonError and writes nothing.
func (l *Ledger) ClaimDaily(ctx context.Context, userID string, now time.Time) (res DailyResult, err error) {
	start := l.now()
	defer func() { l.observe(opDaily, start, err) }()

	if userID == "" {
		return res, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	// Stores keep millisecond timestamps; claim times must round-trip exactly.
	now = now.UTC().Truncate(time.Millisecond)

	var awarded int64
	a, err := l.transact(ctx, opDaily, userID, func(a *account.Account) error {
		streak := 1
		if last := a.Daily.LastClaimedAt; last != nil {
			elapsed := now.Sub(*last)
			if elapsed < l.daily.Cooldown {
				return &TooSoonError{Remaining: l.daily.Cooldown - elapsed}
			}
			if elapsed < l.daily.StreakWindow {
				streak = a.Daily.StreakDay + 1
			}
		}
		awarded = l.daily.Reward(streak)
		if err := credit(a, awarded); err != nil {
			return err
		}
		claimedAt := now
		a.Daily = account.DailyClaim{LastClaimedAt: &claimedAt, StreakDay: streak}
		return nil
	})
	if err != nil {
		return res, notFound(err, ErrAccountNotFound)
	}

	metrics.RecordCoinsCredited("daily", awarded)
	l.log.Debug(ctx, "daily reward claimed",
		logger.String("account_id", userID),
		logger.Int("streak_day", a.Daily.StreakDay),
		logger.Int64("awarded", awarded),
	)
	return DailyResult{
		Awarded:     awarded,
		Balance:     a.Balance,
		StreakDay:   a.Daily.StreakDay,
		ClaimedAt:   now,
		NextClaimAt: now.Add(l.daily.Cooldown),
	}, nil
}
