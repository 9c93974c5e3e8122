package ledger

import (
	"math"
	"time"

	"github.com/okian/coinledger/pkg/logger"
)

// Option configures a Ledger.
type Option func(*Ledger)

// DailyPolicy controls the daily reward.
type DailyPolicy struct {
	Cooldown     time.Duration
	StreakWindow time.Duration
	BaseReward   int64
	StreakStep   int64
	StreakCap    int
}

// Reward returns the coins awarded on the given streak day. It saturates at
// math.MaxInt64 instead of wrapping.
func (p DailyPolicy) Reward(streak int) int64 {
	capped := min(streak, max(p.StreakCap, 1))
	if capped < 1 {
		capped = 1
	}
	steps := int64(capped - 1)
	if p.StreakStep > 0 && steps > 0 && steps > (math.MaxInt64-p.BaseReward)/p.StreakStep {
		return math.MaxInt64
	}
	return p.BaseReward + p.StreakStep*steps
}

// RetryPolicy bounds the optimistic transaction retry loop.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultDailyPolicy is a 24h cooldown with the streak kept alive for 48h.
func DefaultDailyPolicy() DailyPolicy {
	return DailyPolicy{
		Cooldown:     24 * time.Hour,
		StreakWindow: 48 * time.Hour,
		BaseReward:   50,
		StreakStep:   10,
		StreakCap:    7,
	}
}

// DefaultRetryPolicy returns the retry bounds used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     10,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// WithReferralBonus sets the bonus credited to a referrer for a standard
// and a privileged referred account.
func WithReferralBonus(standard, privileged int64) Option {
	return func(l *Ledger) {
		if standard >= 0 {
			l.standardBonus = standard
		}
		if privileged >= 0 {
			l.privilegedBonus = privileged
		}
	}
}

// WithReferralWindow sets how long after creation Start still applies a
// referral code to an unreferred account.
func WithReferralWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.referralWindow = d
		}
	}
}

// WithDailyPolicy sets the daily reward policy.
func WithDailyPolicy(p DailyPolicy) Option {
	return func(l *Ledger) {
		if p.Cooldown > 0 && p.StreakWindow > 0 {
			l.daily = p
		}
	}
}

// WithRetryPolicy sets the transaction retry bounds.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) {
		if p.MaxAttempts > 0 {
			l.retry.MaxAttempts = p.MaxAttempts
		}
		if p.InitialInterval > 0 {
			l.retry.InitialInterval = p.InitialInterval
		}
		if p.MaxInterval > 0 {
			l.retry.MaxInterval = p.MaxInterval
		}
	}
}
