package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// transact applies fn to account id in one store transaction. Optimistic
// conflicts are retried with exponential backoff up to the configured
// attempts; every other error, including one returned by fn, ends the loop
// with nothing written.
func (l *Ledger) transact(ctx context.Context, op, id string, fn repository.UpdateFunc) (*account.Account, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry.InitialInterval
	b.MaxInterval = l.retry.MaxInterval

	attempts := 0
	a, err := backoff.Retry(ctx, func() (*account.Account, error) {
		attempts++
		if attempts > 1 {
			metrics.RecordTransactionRetry(op)
		}
		a, err := l.store.Update(ctx, id, func(a *account.Account) error {
			if err := fn(a); err != nil {
				return err
			}
			a.UpdatedAt = l.now()
			return nil
		})
		switch {
		case err == nil:
			return a, nil
		case errors.Is(err, repository.ErrConflict):
			return nil, err
		default:
			return nil, backoff.Permanent(err)
		}
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(l.retry.MaxAttempts)),
	)
	// The final attempt's error comes back still wrapped.
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if errors.Is(err, repository.ErrConflict) {
		metrics.RecordTransactionExhausted(op)
		l.log.Warn(ctx, "transaction retries exhausted",
			logger.String("operation", op),
			logger.String("account_id", id),
			logger.Int("attempts", attempts),
		)
		return nil, fmt.Errorf("%w: %s on %s after %d attempts", ErrTransientConflict, op, id, attempts)
	}
	return a, err
}
