package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
)

// ResolveAccount returns the account for p.ID, creating it with an empty
// ledger on first sight. Profile fields are refreshed when they changed;
// ledger fields of an existing account are never reset.
func (l *Ledger) ResolveAccount(ctx context.Context, p account.Profile) (a *account.Account, created bool, err error) {
	start := l.now()
	defer func() { l.observe(opResolve, start, err) }()

	if !account.ValidID(p.ID) {
		return nil, false, fmt.Errorf("%w: account id %q", ErrInvalidInput, p.ID)
	}

	existing, err := l.store.Get(ctx, p.ID)
	switch {
	case err == nil:
		a, err = l.refreshProfile(ctx, existing, p)
		return a, false, err
	case !errors.Is(err, repository.ErrNotFound):
		return nil, false, fmt.Errorf("resolve account: %w", err)
	}

	a, err = l.store.Create(ctx, account.New(p, l.now()))
	if errors.Is(err, repository.ErrAlreadyExists) {
		// Lost the insert race; the winner's record stands.
		existing, err = l.store.Get(ctx, p.ID)
		if err != nil {
			return nil, false, fmt.Errorf("resolve account: %w", err)
		}
		a, err = l.refreshProfile(ctx, existing, p)
		return a, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("resolve account: %w", err)
	}

	l.log.Info(ctx, "account created",
		logger.String("account_id", a.ID),
		logger.Bool("privileged", a.Privileged),
	)
	return a, true, nil
}

func (l *Ledger) refreshProfile(ctx context.Context, a *account.Account, p account.Profile) (*account.Account, error) {
	if a.ProfileMatches(p) {
		return a, nil
	}
	updated, err := l.transact(ctx, opResolve, p.ID, func(a *account.Account) error {
		if !a.ApplyProfile(p) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return l.store.Get(ctx, p.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("refresh profile: %w", err)
	}
	return updated, nil
}

// Account returns the stored account.
func (l *Ledger) Account(ctx context.Context, id string) (*account.Account, error) {
	a, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, notFound(err, ErrAccountNotFound)
	}
	return a, nil
}
