// Package repository holds the account stores and task catalogs the ledger
// runs on.
package repository

import (
	"context"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
)

// UpdateFunc mutates a private copy of an account. Returning an error aborts
// the transaction and nothing is written.
type UpdateFunc func(a *account.Account) error

// Store provides read/write access to account records.
type Store interface {
	// Get returns a copy of the account, or ErrNotFound.
	Get(ctx context.Context, id string) (*account.Account, error)

	// Create inserts a if no record with the same id exists.
	// Returns ErrAlreadyExists otherwise.
	Create(ctx context.Context, a *account.Account) (*account.Account, error)

	// Update runs one optimistic transaction attempt: it reads the record,
	// applies fn to a copy and writes the copy back only if nobody committed
	// in between. A concurrent commit yields ErrConflict and no write.
	Update(ctx context.Context, id string, fn UpdateFunc) (*account.Account, error)

	// ExpiredFeatures lists ids of accounts whose active feature expired at
	// or before now.
	ExpiredFeatures(ctx context.Context, now time.Time) ([]string, error)

	// Count returns the number of accounts.
	Count(ctx context.Context) (int, error)

	Close(ctx context.Context) error
}

// Catalog serves read-only task definitions.
type Catalog interface {
	// Task returns the task, ErrNotFound, or ErrInvalidTask when the stored
	// point value is unusable.
	Task(ctx context.Context, id string) (account.Task, error)
}
