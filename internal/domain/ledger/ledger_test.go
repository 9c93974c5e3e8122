package ledger_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/ledger"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// conflictStore reports ErrConflict for every update of the listed ids.
type conflictStore struct {
	repository.Store
	ids     map[string]bool
	updates atomic.Int64
}

func (s *conflictStore) Update(ctx context.Context, id string, fn repository.UpdateFunc) (*account.Account, error) {
	if s.ids[id] {
		s.updates.Add(1)
		return nil, repository.ErrConflict
	}
	return s.Store.Update(ctx, id, fn)
}

type fixture struct {
	ctx     context.Context
	store   *repository.MemoryStore
	catalog *repository.MemoryCatalog
	clock   *fakeClock
	ledger  *ledger.Ledger
}

// fastRetry keeps concurrency tests quick while leaving room for the
// conflicts the memory store produces under load.
var fastRetry = ledger.RetryPolicy{
	MaxAttempts:     500,
	InitialInterval: 100 * time.Microsecond,
	MaxInterval:     2 * time.Millisecond,
}

func newFixture(opts ...ledger.Option) *fixture {
	f := &fixture{
		ctx:     context.Background(),
		store:   repository.NewMemoryStore(),
		catalog: repository.NewMemoryCatalog(map[string]int64{"join-channel": 200, "follow": 50, "free": 0}),
		clock:   newFakeClock(),
	}
	opts = append([]ledger.Option{ledger.WithClock(f.clock.Now), ledger.WithRetryPolicy(fastRetry)}, opts...)
	f.ledger = ledger.New(f.store, f.catalog, opts...)
	return f
}

func (f *fixture) resolve(id string, privileged bool) *account.Account {
	a, _, err := f.ledger.ResolveAccount(f.ctx, account.Profile{ID: id, DisplayName: "user " + id, Privileged: privileged})
	if err != nil {
		panic(err)
	}
	return a
}

func (f *fixture) balance(id string) int64 {
	a, err := f.store.Get(f.ctx, id)
	if err != nil {
		panic(err)
	}
	return a.Balance
}

func (f *fixture) setBalance(id string, balance int64) {
	_, err := f.store.Update(f.ctx, id, func(a *account.Account) error {
		a.Balance = balance
		return nil
	})
	if err != nil {
		panic(err)
	}
}
