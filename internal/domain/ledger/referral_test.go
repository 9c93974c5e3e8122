package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/ledger"
	. "github.com/smartystreets/goconvey/convey"
)

func TestApplyReferral(t *testing.T) {
	Convey("Given a referrer A and a new account B", t, func() {
		f := newFixture()
		f.resolve("A", false)
		f.resolve("B", false)
		code := account.EncodeReferral("A")

		Convey("When B applies A's code", func() {
			res, err := f.ledger.ApplyReferral(f.ctx, "B", code)

			Convey("Then A is credited the standard bonus and the edge is recorded", func() {
				So(err, ShouldBeNil)
				So(res.ReferrerID, ShouldEqual, "A")
				So(res.Bonus, ShouldEqual, 100)
				So(res.Duplicate, ShouldBeFalse)
				So(res.ReferrerBalance, ShouldEqual, 100)

				a, _ := f.store.Get(f.ctx, "A")
				So(a.Referrals["B"].BonusAwarded, ShouldEqual, 100)
				So(a.Referrals["B"].SnapshotName, ShouldEqual, "user B")
				b, _ := f.store.Get(f.ctx, "B")
				So(b.ReferredBy, ShouldEqual, "A")
			})

			Convey("Then a duplicate delivery credits nothing more", func() {
				again, err := f.ledger.ApplyReferral(f.ctx, "B", code)
				So(err, ShouldBeNil)
				So(again.Duplicate, ShouldBeTrue)
				So(again.Bonus, ShouldEqual, 0)
				So(again.ReferrerBalance, ShouldEqual, 100)
				So(f.balance("A"), ShouldEqual, 100)
			})

			Convey("Then a code for a different referrer is refused", func() {
				f.resolve("C", false)
				_, err := f.ledger.ApplyReferral(f.ctx, "B", account.EncodeReferral("C"))
				So(errors.Is(err, ledger.ErrAlreadyReferred), ShouldBeTrue)
				So(f.balance("C"), ShouldEqual, 0)
				b, _ := f.store.Get(f.ctx, "B")
				So(b.ReferredBy, ShouldEqual, "A")
			})
		})

		Convey("When a privileged account applies the code", func() {
			f.resolve("P", true)
			res, err := f.ledger.ApplyReferral(f.ctx, "P", code)
			So(err, ShouldBeNil)
			So(res.Bonus, ShouldEqual, 500)
			So(f.balance("A"), ShouldEqual, 500)
		})

		Convey("When bonuses are configured", func() {
			g := newFixture(ledger.WithReferralBonus(7, 70))
			g.resolve("A", false)
			g.resolve("B", true)
			res, err := g.ledger.ApplyReferral(g.ctx, "B", code)
			So(err, ShouldBeNil)
			So(res.Bonus, ShouldEqual, 70)
		})

		Convey("When A applies its own code", func() {
			f.setBalance("A", 30)
			_, err := f.ledger.ApplyReferral(f.ctx, "A", code)

			Convey("Then it is a self referral and nothing changes", func() {
				So(errors.Is(err, ledger.ErrSelfReferral), ShouldBeTrue)
				a, _ := f.store.Get(f.ctx, "A")
				So(a.Balance, ShouldEqual, 30)
				So(a.ReferredBy, ShouldEqual, "")
				So(a.Referrals, ShouldBeEmpty)
			})
		})

		Convey("Malformed codes are rejected before any lookup", func() {
			for _, bad := range []string{"", "A", "ref_", "ref_a b"} {
				_, err := f.ledger.ApplyReferral(f.ctx, "B", bad)
				So(errors.Is(err, ledger.ErrInvalidReferralCode), ShouldBeTrue)
			}
		})

		Convey("Unknown accounts are reported distinctly", func() {
			_, err := f.ledger.ApplyReferral(f.ctx, "B", account.EncodeReferral("ghost"))
			So(errors.Is(err, ledger.ErrReferrerNotFound), ShouldBeTrue)
			So(errors.Is(err, ledger.ErrNotFound), ShouldBeTrue)

			_, err = f.ledger.ApplyReferral(f.ctx, "ghost", code)
			So(errors.Is(err, ledger.ErrAccountNotFound), ShouldBeTrue)

			b, _ := f.store.Get(f.ctx, "B")
			So(b.ReferredBy, ShouldEqual, "")
		})
	})
}

func TestConcurrentReferrals(t *testing.T) {
	Convey("Given a referrer and many new accounts", t, func() {
		f := newFixture()
		f.resolve("A", false)
		const n = 25
		for i := 0; i < n; i++ {
			f.resolve(fmt.Sprintf("B%d", i), i%5 == 0)
		}
		code := account.EncodeReferral("A")

		Convey("When they all apply the code at once, twice each", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 2*n)
			for i := 0; i < n; i++ {
				for rep := 0; rep < 2; rep++ {
					wg.Add(1)
					go func(id string) {
						defer wg.Done()
						_, err := f.ledger.ApplyReferral(f.ctx, id, code)
						errs <- err
					}(fmt.Sprintf("B%d", i))
				}
			}
			wg.Wait()
			close(errs)

			Convey("Then every edge lands once and the balance sums up", func() {
				for err := range errs {
					So(err, ShouldBeNil)
				}
				a, err := f.store.Get(f.ctx, "A")
				So(err, ShouldBeNil)
				So(a.Referrals, ShouldHaveLength, n)

				var want int64
				for i := 0; i < n; i++ {
					if i%5 == 0 {
						want += 500
					} else {
						want += 100
					}
					b, _ := f.store.Get(f.ctx, fmt.Sprintf("B%d", i))
					So(b.ReferredBy, ShouldEqual, "A")
				}
				So(a.Balance, ShouldEqual, want)
			})
		})
	})
}

func TestReferralExhaustedRetries(t *testing.T) {
	Convey("Given a referrer whose record keeps conflicting", t, func() {
		f := newFixture()
		f.resolve("A", false)
		f.resolve("B", false)
		store := &conflictStore{Store: f.store, ids: map[string]bool{"A": true}}
		l := ledger.New(store, f.catalog,
			ledger.WithClock(f.clock.Now),
			ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 3, InitialInterval: 1, MaxInterval: 1}),
		)

		Convey("When B applies A's code", func() {
			_, err := l.ApplyReferral(f.ctx, "B", account.EncodeReferral("A"))

			Convey("Then a transient conflict surfaces and both stay unreferred", func() {
				So(errors.Is(err, ledger.ErrTransientConflict), ShouldBeTrue)
				So(store.updates.Load(), ShouldEqual, 3)

				a, _ := f.store.Get(f.ctx, "A")
				So(a.Balance, ShouldEqual, 0)
				So(a.Referrals, ShouldBeEmpty)
				b, _ := f.store.Get(f.ctx, "B")
				So(b.ReferredBy, ShouldEqual, "")
			})

			Convey("Then retrying later with a healthy store credits once", func() {
				res, err := f.ledger.ApplyReferral(f.ctx, "B", account.EncodeReferral("A"))
				So(err, ShouldBeNil)
				So(res.Duplicate, ShouldBeFalse)
				So(f.balance("A"), ShouldEqual, 100)
			})
		})
	})
}

// releaseRaceStore keeps every update of the referrer conflicting and, on
// the second read of the referrer, lets another delivery finish the
// referral before handing back the read taken earlier.
type releaseRaceStore struct {
	repository.Store
	referrer string
	gets     int
	between  func()
}

func (s *releaseRaceStore) Update(ctx context.Context, id string, fn repository.UpdateFunc) (*account.Account, error) {
	if id == s.referrer {
		return nil, repository.ErrConflict
	}
	return s.Store.Update(ctx, id, fn)
}

func (s *releaseRaceStore) Get(ctx context.Context, id string) (*account.Account, error) {
	a, err := s.Store.Get(ctx, id)
	if id == s.referrer {
		s.gets++
		if s.gets == 2 && s.between != nil {
			s.between()
		}
	}
	return a, err
}

func TestReferralReleaseRace(t *testing.T) {
	Convey("Given a delivery whose credit exhausts its retries", t, func() {
		f := newFixture()
		f.resolve("A", false)
		f.resolve("B", false)
		code := account.EncodeReferral("A")

		var second ledger.ReferralResult
		var secondErr error
		store := &releaseRaceStore{Store: f.store, referrer: "A"}
		store.between = func() {
			second, secondErr = f.ledger.ApplyReferral(f.ctx, "B", code)
		}
		l := ledger.New(store, f.catalog,
			ledger.WithClock(f.clock.Now),
			ledger.WithRetryPolicy(ledger.RetryPolicy{MaxAttempts: 2, InitialInterval: 1, MaxInterval: 1}),
		)

		Convey("When a redelivery commits the edge while the reservation is released", func() {
			_, err := l.ApplyReferral(f.ctx, "B", code)

			Convey("Then the edge and ReferredBy still agree", func() {
				So(errors.Is(err, ledger.ErrTransientConflict), ShouldBeTrue)
				So(secondErr, ShouldBeNil)
				So(second.Bonus, ShouldEqual, 100)

				a, _ := f.store.Get(f.ctx, "A")
				So(a.Balance, ShouldEqual, 100)
				So(a.Referrals, ShouldContainKey, "B")
				b, _ := f.store.Get(f.ctx, "B")
				So(b.ReferredBy, ShouldEqual, "A")
			})
		})
	})
}

func TestReferralLookupOrder(t *testing.T) {
	Convey("Given a code for an unknown referrer", t, func() {
		f := newFixture()
		f.resolve("A", false)

		Convey("Then a missing referrer is reported before a missing new account", func() {
			_, err := f.ledger.ApplyReferral(f.ctx, "ghost", account.EncodeReferral("nobody"))
			So(errors.Is(err, ledger.ErrReferrerNotFound), ShouldBeTrue)

			_, err = f.ledger.ApplyReferral(f.ctx, "ghost", account.EncodeReferral("A"))
			So(errors.Is(err, ledger.ErrAccountNotFound), ShouldBeTrue)
		})
	})
}

func TestReferralBalanceOverflow(t *testing.T) {
	Convey("Given a referrer at the largest balance", t, func() {
		f := newFixture()
		f.resolve("A", false)
		f.resolve("B", false)
		f.setBalance("A", math.MaxInt64)

		Convey("When B applies A's code", func() {
			_, err := f.ledger.ApplyReferral(f.ctx, "B", account.EncodeReferral("A"))

			Convey("Then the bonus is refused and the reservation released", func() {
				So(errors.Is(err, ledger.ErrBalanceOverflow), ShouldBeTrue)
				So(f.balance("A"), ShouldEqual, int64(math.MaxInt64))
				a, _ := f.store.Get(f.ctx, "A")
				So(a.Referrals, ShouldBeEmpty)
				b, _ := f.store.Get(f.ctx, "B")
				So(b.ReferredBy, ShouldEqual, "")
			})
		})
	})
}
