package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	repository "github.com/okian/coinledger/internal/adapters/repository"
	service "github.com/okian/coinledger/internal/app"
	"github.com/okian/coinledger/internal/config"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/ledger"
	"github.com/okian/coinledger/internal/domain/model"
	"github.com/okian/coinledger/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenStore struct {
	*repository.MemoryStore
}

func (brokenStore) Get(context.Context, string) (*account.Account, error) {
	return nil, errors.New("disk on fire")
}

func testConfig() *config.Config {
	cfg := config.New()
	cfg.WorkerCount = 2
	cfg.QueueSize = 64
	cfg.DedupeSize = 128
	cfg.Tasks = map[string]int64{"join-channel": 200}
	return cfg
}

func startService(cfg *config.Config, opts ...service.Option) *service.Service {
	opts = append([]service.Option{service.WithLogger(logger.Nop())}, opts...)
	svc := service.New(cfg, opts...)
	So(svc.Start(context.Background()), ShouldBeNil)
	Reset(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func profile(id string) account.Profile {
	return account.Profile{ID: id, DisplayName: "User " + id}
}

func TestServiceLifecycle(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(nil, service.WithLogger(logger.Nop()))

		Convey("Stats report it stopped", func() {
			So(svc.GetStats()["started"], ShouldEqual, false)
		})

		Convey("Operations fail before Start", func() {
			_, err := svc.Account(context.Background(), "1")
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.SeenAndRecord(context.Background(), "1")
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			So(svc.Enqueue(context.Background(), model.Delivery{ID: "1"}), ShouldEqual, service.ErrNotStarted)
		})

		Convey("Start and Stop are idempotent", func() {
			ctx := context.Background()
			So(svc.Start(ctx), ShouldBeNil)
			So(svc.Start(ctx), ShouldBeNil)

			stats := svc.GetStats()
			So(stats["started"], ShouldEqual, true)
			So(stats["store"], ShouldEqual, config.StoreMemory)
			So(stats["accounts"], ShouldEqual, 0)

			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.Stop(ctx), ShouldBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})
}

func TestServiceOperations(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		clk := &clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
		svc := startService(testConfig(), service.WithClock(clk.Now))

		Convey("StartAccount creates the account and pays the referrer", func() {
			_, err := svc.StartAccount(ctx, profile("alice"), "")
			So(err, ShouldBeNil)

			res, err := svc.StartAccount(ctx, profile("bob"), account.EncodeReferral("alice"))
			So(err, ShouldBeNil)
			So(res.Created, ShouldBeTrue)
			So(res.Referral, ShouldNotBeNil)
			So(res.Referral.Bonus, ShouldEqual, 100)

			alice, err := svc.Account(ctx, "alice")
			So(err, ShouldBeNil)
			So(alice.Balance, ShouldEqual, 100)
		})

		Convey("Tasks come from the configured catalog", func() {
			_, _ = svc.StartAccount(ctx, profile("carol"), "")

			res, err := svc.ClaimTask(ctx, "carol", "join-channel")
			So(err, ShouldBeNil)
			So(res.Balance, ShouldEqual, 200)

			_, err = svc.ClaimTask(ctx, "carol", "join-channel")
			So(errors.Is(err, ledger.ErrAlreadyClaimed), ShouldBeTrue)
		})

		Convey("Daily claims use the service clock", func() {
			_, _ = svc.StartAccount(ctx, profile("dave"), "")

			res, err := svc.ClaimDaily(ctx, "dave")
			So(err, ShouldBeNil)
			So(res.Awarded, ShouldEqual, 50)

			_, err = svc.ClaimDaily(ctx, "dave")
			So(errors.Is(err, ledger.ErrTooSoon), ShouldBeTrue)

			clk.Advance(24 * time.Hour)
			res, err = svc.ClaimDaily(ctx, "dave")
			So(err, ShouldBeNil)
			So(res.StreakDay, ShouldEqual, 2)
		})

		Convey("Purchases are priced from config", func() {
			_, _ = svc.StartAccount(ctx, profile("erin"), "")
			_, _ = svc.ClaimTask(ctx, "erin", "join-channel")

			res, err := svc.Purchase(ctx, "erin", "buy-analyzer")
			So(err, ShouldBeNil)
			So(res.Balance, ShouldEqual, 195)
			So(res.Feature.Name, ShouldEqual, "buy-analyzer")

			_, err = svc.Purchase(ctx, "erin", "time-machine")
			So(errors.Is(err, service.ErrUnknownFeature), ShouldBeTrue)
			So(ledger.Code(err), ShouldEqual, "bad_request")
		})
	})
}

func TestServiceDeliveries(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		svc := startService(testConfig())

		Convey("Delivery ids are deduplicated", func() {
			seen, err := svc.SeenAndRecord(ctx, "u-1")
			So(err, ShouldBeNil)
			So(seen, ShouldBeFalse)

			seen, err = svc.SeenAndRecord(ctx, "u-1")
			So(err, ShouldBeNil)
			So(seen, ShouldBeTrue)

			So(svc.Unrecord(ctx, "u-1"), ShouldBeNil)
			seen, _ = svc.SeenAndRecord(ctx, "u-1")
			So(seen, ShouldBeFalse)
			So(svc.Size(), ShouldEqual, 1)
		})

		Convey("Queued deliveries are applied by the workers", func() {
			So(svc.Enqueue(ctx, model.Delivery{ID: "1", Kind: model.KindStart, Profile: profile("frank")}), ShouldBeNil)
			So(svc.Enqueue(ctx, model.Delivery{ID: "2", Kind: model.KindClaimTask, Profile: profile("gina"), Argument: "join-channel"}), ShouldBeNil)

			So(eventually(func() bool {
				a, err := svc.Account(ctx, "gina")
				return err == nil && a.Balance == 200
			}), ShouldBeTrue)
			So(eventually(func() bool {
				_, err := svc.Account(ctx, "frank")
				return err == nil
			}), ShouldBeTrue)
		})

		Convey("Rejections are handled, not failed", func() {
			d := model.Delivery{ID: "3", Kind: model.KindClaimTask, Profile: profile("hank"), Argument: "join-channel"}
			So(svc.Handle(ctx, d), ShouldBeNil)
			So(svc.Handle(ctx, d), ShouldBeNil)

			d = model.Delivery{ID: "4", Kind: model.KindPurchase, Profile: profile("ivy"), Argument: "buy-analyzer"}
			So(svc.Handle(ctx, d), ShouldBeNil)
			ivy, err := svc.Account(ctx, "ivy")
			So(err, ShouldBeNil)
			So(ivy.Balance, ShouldEqual, 0)
			So(ivy.ActiveFeature, ShouldBeNil)
		})
	})

	Convey("Given a store that fails", t, func() {
		ctx := context.Background()
		svc := startService(testConfig(), service.WithStore(brokenStore{repository.NewMemoryStore()}, nil))

		Convey("A failed delivery is forgotten so a resend is accepted", func() {
			seen, err := svc.SeenAndRecord(ctx, "99")
			So(err, ShouldBeNil)
			So(seen, ShouldBeFalse)

			err = svc.Handle(ctx, model.Delivery{ID: "99", Kind: model.KindClaimDaily, Profile: profile("jack")})
			So(err, ShouldNotBeNil)

			seen, err = svc.SeenAndRecord(ctx, "99")
			So(err, ShouldBeNil)
			So(seen, ShouldBeFalse)
		})
	})
}

func TestServiceFeatureSweep(t *testing.T) {
	Convey("Given a service with a fast expiry job", t, func() {
		ctx := context.Background()
		clk := &clock{now: time.Now()}
		cfg := testConfig()
		cfg.FeatureSweepInterval = 20 * time.Millisecond
		svc := startService(cfg, service.WithClock(clk.Now))

		_, _ = svc.StartAccount(ctx, profile("kate"), "")
		_, _ = svc.ClaimTask(ctx, "kate", "join-channel")
		_, err := svc.Purchase(ctx, "kate", "buy-analyzer")
		So(err, ShouldBeNil)

		Convey("Expired features are cleared in the background", func() {
			clk.Advance(31 * 24 * time.Hour)
			So(eventually(func() bool {
				a, err := svc.Account(ctx, "kate")
				return err == nil && a.ActiveFeature == nil
			}), ShouldBeTrue)

			kate, _ := svc.Account(ctx, "kate")
			So(kate.Balance, ShouldEqual, 195)
		})
	})
}

func TestServiceBoltBackend(t *testing.T) {
	Convey("Given a service on the bolt backend", t, func() {
		ctx := context.Background()
		cfg := testConfig()
		cfg.Store = config.StoreBolt
		cfg.BoltPath = filepath.Join(t.TempDir(), "ledger.db")
		svc := startService(cfg)

		Convey("The seeded catalog and accounts are persisted", func() {
			_, err := svc.StartAccount(ctx, profile("liam"), "")
			So(err, ShouldBeNil)
			res, err := svc.ClaimTask(ctx, "liam", "join-channel")
			So(err, ShouldBeNil)
			So(res.Points, ShouldEqual, 200)
			So(svc.GetStats()["accounts"], ShouldEqual, 1)
		})
	})
}
