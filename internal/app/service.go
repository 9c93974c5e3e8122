// Package service wires the ledger engines, storage backends, delivery
// queue and background jobs behind the dependencies the HTTP API needs.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/redis/go-redis/v9"

	eventqueue "github.com/okian/coinledger/internal/adapters/mq/queue"
	workerpool "github.com/okian/coinledger/internal/adapters/mq/worker"
	repository "github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/config"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/dedupe"
	"github.com/okian/coinledger/internal/domain/ledger"
	"github.com/okian/coinledger/internal/domain/model"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// ErrUnknownFeature is returned when a purchase names a feature that has no
// price configured.
var ErrUnknownFeature = fmt.Errorf("unknown feature: %w", ledger.ErrInvalidInput)

// ErrNotStarted is returned by operations invoked before Start.
var ErrNotStarted = errors.New("service not started")

// Service implements the API dependencies for the coin ledger.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	store     repository.Store
	catalog   repository.Catalog
	ledger    *ledger.Ledger
	deduper   dedupe.Deduper
	redis     *redis.Client
	queue     *eventqueue.InMemoryQueue
	pool      *workerpool.Pool
	scheduler gocron.Scheduler

	// Injected overrides, mostly for tests.
	injectedStore   repository.Store
	injectedCatalog repository.Catalog
	injectedDeduper dedupe.Deduper

	clock func() time.Time

	// State
	started bool
	cancel  context.CancelFunc

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used by the ledger and the service.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithStore replaces the configured backend. A nil catalog falls back to a
// memory catalog seeded from the config.
func WithStore(store repository.Store, catalog repository.Catalog) Option {
	return func(s *Service) {
		s.injectedStore = store
		s.injectedCatalog = catalog
	}
}

// WithDeduper replaces the configured delivery deduper.
func WithDeduper(d dedupe.Deduper) Option {
	return func(s *Service) {
		s.injectedDeduper = d
	}
}

// New constructs a Service for cfg. A nil cfg uses config defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{
		cfg:   cfg,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the backends and starts the workers and the expiry job.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger.Info(ctx, "starting ledger service...", logger.String("store", s.cfg.Store))

	if err := s.openStore(ctx); err != nil {
		return err
	}
	if err := s.openDeduper(ctx); err != nil {
		s.closeStore(ctx)
		return err
	}

	s.ledger = ledger.New(s.store, s.catalog,
		ledger.WithClock(s.clock),
		ledger.WithLogger(s.logger.Named("ledger")),
		ledger.WithReferralBonus(s.cfg.StandardBonus, s.cfg.PrivilegedBonus),
		ledger.WithReferralWindow(s.cfg.ReferralWindow),
		ledger.WithDailyPolicy(ledger.DailyPolicy{
			Cooldown:     s.cfg.DailyCooldown,
			StreakWindow: s.cfg.DailyStreakWindow,
			BaseReward:   s.cfg.DailyBaseReward,
			StreakStep:   s.cfg.DailyStreakStep,
			StreakCap:    s.cfg.DailyStreakCap,
		}),
		ledger.WithRetryPolicy(ledger.RetryPolicy{
			MaxAttempts:     s.cfg.TxMaxAttempts,
			InitialInterval: s.cfg.TxInitialBackoff,
			MaxInterval:     s.cfg.TxMaxBackoff,
		}),
	)

	// Workers outlive the request that started the service.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.pool = workerpool.NewPool(s.cfg.WorkerCount, s.queue, workerpool.HandlerFunc(s.Handle), s.logger)
	s.pool.Start(runCtx)

	if err := s.startScheduler(runCtx); err != nil {
		cancel()
		_ = s.pool.Shutdown(ctx)
		s.closeDeduper()
		s.closeStore(ctx)
		return err
	}

	s.started = true
	s.logger.Info(ctx, "ledger service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queue_size", s.queue.Capacity()),
		logger.Duration("feature_sweep_interval", s.cfg.FeatureSweepInterval),
	)
	return nil
}

// Stop drains the queue and closes the backends.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping ledger service...")

	var errs []error
	if err := s.scheduler.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
	}
	if err := s.pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.cancel()
	s.closeDeduper()
	s.closeStore(ctx)

	s.started = false
	s.logger.Info(ctx, "ledger service stopped")
	return errors.Join(errs...)
}

func (s *Service) openStore(ctx context.Context) error {
	if s.injectedStore != nil {
		s.store = s.injectedStore
		s.catalog = s.injectedCatalog
		if s.catalog == nil {
			s.catalog = repository.NewMemoryCatalog(s.cfg.Tasks)
		}
		return nil
	}

	switch s.cfg.Store {
	case config.StoreBolt:
		st, err := repository.OpenBolt(s.cfg.BoltPath, repository.WithTasks(s.cfg.Tasks))
		if err != nil {
			return fmt.Errorf("open bolt store: %w", err)
		}
		s.store, s.catalog = st, st
	case config.StoreMongo:
		st, err := repository.OpenMongo(ctx, s.cfg.MongoURI,
			repository.WithDatabase(s.cfg.MongoDatabase),
			repository.WithTasks(s.cfg.Tasks),
		)
		if err != nil {
			return fmt.Errorf("open mongo store: %w", err)
		}
		s.store, s.catalog = st, st
	default:
		s.store = repository.NewMemoryStore()
		s.catalog = repository.NewMemoryCatalog(s.cfg.Tasks)
	}
	return nil
}

func (s *Service) closeStore(ctx context.Context) {
	if s.store == nil || s.store == s.injectedStore {
		return
	}
	if err := s.store.Close(ctx); err != nil {
		s.logger.Error(ctx, "error closing store", logger.Error(err))
	}
}

func (s *Service) openDeduper(ctx context.Context) error {
	switch {
	case s.injectedDeduper != nil:
		s.deduper = s.injectedDeduper
	case s.cfg.RedisURL != "":
		client, err := dedupe.NewRedisClient(ctx, s.cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
		s.deduper = dedupe.NewRedisDeduper(client, s.cfg.DedupeTTL)
		s.logger.Info(ctx, "using redis deduper")
	default:
		s.deduper = dedupe.NewInMemoryDeduper(
			dedupe.WithMaxSize(s.cfg.DedupeSize),
			dedupe.WithTTL(s.cfg.DedupeTTL),
			dedupe.WithClock(s.clock),
		)
	}
	return nil
}

func (s *Service) closeDeduper() {
	if s.redis == nil {
		return
	}
	if err := s.redis.Close(); err != nil {
		s.logger.Error(context.Background(), "error closing redis client", logger.Error(err))
	}
	s.redis = nil
}

func (s *Service) startScheduler(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(s.cfg.FeatureSweepInterval),
		gocron.NewTask(func() { s.sweepFeatures(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("expire-features"),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule feature expiry: %w", err)
	}
	sched.Start()
	s.scheduler = sched
	return nil
}

func (s *Service) sweepFeatures(ctx context.Context) {
	n, err := s.ledger.ExpireFeatures(ctx, s.clock())
	if err != nil {
		s.logger.Error(ctx, "feature expiry sweep failed", logger.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info(ctx, "expired paid features", logger.Int("count", n))
	}
}

func (s *Service) engine() (*ledger.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.ledger, nil
}

// StartAccount resolves the caller's account and applies a first-start
// referral code.
func (s *Service) StartAccount(ctx context.Context, p account.Profile, code string) (ledger.StartResult, error) {
	l, err := s.engine()
	if err != nil {
		return ledger.StartResult{}, err
	}
	return l.Start(ctx, p, code)
}

// Account returns the stored account for id.
func (s *Service) Account(ctx context.Context, id string) (*account.Account, error) {
	l, err := s.engine()
	if err != nil {
		return nil, err
	}
	return l.Account(ctx, id)
}

// ApplyReferral attributes newID to the owner of code.
func (s *Service) ApplyReferral(ctx context.Context, newID, code string) (ledger.ReferralResult, error) {
	l, err := s.engine()
	if err != nil {
		return ledger.ReferralResult{}, err
	}
	return l.ApplyReferral(ctx, newID, code)
}

// ClaimTask credits a catalog task once.
func (s *Service) ClaimTask(ctx context.Context, userID, taskID string) (ledger.TaskResult, error) {
	l, err := s.engine()
	if err != nil {
		return ledger.TaskResult{}, err
	}
	return l.ClaimTask(ctx, userID, taskID)
}

// ClaimDaily credits the daily reward as of now.
func (s *Service) ClaimDaily(ctx context.Context, userID string) (ledger.DailyResult, error) {
	l, err := s.engine()
	if err != nil {
		return ledger.DailyResult{}, err
	}
	return l.ClaimDaily(ctx, userID, s.clock())
}

// Purchase activates the named feature at its configured price.
func (s *Service) Purchase(ctx context.Context, userID, feature string) (ledger.PurchaseResult, error) {
	l, err := s.engine()
	if err != nil {
		return ledger.PurchaseResult{}, err
	}
	return s.purchase(ctx, l, userID, feature)
}

func (s *Service) purchase(ctx context.Context, l *ledger.Ledger, userID, feature string) (ledger.PurchaseResult, error) {
	f, ok := s.cfg.Features[feature]
	if !ok {
		return ledger.PurchaseResult{}, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	return l.PurchaseFeature(ctx, userID, ledger.PurchaseRequest{
		Feature:  feature,
		Cost:     f.Cost,
		Duration: f.Duration,
	})
}

// SeenAndRecord reports whether a delivery id was already accepted and
// records it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) (bool, error) {
	if s.deduper == nil {
		return false, ErrNotStarted
	}
	seen, err := s.deduper.SeenAndRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if seen {
		metrics.RecordDeliveryDuplicate()
	}
	return seen, nil
}

// Unrecord forgets a delivery id so a redelivery is accepted.
func (s *Service) Unrecord(ctx context.Context, id string) error {
	if s.deduper == nil {
		return ErrNotStarted
	}
	return s.deduper.Unrecord(ctx, id)
}

// Size returns the current number of remembered delivery ids.
func (s *Service) Size() int64 {
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Enqueue submits a delivery for asynchronous processing.
func (s *Service) Enqueue(ctx context.Context, d model.Delivery) error { //nolint:gocritic // hugeParam
	s.mu.RLock()
	q := s.queue
	s.mu.RUnlock()
	if q == nil {
		return ErrNotStarted
	}
	if err := q.Enqueue(ctx, d); err != nil {
		return err
	}
	s.logger.Debug(ctx, "delivery enqueued",
		logger.String("delivery_id", d.ID),
		logger.String("kind", string(d.Kind)),
	)
	return nil
}

// Handle applies one queued delivery. Ledger rejections are outcomes, not
// failures; only infrastructure errors and exhausted retries are returned,
// after the delivery id is forgotten so a resend is processed.
func (s *Service) Handle(ctx context.Context, d model.Delivery) error { //nolint:gocritic // hugeParam
	err := s.dispatch(ctx, d)
	if err == nil {
		return nil
	}
	switch ledger.Code(err) {
	case "internal", "transient_conflict":
		if uerr := s.deduper.Unrecord(ctx, d.ID); uerr != nil {
			err = errors.Join(err, uerr)
		}
		return err
	default:
		s.logger.Info(ctx, "delivery rejected",
			logger.String("kind", string(d.Kind)),
			logger.String("account_id", d.Profile.ID),
			logger.String("outcome", ledger.Code(err)),
		)
		return nil
	}
}

// dispatch runs on pool workers, which Stop drains while holding s.mu, so it
// must not take the lock. s.ledger is set before the pool starts.
func (s *Service) dispatch(ctx context.Context, d model.Delivery) error { //nolint:gocritic // hugeParam
	l := s.ledger
	if l == nil {
		return ErrNotStarted
	}
	if d.Kind == model.KindStart {
		_, err := l.Start(ctx, d.Profile, d.Argument)
		return err
	}

	// Every other command may be the first contact from this user.
	a, _, err := l.ResolveAccount(ctx, d.Profile)
	if err != nil {
		return err
	}
	switch d.Kind {
	case model.KindClaimTask:
		_, err = l.ClaimTask(ctx, a.ID, d.Argument)
	case model.KindClaimDaily:
		now := d.ReceivedAt
		if now.IsZero() {
			now = s.clock()
		}
		_, err = l.ClaimDaily(ctx, a.ID, now)
	case model.KindPurchase:
		_, err = s.purchase(ctx, l, a.ID, d.Argument)
	default:
		err = fmt.Errorf("delivery kind %q: %w", d.Kind, ledger.ErrInvalidInput)
	}
	return err
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started": s.started,
		"store":   s.cfg.Store,
	}
	if !s.started {
		return stats
	}

	ctx := context.Background()
	if n, err := s.store.Count(ctx); err == nil {
		stats["accounts"] = n
	}
	queueLen := s.queue.Len()
	stats["queue_length"] = queueLen
	stats["queue_capacity"] = s.queue.Capacity()
	stats["workers"] = s.pool.Size()
	stats["processed"] = s.pool.Processed()
	stats["failed"] = s.pool.Failed()
	stats["dedupe_size"] = s.deduper.Size()

	metrics.UpdateQueueSize(queueLen)
	return stats
}
