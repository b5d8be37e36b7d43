package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	autoreplyApp "github.com/AzielCF/az-dispatch/autoreply/application"
	autoreplyRepo "github.com/AzielCF/az-dispatch/autoreply/repository"
	broadcastApp "github.com/AzielCF/az-dispatch/broadcast/application"
	broadcastRepo "github.com/AzielCF/az-dispatch/broadcast/repository"
	"github.com/AzielCF/az-dispatch/core/config"
	"github.com/AzielCF/az-dispatch/core/database"
	amqpSink "github.com/AzielCF/az-dispatch/infrastructure/amqp"
	"github.com/AzielCF/az-dispatch/infrastructure/providers"
	"github.com/AzielCF/az-dispatch/infrastructure/valkey"
	ingestApp "github.com/AzielCF/az-dispatch/ingestion/application"
	ingestDomain "github.com/AzielCF/az-dispatch/ingestion/domain"
	ingestRepo "github.com/AzielCF/az-dispatch/ingestion/repository"
	msgApp "github.com/AzielCF/az-dispatch/messaging/application"
	msgRepo "github.com/AzielCF/az-dispatch/messaging/repository"
	"github.com/AzielCF/az-dispatch/pkg/crypto"
	"github.com/AzielCF/az-dispatch/pkg/eventbus"
	"github.com/AzielCF/az-dispatch/pkg/metrics"
	"github.com/AzielCF/az-dispatch/pkg/msgworker"
	"github.com/AzielCF/az-dispatch/pkg/ratelimit"
	workspaceApp "github.com/AzielCF/az-dispatch/workspace/application"
	workspaceRepo "github.com/AzielCF/az-dispatch/workspace/repository"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const eventsChannel = "events"

// app is the wired engine. Nothing in it is global; every command that needs
// it builds its own.
type app struct {
	cfg *config.Config
	db  *gorm.DB
	vk  *valkey.Client

	metrics   *metrics.Metrics
	bus       *eventbus.Bus
	gates     *ratelimit.Registry
	pools     *msgworker.Registry
	autoPool  *msgworker.MessageWorkerPool
	policy    msgApp.RetryPolicy
	sessions  *workspaceApp.SessionService
	ledger    *msgApp.Ledger
	dispatch  *msgApp.Dispatcher
	executor  *broadcastApp.Executor
	campaigns *broadcastApp.Service
	scheduler *broadcastApp.Scheduler
	rules     *autoreplyApp.RuleService
	pipeline  *ingestApp.Pipeline
	pruner    *ingestApp.Pruner

	closers []io.Closer
	cancel  context.CancelFunc
}

type migrator interface {
	Init(ctx context.Context) error
}

// storage opens the database and the optional valkey client and builds the
// repositories. It is all migrate and prune need.
type storage struct {
	db            *gorm.DB
	vk            *valkey.Client
	sessions      *workspaceRepo.SessionGormRepository
	messages      *msgRepo.MessageGormRepository
	conversations *msgRepo.ConversationGormRepository
	campaigns     *broadcastRepo.CampaignGormRepository
	rules         *autoreplyRepo.RuleGormRepository
	events        *ingestRepo.IdempotencyGormStore
	idempotency   ingestDomain.Store
}

func openStorage(cfg *config.Config) (*storage, error) {
	db, err := database.NewDatabase(cfg.Database, cfg.App.Debug)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(cfg.Security.SecretKey)
	if err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("failed to build credential cipher: %w", err)
	}

	s := &storage{
		db:            db,
		sessions:      workspaceRepo.NewSessionGormRepository(db, cipher),
		messages:      msgRepo.NewMessageGormRepository(db),
		conversations: msgRepo.NewConversationGormRepository(db),
		campaigns:     broadcastRepo.NewCampaignGormRepository(db),
		rules:         autoreplyRepo.NewRuleGormRepository(db),
		events:        ingestRepo.NewIdempotencyGormStore(db),
	}
	s.idempotency = s.events

	if cfg.Valkey.Enabled {
		vk, err := valkey.NewClient(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
		})
		if err != nil {
			_ = database.Close(db)
			return nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		s.vk = vk
	}

	switch cfg.Ingestion.Backend {
	case "valkey":
		if s.vk == nil {
			logrus.Warn("[INGEST] IDEMPOTENCY_BACKEND=valkey but valkey is disabled, using the database")
			break
		}
		s.idempotency = ingestRepo.NewIdempotencyValkeyStore(s.vk, cfg.Ingestion.Retention)
	case "database", "":
	default:
		s.close()
		return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Ingestion.Backend)
	}
	return s, nil
}

func (s *storage) migrators() []migrator {
	return []migrator{s.sessions, s.messages, s.conversations, s.campaigns, s.rules, s.events}
}

func (s *storage) migrate(ctx context.Context) error {
	for _, m := range s.migrators() {
		if err := m.Init(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *storage) close() {
	if s.vk != nil {
		s.vk.Close()
	}
	if err := database.Close(s.db); err != nil {
		logrus.WithError(err).Warn("[DATABASE] Close failed")
	}
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.migrate(ctx); err != nil {
		store.close()
		return nil, err
	}

	bg, cancel := context.WithCancel(context.Background())
	a := &app{
		cfg:     cfg,
		db:      store.db,
		vk:      store.vk,
		metrics: metrics.Registry("azdispatch"),
		cancel:  cancel,
		policy: msgApp.RetryPolicy{
			MaxAttempts: cfg.Campaign.MaxAttempts,
			BackoffBase: cfg.Campaign.BackoffBase,
			BackoffMax:  cfg.Campaign.BackoffMax,
		},
	}

	a.bus = eventbus.NewBus(cfg.Events.BufferSize, cfg.Events.SubscriberBufferSize)
	a.bus.OnDrop = func(eventbus.Event) { a.metrics.ObserveEventDropped() }
	a.bus.Start()

	a.gates = ratelimit.NewRegistry(cfg.RateLimit)
	a.gates.SetWaitObserver(a.metrics.ObserveRateLimitWait)
	a.pools = msgworker.NewRegistry(cfg.WorkerPool.WorkersPerSession, cfg.WorkerPool.QueueSize)

	a.sessions = workspaceApp.NewSessionService(store.sessions, providers.NewDefaultRegistry(cfg.Providers), a.bus)
	a.sessions.OnDisconnect(func(sessionID string) {
		a.gates.Remove(sessionID)
		a.pools.Remove(sessionID)
	})

	tracker := msgApp.NewTracker(store.messages, a.bus, a.metrics)
	a.ledger = msgApp.NewLedger(store.conversations, store.messages, a.bus)
	a.dispatch = msgApp.NewDispatcher(tracker, a.ledger, a.gates, a.metrics)
	a.dispatch.OnCredentialRevoked = func(ctx context.Context, sessionID, reason string) {
		if err := a.sessions.MarkExpired(ctx, sessionID, reason); err != nil {
			logrus.WithError(err).WithField("session_id", sessionID).Error("[SESSION] Could not expire session")
		}
	}

	a.executor = broadcastApp.NewExecutor(store.campaigns, a.sessions, a.dispatch, a.pools, a.bus, a.metrics, cfg.Campaign)
	a.campaigns = broadcastApp.NewService(store.campaigns, a.sessions, a.executor)
	a.scheduler = broadcastApp.NewScheduler(store.campaigns, a.executor, cfg.Campaign.SchedulerInterval, a.lockFunc())

	a.autoPool = msgworker.NewMessageWorkerPool("autoreply", cfg.WorkerPool.AutoReplyWorkers, cfg.WorkerPool.QueueSize)
	a.autoPool.Start(bg)
	engine := autoreplyApp.NewEngine(store.rules, a.dispatch, a.policy, a.metrics)
	runner := autoreplyApp.NewRunner(engine, a.autoPool, a.policy.MaxAttempts, a.policy.BackoffBase)
	a.rules = autoreplyApp.NewRuleService(store.rules, a.sessions)

	a.pipeline = ingestApp.NewPipeline(a.sessions, store.idempotency, tracker, a.ledger, runner, a.metrics, cfg.Ingestion.ClaimTTL)
	a.pruner = ingestApp.NewPruner(store.idempotency, cfg.Ingestion.Retention, cfg.Ingestion.PruneInterval)

	sinks, err := eventbus.SinksFromConfig(*cfg, a.sinkFactories(bg))
	if err != nil {
		a.stop(context.Background())
		return nil, err
	}
	for _, sink := range sinks {
		a.bus.Attach(bg, sink)
		if c, ok := sink.(io.Closer); ok {
			a.closers = append(a.closers, c)
		}
	}

	a.scheduler.StartLoop(bg)
	a.pruner.StartLoop(bg)

	logrus.WithFields(logrus.Fields{
		"server_id":   cfg.App.ServerID,
		"db":          cfg.Database.Driver,
		"valkey":      a.vk != nil,
		"idempotency": cfg.Ingestion.Backend,
		"sinks":       len(sinks),
		"retention":   cfg.Ingestion.Retention.String(),
	}).Info("[APP] Engine ready")
	return a, nil
}

func (a *app) sinkFactories(ctx context.Context) eventbus.SinkFactories {
	f := eventbus.SinkFactories{
		AMQP: func() (eventbus.Sink, error) {
			return amqpSink.Dial(ctx, a.cfg.AMQP, a.cfg.App.ServerID)
		},
	}
	if a.vk != nil {
		f.Relay = func() (eventbus.Sink, error) {
			relay := eventbus.NewRelay(a.vk, a.vk.Key(eventsChannel), a.cfg.App.ServerID, a.bus)
			go func() {
				if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
					logrus.WithError(err).Error("[EVENTBUS] Relay stopped")
				}
			}()
			return relay, nil
		}
	}
	return f
}

// lockFunc elects one scheduler per tick across nodes. Without valkey the
// node is alone and always wins.
func (a *app) lockFunc() func(key string, expiration time.Duration) bool {
	if a.vk == nil {
		return func(string, time.Duration) bool { return true }
	}
	return func(key string, expiration time.Duration) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		ok, err := a.vk.SetNX(ctx, a.vk.Key(key), a.cfg.App.ServerID, expiration)
		if err != nil {
			logrus.WithError(err).WithField("key", key).Warn("[CAMPAIGN] Lock unavailable")
			return false
		}
		return ok
	}
}

// stop releases everything in dependency order: running campaigns first, then
// the pools they use, then background loops, the bus and its sinks, and the
// connections last.
func (a *app) stop(ctx context.Context) {
	logrus.Info("[APP] Stopping engine...")
	if a.executor != nil {
		a.executor.Shutdown(ctx)
	}
	if a.pools != nil {
		a.pools.StopAll()
	}
	if a.autoPool != nil {
		a.autoPool.Stop()
	}
	a.cancel()
	a.bus.Close()
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logrus.WithError(err).Warn("[APP] Sink close failed")
		}
	}
	if a.vk != nil {
		a.vk.Close()
	}
	if err := database.Close(a.db); err != nil {
		logrus.WithError(err).Warn("[DATABASE] Close failed")
	}
	logrus.Info("[APP] Engine stopped cleanly")
}
