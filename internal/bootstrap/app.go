package bootstrap

import (
	"context"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/dlqrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/escrowrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/idempotencyrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/ingestrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/journalrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/ledgerrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/modelwalletrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/reservationrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/mongodb/walletrepo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/adapters/rabbitmq"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/balancecache"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/eventbus"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/idempotencystore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ingest"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/ledgerstore"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/reservation"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/internal/services/walletengine"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/capauth"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mcontext"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mlog"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mmongo"
	"github.com/OmniQuestMedia/RedRoomRewards-sub001/pkg/mrabbitmq"
)

// App is the fully wired ledger core process: every adapter, service,
// and background worker constructed and ready to run.
type App struct {
	Logger mlog.Logger

	Mongo    *mmongo.MongoConnection
	RabbitMQ *rabbitmq.Forwarder

	Wallets      *walletengine.Service
	Reservations *reservation.Service
	Ledger       *ledgerstore.Service
	Idempotency  *idempotencystore.Service
	Bus          *eventbus.Bus
	BalanceCache *balancecache.Cache
	IngestWorker *ingest.Worker

	cfg *Config
}

// New loads configuration and wires every adapter and service. It does
// not connect to Mongo/RabbitMQ or start the ingest worker; call Run for
// that.
func New() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if cfg.LogLevel != "" {
		_ = level.UnmarshalText([]byte(cfg.LogLevel))
	}

	logger := mlog.NewZapLogger(level)

	mongoConn := mmongo.NewMongoConnection(cfg.MongoURI, cfg.MongoDatabase, logger)

	wallets := walletrepo.NewRepository(mongoConn)
	modelWallets := modelwalletrepo.NewRepository(mongoConn)
	escrows := escrowrepo.NewRepository(mongoConn)
	ledgerRepo := ledgerrepo.NewRepository(mongoConn)
	idemRepo := idempotencyrepo.NewRepository(mongoConn)
	reservations := reservationrepo.NewRepository(mongoConn)
	ingestRepo := ingestrepo.NewRepository(mongoConn)
	dlqRepo := dlqrepo.NewRepository(mongoConn)
	journal := journalrepo.NewRepository(mongoConn)

	idem := idempotencystore.NewService(idemRepo, 256)
	ledger := ledgerstore.NewService(ledgerRepo, idem)

	var forwarder *rabbitmq.Forwarder

	busOpts := []eventbus.Option{}

	if cfg.RabbitMQEnabled {
		rabbitConn := mrabbitmq.NewRabbitConnection(cfg.RabbitMQURI, cfg.RabbitMQExchange, logger)
		publisher := mrabbitmq.NewPublisher(rabbitConn, logger)
		forwarder = rabbitmq.NewForwarder(publisher)
		busOpts = append(busOpts, eventbus.WithForwarder(forwarder))
	}

	bus := eventbus.NewBus(busOpts...)

	tokens := capauth.NewIssuer([]byte(cfg.CapabilityTokenSecret), time.Duration(cfg.CapabilityTokenTTLSec)*time.Second)

	walletSvc := walletengine.NewService(wallets, modelWallets, escrows, journal, ledger, bus, tokens)
	reservationSvc := reservation.NewService(reservations, wallets, modelWallets, ledger, bus)

	cache := balancecache.NewCache(cfg.BalanceCacheCapacity, time.Duration(cfg.BalanceCacheTTLSeconds)*time.Second)
	cache.Subscribe(bus)

	worker := ingest.NewWorker(ingestRepo, dlqRepo, ledger).WithConfig(ingest.Config{
		PollInterval:           time.Duration(cfg.IngestPollIntervalSeconds) * time.Second,
		MaxConcurrentJobs:      cfg.IngestMaxConcurrentJobs,
		MaxRetryAttempts:       cfg.IngestMaxRetryAttempts,
		InitialRetryDelay:      time.Second,
		MaxRetryDelay:          60 * time.Second,
		RetryBackoffMultiplier: 2,
	})

	registerHandlers(worker, walletSvc, reservationSvc)

	return &App{
		Logger:       logger,
		Mongo:        mongoConn,
		RabbitMQ:     forwarder,
		Wallets:      walletSvc,
		Reservations: reservationSvc,
		Ledger:       ledger,
		Idempotency:  idem,
		Bus:          bus,
		BalanceCache: cache,
		IngestWorker: worker,
		cfg:          cfg,
	}, nil
}

// Run connects to MongoDB (the RabbitMQ publisher, when enabled, connects
// lazily on its first publish), ensures indexes, replays any
// partial-settle rows left incomplete by a prior crash, and starts the
// ingest worker's poll loop. It blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = mcontext.ContextWithLogger(ctx, a.Logger)

	if err := a.Mongo.Connect(ctx); err != nil {
		return err
	}

	if err := a.ensureIndexes(ctx); err != nil {
		return err
	}

	if _, err := a.Wallets.ResumeIncompletePartialSettles(ctx); err != nil {
		a.Logger.Errorf("bootstrap: resume incomplete partial settles: %v", err)
	}

	go a.IngestWorker.Start(ctx)

	<-ctx.Done()

	a.IngestWorker.Stop()

	return a.Mongo.Close(context.Background())
}

func (a *App) ensureIndexes(ctx context.Context) error {
	type indexer interface {
		EnsureIndexes(ctx context.Context) error
	}

	for _, r := range []indexer{
		walletrepo.NewRepository(a.Mongo),
		modelwalletrepo.NewRepository(a.Mongo),
		escrowrepo.NewRepository(a.Mongo),
		ledgerrepo.NewRepository(a.Mongo),
		idempotencyrepo.NewRepository(a.Mongo),
		reservationrepo.NewRepository(a.Mongo),
		ingestrepo.NewRepository(a.Mongo),
		dlqrepo.NewRepository(a.Mongo),
		journalrepo.NewRepository(a.Mongo),
	} {
		if err := r.EnsureIndexes(ctx); err != nil {
			return err
		}
	}

	return nil
}
