package cli

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/internal/repositories"
	"github.com/Ramsey-B/clover/internal/repositories/mergeaudit"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/redis"
	"github.com/Ramsey-B/clover/pkg/startup"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// app owns the process-wide dependencies shared by every command.
type app struct {
	cfg      *config.Config
	logger   ectologger.Logger
	db       database.DB
	redis    *redis.Client
	producer *kafka.Producer
	startup  *startup.Startup

	stopTracing func(context.Context) error
}

func newLogger(cfg *config.Config) (ectologger.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zapConfig.Level = level
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}

func newApp() (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		startup: startup.NewStartup(logger, cfg.StartupMaxAttempts),
	}
	a.register()
	return a, nil
}

// register adds every infrastructure dependency. Optional ones are no-ops when disabled.
func (a *app) register() {
	a.startup.AddDependency(startup.Func{
		Name: "tracing",
		StartFunc: func(ctx context.Context) error {
			if !a.cfg.TracingEnabled {
				return nil
			}
			shutdown, err := tracing.Init(ctx, a.cfg.Tracing())
			if err != nil {
				return err
			}
			a.stopTracing = shutdown
			return nil
		},
		StopFunc: func(ctx context.Context) error {
			if a.stopTracing == nil {
				return nil
			}
			return a.stopTracing(ctx)
		},
	})

	a.startup.AddDependency(startup.Func{
		Name:  "database",
		Needs: []string{"tracing"},
		StartFunc: func(ctx context.Context) error {
			db, err := database.Connect(ctx, a.cfg.Database(), a.logger)
			if err != nil {
				return err
			}
			a.db = db
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.db == nil {
				return nil
			}
			return a.db.Close()
		},
	})

	a.startup.AddDependency(startup.Func{
		Name: "redis",
		StartFunc: func(ctx context.Context) error {
			if !a.cfg.RedisEnabled {
				return nil
			}
			client, err := redis.NewClient(ctx, redis.Config{
				Host:     a.cfg.RedisHost,
				Port:     a.cfg.RedisPort,
				Password: a.cfg.RedisPassword,
				DB:       a.cfg.RedisDB,
			}, a.logger)
			if err != nil {
				return err
			}
			a.redis = client
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.redis == nil {
				return nil
			}
			return a.redis.Close()
		},
	})

	a.startup.AddDependency(startup.Func{
		Name: "kafka",
		StartFunc: func(context.Context) error {
			if !a.cfg.KafkaEnabled {
				return nil
			}
			a.producer = kafka.NewProducer(kafka.ProducerConfig{
				Brokers:      a.cfg.KafkaBrokers,
				Topic:        a.cfg.KafkaOutputTopic,
				BatchSize:    a.cfg.KafkaBatchSize,
				BatchTimeout: time.Duration(a.cfg.KafkaBatchTimeout) * time.Millisecond,
				RequiredAcks: a.cfg.KafkaRequiredAcks,
				Compression:  a.cfg.KafkaCompression,
			}, a.logger)
			return nil
		},
		StopFunc: func(context.Context) error {
			if a.producer == nil {
				return nil
			}
			return a.producer.Close()
		},
	})
}

// addMigrations makes the schema migration a startup step after the database connects.
func (a *app) addMigrations() {
	a.startup.AddDependency(startup.Func{
		Name:  "migrations",
		Needs: []string{"database"},
		StartFunc: func(context.Context) error {
			return database.NewMigrationService(a.logger, a.cfg.Migration()).Migrate(a.cfg.DatabaseName, a.db)
		},
	})
}

func (a *app) engine() *merging.Engine {
	opts := []merging.Option{
		merging.WithEmailDomain(a.cfg.MergeEmailDomain),
		merging.WithSnapshotPageSize(a.cfg.SnapshotPageSize),
	}
	if a.redis != nil {
		opts = append(opts, merging.WithLocker(redis.NewLocker(a.redis, a.cfg.RedisLockTTL)))
	}
	if a.producer != nil {
		opts = append(opts, merging.WithPublisher(events.NewEmitter(a.producer, a.logger)))
	}
	if a.cfg.MergeTransactional {
		opts = append(opts, merging.WithTransactions(a.db))
	}

	return merging.NewEngine(a.logger, repositories.NewStores(a.db, a.logger), opts...)
}

func (a *app) audits() *mergeaudit.Repository {
	return mergeaudit.NewRepository(a.db, a.logger)
}
