// Package app assembles pools, repository, engine and background workers
// from a config.Config.
package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"execstore/internal/cleanup"
	"execstore/internal/codec"
	"execstore/internal/config"
	"execstore/internal/db"
	"execstore/internal/engine"
	"execstore/internal/errors"
	"execstore/internal/events"
	"execstore/internal/interlink"
	"execstore/internal/ledger"
	"execstore/internal/logger"
	"execstore/internal/metrics"
	"execstore/internal/migrate"
	"execstore/internal/repo"
	"execstore/internal/server"
)

// App is one configured execstore node.
type App struct {
	Config     *config.Config
	Pools      db.Pools
	Repo       repo.Repo
	Engine     engine.Engine
	Dispatcher interlink.Dispatcher
	Sweeper    cleanup.Sweeper
	Registry   *prometheus.Registry
	Log        logger.Logger

	// Relay is set for the outbox backend, Consumer when intents arrive
	// over kafka.
	Relay    *interlink.Relay
	Consumer *interlink.KafkaConsumer

	closers []func() error
}

// Open builds an App. The caller must Close it.
func Open(cfg *config.Config, log logger.Logger) (*App, error) {
	log = logger.OrNop(log)
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	if err := a.open(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open() error {
	cfg := a.Config
	dialect, err := db.ParseDialect(cfg.Database.Dialect)
	if err != nil {
		return err
	}
	def, err := db.Open(db.Config{Dialect: dialect, DSN: cfg.Database.DSN, MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return err
	}
	a.Pools = db.Pools{Default: def, Dialect: dialect, QueryTimeout: cfg.Database.QueryTimeout.D()}
	a.closers = append(a.closers, func() error { return a.Pools.Close() })
	if cfg.ReadPool != nil {
		read, err := db.Open(db.Config{Dialect: dialect, DSN: cfg.ReadPool.DSN, MaxOpenConns: cfg.ReadPool.MaxOpenConns})
		if err != nil {
			return err
		}
		a.Pools.Read = read
	}

	alg, err := codec.ParseAlgorithm(cfg.Compression.Algorithm)
	if err != nil {
		return err
	}
	led, err := a.openLedger(def, dialect)
	if err != nil {
		return err
	}
	sink, err := metrics.NewPrometheusSink(a.Registry)
	if err != nil {
		return errors.Wrap(err, "registering metrics")
	}

	a.Repo = repo.Repo{
		Pools:     a.Pools,
		Codec:     codec.New(cfg.Compression.Enabled, cfg.Compression.ThresholdBytes, alg),
		Ledger:    led,
		Metrics:   sink,
		Log:       a.Log.WithPrefix("repo: "),
		Retry:     retryPolicy(cfg.Retry),
		ReadRetry: retryPolicy(cfg.ReadRetry),
	}

	pub, err := a.openInterlink(def, dialect)
	if err != nil {
		return err
	}
	a.Engine = engine.New(a.Repo, cfg.Partition, pub)
	a.Engine.Log = a.Log.WithPrefix("engine: ")
	a.Dispatcher = interlink.NewDispatcher(a.Engine.Applier(), a.Log.WithPrefix("interlink: "))
	if a.consumesKafka() && cfg.Partition != "" {
		k := cfg.Interlink.Kafka
		a.Consumer = interlink.NewKafkaConsumer(k.Brokers, k.TopicPrefix, k.GroupID, cfg.Partition, a.Dispatcher, a.Log.WithPrefix("kafka: "))
		a.closers = append(a.closers, a.Consumer.Close)
	}

	a.Sweeper = cleanup.Sweeper{
		Repo:          a.Repo,
		Retention:     cfg.Tombstones.Retention.D(),
		Interval:      cfg.Tombstones.SweepInterval.D(),
		Batch:         cfg.Tombstones.Batch,
		RatePerSecond: cfg.Tombstones.RatePerSecond,
		Metrics:       sink,
		Log:           a.Log.WithPrefix("sweeper: "),
	}
	return nil
}

func retryPolicy(r config.Retry) repo.RetryPolicy {
	return repo.RetryPolicy{MaxAttempts: r.MaxAttempts, InitialInterval: r.InitialInterval.D(), MaxInterval: r.MaxInterval.D()}
}

func (a *App) openLedger(def *sql.DB, dialect db.Dialect) (ledger.Ledger, error) {
	l := a.Config.Ledger
	switch strings.ToLower(l.Backend) {
	case "", "none":
		return nil, nil
	case "memory":
		return ledger.NewMemory(), nil
	case "sql":
		return ledger.SQL{DB: def, Dialect: dialect}, nil
	case "etcd":
		e, err := ledger.DialEtcd(l.Endpoints, l.Prefix, l.DialTimeout.D())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, e.Close)
		return e, nil
	}
	return nil, errors.Newf(errors.ErrInvalidArgument, "unknown ledger backend %q", l.Backend)
}

// openInterlink returns the publisher the engine forwards through, or nil
// when forwarding is off.
func (a *App) openInterlink(def *sql.DB, dialect db.Dialect) (interlink.Publisher, error) {
	il := a.Config.Interlink
	switch strings.ToLower(il.Backend) {
	case "", "none":
		return nil, nil
	case "http", "kafka":
		return a.transport(il.Backend), nil
	case "outbox":
		outbox := events.Writer{DB: def, Dialect: dialect}
		a.Relay = &interlink.Relay{
			Outbox:   outbox,
			Deliver:  a.transport(il.Outbox.DeliverVia),
			Interval: il.Outbox.Interval.D(),
			Batch:    il.Outbox.Batch,
			Log:      a.Log.WithPrefix("outbox: "),
		}
		return interlink.OutboxPublisher{Outbox: outbox}, nil
	}
	return nil, errors.Newf(errors.ErrInvalidArgument, "unknown interlink backend %q", il.Backend)
}

func (a *App) transport(name string) interlink.Publisher {
	il := a.Config.Interlink
	if strings.EqualFold(name, "kafka") {
		p := interlink.NewKafkaPublisher(il.Kafka.Brokers, il.Kafka.TopicPrefix)
		a.closers = append(a.closers, p.Close)
		return p
	}
	return interlink.NewHTTPPublisher(il.Peers, il.Secret, a.Config.Partition, a.Config.Server.BasePath)
}

func (a *App) consumesKafka() bool {
	il := a.Config.Interlink
	switch strings.ToLower(il.Backend) {
	case "kafka":
		return true
	case "outbox":
		return strings.EqualFold(il.Outbox.DeliverVia, "kafka")
	}
	return false
}

// Migrate applies pending schema migrations to the default pool.
func (a *App) Migrate(ctx context.Context) error {
	return migrate.Migrate(ctx, a.Pools.Default, a.Pools.Dialect)
}

// Handler builds the HTTP API for this node.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:     a.Engine,
		Dispatcher: a.Dispatcher,
		BasePath:   a.Config.Server.BasePath,
		Auth:       server.AuthConfig{JWTSecret: a.Config.Server.JWTSecret, Log: a.Log.WithPrefix("auth: ")},
		Gatherer:   a.Registry,
	})
}

// RunWorkers runs the tombstone sweeper, the outbox relay and the kafka
// consumer, whichever are configured, until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Sweeper.Run(ctx)
		return nil
	})
	if a.Relay != nil {
		g.Go(func() error {
			a.Relay.Run(ctx)
			return nil
		})
	}
	if a.Consumer != nil {
		g.Go(func() error {
			return a.Consumer.Run(ctx)
		})
	}
	return g.Wait()
}

// Close releases everything Open acquired, in reverse order.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
