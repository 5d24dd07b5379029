package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/milestone-escrow/internal/config"
	"github.com/sheikh-saqib/milestone-escrow/internal/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/events/kafka"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/metrics"
	"github.com/sheikh-saqib/milestone-escrow/internal/noncestore"
	"github.com/sheikh-saqib/milestone-escrow/internal/params"
	"github.com/sheikh-saqib/milestone-escrow/internal/platform/logger"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage/memory"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage/postgres"
	httptransport "github.com/sheikh-saqib/milestone-escrow/internal/transport/http"
	"github.com/sheikh-saqib/milestone-escrow/internal/workflow"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr := logger.New(cfg.Log)
	defer func() { _ = logr.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logr *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, closeStore, err := openStore(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer closeStore()

	var publisher interfaces.EventPublisher = events.NewLogPublisher(logr)
	if len(cfg.Kafka.Brokers) > 0 {
		kp := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = kp.Close() }()
		publisher = kp
		logr.Info("publishing events to kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	var nonces interfaces.NonceGuard = noncestore.NewMemoryStore(cfg.Redis.NonceTTL)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		nonces = noncestore.NewRedisStore(client, noncestore.WithTTL(cfg.Redis.NonceTTL))
		logr.Info("nonces stored in redis", zap.String("addr", cfg.Redis.Addr))
	}

	engine := workflow.NewEngine(store,
		workflow.WithLogger(logr),
		workflow.WithMetrics(m),
		workflow.WithPublisher(publisher),
		workflow.WithNonceGuard(nonces),
		workflow.WithDeriver(params.NewDeriver(cfg.DeriverConfig())),
		workflow.WithOptions(cfg.EngineOptions()),
	)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      httptransport.NewRouter(httptransport.NewHandler(engine, logr), reg),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logr.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return engine.RunMonitor(gctx, cfg.Monitor.Interval)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logr.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// openStore returns Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logr *zap.Logger) (interfaces.Store, func(), error) {
	if cfg.Database.URL == "" {
		logr.Warn("no database configured, state is kept in memory")
		return memory.NewMemoryLedgerStore(), func() {}, nil
	}

	db, err := postgres.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	store := postgres.NewPostgresLedgerStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	logr.Info("connected to postgres")
	return store, func() { closeDB(db, logr) }, nil
}

func closeDB(db *sql.DB, logr *zap.Logger) {
	if err := db.Close(); err != nil {
		logr.Warn("close database", zap.Error(err))
	}
}
