// Command orchestrator runs the regulated-decision orchestrator: it wires
// together the Ingress Dispatcher, Per-Workflow Serializer, State Machine,
// Risk Client, Decision Authority, and Query/Projection API described
// across pkg/, and serves them over HTTP until told to shut down.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/decisionorchestrator/internal/config"
	"github.com/jordigilh/decisionorchestrator/pkg/alerting"
	rediscache "github.com/jordigilh/decisionorchestrator/pkg/cache/redis"
	"github.com/jordigilh/decisionorchestrator/pkg/deadletter"
	"github.com/jordigilh/decisionorchestrator/pkg/decision"
	"github.com/jordigilh/decisionorchestrator/pkg/domain"
	"github.com/jordigilh/decisionorchestrator/pkg/ingress"
	"github.com/jordigilh/decisionorchestrator/pkg/metrics"
	"github.com/jordigilh/decisionorchestrator/pkg/policy"
	"github.com/jordigilh/decisionorchestrator/pkg/publisher"
	"github.com/jordigilh/decisionorchestrator/pkg/query"
	"github.com/jordigilh/decisionorchestrator/pkg/riskclient"
	"github.com/jordigilh/decisionorchestrator/pkg/serializer"
	"github.com/jordigilh/decisionorchestrator/pkg/store"
	memstore "github.com/jordigilh/decisionorchestrator/pkg/store/memory"
	pgstore "github.com/jordigilh/decisionorchestrator/pkg/store/postgres"
	"github.com/jordigilh/decisionorchestrator/pkg/telemetry"
)

// serviceVersion is overridable at link time (-ldflags "-X main.serviceVersion=...").
var serviceVersion = "dev"

const (
	exitOK = iota
	exitConfigError
	exitDependencyError
	exitServerError
	exitPanic
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "unhandled panic: %v\n", r)
			code = exitPanic
		}
	}()

	configPath := flag.String("config", "config.yaml", "path to the orchestrator's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	logger := newLogger(cfg.Logging)
	log := logger.WithField("component", "main")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background()) //nolint:errcheck
	otel.SetTracerProvider(tp)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metricsRegistry := metrics.New(reg)

	st, closeStore, err := buildStore(*cfg, logger)
	if err != nil {
		log.WithError(err).Error("failed to initialise store")
		return exitDependencyError
	}
	defer closeStore()

	jurisdictions := map[string]policy.JurisdictionConfig{}
	if cfg.Policy.Path != "" {
		jurisdictions, err = policy.LoadPacksFromFile(cfg.Policy.Path)
		if err != nil {
			log.WithError(err).Error("failed to load policy pack file")
			return exitDependencyError
		}
	}
	engine, err := policy.NewEngine(ctx, jurisdictions)
	if err != nil {
		log.WithError(err).Error("failed to compile policy packs")
		return exitDependencyError
	}
	policyStore := policy.NewStore(engine)

	stopWatch, err := config.WatchPolicy(ctx, cfg.Policy, policyStore, func(reloadErr error) {
		if reloadErr != nil {
			log.WithError(reloadErr).Warn("policy hot-reload failed")
			return
		}
		log.Info("policy packs hot-reloaded")
	})
	if err != nil {
		log.WithError(err).Error("failed to start policy watcher")
		return exitDependencyError
	}
	defer stopWatch()

	riskCaller := riskclient.NewHTTPCaller(cfg.Risk.Endpoint, &http.Client{Timeout: cfg.Risk.Timeout})
	riskClient := riskclient.New(riskCaller, riskclient.Policy{
		Timeout:     cfg.Risk.Timeout,
		MaxRetries:  cfg.Risk.MaxRetries,
		BackoffBase: cfg.Risk.BackoffBase,
		BackoffCap:  cfg.Risk.BackoffCap,
	}, metricsRegistry)

	pub := buildPublisher(*cfg, logger)
	defer pub.Close()

	var notifier alerting.Notifier
	if cfg.Slack.BotToken != "" {
		notifier = alerting.NewSlackNotifier(cfg.Slack.BotToken, cfg.Slack.Channel, logger)
	}

	reader, cache, closeCache := buildReader(*cfg, st, logger)
	defer closeCache()
	queryAPI := query.New(reader)

	tracer := telemetry.New("decision-orchestrator")

	var cacheInvalidator decision.CacheInvalidator
	if cache != nil {
		cacheInvalidator = cache
	}
	authority := decision.New(st, policyStore, pub, notifier, cacheInvalidator, decision.AuthorityIdentity{
		ServiceName:    "decision-orchestrator",
		ServiceVersion: serviceVersion,
	}, logger, metricsRegistry)

	ser := serializer.New(st, policyStore, riskClient, authority, serializer.Config{
		WorkerCap:       cfg.Serializer.WorkerCap,
		QueueDepth:      cfg.Serializer.PerWorkflowQueueDepth,
		ActorIdleTTL:    cfg.Serializer.ActorIdleTTL,
		HandlerDeadline: cfg.Serializer.EventHandlerDeadline,
	}, logger, metricsRegistry, tracer)

	dlStore := deadletter.NewMemoryStore()

	_, router := ingress.New(ser, queryAPI, dlStore, metricsRegistry, ingress.RetryPolicy{
		MaxAttempts: cfg.DeadLetter.MaxAttempts,
		BackoffBase: cfg.DeadLetter.BackoffBase,
		BackoffCap:  cfg.DeadLetter.BackoffCap,
	}, cfg.Server.AllowedOrigins, logger)

	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("port", cfg.Server.Port).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		log.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server exited with error")
		return exitServerError
	}
	return exitOK
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func buildStore(cfg config.Config, logger *logrus.Logger) (store.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		sqlDB, err := sql.Open("pgx", cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres connection: %w", err)
		}
		if err := pgstore.Migrate(sqlDB); err != nil {
			sqlDB.Close() //nolint:errcheck
			return nil, nil, fmt.Errorf("apply postgres migrations: %w", err)
		}
		db := sqlx.NewDb(sqlDB, "pgx")
		return pgstore.New(db, logger), func() { db.Close() }, nil //nolint:errcheck
	default:
		return memstore.New(), func() {}, nil
	}
}

func buildPublisher(cfg config.Config, logger *logrus.Logger) publisher.Publisher {
	sink := publisher.NewLogSink(logger)
	if cfg.Publish.Mode == "async_with_buffer" {
		return publisher.NewBuffered(sink, cfg.Publish.BufferSize, logger)
	}
	return publisher.NewSync(sink, logger)
}

// cachingReader adapts a store.Reader plus a read-through cache into the
// query.API's Reader capability, per spec §4.H's caching note.
type cachingReader struct {
	store store.Reader
	cache *rediscache.Cache
}

func (r *cachingReader) Load(ctx context.Context, workflowID string) (domain.Workflow, []domain.Decision, error) {
	if r.cache != nil {
		if workflow, decisions, hit, err := r.cache.GetCurrent(ctx, workflowID); err == nil && hit {
			return workflow, decisions, nil
		}
	}
	workflow, decisions, err := r.store.Load(ctx, workflowID)
	if err != nil {
		return domain.Workflow{}, nil, err
	}
	if r.cache != nil {
		_ = r.cache.PutCurrent(ctx, workflow, decisions)
	}
	return workflow, decisions, nil
}

func (r *cachingReader) ListWorkflows(ctx context.Context, filter store.ListFilter) ([]domain.Workflow, error) {
	return r.store.ListWorkflows(ctx, filter)
}

func buildReader(cfg config.Config, st store.Store, logger *logrus.Logger) (query.Reader, *rediscache.Cache, func()) {
	log := logger.WithField("component", "query.reader")
	if cfg.Redis.Addr == "" {
		log.Info("no redis address configured, query reads go straight to the store")
		return &cachingReader{store: st}, nil, func() {}
	}
	log.WithField("addr", cfg.Redis.Addr).Info("caching query reads through redis")
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	cache := rediscache.New(client, cfg.Redis.TTL)
	return &cachingReader{store: st, cache: cache}, cache, func() { client.Close() } //nolint:errcheck
}
