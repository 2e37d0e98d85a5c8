package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"

	"github.com/meridian/canon/config"
	"github.com/meridian/canon/internal/repositories/canonicalrecord"
	"github.com/meridian/canon/internal/repositories/identitylink"
	"github.com/meridian/canon/internal/repositories/keyindex"
	"github.com/meridian/canon/internal/repositories/parkedrecord"
	"github.com/meridian/canon/internal/repositories/policystate"
	"github.com/meridian/canon/internal/repositories/projectiontask"
	"github.com/meridian/canon/internal/repositories/projectionview"
	"github.com/meridian/canon/internal/repositories/referenceitem"
	"github.com/meridian/canon/internal/repositories/rejection"
	"github.com/meridian/canon/internal/repositories/stagerecord"
	"github.com/meridian/canon/pkg/association"
	"github.com/meridian/canon/pkg/canonical"
	"github.com/meridian/canon/pkg/database"
	"github.com/meridian/canon/pkg/intake"
	"github.com/meridian/canon/pkg/kafka"
	"github.com/meridian/canon/pkg/processor"
	"github.com/meridian/canon/pkg/projection"
	"github.com/meridian/canon/pkg/redis"
	"github.com/meridian/canon/pkg/registry"
	"github.com/meridian/canon/pkg/startup"
	"github.com/meridian/canon/pkg/tracing"
)

func main() {
	// .env is optional; real deployments inject environment directly.
	_ = godotenv.Load()

	cfg := config.Config{}
	if err := ectoenv.BindEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, flush := newLogger(&cfg)
	defer flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, logger); err != nil {
		logger.WithError(err).Error("Canon exited with error")
		flush()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := initTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracing()

	db, err := database.Connect(ctx, database.ConnectionConfig{
		Driver:          cfg.DatabaseDriver,
		Host:            cfg.DatabaseHost,
		Port:            cfg.DatabasePort,
		UserName:        cfg.DatabaseUserName,
		Password:        cfg.DatabasePassword,
		Name:            cfg.DatabaseName,
		SSLMode:         cfg.DatabaseSSLMode,
		MaxOpenConns:    cfg.DatabaseMaxOpenConns,
		MaxIdleConns:    cfg.DatabaseMaxIdleConns,
		ConnMaxLifetime: cfg.DatabaseConnMaxLifetime,
	}, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db.Unsafe().DB, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{
		MigrationFolderPath: cfg.DatabaseMigrationFolderPath,
		Version:             uint(cfg.DatabaseMigrationVersion),
		Force:               cfg.DatabaseMigrationForce,
		AutoRollback:        cfg.DatabaseMigrationAutoRollback,
	})
	if err := migrations.Migrate(cfg.DatabaseName, driver); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	redisClient, err := redis.NewClient(redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	locker := redis.NewLocker(redisClient, "")

	descriptors := modelDescriptors()
	reg, err := registry.New(descriptors...)
	if err != nil {
		return fmt.Errorf("invalid model registry: %w", err)
	}

	stageRepo := stagerecord.NewRepository(db, logger)
	parkedRepo := parkedrecord.NewRepository(db, logger)
	linkRepo := identitylink.NewRepository(db, logger)
	keyRepo := keyindex.NewRepository(db, logger)
	refRepo := referenceitem.NewRepository(db, logger)
	contentRepo := canonicalrecord.NewRepository(db, logger)
	policyRepo := policystate.NewRepository(db, logger)
	taskRepo := projectiontask.NewRepository(db, logger)
	viewRepo := projectionview.NewRepository(db, logger)
	rejectionRepo := rejection.NewRepository(db, logger)

	writer := intake.NewWriter(stageRepo, parkedRepo, logger)
	engine := association.NewEngine(keyRepo, linkRepo, stageRepo, logger)
	canonWriter := canonical.NewWriter(refRepo, contentRepo, policyRepo, database.NewTxRunner(db, logger), logger)
	scheduler := projection.NewScheduler(taskRepo, logger)

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaEventsTopic,
		BatchSize:    cfg.KafkaBatchSize,
		BatchTimeout: time.Duration(cfg.KafkaBatchTimeout) * time.Millisecond,
		RequiredAcks: cfg.KafkaRequiredAcks,
		Compression:  cfg.KafkaCompression,
	}, logger)
	defer producer.Close()

	proc := processor.NewProcessor(
		reg, writer, engine, canonWriter, scheduler,
		producer, rejectionRepo, stageRepo,
		processor.Config{ReassociateBatchSize: cfg.ReassociateBatchSize},
		logger,
	)

	materializer := projection.NewMaterializer(taskRepo, refRepo, contentRepo, viewRepo, locker, projection.Config{
		PollInterval: cfg.ProjectionPollInterval,
		LockTTL:      cfg.ProjectionLockTTL,
		BatchSize:    cfg.ProjectionBatchSize,
	}, logger)

	sweepTargets := make([]projection.SweepTarget, 0, len(descriptors))
	for _, d := range descriptors {
		sweepTargets = append(sweepTargets, projection.SweepTarget{Model: d.Name, Views: d.ViewNames()})
	}
	sweeper := projection.NewSweeper(refRepo, scheduler, sweepTargets, projection.SweepConfig{
		Interval:  cfg.ProjectionSweepInterval,
		BatchSize: cfg.ProjectionBatchSize,
	}, logger)

	boot := startup.NewStartup(logger, cfg.StartupMaxAttempts)
	boot.AddDependency(readyDependency{name: "database"})
	boot.AddDependency(readyDependency{name: "redis"})
	if cfg.KafkaConsumerEnabled {
		boot.AddDependency(kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:       cfg.KafkaBrokers,
			Topic:         cfg.KafkaInputTopic,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger, proc.ProcessMessage))
	}
	boot.AddDependency(materializer)
	boot.AddDependency(sweeper)

	if err := boot.Start(ctx); err != nil {
		return err
	}

	metricsServer := serveMetrics(cfg.MetricsPort, logger)

	logger.WithFields(map[string]any{
		"app":    cfg.AppName,
		"models": reg.ModelNames(),
	}).Info("Canon is running")

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_ = metricsServer.Shutdown(shutdownCtx)
	return boot.Stop(shutdownCtx)
}

// readyDependency anchors the dependency graph for resources that connect
// eagerly in run(); consumers declare they depend on these names.
type readyDependency struct {
	name string
}

func (d readyDependency) GetName() string               { return d.name }
func (d readyDependency) DependsOn() []string           { return nil }
func (d readyDependency) Start(_ context.Context) error { return nil }
func (d readyDependency) Stop(_ context.Context) error  { return nil }

// newLogger routes structured log messages through zap so output is one JSON
// line per message in production and human-readable in development.
func newLogger(cfg *config.Config) (ectologger.Logger, func()) {
	var zl *zap.Logger
	var err error
	if cfg.PrettyLogs {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		zl = zap.NewNop()
	}

	sugar := zl.Sugar()
	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		encoded, err := json.Marshal(msg)
		if err != nil {
			sugar.Error("failed to encode log message")
			return
		}
		sugar.Info(string(encoded))
	})

	return logger, func() { _ = zl.Sync() }
}

func initTracing(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.TracingEnabled {
		return func() {}, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.TracingEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.AppName),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	tracing.SetTracer(tp.Tracer(cfg.AppName))

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}, nil
}

func serveMetrics(port int, logger ectologger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	return server
}
