package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/cad-convertor/internal/api/handler"
	"github.com/cuongbtq/cad-convertor/internal/api/router"
	"github.com/cuongbtq/cad-convertor/internal/audit"
	"github.com/cuongbtq/cad-convertor/internal/audit/storage"
	"github.com/cuongbtq/cad-convertor/internal/config"
	"github.com/cuongbtq/cad-convertor/internal/engine"
	"github.com/cuongbtq/cad-convertor/internal/executor"
	"github.com/cuongbtq/cad-convertor/shared/database"
	"github.com/cuongbtq/cad-convertor/shared/logger"
	"github.com/cuongbtq/cad-convertor/shared/rabbitmq"
)

// Time handlers get to answer after their jobs were forcibly terminated
const forceExitGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags. An empty path runs on defaults plus environment.
	defaultConfigPath := os.Getenv("CONVERTOR_SERVICE_CONFIG_PATH")
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.ValidateServiceConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting convertor service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("audit_sink", cfg.Audit.Sink),
	)

	// Initialize audit sink
	sink, err := initAudit(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize audit sink: %w", err)
	}
	defer sink.close()

	// Initialize engine and executor
	if _, err := exec.LookPath(cfg.Convertor.Engine.Binary); err != nil {
		appLogger.Warn("Engine binary not found, conversions will fail",
			slog.String("binary", cfg.Convertor.Engine.Binary),
			slog.String("error", err.Error()),
		)
	}

	cadEngine := engine.New(engine.Config{
		Binary:           cfg.Convertor.Engine.Binary,
		Args:             cfg.Convertor.Engine.Args,
		DiagnosticsLimit: cfg.Convertor.Engine.DiagnosticsLimit,
		KillGrace:        cfg.Convertor.Engine.KillGrace,
	}, appLogger.Logger)

	jobExecutor, err := executor.New(executor.Config{
		JobTimeout:    cfg.Convertor.JobTimeout,
		QueueTimeout:  cfg.Convertor.QueueTimeout,
		MaxConcurrent: cfg.Convertor.MaxConcurrentJobs,
		QueueDepth:    cfg.Convertor.QueueDepth,
		WorkspaceRoot: cfg.Convertor.WorkspaceRoot,
	}, cadEngine, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize executor: %w", err)
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, jobExecutor, cadEngine, sink)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Int("max_concurrent_jobs", cfg.Convertor.MaxConcurrentJobs),
		slog.Int("queue_depth", cfg.Convertor.QueueDepth),
		slog.Duration("job_timeout", cfg.Convertor.JobTimeout),
		slog.Duration("queue_timeout", cfg.Convertor.QueueTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// The executor refuses new jobs while the server stops accepting connections
	executorDone := make(chan error, 1)
	go func() { executorDone <- jobExecutor.Shutdown(ctx) }()

	srvErr := srv.Shutdown(ctx)

	if err := <-executorDone; err != nil {
		appLogger.Warn("Conversions forcibly terminated", slog.Any("error", err))
	}

	if srvErr != nil {
		graceCtx, graceCancel := context.WithTimeout(context.Background(), forceExitGrace)
		defer graceCancel()
		if err := srv.Shutdown(graceCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			_ = srv.Close()
			return err
		}
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// auditSink is the configured recorder plus whatever backs it
type auditSink struct {
	recorder audit.Recorder
	store    *storage.Storage // set for the database sink only
	closers  []func() error
}

func (s *auditSink) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// initAudit builds the recorder for the configured sink. Database and broker
// sinks fall back to the log so a request never goes unrecorded.
func initAudit(cfg *config.Config, logger *slog.Logger) (*auditSink, error) {
	logRecorder := audit.NewLogRecorder(logger)
	sink := &auditSink{recorder: logRecorder}

	switch cfg.Audit.Sink {
	case config.AuditSinkDatabase:
		dbClient, err := initDatabase(&cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		sink.closers = append(sink.closers, dbClient.Close)

		store := storage.NewStorage(dbClient)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := store.EnsureSchema(ctx); err != nil {
			sink.close()
			return nil, err
		}

		sink.store = store
		sink.recorder = audit.WithFallback(audit.NewStoreRecorder(store, cfg.Audit.InsertTimeout), logRecorder, logger)
		logger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	case config.AuditSinkRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, err
		}
		sink.closers = append(sink.closers, rabbitClient.Close)

		publisher := audit.NewPublishRecorder(rabbitClient, cfg.Audit.PublishTimeout)
		sink.recorder = audit.WithFallback(publisher, logRecorder, logger)
		logger.Info("RabbitMQ connection established")
	}

	return sink, nil
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	return database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Path:            cfg.Path,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, jobExecutor *executor.Executor, cadEngine *engine.Adapter, sink *auditSink) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:        logger,
		Executor:      jobExecutor,
		Engine:        cadEngine,
		Recorder:      sink.recorder,
		MaxUploadSize: cfg.Convertor.MaxUploadSize,
		ServiceName:   cfg.App.Name,
		Version:       cfg.App.Version,
	}
	if sink.store != nil {
		handlerDeps.AuditStore = sink.store
	}

	return router.SetupRouter(handlerDeps, router.Options{
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitEnabled:  cfg.Convertor.RateLimit.Enabled,
		RequestsPerSecond: cfg.Convertor.RateLimit.RequestsPerSecond,
		Burst:             cfg.Convertor.RateLimit.Burst,
	})
}
