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
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/transfer-manager/internal/config"
	"github.com/cuongbtq/transfer-manager/internal/fts"
	"github.com/cuongbtq/transfer-manager/internal/metrics"
	"github.com/cuongbtq/transfer-manager/internal/worker"
	"github.com/cuongbtq/transfer-manager/internal/worker/storage"
	"github.com/cuongbtq/transfer-manager/shared/logger"
	"github.com/cuongbtq/transfer-manager/shared/postgresql"
	"github.com/cuongbtq/transfer-manager/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	if err := metrics.RegisterDBStats(prometheus.DefaultRegisterer, dbClient.GetDB().DB, cfg.Database.Database); err != nil {
		appLogger.Warn("Failed to register database pool metrics",
			slog.String("error", err.Error()),
		)
	}

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established",
		slog.String("transfer_queue", cfg.RabbitMQ.TransferQueue.Name),
	)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:              appLogger.Component("transfer-manager"),
		Store:               storage.NewStorage(dbClient.GetDB(), appLogger.Logger),
		Consumer:            rabbitClient,
		OpenTransferService: transferServiceOpener(&cfg.Transfer),
		Gate:                worker.NewGate(cfg.Transfer.MaxConcurrent),
		TransferQueue:       cfg.RabbitMQ.TransferQueue.Name,
		ConsumerTag:         consumerTag(cfg.RabbitMQ.Consumer.Tag),
		PrefetchCount:       cfg.RabbitMQ.Consumer.PrefetchCount,
		SourceScheme:        cfg.Transfer.SourceScheme,
		PollingInterval:     cfg.Transfer.PollingInterval,
		RequestTimeout:      cfg.Transfer.RequestTimeout,
		MaxStatusFailures:   cfg.Transfer.MaxStatusFailures,
	})

	// Cancel on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return workerInstance.Start(gctx)
	})

	if cfg.Metrics.Port > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           metricsRouter(cfg.App.Environment),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			appLogger.Info("Starting metrics server", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully")

	runErr := g.Wait()
	if runErr != nil {
		appLogger.Error("Worker error",
			slog.Any("error", runErr),
		)
	} else {
		appLogger.Info("Received signal, shutting down gracefully")
	}

	// Wait for in-flight submissions, bounded by the shutdown timeout
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-time.After(cfg.Transfer.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// transferServiceOpener opens a new authenticated session for each caller
func transferServiceOpener(cfg *config.TransferConfig) worker.ServiceOpener {
	ftsConfig := fts.Config{
		Endpoint:       cfg.Endpoint,
		CertPath:       cfg.CertPath,
		KeyPath:        cfg.KeyPath,
		CAPath:         cfg.CAPath,
		VerifyIdentity: cfg.VerifyIdentity,
		Timeout:        cfg.RequestTimeout,
	}

	return func(ctx context.Context) (worker.TransferService, error) {
		session, err := fts.Open(ctx, ftsConfig)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func metricsRouter(environment string) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "transfer-worker-service",
		})
	})
	return r
}

func consumerTag(tag string) string {
	if tag != "" {
		return tag
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("transfer-manager-%s-%d", host, os.Getpid())
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		ConnectTimeout:  cfg.ConnectTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(context.Background(), dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client and declares the transfer queue
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		User:     cfg.User,
		Password: cfg.Password,
		VHost:    cfg.VHost,
		Queues: []rabbitmq.QueueConfig{
			{
				Name:       cfg.TransferQueue.Name,
				Durable:    cfg.TransferQueue.Durable,
				AutoDelete: cfg.TransferQueue.AutoDelete,
			},
		},
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
