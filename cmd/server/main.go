package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"vaultflow/internal/api"
	"vaultflow/internal/config"
	"vaultflow/internal/database"
	"vaultflow/internal/events"
	"vaultflow/internal/models"
	"vaultflow/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "vaultflow",
		Usage: "Vault deposit, bridge and withdrawal orchestrator",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before the environment", EnvVars: []string{"ENV_FILE"}},
			&cli.StringFlag{Name: "vaults-file", Usage: "YAML list of supported vaults"},
			&cli.IntFlag{Name: "port", Usage: "HTTP port, overrides SERVER_PORT"},
			&cli.BoolFlag{Name: "in-memory", Usage: "run without PostgreSQL; safes are registered in memory"},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "check-config",
				Usage:  "Load and validate the configuration, then print the chains and vaults",
				Action: checkConfig,
			},
			{
				Name:  "watch",
				Usage: "Print run events published to redis as JSON lines",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "only print events of this run id"},
				},
				Action: watch,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting vaultflow")

	cfg, err := config.LoadConfig(c.String("env-file"), c.String("vaults-file"))
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		cfg.Server.Port = port
	}

	logger.Info("Configuration loaded",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("num_chains", len(cfg.Chains)),
		zap.Int("num_vaults", len(cfg.Vaults)),
		zap.Bool("redis", cfg.Redis.Enabled()))

	var db *database.DB
	if !c.Bool("in-memory") {
		db, err = database.Connect(database.Config{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := database.RunMigrations(db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Database connected and migrated")
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Warn("Redis unreachable, continuing; quotes and events degrade until it returns", zap.Error(err))
		}
	}

	workerManager, err := worker.NewWorkerManager(cfg, db, rdb, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize worker manager: %w", err)
	}
	workerManager.Start()

	deps := api.HandlerDeps{
		Runs:    workerManager.Orchestrator(),
		Quotes:  workerManager.Coordinator(),
		Jobs:    workerManager.Executor(),
		Events:  workerManager.Hub(),
		Metrics: workerManager.Metrics().Handler(),
	}
	if db != nil {
		deps.Audit = db
	}
	apiHandler := api.NewHandler(deps, logger)
	router := api.SetupRouter(apiHandler, logger)

	// no WriteTimeout: run event streams are long-lived
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", serverAddr))
		serverErrors <- httpServer.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		logger.Error("HTTP server error", zap.Error(err))
		serveErr = err
	case sig := <-quit:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down service...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workerManager.Shutdown(shutdownTimeout); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped")
	return serveErr
}

func checkConfig(c *cli.Context) error {
	cfg, err := config.LoadConfig(c.String("env-file"), c.String("vaults-file"))
	if err != nil {
		return err
	}

	chainIDs := make([]uint64, 0, len(cfg.Chains))
	for id := range cfg.Chains {
		chainIDs = append(chainIDs, id)
	}
	sort.Slice(chainIDs, func(i, j int) bool { return chainIDs[i] < chainIDs[j] })

	for _, id := range chainIDs {
		chain := cfg.Chains[id]
		fmt.Fprintf(c.App.Writer, "chain %d %s relay=%t\n", id, chain.Name, chain.RelayURL != "")
		for ref, v := range cfg.Vaults {
			if ref.ChainID != id {
				continue
			}
			fmt.Fprintf(c.App.Writer, "  vault %s %s asset=%s zapper=%t\n",
				v.Name, ref.Address.Hex(), v.Asset.Hex(), v.Zapper != (common.Address{}))
		}
	}
	return nil
}

func watch(c *cli.Context) error {
	logger, err := initLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.LoadConfig(c.String("env-file"), c.String("vaults-file"))
	if err != nil {
		return err
	}
	if !cfg.Redis.Enabled() {
		return errors.New("watch needs REDIS_ADDR")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := c.String("run")
	enc := json.NewEncoder(c.App.Writer)
	logger.Info("Watching run events", zap.String("channel", cfg.Redis.Channel), zap.String("run_id", runID))

	err = events.NewRedisPublisher(rdb, cfg.Redis.Channel, logger).Listen(ctx, func(event models.Event) {
		if runID != "" && event.RunID != runID {
			return
		}
		if err := enc.Encode(event); err != nil {
			logger.Warn("Failed to print event", zap.String("run_id", event.RunID), zap.Error(err))
		}
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func initLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
