package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/bridge"
	"vaultflow/internal/config"
	"vaultflow/internal/database"
	"vaultflow/internal/deployment"
	"vaultflow/internal/events"
	"vaultflow/internal/httpclient"
	"vaultflow/internal/metrics"
	"vaultflow/internal/models"
	"vaultflow/internal/orchestrator"
	"vaultflow/internal/poller"
	"vaultflow/internal/relay"
)

const (
	relayTimeout = 15 * time.Second
	relayRetries = 2
	apiBackoff   = 500 * time.Millisecond
)

// WorkerManager builds the orchestrator and its collaborators and runs the
// background workers
type WorkerManager struct {
	cfg    *config.Config
	logger *zap.Logger

	evmClients map[uint64]*evm.Client

	orchestrator *orchestrator.Orchestrator
	coordinator  *bridge.Coordinator
	hub          *events.Hub
	metrics      *metrics.Metrics

	monitor  *Monitor
	executor *Executor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerManager wires everything from cfg. db and rdb are optional: without
// a database safes are registered in memory and no audit log is kept; without
// redis quotes are cached in memory and events stay in process.
func NewWorkerManager(cfg *config.Config, db *database.DB, rdb *redis.Client, logger *zap.Logger) (*WorkerManager, error) {
	logger = logger.Named("worker")

	wm := &WorkerManager{
		cfg:        cfg,
		logger:     logger,
		evmClients: make(map[uint64]*evm.Client),
		hub:        events.NewHub(logger),
		metrics:    metrics.New(),
	}

	if err := wm.init(db, rdb); err != nil {
		wm.closeClients()
		return nil, err
	}

	wm.ctx, wm.cancel = context.WithCancel(context.Background())
	return wm, nil
}

func (wm *WorkerManager) init(db *database.DB, rdb *redis.Client) error {
	cfg := wm.cfg
	readers := make(map[uint64]evm.Reader, len(cfg.Chains))
	deployers := make(map[uint64]deployment.Backend, len(cfg.Chains))
	selector := relay.NewSelector()

	for chainID, chainCfg := range cfg.Chains {
		client, err := evm.NewClient(chainCfg, wm.logger)
		if err != nil {
			return fmt.Errorf("failed to create EVM client for chain %d: %w", chainID, err)
		}
		wm.evmClients[chainID] = client
		readers[chainID] = client

		if err := wm.registerRelays(selector, chainCfg, client); err != nil {
			return err
		}

		if cfg.Operator.DeployerPrivateKey != "" {
			deployer, err := client.WithSigner(cfg.Operator.DeployerPrivateKey)
			if err != nil {
				return fmt.Errorf("invalid deployer key: %w", err)
			}
			deployers[chainID] = deployer
		}

		wm.logger.Info("EVM chain initialized",
			zap.Uint64("chain_id", chainID),
			zap.String("chain_name", chainCfg.Name))
	}

	var registry deployment.Registry = deployment.NewMemoryRegistry()
	if db != nil {
		registry = db
	}
	bytecodePoller := poller.New(cfg.Polling.BytecodeInterval, cfg.Polling.BytecodeAttempts, wm.logger).
		WithObserver(wm.metrics.ObservePoll)
	deployer, err := deployment.NewManager(cfg.Safe, deployers, registry, bytecodePoller, wm.logger)
	if err != nil {
		return fmt.Errorf("failed to create deployment manager: %w", err)
	}

	bridgeHTTP, err := httpclient.New(httpclient.Config{
		BaseURL:     cfg.Bridge.APIURL,
		Timeout:     cfg.Bridge.Timeout,
		Retries:     cfg.Bridge.Retries,
		Backoff:     apiBackoff,
		ProxyString: cfg.Bridge.ProxyString,
	}, wm.logger)
	if err != nil {
		return fmt.Errorf("failed to create bridge API client: %w", err)
	}
	var cache bridge.QuoteCache = bridge.NewMemoryQuoteCache()
	if rdb != nil {
		cache = bridge.NewRedisQuoteCache(rdb, wm.logger)
	}
	wm.coordinator = bridge.NewCoordinator(
		bridge.NewClient(bridgeHTTP, wm.logger),
		cache,
		bridge.NewFeeGuard(cfg.Bridge, wm.logger),
		deployer,
		cfg.Bridge.QuoteTTL,
		wm.logger,
	)

	sinks := []orchestrator.EventSink{wm.hub, wm.metrics}
	if db != nil {
		sinks = append(sinks, database.NewEventLog(db, wm.logger))
	}
	if rdb != nil {
		sinks = append(sinks, events.NewRedisPublisher(rdb, cfg.Redis.Channel, wm.logger))
	}

	wm.orchestrator = orchestrator.New(orchestrator.Dependencies{
		Config:       cfg,
		Readers:      readers,
		Relays:       selector,
		Bridge:       wm.coordinator,
		Deployer:     deployer,
		Sinks:        sinks,
		PollObserver: wm.metrics.ObservePoll,
	}, wm.logger)

	wm.executor = NewExecutor(cfg.Workers.Concurrency, wm.logger)
	wm.monitor = NewMonitor(wm.orchestrator, cfg.Workers.MonitorInterval, cfg.Workers.RunRetention, wm.logger)
	return nil
}

// registerRelays registers the relayed client for managed safes and the
// direct client for owner-signed safes, for whichever keys are configured
func (wm *WorkerManager) registerRelays(selector *relay.Selector, chainCfg config.ChainConfig, client *evm.Client) error {
	cfg := wm.cfg

	if chainCfg.RelayURL != "" && cfg.Relay.SignerPrivateKey != "" {
		signer, err := relay.NewKeySigner(cfg.Relay.SignerPrivateKey)
		if err != nil {
			return fmt.Errorf("invalid relay signer key: %w", err)
		}
		hc, err := httpclient.New(httpclient.Config{
			BaseURL:     chainCfg.RelayURL,
			Timeout:     relayTimeout,
			Retries:     relayRetries,
			Backoff:     apiBackoff,
			ProxyString: cfg.Relay.ProxyString,
		}, wm.logger)
		if err != nil {
			return fmt.Errorf("failed to create relay client for chain %d: %w", chainCfg.ChainID, err)
		}
		selector.Register(chainCfg.ChainID, models.OwnerKindManaged,
			relay.NewRelayed(chainCfg.ChainID, hc, signer, cfg.Safe.MultiSend, cfg.Relay, wm.logger))
	}

	if cfg.Operator.OwnerPrivateKey != "" {
		signer, err := relay.NewKeySigner(cfg.Operator.OwnerPrivateKey)
		if err != nil {
			return fmt.Errorf("invalid owner key: %w", err)
		}
		backend, err := client.WithSigner(cfg.Operator.OwnerPrivateKey)
		if err != nil {
			return fmt.Errorf("invalid owner key: %w", err)
		}
		direct, err := relay.NewDirect(chainCfg.ChainID, backend, signer, cfg.Safe.MultiSend, wm.logger)
		if err != nil {
			return err
		}
		selector.Register(chainCfg.ChainID, models.OwnerKindDirect, direct)
	}
	return nil
}

// Start starts all worker goroutines
func (wm *WorkerManager) Start() {
	wm.logger.Info("Starting worker manager",
		zap.Int("num_evm_chains", len(wm.evmClients)),
		zap.Int("concurrency", wm.cfg.Workers.Concurrency),
		zap.Duration("monitor_interval", wm.cfg.Workers.MonitorInterval))

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.monitor.Run(wm.ctx)
	}()

	wm.wg.Add(1)
	go func() {
		defer wm.wg.Done()
		wm.executor.Run(wm.ctx)
	}()

	wm.logger.Info("Worker manager started")
}

// Shutdown gracefully stops all workers
func (wm *WorkerManager) Shutdown(timeout time.Duration) error {
	wm.logger.Info("Shutting down worker manager")

	wm.cancel()

	done := make(chan struct{})
	go func() {
		wm.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		wm.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		wm.logger.Warn("Worker shutdown timed out")
		err = fmt.Errorf("workers still running after %s", timeout)
	}

	wm.closeClients()
	wm.logger.Info("Worker manager shutdown complete")
	return err
}

func (wm *WorkerManager) closeClients() {
	for chainID, client := range wm.evmClients {
		client.Close()
		wm.logger.Debug("Closed EVM client", zap.Uint64("chain_id", chainID))
	}
}

// Orchestrator returns the run state machine
func (wm *WorkerManager) Orchestrator() *orchestrator.Orchestrator {
	return wm.orchestrator
}

// Coordinator returns the bridge coordinator, used for synchronous quotes
func (wm *WorkerManager) Coordinator() *bridge.Coordinator {
	return wm.coordinator
}

// Hub returns the in-process event hub
func (wm *WorkerManager) Hub() *events.Hub {
	return wm.hub
}

// Metrics returns the prometheus collectors
func (wm *WorkerManager) Metrics() *metrics.Metrics {
	return wm.metrics
}

// Executor returns the job pool
func (wm *WorkerManager) Executor() *Executor {
	return wm.executor
}
