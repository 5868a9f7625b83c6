package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"vaultflow/internal/models"
)

// Config holds all configuration for the service. It is built once at
// startup and passed to components at construction; nothing mutates it.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Chains   map[uint64]ChainConfig
	Vaults   map[models.VaultRef]VaultConfig
	Relay    RelayConfig
	Bridge   BridgeConfig
	Safe     SafeConfig
	Gas      GasConfig
	Polling  PollingConfig
	Workers  WorkerConfig
	Operator OperatorConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds the optional redis connection used for quote caching and event fan-out
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Enabled reports whether a redis address was configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// ChainConfig holds configuration for an EVM chain
type ChainConfig struct {
	ChainID       uint64
	Name          string
	RPCEndpoint   string
	RelayURL      string         // meta-transaction relay for managed-signer safes
	WrappedNative common.Address // underlying asset of vaults reached through a zapper
}

// VaultConfig describes one supported vault
type VaultConfig struct {
	Name     string
	Ref      models.VaultRef
	Asset    common.Address
	Zapper   common.Address // non-zero when native deposits are routed through a zapper
	GasLimit uint64         // overrides the default deposit/redeem gas hint
}

// RelayConfig holds meta-transaction relay credentials
type RelayConfig struct {
	APIKey           string
	Secret           string
	Passphrase       string
	SignerPrivateKey string // managed signer that owns relayed safes
	ProxyString      string
}

// BridgeConfig holds bridge API configuration
type BridgeConfig struct {
	APIURL      string
	Timeout     time.Duration
	QuoteTTL    time.Duration
	MaxFeeBps   uint16
	Retries     int
	ProxyString string
}

// SafeConfig holds the canonical Safe deployment addresses shared by all chains
type SafeConfig struct {
	ProxyFactory      common.Address
	Singleton         common.Address
	FallbackHandler   common.Address
	MultiSend         common.Address
	ProxyCreationCode string // hex, as returned by the factory's proxyCreationCode()
}

// GasConfig holds the fixed gas hints per operation class
type GasConfig struct {
	Approve uint64
	Deposit uint64
	Redeem  uint64
	Bridge  uint64
}

// PollingConfig holds the budgets of every waiting step
type PollingConfig struct {
	ConfirmInterval   time.Duration
	ConfirmAttempts   int
	AllowanceInterval time.Duration
	AllowanceAttempts int
	IndexingInterval  time.Duration
	IndexingAttempts  int
	BytecodeInterval  time.Duration
	BytecodeAttempts  int
	ArrivalInterval   time.Duration
	ArrivalAttempts   int
}

// WorkerConfig holds background worker configuration
type WorkerConfig struct {
	Concurrency     int
	MonitorInterval time.Duration
	RunRetention    time.Duration
}

// OperatorConfig holds keys the service signs with
type OperatorConfig struct {
	DeployerPrivateKey string // pays for safe deployments
	OwnerPrivateKey    string // directly-signing owner key
}

// knownChains maps an env prefix to a chain id and display name
var knownChains = []struct {
	prefix  string
	chainID uint64
	name    string
}{
	{"ETH", 1, "Ethereum"},
	{"OP", 10, "Optimism"},
	{"BASE", 8453, "Base"},
	{"ARB", 42161, "Arbitrum"},
}

// LoadConfig loads configuration from environment variables. A non-empty
// envFile is loaded first; variables already set in the process win.
func LoadConfig(envFile, vaultsFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "vaultflow"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_EVENTS_CHANNEL", "vaultflow:run-events"),
		},
		Relay: RelayConfig{
			APIKey:           getEnv("RELAY_API_KEY", ""),
			Secret:           getEnv("RELAY_SECRET", ""),
			Passphrase:       getEnv("RELAY_PASSPHRASE", ""),
			SignerPrivateKey: getEnv("RELAY_SIGNER_PRIVATE_KEY", ""),
			ProxyString:      getEnv("HTTP_PROXY_STRING", ""),
		},
		Bridge: BridgeConfig{
			APIURL:      getEnv("BRIDGE_API_URL", ""),
			Timeout:     getEnvDuration("BRIDGE_API_TIMEOUT", 15*time.Second),
			QuoteTTL:    getEnvDuration("BRIDGE_QUOTE_TTL", 30*time.Second),
			MaxFeeBps:   uint16(getEnvInt("BRIDGE_MAX_FEE_BPS", 300)),
			Retries:     getEnvInt("BRIDGE_API_RETRIES", 3),
			ProxyString: getEnv("HTTP_PROXY_STRING", ""),
		},
		Safe: SafeConfig{
			ProxyFactory:      getEnvAddress("SAFE_PROXY_FACTORY", "0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67"),
			Singleton:         getEnvAddress("SAFE_SINGLETON", "0x29fcB43b46531BcA003ddC8FCB67FFE91900C762"),
			FallbackHandler:   getEnvAddress("SAFE_FALLBACK_HANDLER", "0xfd0732Dc9E303f09fCEf3a7388Ad10A83459Ec99"),
			MultiSend:         getEnvAddress("SAFE_MULTISEND", "0x38869bf66a61cF6bDB996A6aE40D5853Fd43B526"),
			ProxyCreationCode: getEnv("SAFE_PROXY_CREATION_CODE", ""),
		},
		Gas: GasConfig{
			Approve: uint64(getEnvInt("GAS_APPROVE", 100_000)),
			Deposit: uint64(getEnvInt("GAS_DEPOSIT", 500_000)),
			Redeem:  uint64(getEnvInt("GAS_REDEEM", 500_000)),
			Bridge:  uint64(getEnvInt("GAS_BRIDGE", 300_000)),
		},
		Polling: PollingConfig{
			ConfirmInterval:   getEnvDuration("POLL_CONFIRM_INTERVAL", 3*time.Second),
			ConfirmAttempts:   getEnvInt("POLL_CONFIRM_ATTEMPTS", 60),
			AllowanceInterval: getEnvDuration("POLL_ALLOWANCE_INTERVAL", 2*time.Second),
			AllowanceAttempts: getEnvInt("POLL_ALLOWANCE_ATTEMPTS", 5),
			IndexingInterval:  getEnvDuration("POLL_INDEXING_INTERVAL", 3*time.Second),
			IndexingAttempts:  getEnvInt("POLL_INDEXING_ATTEMPTS", 20),
			BytecodeInterval:  getEnvDuration("POLL_BYTECODE_INTERVAL", 4*time.Second),
			BytecodeAttempts:  getEnvInt("POLL_BYTECODE_ATTEMPTS", 30),
			ArrivalInterval:   getEnvDuration("POLL_ARRIVAL_INTERVAL", 10*time.Second),
			ArrivalAttempts:   getEnvInt("POLL_ARRIVAL_ATTEMPTS", 18),
		},
		Workers: WorkerConfig{
			Concurrency:     getEnvInt("WORKER_CONCURRENCY", 8),
			MonitorInterval: getEnvDuration("WORKER_MONITOR_INTERVAL", 30*time.Second),
			RunRetention:    getEnvDuration("WORKER_RUN_RETENTION", time.Hour),
		},
		Operator: OperatorConfig{
			DeployerPrivateKey: getEnv("DEPLOYER_PRIVATE_KEY", ""),
			OwnerPrivateKey:    getEnv("OWNER_PRIVATE_KEY", ""),
		},
		Chains: make(map[uint64]ChainConfig),
		Vaults: make(map[models.VaultRef]VaultConfig),
	}

	loadChainConfigs(cfg)

	if vaultsFile == "" {
		vaultsFile = getEnv("VAULTS_FILE", "")
	}
	if vaultsFile != "" {
		vaults, err := LoadVaults(vaultsFile)
		if err != nil {
			return nil, err
		}
		for _, v := range vaults {
			cfg.Vaults[v.Ref] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainConfigs loads every known chain that has an RPC endpoint set
func loadChainConfigs(cfg *Config) {
	for _, kc := range knownChains {
		rpc := getEnv(kc.prefix+"_RPC_ENDPOINT", "")
		if rpc == "" {
			continue
		}
		cfg.Chains[kc.chainID] = ChainConfig{
			ChainID:       kc.chainID,
			Name:          kc.name,
			RPCEndpoint:   rpc,
			RelayURL:      getEnv(kc.prefix+"_RELAY_URL", ""),
			WrappedNative: getEnvAddress(kc.prefix+"_WRAPPED_NATIVE", ""),
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}

	for ref, v := range c.Vaults {
		if _, ok := c.Chains[ref.ChainID]; !ok {
			return fmt.Errorf("vault %s references unconfigured chain %d", v.Name, ref.ChainID)
		}
	}

	if c.Polling.IndexingAttempts <= 0 || c.Polling.BytecodeAttempts <= 0 || c.Polling.ConfirmAttempts <= 0 {
		return fmt.Errorf("polling attempt budgets must be positive")
	}

	if c.Bridge.MaxFeeBps > 10_000 {
		return fmt.Errorf("bridge max fee bps must not exceed 10000: %d", c.Bridge.MaxFeeBps)
	}

	return nil
}

// Chain returns the configuration of a chain
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	chain, ok := c.Chains[chainID]
	return chain, ok
}

// Vault returns the configuration of a vault
func (c *Config) Vault(ref models.VaultRef) (VaultConfig, bool) {
	v, ok := c.Vaults[ref]
	return v, ok
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAddress(key, defaultValue string) common.Address {
	value := strings.TrimSpace(getEnv(key, defaultValue))
	if value == "" || !common.IsHexAddress(value) {
		return common.Address{}
	}
	return common.HexToAddress(value)
}
