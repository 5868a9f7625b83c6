package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vaultflow/internal/models"
)

const vaultsYAML = `
vaults:
  - name: usdc-base
    chain_id: 8453
    address: 0x1111111111111111111111111111111111111111
    asset: 0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913
    gas_limit: 1500000
  - name: eth-base
    chain_id: 8453
    address: 0x2222222222222222222222222222222222222222
    asset: 0x4200000000000000000000000000000000000006
    zapper: 0x3333333333333333333333333333333333333333
`

func TestParseVaults(t *testing.T) {
	vaults, err := ParseVaults([]byte(vaultsYAML))
	require.NoError(t, err)
	require.Len(t, vaults, 2)

	assert.Equal(t, "usdc-base", vaults[0].Name)
	assert.Equal(t, uint64(8453), vaults[0].Ref.ChainID)
	assert.Equal(t, uint64(1_500_000), vaults[0].GasLimit)
	assert.Equal(t, common.Address{}, vaults[0].Zapper)
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), vaults[1].Zapper)
}

func TestParseVaultsRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing chain", "vaults:\n  - name: a\n    address: 0x1111111111111111111111111111111111111111\n    asset: 0x1111111111111111111111111111111111111111\n"},
		{"bad address", "vaults:\n  - name: a\n    chain_id: 1\n    address: nope\n    asset: 0x1111111111111111111111111111111111111111\n"},
		{"bad asset", "vaults:\n  - name: a\n    chain_id: 1\n    address: 0x1111111111111111111111111111111111111111\n    asset: nope\n"},
		{"duplicate", "vaults:\n  - {name: a, chain_id: 1, address: '0x1111111111111111111111111111111111111111', asset: '0x1111111111111111111111111111111111111111'}\n  - {name: b, chain_id: 1, address: '0x1111111111111111111111111111111111111111', asset: '0x1111111111111111111111111111111111111111'}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVaults([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	vaultsPath := filepath.Join(dir, "vaults.yaml")
	require.NoError(t, os.WriteFile(vaultsPath, []byte(vaultsYAML), 0o600))

	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("BASE_RPC_ENDPOINT=http://localhost:8545\nPOLL_BYTECODE_INTERVAL=5s\n"), 0o600))

	t.Cleanup(func() {
		os.Unsetenv("BASE_RPC_ENDPOINT")
		os.Unsetenv("POLL_BYTECODE_INTERVAL")
	})

	cfg, err := LoadConfig(envPath, vaultsPath)
	require.NoError(t, err)

	chain, ok := cfg.Chain(8453)
	require.True(t, ok)
	assert.Equal(t, "Base", chain.Name)
	assert.Equal(t, 5*time.Second, cfg.Polling.BytecodeInterval)
	assert.Equal(t, 30, cfg.Polling.BytecodeAttempts)
	assert.Equal(t, 20, cfg.Polling.IndexingAttempts)

	v, ok := cfg.Vault(models.VaultRef{Address: common.HexToAddress("0x1111111111111111111111111111111111111111"), ChainID: 8453})
	require.True(t, ok)
	assert.Equal(t, "usdc-base", v.Name)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Port: 8080},
			Database: DatabaseConfig{Host: "localhost"},
			Chains:   map[uint64]ChainConfig{1: {ChainID: 1}},
			Vaults:   map[models.VaultRef]VaultConfig{},
			Polling:  PollingConfig{IndexingAttempts: 20, BytecodeAttempts: 30, ConfirmAttempts: 10},
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.Chains = nil
	assert.Error(t, cfg.Validate())

	cfg = base()
	ref := models.VaultRef{Address: common.HexToAddress("0x01"), ChainID: 8453}
	cfg.Vaults[ref] = VaultConfig{Name: "orphan", Ref: ref}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Bridge.MaxFeeBps = 20_000
	assert.Error(t, cfg.Validate())
}
