package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"vaultflow/internal/models"
)

type vaultFile struct {
	Vaults []vaultEntry `yaml:"vaults"`
}

type vaultEntry struct {
	Name     string `yaml:"name"`
	ChainID  uint64 `yaml:"chain_id"`
	Address  string `yaml:"address"`
	Asset    string `yaml:"asset"`
	Zapper   string `yaml:"zapper"`
	GasLimit uint64 `yaml:"gas_limit"`
}

// LoadVaults reads the vault table from a YAML file of the form
//
//	vaults:
//	  - name: usdc-base
//	    chain_id: 8453
//	    address: 0x...
//	    asset: 0x...
//	    gas_limit: 1500000
func LoadVaults(path string) ([]VaultConfig, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vaults file: %w", err)
	}
	return ParseVaults(content)
}

// ParseVaults decodes a YAML vault table
func ParseVaults(content []byte) ([]VaultConfig, error) {
	var f vaultFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("failed to parse vaults file: %w", err)
	}

	seen := make(map[models.VaultRef]bool)
	vaults := make([]VaultConfig, 0, len(f.Vaults))
	for i, e := range f.Vaults {
		if e.ChainID == 0 {
			return nil, fmt.Errorf("vault %d (%s): chain_id is required", i, e.Name)
		}
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("vault %d (%s): invalid address %q", i, e.Name, e.Address)
		}
		if !common.IsHexAddress(e.Asset) {
			return nil, fmt.Errorf("vault %d (%s): invalid asset %q", i, e.Name, e.Asset)
		}
		if e.Zapper != "" && !common.IsHexAddress(e.Zapper) {
			return nil, fmt.Errorf("vault %d (%s): invalid zapper %q", i, e.Name, e.Zapper)
		}

		ref := models.VaultRef{Address: common.HexToAddress(e.Address), ChainID: e.ChainID}
		if seen[ref] {
			return nil, fmt.Errorf("vault %s listed twice", ref)
		}
		seen[ref] = true

		v := VaultConfig{
			Name:     e.Name,
			Ref:      ref,
			Asset:    common.HexToAddress(e.Asset),
			GasLimit: e.GasLimit,
		}
		if e.Zapper != "" {
			v.Zapper = common.HexToAddress(e.Zapper)
		}
		vaults = append(vaults, v)
	}

	return vaults, nil
}
