package relay

import (
	"vaultflow/internal/config"
	"vaultflow/internal/models"
)

// Class is an operation class with its own gas budget
type Class string

const (
	ClassApprove Class = "approve"
	ClassDeposit Class = "deposit"
	ClassRedeem  Class = "redeem"
	ClassBridge  Class = "bridge"
)

// GasTable holds fixed gas hints. Vaults with heavier internal logic get
// their own deposit/redeem budget from the vault table. Meta-transaction gas
// cannot be estimated reliably before execution, so nothing here estimates.
type GasTable struct {
	defaults config.GasConfig
	vaults   map[models.VaultRef]uint64
}

// NewGasTable builds the table from configuration
func NewGasTable(cfg *config.Config) *GasTable {
	vaults := make(map[models.VaultRef]uint64)
	for ref, v := range cfg.Vaults {
		if v.GasLimit > 0 {
			vaults[ref] = v.GasLimit
		}
	}
	return &GasTable{defaults: cfg.Gas, vaults: vaults}
}

// Hint returns the gas hint for class, using the vault override when one exists
func (g *GasTable) Hint(class Class, vault *models.VaultRef) uint64 {
	if vault != nil && (class == ClassDeposit || class == ClassRedeem) {
		if limit, ok := g.vaults[*vault]; ok {
			return limit
		}
	}
	switch class {
	case ClassApprove:
		return g.defaults.Approve
	case ClassDeposit:
		return g.defaults.Deposit
	case ClassRedeem:
		return g.defaults.Redeem
	case ClassBridge:
		return g.defaults.Bridge
	}
	return g.defaults.Deposit
}
