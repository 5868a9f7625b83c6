package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/models"
)

// AssetBalance returns owner's balance of asset: the native balance for
// native assets, the ERC-20 balance otherwise.
func AssetBalance(ctx context.Context, r Reader, asset models.Asset, owner common.Address) (*big.Int, error) {
	if asset.Native {
		return r.BalanceAt(ctx, owner)
	}
	return TokenBalance(ctx, r, asset.Address, owner)
}
