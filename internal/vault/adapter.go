// Package vault quotes and encodes calls against a single ERC-4626 vault.
// It never sends transactions.
package vault

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
)

// Adapter gives typed access to one vault contract
type Adapter struct {
	ref    models.VaultRef
	reader evm.Reader
	logger *zap.Logger
}

// NewAdapter creates an adapter for the vault at ref, reading through reader
func NewAdapter(ref models.VaultRef, reader evm.Reader, logger *zap.Logger) *Adapter {
	return &Adapter{
		ref:    ref,
		reader: reader,
		logger: logger.Named("vault").With(zap.String("vault", ref.String())),
	}
}

// QuoteDeposit returns the shares a deposit of assets would mint now
func (a *Adapter) QuoteDeposit(ctx context.Context, assets *big.Int) (*big.Int, error) {
	return a.callUint(ctx, "previewDeposit", assets)
}

// QuoteRedeem returns the assets a redemption of shares is worth now
func (a *Adapter) QuoteRedeem(ctx context.Context, shares *big.Int) (*big.Int, error) {
	return a.callUint(ctx, "convertToAssets", shares)
}

// AssetsToShares converts an asset amount into shares for withdrawal-by-assets
func (a *Adapter) AssetsToShares(ctx context.Context, assets *big.Int) (*big.Int, error) {
	return a.callUint(ctx, "convertToShares", assets)
}

// MaxDeposit returns the most assets receiver can deposit now
func (a *Adapter) MaxDeposit(ctx context.Context, receiver common.Address) (*big.Int, error) {
	return a.callUint(ctx, "maxDeposit", receiver)
}

// ShareBalance returns the vault shares held by owner
func (a *Adapter) ShareBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return a.callUint(ctx, "balanceOf", owner)
}

// CurrentAsset returns the vault's underlying asset
func (a *Adapter) CurrentAsset(ctx context.Context) (common.Address, error) {
	out, err := a.call(ctx, "asset")
	if err != nil {
		return common.Address{}, err
	}
	values, err := evm.ERC4626.Unpack("asset", out)
	if err != nil || len(values) != 1 {
		return common.Address{}, failure.Newf(failure.KindVaultUnavailable, "vault %s: bad asset() response: %v", a.ref, err)
	}
	addr, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, failure.Newf(failure.KindVaultUnavailable, "vault %s: unexpected asset() type %T", a.ref, values[0])
	}
	return addr, nil
}

// EncodeDeposit returns the payload of deposit(assets, receiver)
func (a *Adapter) EncodeDeposit(assets *big.Int, receiver common.Address) (models.SubTransaction, error) {
	data, err := evm.ERC4626.Pack("deposit", assets, receiver)
	if err != nil {
		return models.SubTransaction{}, fmt.Errorf("failed to pack deposit: %w", err)
	}
	return models.SubTransaction{To: a.ref.Address, Value: new(big.Int), Data: data}, nil
}

// EncodeNativeDeposit returns the payload of a zapper deposit of the native coin
func (a *Adapter) EncodeNativeDeposit(zapper common.Address, amount *big.Int, receiver common.Address) (models.SubTransaction, error) {
	data, err := evm.Zapper.Pack("depositNative", a.ref.Address, receiver)
	if err != nil {
		return models.SubTransaction{}, fmt.Errorf("failed to pack depositNative: %w", err)
	}
	return models.SubTransaction{To: zapper, Value: new(big.Int).Set(amount), Data: data}, nil
}

// EncodeRedeem returns the payload of redeem(shares, receiver, owner)
func (a *Adapter) EncodeRedeem(shares *big.Int, receiver, owner common.Address) (models.SubTransaction, error) {
	data, err := evm.ERC4626.Pack("redeem", shares, receiver, owner)
	if err != nil {
		return models.SubTransaction{}, fmt.Errorf("failed to pack redeem: %w", err)
	}
	return models.SubTransaction{To: a.ref.Address, Value: new(big.Int), Data: data}, nil
}

func (a *Adapter) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	out, err := a.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, err := evm.UnpackBigInt(evm.ERC4626, method, out)
	if err != nil {
		return nil, failure.New(failure.KindVaultUnavailable, fmt.Errorf("vault %s: %w", a.ref, err))
	}
	return v, nil
}

// call performs a view call; any failure means the vault cannot serve the
// request right now and is not retried here.
func (a *Adapter) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	data, err := evm.ERC4626.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	out, err := a.reader.CallContract(ctx, a.ref.Address, data)
	if err != nil {
		a.logger.Warn("Vault call failed", zap.String("method", method), zap.Error(err))
		return nil, failure.New(failure.KindVaultUnavailable, fmt.Errorf("vault %s %s: %w", a.ref, method, err))
	}
	if len(out) == 0 {
		return nil, failure.Newf(failure.KindVaultUnavailable, "vault %s %s: empty response", a.ref, method)
	}
	return out, nil
}
