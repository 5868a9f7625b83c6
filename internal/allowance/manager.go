// Package allowance reads ERC-20 allowances and builds approval payloads.
// It never submits; re-reading after an approval confirms is the caller's job.
package allowance

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/models"
)

// Result is the outcome of EnsureAllowance
type Result struct {
	AlreadySufficient bool
	Current           *big.Int
	Approval          *models.SubTransaction // set only when AlreadySufficient is false
}

// Manager checks allowances on one chain
type Manager struct {
	reader evm.Reader
	logger *zap.Logger
}

// NewManager creates an allowance manager reading through reader
func NewManager(reader evm.Reader, logger *zap.Logger) *Manager {
	return &Manager{
		reader: reader,
		logger: logger.Named("allowance"),
	}
}

// Allowance returns how much of owner's token spender may move
func (m *Manager) Allowance(ctx context.Context, owner, spender, token common.Address) (*big.Int, error) {
	data, err := evm.ERC20.Pack("allowance", owner, spender)
	if err != nil {
		return nil, fmt.Errorf("failed to pack allowance: %w", err)
	}

	out, err := m.reader.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read allowance of %s on %s: %w", spender.Hex(), token.Hex(), err)
	}
	return evm.UnpackBigInt(evm.ERC20, "allowance", out)
}

// EnsureAllowance reads the allowance once and returns an approval payload
// for exactly minAmount when the current allowance is below it.
func (m *Manager) EnsureAllowance(ctx context.Context, owner, spender, token common.Address, minAmount *big.Int) (Result, error) {
	current, err := m.Allowance(ctx, owner, spender, token)
	if err != nil {
		return Result{}, err
	}

	if current.Cmp(minAmount) >= 0 {
		m.logger.Debug("Allowance already sufficient",
			zap.String("owner", owner.Hex()),
			zap.String("spender", spender.Hex()),
			zap.String("current", current.String()))
		return Result{AlreadySufficient: true, Current: current}, nil
	}

	approval, err := EncodeApprove(token, spender, minAmount)
	if err != nil {
		return Result{}, err
	}

	m.logger.Info("Approval required",
		zap.String("owner", owner.Hex()),
		zap.String("spender", spender.Hex()),
		zap.String("token", token.Hex()),
		zap.String("current", current.String()),
		zap.String("required", minAmount.String()))

	return Result{Current: current, Approval: &approval}, nil
}

// EncodeApprove returns the payload of token.approve(spender, amount)
func EncodeApprove(token, spender common.Address, amount *big.Int) (models.SubTransaction, error) {
	data, err := evm.ERC20.Pack("approve", spender, amount)
	if err != nil {
		return models.SubTransaction{}, fmt.Errorf("failed to pack approve: %w", err)
	}
	return models.SubTransaction{To: token, Value: new(big.Int), Data: data}, nil
}
