// Package deployment predicts, deploys and registers the Safe accounts that
// receive bridged funds on destination chains.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/config"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/poller"
)

// Backend is the per-chain access a deployment needs
type Backend interface {
	evm.Reader
	SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64) (common.Hash, error)
}

// Registry is the record store of known safes
type Registry interface {
	LookupSafe(ctx context.Context, owner common.Address, chainID uint64) (common.Address, bool, error)
	RegisterSafe(ctx context.Context, owner common.Address, chainID uint64, safe common.Address, deployTx *common.Hash) error
}

// deployGasLimit covers createProxyWithNonce plus Safe setup
const deployGasLimit = 400_000

// Manager handles destination safe deployment
type Manager struct {
	factory         common.Address
	singleton       common.Address
	fallbackHandler common.Address
	creationCode    []byte
	backends        map[uint64]Backend
	registry        Registry
	poller          *poller.Poller
	logger          *zap.Logger
}

// NewManager creates a deployment manager. backends holds one deployer per
// destination chain; poll is the bytecode polling budget.
func NewManager(cfg config.SafeConfig, backends map[uint64]Backend, registry Registry, poll *poller.Poller, logger *zap.Logger) (*Manager, error) {
	code, err := hexutil.Decode(ensureHexPrefix(cfg.ProxyCreationCode))
	if err != nil {
		return nil, fmt.Errorf("invalid proxy creation code: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("proxy creation code is required")
	}
	if cfg.ProxyFactory == (common.Address{}) || cfg.Singleton == (common.Address{}) {
		return nil, fmt.Errorf("proxy factory and singleton addresses are required")
	}

	return &Manager{
		factory:         cfg.ProxyFactory,
		singleton:       cfg.Singleton,
		fallbackHandler: cfg.FallbackHandler,
		creationCode:    code,
		backends:        backends,
		registry:        registry,
		poller:          poll,
		logger:          logger.Named("deployment"),
	}, nil
}

// initializer is the Safe setup call for a single-owner, threshold-one safe
func (m *Manager) initializer(owner common.Address) ([]byte, error) {
	data, err := evm.Safe.Pack("setup",
		[]common.Address{owner},
		big.NewInt(1),
		common.Address{},
		[]byte{},
		m.fallbackHandler,
		common.Address{},
		big.NewInt(0),
		common.Address{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack setup: %w", err)
	}
	return data, nil
}

// Predict returns the address the factory deploys the safe of owner to. salt
// is the account's home-chain address, so the result is the same on every
// chain sharing the factory deployment.
func (m *Manager) Predict(owner, salt common.Address) (common.Address, error) {
	setup, err := m.initializer(owner)
	if err != nil {
		return common.Address{}, err
	}
	create2Salt := evm.SafeCreate2Salt(setup, evm.SafeSaltNonce(salt))
	return evm.ComputeCreate2Address(m.factory, create2Salt, evm.SafeInitCode(m.creationCode, m.singleton))
}

// BuildDeploymentTx encodes the factory call that deploys the predicted safe
func (m *Manager) BuildDeploymentTx(owner, salt common.Address) (models.SubTransaction, error) {
	setup, err := m.initializer(owner)
	if err != nil {
		return models.SubTransaction{}, err
	}
	data, err := evm.SafeProxyFactory.Pack("createProxyWithNonce", m.singleton, setup, evm.SafeSaltNonce(salt))
	if err != nil {
		return models.SubTransaction{}, fmt.Errorf("failed to pack createProxyWithNonce: %w", err)
	}
	return models.SubTransaction{To: m.factory, Value: new(big.Int), Data: data}, nil
}

// PollForBytecode waits until address has code on chainID. It returns false
// once the budget is spent; the wait never exceeds interval*maxAttempts.
func (m *Manager) PollForBytecode(ctx context.Context, address common.Address, chainID uint64, interval time.Duration, maxAttempts int) (bool, error) {
	backend, err := m.backend(chainID)
	if err != nil {
		return false, err
	}

	_, err = m.poller.With(interval, maxAttempts).Until(ctx, "bytecode", func(ctx context.Context) (bool, error) {
		return evm.IsContractDeployed(ctx, backend, address)
	})
	if errors.Is(err, poller.ErrExhausted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResolveSafe finds the owner's safe on chainID. A registered safe wins; a
// safe deployed out of band at the predicted address is registered on sight.
// Otherwise the deployment information is returned and nothing is sent.
func (m *Manager) ResolveSafe(ctx context.Context, owner, home common.Address, chainID uint64) (common.Address, *models.DeploymentInfo, error) {
	if addr, ok, err := m.registry.LookupSafe(ctx, owner, chainID); err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to look up safe: %w", err)
	} else if ok {
		return addr, nil, nil
	}

	backend, err := m.backend(chainID)
	if err != nil {
		return common.Address{}, nil, err
	}

	predicted, err := m.Predict(owner, home)
	if err != nil {
		return common.Address{}, nil, err
	}

	deployed, err := evm.IsContractDeployed(ctx, backend, predicted)
	if err != nil {
		return common.Address{}, nil, err
	}
	if deployed {
		if err := m.registry.RegisterSafe(ctx, owner, chainID, predicted, nil); err != nil {
			return common.Address{}, nil, fmt.Errorf("failed to register safe: %w", err)
		}
		m.logger.Info("Registered existing safe",
			zap.String("owner", owner.Hex()),
			zap.Uint64("chain_id", chainID),
			zap.String("safe", predicted.Hex()))
		return predicted, nil, nil
	}

	tx, err := m.BuildDeploymentTx(owner, home)
	if err != nil {
		return common.Address{}, nil, err
	}
	return common.Address{}, &models.DeploymentInfo{
		PredictedAddress: predicted,
		DestinationChain: chainID,
		Owner:            owner,
		Salt:             home,
		DeploymentTx:     tx,
	}, nil
}

// Submit sends the deployment transaction through the chain's deployer. It
// returns a nil hash without sending when the bytecode is already there.
func (m *Manager) Submit(ctx context.Context, info *models.DeploymentInfo) (*common.Hash, error) {
	backend, err := m.backend(info.DestinationChain)
	if err != nil {
		return nil, err
	}

	deployed, err := evm.IsContractDeployed(ctx, backend, info.PredictedAddress)
	if err != nil {
		return nil, err
	}
	if deployed {
		m.logger.Info("Safe already deployed, skipping submission",
			zap.Uint64("chain_id", info.DestinationChain),
			zap.String("safe", info.PredictedAddress.Hex()))
		return nil, nil
	}

	tx := info.DeploymentTx
	hash, err := backend.SignAndSendTransaction(ctx, tx.To, tx.Data, tx.Value, deployGasLimit)
	if err != nil {
		return nil, failure.New(failure.KindSendFailed, fmt.Errorf("deploy safe: %w", err))
	}

	m.logger.Info("Safe deployment submitted",
		zap.String("owner", info.Owner.Hex()),
		zap.Uint64("chain_id", info.DestinationChain),
		zap.String("safe", info.PredictedAddress.Hex()),
		zap.String("tx_hash", hash.Hex()))
	return &hash, nil
}

// Await polls for the safe's bytecode within the configured budget and
// registers it once present.
func (m *Manager) Await(ctx context.Context, info *models.DeploymentInfo, deployTx *common.Hash) (common.Address, error) {
	ok, err := m.PollForBytecode(ctx, info.PredictedAddress, info.DestinationChain, m.poller.Interval, m.poller.MaxAttempts)
	if err != nil {
		return common.Address{}, err
	}
	if !ok {
		return common.Address{}, failure.Newf(failure.KindDeploymentTimeout,
			"no bytecode at %s after %d attempts", info.PredictedAddress.Hex(), m.poller.MaxAttempts)
	}

	if err := m.registry.RegisterSafe(ctx, info.Owner, info.DestinationChain, info.PredictedAddress, deployTx); err != nil {
		return common.Address{}, fmt.Errorf("failed to register safe: %w", err)
	}
	m.logger.Info("Safe deployed and registered",
		zap.String("owner", info.Owner.Hex()),
		zap.Uint64("chain_id", info.DestinationChain),
		zap.String("safe", info.PredictedAddress.Hex()))
	return info.PredictedAddress, nil
}

// Deploy submits the deployment when needed, waits for it and registers the safe
func (m *Manager) Deploy(ctx context.Context, info *models.DeploymentInfo) (common.Address, error) {
	hash, err := m.Submit(ctx, info)
	if err != nil {
		return common.Address{}, err
	}
	return m.Await(ctx, info, hash)
}

func (m *Manager) backend(chainID uint64) (Backend, error) {
	b, ok := m.backends[chainID]
	if !ok {
		return nil, fmt.Errorf("no deployer configured for chain %d", chainID)
	}
	return b, nil
}

func ensureHexPrefix(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}
	return "0x" + s
}
