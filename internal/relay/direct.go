package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/models"
)

// Backend is the chain access Direct needs; *evm.Client with a signer satisfies it
type Backend interface {
	evm.Reader
	Address() common.Address
	SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64) (common.Hash, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Direct has the owner key sign the SafeTx and broadcast execTransaction
// from its own account. References are chain transaction hashes.
type Direct struct {
	chainID   uint64
	backend   Backend
	signer    Signer
	multiSend common.Address
	logger    *zap.Logger
}

// NewDirect creates a direct client. backend must send from the same
// account signer signs for.
func NewDirect(chainID uint64, backend Backend, signer Signer, multiSend common.Address, logger *zap.Logger) (*Direct, error) {
	if backend.Address() != signer.Address() {
		return nil, fmt.Errorf("backend sender %s does not match signer %s", backend.Address().Hex(), signer.Address().Hex())
	}
	return &Direct{
		chainID:   chainID,
		backend:   backend,
		signer:    signer,
		multiSend: multiSend,
		logger:    logger.Named("direct").With(zap.Uint64("chain_id", chainID)),
	}, nil
}

// Send signs and broadcasts the batch
func (d *Direct) Send(ctx context.Context, req SendRequest) (models.OperationRef, error) {
	if req.ChainID != d.chainID {
		return models.OperationRef{}, sendFailed(fmt.Errorf("direct client for chain %d cannot send on chain %d", d.chainID, req.ChainID))
	}

	nonce, err := d.safeNonce(ctx, req.Safe.Address)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	tx, err := evm.BatchSafeTx(req.Transactions, d.multiSend, nonce)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	sig, err := signSafeTx(ctx, d.signer, tx.Hash(d.chainID, req.Safe.Address), false)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	data, err := evm.EncodeExecTransaction(tx, sig)
	if err != nil {
		return models.OperationRef{}, sendFailed(fmt.Errorf("failed to pack execTransaction: %w", err))
	}

	hash, err := d.backend.SignAndSendTransaction(ctx, req.Safe.Address, data, nil, req.GasHint)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	d.logger.Info("Safe transaction broadcast",
		zap.String("safe", req.Safe.Address.Hex()),
		zap.String("tx_hash", hash.Hex()),
		zap.String("safe_nonce", nonce.String()),
		zap.Int("sub_transactions", len(req.Transactions)))

	return models.OperationRef{ID: hash.Hex(), ChainID: d.chainID, Kind: models.RefKindDirect, TxHash: hash}, nil
}

// Status reads the transaction receipt
func (d *Direct) Status(ctx context.Context, ref models.OperationRef) (OperationStatus, error) {
	receipt, err := d.backend.TransactionReceipt(ctx, ref.TxHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return OperationStatus{State: StatePending, TxHash: ref.TxHash}, nil
		}
		return OperationStatus{}, fmt.Errorf("failed to get receipt %s: %w", ref.TxHash.Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return OperationStatus{State: StateConfirmed, TxHash: ref.TxHash}, nil
	}
	return OperationStatus{State: StateFailed, TxHash: ref.TxHash}, nil
}

func (d *Direct) safeNonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	data, err := evm.Safe.Pack("nonce")
	if err != nil {
		return nil, fmt.Errorf("failed to pack nonce: %w", err)
	}
	out, err := d.backend.CallContract(ctx, safe, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read safe nonce: %w", err)
	}
	return evm.UnpackBigInt(evm.Safe, "nonce", out)
}
