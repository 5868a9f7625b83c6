package evmtest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"vaultflow/internal/models"
)

// Sender is an externally owned account that broadcasts by executing
// straight on the chain. A failed execution still yields a receipt, with
// failed status.
type Sender struct {
	*Chain
	from common.Address

	mu       sync.Mutex
	receipts map[common.Hash]*types.Receipt
	sent     int
	// Drop swallows transactions: they get a hash but never a receipt
	Drop bool
}

// NewSender creates a sender for from
func NewSender(chain *Chain, from common.Address) *Sender {
	return &Sender{Chain: chain, from: from, receipts: make(map[common.Hash]*types.Receipt)}
}

// Address returns the sending account
func (s *Sender) Address() common.Address { return s.from }

// Sent returns how many transactions were broadcast
func (s *Sender) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// SignAndSendTransaction executes the call and records a receipt
func (s *Sender) SignAndSendTransaction(ctx context.Context, to common.Address, data []byte, value *big.Int, gasLimit uint64) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent++
	hash := crypto.Keccak256Hash(s.from.Bytes(), big.NewInt(int64(s.sent)).Bytes(), data)
	if s.Drop {
		return hash, nil
	}

	status := types.ReceiptStatusSuccessful
	if err := s.Execute(s.from, models.SubTransaction{To: to, Value: value, Data: data}); err != nil {
		status = types.ReceiptStatusFailed
	}
	s.receipts[hash] = &types.Receipt{Status: status, TxHash: hash}
	return hash, nil
}

// TransactionReceipt returns ethereum.NotFound until the transaction is executed
func (s *Sender) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}
