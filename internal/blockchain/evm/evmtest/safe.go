package evmtest

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/models"
)

// Safe is a single-owner Safe that checks execTransaction signatures and
// runs plain calls or MultiSend batches against the chain.
type Safe struct {
	Address   common.Address
	Owner     common.Address
	chainID   uint64
	multiSend common.Address

	mu    sync.Mutex
	nonce *big.Int
}

// NewSafe deploys a Safe at addr controlled by owner
func NewSafe(chain *Chain, chainID uint64, addr, owner, multiSend common.Address) *Safe {
	s := &Safe{
		Address:   addr,
		Owner:     owner,
		chainID:   chainID,
		multiSend: multiSend,
		nonce:     new(big.Int),
	}

	chain.Deploy(addr, evm.Safe, map[string]Handler{
		"nonce": func(c Call) ([]interface{}, error) {
			return []interface{}{s.Nonce()}, nil
		},
		"execTransaction": func(c Call) ([]interface{}, error) {
			tx := evm.SafeTx{
				To:             c.Args[0].(common.Address),
				Value:          c.Args[1].(*big.Int),
				Data:           c.Args[2].([]byte),
				Operation:      evm.Operation(c.Args[3].(uint8)),
				SafeTxGas:      c.Args[4].(*big.Int),
				BaseGas:        c.Args[5].(*big.Int),
				GasPrice:       c.Args[6].(*big.Int),
				GasToken:       c.Args[7].(common.Address),
				RefundReceiver: c.Args[8].(common.Address),
			}
			sig := c.Args[9].([]byte)

			s.mu.Lock()
			tx.Nonce = new(big.Int).Set(s.nonce)
			signer, err := evm.RecoverSafeSigner(tx.Hash(s.chainID, s.Address), sig)
			if err != nil || signer != s.Owner {
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: GS026 invalid owner signature", ErrReverted)
			}
			s.nonce.Add(s.nonce, big.NewInt(1))
			s.mu.Unlock()

			if err := s.run(chain, tx); err != nil {
				return nil, err
			}
			return []interface{}{true}, nil
		},
	})
	return s
}

// Nonce returns the current Safe nonce
func (s *Safe) Nonce() *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.nonce)
}

func (s *Safe) run(chain *Chain, tx evm.SafeTx) error {
	if tx.Operation == evm.OperationDelegateCall {
		if tx.To != s.multiSend {
			return fmt.Errorf("%w: delegatecall only supported into multisend", ErrReverted)
		}
		batch, err := evm.DecodeMultiSend(tx.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrReverted, err)
		}
		for _, sub := range batch {
			if err := chain.Execute(s.Address, sub); err != nil {
				return err
			}
		}
		return nil
	}
	return chain.Execute(s.Address, models.SubTransaction{To: tx.To, Value: tx.Value, Data: tx.Data})
}
