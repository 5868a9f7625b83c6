// Package relay sends batches of sub-transactions from a Safe. Relayed
// submits through a meta-transaction relay for managed signers; Direct has
// the owner key sign and broadcast execTransaction itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/failure"
	"vaultflow/internal/models"
)

// State is the coarse progress of a submitted operation
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// SendRequest is one batch to execute from Safe
type SendRequest struct {
	ChainID      uint64
	Safe         models.Account
	Transactions []models.SubTransaction
	GasHint      uint64
	Metadata     string
}

// OperationStatus is the result of a receipt lookup
type OperationStatus struct {
	State  State
	TxHash common.Hash
}

// Client submits batches and reports their status
type Client interface {
	Send(ctx context.Context, req SendRequest) (models.OperationRef, error)
	Status(ctx context.Context, ref models.OperationRef) (OperationStatus, error)
}

// sendFailed classifies a submission error, keeping an existing classification
func sendFailed(err error) error {
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.New(failure.KindSendFailed, err)
}

// Selector picks the client for a safe from its owner classification
type Selector struct {
	mu      sync.RWMutex
	clients map[selectorKey]Client
}

type selectorKey struct {
	chainID uint64
	kind    models.OwnerKind
}

// NewSelector creates an empty selector
func NewSelector() *Selector {
	return &Selector{clients: make(map[selectorKey]Client)}
}

// Register makes client serve safes of kind on chainID
func (s *Selector) Register(chainID uint64, kind models.OwnerKind, client Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[selectorKey{chainID, kind}] = client
}

// For returns the client for account on chainID
func (s *Selector) For(chainID uint64, account models.Account) (Client, error) {
	kind := account.OwnerKind
	if kind == "" {
		kind = models.OwnerKindManaged
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[selectorKey{chainID, kind}]
	if !ok {
		return nil, fmt.Errorf("no %s relay client configured for chain %d", kind, chainID)
	}
	return client, nil
}
