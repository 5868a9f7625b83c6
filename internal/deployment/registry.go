package deployment

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type registryKey struct {
	owner   common.Address
	chainID uint64
}

// MemoryRegistry is a Registry kept in process memory, used when no
// database is configured
type MemoryRegistry struct {
	mu    sync.RWMutex
	safes map[registryKey]common.Address
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{safes: make(map[registryKey]common.Address)}
}

func (r *MemoryRegistry) LookupSafe(_ context.Context, owner common.Address, chainID uint64) (common.Address, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.safes[registryKey{owner, chainID}]
	return addr, ok, nil
}

// RegisterSafe keeps the first address registered for owner on chainID
func (r *MemoryRegistry) RegisterSafe(_ context.Context, owner common.Address, chainID uint64, safe common.Address, _ *common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey{owner, chainID}
	if existing, ok := r.safes[key]; ok && existing != safe {
		return fmt.Errorf("owner %s already has safe %s on chain %d", owner.Hex(), existing.Hex(), chainID)
	}
	r.safes[key] = safe
	return nil
}
