package evmtest

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/blockchain/evm"
)

// Token is an ERC-20 with balances and allowances
type Token struct {
	Address  common.Address
	decimals uint8

	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[[2]common.Address]*big.Int

	// ApproveLag keeps approve() from being visible to allowance() for this
	// many reads, like a lagging RPC node.
	ApproveLag int
	pending    map[[2]common.Address]*big.Int
	lagLeft    int
}

// NewToken deploys a token at addr on chain
func NewToken(chain *Chain, addr common.Address, decimals uint8) *Token {
	t := &Token{
		Address:    addr,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[[2]common.Address]*big.Int),
		pending:    make(map[[2]common.Address]*big.Int),
	}
	chain.Deploy(addr, evm.ERC20, map[string]Handler{
		"balanceOf": func(c Call) ([]interface{}, error) {
			return []interface{}{t.Balance(c.Args[0].(common.Address))}, nil
		},
		"allowance": func(c Call) ([]interface{}, error) {
			return []interface{}{t.readAllowance(c.Args[0].(common.Address), c.Args[1].(common.Address))}, nil
		},
		"decimals": func(c Call) ([]interface{}, error) {
			return []interface{}{t.decimals}, nil
		},
		"approve": func(c Call) ([]interface{}, error) {
			t.approve(c.From, c.Args[0].(common.Address), c.Args[1].(*big.Int))
			return []interface{}{true}, nil
		},
	})
	return t
}

// Mint credits amount to owner
func (t *Token) Mint(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[owner] = new(big.Int).Add(t.balanceLocked(owner), amount)
}

// Balance returns owner's balance
func (t *Token) Balance(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(owner))
}

// SetAllowance sets the allowance of spender over owner's tokens
func (t *Token) SetAllowance(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[[2]common.Address{owner, spender}] = new(big.Int).Set(amount)
}

// Allowance returns the committed allowance, ignoring lag
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

// TransferFrom moves amount from owner to to, spending spender's allowance
func (t *Token) TransferFrom(spender, owner, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := [2]common.Address{owner, spender}
	if spender != owner {
		allowed := t.allowanceLocked(owner, spender)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: insufficient allowance", ErrReverted)
		}
		t.allowances[key] = new(big.Int).Sub(allowed, amount)
	}
	bal := t.balanceLocked(owner)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrReverted)
	}
	t.balances[owner] = new(big.Int).Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *Token) approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := [2]common.Address{owner, spender}
	if t.ApproveLag > 0 {
		t.pending[key] = new(big.Int).Set(amount)
		t.lagLeft = t.ApproveLag
		return
	}
	t.allowances[key] = new(big.Int).Set(amount)
}

func (t *Token) readAllowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := [2]common.Address{owner, spender}
	if p, ok := t.pending[key]; ok {
		if t.lagLeft > 0 {
			t.lagLeft--
		} else {
			t.allowances[key] = p
			delete(t.pending, key)
		}
	}
	return new(big.Int).Set(t.allowanceLocked(owner, spender))
}

func (t *Token) balanceLocked(owner common.Address) *big.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(big.Int)
}

func (t *Token) allowanceLocked(owner, spender common.Address) *big.Int {
	if a, ok := t.allowances[[2]common.Address{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}
