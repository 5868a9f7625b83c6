// Package evmtest provides an in-memory chain that answers ABI-encoded calls,
// for tests of components that talk to contracts through evm.Reader.
package evmtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/models"
)

// ErrReverted is returned for calls the fake contract rejects
var ErrReverted = errors.New("execution reverted")

// Call is one decoded contract invocation
type Call struct {
	From  common.Address
	Value *big.Int
	Args  []interface{}
}

// Handler implements one contract method
type Handler func(Call) ([]interface{}, error)

type contract struct {
	abi      abi.ABI
	handlers map[string]Handler
}

// Chain is a minimal in-memory EVM state: contracts with Go handlers,
// bytecode presence and native balances.
type Chain struct {
	mu        sync.Mutex
	contracts map[common.Address]*contract
	code      map[common.Address][]byte
	native    map[common.Address]*big.Int
	executed  []string
	failNext  map[string]error
}

// NewChain creates an empty chain
func NewChain() *Chain {
	return &Chain{
		contracts: make(map[common.Address]*contract),
		code:      make(map[common.Address][]byte),
		native:    make(map[common.Address]*big.Int),
		failNext:  make(map[string]error),
	}
}

// Deploy registers handlers for a contract at addr and gives it bytecode
func (c *Chain) Deploy(addr common.Address, contractABI abi.ABI, handlers map[string]Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contracts[addr] = &contract{abi: contractABI, handlers: handlers}
	c.code[addr] = []byte{0x60, 0x80}
}

// SetCode places bytecode at addr
func (c *Chain) SetCode(addr common.Address, code []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.code[addr] = code
}

// SetNative sets the native balance of addr
func (c *Chain) SetNative(addr common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[addr] = new(big.Int).Set(amount)
}

// FailNext makes the next call of method (on any contract) return err
func (c *Chain) FailNext(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[method] = err
}

// Executed returns the names of state-changing methods run so far, in order
func (c *Chain) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// CallContract answers a view call
func (c *Chain) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.invoke(to, common.Address{}, nil, data, false)
}

// CodeAt returns bytecode at address
func (c *Chain) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.code[address]...), nil
}

// BalanceAt returns the native balance of address
func (c *Chain) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.native[address]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// Execute runs a state-changing sub-transaction sent by from
func (c *Chain) Execute(from common.Address, tx models.SubTransaction) error {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	if value.Sign() > 0 {
		c.mu.Lock()
		bal := c.native[from]
		if bal == nil || bal.Cmp(value) < 0 {
			c.mu.Unlock()
			return fmt.Errorf("%w: insufficient native balance", ErrReverted)
		}
		c.native[from] = new(big.Int).Sub(bal, value)
		to := c.native[tx.To]
		if to == nil {
			to = new(big.Int)
		}
		c.native[tx.To] = new(big.Int).Add(to, value)
		c.mu.Unlock()
	}

	if len(tx.Data) == 0 {
		return nil
	}
	_, err := c.invoke(tx.To, from, value, tx.Data, true)
	return err
}

func (c *Chain) invoke(to, from common.Address, value *big.Int, data []byte, write bool) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short calldata", ErrReverted)
	}

	c.mu.Lock()
	ct, ok := c.contracts[to]
	c.mu.Unlock()
	if !ok {
		// Calls to accounts without code succeed with empty output, like on chain.
		return nil, nil
	}

	method, err := ct.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: unknown selector %x", ErrReverted, data[:4])
	}

	c.mu.Lock()
	if ferr, ok := c.failNext[method.Name]; ok {
		delete(c.failNext, method.Name)
		c.mu.Unlock()
		return nil, ferr
	}
	if write {
		c.executed = append(c.executed, method.Name)
	}
	c.mu.Unlock()

	handler, ok := ct.handlers[method.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not implemented", ErrReverted, method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: bad arguments for %s: %v", ErrReverted, method.Name, err)
	}

	out, err := handler(Call{From: from, Value: value, Args: args})
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(out...)
}
