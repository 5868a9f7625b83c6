package evmtest

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/blockchain/evm"
)

// NewSafeFactory deploys a proxy factory whose createProxyWithNonce places
// bytecode at the CREATE2 address of the requested proxy.
func NewSafeFactory(chain *Chain, addr common.Address, proxyCreationCode []byte) {
	chain.Deploy(addr, evm.SafeProxyFactory, map[string]Handler{
		"createProxyWithNonce": func(c Call) ([]interface{}, error) {
			singleton := c.Args[0].(common.Address)
			initializer := c.Args[1].([]byte)
			saltNonce := c.Args[2].(*big.Int)

			salt := evm.SafeCreate2Salt(initializer, saltNonce)
			proxy, err := evm.ComputeCreate2Address(addr, salt, evm.SafeInitCode(proxyCreationCode, singleton))
			if err != nil {
				return nil, err
			}
			code, _ := chain.CodeAt(context.Background(), proxy)
			if len(code) > 0 {
				return nil, ErrReverted
			}
			chain.SetCode(proxy, []byte{0x60, 0x80})
			return []interface{}{proxy}, nil
		},
		"proxyCreationCode": func(c Call) ([]interface{}, error) {
			return []interface{}{proxyCreationCode}, nil
		},
	})
}
