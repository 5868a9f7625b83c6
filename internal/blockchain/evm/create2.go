package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ComputeCreate2Address computes the address a factory deploys initCode to
// with the given salt.
//
// CREATE2 formula: address = keccak256(0xff ++ factory ++ salt ++ keccak256(initCode))[12:]
func ComputeCreate2Address(factory common.Address, salt [32]byte, initCode []byte) (common.Address, error) {
	if factory == (common.Address{}) {
		return common.Address{}, fmt.Errorf("factory address cannot be empty")
	}
	if len(initCode) == 0 {
		return common.Address{}, fmt.Errorf("init code cannot be empty")
	}

	initCodeHash := crypto.Keccak256Hash(initCode)

	// 1 byte (0xff) + 20 bytes (factory) + 32 bytes (salt) + 32 bytes (initCodeHash)
	data := make([]byte, 1+20+32+32)
	data[0] = 0xff
	copy(data[1:21], factory.Bytes())
	copy(data[21:53], salt[:])
	copy(data[53:85], initCodeHash.Bytes())

	hash := crypto.Keccak256(data)
	return common.BytesToAddress(hash[12:]), nil
}

// SafeSaltNonce turns the account's home-chain address into the factory salt
// nonce. The same home address yields the same nonce on every chain.
func SafeSaltNonce(home common.Address) *big.Int {
	return new(big.Int).SetBytes(home.Bytes())
}

// SafeCreate2Salt mirrors the proxy factory's salt derivation:
// keccak256(keccak256(initializer) ++ uint256(saltNonce))
func SafeCreate2Salt(initializer []byte, saltNonce *big.Int) [32]byte {
	var salt [32]byte
	copy(salt[:], crypto.Keccak256(
		crypto.Keccak256(initializer),
		common.LeftPadBytes(saltNonce.Bytes(), 32),
	))
	return salt
}

// SafeInitCode is the proxy creation code followed by the singleton as constructor argument
func SafeInitCode(proxyCreationCode []byte, singleton common.Address) []byte {
	initCode := make([]byte, 0, len(proxyCreationCode)+32)
	initCode = append(initCode, proxyCreationCode...)
	return append(initCode, common.LeftPadBytes(singleton.Bytes(), 32)...)
}
