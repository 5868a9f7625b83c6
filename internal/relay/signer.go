package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"vaultflow/internal/blockchain/evm"
)

// Signer produces owner signatures over 32-byte digests. Implementations
// backed by a person or remote service may return failure.ErrUserRejected.
type Signer interface {
	Address() common.Address
	// Sign returns [R || S || V] with V in {0, 1}
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// KeySigner signs with an in-process private key
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner parses a hex private key
func NewKeySigner(privateKeyHex string) (*KeySigner, error) {
	key, err := evm.ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the signer's address
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign signs digest
func (s *KeySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// signSafeTx signs the SafeTx hash. Relays expect eth_sign signatures
// (prefixed digest, V+4); an owner broadcasting itself signs the raw digest.
func signSafeTx(ctx context.Context, signer Signer, hash common.Hash, ethSign bool) ([]byte, error) {
	digest := hash.Bytes()
	if ethSign {
		digest = evm.EthSignDigest(hash)
	}
	raw, err := signer.Sign(ctx, digest)
	if err != nil {
		return nil, err
	}
	return evm.SafeSignatureFromECDSA(raw, ethSign)
}
