package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"vaultflow/internal/config"
)

// ErrNoSigner is returned when a read-only client is asked to send
var ErrNoSigner = errors.New("client has no signing key")

// Reader is the read-only RPC surface used by vaults, allowances and deployments
type Reader interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
	BalanceAt(ctx context.Context, address common.Address) (*big.Int, error)
}

// Client wraps Ethereum client functionality for interacting with EVM chains
type Client struct {
	ethClient   *ethclient.Client
	chainConfig config.ChainConfig
	privateKey  *ecdsa.PrivateKey
	fromAddress common.Address
	logger      *zap.Logger
}

// NewClient creates a read-only EVM client for the specified chain
func NewClient(chainCfg config.ChainConfig, logger *zap.Logger) (*Client, error) {
	ethClient, err := ethclient.Dial(chainCfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint %s: %w", chainCfg.RPCEndpoint, err)
	}

	logger.Info("EVM client initialized",
		zap.Uint64("chain_id", chainCfg.ChainID),
		zap.String("chain_name", chainCfg.Name))

	return &Client{
		ethClient:   ethClient,
		chainConfig: chainCfg,
		logger:      logger,
	}, nil
}

// WithSigner returns a client sharing the same connection that signs with privateKeyHex
func (c *Client) WithSigner(privateKeyHex string) (*Client, error) {
	privateKey, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	signer := *c
	signer.privateKey = privateKey
	signer.fromAddress = crypto.PubkeyToAddress(privateKey.PublicKey)

	c.logger.Info("EVM signer attached",
		zap.Uint64("chain_id", c.chainConfig.ChainID),
		zap.String("address", signer.fromAddress.Hex()))

	return &signer, nil
}

// ParsePrivateKey parses a hex private key with or without 0x prefix
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return privateKey, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.ethClient.Close()
}

// Address returns the signer's address, zero for read-only clients
func (c *Client) Address() common.Address {
	return c.fromAddress
}

// CallContract executes a view call against the latest block
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.ethClient.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// CodeAt returns the bytecode at address
func (c *Client) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	return c.ethClient.CodeAt(ctx, address, nil)
}

// BalanceAt returns the native balance of an address
func (c *Client) BalanceAt(ctx context.Context, address common.Address) (*big.Int, error) {
	return c.ethClient.BalanceAt(ctx, address, nil)
}

// TransactionReceipt returns the receipt of a mined transaction, or ethereum.NotFound
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.ethClient.TransactionReceipt(ctx, txHash)
}

// IsContractDeployed checks if a contract exists at the given address
func IsContractDeployed(ctx context.Context, r Reader, address common.Address) (bool, error) {
	code, err := r.CodeAt(ctx, address)
	if err != nil {
		return false, fmt.Errorf("failed to get code at %s: %w", address.Hex(), err)
	}
	return len(code) > 0, nil
}

// SignAndSendTransaction creates, signs, and sends a transaction. A zero
// gasLimit is estimated with a 20% buffer.
func (c *Client) SignAndSendTransaction(
	ctx context.Context,
	to common.Address,
	data []byte,
	value *big.Int,
	gasLimit uint64,
) (common.Hash, error) {
	if c.privateKey == nil {
		return common.Hash{}, ErrNoSigner
	}
	if value == nil {
		value = new(big.Int)
	}

	chainID := new(big.Int).SetUint64(c.chainConfig.ChainID)

	nonce, err := c.ethClient.PendingNonceAt(ctx, c.fromAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice, err := c.ethClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to suggest gas price: %w", err)
	}

	if gasLimit == 0 {
		estimated, err := c.ethClient.EstimateGas(ctx, ethereum.CallMsg{
			From:  c.fromAddress,
			To:    &to,
			Data:  data,
			Value: value,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gasLimit = estimated * 120 / 100
	}

	tx := types.NewTransaction(nonce, to, value, gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := c.ethClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", err)
	}

	c.logger.Info("Transaction sent",
		zap.Uint64("chain_id", c.chainConfig.ChainID),
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.String("to", to.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	return signedTx.Hash(), nil
}

// TokenBalance returns the ERC-20 balance of owner
func TokenBalance(ctx context.Context, r Reader, token, owner common.Address) (*big.Int, error) {
	data, err := ERC20.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	out, err := r.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return UnpackBigInt(ERC20, "balanceOf", out)
}

// UnpackBigInt decodes a single uint256 return value
func UnpackBigInt(contract abi.ABI, method string, out []byte) (*big.Int, error) {
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected %s output length %d", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s output type %T", method, values[0])
	}
	return v, nil
}
