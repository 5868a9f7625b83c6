package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OwnerKind classifies how a safe's controlling key signs
type OwnerKind string

const (
	OwnerKindManaged OwnerKind = "managed" // signs through the meta-transaction relay
	OwnerKindDirect  OwnerKind = "direct"  // owner key signs and broadcasts itself
)

// Asset identifies a token (or the chain's native coin) on one chain
type Asset struct {
	Address  common.Address `json:"address"`
	Decimals uint8          `json:"decimals"`
	Native   bool           `json:"native"`
}

// VaultRef identifies a vault contract; a vault belongs to exactly one chain
type VaultRef struct {
	Address common.Address `json:"address"`
	ChainID uint64         `json:"chain_id"`
}

func (v VaultRef) String() string {
	return fmt.Sprintf("%d:%s", v.ChainID, v.Address.Hex())
}

// Account is a smart-contract wallet together with its controlling key
type Account struct {
	Address   common.Address `json:"address"`
	Owner     common.Address `json:"owner"`
	OwnerKind OwnerKind      `json:"owner_kind"`
}

// DepositRequest is an immutable request to move Amount of Asset into Vault
type DepositRequest struct {
	Asset            Asset
	Amount           *big.Int
	SourceSafe       Account
	SourceChain      uint64
	Vault            VaultRef
	DestinationChain uint64
}

// Validate checks the request invariants
func (r DepositRequest) Validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if r.SourceChain == 0 {
		return fmt.Errorf("source chain is required")
	}
	if r.Vault.ChainID == 0 || r.Vault.Address == (common.Address{}) {
		return fmt.Errorf("vault address and chain are required")
	}
	if r.DestinationChain != r.Vault.ChainID {
		return fmt.Errorf("destination chain %d does not match vault chain %d", r.DestinationChain, r.Vault.ChainID)
	}
	if r.SourceSafe.Address == (common.Address{}) {
		return fmt.Errorf("source safe is required")
	}
	if !r.Asset.Native && r.Asset.Address == (common.Address{}) {
		return fmt.Errorf("asset address is required for token deposits")
	}
	return nil
}

// CrossChain reports whether the funds must be bridged before depositing
func (r DepositRequest) CrossChain() bool {
	return r.SourceChain != r.DestinationChain
}

// WithdrawalRequest redeems vault shares held by Safe. Exactly one of
// Assets and Shares is set.
type WithdrawalRequest struct {
	Vault  VaultRef
	Safe   Account
	Chain  uint64
	Assets *big.Int
	Shares *big.Int
}

// Validate checks the request invariants
func (r WithdrawalRequest) Validate() error {
	if (r.Assets == nil) == (r.Shares == nil) {
		return fmt.Errorf("exactly one of assets or shares must be set")
	}
	if r.Assets != nil && r.Assets.Sign() <= 0 {
		return fmt.Errorf("assets must be positive")
	}
	if r.Shares != nil && r.Shares.Sign() <= 0 {
		return fmt.Errorf("shares must be positive")
	}
	if r.Chain != r.Vault.ChainID {
		return fmt.Errorf("chain %d does not match vault chain %d", r.Chain, r.Vault.ChainID)
	}
	if r.Safe.Address == (common.Address{}) {
		return fmt.Errorf("safe is required")
	}
	return nil
}

// SubTransaction is one call inside a batch sent from a safe
type SubTransaction struct {
	To    common.Address `json:"to"`
	Value *big.Int       `json:"value"`
	Data  []byte         `json:"data"`
}

// RefKind tells how an OperationRef resolves to a chain transaction
type RefKind string

const (
	RefKindRelayed RefKind = "relayed"
	RefKindDirect  RefKind = "direct"
)

// OperationRef identifies a submitted batch. For relayed operations ID is the
// relay's identifier and TxHash stays empty until the bundle is mined.
type OperationRef struct {
	ID      string      `json:"id"`
	ChainID uint64      `json:"chain_id"`
	Kind    RefKind     `json:"kind"`
	TxHash  common.Hash `json:"tx_hash"`
}

// FeeBreakdown lists the components of a bridge fee in input-token units
type FeeBreakdown struct {
	BridgeFee     *big.Int `json:"bridge_fee"`
	LPFee         *big.Int `json:"lp_fee"`
	RelayerGasFee *big.Int `json:"relayer_gas_fee"`
}

// Total sums all fee components
func (f FeeBreakdown) Total() *big.Int {
	total := new(big.Int)
	for _, v := range []*big.Int{f.BridgeFee, f.LPFee, f.RelayerGasFee} {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}

// BridgeQuote is a point-in-time estimate; it must not be used after ExpiresAt
type BridgeQuote struct {
	InputAmount              *big.Int     `json:"input_amount"`
	OutputAmount             *big.Int     `json:"output_amount"`
	Fees                     FeeBreakdown `json:"fees"`
	EstimatedFillTimeSeconds int64        `json:"estimated_fill_time_seconds"`
	QuotedAt                 time.Time    `json:"quoted_at"`
	ExpiresAt                time.Time    `json:"expires_at"`
}

// Expired reports whether the quote is past its validity window
func (q *BridgeQuote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

// DeploymentInfo describes a not-yet-deployed safe on a destination chain
type DeploymentInfo struct {
	PredictedAddress common.Address `json:"predicted_address"`
	DestinationChain uint64         `json:"destination_chain"`
	Owner            common.Address `json:"owner"`
	Salt             common.Address `json:"salt"`
	DeploymentTx     SubTransaction `json:"deployment_tx"`
}

// Settlement carries the final amounts of a successful run
type Settlement struct {
	Asset   common.Address `json:"asset"`
	Amount  *big.Int       `json:"amount"`
	Shares  *big.Int       `json:"shares,omitempty"`
	TxRef   OperationRef   `json:"tx_ref"`
	Warning string         `json:"warning,omitempty"`
}
