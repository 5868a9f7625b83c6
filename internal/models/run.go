package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/failure"
)

// Step is a state of the transaction run state machine
type Step string

const (
	StepIdle              Step = "idle"
	StepChecking          Step = "checking"
	StepApproving         Step = "approving"
	StepWaitingApproval   Step = "waiting-approval"
	StepDepositing        Step = "depositing"
	StepWaitingDeposit    Step = "waiting-deposit"
	StepIndexing          Step = "indexing"
	StepWithdrawing       Step = "withdrawing"
	StepWaitingWithdrawal Step = "waiting-withdrawal"
	StepBridging          Step = "bridging"
	StepWaitingBridge     Step = "waiting-bridge"
	StepWaitingArrival    Step = "waiting-arrival"
	StepNeedsDeployment   Step = "needs-deployment"
	StepDeploying         Step = "deploying"
	StepWaitingDeployment Step = "waiting-deployment"
	StepSuccess           Step = "success"
	StepError             Step = "error"
)

// Terminal reports whether no further transition can happen on a run in this step
func (s Step) Terminal() bool {
	return s == StepSuccess || s == StepError
}

// Parked reports whether the run is waiting for an explicit caller trigger
func (s Step) Parked() bool {
	return s == StepNeedsDeployment || s == StepWaitingArrival
}

// Action names the caller-triggered flow a run executes
type Action string

const (
	ActionDeposit              Action = "deposit"
	ActionBridge               Action = "bridge"
	ActionDepositOnDestination Action = "deposit-destination"
	ActionWithdraw             Action = "withdraw"
)

// ApprovalPayload accompanies approving and waiting-approval
type ApprovalPayload struct {
	Token   common.Address `json:"token"`
	Spender common.Address `json:"spender"`
	Current *big.Int       `json:"current"`
	Target  *big.Int       `json:"target"`
}

// DepositPayload accompanies depositing, withdrawing and their waiting steps
type DepositPayload struct {
	Vault          VaultRef `json:"vault"`
	Assets         *big.Int `json:"assets"`
	ExpectedShares *big.Int `json:"expected_shares,omitempty"`
	ExpectedAssets *big.Int `json:"expected_assets,omitempty"`
	Shares         *big.Int `json:"shares,omitempty"`
}

// IndexingPayload accompanies indexing
type IndexingPayload struct {
	Receiver common.Address `json:"receiver"`
	Before   *big.Int       `json:"before"`
}

// BridgePayload accompanies bridging, waiting-bridge and waiting-arrival
type BridgePayload struct {
	BridgeRunID string         `json:"bridge_run_id,omitempty"`
	Recipient   common.Address `json:"recipient"`
	Quote       *BridgeQuote   `json:"quote,omitempty"`
}

// DeploymentPayload accompanies the deployment steps
type DeploymentPayload struct {
	Info *DeploymentInfo `json:"info"`
}

// Event is emitted on every run transition
type Event struct {
	RunID        string         `json:"run_id"`
	Action       Action         `json:"action"`
	PreviousStep Step           `json:"previous_step"`
	NewStep      Step           `json:"new_step"`
	Payload      any            `json:"payload,omitempty"`
	TxRef        *OperationRef  `json:"tx_ref,omitempty"`
	Settlement   *Settlement    `json:"settlement,omitempty"`
	Error        *failure.Error `json:"error,omitempty"`
	At           time.Time      `json:"at"`
}

// ArrivalTarget is what a bridge run waits to see on the destination chain:
// Recipient's balance of Token reaching Expected.
type ArrivalTarget struct {
	ChainID   uint64         `json:"chain_id"`
	Recipient common.Address `json:"recipient"`
	Token     common.Address `json:"token"`
	Baseline  *big.Int       `json:"baseline"`
	Expected  *big.Int       `json:"expected"`
}

// TransactionRun is a point-in-time copy of one run of the state machine
type TransactionRun struct {
	ID             string          `json:"id"`
	Action         Action          `json:"action"`
	Step           Step            `json:"step"`
	TxRef          *OperationRef   `json:"tx_ref,omitempty"`
	Error          *failure.Error  `json:"error,omitempty"`
	Settlement     *Settlement     `json:"settlement,omitempty"`
	BridgeQuote    *BridgeQuote    `json:"bridge_quote,omitempty"`
	DeploymentInfo *DeploymentInfo `json:"deployment_info,omitempty"`
	Arrival        *ArrivalTarget  `json:"arrival,omitempty"`
	Warning        string          `json:"warning,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
