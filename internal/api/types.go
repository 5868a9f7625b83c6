package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"vaultflow/internal/models"
)

// Amounts travel as base-unit decimal strings

// ==================== Requests ====================

// AccountBody identifies a safe and the key controlling it
type AccountBody struct {
	Address   string `json:"address"`
	Owner     string `json:"owner"`
	OwnerKind string `json:"owner_kind"` // managed (default) or direct
}

// DepositBody is the body of the deposit, destination deposit and bridge endpoints
type DepositBody struct {
	Asset            string      `json:"asset"` // token address; empty with native
	Native           bool        `json:"native"`
	Decimals         uint8       `json:"decimals"`
	Amount           string      `json:"amount"`
	SourceSafe       AccountBody `json:"source_safe"`
	SourceChain      uint64      `json:"source_chain"`
	Vault            string      `json:"vault"`
	DestinationChain uint64      `json:"destination_chain"`
}

// WithdrawalBody is the body of POST /api/v1/withdrawals. Exactly one of
// Assets and Shares is set.
type WithdrawalBody struct {
	Vault    string      `json:"vault"`
	Chain    uint64      `json:"chain"`
	Safe     AccountBody `json:"safe"`
	Assets   string      `json:"assets,omitempty"`
	Shares   string      `json:"shares,omitempty"`
	Decimals uint8       `json:"decimals"`
}

// QuoteBody is the body of POST /api/v1/bridges/quote
type QuoteBody struct {
	Amount           string `json:"amount"`
	Decimals         uint8  `json:"decimals"`
	SourceChain      uint64 `json:"source_chain"`
	DestinationChain uint64 `json:"destination_chain"`
	Vault            string `json:"vault"`
}

// ==================== Responses ====================

// AcceptedResponse is returned when a run has been queued
type AcceptedResponse struct {
	RunID  string        `json:"run_id"`
	Action models.Action `json:"action"`
	Step   models.Step   `json:"step"`
}

// RunResponse is a run snapshot plus human-readable amounts
type RunResponse struct {
	*models.TransactionRun
	Formatted map[string]string `json:"formatted,omitempty"`
}

// QuoteResponse is a bridge quote plus human-readable amounts
type QuoteResponse struct {
	InputAmount              string              `json:"input_amount"`
	OutputAmount             string              `json:"output_amount"`
	Fees                     models.FeeBreakdown `json:"fees"`
	TotalFee                 string              `json:"total_fee"`
	EstimatedFillTimeSeconds int64               `json:"estimated_fill_time_seconds"`
	QuotedAt                 time.Time           `json:"quoted_at"`
	ExpiresAt                time.Time           `json:"expires_at"`
	Formatted                map[string]string   `json:"formatted"`
}

func newQuoteResponse(q *models.BridgeQuote, decimals uint8) QuoteResponse {
	total := q.Fees.Total()
	return QuoteResponse{
		InputAmount:              q.InputAmount.String(),
		OutputAmount:             q.OutputAmount.String(),
		Fees:                     q.Fees,
		TotalFee:                 total.String(),
		EstimatedFillTimeSeconds: q.EstimatedFillTimeSeconds,
		QuotedAt:                 q.QuotedAt,
		ExpiresAt:                q.ExpiresAt,
		Formatted: map[string]string{
			"input":     models.FormatUnits(q.InputAmount, decimals),
			"output":    models.FormatUnits(q.OutputAmount, decimals),
			"total_fee": models.FormatUnits(total, decimals),
		},
	}
}

// HistoryEntry is one persisted transition of a run
type HistoryEntry struct {
	Action       string          `json:"action"`
	PreviousStep string          `json:"previous_step"`
	NewStep      string          `json:"new_step"`
	TxRef        *string         `json:"tx_ref,omitempty"`
	ErrorKind    *string         `json:"error_kind,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	At           time.Time       `json:"at"`
}

func newHistoryEntry(rec models.RunEventRecord) HistoryEntry {
	entry := HistoryEntry{
		Action:       rec.Action,
		PreviousStep: rec.PreviousStep,
		NewStep:      rec.NewStep,
		TxRef:        rec.TxRef,
		ErrorKind:    rec.ErrorKind,
		ErrorMessage: rec.ErrorMessage,
		At:           rec.CreatedAt,
	}
	if json.Valid(rec.Payload) {
		entry.Payload = rec.Payload
	}
	return entry
}

// SafeResponse is a registered safe
type SafeResponse struct {
	Owner        string    `json:"owner"`
	ChainID      uint64    `json:"chain_id"`
	Address      string    `json:"address"`
	DeployTxHash *string   `json:"deploy_tx_hash,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func newSafeResponse(rec models.SafeRecord) SafeResponse {
	return SafeResponse{
		Owner:        common.HexToAddress(rec.Owner).Hex(),
		ChainID:      uint64(rec.ChainID),
		Address:      common.HexToAddress(rec.Address).Hex(),
		DeployTxHash: rec.DeployTxHash,
		CreatedAt:    rec.CreatedAt,
	}
}

// StreamMessage is one frame of the run event websocket
type StreamMessage struct {
	Type  string                 `json:"type"` // snapshot or event
	Run   *models.TransactionRun `json:"run,omitempty"`
	Event *models.Event          `json:"event,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ==================== Parsing ====================

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s must be a hex address", field)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*big.Int, error) {
	v, err := models.ParseBaseUnits(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return v, nil
}

func (b AccountBody) toAccount() (models.Account, error) {
	addr, err := parseAddress("safe address", b.Address)
	if err != nil {
		return models.Account{}, err
	}
	owner, err := parseAddress("safe owner", b.Owner)
	if err != nil {
		return models.Account{}, err
	}

	kind := models.OwnerKind(b.OwnerKind)
	switch kind {
	case "":
		kind = models.OwnerKindManaged
	case models.OwnerKindManaged, models.OwnerKindDirect:
	default:
		return models.Account{}, fmt.Errorf("owner_kind must be %s or %s", models.OwnerKindManaged, models.OwnerKindDirect)
	}
	return models.Account{Address: addr, Owner: owner, OwnerKind: kind}, nil
}

func (b DepositBody) toRequest() (models.DepositRequest, error) {
	var req models.DepositRequest

	amount, err := parseAmount("amount", b.Amount)
	if err != nil {
		return req, err
	}
	safe, err := b.SourceSafe.toAccount()
	if err != nil {
		return req, err
	}
	vault, err := parseAddress("vault", b.Vault)
	if err != nil {
		return req, err
	}

	asset := models.Asset{Native: b.Native, Decimals: b.Decimals}
	if !b.Native {
		if asset.Address, err = parseAddress("asset", b.Asset); err != nil {
			return req, err
		}
	}

	req = models.DepositRequest{
		Asset:            asset,
		Amount:           amount,
		SourceSafe:       safe,
		SourceChain:      b.SourceChain,
		Vault:            models.VaultRef{Address: vault, ChainID: b.DestinationChain},
		DestinationChain: b.DestinationChain,
	}
	return req, req.Validate()
}

func (b WithdrawalBody) toRequest() (models.WithdrawalRequest, error) {
	var req models.WithdrawalRequest

	safe, err := b.Safe.toAccount()
	if err != nil {
		return req, err
	}
	vault, err := parseAddress("vault", b.Vault)
	if err != nil {
		return req, err
	}
	req = models.WithdrawalRequest{
		Vault: models.VaultRef{Address: vault, ChainID: b.Chain},
		Safe:  safe,
		Chain: b.Chain,
	}
	if b.Assets != "" {
		if req.Assets, err = parseAmount("assets", b.Assets); err != nil {
			return req, err
		}
	}
	if b.Shares != "" {
		if req.Shares, err = parseAmount("shares", b.Shares); err != nil {
			return req, err
		}
	}
	return req, req.Validate()
}

// formatRun renders the run's amounts with decimals
func formatRun(run *models.TransactionRun, decimals uint8) map[string]string {
	out := make(map[string]string)
	if s := run.Settlement; s != nil {
		out["amount"] = models.FormatUnits(s.Amount, decimals)
		if s.Shares != nil {
			out["shares"] = models.FormatUnits(s.Shares, decimals)
		}
	}
	if q := run.BridgeQuote; q != nil {
		out["bridge_output"] = models.FormatUnits(q.OutputAmount, decimals)
		out["bridge_fee"] = models.FormatUnits(q.Fees.Total(), decimals)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
