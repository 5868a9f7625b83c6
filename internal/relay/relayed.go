package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/config"
	"vaultflow/internal/httpclient"
	"vaultflow/internal/models"
)

// Relay transaction states
const (
	relayStateNew       = "STATE_NEW"
	relayStateExecuted  = "STATE_EXECUTED"
	relayStateMined     = "STATE_MINED"
	relayStateConfirmed = "STATE_CONFIRMED"
	relayStateFailed    = "STATE_FAILED"
	relayStateInvalid   = "STATE_INVALID"
)

type nonceResponse struct {
	Nonce json.Number `json:"nonce"`
}

type signatureParams struct {
	GasPrice       string `json:"gasPrice"`
	Operation      string `json:"operation"`
	SafeTxnGas     string `json:"safeTxnGas"`
	BaseGas        string `json:"baseGas"`
	GasToken       string `json:"gasToken"`
	RefundReceiver string `json:"refundReceiver"`
}

type submitRequest struct {
	From            string          `json:"from"`
	To              string          `json:"to"`
	ProxyWallet     string          `json:"proxyWallet"`
	Data            string          `json:"data"`
	Value           string          `json:"value"`
	Nonce           string          `json:"nonce"`
	Signature       string          `json:"signature"`
	SignatureParams signatureParams `json:"signatureParams"`
	GasLimit        string          `json:"gasLimit"`
	ChainID         string          `json:"chainId"`
	Type            string          `json:"type"`
	Metadata        string          `json:"metadata,omitempty"`
}

type transactionResponse struct {
	TransactionID   string `json:"transactionID"`
	TransactionHash string `json:"transactionHash"`
	State           string `json:"state"`
}

// Relayed submits Safe transactions signed by a managed signer through a
// meta-transaction relay. Operation references are relay ids; the chain
// hash is only known once the relay has mined the bundle.
type Relayed struct {
	chainID   uint64
	http      *httpclient.Client
	signer    Signer
	multiSend common.Address
	logger    *zap.Logger
}

// NewRelayed creates a relay client for one chain. Every request carries
// HMAC headers derived from creds.
func NewRelayed(chainID uint64, hc *httpclient.Client, signer Signer, multiSend common.Address, creds config.RelayConfig, logger *zap.Logger) *Relayed {
	return &Relayed{
		chainID:   chainID,
		http:      hc.WithHook(authHook(creds, time.Now)),
		signer:    signer,
		multiSend: multiSend,
		logger:    logger.Named("relay").With(zap.Uint64("chain_id", chainID)),
	}
}

// Send signs and submits the batch
func (r *Relayed) Send(ctx context.Context, req SendRequest) (models.OperationRef, error) {
	if req.ChainID != r.chainID {
		return models.OperationRef{}, sendFailed(fmt.Errorf("relay for chain %d cannot send on chain %d", r.chainID, req.ChainID))
	}

	nonce, err := r.nonce(ctx, req.Safe.Address)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	tx, err := evm.BatchSafeTx(req.Transactions, r.multiSend, nonce)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	sig, err := signSafeTx(ctx, r.signer, tx.Hash(r.chainID, req.Safe.Address), true)
	if err != nil {
		return models.OperationRef{}, sendFailed(err)
	}

	body := submitRequest{
		From:        r.signer.Address().Hex(),
		To:          tx.To.Hex(),
		ProxyWallet: req.Safe.Address.Hex(),
		Data:        hexutil.Encode(tx.Data),
		Value:       tx.Value.String(),
		Nonce:       nonce.String(),
		Signature:   hexutil.Encode(sig),
		SignatureParams: signatureParams{
			GasPrice:       "0",
			Operation:      strconv.Itoa(int(tx.Operation)),
			SafeTxnGas:     "0",
			BaseGas:        "0",
			GasToken:       common.Address{}.Hex(),
			RefundReceiver: common.Address{}.Hex(),
		},
		GasLimit: strconv.FormatUint(req.GasHint, 10),
		ChainID:  strconv.FormatUint(r.chainID, 10),
		Type:     "SAFE",
		Metadata: req.Metadata,
	}

	var resp transactionResponse
	if err := r.http.PostJSON(ctx, "/submit", body, &resp); err != nil {
		return models.OperationRef{}, sendFailed(fmt.Errorf("relay submit: %w", err))
	}
	if resp.TransactionID == "" {
		return models.OperationRef{}, sendFailed(fmt.Errorf("relay returned no transaction id"))
	}

	r.logger.Info("Relayed transaction submitted",
		zap.String("safe", req.Safe.Address.Hex()),
		zap.String("relay_id", resp.TransactionID),
		zap.Int("sub_transactions", len(req.Transactions)),
		zap.Uint64("gas_hint", req.GasHint))

	ref := models.OperationRef{ID: resp.TransactionID, ChainID: r.chainID, Kind: models.RefKindRelayed}
	if resp.TransactionHash != "" {
		ref.TxHash = common.HexToHash(resp.TransactionHash)
	}
	return ref, nil
}

// Status looks the operation up on the relay
func (r *Relayed) Status(ctx context.Context, ref models.OperationRef) (OperationStatus, error) {
	var resp transactionResponse
	if err := r.http.GetJSON(ctx, "/transaction", url.Values{"id": {ref.ID}}, &resp); err != nil {
		return OperationStatus{}, fmt.Errorf("relay status %s: %w", ref.ID, err)
	}

	status := OperationStatus{State: StatePending}
	if resp.TransactionHash != "" {
		status.TxHash = common.HexToHash(resp.TransactionHash)
	}

	switch resp.State {
	case relayStateConfirmed:
		status.State = StateConfirmed
	case relayStateFailed, relayStateInvalid:
		status.State = StateFailed
	case relayStateNew, relayStateExecuted, relayStateMined, "":
	default:
		r.logger.Warn("Unknown relay state", zap.String("relay_id", ref.ID), zap.String("state", resp.State))
	}
	return status, nil
}

func (r *Relayed) nonce(ctx context.Context, safe common.Address) (*big.Int, error) {
	var resp nonceResponse
	query := url.Values{"address": {r.signer.Address().Hex()}, "safe": {safe.Hex()}, "type": {"SAFE"}}
	if err := r.http.GetJSON(ctx, "/nonce", query, &resp); err != nil {
		return nil, fmt.Errorf("relay nonce: %w", err)
	}
	nonce, ok := new(big.Int).SetString(resp.Nonce.String(), 10)
	if !ok {
		return nil, fmt.Errorf("relay returned invalid nonce %q", resp.Nonce)
	}
	return nonce, nil
}

// authHook signs timestamp ++ method ++ path ++ body with the relay secret
func authHook(creds config.RelayConfig, now func() time.Time) httpclient.RequestHook {
	return func(req *http.Request, body []byte) error {
		if creds.APIKey == "" {
			return nil
		}
		ts := strconv.FormatInt(now().Unix(), 10)
		req.Header.Set("X-Relay-Api-Key", creds.APIKey)
		req.Header.Set("X-Relay-Timestamp", ts)
		req.Header.Set("X-Relay-Passphrase", creds.Passphrase)
		req.Header.Set("X-Relay-Signature", hmacSignature(creds.Secret, ts, req.Method, req.URL.RequestURI(), body))
		return nil
	}
}

// hmacSignature accepts a URL-safe or standard base64 secret, falling back
// to the raw bytes, and returns a URL-safe base64 signature.
func hmacSignature(secret, timestamp, method, path string, body []byte) string {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			key = []byte(secret)
		}
	}

	var msg strings.Builder
	msg.WriteString(timestamp)
	msg.WriteString(method)
	msg.WriteString(path)
	msg.Write(body)

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg.String()))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}
