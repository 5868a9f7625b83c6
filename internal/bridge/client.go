// Package bridge quotes and initiates cross-chain transfers through the
// bridge REST API.
package bridge

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"vaultflow/internal/httpclient"
	"vaultflow/internal/models"
)

type feesResponse struct {
	BridgeFee     string `json:"bridgeFee"`
	LPFee         string `json:"lpFee"`
	RelayerGasFee string `json:"relayerGasFee"`
}

type quoteResponse struct {
	InputAmount              string       `json:"inputAmount"`
	OutputAmount             string       `json:"outputAmount"`
	Fees                     feesResponse `json:"fees"`
	EstimatedFillTimeSeconds int64        `json:"estimatedFillTimeSeconds"`
}

type initiateRequest struct {
	Amount        string `json:"amount"`
	SourceChainID uint64 `json:"sourceChainId"`
	DestChainID   uint64 `json:"destChainId"`
	Token         string `json:"token"`
	Depositor     string `json:"depositor"`
	Recipient     string `json:"recipient"`
}

type subTransaction struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type initiateResponse struct {
	BridgeRunID  string           `json:"bridgeRunId"`
	Transactions []subTransaction `json:"transactions"`
}

// Client talks to the bridge API
type Client struct {
	http   *httpclient.Client
	logger *zap.Logger
}

// NewClient creates a bridge API client
func NewClient(hc *httpclient.Client, logger *zap.Logger) *Client {
	return &Client{http: hc, logger: logger.Named("bridge-api")}
}

// Quote fetches a price/time estimate. The result carries no validity window.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*models.BridgeQuote, error) {
	query := url.Values{
		"amount":        {req.Amount.String()},
		"sourceChainId": {strconv.FormatUint(req.SourceChain, 10)},
		"destChainId":   {strconv.FormatUint(req.DestChain, 10)},
		"vaultAddress":  {req.Vault.Hex()},
	}

	var resp quoteResponse
	if err := c.http.GetJSON(ctx, "/quote", query, &resp); err != nil {
		return nil, fmt.Errorf("bridge quote: %w", err)
	}

	quote := &models.BridgeQuote{EstimatedFillTimeSeconds: resp.EstimatedFillTimeSeconds}
	var err error
	if quote.InputAmount, err = parseAmount("inputAmount", resp.InputAmount); err != nil {
		return nil, err
	}
	if quote.OutputAmount, err = parseAmount("outputAmount", resp.OutputAmount); err != nil {
		return nil, err
	}
	if quote.Fees.BridgeFee, err = parseAmount("bridgeFee", resp.Fees.BridgeFee); err != nil {
		return nil, err
	}
	if quote.Fees.LPFee, err = parseAmount("lpFee", resp.Fees.LPFee); err != nil {
		return nil, err
	}
	if quote.Fees.RelayerGasFee, err = parseAmount("relayerGasFee", resp.Fees.RelayerGasFee); err != nil {
		return nil, err
	}
	return quote, nil
}

// Initiate asks the bridge for the funding-chain transactions that move
// amount of token from depositor to recipient.
func (c *Client) Initiate(ctx context.Context, req InitiateRequest, recipient common.Address) (string, []models.SubTransaction, error) {
	body := initiateRequest{
		Amount:        req.Amount.String(),
		SourceChainID: req.SourceChain,
		DestChainID:   req.DestChain,
		Token:         req.Token.Hex(),
		Depositor:     req.SourceSafe.Address.Hex(),
		Recipient:     recipient.Hex(),
	}

	var resp initiateResponse
	if err := c.http.PostJSON(ctx, "/initiate", body, &resp); err != nil {
		return "", nil, fmt.Errorf("bridge initiate: %w", err)
	}
	if len(resp.Transactions) == 0 {
		return "", nil, fmt.Errorf("bridge initiate returned no transactions")
	}

	txs := make([]models.SubTransaction, 0, len(resp.Transactions))
	for i, t := range resp.Transactions {
		if !common.IsHexAddress(t.To) {
			return "", nil, fmt.Errorf("bridge transaction %d has invalid target %q", i, t.To)
		}
		value := new(big.Int)
		if t.Value != "" {
			if _, ok := value.SetString(t.Value, 0); !ok {
				return "", nil, fmt.Errorf("bridge transaction %d has invalid value %q", i, t.Value)
			}
		}
		data, err := hexutil.Decode(t.Data)
		if err != nil {
			return "", nil, fmt.Errorf("bridge transaction %d has invalid data: %w", i, err)
		}
		txs = append(txs, models.SubTransaction{To: common.HexToAddress(t.To), Value: value, Data: data})
	}

	c.logger.Info("Bridge transfer initiated",
		zap.String("bridge_run_id", resp.BridgeRunID),
		zap.Uint64("source_chain", req.SourceChain),
		zap.Uint64("dest_chain", req.DestChain),
		zap.Int("transactions", len(txs)))

	return resp.BridgeRunID, txs, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, err := models.ParseBaseUnits(s)
	if err != nil {
		return nil, fmt.Errorf("bridge quote has invalid %s %q: %w", field, s, err)
	}
	return v, nil
}
