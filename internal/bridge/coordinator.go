package bridge

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultflow/internal/failure"
	"vaultflow/internal/models"
)

// DefaultQuoteTTL is how long a quote stays usable when no TTL is configured
const DefaultQuoteTTL = 30 * time.Second

// QuoteRequest holds the material inputs of a quote
type QuoteRequest struct {
	Amount      *big.Int
	SourceChain uint64
	DestChain   uint64
	Vault       common.Address
}

func (r QuoteRequest) validate() error {
	if r.Amount == nil || r.Amount.Sign() <= 0 {
		return fmt.Errorf("bridge amount must be positive")
	}
	if r.SourceChain == 0 || r.DestChain == 0 {
		return fmt.Errorf("source and destination chains are required")
	}
	if r.SourceChain == r.DestChain {
		return fmt.Errorf("source and destination chain are both %d", r.SourceChain)
	}
	return nil
}

// cacheKey covers every input the bridge prices on
func (r QuoteRequest) cacheKey() string {
	return fmt.Sprintf("%d:%d:%s:%s", r.SourceChain, r.DestChain, r.Vault.Hex(), r.Amount.String())
}

// InitiateRequest describes a bridge transfer out of SourceSafe
type InitiateRequest struct {
	Amount      *big.Int
	SourceChain uint64
	DestChain   uint64
	Token       common.Address
	Owner       common.Address
	SourceSafe  models.Account
}

// Initiation is the outcome of Initiate. Exactly one of NeedsDeployment and
// Transactions is set.
type Initiation struct {
	Transactions    []models.SubTransaction
	BridgeRunID     string
	Recipient       common.Address
	NeedsDeployment *models.DeploymentInfo
}

// DestinationResolver finds the account that receives bridged funds
type DestinationResolver interface {
	// ResolveSafe returns the destination address when the account exists,
	// or the information needed to deploy it.
	ResolveSafe(ctx context.Context, owner, home common.Address, chainID uint64) (common.Address, *models.DeploymentInfo, error)
}

// Coordinator quotes and initiates bridge transfers
type Coordinator struct {
	api      *Client
	cache    QuoteCache
	guard    *FeeGuard
	resolver DestinationResolver
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. A nil cache disables caching.
func NewCoordinator(api *Client, cache QuoteCache, guard *FeeGuard, resolver DestinationResolver, ttl time.Duration, logger *zap.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	if cache == nil {
		cache = noCache{}
	}
	return &Coordinator{
		api:      api,
		cache:    cache,
		guard:    guard,
		resolver: resolver,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("bridge"),
	}
}

// Quote returns a bridge quote valid for the configured window. Quoting has
// no side effects beyond the cache.
func (c *Coordinator) Quote(ctx context.Context, req QuoteRequest) (*models.BridgeQuote, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	key := req.cacheKey()
	if cached, ok := c.cache.Get(ctx, key); ok && !cached.Expired(c.now()) {
		c.logger.Debug("Bridge quote served from cache", zap.String("key", key))
		return cached, nil
	}

	quote, err := c.api.Quote(ctx, req)
	if err != nil {
		return nil, err
	}

	now := c.now()
	quote.QuotedAt = now
	quote.ExpiresAt = now.Add(c.ttl)

	if err := c.guard.CheckQuote(req.Amount, quote); err != nil {
		return nil, fmt.Errorf("bridge quote rejected: %w", err)
	}

	c.cache.Set(ctx, key, quote, c.ttl)

	c.logger.Info("Bridge quote",
		zap.Uint64("source_chain", req.SourceChain),
		zap.Uint64("dest_chain", req.DestChain),
		zap.String("input", quote.InputAmount.String()),
		zap.String("output", quote.OutputAmount.String()),
		zap.String("fees", quote.Fees.Total().String()),
		zap.Int64("fill_seconds", quote.EstimatedFillTimeSeconds))

	return quote, nil
}

// Initiate resolves the destination account and, when it exists, asks the
// bridge for the funding transactions. A missing destination account is
// reported through NeedsDeployment; nothing is deployed here.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (*Initiation, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("bridge amount must be positive")
	}
	if req.SourceChain == req.DestChain {
		return nil, fmt.Errorf("source and destination chain are both %d", req.SourceChain)
	}

	recipient, info, err := c.resolver.ResolveSafe(ctx, req.Owner, req.SourceSafe.Address, req.DestChain)
	if err != nil {
		return nil, fmt.Errorf("resolve destination safe: %w", err)
	}
	if info != nil {
		c.logger.Info("Destination safe needs deployment",
			zap.String("owner", req.Owner.Hex()),
			zap.Uint64("dest_chain", req.DestChain),
			zap.String("predicted", info.PredictedAddress.Hex()))
		return &Initiation{NeedsDeployment: info}, nil
	}

	runID, txs, err := c.api.Initiate(ctx, req, recipient)
	if err != nil {
		return nil, failure.New(failure.KindSendFailed, err)
	}

	return &Initiation{Transactions: txs, BridgeRunID: runID, Recipient: recipient}, nil
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*models.BridgeQuote, bool)          { return nil, false }
func (noCache) Set(context.Context, string, *models.BridgeQuote, time.Duration) {}
