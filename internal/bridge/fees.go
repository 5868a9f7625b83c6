package bridge

import (
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"vaultflow/internal/config"
	"vaultflow/internal/models"
)

// FeeGuard rejects bridge quotes whose fees are out of bounds
type FeeGuard struct {
	maxFeeBps uint16
	logger    *zap.Logger
}

// NewFeeGuard creates a fee guard from the bridge configuration
func NewFeeGuard(cfg config.BridgeConfig, logger *zap.Logger) *FeeGuard {
	return &FeeGuard{
		maxFeeBps: cfg.MaxFeeBps,
		logger:    logger,
	}
}

// MaxFee returns the largest total fee accepted for amount.
// The fee cap is calculated as: amount * maxFeeBps / 10000
//
// Example: 100 USDC (100_000_000) at 300 bps allows at most 3 USDC of fees.
func (g *FeeGuard) MaxFee(amount *big.Int) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(g.maxFeeBps)))
	return fee.Quo(fee, big.NewInt(10_000))
}

// CheckQuote validates a quote for amount: the output must be positive,
// input must match the request and total fees must stay within the cap.
func (g *FeeGuard) CheckQuote(amount *big.Int, quote *models.BridgeQuote) error {
	if quote.OutputAmount == nil || quote.OutputAmount.Sign() <= 0 {
		return fmt.Errorf("bridge quote output is zero or negative after fees")
	}
	if quote.InputAmount != nil && quote.InputAmount.Sign() > 0 && quote.InputAmount.Cmp(amount) != 0 {
		return fmt.Errorf("bridge quote input %s does not match requested amount %s", quote.InputAmount, amount)
	}

	total := quote.Fees.Total()
	maxFee := g.MaxFee(amount)

	g.logger.Debug("Checked bridge fee",
		zap.String("amount", amount.String()),
		zap.String("total_fee", total.String()),
		zap.String("max_fee", maxFee.String()),
		zap.Uint16("max_fee_bps", g.maxFeeBps))

	if total.Cmp(maxFee) > 0 {
		return fmt.Errorf("bridge fee %s exceeds maximum %s (%d bps of %s)", total, maxFee, g.maxFeeBps, amount)
	}
	return nil
}
