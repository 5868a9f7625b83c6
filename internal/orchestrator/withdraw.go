package orchestrator

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/relay"
	"vaultflow/internal/vault"
)

// shareTolerance absorbs the rounding of an asset to share conversion
var shareTolerance = big.NewInt(1)

// Withdraw drives a withdrawal run: resolve the shares to redeem, redeem them
// to the safe and wait for confirmation.
func (o *Orchestrator) Withdraw(ctx context.Context, runID string, req models.WithdrawalRequest) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, models.ActionWithdraw, models.StepIdle)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		if err := o.transition(r, models.StepChecking, nil, nil); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid withdrawal request: %w", err)
		}

		reader, err := o.reader(req.Chain)
		if err != nil {
			return err
		}
		adapter := vault.NewAdapter(req.Vault, reader, o.logger)

		shares, err := o.resolveShares(ctx, r, adapter, req)
		if err != nil {
			return err
		}

		client, err := o.relays.For(req.Chain, req.Safe)
		if err != nil {
			return err
		}

		assets, err := adapter.QuoteRedeem(ctx, shares)
		if err != nil {
			return err
		}
		underlying, err := adapter.CurrentAsset(ctx)
		if err != nil {
			return err
		}

		payload := models.DepositPayload{Vault: req.Vault, Shares: shares, ExpectedAssets: assets}
		if err := o.transition(r, models.StepWithdrawing, payload, nil); err != nil {
			return err
		}

		tx, err := adapter.EncodeRedeem(shares, req.Safe.Address, req.Safe.Address)
		if err != nil {
			return err
		}
		ref, err := o.send(ctx, r, client, req.Chain, req.Safe, []models.SubTransaction{tx}, o.gas.Hint(relay.ClassRedeem, &req.Vault))
		if err != nil {
			return err
		}
		if err := o.transition(r, models.StepWaitingWithdrawal, payload, setTxRef(ref)); err != nil {
			return err
		}
		if ref, err = o.awaitConfirmation(ctx, client, ref); err != nil {
			return err
		}

		return o.transition(r, models.StepSuccess, nil, func(s *models.TransactionRun) {
			s.TxRef = &ref
			s.Settlement = &models.Settlement{Asset: underlying, Amount: assets, Shares: shares, TxRef: ref}
		})
	})
}

// resolveShares turns the request into a share amount the safe can redeem.
// A shortfall of at most one share is rounding and redeems the full balance.
func (o *Orchestrator) resolveShares(ctx context.Context, r *run, adapter *vault.Adapter, req models.WithdrawalRequest) (*big.Int, error) {
	shares := req.Shares
	if shares == nil {
		var err error
		if shares, err = adapter.AssetsToShares(ctx, req.Assets); err != nil {
			return nil, err
		}
	}

	balance, err := adapter.ShareBalance(ctx, req.Safe.Address)
	if err != nil {
		return nil, err
	}

	if shares.Cmp(balance) > 0 {
		over := new(big.Int).Sub(shares, balance)
		if over.Cmp(shareTolerance) > 0 {
			return nil, failure.Newf(failure.KindInsufficientShares, "need %s shares, safe holds %s", shares, balance)
		}
		o.logger.Debug("Rounding withdrawal down to full share balance",
			zap.String("run_id", r.state.ID),
			zap.String("requested", shares.String()),
			zap.String("balance", balance.String()))
		shares = balance
	}
	if shares.Sign() == 0 {
		return nil, failure.Newf(failure.KindInsufficientShares, "safe holds no shares of %s", req.Vault)
	}
	return new(big.Int).Set(shares), nil
}
