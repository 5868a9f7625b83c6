package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/bridge"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/poller"
	"vaultflow/internal/relay"
	"vaultflow/internal/vault"
)

// Bridge drives the bridge half of a cross-chain request. The run ends in
// waiting-arrival; it never continues into the deposit on its own.
func (o *Orchestrator) Bridge(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, models.ActionBridge, models.StepIdle)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		if err := o.transition(r, models.StepChecking, nil, nil); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid bridge request: %w", err)
		}
		if !req.CrossChain() {
			return fmt.Errorf("source and destination chain are both %d; nothing to bridge", req.SourceChain)
		}
		return o.bridgeOut(ctx, r, req)
	})
}

// bridgeOut continues checking for a cross-chain request and submits the
// funding transactions on the source chain.
func (o *Orchestrator) bridgeOut(ctx context.Context, r *run, req models.DepositRequest) error {
	source, err := o.reader(req.SourceChain)
	if err != nil {
		return err
	}
	dest, err := o.reader(req.DestinationChain)
	if err != nil {
		return err
	}

	balance, err := evm.AssetBalance(ctx, source, req.Asset, req.SourceSafe.Address)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(req.Amount) < 0 {
		return failure.Newf(failure.KindInsufficientBalance, "balance %s is below requested %s", balance, req.Amount)
	}

	quote, err := o.bridge.Quote(ctx, bridge.QuoteRequest{
		Amount:      req.Amount,
		SourceChain: req.SourceChain,
		DestChain:   req.DestinationChain,
		Vault:       req.Vault.Address,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.state.BridgeQuote = quote
	r.mu.Unlock()

	initiation, err := o.bridge.Initiate(ctx, bridge.InitiateRequest{
		Amount:      req.Amount,
		SourceChain: req.SourceChain,
		DestChain:   req.DestinationChain,
		Token:       req.Asset.Address,
		Owner:       req.SourceSafe.Owner,
		SourceSafe:  req.SourceSafe,
	})
	if err != nil {
		return err
	}
	if initiation.NeedsDeployment != nil {
		return o.parkForDeployment(r, initiation.NeedsDeployment)
	}

	token, err := vault.NewAdapter(req.Vault, dest, o.logger).CurrentAsset(ctx)
	if err != nil {
		return err
	}
	baseline, err := evm.TokenBalance(ctx, dest, token, initiation.Recipient)
	if err != nil {
		return fmt.Errorf("failed to read destination balance: %w", err)
	}
	target := &models.ArrivalTarget{
		ChainID:   req.DestinationChain,
		Recipient: initiation.Recipient,
		Token:     token,
		Baseline:  baseline,
	}
	if quote.OutputAmount != nil && quote.OutputAmount.Sign() > 0 {
		target.Expected = new(big.Int).Add(baseline, quote.OutputAmount)
	}

	client, err := o.relays.For(req.SourceChain, req.SourceSafe)
	if err != nil {
		return err
	}

	payload := models.BridgePayload{BridgeRunID: initiation.BridgeRunID, Recipient: initiation.Recipient, Quote: quote}
	if err := o.transition(r, models.StepBridging, payload, nil); err != nil {
		return err
	}

	ref, err := o.send(ctx, r, client, req.SourceChain, req.SourceSafe, initiation.Transactions, o.gas.Hint(relay.ClassBridge, nil))
	if err != nil {
		return err
	}
	if err := o.transition(r, models.StepWaitingBridge, payload, setTxRef(ref)); err != nil {
		return err
	}
	if ref, err = o.awaitConfirmation(ctx, client, ref); err != nil {
		return err
	}

	return o.transition(r, models.StepWaitingArrival, payload, func(s *models.TransactionRun) {
		s.TxRef = &ref
		s.Arrival = target
	})
}

// parkForDeployment leaves the run waiting for an explicit deployment confirmation
func (o *Orchestrator) parkForDeployment(r *run, info *models.DeploymentInfo) error {
	return o.transition(r, models.StepNeedsDeployment, models.DeploymentPayload{Info: info}, func(s *models.TransactionRun) {
		s.DeploymentInfo = info
	})
}

// ConfirmDeployment deploys the destination safe of a run parked in
// needs-deployment. On success the run returns to idle and the original
// request can be retried on a fresh run.
func (o *Orchestrator) ConfirmDeployment(ctx context.Context, runID string) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, "", models.StepNeedsDeployment)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		info := r.snapshot().DeploymentInfo
		payload := models.DeploymentPayload{Info: info}
		if err := o.transition(r, models.StepDeploying, payload, nil); err != nil {
			return err
		}

		hash, err := o.deployer.Submit(ctx, info)
		if err != nil {
			return err
		}
		var update func(*models.TransactionRun)
		if hash != nil {
			update = setTxRef(models.OperationRef{
				ID:      hash.Hex(),
				ChainID: info.DestinationChain,
				Kind:    models.RefKindDirect,
				TxHash:  *hash,
			})
		}
		if err := o.transition(r, models.StepWaitingDeployment, payload, update); err != nil {
			return err
		}

		if _, err := o.deployer.Await(ctx, info, hash); err != nil {
			return err
		}
		return o.transition(r, models.StepIdle, nil, func(s *models.TransactionRun) {
			r.finished = true
		})
	})
}

// ObserveArrival polls the destination balance of a run in waiting-arrival
// within the arrival budget. Running out of attempts is a BridgeTimeout: the
// transfer may still land.
func (o *Orchestrator) ObserveArrival(ctx context.Context, runID string) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, "", models.StepWaitingArrival)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		target := r.snapshot().Arrival
		if target == nil {
			return fmt.Errorf("run %s has no arrival target", runID)
		}

		var balance *big.Int
		_, err := o.arrival.Until(ctx, "arrival", func(ctx context.Context) (bool, error) {
			ok, b, err := o.arrived(ctx, target)
			balance = b
			return ok, err
		})
		if errors.Is(err, poller.ErrExhausted) {
			return failure.New(failure.KindBridgeTimeout, err)
		}
		if err != nil {
			return err
		}
		return o.settleArrival(r, target, balance)
	})
}

// CheckArrival probes a waiting-arrival run once without blocking. A run
// being observed by another caller is skipped. It reports whether the run
// reached success.
func (o *Orchestrator) CheckArrival(ctx context.Context, runID string) (bool, error) {
	r, err := o.runs.acquire(runID, "", models.StepWaitingArrival)
	if err != nil {
		if errors.Is(err, ErrRunBusy) {
			return false, nil
		}
		return false, err
	}

	target := r.snapshot().Arrival
	if target == nil {
		o.runs.release(r)
		return false, fmt.Errorf("run %s has no arrival target", runID)
	}
	ok, balance, err := o.arrived(ctx, target)
	if err != nil || !ok {
		o.runs.release(r)
		return false, err
	}

	if _, err := o.drive(ctx, r, func(context.Context, *run) error {
		return o.settleArrival(r, target, balance)
	}); err != nil {
		return false, err
	}
	return true, nil
}

// arrived reads the recipient's destination balance. With a quote the
// target is baseline plus the quoted output; without one any increase counts.
func (o *Orchestrator) arrived(ctx context.Context, target *models.ArrivalTarget) (bool, *big.Int, error) {
	reader, err := o.reader(target.ChainID)
	if err != nil {
		return false, nil, poller.Stop(err)
	}
	balance, err := evm.TokenBalance(ctx, reader, target.Token, target.Recipient)
	if err != nil {
		return false, nil, err
	}
	if target.Expected != nil {
		return balance.Cmp(target.Expected) >= 0, balance, nil
	}
	return balance.Cmp(target.Baseline) > 0, balance, nil
}

func (o *Orchestrator) settleArrival(r *run, target *models.ArrivalTarget, balance *big.Int) error {
	arrived := new(big.Int).Sub(balance, target.Baseline)
	o.logger.Info("Bridged funds arrived",
		zap.String("run_id", r.state.ID),
		zap.Uint64("chain_id", target.ChainID),
		zap.String("recipient", target.Recipient.Hex()),
		zap.String("amount", arrived.String()))

	return o.transition(r, models.StepSuccess, nil, func(s *models.TransactionRun) {
		settlement := &models.Settlement{Asset: target.Token, Amount: arrived}
		if s.TxRef != nil {
			settlement.TxRef = *s.TxRef
		}
		s.Settlement = settlement
	})
}
