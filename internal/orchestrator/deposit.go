package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultflow/internal/allowance"
	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/poller"
	"vaultflow/internal/relay"
	"vaultflow/internal/vault"
)

// Deposit drives a deposit run. A same-chain request runs the whole deposit;
// a cross-chain request runs the bridge half and parks in waiting-arrival.
func (o *Orchestrator) Deposit(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, models.ActionDeposit, models.StepIdle)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		if err := o.transition(r, models.StepChecking, nil, nil); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid deposit request: %w", err)
		}
		if req.CrossChain() {
			return o.bridgeOut(ctx, r, req)
		}
		return o.depositOnChain(ctx, r, depositTarget{
			chainID: req.SourceChain,
			account: req.SourceSafe,
			asset:   req.Asset,
			amount:  req.Amount,
			vault:   req.Vault,
		})
	})
}

// DepositOnDestination drives the deposit half of a cross-chain request: the
// bridged funds already in the destination safe go into the vault.
func (o *Orchestrator) DepositOnDestination(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error) {
	r, err := o.runs.acquire(runID, models.ActionDepositOnDestination, models.StepIdle)
	if err != nil {
		return nil, err
	}
	return o.drive(ctx, r, func(ctx context.Context, r *run) error {
		if err := o.transition(r, models.StepChecking, nil, nil); err != nil {
			return err
		}
		if err := req.Validate(); err != nil {
			return fmt.Errorf("invalid deposit request: %w", err)
		}

		owner := req.SourceSafe
		safe, info, err := o.deployer.ResolveSafe(ctx, owner.Owner, owner.Address, req.DestinationChain)
		if err != nil {
			return err
		}
		if info != nil {
			return o.parkForDeployment(r, info)
		}

		reader, err := o.reader(req.DestinationChain)
		if err != nil {
			return err
		}
		// bridged funds arrive as the destination vault's own asset
		underlying, err := vault.NewAdapter(req.Vault, reader, o.logger).CurrentAsset(ctx)
		if err != nil {
			return err
		}

		return o.depositOnChain(ctx, r, depositTarget{
			chainID: req.DestinationChain,
			account: models.Account{Address: safe, Owner: owner.Owner, OwnerKind: owner.OwnerKind},
			asset:   models.Asset{Address: underlying, Decimals: req.Asset.Decimals},
			amount:  req.Amount,
			vault:   req.Vault,
		})
	})
}

type depositTarget struct {
	chainID uint64
	account models.Account
	asset   models.Asset
	amount  *big.Int
	vault   models.VaultRef
}

// depositOnChain continues checking for a deposit whose funds are on the
// vault's chain, approves when needed and deposits.
func (o *Orchestrator) depositOnChain(ctx context.Context, r *run, t depositTarget) error {
	reader, err := o.reader(t.chainID)
	if err != nil {
		return err
	}

	balance, err := evm.AssetBalance(ctx, reader, t.asset, t.account.Address)
	if err != nil {
		return fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(t.amount) < 0 {
		return failure.Newf(failure.KindInsufficientBalance, "balance %s is below requested %s", balance, t.amount)
	}

	client, err := o.relays.For(t.chainID, t.account)
	if err != nil {
		return err
	}

	if !t.asset.Native {
		if err := o.approve(ctx, r, reader, client, t); err != nil {
			return err
		}
	}
	return o.depositStep(ctx, r, reader, client, t)
}

// approve runs approving and waiting-approval when the vault's allowance is short
func (o *Orchestrator) approve(ctx context.Context, r *run, reader evm.Reader, client relay.Client, t depositTarget) error {
	manager := allowance.NewManager(reader, o.logger)
	spender := t.vault.Address

	res, err := manager.EnsureAllowance(ctx, t.account.Address, spender, t.asset.Address, t.amount)
	if err != nil {
		return err
	}
	if res.AlreadySufficient {
		return nil
	}

	payload := models.ApprovalPayload{Token: t.asset.Address, Spender: spender, Current: res.Current, Target: t.amount}
	if err := o.transition(r, models.StepApproving, payload, nil); err != nil {
		return err
	}

	ref, err := o.send(ctx, r, client, t.chainID, t.account, []models.SubTransaction{*res.Approval}, o.gas.Hint(relay.ClassApprove, nil))
	if err != nil {
		return err
	}
	if err := o.transition(r, models.StepWaitingApproval, payload, setTxRef(ref)); err != nil {
		return err
	}
	if _, err := o.awaitConfirmation(ctx, client, ref); err != nil {
		return err
	}

	// the approval is mined; the allowance must now be visible on reads
	_, err = o.allowance.Until(ctx, "allowance", func(ctx context.Context) (bool, error) {
		current, err := manager.Allowance(ctx, t.account.Address, spender, t.asset.Address)
		if err != nil {
			return false, err
		}
		return current.Cmp(t.amount) >= 0, nil
	})
	if errors.Is(err, poller.ErrExhausted) {
		return failure.New(failure.KindApprovalNotReflected, err)
	}
	return err
}

// depositStep is entered at most once per run
func (o *Orchestrator) depositStep(ctx context.Context, r *run, reader evm.Reader, client relay.Client, t depositTarget) error {
	r.mu.Lock()
	entered := r.depositEntered
	r.depositEntered = true
	r.mu.Unlock()
	if entered {
		return fmt.Errorf("deposit already submitted for run %s; start a new run", r.state.ID)
	}

	adapter := vault.NewAdapter(t.vault, reader, o.logger)
	payload := models.DepositPayload{Vault: t.vault, Assets: t.amount}
	if err := o.transition(r, models.StepDepositing, payload, nil); err != nil {
		return err
	}

	expected := t.asset.Address
	var zapper common.Address
	if t.asset.Native {
		chain, _ := o.cfg.Chain(t.chainID)
		expected = chain.WrappedNative
		vcfg, ok := o.cfg.Vault(t.vault)
		if !ok || vcfg.Zapper == (common.Address{}) {
			return fmt.Errorf("vault %s has no zapper for native deposits", t.vault)
		}
		zapper = vcfg.Zapper
	}

	underlying, err := adapter.CurrentAsset(ctx)
	if err != nil {
		return err
	}
	if underlying != expected {
		return failure.Newf(failure.KindVaultAssetMismatch, "vault %s holds %s, request deposits %s", t.vault, underlying.Hex(), expected.Hex())
	}

	limit, err := adapter.MaxDeposit(ctx, t.account.Address)
	if err != nil {
		return err
	}
	if t.amount.Cmp(limit) > 0 {
		return failure.Newf(failure.KindDepositLimitExceeded, "vault %s accepts at most %s, requested %s", t.vault, limit, t.amount)
	}

	shares, err := adapter.QuoteDeposit(ctx, t.amount)
	if err != nil {
		return err
	}
	payload.ExpectedShares = shares

	var tx models.SubTransaction
	var before *big.Int
	if t.asset.Native {
		if before, err = adapter.ShareBalance(ctx, t.account.Address); err != nil {
			return err
		}
		tx, err = adapter.EncodeNativeDeposit(zapper, t.amount, t.account.Address)
	} else {
		tx, err = adapter.EncodeDeposit(t.amount, t.account.Address)
	}
	if err != nil {
		return err
	}

	ref, err := o.send(ctx, r, client, t.chainID, t.account, []models.SubTransaction{tx}, o.gas.Hint(relay.ClassDeposit, &t.vault))
	if err != nil {
		return err
	}
	if err := o.transition(r, models.StepWaitingDeposit, payload, setTxRef(ref)); err != nil {
		return err
	}
	if ref, err = o.awaitConfirmation(ctx, client, ref); err != nil {
		return err
	}

	settlement := &models.Settlement{Asset: underlying, Amount: new(big.Int).Set(t.amount), Shares: shares, TxRef: ref}

	if t.asset.Native {
		if err := o.index(ctx, r, adapter, t.account.Address, before, settlement); err != nil {
			return err
		}
	}

	return o.transition(r, models.StepSuccess, nil, func(s *models.TransactionRun) {
		s.TxRef = &ref
		s.Settlement = settlement
		s.Warning = settlement.Warning
	})
}

// index waits for a zapper-routed deposit to show up in the receiver's share
// balance. Running out of attempts or being abandoned leaves a warning; the
// deposit itself is already confirmed.
func (o *Orchestrator) index(ctx context.Context, r *run, adapter *vault.Adapter, receiver common.Address, before *big.Int, settlement *models.Settlement) error {
	if err := o.transition(r, models.StepIndexing, models.IndexingPayload{Receiver: receiver, Before: before}, nil); err != nil {
		return err
	}

	var after *big.Int
	attempts, err := o.indexing.Until(ctx, "indexing", func(ctx context.Context) (bool, error) {
		balance, err := adapter.ShareBalance(ctx, receiver)
		if err != nil {
			return false, err
		}
		after = balance
		return balance.Cmp(before) != 0, nil
	})
	switch {
	case err == nil:
		settlement.Shares = new(big.Int).Sub(after, before)
	case errors.Is(err, poller.ErrExhausted):
		settlement.Warning = "deposit confirmed but the new share balance is not visible yet; refresh later"
		o.logger.Warn("Share balance not indexed",
			zap.String("run_id", r.state.ID),
			zap.String("receiver", receiver.Hex()),
			zap.Int("attempts", attempts))
	case ctx.Err() != nil:
		settlement.Warning = "deposit confirmed; stopped waiting for the new share balance"
	default:
		return err
	}
	return nil
}
