// Package orchestrator drives deposit, bridge and withdrawal runs through
// the transaction state machine. Every step calls one collaborator, waits
// for its outcome and records the transition; observers receive an event
// per transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/bridge"
	"vaultflow/internal/config"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/poller"
	"vaultflow/internal/relay"
)

// RelaySelector returns the relay client for a safe
type RelaySelector interface {
	For(chainID uint64, account models.Account) (relay.Client, error)
}

// BridgeCoordinator quotes and initiates bridge transfers
type BridgeCoordinator interface {
	Quote(ctx context.Context, req bridge.QuoteRequest) (*models.BridgeQuote, error)
	Initiate(ctx context.Context, req bridge.InitiateRequest) (*bridge.Initiation, error)
}

// AccountDeployer resolves and deploys destination safes
type AccountDeployer interface {
	ResolveSafe(ctx context.Context, owner, home common.Address, chainID uint64) (common.Address, *models.DeploymentInfo, error)
	Submit(ctx context.Context, info *models.DeploymentInfo) (*common.Hash, error)
	Await(ctx context.Context, info *models.DeploymentInfo, deployTx *common.Hash) (common.Address, error)
}

// EventSink receives every transition synchronously
type EventSink interface {
	Publish(event models.Event)
}

// Dependencies are the collaborators an orchestrator is built from
type Dependencies struct {
	Config       *config.Config
	Readers      map[uint64]evm.Reader
	Relays       RelaySelector
	Bridge       BridgeCoordinator
	Deployer     AccountDeployer
	Sinks        []EventSink
	PollObserver poller.Observer
}

// Orchestrator owns the runs and their state machine
type Orchestrator struct {
	cfg      *config.Config
	readers  map[uint64]evm.Reader
	relays   RelaySelector
	bridge   BridgeCoordinator
	deployer AccountDeployer
	gas      *relay.GasTable
	sinks    []EventSink

	confirm   *poller.Poller
	allowance *poller.Poller
	indexing  *poller.Poller
	arrival   *poller.Poller

	runs   *registry
	now    func() time.Time
	logger *zap.Logger
}

// New creates an orchestrator
func New(deps Dependencies, logger *zap.Logger) *Orchestrator {
	logger = logger.Named("orchestrator")
	p := deps.Config.Polling
	newPoller := func(interval time.Duration, attempts int) *poller.Poller {
		pl := poller.New(interval, attempts, logger)
		if deps.PollObserver != nil {
			pl = pl.WithObserver(deps.PollObserver)
		}
		return pl
	}

	return &Orchestrator{
		cfg:       deps.Config,
		readers:   deps.Readers,
		relays:    deps.Relays,
		bridge:    deps.Bridge,
		deployer:  deps.Deployer,
		gas:       relay.NewGasTable(deps.Config),
		sinks:     deps.Sinks,
		confirm:   newPoller(p.ConfirmInterval, p.ConfirmAttempts),
		allowance: newPoller(p.AllowanceInterval, p.AllowanceAttempts),
		indexing:  newPoller(p.IndexingInterval, p.IndexingAttempts),
		arrival:   newPoller(p.ArrivalInterval, p.ArrivalAttempts),
		runs:      newRegistry(),
		now:       time.Now,
		logger:    logger,
	}
}

// Begin registers a new run for action in idle and returns its id. The run
// is driven by the matching action method.
func (o *Orchestrator) Begin(action models.Action) string {
	r := o.runs.add(action, o.now())
	o.logger.Debug("Run accepted", zap.String("run_id", r.state.ID), zap.String("action", string(action)))
	return r.state.ID
}

// drive runs fn on an acquired run and moves the run to error, exactly once,
// on any error or panic fn produces.
func (o *Orchestrator) drive(ctx context.Context, r *run, fn func(context.Context, *run) error) (snap *models.TransactionRun, err error) {
	defer o.runs.release(r)

	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in step %s: %v", r.snapshot().Step, p)
			}
		}()
		err = fn(ctx, r)
	}()

	if err == nil {
		return r.snapshot(), nil
	}

	if ctx.Err() != nil {
		step := r.snapshot().Step
		if step.Parked() {
			o.logger.Info("Stopped observing run",
				zap.String("run_id", r.state.ID),
				zap.String("step", string(step)),
				zap.Error(ctx.Err()))
			return r.snapshot(), fmt.Errorf("%w: run %s stays in %s: %w", ErrObservationAbandoned, r.state.ID, step, ctx.Err())
		}
		err = abandoned(step, err)
	}

	ferr := o.fail(r, err)
	return r.snapshot(), ferr
}

// abandoned classifies an error caused by the caller going away. Once
// something may have been submitted the outcome is unknown, so the wait the
// run was in decides the timeout kind; before that nothing happened.
func abandoned(step models.Step, err error) error {
	if k := failure.KindOf(err); k != failure.KindUnclassified {
		return err
	}
	switch step {
	case models.StepApproving, models.StepWaitingApproval,
		models.StepDepositing, models.StepWaitingDeposit,
		models.StepWithdrawing, models.StepWaitingWithdrawal:
		return failure.New(failure.KindConfirmationTimeout, fmt.Errorf("stopped observing in %s: %w", step, err))
	case models.StepBridging, models.StepWaitingBridge:
		return failure.New(failure.KindBridgeTimeout, fmt.Errorf("stopped observing in %s: %w", step, err))
	case models.StepDeploying, models.StepWaitingDeployment:
		return failure.New(failure.KindDeploymentTimeout, fmt.Errorf("stopped observing in %s: %w", step, err))
	}
	return err
}

// fail classifies err and moves the run to error
func (o *Orchestrator) fail(r *run, err error) error {
	fe := failure.Classify(err)

	r.mu.Lock()
	terminal := r.state.Step.Terminal()
	r.mu.Unlock()
	if terminal {
		return fe
	}

	if terr := o.transition(r, models.StepError, nil, func(s *models.TransactionRun) {
		s.Error = fe
	}); terr != nil {
		o.logger.Error("Failed to record run error", zap.String("run_id", r.state.ID), zap.Error(terr))
	}

	o.logger.Warn("Run failed",
		zap.String("run_id", r.state.ID),
		zap.String("kind", string(fe.Kind)),
		zap.Bool("retryable", fe.Retryable),
		zap.Bool("unknown_outcome", fe.UnknownOutcome),
		zap.Error(fe.Err))
	return fe
}

// transition moves the run to next, applies update and emits the event
func (o *Orchestrator) transition(r *run, next models.Step, payload any, update func(*models.TransactionRun)) error {
	r.mu.Lock()
	prev := r.state.Step
	if !allowed(prev, next) {
		r.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", prev, next)
	}

	now := o.now()
	r.state.Step = next
	r.state.UpdatedAt = now
	if update != nil {
		update(&r.state)
	}

	event := models.Event{
		RunID:        r.state.ID,
		Action:       r.state.Action,
		PreviousStep: prev,
		NewStep:      next,
		Payload:      payload,
		TxRef:        r.state.TxRef,
		At:           now,
	}
	switch next {
	case models.StepSuccess:
		event.Settlement = r.state.Settlement
	case models.StepError:
		event.Error = r.state.Error
	}
	r.mu.Unlock()

	o.logger.Info("Run transition",
		zap.String("run_id", event.RunID),
		zap.String("action", string(event.Action)),
		zap.String("from", string(prev)),
		zap.String("to", string(next)))

	for _, sink := range o.sinks {
		sink.Publish(event)
	}
	return nil
}

func (o *Orchestrator) reader(chainID uint64) (evm.Reader, error) {
	r, ok := o.readers[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC client configured for chain %d", chainID)
	}
	return r, nil
}

// send submits txs from account and returns the operation reference
func (o *Orchestrator) send(ctx context.Context, r *run, client relay.Client, chainID uint64, account models.Account, txs []models.SubTransaction, gas uint64) (models.OperationRef, error) {
	return client.Send(ctx, relay.SendRequest{
		ChainID:      chainID,
		Safe:         account,
		Transactions: txs,
		GasHint:      gas,
		Metadata:     r.state.ID,
	})
}

// awaitConfirmation polls the operation's status until it is confirmed.
// The returned reference carries the chain hash when the relay reported one.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, client relay.Client, ref models.OperationRef) (models.OperationRef, error) {
	_, err := o.confirm.Until(ctx, "confirmation", func(ctx context.Context) (bool, error) {
		status, err := client.Status(ctx, ref)
		if err != nil {
			return false, err
		}
		if status.TxHash != (common.Hash{}) {
			ref.TxHash = status.TxHash
		}
		switch status.State {
		case relay.StateConfirmed:
			return true, nil
		case relay.StateFailed:
			return false, poller.Stop(failure.Newf(failure.KindTransactionFailed,
				"operation %s failed on chain %d", ref.ID, ref.ChainID))
		}
		return false, nil
	})
	if errors.Is(err, poller.ErrExhausted) {
		return ref, failure.New(failure.KindConfirmationTimeout, fmt.Errorf("operation %s: %w", ref.ID, err))
	}
	return ref, err
}

func setTxRef(ref models.OperationRef) func(*models.TransactionRun) {
	return func(s *models.TransactionRun) {
		s.TxRef = &ref
	}
}
