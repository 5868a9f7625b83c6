package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vaultflow/internal/allowance"
	"vaultflow/internal/blockchain/evm"
	"vaultflow/internal/blockchain/evm/evmtest"
	"vaultflow/internal/bridge"
	"vaultflow/internal/config"
	"vaultflow/internal/deployment"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/poller"
	"vaultflow/internal/relay"
)

const (
	baseChain     = 8453
	optimismChain = 10
	creationCode  = "0x608060405234801561001057600080fd5b506040516101e63803806101e6833981"
)

var (
	baseUSDC    = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	opUSDC      = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	weth        = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdcVault   = common.HexToAddress("0x00000000000000000000000000000000000a11a0")
	wethVault   = common.HexToAddress("0x00000000000000000000000000000000000a11a1")
	zapperAddr  = common.HexToAddress("0x0000000000000000000000000000000000002a90")
	spokePool   = common.HexToAddress("0x09aea4b2242abC8bb4BB78D537A67a245A7bEC64")
	ownerEOA    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	homeSafe    = common.HexToAddress("0x00000000000000000000000000000000000005af")
	deployerEOA = common.HexToAddress("0x000000000000000000000000000000000000d0d0")

	safeConfig = config.SafeConfig{
		ProxyFactory:      common.HexToAddress("0x4e1DCf7AD4e460CfD30791CCC4F9c8a4f820ec67"),
		Singleton:         common.HexToAddress("0x29fcB43b46531BcA003ddC8FCB67FFE91900C762"),
		FallbackHandler:   common.HexToAddress("0xfd0732Dc9E303f09fCEf3a7388Ad10A83459Ec99"),
		ProxyCreationCode: creationCode,
	}
)

func usdc(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// fakeRelay executes each batch straight from the safe on the chain and
// reports pending for a configurable number of status polls.
type fakeRelay struct {
	chain *evmtest.Chain

	mu      sync.Mutex
	states  map[string]relay.State
	polls   map[string]int
	batches [][]models.SubTransaction
	sendErr error
	pending int
}

func newFakeRelay(chain *evmtest.Chain) *fakeRelay {
	return &fakeRelay{chain: chain, states: map[string]relay.State{}, polls: map[string]int{}}
}

func (f *fakeRelay) Send(_ context.Context, req relay.SendRequest) (models.OperationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return models.OperationRef{}, f.sendErr
	}

	state := relay.StateConfirmed
	for _, tx := range req.Transactions {
		if err := f.chain.Execute(req.Safe.Address, tx); err != nil {
			state = relay.StateFailed
			break
		}
	}
	f.batches = append(f.batches, req.Transactions)
	id := fmt.Sprintf("op-%d-%d", req.ChainID, len(f.batches))
	f.states[id] = state
	return models.OperationRef{ID: id, ChainID: req.ChainID, Kind: models.RefKindRelayed}, nil
}

func (f *fakeRelay) Status(_ context.Context, ref models.OperationRef) (relay.OperationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[ref.ID]++
	if f.polls[ref.ID] <= f.pending {
		return relay.OperationStatus{State: relay.StatePending}, nil
	}
	return relay.OperationStatus{State: f.states[ref.ID], TxHash: crypto.Keccak256Hash([]byte(ref.ID))}, nil
}

func (f *fakeRelay) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type fakeSelector map[uint64]*fakeRelay

func (s fakeSelector) For(chainID uint64, _ models.Account) (relay.Client, error) {
	r, ok := s[chainID]
	if !ok {
		return nil, fmt.Errorf("no relay for chain %d", chainID)
	}
	return r, nil
}

// fakeBridge quotes a fixed fee and funds the transfer with an approval of
// the spoke pool, resolving the destination the way the coordinator does.
type fakeBridge struct {
	resolver bridge.DestinationResolver
	fee      *big.Int
	quoteFn  func()
}

func (b *fakeBridge) Quote(_ context.Context, req bridge.QuoteRequest) (*models.BridgeQuote, error) {
	if b.quoteFn != nil {
		b.quoteFn()
	}
	return &models.BridgeQuote{
		InputAmount:  req.Amount,
		OutputAmount: new(big.Int).Sub(req.Amount, b.fee),
		Fees:         models.FeeBreakdown{BridgeFee: b.fee},
		QuotedAt:     time.Now(),
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}, nil
}

func (b *fakeBridge) Initiate(ctx context.Context, req bridge.InitiateRequest) (*bridge.Initiation, error) {
	recipient, info, err := b.resolver.ResolveSafe(ctx, req.Owner, req.SourceSafe.Address, req.DestChain)
	if err != nil {
		return nil, err
	}
	if info != nil {
		return &bridge.Initiation{NeedsDeployment: info}, nil
	}
	approve, err := allowance.EncodeApprove(req.Token, spokePool, req.Amount)
	if err != nil {
		return nil, err
	}
	return &bridge.Initiation{Transactions: []models.SubTransaction{approve}, BridgeRunID: "bridge-1", Recipient: recipient}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (s *recordingSink) Publish(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) steps(runID string) []models.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Step
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e.NewStep)
		}
	}
	return out
}

type fixture struct {
	base, op    *evmtest.Chain
	baseUSDC    *evmtest.Token
	opUSDC      *evmtest.Token
	weth        *evmtest.Token
	usdcVault   *evmtest.Vault
	wethVault   *evmtest.Vault
	relays      fakeSelector
	bridge      *fakeBridge
	deployer    *deployment.Manager
	registry    *deployment.MemoryRegistry
	baseSender  *evmtest.Sender
	sink        *recordingSink
	orch        *Orchestrator
	sourceSafe  models.Account
	sameChainSf models.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		base:     evmtest.NewChain(),
		op:       evmtest.NewChain(),
		registry: deployment.NewMemoryRegistry(),
		sink:     &recordingSink{},
	}

	f.baseUSDC = evmtest.NewToken(f.base, baseUSDC, 6)
	f.weth = evmtest.NewToken(f.base, weth, 18)
	f.opUSDC = evmtest.NewToken(f.op, opUSDC, 6)
	f.usdcVault = evmtest.NewVault(f.base, usdcVault, f.baseUSDC, usdc(1), usdc(1))
	f.wethVault = evmtest.NewVault(f.base, wethVault, f.weth, big.NewInt(1e18), big.NewInt(1e18))
	evmtest.NewZapper(f.base, zapperAddr, f.wethVault)
	evmtest.NewSafeFactory(f.base, safeConfig.ProxyFactory, hexutil.MustDecode(creationCode))

	f.sourceSafe = models.Account{Address: homeSafe, Owner: ownerEOA, OwnerKind: models.OwnerKindManaged}
	f.sameChainSf = f.sourceSafe

	f.relays = fakeSelector{baseChain: newFakeRelay(f.base), optimismChain: newFakeRelay(f.op)}

	f.baseSender = evmtest.NewSender(f.base, deployerEOA)
	m, err := deployment.NewManager(safeConfig, map[uint64]deployment.Backend{baseChain: f.baseSender}, f.registry,
		poller.New(time.Millisecond, 3, nil), zap.NewNop())
	require.NoError(t, err)
	f.deployer = m
	f.bridge = &fakeBridge{resolver: m, fee: big.NewInt(150_000)}

	cfg := &config.Config{
		Chains: map[uint64]config.ChainConfig{
			baseChain:     {ChainID: baseChain, Name: "Base", WrappedNative: weth},
			optimismChain: {ChainID: optimismChain, Name: "Optimism"},
		},
		Vaults: map[models.VaultRef]config.VaultConfig{
			{Address: wethVault, ChainID: baseChain}: {Name: "weth", Asset: weth, Zapper: zapperAddr, GasLimit: 900_000},
		},
		Gas: config.GasConfig{Approve: 100_000, Deposit: 500_000, Redeem: 500_000, Bridge: 300_000},
		Polling: config.PollingConfig{
			ConfirmInterval: time.Millisecond, ConfirmAttempts: 5,
			AllowanceInterval: time.Millisecond, AllowanceAttempts: 3,
			IndexingInterval: time.Millisecond, IndexingAttempts: 4,
			ArrivalInterval: time.Millisecond, ArrivalAttempts: 3,
		},
	}

	f.orch = New(Dependencies{
		Config:   cfg,
		Readers:  map[uint64]evm.Reader{baseChain: f.base, optimismChain: f.op},
		Relays:   f.relays,
		Bridge:   f.bridge,
		Deployer: f.deployer,
		Sinks:    []EventSink{f.sink},
	}, zap.NewNop())
	return f
}

func (f *fixture) sameChainDeposit(amount *big.Int) models.DepositRequest {
	return models.DepositRequest{
		Asset:            models.Asset{Address: baseUSDC, Decimals: 6},
		Amount:           amount,
		SourceSafe:       f.sameChainSf,
		SourceChain:      baseChain,
		Vault:            models.VaultRef{Address: usdcVault, ChainID: baseChain},
		DestinationChain: baseChain,
	}
}

func (f *fixture) crossChainDeposit(amount *big.Int) models.DepositRequest {
	return models.DepositRequest{
		Asset:            models.Asset{Address: opUSDC, Decimals: 6},
		Amount:           amount,
		SourceSafe:       f.sourceSafe,
		SourceChain:      optimismChain,
		Vault:            models.VaultRef{Address: usdcVault, ChainID: baseChain},
		DestinationChain: baseChain,
	}
}

func (f *fixture) deposit(t *testing.T, req models.DepositRequest) (*models.TransactionRun, error) {
	t.Helper()
	return f.orch.Deposit(context.Background(), f.orch.Begin(models.ActionDeposit), req)
}

func (f *fixture) bridgeRun(t *testing.T, req models.DepositRequest) (*models.TransactionRun, error) {
	t.Helper()
	return f.orch.Bridge(context.Background(), f.orch.Begin(models.ActionBridge), req)
}

func TestSameChainDepositApprovesThenDeposits(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(100))

	run, err := f.deposit(t, f.sameChainDeposit(usdc(100)))
	require.NoError(t, err)

	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepApproving,
		models.StepWaitingApproval,
		models.StepDepositing,
		models.StepWaitingDeposit,
		models.StepSuccess,
	}, f.sink.steps(run.ID))

	require.NotNil(t, run.Settlement)
	assert.Equal(t, usdc(100), run.Settlement.Amount)
	assert.Equal(t, baseUSDC, run.Settlement.Asset)
	assert.Equal(t, usdc(100), run.Settlement.Shares)
	assert.NotEqual(t, common.Hash{}, run.Settlement.TxRef.TxHash)
	assert.Nil(t, run.Error)
	assert.Equal(t, usdc(100), f.usdcVault.Shares(homeSafe))
	assert.Equal(t, 2, f.relays[baseChain].sent())
}

func TestDepositSkipsApprovalWhenAllowanceSuffices(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(50))
	f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(50))

	run, err := f.deposit(t, f.sameChainDeposit(usdc(50)))
	require.NoError(t, err)

	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepDepositing,
		models.StepWaitingDeposit,
		models.StepSuccess,
	}, f.sink.steps(run.ID))
	assert.Equal(t, 1, f.relays[baseChain].sent())
}

func TestDepositFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(f *fixture) models.DepositRequest
		kind    failure.Kind
		lastOK  models.Step
		noSends bool
	}{
		{
			name: "balance below amount",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				return f.sameChainDeposit(usdc(11))
			},
			kind:    failure.KindInsufficientBalance,
			lastOK:  models.StepChecking,
			noSends: true,
		},
		{
			name: "allowance never visible",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.ApproveLag = 100
				return f.sameChainDeposit(usdc(10))
			},
			kind:   failure.KindApprovalNotReflected,
			lastOK: models.StepWaitingApproval,
		},
		{
			name: "vault holds a different asset",
			setup: func(f *fixture) models.DepositRequest {
				f.weth.Mint(homeSafe, big.NewInt(1e18))
				f.weth.SetAllowance(homeSafe, usdcVault, big.NewInt(1e18))
				req := f.sameChainDeposit(big.NewInt(1e18))
				req.Asset = models.Asset{Address: weth, Decimals: 18}
				return req
			},
			kind:    failure.KindVaultAssetMismatch,
			lastOK:  models.StepDepositing,
			noSends: true,
		},
		{
			name: "vault deposit limit",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.usdcVault.Limit = usdc(5)
				return f.sameChainDeposit(usdc(10))
			},
			kind:    failure.KindDepositLimitExceeded,
			lastOK:  models.StepDepositing,
			noSends: true,
		},
		{
			name: "vault quote reverts",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.base.FailNext("previewDeposit", evmtest.ErrReverted)
				return f.sameChainDeposit(usdc(10))
			},
			kind:    failure.KindVaultUnavailable,
			lastOK:  models.StepDepositing,
			noSends: true,
		},
		{
			name: "relay rejects submission",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.relays[baseChain].sendErr = failure.New(failure.KindSendFailed, errors.New("relay down"))
				return f.sameChainDeposit(usdc(10))
			},
			kind:   failure.KindSendFailed,
			lastOK: models.StepDepositing,
		},
		{
			name: "signer declines",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.relays[baseChain].sendErr = failure.New(failure.KindUserRejected, errors.New("signature request declined"))
				return f.sameChainDeposit(usdc(10))
			},
			kind:   failure.KindUserRejected,
			lastOK: models.StepDepositing,
		},
		{
			name: "operation never confirms",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.relays[baseChain].pending = 1000
				return f.sameChainDeposit(usdc(10))
			},
			kind:   failure.KindConfirmationTimeout,
			lastOK: models.StepWaitingDeposit,
		},
		{
			name: "operation fails on chain",
			setup: func(f *fixture) models.DepositRequest {
				f.baseUSDC.Mint(homeSafe, usdc(10))
				f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
				f.base.FailNext("deposit", evmtest.ErrReverted)
				return f.sameChainDeposit(usdc(10))
			},
			kind:   failure.KindTransactionFailed,
			lastOK: models.StepWaitingDeposit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.setup(f)

			run, err := f.deposit(t, req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, failure.KindOf(err))

			require.NotNil(t, run.Error)
			assert.Equal(t, models.StepError, run.Step)
			assert.Equal(t, tt.kind, run.Error.Kind)
			assert.NotEmpty(t, run.Error.Message)
			assert.Nil(t, run.Settlement)

			steps := f.sink.steps(run.ID)
			require.GreaterOrEqual(t, len(steps), 2)
			assert.Equal(t, tt.lastOK, steps[len(steps)-2])
			assert.Equal(t, models.StepError, steps[len(steps)-1])
			if tt.noSends {
				assert.Equal(t, 0, f.relays[baseChain].sent())
			}
		})
	}
}

func TestNativeDepositIndexesShares(t *testing.T) {
	f := newFixture(t)
	f.base.SetNative(homeSafe, big.NewInt(2e18))
	f.wethVault.CreditLag = 2

	req := models.DepositRequest{
		Asset:            models.Asset{Native: true, Decimals: 18},
		Amount:           big.NewInt(1e18),
		SourceSafe:       f.sameChainSf,
		SourceChain:      baseChain,
		Vault:            models.VaultRef{Address: wethVault, ChainID: baseChain},
		DestinationChain: baseChain,
	}
	run, err := f.deposit(t, req)
	require.NoError(t, err)

	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepDepositing,
		models.StepWaitingDeposit,
		models.StepIndexing,
		models.StepSuccess,
	}, f.sink.steps(run.ID))
	assert.Equal(t, big.NewInt(1e18), run.Settlement.Shares)
	assert.Equal(t, weth, run.Settlement.Asset)
	assert.Empty(t, run.Warning)
}

func TestNativeDepositIndexingExhaustionIsSoftSuccess(t *testing.T) {
	f := newFixture(t)
	f.base.SetNative(homeSafe, big.NewInt(2e18))
	f.wethVault.CreditLag = 100

	req := models.DepositRequest{
		Asset:            models.Asset{Native: true, Decimals: 18},
		Amount:           big.NewInt(1e18),
		SourceSafe:       f.sameChainSf,
		SourceChain:      baseChain,
		Vault:            models.VaultRef{Address: wethVault, ChainID: baseChain},
		DestinationChain: baseChain,
	}
	run, err := f.deposit(t, req)
	require.NoError(t, err)

	assert.Equal(t, models.StepSuccess, run.Step)
	assert.NotEmpty(t, run.Warning)
	assert.Equal(t, run.Warning, run.Settlement.Warning)
}

func TestDepositStepEnteredOnce(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(10))
	f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))

	run, err := f.deposit(t, f.sameChainDeposit(usdc(10)))
	require.NoError(t, err)
	require.Equal(t, models.StepSuccess, run.Step)

	// driving the same run again is refused outright
	_, err = f.orch.Deposit(context.Background(), run.ID, f.sameChainDeposit(usdc(10)))
	assert.ErrorIs(t, err, ErrWrongStep)

	// and the deposit handler itself refuses a second entry
	r, ok := f.orch.runs.get(run.ID)
	require.True(t, ok)
	target := depositTarget{
		chainID: baseChain,
		account: f.sameChainSf,
		asset:   models.Asset{Address: baseUSDC, Decimals: 6},
		amount:  usdc(10),
		vault:   models.VaultRef{Address: usdcVault, ChainID: baseChain},
	}
	err = f.orch.depositStep(context.Background(), r, f.base, f.relays[baseChain], target)
	assert.Error(t, err)
	assert.Equal(t, 1, f.relays[baseChain].sent())
}

func TestBridgeNeedsDeploymentThenProceeds(t *testing.T) {
	f := newFixture(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	ctx := context.Background()

	first, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)
	assert.Equal(t, []models.Step{models.StepChecking, models.StepNeedsDeployment}, f.sink.steps(first.ID))
	require.NotNil(t, first.DeploymentInfo)
	assert.Equal(t, uint64(baseChain), first.DeploymentInfo.DestinationChain)
	assert.Equal(t, 0, f.relays[optimismChain].sent())

	deployed, err := f.orch.ConfirmDeployment(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepIdle, deployed.Step)
	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepNeedsDeployment,
		models.StepDeploying,
		models.StepWaitingDeployment,
		models.StepIdle,
	}, f.sink.steps(first.ID))
	require.NotNil(t, deployed.TxRef)
	assert.Equal(t, 1, f.baseSender.Sent())

	// the finished run cannot be driven again
	_, err = f.orch.ConfirmDeployment(ctx, first.ID)
	assert.ErrorIs(t, err, ErrWrongStep)

	second, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)
	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepBridging,
		models.StepWaitingBridge,
		models.StepWaitingArrival,
	}, f.sink.steps(second.ID))
	require.NotNil(t, second.Arrival)
	assert.Equal(t, first.DeploymentInfo.PredictedAddress, second.Arrival.Recipient)
}

func TestConfirmDeploymentSkipsExistingBytecode(t *testing.T) {
	f := newFixture(t)
	f.opUSDC.Mint(homeSafe, usdc(100))

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)
	require.NotNil(t, run.DeploymentInfo)

	// deployed by someone else in the meantime
	f.base.SetCode(run.DeploymentInfo.PredictedAddress, []byte{0x60, 0x80})

	done, err := f.orch.ConfirmDeployment(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepIdle, done.Step)
	assert.Equal(t, 0, f.baseSender.Sent())
}

func TestConfirmDeploymentTimeout(t *testing.T) {
	f := newFixture(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	f.baseSender.Drop = true

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)

	done, err := f.orch.ConfirmDeployment(context.Background(), run.ID)
	require.Error(t, err)
	assert.Equal(t, failure.KindDeploymentTimeout, failure.KindOf(err))
	assert.Equal(t, models.StepError, done.Step)
	assert.True(t, done.Error.UnknownOutcome)
}

// deployDestination registers the destination safe so bridge runs go through
func (f *fixture) deployDestination(t *testing.T) common.Address {
	t.Helper()
	_, info, err := f.deployer.ResolveSafe(context.Background(), ownerEOA, homeSafe, baseChain)
	require.NoError(t, err)
	require.NotNil(t, info)
	addr, err := f.deployer.Deploy(context.Background(), info)
	require.NoError(t, err)
	return addr
}

func TestBridgeRunWaitsForArrivalIndefinitely(t *testing.T) {
	f := newFixture(t)
	dest := f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))

	run, err := f.deposit(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)
	assert.Equal(t, models.StepWaitingArrival, run.Step)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.BridgeQuote)
	assert.Equal(t, "49850000", run.BridgeQuote.OutputAmount.String())
	assert.Equal(t, dest, run.Arrival.Recipient)
	assert.Equal(t, "49850000", run.Arrival.Expected.String())

	// nobody observes arrival: the run stays parked without error
	time.Sleep(20 * time.Millisecond)
	snap, err := f.orch.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepWaitingArrival, snap.Step)
	assert.Nil(t, snap.Error)
	assert.Equal(t, []string{run.ID}, f.orch.RunsIn(models.StepWaitingArrival))

	// the deposit half is never chained automatically
	assert.Equal(t, 0, f.relays[baseChain].sent())
}

func TestCheckArrival(t *testing.T) {
	f := newFixture(t)
	dest := f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	ctx := context.Background()

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)

	ok, err := f.orch.CheckArrival(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// a partial fill is not arrival
	f.baseUSDC.Mint(dest, usdc(10))
	ok, err = f.orch.CheckArrival(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	f.baseUSDC.Mint(dest, big.NewInt(39_850_000))
	ok, err = f.orch.CheckArrival(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	snap, err := f.orch.Run(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, snap.Step)
	assert.Equal(t, "49850000", snap.Settlement.Amount.String())
	assert.Equal(t, baseUSDC, snap.Settlement.Asset)
}

func TestObserveArrivalTimesOut(t *testing.T) {
	f := newFixture(t)
	f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)

	done, err := f.orch.ObserveArrival(context.Background(), run.ID)
	require.Error(t, err)
	assert.Equal(t, failure.KindBridgeTimeout, failure.KindOf(err))
	assert.Equal(t, models.StepError, done.Step)
	assert.True(t, done.Error.UnknownOutcome)
}

func TestObserveArrivalSucceeds(t *testing.T) {
	f := newFixture(t)
	dest := f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	f.baseUSDC.Mint(dest, usdc(3))

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)
	assert.Equal(t, usdc(3), run.Arrival.Baseline)

	f.baseUSDC.Mint(dest, usdc(50))
	done, err := f.orch.ObserveArrival(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, done.Step)
	assert.Equal(t, usdc(50), done.Settlement.Amount)
}

// cancelOn cancels a context when a run enters step
type cancelOn struct {
	step   models.Step
	cancel context.CancelFunc
}

func (c cancelOn) Publish(e models.Event) {
	if e.NewStep == c.step {
		c.cancel()
	}
}

func TestFailedRunReturnsErrorSnapshot(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(10))

	returned, err := f.deposit(t, f.sameChainDeposit(usdc(11)))
	require.Error(t, err)

	live, lerr := f.orch.Run(returned.ID)
	require.NoError(t, lerr)
	assert.Equal(t, live.Step, returned.Step)
	assert.Equal(t, models.StepError, returned.Step)
	require.NotNil(t, returned.Error)
	assert.Equal(t, failure.KindInsufficientBalance, returned.Error.Kind)
}

func TestAbandonedArrivalObservationKeepsRunWaiting(t *testing.T) {
	f := newFixture(t)
	dest := f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	f.orch.arrival = f.orch.arrival.With(time.Hour, 3)

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap, err := f.orch.ObserveArrival(ctx, run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrObservationAbandoned)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StepWaitingArrival, snap.Step)
	assert.Nil(t, snap.Error)
	assert.Equal(t, models.StepWaitingArrival, f.sink.steps(run.ID)[len(f.sink.steps(run.ID))-1])

	// the monitor can still settle it
	f.baseUSDC.Mint(dest, usdc(50))
	ok, err := f.orch.CheckArrival(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAbandonedConfirmationIsUnknownOutcome(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(10))
	f.baseUSDC.SetAllowance(homeSafe, usdcVault, usdc(10))
	f.relays[baseChain].pending = 1000
	f.orch.confirm = f.orch.confirm.With(time.Hour, 5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.sinks = append(f.orch.sinks, cancelOn{step: models.StepWaitingDeposit, cancel: cancel})

	run, err := f.orch.Deposit(ctx, f.orch.Begin(models.ActionDeposit), f.sameChainDeposit(usdc(10)))
	require.Error(t, err)
	assert.Equal(t, failure.KindConfirmationTimeout, failure.KindOf(err))
	assert.Equal(t, models.StepError, run.Step)
	require.NotNil(t, run.Error)
	assert.True(t, run.Error.UnknownOutcome)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAbandonedIndexingIsSoftSuccess(t *testing.T) {
	f := newFixture(t)
	f.base.SetNative(homeSafe, big.NewInt(2e18))
	f.wethVault.CreditLag = 100
	f.orch.indexing = f.orch.indexing.With(time.Hour, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.orch.sinks = append(f.orch.sinks, cancelOn{step: models.StepIndexing, cancel: cancel})

	req := models.DepositRequest{
		Asset:            models.Asset{Native: true, Decimals: 18},
		Amount:           big.NewInt(1e18),
		SourceSafe:       f.sameChainSf,
		SourceChain:      baseChain,
		Vault:            models.VaultRef{Address: wethVault, ChainID: baseChain},
		DestinationChain: baseChain,
	}
	run, err := f.orch.Deposit(ctx, f.orch.Begin(models.ActionDeposit), req)
	require.NoError(t, err)
	assert.Equal(t, models.StepSuccess, run.Step)
	assert.NotEmpty(t, run.Warning)
}

func TestDepositOnDestination(t *testing.T) {
	f := newFixture(t)
	dest := f.deployDestination(t)
	f.baseUSDC.Mint(dest, usdc(49))

	req := f.crossChainDeposit(usdc(49))
	run, err := f.orch.DepositOnDestination(context.Background(), f.orch.Begin(models.ActionDepositOnDestination), req)
	require.NoError(t, err)

	assert.Equal(t, models.StepSuccess, run.Step)
	assert.Equal(t, usdc(49), f.usdcVault.Shares(dest))
	assert.Equal(t, 0, f.relays[optimismChain].sent())
	assert.Equal(t, 2, f.relays[baseChain].sent())
}

func TestDepositOnDestinationWithoutSafe(t *testing.T) {
	f := newFixture(t)

	run, err := f.orch.DepositOnDestination(context.Background(), f.orch.Begin(models.ActionDepositOnDestination), f.crossChainDeposit(usdc(49)))
	require.NoError(t, err)
	assert.Equal(t, models.StepNeedsDeployment, run.Step)
}

func (f *fixture) giveShares(t *testing.T, shares *big.Int) {
	t.Helper()
	f.baseUSDC.Mint(homeSafe, shares)
	f.baseUSDC.SetAllowance(homeSafe, usdcVault, shares)
	_, err := f.usdcVault.Deposit(homeSafe, shares, homeSafe)
	require.NoError(t, err)
}

func (f *fixture) withdraw(t *testing.T, req models.WithdrawalRequest) (*models.TransactionRun, error) {
	t.Helper()
	return f.orch.Withdraw(context.Background(), f.orch.Begin(models.ActionWithdraw), req)
}

func TestWithdrawByAssetsOverBalanceByTwo(t *testing.T) {
	f := newFixture(t)
	f.giveShares(t, usdc(10))

	run, err := f.withdraw(t, models.WithdrawalRequest{
		Vault:  models.VaultRef{Address: usdcVault, ChainID: baseChain},
		Safe:   f.sameChainSf,
		Chain:  baseChain,
		Assets: new(big.Int).Add(usdc(10), big.NewInt(2)),
	})
	require.Error(t, err)
	assert.Equal(t, failure.KindInsufficientShares, failure.KindOf(err))
	assert.Equal(t, []models.Step{models.StepChecking, models.StepError}, f.sink.steps(run.ID))
	assert.Equal(t, 0, f.relays[baseChain].sent())
}

func TestWithdrawWithinToleranceRedeemsFullBalance(t *testing.T) {
	f := newFixture(t)
	f.giveShares(t, usdc(10))

	run, err := f.withdraw(t, models.WithdrawalRequest{
		Vault:  models.VaultRef{Address: usdcVault, ChainID: baseChain},
		Safe:   f.sameChainSf,
		Chain:  baseChain,
		Assets: new(big.Int).Add(usdc(10), big.NewInt(1)),
	})
	require.NoError(t, err)

	assert.Equal(t, []models.Step{
		models.StepChecking,
		models.StepWithdrawing,
		models.StepWaitingWithdrawal,
		models.StepSuccess,
	}, f.sink.steps(run.ID))
	assert.Equal(t, usdc(10), run.Settlement.Shares)
	assert.Equal(t, usdc(10), run.Settlement.Amount)
	assert.Equal(t, 0, f.usdcVault.Shares(homeSafe).Sign())
	assert.Equal(t, usdc(10), f.baseUSDC.Balance(homeSafe))
}

func TestWithdrawByShares(t *testing.T) {
	f := newFixture(t)
	f.giveShares(t, usdc(10))

	run, err := f.withdraw(t, models.WithdrawalRequest{
		Vault:  models.VaultRef{Address: usdcVault, ChainID: baseChain},
		Safe:   f.sameChainSf,
		Chain:  baseChain,
		Shares: usdc(4),
	})
	require.NoError(t, err)
	assert.Equal(t, usdc(4), run.Settlement.Shares)
	assert.Equal(t, usdc(6), f.usdcVault.Shares(homeSafe))
}

func TestPanicInCollaboratorFailsRunOnce(t *testing.T) {
	f := newFixture(t)
	f.deployDestination(t)
	f.opUSDC.Mint(homeSafe, usdc(100))
	f.bridge.quoteFn = func() { panic("quote service exploded") }

	run, err := f.bridgeRun(t, f.crossChainDeposit(usdc(50)))
	require.Error(t, err)
	assert.Equal(t, failure.KindUnclassified, failure.KindOf(err))
	assert.Equal(t, []models.Step{models.StepChecking, models.StepError}, f.sink.steps(run.ID))
}

func TestInvalidRequestFailsRun(t *testing.T) {
	f := newFixture(t)

	req := f.sameChainDeposit(big.NewInt(0))
	run, err := f.deposit(t, req)
	require.Error(t, err)
	assert.Equal(t, models.StepError, run.Step)
	assert.Equal(t, failure.KindUnclassified, run.Error.Kind)
}

func TestActionMustMatchRun(t *testing.T) {
	f := newFixture(t)
	id := f.orch.Begin(models.ActionWithdraw)

	_, err := f.orch.Deposit(context.Background(), id, f.sameChainDeposit(usdc(1)))
	assert.Error(t, err)

	_, err = f.orch.Deposit(context.Background(), "missing", f.sameChainDeposit(usdc(1)))
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestForgetAndPrune(t *testing.T) {
	f := newFixture(t)
	f.baseUSDC.Mint(homeSafe, usdc(10))

	done, err := f.deposit(t, f.sameChainDeposit(usdc(10)))
	require.NoError(t, err)
	failed, err := f.deposit(t, f.sameChainDeposit(usdc(1000)))
	require.Error(t, err)
	parked := f.orch.Begin(models.ActionBridge)

	assert.Len(t, f.orch.Runs(), 3)

	assert.True(t, f.orch.Forget(done.ID))
	assert.False(t, f.orch.Forget(done.ID))
	_, err = f.orch.Run(done.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)

	now := time.Now().Add(2 * time.Hour)
	f.orch.now = func() time.Time { return now }
	assert.Equal(t, 1, f.orch.Prune(time.Hour))

	_, err = f.orch.Run(failed.ID)
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = f.orch.Run(parked)
	assert.NoError(t, err)
}
