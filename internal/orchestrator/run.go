package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vaultflow/internal/models"
)

var (
	// ErrRunNotFound is returned for unknown or forgotten run ids
	ErrRunNotFound = errors.New("run not found")
	// ErrRunBusy is returned when another caller is driving the run
	ErrRunBusy = errors.New("run is being driven by another caller")
	// ErrWrongStep is returned when the run is not in a step the action starts from
	ErrWrongStep = errors.New("run is not in the required step")
	// ErrObservationAbandoned is returned when the caller's context ends while
	// a run rests in waiting-arrival or needs-deployment; the run is unchanged
	ErrObservationAbandoned = errors.New("observation abandoned")
)

// transitions lists the legal successors of each step. Every non-terminal
// step may also move to error.
var transitions = map[models.Step][]models.Step{
	models.StepIdle:              {models.StepChecking},
	models.StepChecking:          {models.StepApproving, models.StepDepositing, models.StepBridging, models.StepNeedsDeployment, models.StepWithdrawing},
	models.StepApproving:         {models.StepWaitingApproval},
	models.StepWaitingApproval:   {models.StepDepositing},
	models.StepDepositing:        {models.StepWaitingDeposit},
	models.StepWaitingDeposit:    {models.StepIndexing, models.StepSuccess},
	models.StepIndexing:          {models.StepSuccess},
	models.StepWithdrawing:       {models.StepWaitingWithdrawal},
	models.StepWaitingWithdrawal: {models.StepSuccess},
	models.StepBridging:          {models.StepWaitingBridge},
	models.StepWaitingBridge:     {models.StepWaitingArrival},
	models.StepWaitingArrival:    {models.StepSuccess},
	models.StepNeedsDeployment:   {models.StepDeploying},
	models.StepDeploying:         {models.StepWaitingDeployment},
	models.StepWaitingDeployment: {models.StepIdle},
}

func allowed(from, to models.Step) bool {
	if from.Terminal() {
		return false
	}
	if to == models.StepError {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// run is the orchestrator-owned mutable record. Only the caller holding
// busy mutates state; mu guards reads from observers.
type run struct {
	mu             sync.Mutex
	state          models.TransactionRun
	busy           bool
	depositEntered bool
	finished       bool // returned to idle after a deployment
}

func (r *run) snapshot() *models.TransactionRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.state
	return &s
}

// registry holds the live runs
type registry struct {
	mu   sync.RWMutex
	runs map[string]*run
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*run)}
}

func (g *registry) add(action models.Action, now time.Time) *run {
	r := &run{state: models.TransactionRun{
		ID:        uuid.NewString(),
		Action:    action,
		Step:      models.StepIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	g.mu.Lock()
	g.runs[r.state.ID] = r
	g.mu.Unlock()
	return r
}

func (g *registry) get(id string) (*run, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runs[id]
	return r, ok
}

func (g *registry) remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.runs[id]
	delete(g.runs, id)
	return ok
}

func (g *registry) all() []*run {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*run, 0, len(g.runs))
	for _, r := range g.runs {
		out = append(out, r)
	}
	return out
}

// acquire marks the run busy for one caller. action, when set, must match
// the run's action; the run must be in one of steps.
func (g *registry) acquire(id string, action models.Action, steps ...models.Step) (*run, error) {
	r, ok := g.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.busy {
		return nil, fmt.Errorf("%w: %s", ErrRunBusy, id)
	}
	if action != "" && r.state.Action != action {
		return nil, fmt.Errorf("run %s is a %s run, not %s", id, r.state.Action, action)
	}
	if r.finished || !containsStep(steps, r.state.Step) {
		return nil, fmt.Errorf("%w: run %s is in %s", ErrWrongStep, id, r.state.Step)
	}
	r.busy = true
	return r, nil
}

func (g *registry) release(r *run) {
	r.mu.Lock()
	r.busy = false
	r.mu.Unlock()
}

func containsStep(steps []models.Step, s models.Step) bool {
	for _, x := range steps {
		if x == s {
			return true
		}
	}
	return false
}

// Run returns a snapshot of the run
func (o *Orchestrator) Run(id string) (*models.TransactionRun, error) {
	r, ok := o.runs.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r.snapshot(), nil
}

// Runs returns snapshots of every live run, oldest first
func (o *Orchestrator) Runs() []*models.TransactionRun {
	runs := o.runs.all()
	out := make([]*models.TransactionRun, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RunsIn returns the ids of runs currently in step
func (o *Orchestrator) RunsIn(step models.Step) []string {
	var ids []string
	for _, r := range o.runs.all() {
		r.mu.Lock()
		if r.state.Step == step && !r.finished {
			ids = append(ids, r.state.ID)
		}
		r.mu.Unlock()
	}
	return ids
}

// Forget discards a run once its caller has observed the outcome
func (o *Orchestrator) Forget(id string) bool {
	return o.runs.remove(id)
}

// Prune forgets finished runs not updated for olderThan. Runs parked in
// waiting-arrival or needs-deployment are kept.
func (o *Orchestrator) Prune(olderThan time.Duration) int {
	cutoff := o.now().Add(-olderThan)
	pruned := 0
	for _, r := range o.runs.all() {
		r.mu.Lock()
		done := !r.busy && (r.state.Step.Terminal() || r.finished) && r.state.UpdatedAt.Before(cutoff)
		id := r.state.ID
		r.mu.Unlock()
		if done && o.runs.remove(id) {
			pruned++
		}
	}
	return pruned
}
