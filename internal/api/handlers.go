package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vaultflow/internal/bridge"
	"vaultflow/internal/failure"
	"vaultflow/internal/models"
	"vaultflow/internal/orchestrator"
	"vaultflow/internal/worker"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Runs is the orchestrator surface the API drives
type Runs interface {
	Begin(action models.Action) string
	Deposit(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error)
	DepositOnDestination(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error)
	Bridge(ctx context.Context, runID string, req models.DepositRequest) (*models.TransactionRun, error)
	Withdraw(ctx context.Context, runID string, req models.WithdrawalRequest) (*models.TransactionRun, error)
	ConfirmDeployment(ctx context.Context, runID string) (*models.TransactionRun, error)
	ObserveArrival(ctx context.Context, runID string) (*models.TransactionRun, error)
	Run(runID string) (*models.TransactionRun, error)
	Forget(runID string) bool
}

// Quoter prices bridge transfers
type Quoter interface {
	Quote(ctx context.Context, req bridge.QuoteRequest) (*models.BridgeQuote, error)
}

// JobQueue runs jobs in the background
type JobQueue interface {
	Submit(job worker.Job) error
}

// EventSource streams a run's events
type EventSource interface {
	Subscribe(runID string) (<-chan models.Event, func())
}

// AuditLog is the persisted record of safes and run transitions
type AuditLog interface {
	RunEvents(ctx context.Context, runID string) ([]models.RunEventRecord, error)
	SafesByOwner(ctx context.Context, owner common.Address) ([]models.SafeRecord, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	runs    Runs
	quotes  Quoter
	jobs    JobQueue
	events  EventSource
	audit   AuditLog
	metrics http.Handler
	logger  *zap.Logger

	upgrader websocket.Upgrader

	// decimals of each run's asset, for formatted amounts
	mu       sync.Mutex
	decimals map[string]uint8
}

// HandlerDeps are the collaborators of a Handler. Runs are driven by Jobs
// under the queue's context, never a request's. Audit is nil without a
// database.
type HandlerDeps struct {
	Runs    Runs
	Quotes  Quoter
	Jobs    JobQueue
	Events  EventSource
	Audit   AuditLog
	Metrics http.Handler
}

// NewHandler creates a new API handler
func NewHandler(deps HandlerDeps, logger *zap.Logger) *Handler {
	return &Handler{
		runs:     deps.Runs,
		quotes:   deps.Quotes,
		jobs:     deps.Jobs,
		events:   deps.Events,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		decimals: make(map[string]uint8),
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: "1.0.0"})
}

// HandleMetrics serves prometheus metrics
func (h *Handler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		respondError(w, http.StatusNotFound, "Metrics are disabled", nil)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// ==================== Runs ====================

// HandleDeposit handles POST /api/v1/deposits
func (h *Handler) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	h.acceptDeposit(w, r, models.ActionDeposit, h.runs.Deposit)
}

// HandleDepositOnDestination handles POST /api/v1/deposits/destination
func (h *Handler) HandleDepositOnDestination(w http.ResponseWriter, r *http.Request) {
	h.acceptDeposit(w, r, models.ActionDepositOnDestination, h.runs.DepositOnDestination)
}

// HandleBridge handles POST /api/v1/bridges
func (h *Handler) HandleBridge(w http.ResponseWriter, r *http.Request) {
	h.acceptDeposit(w, r, models.ActionBridge, h.runs.Bridge)
}

type depositFunc func(context.Context, string, models.DepositRequest) (*models.TransactionRun, error)

func (h *Handler) acceptDeposit(w http.ResponseWriter, r *http.Request, action models.Action, drive depositFunc) {
	var body DepositBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid deposit request", err)
		return
	}
	if action == models.ActionBridge && !req.CrossChain() {
		respondError(w, http.StatusBadRequest, "Invalid bridge request",
			fmt.Errorf("source and destination chain are both %d", req.SourceChain))
		return
	}

	h.start(w, action, body.Decimals, func(ctx context.Context, runID string) error {
		_, err := drive(ctx, runID, req)
		return err
	})
}

// HandleWithdraw handles POST /api/v1/withdrawals
func (h *Handler) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body WithdrawalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req, err := body.toRequest()
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid withdrawal request", err)
		return
	}

	h.start(w, models.ActionWithdraw, body.Decimals, func(ctx context.Context, runID string) error {
		_, err := h.runs.Withdraw(ctx, runID, req)
		return err
	})
}

// start registers a run and queues its driver
func (h *Handler) start(w http.ResponseWriter, action models.Action, decimals uint8, drive func(context.Context, string) error) {
	runID := h.runs.Begin(action)
	h.mu.Lock()
	h.sweepDecimals()
	h.decimals[runID] = decimals
	h.mu.Unlock()

	if !h.submit(w, runID, string(action), drive) {
		h.forget(runID)
		return
	}

	h.logger.Info("Run accepted", zap.String("run_id", runID), zap.String("action", string(action)))
	respondJSON(w, http.StatusAccepted, AcceptedResponse{RunID: runID, Action: action, Step: models.StepIdle})
}

func (h *Handler) submit(w http.ResponseWriter, runID, name string, drive func(context.Context, string) error) bool {
	err := h.jobs.Submit(worker.Job{
		RunID: runID,
		Name:  name,
		Run:   func(ctx context.Context) error { return drive(ctx, runID) },
	})
	if err != nil {
		h.logger.Warn("Rejected run", zap.String("run_id", runID), zap.String("job", name), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "Too many runs in progress", err)
		return false
	}
	return true
}

// HandleConfirmDeployment handles POST /api/v1/runs/{runId}/deployment
func (h *Handler) HandleConfirmDeployment(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, models.StepNeedsDeployment, "deployment", func(ctx context.Context, runID string) error {
		_, err := h.runs.ConfirmDeployment(ctx, runID)
		return err
	})
}

// HandleObserveArrival handles POST /api/v1/runs/{runId}/arrival
func (h *Handler) HandleObserveArrival(w http.ResponseWriter, r *http.Request) {
	h.resume(w, r, models.StepWaitingArrival, "arrival", func(ctx context.Context, runID string) error {
		_, err := h.runs.ObserveArrival(ctx, runID)
		return err
	})
}

// resume queues a follow-up on a run resting in step
func (h *Handler) resume(w http.ResponseWriter, r *http.Request, step models.Step, name string, drive func(context.Context, string) error) {
	runID := mux.Vars(r)["runId"]
	run, ok := h.lookup(w, runID)
	if !ok {
		return
	}
	if run.Step != step {
		respondError(w, http.StatusConflict, "Run is not waiting for this action",
			fmt.Errorf("run %s is in %s, not %s", runID, run.Step, step))
		return
	}
	if !h.submit(w, runID, name, drive) {
		return
	}
	respondJSON(w, http.StatusAccepted, AcceptedResponse{RunID: runID, Action: run.Action, Step: run.Step})
}

// HandleGetRun handles GET /api/v1/runs/{runId}. A run observed in a
// terminal step is forgotten after this response.
func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	run, ok := h.lookup(w, runID)
	if !ok {
		return
	}

	respondJSON(w, http.StatusOK, RunResponse{TransactionRun: run, Formatted: formatRun(run, h.decimalsOf(runID))})

	if run.Step.Terminal() {
		h.forget(runID)
		h.logger.Debug("Forgot observed run", zap.String("run_id", runID), zap.String("step", string(run.Step)))
	}
}

// HandleRunEvents handles GET /api/v1/runs/{runId}/events. The stream opens
// with a snapshot and carries every later transition until a terminal one.
func (h *Handler) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	events, cancel := h.events.Subscribe(runID)
	defer cancel()

	run, ok := h.lookup(w, runID)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	if err := h.write(conn, StreamMessage{Type: "snapshot", Run: run}); err != nil {
		return
	}
	if run.Step.Terminal() {
		h.closeStream(conn)
		return
	}

	// the read side only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case event, open := <-events:
			if !open {
				h.closeStream(conn)
				return
			}
			if err := h.write(conn, StreamMessage{Type: "event", Event: &event}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg StreamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("Websocket write failed", zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// HandleRunHistory handles GET /api/v1/runs/{runId}/history, the persisted
// transitions of a run. It outlives the in-memory registry.
func (h *Handler) HandleRunHistory(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusNotFound, "Run history is disabled", nil)
		return
	}
	runID := mux.Vars(r)["runId"]

	records, err := h.audit.RunEvents(r.Context(), runID)
	if err != nil {
		h.logger.Error("Failed to read run history", zap.String("run_id", runID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read run history", err)
		return
	}
	if len(records) == 0 {
		if _, err := h.runs.Run(runID); errors.Is(err, orchestrator.ErrRunNotFound) {
			respondError(w, http.StatusNotFound, "Run not found", nil)
			return
		}
	}

	history := make([]HistoryEntry, 0, len(records))
	for _, rec := range records {
		history = append(history, newHistoryEntry(rec))
	}
	respondJSON(w, http.StatusOK, history)
}

// ==================== Safes ====================

// HandleListSafes handles GET /api/v1/safes/{owner}
func (h *Handler) HandleListSafes(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusNotFound, "Safe registry is in memory only", nil)
		return
	}
	owner, err := parseAddress("owner", mux.Vars(r)["owner"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid owner", err)
		return
	}

	records, err := h.audit.SafesByOwner(r.Context(), owner)
	if err != nil {
		h.logger.Error("Failed to list safes", zap.String("owner", owner.Hex()), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list safes", err)
		return
	}

	safes := make([]SafeResponse, 0, len(records))
	for _, rec := range records {
		safes = append(safes, newSafeResponse(rec))
	}
	respondJSON(w, http.StatusOK, safes)
}

// ==================== Quotes ====================

// HandleQuote handles POST /api/v1/bridges/quote
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var body QuoteBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount("amount", body.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid quote request", err)
		return
	}
	vault, err := parseAddress("vault", body.Vault)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid quote request", err)
		return
	}
	if body.SourceChain == 0 || body.DestinationChain == 0 || body.SourceChain == body.DestinationChain {
		respondError(w, http.StatusBadRequest, "Invalid quote request",
			fmt.Errorf("source and destination must be two different chains"))
		return
	}

	quote, err := h.quotes.Quote(r.Context(), bridge.QuoteRequest{
		Amount:      amount,
		SourceChain: body.SourceChain,
		DestChain:   body.DestinationChain,
		Vault:       vault,
	})
	if err != nil {
		h.logger.Error("Failed to quote bridge transfer",
			zap.Uint64("source_chain", body.SourceChain),
			zap.Uint64("dest_chain", body.DestinationChain),
			zap.Error(err))
		respondError(w, http.StatusBadGateway, "Failed to quote bridge transfer", err)
		return
	}

	respondJSON(w, http.StatusOK, newQuoteResponse(quote, body.Decimals))
}

// ==================== Helper Functions ====================

func (h *Handler) lookup(w http.ResponseWriter, runID string) (*models.TransactionRun, bool) {
	run, err := h.runs.Run(runID)
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		h.mu.Lock()
		delete(h.decimals, runID)
		h.mu.Unlock()
		respondError(w, http.StatusNotFound, "Run not found", nil)
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get run", err)
		return nil, false
	}
	return run, true
}

func (h *Handler) forget(runID string) {
	h.runs.Forget(runID)
	h.mu.Lock()
	delete(h.decimals, runID)
	h.mu.Unlock()
}

// sweepDecimals drops entries of runs the registry no longer holds.
// Callers hold h.mu.
func (h *Handler) sweepDecimals() {
	for runID := range h.decimals {
		if _, err := h.runs.Run(runID); errors.Is(err, orchestrator.ErrRunNotFound) {
			delete(h.decimals, runID)
		}
	}
}

func (h *Handler) decimalsOf(runID string) uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.decimals[runID]
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := ErrorResponse{Error: message, Message: message}
	if err != nil {
		response.Message = fmt.Sprintf("%s: %v", message, err)
		var fe *failure.Error
		if errors.As(err, &fe) {
			response.Kind = string(fe.Kind)
		}
	}
	respondJSON(w, statusCode, response)
}
