package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"vaultflow/internal/models"
)

// ==================== Safe Queries ====================

// LookupSafe returns the safe registered for owner on chainID
func (db *DB) LookupSafe(ctx context.Context, owner common.Address, chainID uint64) (common.Address, bool, error) {
	var record models.SafeRecord
	query := `
		SELECT id, owner, chain_id, address, deploy_tx_hash, created_at
		FROM safes
		WHERE owner = $1 AND chain_id = $2
	`
	err := db.GetContext(ctx, &record, query, addressKey(owner), int64(chainID))
	if err == sql.ErrNoRows {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to look up safe: %w", err)
	}
	return common.HexToAddress(record.Address), true, nil
}

// ErrSafeConflict is returned when an owner already has a different safe
// registered on a chain
var ErrSafeConflict = errors.New("owner already has a different safe on this chain")

// RegisterSafe records safe for owner on chainID. Registering the same
// address again is a no-op; a different address is ErrSafeConflict.
// Concurrent registrations race on the (owner, chain_id) unique key, so the
// insert never fails on a duplicate and the stored row decides.
func (db *DB) RegisterSafe(ctx context.Context, owner common.Address, chainID uint64, safe common.Address, deployTx *common.Hash) error {
	var txHash *string
	if deployTx != nil {
		txHash = optional(deployTx.Hex())
	}

	return db.InTransaction(func(tx *sqlx.Tx) error {
		insert := `
			INSERT INTO safes (owner, chain_id, address, deploy_tx_hash)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner, chain_id) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, insert, addressKey(owner), int64(chainID), addressKey(safe), txHash); err != nil {
			return fmt.Errorf("failed to insert safe: %w", err)
		}

		var stored string
		err := tx.GetContext(ctx, &stored,
			`SELECT address FROM safes WHERE owner = $1 AND chain_id = $2`,
			addressKey(owner), int64(chainID))
		if err != nil {
			return fmt.Errorf("failed to read safe: %w", err)
		}
		return sameSafe(owner, chainID, safe, stored)
	})
}

// sameSafe checks the stored address of a registration against safe
func sameSafe(owner common.Address, chainID uint64, safe common.Address, stored string) error {
	if strings.EqualFold(stored, addressKey(safe)) {
		return nil
	}
	return fmt.Errorf("%w: owner %s has %s on chain %d, not %s", ErrSafeConflict, owner.Hex(), stored, chainID, safe.Hex())
}

// SafesByOwner lists every registered safe of owner
func (db *DB) SafesByOwner(ctx context.Context, owner common.Address) ([]models.SafeRecord, error) {
	var records []models.SafeRecord
	query := `
		SELECT id, owner, chain_id, address, deploy_tx_hash, created_at
		FROM safes
		WHERE owner = $1
		ORDER BY chain_id
	`
	err := db.SelectContext(ctx, &records, query, addressKey(owner))
	return records, err
}

// ==================== Run Event Queries ====================

// AppendRunEvent inserts one row of the run audit log
func (db *DB) AppendRunEvent(ctx context.Context, record *models.RunEventRecord) error {
	query := `
		INSERT INTO run_events (
			run_id, action, previous_step, new_step, tx_ref,
			error_kind, error_message, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	return db.QueryRowContext(
		ctx, query,
		record.RunID,
		record.Action,
		record.PreviousStep,
		record.NewStep,
		record.TxRef,
		record.ErrorKind,
		record.ErrorMessage,
		record.Payload,
	).Scan(&record.ID, &record.CreatedAt)
}

// RunEvents returns the audit log of runID in insertion order
func (db *DB) RunEvents(ctx context.Context, runID string) ([]models.RunEventRecord, error) {
	var records []models.RunEventRecord
	query := `
		SELECT id, run_id, action, previous_step, new_step, tx_ref,
		       error_kind, error_message, payload, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id
	`
	err := db.SelectContext(ctx, &records, query, runID)
	return records, err
}

// EventLog is an orchestrator event sink that appends every transition to
// the run_events table
type EventLog struct {
	db      *DB
	timeout time.Duration
	logger  *zap.Logger
}

// NewEventLog creates an event log on db
func NewEventLog(db *DB, logger *zap.Logger) *EventLog {
	return &EventLog{db: db, timeout: 5 * time.Second, logger: logger.Named("event-log")}
}

// Publish implements orchestrator.EventSink. Write failures are logged.
func (l *EventLog) Publish(event models.Event) {
	record, err := NewRunEventRecord(event)
	if err != nil {
		l.logger.Error("Failed to encode run event", zap.String("run_id", event.RunID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.db.AppendRunEvent(ctx, record); err != nil {
		l.logger.Warn("Failed to append run event",
			zap.String("run_id", event.RunID),
			zap.String("step", string(event.NewStep)),
			zap.Error(err))
	}
}

// NewRunEventRecord flattens an event into its audit log row
func NewRunEventRecord(event models.Event) (*models.RunEventRecord, error) {
	record := &models.RunEventRecord{
		RunID:        event.RunID,
		Action:       string(event.Action),
		PreviousStep: string(event.PreviousStep),
		NewStep:      string(event.NewStep),
	}

	if event.TxRef != nil {
		ref := event.TxRef.ID
		if event.TxRef.TxHash != (common.Hash{}) {
			ref = event.TxRef.TxHash.Hex()
		}
		record.TxRef = optional(ref)
	}
	if event.Error != nil {
		record.ErrorKind = optional(string(event.Error.Kind))
		record.ErrorMessage = optional(event.Error.Error())
	}

	var detail any
	switch {
	case event.Settlement != nil:
		detail = event.Settlement
	case event.Payload != nil:
		detail = event.Payload
	}
	if detail != nil {
		payload, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		record.Payload = payload
	}
	return record, nil
}

// addresses are stored lower-case so lookups ignore checksum casing
func addressKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}
