package models

import "time"

// SafeRecord is a registered smart-contract wallet on one chain
type SafeRecord struct {
	ID           int64     `db:"id"`
	Owner        string    `db:"owner"`
	ChainID      int64     `db:"chain_id"`
	Address      string    `db:"address"`
	DeployTxHash *string   `db:"deploy_tx_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// RunEventRecord is one row of the append-only run audit log
type RunEventRecord struct {
	ID           int64     `db:"id"`
	RunID        string    `db:"run_id"`
	Action       string    `db:"action"`
	PreviousStep string    `db:"previous_step"`
	NewStep      string    `db:"new_step"`
	TxRef        *string   `db:"tx_ref"`
	ErrorKind    *string   `db:"error_kind"`
	ErrorMessage *string   `db:"error_message"`
	Payload      []byte    `db:"payload"`
	CreatedAt    time.Time `db:"created_at"`
}
