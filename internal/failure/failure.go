// Package failure holds the flat error taxonomy shared by every step of a
// transaction run. Collaborators return *Error values; the orchestrator maps
// anything else to KindUnclassified.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the classification of a run failure
type Kind string

const (
	KindInsufficientBalance  Kind = "InsufficientBalance"
	KindInsufficientShares   Kind = "InsufficientShares"
	KindApprovalNotReflected Kind = "ApprovalNotReflected"
	KindSendFailed           Kind = "SendFailed"
	KindVaultUnavailable     Kind = "VaultUnavailable"
	KindVaultAssetMismatch   Kind = "VaultAssetMismatch"
	KindDepositLimitExceeded Kind = "DepositLimitExceeded"
	KindBridgeTimeout        Kind = "BridgeTimeout"
	KindDeploymentTimeout    Kind = "DeploymentTimeout"
	KindConfirmationTimeout  Kind = "ConfirmationTimeout"
	KindTransactionFailed    Kind = "TransactionFailed"
	KindUserRejected         Kind = "UserRejected"
	KindUnclassified         Kind = "Unclassified"
)

type traits struct {
	retryable      bool
	unknownOutcome bool
	message        string
}

var kinds = map[Kind]traits{
	KindInsufficientBalance: {
		message: "Your balance is lower than the requested amount. Lower the amount and try again.",
	},
	KindInsufficientShares: {
		message: "You hold fewer vault shares than this withdrawal needs. Lower the amount and try again.",
	},
	KindApprovalNotReflected: {
		retryable: true,
		message:   "The token approval has not shown up on chain yet. Please try again.",
	},
	KindSendFailed: {
		retryable: true,
		message:   "The transaction could not be submitted. Please try again.",
	},
	KindVaultUnavailable: {
		message: "The vault is not accepting this operation right now (it may be paused or at capacity).",
	},
	KindVaultAssetMismatch: {
		message: "This vault does not accept the selected asset.",
	},
	KindDepositLimitExceeded: {
		message: "The amount is above the vault's current deposit limit.",
	},
	KindBridgeTimeout: {
		unknownOutcome: true,
		message:        "The bridge transfer is taking longer than expected. Check the block explorer for its status before retrying.",
	},
	KindDeploymentTimeout: {
		unknownOutcome: true,
		message:        "The wallet deployment is taking longer than expected. Check the block explorer before retrying.",
	},
	KindConfirmationTimeout: {
		unknownOutcome: true,
		message:        "The transaction was submitted but not confirmed in time. Check the block explorer before retrying.",
	},
	KindTransactionFailed: {
		retryable: true,
		message:   "The transaction was included on chain but failed. Please try again.",
	},
	KindUserRejected: {
		message: "The request was declined by the signer.",
	},
	KindUnclassified: {
		message: "Something went wrong. Please try again later.",
	},
}

// Error is a classified failure
type Error struct {
	Kind           Kind   `json:"kind"`
	Message        string `json:"message"`
	Retryable      bool   `json:"retryable"`
	UnknownOutcome bool   `json:"unknown_outcome"`
	Err            error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, failure.New(KindX, nil)) works
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

// New wraps err with kind k and the kind's user-facing message
func New(k Kind, err error) *Error {
	t, ok := kinds[k]
	if !ok {
		k = KindUnclassified
		t = kinds[k]
	}
	return &Error{
		Kind:           k,
		Message:        t.message,
		Retryable:      t.retryable,
		UnknownOutcome: t.unknownOutcome,
		Err:            err,
	}
}

// Newf is New with a formatted cause
func Newf(k Kind, format string, args ...any) *Error {
	return New(k, fmt.Errorf(format, args...))
}

// Classify returns err as a *Error, mapping anything unrecognised to KindUnclassified
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return New(KindUnclassified, fmt.Errorf("observation abandoned: %w", err))
	}
	return New(KindUnclassified, err)
}

// KindOf returns the classification of err
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return Classify(err).Kind
}

// Message returns the user-facing message for a kind
func Message(k Kind) string {
	if t, ok := kinds[k]; ok {
		return t.message
	}
	return kinds[KindUnclassified].message
}

// ErrUserRejected is returned by signers that were declined
var ErrUserRejected = New(KindUserRejected, errors.New("signature request rejected"))
