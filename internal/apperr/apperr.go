// Package apperr defines the error taxonomy returned by the escrow engine.
//
// Every failure the engine surfaces to collaborators is an *Error carrying a
// Kind (what class of failure), a Code (which failure) and optional metadata.
// Callers branch on Kind to pick a transport status and on Code for detail.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindValidation is bad input rejected before any mutation.
	KindValidation Kind = "validation"
	// KindState is an operation that is illegal in the current state.
	KindState Kind = "state"
	// KindIntegrity covers money and authenticity checks: balance, signatures, tokens.
	KindIntegrity Kind = "integrity"
	// KindReconciliation means ledger and escrow balance diverged. Fatal.
	KindReconciliation Kind = "reconciliation"
	// KindInternal wraps infrastructure failures.
	KindInternal Kind = "internal"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeInvalidInput Code = "INVALID_INPUT"
	CodeNotFound     Code = "NOT_FOUND"

	CodeInvalidCampaignTransition  Code = "INVALID_CAMPAIGN_TRANSITION"
	CodeInvalidMilestoneTransition Code = "INVALID_MILESTONE_TRANSITION"
	CodeCampaignNotAccepting       Code = "CAMPAIGN_NOT_ACCEPTING"
	CodeRevisionLimitExceeded      Code = "REVISION_LIMIT_EXCEEDED"
	CodeVotingClosed               Code = "VOTING_CLOSED"
	CodeDuplicateVote              Code = "DUPLICATE_VOTE"
	CodeDuplicateRelease           Code = "DUPLICATE_RELEASE"
	CodeNotTallied                 Code = "NOT_TALLIED"

	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeMissingVoteToken    Code = "MISSING_VOTE_TOKEN"
	CodeMissingPublicKey    Code = "MISSING_PUBLIC_KEY"
	CodeNonceReplayed       Code = "NONCE_REPLAYED"

	CodeLedgerMismatch Code = "LEDGER_MISMATCH"
	CodeEscrowFrozen   Code = "ESCROW_FROZEN"

	CodeInternal Code = "INTERNAL"
)

// Error is the engine's typed error.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// With attaches a metadata key/value and returns the same error.
func (e *Error) With(key, value string) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Wrap attaches a cause.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

func newError(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code Code, format string, args ...any) *Error {
	return newError(KindValidation, code, format, args...)
}

func State(code Code, format string, args ...any) *Error {
	return newError(KindState, code, format, args...)
}

func Integrity(code Code, format string, args ...any) *Error {
	return newError(KindIntegrity, code, format, args...)
}

func Reconciliation(code Code, format string, args ...any) *Error {
	return newError(KindReconciliation, code, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return newError(KindInternal, CodeInternal, format, args...).Wrap(err)
}

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return Validation(CodeNotFound, "%s not found", entity).With(entity+"_id", id)
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsCode(err error, code Code) bool { return err != nil && CodeOf(err) == code }
