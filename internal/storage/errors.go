package storage

import "errors"

// Sentinel errors shared by the memory and postgres stores. The workflow
// translates them into apperr kinds.
var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInsufficientBalance = errors.New("insufficient escrow balance")
	ErrEscrowFrozen        = errors.New("escrow account frozen")
)
