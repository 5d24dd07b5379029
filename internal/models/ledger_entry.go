package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType says which money movement produced a ledger entry.
type EntryType string

const (
	EntryContribution EntryType = "contribution"
	EntryDisbursement EntryType = "disbursement"
	EntryRefund       EntryType = "refund"
)

// IsValid reports whether t is a known entry type.
func (t EntryType) IsValid() bool {
	switch t {
	case EntryContribution, EntryDisbursement, EntryRefund:
		return true
	}
	return false
}

// Credits reports whether entries of this type increase the escrow balance.
func (t EntryType) Credits() bool { return t == EntryContribution }

// LedgerEntry is one immutable record in an escrow account's log.
// The signed sum of an account's entries equals its balance.
type LedgerEntry struct {
	ID            uuid.UUID       // unique identifier
	EscrowID      uuid.UUID       // owning escrow account
	CampaignID    uuid.UUID       // campaign the escrow belongs to
	Type          EntryType       // contribution, disbursement or refund
	Amount        decimal.Decimal // signed: positive credits, negative debits
	ReferenceID   uuid.UUID       // contribution, fund release or refund event id
	ReferenceCode string          // external payment ref or generated REL-/REF- code
	CreatedAt     time.Time
}
