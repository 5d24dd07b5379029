package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EscrowAccount holds a campaign's undisbursed funds. It is only ever mutated
// through the ledger.
type EscrowAccount struct {
	ID                 uuid.UUID
	CampaignID         uuid.UUID
	TotalContributions decimal.Decimal
	TotalReleased      decimal.Decimal
	TotalRefunded      decimal.Decimal
	Balance            decimal.Decimal
	Frozen             bool // set after a failed reconciliation; blocks all mutation
	UpdatedAt          time.Time
}

// ExpectedBalance is the balance implied by the running totals.
func (e EscrowAccount) ExpectedBalance() decimal.Decimal {
	return e.TotalContributions.Sub(e.TotalReleased).Sub(e.TotalRefunded)
}

// EscrowDelta is one atomic change applied to an escrow account.
// Balance moves by Contributed - Released - Refunded.
type EscrowDelta struct {
	Contributed decimal.Decimal
	Released    decimal.Decimal
	Refunded    decimal.Decimal
}

// BalanceChange is the net movement of the balance.
func (d EscrowDelta) BalanceChange() decimal.Decimal {
	return d.Contributed.Sub(d.Released).Sub(d.Refunded)
}

// Apply returns the account after the delta, without checking any invariant.
func (e EscrowAccount) Apply(d EscrowDelta, at time.Time) EscrowAccount {
	e.TotalContributions = e.TotalContributions.Add(d.Contributed)
	e.TotalReleased = e.TotalReleased.Add(d.Released)
	e.TotalRefunded = e.TotalRefunded.Add(d.Refunded)
	e.Balance = e.Balance.Add(d.BalanceChange())
	e.UpdatedAt = at
	return e
}
