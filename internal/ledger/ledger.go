package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

// CentPlaces is the precision every ledger amount is held at.
const CentPlaces = 2

// Ledger is the only writer of escrow balances. Each posting applies one
// atomic escrow delta, appends one signed entry and then checks that the
// entries still sum to the balance.
type Ledger struct {
	newID func() uuid.UUID
}

// NewLedger creates a Ledger that names entries with random UUIDs.
func NewLedger() *Ledger {
	return &Ledger{newID: uuid.New}
}

// posting is one money movement before it hits the store.
type posting struct {
	campaignID uuid.UUID
	entryType  models.EntryType
	amount     decimal.Decimal // unsigned
	refID      uuid.UUID
	refCode    string
	at         time.Time
}

// Credit records a confirmed contribution into escrow.
func (l *Ledger) Credit(ctx context.Context, tx interfaces.Tx, c models.Contribution, refCode string) (models.EscrowAccount, error) {
	if refCode == "" {
		refCode = c.ExternalRef
	}
	if refCode == "" {
		refCode = GenerateCode("SIM")
	}
	return l.post(ctx, tx, posting{
		campaignID: c.CampaignID,
		entryType:  models.EntryContribution,
		amount:     c.Amount,
		refID:      c.ID,
		refCode:    refCode,
		at:         c.CreatedAt,
	})
}

// Disburse moves a milestone release out of escrow.
func (l *Ledger) Disburse(ctx context.Context, tx interfaces.Tx, r models.FundRelease, refCode string) (models.EscrowAccount, error) {
	return l.post(ctx, tx, posting{
		campaignID: r.CampaignID,
		entryType:  models.EntryDisbursement,
		amount:     r.Amount,
		refID:      r.ID,
		refCode:    refCode,
		at:         r.ReleasedAt,
	})
}

// Refund moves a contributor's refund out of escrow.
func (l *Ledger) Refund(ctx context.Context, tx interfaces.Tx, r models.RefundEvent) (models.EscrowAccount, error) {
	return l.post(ctx, tx, posting{
		campaignID: r.CampaignID,
		entryType:  models.EntryRefund,
		amount:     r.Amount,
		refID:      r.ID,
		refCode:    GenerateCode("REF"),
		at:         r.CreatedAt,
	})
}

func (l *Ledger) post(ctx context.Context, tx interfaces.Tx, p posting) (models.EscrowAccount, error) {
	// Basic validation: amounts are positive and already whole cents
	if !p.amount.IsPositive() {
		return models.EscrowAccount{}, apperr.Validation(apperr.CodeInvalidInput, "amount must be positive").
			With("amount", p.amount.String())
	}
	if !p.amount.Equal(p.amount.Round(CentPlaces)) {
		return models.EscrowAccount{}, apperr.Validation(apperr.CodeInvalidInput, "amount has sub-cent precision").
			With("amount", p.amount.String())
	}

	var delta models.EscrowDelta
	signed := p.amount
	switch p.entryType {
	case models.EntryContribution:
		delta.Contributed = p.amount
	case models.EntryDisbursement:
		delta.Released = p.amount
		signed = p.amount.Neg()
	case models.EntryRefund:
		delta.Refunded = p.amount
		signed = p.amount.Neg()
	default:
		return models.EscrowAccount{}, fmt.Errorf("unknown entry type %q", p.entryType)
	}

	escrow, err := tx.ApplyEscrowDelta(ctx, p.campaignID, delta, p.at)
	if err != nil {
		return models.EscrowAccount{}, translateEscrowErr(ctx, tx, p, err)
	}

	entry := models.LedgerEntry{
		ID:            l.newID(),
		EscrowID:      escrow.ID,
		CampaignID:    p.campaignID,
		Type:          p.entryType,
		Amount:        signed,
		ReferenceID:   p.refID,
		ReferenceCode: p.refCode,
		CreatedAt:     p.at,
	}
	if err := tx.SaveEntry(ctx, entry); err != nil {
		return models.EscrowAccount{}, fmt.Errorf("save %s entry: %w", p.entryType, err)
	}

	if err := verify(ctx, tx, escrow); err != nil {
		return models.EscrowAccount{}, err
	}
	return escrow, nil
}

func translateEscrowErr(ctx context.Context, tx interfaces.Tx, p posting, err error) error {
	switch {
	case errors.Is(err, storage.ErrInsufficientBalance):
		e := apperr.Integrity(apperr.CodeInsufficientBalance, "escrow balance cannot cover %s %s", p.entryType, p.amount.StringFixed(CentPlaces)).
			With("campaign_id", p.campaignID.String()).
			With("required", p.amount.StringFixed(CentPlaces))
		if current, getErr := tx.GetEscrow(ctx, p.campaignID); getErr == nil {
			e.With("available", current.Balance.StringFixed(CentPlaces))
		}
		return e
	case errors.Is(err, storage.ErrEscrowFrozen):
		return apperr.Reconciliation(apperr.CodeEscrowFrozen, "escrow account is frozen after a failed reconciliation").
			With("campaign_id", p.campaignID.String())
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound("escrow", p.campaignID.String())
	}
	return fmt.Errorf("apply escrow delta: %w", err)
}

// verify checks the reconciliation property against the store.
func verify(ctx context.Context, tx interfaces.Tx, escrow models.EscrowAccount) error {
	sum, err := tx.SumEntries(ctx, escrow.ID)
	if err != nil {
		return fmt.Errorf("sum ledger entries: %w", err)
	}
	if !sum.Equal(escrow.Balance) || !escrow.Balance.Equal(escrow.ExpectedBalance()) || escrow.Balance.IsNegative() {
		return apperr.Reconciliation(apperr.CodeLedgerMismatch, "ledger sum %s does not match escrow balance %s",
			sum.StringFixed(CentPlaces), escrow.Balance.StringFixed(CentPlaces)).
			With("campaign_id", escrow.CampaignID.String()).
			With("escrow_id", escrow.ID.String())
	}
	return nil
}

// Reconcile re-checks an escrow account without writing anything.
func (l *Ledger) Reconcile(ctx context.Context, tx interfaces.Tx, campaignID uuid.UUID) (models.EscrowAccount, error) {
	escrow, err := tx.GetEscrow(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.EscrowAccount{}, apperr.NotFound("escrow", campaignID.String())
		}
		return models.EscrowAccount{}, err
	}
	return escrow, verify(ctx, tx, escrow)
}

// GetBalance returns the balance implied by the entries themselves.
func (l *Ledger) GetBalance(ctx context.Context, tx interfaces.Tx, campaignID uuid.UUID) (decimal.Decimal, error) {
	escrow, err := tx.GetEscrow(ctx, campaignID)
	if err != nil {
		return decimal.Zero, err
	}
	return tx.SumEntries(ctx, escrow.ID)
}

func (l *Ledger) GetLedgerEntries(ctx context.Context, tx interfaces.Tx, campaignID uuid.UUID) ([]models.LedgerEntry, error) {
	escrow, err := tx.GetEscrow(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return tx.GetEntriesByEscrow(ctx, escrow.ID)
}

// GenerateCode builds a short human-readable reference such as REF-1A2B3C4D.
func GenerateCode(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + strings.ToUpper(hex[:8])
}
