package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/ledger"
	"github.com/sheikh-saqib/milestone-escrow/internal/lifecycle"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

// Refund reasons recorded on every RefundEvent.
const (
	RefundReasonMilestoneRejected = "milestone rejected"
	RefundReasonDeadlineMissed    = "funding deadline missed"
)

// ReleaseReceipt is the result of ReleaseMilestoneFunds.
type ReleaseReceipt struct {
	Release           models.FundRelease
	NewBalance        decimal.Decimal
	CampaignCompleted bool
	NextMilestone     *models.Milestone // activated by this release, if any
}

func duplicateRelease(milestoneID uuid.UUID) error {
	return apperr.State(apperr.CodeDuplicateRelease, "milestone funds were already released").
		With("milestone_id", milestoneID.String())
}

// ReleaseMilestoneFunds pays an approved milestone out of escrow, then either
// completes the campaign or activates the next milestone.
func (e *Engine) ReleaseMilestoneFunds(ctx context.Context, milestoneID uuid.UUID) (ReleaseReceipt, error) {
	var out ReleaseReceipt
	err := e.run(ctx, "release_funds", func(ctx context.Context, tx interfaces.Tx) error {
		c, m, err := lockMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		_, err = tx.GetFundRelease(ctx, m.ID)
		if err == nil {
			return duplicateRelease(m.ID)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load fund release: %w", err)
		}
		if m.Status != models.MilestoneApproved {
			return apperr.State(apperr.CodeInvalidMilestoneTransition, "milestone is %s, not approved", m.Status).
				With("milestone_id", m.ID.String())
		}
		if err := requireInPhases(c, apperr.CodeInvalidCampaignTransition); err != nil {
			return err
		}

		now := e.now()
		release := models.FundRelease{
			ID:          e.newID(),
			CampaignID:  c.ID,
			MilestoneID: m.ID,
			Amount:      m.ReleaseAmount,
			ReleasedAt:  now,
		}
		if err := tx.InsertFundRelease(ctx, release); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return duplicateRelease(m.ID)
			}
			return fmt.Errorf("insert fund release: %w", err)
		}
		escrow, err := e.ledger.Disburse(ctx, tx, release, ledger.GenerateCode("REL"))
		if err != nil {
			return err
		}

		if err := lifecycle.MarkReleased(&m, now); err != nil {
			return err
		}
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}
		c.TotalReleased = c.TotalReleased.Add(release.Amount)
		c.UpdatedAt = now

		out = ReleaseReceipt{Release: release, NewBalance: escrow.Balance}

		milestones, err := tx.ListMilestones(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}
		var next *models.Milestone
		allReleased := true
		for i := range milestones {
			if milestones[i].Status != models.MilestoneReleased {
				allReleased = false
			}
			if next == nil && milestones[i].Status == models.MilestonePending {
				next = &milestones[i]
			}
		}

		switch {
		case allReleased:
			if err := lifecycle.TransitionCampaign(&c, models.CampaignCompleted, now); err != nil {
				return err
			}
			out.CampaignCompleted = true
		case next != nil:
			if err := lifecycle.ActivateMilestone(next, &c, now); err != nil {
				return err
			}
			if err := tx.UpdateMilestone(ctx, *next); err != nil {
				return fmt.Errorf("update milestone: %w", err)
			}
			activated := *next
			out.NextMilestone = &activated
		}
		return tx.UpdateCampaign(ctx, c)
	})
	if err != nil {
		return ReleaseReceipt{}, err
	}

	r := out.Release
	e.metrics.FundsReleased.Inc()
	e.logger.Info("milestone funds released",
		zap.String("campaign_id", r.CampaignID.String()),
		zap.String("milestone_id", r.MilestoneID.String()),
		zap.String("amount", r.Amount.StringFixed(ledger.CentPlaces)),
		zap.String("balance", out.NewBalance.StringFixed(ledger.CentPlaces)),
		zap.Bool("campaign_completed", out.CampaignCompleted),
	)
	e.publish(ctx, domain.FundsReleased{
		ReleaseID:     r.ID.String(),
		CampaignID:    r.CampaignID.String(),
		MilestoneID:   r.MilestoneID.String(),
		Amount:        r.Amount,
		EscrowBalance: out.NewBalance,
		OccurredAt:    r.ReleasedAt,
	})
	if out.CampaignCompleted {
		e.publish(ctx, transitioned(r.CampaignID, models.CampaignInPhases, models.CampaignCompleted, r.ReleasedAt))
	}
	return out, nil
}

// ContributorRefund is what one contributor got back.
type ContributorRefund struct {
	ContributorID uuid.UUID
	Contributed   decimal.Decimal
	Amount        decimal.Decimal
	RefundID      uuid.UUID
}

// RefundSummary is the result of InitiateBulkRefunds.
type RefundSummary struct {
	CampaignID       uuid.UUID
	Reason           string
	Refunds          []ContributorRefund
	TotalRefunded    decimal.Decimal
	ContributorCount int
	Skipped          bool
	SkipReason       string
}

// contributorShare is one contributor's completed contributions, summed.
type contributorShare struct {
	contributorID uuid.UUID
	amount        decimal.Decimal
}

// aggregateContributions sums contributions per contributor, ordered by each
// contributor's first contribution.
func aggregateContributions(cs []models.Contribution) ([]contributorShare, decimal.Decimal) {
	var shares []contributorShare
	index := make(map[uuid.UUID]int)
	total := decimal.Zero
	for _, c := range cs {
		total = total.Add(c.Amount)
		i, ok := index[c.ContributorID]
		if !ok {
			index[c.ContributorID] = len(shares)
			shares = append(shares, contributorShare{contributorID: c.ContributorID, amount: c.Amount})
			continue
		}
		shares[i].amount = shares[i].amount.Add(c.Amount)
	}
	return shares, total
}

// splitRefunds divides balance pro rata by contribution. Each share is
// floored to the cent and the leftover cents go to the largest contributor,
// the earliest one on a tie, so the refunds sum to balance exactly.
func splitRefunds(balance decimal.Decimal, shares []contributorShare, total decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(shares))
	if len(shares) == 0 || !total.IsPositive() {
		return out
	}
	allocated := decimal.Zero
	largest := 0
	for i, s := range shares {
		out[i] = balance.Mul(s.amount).Div(total).RoundFloor(ledger.CentPlaces)
		allocated = allocated.Add(out[i])
		if s.amount.GreaterThan(shares[largest].amount) {
			largest = i
		}
	}
	out[largest] = out[largest].Add(balance.Sub(allocated))
	return out
}

// InitiateBulkRefunds fails the campaign if it is not failed already and
// returns the whole escrow balance to contributors pro rata. The escrow must
// end at exactly zero.
func (e *Engine) InitiateBulkRefunds(ctx context.Context, campaignID uuid.UUID, reason string) (RefundSummary, error) {
	summary := RefundSummary{CampaignID: campaignID, Reason: reason, TotalRefunded: decimal.Zero}
	var from models.CampaignStatus
	var updated models.Campaign

	err := e.run(ctx, "bulk_refund", func(ctx context.Context, tx interfaces.Tx) error {
		c, err := getCampaign(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		from = c.Status
		switch c.Status {
		case models.CampaignActive, models.CampaignFunded, models.CampaignInPhases:
			if err := lifecycle.TransitionCampaign(&c, models.CampaignFailed, e.now()); err != nil {
				return err
			}
		case models.CampaignFailed:
		default:
			return apperr.State(apperr.CodeInvalidCampaignTransition, "cannot refund a %s campaign", c.Status).
				With("campaign_id", c.ID.String())
		}

		escrow, err := getEscrow(ctx, tx, campaignID)
		if err != nil {
			return err
		}
		contributions, err := tx.ListContributions(ctx, campaignID, models.ContributionCompleted)
		if err != nil {
			return fmt.Errorf("list contributions: %w", err)
		}
		shares, total := aggregateContributions(contributions)

		switch {
		case !escrow.Balance.IsPositive():
			summary.Skipped, summary.SkipReason = true, "escrow balance is zero"
		case len(shares) == 0:
			summary.Skipped, summary.SkipReason = true, "no completed contributions"
		}

		now := e.now()
		if !summary.Skipped {
			amounts := splitRefunds(escrow.Balance, shares, total)
			for i, s := range shares {
				if !amounts[i].IsPositive() {
					continue
				}
				refund := models.RefundEvent{
					ID:            e.newID(),
					CampaignID:    campaignID,
					ContributorID: s.contributorID,
					Amount:        amounts[i],
					Reason:        reason,
					CreatedAt:     now,
				}
				if err := tx.InsertRefundEvent(ctx, refund); err != nil {
					return fmt.Errorf("insert refund event: %w", err)
				}
				if escrow, err = e.ledger.Refund(ctx, tx, refund); err != nil {
					return err
				}
				if _, err := tx.MarkContributionsRefunded(ctx, campaignID, s.contributorID); err != nil {
					return fmt.Errorf("mark contributions refunded: %w", err)
				}
				summary.Refunds = append(summary.Refunds, ContributorRefund{
					ContributorID: s.contributorID,
					Contributed:   s.amount,
					Amount:        refund.Amount,
					RefundID:      refund.ID,
				})
				summary.TotalRefunded = summary.TotalRefunded.Add(refund.Amount)
			}
			if !escrow.Balance.IsZero() {
				return apperr.Reconciliation(apperr.CodeLedgerMismatch, "escrow holds %s after refunding every contributor",
					escrow.Balance.StringFixed(ledger.CentPlaces)).
					With("campaign_id", campaignID.String())
			}
		}
		summary.ContributorCount = len(summary.Refunds)

		c.TotalRefunded = c.TotalRefunded.Add(summary.TotalRefunded)
		c.UpdatedAt = now
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return fmt.Errorf("update campaign: %w", err)
		}
		updated = c
		return nil
	})
	if err != nil {
		return RefundSummary{}, err
	}

	e.metrics.RefundsIssued.Add(float64(summary.ContributorCount))
	e.logger.Info("bulk refund finished",
		zap.String("campaign_id", campaignID.String()),
		zap.String("reason", reason),
		zap.Int("contributors", summary.ContributorCount),
		zap.String("total", summary.TotalRefunded.StringFixed(ledger.CentPlaces)),
		zap.Bool("skipped", summary.Skipped),
	)
	if from != models.CampaignFailed {
		e.publish(ctx, transitioned(campaignID, from, models.CampaignFailed, updated.UpdatedAt))
	}
	if !summary.Skipped {
		e.publish(ctx, domain.RefundsIssued{
			CampaignID:       campaignID.String(),
			Reason:           reason,
			ContributorCount: summary.ContributorCount,
			TotalRefunded:    summary.TotalRefunded,
			OccurredAt:       updated.UpdatedAt,
		})
	}
	return summary, nil
}
