package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/ledger"
	"github.com/sheikh-saqib/milestone-escrow/internal/lifecycle"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/params"
)

// CreateCampaignInput is what a fundraiser submits.
type CreateCampaignInput struct {
	FundraiserID   uuid.UUID
	Title          string
	FundingGoal    decimal.Decimal
	DurationMonths int
	L1Risk         float64
	L2Risk         float64
	CampaignType   string
}

// CampaignDetails is a campaign together with what it owns.
type CampaignDetails struct {
	Campaign   models.Campaign
	Milestones []models.Milestone
	Escrow     models.EscrowAccount
}

// DeriveCampaignParameters previews the phase structure without persisting anything.
func (e *Engine) DeriveCampaignParameters(in params.Input) (params.Parameters, error) {
	return e.deriver.Derive(in)
}

// CreateCampaign derives parameters and persists a draft campaign with its
// pending milestones and an empty escrow account.
func (e *Engine) CreateCampaign(ctx context.Context, in CreateCampaignInput) (CampaignDetails, error) {
	if strings.TrimSpace(in.Title) == "" {
		return CampaignDetails{}, apperr.Validation(apperr.CodeInvalidInput, "title is required")
	}
	if in.FundraiserID == uuid.Nil {
		return CampaignDetails{}, apperr.Validation(apperr.CodeInvalidInput, "fundraiser id is required")
	}
	if !in.FundingGoal.Equal(in.FundingGoal.Round(ledger.CentPlaces)) {
		return CampaignDetails{}, apperr.Validation(apperr.CodeInvalidInput, "funding goal has sub-cent precision")
	}

	p, err := e.deriver.Derive(params.Input{
		FundingGoal:    in.FundingGoal,
		DurationMonths: in.DurationMonths,
		L1Risk:         in.L1Risk,
		L2Risk:         in.L2Risk,
		CampaignType:   in.CampaignType,
	})
	if err != nil {
		return CampaignDetails{}, err
	}

	now := e.now()
	out := CampaignDetails{
		Campaign: models.Campaign{
			ID:             e.newID(),
			FundraiserID:   in.FundraiserID,
			Title:          strings.TrimSpace(in.Title),
			FundingGoal:    in.FundingGoal,
			DurationMonths: in.DurationMonths,
			CampaignType:   in.CampaignType,
			RiskFactor:     p.RiskFactor,
			Alpha:          p.Alpha,
			PhaseCount:     p.PhaseCount,
			Status:         models.CampaignDraft,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	out.Escrow = models.EscrowAccount{ID: e.newID(), CampaignID: out.Campaign.ID, UpdatedAt: now}
	amounts := releaseAmounts(in.FundingGoal, p.Weights)
	for i, w := range p.Weights {
		out.Milestones = append(out.Milestones, models.Milestone{
			ID:                   e.newID(),
			CampaignID:           out.Campaign.ID,
			Index:                i + 1,
			Weight:               w,
			DisbursementFraction: p.DisbursementFractions[i],
			ReleaseAmount:        amounts[i],
			MaxRevisions:         e.opts.MaxRevisions,
			Status:               models.MilestonePending,
			CreatedAt:            now,
			UpdatedAt:            now,
		})
	}

	err = e.run(ctx, "create_campaign", func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.InsertCampaign(ctx, out.Campaign); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for _, m := range out.Milestones {
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return fmt.Errorf("insert milestone %d: %w", m.Index, err)
			}
		}
		if err := tx.InsertEscrow(ctx, out.Escrow); err != nil {
			return fmt.Errorf("insert escrow: %w", err)
		}
		return nil
	})
	if err != nil {
		return CampaignDetails{}, err
	}

	e.logger.Info("campaign created",
		zap.String("campaign_id", out.Campaign.ID.String()),
		zap.Int("phase_count", p.PhaseCount),
		zap.Float64("risk_factor", p.RiskFactor),
		zap.Float64("alpha", p.Alpha),
	)
	return out, nil
}

// GetCampaign loads a campaign with its milestones and escrow.
func (e *Engine) GetCampaign(ctx context.Context, id uuid.UUID) (CampaignDetails, error) {
	var out CampaignDetails
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		if out.Campaign, err = getCampaign(ctx, tx, id); err != nil {
			return err
		}
		if out.Milestones, err = tx.ListMilestones(ctx, id); err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}
		out.Escrow, err = getEscrow(ctx, tx, id)
		return err
	})
	return out, err
}

// TransitionCampaign moves a campaign along its lifecycle. Entering
// in_phases activates the first milestone in the same transaction.
func (e *Engine) TransitionCampaign(ctx context.Context, id uuid.UUID, target models.CampaignStatus) (models.Campaign, error) {
	if !target.IsValid() {
		return models.Campaign{}, apperr.Validation(apperr.CodeInvalidInput, "unknown campaign status %q", target)
	}

	var c models.Campaign
	var from models.CampaignStatus
	err := e.run(ctx, "transition_campaign", func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		if c, err = getCampaign(ctx, tx, id); err != nil {
			return err
		}
		from = c.Status
		now := e.now()
		if err := lifecycle.TransitionCampaign(&c, target, now); err != nil {
			return err
		}

		if target == models.CampaignInPhases {
			milestones, err := tx.ListMilestones(ctx, id)
			if err != nil {
				return fmt.Errorf("list milestones: %w", err)
			}
			if len(milestones) == 0 {
				return apperr.State(apperr.CodeInvalidCampaignTransition, "campaign has no milestones")
			}
			first := milestones[0]
			if err := lifecycle.ActivateMilestone(&first, &c, now); err != nil {
				return err
			}
			if err := tx.UpdateMilestone(ctx, first); err != nil {
				return fmt.Errorf("update milestone: %w", err)
			}
		}
		return tx.UpdateCampaign(ctx, c)
	})
	if err != nil {
		return models.Campaign{}, err
	}

	e.logger.Info("campaign transitioned",
		zap.String("campaign_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(target)),
	)
	e.publish(ctx, transitioned(id, from, target, c.UpdatedAt))
	return c, nil
}

// FinalReport summarizes a finished campaign.
type FinalReport struct {
	CampaignID         uuid.UUID
	Status             models.CampaignStatus
	Success            bool // every milestone released
	HighBudget         bool
	MilestonesTotal    int
	MilestonesReleased int
	TotalContributions decimal.Decimal
	TotalReleased      decimal.Decimal
	TotalRefunded      decimal.Decimal
}

// FinalizeCampaign closes an in-phase campaign whose milestones are all
// released and reports on any finished campaign.
func (e *Engine) FinalizeCampaign(ctx context.Context, id uuid.UUID) (FinalReport, error) {
	var report FinalReport
	var completed bool
	err := e.run(ctx, "finalize_campaign", func(ctx context.Context, tx interfaces.Tx) error {
		c, err := getCampaign(ctx, tx, id)
		if err != nil {
			return err
		}
		milestones, err := tx.ListMilestones(ctx, id)
		if err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}

		released := 0
		for _, m := range milestones {
			if m.Status == models.MilestoneReleased {
				released++
			}
		}
		allReleased := len(milestones) > 0 && released == len(milestones)

		if !c.Status.IsTerminal() {
			if c.Status != models.CampaignInPhases || !allReleased {
				return apperr.State(apperr.CodeInvalidCampaignTransition,
					"campaign is %s with %d of %d milestones released", c.Status, released, len(milestones)).
					With("campaign_id", id.String())
			}
			if err := lifecycle.TransitionCampaign(&c, models.CampaignCompleted, e.now()); err != nil {
				return err
			}
			if err := tx.UpdateCampaign(ctx, c); err != nil {
				return fmt.Errorf("update campaign: %w", err)
			}
			completed = true
		}

		report = FinalReport{
			CampaignID:         c.ID,
			Status:             c.Status,
			Success:            c.Status == models.CampaignCompleted && allReleased,
			HighBudget:         c.FundingGoal.GreaterThan(e.opts.HighBudgetThreshold),
			MilestonesTotal:    len(milestones),
			MilestonesReleased: released,
			TotalContributions: c.TotalContributions,
			TotalReleased:      c.TotalReleased,
			TotalRefunded:      c.TotalRefunded,
		}
		return nil
	})
	if err != nil {
		return FinalReport{}, err
	}
	if completed {
		e.publish(ctx, transitioned(id, models.CampaignInPhases, models.CampaignCompleted, e.now()))
	}
	return report, nil
}

// EscrowReport is an escrow account checked against its ledger.
type EscrowReport struct {
	Escrow        models.EscrowAccount
	LedgerBalance decimal.Decimal
	EntryCount    int
	Reconciled    bool
}

// EscrowSummary reads an escrow account and its ledger without writing.
func (e *Engine) EscrowSummary(ctx context.Context, campaignID uuid.UUID) (EscrowReport, error) {
	var out EscrowReport
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		if out.Escrow, err = getEscrow(ctx, tx, campaignID); err != nil {
			return err
		}
		entries, err := tx.GetEntriesByEscrow(ctx, out.Escrow.ID)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		out.EntryCount = len(entries)
		if out.LedgerBalance, err = e.ledger.GetBalance(ctx, tx, campaignID); err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}
		out.Reconciled = out.LedgerBalance.Equal(out.Escrow.Balance) &&
			out.Escrow.Balance.Equal(out.Escrow.ExpectedBalance())
		return nil
	})
	return out, err
}

// LedgerEntries returns a campaign's ledger in posting order.
func (e *Engine) LedgerEntries(ctx context.Context, campaignID uuid.UUID) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if _, err := getEscrow(ctx, tx, campaignID); err != nil {
			return err
		}
		var err error
		out, err = e.ledger.GetLedgerEntries(ctx, tx, campaignID)
		return err
	})
	return out, err
}

// Reconcile re-verifies an escrow account. A mismatch freezes it.
func (e *Engine) Reconcile(ctx context.Context, campaignID uuid.UUID) (models.EscrowAccount, error) {
	var out models.EscrowAccount
	err := e.run(ctx, "reconcile", func(ctx context.Context, tx interfaces.Tx) error {
		var err error
		out, err = e.ledger.Reconcile(ctx, tx, campaignID)
		return err
	})
	return out, err
}
