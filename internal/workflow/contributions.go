package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
	"github.com/sheikh-saqib/milestone-escrow/internal/voting"
)

// ContributionInput is a confirmed payment from the payment provider.
type ContributionInput struct {
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Amount        decimal.Decimal
	ExternalRef   string // provider reference; makes the call idempotent
}

// ContributionReceipt is the result of RecordContribution.
type ContributionReceipt struct {
	Contribution models.Contribution
	NewBalance   decimal.Decimal
	VoteTokenID  uuid.UUID
	Replayed     bool // the external ref was already recorded
}

// RecordContribution credits a confirmed payment to the campaign's escrow and
// issues a vote token on the contributor's first contribution.
func (e *Engine) RecordContribution(ctx context.Context, in ContributionInput) (ContributionReceipt, error) {
	if !in.Amount.IsPositive() {
		return ContributionReceipt{}, apperr.Validation(apperr.CodeInvalidInput, "contribution amount must be positive").
			With("amount", in.Amount.String())
	}
	if in.ContributorID == uuid.Nil {
		return ContributionReceipt{}, apperr.Validation(apperr.CodeInvalidInput, "contributor id is required")
	}

	receipt, err := e.recordContribution(ctx, in)
	if errors.Is(err, storage.ErrConflict) && in.ExternalRef != "" {
		// A concurrent call inserted the same ref first; this run replays it.
		receipt, err = e.recordContribution(ctx, in)
	}
	if err != nil {
		return ContributionReceipt{}, err
	}
	if receipt.Replayed {
		return receipt, nil
	}

	c := receipt.Contribution
	amount, _ := c.Amount.Float64()
	e.metrics.IncrementContribution(amount)
	e.logger.Info("contribution recorded",
		zap.String("campaign_id", c.CampaignID.String()),
		zap.String("contributor_id", c.ContributorID.String()),
		zap.String("amount", c.Amount.StringFixed(2)),
		zap.String("balance", receipt.NewBalance.StringFixed(2)),
	)
	e.publish(ctx, domain.ContributionRecorded{
		ContributionID: c.ID.String(),
		CampaignID:     c.CampaignID.String(),
		ContributorID:  c.ContributorID.String(),
		Amount:         c.Amount,
		EscrowBalance:  receipt.NewBalance,
		OccurredAt:     c.CreatedAt,
	})
	return receipt, nil
}

func (e *Engine) recordContribution(ctx context.Context, in ContributionInput) (ContributionReceipt, error) {
	var out ContributionReceipt
	err := e.run(ctx, "record_contribution", func(ctx context.Context, tx interfaces.Tx) error {
		if in.ExternalRef != "" {
			prior, err := tx.GetContributionByExternalRef(ctx, in.ExternalRef)
			switch {
			case err == nil:
				return e.replayContribution(ctx, tx, in, prior, &out)
			case !errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("lookup external ref: %w", err)
			}
		}

		campaign, err := getCampaign(ctx, tx, in.CampaignID)
		if err != nil {
			return err
		}
		now := e.now()
		if campaign.Status != models.CampaignActive {
			return apperr.State(apperr.CodeCampaignNotAccepting, "campaign is %s", campaign.Status).
				With("campaign_id", campaign.ID.String())
		}
		if campaign.FundingEndsAt != nil && !now.Before(*campaign.FundingEndsAt) {
			return apperr.State(apperr.CodeCampaignNotAccepting, "funding window closed at %s",
				campaign.FundingEndsAt.Format(time.RFC3339)).
				With("campaign_id", campaign.ID.String())
		}

		contribution := models.Contribution{
			ID:            e.newID(),
			CampaignID:    in.CampaignID,
			ContributorID: in.ContributorID,
			Amount:        in.Amount,
			Status:        models.ContributionCompleted,
			ExternalRef:   in.ExternalRef,
			CreatedAt:     now,
		}
		if err := tx.InsertContribution(ctx, contribution); err != nil {
			return err
		}
		escrow, err := e.ledger.Credit(ctx, tx, contribution, in.ExternalRef)
		if err != nil {
			return err
		}

		campaign.TotalContributions = campaign.TotalContributions.Add(in.Amount)
		campaign.UpdatedAt = now
		if err := tx.UpdateCampaign(ctx, campaign); err != nil {
			return fmt.Errorf("update campaign: %w", err)
		}

		token, err := e.ensureVoteToken(ctx, tx, in.CampaignID, in.ContributorID, now)
		if err != nil {
			return err
		}

		out = ContributionReceipt{Contribution: contribution, NewBalance: escrow.Balance, VoteTokenID: token.ID}
		return nil
	})
	return out, err
}

func (e *Engine) replayContribution(ctx context.Context, tx interfaces.Tx, in ContributionInput, prior models.Contribution, out *ContributionReceipt) error {
	if prior.CampaignID != in.CampaignID || prior.ContributorID != in.ContributorID || !prior.Amount.Equal(in.Amount) {
		return apperr.Validation(apperr.CodeInvalidInput, "external ref %q was already used for a different contribution", in.ExternalRef).
			With("contribution_id", prior.ID.String())
	}
	escrow, err := getEscrow(ctx, tx, prior.CampaignID)
	if err != nil {
		return err
	}
	*out = ContributionReceipt{Contribution: prior, NewBalance: escrow.Balance, Replayed: true}
	if token, err := tx.GetVoteToken(ctx, prior.CampaignID, prior.ContributorID); err == nil {
		out.VoteTokenID = token.ID
	}
	return nil
}

func (e *Engine) ensureVoteToken(ctx context.Context, tx interfaces.Tx, campaignID, contributorID uuid.UUID, now time.Time) (models.VoteToken, error) {
	token, err := tx.GetVoteToken(ctx, campaignID, contributorID)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.VoteToken{}, fmt.Errorf("load vote token: %w", err)
	}

	token = models.VoteToken{
		ID:            e.newID(),
		CampaignID:    campaignID,
		ContributorID: contributorID,
		TokenHash:     voting.TokenHash(campaignID, contributorID, now),
		CreatedAt:     now,
	}
	if err := tx.InsertVoteToken(ctx, token); err != nil {
		return models.VoteToken{}, fmt.Errorf("insert vote token: %w", err)
	}
	return token, nil
}

// RegisterContributorKey stores the ed25519 key a contributor signs votes with.
func (e *Engine) RegisterContributorKey(ctx context.Context, contributorID uuid.UUID, hexKey string) (models.ContributorKey, error) {
	if contributorID == uuid.Nil {
		return models.ContributorKey{}, apperr.Validation(apperr.CodeInvalidInput, "contributor id is required")
	}
	if _, err := voting.ParsePublicKey(hexKey); err != nil {
		return models.ContributorKey{}, err
	}

	key := models.ContributorKey{ContributorID: contributorID, PublicKey: hexKey, UpdatedAt: e.now()}
	err := e.run(ctx, "register_key", func(ctx context.Context, tx interfaces.Tx) error {
		return tx.UpsertContributorKey(ctx, key)
	})
	if err != nil {
		return models.ContributorKey{}, err
	}
	return key, nil
}
