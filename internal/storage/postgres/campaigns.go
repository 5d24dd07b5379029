package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

const campaignColumns = `id, fundraiser_id, title, funding_goal, duration_months, campaign_type,
	risk_factor, alpha, phase_count, total_contributions, total_released, total_refunded,
	status, milestones_approved, milestones_rejected, current_milestone,
	submitted_at, approved_at, launched_at, funding_ends_at, funded_at, phases_started_at,
	completed_at, failed_at, created_at, updated_at`

func scanCampaign(s scanner) (models.Campaign, error) {
	var c models.Campaign
	var status string
	err := s.Scan(&c.ID, &c.FundraiserID, &c.Title, &c.FundingGoal, &c.DurationMonths, &c.CampaignType,
		&c.RiskFactor, &c.Alpha, &c.PhaseCount, &c.TotalContributions, &c.TotalReleased, &c.TotalRefunded,
		&status, &c.MilestonesApproved, &c.MilestonesRejected, &c.CurrentMilestone,
		&c.SubmittedAt, &c.ApprovedAt, &c.LaunchedAt, &c.FundingEndsAt, &c.FundedAt, &c.PhasesStartedAt,
		&c.CompletedAt, &c.FailedAt, &c.CreatedAt, &c.UpdatedAt)
	c.Status = models.CampaignStatus(status)
	return c, err
}

func campaignArgs(c models.Campaign) []any {
	return []any{c.ID, c.FundraiserID, c.Title, c.FundingGoal, c.DurationMonths, c.CampaignType,
		c.RiskFactor, c.Alpha, c.PhaseCount, c.TotalContributions, c.TotalReleased, c.TotalRefunded,
		string(c.Status), c.MilestonesApproved, c.MilestonesRejected, c.CurrentMilestone,
		c.SubmittedAt, c.ApprovedAt, c.LaunchedAt, c.FundingEndsAt, c.FundedAt, c.PhasesStartedAt,
		c.CompletedAt, c.FailedAt, c.CreatedAt, c.UpdatedAt}
}

func (t *postgresTx) InsertCampaign(ctx context.Context, c models.Campaign) error {
	const query = `INSERT INTO campaigns (` + campaignColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`
	return t.insert(ctx, "campaign", query, campaignArgs(c)...)
}

func (t *postgresTx) GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error) {
	const query = `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1 FOR UPDATE`
	c, err := scanCampaign(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Campaign{}, notFound(err)
	}
	return c, nil
}

// UpdateCampaign rewrites the mutable columns. Derived parameters and the
// funding goal never change after creation.
func (t *postgresTx) UpdateCampaign(ctx context.Context, c models.Campaign) error {
	const query = `UPDATE campaigns SET
		title = $2, total_contributions = $3, total_released = $4, total_refunded = $5,
		status = $6, milestones_approved = $7, milestones_rejected = $8, current_milestone = $9,
		submitted_at = $10, approved_at = $11, launched_at = $12, funding_ends_at = $13, funded_at = $14,
		phases_started_at = $15, completed_at = $16, failed_at = $17, updated_at = $18
	WHERE id = $1`
	return t.update(ctx, "campaign", query, c.ID, c.Title, c.TotalContributions, c.TotalReleased, c.TotalRefunded,
		string(c.Status), c.MilestonesApproved, c.MilestonesRejected, c.CurrentMilestone,
		c.SubmittedAt, c.ApprovedAt, c.LaunchedAt, c.FundingEndsAt, c.FundedAt,
		c.PhasesStartedAt, c.CompletedAt, c.FailedAt, c.UpdatedAt)
}

func (t *postgresTx) ListCampaignsByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error) {
	const query = `SELECT ` + campaignColumns + ` FROM campaigns WHERE status = $1 ORDER BY created_at`
	rows, err := t.tx.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// milestones

const milestoneColumns = `id, campaign_id, idx, weight, disbursement_fraction, release_amount,
	revision_count, max_revisions, status, evidence_description, evidence_ref,
	activated_at, evidence_submitted_at, voting_starts_at, voting_ends_at,
	approved_at, rejected_at, released_at, failed_at, created_at, updated_at`

func scanMilestone(s scanner) (models.Milestone, error) {
	var m models.Milestone
	var status string
	err := s.Scan(&m.ID, &m.CampaignID, &m.Index, &m.Weight, &m.DisbursementFraction, &m.ReleaseAmount,
		&m.RevisionCount, &m.MaxRevisions, &status, &m.EvidenceDescription, &m.EvidenceRef,
		&m.ActivatedAt, &m.EvidenceSubmittedAt, &m.VotingStartsAt, &m.VotingEndsAt,
		&m.ApprovedAt, &m.RejectedAt, &m.ReleasedAt, &m.FailedAt, &m.CreatedAt, &m.UpdatedAt)
	m.Status = models.MilestoneStatus(status)
	return m, err
}

func (t *postgresTx) InsertMilestone(ctx context.Context, m models.Milestone) error {
	const query = `INSERT INTO milestones (` + milestoneColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`
	return t.insert(ctx, "milestone", query, m.ID, m.CampaignID, m.Index, m.Weight, m.DisbursementFraction,
		m.ReleaseAmount, m.RevisionCount, m.MaxRevisions, string(m.Status), m.EvidenceDescription, m.EvidenceRef,
		m.ActivatedAt, m.EvidenceSubmittedAt, m.VotingStartsAt, m.VotingEndsAt,
		m.ApprovedAt, m.RejectedAt, m.ReleasedAt, m.FailedAt, m.CreatedAt, m.UpdatedAt)
}

func (t *postgresTx) GetMilestone(ctx context.Context, id uuid.UUID) (models.Milestone, error) {
	const query = `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1 FOR UPDATE`
	m, err := scanMilestone(t.tx.QueryRowContext(ctx, query, id))
	if err != nil {
		return models.Milestone{}, notFound(err)
	}
	return m, nil
}

func (t *postgresTx) MilestoneCampaign(ctx context.Context, id uuid.UUID) (uuid.UUID, error) {
	const query = `SELECT campaign_id FROM milestones WHERE id = $1`
	var campaignID uuid.UUID
	if err := t.tx.QueryRowContext(ctx, query, id).Scan(&campaignID); err != nil {
		return uuid.Nil, notFound(err)
	}
	return campaignID, nil
}

func (t *postgresTx) UpdateMilestone(ctx context.Context, m models.Milestone) error {
	const query = `UPDATE milestones SET
		revision_count = $2, status = $3, evidence_description = $4, evidence_ref = $5,
		activated_at = $6, evidence_submitted_at = $7, voting_starts_at = $8, voting_ends_at = $9,
		approved_at = $10, rejected_at = $11, released_at = $12, failed_at = $13, updated_at = $14
	WHERE id = $1`
	return t.update(ctx, "milestone", query, m.ID, m.RevisionCount, string(m.Status), m.EvidenceDescription,
		m.EvidenceRef, m.ActivatedAt, m.EvidenceSubmittedAt, m.VotingStartsAt, m.VotingEndsAt,
		m.ApprovedAt, m.RejectedAt, m.ReleasedAt, m.FailedAt, m.UpdatedAt)
}

func (t *postgresTx) queryMilestones(ctx context.Context, query string, arg any) ([]models.Milestone, error) {
	rows, err := t.tx.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	var out []models.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (t *postgresTx) ListMilestones(ctx context.Context, campaignID uuid.UUID) ([]models.Milestone, error) {
	const query = `SELECT ` + milestoneColumns + ` FROM milestones WHERE campaign_id = $1 ORDER BY idx`
	return t.queryMilestones(ctx, query, campaignID)
}

func (t *postgresTx) ListMilestonesByStatus(ctx context.Context, status models.MilestoneStatus) ([]models.Milestone, error) {
	const query = `SELECT ` + milestoneColumns + ` FROM milestones WHERE status = $1 ORDER BY campaign_id, idx`
	return t.queryMilestones(ctx, query, string(status))
}

// contributions

const contributionColumns = `id, campaign_id, contributor_id, amount, status, external_ref, created_at`

func scanContribution(s scanner) (models.Contribution, error) {
	var c models.Contribution
	var status string
	var ref sql.NullString
	err := s.Scan(&c.ID, &c.CampaignID, &c.ContributorID, &c.Amount, &status, &ref, &c.CreatedAt)
	c.Status = models.ContributionStatus(status)
	c.ExternalRef = ref.String
	return c, err
}

func (t *postgresTx) InsertContribution(ctx context.Context, c models.Contribution) error {
	const query = `INSERT INTO contributions (` + contributionColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	ref := sql.NullString{String: c.ExternalRef, Valid: c.ExternalRef != ""}
	return t.insert(ctx, "contribution", query, c.ID, c.CampaignID, c.ContributorID, c.Amount, string(c.Status), ref, c.CreatedAt)
}

func (t *postgresTx) GetContributionByExternalRef(ctx context.Context, ref string) (models.Contribution, error) {
	if ref == "" {
		return models.Contribution{}, storage.ErrNotFound
	}
	const query = `SELECT ` + contributionColumns + ` FROM contributions WHERE external_ref = $1`
	c, err := scanContribution(t.tx.QueryRowContext(ctx, query, ref))
	if err != nil {
		return models.Contribution{}, notFound(err)
	}
	return c, nil
}

func (t *postgresTx) ListContributions(ctx context.Context, campaignID uuid.UUID, status models.ContributionStatus) ([]models.Contribution, error) {
	const query = `SELECT ` + contributionColumns + ` FROM contributions
	WHERE campaign_id = $1 AND status = $2 ORDER BY seq`
	rows, err := t.tx.QueryContext(ctx, query, campaignID, string(status))
	if err != nil {
		return nil, fmt.Errorf("query contributions: %w", err)
	}
	defer rows.Close()

	var out []models.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contribution: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *postgresTx) MarkContributionsRefunded(ctx context.Context, campaignID, contributorID uuid.UUID) (int, error) {
	const query = `UPDATE contributions SET status = $4
	WHERE campaign_id = $1 AND contributor_id = $2 AND status = $3`
	res, err := t.tx.ExecContext(ctx, query, campaignID, contributorID,
		string(models.ContributionCompleted), string(models.ContributionRefunded))
	if err != nil {
		return 0, fmt.Errorf("mark contributions refunded: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
