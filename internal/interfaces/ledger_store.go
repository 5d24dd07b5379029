package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

// Store is the durable transaction boundary. Every multi-step mutation runs
// inside one RunInTx call; returning an error from fn rolls everything back.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a transaction.
// Get* methods return storage.ErrNotFound for missing rows and lock the row
// for the rest of the transaction where the backend supports it.
type Tx interface {
	CampaignStore
	MilestoneStore
	EscrowStore
	LedgerStore
	ContributionStore
	VoteStore
	PayoutStore
}

type CampaignStore interface {
	InsertCampaign(ctx context.Context, c models.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (models.Campaign, error)
	UpdateCampaign(ctx context.Context, c models.Campaign) error
	ListCampaignsByStatus(ctx context.Context, status models.CampaignStatus) ([]models.Campaign, error)
}

type MilestoneStore interface {
	InsertMilestone(ctx context.Context, m models.Milestone) error
	GetMilestone(ctx context.Context, id uuid.UUID) (models.Milestone, error)
	// MilestoneCampaign returns the owning campaign id without locking anything.
	MilestoneCampaign(ctx context.Context, id uuid.UUID) (uuid.UUID, error)
	UpdateMilestone(ctx context.Context, m models.Milestone) error
	// ListMilestones returns a campaign's milestones ordered by index.
	ListMilestones(ctx context.Context, campaignID uuid.UUID) ([]models.Milestone, error)
	ListMilestonesByStatus(ctx context.Context, status models.MilestoneStatus) ([]models.Milestone, error)
}

type EscrowStore interface {
	InsertEscrow(ctx context.Context, e models.EscrowAccount) error
	GetEscrow(ctx context.Context, campaignID uuid.UUID) (models.EscrowAccount, error)
	// ApplyEscrowDelta changes the account in one atomic step. It fails with
	// storage.ErrInsufficientBalance if the balance would go negative and with
	// storage.ErrEscrowFrozen if the account is frozen; neither mutates.
	ApplyEscrowDelta(ctx context.Context, campaignID uuid.UUID, d models.EscrowDelta, at time.Time) (models.EscrowAccount, error)
	FreezeEscrow(ctx context.Context, campaignID uuid.UUID, at time.Time) error
}

type LedgerStore interface {
	SaveEntry(ctx context.Context, entry models.LedgerEntry) error
	GetEntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.LedgerEntry, error)
	SumEntries(ctx context.Context, escrowID uuid.UUID) (decimal.Decimal, error)
}

type ContributionStore interface {
	// InsertContribution fails with storage.ErrConflict on a duplicate external ref.
	InsertContribution(ctx context.Context, c models.Contribution) error
	GetContributionByExternalRef(ctx context.Context, ref string) (models.Contribution, error)
	// ListContributions returns contributions in creation order.
	ListContributions(ctx context.Context, campaignID uuid.UUID, status models.ContributionStatus) ([]models.Contribution, error)
	MarkContributionsRefunded(ctx context.Context, campaignID, contributorID uuid.UUID) (int, error)
}

type VoteStore interface {
	GetVoteToken(ctx context.Context, campaignID, contributorID uuid.UUID) (models.VoteToken, error)
	InsertVoteToken(ctx context.Context, t models.VoteToken) error
	CountVoteTokens(ctx context.Context, campaignID uuid.UUID) (int, error)

	GetContributorKey(ctx context.Context, contributorID uuid.UUID) (models.ContributorKey, error)
	UpsertContributorKey(ctx context.Context, k models.ContributorKey) error

	// InsertVote fails with storage.ErrConflict if the contributor already
	// voted in this round of the milestone.
	InsertVote(ctx context.Context, v models.VoteSubmission) error
	// InsertVoteIfAbsent reports whether the vote was stored.
	InsertVoteIfAbsent(ctx context.Context, v models.VoteSubmission) (bool, error)
	HasVoted(ctx context.Context, milestoneID uuid.UUID, round int, contributorID uuid.UUID) (bool, error)
	ListVotes(ctx context.Context, milestoneID uuid.UUID, round int) ([]models.VoteSubmission, error)

	// UpsertWaiver keeps the first waiver a contributor signed for a campaign.
	UpsertWaiver(ctx context.Context, w models.CampaignWaiver) error
	ListWaivers(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignWaiver, error)

	// InsertVoteResult fails with storage.ErrConflict if the round was already tallied.
	InsertVoteResult(ctx context.Context, r models.VoteResult) error
	GetVoteResult(ctx context.Context, milestoneID uuid.UUID, round int) (models.VoteResult, error)
}

type PayoutStore interface {
	// InsertFundRelease fails with storage.ErrConflict if the milestone was already released.
	InsertFundRelease(ctx context.Context, r models.FundRelease) error
	GetFundRelease(ctx context.Context, milestoneID uuid.UUID) (models.FundRelease, error)
	InsertRefundEvent(ctx context.Context, r models.RefundEvent) error
	ListRefundEvents(ctx context.Context, campaignID uuid.UUID) ([]models.RefundEvent, error)
}
