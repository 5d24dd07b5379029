package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ContributionStatus tracks a pledge from payment confirmation to refund.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionCompleted ContributionStatus = "completed"
	ContributionFailed    ContributionStatus = "failed"
	ContributionRefunded  ContributionStatus = "refunded"
)

// Contribution is money moving from a contributor into a campaign's escrow.
type Contribution struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Amount        decimal.Decimal
	Status        ContributionStatus
	ExternalRef   string // payment provider reference, unique when set
	CreatedAt     time.Time
}

// FundRelease is money moving from escrow to the fundraiser for one milestone.
// At most one exists per milestone.
type FundRelease struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	MilestoneID uuid.UUID
	Amount      decimal.Decimal
	ReleasedAt  time.Time
}

// RefundEvent is money moving from escrow back to one contributor.
type RefundEvent struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Amount        decimal.Decimal
	Reason        string
	CreatedAt     time.Time
}
