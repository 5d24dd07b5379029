package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CampaignStatus is a campaign lifecycle state.
type CampaignStatus string

const (
	CampaignDraft         CampaignStatus = "draft"
	CampaignPendingReview CampaignStatus = "pending_review"
	CampaignActive        CampaignStatus = "active"
	CampaignFunded        CampaignStatus = "funded"
	CampaignInPhases      CampaignStatus = "in_phases"
	CampaignCompleted     CampaignStatus = "completed"
	CampaignFailed        CampaignStatus = "failed"
)

func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignDraft, CampaignPendingReview, CampaignActive, CampaignFunded,
		CampaignInPhases, CampaignCompleted, CampaignFailed:
		return true
	}
	return false
}

func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

// Campaign is the aggregate root owning milestones and an escrow account.
type Campaign struct {
	ID             uuid.UUID
	FundraiserID   uuid.UUID
	Title          string
	FundingGoal    decimal.Decimal
	DurationMonths int
	CampaignType   string

	// derived once at creation
	RiskFactor float64
	Alpha      float64
	PhaseCount int

	TotalContributions decimal.Decimal // never decreases
	TotalReleased      decimal.Decimal
	TotalRefunded      decimal.Decimal

	Status             CampaignStatus
	MilestonesApproved int
	MilestonesRejected int
	CurrentMilestone   int // ordinal of the milestone in execution, 0 before phases

	SubmittedAt     *time.Time
	ApprovedAt      *time.Time
	LaunchedAt      *time.Time
	FundingEndsAt   *time.Time
	FundedAt        *time.Time
	PhasesStartedAt *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
