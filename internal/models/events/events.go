package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types, used as the message type header.
const (
	TypeContributionRecorded = "contribution.recorded"
	TypeCampaignTransitioned = "campaign.transitioned"
	TypeMilestoneTallied     = "milestone.tallied"
	TypeFundsReleased        = "funds.released"
	TypeRefundsIssued        = "refunds.issued"
)

// Event is implemented by every domain event.
type Event interface {
	EventType() string
	AggregateID() string // campaign id; used as the partition key
}

type ContributionRecorded struct {
	ContributionID string          `json:"contribution_id"`
	CampaignID     string          `json:"campaign_id"`
	ContributorID  string          `json:"contributor_id"`
	Amount         decimal.Decimal `json:"amount"`
	EscrowBalance  decimal.Decimal `json:"escrow_balance"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

func (ContributionRecorded) EventType() string    { return TypeContributionRecorded }
func (e ContributionRecorded) AggregateID() string { return e.CampaignID }

type CampaignTransitioned struct {
	CampaignID string    `json:"campaign_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (CampaignTransitioned) EventType() string    { return TypeCampaignTransitioned }
func (e CampaignTransitioned) AggregateID() string { return e.CampaignID }

type MilestoneTallied struct {
	CampaignID    string    `json:"campaign_id"`
	MilestoneID   string    `json:"milestone_id"`
	Round         int       `json:"round"`
	Yes           int       `json:"yes"`
	No            int       `json:"no"`
	YesPercentage float64   `json:"yes_percentage"`
	Outcome       string    `json:"outcome"`
	OccurredAt    time.Time `json:"occurred_at"`
}

func (MilestoneTallied) EventType() string    { return TypeMilestoneTallied }
func (e MilestoneTallied) AggregateID() string { return e.CampaignID }

type FundsReleased struct {
	ReleaseID     string          `json:"release_id"`
	CampaignID    string          `json:"campaign_id"`
	MilestoneID   string          `json:"milestone_id"`
	Amount        decimal.Decimal `json:"amount"`
	EscrowBalance decimal.Decimal `json:"escrow_balance"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (FundsReleased) EventType() string    { return TypeFundsReleased }
func (e FundsReleased) AggregateID() string { return e.CampaignID }

type RefundsIssued struct {
	CampaignID       string          `json:"campaign_id"`
	Reason           string          `json:"reason"`
	ContributorCount int             `json:"contributor_count"`
	TotalRefunded    decimal.Decimal `json:"total_refunded"`
	OccurredAt       time.Time       `json:"occurred_at"`
}

func (RefundsIssued) EventType() string    { return TypeRefundsIssued }
func (e RefundsIssued) AggregateID() string { return e.CampaignID }
