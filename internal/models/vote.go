package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Choice is an explicit yes/no decision.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

func (c Choice) IsValid() bool { return c == ChoiceYes || c == ChoiceNo }

// Vote is either an Explicit choice or a Waived pre-approval.
// The set of implementations is closed.
type Vote interface {
	CountsAsYes() bool
	String() string
	isVote()
}

// Explicit is a signed yes/no vote on one milestone.
type Explicit struct{ Choice Choice }

// Waived is a vote materialized from a campaign-wide waiver. It counts as yes.
type Waived struct{}

func (v Explicit) CountsAsYes() bool { return v.Choice == ChoiceYes }
func (v Explicit) String() string    { return string(v.Choice) }
func (Explicit) isVote()             {}

func (Waived) CountsAsYes() bool { return true }
func (Waived) String() string    { return "waived" }
func (Waived) isVote()           {}

// ParseVote is the inverse of Vote.String.
func ParseVote(s string) (Vote, error) {
	switch s {
	case "yes":
		return Explicit{Choice: ChoiceYes}, nil
	case "no":
		return Explicit{Choice: ChoiceNo}, nil
	case "waived":
		return Waived{}, nil
	}
	return nil, fmt.Errorf("unknown vote %q", s)
}

// VoteToken proves a contributor may vote on a campaign's milestones.
type VoteToken struct {
	ID            uuid.UUID
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	TokenHash     string
	CreatedAt     time.Time
}

// VoteSubmission is one contributor's vote for one round of a milestone.
// Unique per (milestone, round, contributor); never mutated.
type VoteSubmission struct {
	ID            uuid.UUID
	MilestoneID   uuid.UUID
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Round         int
	Vote          Vote
	Nonce         string
	Signature     string
	VoteHash      string
	SubmittedAt   time.Time
}

// CampaignWaiver records a contributor's signed pre-approval of every
// milestone in a campaign.
type CampaignWaiver struct {
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Nonce         string
	Signature     string
	CreatedAt     time.Time
}

// Outcome is the result of a tally.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// VoteResult is the single tally snapshot for one round of a milestone.
type VoteResult struct {
	ID            uuid.UUID
	MilestoneID   uuid.UUID
	Round         int
	Eligible      int // vote token holders at tally time
	Total         int
	Yes           int // explicit yes plus waived
	No            int
	Waived        int
	YesPercentage float64
	Outcome       Outcome
	TalliedAt     time.Time
}

// ContributorKey is the ed25519 public key a contributor signs votes with.
type ContributorKey struct {
	ContributorID uuid.UUID
	PublicKey     string // hex
	UpdatedAt     time.Time
}
