package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MilestoneStatus is a milestone lifecycle state.
type MilestoneStatus string

const (
	MilestonePending           MilestoneStatus = "pending"
	MilestoneActive            MilestoneStatus = "active"
	MilestoneEvidenceSubmitted MilestoneStatus = "evidence_submitted"
	MilestoneVotingOpen        MilestoneStatus = "voting_open"
	MilestoneVotingClosed      MilestoneStatus = "voting_closed"
	MilestoneApproved          MilestoneStatus = "approved"
	MilestoneRejected          MilestoneStatus = "rejected"
	MilestoneRevisionSubmitted MilestoneStatus = "revision_submitted"
	MilestoneFailed            MilestoneStatus = "failed"
	MilestoneReleased          MilestoneStatus = "released"
)

func (s MilestoneStatus) IsValid() bool {
	switch s {
	case MilestonePending, MilestoneActive, MilestoneEvidenceSubmitted, MilestoneVotingOpen,
		MilestoneVotingClosed, MilestoneApproved, MilestoneRejected, MilestoneRevisionSubmitted,
		MilestoneFailed, MilestoneReleased:
		return true
	}
	return false
}

func (s MilestoneStatus) IsTerminal() bool {
	return s == MilestoneReleased || s == MilestoneFailed
}

// IsConcluded reports whether votes can no longer change the milestone's fate.
func (s MilestoneStatus) IsConcluded() bool {
	return s == MilestoneApproved || s.IsTerminal()
}

// Milestone is one phase of a campaign.
type Milestone struct {
	ID                   uuid.UUID
	CampaignID           uuid.UUID
	Index                int     // 1..PhaseCount
	Weight               float64 // share of the funding goal; weights of a campaign sum to 1
	DisbursementFraction float64
	ReleaseAmount        decimal.Decimal
	RevisionCount        int
	MaxRevisions         int
	Status               MilestoneStatus

	EvidenceDescription string
	EvidenceRef         string

	ActivatedAt         *time.Time
	EvidenceSubmittedAt *time.Time
	VotingStartsAt      *time.Time
	VotingEndsAt        *time.Time // exclusive
	ApprovedAt          *time.Time
	RejectedAt          *time.Time
	ReleasedAt          *time.Time
	FailedAt            *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Round is the voting round currently addressed by the milestone. Each
// revision opens a fresh round.
func (m Milestone) Round() int { return m.RevisionCount }

// VotingWindowContains reports whether t falls in [VotingStartsAt, VotingEndsAt).
func (m Milestone) VotingWindowContains(t time.Time) bool {
	if m.VotingStartsAt == nil || m.VotingEndsAt == nil {
		return false
	}
	return !t.Before(*m.VotingStartsAt) && t.Before(*m.VotingEndsAt)
}
