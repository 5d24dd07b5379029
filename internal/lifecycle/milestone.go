package lifecycle

import (
	"time"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

// DefaultVotingWindow is how long a milestone vote stays open.
const DefaultVotingWindow = 7 * 24 * time.Hour

var milestoneEdges = map[models.MilestoneStatus][]models.MilestoneStatus{
	models.MilestonePending:           {models.MilestoneActive},
	models.MilestoneActive:            {models.MilestoneEvidenceSubmitted},
	models.MilestoneEvidenceSubmitted: {models.MilestoneVotingOpen},
	models.MilestoneRevisionSubmitted: {models.MilestoneVotingOpen},
	models.MilestoneVotingOpen:        {models.MilestoneVotingClosed, models.MilestoneApproved, models.MilestoneRejected},
	models.MilestoneVotingClosed:      {models.MilestoneApproved, models.MilestoneRejected},
	models.MilestoneRejected:          {models.MilestoneRevisionSubmitted, models.MilestoneFailed},
	models.MilestoneApproved:          {models.MilestoneReleased},
	models.MilestoneReleased:          {},
	models.MilestoneFailed:            {},
}

// CanTransitionMilestone reports whether from -> to is an allowed edge.
func CanTransitionMilestone(from, to models.MilestoneStatus) bool {
	for _, next := range milestoneEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

func checkMilestone(m *models.Milestone, to models.MilestoneStatus) error {
	if CanTransitionMilestone(m.Status, to) {
		return nil
	}
	return apperr.State(apperr.CodeInvalidMilestoneTransition,
		"cannot move milestone from %s to %s", m.Status, to).
		With("milestone_id", m.ID.String()).
		With("from", string(m.Status)).
		With("to", string(to))
}

// ActivateMilestone starts execution of m and points the campaign at it.
func ActivateMilestone(m *models.Milestone, c *models.Campaign, now time.Time) error {
	if err := checkMilestone(m, models.MilestoneActive); err != nil {
		return err
	}
	m.Status = models.MilestoneActive
	m.ActivatedAt = stamp(now)
	m.UpdatedAt = now
	c.CurrentMilestone = m.Index
	c.UpdatedAt = now
	return nil
}

// SubmitEvidence attaches evidence. Resubmitting after a rejection opens a
// revision and fails once the revision counter would pass MaxRevisions.
func SubmitEvidence(m *models.Milestone, description, ref string, now time.Time) error {
	var to models.MilestoneStatus
	switch m.Status {
	case models.MilestoneActive:
		to = models.MilestoneEvidenceSubmitted
	case models.MilestoneRejected:
		to = models.MilestoneRevisionSubmitted
		if m.RevisionCount+1 > m.MaxRevisions {
			return apperr.State(apperr.CodeRevisionLimitExceeded,
				"milestone already used %d of %d revisions", m.RevisionCount, m.MaxRevisions).
				With("milestone_id", m.ID.String())
		}
	default:
		return apperr.State(apperr.CodeInvalidMilestoneTransition,
			"cannot submit evidence while milestone is %s", m.Status).
			With("milestone_id", m.ID.String())
	}

	if to == models.MilestoneRevisionSubmitted {
		m.RevisionCount++
	}
	m.Status = to
	m.EvidenceDescription = description
	m.EvidenceRef = ref
	m.EvidenceSubmittedAt = stamp(now)
	m.UpdatedAt = now
	return nil
}

// OpenVoting opens the window [now, now+window).
func OpenVoting(m *models.Milestone, window time.Duration, now time.Time) error {
	if m.Status != models.MilestoneEvidenceSubmitted && m.Status != models.MilestoneRevisionSubmitted {
		return apperr.State(apperr.CodeInvalidMilestoneTransition,
			"evidence must be submitted before voting can open (milestone is %s)", m.Status).
			With("milestone_id", m.ID.String())
	}
	if window <= 0 {
		window = DefaultVotingWindow
	}
	m.Status = models.MilestoneVotingOpen
	m.VotingStartsAt = stamp(now)
	m.VotingEndsAt = stamp(now.Add(window))
	m.UpdatedAt = now
	return nil
}

// CloseVoting ends the window early or marks it expired.
func CloseVoting(m *models.Milestone, now time.Time) error {
	if err := checkMilestone(m, models.MilestoneVotingClosed); err != nil {
		return err
	}
	m.Status = models.MilestoneVotingClosed
	m.UpdatedAt = now
	return nil
}

// ResolveVote applies a tally outcome.
func ResolveVote(m *models.Milestone, outcome models.Outcome, now time.Time) error {
	to := models.MilestoneRejected
	if outcome == models.OutcomeApproved {
		to = models.MilestoneApproved
	}
	if err := checkMilestone(m, to); err != nil {
		return err
	}
	m.Status = to
	if to == models.MilestoneApproved {
		m.ApprovedAt = stamp(now)
	} else {
		m.RejectedAt = stamp(now)
	}
	m.UpdatedAt = now
	return nil
}

// MarkReleased records that the milestone's funds left escrow.
func MarkReleased(m *models.Milestone, now time.Time) error {
	if err := checkMilestone(m, models.MilestoneReleased); err != nil {
		return err
	}
	m.Status = models.MilestoneReleased
	m.ReleasedAt = stamp(now)
	m.UpdatedAt = now
	return nil
}

// FailMilestone ends a rejected milestone for good.
func FailMilestone(m *models.Milestone, now time.Time) error {
	if err := checkMilestone(m, models.MilestoneFailed); err != nil {
		return err
	}
	m.Status = models.MilestoneFailed
	m.FailedAt = stamp(now)
	m.UpdatedAt = now
	return nil
}

// RevisionsExhausted reports whether a rejection of m is final.
func RevisionsExhausted(m models.Milestone) bool {
	return m.RevisionCount >= m.MaxRevisions
}
