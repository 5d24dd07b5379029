package voting

import "github.com/sheikh-saqib/milestone-escrow/internal/models"

// DefaultApprovalThreshold is the yes percentage needed to approve a milestone.
const DefaultApprovalThreshold = 75.0

// Rules decide an outcome from counted votes.
type Rules struct {
	ApprovalThreshold float64 // percent of submitted votes
	QuorumPercentage  float64 // percent of token holders; 0 disables the check
}

// DefaultRules returns the default approval rules.
func DefaultRules() Rules {
	return Rules{ApprovalThreshold: DefaultApprovalThreshold}
}

// Count is the result of counting one round of votes.
type Count struct {
	Eligible      int
	Total         int
	Yes           int // explicit yes plus waived
	No            int
	Waived        int
	YesPercentage float64
	Participation float64
	Outcome       models.Outcome
}

// Tally counts votes and applies the rules. Zero votes is a rejection.
func Tally(votes []models.VoteSubmission, eligible int, rules Rules) Count {
	c := Count{Eligible: eligible, Total: len(votes)}
	for _, v := range votes {
		if _, waived := v.Vote.(models.Waived); waived {
			c.Waived++
		}
		if v.Vote.CountsAsYes() {
			c.Yes++
		} else {
			c.No++
		}
	}

	if c.Total > 0 {
		c.YesPercentage = float64(c.Yes) / float64(c.Total) * 100
	}
	if eligible > 0 {
		c.Participation = float64(c.Total) / float64(eligible) * 100
	}

	threshold := rules.ApprovalThreshold
	if threshold <= 0 {
		threshold = DefaultApprovalThreshold
	}

	c.Outcome = models.OutcomeRejected
	if c.Total > 0 && c.YesPercentage >= threshold &&
		(rules.QuorumPercentage <= 0 || c.Participation >= rules.QuorumPercentage) {
		c.Outcome = models.OutcomeApproved
	}
	return c
}

// Result converts a count into the persisted snapshot for one round.
func (c Count) Result(m models.Milestone) models.VoteResult {
	return models.VoteResult{
		MilestoneID:   m.ID,
		Round:         m.Round(),
		Eligible:      c.Eligible,
		Total:         c.Total,
		Yes:           c.Yes,
		No:            c.No,
		Waived:        c.Waived,
		YesPercentage: c.YesPercentage,
		Outcome:       c.Outcome,
	}
}
