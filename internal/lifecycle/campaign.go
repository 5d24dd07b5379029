// Package lifecycle holds the campaign and milestone state machines. The
// functions here validate a transition, then mutate the passed record and
// stamp its timestamps. An invalid request returns a StateError and leaves
// the record untouched.
package lifecycle

import (
	"time"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

// daysPerMonth converts campaign duration into a funding window.
const daysPerMonth = 30

var campaignEdges = map[models.CampaignStatus][]models.CampaignStatus{
	models.CampaignDraft:         {models.CampaignPendingReview, models.CampaignActive},
	models.CampaignPendingReview: {models.CampaignActive, models.CampaignDraft},
	models.CampaignActive:        {models.CampaignFunded, models.CampaignFailed},
	models.CampaignFunded:        {models.CampaignInPhases, models.CampaignFailed},
	models.CampaignInPhases:      {models.CampaignCompleted, models.CampaignFailed},
	models.CampaignCompleted:     {},
	models.CampaignFailed:        {},
}

// CanTransitionCampaign reports whether from -> to is an allowed edge.
func CanTransitionCampaign(from, to models.CampaignStatus) bool {
	for _, next := range campaignEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionCampaign moves c to the target status.
func TransitionCampaign(c *models.Campaign, to models.CampaignStatus, now time.Time) error {
	if !CanTransitionCampaign(c.Status, to) {
		return apperr.State(apperr.CodeInvalidCampaignTransition,
			"cannot move campaign from %s to %s", c.Status, to).
			With("campaign_id", c.ID.String()).
			With("from", string(c.Status)).
			With("to", string(to))
	}

	from := c.Status
	c.Status = to
	c.UpdatedAt = now

	switch to {
	case models.CampaignPendingReview:
		c.SubmittedAt = stamp(now)
	case models.CampaignActive:
		if from == models.CampaignPendingReview {
			c.ApprovedAt = stamp(now)
		}
		c.LaunchedAt = stamp(now)
		c.FundingEndsAt = stamp(FundingDeadline(now, c.DurationMonths))
	case models.CampaignFunded:
		c.FundedAt = stamp(now)
	case models.CampaignInPhases:
		c.PhasesStartedAt = stamp(now)
		c.CurrentMilestone = 1
	case models.CampaignCompleted:
		c.CompletedAt = stamp(now)
	case models.CampaignFailed:
		c.FailedAt = stamp(now)
	}
	return nil
}

// FundingDeadline is the end of the funding window for a campaign launched at start.
func FundingDeadline(start time.Time, durationMonths int) time.Time {
	if durationMonths <= 0 {
		durationMonths = 1
	}
	return start.AddDate(0, 0, durationMonths*daysPerMonth)
}

func stamp(t time.Time) *time.Time {
	return &t
}
