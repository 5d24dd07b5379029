package httptransport

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/workflow"
)

// Request bodies.

type createCampaignRequest struct {
	FundraiserID   uuid.UUID       `json:"fundraiser_id"`
	Title          string          `json:"title"`
	FundingGoal    decimal.Decimal `json:"funding_goal"`
	DurationMonths int             `json:"duration_months"`
	L1Risk         float64         `json:"l1_risk"`
	L2Risk         float64         `json:"l2_risk"`
	CampaignType   string          `json:"campaign_type"`
}

type transitionRequest struct {
	Status models.CampaignStatus `json:"status"`
}

type contributionRequest struct {
	ContributorID uuid.UUID       `json:"contributor_id"`
	Amount        decimal.Decimal `json:"amount"`
	ExternalRef   string          `json:"external_ref"`
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type waiverRequest struct {
	ContributorID uuid.UUID `json:"contributor_id"`
	Signature     string    `json:"signature"`
	Nonce         string    `json:"nonce"`
}

type evidenceRequest struct {
	Description string `json:"description"`
	Ref         string `json:"ref"`
}

type voteRequest struct {
	ContributorID uuid.UUID     `json:"contributor_id"`
	Vote          models.Choice `json:"vote"`
	Signature     string        `json:"signature"`
	Nonce         string        `json:"nonce"`
}

type keyRequest struct {
	PublicKey string `json:"public_key"`
}

// Response bodies.

type campaignView struct {
	ID                 uuid.UUID             `json:"id"`
	FundraiserID       uuid.UUID             `json:"fundraiser_id"`
	Title              string                `json:"title"`
	FundingGoal        decimal.Decimal       `json:"funding_goal"`
	DurationMonths     int                   `json:"duration_months"`
	CampaignType       string                `json:"campaign_type"`
	RiskFactor         float64               `json:"risk_factor"`
	Alpha              float64               `json:"alpha"`
	PhaseCount         int                   `json:"phase_count"`
	Status             models.CampaignStatus `json:"status"`
	TotalContributions decimal.Decimal       `json:"total_contributions"`
	TotalReleased      decimal.Decimal       `json:"total_released"`
	TotalRefunded      decimal.Decimal       `json:"total_refunded"`
	CurrentMilestone   int                   `json:"current_milestone"`
	FundingEndsAt      *time.Time            `json:"funding_ends_at,omitempty"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

func toCampaignView(c models.Campaign) campaignView {
	return campaignView{
		ID:                 c.ID,
		FundraiserID:       c.FundraiserID,
		Title:              c.Title,
		FundingGoal:        c.FundingGoal,
		DurationMonths:     c.DurationMonths,
		CampaignType:       c.CampaignType,
		RiskFactor:         c.RiskFactor,
		Alpha:              c.Alpha,
		PhaseCount:         c.PhaseCount,
		Status:             c.Status,
		TotalContributions: c.TotalContributions,
		TotalReleased:      c.TotalReleased,
		TotalRefunded:      c.TotalRefunded,
		CurrentMilestone:   c.CurrentMilestone,
		FundingEndsAt:      c.FundingEndsAt,
		UpdatedAt:          c.UpdatedAt,
	}
}

type milestoneView struct {
	ID            uuid.UUID              `json:"id"`
	CampaignID    uuid.UUID              `json:"campaign_id"`
	Index         int                    `json:"index"`
	Weight        float64                `json:"weight"`
	ReleaseAmount decimal.Decimal        `json:"release_amount"`
	Status        models.MilestoneStatus `json:"status"`
	Round         int                    `json:"round"`
	MaxRevisions  int                    `json:"max_revisions"`
	VotingEndsAt  *time.Time             `json:"voting_ends_at,omitempty"`
}

func toMilestoneView(m models.Milestone) milestoneView {
	return milestoneView{
		ID:            m.ID,
		CampaignID:    m.CampaignID,
		Index:         m.Index,
		Weight:        m.Weight,
		ReleaseAmount: m.ReleaseAmount,
		Status:        m.Status,
		Round:         m.Round(),
		MaxRevisions:  m.MaxRevisions,
		VotingEndsAt:  m.VotingEndsAt,
	}
}

func toMilestoneViews(ms []models.Milestone) []milestoneView {
	out := make([]milestoneView, 0, len(ms))
	for _, m := range ms {
		out = append(out, toMilestoneView(m))
	}
	return out
}

type escrowView struct {
	CampaignID         uuid.UUID       `json:"campaign_id"`
	Balance            decimal.Decimal `json:"balance"`
	TotalContributions decimal.Decimal `json:"total_contributions"`
	TotalReleased      decimal.Decimal `json:"total_released"`
	TotalRefunded      decimal.Decimal `json:"total_refunded"`
	Frozen             bool            `json:"frozen"`
}

func toEscrowView(e models.EscrowAccount) escrowView {
	return escrowView{
		CampaignID:         e.CampaignID,
		Balance:            e.Balance,
		TotalContributions: e.TotalContributions,
		TotalReleased:      e.TotalReleased,
		TotalRefunded:      e.TotalRefunded,
		Frozen:             e.Frozen,
	}
}

type campaignDetailsView struct {
	Campaign   campaignView    `json:"campaign"`
	Milestones []milestoneView `json:"milestones"`
	Escrow     escrowView      `json:"escrow"`
}

func toDetailsView(d workflow.CampaignDetails) campaignDetailsView {
	return campaignDetailsView{
		Campaign:   toCampaignView(d.Campaign),
		Milestones: toMilestoneViews(d.Milestones),
		Escrow:     toEscrowView(d.Escrow),
	}
}

type escrowReportView struct {
	escrowView
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	EntryCount    int             `json:"entry_count"`
	Reconciled    bool            `json:"reconciled"`
}

type ledgerEntryView struct {
	ID            uuid.UUID        `json:"id"`
	Type          models.EntryType `json:"type"`
	Amount        decimal.Decimal  `json:"amount"`
	ReferenceID   uuid.UUID        `json:"reference_id"`
	ReferenceCode string           `json:"reference_code"`
	CreatedAt     time.Time        `json:"created_at"`
}

type contributionView struct {
	ID          uuid.UUID       `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	NewBalance  decimal.Decimal `json:"new_balance"`
	VoteTokenID uuid.UUID       `json:"vote_token_id"`
	Replayed    bool            `json:"replayed"`
}

type voteView struct {
	ID            uuid.UUID `json:"id"`
	MilestoneID   uuid.UUID `json:"milestone_id"`
	ContributorID uuid.UUID `json:"contributor_id"`
	Round         int       `json:"round"`
	Vote          string    `json:"vote"`
	VoteHash      string    `json:"vote_hash"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

func toVoteView(v models.VoteSubmission) voteView {
	return voteView{
		ID:            v.ID,
		MilestoneID:   v.MilestoneID,
		ContributorID: v.ContributorID,
		Round:         v.Round,
		Vote:          v.Vote.String(),
		VoteHash:      v.VoteHash,
		SubmittedAt:   v.SubmittedAt,
	}
}

type releaseView struct {
	ReleaseID         uuid.UUID       `json:"release_id"`
	MilestoneID       uuid.UUID       `json:"milestone_id"`
	Amount            decimal.Decimal `json:"amount"`
	NewBalance        decimal.Decimal `json:"new_balance"`
	CampaignCompleted bool            `json:"campaign_completed"`
	NextMilestoneID   *uuid.UUID      `json:"next_milestone_id,omitempty"`
}

func toReleaseView(r workflow.ReleaseReceipt) releaseView {
	v := releaseView{
		ReleaseID:         r.Release.ID,
		MilestoneID:       r.Release.MilestoneID,
		Amount:            r.Release.Amount,
		NewBalance:        r.NewBalance,
		CampaignCompleted: r.CampaignCompleted,
	}
	if r.NextMilestone != nil {
		id := r.NextMilestone.ID
		v.NextMilestoneID = &id
	}
	return v
}

type refundView struct {
	ContributorID uuid.UUID       `json:"contributor_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type refundSummaryView struct {
	CampaignID       uuid.UUID       `json:"campaign_id"`
	Reason           string          `json:"reason"`
	Refunds          []refundView    `json:"refunds"`
	TotalRefunded    decimal.Decimal `json:"total_refunded"`
	ContributorCount int             `json:"contributor_count"`
	Skipped          bool            `json:"skipped"`
	SkipReason       string          `json:"skip_reason,omitempty"`
}

func toRefundSummaryView(s workflow.RefundSummary) refundSummaryView {
	v := refundSummaryView{
		CampaignID:       s.CampaignID,
		Reason:           s.Reason,
		Refunds:          make([]refundView, 0, len(s.Refunds)),
		TotalRefunded:    s.TotalRefunded,
		ContributorCount: s.ContributorCount,
		Skipped:          s.Skipped,
		SkipReason:       s.SkipReason,
	}
	for _, r := range s.Refunds {
		v.Refunds = append(v.Refunds, refundView{ContributorID: r.ContributorID, Amount: r.Amount})
	}
	return v
}

type tallyView struct {
	Round         int                `json:"round"`
	Eligible      int                `json:"eligible"`
	Total         int                `json:"total"`
	Yes           int                `json:"yes"`
	No            int                `json:"no"`
	Waived        int                `json:"waived"`
	YesPercentage float64            `json:"yes_percentage"`
	Outcome       models.Outcome     `json:"outcome"`
	Replayed      bool               `json:"replayed"`
	Release       *releaseView       `json:"release,omitempty"`
	Refunds       *refundSummaryView `json:"refunds,omitempty"`
}

func toTallyView(o workflow.TallyOutcome) tallyView {
	r := o.Result
	v := tallyView{
		Round:         r.Round,
		Eligible:      r.Eligible,
		Total:         r.Total,
		Yes:           r.Yes,
		No:            r.No,
		Waived:        r.Waived,
		YesPercentage: r.YesPercentage,
		Outcome:       r.Outcome,
		Replayed:      o.Replayed,
	}
	if o.Release != nil {
		rv := toReleaseView(*o.Release)
		v.Release = &rv
	}
	if o.Refunds != nil {
		sv := toRefundSummaryView(*o.Refunds)
		v.Refunds = &sv
	}
	return v
}
