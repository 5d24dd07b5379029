package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/lifecycle"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
	"github.com/sheikh-saqib/milestone-escrow/internal/voting"
)

func requireInPhases(c models.Campaign, code apperr.Code) error {
	if c.Status == models.CampaignInPhases {
		return nil
	}
	return apperr.State(code, "campaign is %s, not in_phases", c.Status).
		With("campaign_id", c.ID.String())
}

// SubmitEvidence attaches milestone evidence. After a rejection it opens a
// revision, subject to the revision limit.
func (e *Engine) SubmitEvidence(ctx context.Context, milestoneID uuid.UUID, description, attachmentRef string) (models.Milestone, error) {
	if strings.TrimSpace(description) == "" {
		return models.Milestone{}, apperr.Validation(apperr.CodeInvalidInput, "evidence description is required")
	}

	var m models.Milestone
	err := e.run(ctx, "submit_evidence", func(ctx context.Context, tx interfaces.Tx) error {
		c, locked, err := lockMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		m = locked
		if err := requireInPhases(c, apperr.CodeInvalidMilestoneTransition); err != nil {
			return err
		}
		if err := lifecycle.SubmitEvidence(&m, description, attachmentRef, e.now()); err != nil {
			return err
		}
		return tx.UpdateMilestone(ctx, m)
	})
	if err != nil {
		return models.Milestone{}, err
	}

	e.logger.Info("evidence submitted",
		zap.String("campaign_id", m.CampaignID.String()),
		zap.String("milestone_id", m.ID.String()),
		zap.Int("revision", m.RevisionCount),
	)
	return m, nil
}

// OpenVoting opens the voting window and records waived votes for every
// contributor holding a campaign waiver.
func (e *Engine) OpenVoting(ctx context.Context, milestoneID uuid.UUID) (models.Milestone, error) {
	var m models.Milestone
	err := e.run(ctx, "open_voting", func(ctx context.Context, tx interfaces.Tx) error {
		c, locked, err := lockMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		m = locked
		if err := requireInPhases(c, apperr.CodeInvalidMilestoneTransition); err != nil {
			return err
		}
		now := e.now()
		if err := lifecycle.OpenVoting(&m, e.opts.VotingWindow, now); err != nil {
			return err
		}
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}

		waivers, err := tx.ListWaivers(ctx, m.CampaignID)
		if err != nil {
			return fmt.Errorf("list waivers: %w", err)
		}
		for _, w := range waivers {
			if _, err := e.insertWaived(ctx, tx, m, w, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Milestone{}, err
	}

	e.logger.Info("voting opened",
		zap.String("campaign_id", m.CampaignID.String()),
		zap.String("milestone_id", m.ID.String()),
		zap.Int("round", m.Round()),
		zap.Time("ends_at", *m.VotingEndsAt),
	)
	return m, nil
}

// CastVoteInput is one signed vote.
type CastVoteInput struct {
	MilestoneID   uuid.UUID
	ContributorID uuid.UUID
	Choice        models.Choice
	Signature     string // hex ed25519 over voting.VoteMessage
	Nonce         string
}

// CastVote verifies and stores a contributor's vote for the current round.
func (e *Engine) CastVote(ctx context.Context, in CastVoteInput) (models.VoteSubmission, error) {
	if !in.Choice.IsValid() {
		return models.VoteSubmission{}, apperr.Validation(apperr.CodeInvalidInput, "vote must be yes or no")
	}
	if err := voting.ValidateNonce(in.Nonce); err != nil {
		return models.VoteSubmission{}, err
	}

	var sub models.VoteSubmission
	err := e.run(ctx, "cast_vote", func(ctx context.Context, tx interfaces.Tx) error {
		c, m, err := lockMilestone(ctx, tx, in.MilestoneID)
		if err != nil {
			return err
		}
		if err := requireInPhases(c, apperr.CodeVotingClosed); err != nil {
			return err
		}
		now := e.now()
		if m.Status != models.MilestoneVotingOpen || !m.VotingWindowContains(now) {
			return apperr.State(apperr.CodeVotingClosed, "milestone is not accepting votes").
				With("milestone_id", m.ID.String()).
				With("status", string(m.Status))
		}

		// A retried submission is a duplicate vote, not a replayed nonce.
		voted, err := tx.HasVoted(ctx, m.ID, m.Round(), in.ContributorID)
		if err != nil {
			return fmt.Errorf("check vote: %w", err)
		}
		if voted {
			return duplicateVote(m, in.ContributorID)
		}

		token, err := e.authorize(ctx, tx, c.ID, in.ContributorID,
			voting.VoteMessage(e.opts.App, c.ID, m.ID, in.Choice, in.Nonce), in.Signature, in.Nonce)
		if err != nil {
			return err
		}

		vote := models.Explicit{Choice: in.Choice}
		sub = models.VoteSubmission{
			ID:            e.newID(),
			MilestoneID:   m.ID,
			CampaignID:    c.ID,
			ContributorID: in.ContributorID,
			Round:         m.Round(),
			Vote:          vote,
			Nonce:         in.Nonce,
			Signature:     in.Signature,
			VoteHash:      voting.VoteHash(token.TokenHash, vote),
			SubmittedAt:   now,
		}
		if err := tx.InsertVote(ctx, sub); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return duplicateVote(m, in.ContributorID)
			}
			return fmt.Errorf("insert vote: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.VoteSubmission{}, err
	}

	e.metrics.IncrementVote(string(in.Choice))
	return sub, nil
}

func duplicateVote(m models.Milestone, contributorID uuid.UUID) error {
	return apperr.State(apperr.CodeDuplicateVote, "contributor already voted in round %d", m.Round()).
		With("milestone_id", m.ID.String()).
		With("contributor_id", contributorID.String())
}

// authorize checks the vote token, the registered key, the signature and
// finally claims the nonce. The nonce is claimed last so a bad signature
// cannot burn it.
func (e *Engine) authorize(ctx context.Context, tx interfaces.Tx, campaignID, contributorID uuid.UUID, message []byte, signature, nonce string) (models.VoteToken, error) {
	token, err := tx.GetVoteToken(ctx, campaignID, contributorID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.VoteToken{}, apperr.Integrity(apperr.CodeMissingVoteToken, "contributor holds no vote token for this campaign").
			With("contributor_id", contributorID.String())
	}
	if err != nil {
		return models.VoteToken{}, fmt.Errorf("load vote token: %w", err)
	}

	key, err := tx.GetContributorKey(ctx, contributorID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.VoteToken{}, apperr.Integrity(apperr.CodeMissingPublicKey, "contributor has no registered public key").
			With("contributor_id", contributorID.String())
	}
	if err != nil {
		return models.VoteToken{}, fmt.Errorf("load contributor key: %w", err)
	}

	if err := voting.Verify(key.PublicKey, message, signature); err != nil {
		return models.VoteToken{}, err
	}

	fresh, err := e.nonces.Claim(ctx, contributorID, nonce)
	if err != nil {
		return models.VoteToken{}, fmt.Errorf("claim nonce: %w", err)
	}
	if !fresh {
		return models.VoteToken{}, apperr.Integrity(apperr.CodeNonceReplayed, "nonce was already used").
			With("contributor_id", contributorID.String())
	}
	return token, nil
}

// WaiverInput is a signed campaign-wide pre-approval.
type WaiverInput struct {
	CampaignID    uuid.UUID
	ContributorID uuid.UUID
	Signature     string // hex ed25519 over voting.WaiverMessage
	Nonce         string
}

// WaiveAll records a waiver and materializes a waived vote on every milestone
// that is still open to governance and where the contributor has not voted
// in the current round. It returns only the submissions it created.
func (e *Engine) WaiveAll(ctx context.Context, in WaiverInput) ([]models.VoteSubmission, error) {
	if err := voting.ValidateNonce(in.Nonce); err != nil {
		return nil, err
	}

	var created []models.VoteSubmission
	err := e.run(ctx, "waive_all", func(ctx context.Context, tx interfaces.Tx) error {
		c, err := getCampaign(ctx, tx, in.CampaignID)
		if err != nil {
			return err
		}
		if c.Status.IsTerminal() {
			return apperr.State(apperr.CodeCampaignNotAccepting, "campaign is %s", c.Status).
				With("campaign_id", c.ID.String())
		}

		_, err = e.authorize(ctx, tx, c.ID, in.ContributorID,
			voting.WaiverMessage(e.opts.App, c.ID, in.Nonce), in.Signature, in.Nonce)
		if err != nil {
			return err
		}

		now := e.now()
		waiver := models.CampaignWaiver{
			CampaignID:    c.ID,
			ContributorID: in.ContributorID,
			Nonce:         in.Nonce,
			Signature:     in.Signature,
			CreatedAt:     now,
		}
		if err := tx.UpsertWaiver(ctx, waiver); err != nil {
			return fmt.Errorf("store waiver: %w", err)
		}

		milestones, err := tx.ListMilestones(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("list milestones: %w", err)
		}
		for _, m := range milestones {
			// A rejected milestone gets its waived vote when the revision opens voting.
			if m.Status.IsConcluded() || m.Status == models.MilestoneRejected {
				continue
			}
			sub, err := e.insertWaived(ctx, tx, m, waiver, now)
			if err != nil {
				return err
			}
			if sub != nil {
				created = append(created, *sub)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for range created {
		e.metrics.IncrementVote("waived")
	}
	e.logger.Info("votes waived",
		zap.String("campaign_id", in.CampaignID.String()),
		zap.String("contributor_id", in.ContributorID.String()),
		zap.Int("milestones", len(created)),
	)
	return created, nil
}

// insertWaived stores a waived vote for m's current round unless the
// contributor already has one. It returns nil when nothing was stored.
func (e *Engine) insertWaived(ctx context.Context, tx interfaces.Tx, m models.Milestone, w models.CampaignWaiver, now time.Time) (*models.VoteSubmission, error) {
	token, err := tx.GetVoteToken(ctx, m.CampaignID, w.ContributorID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load vote token: %w", err)
	}

	vote := models.Waived{}
	sub := models.VoteSubmission{
		ID:            e.newID(),
		MilestoneID:   m.ID,
		CampaignID:    m.CampaignID,
		ContributorID: w.ContributorID,
		Round:         m.Round(),
		Vote:          vote,
		Nonce:         w.Nonce,
		Signature:     w.Signature,
		VoteHash:      voting.VoteHash(token.TokenHash, vote),
		SubmittedAt:   now,
	}
	inserted, err := tx.InsertVoteIfAbsent(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("insert waived vote: %w", err)
	}
	if !inserted {
		return nil, nil
	}
	return &sub, nil
}

// TallyOutcome is the result of TallyVotes and of what it set in motion.
type TallyOutcome struct {
	Result   models.VoteResult
	Replayed bool // the round was already tallied; nothing ran again
	Release  *ReleaseReceipt
	Refunds  *RefundSummary
}

// TallyVotes counts the current round exactly once. Approval releases the
// milestone's funds; a final rejection fails the campaign and refunds every
// contributor. Both follow-ups run after the tally commits, so an error from
// them is returned alongside a valid outcome.
func (e *Engine) TallyVotes(ctx context.Context, milestoneID uuid.UUID) (TallyOutcome, error) {
	var out TallyOutcome
	var m models.Milestone
	var campaignFailed, inPhases bool

	err := e.run(ctx, "tally_votes", func(ctx context.Context, tx interfaces.Tx) error {
		c, locked, err := lockMilestone(ctx, tx, milestoneID)
		if err != nil {
			return err
		}
		m = locked

		prior, err := tx.GetVoteResult(ctx, m.ID, m.Round())
		if err == nil {
			out = TallyOutcome{Result: prior, Replayed: true}
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("load vote result: %w", err)
		}
		if m.Status != models.MilestoneVotingOpen && m.Status != models.MilestoneVotingClosed {
			return apperr.State(apperr.CodeNotTallied, "milestone is %s; only an open or closed vote can be tallied", m.Status).
				With("milestone_id", m.ID.String())
		}

		votes, err := tx.ListVotes(ctx, m.ID, m.Round())
		if err != nil {
			return fmt.Errorf("list votes: %w", err)
		}
		eligible, err := tx.CountVoteTokens(ctx, m.CampaignID)
		if err != nil {
			return fmt.Errorf("count vote tokens: %w", err)
		}

		now := e.now()
		result := voting.Tally(votes, eligible, e.rules()).Result(m)
		result.ID = e.newID()
		result.TalliedAt = now
		if err := tx.InsertVoteResult(ctx, result); err != nil {
			return fmt.Errorf("insert vote result: %w", err)
		}

		if err := lifecycle.ResolveVote(&m, result.Outcome, now); err != nil {
			return err
		}
		// A campaign failed mid-vote has already refunded its escrow, so a
		// rejection there is final and an approval releases nothing.
		inPhases = c.Status == models.CampaignInPhases
		if result.Outcome == models.OutcomeApproved {
			c.MilestonesApproved++
		} else {
			c.MilestonesRejected++
			if lifecycle.RevisionsExhausted(m) || !inPhases {
				if err := lifecycle.FailMilestone(&m, now); err != nil {
					return err
				}
				if inPhases {
					if err := lifecycle.TransitionCampaign(&c, models.CampaignFailed, now); err != nil {
						return err
					}
					campaignFailed = true
				}
			}
		}
		c.UpdatedAt = now
		if err := tx.UpdateMilestone(ctx, m); err != nil {
			return fmt.Errorf("update milestone: %w", err)
		}
		if err := tx.UpdateCampaign(ctx, c); err != nil {
			return fmt.Errorf("update campaign: %w", err)
		}

		out = TallyOutcome{Result: result}
		return nil
	})
	if err != nil {
		return TallyOutcome{}, err
	}
	if out.Replayed {
		return out, nil
	}

	r := out.Result
	e.metrics.IncrementTally(string(r.Outcome))
	e.logger.Info("milestone tallied",
		zap.String("campaign_id", m.CampaignID.String()),
		zap.String("milestone_id", m.ID.String()),
		zap.Int("round", r.Round),
		zap.Int("yes", r.Yes),
		zap.Int("no", r.No),
		zap.Float64("yes_percentage", r.YesPercentage),
		zap.String("outcome", string(r.Outcome)),
	)
	e.publish(ctx, domain.MilestoneTallied{
		CampaignID:    m.CampaignID.String(),
		MilestoneID:   m.ID.String(),
		Round:         r.Round,
		Yes:           r.Yes,
		No:            r.No,
		YesPercentage: r.YesPercentage,
		Outcome:       string(r.Outcome),
		OccurredAt:    r.TalliedAt,
	})

	switch {
	case r.Outcome == models.OutcomeApproved && inPhases:
		release, err := e.ReleaseMilestoneFunds(ctx, m.ID)
		if err != nil {
			return out, err
		}
		out.Release = &release
	case campaignFailed:
		e.publish(ctx, transitioned(m.CampaignID, models.CampaignInPhases, models.CampaignFailed, r.TalliedAt))
		summary, err := e.InitiateBulkRefunds(ctx, m.CampaignID, RefundReasonMilestoneRejected)
		if err != nil {
			return out, err
		}
		out.Refunds = &summary
	}
	return out, nil
}
