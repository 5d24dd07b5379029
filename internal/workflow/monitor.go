package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/lifecycle"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

// DeadlineReport counts what one monitor sweep did.
type DeadlineReport struct {
	Funded   int
	Refunded int
	Tallied  int
	Failed   int
}

// CheckFundingDeadlines settles every active campaign whose funding window
// has closed: funded if the goal was met, failed and refunded otherwise.
// A failure on one campaign is logged and does not stop the sweep.
func (e *Engine) CheckFundingDeadlines(ctx context.Context) (DeadlineReport, error) {
	var report DeadlineReport
	var due []models.Campaign
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		active, err := tx.ListCampaignsByStatus(ctx, models.CampaignActive)
		if err != nil {
			return fmt.Errorf("list active campaigns: %w", err)
		}
		now := e.now()
		for _, c := range active {
			if c.FundingEndsAt != nil && !now.Before(*c.FundingEndsAt) {
				due = append(due, c)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if c.TotalContributions.GreaterThanOrEqual(c.FundingGoal) {
			if _, err := e.TransitionCampaign(ctx, c.ID, models.CampaignFunded); err != nil {
				report.Failed++
				e.logger.Error("mark campaign funded", zap.String("campaign_id", c.ID.String()), zap.Error(err))
				continue
			}
			report.Funded++
			continue
		}
		if _, err := e.InitiateBulkRefunds(ctx, c.ID, RefundReasonDeadlineMissed); err != nil {
			report.Failed++
			e.logger.Error("refund missed campaign", zap.String("campaign_id", c.ID.String()), zap.Error(err))
			continue
		}
		report.Refunded++
	}
	return report, nil
}

// CheckVotingDeadlines closes every vote whose window has ended and tallies it.
func (e *Engine) CheckVotingDeadlines(ctx context.Context) (DeadlineReport, error) {
	var report DeadlineReport
	var due []models.Milestone
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		open, err := tx.ListMilestonesByStatus(ctx, models.MilestoneVotingOpen)
		if err != nil {
			return fmt.Errorf("list open votes: %w", err)
		}
		now := e.now()
		for _, m := range open {
			if m.VotingEndsAt != nil && !now.Before(*m.VotingEndsAt) {
				due = append(due, m)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	for _, m := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.closeVoting(ctx, m); err != nil {
			report.Failed++
			e.logger.Error("close voting", zap.String("milestone_id", m.ID.String()), zap.Error(err))
			continue
		}
		if _, err := e.TallyVotes(ctx, m.ID); err != nil {
			report.Failed++
			e.logger.Error("tally expired vote", zap.String("milestone_id", m.ID.String()), zap.Error(err))
			continue
		}
		report.Tallied++
	}
	return report, nil
}

func (e *Engine) closeVoting(ctx context.Context, stale models.Milestone) error {
	return e.run(ctx, "close_voting", func(ctx context.Context, tx interfaces.Tx) error {
		m, err := getMilestone(ctx, tx, stale.ID)
		if err != nil {
			return err
		}
		if m.Status != models.MilestoneVotingOpen {
			return nil
		}
		if err := lifecycle.CloseVoting(&m, e.now()); err != nil {
			return err
		}
		return tx.UpdateMilestone(ctx, m)
	})
}

// RunMonitor sweeps both deadlines every interval until ctx is done.
func (e *Engine) RunMonitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("deadline monitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("deadline monitor stopped")
			return nil
		case <-ticker.C:
			funding, err := e.CheckFundingDeadlines(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("funding deadline sweep failed", zap.Error(err))
			}
			votes, err := e.CheckVotingDeadlines(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("voting deadline sweep failed", zap.Error(err))
			}
			if funding != (DeadlineReport{}) || votes != (DeadlineReport{}) {
				e.logger.Info("deadline sweep",
					zap.Int("funded", funding.Funded),
					zap.Int("refunded", funding.Refunded),
					zap.Int("tallied", votes.Tallied),
					zap.Int("failed", funding.Failed+votes.Failed),
				)
			}
		}
	}
}
