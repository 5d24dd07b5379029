package workflow

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/metrics"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage/memory"
	"github.com/sheikh-saqib/milestone-escrow/internal/voting"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type contributor struct {
	id   uuid.UUID
	priv ed25519.PrivateKey
}

type WorkflowSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.MemoryLedgerStore
	clock    *fakeClock
	recorder *events.Recorder
	metrics  *metrics.Metrics
	engine   *Engine
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewMemoryLedgerStore()
	s.clock = &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	s.recorder = &events.Recorder{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.engine = NewEngine(s.store,
		WithClock(s.clock),
		WithPublisher(s.recorder),
		WithMetrics(s.metrics),
	)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// seedCampaign stores a draft campaign with fixed weights and launches it.
func (s *WorkflowSuite) seedCampaign(goal string, weights []float64, maxRevisions int) models.Campaign {
	now := s.clock.Now()
	c := models.Campaign{
		ID:             uuid.New(),
		FundraiserID:   uuid.New(),
		Title:          "Community solar",
		FundingGoal:    dec(goal),
		DurationMonths: 1,
		CampaignType:   "donation",
		PhaseCount:     len(weights),
		Status:         models.CampaignDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	amounts := releaseAmounts(c.FundingGoal, weights)
	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if err := tx.InsertCampaign(ctx, c); err != nil {
			return err
		}
		for i, w := range weights {
			err := tx.InsertMilestone(ctx, models.Milestone{
				ID:                   uuid.New(),
				CampaignID:           c.ID,
				Index:                i + 1,
				Weight:               w,
				DisbursementFraction: w,
				ReleaseAmount:        amounts[i],
				MaxRevisions:         maxRevisions,
				Status:               models.MilestonePending,
				CreatedAt:            now,
				UpdatedAt:            now,
			})
			if err != nil {
				return err
			}
		}
		return tx.InsertEscrow(ctx, models.EscrowAccount{ID: uuid.New(), CampaignID: c.ID, UpdatedAt: now})
	})
	s.Require().NoError(err)

	launched, err := s.engine.TransitionCampaign(s.ctx, c.ID, models.CampaignActive)
	s.Require().NoError(err)
	return launched
}

func (s *WorkflowSuite) newContributor() contributor {
	pub, priv, err := ed25519.GenerateKey(nil)
	s.Require().NoError(err)
	c := contributor{id: uuid.New(), priv: priv}
	_, err = s.engine.RegisterContributorKey(s.ctx, c.id, hex.EncodeToString(pub))
	s.Require().NoError(err)
	return c
}

func (s *WorkflowSuite) contribute(campaignID uuid.UUID, who contributor, amount string) ContributionReceipt {
	r, err := s.engine.RecordContribution(s.ctx, ContributionInput{
		CampaignID:    campaignID,
		ContributorID: who.id,
		Amount:        dec(amount),
	})
	s.Require().NoError(err)
	return r
}

// startPhases funds the campaign and enters the milestone phase.
func (s *WorkflowSuite) startPhases(campaignID uuid.UUID) []models.Milestone {
	_, err := s.engine.TransitionCampaign(s.ctx, campaignID, models.CampaignFunded)
	s.Require().NoError(err)
	_, err = s.engine.TransitionCampaign(s.ctx, campaignID, models.CampaignInPhases)
	s.Require().NoError(err)
	return s.milestones(campaignID)
}

func (s *WorkflowSuite) milestones(campaignID uuid.UUID) []models.Milestone {
	d, err := s.engine.GetCampaign(s.ctx, campaignID)
	s.Require().NoError(err)
	return d.Milestones
}

func (s *WorkflowSuite) openVote(milestoneID uuid.UUID) {
	_, err := s.engine.SubmitEvidence(s.ctx, milestoneID, "installed panels", "s3://evidence/1")
	s.Require().NoError(err)
	_, err = s.engine.OpenVoting(s.ctx, milestoneID)
	s.Require().NoError(err)
}

func (s *WorkflowSuite) castVote(m models.Milestone, who contributor, choice models.Choice) (models.VoteSubmission, error) {
	nonce := uuid.NewString()
	msg := voting.VoteMessage(voting.DefaultApp, m.CampaignID, m.ID, choice, nonce)
	return s.engine.CastVote(s.ctx, CastVoteInput{
		MilestoneID:   m.ID,
		ContributorID: who.id,
		Choice:        choice,
		Signature:     voting.Sign(who.priv, msg),
		Nonce:         nonce,
	})
}

func (s *WorkflowSuite) waive(campaignID uuid.UUID, who contributor) ([]models.VoteSubmission, error) {
	nonce := uuid.NewString()
	return s.engine.WaiveAll(s.ctx, WaiverInput{
		CampaignID:    campaignID,
		ContributorID: who.id,
		Signature:     voting.Sign(who.priv, voting.WaiverMessage(voting.DefaultApp, campaignID, nonce)),
		Nonce:         nonce,
	})
}

func (s *WorkflowSuite) escrow(campaignID uuid.UUID) models.EscrowAccount {
	d, err := s.engine.GetCampaign(s.ctx, campaignID)
	s.Require().NoError(err)
	return d.Escrow
}

func (s *WorkflowSuite) requireCode(err error, code apperr.Code) {
	s.Require().Error(err)
	s.Require().True(apperr.IsCode(err, code), "expected %s, got %v", code, err)
}

func (s *WorkflowSuite) TestSingleMilestoneReleasesWholeGoal() {
	c := s.seedCampaign("100000.00", []float64{1.0}, 1)
	backer := s.newContributor()
	s.contribute(c.ID, backer, "100000.00")
	ms := s.startPhases(c.ID)
	s.Require().Len(ms, 1)
	s.Equal(models.MilestoneActive, ms[0].Status)

	s.openVote(ms[0].ID)
	_, err := s.castVote(ms[0], backer, models.ChoiceYes)
	s.Require().NoError(err)

	out, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeApproved, out.Result.Outcome)
	s.Require().NotNil(out.Release)
	s.True(out.Release.Release.Amount.Equal(dec("100000")))
	s.True(out.Release.NewBalance.IsZero())
	s.True(out.Release.CampaignCompleted)

	_, err = s.engine.ReleaseMilestoneFunds(s.ctx, ms[0].ID)
	s.requireCode(err, apperr.CodeDuplicateRelease)
	s.Equal(apperr.KindState, apperr.KindOf(err))

	details, err := s.engine.GetCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignCompleted, details.Campaign.Status)
	s.True(details.Campaign.TotalReleased.Equal(dec("100000")))

	report, err := s.engine.FinalizeCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.True(report.Success)
	s.False(report.HighBudget)
	s.Equal(1, report.MilestonesReleased)

	s.Contains(s.recorder.Types(), domain.TypeFundsReleased)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.FundsReleased))
}

func (s *WorkflowSuite) TestFinalRejectionRefundsProRata() {
	c := s.seedCampaign("1000.00", []float64{0.4, 0.6}, 0)
	a, b, d := s.newContributor(), s.newContributor(), s.newContributor()
	s.contribute(c.ID, a, "500.00")
	s.contribute(c.ID, b, "300.00")
	s.contribute(c.ID, d, "200.00")
	ms := s.startPhases(c.ID)

	s.openVote(ms[0].ID)
	for _, who := range []contributor{a, b, d} {
		_, err := s.castVote(ms[0], who, models.ChoiceYes)
		s.Require().NoError(err)
	}
	first, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.Require().NotNil(first.Release)
	s.True(first.Release.Release.Amount.Equal(dec("400")))
	s.True(first.Release.NewBalance.Equal(dec("600")))
	s.Require().NotNil(first.Release.NextMilestone)
	s.Equal(ms[1].ID, first.Release.NextMilestone.ID)
	s.Equal(models.MilestoneActive, first.Release.NextMilestone.Status)

	s.openVote(ms[1].ID)
	_, err = s.castVote(ms[1], a, models.ChoiceNo)
	s.Require().NoError(err)
	_, err = s.castVote(ms[1], b, models.ChoiceNo)
	s.Require().NoError(err)
	_, err = s.castVote(ms[1], d, models.ChoiceYes)
	s.Require().NoError(err)

	second, err := s.engine.TallyVotes(s.ctx, ms[1].ID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeRejected, second.Result.Outcome)
	s.Require().NotNil(second.Refunds)

	got := map[uuid.UUID]string{}
	for _, r := range second.Refunds.Refunds {
		got[r.ContributorID] = r.Amount.StringFixed(2)
	}
	s.Equal(map[uuid.UUID]string{a.id: "300.00", b.id: "180.00", d.id: "120.00"}, got)
	s.True(second.Refunds.TotalRefunded.Equal(dec("600")))
	s.Equal(3, second.Refunds.ContributorCount)

	esc := s.escrow(c.ID)
	s.True(esc.Balance.IsZero())
	s.True(esc.TotalRefunded.Equal(dec("600")))

	details, err := s.engine.GetCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignFailed, details.Campaign.Status)
	s.Equal(models.MilestoneFailed, details.Milestones[1].Status)

	err = s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		refunded, err := tx.ListContributions(ctx, c.ID, models.ContributionRefunded)
		s.Len(refunded, 3)
		return err
	})
	s.Require().NoError(err)
	s.Equal(3.0, testutil.ToFloat64(s.metrics.RefundsIssued))
}

func (s *WorkflowSuite) TestConcurrentContributionsLoseNothing() {
	c := s.seedCampaign("1000.00", []float64{1.0}, 1)
	backers := make([]contributor, 5)
	for i := range backers {
		backers[i] = s.newContributor()
	}

	g, ctx := errgroup.WithContext(s.ctx)
	for i := 0; i < 50; i++ {
		who := backers[i%len(backers)]
		g.Go(func() error {
			_, err := s.engine.RecordContribution(ctx, ContributionInput{
				CampaignID:    c.ID,
				ContributorID: who.id,
				Amount:        dec("10.25"),
			})
			return err
		})
	}
	s.Require().NoError(g.Wait())

	esc := s.escrow(c.ID)
	s.True(esc.Balance.Equal(dec("512.50")), esc.Balance.String())
	s.True(esc.TotalContributions.Equal(dec("512.50")))

	entries, err := s.engine.LedgerEntries(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Len(entries, 50)

	report, err := s.engine.EscrowSummary(s.ctx, c.ID)
	s.Require().NoError(err)
	s.True(report.Reconciled)

	err = s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		n, err := tx.CountVoteTokens(ctx, c.ID)
		s.Equal(5, n)
		return err
	})
	s.Require().NoError(err)
}

func (s *WorkflowSuite) TestContributionReplayByExternalRef() {
	c := s.seedCampaign("1000.00", []float64{1.0}, 1)
	who := s.newContributor()
	in := ContributionInput{CampaignID: c.ID, ContributorID: who.id, Amount: dec("25.00"), ExternalRef: "pi_123"}

	first, err := s.engine.RecordContribution(s.ctx, in)
	s.Require().NoError(err)
	s.False(first.Replayed)

	again, err := s.engine.RecordContribution(s.ctx, in)
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.Contribution.ID, again.Contribution.ID)
	s.Equal(first.VoteTokenID, again.VoteTokenID)
	s.True(s.escrow(c.ID).Balance.Equal(dec("25")))

	in.Amount = dec("30.00")
	_, err = s.engine.RecordContribution(s.ctx, in)
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
	s.Len(s.recorder.Types(), 2) // transition to active, one contribution
}

func (s *WorkflowSuite) TestContributionRejectedOutsideFundingWindow() {
	c := s.seedCampaign("1000.00", []float64{1.0}, 1)
	who := s.newContributor()

	s.clock.Advance(31 * 24 * time.Hour)
	_, err := s.engine.RecordContribution(s.ctx, ContributionInput{CampaignID: c.ID, ContributorID: who.id, Amount: dec("5")})
	s.requireCode(err, apperr.CodeCampaignNotAccepting)

	_, err = s.engine.RecordContribution(s.ctx, ContributionInput{CampaignID: c.ID, ContributorID: who.id, Amount: dec("-5")})
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
}

func (s *WorkflowSuite) TestDuplicateVoteKeepsFirst() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	_, err := s.castVote(ms[0], who, models.ChoiceYes)
	s.Require().NoError(err)
	_, err = s.castVote(ms[0], who, models.ChoiceNo)
	s.requireCode(err, apperr.CodeDuplicateVote)
	s.Equal(apperr.KindState, apperr.KindOf(err))

	err = s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		votes, err := tx.ListVotes(ctx, ms[0].ID, 0)
		s.Require().Len(votes, 1)
		s.Equal(models.Explicit{Choice: models.ChoiceYes}, votes[0].Vote)
		return err
	})
	s.Require().NoError(err)
}

func (s *WorkflowSuite) TestRetriedVoteIsDuplicate() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	nonce := uuid.NewString()
	in := CastVoteInput{
		MilestoneID:   ms[0].ID,
		ContributorID: who.id,
		Choice:        models.ChoiceYes,
		Signature:     voting.Sign(who.priv, voting.VoteMessage(voting.DefaultApp, c.ID, ms[0].ID, models.ChoiceYes, nonce)),
		Nonce:         nonce,
	}
	_, err := s.engine.CastVote(s.ctx, in)
	s.Require().NoError(err)

	_, err = s.engine.CastVote(s.ctx, in)
	s.requireCode(err, apperr.CodeDuplicateVote)
	s.Equal(apperr.KindState, apperr.KindOf(err))
}

func (s *WorkflowSuite) TestConcurrentVotesStoreOne() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	var mu sync.Mutex
	var stored, duplicates int
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		choice := models.ChoiceYes
		if i%2 == 1 {
			choice = models.ChoiceNo
		}
		g.Go(func() error {
			_, err := s.castVote(ms[0], who, choice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				stored++
			case apperr.IsCode(err, apperr.CodeDuplicateVote):
				duplicates++
			default:
				return err
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(1, stored)
	s.Equal(9, duplicates)

	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		votes, err := tx.ListVotes(ctx, ms[0].ID, 0)
		s.Len(votes, 1)
		return err
	})
	s.Require().NoError(err)
}

func (s *WorkflowSuite) TestVoteAuthorization() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	backer := s.newContributor()
	s.contribute(c.ID, backer, "100.00")

	keyless := contributor{id: uuid.New()}
	_, keylessPriv, err := ed25519.GenerateKey(nil)
	s.Require().NoError(err)
	keyless.priv = keylessPriv
	s.contribute(c.ID, keyless, "1.00")

	outsider := s.newContributor()

	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	_, err = s.castVote(ms[0], outsider, models.ChoiceYes)
	s.requireCode(err, apperr.CodeMissingVoteToken)

	_, err = s.castVote(ms[0], keyless, models.ChoiceYes)
	s.requireCode(err, apperr.CodeMissingPublicKey)

	forged := contributor{id: backer.id, priv: keylessPriv}
	_, err = s.castVote(ms[0], forged, models.ChoiceYes)
	s.requireCode(err, apperr.CodeInvalidSignature)
	s.Equal(apperr.KindIntegrity, apperr.KindOf(err))

	_, err = s.engine.CastVote(s.ctx, CastVoteInput{MilestoneID: ms[0].ID, ContributorID: backer.id, Choice: "maybe", Nonce: "n"})
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
}

func (s *WorkflowSuite) TestNonceCannotBeReused() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	nonce := "nonce-1"
	msg := voting.VoteMessage(voting.DefaultApp, c.ID, ms[0].ID, models.ChoiceYes, nonce)
	_, err := s.engine.CastVote(s.ctx, CastVoteInput{
		MilestoneID: ms[0].ID, ContributorID: who.id, Choice: models.ChoiceYes,
		Signature: voting.Sign(who.priv, msg), Nonce: nonce,
	})
	s.Require().NoError(err)

	_, err = s.engine.WaiveAll(s.ctx, WaiverInput{
		CampaignID: c.ID, ContributorID: who.id, Nonce: nonce,
		Signature: voting.Sign(who.priv, voting.WaiverMessage(voting.DefaultApp, c.ID, nonce)),
	})
	s.requireCode(err, apperr.CodeNonceReplayed)
}

func (s *WorkflowSuite) TestVotingClosesWithWindow() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	s.clock.Advance(s.engine.opts.VotingWindow)
	_, err := s.castVote(ms[0], who, models.ChoiceYes)
	s.requireCode(err, apperr.CodeVotingClosed)
}

func (s *WorkflowSuite) TestWaiverSkipsMilestonesAlreadyVoted() {
	c := s.seedCampaign("300.00", []float64{0.2, 0.3, 0.5}, 1)
	voter, waiver := s.newContributor(), s.newContributor()
	s.contribute(c.ID, voter, "150.00")
	s.contribute(c.ID, waiver, "150.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	_, err := s.castVote(ms[0], voter, models.ChoiceYes)
	s.Require().NoError(err)

	subs, err := s.waive(c.ID, waiver)
	s.Require().NoError(err)
	s.Len(subs, 3)
	for _, sub := range subs {
		s.Equal(models.Waived{}, sub.Vote)
	}

	subs, err = s.waive(c.ID, voter)
	s.Require().NoError(err)
	s.Require().Len(subs, 2)
	s.Equal(ms[1].ID, subs[0].MilestoneID)
	s.Equal(ms[2].ID, subs[1].MilestoneID)

	out, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.Equal(2, out.Result.Yes)
	s.Equal(1, out.Result.Waived)
	s.Equal(models.OutcomeApproved, out.Result.Outcome)
}

func (s *WorkflowSuite) TestTallyRunsOnce() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)
	_, err := s.castVote(ms[0], who, models.ChoiceYes)
	s.Require().NoError(err)

	first, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.False(first.Replayed)

	second, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.True(second.Replayed)
	s.Equal(first.Result.ID, second.Result.ID)
	s.Nil(second.Release)

	released := 0
	for _, typ := range s.recorder.Types() {
		if typ == domain.TypeFundsReleased {
			released++
		}
	}
	s.Equal(1, released)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.TalliesCompleted.WithLabelValues("approved")))
}

func (s *WorkflowSuite) TestConcurrentTalliesReleaseOnce() {
	c := s.seedCampaign("300.00", []float64{0.5, 0.5}, 1)
	backers := []contributor{s.newContributor(), s.newContributor(), s.newContributor()}
	for _, b := range backers {
		s.contribute(c.ID, b, "100.00")
	}
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)
	for _, b := range backers {
		_, err := s.castVote(ms[0], b, models.ChoiceYes)
		s.Require().NoError(err)
	}

	var mu sync.Mutex
	var outcomes []TallyOutcome
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			out, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
			if err != nil {
				return err
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	s.Require().NoError(g.Wait())

	var fresh, releases int
	resultID := outcomes[0].Result.ID
	for _, out := range outcomes {
		s.Equal(resultID, out.Result.ID)
		if !out.Replayed {
			fresh++
		}
		if out.Release != nil {
			releases++
		}
	}
	s.Equal(1, fresh)
	s.Equal(1, releases)
	s.True(s.escrow(c.ID).Balance.Equal(dec("150")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.FundsReleased))
}

func (s *WorkflowSuite) TestTallyAfterCampaignFailedMidVote() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)
	_, err := s.castVote(ms[0], who, models.ChoiceNo)
	s.Require().NoError(err)

	refunds, err := s.engine.InitiateBulkRefunds(s.ctx, c.ID, "fundraiser withdrew")
	s.Require().NoError(err)
	s.True(refunds.TotalRefunded.Equal(dec("100")))

	out, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeRejected, out.Result.Outcome)
	s.Nil(out.Refunds)
	s.Nil(out.Release)

	d, err := s.engine.GetCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignFailed, d.Campaign.Status)
	s.Equal(models.MilestoneFailed, d.Milestones[0].Status)

	s.clock.Advance(s.engine.opts.VotingWindow + time.Second)
	report, err := s.engine.CheckVotingDeadlines(s.ctx)
	s.Require().NoError(err)
	s.Equal(DeadlineReport{}, report)
}

func (s *WorkflowSuite) TestTallyRequiresVoting() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	ms := s.milestones(c.ID)
	_, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Equal(apperr.KindState, apperr.KindOf(err))

	_, err = s.engine.TallyVotes(s.ctx, uuid.New())
	s.requireCode(err, apperr.CodeNotFound)
}

func (s *WorkflowSuite) TestRevisionOpensNewRound() {
	c := s.seedCampaign("200.00", []float64{1.0}, 1)
	a, b := s.newContributor(), s.newContributor()
	s.contribute(c.ID, a, "100.00")
	s.contribute(c.ID, b, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)

	_, err := s.castVote(ms[0], a, models.ChoiceNo)
	s.Require().NoError(err)
	_, err = s.castVote(ms[0], b, models.ChoiceNo)
	s.Require().NoError(err)
	out, err := s.engine.TallyVotes(s.ctx, ms[0].ID)
	s.Require().NoError(err)
	s.Equal(models.OutcomeRejected, out.Result.Outcome)
	s.Nil(out.Refunds)

	subs, err := s.waive(c.ID, a)
	s.Require().NoError(err)
	s.Empty(subs)

	s.openVote(ms[0].ID)
	m := s.milestones(c.ID)[0]
	s.Equal(1, m.Round())

	_, err = s.castVote(m, b, models.ChoiceYes)
	s.Require().NoError(err)
	out, err = s.engine.TallyVotes(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(1, out.Result.Round)
	s.Equal(1, out.Result.Waived)
	s.Equal(models.OutcomeApproved, out.Result.Outcome)
	s.Require().NotNil(out.Release)
	s.True(out.Release.CampaignCompleted)

	_, err = s.engine.SubmitEvidence(s.ctx, m.ID, "again", "")
	s.Equal(apperr.KindState, apperr.KindOf(err))
}

func (s *WorkflowSuite) TestRevisionLimit() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)

	for round := 0; round < 2; round++ {
		s.openVote(ms[0].ID)
		m := s.milestones(c.ID)[0]
		_, err := s.castVote(m, who, models.ChoiceNo)
		s.Require().NoError(err)
		_, err = s.engine.TallyVotes(s.ctx, m.ID)
		s.Require().NoError(err)
	}

	details, err := s.engine.GetCampaign(s.ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignFailed, details.Campaign.Status)
	s.Equal(models.MilestoneFailed, details.Milestones[0].Status)
	s.Equal(2, details.Campaign.MilestonesRejected)
	s.True(details.Escrow.Balance.IsZero())
}

func (s *WorkflowSuite) TestLedgerMismatchFreezesEscrow() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "40.00")

	esc := s.escrow(c.ID)
	err := s.store.RunInTx(s.ctx, func(ctx context.Context, tx interfaces.Tx) error {
		return tx.SaveEntry(ctx, models.LedgerEntry{
			ID:         uuid.New(),
			EscrowID:   esc.ID,
			CampaignID: c.ID,
			Type:       models.EntryContribution,
			Amount:     dec("1.00"),
			CreatedAt:  s.clock.Now(),
		})
	})
	s.Require().NoError(err)

	summary, err := s.engine.EscrowSummary(s.ctx, c.ID)
	s.Require().NoError(err)
	s.True(summary.LedgerBalance.Equal(dec("41")), summary.LedgerBalance.String())
	s.Equal(2, summary.EntryCount)
	s.False(summary.Reconciled)

	_, err = s.engine.Reconcile(s.ctx, c.ID)
	s.requireCode(err, apperr.CodeLedgerMismatch)
	s.Equal(apperr.KindReconciliation, apperr.KindOf(err))
	s.True(s.escrow(c.ID).Frozen)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.ReconciliationFailures))

	_, err = s.engine.RecordContribution(s.ctx, ContributionInput{CampaignID: c.ID, ContributorID: who.id, Amount: dec("1")})
	s.requireCode(err, apperr.CodeEscrowFrozen)
	s.True(s.escrow(c.ID).Balance.Equal(dec("40")))
}

func (s *WorkflowSuite) TestPublishFailureDoesNotFailOperation() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	s.recorder.FailWith(errors.New("broker down"))

	r := s.contribute(c.ID, s.newContributor(), "10.00")
	s.True(r.NewBalance.Equal(dec("10")))
	s.Equal(1.0, testutil.ToFloat64(s.metrics.PublishFailures))
}

func (s *WorkflowSuite) TestFundingDeadlineSweep() {
	met := s.seedCampaign("100.00", []float64{1.0}, 1)
	missed := s.seedCampaign("100.00", []float64{1.0}, 1)
	a, b := s.newContributor(), s.newContributor()
	s.contribute(met.ID, a, "100.00")
	s.contribute(missed.ID, a, "30.00")
	s.contribute(missed.ID, b, "20.00")

	report, err := s.engine.CheckFundingDeadlines(s.ctx)
	s.Require().NoError(err)
	s.Equal(DeadlineReport{}, report)

	s.clock.Advance(30 * 24 * time.Hour)
	report, err = s.engine.CheckFundingDeadlines(s.ctx)
	s.Require().NoError(err)
	s.Equal(DeadlineReport{Funded: 1, Refunded: 1}, report)

	d, err := s.engine.GetCampaign(s.ctx, met.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignFunded, d.Campaign.Status)

	d, err = s.engine.GetCampaign(s.ctx, missed.ID)
	s.Require().NoError(err)
	s.Equal(models.CampaignFailed, d.Campaign.Status)
	s.True(d.Escrow.Balance.IsZero())
	s.True(d.Campaign.TotalRefunded.Equal(dec("50")))
}

func (s *WorkflowSuite) TestVotingDeadlineSweep() {
	c := s.seedCampaign("100.00", []float64{1.0}, 1)
	who := s.newContributor()
	s.contribute(c.ID, who, "100.00")
	ms := s.startPhases(c.ID)
	s.openVote(ms[0].ID)
	_, err := s.castVote(ms[0], who, models.ChoiceYes)
	s.Require().NoError(err)

	s.clock.Advance(s.engine.opts.VotingWindow + time.Second)
	report, err := s.engine.CheckVotingDeadlines(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, report.Tallied)

	m := s.milestones(c.ID)[0]
	s.Equal(models.MilestoneReleased, m.Status)
}

func (s *WorkflowSuite) TestFinalizeRequiresAllReleased() {
	c := s.seedCampaign("100.00", []float64{0.5, 0.5}, 1)
	s.contribute(c.ID, s.newContributor(), "100.00")
	s.startPhases(c.ID)

	_, err := s.engine.FinalizeCampaign(s.ctx, c.ID)
	s.requireCode(err, apperr.CodeInvalidCampaignTransition)
}

func (s *WorkflowSuite) TestCreateCampaignDerivesMilestones() {
	d, err := s.engine.CreateCampaign(s.ctx, CreateCampaignInput{
		FundraiserID:   uuid.New(),
		Title:          "Clinic",
		FundingGoal:    dec("50000.00"),
		DurationMonths: 12,
		L1Risk:         0.5,
		L2Risk:         0.5,
		CampaignType:   "donation",
	})
	s.Require().NoError(err)
	s.Equal(models.CampaignDraft, d.Campaign.Status)
	s.Len(d.Milestones, d.Campaign.PhaseCount)

	total := decimal.Zero
	for i, m := range d.Milestones {
		s.Equal(i+1, m.Index)
		total = total.Add(m.ReleaseAmount)
		s.True(m.ReleaseAmount.IsPositive())
	}
	s.True(total.Equal(dec("50000")), total.String())

	_, err = s.engine.CreateCampaign(s.ctx, CreateCampaignInput{FundraiserID: uuid.New(), FundingGoal: dec("10")})
	s.Equal(apperr.KindValidation, apperr.KindOf(err))
}

func TestSplitRefunds(t *testing.T) {
	shares := []contributorShare{
		{contributorID: uuid.New(), amount: dec("1")},
		{contributorID: uuid.New(), amount: dec("1")},
		{contributorID: uuid.New(), amount: dec("1")},
	}
	got := splitRefunds(dec("100"), shares, dec("3"))
	require.Len(t, got, 3)
	assert.Equal(t, "33.34", got[0].StringFixed(2))
	assert.Equal(t, "33.33", got[1].StringFixed(2))
	assert.Equal(t, "33.33", got[2].StringFixed(2))

	shares[2].amount = dec("2")
	got = splitRefunds(dec("10.01"), shares, dec("4"))
	assert.Equal(t, []string{"2.50", "2.50", "5.01"},
		[]string{got[0].StringFixed(2), got[1].StringFixed(2), got[2].StringFixed(2)})
}

func TestReleaseAmountsSumToGoal(t *testing.T) {
	got := releaseAmounts(dec("100.00"), []float64{1.0 / 3, 1.0 / 3, 1.0 / 3})
	assert.Equal(t, "33.33", got[0].StringFixed(2))
	assert.Equal(t, "33.33", got[1].StringFixed(2))
	assert.Equal(t, "33.34", got[2].StringFixed(2))
}

func TestAggregateContributionsKeepsFirstSeenOrder(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	shares, total := aggregateContributions([]models.Contribution{
		{ContributorID: b, Amount: dec("5")},
		{ContributorID: a, Amount: dec("2")},
		{ContributorID: b, Amount: dec("1")},
	})
	require.Len(t, shares, 2)
	assert.Equal(t, b, shares[0].contributorID)
	assert.True(t, shares[0].amount.Equal(dec("6")))
	assert.True(t, total.Equal(dec("8")))
}
