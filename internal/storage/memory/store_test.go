package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

var now = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seedEscrow(t *testing.T, s *MemoryLedgerStore) uuid.UUID {
	t.Helper()
	campaignID := uuid.New()
	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		return tx.InsertEscrow(ctx, models.EscrowAccount{ID: uuid.New(), CampaignID: campaignID})
	}))
	return campaignID
}

func TestRollbackRestoresSnapshot(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	campaignID := seedEscrow(t, s)
	boom := errors.New("boom")

	err := s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		if _, err := tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Contributed: decimal.NewFromInt(10)}, now); err != nil {
			return err
		}
		if err := tx.InsertContribution(ctx, models.Contribution{ID: uuid.New(), CampaignID: campaignID, ExternalRef: "r1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		e, err := tx.GetEscrow(ctx, campaignID)
		require.NoError(t, err)
		assert.True(t, e.Balance.IsZero())
		_, err = tx.GetContributionByExternalRef(ctx, "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestRollbackOnPanic(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	campaignID := seedEscrow(t, s)

	assert.Panics(t, func() {
		_ = s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
			_, _ = tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Contributed: decimal.NewFromInt(10)}, now)
			panic("unexpected")
		})
	})

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		e, err := tx.GetEscrow(ctx, campaignID)
		require.NoError(t, err)
		assert.True(t, e.Balance.IsZero())
		return nil
	}))
}

func TestApplyEscrowDeltaGuards(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	campaignID := seedEscrow(t, s)

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		_, err := tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Contributed: decimal.NewFromInt(5)}, now)
		require.NoError(t, err)

		_, err = tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Released: decimal.NewFromInt(6)}, now)
		assert.ErrorIs(t, err, storage.ErrInsufficientBalance)

		e, err := tx.GetEscrow(ctx, campaignID)
		require.NoError(t, err)
		assert.True(t, e.Balance.Equal(decimal.NewFromInt(5)), "failed delta must not mutate")

		require.NoError(t, tx.FreezeEscrow(ctx, campaignID, now))
		_, err = tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Contributed: decimal.NewFromInt(1)}, now)
		assert.ErrorIs(t, err, storage.ErrEscrowFrozen)

		_, err = tx.ApplyEscrowDelta(ctx, uuid.New(), models.EscrowDelta{}, now)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestConcurrentDeltasLoseNoUpdate(t *testing.T) {
	s := NewMemoryLedgerStore()
	campaignID := seedEscrow(t, s)

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			return s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
				_, err := tx.ApplyEscrowDelta(ctx, campaignID, models.EscrowDelta{Contributed: decimal.RequireFromString("1.25")}, now)
				return err
			})
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		e, err := tx.GetEscrow(ctx, campaignID)
		require.NoError(t, err)
		assert.True(t, e.Balance.Equal(decimal.NewFromInt(125)), e.Balance.String())
		return nil
	}))
}

func TestUniquenessConstraints(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	milestoneID, contributorID, campaignID := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		v := models.VoteSubmission{ID: uuid.New(), MilestoneID: milestoneID, ContributorID: contributorID, Vote: models.Explicit{Choice: models.ChoiceYes}}
		require.NoError(t, tx.InsertVote(ctx, v))
		assert.ErrorIs(t, tx.InsertVote(ctx, v), storage.ErrConflict)

		inserted, err := tx.InsertVoteIfAbsent(ctx, v)
		require.NoError(t, err)
		assert.False(t, inserted)

		v.Round = 1
		inserted, err = tx.InsertVoteIfAbsent(ctx, v)
		require.NoError(t, err)
		assert.True(t, inserted, "a new round accepts a new vote")

		votes, err := tx.ListVotes(ctx, milestoneID, 0)
		require.NoError(t, err)
		assert.Len(t, votes, 1)

		voted, err := tx.HasVoted(ctx, milestoneID, 1, contributorID)
		require.NoError(t, err)
		assert.True(t, voted)
		voted, err = tx.HasVoted(ctx, milestoneID, 2, contributorID)
		require.NoError(t, err)
		assert.False(t, voted)

		r := models.FundRelease{ID: uuid.New(), MilestoneID: milestoneID}
		require.NoError(t, tx.InsertFundRelease(ctx, r))
		assert.ErrorIs(t, tx.InsertFundRelease(ctx, r), storage.ErrConflict)

		res := models.VoteResult{ID: uuid.New(), MilestoneID: milestoneID}
		require.NoError(t, tx.InsertVoteResult(ctx, res))
		assert.ErrorIs(t, tx.InsertVoteResult(ctx, res), storage.ErrConflict)

		first := models.CampaignWaiver{CampaignID: campaignID, ContributorID: contributorID, Nonce: "n1"}
		require.NoError(t, tx.UpsertWaiver(ctx, first))
		require.NoError(t, tx.UpsertWaiver(ctx, models.CampaignWaiver{CampaignID: campaignID, ContributorID: contributorID, Nonce: "n2"}))
		waivers, err := tx.ListWaivers(ctx, campaignID)
		require.NoError(t, err)
		require.Len(t, waivers, 1)
		assert.Equal(t, "n1", waivers[0].Nonce)
		return nil
	}))
}

func TestMilestoneCampaign(t *testing.T) {
	s := NewMemoryLedgerStore()
	m := models.Milestone{ID: uuid.New(), CampaignID: uuid.New(), Index: 1}

	require.NoError(t, s.RunInTx(context.Background(), func(ctx context.Context, tx interfaces.Tx) error {
		require.NoError(t, tx.InsertMilestone(ctx, m))
		got, err := tx.MilestoneCampaign(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.CampaignID, got)

		_, err = tx.MilestoneCampaign(ctx, uuid.New())
		assert.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestContributionsKeepCreationOrder(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx := context.Background()
	campaignID, alice := uuid.New(), uuid.New()

	require.NoError(t, s.RunInTx(ctx, func(ctx context.Context, tx interfaces.Tx) error {
		for i, ref := range []string{"a", "b", "c"} {
			contributor := uuid.New()
			if i != 1 {
				contributor = alice
			}
			require.NoError(t, tx.InsertContribution(ctx, models.Contribution{
				ID: uuid.New(), CampaignID: campaignID, ContributorID: contributor,
				ExternalRef: ref, Status: models.ContributionCompleted,
			}))
		}
		assert.ErrorIs(t, tx.InsertContribution(ctx, models.Contribution{ID: uuid.New(), ExternalRef: "a"}), storage.ErrConflict)

		list, err := tx.ListContributions(ctx, campaignID, models.ContributionCompleted)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ExternalRef, list[1].ExternalRef, list[2].ExternalRef})

		n, err := tx.MarkContributionsRefunded(ctx, campaignID, alice)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		list, err = tx.ListContributions(ctx, campaignID, models.ContributionCompleted)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		return nil
	}))
}

func TestCancelledContext(t *testing.T) {
	s := NewMemoryLedgerStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := s.RunInTx(ctx, func(context.Context, interfaces.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
