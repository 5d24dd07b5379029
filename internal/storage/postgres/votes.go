package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/sheikh-saqib/milestone-escrow/internal/models"
)

func (t *postgresTx) GetVoteToken(ctx context.Context, campaignID, contributorID uuid.UUID) (models.VoteToken, error) {
	const query = `SELECT id, campaign_id, contributor_id, token_hash, created_at
	FROM vote_tokens WHERE campaign_id = $1 AND contributor_id = $2`
	var tok models.VoteToken
	err := t.tx.QueryRowContext(ctx, query, campaignID, contributorID).
		Scan(&tok.ID, &tok.CampaignID, &tok.ContributorID, &tok.TokenHash, &tok.CreatedAt)
	if err != nil {
		return models.VoteToken{}, notFound(err)
	}
	return tok, nil
}

func (t *postgresTx) InsertVoteToken(ctx context.Context, tok models.VoteToken) error {
	const query = `INSERT INTO vote_tokens (id, campaign_id, contributor_id, token_hash, created_at)
	VALUES ($1,$2,$3,$4,$5)`
	return t.insert(ctx, "vote token", query, tok.ID, tok.CampaignID, tok.ContributorID, tok.TokenHash, tok.CreatedAt)
}

func (t *postgresTx) CountVoteTokens(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM vote_tokens WHERE campaign_id = $1`, campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count vote tokens: %w", err)
	}
	return n, nil
}

func (t *postgresTx) GetContributorKey(ctx context.Context, contributorID uuid.UUID) (models.ContributorKey, error) {
	const query = `SELECT contributor_id, public_key, updated_at FROM contributor_keys WHERE contributor_id = $1`
	var k models.ContributorKey
	if err := t.tx.QueryRowContext(ctx, query, contributorID).Scan(&k.ContributorID, &k.PublicKey, &k.UpdatedAt); err != nil {
		return models.ContributorKey{}, notFound(err)
	}
	return k, nil
}

func (t *postgresTx) UpsertContributorKey(ctx context.Context, k models.ContributorKey) error {
	const query = `INSERT INTO contributor_keys (contributor_id, public_key, updated_at) VALUES ($1,$2,$3)
	ON CONFLICT (contributor_id) DO UPDATE SET public_key = EXCLUDED.public_key, updated_at = EXCLUDED.updated_at`
	return t.insert(ctx, "contributor key", query, k.ContributorID, k.PublicKey, k.UpdatedAt)
}

const voteInsert = `INSERT INTO vote_submissions
	(id, milestone_id, campaign_id, contributor_id, round, vote, nonce, signature, vote_hash, submitted_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

func voteArgs(v models.VoteSubmission) []any {
	return []any{v.ID, v.MilestoneID, v.CampaignID, v.ContributorID, v.Round, v.Vote.String(),
		v.Nonce, v.Signature, v.VoteHash, v.SubmittedAt}
}

// InsertVote relies on the (milestone_id, round, contributor_id) unique
// constraint to reject a second vote.
func (t *postgresTx) InsertVote(ctx context.Context, v models.VoteSubmission) error {
	return t.insert(ctx, "vote", voteInsert, voteArgs(v)...)
}

func (t *postgresTx) InsertVoteIfAbsent(ctx context.Context, v models.VoteSubmission) (bool, error) {
	const query = voteInsert + ` ON CONFLICT (milestone_id, round, contributor_id) DO NOTHING`
	res, err := t.tx.ExecContext(ctx, query, voteArgs(v)...)
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert vote: %w", err)
	}
	return n == 1, nil
}

func (t *postgresTx) HasVoted(ctx context.Context, milestoneID uuid.UUID, round int, contributorID uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM vote_submissions
	WHERE milestone_id = $1 AND round = $2 AND contributor_id = $3)`
	var voted bool
	if err := t.tx.QueryRowContext(ctx, query, milestoneID, round, contributorID).Scan(&voted); err != nil {
		return false, fmt.Errorf("check vote: %w", err)
	}
	return voted, nil
}

func (t *postgresTx) ListVotes(ctx context.Context, milestoneID uuid.UUID, round int) ([]models.VoteSubmission, error) {
	const query = `SELECT id, milestone_id, campaign_id, contributor_id, round, vote, nonce, signature, vote_hash, submitted_at
	FROM vote_submissions WHERE milestone_id = $1 AND round = $2 ORDER BY seq`
	rows, err := t.tx.QueryContext(ctx, query, milestoneID, round)
	if err != nil {
		return nil, fmt.Errorf("query votes: %w", err)
	}
	defer rows.Close()

	var out []models.VoteSubmission
	for rows.Next() {
		var v models.VoteSubmission
		var vote string
		if err := rows.Scan(&v.ID, &v.MilestoneID, &v.CampaignID, &v.ContributorID, &v.Round, &vote,
			&v.Nonce, &v.Signature, &v.VoteHash, &v.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		if v.Vote, err = models.ParseVote(vote); err != nil {
			return nil, fmt.Errorf("vote %s: %w", v.ID, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *postgresTx) UpsertWaiver(ctx context.Context, w models.CampaignWaiver) error {
	const query = `INSERT INTO campaign_waivers (campaign_id, contributor_id, nonce, signature, created_at)
	VALUES ($1,$2,$3,$4,$5) ON CONFLICT (campaign_id, contributor_id) DO NOTHING`
	return t.insert(ctx, "waiver", query, w.CampaignID, w.ContributorID, w.Nonce, w.Signature, w.CreatedAt)
}

func (t *postgresTx) ListWaivers(ctx context.Context, campaignID uuid.UUID) ([]models.CampaignWaiver, error) {
	const query = `SELECT campaign_id, contributor_id, nonce, signature, created_at
	FROM campaign_waivers WHERE campaign_id = $1 ORDER BY seq`
	rows, err := t.tx.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query waivers: %w", err)
	}
	defer rows.Close()

	var out []models.CampaignWaiver
	for rows.Next() {
		var w models.CampaignWaiver
		if err := rows.Scan(&w.CampaignID, &w.ContributorID, &w.Nonce, &w.Signature, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan waiver: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *postgresTx) InsertVoteResult(ctx context.Context, r models.VoteResult) error {
	const query = `INSERT INTO vote_results
	(id, milestone_id, round, eligible, total, yes, no, waived, yes_percentage, outcome, tallied_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`
	return t.insert(ctx, "vote result", query, r.ID, r.MilestoneID, r.Round, r.Eligible, r.Total,
		r.Yes, r.No, r.Waived, r.YesPercentage, string(r.Outcome), r.TalliedAt)
}

func (t *postgresTx) GetVoteResult(ctx context.Context, milestoneID uuid.UUID, round int) (models.VoteResult, error) {
	const query = `SELECT id, milestone_id, round, eligible, total, yes, no, waived, yes_percentage, outcome, tallied_at
	FROM vote_results WHERE milestone_id = $1 AND round = $2`
	var r models.VoteResult
	var outcome string
	err := t.tx.QueryRowContext(ctx, query, milestoneID, round).Scan(&r.ID, &r.MilestoneID, &r.Round, &r.Eligible,
		&r.Total, &r.Yes, &r.No, &r.Waived, &r.YesPercentage, &outcome, &r.TalliedAt)
	if err != nil {
		return models.VoteResult{}, notFound(err)
	}
	r.Outcome = models.Outcome(outcome)
	return r, nil
}
