package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

type pairKey struct {
	a uuid.UUID
	b uuid.UUID
}

type voteKey struct {
	milestoneID   uuid.UUID
	round         int
	contributorID uuid.UUID
}

type resultKey struct {
	milestoneID uuid.UUID
	round       int
}

// state is everything the store holds. Values, never pointers, so a shallow
// copy of each collection is a full snapshot.
type state struct {
	campaigns     map[uuid.UUID]models.Campaign
	milestones    map[uuid.UUID]models.Milestone
	escrows       map[uuid.UUID]models.EscrowAccount // by campaign id
	entries       []models.LedgerEntry
	contributions []models.Contribution // creation order
	tokens        map[pairKey]models.VoteToken
	keys          map[uuid.UUID]models.ContributorKey
	votes         []models.VoteSubmission
	voteIndex     map[voteKey]struct{}
	waivers       []models.CampaignWaiver
	results       map[resultKey]models.VoteResult
	releases      map[uuid.UUID]models.FundRelease // by milestone id
	refunds       []models.RefundEvent
}

func newState() *state {
	return &state{
		campaigns:  make(map[uuid.UUID]models.Campaign),
		milestones: make(map[uuid.UUID]models.Milestone),
		escrows:    make(map[uuid.UUID]models.EscrowAccount),
		tokens:     make(map[pairKey]models.VoteToken),
		keys:       make(map[uuid.UUID]models.ContributorKey),
		voteIndex:  make(map[voteKey]struct{}),
		results:    make(map[resultKey]models.VoteResult),
		releases:   make(map[uuid.UUID]models.FundRelease),
	}
}

func (s *state) clone() *state {
	return &state{
		campaigns:     cloneMap(s.campaigns),
		milestones:    cloneMap(s.milestones),
		escrows:       cloneMap(s.escrows),
		entries:       cloneSlice(s.entries),
		contributions: cloneSlice(s.contributions),
		tokens:        cloneMap(s.tokens),
		keys:          cloneMap(s.keys),
		votes:         cloneSlice(s.votes),
		voteIndex:     cloneMap(s.voteIndex),
		waivers:       cloneSlice(s.waivers),
		results:       cloneMap(s.results),
		releases:      cloneMap(s.releases),
		refunds:       cloneSlice(s.refunds),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// MemoryLedgerStore is an in-memory implementation of interfaces.Store.
// Transactions are serialized under one mutex and a failed transaction
// restores the snapshot taken when it began.
type MemoryLedgerStore struct {
	mu sync.Mutex
	st *state
}

// NewMemoryLedgerStore creates and returns an empty store.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{st: newState()}
}

// RunInTx runs fn with exclusive access to the store. fn must not call
// RunInTx again.
func (m *MemoryLedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	defer func() {
		if r := recover(); r != nil {
			m.st = snapshot
			panic(r)
		}
		if err != nil {
			m.st = snapshot
		}
	}()

	tx := &memoryTx{st: m.st}
	if err = fn(ctx, tx); err != nil {
		return err
	}
	return ctx.Err()
}

type memoryTx struct {
	st *state
}

// campaigns

func (t *memoryTx) InsertCampaign(_ context.Context, c models.Campaign) error {
	if _, exists := t.st.campaigns[c.ID]; exists {
		return storage.ErrConflict
	}
	t.st.campaigns[c.ID] = c
	return nil
}

func (t *memoryTx) GetCampaign(_ context.Context, id uuid.UUID) (models.Campaign, error) {
	c, ok := t.st.campaigns[id]
	if !ok {
		return models.Campaign{}, storage.ErrNotFound
	}
	return c, nil
}

func (t *memoryTx) UpdateCampaign(_ context.Context, c models.Campaign) error {
	if _, ok := t.st.campaigns[c.ID]; !ok {
		return storage.ErrNotFound
	}
	t.st.campaigns[c.ID] = c
	return nil
}

func (t *memoryTx) ListCampaignsByStatus(_ context.Context, status models.CampaignStatus) ([]models.Campaign, error) {
	var out []models.Campaign
	for _, c := range t.st.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// milestones

func (t *memoryTx) InsertMilestone(_ context.Context, ms models.Milestone) error {
	if _, exists := t.st.milestones[ms.ID]; exists {
		return storage.ErrConflict
	}
	for _, other := range t.st.milestones {
		if other.CampaignID == ms.CampaignID && other.Index == ms.Index {
			return storage.ErrConflict
		}
	}
	t.st.milestones[ms.ID] = ms
	return nil
}

func (t *memoryTx) GetMilestone(_ context.Context, id uuid.UUID) (models.Milestone, error) {
	ms, ok := t.st.milestones[id]
	if !ok {
		return models.Milestone{}, storage.ErrNotFound
	}
	return ms, nil
}

func (t *memoryTx) MilestoneCampaign(_ context.Context, id uuid.UUID) (uuid.UUID, error) {
	ms, ok := t.st.milestones[id]
	if !ok {
		return uuid.Nil, storage.ErrNotFound
	}
	return ms.CampaignID, nil
}

func (t *memoryTx) UpdateMilestone(_ context.Context, ms models.Milestone) error {
	if _, ok := t.st.milestones[ms.ID]; !ok {
		return storage.ErrNotFound
	}
	t.st.milestones[ms.ID] = ms
	return nil
}

func (t *memoryTx) ListMilestones(_ context.Context, campaignID uuid.UUID) ([]models.Milestone, error) {
	var out []models.Milestone
	for _, ms := range t.st.milestones {
		if ms.CampaignID == campaignID {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (t *memoryTx) ListMilestonesByStatus(_ context.Context, status models.MilestoneStatus) ([]models.Milestone, error) {
	var out []models.Milestone
	for _, ms := range t.st.milestones {
		if ms.Status == status {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID.String() < out[j].CampaignID.String()
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}

// escrow

func (t *memoryTx) InsertEscrow(_ context.Context, e models.EscrowAccount) error {
	if _, exists := t.st.escrows[e.CampaignID]; exists {
		return storage.ErrConflict
	}
	t.st.escrows[e.CampaignID] = e
	return nil
}

func (t *memoryTx) GetEscrow(_ context.Context, campaignID uuid.UUID) (models.EscrowAccount, error) {
	e, ok := t.st.escrows[campaignID]
	if !ok {
		return models.EscrowAccount{}, storage.ErrNotFound
	}
	return e, nil
}

func (t *memoryTx) ApplyEscrowDelta(_ context.Context, campaignID uuid.UUID, d models.EscrowDelta, at time.Time) (models.EscrowAccount, error) {
	e, ok := t.st.escrows[campaignID]
	if !ok {
		return models.EscrowAccount{}, storage.ErrNotFound
	}
	if e.Frozen {
		return models.EscrowAccount{}, storage.ErrEscrowFrozen
	}
	next := e.Apply(d, at)
	if next.Balance.IsNegative() {
		return models.EscrowAccount{}, storage.ErrInsufficientBalance
	}
	t.st.escrows[campaignID] = next
	return next, nil
}

func (t *memoryTx) FreezeEscrow(_ context.Context, campaignID uuid.UUID, at time.Time) error {
	e, ok := t.st.escrows[campaignID]
	if !ok {
		return storage.ErrNotFound
	}
	e.Frozen = true
	e.UpdatedAt = at
	t.st.escrows[campaignID] = e
	return nil
}

// ledger

// SaveEntry appends a ledger entry. Entries are never modified afterwards.
func (t *memoryTx) SaveEntry(_ context.Context, entry models.LedgerEntry) error {
	t.st.entries = append(t.st.entries, entry)
	return nil
}

func (t *memoryTx) GetEntriesByEscrow(_ context.Context, escrowID uuid.UUID) ([]models.LedgerEntry, error) {
	var result []models.LedgerEntry
	for _, e := range t.st.entries {
		if e.EscrowID == escrowID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (t *memoryTx) SumEntries(_ context.Context, escrowID uuid.UUID) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, e := range t.st.entries {
		if e.EscrowID == escrowID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// contributions

func (t *memoryTx) InsertContribution(_ context.Context, c models.Contribution) error {
	for _, existing := range t.st.contributions {
		if existing.ID == c.ID || (c.ExternalRef != "" && existing.ExternalRef == c.ExternalRef) {
			return storage.ErrConflict
		}
	}
	t.st.contributions = append(t.st.contributions, c)
	return nil
}

func (t *memoryTx) GetContributionByExternalRef(_ context.Context, ref string) (models.Contribution, error) {
	if ref == "" {
		return models.Contribution{}, storage.ErrNotFound
	}
	for _, c := range t.st.contributions {
		if c.ExternalRef == ref {
			return c, nil
		}
	}
	return models.Contribution{}, storage.ErrNotFound
}

func (t *memoryTx) ListContributions(_ context.Context, campaignID uuid.UUID, status models.ContributionStatus) ([]models.Contribution, error) {
	var out []models.Contribution
	for _, c := range t.st.contributions {
		if c.CampaignID == campaignID && c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memoryTx) MarkContributionsRefunded(_ context.Context, campaignID, contributorID uuid.UUID) (int, error) {
	n := 0
	for i, c := range t.st.contributions {
		if c.CampaignID == campaignID && c.ContributorID == contributorID && c.Status == models.ContributionCompleted {
			t.st.contributions[i].Status = models.ContributionRefunded
			n++
		}
	}
	return n, nil
}

// votes

func (t *memoryTx) GetVoteToken(_ context.Context, campaignID, contributorID uuid.UUID) (models.VoteToken, error) {
	tok, ok := t.st.tokens[pairKey{campaignID, contributorID}]
	if !ok {
		return models.VoteToken{}, storage.ErrNotFound
	}
	return tok, nil
}

func (t *memoryTx) InsertVoteToken(_ context.Context, tok models.VoteToken) error {
	k := pairKey{tok.CampaignID, tok.ContributorID}
	if _, exists := t.st.tokens[k]; exists {
		return storage.ErrConflict
	}
	t.st.tokens[k] = tok
	return nil
}

func (t *memoryTx) CountVoteTokens(_ context.Context, campaignID uuid.UUID) (int, error) {
	n := 0
	for k := range t.st.tokens {
		if k.a == campaignID {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) GetContributorKey(_ context.Context, contributorID uuid.UUID) (models.ContributorKey, error) {
	k, ok := t.st.keys[contributorID]
	if !ok {
		return models.ContributorKey{}, storage.ErrNotFound
	}
	return k, nil
}

func (t *memoryTx) UpsertContributorKey(_ context.Context, k models.ContributorKey) error {
	t.st.keys[k.ContributorID] = k
	return nil
}

func (t *memoryTx) InsertVote(ctx context.Context, v models.VoteSubmission) error {
	inserted, err := t.InsertVoteIfAbsent(ctx, v)
	if err != nil {
		return err
	}
	if !inserted {
		return storage.ErrConflict
	}
	return nil
}

func (t *memoryTx) InsertVoteIfAbsent(_ context.Context, v models.VoteSubmission) (bool, error) {
	k := voteKey{v.MilestoneID, v.Round, v.ContributorID}
	if _, exists := t.st.voteIndex[k]; exists {
		return false, nil
	}
	t.st.voteIndex[k] = struct{}{}
	t.st.votes = append(t.st.votes, v)
	return true, nil
}

func (t *memoryTx) HasVoted(_ context.Context, milestoneID uuid.UUID, round int, contributorID uuid.UUID) (bool, error) {
	_, ok := t.st.voteIndex[voteKey{milestoneID, round, contributorID}]
	return ok, nil
}

func (t *memoryTx) ListVotes(_ context.Context, milestoneID uuid.UUID, round int) ([]models.VoteSubmission, error) {
	var out []models.VoteSubmission
	for _, v := range t.st.votes {
		if v.MilestoneID == milestoneID && v.Round == round {
			out = append(out, v)
		}
	}
	return out, nil
}

func (t *memoryTx) UpsertWaiver(_ context.Context, w models.CampaignWaiver) error {
	for _, existing := range t.st.waivers {
		if existing.CampaignID == w.CampaignID && existing.ContributorID == w.ContributorID {
			return nil
		}
	}
	t.st.waivers = append(t.st.waivers, w)
	return nil
}

func (t *memoryTx) ListWaivers(_ context.Context, campaignID uuid.UUID) ([]models.CampaignWaiver, error) {
	var out []models.CampaignWaiver
	for _, w := range t.st.waivers {
		if w.CampaignID == campaignID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertVoteResult(_ context.Context, r models.VoteResult) error {
	k := resultKey{r.MilestoneID, r.Round}
	if _, exists := t.st.results[k]; exists {
		return storage.ErrConflict
	}
	t.st.results[k] = r
	return nil
}

func (t *memoryTx) GetVoteResult(_ context.Context, milestoneID uuid.UUID, round int) (models.VoteResult, error) {
	r, ok := t.st.results[resultKey{milestoneID, round}]
	if !ok {
		return models.VoteResult{}, storage.ErrNotFound
	}
	return r, nil
}

// payouts

func (t *memoryTx) InsertFundRelease(_ context.Context, r models.FundRelease) error {
	if _, exists := t.st.releases[r.MilestoneID]; exists {
		return storage.ErrConflict
	}
	t.st.releases[r.MilestoneID] = r
	return nil
}

func (t *memoryTx) GetFundRelease(_ context.Context, milestoneID uuid.UUID) (models.FundRelease, error) {
	r, ok := t.st.releases[milestoneID]
	if !ok {
		return models.FundRelease{}, storage.ErrNotFound
	}
	return r, nil
}

func (t *memoryTx) InsertRefundEvent(_ context.Context, r models.RefundEvent) error {
	t.st.refunds = append(t.st.refunds, r)
	return nil
}

func (t *memoryTx) ListRefundEvents(_ context.Context, campaignID uuid.UUID) ([]models.RefundEvent, error) {
	var out []models.RefundEvent
	for _, r := range t.st.refunds {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Compile-time check: ensure MemoryLedgerStore implements Store and memoryTx implements Tx
var (
	_ interfaces.Store = (*MemoryLedgerStore)(nil)
	_ interfaces.Tx    = (*memoryTx)(nil)
)
