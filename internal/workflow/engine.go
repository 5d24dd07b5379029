// Package workflow is the engine's public face. It orchestrates the state
// machines, the ledger and the voting rules inside store transactions and
// announces what happened once each transaction commits.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/ledger"
	"github.com/sheikh-saqib/milestone-escrow/internal/lifecycle"
	"github.com/sheikh-saqib/milestone-escrow/internal/metrics"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	domain "github.com/sheikh-saqib/milestone-escrow/internal/models/events"
	"github.com/sheikh-saqib/milestone-escrow/internal/noncestore"
	"github.com/sheikh-saqib/milestone-escrow/internal/params"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
	"github.com/sheikh-saqib/milestone-escrow/internal/voting"
)

// Options are the governance and policy knobs of the engine.
type Options struct {
	App                 string // tag inside every signed message
	ApprovalThreshold   float64
	QuorumPercentage    float64
	VotingWindow        time.Duration
	MaxRevisions        int
	HighBudgetThreshold decimal.Decimal
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		App:                 voting.DefaultApp,
		ApprovalThreshold:   voting.DefaultApprovalThreshold,
		VotingWindow:        lifecycle.DefaultVotingWindow,
		MaxRevisions:        1,
		HighBudgetThreshold: decimal.NewFromInt(100_000),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Engine runs every escrow and governance operation.
type Engine struct {
	store     interfaces.Store
	ledger    *ledger.Ledger
	deriver   *params.Deriver
	publisher interfaces.EventPublisher
	nonces    interfaces.NonceGuard
	clock     interfaces.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
	newID     func() uuid.UUID
}

// Option configures an Engine.
type Option func(*Engine)

func WithPublisher(p interfaces.EventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithNonceGuard(g interfaces.NonceGuard) Option {
	return func(e *Engine) { e.nonces = g }
}

func WithClock(c interfaces.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithDeriver(d *params.Deriver) Option {
	return func(e *Engine) { e.deriver = d }
}

func WithOptions(o Options) Option {
	return func(e *Engine) { e.opts = o }
}

// NewEngine wires an engine over store. Anything not set through opts gets
// an in-process default.
func NewEngine(store interfaces.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ledger:  ledger.NewLedger(),
		deriver: params.NewDeriver(params.DefaultConfig()),
		clock:   systemClock{},
		logger:  zap.NewNop(),
		opts:    DefaultOptions(),
		newID:   uuid.New,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.publisher == nil {
		e.publisher = events.NewLogPublisher(e.logger)
	}
	if e.nonces == nil {
		e.nonces = noncestore.NewMemoryStore(0)
	}
	if e.metrics == nil {
		e.metrics = metrics.New(nil)
	}
	if e.opts.App == "" {
		e.opts.App = voting.DefaultApp
	}
	e.logger = e.logger.Named("workflow")
	return e
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func (e *Engine) rules() voting.Rules {
	return voting.Rules{ApprovalThreshold: e.opts.ApprovalThreshold, QuorumPercentage: e.opts.QuorumPercentage}
}

// run executes fn in one transaction. When the ledger reports a mismatch the
// escrow is frozen in a separate transaction, since the failed one rolls back.
func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context, tx interfaces.Tx) error) error {
	defer e.metrics.ObserveOperation(op, time.Now())

	err := e.store.RunInTx(ctx, fn)
	if err == nil || !apperr.IsCode(err, apperr.CodeLedgerMismatch) {
		return err
	}

	var appErr *apperr.Error
	errors.As(err, &appErr)
	campaignID, parseErr := uuid.Parse(appErr.Metadata["campaign_id"])
	if parseErr != nil {
		return err
	}

	e.metrics.ReconciliationFailures.Inc()
	e.logger.Error("ledger mismatch, freezing escrow",
		zap.String("operation", op),
		zap.String("campaign_id", campaignID.String()),
		zap.Error(err),
	)
	freezeErr := e.store.RunInTx(context.WithoutCancel(ctx), func(ctx context.Context, tx interfaces.Tx) error {
		return tx.FreezeEscrow(ctx, campaignID, e.now())
	})
	if freezeErr != nil {
		e.logger.Error("freeze escrow failed", zap.String("campaign_id", campaignID.String()), zap.Error(freezeErr))
	}
	return err
}

// publish announces committed events. Failures are logged, never returned.
func (e *Engine) publish(ctx context.Context, evs ...domain.Event) {
	for _, ev := range evs {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			e.metrics.PublishFailures.Inc()
			e.logger.Warn("publish event failed",
				zap.String("type", ev.EventType()),
				zap.String("campaign_id", ev.AggregateID()),
				zap.Error(err),
			)
		}
	}
}

func transitioned(id uuid.UUID, from, to models.CampaignStatus, at time.Time) domain.CampaignTransitioned {
	return domain.CampaignTransitioned{CampaignID: id.String(), From: string(from), To: string(to), OccurredAt: at}
}

func getCampaign(ctx context.Context, tx interfaces.Tx, id uuid.UUID) (models.Campaign, error) {
	c, err := tx.GetCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Campaign{}, apperr.NotFound("campaign", id.String())
	}
	if err != nil {
		return models.Campaign{}, fmt.Errorf("load campaign: %w", err)
	}
	return c, nil
}

func getMilestone(ctx context.Context, tx interfaces.Tx, id uuid.UUID) (models.Milestone, error) {
	m, err := tx.GetMilestone(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Milestone{}, apperr.NotFound("milestone", id.String())
	}
	if err != nil {
		return models.Milestone{}, fmt.Errorf("load milestone: %w", err)
	}
	return m, nil
}

// lockMilestone loads a milestone and its campaign, locking the campaign
// first. Every transaction that locks both takes them in this order.
func lockMilestone(ctx context.Context, tx interfaces.Tx, id uuid.UUID) (models.Campaign, models.Milestone, error) {
	campaignID, err := tx.MilestoneCampaign(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Campaign{}, models.Milestone{}, apperr.NotFound("milestone", id.String())
	}
	if err != nil {
		return models.Campaign{}, models.Milestone{}, fmt.Errorf("resolve milestone campaign: %w", err)
	}
	c, err := getCampaign(ctx, tx, campaignID)
	if err != nil {
		return models.Campaign{}, models.Milestone{}, err
	}
	m, err := getMilestone(ctx, tx, id)
	if err != nil {
		return models.Campaign{}, models.Milestone{}, err
	}
	return c, m, nil
}

func getEscrow(ctx context.Context, tx interfaces.Tx, campaignID uuid.UUID) (models.EscrowAccount, error) {
	esc, err := tx.GetEscrow(ctx, campaignID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.EscrowAccount{}, apperr.NotFound("escrow", campaignID.String())
	}
	if err != nil {
		return models.EscrowAccount{}, fmt.Errorf("load escrow: %w", err)
	}
	return esc, nil
}

// releaseAmounts splits the funding goal by weight in whole cents. The last
// milestone takes what is left so the amounts sum to the goal exactly.
func releaseAmounts(goal decimal.Decimal, weights []float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(weights))
	allocated := decimal.Zero
	for i, w := range weights {
		if i == len(weights)-1 {
			out[i] = goal.Sub(allocated)
			break
		}
		out[i] = goal.Mul(decimal.NewFromFloat(w)).Round(ledger.CentPlaces)
		allocated = allocated.Add(out[i])
	}
	return out
}
