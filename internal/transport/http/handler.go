// Package httptransport exposes the escrow engine over JSON/HTTP. Handlers
// decode, delegate to the engine and encode; no business rule lives here.
package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sheikh-saqib/milestone-escrow/internal/apperr"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/workflow"
)

// Service is the part of the engine the transport calls.
type Service interface {
	CreateCampaign(ctx context.Context, in workflow.CreateCampaignInput) (workflow.CampaignDetails, error)
	GetCampaign(ctx context.Context, id uuid.UUID) (workflow.CampaignDetails, error)
	TransitionCampaign(ctx context.Context, id uuid.UUID, target models.CampaignStatus) (models.Campaign, error)
	FinalizeCampaign(ctx context.Context, id uuid.UUID) (workflow.FinalReport, error)
	RecordContribution(ctx context.Context, in workflow.ContributionInput) (workflow.ContributionReceipt, error)
	EscrowSummary(ctx context.Context, campaignID uuid.UUID) (workflow.EscrowReport, error)
	LedgerEntries(ctx context.Context, campaignID uuid.UUID) ([]models.LedgerEntry, error)
	Reconcile(ctx context.Context, campaignID uuid.UUID) (models.EscrowAccount, error)
	InitiateBulkRefunds(ctx context.Context, campaignID uuid.UUID, reason string) (workflow.RefundSummary, error)
	WaiveAll(ctx context.Context, in workflow.WaiverInput) ([]models.VoteSubmission, error)
	SubmitEvidence(ctx context.Context, milestoneID uuid.UUID, description, ref string) (models.Milestone, error)
	OpenVoting(ctx context.Context, milestoneID uuid.UUID) (models.Milestone, error)
	CastVote(ctx context.Context, in workflow.CastVoteInput) (models.VoteSubmission, error)
	TallyVotes(ctx context.Context, milestoneID uuid.UUID) (workflow.TallyOutcome, error)
	ReleaseMilestoneFunds(ctx context.Context, milestoneID uuid.UUID) (workflow.ReleaseReceipt, error)
	RegisterContributorKey(ctx context.Context, contributorID uuid.UUID, hexKey string) (models.ContributorKey, error)
}

var _ Service = (*workflow.Engine)(nil)

// Handler serves the escrow API.
type Handler struct {
	svc    Service
	logger *zap.Logger
}

func NewHandler(svc Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("http")}
}

// NewRouter wires every route. metrics may be nil, in which case /metrics is
// not served.
func NewRouter(h *Handler, metrics prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{}))
	}

	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", h.handleCreateCampaign)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetCampaign)
			r.Post("/transitions", h.handleTransition)
			r.Post("/finalize", h.handleFinalize)
			r.Post("/contributions", h.handleContribute)
			r.Get("/escrow", h.handleEscrow)
			r.Post("/escrow/reconcile", h.handleReconcile)
			r.Get("/ledger", h.handleLedger)
			r.Post("/refunds", h.handleRefunds)
			r.Post("/waivers", h.handleWaiver)
		})
	})
	r.Route("/milestones/{id}", func(r chi.Router) {
		r.Post("/evidence", h.handleEvidence)
		r.Post("/voting", h.handleOpenVoting)
		r.Post("/votes", h.handleVote)
		r.Post("/tally", h.handleTally)
		r.Post("/release", h.handleRelease)
	})
	r.Put("/contributors/{id}/key", h.handleRegisterKey)
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// fail writes err and logs it at a level matching its severity.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	fields := []zap.Field{
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	writeError(w, err)
}

func pathID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.Validation(apperr.CodeInvalidInput, "invalid id %q", raw)
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation(apperr.CodeInvalidInput, "invalid request body").Wrap(err)
	}
	return nil
}

// parse reads the path id and, when body is non-nil, the JSON body.
func (h *Handler) parse(w http.ResponseWriter, r *http.Request, body any) (uuid.UUID, bool) {
	id, err := pathID(r)
	if err == nil && body != nil {
		err = decode(r, body)
	}
	if err != nil {
		h.fail(w, r, err)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := h.svc.CreateCampaign(r.Context(), workflow.CreateCampaignInput(req))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDetailsView(d))
}

func (h *Handler) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	d, err := h.svc.GetCampaign(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDetailsView(d))
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	c, err := h.svc.TransitionCampaign(r.Context(), id, req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignView(c))
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	report, err := h.svc.FinalizeCampaign(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaign_id":         report.CampaignID,
		"status":              report.Status,
		"success":             report.Success,
		"high_budget":         report.HighBudget,
		"milestones_total":    report.MilestonesTotal,
		"milestones_released": report.MilestonesReleased,
		"total_contributions": report.TotalContributions,
		"total_released":      report.TotalReleased,
		"total_refunded":      report.TotalRefunded,
	})
}

func (h *Handler) handleContribute(w http.ResponseWriter, r *http.Request) {
	var req contributionRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	receipt, err := h.svc.RecordContribution(r.Context(), workflow.ContributionInput{
		CampaignID:    id,
		ContributorID: req.ContributorID,
		Amount:        req.Amount,
		ExternalRef:   req.ExternalRef,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, contributionView{
		ID:          receipt.Contribution.ID,
		Amount:      receipt.Contribution.Amount,
		NewBalance:  receipt.NewBalance,
		VoteTokenID: receipt.VoteTokenID,
		Replayed:    receipt.Replayed,
	})
}

func (h *Handler) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	report, err := h.svc.EscrowSummary(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowReportView{
		escrowView:    toEscrowView(report.Escrow),
		LedgerBalance: report.LedgerBalance,
		EntryCount:    report.EntryCount,
		Reconciled:    report.Reconciled,
	})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	esc, err := h.svc.Reconcile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowView(esc))
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	entries, err := h.svc.LedgerEntries(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryView{
			ID:            e.ID,
			Type:          e.Type,
			Amount:        e.Amount,
			ReferenceID:   e.ReferenceID,
			ReferenceCode: e.ReferenceCode,
			CreatedAt:     e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleRefunds(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual refund"
	}
	summary, err := h.svc.InitiateBulkRefunds(r.Context(), id, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundSummaryView(summary))
}

func (h *Handler) handleWaiver(w http.ResponseWriter, r *http.Request) {
	var req waiverRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	subs, err := h.svc.WaiveAll(r.Context(), workflow.WaiverInput{
		CampaignID:    id,
		ContributorID: req.ContributorID,
		Signature:     req.Signature,
		Nonce:         req.Nonce,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]voteView, 0, len(subs))
	for _, s := range subs {
		out = append(out, toVoteView(s))
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	m, err := h.svc.SubmitEvidence(r.Context(), id, req.Description, req.Ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

func (h *Handler) handleOpenVoting(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	m, err := h.svc.OpenVoting(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneView(m))
}

func (h *Handler) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	sub, err := h.svc.CastVote(r.Context(), workflow.CastVoteInput{
		MilestoneID:   id,
		ContributorID: req.ContributorID,
		Choice:        req.Vote,
		Signature:     req.Signature,
		Nonce:         req.Nonce,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toVoteView(sub))
}

func (h *Handler) handleTally(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	out, err := h.svc.TallyVotes(r.Context(), id)
	if err != nil && out.Result.ID == uuid.Nil {
		h.fail(w, r, err)
		return
	}
	if err != nil {
		// The tally committed; only the follow-up failed.
		h.logger.Error("tally follow-up failed", zap.String("milestone_id", id.String()), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, toTallyView(out))
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parse(w, r, nil)
	if !ok {
		return
	}
	receipt, err := h.svc.ReleaseMilestoneFunds(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReleaseView(receipt))
}

func (h *Handler) handleRegisterKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	id, ok := h.parse(w, r, &req)
	if !ok {
		return
	}
	key, err := h.svc.RegisterContributorKey(r.Context(), id, req.PublicKey)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contributor_id": key.ContributorID,
		"public_key":     key.PublicKey,
		"updated_at":     key.UpdatedAt,
	})
}
