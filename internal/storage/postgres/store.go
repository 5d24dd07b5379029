package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sheikh-saqib/milestone-escrow/internal/interfaces"
	"github.com/sheikh-saqib/milestone-escrow/internal/models"
	"github.com/sheikh-saqib/milestone-escrow/internal/storage"
)

//go:embed schema.sql
var schema string

type PostgresLedgerStore struct {
	db *sql.DB
}

func NewPostgresLedgerStore(db *sql.DB) *PostgresLedgerStore {
	return &PostgresLedgerStore{
		db: db,
	}
}

// Open connects to Postgres and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates any missing tables. It is safe to run on every start.
func (p *PostgresLedgerStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// RunInTx runs fn inside one database transaction, committing only if fn
// returns nil.
func (p *PostgresLedgerStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx interfaces.Tx) error) (err error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = dbTx.Rollback()
			panic(r)
		}
		if err != nil {
			_ = dbTx.Rollback()
		}
	}()

	if err = fn(ctx, &postgresTx{tx: dbTx}); err != nil {
		return err
	}
	if err = dbTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// insert runs an INSERT and maps unique violations to storage.ErrConflict.
func (t *postgresTx) insert(ctx context.Context, what, query string, args ...any) error {
	if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

// update runs an UPDATE that must touch exactly one row.
func (t *postgresTx) update(ctx context.Context, what, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// escrow

const escrowColumns = `id, campaign_id, total_contributions, total_released, total_refunded, balance, frozen, updated_at`

func scanEscrow(s scanner) (models.EscrowAccount, error) {
	var e models.EscrowAccount
	err := s.Scan(&e.ID, &e.CampaignID, &e.TotalContributions, &e.TotalReleased, &e.TotalRefunded,
		&e.Balance, &e.Frozen, &e.UpdatedAt)
	return e, err
}

func (t *postgresTx) InsertEscrow(ctx context.Context, e models.EscrowAccount) error {
	const query = `INSERT INTO escrow_accounts (` + escrowColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	return t.insert(ctx, "escrow account", query, e.ID, e.CampaignID, e.TotalContributions, e.TotalReleased,
		e.TotalRefunded, e.Balance, e.Frozen, e.UpdatedAt)
}

func (t *postgresTx) GetEscrow(ctx context.Context, campaignID uuid.UUID) (models.EscrowAccount, error) {
	const query = `SELECT ` + escrowColumns + ` FROM escrow_accounts WHERE campaign_id = $1 FOR UPDATE`
	e, err := scanEscrow(t.tx.QueryRowContext(ctx, query, campaignID))
	if err != nil {
		return models.EscrowAccount{}, notFound(err)
	}
	return e, nil
}

// ApplyEscrowDelta is a single conditional UPDATE, so concurrent writers
// never lose an update and the balance never goes negative.
func (t *postgresTx) ApplyEscrowDelta(ctx context.Context, campaignID uuid.UUID, d models.EscrowDelta, at time.Time) (models.EscrowAccount, error) {
	const query = `UPDATE escrow_accounts
	SET total_contributions = total_contributions + $2,
		total_released = total_released + $3,
		total_refunded = total_refunded + $4,
		balance = balance + $5,
		updated_at = $6
	WHERE campaign_id = $1 AND NOT frozen AND balance + $5 >= 0
	RETURNING ` + escrowColumns

	e, err := scanEscrow(t.tx.QueryRowContext(ctx, query, campaignID, d.Contributed, d.Released, d.Refunded, d.BalanceChange(), at))
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.EscrowAccount{}, fmt.Errorf("apply escrow delta: %w", err)
	}

	// Nothing matched: find out which guard rejected the update.
	var frozen bool
	err = t.tx.QueryRowContext(ctx, `SELECT frozen FROM escrow_accounts WHERE campaign_id = $1`, campaignID).Scan(&frozen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.EscrowAccount{}, storage.ErrNotFound
	case err != nil:
		return models.EscrowAccount{}, fmt.Errorf("read escrow guard: %w", err)
	case frozen:
		return models.EscrowAccount{}, storage.ErrEscrowFrozen
	}
	return models.EscrowAccount{}, storage.ErrInsufficientBalance
}

func (t *postgresTx) FreezeEscrow(ctx context.Context, campaignID uuid.UUID, at time.Time) error {
	const query = `UPDATE escrow_accounts SET frozen = TRUE, updated_at = $2 WHERE campaign_id = $1`
	return t.update(ctx, "escrow account", query, campaignID, at)
}

// ledger

func (t *postgresTx) SaveEntry(ctx context.Context, entry models.LedgerEntry) error {
	const query = `INSERT INTO ledger_entries (id, escrow_id, campaign_id, entry_type, amount, reference_id, reference_code, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	return t.insert(ctx, "ledger entry", query, entry.ID, entry.EscrowID, entry.CampaignID, string(entry.Type),
		entry.Amount, entry.ReferenceID, entry.ReferenceCode, entry.CreatedAt)
}

func (t *postgresTx) GetEntriesByEscrow(ctx context.Context, escrowID uuid.UUID) ([]models.LedgerEntry, error) {
	const query = `SELECT id, escrow_id, campaign_id, entry_type, amount, reference_id, reference_code, created_at
	FROM ledger_entries WHERE escrow_id = $1 ORDER BY seq`

	rows, err := t.tx.QueryContext(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var entryType string
		if err := rows.Scan(&entry.ID, &entry.EscrowID, &entry.CampaignID, &entryType, &entry.Amount,
			&entry.ReferenceID, &entry.ReferenceCode, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Type = models.EntryType(entryType)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	return entries, nil
}

func (t *postgresTx) SumEntries(ctx context.Context, escrowID uuid.UUID) (decimal.Decimal, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE escrow_id = $1`
	var sum decimal.Decimal
	if err := t.tx.QueryRowContext(ctx, query, escrowID).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum ledger entries: %w", err)
	}
	return sum, nil
}

// payouts

func (t *postgresTx) InsertFundRelease(ctx context.Context, r models.FundRelease) error {
	const query = `INSERT INTO fund_releases (id, campaign_id, milestone_id, amount, released_at)
	VALUES ($1,$2,$3,$4,$5)`
	return t.insert(ctx, "fund release", query, r.ID, r.CampaignID, r.MilestoneID, r.Amount, r.ReleasedAt)
}

func (t *postgresTx) GetFundRelease(ctx context.Context, milestoneID uuid.UUID) (models.FundRelease, error) {
	const query = `SELECT id, campaign_id, milestone_id, amount, released_at FROM fund_releases WHERE milestone_id = $1`
	var r models.FundRelease
	err := t.tx.QueryRowContext(ctx, query, milestoneID).Scan(&r.ID, &r.CampaignID, &r.MilestoneID, &r.Amount, &r.ReleasedAt)
	if err != nil {
		return models.FundRelease{}, notFound(err)
	}
	return r, nil
}

func (t *postgresTx) InsertRefundEvent(ctx context.Context, r models.RefundEvent) error {
	const query = `INSERT INTO refund_events (id, campaign_id, contributor_id, amount, reason, created_at)
	VALUES ($1,$2,$3,$4,$5,$6)`
	return t.insert(ctx, "refund event", query, r.ID, r.CampaignID, r.ContributorID, r.Amount, r.Reason, r.CreatedAt)
}

func (t *postgresTx) ListRefundEvents(ctx context.Context, campaignID uuid.UUID) ([]models.RefundEvent, error) {
	const query = `SELECT id, campaign_id, contributor_id, amount, reason, created_at
	FROM refund_events WHERE campaign_id = $1 ORDER BY seq`

	rows, err := t.tx.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query refund events: %w", err)
	}
	defer rows.Close()

	var out []models.RefundEvent
	for rows.Next() {
		var r models.RefundEvent
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.ContributorID, &r.Amount, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refund event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Compile-time check: ensure PostgresLedgerStore implements Store and postgresTx implements Tx
var (
	_ interfaces.Store = (*PostgresLedgerStore)(nil)
	_ interfaces.Tx    = (*postgresTx)(nil)
)
