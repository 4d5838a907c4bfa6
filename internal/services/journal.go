package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
)

const (
	defaultJournalLimit = 20
	maxJournalLimit     = 100
)

const entryColumns = `id, account_id, currency, direction, amount, kind, related_account_id, status, correlation_id, reference, description, metadata, created_at`

// Journal is the append-only record of balance movements
type Journal struct {
	db *sql.DB
}

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

func scanEntry(row rowScanner) (*models.JournalEntry, error) {
	var e models.JournalEntry
	var related sql.NullString
	err := row.Scan(&e.ID, &e.AccountID, &e.Currency, &e.Direction, &e.Amount, &e.Kind, &related,
		&e.Status, &e.CorrelationID, &e.Reference, &e.Description, &e.Metadata, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if related.Valid {
		e.RelatedAccountID = &related.String
	}
	return &e, nil
}

// Append inserts an entry and fills in its id and creation time
func (j *Journal) Append(ctx context.Context, tx DBTX, entry *models.JournalEntry) error {
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("journal entry amount must be positive, got %s", entry.Amount)
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO journal_entries (account_id, currency, direction, amount, kind, related_account_id, status, correlation_id, reference, description, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at`,
		entry.AccountID, entry.Currency, entry.Direction, entry.Amount, entry.Kind, entry.RelatedAccountID,
		entry.Status, entry.CorrelationID, entry.Reference, entry.Description, entry.Metadata,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// ListByAccount pages an account's history, newest first
func (j *Journal) ListByAccount(ctx context.Context, filter models.JournalFilter) ([]models.JournalEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultJournalLimit
	}
	if limit > maxJournalLimit {
		limit = maxJournalLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	conditions := []string{"account_id = $1"}
	args := []any{filter.AccountID}
	if filter.Currency != "" {
		args = append(args, filter.Currency)
		conditions = append(conditions, fmt.Sprintf("currency = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM journal_entries
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`,
		entryColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	return j.query(ctx, j.db, query, args...)
}

// ListByCorrelation returns every leg of one operation in insertion order
func (j *Journal) ListByCorrelation(ctx context.Context, correlationID string) ([]models.JournalEntry, error) {
	return j.query(ctx, j.db, `
		SELECT `+entryColumns+`
		FROM journal_entries
		WHERE correlation_id = $1
		ORDER BY id`,
		correlationID)
}

// Get loads one entry, optionally locking it
func (j *Journal) Get(ctx context.Context, tx DBTX, id int64, forUpdate bool) (*models.JournalEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	entry, err := scanEntry(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry: %w", err)
	}
	return entry, nil
}

// TransitionStatus is the only permitted mutation of an entry
func (j *Journal) TransitionStatus(ctx context.Context, tx DBTX, id int64, from, to models.EntryStatus) error {
	if from != models.EntryPending || to == models.EntryPending {
		return fmt.Errorf("journal entry %d: transition %s -> %s not permitted", id, from, to)
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE journal_entries
		SET status = $3
		WHERE id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("transition journal entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("journal entry %d is not %s", id, from)
	}
	return nil
}

func (j *Journal) query(ctx context.Context, db DBTX, query string, args ...any) ([]models.JournalEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []models.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// ConservationReport is the result of checking one correlation group
type ConservationReport struct {
	CorrelationID string                     `json:"correlation_id"`
	Balanced      bool                       `json:"balanced"`
	Sums          map[string]decimal.Decimal `json:"sums"`
	Entries       []models.JournalEntry      `json:"entries"`
}

// VerifyCorrelation re-checks a stored operation
func (j *Journal) VerifyCorrelation(ctx context.Context, correlationID string) (*ConservationReport, error) {
	entries, err := j.ListByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEntryNotFound
	}
	report := &ConservationReport{
		CorrelationID: correlationID,
		Sums:          conservationSums(entries),
		Entries:       entries,
	}
	report.Balanced = CheckConservation(entries) == nil
	return report, nil
}

// CheckConservation verifies that internal legs of one operation net to zero per currency.
// COMMISSION and REVERSED legs are excluded, as are DEPOSIT and WITHDRAW whose counter-leg
// is outside the system and a lone PAYMENT_SETTLEMENT credit collected by the processor.
// Groups still holding a PENDING leg are not checked.
func CheckConservation(entries []models.JournalEntry) error {
	legs := conservedLegs(entries)
	if len(legs) == 0 {
		return nil
	}
	if len(legs) == 1 && legs[0].Kind == models.KindPaymentSettlement && legs[0].Direction == models.DirectionCredit {
		return nil
	}
	for _, leg := range legs {
		if leg.Status != models.EntryPosted {
			return nil
		}
	}

	sums := conservationSums(entries)
	currencies := make([]string, 0, len(sums))
	for c := range sums {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	for _, c := range currencies {
		if !sums[c].IsZero() {
			return withDetail(ErrIntegrity, "journal legs do not balance in %s: net %s", c, sums[c])
		}
	}
	return nil
}

func conservedLegs(entries []models.JournalEntry) []models.JournalEntry {
	var legs []models.JournalEntry
	for _, e := range entries {
		switch e.Kind {
		case models.KindCommission, models.KindDeposit, models.KindWithdraw:
			continue
		}
		if e.Status == models.EntryReversed {
			continue
		}
		legs = append(legs, e)
	}
	return legs
}

func conservationSums(entries []models.JournalEntry) map[string]decimal.Decimal {
	sums := make(map[string]decimal.Decimal)
	for _, e := range conservedLegs(entries) {
		sums[e.Currency] = sums[e.Currency].Add(e.Signed())
	}
	return sums
}
