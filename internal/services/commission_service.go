package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/ruralpay/walletcore/internal/models"
	"github.com/shopspring/decimal"
)

const (
	commissionScale   = 2
	releaseBatchSize  = 500
	defaultLogsLimit  = 50
	ruleColumns       = `id, agency_id, role, model, rate_value, is_active, effective_from, created_at`
	commissionLogCols = `id, beneficiary_account_id, source_payment_id, source_account_id, amount, currency, rate_snapshot, journal_entry_id, created_at`
)

type CreateRuleRequest struct {
	AgencyID      *string         `json:"agency_id,omitempty"`
	Role          *string         `json:"role,omitempty"`
	Model         string          `json:"model" validate:"required,oneof=PERCENT FLAT TIER"`
	RateValue     decimal.Decimal `json:"rate_value"`
	EffectiveFrom *time.Time      `json:"effective_from,omitempty"`
}

// CommissionService walks the upline of a paid merchant and credits each ancestor's pending bucket
type CommissionService struct {
	db          *sql.DB
	uow         *UnitOfWork
	balances    *BalanceStore
	journal     *Journal
	hierarchy   *HierarchyService
	accounts    *AccountService
	audit       *audit.AuditLogger
	maxDepth    int
	defaultRate decimal.Decimal
	budget      time.Duration
	// releaseBatch caps the entries read per release query
	releaseBatch int
	now          func() time.Time
}

func NewCommissionService(db *sql.DB, uow *UnitOfWork, balances *BalanceStore, journal *Journal, hierarchy *HierarchyService, accounts *AccountService, auditLogger *audit.AuditLogger, maxDepth int, defaultRate decimal.Decimal, budget time.Duration) *CommissionService {
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return &CommissionService{
		db:           db,
		uow:          uow,
		balances:     balances,
		journal:      journal,
		hierarchy:    hierarchy,
		accounts:     accounts,
		audit:        auditLogger,
		maxDepth:     maxDepth,
		defaultRate:  defaultRate,
		budget:       budget,
		releaseBatch: releaseBatchSize,
		now:          time.Now,
	}
}

// ResolveCommissionRate picks the rate for one beneficiary. Only active PERCENT rules already in
// effect are candidates. The newest agency rule wins, then the newest role rule, then the default.
// A zero default disables commission for beneficiaries without a rule.
func ResolveCommissionRate(rules []models.CommissionRule, beneficiary *models.Account, now time.Time, defaultRate decimal.Decimal) (decimal.Decimal, bool) {
	agencyID := ""
	if beneficiary.AgencyID != nil {
		agencyID = *beneficiary.AgencyID
	} else if beneficiary.Kind == models.AccountKindAgency {
		agencyID = beneficiary.ID
	}

	var byAgency, byRole *models.CommissionRule
	for i := range rules {
		r := &rules[i]
		if !r.IsActive || r.Model != models.CommissionModelPercent || r.EffectiveFrom.After(now) {
			continue
		}
		switch {
		case r.AgencyID != nil:
			if agencyID != "" && *r.AgencyID == agencyID && newerRule(r, byAgency) {
				byAgency = r
			}
		case r.Role != nil:
			if *r.Role == beneficiary.Role && newerRule(r, byRole) {
				byRole = r
			}
		}
	}

	if byAgency != nil {
		return byAgency.RateValue, true
	}
	if byRole != nil {
		return byRole.RateValue, true
	}
	if defaultRate.IsPositive() {
		return defaultRate, true
	}
	return decimal.Zero, false
}

func newerRule(candidate, current *models.CommissionRule) bool {
	if current == nil {
		return true
	}
	if candidate.EffectiveFrom.Equal(current.EffectiveFrom) {
		return candidate.ID > current.ID
	}
	return candidate.EffectiveFrom.After(current.EffectiveFrom)
}

// DistributeCommissions credits up to maxDepth ancestors of sourceAccountID for one payment.
// Each ancestor is credited in its own unit of work and at most once per payment, so a re-run
// resumes where a previous run stopped.
func (s *CommissionService) DistributeCommissions(ctx context.Context, paymentID, sourceAccountID string, amount decimal.Decimal, currency string) (int, error) {
	if s.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return 0, s.incomplete(paymentID, 0, err)
	}
	payment, err := s.settledPayment(ctx, s.db, paymentID, false)
	if err != nil {
		return 0, s.stopped(ctx, paymentID, 0, err)
	}
	if payment.PayeeAccountID != sourceAccountID || payment.Currency != normalizeCurrency(currency) || !payment.Amount.Equal(amount) {
		return 0, ErrPaymentMismatch
	}
	amount, currency = payment.Amount, payment.Currency

	credited := 0
	current := sourceAccountID
	visited := map[string]bool{sourceAccountID: true}

	for depth := 0; depth < s.maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return credited, s.incomplete(paymentID, credited, err)
		}

		parentID, ok, err := s.hierarchy.Parent(ctx, s.db, current)
		if err != nil {
			return credited, s.stopped(ctx, paymentID, credited, err)
		}
		if !ok {
			break
		}
		if visited[parentID] {
			s.audit.Alert(ctx, audit.SeverityCritical, "commission", "hierarchy cycle detected during distribution",
				map[string]string{"payment_id": paymentID, "account_id": parentID, "depth": fmt.Sprint(depth)})
			return credited, withDetail(ErrIntegrity, "hierarchy cycle at depth %d", depth)
		}
		visited[parentID] = true
		current = parentID

		beneficiary, err := s.accounts.GetAccount(ctx, parentID)
		if err != nil {
			return credited, s.stopped(ctx, paymentID, credited, err)
		}
		if !beneficiary.IsActive() {
			continue
		}

		rules, err := s.candidateRules(ctx, beneficiary)
		if err != nil {
			return credited, s.stopped(ctx, paymentID, credited, err)
		}
		rate, ok := ResolveCommissionRate(rules, beneficiary, s.now(), s.defaultRate)
		if !ok {
			continue
		}
		commission := amount.Mul(rate).Round(commissionScale)
		if !commission.IsPositive() {
			continue
		}

		inserted, err := s.creditCommission(ctx, paymentID, sourceAccountID, parentID, commission, currency, rate)
		if err != nil {
			return credited, s.stopped(ctx, paymentID, credited, err)
		}
		if inserted {
			credited++
			s.audit.LogMovement("COMMISSION", paymentID, parentID, commission, currency,
				map[string]string{"rate": rate.String(), "depth": fmt.Sprint(depth + 1)})
		}
	}

	return credited, nil
}

// settledPayment loads the payment a distribution is for. Inside a unit of work the row is read
// FOR SHARE so a refund cannot commit between the status check and the credit.
func (s *CommissionService) settledPayment(ctx context.Context, db DBTX, paymentID string, forShare bool) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	if forShare {
		query += ` FOR SHARE`
	}
	payment, err := scanPayment(db.QueryRowContext(ctx, query, paymentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	if payment.Status != models.PaymentSucceeded {
		return nil, withDetail(ErrPaymentNotSettled, "payment is %s", payment.Status)
	}
	return payment, nil
}

// stopped turns a failure caused by the exhausted budget into an incomplete distribution
func (s *CommissionService) stopped(ctx context.Context, paymentID string, credited int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return s.incomplete(paymentID, credited, ctxErr)
	}
	return err
}

func (s *CommissionService) incomplete(paymentID string, credited int, cause error) error {
	log.Printf("[COMMISSION] Distribution for payment %s incomplete after %d credits: %v", paymentID, credited, cause)
	return &IncompleteDistributionError{Credited: credited, Cause: cause}
}

func (s *CommissionService) candidateRules(ctx context.Context, beneficiary *models.Account) ([]models.CommissionRule, error) {
	agencyID := beneficiary.ID
	if beneficiary.AgencyID != nil {
		agencyID = *beneficiary.AgencyID
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM commission_rules
		WHERE is_active = TRUE AND model = $1 AND effective_from <= $2
			AND (agency_id = $3 OR (agency_id IS NULL AND role = $4))`,
		models.CommissionModelPercent, s.now(), agencyID, beneficiary.Role)
	if err != nil {
		return nil, fmt.Errorf("load commission rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows *sql.Rows) ([]models.CommissionRule, error) {
	var rules []models.CommissionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func scanRule(row rowScanner) (*models.CommissionRule, error) {
	var r models.CommissionRule
	var agency, role sql.NullString
	if err := row.Scan(&r.ID, &agency, &role, &r.Model, &r.RateValue, &r.IsActive, &r.EffectiveFrom, &r.CreatedAt); err != nil {
		return nil, err
	}
	if agency.Valid {
		r.AgencyID = &agency.String
	}
	if role.Valid {
		r.Role = &role.String
	}
	return &r, nil
}

// creditCommission records one beneficiary's commission. It returns false when the payment
// was already credited to that beneficiary.
func (s *CommissionService) creditCommission(ctx context.Context, paymentID, sourceAccountID, beneficiaryID string, commission decimal.Decimal, currency string, rate decimal.Decimal) (bool, error) {
	inserted := false
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		if _, err := s.settledPayment(ctx, tx, paymentID, true); err != nil {
			return err
		}

		var logID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO commission_logs (beneficiary_account_id, source_payment_id, source_account_id, amount, currency, rate_snapshot)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (beneficiary_account_id, source_payment_id) DO NOTHING
			RETURNING id`,
			beneficiaryID, paymentID, sourceAccountID, commission, currency, rate).Scan(&logID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert commission log: %w", err)
		}

		key := models.BalanceKey{AccountID: beneficiaryID, Currency: currency}
		if _, err := s.balances.LockBalance(ctx, tx, key); err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, models.Delta{Pending: commission}); err != nil {
			return err
		}

		source := sourceAccountID
		entry := &models.JournalEntry{
			AccountID:        beneficiaryID,
			Currency:         currency,
			Direction:        models.DirectionCredit,
			Amount:           commission,
			Kind:             models.KindCommission,
			RelatedAccountID: &source,
			Status:           models.EntryPending,
			CorrelationID:    paymentID,
			Reference:        paymentID,
			Description:      "Upline commission",
			Metadata:         models.Metadata{"rate": rate.String()},
		}
		if err := s.journal.Append(ctx, tx, entry); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `UPDATE commission_logs SET journal_entry_id = $2 WHERE id = $1`, logID, entry.ID); err != nil {
			return fmt.Errorf("link commission log: %w", err)
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// ReleaseMaturedCommissions moves PENDING commissions older than olderThan into available.
// Entries are walked in id order one batch at a time until a batch comes back short.
func (s *CommissionService) ReleaseMaturedCommissions(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	released := 0
	var errs []error
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.maturedCommissions(ctx, cutoff, afterID)
		if err != nil {
			errs = append(errs, err)
			break
		}
		for _, id := range ids {
			ok, err := s.settleCommission(ctx, id, models.EntryPosted)
			if err != nil {
				log.Printf("[COMMISSION] Failed to release commission entry %d: %v", id, err)
				errs = append(errs, err)
				continue
			}
			if ok {
				released++
			}
		}
		if len(ids) < s.releaseBatch {
			break
		}
		afterID = ids[len(ids)-1]
	}
	if released > 0 {
		log.Printf("[COMMISSION] Released %d matured commissions", released)
	}
	return released, errors.Join(errs...)
}

func (s *CommissionService) maturedCommissions(ctx context.Context, cutoff time.Time, afterID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM journal_entries
		WHERE kind = $1 AND status = $2 AND created_at <= $3 AND id > $4
		ORDER BY id
		LIMIT $5`,
		models.KindCommission, models.EntryPending, cutoff, afterID, s.releaseBatch)
	if err != nil {
		return nil, fmt.Errorf("list matured commissions: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClawBackCommissions reverses the still-pending commissions of a refunded payment
func (s *CommissionService) ClawBackCommissions(ctx context.Context, paymentID string) (int, error) {
	entries, err := s.journal.ListByCorrelation(ctx, paymentID)
	if err != nil {
		return 0, err
	}

	reversed := 0
	var errs []error
	for _, e := range entries {
		if e.Kind != models.KindCommission {
			continue
		}
		switch e.Status {
		case models.EntryPosted:
			s.audit.Alert(ctx, audit.SeverityWarning, "commission", "commission already released for refunded payment",
				map[string]string{"payment_id": paymentID, "entry_id": fmt.Sprint(e.ID), "account_id": e.AccountID})
		case models.EntryPending:
			ok, err := s.settleCommission(ctx, e.ID, models.EntryReversed)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				reversed++
				s.audit.LogMovement("COMMISSION_CLAWBACK", paymentID, e.AccountID, e.Amount, e.Currency, nil)
			}
		}
	}
	return reversed, errors.Join(errs...)
}

// settleCommission moves one PENDING commission to POSTED (pending to available) or
// REVERSED (removed from pending). It returns false if the entry was no longer pending.
func (s *CommissionService) settleCommission(ctx context.Context, entryID int64, to models.EntryStatus) (bool, error) {
	done := false
	err := s.uow.Run(ctx, func(tx *sql.Tx) error {
		entry, err := s.journal.Get(ctx, tx, entryID, true)
		if err != nil {
			return err
		}
		if entry.Kind != models.KindCommission || entry.Status != models.EntryPending {
			return nil
		}

		delta := models.Delta{Pending: entry.Amount.Neg()}
		if to == models.EntryPosted {
			delta.Available = entry.Amount
		}
		key := models.BalanceKey{AccountID: entry.AccountID, Currency: entry.Currency}
		if _, err := s.balances.LockBalance(ctx, tx, key); err != nil {
			return err
		}
		if _, err := s.balances.ApplyDelta(ctx, tx, key, delta); err != nil {
			if errors.Is(err, ErrInsufficientFunds) {
				return withDetail(ErrIntegrity, "pending bucket below commission entry %d", entryID)
			}
			return err
		}
		if err := s.journal.TransitionStatus(ctx, tx, entryID, models.EntryPending, to); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		alertOnIntegrity(ctx, s.audit, "COMMISSION_SETTLE", fmt.Sprint(entryID), err)
	}
	return done, err
}

func (s *CommissionService) CreateRule(ctx context.Context, req CreateRuleRequest) (*models.CommissionRule, error) {
	if (req.AgencyID == nil || *req.AgencyID == "") && (req.Role == nil || *req.Role == "") {
		return nil, withDetail(ErrInvalidAmount, "rule needs an agency or a role scope")
	}
	if req.RateValue.IsNegative() {
		return nil, withDetail(ErrInvalidAmount, "rate must not be negative")
	}
	if req.Model == models.CommissionModelPercent && req.RateValue.GreaterThan(decimal.NewFromInt(1)) {
		return nil, withDetail(ErrInvalidAmount, "percent rate must be at most 1")
	}
	effective := s.now()
	if req.EffectiveFrom != nil {
		effective = *req.EffectiveFrom
	}

	rule, err := scanRule(s.db.QueryRowContext(ctx, `
		INSERT INTO commission_rules (agency_id, role, model, rate_value, is_active, effective_from)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING `+ruleColumns,
		req.AgencyID, req.Role, req.Model, req.RateValue, effective))
	if err != nil {
		return nil, fmt.Errorf("create commission rule: %w", err)
	}
	log.Printf("[COMMISSION] Created %s rule %d", rule.Model, rule.ID)
	return rule, nil
}

func (s *CommissionService) DeactivateRule(ctx context.Context, ruleID int64) error {
	result, err := s.db.ExecContext(ctx, `UPDATE commission_rules SET is_active = FALSE WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("deactivate commission rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *CommissionService) ListRules(ctx context.Context, activeOnly bool) ([]models.CommissionRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM commission_rules`
	if activeOnly {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY effective_from DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list commission rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *CommissionService) ListCommissionLogs(ctx context.Context, beneficiaryID string, limit, offset int) ([]models.CommissionLog, error) {
	if limit <= 0 || limit > maxJournalLimit {
		limit = defaultLogsLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commissionLogCols+`
		FROM commission_logs
		WHERE beneficiary_account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		beneficiaryID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list commission logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CommissionLog
	for rows.Next() {
		var l models.CommissionLog
		var entryID sql.NullInt64
		if err := rows.Scan(&l.ID, &l.BeneficiaryAccountID, &l.SourcePaymentID, &l.SourceAccountID, &l.Amount,
			&l.Currency, &l.RateSnapshot, &entryID, &l.CreatedAt); err != nil {
			return nil, err
		}
		if entryID.Valid {
			l.JournalEntryID = &entryID.Int64
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
