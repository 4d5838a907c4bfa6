package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/ruralpay/walletcore/internal/models"
)

// hierarchyLockKey serializes edge creation so concurrent inserts cannot close a cycle together
const hierarchyLockKey int64 = 7_203_114

// HierarchyService maintains the upline forest used for commission distribution
type HierarchyService struct {
	db  *sql.DB
	uow *UnitOfWork
}

func NewHierarchyService(db *sql.DB, uow *UnitOfWork) *HierarchyService {
	return &HierarchyService{db: db, uow: uow}
}

// AddEdge attaches child under parent
func (h *HierarchyService) AddEdge(ctx context.Context, childID, parentID string) (*models.HierarchyEdge, error) {
	if childID == "" || parentID == "" {
		return nil, ErrAccountNotFound
	}
	if childID == parentID {
		return nil, ErrHierarchyCycle
	}

	edge := &models.HierarchyEdge{ChildAccountID: childID, ParentAccountID: parentID}
	err := h.uow.Run(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
			return fmt.Errorf("lock hierarchy: %w", err)
		}

		if _, ok, err := h.Parent(ctx, tx, childID); err != nil {
			return err
		} else if ok {
			return ErrParentExists
		}

		var closesCycle bool
		err := tx.QueryRowContext(ctx, `
			WITH RECURSIVE upline(id) AS (
				SELECT $1::varchar
				UNION
				SELECT e.parent_account_id
				FROM hierarchy_edges e
				JOIN upline u ON e.child_account_id = u.id
			)
			SELECT EXISTS (SELECT 1 FROM upline WHERE id = $2)`,
			parentID, childID).Scan(&closesCycle)
		if err != nil {
			return fmt.Errorf("check hierarchy cycle: %w", err)
		}
		if closesCycle {
			return ErrHierarchyCycle
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO hierarchy_edges (child_account_id, parent_account_id)
			VALUES ($1, $2)
			RETURNING created_at`,
			childID, parentID).Scan(&edge.CreatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation {
				return ErrAccountNotFound
			}
			return fmt.Errorf("insert hierarchy edge: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edge, nil
}

// Parent returns the direct parent of an account, if any
func (h *HierarchyService) Parent(ctx context.Context, db DBTX, childID string) (string, bool, error) {
	var parentID string
	err := db.QueryRowContext(ctx, `
		SELECT parent_account_id FROM hierarchy_edges WHERE child_account_id = $1`,
		childID).Scan(&parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get parent: %w", err)
	}
	return parentID, true, nil
}

// Upline returns up to maxDepth ancestors, nearest first
func (h *HierarchyService) Upline(ctx context.Context, accountID string, maxDepth int) ([]string, error) {
	var upline []string
	visited := map[string]bool{accountID: true}
	current := accountID
	for depth := 0; depth < maxDepth; depth++ {
		parent, ok, err := h.Parent(ctx, h.db, current)
		if err != nil {
			return upline, err
		}
		if !ok {
			break
		}
		if visited[parent] {
			return upline, withDetail(ErrIntegrity, "hierarchy cycle above %s", accountID)
		}
		visited[parent] = true
		upline = append(upline, parent)
		current = parent
	}
	return upline, nil
}
