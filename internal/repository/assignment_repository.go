package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/bingo-hall/internal/model"
)

var (
	ErrAssignmentNotFound     = errors.New("assignment not found")
	ErrActiveAssignmentExists = errors.New("cashier already has an active assignment")
)

type AssignmentRepo struct{ db *sql.DB }

func NewAssignmentRepo(db *sql.DB) *AssignmentRepo { return &AssignmentRepo{db: db} }

const assignmentColumns = `id, cashier_user_id, company_id, is_active, assigned_at, updated_at`

func scanAssignment(s rowScanner) (model.CashierAssignment, error) {
	var a model.CashierAssignment
	err := s.Scan(&a.ID, &a.CashierUserID, &a.CompanyID, &a.IsActive, &a.AssignedAt, &a.UpdatedAt)
	return a, err
}

// ActiveForCashierTx returns the cashier's live assignment, locking it.
// The caller is expected to hold the cashier's user row lock as well.
func (r *AssignmentRepo) ActiveForCashierTx(ctx context.Context, tx *sql.Tx, cashierID uint64) (model.CashierAssignment, error) {
	a, err := scanAssignment(tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM cashier_assignments WHERE cashier_user_id=? AND is_active=1 FOR UPDATE`,
		cashierID))
	return a, translate(err, ErrAssignmentNotFound, nil)
}

// ActiveForCashier is the lock-free read of ActiveForCashierTx.
func (r *AssignmentRepo) ActiveForCashier(ctx context.Context, cashierID uint64) (model.CashierAssignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM cashier_assignments WHERE cashier_user_id=? AND is_active=1`,
		cashierID))
	return a, translate(err, ErrAssignmentNotFound, nil)
}

// CreateTx inserts an active assignment.  A duplicate on the generated
// active_cashier_id key surfaces as ErrActiveAssignmentExists.
func (r *AssignmentRepo) CreateTx(ctx context.Context, tx *sql.Tx, a *model.CashierAssignment) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO cashier_assignments (cashier_user_id, company_id, is_active) VALUES (?,?,1)`,
		a.CashierUserID, a.CompanyID)
	if err != nil {
		return translate(err, nil, ErrActiveAssignmentExists)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := scanAssignment(tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM cashier_assignments WHERE id=?`, id))
	if err != nil {
		return err
	}
	*a = got
	return nil
}

// GetByID fetches an assignment.
func (r *AssignmentRepo) GetByID(ctx context.Context, id uint64) (model.CashierAssignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM cashier_assignments WHERE id=?`, id))
	return a, translate(err, ErrAssignmentNotFound, nil)
}

// Deactivate ends an assignment.  Already inactive rows are left alone.
func (r *AssignmentRepo) Deactivate(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE cashier_assignments SET is_active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrAssignmentNotFound)
}

// ListByCompany returns every assignment of a company, newest first.
func (r *AssignmentRepo) ListByCompany(ctx context.Context, companyID uint64) ([]model.CashierAssignment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM cashier_assignments WHERE company_id=? ORDER BY assigned_at DESC, id DESC`,
		companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CashierAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
