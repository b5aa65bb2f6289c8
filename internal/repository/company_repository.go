package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/bingo-hall/internal/model"
)

var ErrCompanyNotFound = errors.New("company not found")

// CompanyFilter narrows List.
type CompanyFilter struct {
	AgentID    uint64
	ActiveOnly bool
}

type CompanyRepo struct{ db *sql.DB }

func NewCompanyRepo(db *sql.DB) *CompanyRepo { return &CompanyRepo{db: db} }

const companyColumns = `id, name, contact_info, registered_by_agent_id, is_active, created_at, updated_at`

func scanCompany(s rowScanner) (model.Company, error) {
	var (
		c       model.Company
		contact sql.NullString
	)
	err := s.Scan(&c.ID, &c.Name, &contact, &c.RegisteredByAgentID, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	c.ContactInfo = strPtr(contact)
	return c, err
}

// Create inserts a company and reloads it to pick up defaults.
func (r *CompanyRepo) Create(ctx context.Context, c *model.Company) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO companies (name, contact_info, registered_by_agent_id) VALUES (?,?,?)`,
		c.Name, nullString(c.ContactInfo), c.RegisteredByAgentID)
	if err != nil {
		return translate(err, nil, nil)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := r.GetByID(ctx, uint64(id))
	if err != nil {
		return err
	}
	*c = got
	return nil
}

// GetByID fetches a company.
func (r *CompanyRepo) GetByID(ctx context.Context, id uint64) (model.Company, error) {
	return r.get(ctx, r.db, id)
}

// GetByIDTx fetches a company inside tx with a shared lock so it cannot be
// deactivated while the caller writes rows that depend on it.
func (r *CompanyRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Company, error) {
	c, err := scanCompany(tx.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE id=? LOCK IN SHARE MODE`, id))
	return c, translate(err, ErrCompanyNotFound, nil)
}

func (r *CompanyRepo) get(ctx context.Context, q querier, id uint64) (model.Company, error) {
	c, err := scanCompany(q.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM companies WHERE id=?`, id))
	return c, translate(err, ErrCompanyNotFound, nil)
}

// List returns companies matching f ordered by name.
func (r *CompanyRepo) List(ctx context.Context, f CompanyFilter) ([]model.Company, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != 0 {
		where = append(where, "registered_by_agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active=1")
	}
	q := `SELECT ` + companyColumns + ` FROM companies`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY name, id"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetActive toggles is_active.
func (r *CompanyRepo) SetActive(ctx context.Context, id uint64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE companies SET is_active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrCompanyNotFound)
}
