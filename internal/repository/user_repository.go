package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/model"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
)

// UserFilter narrows List.  Zero values are ignored.
type UserFilter struct {
	Role          model.Role
	ParentAgentID uint64
	CreatedBy     uint64
}

type UserRepo struct{ db *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

// DB exposes the pool so services can open transactions spanning repos.
func (r *UserRepo) DB() *sql.DB { return r.db }

const userColumns = `id, username, password_hash, role, parent_agent_id, commission_rate, created_by, is_active, created_at, updated_at`

func scanUser(s rowScanner) (model.User, error) {
	var (
		u       model.User
		role    string
		parent  sql.NullInt64
		rate    decimal.NullDecimal
		creator sql.NullInt64
	)
	if err := s.Scan(&u.ID, &u.Username, &u.PasswordHash, &role, &parent, &rate, &creator,
		&u.IsActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return model.User{}, err
	}
	u.CreatedBy = idPtr(creator)
	switch model.Role(role) {
	case model.RoleAgent:
		u.Attrs = model.AgentAttrs{CommissionRate: rate.Decimal}
	case model.RoleCashier:
		// parent may be NULL once the agent is deleted
		u.Attrs = model.CashierAttrs{ParentAgentID: uint64(parent.Int64)}
	default:
		u.Attrs = model.AdminAttrs{}
	}
	return u, nil
}

func roleColumns(u *model.User) (sql.NullInt64, decimal.NullDecimal) {
	var rate decimal.NullDecimal
	if r := u.CommissionRate(); r != nil {
		rate = decimal.NullDecimal{Decimal: *r, Valid: true}
	}
	return nullID(u.ParentAgentID()), rate
}

// CreateTx inserts u inside tx and sets its ID.  The caller supplies the
// password hash.
func (r *UserRepo) CreateTx(ctx context.Context, tx *sql.Tx, u *model.User) error {
	parent, rate := roleColumns(u)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, parent_agent_id, commission_rate, created_by, is_active)
		 VALUES (?,?,?,?,?,?,?)`,
		u.Username, u.PasswordHash, string(u.Role()), parent, rate, nullID(u.CreatedBy), u.IsActive)
	if err != nil {
		return translate(err, nil, ErrUsernameExists)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	u.ID = uint64(id)
	return nil
}

// CountTx returns the number of users.  The read locks the table range so
// two concurrent bootstrap registrations cannot both see zero.
func (r *UserRepo) CountTx(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users FOR UPDATE`).Scan(&n)
	return n, err
}

// GetByUsername fetches a user by exact (trimmed) username.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username=? LIMIT 1`, strings.TrimSpace(username)))
	return u, translate(err, ErrUserNotFound, nil)
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.get(ctx, r.db, id, false)
}

// GetByIDTx fetches a user inside tx, optionally locking the row.
func (r *UserRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64, forUpdate bool) (model.User, error) {
	return r.get(ctx, tx, id, forUpdate)
}

func (r *UserRepo) get(ctx context.Context, q querier, id uint64, forUpdate bool) (model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id=?`+lockClause(forUpdate), id))
	return u, translate(err, ErrUserNotFound, nil)
}

// List returns users matching f ordered by id.
func (r *UserRepo) List(ctx context.Context, f UserFilter) ([]model.User, error) {
	var (
		where []string
		args  []any
	)
	if f.Role != "" {
		where = append(where, "role=?")
		args = append(args, string(f.Role))
	}
	if f.ParentAgentID != 0 {
		where = append(where, "parent_agent_id=?")
		args = append(args, f.ParentAgentID)
	}
	if f.CreatedBy != 0 {
		where = append(where, "created_by=?")
		args = append(args, f.CreatedBy)
	}
	q := `SELECT ` + userColumns + ` FROM users`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UpdateTx writes every mutable column of u.  The password hash is written
// as given, so callers only change it on a password update.
func (r *UserRepo) UpdateTx(ctx context.Context, tx *sql.Tx, u *model.User) error {
	parent, rate := roleColumns(u)
	res, err := tx.ExecContext(ctx,
		`UPDATE users SET username=?, password_hash=?, role=?, parent_agent_id=?, commission_rate=?, is_active=?
		 WHERE id=?`,
		u.Username, u.PasswordHash, string(u.Role()), parent, rate, u.IsActive, u.ID)
	if err != nil {
		return translate(err, nil, ErrUsernameExists)
	}
	return expectOne(res, ErrUserNotFound)
}

// SetActive toggles is_active.
func (r *UserRepo) SetActive(ctx context.Context, id uint64, active bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET is_active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	return expectOne(res, ErrUserNotFound)
}

// Delete hard-deletes a user.  ErrReferenced means companies, sessions or
// ledger rows still point at the user.
func (r *UserRepo) Delete(ctx context.Context, id uint64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return translate(err, nil, nil)
	}
	return expectOne(res, ErrUserNotFound)
}

// expectOne returns notFound when the statement matched no row.  The DSN
// sets clientFoundRows so no-op updates still count as a match.
func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
