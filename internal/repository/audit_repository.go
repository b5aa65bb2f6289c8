package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/bingo-hall/internal/model"
)

// AuditRepo writes and reads the audit_log table.
type AuditRepo struct{ db *sql.DB }

func NewAuditRepo(db *sql.DB) *AuditRepo { return &AuditRepo{db: db} }

// Create writes one audit row on the pool, never inside a caller tx.
func (r *AuditRepo) Create(ctx context.Context, userID *uint64, action string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_log (user_id, action) VALUES (?,?)`, nullID(userID), action)
	return err
}

// List returns the latest entries, newest first.
func (r *AuditRepo) List(ctx context.Context, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, action, timestamp FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditLog
	for rows.Next() {
		var (
			a   model.AuditLog
			uid sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &uid, &a.Action, &a.Timestamp); err != nil {
			return nil, err
		}
		a.UserID = idPtr(uid)
		out = append(out, a)
	}
	return out, rows.Err()
}
