package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionFilter narrows List.
type SessionFilter struct {
	CompanyID uint64
	CashierID uint64
	Status    game.Status
	Limit     int
}

type SessionRepo struct{ db *sql.DB }

func NewSessionRepo(db *sql.DB) *SessionRepo { return &SessionRepo{db: db} }

func (r *SessionRepo) DB() *sql.DB { return r.db }

const sessionColumns = `id, company_id, cashier_user_id, status, winning_pattern, jackpot_amount, numbers_called,
	last_called_number, start_time, end_time, created_at, updated_at`

func scanSession(s rowScanner) (model.GameSession, error) {
	var (
		gs      model.GameSession
		status  string
		pattern sql.NullString
		called  []byte
		last    sql.NullInt64
		start   sql.NullTime
		end     sql.NullTime
	)
	if err := s.Scan(&gs.ID, &gs.CompanyID, &gs.CashierUserID, &status, &pattern, &gs.JackpotAmount,
		&called, &last, &start, &end, &gs.CreatedAt, &gs.UpdatedAt); err != nil {
		return model.GameSession{}, err
	}
	gs.Status = game.Status(status)
	if pattern.Valid {
		p := game.Pattern(pattern.String)
		gs.WinningPattern = &p
	}
	gs.NumbersCalled = []int{}
	if len(called) > 0 {
		if err := json.Unmarshal(called, &gs.NumbersCalled); err != nil {
			return model.GameSession{}, fmt.Errorf("decode numbers_called of session %d: %w", gs.ID, err)
		}
	}
	if last.Valid {
		n := int(last.Int64)
		gs.LastCalledNumber = &n
	}
	gs.StartTime = timePtr(start)
	gs.EndTime = timePtr(end)
	return gs, nil
}

// Create inserts a pending session with no calls.
func (r *SessionRepo) Create(ctx context.Context, gs *model.GameSession) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO game_sessions (company_id, cashier_user_id, status, jackpot_amount, numbers_called)
		 VALUES (?,?,?,?, JSON_ARRAY())`,
		gs.CompanyID, gs.CashierUserID, string(game.StatusPending), gs.JackpotAmount)
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
	*gs = got
	return nil
}

// GetByID fetches a session without locking.
func (r *SessionRepo) GetByID(ctx context.Context, id uint64) (model.GameSession, error) {
	gs, err := scanSession(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM game_sessions WHERE id=?`, id))
	return gs, translate(err, ErrSessionNotFound, nil)
}

// GetForUpdateTx fetches a session and holds its row lock until tx ends.
// Every state transition goes through this lock.
func (r *SessionRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, id uint64) (model.GameSession, error) {
	gs, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM game_sessions WHERE id=? FOR UPDATE`, id))
	return gs, translate(err, ErrSessionNotFound, nil)
}

// SaveStateTx persists the mutable game state of gs.
func (r *SessionRepo) SaveStateTx(ctx context.Context, tx *sql.Tx, gs *model.GameSession) error {
	called, err := json.Marshal(gs.NumbersCalled)
	if err != nil {
		return err
	}
	var pattern sql.NullString
	if gs.WinningPattern != nil {
		pattern = sql.NullString{String: string(*gs.WinningPattern), Valid: true}
	}
	var last sql.NullInt64
	if gs.LastCalledNumber != nil {
		last = sql.NullInt64{Int64: int64(*gs.LastCalledNumber), Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE game_sessions SET status=?, winning_pattern=?, numbers_called=?, last_called_number=?,
		 start_time=?, end_time=? WHERE id=?`,
		string(gs.Status), pattern, string(called), last, nullTime(gs.StartTime), nullTime(gs.EndTime), gs.ID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrSessionNotFound)
}

// List returns sessions matching f, newest first.
func (r *SessionRepo) List(ctx context.Context, f SessionFilter) ([]model.GameSession, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != 0 {
		where = append(where, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.CashierID != 0 {
		where = append(where, "cashier_user_id=?")
		args = append(args, f.CashierID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + sessionColumns + ` FROM game_sessions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GameSession
	for rows.Next() {
		gs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, gs)
	}
	return out, rows.Err()
}
