package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/model"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrAlreadyCompensated  = errors.New("transaction already compensated")
)

// TransactionFilter narrows List and Totals.  Zero values are ignored.
type TransactionFilter struct {
	Type      model.TransactionType
	SessionID uint64
	CompanyID uint64
	AgentID   uint64
	UserID    uint64
	CardID    uint64
	From      *time.Time
	To        *time.Time
	Limit     int
}

func (f TransactionFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		conds = append(conds, cond)
		args = append(args, v)
	}
	if f.Type != "" {
		add("transaction_type=?", string(f.Type))
	}
	if f.SessionID != 0 {
		add("game_session_id=?", f.SessionID)
	}
	if f.CompanyID != 0 {
		add("company_id=?", f.CompanyID)
	}
	if f.AgentID != 0 {
		add("agent_id=?", f.AgentID)
	}
	if f.UserID != 0 {
		add("user_id=?", f.UserID)
	}
	if f.CardID != 0 {
		add("card_id=?", f.CardID)
	}
	if f.From != nil {
		add("timestamp>=?", *f.From)
	}
	if f.To != nil {
		add("timestamp<?", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// TransactionRepo is the append-only ledger store.  It has no update or
// delete methods.
type TransactionRepo struct{ db *sql.DB }

func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

func (r *TransactionRepo) DB() *sql.DB { return r.db }

const transactionColumns = `id, transaction_type, amount, game_session_id, user_id, company_id, agent_id,
	card_id, related_transaction_id, notes, timestamp`

func scanTransaction(s rowScanner) (model.Transaction, error) {
	var (
		t                                      model.Transaction
		kind                                   string
		session, company, agent, card, related sql.NullInt64
		notes                                  sql.NullString
	)
	if err := s.Scan(&t.ID, &kind, &t.Amount, &session, &t.UserID, &company, &agent, &card, &related,
		&notes, &t.Timestamp); err != nil {
		return model.Transaction{}, err
	}
	t.Type = model.TransactionType(kind)
	t.SessionID = idPtr(session)
	t.CompanyID = idPtr(company)
	t.AgentID = idPtr(agent)
	t.CardID = idPtr(card)
	t.RelatedTransactionID = idPtr(related)
	t.Notes = strPtr(notes)
	return t, nil
}

// Create appends an entry outside any caller transaction.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	return r.create(ctx, r.db, t)
}

// CreateTx appends an entry inside tx.
func (r *TransactionRepo) CreateTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	return r.create(ctx, tx, t)
}

func (r *TransactionRepo) create(ctx context.Context, q querier, t *model.Transaction) error {
	res, err := q.ExecContext(ctx,
		`INSERT INTO transactions (transaction_type, amount, game_session_id, user_id, company_id, agent_id,
		 card_id, related_transaction_id, notes) VALUES (?,?,?,?,?,?,?,?,?)`,
		string(t.Type), t.Amount, nullID(t.SessionID), t.UserID, nullID(t.CompanyID), nullID(t.AgentID),
		nullID(t.CardID), nullID(t.RelatedTransactionID), nullString(t.Notes))
	if err != nil {
		return translate(err, nil, ErrAlreadyCompensated)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := scanTransaction(q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
	if err != nil {
		return err
	}
	*t = got
	return nil
}

// GetByID fetches an entry.
func (r *TransactionRepo) GetByID(ctx context.Context, id uint64) (model.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=?`, id))
	return t, translate(err, ErrTransactionNotFound, nil)
}

// GetByIDTx fetches an entry inside tx and locks it, serialising
// compensations of the same entry.
func (r *TransactionRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (model.Transaction, error) {
	t, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id=? FOR UPDATE`, id))
	return t, translate(err, ErrTransactionNotFound, nil)
}

// CompensationExistsTx reports whether an entry already references id.
func (r *TransactionRepo) CompensationExistsTx(ctx context.Context, tx *sql.Tx, id uint64) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE related_transaction_id=?`, id).Scan(&n)
	return n > 0, err
}

// CardPayoutCountTx counts the prize payouts recorded against a card.
func (r *TransactionRepo) CardPayoutCountTx(ctx context.Context, tx *sql.Tx, cardID uint64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE card_id=? AND transaction_type=?`,
		cardID, string(model.TxPayout)).Scan(&n)
	return n, err
}

// SessionSumTx returns the sum and count of one entry kind in a session.
func (r *TransactionRepo) SessionSumTx(ctx context.Context, tx *sql.Tx, sessionID uint64, kind model.TransactionType) (decimal.Decimal, int64, error) {
	var (
		sum decimal.NullDecimal
		n   int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT SUM(amount), COUNT(*) FROM transactions WHERE game_session_id=? AND transaction_type=?`,
		sessionID, string(kind)).Scan(&sum, &n)
	return sum.Decimal, n, err
}

// CardTotals sums a card's buy-in (the entry the card references) and the
// payouts recorded against it.
func (r *TransactionRepo) CardTotals(ctx context.Context, card model.BingoCard) (model.CardStats, error) {
	st := model.CardStats{CardID: card.ID}
	if card.TransactionID != nil {
		var buyIn decimal.NullDecimal
		err := r.db.QueryRowContext(ctx,
			`SELECT SUM(amount) FROM transactions WHERE id=? AND transaction_type=?`,
			*card.TransactionID, string(model.TxPlayerBuyIn)).Scan(&buyIn)
		if err != nil {
			return st, err
		}
		st.BuyIn = buyIn.Decimal
	}
	var (
		payouts decimal.NullDecimal
		last    sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(amount), COUNT(*), MAX(timestamp) FROM transactions WHERE card_id=? AND transaction_type=?`,
		card.ID, string(model.TxPayout)).Scan(&payouts, &st.PayoutCount, &last)
	if err != nil {
		return st, err
	}
	st.Payouts = payouts.Decimal
	st.LastWinDate = timePtr(last)
	return st, nil
}

// Totals aggregates the entries matching f by kind.  It reads committed
// rows directly; nothing is cached.
func (r *TransactionRepo) Totals(ctx context.Context, f TransactionFilter) (model.LedgerTotals, error) {
	where, args := f.where()
	tot := model.LedgerTotals{ByType: map[model.TransactionType]model.TypeTotal{}, From: f.From, To: f.To}
	rows, err := r.db.QueryContext(ctx,
		`SELECT transaction_type, SUM(amount), COUNT(*) FROM transactions`+where+` GROUP BY transaction_type`, args...)
	if err != nil {
		return tot, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			sum  decimal.NullDecimal
			n    int64
		)
		if err := rows.Scan(&kind, &sum, &n); err != nil {
			return tot, err
		}
		tot.ByType[model.TransactionType(kind)] = model.TypeTotal{Sum: sum.Decimal, Count: n}
	}
	if err := rows.Err(); err != nil {
		return tot, err
	}
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT game_session_id) FROM transactions`+where, args...).Scan(&tot.Sessions); err != nil {
		return tot, err
	}
	tot.CardsSold = tot.ByType[model.TxPlayerBuyIn].Count
	tot.ComputeNet()
	return tot, nil
}

// List returns entries matching f, newest first.
func (r *TransactionRepo) List(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	where, args := f.where()
	q := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
