package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
)

var ErrCardNotFound = errors.New("card not found")

type CardRepo struct{ db *sql.DB }

func NewCardRepo(db *sql.DB) *CardRepo { return &CardRepo{db: db} }

const cardColumns = `id, game_session_id, player_identifier, card_data, is_winner, purchase_price, transaction_id, created_at`

func scanCard(s rowScanner) (model.BingoCard, error) {
	var (
		c      model.BingoCard
		player sql.NullString
		data   []byte
		txID   sql.NullInt64
	)
	if err := s.Scan(&c.ID, &c.SessionID, &player, &data, &c.IsWinner, &c.PurchasePrice, &txID, &c.CreatedAt); err != nil {
		return model.BingoCard{}, err
	}
	g, err := game.ParseGrid(data)
	if err != nil {
		return model.BingoCard{}, err
	}
	c.Grid = g
	c.PlayerIdentifier = strPtr(player)
	c.TransactionID = idPtr(txID)
	return c, nil
}

// CreateTx inserts a card inside tx.  The card's buy-in is expected to be
// written in the same transaction.
func (r *CardRepo) CreateTx(ctx context.Context, tx *sql.Tx, c *model.BingoCard) error {
	data, err := json.Marshal(c.Grid)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO bingo_cards (game_session_id, player_identifier, card_data, is_winner, purchase_price, transaction_id)
		 VALUES (?,?,?,0,?,?)`,
		c.SessionID, nullString(c.PlayerIdentifier), string(data), c.PurchasePrice, nullID(c.TransactionID))
	if err != nil {
		return translate(err, nil, nil)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	got, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM bingo_cards WHERE id=?`, id))
	if err != nil {
		return err
	}
	*c = got
	return nil
}

// GetByID fetches a card.
func (r *CardRepo) GetByID(ctx context.Context, id uint64) (model.BingoCard, error) {
	c, err := scanCard(r.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM bingo_cards WHERE id=?`, id))
	return c, translate(err, ErrCardNotFound, nil)
}

// GetByIDTx fetches a card inside tx.
func (r *CardRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (model.BingoCard, error) {
	c, err := scanCard(tx.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM bingo_cards WHERE id=?`, id))
	return c, translate(err, ErrCardNotFound, nil)
}

// ListBySession returns the cards of a session in issue order.
func (r *CardRepo) ListBySession(ctx context.Context, sessionID uint64) ([]model.BingoCard, error) {
	return r.listBySession(ctx, r.db, sessionID)
}

// ListBySessionTx is ListBySession inside tx.
func (r *CardRepo) ListBySessionTx(ctx context.Context, tx *sql.Tx, sessionID uint64) ([]model.BingoCard, error) {
	return r.listBySession(ctx, tx, sessionID)
}

func (r *CardRepo) listBySession(ctx context.Context, q querier, sessionID uint64) ([]model.BingoCard, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM bingo_cards WHERE game_session_id=? ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BingoCard
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkWinnersTx sets is_winner on the given cards.
func (r *CardRepo) MarkWinnersTx(ctx context.Context, tx *sql.Tx, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := tx.ExecContext(ctx, `UPDATE bingo_cards SET is_winner=1 WHERE id IN (`+placeholders+`)`, args...)
	return err
}
