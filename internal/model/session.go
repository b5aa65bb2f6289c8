package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/game"
)

// GameSession is one bingo game run by a cashier for a company.
type GameSession struct {
	ID               uint64          `json:"session_id"`
	CompanyID        uint64          `json:"company_id"`
	CashierUserID    uint64          `json:"cashier_user_id"`
	Status           game.Status     `json:"status"`
	WinningPattern   *game.Pattern   `json:"winning_pattern"`
	JackpotAmount    decimal.Decimal `json:"jackpot_amount"`
	NumbersCalled    []int           `json:"numbers_called"`
	LastCalledNumber *int            `json:"last_called_number"`
	StartTime        *time.Time      `json:"start_time"`
	EndTime          *time.Time      `json:"end_time"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// HasCalled reports whether n is already in the call sequence.
func (s *GameSession) HasCalled(n int) bool {
	for _, c := range s.NumbersCalled {
		if c == n {
			return true
		}
	}
	return false
}

// BingoCard is a 5x5 card sold against a session.
type BingoCard struct {
	ID               uint64          `json:"card_id"`
	SessionID        uint64          `json:"game_session_id"`
	PlayerIdentifier *string         `json:"player_identifier"`
	Grid             game.Grid       `json:"card_data"`
	IsWinner         bool            `json:"is_winner"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	TransactionID    *uint64         `json:"transaction_id"`
	CreatedAt        time.Time       `json:"created_at"`
}
