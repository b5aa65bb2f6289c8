package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType is the kind of a ledger entry.
type TransactionType string

const (
	TxPlayerBuyIn           TransactionType = "player_buy_in"
	TxPayout                TransactionType = "payout"
	TxAgentCommissionPayout TransactionType = "agent_commission_payout"
	TxAdminCommission       TransactionType = "admin_commission"
)

// ParseTransactionType validates a ledger entry kind.
func ParseTransactionType(s string) (TransactionType, error) {
	switch t := TransactionType(s); t {
	case TxPlayerBuyIn, TxPayout, TxAgentCommissionPayout, TxAdminCommission:
		return t, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

// RequiresSession reports whether the kind only makes sense inside a game.
func (t TransactionType) RequiresSession() bool {
	return t == TxPlayerBuyIn || t == TxPayout
}

// Transaction is an append-only ledger entry.  Corrections reference the
// entry they compensate through RelatedTransactionID.
type Transaction struct {
	ID                   uint64          `json:"transaction_id"`
	Type                 TransactionType `json:"transaction_type"`
	Amount               decimal.Decimal `json:"amount"`
	SessionID            *uint64         `json:"game_session_id"`
	UserID               uint64          `json:"user_id"`
	CompanyID            *uint64         `json:"company_id"`
	AgentID              *uint64         `json:"agent_id"`
	CardID               *uint64         `json:"card_id"`
	RelatedTransactionID *uint64         `json:"related_transaction_id"`
	Notes                *string         `json:"notes"`
	Timestamp            time.Time       `json:"timestamp"`
}

// CardStats is derived from the ledger for a single card.
type CardStats struct {
	CardID      uint64          `json:"card_id"`
	BuyIn       decimal.Decimal `json:"total_buy_in"`
	Payouts     decimal.Decimal `json:"total_payouts"`
	PayoutCount int64           `json:"payout_count"`
	IsWinner    bool            `json:"is_winner"`
	GamesPlayed int             `json:"games_played"`
	LastWinDate *time.Time      `json:"last_win_date"`
}

// TypeTotal is the sum and count of one ledger entry kind.
type TypeTotal struct {
	Sum   decimal.Decimal `json:"sum"`
	Count int64           `json:"count"`
}

// LedgerTotals aggregates a company's or agent's ledger entries.
type LedgerTotals struct {
	ByType    map[TransactionType]TypeTotal `json:"by_type"`
	CardsSold int64                         `json:"cards_sold"`
	Sessions  int64                         `json:"sessions"`
	Net       decimal.Decimal               `json:"net"`
	From      *time.Time                    `json:"from,omitempty"`
	To        *time.Time                    `json:"to,omitempty"`
}

// ComputeNet sets Net to buy-ins minus payouts and commissions.
func (t *LedgerTotals) ComputeNet() {
	net := t.ByType[TxPlayerBuyIn].Sum
	net = net.Sub(t.ByType[TxPayout].Sum)
	net = net.Sub(t.ByType[TxAgentCommissionPayout].Sum)
	net = net.Sub(t.ByType[TxAdminCommission].Sum)
	t.Net = net
}

// AuditLog is a write-once record of a state change.
type AuditLog struct {
	ID        uint64    `json:"log_id"`
	UserID    *uint64   `json:"user_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}
