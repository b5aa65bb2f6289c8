package service

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// CardService sells cards and checks them against the called numbers.
type CardService struct {
	sessions  *repository.SessionRepo
	cards     *repository.CardRepo
	ledger    *repository.TransactionRepo
	companies *repository.CompanyRepo
	events    *Dispatcher
	audit     *Auditor
	policy    config.GamePolicy
}

func NewCardService(sessions *repository.SessionRepo, cards *repository.CardRepo, ledger *repository.TransactionRepo,
	companies *repository.CompanyRepo, events *Dispatcher, audit *Auditor, policy config.GamePolicy) *CardService {
	return &CardService{
		sessions:  sessions,
		cards:     cards,
		ledger:    ledger,
		companies: companies,
		events:    events,
		audit:     audit,
		policy:    policy,
	}
}

// IssueCardInput describes a sale.  A nil Grid draws a random card.
type IssueCardInput struct {
	Grid             *game.Grid      `json:"card_data"`
	Price            decimal.Decimal `json:"purchase_price"`
	PlayerIdentifier *string         `json:"player_identifier"`
}

// IssuedCard is a sold card and its buy-in entry.
type IssuedCard struct {
	Card  model.BingoCard   `json:"card"`
	BuyIn model.Transaction `json:"transaction"`
}

// IssueCard sells a card.  The buy-in entry and the card row are written
// in one transaction under the session lock.
func (s *CardService) IssueCard(ctx context.Context, actor *Principal, sessionID uint64, in IssueCardInput) (IssuedCard, error) {
	if in.Price.IsNegative() {
		return IssuedCard{}, apperr.Validation("purchase_price must be >= 0")
	}
	var grid game.Grid
	if in.Grid != nil {
		if err := in.Grid.Validate(s.policy.MaxNumber); err != nil {
			return IssuedCard{}, apperr.Validation("%s", err.Error())
		}
		grid = *in.Grid
	} else {
		g, err := game.GenerateGrid(s.policy.MaxNumber, nil)
		if err != nil {
			return IssuedCard{}, apperr.Internal("generate card", err)
		}
		grid = g
	}
	if in.PlayerIdentifier != nil {
		p := strings.TrimSpace(*in.PlayerIdentifier)
		if p == "" {
			in.PlayerIdentifier = nil
		} else {
			in.PlayerIdentifier = &p
		}
	}

	turn := s.events.Acquire(sessionID)
	defer turn.Release()

	var out IssuedCard
	err := repository.WithTx(ctx, s.sessions.DB(), func(tx *sql.Tx) error {
		gs, err := s.sessions.GetForUpdateTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := operates(actor, gs); err != nil {
			return err
		}
		if !gs.Status.AcceptsSales(s.policy.AllowMidGameSales) {
			return apperr.State("cards cannot be sold in a %s session", gs.Status)
		}
		company, err := s.companies.GetByIDTx(ctx, tx, gs.CompanyID)
		if err != nil {
			return err
		}
		sid, cid, aid := gs.ID, company.ID, company.RegisteredByAgentID
		out.BuyIn = model.Transaction{
			Type:      model.TxPlayerBuyIn,
			Amount:    in.Price,
			SessionID: &sid,
			UserID:    actor.UserID,
			CompanyID: &cid,
			AgentID:   &aid,
		}
		if err := s.ledger.CreateTx(ctx, tx, &out.BuyIn); err != nil {
			return err
		}
		txID := out.BuyIn.ID
		out.Card = model.BingoCard{
			SessionID:        gs.ID,
			PlayerIdentifier: in.PlayerIdentifier,
			Grid:             grid,
			PurchasePrice:    in.Price,
			TransactionID:    &txID,
		}
		return s.cards.CreateTx(ctx, tx, &out.Card)
	})
	if err != nil {
		return IssuedCard{}, storageErr(err)
	}
	turn.Emit(ctx, queue.EventCardIssued, out.Card)
	turn.Emit(ctx, queue.EventTransactionRecorded, out.BuyIn)
	s.audit.Record(ctx, actor, "issued card %d in session %d for %s", out.Card.ID, sessionID, in.Price.StringFixed(2))
	return out, nil
}

// CardCheck is the result of a manual win check.
type CardCheck struct {
	CardID        uint64                     `json:"card_id"`
	SessionID     uint64                     `json:"game_session_id"`
	Pattern       game.Pattern               `json:"pattern"`
	NumbersCalled []int                      `json:"numbers_called"`
	Marks         [game.Size][game.Size]bool `json:"marks"`
	Wins          bool                       `json:"wins"`
	IsWinner      bool                       `json:"is_winner"`
}

// CheckCard evaluates a card against its session's current calls.  It
// writes nothing.  With no pattern given the session's winning pattern is
// used.
func (s *CardService) CheckCard(ctx context.Context, cardID uint64, patternName string) (CardCheck, error) {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return CardCheck{}, storageErr(err)
	}
	gs, err := s.sessions.GetByID(ctx, card.SessionID)
	if err != nil {
		return CardCheck{}, storageErr(err)
	}
	var pattern game.Pattern
	switch {
	case strings.TrimSpace(patternName) != "":
		if pattern, err = game.ParsePattern(patternName); err != nil {
			return CardCheck{}, apperr.Validation("%s", err.Error())
		}
	case gs.WinningPattern != nil:
		pattern = *gs.WinningPattern
	default:
		return CardCheck{}, apperr.Validation("pattern is required until the session is completed")
	}
	return CardCheck{
		CardID:        card.ID,
		SessionID:     gs.ID,
		Pattern:       pattern,
		NumbersCalled: gs.NumbersCalled,
		Marks:         card.Grid.Marks(gs.NumbersCalled),
		Wins:          game.EvaluateWin(card.Grid, gs.NumbersCalled, pattern),
		IsWinner:      card.IsWinner,
	}, nil
}

// Get returns a card.
func (s *CardService) Get(ctx context.Context, id uint64) (model.BingoCard, error) {
	c, err := s.cards.GetByID(ctx, id)
	return c, storageErr(err)
}

// ListBySession returns the cards sold in a session.
func (s *CardService) ListBySession(ctx context.Context, sessionID uint64) ([]model.BingoCard, error) {
	if _, err := s.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, storageErr(err)
	}
	out, err := s.cards.ListBySession(ctx, sessionID)
	return out, storageErr(err)
}
