package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// LedgerService appends ledger entries and derives totals from them.
// Nothing here updates or deletes an entry; corrections are new entries
// pointing at the one they compensate.
type LedgerService struct {
	ledger      *repository.TransactionRepo
	sessions    *repository.SessionRepo
	cards       *repository.CardRepo
	companies   *repository.CompanyRepo
	users       *repository.UserRepo
	assignments *repository.AssignmentRepo
	policy      config.GamePolicy
	events      *Dispatcher
	audit       *Auditor
}

// LedgerDeps bundles the repositories the ledger reads.
type LedgerDeps struct {
	Ledger      *repository.TransactionRepo
	Sessions    *repository.SessionRepo
	Cards       *repository.CardRepo
	Companies   *repository.CompanyRepo
	Users       *repository.UserRepo
	Assignments *repository.AssignmentRepo
	Policy      config.GamePolicy
}

func NewLedgerService(deps LedgerDeps, events *Dispatcher, audit *Auditor) *LedgerService {
	return &LedgerService{
		ledger:      deps.Ledger,
		sessions:    deps.Sessions,
		cards:       deps.Cards,
		companies:   deps.Companies,
		users:       deps.Users,
		assignments: deps.Assignments,
		policy:      deps.Policy,
		events:      events,
		audit:       audit,
	}
}

// RecordInput is a manual ledger entry.
type RecordInput struct {
	Type                 string          `json:"transaction_type"`
	Amount               decimal.Decimal `json:"amount"`
	SessionID            *uint64         `json:"game_session_id"`
	CompanyID            *uint64         `json:"company_id"`
	AgentID              *uint64         `json:"agent_id"`
	CardID               *uint64         `json:"card_id"`
	RelatedTransactionID *uint64         `json:"related_transaction_id"`
	Notes                *string         `json:"notes"`
}

func cleanNotes(n *string) *string {
	if n == nil {
		return nil
	}
	s := strings.TrimSpace(*n)
	if s == "" {
		return nil
	}
	return &s
}

// Record appends one entry.  Entries linked to a session take their
// company and agent from it and are written under the session's row lock:
// buy-ins only while the session sells cards, payouts only once it is
// closed.  An entry naming related_transaction_id is a refund and follows
// the refund rules.  Cashiers may record only against sessions they run;
// commissions are admin-only.
func (s *LedgerService) Record(ctx context.Context, actor *Principal, in RecordInput) (model.Transaction, error) {
	kind, err := model.ParseTransactionType(in.Type)
	if err != nil {
		return model.Transaction{}, apperr.Validation("%s", err.Error())
	}
	if in.Amount.IsNegative() {
		return model.Transaction{}, apperr.Validation("amount must be >= 0")
	}
	if kind.RequiresSession() && in.SessionID == nil {
		return model.Transaction{}, apperr.Validation("%s requires game_session_id", kind)
	}
	switch {
	case actor.IsAdmin():
	case actor.is(model.RoleCashier) && kind.RequiresSession():
	default:
		return model.Transaction{}, apperr.Forbidden("not allowed to record %s entries", kind)
	}
	if in.RelatedTransactionID != nil {
		return s.compensate(ctx, actor, kind, in)
	}

	t := model.Transaction{
		Type:   kind,
		Amount: in.Amount,
		UserID: actor.UserID,
		CardID: in.CardID,
		Notes:  cleanNotes(in.Notes),
	}
	if in.SessionID == nil {
		return s.recordStandalone(ctx, actor, in, t)
	}
	err = s.appendLocked(ctx, actor, *in.SessionID, &t, func(tx *sql.Tx, gs model.GameSession) error {
		switch kind {
		case model.TxPlayerBuyIn:
			if !gs.Status.AcceptsSales(s.policy.AllowMidGameSales) {
				return apperr.State("session %d is %s and does not accept buy-ins", gs.ID, gs.Status)
			}
		case model.TxPayout:
			if !gs.Status.Terminal() {
				return apperr.State("payouts require a completed or cancelled session, session is %s", gs.Status)
			}
		}
		company, err := s.companies.GetByIDTx(ctx, tx, gs.CompanyID)
		if err != nil {
			return err
		}
		if in.CompanyID != nil && *in.CompanyID != company.ID {
			return apperr.Validation("company_id does not match the session's company")
		}
		if in.AgentID != nil && *in.AgentID != company.RegisteredByAgentID {
			return apperr.Validation("agent_id does not match the session's agent")
		}
		sid, cid, aid := gs.ID, company.ID, company.RegisteredByAgentID
		t.SessionID, t.CompanyID, t.AgentID = &sid, &cid, &aid
		if in.CardID == nil {
			return nil
		}
		card, err := s.cards.GetByIDTx(ctx, tx, *in.CardID)
		if err != nil {
			return err
		}
		if card.SessionID != gs.ID {
			return apperr.Validation("card %d does not belong to the entry's session", card.ID)
		}
		if kind == model.TxPayout {
			return s.checkUnpaidWinner(ctx, tx, gs, card)
		}
		return nil
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

// recordStandalone writes an entry linked to no session, such as a
// commission settled outside the game flow.
func (s *LedgerService) recordStandalone(ctx context.Context, actor *Principal, in RecordInput, t model.Transaction) (model.Transaction, error) {
	if in.CardID != nil {
		return model.Transaction{}, apperr.Validation("card_id requires game_session_id")
	}
	if in.CompanyID != nil {
		company, err := s.companies.GetByID(ctx, *in.CompanyID)
		if err != nil {
			return model.Transaction{}, storageErr(err)
		}
		if in.AgentID != nil && *in.AgentID != company.RegisteredByAgentID {
			return model.Transaction{}, apperr.Validation("agent_id does not match the company's agent")
		}
		cid, aid := company.ID, company.RegisteredByAgentID
		t.CompanyID, t.AgentID = &cid, &aid
	} else if in.AgentID != nil {
		if err := s.requireAgent(ctx, *in.AgentID); err != nil {
			return model.Transaction{}, err
		}
		aid := *in.AgentID
		t.AgentID = &aid
	}
	if err := s.ledger.Create(ctx, &t); err != nil {
		return model.Transaction{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "recorded %s %d of %s", t.Type, t.ID, t.Amount.StringFixed(2))
	return t, nil
}

// compensate turns a manual entry naming related_transaction_id into a
// refund of that buy-in.
func (s *LedgerService) compensate(ctx context.Context, actor *Principal, kind model.TransactionType, in RecordInput) (model.Transaction, error) {
	if kind != model.TxPayout {
		return model.Transaction{}, apperr.Validation("only payouts may reference related_transaction_id")
	}
	if in.CardID != nil {
		return model.Transaction{}, apperr.Validation("refunds do not reference a card")
	}
	orig, err := s.buyIn(ctx, *in.RelatedTransactionID)
	if err != nil {
		return model.Transaction{}, err
	}
	if *orig.SessionID != *in.SessionID {
		return model.Transaction{}, apperr.Validation("transaction %d belongs to session %d", orig.ID, *orig.SessionID)
	}
	if !in.Amount.Equal(orig.Amount) {
		return model.Transaction{}, apperr.Validation("a refund must equal the buy-in amount %s", orig.Amount.StringFixed(2))
	}
	return s.refund(ctx, actor, orig, in.Notes)
}

func (s *LedgerService) requireAgent(ctx context.Context, id uint64) error {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrUserNotFound) {
		return apperr.NotFound("agent %d not found", id)
	}
	if err != nil {
		return storageErr(err)
	}
	if u.Role() != model.RoleAgent {
		return apperr.Validation("user %d is not an agent", id)
	}
	return nil
}

// appendLocked inserts t in one transaction that holds sessionID's row
// lock.  check runs under the lock, after the operator check, and may fill
// in t.  The session's turn is held until the entry is published.
func (s *LedgerService) appendLocked(ctx context.Context, actor *Principal, sessionID uint64, t *model.Transaction,
	check func(tx *sql.Tx, gs model.GameSession) error) error {
	turn := s.events.Acquire(sessionID)
	defer turn.Release()
	err := repository.WithTx(ctx, s.ledger.DB(), func(tx *sql.Tx) error {
		gs, err := s.sessions.GetForUpdateTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := operates(actor, gs); err != nil {
			return err
		}
		if err := check(tx, gs); err != nil {
			return err
		}
		return s.ledger.CreateTx(ctx, tx, t)
	})
	if err != nil {
		return storageErr(err)
	}
	turn.Emit(ctx, queue.EventTransactionRecorded, *t)
	s.audit.Record(ctx, actor, "recorded %s %d of %s", t.Type, t.ID, t.Amount.StringFixed(2))
	return nil
}

func (s *LedgerService) recorded(ctx context.Context, actor *Principal, t model.Transaction) {
	s.audit.Record(ctx, actor, "recorded %s %d of %s", t.Type, t.ID, t.Amount.StringFixed(2))
	if t.SessionID != nil {
		s.events.Publish(ctx, *t.SessionID, queue.EventTransactionRecorded, t)
	}
}

// checkUnpaidWinner allows one prize payout per winning card.
func (s *LedgerService) checkUnpaidWinner(ctx context.Context, tx *sql.Tx, gs model.GameSession, card model.BingoCard) error {
	if gs.Status != game.StatusCompleted {
		return apperr.State("prize payouts require a completed session, session is %s", gs.Status)
	}
	if !card.IsWinner {
		return apperr.Validation("card %d is not a winner", card.ID)
	}
	paid, err := s.ledger.CardPayoutCountTx(ctx, tx, card.ID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return apperr.Conflict("card %d has already been paid", card.ID)
	}
	return nil
}

// PayWinner records the prize of a winning card of a completed session.
// A card is paid once.
func (s *LedgerService) PayWinner(ctx context.Context, actor *Principal, cardID uint64, amount decimal.Decimal, notes *string) (model.Transaction, error) {
	if amount.IsNegative() {
		return model.Transaction{}, apperr.Validation("amount must be >= 0")
	}
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return model.Transaction{}, storageErr(err)
	}
	cardRef := card.ID
	t := model.Transaction{
		Type:   model.TxPayout,
		Amount: amount,
		UserID: actor.UserID,
		CardID: &cardRef,
		Notes:  cleanNotes(notes),
	}
	err = s.appendLocked(ctx, actor, card.SessionID, &t, func(tx *sql.Tx, gs model.GameSession) error {
		if err := s.checkUnpaidWinner(ctx, tx, gs, card); err != nil {
			return err
		}
		company, err := s.companies.GetByIDTx(ctx, tx, gs.CompanyID)
		if err != nil {
			return err
		}
		sid, cid, aid := gs.ID, company.ID, company.RegisteredByAgentID
		t.SessionID, t.CompanyID, t.AgentID = &sid, &cid, &aid
		return nil
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

func (s *LedgerService) buyIn(ctx context.Context, id uint64) (model.Transaction, error) {
	orig, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return model.Transaction{}, storageErr(err)
	}
	if orig.Type != model.TxPlayerBuyIn || orig.SessionID == nil {
		return model.Transaction{}, apperr.Validation("transaction %d is not a session buy-in", id)
	}
	return orig, nil
}

// Refund appends a payout compensating a buy-in of a cancelled session.
// Each buy-in is refunded at most once.
func (s *LedgerService) Refund(ctx context.Context, actor *Principal, buyInID uint64, notes *string) (model.Transaction, error) {
	orig, err := s.buyIn(ctx, buyInID)
	if err != nil {
		return model.Transaction{}, err
	}
	return s.refund(ctx, actor, orig, notes)
}

func (s *LedgerService) refund(ctx context.Context, actor *Principal, orig model.Transaction, notes *string) (model.Transaction, error) {
	t := model.Transaction{
		Type:                 model.TxPayout,
		Amount:               orig.Amount,
		SessionID:            orig.SessionID,
		UserID:               actor.UserID,
		CompanyID:            orig.CompanyID,
		AgentID:              orig.AgentID,
		RelatedTransactionID: &orig.ID,
		Notes:                cleanNotes(notes),
	}
	// session lock first, then the entry: the same order card sales use
	err := s.appendLocked(ctx, actor, *orig.SessionID, &t, func(tx *sql.Tx, gs model.GameSession) error {
		if gs.Status != game.StatusCancelled {
			return apperr.State("refunds are only issued for cancelled sessions, session is %s", gs.Status)
		}
		if _, err := s.ledger.GetByIDTx(ctx, tx, orig.ID); err != nil {
			return err
		}
		done, err := s.ledger.CompensationExistsTx(ctx, tx, orig.ID)
		if err != nil {
			return err
		}
		if done {
			return apperr.Conflict("transaction %d has already been refunded", orig.ID)
		}
		return nil
	})
	if err != nil {
		return model.Transaction{}, err
	}
	return t, nil
}

// SettleCommission pays the company's agent their rate on the buy-ins of a
// completed session.  A session is settled once.
func (s *LedgerService) SettleCommission(ctx context.Context, actor *Principal, sessionID uint64) (model.Transaction, error) {
	if !actor.IsAdmin() {
		return model.Transaction{}, apperr.Forbidden("only admins may settle commissions")
	}
	var t model.Transaction
	err := repository.WithTx(ctx, s.ledger.DB(), func(tx *sql.Tx) error {
		gs, err := s.sessions.GetForUpdateTx(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if gs.Status != game.StatusCompleted {
			return apperr.State("commission is settled after completion, session is %s", gs.Status)
		}
		_, settled, err := s.ledger.SessionSumTx(ctx, tx, gs.ID, model.TxAgentCommissionPayout)
		if err != nil {
			return err
		}
		if settled > 0 {
			return apperr.Conflict("commission for session %d is already settled", gs.ID)
		}
		buyIns, _, err := s.ledger.SessionSumTx(ctx, tx, gs.ID, model.TxPlayerBuyIn)
		if err != nil {
			return err
		}
		company, err := s.companies.GetByIDTx(ctx, tx, gs.CompanyID)
		if err != nil {
			return err
		}
		agent, err := s.users.GetByIDTx(ctx, tx, company.RegisteredByAgentID, false)
		if err != nil {
			return err
		}
		rate := agent.CommissionRate()
		if rate == nil {
			return apperr.Validation("user %d is not an agent", agent.ID)
		}
		sid, cid, aid := gs.ID, company.ID, agent.ID
		note := "commission " + rate.String() + " on " + buyIns.StringFixed(2)
		t = model.Transaction{
			Type:      model.TxAgentCommissionPayout,
			Amount:    buyIns.Mul(*rate).Round(2),
			SessionID: &sid,
			UserID:    actor.UserID,
			CompanyID: &cid,
			AgentID:   &aid,
			Notes:     &note,
		}
		return s.ledger.CreateTx(ctx, tx, &t)
	})
	if err != nil {
		return model.Transaction{}, storageErr(err)
	}
	s.recorded(ctx, actor, t)
	return t, nil
}

// AggregateForCard derives a card's totals from the ledger.
func (s *LedgerService) AggregateForCard(ctx context.Context, cardID uint64) (model.CardStats, error) {
	card, err := s.cards.GetByID(ctx, cardID)
	if err != nil {
		return model.CardStats{}, storageErr(err)
	}
	gs, err := s.sessions.GetByID(ctx, card.SessionID)
	if err != nil {
		return model.CardStats{}, storageErr(err)
	}
	st, err := s.ledger.CardTotals(ctx, card)
	if err != nil {
		return model.CardStats{}, storageErr(err)
	}
	st.IsWinner = card.IsWinner
	if gs.Status == game.StatusCompleted {
		st.GamesPlayed = 1
		if card.IsWinner && st.LastWinDate == nil {
			st.LastWinDate = gs.EndTime
		}
	}
	return st, nil
}

func checkRange(from, to *time.Time) error {
	if from != nil && to != nil && !from.Before(*to) {
		return apperr.Validation("from must be before to")
	}
	return nil
}

// AggregateForCompany totals a company's ledger.  Admins, the owning agent
// and cashiers assigned to the company may read it.
func (s *LedgerService) AggregateForCompany(ctx context.Context, actor *Principal, companyID uint64, from, to *time.Time) (model.LedgerTotals, error) {
	if err := checkRange(from, to); err != nil {
		return model.LedgerTotals{}, err
	}
	company, err := s.companies.GetByID(ctx, companyID)
	if err != nil {
		return model.LedgerTotals{}, storageErr(err)
	}
	switch {
	case actor.IsAdmin():
	case actor.is(model.RoleAgent) && company.RegisteredByAgentID == actor.UserID:
	case actor.is(model.RoleCashier):
		a, err := s.assignments.ActiveForCashier(ctx, actor.UserID)
		if err != nil || a.CompanyID != companyID {
			return model.LedgerTotals{}, apperr.Forbidden("not allowed to read company %d totals", companyID)
		}
	default:
		return model.LedgerTotals{}, apperr.Forbidden("not allowed to read company %d totals", companyID)
	}
	tot, err := s.ledger.Totals(ctx, repository.TransactionFilter{CompanyID: companyID, From: from, To: to})
	return tot, storageErr(err)
}

// AggregateForAgent totals every entry attributed to an agent.
func (s *LedgerService) AggregateForAgent(ctx context.Context, actor *Principal, agentID uint64, from, to *time.Time) (model.LedgerTotals, error) {
	if err := checkRange(from, to); err != nil {
		return model.LedgerTotals{}, err
	}
	if !actor.IsAdmin() && !(actor.is(model.RoleAgent) && actor.UserID == agentID) {
		return model.LedgerTotals{}, apperr.Forbidden("not allowed to read agent %d totals", agentID)
	}
	if err := s.requireAgent(ctx, agentID); err != nil {
		return model.LedgerTotals{}, err
	}
	tot, err := s.ledger.Totals(ctx, repository.TransactionFilter{AgentID: agentID, From: from, To: to})
	return tot, storageErr(err)
}

// ListTransactions returns ledger entries.  Cashiers see the entries they
// processed and agents the entries attributed to them.
func (s *LedgerService) ListTransactions(ctx context.Context, actor *Principal, f repository.TransactionFilter) ([]model.Transaction, error) {
	if err := checkRange(f.From, f.To); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	switch {
	case actor.IsAdmin():
	case actor.is(model.RoleAgent):
		f.AgentID = actor.UserID
	case actor.is(model.RoleCashier):
		f.UserID = actor.UserID
	default:
		return nil, apperr.Forbidden("not allowed to list transactions")
	}
	out, err := s.ledger.List(ctx, f)
	return out, storageErr(err)
}
