package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// SessionService drives the game session state machine.  Every transition
// locks the session row for the length of its transaction and publishes
// its event after commit while still holding the session's turn.
type SessionService struct {
	sessions    *repository.SessionRepo
	cards       *repository.CardRepo
	companies   *repository.CompanyRepo
	users       *repository.UserRepo
	assignments *repository.AssignmentRepo
	events      *Dispatcher
	audit       *Auditor
	policy      config.GamePolicy
	now         func() time.Time
}

// SessionDeps bundles the repositories the session engine reads.
type SessionDeps struct {
	Sessions    *repository.SessionRepo
	Cards       *repository.CardRepo
	Companies   *repository.CompanyRepo
	Users       *repository.UserRepo
	Assignments *repository.AssignmentRepo
}

func NewSessionService(deps SessionDeps, events *Dispatcher, audit *Auditor, policy config.GamePolicy) *SessionService {
	return &SessionService{
		sessions:    deps.Sessions,
		cards:       deps.Cards,
		companies:   deps.Companies,
		users:       deps.Users,
		assignments: deps.Assignments,
		events:      events,
		audit:       audit,
		policy:      policy,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateSessionInput opens a session.  Cashiers always run their own
// sessions; admins name the cashier.
type CreateSessionInput struct {
	CompanyID     uint64          `json:"company_id"`
	CashierID     uint64          `json:"cashier_user_id"`
	JackpotAmount decimal.Decimal `json:"jackpot_amount"`
}

// CreateSession opens a pending session with no numbers called.
func (s *SessionService) CreateSession(ctx context.Context, actor *Principal, in CreateSessionInput) (model.GameSession, error) {
	if in.CompanyID == 0 {
		return model.GameSession{}, apperr.Validation("company_id is required")
	}
	if in.JackpotAmount.IsNegative() {
		return model.GameSession{}, apperr.Validation("jackpot_amount must be >= 0")
	}
	company, err := s.companies.GetByID(ctx, in.CompanyID)
	if err != nil {
		return model.GameSession{}, storageErr(err)
	}
	if !company.IsActive {
		return model.GameSession{}, apperr.Validation("company %d is inactive", company.ID)
	}
	switch {
	case actor.is(model.RoleCashier):
		in.CashierID = actor.UserID
		a, err := s.assignments.ActiveForCashier(ctx, actor.UserID)
		if errors.Is(err, repository.ErrAssignmentNotFound) || (err == nil && a.CompanyID != in.CompanyID) {
			return model.GameSession{}, apperr.Forbidden("you are not assigned to company %d", in.CompanyID)
		}
		if err != nil {
			return model.GameSession{}, storageErr(err)
		}
	case actor.IsAdmin():
		if in.CashierID == 0 {
			return model.GameSession{}, apperr.Validation("cashier_user_id is required")
		}
		cashier, err := s.users.GetByID(ctx, in.CashierID)
		if err != nil {
			return model.GameSession{}, storageErr(err)
		}
		if cashier.Role() != model.RoleCashier {
			return model.GameSession{}, apperr.Validation("user %d is not a cashier", in.CashierID)
		}
	default:
		return model.GameSession{}, apperr.Forbidden("only cashiers and admins may open sessions")
	}
	gs := model.GameSession{CompanyID: in.CompanyID, CashierUserID: in.CashierID, JackpotAmount: in.JackpotAmount}
	if err := s.sessions.Create(ctx, &gs); err != nil {
		return model.GameSession{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "created session %d for company %d", gs.ID, gs.CompanyID)
	s.events.Publish(ctx, gs.ID, queue.EventSessionCreated, gs)
	return gs, nil
}

// transition is one state change applied to a locked session.  It returns
// the event to publish once the change commits.
type transition func(tx *sql.Tx, gs *model.GameSession) (queue.EventType, any, error)

func (s *SessionService) withSession(ctx context.Context, actor *Principal, id uint64, fn transition) (model.GameSession, error) {
	turn := s.events.Acquire(id)
	defer turn.Release()

	var (
		gs      model.GameSession
		typ     queue.EventType
		payload any
	)
	err := repository.WithTx(ctx, s.sessions.DB(), func(tx *sql.Tx) error {
		var err error
		if gs, err = s.sessions.GetForUpdateTx(ctx, tx, id); err != nil {
			return err
		}
		if err := operates(actor, gs); err != nil {
			return err
		}
		if typ, payload, err = fn(tx, &gs); err != nil {
			return err
		}
		gs.UpdatedAt = s.now()
		return s.sessions.SaveStateTx(ctx, tx, &gs)
	})
	if err != nil {
		return model.GameSession{}, storageErr(err)
	}
	turn.Emit(ctx, typ, payload)
	return gs, nil
}

// Start moves a pending session to active.
func (s *SessionService) Start(ctx context.Context, actor *Principal, id uint64) (model.GameSession, error) {
	gs, err := s.withSession(ctx, actor, id, func(_ *sql.Tx, gs *model.GameSession) (queue.EventType, any, error) {
		if !game.CanTransition(gs.Status, game.StatusActive) {
			return "", nil, apperr.State("cannot start a %s session", gs.Status)
		}
		now := s.now()
		gs.Status = game.StatusActive
		gs.StartTime = &now
		return queue.EventSessionStarted, gs, nil
	})
	if err == nil {
		s.audit.Record(ctx, actor, "started session %d", id)
	}
	return gs, err
}

// CallNumber appends n to the call sequence of an active session.
func (s *SessionService) CallNumber(ctx context.Context, actor *Principal, id uint64, n int) (model.GameSession, error) {
	gs, err := s.withSession(ctx, actor, id, func(_ *sql.Tx, gs *model.GameSession) (queue.EventType, any, error) {
		if !gs.Status.AcceptsCalls() {
			return "", nil, apperr.State("numbers can only be called in an active session, session is %s", gs.Status)
		}
		if n < 1 || n > s.policy.MaxNumber {
			return "", nil, apperr.Validation("number must be between 1 and %d", s.policy.MaxNumber)
		}
		if gs.HasCalled(n) {
			return "", nil, apperr.Validation("number %d has already been called", n)
		}
		gs.NumbersCalled = append(gs.NumbersCalled, n)
		gs.LastCalledNumber = &n
		return queue.EventNumberCalled, queue.NumberCalledPayload{Number: n, NumbersCalled: gs.NumbersCalled}, nil
	})
	if err == nil {
		s.audit.Record(ctx, actor, "called %d in session %d", n, id)
	}
	return gs, err
}

// Completion is the outcome of Complete.
type Completion struct {
	Session        model.GameSession `json:"session"`
	WinningCardIDs []uint64          `json:"winning_card_ids"`
}

// Complete ends an active session and resolves its winners.  The status
// change and every is_winner write commit together or not at all.
func (s *SessionService) Complete(ctx context.Context, actor *Principal, id uint64, patternName string) (Completion, error) {
	pattern, err := game.ParsePattern(patternName)
	if err != nil {
		return Completion{}, apperr.Validation("%s", err.Error())
	}
	winners := []uint64{}
	gs, err := s.withSession(ctx, actor, id, func(tx *sql.Tx, gs *model.GameSession) (queue.EventType, any, error) {
		if !game.CanTransition(gs.Status, game.StatusCompleted) {
			return "", nil, apperr.State("cannot complete a %s session", gs.Status)
		}
		cards, err := s.cards.ListBySessionTx(ctx, tx, gs.ID)
		if err != nil {
			return "", nil, err
		}
		for _, c := range cards {
			if game.EvaluateWin(c.Grid, gs.NumbersCalled, pattern) {
				winners = append(winners, c.ID)
			}
		}
		if err := s.cards.MarkWinnersTx(ctx, tx, winners); err != nil {
			return "", nil, err
		}
		now := s.now()
		gs.Status = game.StatusCompleted
		gs.WinningPattern = &pattern
		gs.EndTime = &now
		return queue.EventSessionCompleted, queue.SessionCompletedPayload{
			WinningPattern: string(pattern),
			WinningCardIDs: winners,
			NumbersCalled:  gs.NumbersCalled,
		}, nil
	})
	if err != nil {
		return Completion{}, err
	}
	s.audit.Record(ctx, actor, "completed session %d with %s, %d winner(s)", id, pattern, len(winners))
	return Completion{Session: gs, WinningCardIDs: winners}, nil
}

// Cancel ends a pending or active session without evaluating cards.
func (s *SessionService) Cancel(ctx context.Context, actor *Principal, id uint64) (model.GameSession, error) {
	gs, err := s.withSession(ctx, actor, id, func(_ *sql.Tx, gs *model.GameSession) (queue.EventType, any, error) {
		if !game.CanTransition(gs.Status, game.StatusCancelled) {
			return "", nil, apperr.State("cannot cancel a %s session", gs.Status)
		}
		now := s.now()
		gs.Status = game.StatusCancelled
		gs.EndTime = &now
		return queue.EventSessionCancelled, gs, nil
	})
	if err == nil {
		s.audit.Record(ctx, actor, "cancelled session %d", id)
	}
	return gs, err
}

// Get returns a session.
func (s *SessionService) Get(ctx context.Context, id uint64) (model.GameSession, error) {
	gs, err := s.sessions.GetByID(ctx, id)
	return gs, storageErr(err)
}

// List returns sessions.  Cashiers see their own; agents must name one of
// their companies.
func (s *SessionService) List(ctx context.Context, actor *Principal, f repository.SessionFilter) ([]model.GameSession, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	switch {
	case actor.IsAdmin():
	case actor.is(model.RoleCashier):
		f.CashierID = actor.UserID
	case actor.is(model.RoleAgent):
		if f.CompanyID == 0 {
			return nil, apperr.Validation("company_id is required")
		}
		c, err := s.companies.GetByID(ctx, f.CompanyID)
		if err != nil {
			return nil, storageErr(err)
		}
		if c.RegisteredByAgentID != actor.UserID {
			return nil, apperr.Forbidden("company %d is not registered by you", f.CompanyID)
		}
	default:
		return nil, apperr.Forbidden("not allowed to list sessions")
	}
	out, err := s.sessions.List(ctx, f)
	return out, storageErr(err)
}

// Watch hands the current committed state of a session to attach while no
// event for that session can be published, so a subscriber registered in
// attach misses nothing and sees nothing twice.  seq is the sequence number
// of the last event already published.
func (s *SessionService) Watch(ctx context.Context, id uint64, attach func(gs model.GameSession, seq uint64) error) error {
	turn := s.events.Acquire(id)
	defer turn.Release()
	gs, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		return storageErr(err)
	}
	return attach(gs, turn.Seq())
}
