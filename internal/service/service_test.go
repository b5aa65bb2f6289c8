package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/labstack/gommon/log"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/config"
	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/queue"
	"github.com/iliyamo/bingo-hall/internal/repository"
	"github.com/iliyamo/bingo-hall/internal/utils"
)

var (
	sessionCols = []string{"id", "company_id", "cashier_user_id", "status", "winning_pattern", "jackpot_amount",
		"numbers_called", "last_called_number", "start_time", "end_time", "created_at", "updated_at"}
	cardCols        = []string{"id", "game_session_id", "player_identifier", "card_data", "is_winner", "purchase_price", "transaction_id", "created_at"}
	companyCols     = []string{"id", "name", "contact_info", "registered_by_agent_id", "is_active", "created_at", "updated_at"}
	userCols        = []string{"id", "username", "password_hash", "role", "parent_agent_id", "commission_rate", "created_by", "is_active", "created_at", "updated_at"}
	assignmentCols  = []string{"id", "cashier_user_id", "company_id", "is_active", "assigned_at", "updated_at"}
	transactionCols = []string{"id", "transaction_type", "amount", "game_session_id", "user_id", "company_id", "agent_id",
		"card_id", "related_transaction_id", "notes", "timestamp"}
)

var (
	cashier7 = &Principal{UserID: 7, Role: model.RoleCashier, Username: "till7"}
	admin1   = &Principal{UserID: 1, Role: model.RoleAdmin, Username: "root"}
	policy   = config.GamePolicy{MaxNumber: 75, AllowMidGameSales: true}
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
		db.Close()
	})
	return db, mock
}

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

type recordingSink struct {
	mu     sync.Mutex
	events []queue.GameEvent
}

func (r *recordingSink) Publish(_ context.Context, ev queue.GameEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) all() []queue.GameEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]queue.GameEvent(nil), r.events...)
}

func sessionRow(id uint64, cashier uint64, status game.Status, called string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionCols).
		AddRow(id, 1, cashier, string(status), nil, "10.00", []byte(called), nil, nil, nil, now, now)
}

func cardJSON(t *testing.T, g game.Grid) []byte {
	t.Helper()
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// cornersGrid has 5, 61, 12 and 70 in its corners.
func cornersGrid() game.Grid {
	var g game.Grid
	n := 16
	for r := 0; r < game.Size; r++ {
		for c := 0; c < game.Size; c++ {
			g[r][c] = n
			n++
		}
	}
	g[0][0], g[0][4], g[4][0], g[4][4] = 5, 61, 12, 70
	g[2][2] = game.Free
	return g
}

type fixture struct {
	db    *sql.DB
	mock  sqlmock.Sqlmock
	sink  *recordingSink
	audit *Auditor
	disp  *Dispatcher
}

func newFixture(t *testing.T) fixture {
	db, mock := newMock(t)
	sink := &recordingSink{}
	logger := quietLogger()
	return fixture{
		db:    db,
		mock:  mock,
		sink:  sink,
		audit: NewAuditor(repository.NewAuditRepo(db), logger),
		disp:  NewDispatcher(logger, sink),
	}
}

func (f fixture) sessions() *SessionService {
	return NewSessionService(SessionDeps{
		Sessions:    repository.NewSessionRepo(f.db),
		Cards:       repository.NewCardRepo(f.db),
		Companies:   repository.NewCompanyRepo(f.db),
		Users:       repository.NewUserRepo(f.db),
		Assignments: repository.NewAssignmentRepo(f.db),
	}, f.disp, f.audit, policy)
}

func (f fixture) expectAudit() {
	f.mock.ExpectExec(`INSERT INTO audit_log`).WillReturnResult(sqlmock.NewResult(1, 1))
}

func TestCompleteRollsBackWhenWinnerWriteFails(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).
		WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5,61,12,70]`))
	f.mock.ExpectQuery(`FROM bingo_cards WHERE game_session_id=\?`).
		WillReturnRows(sqlmock.NewRows(cardCols).
			AddRow(21, 3, nil, cardJSON(t, cornersGrid()), false, "2.00", 40, time.Now()))
	f.mock.ExpectExec(`UPDATE bingo_cards SET is_winner=1`).WillReturnError(errors.New("lock wait timeout"))
	f.mock.ExpectRollback()

	_, err := f.sessions().Complete(context.Background(), cashier7, 3, "four_corners")
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if n := len(f.sink.all()); n != 0 {
		t.Fatalf("published %d events for a rolled back completion", n)
	}
}

func TestCompleteMarksWinnersAndPublishes(t *testing.T) {
	f := newFixture(t)
	loser := cornersGrid()
	loser[4][4] = 71
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).
		WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5,61,12,70,44]`))
	f.mock.ExpectQuery(`FROM bingo_cards WHERE game_session_id=\?`).
		WillReturnRows(sqlmock.NewRows(cardCols).
			AddRow(21, 3, nil, cardJSON(t, cornersGrid()), false, "2.00", 40, time.Now()).
			AddRow(22, 3, "seat 4", cardJSON(t, loser), false, "2.00", 41, time.Now()))
	f.mock.ExpectExec(`UPDATE bingo_cards SET is_winner=1 WHERE id IN \(\?\)`).
		WithArgs(21).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE game_sessions SET status=\?`).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectAudit()

	res, err := f.sessions().Complete(context.Background(), cashier7, 3, "corners")
	if err != nil {
		t.Fatal(err)
	}
	if res.Session.Status != game.StatusCompleted || res.Session.EndTime == nil {
		t.Fatalf("session = %+v", res.Session)
	}
	if len(res.WinningCardIDs) != 1 || res.WinningCardIDs[0] != 21 {
		t.Fatalf("winners = %v, want [21]", res.WinningCardIDs)
	}
	evs := f.sink.all()
	if len(evs) != 1 || evs[0].Type != queue.EventSessionCompleted || evs[0].Seq != 1 {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCompleteRejectsUnknownPatternBeforeTouchingStorage(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions().Complete(context.Background(), cashier7, 3, "zigzag")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCallNumberErrors(t *testing.T) {
	cases := []struct {
		name   string
		status game.Status
		called string
		actor  *Principal
		n      int
		want   error
	}{
		{"pending session", game.StatusPending, `[]`, cashier7, 5, apperr.ErrState},
		{"completed session", game.StatusCompleted, `[5]`, cashier7, 6, apperr.ErrState},
		{"duplicate", game.StatusActive, `[5,12]`, cashier7, 12, apperr.ErrValidation},
		{"too high", game.StatusActive, `[]`, cashier7, 76, apperr.ErrValidation},
		{"zero", game.StatusActive, `[]`, cashier7, 0, apperr.ErrValidation},
		{"other cashier", game.StatusActive, `[]`, &Principal{UserID: 8, Role: model.RoleCashier}, 5, apperr.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).
				WillReturnRows(sessionRow(3, 7, tc.status, tc.called))
			f.mock.ExpectRollback()
			_, err := f.sessions().CallNumber(context.Background(), tc.actor, 3, tc.n)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCallNumberAppends(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).
		WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5,12]`))
	f.mock.ExpectExec(`UPDATE game_sessions SET status=\?`).
		WithArgs("active", sqlmock.AnyArg(), "[5,12,44]", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectAudit()

	gs, err := f.sessions().CallNumber(context.Background(), admin1, 3, 44)
	if err != nil {
		t.Fatal(err)
	}
	if gs.LastCalledNumber == nil || *gs.LastCalledNumber != 44 || len(gs.NumbersCalled) != 3 {
		t.Fatalf("session = %+v", gs)
	}
	evs := f.sink.all()
	if len(evs) != 1 || evs[0].Type != queue.EventNumberCalled {
		t.Fatalf("events = %+v", evs)
	}
}

func (f fixture) cards() *CardService {
	return NewCardService(repository.NewSessionRepo(f.db), repository.NewCardRepo(f.db), repository.NewTransactionRepo(f.db),
		repository.NewCompanyRepo(f.db), f.disp, f.audit, policy)
}

func companyRow(id, agent uint64, active bool) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(companyCols).AddRow(id, "Lucky Hall", nil, agent, active, now, now)
}

func TestIssueCardRollsBackBuyInWhenCardInsertFails(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).
		WillReturnRows(sessionRow(3, 7, game.StatusPending, `[]`))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(11, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(11, "player_buy_in", "2.50", 3, 7, 1, 2, nil, nil, nil, time.Now()))
	f.mock.ExpectExec(`INSERT INTO bingo_cards`).WillReturnError(errors.New("connection reset"))
	f.mock.ExpectRollback()

	_, err := f.cards().IssueCard(context.Background(), cashier7, 3, IssueCardInput{Price: decimal.RequireFromString("2.50")})
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Fatalf("err = %v, want internal", err)
	}
	if n := len(f.sink.all()); n != 0 {
		t.Fatalf("published %d events", n)
	}
}

func TestIssueCardRejectsClosedSession(t *testing.T) {
	for _, st := range []game.Status{game.StatusCompleted, game.StatusCancelled} {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, st, `[]`))
		f.mock.ExpectRollback()
		_, err := f.cards().IssueCard(context.Background(), cashier7, 3, IssueCardInput{Price: decimal.NewFromInt(1)})
		if !errors.Is(err, apperr.ErrState) {
			t.Fatalf("%s: err = %v, want state", st, err)
		}
	}
}

func TestIssueCardMidGamePolicy(t *testing.T) {
	f := newFixture(t)
	svc := f.cards()
	svc.policy.AllowMidGameSales = false
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5,12,44]`))
	f.mock.ExpectRollback()
	_, err := svc.IssueCard(context.Background(), cashier7, 3, IssueCardInput{Price: decimal.NewFromInt(1)})
	if !errors.Is(err, apperr.ErrState) {
		t.Fatalf("err = %v, want state", err)
	}
}

func TestIssueCardValidatesInputFirst(t *testing.T) {
	f := newFixture(t)
	bad := cornersGrid()
	bad[2][2] = 40
	cases := []IssueCardInput{
		{Price: decimal.NewFromInt(-1)},
		{Price: decimal.NewFromInt(1), Grid: &bad},
	}
	for _, in := range cases {
		if _, err := f.cards().IssueCard(context.Background(), cashier7, 3, in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("IssueCard(%+v) err = %v, want validation", in, err)
		}
	}
}

func (f fixture) tenants() *TenantService {
	return NewTenantService(repository.NewUserRepo(f.db), repository.NewCompanyRepo(f.db),
		repository.NewAssignmentRepo(f.db), f.audit)
}

func cashierRow(id, parent uint64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(userCols).AddRow(id, "till", "hash", "cashier", parent, nil, nil, true, now, now)
}

func TestAssignCashierConflictsWithExistingAssignment(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM users WHERE id=\? FOR UPDATE`).WillReturnRows(cashierRow(7, 2))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(9, 2, true))
	f.mock.ExpectQuery(`FROM cashier_assignments WHERE cashier_user_id=\? AND is_active=1 FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows(assignmentCols).AddRow(4, 7, 5, true, now, now))
	f.mock.ExpectRollback()

	_, err := f.tenants().AssignCashier(context.Background(), admin1, 7, 9)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAssignCashierDuplicateKeyIsConflict(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM users WHERE id=\? FOR UPDATE`).WillReturnRows(cashierRow(7, 2))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(9, 2, true))
	f.mock.ExpectQuery(`FROM cashier_assignments WHERE cashier_user_id=\?`).WillReturnRows(sqlmock.NewRows(assignmentCols))
	f.mock.ExpectExec(`INSERT INTO cashier_assignments`).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	f.mock.ExpectRollback()

	_, err := f.tenants().AssignCashier(context.Background(), admin1, 7, 9)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestAssignCashierAgentScope(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM users WHERE id=\? FOR UPDATE`).WillReturnRows(cashierRow(7, 2))
	f.mock.ExpectRollback()

	other := &Principal{UserID: 3, Role: model.RoleAgent}
	_, err := f.tenants().AssignCashier(context.Background(), other, 7, 9)
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func (f fixture) identity() *IdentityService {
	return NewIdentityService(repository.NewUserRepo(f.db), repository.NewTokenRepo(f.db), f.audit, IdentityConfig{
		JWTSecret:      "test-secret",
		AccessTTLMin:   15,
		RefreshTTLDays: 7,
		BcryptCost:     4,
	})
}

func TestRegisterValidation(t *testing.T) {
	parent := uint64(2)
	rate := decimal.RequireFromString("0.1")
	cases := []struct {
		name string
		in   RegisterInput
	}{
		{"cashier without parent", RegisterInput{Username: "till", Password: "secret1", Role: "cashier"}},
		{"agent without rate", RegisterInput{Username: "agent", Password: "secret1", Role: "agent"}},
		{"cashier with rate", RegisterInput{Username: "till", Password: "secret1", Role: "cashier", ParentAgentID: &parent, CommissionRate: &rate}},
		{"agent with parent", RegisterInput{Username: "agent", Password: "secret1", Role: "agent", ParentAgentID: &parent, CommissionRate: &rate}},
		{"admin with rate", RegisterInput{Username: "boss", Password: "secret1", Role: "admin", CommissionRate: &rate}},
		{"unknown role", RegisterInput{Username: "boss", Password: "secret1", Role: "owner"}},
		{"short username", RegisterInput{Username: " ab ", Password: "secret1", Role: "admin"}},
		{"short password", RegisterInput{Username: "boss", Password: "12345", Role: "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.identity().Register(context.Background(), admin1, tc.in)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestRegisterBootstrapOnlyOnEmptyTable(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users FOR UPDATE`).WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	f.mock.ExpectRollback()

	_, err := f.identity().Register(context.Background(), nil, RegisterInput{Username: "boss", Password: "secret1", Role: "admin"})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	_, err = f.identity().Register(context.Background(), nil, RegisterInput{Username: "agent", Password: "secret1", Role: "agent",
		CommissionRate: func() *decimal.Decimal { r := decimal.RequireFromString("0.05"); return &r }()})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("anonymous agent err = %v, want forbidden", err)
	}
}

func TestRegisterDuplicateUsernameIsValidation(t *testing.T) {
	f := newFixture(t)
	parent := uint64(2)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM users WHERE id=\?`).WillReturnRows(sqlmock.NewRows(userCols).
		AddRow(2, "agent", "hash", "agent", nil, "0.1000", nil, true, now, now))
	f.mock.ExpectExec(`INSERT INTO users`).WillReturnError(&mysql.MySQLError{Number: 1062})
	f.mock.ExpectRollback()

	_, err := f.identity().Register(context.Background(), admin1, RegisterInput{
		Username: "till", Password: "secret1", Role: "cashier", ParentAgentID: &parent,
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestRegisterAgentMayOnlyCreateOwnCashiers(t *testing.T) {
	f := newFixture(t)
	other := uint64(5)
	agent := &Principal{UserID: 2, Role: model.RoleAgent}
	_, err := f.identity().Register(context.Background(), agent, RegisterInput{
		Username: "till", Password: "secret1", Role: "cashier", ParentAgentID: &other,
	})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestAuthenticateErrorOrder(t *testing.T) {
	hash, err := utils.HashPassword("secret1", 4)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	row := func(active bool) *sqlmock.Rows {
		return sqlmock.NewRows(userCols).AddRow(1, "boss", hash, "admin", nil, nil, nil, active, now, now)
	}
	cases := []struct {
		name     string
		rows     *sqlmock.Rows
		password string
		want     error
	}{
		{"unknown user", sqlmock.NewRows(userCols), "secret1", apperr.ErrNotFound},
		{"wrong password", row(true), "nope!!", apperr.ErrAuth},
		{"wrong password on inactive account", row(false), "nope!!", apperr.ErrAuth},
		{"inactive", row(false), "secret1", apperr.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectQuery(`FROM users WHERE username=\?`).WillReturnRows(tc.rows)
			_, err := f.identity().Authenticate(context.Background(), "boss", tc.password)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAuthenticateIssuesTokens(t *testing.T) {
	hash, err := utils.HashPassword("secret1", 4)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM users WHERE username=\?`).WillReturnRows(sqlmock.NewRows(userCols).
		AddRow(1, "boss", hash, "admin", nil, nil, nil, true, now, now))
	f.mock.ExpectExec(`INSERT INTO refresh_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.expectAudit()

	pair, err := f.identity().Authenticate(context.Background(), "boss", "secret1")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := utils.ParseAccessToken("test-secret", pair.Access.Token)
	if err != nil {
		t.Fatal(err)
	}
	if id, _ := claims.UserID(); id != 1 || claims.Role != "admin" || claims.Username != "boss" {
		t.Fatalf("claims = %+v", claims)
	}
	if pair.Refresh.Raw == "" || pair.User.ID != 1 {
		t.Fatalf("pair = %+v", pair)
	}
}

func TestUpdateFieldAuthorization(t *testing.T) {
	f := newFixture(t)
	role := "admin"
	active := false
	name := "renamed"
	cases := []struct {
		name  string
		actor *Principal
		id    uint64
		in    UpdateInput
		want  error
	}{
		{"other user", cashier7, 8, UpdateInput{Username: &name}, apperr.ErrForbidden},
		{"own role", cashier7, 7, UpdateInput{Role: &role}, apperr.ErrForbidden},
		{"own status", cashier7, 7, UpdateInput{IsActive: &active}, apperr.ErrForbidden},
		{"admin deactivating self", admin1, 1, UpdateInput{IsActive: &active}, apperr.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := f.identity().Update(context.Background(), tc.actor, tc.id, tc.in); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func (f fixture) ledger() *LedgerService {
	return NewLedgerService(LedgerDeps{
		Ledger:      repository.NewTransactionRepo(f.db),
		Sessions:    repository.NewSessionRepo(f.db),
		Cards:       repository.NewCardRepo(f.db),
		Companies:   repository.NewCompanyRepo(f.db),
		Users:       repository.NewUserRepo(f.db),
		Assignments: repository.NewAssignmentRepo(f.db),
		Policy:      policy,
	}, f.disp, f.audit)
}

func TestRecordRejectsNegativeAmountAndMissingSession(t *testing.T) {
	f := newFixture(t)
	cases := []RecordInput{
		{Type: "admin_commission", Amount: decimal.NewFromInt(-5)},
		{Type: "payout", Amount: decimal.NewFromInt(5)},
		{Type: "bonus", Amount: decimal.NewFromInt(5)},
	}
	for _, in := range cases {
		if _, err := f.ledger().Record(context.Background(), admin1, in); !errors.Is(err, apperr.ErrValidation) {
			t.Errorf("Record(%+v) err = %v, want validation", in, err)
		}
	}
}

func TestRecordStandaloneCommission(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs("admin_commission", sqlmock.AnyArg(), nil, 1, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(30, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(30, "admin_commission", "12.00", nil, 1, nil, nil, nil, nil, nil, time.Now()))
	f.expectAudit()

	tx, err := f.ledger().Record(context.Background(), admin1, RecordInput{Type: "admin_commission", Amount: decimal.NewFromInt(12)})
	if err != nil {
		t.Fatal(err)
	}
	if tx.SessionID != nil || tx.CompanyID != nil || !tx.Amount.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("tx = %+v", tx)
	}
	if n := len(f.sink.all()); n != 0 {
		t.Fatalf("standalone entry published %d session events", n)
	}
}

func TestRefundTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	buyIn := func() *sqlmock.Rows {
		return sqlmock.NewRows(transactionCols).AddRow(11, "player_buy_in", "2.50", 3, 7, 1, 2, nil, nil, nil, time.Now())
	}
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(buyIn())
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusCancelled, `[]`))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\? FOR UPDATE`).WillReturnRows(buyIn())
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions WHERE related_transaction_id=\?`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	f.mock.ExpectRollback()

	_, err := f.ledger().Refund(context.Background(), cashier7, 11, nil)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestRefundRequiresCancelledSession(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(11, "player_buy_in", "2.50", 3, 7, 1, 2, nil, nil, nil, time.Now()))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusCompleted, `[]`))
	f.mock.ExpectRollback()

	_, err := f.ledger().Refund(context.Background(), cashier7, 11, nil)
	if !errors.Is(err, apperr.ErrState) {
		t.Fatalf("err = %v, want state", err)
	}
}

func TestAggregateForCompany(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM companies WHERE id=\?`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectQuery(`SELECT transaction_type, SUM\(amount\), COUNT\(\*\) FROM transactions WHERE company_id=\?`).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_type", "sum", "n"}).
			AddRow("player_buy_in", "25.00", 10).
			AddRow("payout", "15.00", 1))
	f.mock.ExpectQuery(`SELECT COUNT\(DISTINCT game_session_id\) FROM transactions WHERE company_id=\?`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	agent := &Principal{UserID: 2, Role: model.RoleAgent}
	tot, err := f.ledger().AggregateForCompany(context.Background(), agent, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if tot.CardsSold != 10 || tot.Sessions != 2 || !tot.Net.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("totals = %+v", tot)
	}
}

func TestAggregateForCompanyForbidsOtherAgents(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM companies WHERE id=\?`).WillReturnRows(companyRow(1, 2, true))
	other := &Principal{UserID: 3, Role: model.RoleAgent}
	if _, err := f.ledger().AggregateForCompany(context.Background(), other, 1, nil, nil); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestStorageErrMapping(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{repository.ErrSessionNotFound, apperr.ErrNotFound},
		{repository.ErrActiveAssignmentExists, apperr.ErrConflict},
		{repository.ErrAlreadyCompensated, apperr.ErrConflict},
		{repository.ErrReferenced, apperr.ErrConflict},
		{repository.ErrBadReference, apperr.ErrValidation},
		{apperr.State("x"), apperr.ErrState},
		{errors.New("boom"), apperr.ErrInternal},
	}
	for _, tc := range cases {
		if got := storageErr(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("storageErr(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if storageErr(nil) != nil {
		t.Error("storageErr(nil) != nil")
	}
}

func TestDispatcherSequencesPerSession(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(quietLogger(), sink)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Publish(context.Background(), uint64(1+i%2), queue.EventNumberCalled, queue.NumberCalledPayload{Number: i})
		}(i)
	}
	wg.Wait()
	next := map[uint64]uint64{1: 1, 2: 1}
	for _, ev := range sink.all() {
		if ev.Seq != next[ev.SessionID] {
			t.Fatalf("session %d got seq %d, want %d", ev.SessionID, ev.Seq, next[ev.SessionID])
		}
		next[ev.SessionID]++
	}
	if next[1] != 11 || next[2] != 11 {
		t.Fatalf("counts = %v", next)
	}
	if len(d.turns) != 0 {
		t.Fatalf("turn locks leaked: %d", len(d.turns))
	}
}

func TestTurnReleaseIsIdempotent(t *testing.T) {
	d := NewDispatcher(quietLogger())
	turn := d.Acquire(4)
	turn.Release()
	turn.Release()
	again := d.Acquire(4)
	again.Release()
}

func closedRow(id uint64, status game.Status, pattern any, called string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionCols).
		AddRow(id, 1, 7, string(status), pattern, "10.00", []byte(called), nil, now.Add(-time.Hour), now, now, now)
}

func buyInRow() *sqlmock.Rows {
	return sqlmock.NewRows(transactionCols).AddRow(11, "player_buy_in", "2.50", 3, 7, 1, 2, nil, nil, nil, time.Now())
}

// decimalArg matches a decimal bound as its driver value.
type decimalArg string

func (d decimalArg) Match(v driver.Value) bool {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return false
	}
	got, err := decimal.NewFromString(s)
	return err == nil && got.Equal(decimal.RequireFromString(string(d)))
}

func TestStartActivatesPendingSession(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusPending, `[]`))
	f.mock.ExpectExec(`UPDATE game_sessions SET status=\?`).
		WithArgs("active", sqlmock.AnyArg(), "[]", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectAudit()

	gs, err := f.sessions().Start(context.Background(), cashier7, 3)
	if err != nil {
		t.Fatal(err)
	}
	if gs.Status != game.StatusActive || gs.StartTime == nil || gs.EndTime != nil {
		t.Fatalf("session = %+v", gs)
	}
	evs := f.sink.all()
	if len(evs) != 1 || evs[0].Type != queue.EventSessionStarted {
		t.Fatalf("events = %+v", evs)
	}
}

func TestCancelSetsEndTimeAndClosesSequence(t *testing.T) {
	f := newFixture(t)
	f.disp.Publish(context.Background(), 3, queue.EventNumberCalled, queue.NumberCalledPayload{Number: 5})
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5]`))
	f.mock.ExpectExec(`UPDATE game_sessions SET status=\?`).
		WithArgs("cancelled", sqlmock.AnyArg(), "[5]", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.expectAudit()

	gs, err := f.sessions().Cancel(context.Background(), cashier7, 3)
	if err != nil {
		t.Fatal(err)
	}
	if gs.Status != game.StatusCancelled || gs.EndTime == nil {
		t.Fatalf("session = %+v", gs)
	}
	evs := f.sink.all()
	if len(evs) != 2 || evs[1].Type != queue.EventSessionCancelled || evs[1].Seq != 2 {
		t.Fatalf("events = %+v", evs)
	}
	if _, ok := f.disp.seqs[3]; ok {
		t.Fatal("sequence of a cancelled session was kept")
	}
}

func TestStartAndCancelRejectTerminalSessions(t *testing.T) {
	ops := map[string]func(*SessionService) (model.GameSession, error){
		"start": func(s *SessionService) (model.GameSession, error) {
			return s.Start(context.Background(), cashier7, 3)
		},
		"cancel": func(s *SessionService) (model.GameSession, error) {
			return s.Cancel(context.Background(), cashier7, 3)
		},
	}
	for name, op := range ops {
		for _, st := range []game.Status{game.StatusCompleted, game.StatusCancelled} {
			t.Run(name+" "+string(st), func(t *testing.T) {
				f := newFixture(t)
				f.mock.ExpectBegin()
				f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, st, nil, `[]`))
				f.mock.ExpectRollback()
				if _, err := op(f.sessions()); !errors.Is(err, apperr.ErrState) {
					t.Fatalf("err = %v, want state", err)
				}
				if n := len(f.sink.all()); n != 0 {
					t.Fatalf("published %d events", n)
				}
			})
		}
	}
}

func TestDispatcherRestartsSequenceAfterTerminalEvent(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(quietLogger(), sink)
	ctx := context.Background()
	d.Publish(ctx, 5, queue.EventNumberCalled, queue.NumberCalledPayload{Number: 9})
	d.Publish(ctx, 5, queue.EventSessionCompleted, nil)
	if len(d.seqs) != 0 {
		t.Fatalf("seqs = %v, want empty after completion", d.seqs)
	}
	d.Publish(ctx, 5, queue.EventTransactionRecorded, nil)
	evs := sink.all()
	want := []uint64{1, 2, 1}
	for i, ev := range evs {
		if ev.Seq != want[i] {
			t.Fatalf("event %d (%s) seq = %d, want %d", i, ev.Type, ev.Seq, want[i])
		}
	}
	d.Publish(ctx, 5, queue.EventSessionCancelled, nil)
	if len(d.seqs) != 0 {
		t.Fatalf("seqs = %v, want empty after cancellation", d.seqs)
	}
}

func TestAuthenticateTrimsUsername(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM users WHERE username=\?`).WithArgs("boss").WillReturnRows(sqlmock.NewRows(userCols))
	_, err := f.identity().Authenticate(context.Background(), "  boss ", "secret1")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestRecordChecksSessionStateUnderLock(t *testing.T) {
	sid := uint64(3)
	cases := []struct {
		name   string
		status game.Status
		in     RecordInput
	}{
		{"buy-in on completed session", game.StatusCompleted, RecordInput{Type: "player_buy_in", Amount: decimal.NewFromInt(2), SessionID: &sid}},
		{"buy-in on cancelled session", game.StatusCancelled, RecordInput{Type: "player_buy_in", Amount: decimal.NewFromInt(2), SessionID: &sid}},
		{"payout on active session", game.StatusActive, RecordInput{Type: "payout", Amount: decimal.NewFromInt(2), SessionID: &sid}},
		{"payout on pending session", game.StatusPending, RecordInput{Type: "payout", Amount: decimal.NewFromInt(2), SessionID: &sid}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectBegin()
			f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, tc.status, `[]`))
			f.mock.ExpectRollback()
			if _, err := f.ledger().Record(context.Background(), cashier7, tc.in); !errors.Is(err, apperr.ErrState) {
				t.Fatalf("err = %v, want state", err)
			}
			if n := len(f.sink.all()); n != 0 {
				t.Fatalf("published %d events", n)
			}
		})
	}
}

func TestRecordBuyInOnActiveSessionTakesSessionScope(t *testing.T) {
	f := newFixture(t)
	sid := uint64(3)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5]`))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs("player_buy_in", decimalArg("2.00"), 3, 7, 1, 2, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(12, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(12, "player_buy_in", "2.00", 3, 7, 1, 2, nil, nil, nil, time.Now()))
	f.mock.ExpectCommit()
	f.expectAudit()

	tx, err := f.ledger().Record(context.Background(), cashier7, RecordInput{Type: "player_buy_in", Amount: decimal.NewFromInt(2), SessionID: &sid})
	if err != nil {
		t.Fatal(err)
	}
	if tx.ID != 12 || tx.AgentID == nil || *tx.AgentID != 2 {
		t.Fatalf("tx = %+v", tx)
	}
	evs := f.sink.all()
	if len(evs) != 1 || evs[0].Type != queue.EventTransactionRecorded {
		t.Fatalf("events = %+v", evs)
	}
}

func TestRecordRelatedTransactionFollowsRefundRules(t *testing.T) {
	f := newFixture(t)
	sid := uint64(3)
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(buyInRow())
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5]`))
	f.mock.ExpectRollback()

	related := uint64(11)
	_, err := f.ledger().Record(context.Background(), cashier7, RecordInput{
		Type: "payout", Amount: decimal.RequireFromString("2.50"), SessionID: &sid, RelatedTransactionID: &related,
	})
	if !errors.Is(err, apperr.ErrState) {
		t.Fatalf("err = %v, want state", err)
	}
}

func TestRecordRelatedTransactionRejectsMismatch(t *testing.T) {
	related := uint64(11)
	same, other := uint64(3), uint64(4)
	cases := []struct {
		name   string
		in     RecordInput
		lookup bool
	}{
		{"buy-in kind", RecordInput{Type: "player_buy_in", Amount: decimal.RequireFromString("2.50"), SessionID: &same, RelatedTransactionID: &related}, false},
		{"with card", RecordInput{Type: "payout", Amount: decimal.RequireFromString("2.50"), SessionID: &same, CardID: &related, RelatedTransactionID: &related}, false},
		{"other session", RecordInput{Type: "payout", Amount: decimal.RequireFromString("2.50"), SessionID: &other, RelatedTransactionID: &related}, true},
		{"partial amount", RecordInput{Type: "payout", Amount: decimal.RequireFromString("1.00"), SessionID: &same, RelatedTransactionID: &related}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.lookup {
				f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WithArgs(11).WillReturnRows(buyInRow())
			}
			if _, err := f.ledger().Record(context.Background(), cashier7, tc.in); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestRecordRelatedTransactionRefundsCancelledSession(t *testing.T) {
	f := newFixture(t)
	sid, related := uint64(3), uint64(11)
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(buyInRow())
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCancelled, nil, `[]`))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\? FOR UPDATE`).WillReturnRows(buyInRow())
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions WHERE related_transaction_id=\?`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	f.mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs("payout", decimalArg("2.50"), 3, 7, 1, 2, nil, 11, nil).
		WillReturnResult(sqlmock.NewResult(13, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(13, "payout", "2.50", 3, 7, 1, 2, nil, 11, nil, time.Now()))
	f.mock.ExpectCommit()
	f.expectAudit()

	tx, err := f.ledger().Record(context.Background(), cashier7, RecordInput{
		Type: "payout", Amount: decimal.RequireFromString("2.50"), SessionID: &sid, RelatedTransactionID: &related,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tx.RelatedTransactionID == nil || *tx.RelatedTransactionID != 11 {
		t.Fatalf("tx = %+v", tx)
	}
}

func TestRecordPayoutRejectsNonWinningCard(t *testing.T) {
	f := newFixture(t)
	sid, card := uint64(3), uint64(22)
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5,61,12,70]`))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(sqlmock.NewRows(cardCols).
		AddRow(22, 3, nil, cardJSON(t, cornersGrid()), false, "2.00", 41, time.Now()))
	f.mock.ExpectRollback()

	_, err := f.ledger().Record(context.Background(), cashier7, RecordInput{Type: "payout", Amount: decimal.NewFromInt(10), SessionID: &sid, CardID: &card})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func winnerCardRow(t *testing.T, winner bool) *sqlmock.Rows {
	return sqlmock.NewRows(cardCols).AddRow(21, 3, nil, cardJSON(t, cornersGrid()), winner, "2.00", 40, time.Now())
}

func TestPayWinnerRecordsPrizeOnce(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, true))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5,61,12,70]`))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions WHERE card_id=\? AND transaction_type=\?`).
		WithArgs(21, "payout").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(0))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs("payout", decimalArg("10"), 3, 7, 1, 2, 21, nil, nil).
		WillReturnResult(sqlmock.NewResult(14, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(14, "payout", "10.00", 3, 7, 1, 2, 21, nil, nil, time.Now()))
	f.mock.ExpectCommit()
	f.expectAudit()

	tx, err := f.ledger().PayWinner(context.Background(), cashier7, 21, decimal.NewFromInt(10), nil)
	if err != nil {
		t.Fatal(err)
	}
	if tx.CardID == nil || *tx.CardID != 21 || tx.Type != model.TxPayout {
		t.Fatalf("tx = %+v", tx)
	}

	// second payout for the same card
	f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, true))
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5,61,12,70]`))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions WHERE card_id=\?`).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(1))
	f.mock.ExpectRollback()

	if _, err := f.ledger().PayWinner(context.Background(), cashier7, 21, decimal.NewFromInt(10), nil); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("second payout err = %v, want conflict", err)
	}
	if n := len(f.sink.all()); n != 1 {
		t.Fatalf("published %d events, want 1", n)
	}
}

func TestPayWinnerErrors(t *testing.T) {
	cases := []struct {
		name    string
		winner  bool
		session *sqlmock.Rows
		want    error
	}{
		{"not a winner", false, closedRow(3, game.StatusCompleted, "four_corners", `[5,61,12,70]`), apperr.ErrValidation},
		{"active session", true, sessionRow(3, 7, game.StatusActive, `[5,61,12,70]`), apperr.ErrState},
		{"cancelled session", true, closedRow(3, game.StatusCancelled, nil, `[5]`), apperr.ErrState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, tc.winner))
			f.mock.ExpectBegin()
			f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(tc.session)
			f.mock.ExpectRollback()
			if _, err := f.ledger().PayWinner(context.Background(), cashier7, 21, decimal.NewFromInt(10), nil); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSettleCommissionRoundsToCents(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5]`))
	f.mock.ExpectQuery(`SELECT SUM\(amount\), COUNT\(\*\) FROM transactions WHERE game_session_id=\?`).
		WithArgs(3, "agent_commission_payout").WillReturnRows(sqlmock.NewRows([]string{"sum", "n"}).AddRow(nil, 0))
	f.mock.ExpectQuery(`SELECT SUM\(amount\), COUNT\(\*\) FROM transactions WHERE game_session_id=\?`).
		WithArgs(3, "player_buy_in").WillReturnRows(sqlmock.NewRows([]string{"sum", "n"}).AddRow("25.00", 10))
	f.mock.ExpectQuery(`FROM companies WHERE id=\? LOCK IN SHARE MODE`).WillReturnRows(companyRow(1, 2, true))
	f.mock.ExpectQuery(`FROM users WHERE id=\?`).WillReturnRows(sqlmock.NewRows(userCols).
		AddRow(2, "agent", "hash", "agent", nil, "0.0333", nil, true, now, now))
	f.mock.ExpectExec(`INSERT INTO transactions`).
		WithArgs("agent_commission_payout", decimalArg("0.83"), 3, 1, 1, 2, nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(15, 1))
	f.mock.ExpectQuery(`FROM transactions WHERE id=\?`).WillReturnRows(sqlmock.NewRows(transactionCols).
		AddRow(15, "agent_commission_payout", "0.83", 3, 1, 1, 2, nil, nil, "commission 0.0333 on 25.00", now))
	f.mock.ExpectCommit()
	f.expectAudit()

	tx, err := f.ledger().SettleCommission(context.Background(), admin1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("0.83")) {
		t.Fatalf("amount = %s, want 0.83", tx.Amount)
	}
	evs := f.sink.all()
	if len(evs) != 1 || evs[0].Type != queue.EventTransactionRecorded {
		t.Fatalf("events = %+v", evs)
	}
}

func TestSettleCommissionErrors(t *testing.T) {
	t.Run("already settled", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5]`))
		f.mock.ExpectQuery(`SELECT SUM\(amount\), COUNT\(\*\) FROM transactions WHERE game_session_id=\?`).
			WithArgs(3, "agent_commission_payout").WillReturnRows(sqlmock.NewRows([]string{"sum", "n"}).AddRow("0.83", 1))
		f.mock.ExpectRollback()
		if _, err := f.ledger().SettleCommission(context.Background(), admin1, 3); !errors.Is(err, apperr.ErrConflict) {
			t.Fatalf("err = %v, want conflict", err)
		}
	})
	t.Run("not completed", func(t *testing.T) {
		f := newFixture(t)
		f.mock.ExpectBegin()
		f.mock.ExpectQuery(`FROM game_sessions WHERE id=\? FOR UPDATE`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5]`))
		f.mock.ExpectRollback()
		if _, err := f.ledger().SettleCommission(context.Background(), admin1, 3); !errors.Is(err, apperr.ErrState) {
			t.Fatalf("err = %v, want state", err)
		}
	})
	t.Run("not admin", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.ledger().SettleCommission(context.Background(), cashier7, 3); !errors.Is(err, apperr.ErrForbidden) {
			t.Fatalf("err = %v, want forbidden", err)
		}
	})
}

func TestCheckCardRequiresPatternBeforeCompletion(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, false))
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\?`).WillReturnRows(sessionRow(3, 7, game.StatusActive, `[5,61]`))

	if _, err := f.cards().CheckCard(context.Background(), 21, " "); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestCheckCardEvaluatesWithoutWriting(t *testing.T) {
	cases := []struct {
		name    string
		session *sqlmock.Rows
		pattern string
		want    game.Pattern
		wins    bool
	}{
		{"explicit pattern mid-game", sessionRow(3, 7, game.StatusActive, `[5,61,12,70]`), "corners", game.PatternFourCorners, true},
		{"explicit pattern not yet covered", sessionRow(3, 7, game.StatusActive, `[5,61]`), "four_corners", game.PatternFourCorners, false},
		{"session pattern after completion", closedRow(3, game.StatusCompleted, "blackout", `[5,61,12,70]`), "", game.PatternBlackout, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, false))
			f.mock.ExpectQuery(`FROM game_sessions WHERE id=\?`).WillReturnRows(tc.session)

			res, err := f.cards().CheckCard(context.Background(), 21, tc.pattern)
			if err != nil {
				t.Fatal(err)
			}
			if res.Pattern != tc.want || res.Wins != tc.wins || res.IsWinner {
				t.Fatalf("check = %+v", res)
			}
			if !res.Marks[0][0] || !res.Marks[2][2] {
				t.Fatalf("marks = %v", res.Marks)
			}
			if n := len(f.sink.all()); n != 0 {
				t.Fatalf("published %d events", n)
			}
		})
	}
}

func TestAggregateForCard(t *testing.T) {
	f := newFixture(t)
	f.mock.ExpectQuery(`FROM bingo_cards WHERE id=\?`).WillReturnRows(winnerCardRow(t, true))
	f.mock.ExpectQuery(`FROM game_sessions WHERE id=\?`).WillReturnRows(closedRow(3, game.StatusCompleted, "four_corners", `[5,61,12,70]`))
	f.mock.ExpectQuery(`SELECT SUM\(amount\) FROM transactions WHERE id=\? AND transaction_type=\?`).
		WithArgs(40, "player_buy_in").WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("2.00"))
	f.mock.ExpectQuery(`SELECT SUM\(amount\), COUNT\(\*\), MAX\(timestamp\) FROM transactions WHERE card_id=\?`).
		WithArgs(21, "payout").WillReturnRows(sqlmock.NewRows([]string{"sum", "n", "last"}).AddRow(nil, 0, nil))

	st, err := f.ledger().AggregateForCard(context.Background(), 21)
	if err != nil {
		t.Fatal(err)
	}
	if !st.BuyIn.Equal(decimal.RequireFromString("2.00")) || !st.Payouts.IsZero() || st.PayoutCount != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if st.GamesPlayed != 1 || !st.IsWinner || st.LastWinDate == nil {
		t.Fatalf("stats = %+v, want a played winning card dated by the session end", st)
	}
}
