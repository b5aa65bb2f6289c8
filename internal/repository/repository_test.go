package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/bingo-hall/internal/game"
	"github.com/iliyamo/bingo-hall/internal/model"
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

var userCols = []string{"id", "username", "password_hash", "role", "parent_agent_id", "commission_rate",
	"created_by", "is_active", "created_at", "updated_at"}

func TestTranslate(t *testing.T) {
	notFound := errors.New("nf")
	dup := errors.New("dup")
	cases := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{sql.ErrNoRows, notFound},
		{&mysql.MySQLError{Number: 1062}, dup},
		{&mysql.MySQLError{Number: 1451}, ErrReferenced},
		{&mysql.MySQLError{Number: 1452}, ErrBadReference},
	}
	for _, tc := range cases {
		if got := translate(tc.in, notFound, dup); !errors.Is(got, tc.want) && got != tc.want {
			t.Errorf("translate(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
	if got := translate(&mysql.MySQLError{Number: 1062}, nil, nil); got != ErrConflict {
		t.Errorf("duplicate without specific sentinel = %v, want ErrConflict", got)
	}
}

func TestWithTxCommitAndRollback(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit()
	if err := WithTx(context.Background(), db, func(*sql.Tx) error { return nil }); err != nil {
		t.Fatalf("commit path: %v", err)
	}

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	if err := WithTx(context.Background(), db, func(*sql.Tx) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("rollback path err = %v", err)
	}
}

func TestUserRepoScansRoleVariants(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()
	rows := sqlmock.NewRows(userCols).
		AddRow(1, "root", "h", "admin", nil, nil, nil, true, now, now).
		AddRow(2, "ag", "h", "agent", nil, "0.1500", 1, true, now, now).
		AddRow(3, "ca", "h", "cashier", 2, nil, 2, true, now, now).
		AddRow(4, "orphan", "h", "cashier", nil, nil, nil, false, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users ORDER BY id")).WillReturnRows(rows)

	users, err := NewUserRepo(db).List(context.Background(), UserFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 4 {
		t.Fatalf("got %d users", len(users))
	}
	if _, ok := users[0].Attrs.(model.AdminAttrs); !ok {
		t.Errorf("user 1 attrs = %T", users[0].Attrs)
	}
	if a, ok := users[1].Attrs.(model.AgentAttrs); !ok || !a.CommissionRate.Equal(decimal.RequireFromString("0.15")) {
		t.Errorf("user 2 attrs = %#v", users[1].Attrs)
	}
	if p := users[2].ParentAgentID(); p == nil || *p != 2 {
		t.Errorf("user 3 parent = %v", p)
	}
	if users[3].Role() != model.RoleCashier || users[3].ParentAgentID() != nil {
		t.Errorf("orphaned cashier = %+v", users[3])
	}
}

func TestUserRepoListFilters(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE role=? AND parent_agent_id=? ORDER BY id")).
		WithArgs("cashier", 7).
		WillReturnRows(sqlmock.NewRows(userCols))
	if _, err := NewUserRepo(db).List(context.Background(), UserFilter{Role: model.RoleCashier, ParentAgentID: 7}); err != nil {
		t.Fatal(err)
	}
}

func TestUserRepoCreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO users").WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		u := model.User{Username: "dup", PasswordHash: "h", Attrs: model.AdminAttrs{}, IsActive: true}
		return NewUserRepo(db).CreateTx(context.Background(), tx, &u)
	})
	if !errors.Is(err, ErrUsernameExists) {
		t.Fatalf("err = %v, want ErrUsernameExists", err)
	}
}

func TestUserRepoGetByIDNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM users WHERE id=").WithArgs(9).WillReturnError(sql.ErrNoRows)
	if _, err := NewUserRepo(db).GetByID(context.Background(), 9); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAssignmentCreateMapsActiveDuplicate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO cashier_assignments").WithArgs(7, 2).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '7' for key 'uq_assignment_active_cashier'"})
	mock.ExpectRollback()
	err := WithTx(context.Background(), db, func(tx *sql.Tx) error {
		return NewAssignmentRepo(db).CreateTx(context.Background(), tx, &model.CashierAssignment{CashierUserID: 7, CompanyID: 2})
	})
	if !errors.Is(err, ErrActiveAssignmentExists) {
		t.Fatalf("err = %v", err)
	}
}

func TestSessionScanDecodesCalls(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()
	cols := []string{"id", "company_id", "cashier_user_id", "status", "winning_pattern", "jackpot_amount",
		"numbers_called", "last_called_number", "start_time", "end_time", "created_at", "updated_at"}
	mock.ExpectQuery("FROM game_sessions WHERE id=").WithArgs(5).WillReturnRows(
		sqlmock.NewRows(cols).AddRow(5, 1, 3, "active", nil, "250.00", []byte("[5,12,44]"), 44, now, nil, now, now))

	gs, err := NewSessionRepo(db).GetByID(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	if gs.Status != game.StatusActive || len(gs.NumbersCalled) != 3 || *gs.LastCalledNumber != 44 {
		t.Fatalf("session = %+v", gs)
	}
	if !gs.HasCalled(12) || gs.HasCalled(13) {
		t.Fatalf("HasCalled mismatch for %v", gs.NumbersCalled)
	}
	if gs.EndTime != nil || gs.WinningPattern != nil {
		t.Fatalf("unset columns decoded as %v / %v", gs.EndTime, gs.WinningPattern)
	}
}

func TestTransactionTotals(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM transactions WHERE company_id=? GROUP BY transaction_type")).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"transaction_type", "sum", "count"}).
			AddRow("player_buy_in", "50.00", 10).
			AddRow("payout", "30.00", 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT game_session_id) FROM transactions WHERE company_id=?")).
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))

	tot, err := NewTransactionRepo(db).Totals(context.Background(), TransactionFilter{CompanyID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if tot.CardsSold != 10 || tot.Sessions != 2 || !tot.Net.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("totals = %+v", tot)
	}
}
