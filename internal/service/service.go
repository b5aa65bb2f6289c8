// Package service implements the bingo hall operations on top of the
// repositories.  Each method validates input, runs its writes inside one
// database transaction and, after commit, records an audit entry and
// publishes domain events.
package service

import (
	"errors"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// Principal is the authenticated caller of an operation.
type Principal struct {
	UserID   uint64
	Role     model.Role
	Username string
}

func (p *Principal) IsAdmin() bool { return p != nil && p.Role == model.RoleAdmin }

func (p *Principal) is(role model.Role) bool { return p != nil && p.Role == role }

func (p *Principal) id() *uint64 {
	if p == nil {
		return nil
	}
	id := p.UserID
	return &id
}

// storageErr converts repository sentinels into application errors.
// Errors that already carry a kind pass through unchanged.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrCompanyNotFound),
		errors.Is(err, repository.ErrAssignmentNotFound),
		errors.Is(err, repository.ErrSessionNotFound),
		errors.Is(err, repository.ErrCardNotFound),
		errors.Is(err, repository.ErrTransactionNotFound):
		return apperr.NotFound("%s", err.Error())
	case errors.Is(err, repository.ErrActiveAssignmentExists),
		errors.Is(err, repository.ErrAlreadyCompensated),
		errors.Is(err, repository.ErrUsernameExists),
		errors.Is(err, repository.ErrConflict):
		return apperr.Conflict("%s", err.Error())
	case errors.Is(err, repository.ErrReferenced):
		return apperr.Conflict("record is still referenced by other rows")
	case errors.Is(err, repository.ErrBadReference):
		return apperr.Validation("referenced record does not exist")
	}
	return apperr.Internal("storage error", err)
}

// operates reports whether actor may drive a session: admins and the
// session's own cashier.
func operates(actor *Principal, gs model.GameSession) error {
	if actor.IsAdmin() || (actor.is(model.RoleCashier) && actor.UserID == gs.CashierUserID) {
		return nil
	}
	return apperr.Forbidden("only the session's cashier or an admin may do this")
}
