package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/iliyamo/bingo-hall/internal/apperr"
	"github.com/iliyamo/bingo-hall/internal/model"
	"github.com/iliyamo/bingo-hall/internal/repository"
)

// TenantService manages companies and cashier assignments.
type TenantService struct {
	users       *repository.UserRepo
	companies   *repository.CompanyRepo
	assignments *repository.AssignmentRepo
	audit       *Auditor
}

func NewTenantService(users *repository.UserRepo, companies *repository.CompanyRepo, assignments *repository.AssignmentRepo, audit *Auditor) *TenantService {
	return &TenantService{users: users, companies: companies, assignments: assignments, audit: audit}
}

// CompanyInput describes a company to register.  AgentID defaults to the
// calling agent.
type CompanyInput struct {
	Name        string  `json:"name"`
	AgentID     uint64  `json:"agent_id"`
	ContactInfo *string `json:"contact_info"`
}

// RegisterCompany creates a company owned by an agent.
func (s *TenantService) RegisterCompany(ctx context.Context, actor *Principal, in CompanyInput) (model.Company, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" || utf8.RuneCountInString(name) > 255 {
		return model.Company{}, apperr.Validation("name is required and must be at most 255 characters")
	}
	switch {
	case actor.IsAdmin():
		if in.AgentID == 0 {
			return model.Company{}, apperr.Validation("agent_id is required")
		}
	case actor.is(model.RoleAgent):
		if in.AgentID == 0 {
			in.AgentID = actor.UserID
		}
		if in.AgentID != actor.UserID {
			return model.Company{}, apperr.Forbidden("agents may only register companies for themselves")
		}
	default:
		return model.Company{}, apperr.Forbidden("only admins and agents may register companies")
	}
	agent, err := s.users.GetByID(ctx, in.AgentID)
	if errors.Is(err, repository.ErrUserNotFound) {
		return model.Company{}, apperr.NotFound("agent %d not found", in.AgentID)
	}
	if err != nil {
		return model.Company{}, storageErr(err)
	}
	if agent.Role() != model.RoleAgent {
		return model.Company{}, apperr.Validation("user %d is not an agent", in.AgentID)
	}
	if !agent.IsActive {
		return model.Company{}, apperr.Validation("agent %d is inactive", in.AgentID)
	}
	if in.ContactInfo != nil {
		ci := strings.TrimSpace(*in.ContactInfo)
		in.ContactInfo = &ci
	}
	c := model.Company{Name: name, ContactInfo: in.ContactInfo, RegisteredByAgentID: in.AgentID}
	if err := s.companies.Create(ctx, &c); err != nil {
		return model.Company{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "registered company %d (%s) for agent %d", c.ID, c.Name, c.RegisteredByAgentID)
	return c, nil
}

// GetCompany returns one company.
func (s *TenantService) GetCompany(ctx context.Context, id uint64) (model.Company, error) {
	c, err := s.companies.GetByID(ctx, id)
	return c, storageErr(err)
}

// ListCompanies returns companies; agents only see their own.
func (s *TenantService) ListCompanies(ctx context.Context, actor *Principal, f repository.CompanyFilter) ([]model.Company, error) {
	if actor.is(model.RoleAgent) {
		f.AgentID = actor.UserID
	}
	out, err := s.companies.List(ctx, f)
	return out, storageErr(err)
}

// Directory lists active companies for anonymous callers.
func (s *TenantService) Directory(ctx context.Context) ([]model.Company, error) {
	out, err := s.companies.List(ctx, repository.CompanyFilter{ActiveOnly: true})
	return out, storageErr(err)
}

// ownedCompany loads a company the actor may administer.
func (s *TenantService) ownedCompany(ctx context.Context, actor *Principal, id uint64) (model.Company, error) {
	c, err := s.companies.GetByID(ctx, id)
	if err != nil {
		return model.Company{}, storageErr(err)
	}
	if actor.IsAdmin() || (actor.is(model.RoleAgent) && c.RegisteredByAgentID == actor.UserID) {
		return c, nil
	}
	return model.Company{}, apperr.Forbidden("not allowed to manage company %d", id)
}

// SetCompanyActive toggles a company.
func (s *TenantService) SetCompanyActive(ctx context.Context, actor *Principal, id uint64, active bool) (model.Company, error) {
	if _, err := s.ownedCompany(ctx, actor, id); err != nil {
		return model.Company{}, err
	}
	if err := s.companies.SetActive(ctx, id, active); err != nil {
		return model.Company{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "set company %d active=%t", id, active)
	return s.GetCompany(ctx, id)
}

// AssignCashier gives a cashier an active assignment to a company.  The
// cashier row is locked for the whole check-then-insert so concurrent
// assignments of the same cashier serialise; exactly one wins.
func (s *TenantService) AssignCashier(ctx context.Context, actor *Principal, cashierID, companyID uint64) (model.CashierAssignment, error) {
	if !actor.IsAdmin() && !actor.is(model.RoleAgent) {
		return model.CashierAssignment{}, apperr.Forbidden("only admins and agents may assign cashiers")
	}
	if cashierID == 0 || companyID == 0 {
		return model.CashierAssignment{}, apperr.Validation("cashier_user_id and company_id are required")
	}
	a := model.CashierAssignment{CashierUserID: cashierID, CompanyID: companyID}
	err := repository.WithTx(ctx, s.users.DB(), func(tx *sql.Tx) error {
		cashier, err := s.users.GetByIDTx(ctx, tx, cashierID, true)
		if err != nil {
			return err
		}
		if cashier.Role() != model.RoleCashier {
			return apperr.Validation("user %d is not a cashier", cashierID)
		}
		if !cashier.IsActive {
			return apperr.Validation("cashier %d is inactive", cashierID)
		}
		if actor.is(model.RoleAgent) {
			if p := cashier.ParentAgentID(); p == nil || *p != actor.UserID {
				return apperr.Forbidden("cashier %d is not managed by you", cashierID)
			}
		}
		company, err := s.companies.GetByIDTx(ctx, tx, companyID)
		if err != nil {
			return err
		}
		if !company.IsActive {
			return apperr.Validation("company %d is inactive", companyID)
		}
		if actor.is(model.RoleAgent) && company.RegisteredByAgentID != actor.UserID {
			return apperr.Forbidden("company %d is not registered by you", companyID)
		}
		existing, err := s.assignments.ActiveForCashierTx(ctx, tx, cashierID)
		switch {
		case err == nil:
			return apperr.Conflict("cashier %d is already assigned to company %d", cashierID, existing.CompanyID)
		case !errors.Is(err, repository.ErrAssignmentNotFound):
			return err
		}
		return s.assignments.CreateTx(ctx, tx, &a)
	})
	if err != nil {
		return model.CashierAssignment{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "assigned cashier %d to company %d", cashierID, companyID)
	return a, nil
}

// DeactivateAssignment ends an assignment.
func (s *TenantService) DeactivateAssignment(ctx context.Context, actor *Principal, id uint64) (model.CashierAssignment, error) {
	a, err := s.assignments.GetByID(ctx, id)
	if err != nil {
		return model.CashierAssignment{}, storageErr(err)
	}
	if _, err := s.ownedCompany(ctx, actor, a.CompanyID); err != nil {
		return model.CashierAssignment{}, err
	}
	if err := s.assignments.Deactivate(ctx, id); err != nil {
		return model.CashierAssignment{}, storageErr(err)
	}
	s.audit.Record(ctx, actor, "deactivated assignment %d (cashier %d, company %d)", a.ID, a.CashierUserID, a.CompanyID)
	a.IsActive = false
	return a, nil
}

// ActiveAssignment returns the cashier's current assignment.
func (s *TenantService) ActiveAssignment(ctx context.Context, cashierID uint64) (model.CashierAssignment, error) {
	a, err := s.assignments.ActiveForCashier(ctx, cashierID)
	if errors.Is(err, repository.ErrAssignmentNotFound) {
		return model.CashierAssignment{}, apperr.NotFound("cashier %d has no active assignment", cashierID)
	}
	return a, storageErr(err)
}

// ListAssignments returns the assignment history of a company.
func (s *TenantService) ListAssignments(ctx context.Context, actor *Principal, companyID uint64) ([]model.CashierAssignment, error) {
	if _, err := s.ownedCompany(ctx, actor, companyID); err != nil {
		return nil, err
	}
	out, err := s.assignments.ListByCompany(ctx, companyID)
	return out, storageErr(err)
}
