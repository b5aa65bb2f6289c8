package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Role is one of admin, agent or cashier.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleAgent   Role = "agent"
	RoleCashier Role = "cashier"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleAgent, RoleCashier:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// RoleAttrs carries the fields that are legal only for one role.  A User
// always holds exactly one variant matching its Role.
type RoleAttrs interface {
	Role() Role
}

// AdminAttrs has no role-specific fields.
type AdminAttrs struct{}

// AgentAttrs holds the agent's commission rate (0..1, four decimals).
type AgentAttrs struct {
	CommissionRate decimal.Decimal
}

// CashierAttrs links a cashier to the agent that manages it.  Zero means
// the agent was removed after the cashier was created.
type CashierAttrs struct {
	ParentAgentID uint64
}

func (AdminAttrs) Role() Role   { return RoleAdmin }
func (AgentAttrs) Role() Role   { return RoleAgent }
func (CashierAttrs) Role() Role { return RoleCashier }

var (
	errCashierNeedsParent  = errors.New("cashier role requires parent_agent_id")
	errAgentNeedsRate      = errors.New("agent role requires commission_rate")
	errRateOnlyForAgents   = errors.New("commission_rate is only valid for agents")
	errParentOnlyCashiers  = errors.New("parent_agent_id is only valid for cashiers")
	errCommissionOutOfBand = errors.New("commission_rate must be between 0 and 1 with at most 4 decimals")
)

// NewRoleAttrs builds the role variant from optional request fields,
// rejecting any field that is not legal for the role.
func NewRoleAttrs(role Role, parentAgentID *uint64, commissionRate *decimal.Decimal) (RoleAttrs, error) {
	switch role {
	case RoleAdmin:
		if parentAgentID != nil {
			return nil, errParentOnlyCashiers
		}
		if commissionRate != nil {
			return nil, errRateOnlyForAgents
		}
		return AdminAttrs{}, nil
	case RoleAgent:
		if parentAgentID != nil {
			return nil, errParentOnlyCashiers
		}
		if commissionRate == nil {
			return nil, errAgentNeedsRate
		}
		if err := validateRate(*commissionRate); err != nil {
			return nil, err
		}
		return AgentAttrs{CommissionRate: *commissionRate}, nil
	case RoleCashier:
		if commissionRate != nil {
			return nil, errRateOnlyForAgents
		}
		if parentAgentID == nil || *parentAgentID == 0 {
			return nil, errCashierNeedsParent
		}
		return CashierAttrs{ParentAgentID: *parentAgentID}, nil
	}
	return nil, fmt.Errorf("unknown role %q", role)
}

func validateRate(r decimal.Decimal) error {
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) || !r.Equal(r.Truncate(4)) {
		return errCommissionOutOfBand
	}
	return nil
}

// User is a row of the users table.  Creator and parent-agent links are two
// independent nullable edges over the same set of users.
type User struct {
	ID           uint64
	Username     string
	PasswordHash string
	Attrs        RoleAttrs
	CreatedBy    *uint64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Role returns the role of the user's variant.
func (u User) Role() Role {
	if u.Attrs == nil {
		return ""
	}
	return u.Attrs.Role()
}

// ParentAgentID is set only for cashiers.  It is nil for a cashier whose
// agent has been deleted.
func (u User) ParentAgentID() *uint64 {
	if c, ok := u.Attrs.(CashierAttrs); ok && c.ParentAgentID != 0 {
		id := c.ParentAgentID
		return &id
	}
	return nil
}

// CommissionRate is set only for agents.
func (u User) CommissionRate() *decimal.Decimal {
	if a, ok := u.Attrs.(AgentAttrs); ok {
		r := a.CommissionRate
		return &r
	}
	return nil
}

// UserView is the JSON shape returned to clients; it never includes the
// password hash.
type UserView struct {
	ID             uint64           `json:"user_id"`
	Username       string           `json:"username"`
	Role           Role             `json:"role"`
	ParentAgentID  *uint64          `json:"parent_agent_id"`
	CommissionRate *decimal.Decimal `json:"commission_rate"`
	CreatedBy      *uint64          `json:"created_by"`
	IsActive       bool             `json:"is_active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// View projects the user for API responses.
func (u User) View() UserView {
	return UserView{
		ID:             u.ID,
		Username:       u.Username,
		Role:           u.Role(),
		ParentAgentID:  u.ParentAgentID(),
		CommissionRate: u.CommissionRate(),
		CreatedBy:      u.CreatedBy,
		IsActive:       u.IsActive,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
}

// RefreshToken models an entry in the refresh_tokens table.  Only the
// SHA-256 hash of the raw token is stored.
type RefreshToken struct {
	ID        uint64
	UserID    uint64
	TokenHash string
	ExpiresAt time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}
