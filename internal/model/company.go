package model

import "time"

// Company is a tenant registered by exactly one agent.
type Company struct {
	ID                  uint64    `json:"company_id"`
	Name                string    `json:"name"`
	ContactInfo         *string   `json:"contact_info"`
	RegisteredByAgentID uint64    `json:"registered_by_agent_id"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// CashierAssignment links a cashier to the company they operate for.  A
// cashier holds at most one active assignment at a time.
type CashierAssignment struct {
	ID            uint64    `json:"assignment_id"`
	CashierUserID uint64    `json:"cashier_user_id"`
	CompanyID     uint64    `json:"company_id"`
	IsActive      bool      `json:"is_active"`
	AssignedAt    time.Time `json:"assigned_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
