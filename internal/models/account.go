package models

import "time"

// Account kinds
const (
	AccountKindUser   = "user"
	AccountKindAgency = "agency"
)

// Account status. Accounts are never hard-deleted.
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusClosed    = "closed"
)

// Account is an entity (user or agency) that can hold money
type Account struct {
	ID        string    `json:"id" db:"id"`
	Kind      string    `json:"kind" db:"kind"`
	Email     string    `json:"email,omitempty" db:"email"`
	Role      string    `json:"role" db:"role"`
	AgencyID  *string   `json:"agency_id,omitempty" db:"agency_id"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsActive reports whether the account may send or receive funds
func (a *Account) IsActive() bool {
	return a.Status == AccountStatusActive
}
