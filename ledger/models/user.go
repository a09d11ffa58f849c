package models

// Role of an authenticated caller.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// User is the owning side of the card relation. Password credentials belong
// to the authentication layer; the ledger only resolves users for ownership.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
}

// Identity is the resolved caller passed explicitly through every policy and
// service call. It is never read from ambient state below the HTTP boundary.
type Identity struct {
	Username string
	Role     Role
}

// IsAdmin reports whether the identity carries the ADMIN role.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// IsUser reports whether the identity carries the USER role.
func (i Identity) IsUser() bool { return i.Role == RoleUser }
