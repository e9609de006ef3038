// Package user defines the account collaborator referenced by the workflows.
package user

// Role represents a user's role
type Role string

const (
	RolePatient    Role = "PATIENT"
	RoleDoctor     Role = "DOCTOR"
	RolePharmacist Role = "PHARMACIST"
	RoleAdmin      Role = "ADMIN"
)

var validRoles = map[Role]bool{
	RolePatient:    true,
	RoleDoctor:     true,
	RolePharmacist: true,
	RoleAdmin:      true,
}

// Valid reports whether r is a known role
func (r Role) Valid() bool { return validRoles[r] }

// User is an account in the system
type User struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    Role   `json:"role"`
	Enabled bool   `json:"enabled"`
}
