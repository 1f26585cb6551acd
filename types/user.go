package types

import (
	"time"

	"github.com/google/uuid"
)

// Role is the authorization level of an account.
type Role string

const (
	RoleOwner Role = "owner"
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleUser:
		return true
	}
	return false
}

// ValidID reports whether id is a user id in canonical UUID form.
func ValidID(id string) bool {
	u, err := uuid.Parse(id)
	return err == nil && u.String() == id
}

// User represents an account in the system.
// It contains identity, role, and audit metadata.
type User struct {
	// ID is the unique identifier of the user (a UUID).
	ID string `json:"id" db:"id"`

	// Name is the user's display name, stored upper-cased.
	Name string `json:"name" db:"name"`

	// Email is the user's email address, stored lower-cased.
	// It is unique across all users.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses or cached.
	PasswordHash string `json:"-" db:"password_hash"`

	// Age is optional and only set through a profile update.
	Age *int `json:"age,omitempty" db:"age"`

	// Role indicates the user's authorization level.
	Role Role `json:"role" db:"role"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Public returns a copy of u that is safe to hand to clients or caches.
func (u User) Public() User {
	u.PasswordHash = ""
	if u.Age != nil {
		age := *u.Age
		u.Age = &age
	}
	return u
}

// Summary is the short form of a user returned on login.
type Summary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

func (u User) Summary() Summary {
	return Summary{ID: u.ID, Name: u.Name, Email: u.Email, Role: u.Role}
}

// UserPatch carries the fields a user may change on their own record.
// Nil fields are left untouched.
type UserPatch struct {
	Name  *string
	Email *string
	Age   *int
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Email == nil && p.Age == nil
}
