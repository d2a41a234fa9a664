package auth

import (
	"errors"
	"fmt"
)

var (
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenInvalid    = errors.New("token invalid")
	ErrInvalidUserType = errors.New("invalid user type")
	ErrMissingActorID  = errors.New("actor id is required")
)

// UserType distinguishes the two populations that can act on documents.
type UserType string

const (
	UserTypeAdmin    UserType = "Admin"
	UserTypeEmployee UserType = "Employee"
)

// ParseUserType accepts the canonical spelling only.
func ParseUserType(s string) (UserType, error) {
	switch UserType(s) {
	case UserTypeAdmin, UserTypeEmployee:
		return UserType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUserType, s)
	}
}

func (t UserType) Valid() bool {
	return t == UserTypeAdmin || t == UserTypeEmployee
}

// Actor is an already-authenticated principal. Everything downstream of the
// HTTP layer receives actors by value and never authenticates them itself.
type Actor struct {
	ID   string   `json:"id"`
	Type UserType `json:"type"`
}

// Validate checks that the actor reference is well formed.
func (a Actor) Validate() error {
	if a.ID == "" {
		return ErrMissingActorID
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidUserType, a.Type)
	}
	return nil
}

func (a Actor) String() string {
	return string(a.Type) + ":" + a.ID
}

// Identity represents an authenticated user's claims.
type Identity struct {
	UserID      string   `json:"user_id"`
	UserType    UserType `json:"user_type"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name"`
}

// Actor projects the identity onto the actor reference used by the core.
func (i *Identity) Actor() Actor {
	return Actor{ID: i.UserID, Type: i.UserType}
}
