// Package session carries the identity of the signed-in dashboard user. The
// agent reads it for audit attribution only and never changes it.
package session

import "strings"

// Identity is the read-only session user.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// New trims each field and lowercases the email.
func New(id, email, role string) Identity {
	return Identity{
		ID:    strings.TrimSpace(id),
		Email: strings.ToLower(strings.TrimSpace(email)),
		Role:  strings.ToLower(strings.TrimSpace(role)),
	}
}

// Anonymous reports whether no user id is known.
func (i Identity) Anonymous() bool {
	return i.ID == ""
}

// Actor returns the best available label for log lines and audit headers.
func (i Identity) Actor() string {
	switch {
	case i.ID != "":
		return i.ID
	case i.Email != "":
		return i.Email
	default:
		return "anonymous"
	}
}
