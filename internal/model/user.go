// Package model defines the data structures used throughout the application.
package model

import (
	"strings"
	"time"
)

// User is a persisted user record.
//
// EMAIL CASE POLICY:
// Email is stored exactly as the user typed it (trimmed). EmailKey is the
// lower-cased form and is what every store indexes as UNIQUE and what every
// lookup matches on. "Ann@X.com" and "ann@x.com" are therefore the same account,
// but the account keeps displaying the casing it was registered with.
//
// PasswordHash carries the json:"-" tag so a User can never leak its hash even
// if someone encodes it by mistake. Handlers return PublicUser instead.
type User struct {
	ID           string    `json:"id"         db:"id"`
	Email        string    `json:"email"      db:"email"`
	EmailKey     string    `json:"-"          db:"email_key"`
	PasswordHash string    `json:"-"          db:"password_hash"`
	FullName     string    `json:"full_name"  db:"full_name"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PublicUser is the client-safe projection of a User.
type PublicUser struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// Public returns the projection returned by Register and /users/me.
func (u *User) Public() *PublicUser {
	return &PublicUser{
		ID:       u.ID,
		Email:    u.Email,
		FullName: u.FullName,
	}
}

// EmailKey returns the normalized form used for uniqueness and lookups.
func EmailKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
