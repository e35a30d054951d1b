package models

import (
	"errors"
	"net/mail"
	"strings"
	"time"
)

// OTP purposes. An open challenge can only be completed by the flow that opened it.
const (
	PurposeRegister = "register"
	PurposeLogin    = "login"
	PurposeReset    = "reset"
)

// Account is the role-agnostic credential record. Role-specific extras live in
// Profile (free-form fields) and UniqueKey (trainer uniqueCode, admin role).
type Account struct {
	ID             string            `json:"id"`
	Role           string            `json:"-"`
	Email          string            `json:"email"`
	PasswordHash   string            `json:"-"`
	IsVerified     bool              `json:"is_verified"`
	OTPCode        *string           `json:"-"`
	OTPExpiresAt   *time.Time        `json:"-"`
	OTPPurpose     string            `json:"-"`
	ResetExpiresAt *time.Time        `json:"-"`
	RefreshToken   *string           `json:"-"`
	AvatarURL      string            `json:"avatar_url"`
	AvatarRef      string            `json:"-"`
	UniqueKey      *string           `json:"-"`
	Profile        map[string]string `json:"profile"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HasOpenChallenge reports whether an OTP challenge is outstanding.
func (a *Account) HasOpenChallenge() bool {
	return a.OTPCode != nil && a.OTPExpiresAt != nil
}

// OpenChallenge stores a new challenge, replacing any previous one.
func (a *Account) OpenChallenge(code string, expiresAt time.Time, purpose string) {
	a.OTPCode = &code
	a.OTPExpiresAt = &expiresAt
	a.OTPPurpose = purpose
	a.IsVerified = false
	a.ResetExpiresAt = nil
}

// ApproveReset allows one password reset until the given instant.
func (a *Account) ApproveReset(until time.Time) {
	a.ResetExpiresAt = &until
}

// ResetApproved reports whether a verified reset is still open at now.
func (a *Account) ResetApproved(now time.Time) bool {
	return a.ResetExpiresAt != nil && !now.After(*a.ResetExpiresAt)
}

// ClearChallenge removes the OTP fields together.
func (a *Account) ClearChallenge() {
	a.OTPCode = nil
	a.OTPExpiresAt = nil
	a.OTPPurpose = ""
}

// Validate checks the fields every persisted account must carry and the
// pairing invariants of the challenge fields.
func (a *Account) Validate() error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	if a.Role == "" {
		return errors.New("account role is required")
	}
	if a.Email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return errors.New("email is malformed")
	}
	if a.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if (a.OTPCode == nil) != (a.OTPExpiresAt == nil) {
		return errors.New("otp code and expiry must be set together")
	}
	if a.IsVerified && a.HasOpenChallenge() {
		return errors.New("verified account cannot have an open challenge")
	}
	return nil
}

// Clone returns a deep copy so callers never share pointers with a store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.OTPCode != nil {
		v := *a.OTPCode
		c.OTPCode = &v
	}
	if a.OTPExpiresAt != nil {
		v := *a.OTPExpiresAt
		c.OTPExpiresAt = &v
	}
	if a.ResetExpiresAt != nil {
		v := *a.ResetExpiresAt
		c.ResetExpiresAt = &v
	}
	if a.RefreshToken != nil {
		v := *a.RefreshToken
		c.RefreshToken = &v
	}
	if a.UniqueKey != nil {
		v := *a.UniqueKey
		c.UniqueKey = &v
	}
	if a.Profile != nil {
		c.Profile = make(map[string]string, len(a.Profile))
		for k, v := range a.Profile {
			c.Profile[k] = v
		}
	}
	return &c
}
