package dto

import (
	"time"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
)

// Request bodies keep the camelCase keys existing clients already send.

type OTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type EmailRequest struct {
	Email string `json:"email"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email"`
	NewPassword string `json:"newPassword"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// OTPResponse answers every request that opened a challenge.
type OTPResponse struct {
	Message     string `json:"message"`
	Email       string `json:"email"`
	OTPDelivery string `json:"otp_delivery"`
}

type AuthResponse struct {
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
	Account      AccountResponse `json:"account"`
}

type TokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type AccountResponse struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Email      string            `json:"email"`
	IsVerified bool              `json:"is_verified"`
	AvatarURL  string            `json:"avatar_url"`
	Profile    map[string]string `json:"profile"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// NewAccountResponse renders the public view of a. The role's unique key is
// reported alongside the profile fields.
func NewAccountResponse(d *roles.Descriptor, a *models.Account) AccountResponse {
	profile := make(map[string]string, len(a.Profile)+1)
	for _, f := range d.Fields {
		if v, ok := a.Profile[f.Name]; ok {
			profile[f.Name] = v
		}
	}
	if d.UniqueKey != "" && a.UniqueKey != nil {
		profile[d.UniqueKey] = *a.UniqueKey
	}
	return AccountResponse{
		ID:         a.ID,
		Role:       d.Name,
		Email:      a.Email,
		IsVerified: a.IsVerified,
		AvatarURL:  a.AvatarURL,
		Profile:    profile,
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

type MessageResponse struct {
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Store     string `json:"store"`
	RoleCount int    `json:"role_count"`
}
