package services

import "errors"

// Messages are deliberately coarse: "no such account" and "wrong password"
// share ErrInvalidCredentials.
var (
	ErrValidation         = errors.New("validation failed")
	ErrConflict           = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUnauthorized       = errors.New("unauthorized request")
	ErrNotFound           = errors.New("invalid email")
	ErrInvalidOTP         = errors.New("invalid or expired otp")
	ErrInvalidState       = errors.New("invalid or already verified account")
	ErrUpload             = errors.New("failed to upload avatar image")
	ErrInternal           = errors.New("internal server error")
	ErrRateLimited        = errors.New("too many attempts, try again later")
	ErrMailDelivery       = errors.New("failed to send otp email")
)
