package handlers

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/dto"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/media"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/services"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/token"
)

const (
	accessCookie  = "accessToken"
	refreshCookie = "refreshToken"

	maxAvatarBytes = 5 << 20
)

// CookieConfig controls the session cookies set on login and refresh.
type CookieConfig struct {
	Secure        bool
	AccessMaxAge  time.Duration
	RefreshMaxAge time.Duration
}

// AccountHandler serves the lifecycle endpoints of one role.
type AccountHandler struct {
	svc     *services.AccountService
	role    *roles.Descriptor
	cookies CookieConfig
}

func NewAccountHandler(svc *services.AccountService, cookies CookieConfig) *AccountHandler {
	return &AccountHandler{svc: svc, role: svc.Role(), cookies: cookies}
}

func (h *AccountHandler) Register(c *fiber.Ctx) error {
	in := services.RegisterInput{
		Email:    c.FormValue("email"),
		Password: c.FormValue("password"),
		Profile:  make(map[string]string, len(h.role.Fields)),
	}
	for _, f := range h.role.Fields {
		in.Profile[f.Name] = c.FormValue(f.Name)
	}
	if h.role.UniqueKey != "" {
		in.UniqueKey = c.FormValue(h.role.UniqueKey)
	}

	avatar, closeFn, err := avatarFile(c)
	if err != nil {
		return writeError(c, err)
	}
	defer closeFn()
	in.Avatar = avatar

	res, err := h.svc.Register(c.UserContext(), in)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(otpResponse(res, "Account registered, verify the otp sent to your email"))
}

func (h *AccountHandler) VerifyOTP(c *fiber.Ctx) error {
	var req dto.OTPRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	account, err := h.svc.VerifyRegistrationOtp(c.UserContext(), req.Email, req.OTP)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewAccountResponse(h.role, account))
}

func (h *AccountHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	res, err := h.svc.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(otpResponse(res, "Otp sent to your email"))
}

func (h *AccountHandler) VerifyLogin(c *fiber.Ctx) error {
	var req dto.OTPRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	pair, account, err := h.svc.VerifyLoginOtp(c.UserContext(), req.Email, req.OTP)
	if err != nil {
		return writeError(c, err)
	}
	h.setSession(c, pair)
	return c.JSON(dto.AuthResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		Account:      dto.NewAccountResponse(h.role, account),
	})
}

func (h *AccountHandler) ResendOTP(c *fiber.Ctx) error {
	var req dto.EmailRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	res, err := h.svc.ResendOtp(c.UserContext(), req.Email)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(otpResponse(res, "Otp sent to your email"))
}

// Refresh reads the refresh token from its cookie, falling back to the body.
func (h *AccountHandler) Refresh(c *fiber.Ctx) error {
	presented := c.Cookies(refreshCookie)
	if presented == "" && len(c.Body()) > 0 {
		var req dto.RefreshRequest
		if err := c.BodyParser(&req); err != nil {
			return badBody(c)
		}
		presented = req.RefreshToken
	}

	pair, err := h.svc.Refresh(c.UserContext(), presented)
	if err != nil {
		return writeError(c, err)
	}
	h.setSession(c, pair)
	return c.JSON(dto.TokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AccountHandler) ForgotPassword(c *fiber.Ctx) error {
	var req dto.EmailRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	res, err := h.svc.ForgotPassword(c.UserContext(), req.Email)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(otpResponse(res, "Otp sent to your email"))
}

func (h *AccountHandler) VerifyResetOTP(c *fiber.Ctx) error {
	var req dto.OTPRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if _, err := h.svc.VerifyResetOtp(c.UserContext(), req.Email, req.OTP); err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.MessageResponse{Message: "Otp verified, you can reset your password"})
}

func (h *AccountHandler) ResetPassword(c *fiber.Ctx) error {
	var req dto.ResetPasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if err := h.svc.ResetPassword(c.UserContext(), req.Email, req.NewPassword); err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.MessageResponse{Message: "Password reset successfully"})
}

func (h *AccountHandler) Logout(c *fiber.Ctx) error {
	account := roles.GetAccount(c)
	if account == nil {
		return writeError(c, services.ErrUnauthorized)
	}

	if err := h.svc.Logout(c.UserContext(), account.ID); err != nil {
		return writeError(c, err)
	}
	h.clearSession(c)
	return c.JSON(dto.MessageResponse{Message: "Logged out successfully"})
}

func (h *AccountHandler) ChangePassword(c *fiber.Ctx) error {
	account := roles.GetAccount(c)
	if account == nil {
		return writeError(c, services.ErrUnauthorized)
	}
	var req dto.ChangePasswordRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}

	if err := h.svc.ChangePassword(c.UserContext(), account.ID, req.OldPassword, req.NewPassword); err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.MessageResponse{Message: "Password changed successfully"})
}

func (h *AccountHandler) Me(c *fiber.Ctx) error {
	account := roles.GetAccount(c)
	if account == nil {
		return writeError(c, services.ErrUnauthorized)
	}
	return c.JSON(dto.NewAccountResponse(h.role, account))
}

func (h *AccountHandler) UpdateAvatar(c *fiber.Ctx) error {
	account := roles.GetAccount(c)
	if account == nil {
		return writeError(c, services.ErrUnauthorized)
	}

	avatar, closeFn, err := avatarFile(c)
	if err != nil {
		return writeError(c, err)
	}
	defer closeFn()

	updated, err := h.svc.UpdateAvatar(c.UserContext(), account.ID, avatar)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewAccountResponse(h.role, updated))
}

// UpdateProfile accepts a flat JSON object; keys outside the role's profile
// fields are ignored.
func (h *AccountHandler) UpdateProfile(c *fiber.Ctx) error {
	account := roles.GetAccount(c)
	if account == nil {
		return writeError(c, services.ErrUnauthorized)
	}
	var req map[string]interface{}
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	fields := make(map[string]string, len(req))
	for k, v := range req {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}

	updated, err := h.svc.UpdateProfile(c.UserContext(), account.ID, fields)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.NewAccountResponse(h.role, updated))
}

func (h *AccountHandler) setSession(c *fiber.Ctx, pair *token.Pair) {
	c.Cookie(h.cookie(accessCookie, pair.AccessToken, h.cookies.AccessMaxAge))
	c.Cookie(h.cookie(refreshCookie, pair.RefreshToken, h.cookies.RefreshMaxAge))
}

func (h *AccountHandler) clearSession(c *fiber.Ctx) {
	for _, name := range []string{accessCookie, refreshCookie} {
		ck := h.cookie(name, "", 0)
		ck.Expires = time.Unix(0, 0)
		ck.MaxAge = -1
		c.Cookie(ck)
	}
}

func (h *AccountHandler) cookie(name, value string, maxAge time.Duration) *fiber.Cookie {
	return &fiber.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(maxAge.Seconds()),
		HTTPOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: fiber.CookieSameSiteLaxMode,
	}
}

func otpResponse(res *services.OTPResult, message string) dto.OTPResponse {
	return dto.OTPResponse{
		Message:     message,
		Email:       res.Email,
		OTPDelivery: string(res.Delivery.Status),
	}
}

// avatarFile opens the multipart "avatar" part. A missing part yields a nil
// file so the service reports it.
func avatarFile(c *fiber.Ctx) (*media.File, func(), error) {
	noop := func() {}
	fh, err := c.FormFile("avatar")
	if err != nil {
		return nil, noop, nil
	}
	if fh.Size > maxAvatarBytes {
		return nil, noop, fmt.Errorf("%w: avatar must be at most %d MB", services.ErrValidation, maxAvatarBytes>>20)
	}
	contentType := fh.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, noop, fmt.Errorf("%w: avatar must be an image", services.ErrValidation)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, noop, fmt.Errorf("%w: unreadable avatar", services.ErrValidation)
	}
	return &media.File{
		Name:        fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	}, func() { _ = f.Close() }, nil
}
