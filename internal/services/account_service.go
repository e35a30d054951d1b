package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/mail"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/media"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/otp"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/store"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/token"
)

// Dependencies are the process-wide collaborators shared by every role.
type Dependencies struct {
	OTP        *otp.Generator
	Limiter    *otp.Limiter
	Issuer     *token.Issuer
	Media      media.Host
	Mailer     *mail.Dispatcher
	Validate   *validator.Validate
	BcryptCost int
	Now        func() time.Time
}

// AccountService runs the account lifecycle for one role-collection.
type AccountService struct {
	role      *roles.Descriptor
	accounts  store.Accounts
	deps      Dependencies
	dummyHash []byte
}

func NewAccountService(role *roles.Descriptor, st store.Store, deps Dependencies) *AccountService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.OTP == nil {
		deps.OTP = otp.NewGenerator(otp.DefaultLength, otp.DefaultTTL)
	}
	if deps.Validate == nil {
		deps.Validate = validator.New()
	}
	if deps.BcryptCost == 0 {
		deps.BcryptCost = bcrypt.DefaultCost
	}
	// compared against when the email is unknown so both login failures cost the same
	dummy, _ := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), deps.BcryptCost)

	return &AccountService{
		role:      role,
		accounts:  st.Accounts(role.Name),
		deps:      deps,
		dummyHash: dummy,
	}
}

func (s *AccountService) Role() *roles.Descriptor {
	return s.role
}

// RegisterInput is a registration request after transport decoding.
type RegisterInput struct {
	Email     string
	Password  string
	UniqueKey string
	Profile   map[string]string
	Avatar    *media.File
}

// OTPResult is returned by every operation that opens a challenge.
type OTPResult struct {
	Email    string
	Delivery mail.Delivery
}

func (s *AccountService) Register(ctx context.Context, in RegisterInput) (*OTPResult, error) {
	email := models.NormalizeEmail(in.Email)
	if err := s.check("email", email, "required,email"); err != nil {
		return nil, err
	}
	if err := s.check("password", in.Password, "required,max=72"); err != nil {
		return nil, err
	}
	profile := make(map[string]string, len(s.role.Fields))
	for _, f := range s.role.Fields {
		v := strings.TrimSpace(in.Profile[f.Name])
		if err := s.check(f.Name, v, f.Rules); err != nil {
			return nil, err
		}
		profile[f.Name] = v
	}
	var uniqueKey *string
	if s.role.UniqueKey != "" {
		v := strings.TrimSpace(in.UniqueKey)
		if err := s.check(s.role.UniqueKey, v, s.role.UniqueKeyRules); err != nil {
			return nil, err
		}
		uniqueKey = &v
	}

	if _, err := s.accounts.FindByEmail(ctx, email); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, s.internal(ctx, "register", err)
	}
	if uniqueKey != nil {
		if _, err := s.accounts.FindByUniqueKey(ctx, *uniqueKey); err == nil {
			return nil, ErrConflict
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, s.internal(ctx, "register", err)
		}
	}

	if in.Avatar == nil || in.Avatar.Body == nil {
		return nil, fmt.Errorf("%w: avatar image is required", ErrValidation)
	}
	asset, err := s.deps.Media.Upload(ctx, *in.Avatar)
	if err != nil || asset == nil || asset.URL == "" {
		slog.ErrorContext(ctx, "avatar upload failed", "role", s.role.Name, "action", "register", "error", err)
		return nil, ErrUpload
	}

	hash, err := s.hash(in.Password)
	if err != nil {
		s.discardAsset(ctx, asset.Ref)
		return nil, err
	}

	challenge, err := s.deps.OTP.Issue()
	if err != nil {
		s.discardAsset(ctx, asset.Ref)
		return nil, s.internal(ctx, "register", err)
	}

	delivery, err := s.deliver(ctx, email, challenge.Code, models.PurposeRegister)
	if err != nil {
		s.discardAsset(ctx, asset.Ref)
		return nil, err
	}

	account := &models.Account{
		ID:           uuid.NewString(),
		Role:         s.role.Name,
		Email:        email,
		PasswordHash: string(hash),
		AvatarURL:    asset.URL,
		AvatarRef:    asset.Ref,
		UniqueKey:    uniqueKey,
		Profile:      profile,
	}
	account.OpenChallenge(challenge.Code, challenge.ExpiresAt, models.PurposeRegister)

	if err := s.accounts.Create(ctx, account); err != nil {
		s.discardAsset(ctx, asset.Ref)
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrConflict
		}
		return nil, s.internal(ctx, "register", err)
	}

	slog.InfoContext(ctx, "account registered", "role", s.role.Name, "account_id", account.ID, "action", "register")
	return &OTPResult{Email: email, Delivery: delivery}, nil
}

// VerifyRegistrationOtp completes registration. No session is issued.
func (s *AccountService) VerifyRegistrationOtp(ctx context.Context, email, code string) (*models.Account, error) {
	return s.consumeChallenge(ctx, email, code, models.PurposeRegister)
}

// Login checks the password and opens a fresh login challenge. The account
// stays unverified until VerifyLoginOtp succeeds.
func (s *AccountService) Login(ctx context.Context, email, password string) (*OTPResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, s.internal(ctx, "login", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	return s.openChallenge(ctx, account, models.PurposeLogin, "login")
}

// VerifyLoginOtp completes login and issues the session token pair.
func (s *AccountService) VerifyLoginOtp(ctx context.Context, email, code string) (*token.Pair, *models.Account, error) {
	account, err := s.consumeChallenge(ctx, email, code, models.PurposeLogin)
	if err != nil {
		return nil, nil, err
	}
	pair, err := s.rotate(ctx, account)
	if err != nil {
		return nil, nil, err
	}
	slog.InfoContext(ctx, "session issued", "role", s.role.Name, "account_id", account.ID, "action", "verify_login")
	return pair, account, nil
}

// ResendOtp replaces the code of the account's open challenge.
func (s *AccountService) ResendOtp(ctx context.Context, email string) (*OTPResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.internal(ctx, "resend_otp", err)
	}
	if !account.HasOpenChallenge() {
		return nil, ErrInvalidState
	}
	return s.openChallenge(ctx, account, account.OTPPurpose, "resend_otp")
}

// Logout ends the session of an authenticated account.
func (s *AccountService) Logout(ctx context.Context, accountID string) error {
	patch := store.Patch{ClearRefreshToken: true}
	if s.role.ClearVerifiedOnLogout {
		verified := false
		patch.IsVerified = &verified
	}
	if _, err := s.accounts.UpdateFields(ctx, accountID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return s.internal(ctx, "logout", err)
	}
	slog.InfoContext(ctx, "session ended", "role", s.role.Name, "account_id", accountID, "action", "logout")
	return nil
}

// Refresh exchanges the account's current refresh token for a new pair.
// Only the most recently issued refresh token is honored.
func (s *AccountService) Refresh(ctx context.Context, presented string) (*token.Pair, error) {
	if presented == "" {
		return nil, ErrUnauthorized
	}
	accountID, err := s.deps.Issuer.ParseRefreshToken(presented)
	if err != nil {
		return nil, ErrUnauthorized
	}
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, s.internal(ctx, "refresh", err)
	}
	if account.RefreshToken == nil || subtle.ConstantTimeCompare([]byte(*account.RefreshToken), []byte(presented)) != 1 {
		slog.WarnContext(ctx, "superseded refresh token presented", "role", s.role.Name, "account_id", account.ID, "action", "refresh")
		return nil, ErrUnauthorized
	}
	return s.rotate(ctx, account)
}

// ForgotPassword opens a reset challenge.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) (*OTPResult, error) {
	email = models.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.internal(ctx, "forgot_password", err)
	}
	return s.openChallenge(ctx, account, models.PurposeReset, "forgot_password")
}

// VerifyResetOtp approves a pending password reset for one OTP lifetime. A
// later challenge of any purpose withdraws the approval.
func (s *AccountService) VerifyResetOtp(ctx context.Context, email, code string) (*models.Account, error) {
	return s.consumeChallenge(ctx, email, code, models.PurposeReset)
}

// ResetPassword overwrites the password of an approved reset. The account is
// left unverified and without a session.
func (s *AccountService) ResetPassword(ctx context.Context, email, newPassword string) error {
	email = models.NormalizeEmail(email)
	if email == "" || newPassword == "" {
		return fmt.Errorf("%w: email and new password are required", ErrValidation)
	}
	if err := s.check("newPassword", newPassword, "max=72"); err != nil {
		return err
	}
	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return s.internal(ctx, "reset_password", err)
	}
	if !account.ResetApproved(s.deps.Now()) {
		return fmt.Errorf("%w: otp not verified", ErrInvalidState)
	}

	hash, err := s.hash(newPassword)
	if err != nil {
		return err
	}
	account.PasswordHash = string(hash)
	account.ResetExpiresAt = nil
	account.IsVerified = false
	account.RefreshToken = nil
	if err := s.accounts.Save(ctx, account, store.SaveOptions{Validate: true}); err != nil {
		return s.internal(ctx, "reset_password", err)
	}
	slog.InfoContext(ctx, "password reset", "role", s.role.Name, "account_id", account.ID, "action", "reset_password")
	return nil
}

// ChangePassword replaces the password of an authenticated account.
func (s *AccountService) ChangePassword(ctx context.Context, accountID, oldPassword, newPassword string) error {
	if oldPassword == "" || newPassword == "" {
		return fmt.Errorf("%w: old and new password are required", ErrValidation)
	}
	if err := s.check("newPassword", newPassword, "max=72"); err != nil {
		return err
	}
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnauthorized
		}
		return s.internal(ctx, "change_password", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(oldPassword)) != nil {
		return ErrInvalidCredentials
	}

	hash, err := s.hash(newPassword)
	if err != nil {
		return err
	}
	account.PasswordHash = string(hash)
	if err := s.accounts.Save(ctx, account, store.SaveOptions{Validate: false}); err != nil {
		return s.internal(ctx, "change_password", err)
	}
	return nil
}

// UpdateAvatar uploads a new avatar and releases the previous one.
func (s *AccountService) UpdateAvatar(ctx context.Context, accountID string, file *media.File) (*models.Account, error) {
	if file == nil || file.Body == nil {
		return nil, fmt.Errorf("%w: please provide the avatar", ErrValidation)
	}
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, s.internal(ctx, "update_avatar", err)
	}

	asset, err := s.deps.Media.Upload(ctx, *file)
	if err != nil || asset == nil || asset.URL == "" || asset.Ref == "" {
		slog.ErrorContext(ctx, "avatar upload failed", "role", s.role.Name, "account_id", accountID, "action", "update_avatar", "error", err)
		return nil, ErrUpload
	}

	updated, err := s.accounts.UpdateFields(ctx, accountID, store.Patch{
		AvatarURL: &asset.URL,
		AvatarRef: &asset.Ref,
	})
	if err != nil {
		s.discardAsset(ctx, asset.Ref)
		return nil, s.internal(ctx, "update_avatar", err)
	}
	if account.AvatarRef != "" && account.AvatarRef != asset.Ref {
		s.discardAsset(ctx, account.AvatarRef)
	}
	return updated, nil
}

// UpdateProfile applies the recognized, non-empty fields of the role's
// profile whitelist.
func (s *AccountService) UpdateProfile(ctx context.Context, accountID string, fields map[string]string) (*models.Account, error) {
	changes := make(map[string]string)
	for _, f := range s.role.Fields {
		v := strings.TrimSpace(fields[f.Name])
		if v == "" {
			continue
		}
		if err := s.check(f.Name, v, f.Rules); err != nil {
			return nil, err
		}
		changes[f.Name] = v
	}
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: please provide at least one detail to update", ErrValidation)
	}

	updated, err := s.accounts.UpdateFields(ctx, accountID, store.Patch{Profile: changes})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, s.internal(ctx, "update_profile", err)
	}
	return updated, nil
}

// Authenticate resolves the account behind a verified access token. The
// returned record carries no credentials.
func (s *AccountService) Authenticate(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, s.internal(ctx, "authenticate", err)
	}
	account.PasswordHash = ""
	account.RefreshToken = nil
	account.ClearChallenge()
	return account, nil
}

// openChallenge issues a code for purpose, dispatches it and persists it on
// the account. Persisting marks the account unverified.
func (s *AccountService) openChallenge(ctx context.Context, account *models.Account, purpose, action string) (*OTPResult, error) {
	challenge, err := s.deps.OTP.Issue()
	if err != nil {
		return nil, s.internal(ctx, action, err)
	}
	delivery, err := s.deliver(ctx, account.Email, challenge.Code, purpose)
	if err != nil {
		return nil, err
	}

	account.OpenChallenge(challenge.Code, challenge.ExpiresAt, purpose)
	if err := s.accounts.Save(ctx, account, store.SaveOptions{Validate: false}); err != nil {
		return nil, s.internal(ctx, action, err)
	}
	slog.InfoContext(ctx, "otp issued", "role", s.role.Name, "account_id", account.ID, "action", action, "delivery", string(delivery.Status))
	return &OTPResult{Email: account.Email, Delivery: delivery}, nil
}

// consumeChallenge checks code against the account's open challenge for
// purpose and closes it. A failed check leaves the record unchanged.
func (s *AccountService) consumeChallenge(ctx context.Context, email, code, purpose string) (*models.Account, error) {
	email = models.NormalizeEmail(email)
	if email == "" || code == "" {
		return nil, fmt.Errorf("%w: email and otp are required", ErrValidation)
	}

	if err := s.deps.Limiter.Check(ctx, s.role.Name, email); err != nil {
		if errors.Is(err, otp.ErrTooManyAttempts) {
			return nil, ErrRateLimited
		}
		slog.WarnContext(ctx, "otp limiter unavailable", "role", s.role.Name, "action", "verify_"+purpose, "error", err)
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, s.internal(ctx, "verify_"+purpose, err)
	}
	if account.IsVerified || !account.HasOpenChallenge() || account.OTPPurpose != purpose {
		return nil, ErrInvalidState
	}

	challenge := otp.Challenge{Code: *account.OTPCode, ExpiresAt: *account.OTPExpiresAt}
	if subtle.ConstantTimeCompare([]byte(challenge.Code), []byte(code)) != 1 || challenge.Expired(s.deps.Now()) {
		return nil, ErrInvalidOTP
	}

	if purpose == models.PurposeReset {
		ttl := s.deps.OTP.TTL
		if ttl <= 0 {
			ttl = otp.DefaultTTL
		}
		account.ApproveReset(s.deps.Now().Add(ttl))
	} else {
		account.IsVerified = true
		account.ResetExpiresAt = nil
	}
	account.ClearChallenge()
	if err := s.accounts.Save(ctx, account, store.SaveOptions{Validate: true}); err != nil {
		return nil, s.internal(ctx, "verify_"+purpose, err)
	}

	if err := s.deps.Limiter.Reset(ctx, s.role.Name, email); err != nil {
		slog.WarnContext(ctx, "otp limiter reset failed", "role", s.role.Name, "error", err)
	}
	slog.InfoContext(ctx, "otp verified", "role", s.role.Name, "account_id", account.ID, "action", "verify_"+purpose)
	return account, nil
}

func (s *AccountService) rotate(ctx context.Context, account *models.Account) (*token.Pair, error) {
	pair, err := s.deps.Issuer.Rotate(ctx, s.identity(account), func(ctx context.Context, refresh string) error {
		account.RefreshToken = &refresh
		return s.accounts.Save(ctx, account, store.SaveOptions{Validate: false})
	})
	if err != nil {
		return nil, s.internal(ctx, "rotate", err)
	}
	return pair, nil
}

func (s *AccountService) identity(a *models.Account) token.Identity {
	claims := make(map[string]string, len(s.role.ClaimFields))
	for _, name := range s.role.ClaimFields {
		switch {
		case name == "email":
			claims[name] = a.Email
		case name == s.role.UniqueKey && a.UniqueKey != nil:
			claims[name] = *a.UniqueKey
		default:
			if v, ok := a.Profile[name]; ok {
				claims[name] = v
			}
		}
	}
	return token.Identity{ID: a.ID, Role: s.role.Name, Claims: claims}
}

func (s *AccountService) deliver(ctx context.Context, email, code, purpose string) (mail.Delivery, error) {
	delivery, err := s.deps.Mailer.Deliver(ctx, mail.OTPMessage(email, code, purpose, s.deps.OTP.TTL))
	if err != nil {
		return delivery, ErrMailDelivery
	}
	return delivery, nil
}

func (s *AccountService) hash(password string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.deps.BcryptCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return nil, fmt.Errorf("%w: password is too long", ErrValidation)
		}
		return nil, fmt.Errorf("%w: failed to hash password", ErrInternal)
	}
	return hash, nil
}

func (s *AccountService) check(field, value, rules string) error {
	if rules == "" {
		return nil
	}
	if err := s.deps.Validate.Var(value, rules); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if verrs[0].Tag() == "required" {
				return fmt.Errorf("%w: %s is required", ErrValidation, field)
			}
			return fmt.Errorf("%w: %s is invalid (%s)", ErrValidation, field, verrs[0].Tag())
		}
		return fmt.Errorf("%w: %s is invalid", ErrValidation, field)
	}
	return nil
}

func (s *AccountService) discardAsset(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	if err := s.deps.Media.Delete(ctx, ref); err != nil {
		slog.WarnContext(ctx, "failed to delete avatar", "role", s.role.Name, "ref", ref, "error", err)
	}
}

func (s *AccountService) internal(ctx context.Context, action string, err error) error {
	slog.ErrorContext(ctx, "account operation failed", "role", s.role.Name, "action", action, "error", err)
	return fmt.Errorf("%w: %s", ErrInternal, action)
}
