package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/mail"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/media"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/otp"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/store"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/token"
)

type fakeMedia struct {
	mu      sync.Mutex
	n       int
	fail    bool
	deleted []string
}

func (f *fakeMedia) Upload(_ context.Context, file media.File) (*media.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, media.ErrUploadFailed
	}
	if _, err := io.ReadAll(file.Body); err != nil {
		return nil, err
	}
	f.n++
	ref := fmt.Sprintf("avatars/%d.png", f.n)
	return &media.Asset{URL: "https://cdn.test/" + ref, Ref: ref}, nil
}

func (f *fakeMedia) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeMedia) uploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

type recordingSender struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (r *recordingSender) Send(_ context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	svc    *AccountService
	store  *store.MemoryStore
	media  *fakeMedia
	sender *recordingSender
	clock  *testClock
	issuer *token.Issuer
}

func newHarness(t *testing.T, role *roles.Descriptor, mode mail.Mode, opts ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		media:  &fakeMedia{},
		sender: &recordingSender{},
		clock:  &testClock{t: time.Now()},
	}

	issuer, err := token.NewIssuer(token.Config{
		AccessSecret:  "access-secret",
		AccessExpiry:  15 * time.Minute,
		RefreshSecret: "refresh-secret",
		RefreshExpiry: 7 * 24 * time.Hour,
	})
	require.NoError(t, err)
	h.issuer = issuer

	gen := otp.NewGenerator(6, 15*time.Minute)
	gen.Now = h.clock.Now

	deps := Dependencies{
		OTP:        gen,
		Issuer:     issuer,
		Media:      h.media,
		Mailer:     mail.NewDispatcher(h.sender, mode, 1, 1),
		BcryptCost: bcrypt.MinCost,
		Now:        h.clock.Now,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	h.svc = NewAccountService(role, h.store, deps)
	return h
}

func (h *harness) record(t *testing.T, email string) *models.Account {
	t.Helper()
	a, err := h.store.Accounts(h.svc.Role().Name).FindByEmail(context.Background(), email)
	require.NoError(t, err)
	return a
}

func (h *harness) code(t *testing.T, email string) string {
	t.Helper()
	a := h.record(t, email)
	require.NotNil(t, a.OTPCode)
	return *a.OTPCode
}

func avatar() *media.File {
	return &media.File{Name: "me.png", ContentType: "image/png", Size: 3, Body: strings.NewReader("png")}
}

func wrongCode(code string) string {
	first := (code[0]-'0'+1)%10 + '0'
	return string(first) + code[1:]
}

func studentInput(email string) RegisterInput {
	return RegisterInput{
		Email:    email,
		Password: "P@ss1234",
		Profile:  map[string]string{"username": "ayse"},
		Avatar:   avatar(),
	}
}

func (h *harness) registerVerified(t *testing.T, email string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.Register(ctx, studentInput(email))
	require.NoError(t, err)
	_, err = h.svc.VerifyRegistrationOtp(ctx, email, h.code(t, email))
	require.NoError(t, err)
}

func (h *harness) signIn(t *testing.T, email, password string) *token.Pair {
	t.Helper()
	ctx := context.Background()
	_, err := h.svc.Login(ctx, email, password)
	require.NoError(t, err)
	pair, _, err := h.svc.VerifyLoginOtp(ctx, email, h.code(t, email))
	require.NoError(t, err)
	return pair
}

func TestRegister_CreatesPendingAccount(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)

	res, err := h.svc.Register(context.Background(), studentInput("a@x.com"))
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)
	assert.Equal(t, mail.StatusSent, res.Delivery.Status)

	a := h.record(t, "a@x.com")
	assert.False(t, a.IsVerified)
	require.NotNil(t, a.OTPCode)
	assert.Len(t, *a.OTPCode, 6)
	assert.Equal(t, models.PurposeRegister, a.OTPPurpose)
	assert.Nil(t, a.RefreshToken)
	assert.Equal(t, "https://cdn.test/avatars/1.png", a.AvatarURL)
	assert.Equal(t, "ayse", a.Profile["username"])
	assert.NotEqual(t, "P@ss1234", a.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte("P@ss1234")))

	require.Len(t, h.sender.sent, 1)
	assert.Contains(t, h.sender.sent[0].Body, *a.OTPCode)
}

func TestRegister_DuplicateEmailConflicts(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()

	_, err := h.svc.Register(ctx, studentInput("a@x.com"))
	require.NoError(t, err)
	first := h.record(t, "a@x.com")

	_, err = h.svc.Register(ctx, studentInput("A@X.com "))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, h.media.uploads())
	assert.Equal(t, first.ID, h.record(t, "a@x.com").ID)
}

func TestRegister_SameEmailAcrossRolesIsIndependent(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	_, err := h.svc.Register(context.Background(), studentInput("a@x.com"))
	require.NoError(t, err)

	admins := NewAccountService(roles.Admin, h.store, h.svc.deps)
	_, err = admins.Register(context.Background(), RegisterInput{
		Email:     "a@x.com",
		Password:  "secret",
		UniqueKey: "admin",
		Profile:   map[string]string{"name": "Root"},
		Avatar:    avatar(),
	})
	assert.NoError(t, err)
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()

	cases := map[string]func(*RegisterInput){
		"missing email":    func(in *RegisterInput) { in.Email = "" },
		"malformed email":  func(in *RegisterInput) { in.Email = "not-an-email" },
		"missing password": func(in *RegisterInput) { in.Password = "" },
		"missing username": func(in *RegisterInput) { in.Profile = nil },
		"missing avatar":   func(in *RegisterInput) { in.Avatar = nil },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := studentInput("v@x.com")
			mutate(&in)
			_, err := h.svc.Register(ctx, in)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Equal(t, 0, h.media.uploads())
}

func TestRegister_TrainerUniqueCode(t *testing.T) {
	h := newHarness(t, roles.Trainer, mail.ModeSync)
	ctx := context.Background()
	in := RegisterInput{
		Email:     "t1@x.com",
		Password:  "secret",
		UniqueKey: "TR1234",
		Profile:   map[string]string{"username": "mehmet", "subjectname": "physics"},
		Avatar:    avatar(),
	}
	_, err := h.svc.Register(ctx, in)
	require.NoError(t, err)

	in.Email = "t2@x.com"
	in.Avatar = avatar()
	_, err = h.svc.Register(ctx, in)
	assert.ErrorIs(t, err, ErrConflict)

	in.UniqueKey = ""
	_, err = h.svc.Register(ctx, in)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegister_SingleAdmin(t *testing.T) {
	h := newHarness(t, roles.Admin, mail.ModeSync)
	ctx := context.Background()
	in := func(email, role string) RegisterInput {
		return RegisterInput{
			Email: email, Password: "secret", UniqueKey: role,
			Profile: map[string]string{"name": "Root"}, Avatar: avatar(),
		}
	}

	_, err := h.svc.Register(ctx, in("root@x.com", "admin"))
	require.NoError(t, err)
	_, err = h.svc.Register(ctx, in("second@x.com", "admin"))
	assert.ErrorIs(t, err, ErrConflict)
	_, err = h.svc.Register(ctx, in("third@x.com", "superuser"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRegister_UploadFailure(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.media.fail = true

	_, err := h.svc.Register(context.Background(), studentInput("a@x.com"))
	assert.ErrorIs(t, err, ErrUpload)

	_, err = h.store.Accounts("student").FindByEmail(context.Background(), "a@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegister_MailFailureModes(t *testing.T) {
	t.Run("sync reports and proceeds", func(t *testing.T) {
		h := newHarness(t, roles.Student, mail.ModeSync)
		h.sender.err = errors.New("smtp down")

		res, err := h.svc.Register(context.Background(), studentInput("a@x.com"))
		require.NoError(t, err)
		assert.Equal(t, mail.StatusFailed, res.Delivery.Status)
		assert.False(t, h.record(t, "a@x.com").IsVerified)
	})

	t.Run("strict aborts and releases the avatar", func(t *testing.T) {
		h := newHarness(t, roles.Student, mail.ModeStrict)
		h.sender.err = errors.New("smtp down")

		_, err := h.svc.Register(context.Background(), studentInput("a@x.com"))
		assert.ErrorIs(t, err, ErrMailDelivery)
		assert.Equal(t, []string{"avatars/1.png"}, h.media.deleted)

		_, err = h.store.Accounts("student").FindByEmail(context.Background(), "a@x.com")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestVerifyRegistrationOtp(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()
	_, err := h.svc.Register(ctx, studentInput("a@x.com"))
	require.NoError(t, err)

	before := h.record(t, "a@x.com")
	code := *before.OTPCode

	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", wrongCode(code))
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.Equal(t, before, h.record(t, "a@x.com"))

	a, err := h.svc.VerifyRegistrationOtp(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.True(t, a.IsVerified)

	after := h.record(t, "a@x.com")
	assert.True(t, after.IsVerified)
	assert.Nil(t, after.OTPCode)
	assert.Nil(t, after.OTPExpiresAt)
	assert.Nil(t, after.RefreshToken)

	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", code)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifyRegistrationOtp_UnknownEmail(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	_, err := h.svc.VerifyRegistrationOtp(context.Background(), "ghost@x.com", "123456")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.VerifyRegistrationOtp(context.Background(), "ghost@x.com", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestVerifyOtp_ExpiryBoundary(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()
	issuedAt := h.clock.Now()

	_, err := h.svc.Register(ctx, studentInput("early@x.com"))
	require.NoError(t, err)
	_, err = h.svc.Register(ctx, studentInput("late@x.com"))
	require.NoError(t, err)
	expiresAt := issuedAt.Add(15 * time.Minute)
	assert.Equal(t, expiresAt, *h.record(t, "late@x.com").OTPExpiresAt)

	h.clock.Set(expiresAt.Add(-time.Millisecond))
	_, err = h.svc.VerifyRegistrationOtp(ctx, "early@x.com", h.code(t, "early@x.com"))
	assert.NoError(t, err)

	h.clock.Set(expiresAt.Add(time.Millisecond))
	_, err = h.svc.VerifyRegistrationOtp(ctx, "late@x.com", h.code(t, "late@x.com"))
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.False(t, h.record(t, "late@x.com").IsVerified)
}

func TestLogin_InvalidCredentialsAreIndistinguishable(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, errUnknown := h.svc.Login(ctx, "ghost@x.com", "P@ss1234")
	_, errWrong := h.svc.Login(ctx, "a@x.com", "wrong")
	assert.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	assert.ErrorIs(t, errWrong, ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())

	_, err := h.svc.Login(ctx, "", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestLogin_OpensFreshChallenge(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")

	res, err := h.svc.Login(context.Background(), "A@x.com", "P@ss1234")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", res.Email)

	a := h.record(t, "a@x.com")
	assert.False(t, a.IsVerified)
	assert.Equal(t, models.PurposeLogin, a.OTPPurpose)
	require.NotNil(t, a.OTPCode)
	assert.Len(t, h.sender.sent, 2)
	assert.Contains(t, h.sender.sent[1].Subject, "login")
}

func TestVerifyLoginOtp_IssuesSession(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, err := h.svc.Login(ctx, "a@x.com", "P@ss1234")
	require.NoError(t, err)
	code := h.code(t, "a@x.com")

	pair, account, err := h.svc.VerifyLoginOtp(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.True(t, account.IsVerified)

	stored := h.record(t, "a@x.com")
	require.NotNil(t, stored.RefreshToken)
	assert.Equal(t, pair.RefreshToken, *stored.RefreshToken)
	assert.True(t, stored.IsVerified)

	_, _, err = h.svc.VerifyLoginOtp(ctx, "a@x.com", code)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifyLoginOtp_WrongCodeNeverVerifies(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, err := h.svc.Login(ctx, "a@x.com", "P@ss1234")
	require.NoError(t, err)
	code := h.code(t, "a@x.com")

	pair, _, err := h.svc.VerifyLoginOtp(ctx, "a@x.com", wrongCode(code))
	assert.ErrorIs(t, err, ErrInvalidOTP)
	assert.Nil(t, pair)

	a := h.record(t, "a@x.com")
	assert.False(t, a.IsVerified)
	assert.Nil(t, a.RefreshToken)
}

func TestVerifyLoginOtp_RejectsOtherPurpose(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()
	_, err := h.svc.Register(ctx, studentInput("a@x.com"))
	require.NoError(t, err)

	_, _, err = h.svc.VerifyLoginOtp(ctx, "a@x.com", h.code(t, "a@x.com"))
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestVerifyOtp_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := newHarness(t, roles.Student, mail.ModeSync, func(d *Dependencies) {
		d.Limiter = otp.NewLimiter(client, 2, time.Minute)
	})
	ctx := context.Background()
	_, err := h.svc.Register(ctx, studentInput("a@x.com"))
	require.NoError(t, err)
	code := h.code(t, "a@x.com")

	for i := 0; i < 2; i++ {
		_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", wrongCode(code))
		assert.ErrorIs(t, err, ErrInvalidOTP)
	}
	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", code)
	assert.ErrorIs(t, err, ErrRateLimited)

	mr.FastForward(time.Minute)
	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", code)
	assert.NoError(t, err)
}

func TestResendOtp(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	ctx := context.Background()
	_, err := h.svc.Register(ctx, studentInput("a@x.com"))
	require.NoError(t, err)
	old := h.code(t, "a@x.com")

	res, err := h.svc.ResendOtp(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, mail.StatusSent, res.Delivery.Status)
	fresh := h.code(t, "a@x.com")
	assert.Equal(t, models.PurposeRegister, h.record(t, "a@x.com").OTPPurpose)

	if old != fresh {
		_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", old)
		assert.ErrorIs(t, err, ErrInvalidOTP)
	}
	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", fresh)
	require.NoError(t, err)

	_, err = h.svc.ResendOtp(ctx, "a@x.com")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = h.svc.ResendOtp(ctx, "ghost@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefresh_SingleSlotRotation(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	first := h.signIn(t, "a@x.com", "P@ss1234")
	ctx := context.Background()

	second, err := h.svc.Refresh(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, second.RefreshToken, *h.record(t, "a@x.com").RefreshToken)

	_, err = h.svc.Refresh(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	third, err := h.svc.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, third.AccessToken)
}

func TestRefresh_RejectsInvalidTokens(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	pair := h.signIn(t, "a@x.com", "P@ss1234")
	ctx := context.Background()

	for name, raw := range map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"access token": pair.AccessToken,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.svc.Refresh(ctx, raw)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}

	// a token for an account of another role-collection
	trainers := NewAccountService(roles.Trainer, h.store, h.svc.deps)
	_, err := trainers.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestLogout(t *testing.T) {
	t.Run("student loses verification", func(t *testing.T) {
		h := newHarness(t, roles.Student, mail.ModeSync)
		h.registerVerified(t, "a@x.com")
		pair := h.signIn(t, "a@x.com", "P@ss1234")
		a := h.record(t, "a@x.com")

		require.NoError(t, h.svc.Logout(context.Background(), a.ID))
		after := h.record(t, "a@x.com")
		assert.Nil(t, after.RefreshToken)
		assert.False(t, after.IsVerified)

		_, err := h.svc.Refresh(context.Background(), pair.RefreshToken)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("trainer stays verified", func(t *testing.T) {
		h := newHarness(t, roles.Trainer, mail.ModeSync)
		ctx := context.Background()
		_, err := h.svc.Register(ctx, RegisterInput{
			Email: "t@x.com", Password: "secret", UniqueKey: "TR1234",
			Profile: map[string]string{"username": "mehmet", "subjectname": "physics"},
			Avatar:  avatar(),
		})
		require.NoError(t, err)
		_, err = h.svc.VerifyRegistrationOtp(ctx, "t@x.com", h.code(t, "t@x.com"))
		require.NoError(t, err)
		h.signIn(t, "t@x.com", "secret")

		require.NoError(t, h.svc.Logout(ctx, h.record(t, "t@x.com").ID))
		after := h.record(t, "t@x.com")
		assert.Nil(t, after.RefreshToken)
		assert.True(t, after.IsVerified)
	})

	t.Run("unknown account", func(t *testing.T) {
		h := newHarness(t, roles.Student, mail.ModeSync)
		assert.ErrorIs(t, h.svc.Logout(context.Background(), "missing"), ErrUnauthorized)
	})
}

func TestPasswordResetFlow(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	pair := h.signIn(t, "a@x.com", "P@ss1234")
	ctx := context.Background()

	_, err := h.svc.ForgotPassword(ctx, "a@x.com")
	require.NoError(t, err)
	a := h.record(t, "a@x.com")
	assert.False(t, a.IsVerified)
	assert.Equal(t, models.PurposeReset, a.OTPPurpose)

	err = h.svc.ResetPassword(ctx, "a@x.com", "n3w-pass")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.VerifyRegistrationOtp(ctx, "a@x.com", *a.OTPCode)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.VerifyResetOtp(ctx, "a@x.com", *a.OTPCode)
	require.NoError(t, err)
	approved := h.record(t, "a@x.com")
	assert.True(t, approved.ResetApproved(h.clock.Now()))
	assert.False(t, approved.IsVerified)
	assert.Nil(t, approved.OTPCode)

	require.NoError(t, h.svc.ResetPassword(ctx, "a@x.com", "n3w-pass"))
	done := h.record(t, "a@x.com")
	assert.False(t, done.IsVerified)
	assert.Nil(t, done.ResetExpiresAt)
	assert.Nil(t, done.RefreshToken)

	err = h.svc.ResetPassword(ctx, "a@x.com", "again")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.Login(ctx, "a@x.com", "P@ss1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	h.signIn(t, "a@x.com", "n3w-pass")
}

func TestPasswordReset_ApprovalWithdrawnByLogin(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, err := h.svc.ForgotPassword(ctx, "a@x.com")
	require.NoError(t, err)
	_, err = h.svc.VerifyResetOtp(ctx, "a@x.com", h.code(t, "a@x.com"))
	require.NoError(t, err)

	h.signIn(t, "a@x.com", "P@ss1234")
	a := h.record(t, "a@x.com")
	assert.True(t, a.IsVerified)
	assert.Nil(t, a.ResetExpiresAt)

	err = h.svc.ResetPassword(ctx, "a@x.com", "attacker")
	assert.ErrorIs(t, err, ErrInvalidState)
	h.signIn(t, "a@x.com", "P@ss1234")
}

func TestPasswordReset_ApprovalWithdrawnByNewChallenge(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, err := h.svc.ForgotPassword(ctx, "a@x.com")
	require.NoError(t, err)
	_, err = h.svc.VerifyResetOtp(ctx, "a@x.com", h.code(t, "a@x.com"))
	require.NoError(t, err)

	_, err = h.svc.Login(ctx, "a@x.com", "P@ss1234")
	require.NoError(t, err)
	assert.Nil(t, h.record(t, "a@x.com").ResetExpiresAt)

	err = h.svc.ResetPassword(ctx, "a@x.com", "attacker")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestPasswordReset_ApprovalExpires(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	ctx := context.Background()

	_, err := h.svc.ForgotPassword(ctx, "a@x.com")
	require.NoError(t, err)
	_, err = h.svc.VerifyResetOtp(ctx, "a@x.com", h.code(t, "a@x.com"))
	require.NoError(t, err)
	approvedAt := h.clock.Now()

	h.clock.Set(approvedAt.Add(15*time.Minute + time.Millisecond))
	err = h.svc.ResetPassword(ctx, "a@x.com", "n3w-pass")
	assert.ErrorIs(t, err, ErrInvalidState)

	h.clock.Set(approvedAt.Add(15 * time.Minute))
	require.NoError(t, h.svc.ResetPassword(ctx, "a@x.com", "n3w-pass"))
}

func TestForgotPassword_UnknownEmail(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	_, err := h.svc.ForgotPassword(context.Background(), "ghost@x.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChangePassword(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	id := h.record(t, "a@x.com").ID
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.ChangePassword(ctx, id, "wrong", "x"), ErrInvalidCredentials)
	assert.ErrorIs(t, h.svc.ChangePassword(ctx, id, "P@ss1234", ""), ErrValidation)
	assert.ErrorIs(t, h.svc.ChangePassword(ctx, "missing", "P@ss1234", "x"), ErrUnauthorized)

	require.NoError(t, h.svc.ChangePassword(ctx, id, "P@ss1234", "x"))

	_, err := h.svc.Login(ctx, "a@x.com", "P@ss1234")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = h.svc.Login(ctx, "a@x.com", "x")
	assert.NoError(t, err)
}

func TestUpdateAvatar(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	id := h.record(t, "a@x.com").ID
	ctx := context.Background()

	_, err := h.svc.UpdateAvatar(ctx, id, nil)
	assert.ErrorIs(t, err, ErrValidation)

	updated, err := h.svc.UpdateAvatar(ctx, id, avatar())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/avatars/2.png", updated.AvatarURL)
	assert.Equal(t, "avatars/2.png", h.record(t, "a@x.com").AvatarRef)
	assert.Equal(t, []string{"avatars/1.png"}, h.media.deleted)

	h.media.fail = true
	_, err = h.svc.UpdateAvatar(ctx, id, avatar())
	assert.ErrorIs(t, err, ErrUpload)
	assert.Equal(t, "avatars/2.png", h.record(t, "a@x.com").AvatarRef)
}

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	id := h.record(t, "a@x.com").ID
	ctx := context.Background()

	_, err := h.svc.UpdateProfile(ctx, id, map[string]string{"email": "b@x.com", "unknown": "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.UpdateProfile(ctx, id, map[string]string{"username": "a"})
	assert.ErrorIs(t, err, ErrValidation)

	updated, err := h.svc.UpdateProfile(ctx, id, map[string]string{"username": "zeynep", "email": "b@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "zeynep", updated.Profile["username"])
	assert.Equal(t, "a@x.com", updated.Email)

	_, err = h.svc.UpdateProfile(ctx, "missing", map[string]string{"username": "zeynep"})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_StripsCredentials(t *testing.T) {
	h := newHarness(t, roles.Student, mail.ModeSync)
	h.registerVerified(t, "a@x.com")
	h.signIn(t, "a@x.com", "P@ss1234")

	a, err := h.svc.Authenticate(context.Background(), h.record(t, "a@x.com").ID)
	require.NoError(t, err)
	assert.Empty(t, a.PasswordHash)
	assert.Nil(t, a.RefreshToken)
	assert.Equal(t, "a@x.com", a.Email)

	_, err = h.svc.Authenticate(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAccessTokenCarriesRoleClaims(t *testing.T) {
	h := newHarness(t, roles.Trainer, mail.ModeSync)
	ctx := context.Background()
	_, err := h.svc.Register(ctx, RegisterInput{
		Email: "t@x.com", Password: "secret", UniqueKey: "TR1234",
		Profile: map[string]string{"username": "mehmet", "subjectname": "physics"},
		Avatar:  avatar(),
	})
	require.NoError(t, err)
	_, err = h.svc.VerifyRegistrationOtp(ctx, "t@x.com", h.code(t, "t@x.com"))
	require.NoError(t, err)
	pair := h.signIn(t, "t@x.com", "secret")

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(pair.AccessToken, claims, func(*jwt.Token) (interface{}, error) {
		return h.issuer.AccessSecret(), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "trainer", claims["role"])
	assert.Equal(t, "t@x.com", claims["email"])
	assert.Equal(t, "physics", claims["subjectname"])
	assert.NotContains(t, claims, "username")
}
