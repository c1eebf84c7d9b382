package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joehospital/apiserver/internal/auth"
	"github.com/joehospital/apiserver/internal/mailer"
	"github.com/joehospital/apiserver/internal/store"
	"github.com/joehospital/apiserver/types"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

type outbox struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (o *outbox) Send(ctx context.Context, msg mailer.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.sent = append(o.sent, msg)
	return nil
}

func (o *outbox) lastResetToken(t *testing.T) string {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.sent) == 0 {
		t.Fatal("no email sent")
	}
	body := o.sent[len(o.sent)-1].HTML
	const marker = "http://localhost:3000/reset-password/"
	i := strings.Index(body, marker)
	if i < 0 {
		t.Fatalf("reset link missing from %s", body)
	}
	rest := body[i+len(marker):]
	return rest[:strings.IndexByte(rest, '"')]
}

type fixture struct {
	svc   *AuthService
	repo  *store.MemoryUserRepository
	clock *clockwork.FakeClock
	mail  *outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	repo := store.NewMemoryUserRepository(clock)
	mail := &outbox{}
	tokens := auth.NewTokenIssuer(auth.TokenConfig{
		AccessSecret:  "access-secret",
		RefreshSecret: "refresh-secret",
		Issuer:        "joe-hospital",
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
	}, clock, nil)
	svc := NewAuthService(repo, auth.NewPasswordHasher(bcrypt.MinCost), tokens, mail, AuthOptions{
		LockoutThreshold: 5,
		LockoutWindow:    2 * time.Hour,
		ResetTokenTTL:    10 * time.Minute,
		ClientURL:        "http://localhost:3000/",
	}, clock, nil)
	return &fixture{svc: svc, repo: repo, clock: clock, mail: mail}
}

func (f *fixture) register(t *testing.T, email, password string, role types.Role) AuthResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), RegisterInput{
		Name:     "Alice Smith",
		Email:    email,
		Password: password,
		Role:     role,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return res
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.register(t, "Alice@Example.com ", "Passw0rd", "")
	if res.User.Email != "alice@example.com" || res.User.Role != types.RolePatient || !res.User.IsActive {
		t.Fatalf("unexpected user %+v", res.User)
	}
	if res.AccessToken == "" || res.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	stored, _ := f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.PasswordHash == "Passw0rd" || !strings.HasPrefix(stored.PasswordHash, "$2") {
		t.Fatalf("password must be stored as a bcrypt hash, got %q", stored.PasswordHash)
	}
	if !stored.HasRefreshToken(auth.Digest(res.RefreshToken)) {
		t.Fatal("refresh token digest must be stored at registration")
	}

	login, err := f.svc.Login(ctx, LoginInput{Email: "ALICE@example.com", Password: "Passw0rd", Role: types.RolePatient})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if login.User.LastLogin == nil || !login.User.LastLogin.Equal(f.clock.Now()) {
		t.Fatalf("last login not recorded: %v", login.User.LastLogin)
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice@example.com", "Passw0rd", "")

	_, err := f.svc.Register(context.Background(), RegisterInput{Name: "Other", Email: " ALICE@example.com", Password: "Passw0rd"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterRejectsUnknownRole(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterInput{Name: "A", Email: "a@example.com", Password: "Passw0rd", Role: "janitor"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestLoginUnknownEmailIsInvalidCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Login(context.Background(), LoginInput{Email: "nobody@example.com", Password: "Passw0rd"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "Passw0rd", "")

	for i := 1; i <= 5; i++ {
		_, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i, err)
		}
	}
	stored, _ := f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.FailedLoginCount != 5 {
		t.Fatalf("expected 5 failures, got %d", stored.FailedLoginCount)
	}

	_, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"})
	if !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected ErrAccountLocked with the correct password, got %v", err)
	}

	f.clock.Advance(2*time.Hour - time.Second)
	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"}); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("expected lock to hold until the window ends, got %v", err)
	}

	f.clock.Advance(2 * time.Second)
	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"}); err != nil {
		t.Fatalf("expected login after lock expiry, got %v", err)
	}
	stored, _ = f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.FailedLoginCount != 0 || stored.LockUntil != nil {
		t.Fatalf("successful login must reset lockout state, got count=%d lock=%v", stored.FailedLoginCount, stored.LockUntil)
	}
}

func TestLoginFailureAfterElapsedLockStartsNewWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "Passw0rd", "")

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"})
	}
	f.clock.Advance(3 * time.Hour)

	_, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	stored, _ := f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.FailedLoginCount != 1 || stored.IsLocked(f.clock.Now()) {
		t.Fatalf("expected a fresh count of 1 and no lock, got count=%d lock=%v", stored.FailedLoginCount, stored.LockUntil)
	}
}

func TestLoginSuccessResetsFailureCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "Passw0rd", "")

	for i := 0; i < 4; i++ {
		_, _ = f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"})
	}
	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	stored, _ := f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.FailedLoginCount != 1 || stored.LockUntil != nil {
		t.Fatalf("expected count 1 without lock, got count=%d lock=%v", stored.FailedLoginCount, stored.LockUntil)
	}
}

func TestLoginDeactivatedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")
	if err := f.repo.SetActive(res.User.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	for _, password := range []string{"Passw0rd", "wrong"} {
		_, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: password})
		if !errors.Is(err, ErrAccountDeactivated) {
			t.Fatalf("password %q: expected ErrAccountDeactivated, got %v", password, err)
		}
	}
	stored, _ := f.repo.GetByID(ctx, res.User.ID)
	if stored.FailedLoginCount != 0 {
		t.Fatalf("deactivated logins must not count as strikes, got %d", stored.FailedLoginCount)
	}
}

func TestLoginRoleMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "Passw0rd", types.RolePatient)

	_, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd", Role: types.RoleDoctor})
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
	if !strings.Contains(err.Error(), "doctor") {
		t.Fatalf("expected message to name the requested role, got %q", err.Error())
	}
	stored, _ := f.repo.GetByEmail(ctx, "alice@example.com")
	if stored.LastLogin != nil {
		t.Fatal("role mismatch must not count as a successful login")
	}

	// A wrong password is reported as such even when the role also differs.
	_, err = f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "wrong", Role: types.RoleDoctor})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRefreshRotatesAndRejectsReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")

	pair, err := f.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if pair.RefreshToken == res.RefreshToken {
		t.Fatal("refresh must mint a new refresh token")
	}

	if _, err := f.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("rotated token must be usable: %v", err)
	}
}

func TestRefreshRejectsMissingAndInvalidTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")

	if _, err := f.svc.Refresh(ctx, "  "); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, "garbage"); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, res.AccessToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}

	f.clock.Advance(7*24*time.Hour + time.Minute)
	if _, err := f.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expired refresh token must fail, got %v", err)
	}
}

func TestConcurrentRefreshHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "alice@example.com", "Passw0rd", "")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Refresh(context.Background(), res.RefreshToken); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful refresh, got %d", successes)
	}
}

func TestLogoutRevokesOnlyThatSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.register(t, "alice@example.com", "Passw0rd", "")
	second, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	if err := f.svc.Logout(ctx, first.User.ID, first.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := f.svc.Logout(ctx, first.User.ID, first.RefreshToken); err != nil {
		t.Fatalf("repeated logout must succeed: %v", err)
	}
	if err := f.svc.Logout(ctx, first.User.ID, ""); err != nil {
		t.Fatalf("logout without token must succeed: %v", err)
	}

	if _, err := f.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("logged out token must not refresh, got %v", err)
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("other session must survive logout: %v", err)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")

	if err := f.svc.ForgotPassword(ctx, "ALICE@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := f.mail.lastResetToken(t)
	if len(token) != 64 {
		t.Fatalf("unexpected reset token %q", token)
	}
	if f.mail.sent[0].To != "alice@example.com" || f.mail.sent[0].Subject != "Joe Hospital - Password Reset Request" {
		t.Fatalf("unexpected email %+v", f.mail.sent[0])
	}

	stored, _ := f.repo.GetByID(ctx, res.User.ID)
	if stored.PasswordResetTokenHash == nil || *stored.PasswordResetTokenHash == token {
		t.Fatal("only the digest of the reset token may be stored")
	}
	if !stored.PasswordResetExpiresAt.Equal(f.clock.Now().Add(10 * time.Minute)) {
		t.Fatalf("unexpected reset expiry %v", stored.PasswordResetExpiresAt)
	}

	if err := f.svc.ResetPassword(ctx, token, "N3wPassword"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := f.svc.ResetPassword(ctx, token, "An0therOne"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("reset token must be single use, got %v", err)
	}

	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "Passw0rd"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "N3wPassword"}); err != nil {
		t.Fatalf("new password must work: %v", err)
	}
	if _, err := f.svc.Refresh(ctx, res.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("reset must revoke existing refresh tokens, got %v", err)
	}
}

func TestOverlongPasswordIsValidationError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	long := "Aa1" + strings.Repeat("é", 60)

	_, err := f.svc.Register(ctx, RegisterInput{Name: "Alice Smith", Email: "alice@example.com", Password: long})
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindValidation || len(verr.Fields) != 1 || verr.Fields[0].Field != "password" {
		t.Fatalf("expected password validation error, got %v", err)
	}
	if _, err := f.repo.GetByEmail(ctx, "alice@example.com"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no account may be created, got %v", err)
	}

	f.register(t, "alice@example.com", "Passw0rd", "")
	if err := f.svc.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := f.mail.lastResetToken(t)
	if err := f.svc.ResetPassword(ctx, token, long); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword"); err != nil {
		t.Fatalf("token must still be usable: %v", err)
	}
}

func TestPasswordResetExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice@example.com", "Passw0rd", "")

	if err := f.svc.ForgotPassword(ctx, "alice@example.com"); err != nil {
		t.Fatalf("forgot: %v", err)
	}
	token := f.mail.lastResetToken(t)

	f.clock.Advance(11 * time.Minute)
	if err := f.svc.ResetPassword(ctx, token, "N3wPassword"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken, got %v", err)
	}
	if err := f.svc.ResetPassword(ctx, "", "N3wPassword"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken for empty token, got %v", err)
	}
}

func TestForgotPasswordUnknownEmail(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ForgotPassword(context.Background(), "nobody@example.com"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if len(f.mail.sent) != 0 {
		t.Fatal("no email may be sent for an unknown address")
	}
}

func TestForgotPasswordDeliveryFailureWithdrawsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")
	f.mail.err = errors.New("smtp unavailable")

	if err := f.svc.ForgotPassword(ctx, "alice@example.com"); !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	stored, _ := f.repo.GetByID(ctx, res.User.ID)
	if stored.PasswordResetTokenHash != nil || stored.PasswordResetExpiresAt != nil {
		t.Fatal("reset fields must be cleared after a delivery failure")
	}
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.register(t, "alice@example.com", "Passw0rd", "")

	user, err := f.svc.Authenticate(ctx, res.AccessToken)
	if err != nil || user.ID != res.User.ID {
		t.Fatalf("authenticate: id=%q err=%v", user.ID, err)
	}
	if _, err := f.svc.Authenticate(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, res.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("refresh token must not authenticate, got %v", err)
	}

	f.clock.Advance(16 * time.Minute)
	if _, err := f.svc.Authenticate(ctx, res.AccessToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired access token must not authenticate, got %v", err)
	}

	fresh, err := f.svc.Refresh(ctx, res.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	_ = f.repo.SetActive(res.User.ID, false)
	if _, err := f.svc.Authenticate(ctx, fresh.AccessToken); !errors.Is(err, ErrAccountDeactivated) {
		t.Fatalf("expected ErrAccountDeactivated, got %v", err)
	}
}

func TestProfile(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "alice@example.com", "Passw0rd", types.RoleNurse)

	users := NewUserService(f.repo)
	profile, err := users.Profile(context.Background(), res.User.ID)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.Email != "alice@example.com" || profile.Role != types.RoleNurse {
		t.Fatalf("unexpected profile %+v", profile)
	}
	if _, err := users.Profile(context.Background(), "missing"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := roleMismatch("admin")
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatal("role-specific errors must match the sentinel")
	}
	if errors.Is(err, ErrInvalidCredentials) {
		t.Fatal("different kinds must not match")
	}
	wrapped := errors.Join(errors.New("context"), ErrAccountLocked)
	if !errors.Is(wrapped, ErrAccountLocked) {
		t.Fatal("wrapped errors must match by kind")
	}
}

func TestLoginTimestampsFollowServiceClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	registeredAt := f.clock.Now()
	f.register(t, "carol@example.com", "Passw0rd", "")

	f.clock.Advance(3 * time.Hour)
	res, err := f.svc.Login(ctx, LoginInput{Email: "carol@example.com", Password: "Passw0rd"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.User.LastLogin == nil || !res.User.LastLogin.Equal(f.clock.Now()) {
		t.Fatalf("lastLogin = %v, want %v", res.User.LastLogin, f.clock.Now())
	}
	if !res.User.UpdatedAt.Equal(*res.User.LastLogin) {
		t.Fatalf("updatedAt %v disagrees with lastLogin %v", res.User.UpdatedAt, res.User.LastLogin)
	}
	if !res.User.CreatedAt.Equal(registeredAt) {
		t.Fatalf("createdAt = %v, want %v", res.User.CreatedAt, registeredAt)
	}
}
