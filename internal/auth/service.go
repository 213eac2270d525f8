package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/your-org/cricket/internal/models"
	"github.com/your-org/cricket/internal/notify"
	"github.com/your-org/cricket/internal/observability"
	"github.com/your-org/cricket/internal/storage"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrDuplicateEmail        = errors.New("email already exists")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountNotFound       = errors.New("account not found")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired reset token")
	ErrDeliveryFailed        = errors.New("reset mail delivery failed")
)

// ValidationError carries a client-facing message and matches ErrValidation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

const resetTokenBytes = 32

type Config struct {
	JWTSecret    string
	SessionTTL   time.Duration
	ResetTTL     time.Duration
	ResetURLBase string
	BcryptCost   int
	// HideUnknownResetAccounts makes RequestPasswordReset succeed silently
	// for emails with no account.
	HideUnknownResetAccounts bool
}

type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Account   *models.Account
}

// Service implements signup, login and password reset.
type Service struct {
	store  storage.AccountStore
	mailer notify.Mailer
	cfg    Config
	tokens *TokenIssuer
	now    func() time.Time
	random io.Reader

	// dummyHash is compared against when the email is unknown so that
	// failed logins cost one bcrypt comparison either way.
	dummyOnce sync.Once
	dummyHash string
}

func NewService(store storage.AccountStore, mailer notify.Mailer, cfg Config) *Service {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.ResetTTL == 0 {
		cfg.ResetTTL = time.Hour
	}
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	s := &Service{
		store:  store,
		mailer: mailer,
		cfg:    cfg,
		tokens: NewTokenIssuer(cfg.JWTSecret, cfg.SessionTTL),
		now:    time.Now,
		random: rand.Reader,
	}
	s.tokens.now = func() time.Time { return s.now() }
	return s
}

// Tokens exposes the session token verifier for middleware.
func (s *Service) Tokens() *TokenIssuer { return s.tokens }

func (s *Service) Signup(ctx context.Context, name, email, password string) (int64, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" || password == "" {
		return 0, record("signup", &ValidationError{Message: "All fields are required"})
	}

	hash, err := HashPassword(password, s.cfg.BcryptCost)
	if err != nil {
		return 0, record("signup", err)
	}

	id, err := s.store.CreateAccount(ctx, name, email, hash)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateEmail) {
			return 0, record("signup", ErrDuplicateEmail)
		}
		return 0, record("signup", fmt.Errorf("create account: %w", err))
	}

	slog.Info("account created", "account_id", id)
	return id, record("signup", nil)
}

func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, record("login", &ValidationError{Message: "Email and password required"})
	}

	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, record("login", fmt.Errorf("lookup account: %w", err))
	}
	if acct == nil {
		CheckPassword(s.unknownAccountHash(), password)
		return nil, record("login", ErrInvalidCredentials)
	}
	if !CheckPassword(acct.PasswordHash, password) {
		return nil, record("login", ErrInvalidCredentials)
	}

	token, exp, err := s.tokens.Issue(acct)
	if err != nil {
		return nil, record("login", err)
	}
	return &LoginResult{Token: token, ExpiresAt: exp, Account: acct}, record("login", nil)
}

func (s *Service) unknownAccountHash() string {
	s.dummyOnce.Do(func() {
		hash, err := HashPassword("no-such-account", s.cfg.BcryptCost)
		if err != nil {
			slog.Error("hash dummy password", "error", err)
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

// ParseSessionToken verifies a session token issued by Login.
func (s *Service) ParseSessionToken(token string) (*SessionClaims, error) {
	return s.tokens.Parse(token)
}

// Account returns the account behind a verified session.
func (s *Service) Account(ctx context.Context, id int64) (*models.Account, error) {
	acct, err := s.store.GetAccountByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	if acct == nil {
		return nil, ErrAccountNotFound
	}
	return acct, nil
}

// RequestPasswordReset stores a fresh reset token for email and mails the
// reset link. It returns the link. When delivery fails the token stays
// stored and the error matches ErrDeliveryFailed.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", record("forgot_password", &ValidationError{Message: "Email is required"})
	}

	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", record("forgot_password", fmt.Errorf("lookup account: %w", err))
	}
	if acct == nil {
		if s.cfg.HideUnknownResetAccounts {
			slog.Info("password reset requested for unknown email")
			return "", record("forgot_password", nil)
		}
		return "", record("forgot_password", ErrAccountNotFound)
	}

	token, err := s.newResetToken()
	if err != nil {
		return "", record("forgot_password", err)
	}
	expiry := s.now().Add(s.cfg.ResetTTL).UnixMilli()
	if err := s.store.SetResetToken(ctx, acct.Email, token, expiry); err != nil {
		return "", record("forgot_password", fmt.Errorf("store reset token: %w", err))
	}

	link, err := s.resetLink(token)
	if err != nil {
		return "", record("forgot_password", err)
	}
	slog.Debug("password reset link issued", "account_id", acct.ID, "link", link)

	if err := s.mailer.SendPasswordReset(ctx, acct.Email, link); err != nil {
		slog.Error("deliver password reset", "error", err, "account_id", acct.ID)
		return link, record("forgot_password", fmt.Errorf("%w: %v", ErrDeliveryFailed, err))
	}
	return link, record("forgot_password", nil)
}

// ResetPassword replaces the password of the account holding an unexpired
// token and clears the token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	token = strings.TrimSpace(token)
	if token == "" || newPassword == "" {
		return record("reset_password", &ValidationError{Message: "Token and new password are required"})
	}

	acct, err := s.store.FindAccountByResetToken(ctx, token, s.now().UnixMilli())
	if err != nil {
		return record("reset_password", fmt.Errorf("lookup reset token: %w", err))
	}
	if acct == nil {
		return record("reset_password", ErrInvalidOrExpiredToken)
	}

	hash, err := HashPassword(newPassword, s.cfg.BcryptCost)
	if err != nil {
		return record("reset_password", err)
	}
	if err := s.store.UpdatePassword(ctx, acct.ID, hash); err != nil {
		return record("reset_password", fmt.Errorf("update password: %w", err))
	}

	slog.Info("password reset", "account_id", acct.ID)
	return record("reset_password", nil)
}

func (s *Service) newResetToken() (string, error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Service) resetLink(token string) (string, error) {
	u, err := url.Parse(s.cfg.ResetURLBase)
	if err != nil {
		return "", fmt.Errorf("parse reset url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// record counts an auth event and passes err through.
func record(event string, err error) error {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrValidation):
		outcome = "invalid"
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidOrExpiredToken):
		outcome = "rejected"
	case errors.Is(err, ErrDuplicateEmail), errors.Is(err, ErrAccountNotFound):
		outcome = "conflict"
	default:
		outcome = "error"
	}
	observability.AuthEvents.WithLabelValues(event, outcome).Inc()
	return err
}
