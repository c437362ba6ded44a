// ABOUTME: Agent account registration, password login, and token authentication
// ABOUTME: Passwords are bcrypt hashed; tokens are only honoured for existing accounts

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/desk-gateway/internal/store"
)

// Account errors
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrAgentExists    = errors.New("agent already exists")
	ErrBadCredentials = errors.New("invalid username or password")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrUnavailable    = errors.New("auth backend unavailable")
)

const (
	// MinPasswordLength is the shortest password Register accepts.
	MinPasswordLength = 8

	// DefaultTokenTTL is used when AccountsConfig.TokenTTL is zero.
	DefaultTokenTTL = 24 * time.Hour

	defaultMaxUsernameLength = 64

	// dummyHash keeps login timing constant for unknown usernames.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// AccountsConfig configures the Accounts service.
type AccountsConfig struct {
	TokenTTL          time.Duration
	MaxUsernameLength int
	BcryptCost        int

	// OnRegister is called after a new account is stored.
	OnRegister func(username string)
}

// Accounts manages agent credentials.
type Accounts struct {
	store    store.AccountStore
	verifier *JWTVerifier
	cfg      AccountsConfig
	logger   *slog.Logger
}

// NewAccounts creates an Accounts service.
func NewAccounts(accounts store.AccountStore, verifier *JWTVerifier, cfg AccountsConfig, logger *slog.Logger) *Accounts {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = defaultMaxUsernameLength
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accounts{
		store:    accounts,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger.With("component", "auth"),
	}
}

// ValidateUsername checks a username against the configured limits.
func ValidateUsername(username string, maxLen int) error {
	if username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if maxLen > 0 && len(username) > maxLen {
		return fmt.Errorf("%w: username longer than %d characters", ErrInvalidInput, maxLen)
	}
	if strings.ContainsFunc(username, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("%w: username contains control characters", ErrInvalidInput)
	}
	return nil
}

// Register creates a new agent account.
func (a *Accounts) Register(ctx context.Context, username, password string) (*store.AgentAccount, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username, a.cfg.MaxUsernameLength); err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	account := &store.AgentAccount{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := a.store.CreateAgent(ctx, account); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAgentExists
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	a.logger.Info("agent registered", "username", username, "agent_id", account.ID)
	if a.cfg.OnRegister != nil {
		a.cfg.OnRegister(username)
	}
	return account, nil
}

// Login checks a password and issues a bearer token.
func (a *Accounts) Login(ctx context.Context, username, password string) (string, *store.AgentAccount, error) {
	username = strings.TrimSpace(username)

	account, err := a.store.GetAgentByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return "", nil, ErrBadCredentials
		}
		return "", nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("agent login failed", "username", username)
		return "", nil, ErrBadCredentials
	}

	token, err := a.IssueToken(account.Username)
	if err != nil {
		return "", nil, err
	}

	a.logger.Info("agent logged in", "username", username)
	return token, account, nil
}

// IssueToken signs a bearer token for username without checking a password.
func (a *Accounts) IssueToken(username string) (string, error) {
	token, err := a.verifier.Generate(username, a.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

// Authenticate verifies a bearer token and that its agent still exists.
// Returns the agent username.
func (a *Accounts) Authenticate(ctx context.Context, token string) (string, error) {
	username, err := a.verifier.Verify(token)
	if err != nil {
		return "", err
	}

	if _, err := a.store.GetAgentByUsername(ctx, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrUnknownAgent, username)
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return username, nil
}

// Usernames lists every registered agent.
func (a *Accounts) Usernames(ctx context.Context) ([]string, error) {
	accounts, err := a.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	names := make([]string, len(accounts))
	for i, acct := range accounts {
		names[i] = acct.Username
	}
	return names, nil
}
