// Package session owns the access and refresh tokens. It is the only
// writer of credentials: login stores a fresh pair, refresh rotates the
// pair, and any failed refresh deletes the access token so the session
// reads as logged out until the user signs in again.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/health-sync/internal/config"
	"github.com/alexjbarnes/health-sync/internal/healthapi"
	"github.com/alexjbarnes/health-sync/internal/models"
)

// TokenClient is the subset of the API client the manager calls.
type TokenClient interface {
	Login(ctx context.Context, req healthapi.LoginRequest) (*healthapi.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*healthapi.TokenResponse, error)
}

// CredentialStore persists the token pair.
type CredentialStore interface {
	AccessToken() string
	RefreshToken() string
	SetCredentials(creds models.Credentials) error
	DeleteAccessToken() error
}

// Notifier announces session-ending failures to the user.
type Notifier interface {
	Notify(title, message string)
}

// Config holds the dependencies of a Manager.
type Config struct {
	Sync     config.SyncConfig
	Client   TokenClient
	Store    CredentialStore
	Notifier Notifier
}

// Manager logs in, refreshes and logs out. Calls are serialized so a
// periodic refresh cannot interleave with a manual login.
type Manager struct {
	mu       sync.Mutex
	cfg      config.SyncConfig
	client   TokenClient
	store    CredentialStore
	notifier Notifier
	logger   *slog.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.Sync,
		client:   cfg.Client,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   logger,
	}
}

// Active reports whether an access token is stored.
func (m *Manager) Active() bool {
	return m.store.AccessToken() != ""
}

// Login exchanges username and password for a token pair and stores it.
// deviceToken is optional and lets the server address push
// notifications to this device.
func (m *Manager) Login(ctx context.Context, username, password, deviceToken string) (models.Credentials, error) {
	if username == "" || password == "" {
		return models.Credentials{}, fmt.Errorf("username and password are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	resp, err := m.client.Login(ctx, healthapi.LoginRequest{
		Username: username,
		Password: password,
		FCMToken: deviceToken,
	})
	if err != nil {
		return models.Credentials{}, err
	}

	creds := models.Credentials{AccessToken: resp.Token, RefreshToken: resp.Refresh}
	if err := m.store.SetCredentials(creds); err != nil {
		return models.Credentials{}, fmt.Errorf("storing credentials: %w", err)
	}

	m.logger.Info("logged in",
		slog.String("username", username),
		slog.String("api", m.cfg.APIBase),
	)

	return creds, nil
}

// Refresh rotates the token pair and returns the new access token. With
// no stored refresh token it does nothing and returns "". Any failure
// deletes the stored access token, alerts the user and returns the
// error, which wraps ErrAuthRejected or ErrTransport.
//
// Cancelling ctx does not abort a request already sent: the server may
// have rotated the pair, and dropping the response would leave only a
// spent refresh token on disk.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	refreshToken := m.store.RefreshToken()
	if refreshToken == "" {
		m.logger.Debug("no refresh token, skipping refresh")
		return "", nil
	}

	resp, err := m.client.Refresh(context.WithoutCancel(ctx), refreshToken)
	if err != nil {
		m.invalidate(err)
		return "", err
	}

	next := models.Credentials{AccessToken: resp.Token, RefreshToken: resp.Refresh}
	if next.RefreshToken == "" {
		next.RefreshToken = refreshToken
	}

	if err := m.store.SetCredentials(next); err != nil {
		m.invalidate(err)
		return "", fmt.Errorf("storing refreshed credentials: %w", err)
	}

	m.logger.Info("access token refreshed")

	return next.AccessToken, nil
}

// Logout deletes the stored access token. The refresh token is kept.
func (m *Manager) Logout() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteAccessToken(); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	m.logger.Info("logged out")

	return nil
}

func (m *Manager) invalidate(cause error) {
	m.logger.Warn("refresh failed, ending session", slog.String("error", cause.Error()))

	if err := m.store.DeleteAccessToken(); err != nil {
		m.logger.Error("failed to delete access token", slog.String("error", err.Error()))
	}

	if m.notifier != nil {
		m.notifier.Notify("Session expired", "Sign in again to resume syncing: "+cause.Error())
	}
}
