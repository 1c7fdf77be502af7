package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/joshp123/schluter-go/internal/neviweb"
)

// API is the slice of the vendor client the manager drives.
type API interface {
	Login(ctx context.Context, refreshToken string) (neviweb.LoginResult, error)
	Connect(ctx context.Context, refreshToken string) (string, error)
}

// Manager owns the credential lifecycle for one account entry: the
// long-lived refresh token, the access token derived from it, and the
// session id that device-data calls ride on. All derived credentials
// can be dropped and rebuilt at any time; only the refresh token is
// durable.
type Manager struct {
	name string
	api  API
	log  *zap.Logger

	mu           sync.Mutex
	refreshToken string
	accessToken  string
	sessionID    string
	userID       int64
	accountID    int64
}

func NewManager(name string, api API, refreshToken string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		name:         name,
		api:          api,
		refreshToken: refreshToken,
		log:          log.With(zap.String("entry", name)),
	}
}

// Login performs a full authentication from the refresh token. Any
// credentials from an earlier login are superseded; on failure all
// derived state is cleared so a later EnsureSession starts clean.
// The lock is held across the network calls so concurrent logins
// cannot interleave half-built credential sets.
func (m *Manager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accessToken = ""
	m.sessionID = ""

	result, err := m.api.Login(ctx, m.refreshToken)
	if err != nil {
		loginFailure.WithLabelValues(m.name).Inc()
		sessionValid.WithLabelValues(m.name).Set(0)
		return err
	}

	m.accessToken = result.AccessToken
	m.sessionID = result.SessionID
	m.userID = result.UserID
	m.accountID = result.AccountID

	if m.sessionID == "" {
		sessionID, err := m.api.Connect(ctx, m.refreshToken)
		if err != nil {
			m.accessToken = ""
			loginFailure.WithLabelValues(m.name).Inc()
			sessionValid.WithLabelValues(m.name).Set(0)
			return err
		}
		m.sessionID = sessionID
	}

	loginSuccess.WithLabelValues(m.name).Inc()
	sessionValid.WithLabelValues(m.name).Set(1)
	m.log.Info("authenticated", zap.Int64("user_id", m.userID), zap.Int64("account_id", m.accountID))
	return nil
}

// EnsureSession returns the current session id, establishing one if
// none is held. Concurrent callers serialize on the manager lock, so at
// most one connect is in flight and latecomers reuse its result.
func (m *Manager) EnsureSession(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return m.sessionID, nil
	}

	sessionID, err := m.api.Connect(ctx, m.refreshToken)
	if err != nil {
		connectFailure.WithLabelValues(m.name).Inc()
		sessionValid.WithLabelValues(m.name).Set(0)
		return "", err
	}

	m.sessionID = sessionID
	connectSuccess.WithLabelValues(m.name).Inc()
	sessionValid.WithLabelValues(m.name).Set(1)
	return sessionID, nil
}

// Invalidate drops the session id and access token after the backend
// rejected them. The refresh token is kept; the next EnsureSession or
// Login rebuilds from it.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = ""
	m.accessToken = ""
	invalidations.WithLabelValues(m.name).Inc()
	sessionValid.WithLabelValues(m.name).Set(0)
}

// UpdateRefreshToken swaps in a new refresh token (reauthentication)
// and immediately performs a full login with it.
func (m *Manager) UpdateRefreshToken(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}
	m.mu.Lock()
	m.refreshToken = refreshToken
	m.sessionID = ""
	m.accessToken = ""
	m.mu.Unlock()
	return m.Login(ctx)
}

// SessionID returns the held session id, or empty if none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Authenticated reports whether a login has succeeded and not been
// invalidated since.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID != ""
}
