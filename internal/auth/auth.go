package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/Nirovitsky/baltek-business-chat/internal/rest"
	"github.com/Nirovitsky/baltek-business-chat/internal/store"
	"github.com/Nirovitsky/baltek-business-chat/internal/types"
)

// ErrNoRefreshToken is returned by Refresh when the client has never
// logged in or has logged out.
var ErrNoRefreshToken = errors.New("no refresh token")

const (
	userIdClaim = "user_id"
	expClaim    = "exp"

	// expiryLeeway treats tokens about to expire as already expired so a
	// dial never races the server-side cutoff.
	expiryLeeway = 30 * time.Second
)

// Manager owns the access/refresh token pair: persistence, expiry checks,
// refresh, login and logout. It serves as the credential provider for both
// the REST client and the socket engine.
type Manager struct {
	mu      sync.Mutex
	api     *rest.Client
	state   *store.Store
	logger  *log.Logger
	access  string
	refresh string
}

// NewManager creates a credential manager, restoring any token pair
// persisted by a previous run.
func NewManager(api *rest.Client, state *store.Store, logger *log.Logger) *Manager {
	m := &Manager{
		api:    api,
		state:  state,
		logger: logger,
	}

	pair, err := state.Tokens()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Printf("failed to restore tokens: %v", err)
		}
		return m
	}
	m.access = pair.Access
	m.refresh = pair.Refresh

	return m
}

// Login exchanges credentials for a token pair and persists it.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	pair, err := m.api.ObtainToken(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	m.mu.Lock()
	m.access = pair.Access
	m.refresh = pair.Refresh
	m.mu.Unlock()

	if err := m.state.SaveTokens(pair); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

// Logout drops the cached pair and removes it from durable storage.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.access = ""
	m.refresh = ""
	m.mu.Unlock()

	if err := m.state.ClearTokens(); err != nil {
		return fmt.Errorf("clear tokens: %w", err)
	}
	return nil
}

// Token returns the current access token. A false return means the token
// is missing or expired and the caller should refresh first.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.access == "" || tokenExpired(m.access) {
		return "", false
	}
	return m.access, true
}

// Refresh exchanges the refresh token for a new access token, persisting
// the updated pair.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	refresh := m.refresh
	m.mu.Unlock()

	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	access, err := m.api.RefreshToken(ctx, refresh)
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	m.mu.Lock()
	m.access = access
	pair := types.TokenPair{Access: access, Refresh: m.refresh}
	m.mu.Unlock()

	if err := m.state.SaveTokens(pair); err != nil {
		m.logger.Printf("failed to persist refreshed tokens: %v", err)
	}
	return access, nil
}

// Authenticated reports whether a login session exists, possibly one whose
// access token needs a refresh.
func (m *Manager) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh != ""
}

// UserID extracts the user id claim from the access token.
func (m *Manager) UserID() (int, bool) {
	m.mu.Lock()
	access := m.access
	m.mu.Unlock()

	if access == "" {
		return 0, false
	}

	claims, err := parseClaims(access)
	if err != nil {
		m.logger.Printf("failed to parse access token claims: %v", err)
		return 0, false
	}

	id, ok := claims[userIdClaim].(float64)
	if !ok {
		return 0, false
	}
	return int(id), true
}

func parseClaims(tokenString string) (jwt.MapClaims, error) {
	token, _, err := new(jwt.Parser).ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// tokenExpired checks the exp claim locally. The client never verifies the
// signature, the server does that on every request.
func tokenExpired(tokenString string) bool {
	claims, err := parseClaims(tokenString)
	if err != nil {
		return true
	}

	exp, ok := claims[expClaim].(float64)
	if !ok {
		return true
	}

	return time.Now().Add(expiryLeeway).After(time.Unix(int64(exp), 0))
}
