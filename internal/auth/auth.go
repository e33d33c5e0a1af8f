// Package auth obtains and refreshes the bearer credential used for
// Spacelift API calls.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/telemetry"
	"github.com/yairfalse/liftsync/internal/transport"
)

// DefaultTTL is used when the exchange response omits expires_in.
const DefaultTTL = time.Hour

// ErrAuth marks credential exchange failures and requests that stay
// unauthorized after a refresh.
var ErrAuth = errors.New("authentication failed")

// Error describes a failed credential exchange.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("auth: %s", e.Message)
	}
	return fmt.Sprintf("auth: exchange returned status %d: %s", e.StatusCode, e.Message)
}

// Is makes errors.Is(err, ErrAuth) hold for every *Error.
func (e *Error) Is(target error) bool { return target == ErrAuth }

// Credential is a bearer token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the credential can be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// TokenSource hands out credentials. Token returns a cached credential when
// it is still valid; Refresh always replaces it.
type TokenSource interface {
	Token(ctx context.Context) (Credential, error)
	Refresh(ctx context.Context) (Credential, error)
}

// Poster is the subset of transport.Client used for the exchange.
type Poster interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (*transport.Response, error)
}

// Manager exchanges a key/secret pair for a bearer token and caches it
// until expiry. It is safe for concurrent use; refreshes are serialized.
type Manager struct {
	poster    Poster
	authURL   string
	keyID     string
	keySecret string
	logger    *telemetry.Logger
	now       func() time.Time

	mu   sync.RWMutex
	cred Credential
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *telemetry.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a Manager for the given auth endpoint and key pair.
func NewManager(poster Poster, authURL, keyID, keySecret string, opts ...ManagerOption) *Manager {
	m := &Manager{
		poster:    poster,
		authURL:   authURL,
		keyID:     keyID,
		keySecret: keySecret,
		logger:    telemetry.NopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Token returns the cached credential, refreshing it when expired.
func (m *Manager) Token(ctx context.Context) (Credential, error) {
	m.mu.RLock()
	cred := m.cred
	m.mu.RUnlock()
	if cred.Valid(m.now()) {
		return cred, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// another caller may have refreshed while we waited
	if m.cred.Valid(m.now()) {
		return m.cred, nil
	}
	return m.refreshLocked(ctx)
}

// Refresh exchanges the key pair for a new credential. It does not retry.
func (m *Manager) Refresh(ctx context.Context) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

type exchangeRequest struct {
	KeyID     string `json:"key_id"`
	KeySecret string `json:"key_secret"`
}

type exchangeResponse struct {
	Token     string   `json:"token"`
	ExpiresIn *float64 `json:"expires_in"`
}

func (m *Manager) refreshLocked(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(exchangeRequest{KeyID: m.keyID, KeySecret: m.keySecret})
	if err != nil {
		return Credential{}, fmt.Errorf("encode exchange request: %w", err)
	}

	resp, err := m.poster.Post(ctx, m.authURL, body, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("credential exchange: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.WithContext(ctx).Error().
			Int("status", resp.StatusCode).
			Msg("credential exchange rejected")
		return Credential{}, &Error{StatusCode: resp.StatusCode, Message: truncate(string(resp.Body), 200)}
	}

	var out exchangeResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Credential{}, &Error{Message: fmt.Sprintf("decode exchange response: %v", err)}
	}
	if out.Token == "" {
		return Credential{}, &Error{Message: "exchange response has no token"}
	}

	ttl := DefaultTTL
	if out.ExpiresIn != nil && *out.ExpiresIn > 0 {
		ttl = time.Duration(*out.ExpiresIn * float64(time.Second))
	}

	m.cred = Credential{Token: out.Token, ExpiresAt: m.now().Add(ttl)}
	m.logger.WithContext(ctx).Debug().
		Time("expires_at", m.cred.ExpiresAt).
		Msg("credential refreshed")

	return m.cred, nil
}

// Static serves a pre-issued API token. It never expires and Refresh
// returns the same token.
type Static struct {
	token string
}

// NewStatic wraps an API token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(_ context.Context) (Credential, error) {
	return s.credential()
}

func (s *Static) Refresh(_ context.Context) (Credential, error) {
	return s.credential()
}

func (s *Static) credential() (Credential, error) {
	if s.token == "" {
		return Credential{}, &Error{Message: "api token is empty"}
	}
	// far enough out that Valid holds for the life of the process
	return Credential{Token: s.token, ExpiresAt: time.Unix(1<<62, 0)}, nil
}

// FromConfig selects a Manager when a key pair is configured, otherwise a
// Static source for the API token.
func FromConfig(cfg config.SpaceliftConfig, poster Poster, logger *telemetry.Logger) TokenSource {
	if cfg.UsesKeyPair() {
		return NewManager(poster, cfg.AuthURL, cfg.KeyID, cfg.KeySecret, WithLogger(logger))
	}
	return NewStatic(cfg.APIToken)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
