package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/liftsync/internal/config"
	"github.com/yairfalse/liftsync/internal/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newAuthServer(t *testing.T, status int, respond func(n int32) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "kid", req["key_id"])
		assert.Equal(t, "secret", req["key_secret"])
		w.WriteHeader(status)
		_, _ = w.Write([]byte(respond(n)))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestManager_TokenCachesUntilExpiry(t *testing.T) {
	srv, calls := newAuthServer(t, http.StatusOK, func(n int32) string {
		if n == 1 {
			return `{"token":"t1","expires_in":60}`
		}
		return `{"token":"t2","expires_in":60}`
	})
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret", WithClock(clock.Now))

	cred, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, clock.Now().Add(60*time.Second), cred.ExpiresAt)

	clock.Advance(59 * time.Second)
	cred, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Second)
	cred, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.Token)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_DefaultTTL(t *testing.T) {
	srv, _ := newAuthServer(t, http.StatusOK, func(int32) string { return `{"token":"t1"}` })
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret", WithClock(clock.Now))

	cred, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(DefaultTTL), cred.ExpiresAt)
}

func TestManager_RefreshAlwaysExchanges(t *testing.T) {
	srv, calls := newAuthServer(t, http.StatusOK, func(int32) string { return `{"token":"t","expires_in":3600}` })
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret")

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	_, err = m.Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_NonSuccessIsAuthError(t *testing.T) {
	srv, calls := newAuthServer(t, http.StatusForbidden, func(int32) string { return `denied` })
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret")

	_, err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))

	var aerr *Error
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, http.StatusForbidden, aerr.StatusCode)

	// no retry inside refresh, and the manager stays usable
	assert.Equal(t, int32(1), calls.Load())
	_, err = m.Token(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestManager_MissingTokenIsAuthError(t *testing.T) {
	srv, _ := newAuthServer(t, http.StatusOK, func(int32) string { return `{"expires_in":10}` })
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret")

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestManager_ConcurrentTokenSingleExchange(t *testing.T) {
	srv, calls := newAuthServer(t, http.StatusOK, func(int32) string { return `{"token":"t","expires_in":3600}` })
	m := NewManager(transport.New(time.Second), srv.URL, "kid", "secret")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "t", cred.Token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestStatic(t *testing.T) {
	s := NewStatic("api-token")

	cred, err := s.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "api-token", cred.Token)
	assert.True(t, cred.Valid(time.Now().Add(24*365*time.Hour)))

	refreshed, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cred.Token, refreshed.Token)

	_, err = NewStatic("").Token(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}

func TestFromConfig(t *testing.T) {
	poster := transport.New(time.Second)

	src := FromConfig(config.SpaceliftConfig{APIToken: "tok"}, poster, nil)
	_, ok := src.(*Static)
	assert.True(t, ok)

	src = FromConfig(config.SpaceliftConfig{APIToken: "tok", KeyID: "k", KeySecret: "s", AuthURL: "http://x/auth"}, poster, nil)
	m, ok := src.(*Manager)
	require.True(t, ok)
	assert.Equal(t, "http://x/auth", m.authURL)
}
