package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_FixedHeaders(t *testing.T) {
	var got http.Header
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Header().Set("X-Test", "yes")
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(0)
	resp, err := c.Post(context.Background(), srv.URL, []byte(`{"a":1}`), map[string]string{
		"Authorization": "Bearer tok",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Test"))
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, `{"a":1}`, body)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "liftsync/"+Version, got.Get("User-Agent"))
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))
}

func TestPost_CustomFixedHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Tenant")
	}))
	defer srv.Close()

	c := New(time.Second, WithHeader("X-Tenant", "acme"))
	_, err := c.Post(context.Background(), srv.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "acme", got)
}

func TestPost_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(50 * time.Millisecond)
	_, err := c.Post(context.Background(), srv.URL, nil, nil)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Timeout())
}

func TestPost_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(time.Second)
	_, err := c.Post(context.Background(), url, nil, nil)
	require.Error(t, err)

	var terr *Error
	require.True(t, errors.As(err, &terr))
	assert.False(t, terr.Timeout())
	assert.Contains(t, err.Error(), url)
}
