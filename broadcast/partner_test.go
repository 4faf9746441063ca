package broadcast

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPPartner(t *testing.T) {
	_, err := NewHTTPPartner(" ", "/conventions", "", time.Second)
	assert.Error(t, err)

	p, err := NewHTTPPartner("https://partner.example/", "/api/conventions", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "https://partner.example/api/conventions", p.Endpoint())
	assert.Equal(t, 10*time.Second, p.timeout)
}

func TestHTTPPartnerSend(t *testing.T) {
	var (
		gotAuth string
		gotKey  string
		gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"p-1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such establishment"))
		}
	}))
	defer srv.Close()

	p, err := NewHTTPPartner(srv.URL, "ok", "secret-key", time.Second)
	require.NoError(t, err)
	resp, err := p.Send(context.Background(), []byte(`{"conventionId":"c-1"}`), "abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.HTTPStatus)
	assert.JSONEq(t, `{"id":"p-1"}`, string(resp.Body))
	assert.Equal(t, "secret-key", gotAuth)
	assert.Equal(t, "abc", gotKey)
	assert.Equal(t, `{"conventionId":"c-1"}`, gotBody)

	p, err = NewHTTPPartner(srv.URL, "missing", "", time.Second)
	require.NoError(t, err)
	resp, err = p.Send(context.Background(), []byte(`{}`), "abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.HTTPStatus)
	assert.Equal(t, `"no such establishment"`, string(resp.Body))
	assert.Empty(t, gotAuth)
}

func TestHTTPPartnerSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, err := NewHTTPPartner(srv.URL, "/", "", 30*time.Millisecond)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), []byte(`{}`), "abc")
	require.Error(t, err)
	var netErr net.Error
	timedOut := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	assert.True(t, timedOut, "expected a timeout, got %v", err)
}

func TestJSONOrString(t *testing.T) {
	assert.Nil(t, jsonOrString([]byte("  ")))
	assert.Equal(t, `{"a":1}`, string(jsonOrString([]byte(" {\"a\":1} "))))
	assert.Equal(t, `"Bad Gateway"`, string(jsonOrString([]byte("Bad Gateway"))))
}
