package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/intruder1912/mcp-loxone-sub001/internal/config"
	"github.com/intruder1912/mcp-loxone-sub001/internal/engine"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/data/LoxAPP3.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rooms": {}, "controls": {}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	cfg := config.Defaults()
	cfg.Host = srv.URL
	cfg.User = "alice"
	cfg.Pass = "s3cret"
	cfg.AuthMode = "basic"
	cfg.RequestTimeout = 5 * time.Second

	e, err := engine.New(context.Background(), cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func TestBuildMCPServerBuildsWithNonEmptyRegistry(t *testing.T) {
	e := newTestEngine(t)
	server := buildMCPServer(e)
	require.NotNil(t, server)
	require.NotEmpty(t, e.Surface().Registry.Describe())
}

func TestIdentityFromContextDefaultsToStdio(t *testing.T) {
	require.Equal(t, "stdio", identityFromContext(context.Background()))
}

func TestIdentityFromContextReadsMiddlewareValue(t *testing.T) {
	ctx := context.WithValue(context.Background(), identityContextKey{}, "caller-1")
	require.Equal(t, "caller-1", identityFromContext(ctx))
}

func TestWithIdentityPrefersHeaderOverRemoteAddr(t *testing.T) {
	var captured string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = identityFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.Header.Set("X-Loxone-Identity", "session-7")
	req.RemoteAddr = "10.0.0.9:54321"
	rec := httptest.NewRecorder()
	withIdentity(next).ServeHTTP(rec, req)

	require.Equal(t, "session-7", captured)
}

func TestWithIdentityFallsBackToRemoteAddr(t *testing.T) {
	var captured string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = identityFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "10.0.0.9:54321"
	rec := httptest.NewRecorder()
	withIdentity(next).ServeHTTP(rec, req)

	require.Equal(t, "10.0.0.9:54321", captured)
}
