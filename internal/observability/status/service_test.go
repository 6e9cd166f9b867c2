package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "recurpay/pkg/logx"
)

func source(context.Context) any {
	return map[string]any{"passes": 3}
}

func TestHandlerStatus(t *testing.T) {
	s := New(Config{}, source, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.EqualValues(t, 3, doc["passes"])
}

func TestHandlerAuth(t *testing.T) {
	s := New(Config{}, source, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{Token: "secret", Pprof: true}))
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"status no token", "/status", "", http.StatusUnauthorized},
		{"status bearer", "/status", "Bearer secret", http.StatusOK},
		{"status wrong bearer", "/status", "Bearer nope", http.StatusUnauthorized},
		{"status query", "/status?token=secret", "", http.StatusOK},
		{"status wrong query", "/status?token=nope", "Bearer secret", http.StatusUnauthorized},
		{"pprof guarded", "/debug/pprof/", "", http.StatusUnauthorized},
		{"pprof bearer", "/debug/pprof/", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, srv.URL+tt.path, nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestHandlerPprofDisabled(t *testing.T) {
	s := New(Config{}, source, logx.Nop())
	srv := httptest.NewServer(s.Handler(Config{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:80":   true,
		"[::1]:6061":     true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.5:6061":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, source, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, source, logx.Nop())
	err := s.serveOnce(context.Background())
	assert.Error(t, err)
}
