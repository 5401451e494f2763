package httpapi

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "broadcastd/pkg/logx"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, okHandler(), logx.Nop())
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.Addr() != "" }, 3*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/anything")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestServerRefusesInsecureBind(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "0.0.0.0:0"}, okHandler(), logx.Nop())
	assert.Error(t, s.serveOnce(context.Background()))
}

func TestDisabledServerDoesNotStart(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0"}, okHandler(), logx.Nop())
	s.Start(context.Background())
	assert.Empty(t, s.Addr())
	s.Stop(context.Background())
}

func TestAuthAndPprofMount(t *testing.T) {
	s := NewServer(Config{}, okHandler(), logx.Nop())
	srv := httptest.NewServer(s.root(Config{Token: "sekret", Pprof: true}))
	defer srv.Close()

	get := func(path, bearer string) int {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("/x", ""))
	assert.Equal(t, http.StatusUnauthorized, get("/x", "wrong"))
	assert.Equal(t, http.StatusUnauthorized, get("/x?token=wrong", ""))
	assert.Equal(t, http.StatusOK, get("/x", "sekret"))
	assert.Equal(t, http.StatusOK, get("/x?token=sekret", ""))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/", "sekret"))
	assert.Equal(t, http.StatusOK, get("/healthz", ""), "health probes skip auth")
}

func TestIsLoopbackAddr(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:8080"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":8080"))
	assert.False(t, isLoopbackAddr("10.0.0.1:80"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
