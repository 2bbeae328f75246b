package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	logx "imbus/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startServer(t *testing.T, cfg Config, health HealthFunc) (*Server, *http.Client) {
	t.Helper()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:0"
	s := New(cfg, health, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
	return s, client
}

func get(t *testing.T, c *http.Client, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(b)
}

func TestHealthAndMetrics(t *testing.T) {
	var unhealthy atomic.Bool
	s, c := startServer(t, Config{}, func() (bool, any) {
		return !unhealthy.Load(), map[string]any{"cursor": 42}
	})
	base := "http://" + s.Addr()

	code, body := get(t, c, base+"/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &doc))
	assert.EqualValues(t, 42, doc["cursor"])

	unhealthy.Store(true)
	code, _ = get(t, c, base+"/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, body = get(t, c, base+"/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "go_goroutines")

	code, _ = get(t, c, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestTokenAndPprof(t *testing.T) {
	s, c := startServer(t, Config{Token: "s3cret", Pprof: true}, nil)
	base := "http://" + s.Addr()

	code, _ := get(t, c, base+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, c, base+"/healthz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, c, base+"/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)

	code, body := get(t, c, base+"/debug/pprof/", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "goroutine")
}

func TestReconfigureDisableStops(t *testing.T) {
	s, _ := startServer(t, Config{}, nil)
	s.Reconfigure(context.Background(), Config{Enabled: false})
	assert.Nil(t, s.Supervisor())
	assert.Eventually(t, func() bool { return s.Addr() == "" }, 2*time.Second, 10*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	h := rateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestWithAuthRequiresExactBearerToken(t *testing.T) {
	h := withAuth("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	cases := map[string]int{
		"":                http.StatusUnauthorized,
		"Bearer s3cre":    http.StatusUnauthorized,
		"Bearer s3cret2":  http.StatusUnauthorized,
		"Basic s3cret":    http.StatusUnauthorized,
		"s3cret":          http.StatusUnauthorized,
		"Bearer s3cret":   http.StatusNoContent,
		"Bearer  s3cret ": http.StatusNoContent,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, header)
	}
}
