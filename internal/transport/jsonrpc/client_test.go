package jsonrpc

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbus/internal/transport"
	logx "imbus/pkg/logx"
)

func testLogger() logx.Logger { return logx.Nop() }

func newServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestPollSendsRequestAndDecodesBatch(t *testing.T) {
	var got rpcRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultPath, r.URL.Path)
		assert.Equal(t, "session_id=abc", r.Header.Get("Cookie"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":[[5,"chan1","hello"],[6,"chan1",{"k":1}]]}`)
	})

	c, err := New(Config{Endpoint: srv.URL, Headers: map[string]string{"Cookie": "session_id=abc"}}, testLogger())
	require.NoError(t, err)

	batch, err := c.Poll(context.Background(), transport.Request{Channels: []string{"chan1"}, Last: 4})
	require.NoError(t, err)

	assert.Equal(t, "2.0", got.JSONRPC)
	assert.Equal(t, "call", got.Method)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, []string{"chan1"}, got.Params.Channels)
	assert.Equal(t, int64(4), got.Params.Last)
	assert.NotNil(t, got.Params.Options)

	require.Len(t, batch, 2)
	assert.Equal(t, int64(6), batch[1].ID)
	assert.JSONEq(t, `{"k":1}`, string(batch[1].Payload))
}

func TestPollEmptyAndNullResults(t *testing.T) {
	for _, body := range []string{`{"result":[]}`, `{"result":null}`} {
		srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		})
		c, err := New(Config{Endpoint: srv.URL + "/longpolling/poll"}, testLogger())
		require.NoError(t, err)
		batch, err := c.Poll(context.Background(), transport.Request{})
		require.NoError(t, err, body)
		assert.Empty(t, batch, body)
	}
}

func TestPollErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   transport.Kind
	}{
		{"http 500", http.StatusInternalServerError, `oops`, transport.KindServer},
		{"rpc error", http.StatusOK, `{"error":{"code":200,"message":"Odoo Server Error"}}`, transport.KindServer},
		{"not json", http.StatusOK, `<html>`, transport.KindMalformed},
		{"bad triple", http.StatusOK, `{"result":[[1,"a"]]}`, transport.KindMalformed},
		{"empty object", http.StatusOK, `{}`, transport.KindMalformed},
		{"envelope without result", http.StatusOK, `{"jsonrpc":"2.0","id":"x"}`, transport.KindMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})
			c, err := New(Config{Endpoint: srv.URL}, testLogger())
			require.NoError(t, err)
			_, err = c.Poll(context.Background(), transport.Request{})
			require.Error(t, err)
			assert.Equal(t, tc.want, transport.KindOf(err))
		})
	}
}

func TestPollMissingResultIsMalformed(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"x"}`)
	})
	c, err := New(Config{Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)

	batch, err := c.Poll(context.Background(), transport.Request{})
	require.ErrorIs(t, err, errNoResult)
	assert.Nil(t, batch)
}

func TestPollRejectsOversizedResponse(t *testing.T) {
	big := `{"result":[[1,"chan1","` + strings.Repeat("x", 256) + `"]]}`
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, big)
	})

	c, err := New(Config{Endpoint: srv.URL, MaxResponseBytes: 128}, testLogger())
	require.NoError(t, err)
	_, err = c.Poll(context.Background(), transport.Request{})
	require.ErrorIs(t, err, errResponseTooLarge)
	assert.Equal(t, transport.KindMalformed, transport.KindOf(err))
	assert.Contains(t, err.Error(), "exceeds 128 bytes")

	// Exactly at the cap is accepted.
	c, err = New(Config{Endpoint: srv.URL, MaxResponseBytes: int64(len(big))}, testLogger())
	require.NoError(t, err)
	batch, err := c.Poll(context.Background(), transport.Request{})
	require.NoError(t, err)
	require.Len(t, batch, 1)

	_, err = New(Config{Endpoint: srv.URL, MaxResponseBytes: -1}, testLogger())
	assert.Error(t, err)
}

func TestSnippetKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("a", 196) + strings.Repeat("é", 10)
	out := snippet([]byte(s))
	assert.True(t, utf8.ValidString(out), out)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.LessOrEqual(t, len(out), 200)

	assert.Equal(t, "short", snippet([]byte("  short \n")))
}

func TestPollNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(Config{Endpoint: url}, testLogger())
	require.NoError(t, err)
	_, err = c.Poll(context.Background(), transport.Request{})
	require.Error(t, err)
	assert.Equal(t, transport.KindNetwork, transport.KindOf(err))
}

func TestPollCanceledWhileHeld(t *testing.T) {
	release := make(chan struct{})
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	c, err := New(Config{Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Poll(ctx, transport.Request{})
	require.Error(t, err)
	assert.Equal(t, transport.KindCanceled, transport.KindOf(err))
}

func TestNewValidatesEndpoint(t *testing.T) {
	_, err := New(Config{}, testLogger())
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "ftp://example.com"}, testLogger())
	assert.Error(t, err)

	c, err := New(Config{Endpoint: "https://example.com/"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/longpolling/poll", c.url)

	c, err = New(Config{Endpoint: "https://example.com/bus/poll"}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/bus/poll", c.url)
}
