// Package jsonrpc implements transport.Transport as a JSON-RPC 2.0 call over
// HTTP POST, the format served by /longpolling/poll endpoints.
package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"imbus/internal/transport"
	logx "imbus/pkg/logx"
)

const (
	DefaultPath = "/longpolling/poll"

	defaultDialTimeout    = 10 * time.Second
	defaultIdleConnTimout = 90 * time.Second
	opPoll                = "poll"

	// DefaultMaxResponseBytes caps a poll response body unless Config overrides it.
	DefaultMaxResponseBytes int64 = 16 << 20
)

type Config struct {
	// Endpoint is the full poll URL. If it has no path, DefaultPath is used.
	Endpoint string
	// Headers are sent with every call (e.g. a session cookie).
	Headers map[string]string
	// HTTPClient overrides the default client. It must not set Timeout.
	HTTPClient *http.Client
	// MaxResponseBytes bounds the response body. 0 means DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

type Client struct {
	url      string
	headers  http.Header
	http     *http.Client
	maxBytes int64
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("jsonrpc: endpoint is empty")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("jsonrpc: endpoint scheme must be http or https, got %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	h := make(http.Header, len(cfg.Headers))
	for k, v := range cfg.Headers {
		h.Set(k, v)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = newLongPollClient()
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes < 0 {
		return nil, fmt.Errorf("jsonrpc: max response bytes must not be negative, got %d", maxBytes)
	}
	if maxBytes == 0 {
		maxBytes = DefaultMaxResponseBytes
	}
	return &Client{url: u.String(), headers: h, http: hc, maxBytes: maxBytes, log: log}, nil
}

// newLongPollClient returns a client without an overall timeout: the server
// holds the request until it has data. Only connection setup is bounded.
func newLongPollClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       defaultIdleConnTimout,
			TLSHandshakeTimeout:   defaultDialTimeout,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// Close drops idle keep-alive connections. In-flight polls are not affected.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  transport.Request `json:"params"`
	ID      string            `json:"id"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// errResponseTooLarge marks a body that exceeded the configured cap.
var errResponseTooLarge = errors.New("response too large")

// errNoResult marks a reply carrying neither "result" nor "error".
var errNoResult = errors.New(`reply has neither "result" nor "error"`)

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) Poll(ctx context.Context, req transport.Request) ([]transport.Notification, error) {
	if req.Channels == nil {
		req.Channels = []string{}
	}
	if req.Options == nil {
		req.Options = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "call", Params: req, ID: uuid.NewString()})
	if err != nil {
		return nil, transport.NewError(transport.KindMalformed, opPoll, err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, transport.NewError(transport.KindNetwork, opPoll, err)
	}
	for k, vs := range c.headers {
		hreq.Header[k] = vs
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.NewError(transport.KindCanceled, opPoll, ctx.Err())
		}
		return nil, transport.NewError(transport.KindNetwork, opPoll, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, transport.NewError(transport.KindCanceled, opPoll, ctx.Err())
		}
		return nil, transport.NewError(transport.KindNetwork, opPoll, err)
	}
	if int64(len(raw)) > c.maxBytes {
		return nil, transport.NewError(transport.KindMalformed, opPoll,
			fmt.Errorf("%w: exceeds %d bytes (http status %d)", errResponseTooLarge, c.maxBytes, resp.StatusCode))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, transport.NewError(transport.KindServer, opPoll,
			fmt.Errorf("http status %d: %s", resp.StatusCode, snippet(raw)))
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, transport.NewError(transport.KindMalformed, opPoll, err)
	}
	if out.Error != nil {
		return nil, transport.NewError(transport.KindServer, opPoll,
			fmt.Errorf("rpc error %d: %s", out.Error.Code, out.Error.Message))
	}

	// A missing result is malformed; an explicit null is an empty batch.
	if len(out.Result) == 0 {
		return nil, transport.NewError(transport.KindMalformed, opPoll, errNoResult)
	}
	var batch []transport.Notification
	if !bytes.Equal(bytes.TrimSpace(out.Result), []byte("null")) {
		if err := json.Unmarshal(out.Result, &batch); err != nil {
			return nil, transport.NewError(transport.KindMalformed, opPoll, err)
		}
	}
	c.log.Trace("poll returned", logx.Int("count", len(batch)), logx.Int64("last", req.Last))
	return batch, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= 200 {
		return s
	}
	cut := 197
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
