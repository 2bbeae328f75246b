package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultErrorDelay = 30 * time.Second
	DefaultOpsAddr    = "127.0.0.1:9464"
)

// BusSettings is BusConfig with durations parsed and defaults applied.
type BusSettings struct {
	Endpoint        string
	ErrorDelay      time.Duration
	MinPollInterval time.Duration
	Channels        []string
	Options         map[string]any
	DropStale       bool
	Headers         map[string]string

	// MaxResponseBytes is 0 when unset; the transport applies its default.
	MaxResponseBytes int64
}

func (c BusConfig) Settings() (BusSettings, error) {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return BusSettings{}, errors.New("bus.endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return BusSettings{}, fmt.Errorf("bus.endpoint: invalid url %q", endpoint)
	}
	errorDelay, err := ParseDurationOrDefault("bus.error_delay", c.ErrorDelay, DefaultErrorDelay)
	if err != nil {
		return BusSettings{}, err
	}
	minInterval, err := ParseDurationField("bus.min_poll_interval", c.MinPollInterval)
	if err != nil {
		return BusSettings{}, err
	}
	if c.MaxResponseBytes < 0 {
		return BusSettings{}, fmt.Errorf("bus.max_response_bytes: must not be negative, got %d", c.MaxResponseBytes)
	}
	for i, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			return BusSettings{}, fmt.Errorf("bus.channels[%d]: empty channel", i)
		}
	}
	return BusSettings{
		Endpoint:        endpoint,
		ErrorDelay:      errorDelay,
		MinPollInterval: minInterval,
		Channels:        c.Channels,
		Options:         c.Options,
		DropStale:       c.DropStale,
		Headers:         c.Headers,

		MaxResponseBytes: c.MaxResponseBytes,
	}, nil
}

// OpsSettings is OpsConfig with defaults applied.
type OpsSettings struct {
	Enabled     bool
	Addr        string
	Token       string
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	Pprof       bool
}

func (c OpsConfig) Settings() (OpsSettings, error) {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		addr = DefaultOpsAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return OpsSettings{}, fmt.Errorf("ops.addr: %w", err)
	}
	token := strings.TrimSpace(c.Token)
	if c.Enabled && token == "" && !IsLoopbackHost(host) {
		return OpsSettings{}, fmt.Errorf("ops.addr %q is not loopback; ops.token is required", addr)
	}
	rt, err := ParseDurationOrDefault("ops.read_timeout", c.ReadTimeout, 10*time.Second)
	if err != nil {
		return OpsSettings{}, err
	}
	it, err := ParseDurationOrDefault("ops.idle_timeout", c.IdleTimeout, 60*time.Second)
	if err != nil {
		return OpsSettings{}, err
	}
	return OpsSettings{Enabled: c.Enabled, Addr: addr, Token: token, ReadTimeout: rt, IdleTimeout: it, Pprof: c.Pprof}, nil
}

// IsLoopbackHost reports whether host (without port) only accepts local
// connections. An empty host binds every interface.
func IsLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Validate checks every section. It is used at startup and before a hot reload is committed.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := cfg.Bus.Settings(); err != nil {
		return err
	}
	if _, err := cfg.Ops.Settings(); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}
	return nil
}
