package config

type Config struct {
	Bus     BusConfig     `json:"bus"`
	Logging LoggingConfig `json:"logging"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

// BusConfig controls the long-poll client.
//
// Durations are Go duration strings (e.g. "500ms", "30s").
//
// Defaults (when fields are omitted/zero):
//   - error_delay: "30s"
//   - min_poll_interval: "0s" (disabled)
//   - drop_stale: false (notifications at or below the cursor are still delivered)
//   - max_response_bytes: 16 MiB
type BusConfig struct {
	// Endpoint is the poll URL, e.g. "https://erp.example.com/longpolling/poll".
	Endpoint string `json:"endpoint"`

	ErrorDelay      string `json:"error_delay,omitempty"`
	MinPollInterval string `json:"min_poll_interval,omitempty"`

	// Channels subscribed at startup. Hot reload adds/removes the difference.
	Channels []string `json:"channels,omitempty"`

	// Options is sent verbatim as the request "options" field.
	Options map[string]any `json:"options,omitempty"`

	DropStale bool `json:"drop_stale,omitempty"`

	// MaxResponseBytes caps one poll response body.
	MaxResponseBytes int64 `json:"max_response_bytes,omitempty"`

	// Headers are attached to every poll request (never logged).
	Headers map[string]string `json:"headers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsConfig controls the optional operational HTTP server (/metrics, /healthz, pprof).
//
// Prefer binding to localhost (the default "127.0.0.1:9464"). A non-loopback
// addr requires Token; requests then need "Authorization: Bearer <token>".
type OpsConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"`
	Token       string `json:"token,omitempty"`
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
	Pprof       bool   `json:"pprof,omitempty"`
}
