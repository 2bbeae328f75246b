package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
bus:
  endpoint: http://127.0.0.1:8069
  error_delay: 5s
  channels: [chan1, "db,res.partner,3"]
  options:
    bus_inactivity: 0
  headers:
    Cookie: session_id=secret
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
`

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("imbus.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8069", cfg.Bus.Endpoint)
	assert.Equal(t, []string{"chan1", "db,res.partner,3"}, cfg.Bus.Channels)
	assert.EqualValues(t, 0, cfg.Bus.Options["bus_inactivity"])
	assert.Equal(t, "debug", cfg.Logging.Level)

	s, err := cfg.Bus.Settings()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.ErrorDelay)
	assert.Zero(t, s.MinPollInterval)
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"bus":{"endpoint":"http://x","timeout":"1s"}}`))
	assert.Error(t, err)

	for _, trailing := range []string{`{"bus":{}} {"bus":{}}`, `{"bus":{}} 42`, `{"bus":{}} }`} {
		_, err = Decode("c.json", []byte(trailing))
		require.Error(t, err, trailing)
		assert.Contains(t, err.Error(), "trailing", trailing)
	}

	cfg, err := Decode("c.json", []byte("{\"bus\":{\"endpoint\":\"http://x\"}}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://x", cfg.Bus.Endpoint)
}

func TestBusSettingsDefaultsAndErrors(t *testing.T) {
	s, err := BusConfig{Endpoint: "https://erp.example.com/longpolling/poll"}.Settings()
	require.NoError(t, err)
	assert.Equal(t, DefaultErrorDelay, s.ErrorDelay)

	_, err = BusConfig{}.Settings()
	assert.Error(t, err)
	_, err = BusConfig{Endpoint: "erp.example.com"}.Settings()
	assert.Error(t, err)
	_, err = BusConfig{Endpoint: "http://x", ErrorDelay: "-1s"}.Settings()
	assert.Error(t, err)
	_, err = BusConfig{Endpoint: "http://x", ErrorDelay: "soon"}.Settings()
	assert.Error(t, err)
	_, err = BusConfig{Endpoint: "http://x", Channels: []string{"a", " "}}.Settings()
	assert.Error(t, err)
	_, err = BusConfig{Endpoint: "http://x", MaxResponseBytes: -1}.Settings()
	assert.Error(t, err)

	s, err = BusConfig{Endpoint: "http://x", MaxResponseBytes: 1 << 20}.Settings()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<20, s.MaxResponseBytes)
}

func TestValidate(t *testing.T) {
	cfg := &Config{Bus: BusConfig{Endpoint: "http://x"}}
	require.NoError(t, Validate(cfg))

	cfg.Logging.Level = "loud"
	assert.Error(t, Validate(cfg))

	cfg.Logging.Level = "warn"
	cfg.Ops.Addr = "no-port"
	assert.Error(t, Validate(cfg))
	assert.Error(t, Validate(nil))
}

func TestOpsSettingsRequiresTokenOffLoopback(t *testing.T) {
	s, err := OpsConfig{Enabled: true}.Settings()
	require.NoError(t, err)
	assert.Equal(t, DefaultOpsAddr, s.Addr)
	assert.Equal(t, 10*time.Second, s.ReadTimeout)

	_, err = OpsConfig{Enabled: true, Addr: ":9464"}.Settings()
	assert.Error(t, err)
	_, err = OpsConfig{Enabled: true, Addr: "0.0.0.0:9464", Token: "t"}.Settings()
	assert.NoError(t, err)
	// A disabled server is not checked for exposure.
	_, err = OpsConfig{Addr: ":9464"}.Settings()
	assert.NoError(t, err)

	assert.True(t, IsLoopbackHost("localhost"))
	assert.True(t, IsLoopbackHost("::1"))
	assert.False(t, IsLoopbackHost(""))
}

func TestDiffChannels(t *testing.T) {
	added, removed := DiffChannels([]string{"a", "b", "c"}, []string{"c", "d", "d", " ", "a"})
	assert.Equal(t, []string{"d"}, added)
	assert.Equal(t, []string{"b"}, removed)

	added, removed = DiffChannels(nil, nil)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Bus: BusConfig{Endpoint: "http://x", Channels: []string{"a"}, Headers: map[string]string{"Cookie": "1"}}}
	newCfg := &Config{
		Bus:     BusConfig{Endpoint: "http://x", Channels: []string{"b"}, Headers: map[string]string{"Cookie": "2"}},
		Logging: LoggingConfig{Level: "debug"},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"bus", "channels", "logging"}, sections)
	assert.NotEmpty(t, attrs)

	sections, _ = SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, sections)
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestManagerWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imbus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })

	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is rejected and never published.
	bad := strings.Replace(sampleYAML, "level: debug", "level: loud", 1)
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o600))
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg.Logging)
	case <-time.After(600 * time.Millisecond):
	}

	good := strings.Replace(sampleYAML, "[chan1, ", "[chan2, ", 1)
	require.NoError(t, os.WriteFile(path, []byte(good), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, []string{"chan2", "db,res.partner,3"}, cfg.Bus.Channels)
		assert.Equal(t, cfg, m.Get())
	case <-time.After(3 * time.Second):
		t.Fatal("config change not published")
	}
}
