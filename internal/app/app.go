package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"imbus/internal/bus"
	"imbus/internal/config"
	"imbus/internal/eventbus"
	"imbus/internal/observability/ops"
	rtsup "imbus/internal/runtime/supervisor"
	"imbus/internal/transport"
	"imbus/internal/transport/jsonrpc"
	logx "imbus/pkg/logx"
)

type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	events eventbus.Bus

	client *jsonrpc.Client
	bus    *bus.Bus
	ops    *ops.Server

	// pinned channels come from the command line and survive config reloads.
	pinned map[string]struct{}
}

type Option func(*options)

type options struct {
	channels  []string
	transport transport.Transport
}

// WithChannels subscribes to extra channels that are not in the config file.
func WithChannels(ids ...string) Option {
	return func(o *options) { o.channels = append(o.channels, ids...) }
}

// WithTransport replaces the JSON-RPC client built from bus.endpoint.
func WithTransport(tr transport.Transport) Option {
	return func(o *options) { o.transport = tr }
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	busCfg, _ := cfg.Bus.Settings()
	opsCfg, _ := cfg.Ops.Settings()

	logSvc, log := logx.New(logConfig(cfg))
	events := eventbus.New()

	a := &App{
		cfgm:   cfgm,
		log:    log.With(logx.String("comp", "app")),
		logs:   logSvc,
		events: events,
		pinned: map[string]struct{}{},
	}

	tr := o.transport
	if tr == nil {
		a.client, err = jsonrpc.New(jsonrpc.Config{
			Endpoint: busCfg.Endpoint,
			Headers:  busCfg.Headers,

			MaxResponseBytes: busCfg.MaxResponseBytes,
		}, log.With(logx.String("comp", "jsonrpc")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		tr = a.client
	}

	channels := append([]string(nil), busCfg.Channels...)
	for _, id := range o.channels {
		a.pinned[id] = struct{}{}
		channels = append(channels, id)
	}
	a.bus = bus.New(tr,
		bus.WithLogger(log.With(logx.String("comp", "bus"))),
		bus.WithEvents(events),
		bus.WithErrorDelay(busCfg.ErrorDelay),
		bus.WithMinInterval(busCfg.MinPollInterval),
		bus.WithDropStale(busCfg.DropStale),
		bus.WithOptions(busCfg.Options),
		bus.WithChannels(channels...),
	)
	a.ops = ops.New(mapOpsConfig(opsCfg), a.health, log.With(logx.String("comp", "ops")))
	return a, nil
}

// Bus exposes the notification bus so callers can subscribe listeners and
// manage channels at runtime.
func (a *App) Bus() *bus.Bus { return a.bus }

// Events is the in-process event stream (bus state and channel changes).
func (a *App) Events() eventbus.Bus { return a.events }

// OpsAddr is the bound address of the ops server, or "" when disabled.
func (a *App) OpsAddr() string { return a.ops.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return config.Validate(cfg) })

	a.ops.Start(a.sup.Context())

	// The poll loop only returns on cancel; anything else is a bug worth restarting.
	a.sup.GoRestart("bus.poll", a.bus.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	unsubDelivery := a.bus.Subscribe(a.logDelivery)
	a.sup.Go0("bus.debug", func(c context.Context) {
		<-c.Done()
		unsubDelivery()
	})

	events, unsub := a.events.Subscribe(64)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Strings("channels", a.bus.Channels()),
		logx.Duration("error_delay", a.bus.ErrorDelay()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the in-flight poll and every loop start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 3*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	if a.client != nil {
		a.client.Close()
	}

	a.log.Info("stopped", logx.Int64("last", a.bus.Cursor()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

type healthDoc struct {
	Status     string          `json:"status"`
	Bus        bus.Status      `json:"bus"`
	Supervisor rtsup.Snapshot  `json:"supervisor"`
	Ops        *rtsup.Snapshot `json:"ops,omitempty"`
}

// health is unhealthy when the poll loop is not running. Backoff alone is
// reported but still healthy: the loop retries on its own.
func (a *App) health() (bool, any) {
	st := a.bus.Status()
	doc := healthDoc{Status: "ok", Bus: st, Supervisor: a.sup.Snapshot()}
	if sup := a.ops.Supervisor(); sup != nil {
		snap := sup.Snapshot()
		doc.Ops = &snap
	}
	switch {
	case !st.Running:
		doc.Status = "down"
	case !st.Active:
		doc.Status = "degraded"
	}
	return st.Running, doc
}

func (a *App) logDelivery(channel string, payload json.RawMessage) {
	if !a.log.Enabled(logx.LevelDebug) {
		return
	}
	a.log.Debug("notification", logx.String("channel", channel), logx.Int("bytes", len(payload)))
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case bus.StateChange:
		fields := []logx.Field{logx.String("from", d.From.String()), logx.String("to", d.To.String())}
		if d.Err != "" {
			fields = append(fields, logx.String("cause", d.Err))
		}
		if d.To == bus.StatePolling {
			a.log.Info("bus retrying after backoff", fields...)
			return
		}
		a.log.Debug("bus state", fields...)
	case bus.ChannelChange:
		a.log.Debug("bus channels", logx.String("op", d.Op), logx.String("channel", d.Channel))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapOpsConfig(s config.OpsSettings) ops.Config {
	return ops.Config{
		Enabled:     s.Enabled,
		Addr:        s.Addr,
		Token:       s.Token,
		Pprof:       s.Pprof,
		ReadTimeout: s.ReadTimeout,
		IdleTimeout: s.IdleTimeout,
	}
}
