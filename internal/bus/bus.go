// Package bus implements the client side of a long-polling notification bus.
//
// A Bus keeps exactly one poll request outstanding. Each request carries the
// current channel set and the cursor (highest notification id processed).
// A successful batch is dispatched to listeners in order and the next poll is
// issued immediately; a failed poll puts the loop into backoff for a fixed
// delay. Failures never stop the loop.
package bus

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"imbus/internal/eventbus"
	"imbus/internal/metrics"
	"imbus/internal/transport"
	logx "imbus/pkg/logx"
)

// DefaultErrorDelay is the backoff after a failed poll.
const DefaultErrorDelay = 30 * time.Second

// ErrAlreadyRunning is returned by Run when another Run is active on the same Bus.
var ErrAlreadyRunning = errors.New("bus: poll loop already running")

// Bus is a long-poll client. Its methods are safe for concurrent use.
type Bus struct {
	tr      transport.Transport
	log     logx.Logger
	events  eventbus.Bus
	failLog *logx.Sampler

	errorDelay time.Duration
	dropStale  bool
	limiter    *rate.Limiter

	channels *channelSet
	disp     *dispatcher

	optMu   sync.Mutex
	options map[string]any

	cursor  atomic.Int64
	state   atomic.Int32
	running atomic.Bool
	polls   atomic.Uint64
}

// Option configures a Bus in New.
type Option func(*Bus)

// WithErrorDelay sets the backoff after a failed poll. Values <= 0 keep the default.
func WithErrorDelay(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.errorDelay = d
		}
	}
}

// WithOptions sets the initial "options" field sent with every request.
func WithOptions(opts map[string]any) Option {
	return func(b *Bus) { b.options = maps.Clone(opts) }
}

func WithLogger(log logx.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithEvents publishes state and channel changes on ev.
func WithEvents(ev eventbus.Bus) Option {
	return func(b *Bus) { b.events = ev }
}

// WithMinInterval spaces successive polls at least d apart. It only matters
// when a server answers immediately with empty batches. 0 disables it.
func WithMinInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithDropStale drops notifications whose id is not above the cursor at the
// time they are received. By default they are delivered.
func WithDropStale(enabled bool) Option {
	return func(b *Bus) { b.dropStale = enabled }
}

// WithChannels seeds the channel set.
func WithChannels(ids ...string) Option {
	return func(b *Bus) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				b.channels.add(id)
			}
		}
	}
}

// New returns an idle bus. Call Run to start polling.
func New(tr transport.Transport, opts ...Option) *Bus {
	b := &Bus{
		tr:         tr,
		errorDelay: DefaultErrorDelay,
		channels:   newChannelSet(),
		options:    map[string]any{},
	}
	for _, o := range opts {
		o(b)
	}
	if b.log.IsZero() {
		b.log = logx.Nop()
	}
	if b.options == nil {
		b.options = map[string]any{}
	}
	b.disp = &dispatcher{log: b.log}
	b.failLog = logx.NewSampler(5*time.Minute, 3)
	b.state.Store(int32(StatePolling))
	metrics.Channels.Set(float64(b.channels.len()))
	return b
}

// AddChannel subscribes to id. It takes effect on the next poll request.
func (b *Bus) AddChannel(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if b.channels.add(id) {
		b.channelsChanged("add", id)
	}
}

// DeleteChannel unsubscribes from id. It takes effect on the next poll request.
func (b *Bus) DeleteChannel(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if b.channels.remove(id) {
		b.channelsChanged("delete", id)
	}
}

func (b *Bus) Channels() []string { return b.channels.snapshot() }

// SetOption sets one key of the request "options" field. A nil value removes it.
func (b *Bus) SetOption(key string, value any) {
	b.optMu.Lock()
	defer b.optMu.Unlock()
	if value == nil {
		delete(b.options, key)
		return
	}
	b.options[key] = value
}

// Subscribe registers a listener for delivered notifications.
func (b *Bus) Subscribe(fn Listener) (unsubscribe func()) { return b.disp.subscribe(fn) }

func (b *Bus) Cursor() int64 { return b.cursor.Load() }

// Active is true while a poll is in flight or about to be issued, false
// while waiting out a backoff.
func (b *Bus) Active() bool { return b.State() == StatePolling }

func (b *Bus) State() State { return State(b.state.Load()) }

func (b *Bus) ErrorDelay() time.Duration { return b.errorDelay }

// Status is a point-in-time view for health output.
type Status struct {
	Running   bool     `json:"running"`
	Active    bool     `json:"active"`
	State     string   `json:"state"`
	Cursor    int64    `json:"cursor"`
	Channels  []string `json:"channels"`
	Listeners int      `json:"listeners"`
	Polls     uint64   `json:"polls"`
}

func (b *Bus) Status() Status {
	st := b.State()
	return Status{
		Running:   b.running.Load(),
		Active:    st == StatePolling,
		State:     st.String(),
		Cursor:    b.Cursor(),
		Channels:  b.Channels(),
		Listeners: b.disp.count(),
		Polls:     b.polls.Load(),
	}
}

// Run drives the poll loop until ctx is canceled, then returns ctx.Err().
// Only one Run may be active per Bus; a second call returns ErrAlreadyRunning.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	b.log.Info("poll loop started",
		logx.Strings("channels", b.Channels()),
		logx.Int64("last", b.Cursor()),
		logx.Duration("error_delay", b.errorDelay),
	)
	defer b.log.Info("poll loop stopped", logx.Int64("last", b.Cursor()))

	for {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		b.setState(StatePolling, nil)
		err := b.pollOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}

		b.setState(StateBackoff, err)
		b.logFailure(err)

		t := time.NewTimer(b.errorDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Bus) request() transport.Request {
	b.optMu.Lock()
	opts := maps.Clone(b.options)
	b.optMu.Unlock()
	return transport.Request{
		Channels: b.channels.snapshot(),
		Last:     b.cursor.Load(),
		Options:  opts,
	}
}

func (b *Bus) pollOnce(ctx context.Context) error {
	req := b.request()
	b.log.Trace("poll", logx.Strings("channels", req.Channels), logx.Int64("last", req.Last))

	started := time.Now()
	batch, err := b.tr.Poll(ctx, req)
	b.polls.Add(1)
	if err != nil {
		metrics.ObservePoll(string(transport.KindOf(err)), time.Since(started))
		return err
	}
	metrics.ObservePoll("ok", time.Since(started))

	b.dispatchBatch(batch)
	return nil
}

// dispatchBatch delivers in arrival order and advances the cursor to the
// maximum id seen. Ids may arrive unsorted; the cursor never moves back.
func (b *Bus) dispatchBatch(batch []transport.Notification) {
	for _, n := range batch {
		cur := b.cursor.Load()
		if b.dropStale && n.ID <= cur {
			metrics.NotificationsStale.Inc()
			b.log.Debug("stale notification dropped",
				logx.Int64("id", n.ID), logx.Int64("cursor", cur), logx.String("channel", n.Channel))
			continue
		}
		b.disp.deliver(n.Channel, n.Payload)
		if n.ID > cur {
			b.cursor.Store(n.ID)
		}
	}
	if len(batch) > 0 {
		metrics.Cursor.Set(float64(b.cursor.Load()))
	}
}

func (b *Bus) logFailure(err error) {
	fields := []logx.Field{
		logx.String("kind", string(transport.KindOf(err))),
		logx.Err(err),
		logx.Duration("retry_in", b.errorDelay),
	}
	if ok, suppressed := b.failLog.Allow(); ok {
		if suppressed > 0 {
			fields = append(fields, logx.Uint64("suppressed", suppressed))
		}
		b.log.Warn("poll failed; backing off", fields...)
		return
	}
	b.log.Debug("poll failed; backing off", fields...)
}

func (b *Bus) channelsChanged(op, id string) {
	n := b.channels.len()
	metrics.Channels.Set(float64(n))
	b.log.Debug("channel "+op, logx.String("channel", id), logx.Int("count", n))
	if b.events != nil {
		b.events.Publish(eventbus.Event{
			Type: eventbus.TypeChannelsChanged,
			Data: ChannelChange{Op: op, Channel: id},
		})
	}
}
