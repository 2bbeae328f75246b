package bus

import (
	"encoding/json"
	"runtime/debug"
	"sync"

	"imbus/internal/metrics"
	logx "imbus/pkg/logx"
)

// Listener receives one notification. The server id is not exposed.
//
// Listeners run on the poll goroutine: a slow listener delays the next poll.
type Listener func(channel string, payload json.RawMessage)

type listenerEntry struct {
	id uint64
	fn Listener
}

// dispatcher delivers notifications to listeners synchronously, in
// registration order. A panicking listener is isolated from the rest.
type dispatcher struct {
	log logx.Logger

	mu        sync.RWMutex
	seq       uint64
	listeners []listenerEntry
}

func (d *dispatcher) subscribe(fn Listener) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	d.seq++
	id := d.seq
	d.listeners = append(d.listeners, listenerEntry{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			for i, l := range d.listeners {
				if l.id == id {
					d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

func (d *dispatcher) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

func (d *dispatcher) deliver(channel string, payload json.RawMessage) {
	d.mu.RLock()
	ls := d.listeners
	d.mu.RUnlock()

	for _, l := range ls {
		d.call(l, channel, payload)
	}
	metrics.NotificationsDelivered.Inc()
}

func (d *dispatcher) call(l listenerEntry, channel string, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerPanics.Inc()
			d.log.Error("listener panicked",
				logx.Uint64("listener", l.id),
				logx.String("channel", channel),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	l.fn(channel, payload)
}
