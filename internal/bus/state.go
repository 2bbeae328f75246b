package bus

import (
	"imbus/internal/eventbus"
	"imbus/internal/metrics"
)

// State of the poll loop. There is no terminal state.
type State int32

const (
	StatePolling State = iota
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// StateChange is the payload of eventbus.TypeBusState events.
type StateChange struct {
	From State
	To   State
	Err  string
}

// ChannelChange is the payload of eventbus.TypeChannelsChanged events.
type ChannelChange struct {
	Op      string // "add" or "delete"
	Channel string
}

func (b *Bus) setState(to State, cause error) {
	from := State(b.state.Swap(int32(to)))
	metrics.SetActive(to == StatePolling)
	if from == to || b.events == nil {
		return
	}
	sc := StateChange{From: from, To: to}
	if cause != nil {
		sc.Err = cause.Error()
	}
	b.events.Publish(eventbus.Event{Type: eventbus.TypeBusState, Data: sc})
}
