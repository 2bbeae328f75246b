package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// Request is the payload of one long-poll call.
type Request struct {
	Channels []string       `json:"channels"`
	Last     int64          `json:"last"`
	Options  map[string]any `json:"options"`
}

// Notification is a single server message. On the wire it is the triple
// [id, channel, message].
type Notification struct {
	ID      int64
	Channel string
	Payload json.RawMessage
}

func (n Notification) MarshalJSON() ([]byte, error) {
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal([]any{n.ID, n.Channel, payload})
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("notification: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("notification: want 3 elements, got %d", len(raw))
	}

	var out Notification
	if err := json.Unmarshal(raw[0], &out.ID); err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	if err := json.Unmarshal(raw[1], &out.Channel); err != nil {
		return fmt.Errorf("notification channel: %w", err)
	}
	out.Payload = json.RawMessage(bytes.Clone(raw[2]))
	*n = out
	return nil
}

// Transport performs one long-poll call. A nil error means the batch is
// valid (possibly empty). Implementations must not apply a local timeout;
// the server decides how long to hold the call.
type Transport interface {
	Poll(ctx context.Context, req Request) ([]Notification, error)
}

// Func adapts a plain function to Transport.
type Func func(ctx context.Context, req Request) ([]Notification, error)

func (f Func) Poll(ctx context.Context, req Request) ([]Notification, error) { return f(ctx, req) }
