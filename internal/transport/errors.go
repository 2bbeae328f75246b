package transport

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failed poll. Every kind is transient for the bus; the
// distinction only feeds logs and metrics.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindServer    Kind = "server"
	KindMalformed Kind = "malformed"
	KindCanceled  Kind = "canceled"
)

// Error is the typed failure returned by transports.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies err. Unknown errors count as network failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) && te.Kind != "" {
		return te.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}
	return KindNetwork
}
