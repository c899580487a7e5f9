package schedule

import (
	"errors"
	"fmt"

	"github.com/jw6ventures/orca/internal/protocol"
	"github.com/jw6ventures/orca/internal/store"
)

// Kind classifies engine failures.
type Kind int

const (
	KindInvalid Kind = iota + 1
	KindNotFound
	KindExpired
	KindConflict
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not found"
	case KindExpired:
		return "expired"
	case KindConflict:
		return "conflict"
	case KindStore:
		return "store"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Status maps a kind to the response status sent to clients.
func (k Kind) Status() protocol.Status {
	switch k {
	case KindInvalid, KindConflict:
		return protocol.StatusInvalid
	case KindNotFound:
		return protocol.StatusNotFound
	case KindExpired:
		return protocol.StatusExpired
	default:
		return protocol.StatusServerError
	}
}

// Error is returned by every Engine operation that fails. Row, when set, is
// the authoritative stored row the client should reconcile against.
type Error struct {
	Kind Kind
	Op   string
	Row  *store.Activity
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, row *store.Activity, err error) *Error {
	return &Error{Kind: kind, Op: op, Row: row, Err: err}
}

// KindOf returns the kind of err. Errors not produced by the engine are
// treated as store failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// RowOf returns the row attached to err, if any.
func RowOf(err error) *store.Activity {
	var e *Error
	if errors.As(err, &e) {
		return e.Row
	}
	return nil
}
