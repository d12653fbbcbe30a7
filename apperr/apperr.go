// Package apperr defines the error taxonomy shared by the marketplace
// packages. Every error that reaches the HTTP layer carries a Kind, which
// decides the status code and whether the message is safe to show.
package apperr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthorization
	KindForbidden
	KindNotFound
	KindConflict
	KindInsufficientFunds
	KindInsufficientInventory
	KindPersistence
	KindNotification
)

var kindNames = map[Kind]string{
	KindInternal:              "internal",
	KindValidation:            "validation",
	KindAuthorization:         "authorization",
	KindForbidden:             "forbidden",
	KindNotFound:              "not_found",
	KindConflict:              "conflict",
	KindInsufficientFunds:     "insufficient_funds",
	KindInsufficientInventory: "insufficient_inventory",
	KindPersistence:           "persistence",
	KindNotification:          "notification",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrNotFound is returned (wrapped) by stores for missing rows.
var ErrNotFound = errors.New("not found")

var (
	ErrMPINNotConfigured = &Error{Kind: KindAuthorization, Msg: "mpin is not configured for this account"}
	ErrInvalidCredential = &Error{Kind: KindAuthorization, Msg: "invalid mpin"}
)

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...), Err: ErrNotFound}
}

func Persistence(err error, format string, args ...any) error {
	return Wrap(KindPersistence, err, format, args...)
}

// KindOf reports the kind of the outermost *Error in the chain. Bare
// ErrNotFound maps to KindNotFound; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// Message returns the user-facing text for err. Internal and persistence
// faults are reduced to a generic message.
func Message(err error) string {
	switch KindOf(err) {
	case KindInternal, KindPersistence:
		return "internal error"
	}
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return err.Error()
}
