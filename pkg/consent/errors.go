package consent

import (
	"errors"
	"fmt"
)

// Kind classifies protocol errors. Every operation in the core returns one of
// these kinds; the hosting transport maps them to wire status codes.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindInvalidState     Kind = "INVALID_STATE"
	KindForbidden        Kind = "FORBIDDEN"
	KindConflict         Kind = "CONFLICT"
	KindInvalidSignature Kind = "INVALID_SIGNATURE"
	KindScopeExceeded    Kind = "SCOPE_EXCEEDED"
	KindExpired          Kind = "EXPIRED"
	KindAlreadyUsed      Kind = "ALREADY_USED"
	KindLockContention   Kind = "LOCK_CONTENTION"
	KindChainBroken      Kind = "CHAIN_BROKEN"
)

// Error is a typed protocol error. No exceptions cross component boundaries;
// everything is a value of this type or an ordinary wrapped infrastructure
// error.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether the caller may retry the request. Only lock
// contention is recoverable; the core never retries internally.
func (e *Error) Retryable() bool {
	return e.Kind == KindLockContention
}

// Errorf builds a typed error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the protocol error kind from err, or "" if err carries
// none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given protocol error kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
