package imap

import (
	"context"
	"errors"
	"strings"
)

// Kind classifies a failure so callers can decide what to tell the user
// without parsing error strings.
type Kind string

const (
	KindConnection         Kind = "connection"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindRejected           Kind = "rejected"
	KindProtocol           Kind = "protocol"
	KindTimeout            Kind = "timeout"
	KindUsage              Kind = "usage"
)

// Error is the single error type returned by this package.
type Error struct {
	Kind Kind
	// Op is the command or phase that failed, e.g. "LOGIN" or "connect".
	Op  string
	Msg string
	// Raw holds the offending server line for protocol errors.
	Raw string
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("imap")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind when target carries no Op or Msg,
// which makes the package sentinels usable with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Kind == e.Kind
}

var (
	ErrConnection         = &Error{Kind: KindConnection}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrRejected           = &Error{Kind: KindRejected}
	ErrProtocol           = &Error{Kind: KindProtocol}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrUsage              = &Error{Kind: KindUsage}
)

// KindOf returns the Kind of err, or "" when err did not come from this
// package. A bare context deadline counts as a timeout.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return ""
}

// IsInvalidCredentials reports whether err means the server refused the
// login.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

func protocolError(op, msg, raw string) *Error {
	return &Error{Kind: KindProtocol, Op: op, Msg: msg, Raw: raw}
}

func usageError(op, msg string) *Error {
	return &Error{Kind: KindUsage, Op: op, Msg: msg}
}
