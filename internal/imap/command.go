package imap

import (
	"fmt"
	"strings"
	"time"
)

// searchDateLayout is the IMAP date format used by SEARCH SINCE.
const searchDateLayout = "02-Jan-2006"

// arg is one command argument. Literal arguments are sent as {n} followed
// by a continuation round trip.
type arg struct {
	text    string
	literal bool
	// secret arguments are never logged.
	secret bool
}

func atom(s string) arg { return arg{text: s} }

// astring encodes s as a quoted string, or as a literal when it carries
// 8-bit bytes. CR, LF and NUL cannot be sent in either form.
func astring(op, s string) (arg, error) {
	literal := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\r' || c == '\n' || c == 0:
			return arg{}, usageError(op, "argument contains CR, LF or NUL")
		case c >= 0x80:
			literal = true
		}
	}
	if literal {
		return arg{text: s, literal: true}, nil
	}
	return arg{text: quote(s)}, nil
}

// quote wraps s in double quotes, escaping backslash and double quote.
func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

func searchDate(t time.Time) string {
	return t.Format(searchDateLayout)
}

func formatTag(n int) string {
	return fmt.Sprintf("A%03d", n)
}
