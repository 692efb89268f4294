package imap

import (
	"bytes"
	"strconv"
	"strings"
)

// maxLiteral bounds a single server literal. Header-only fetches never come
// close; anything larger is treated as a broken stream.
const maxLiteral = 16 << 20

// Literal is a {n}-prefixed payload cut out of a response line.
type Literal struct {
	// Offset is the position in Line.Text where the literal appeared.
	Offset int
	Data   []byte
}

// Line is one logical server response. Literal payloads are removed from
// Text and kept in order in Literals.
type Line struct {
	Text     string
	Literals []Literal
}

// scanLine parses the first complete logical line in buf. It returns the
// number of bytes consumed, or 0 when buf does not hold a full line yet.
// On untagged data lines a physical line ending in "{n}" continues after n
// literal bytes. Tagged, continuation and status lines end with free text,
// where "{n}" is just text.
func scanLine(buf []byte) (Line, int, error) {
	var (
		line Line
		text []byte
		pos  int
	)
	for {
		nl := bytes.IndexByte(buf[pos:], '\n')
		if nl < 0 {
			return Line{}, 0, nil
		}
		seg := bytes.TrimSuffix(buf[pos:pos+nl], []byte{'\r'})
		if pos == 0 && !carriesLiterals(seg) {
			line.Text = string(seg)
			return line, nl + 1, nil
		}
		pos += nl + 1

		n, ok, err := literalSize(seg)
		if err != nil {
			return Line{}, 0, err
		}
		text = append(text, seg...)
		if !ok {
			line.Text = string(text)
			return line, pos, nil
		}
		if len(buf)-pos < n {
			return Line{}, 0, nil
		}
		line.Literals = append(line.Literals, Literal{
			Offset: len(text),
			Data:   append([]byte(nil), buf[pos:pos+n]...),
		})
		pos += n
	}
}

// statusWords are untagged responses whose remainder is resp-text.
var statusWords = map[string]bool{"OK": true, "NO": true, "BAD": true, "BYE": true, "PREAUTH": true}

// carriesLiterals reports whether the first physical line of a response may
// continue with a literal: only untagged data such as FETCH or SEARCH can.
func carriesLiterals(first []byte) bool {
	rest, ok := bytes.CutPrefix(first, []byte("* "))
	if !ok {
		return false
	}
	word, _, _ := bytes.Cut(rest, []byte{' '})
	return !statusWords[strings.ToUpper(string(word))]
}

// literalSize reports whether seg ends with a literal marker and its size.
// Both the synchronizing "{n}" and non-synchronizing "{n+}" forms are read.
func literalSize(seg []byte) (int, bool, error) {
	if len(seg) < 3 || seg[len(seg)-1] != '}' {
		return 0, false, nil
	}
	open := bytes.LastIndexByte(seg, '{')
	if open < 0 {
		return 0, false, nil
	}
	digits := seg[open+1 : len(seg)-1]
	digits = bytes.TrimSuffix(digits, []byte{'+'})
	if len(digits) == 0 {
		return 0, false, nil
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false, nil
		}
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil || n > maxLiteral {
		return 0, false, protocolError("read", "literal size out of range", string(seg))
	}
	return n, true, nil
}

// splitLines parses every complete line in buf.
func splitLines(buf []byte) ([]Line, error) {
	var lines []Line
	for len(buf) > 0 {
		line, n, err := scanLine(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, protocolError("read", "truncated response", string(buf))
		}
		lines = append(lines, line)
		buf = buf[n:]
	}
	return lines, nil
}

// untilLine completes after the first line for which match returns true.
func untilLine(match func(text string) bool) func([]byte) (int, error) {
	return func(buf []byte) (int, error) {
		off := 0
		for {
			line, n, err := scanLine(buf[off:])
			if err != nil || n == 0 {
				return 0, err
			}
			off += n
			if match(line.Text) {
				return off, nil
			}
		}
	}
}

// untilTagged completes after the line carrying tag.
func untilTagged(tag string) func([]byte) (int, error) {
	prefix := tag + " "
	return untilLine(func(text string) bool {
		return strings.HasPrefix(text, prefix)
	})
}

// untilContinuation completes on a "+" continuation request or, when the
// server refuses the literal, on the tagged completion.
func untilContinuation(tag string) func([]byte) (int, error) {
	prefix := tag + " "
	return untilLine(func(text string) bool {
		return strings.HasPrefix(text, "+") || strings.HasPrefix(text, prefix)
	})
}

// anyLine completes after one full line. Used for the greeting.
func anyLine(buf []byte) (int, error) {
	_, n, err := scanLine(buf)
	return n, err
}
