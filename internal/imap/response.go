package imap

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Status values of a tagged completion.
const (
	StatusOK  = "OK"
	StatusNO  = "NO"
	StatusBAD = "BAD"
)

// response is everything the server sent for one command.
type response struct {
	tag      string
	status   string
	text     string
	raw      string
	untagged []Line
}

// parseResponse splits raw into untagged lines and the tagged completion.
func parseResponse(op, tag string, raw []byte) (*response, error) {
	lines, err := splitLines(raw)
	if err != nil {
		return nil, err
	}
	resp := &response{tag: tag}
	prefix := tag + " "
	for _, line := range lines {
		if !strings.HasPrefix(line.Text, prefix) {
			if strings.HasPrefix(line.Text, "*") {
				resp.untagged = append(resp.untagged, line)
			}
			continue
		}
		status, text, _ := strings.Cut(line.Text[len(prefix):], " ")
		status = strings.ToUpper(status)
		switch status {
		case StatusOK, StatusNO, StatusBAD:
		default:
			return nil, protocolError(op, "unexpected tagged status", line.Text)
		}
		resp.status = status
		resp.text = text
		resp.raw = line.Text
		return resp, nil
	}
	return nil, protocolError(op, "missing tagged completion", string(raw))
}

// responseCode returns the bracketed code at the start of text, upper-cased,
// e.g. "AUTHENTICATIONFAILED" for "[AUTHENTICATIONFAILED] Invalid".
func responseCode(text string) string {
	if !strings.HasPrefix(text, "[") {
		return ""
	}
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return ""
	}
	code, _, _ := strings.Cut(text[1:end], " ")
	return strings.ToUpper(code)
}

// untaggedFields splits "* <a> <b> ..." into its fields after the star.
func untaggedFields(text string) []string {
	return strings.Fields(strings.TrimPrefix(text, "*"))
}

// MailboxStatus is what SELECT reports about INBOX.
type MailboxStatus struct {
	Exists      uint32
	UIDValidity uint32
}

var uidValidityRe = regexp.MustCompile(`(?i)\[UIDVALIDITY (\d+)\]`)

func parseSelect(lines []Line) MailboxStatus {
	var st MailboxStatus
	for _, line := range lines {
		f := untaggedFields(line.Text)
		if len(f) >= 2 && strings.EqualFold(f[1], "EXISTS") {
			if n, err := strconv.ParseUint(f[0], 10, 32); err == nil {
				st.Exists = uint32(n)
			}
			continue
		}
		if m := uidValidityRe.FindStringSubmatch(line.Text); m != nil {
			if n, err := strconv.ParseUint(m[1], 10, 32); err == nil {
				st.UIDValidity = uint32(n)
			}
		}
	}
	return st
}

// parseSearch collects the ids of every "* SEARCH" line, ascending and
// without duplicates.
func parseSearch(lines []Line) ([]uint32, error) {
	seen := make(map[uint32]struct{})
	ids := []uint32{}
	for _, line := range lines {
		f := untaggedFields(line.Text)
		if len(f) == 0 || !strings.EqualFold(f[0], "SEARCH") {
			continue
		}
		for _, tok := range f[1:] {
			n, err := strconv.ParseUint(tok, 10, 32)
			if err != nil || n == 0 {
				return nil, protocolError("SEARCH", "invalid message number", line.Text)
			}
			id := uint32(n)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

var (
	uidRe         = regexp.MustCompile(`(?i)\bUID (\d+)`)
	headerFieldRe = regexp.MustCompile(`(?i)BODY\[HEADER\.FIELDS \([^)]*\)\]`)
)

// fetchBlock is the raw content of one "* n FETCH" response.
type fetchBlock struct {
	seq       uint32
	uid       uint32
	header    []byte
	hasHeader bool
}

// parseFetch reads one untagged line. ok is false for lines that are not
// FETCH responses; hasUID is false for FETCH responses without a UID.
func parseFetch(line Line) (block fetchBlock, ok, hasUID bool) {
	f := untaggedFields(line.Text)
	if len(f) < 2 || !strings.EqualFold(f[1], "FETCH") {
		return fetchBlock{}, false, false
	}
	seq, err := strconv.ParseUint(f[0], 10, 32)
	if err != nil {
		return fetchBlock{}, false, false
	}
	block.seq = uint32(seq)

	block.header, block.hasHeader = headerLiteral(line)

	m := uidRe.FindStringSubmatch(line.Text)
	if m == nil {
		return block, true, false
	}
	uid, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil || uid == 0 {
		return block, true, false
	}
	block.uid = uint32(uid)
	return block, true, true
}

// mergeFetch folds the FETCH responses for one command into a single block
// per sequence number, in order of first appearance. Servers may split the
// items of one message across responses or interleave unsolicited FLAGS
// updates; fields present in a later response win over absent ones.
func mergeFetch(lines []Line) []fetchBlock {
	var order []uint32
	bySeq := make(map[uint32]*fetchBlock)
	for _, line := range lines {
		block, ok, hasUID := parseFetch(line)
		if !ok {
			continue
		}
		cur, seen := bySeq[block.seq]
		if !seen {
			cur = &fetchBlock{seq: block.seq}
			bySeq[block.seq] = cur
			order = append(order, block.seq)
		}
		if hasUID {
			cur.uid = block.uid
		}
		if block.hasHeader {
			cur.header = block.header
			cur.hasHeader = true
		}
	}
	blocks := make([]fetchBlock, 0, len(order))
	for _, seq := range order {
		blocks = append(blocks, *bySeq[seq])
	}
	return blocks
}

// headerLiteral finds the payload that follows the HEADER.FIELDS item and
// reports whether the item was present at all. Servers send it as a literal;
// a quoted string or NIL is also accepted.
func headerLiteral(line Line) ([]byte, bool) {
	loc := headerFieldRe.FindStringIndex(line.Text)
	if loc == nil {
		return nil, false
	}
	for _, lit := range line.Literals {
		if lit.Offset >= loc[1] {
			return lit.Data, true
		}
	}
	rest := strings.TrimLeft(line.Text[loc[1]:], " ")
	if !strings.HasPrefix(rest, `"`) {
		return nil, true
	}
	var b strings.Builder
	for i := 1; i < len(rest); i++ {
		c := rest[i]
		if c == '\\' && i+1 < len(rest) {
			i++
			b.WriteByte(rest[i])
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
	}
	return []byte(b.String()), true
}
