package imaptest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Message is one INBOX message of a fake mailbox.
type Message struct {
	UID     uint32
	From    string
	Subject string
	Date    time.Time
	// RawHeader replaces the header block built from the fields above.
	RawHeader string
}

// Header renders the FROM/SUBJECT/DATE block the server returns.
func (m Message) Header() string {
	if m.RawHeader != "" {
		return m.RawHeader
	}
	return fmt.Sprintf("From: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n",
		m.From, m.Subject, m.Date.Format(time.RFC1123Z))
}

// Mailbox is a fake account with a single INBOX. Sequence numbers follow
// the order of Messages.
type Mailbox struct {
	User        string
	Password    string
	UIDValidity uint32
	Messages    []Message
}

// Server returns a scripted server backed by the mailbox. Extra handlers
// override the defaults.
func (m *Mailbox) Server(overrides map[string]Handler) *Server {
	handlers := map[string]Handler{
		"LOGIN":  m.login,
		"SELECT": m.selectInbox,
		"SEARCH": m.search,
		"FETCH":  m.fetch,
	}
	for verb, h := range overrides {
		handlers[strings.ToUpper(verb)] = h
	}
	return New(handlers)
}

func (m *Mailbox) login(tag, args string) Reply {
	creds := Strings(args)
	if len(creds) != 2 || creds[0] != m.User || creds[1] != m.Password {
		return Reply{Data: tag + " NO [AUTHENTICATIONFAILED] Invalid credentials\r\n"}
	}
	return Reply{Data: tag + " OK LOGIN completed\r\n"}
}

func (m *Mailbox) selectInbox(tag, args string) Reply {
	if !strings.EqualFold(strings.Trim(args, `"`), "INBOX") {
		return Reply{Data: tag + " NO no such mailbox\r\n"}
	}
	return Reply{Data: fmt.Sprintf("* %d EXISTS\r\n* 0 RECENT\r\n* OK [UIDVALIDITY %d] UIDs valid\r\n%s OK [READ-WRITE] SELECT completed\r\n",
		len(m.Messages), m.UIDValidity, tag)}
}

func (m *Mailbox) search(tag, args string) Reply {
	f := strings.Fields(args)
	if len(f) != 2 || !strings.EqualFold(f[0], "SINCE") {
		return Reply{Data: tag + " BAD unsupported search\r\n"}
	}
	since, err := time.Parse("02-Jan-2006", f[1])
	if err != nil {
		return Reply{Data: tag + " BAD invalid date\r\n"}
	}
	var b strings.Builder
	b.WriteString("* SEARCH")
	for i, msg := range m.Messages {
		if !msg.Date.IsZero() && msg.Date.Before(since) {
			continue
		}
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(i + 1))
	}
	b.WriteString("\r\n")
	return Reply{Data: b.String() + tag + " OK SEARCH completed\r\n"}
}

func (m *Mailbox) fetch(tag, args string) Reply {
	set, _, _ := strings.Cut(args, " ")
	seqs, err := ParseSet(set, uint32(len(m.Messages)))
	if err != nil {
		return Reply{Data: tag + " BAD invalid sequence set\r\n"}
	}
	var b strings.Builder
	for _, seq := range seqs {
		if seq == 0 || int(seq) > len(m.Messages) {
			continue
		}
		msg := m.Messages[seq-1]
		b.WriteString(FetchBlock(seq, msg.UID, msg.Header()))
	}
	return Reply{Data: b.String() + tag + " OK FETCH completed\r\n"}
}

// ParseSet expands a sequence set such as "1:3,7,9:*". max stands in for
// "*".
func ParseSet(set string, max uint32) ([]uint32, error) {
	num := func(s string) (uint32, error) {
		if s == "*" {
			return max, nil
		}
		n, err := strconv.ParseUint(s, 10, 32)
		return uint32(n), err
	}
	seen := make(map[uint32]bool)
	var out []uint32
	for _, part := range strings.Split(set, ",") {
		lo, hi, isRange := strings.Cut(part, ":")
		a, err := num(lo)
		if err != nil {
			return nil, err
		}
		b := a
		if isRange {
			if b, err = num(hi); err != nil {
				return nil, err
			}
		}
		if a > b {
			a, b = b, a
		}
		for n := a; n <= b; n++ {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
