package imap

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// HeaderRecord is what FetchHeaders yields per message. Fields the server
// sent in a form that could not be parsed are left empty.
type HeaderRecord struct {
	SeqNum uint32
	UID    uint32
	// From is the bare sender address.
	From     string
	FromName string
	Subject  string
	Date     time.Time
}

var addrRe = regexp.MustCompile(`[^\s<>"(),;:]+@[^\s<>"(),;:]+`)

// looseDateLayouts covers Date headers that net/mail rejects but that are
// common in marketing mail.
var looseDateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05 -0700 (MST)",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
	time.RFC1123Z,
	time.RFC1123,
}

// parseHeaderBlock decodes a FROM/SUBJECT/DATE header block. Lines that do
// not look like "Name: value" are skipped.
func parseHeaderBlock(raw []byte, rec *HeaderRecord) {
	var th textproto.Header
	for _, field := range unfold(raw) {
		k, v, ok := strings.Cut(field, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		th.Add(k, strings.TrimSpace(v))
	}
	h := mail.Header{Header: message.Header{Header: th}}

	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 {
		rec.From = addrs[0].Address
		rec.FromName = addrs[0].Name
	} else if m := addrRe.FindString(h.Get("From")); m != "" {
		rec.From = m
	}

	if s, err := h.Subject(); err == nil {
		rec.Subject = s
	} else {
		rec.Subject = h.Get("Subject")
	}

	if d, err := h.Date(); err == nil {
		rec.Date = d
	} else {
		rec.Date = looseDate(h.Get("Date"))
	}
}

// unfold joins continuation lines onto the field they belong to.
func unfold(raw []byte) []string {
	var fields []string
	for _, l := range bytes.Split(raw, []byte{'\n'}) {
		l = bytes.TrimRight(l, "\r")
		if len(bytes.TrimSpace(l)) == 0 {
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(fields) > 0 {
			fields[len(fields)-1] += " " + string(bytes.TrimSpace(l))
			continue
		}
		fields = append(fields, string(l))
	}
	return fields
}

func looseDate(v string) time.Time {
	v = strings.Join(strings.Fields(v), " ")
	if v == "" {
		return time.Time{}
	}
	for _, layout := range looseDateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
