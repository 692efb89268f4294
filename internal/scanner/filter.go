package scanner

import (
	"strings"

	"github.com/nhle/refundscout/internal/model"
)

// SenderDomain returns the lower-cased part of addr after the last '@',
// or "" when addr has none.
func SenderDomain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(addr[i+1:])), ".>")
}

// DomainSet matches a domain against a priority list. A domain matches
// when it equals a listed domain or is a subdomain of one.
type DomainSet map[string]struct{}

// NewDomainSet normalizes domains and drops empty entries.
func NewDomainSet(domains []string) DomainSet {
	set := make(DomainSet, len(domains))
	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			set[d] = struct{}{}
		}
	}
	return set
}

// Match reports whether domain or one of its parent domains is listed.
func (s DomainSet) Match(domain string) bool {
	for domain != "" {
		if _, ok := s[domain]; ok {
			return true
		}
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return false
		}
		domain = domain[i+1:]
	}
	return false
}

// Filter keeps the records sent from a priority domain. When the whole set
// has at most threshold records every record is kept, so a quiet mailbox
// never yields nothing. Order is preserved.
func Filter(records []model.MessageRecord, priority DomainSet, threshold int) []model.MessageRecord {
	if len(records) <= threshold {
		return records
	}
	kept := make([]model.MessageRecord, 0, len(records))
	for _, r := range records {
		if priority.Match(r.SenderDomain) {
			kept = append(kept, r)
		}
	}
	return kept
}
