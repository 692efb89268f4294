// Package mailbox links, tests and removes mailbox connections.
package mailbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nhle/refundscout/internal/model"
)

// ProviderCustom is the provider key of a mailbox with an explicit server.
const ProviderCustom = "custom"

// ErrUnknownProvider is returned for a provider key with no server.
var ErrUnknownProvider = errors.New("unknown provider")

// Server is an IMAP over TLS endpoint.
type Server struct {
	Host string
	Port int
}

var builtinServers = map[string]Server{
	"gmail":    {Host: "imap.gmail.com", Port: 993},
	"outlook":  {Host: "outlook.office365.com", Port: 993},
	"yahoo":    {Host: "imap.mail.yahoo.com", Port: 993},
	"icloud":   {Host: "imap.mail.me.com", Port: 993},
	"aol":      {Host: "imap.aol.com", Port: 993},
	"fastmail": {Host: "imap.fastmail.com", Port: 993},
	"zoho":     {Host: "imap.zoho.com", Port: 993},
	"gmx":      {Host: "imap.gmx.com", Port: 993},
}

var domainProviders = map[string]string{
	"gmail.com":      "gmail",
	"googlemail.com": "gmail",
	"outlook.com":    "outlook",
	"hotmail.com":    "outlook",
	"live.com":       "outlook",
	"msn.com":        "outlook",
	"yahoo.com":      "yahoo",
	"ymail.com":      "yahoo",
	"icloud.com":     "icloud",
	"me.com":         "icloud",
	"mac.com":        "icloud",
	"aol.com":        "aol",
	"fastmail.com":   "fastmail",
	"zoho.com":       "zoho",
	"gmx.com":        "gmx",
	"gmx.net":        "gmx",
}

// Providers resolves provider keys to servers. Configured entries replace
// or extend the built-in list.
type Providers struct {
	servers map[string]Server
}

// NewProviders merges overrides into the built-in servers. An override
// with only a host keeps port 993.
func NewProviders(overrides map[string]model.ProviderServer) *Providers {
	servers := make(map[string]Server, len(builtinServers)+len(overrides))
	for k, v := range builtinServers {
		servers[k] = v
	}
	for k, v := range overrides {
		k = strings.ToLower(k)
		s := servers[k]
		if v.Host != "" {
			s.Host = v.Host
		}
		if v.Port != 0 {
			s.Port = v.Port
		}
		if s.Port == 0 {
			s.Port = 993
		}
		servers[k] = s
	}
	return &Providers{servers: servers}
}

// Names returns the known provider keys, sorted.
func (p *Providers) Names() []string {
	out := make([]string, 0, len(p.servers))
	for k := range p.servers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the server for provider. A non-empty host or a non-zero
// port overrides the provider default; the custom provider requires a host.
func (p *Providers) Resolve(provider, host string, port int) (Server, error) {
	provider = strings.ToLower(provider)
	var s Server
	if provider != ProviderCustom {
		var ok bool
		s, ok = p.servers[provider]
		if !ok && host == "" {
			return Server{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
		}
	}
	if host != "" {
		s.Host = host
	}
	if port != 0 {
		s.Port = port
	}
	if s.Host == "" {
		return Server{}, fmt.Errorf("provider %q needs an explicit host", provider)
	}
	if s.Port == 0 {
		s.Port = 993
	}
	if s.Port < 1 || s.Port > 65535 {
		return Server{}, fmt.Errorf("invalid port %d", s.Port)
	}
	return s, nil
}

// DetectProvider guesses the provider key from the address domain.
func DetectProvider(email string) string {
	i := strings.LastIndexByte(email, '@')
	if i < 0 {
		return ProviderCustom
	}
	if p, ok := domainProviders[strings.ToLower(email[i+1:])]; ok {
		return p
	}
	return ProviderCustom
}
