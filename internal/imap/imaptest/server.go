// Package imaptest scripts a fake IMAP server over net.Pipe.
package imaptest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Reply is what the server does in response to one command.
type Reply struct {
	// Data is written verbatim. It must carry its own CRLFs.
	Data string
	// Hangup closes the connection after Data is written.
	Hangup bool
	// Stall keeps the connection open without answering.
	Stall bool
}

// Handler answers one command. args is everything after the verb, with
// literal arguments folded back in as quoted strings.
type Handler func(tag, args string) Reply

// Server is a scripted IMAP server. Each Dial starts a fresh conversation.
type Server struct {
	Greeting string
	Handlers map[string]Handler

	mu       sync.Mutex
	commands []string
	conns    []net.Conn
	wg       sync.WaitGroup
}

// New returns a server greeting with "* OK" and answering LOGOUT.
func New(handlers map[string]Handler) *Server {
	s := &Server{
		Greeting: "* OK [CAPABILITY IMAP4rev1] fake server ready\r\n",
		Handlers: map[string]Handler{"LOGOUT": Logout()},
	}
	for verb, h := range handlers {
		s.Handlers[strings.ToUpper(verb)] = h
	}
	return s
}

// Dial matches imap.DialFunc.
func (s *Server) Dial(_ context.Context, _, _ string) (net.Conn, error) {
	client, server := net.Pipe()
	s.mu.Lock()
	s.conns = append(s.conns, server)
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serve(server)
	}()
	return client, nil
}

// Commands returns every command line received, with literals folded in.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Verbs returns the upper-cased verb of every command received.
func (s *Server) Verbs() []string {
	var verbs []string
	for _, c := range s.Commands() {
		_, rest, _ := strings.Cut(c, " ")
		verb, _, _ := strings.Cut(rest, " ")
		verbs = append(verbs, strings.ToUpper(verb))
	}
	return verbs
}

// Close drops every open conversation and waits for them to finish.
func (s *Server) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	if s.Greeting != "" {
		if _, err := io.WriteString(conn, s.Greeting); err != nil {
			return
		}
	}
	for {
		line, err := readCommand(r, conn)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, line)
		s.mu.Unlock()

		tag, rest, _ := strings.Cut(line, " ")
		verb, args, _ := strings.Cut(rest, " ")
		verb = strings.ToUpper(verb)

		h, ok := s.Handlers[verb]
		if !ok {
			if _, err := fmt.Fprintf(conn, "%s BAD unknown command\r\n", tag); err != nil {
				return
			}
			continue
		}
		reply := h(tag, args)
		if reply.Stall {
			// Wait for the client to give up.
			_, _ = io.Copy(io.Discard, r)
			return
		}
		if reply.Data != "" {
			if _, err := io.WriteString(conn, reply.Data); err != nil {
				return
			}
		}
		if reply.Hangup || verb == "LOGOUT" {
			return
		}
	}
}

// readCommand reads one command line, answering literal continuations.
func readCommand(r *bufio.Reader, w io.Writer) (string, error) {
	var b strings.Builder
	for {
		seg, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		seg = strings.TrimRight(seg, "\r\n")
		n, prefix, ok := trailingLiteral(seg)
		if !ok {
			b.WriteString(seg)
			return b.String(), nil
		}
		b.WriteString(prefix)
		if _, err := io.WriteString(w, "+ Ready for literal data\r\n"); err != nil {
			return "", err
		}
		lit := make([]byte, n)
		if _, err := io.ReadFull(r, lit); err != nil {
			return "", err
		}
		b.WriteString(Quote(string(lit)))
	}
}

func trailingLiteral(seg string) (int, string, bool) {
	if !strings.HasSuffix(seg, "}") {
		return 0, "", false
	}
	open := strings.LastIndexByte(seg, '{')
	if open < 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(seg[open+1:len(seg)-1], "+"))
	if err != nil {
		return 0, "", false
	}
	return n, seg[:open], true
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

// Strings parses quoted strings and atoms from a command's arguments.
func Strings(args string) []string {
	var (
		out []string
		i   int
	)
	for i < len(args) {
		switch c := args[i]; {
		case c == ' ':
			i++
		case c == '"':
			var b strings.Builder
			i++
			for i < len(args) && args[i] != '"' {
				if args[i] == '\\' && i+1 < len(args) {
					i++
				}
				b.WriteByte(args[i])
				i++
			}
			i++
			out = append(out, b.String())
		default:
			j := strings.IndexByte(args[i:], ' ')
			if j < 0 {
				j = len(args) - i
			}
			out = append(out, args[i:i+j])
			i += j
		}
	}
	return out
}

// OK answers with the untagged lines followed by a tagged OK.
func OK(untagged ...string) Handler {
	return func(tag, _ string) Reply {
		return Reply{Data: lines(untagged) + tag + " OK completed\r\n"}
	}
}

// NO answers with a tagged NO carrying text.
func NO(text string) Handler {
	return func(tag, _ string) Reply {
		return Reply{Data: tag + " NO " + text + "\r\n"}
	}
}

// BAD answers with a tagged BAD carrying text.
func BAD(text string) Handler {
	return func(tag, _ string) Reply {
		return Reply{Data: tag + " BAD " + text + "\r\n"}
	}
}

// Hangup writes partial, then drops the connection.
func Hangup(partial string) Handler {
	return func(string, string) Reply {
		return Reply{Data: partial, Hangup: true}
	}
}

// Stall never answers.
func Stall() Handler {
	return func(string, string) Reply { return Reply{Stall: true} }
}

// Logout answers LOGOUT the way servers do.
func Logout() Handler {
	return func(tag, _ string) Reply {
		return Reply{Data: "* BYE logging out\r\n" + tag + " OK LOGOUT completed\r\n"}
	}
}

// FetchBlock renders one "* n FETCH" response carrying a header literal.
func FetchBlock(seq, uid uint32, header string) string {
	return fmt.Sprintf("* %d FETCH (UID %d BODY[HEADER.FIELDS (FROM SUBJECT DATE)] {%d}\r\n%s)\r\n",
		seq, uid, len(header), header)
}

func lines(untagged []string) string {
	var b strings.Builder
	for _, l := range untagged {
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	return b.String()
}
