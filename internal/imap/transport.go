package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const readChunk = 4096

// DialFunc opens the raw connection to a server. Tests swap it for a pipe.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport owns one connection to one server and buffers what it reads.
// Bytes read past a completion point stay in the buffer for the next call.
type Transport struct {
	conn  net.Conn
	buf   []byte
	chunk []byte

	closeOnce sync.Once
	closeErr  error
}

// NewTransport wraps an established connection.
func NewTransport(conn net.Conn) *Transport {
	return &Transport{conn: conn, chunk: make([]byte, readChunk)}
}

// DialTLS connects to addr and completes the TLS handshake within ctx.
func DialTLS(ctx context.Context, addr string, cfg *tls.Config) (*Transport, error) {
	d := &tls.Dialer{Config: cfg}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(ctx, addr, err)
	}
	return NewTransport(conn), nil
}

func dial(ctx context.Context, addr string, opts Options) (*Transport, error) {
	if opts.Dial == nil {
		return DialTLS(ctx, addr, opts.tlsConfig(addr))
	}
	conn, err := opts.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, dialError(ctx, addr, err)
	}
	return NewTransport(conn), nil
}

func dialError(ctx context.Context, addr string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: "connect", Msg: addr, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: "connect", Msg: addr, Err: err}
	}
	return &Error{Kind: KindConnection, Op: "connect", Msg: addr, Err: err}
}

// Write sends p in full. Cancelling ctx closes the connection.
func (t *Transport) Write(ctx context.Context, p []byte) error {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
	} else {
		_ = t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(p); err != nil {
		return t.ioError(ctx, "write", err)
	}
	return nil
}

// ReadUntil reads until complete reports a non-zero prefix length and
// returns that prefix. complete sees the whole buffer each time.
func (t *Transport) ReadUntil(ctx context.Context, complete func([]byte) (int, error)) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(dl)
	} else {
		_ = t.conn.SetReadDeadline(time.Time{})
	}

	var readErr error
	for {
		if len(t.buf) > 0 {
			n, err := complete(t.buf)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				out := make([]byte, n)
				copy(out, t.buf[:n])
				t.buf = append(t.buf[:0], t.buf[n:]...)
				return out, nil
			}
		}
		if readErr != nil {
			return nil, t.ioError(ctx, "read", readErr)
		}

		n, err := t.conn.Read(t.chunk)
		t.buf = append(t.buf, t.chunk[:n]...)
		if err != nil {
			readErr = err
		}
	}
}

// Buffered reports how many unread bytes are held.
func (t *Transport) Buffered() int { return len(t.buf) }

// Close closes the connection. It is safe to call more than once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

func (t *Transport) ioError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	case errors.Is(ctx.Err(), context.Canceled):
		return &Error{Kind: KindConnection, Op: op, Msg: "cancelled", Err: ctx.Err()}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return &Error{Kind: KindProtocol, Op: op, Msg: "connection closed before response completed", Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}
