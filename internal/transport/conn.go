// ============================================================================
// dapper transport - control connections and peer streams
// ============================================================================
//
// Package: internal/transport
//
// Control traffic is newline-delimited JSON envelopes over TCP. Each Conn
// serializes writes behind one mutex and pumps inbound envelopes into a sink
// from its own read goroutine, so connection failures travel the same event
// path as every other control message.
//
// Peer data streams are raw TCP connections introduced by a single hello
// line naming the stream identifier; after the hello the bytes belong to the
// codelets.
//
// ============================================================================

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/carsomyr/dapper/internal/event"
)

// DialTimeout bounds the initial control connection attempt.
const DialTimeout = 10 * time.Second

// Conn is one control connection. Safe for concurrent Send; ReadLoop runs on
// a single goroutine.
type Conn struct {
	nc  net.Conn
	r   *bufio.Reader
	wmu sync.Mutex
	log *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an established network connection.
func NewConn(nc net.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{nc: nc, r: bufio.NewReader(nc), log: log}
}

// Dial opens a control connection to addr.
func Dial(addr string, log *slog.Logger) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc, log), nil
}

// Send encodes one wire event and writes it as a single line.
func (c *Conn) Send(ev event.Event) error {
	line, err := event.Encode(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(line); err != nil {
		return fmt.Errorf("send %s: %w", ev.Kind, err)
	}
	return nil
}

// ReadLoop decodes envelopes off the connection and posts them into sink
// until the connection dies. The terminal failure is posted as a local ERROR
// event concerning this connection, then the loop returns. Undecodable lines
// are dropped, not fatal.
func (c *Conn) ReadLoop(sink func(event.Event)) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			detail := err.Error()
			if errors.Is(err, io.EOF) {
				detail = "end of stream"
			}
			sink(event.Event{
				Kind:    event.KindError,
				Origin:  event.Local,
				Detail:  detail,
				Concern: c,
			})
			return
		}

		ev, err := event.Decode(bytes.TrimSpace(line))
		if err != nil {
			c.log.Warn("Dropping undecodable control line", "error", err)
			continue
		}
		sink(ev)
	}
}

// Close shuts the underlying connection down. Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

// RemoteAddr names the peer, for registry keys and logs.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// LocalAddr names this end of the connection.
func (c *Conn) LocalAddr() string { return c.nc.LocalAddr().String() }
