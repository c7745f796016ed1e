package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// handshakeTimeout bounds how long an accepted peer connection may take to
// introduce itself.
const handshakeTimeout = 10 * time.Second

type streamHello struct {
	StreamID string `json:"stream_id"`
}

// DialStream connects to a peer's stream listener and introduces the stream
// by its identifier. The returned connection carries raw stream bytes from
// then on.
func DialStream(ctx context.Context, addr, id string) (net.Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial stream %s at %s: %w", id, addr, err)
	}

	line, err := json.Marshal(streamHello{StreamID: id})
	if err != nil {
		nc.Close()
		return nil, err
	}
	line = append(line, '\n')
	if _, err := nc.Write(line); err != nil {
		nc.Close()
		return nil, fmt.Errorf("stream hello %s: %w", id, err)
	}
	return nc, nil
}

// StreamListener accepts peer data connections on a client's announced
// address and hands each one to its sink once the hello line names the
// stream.
type StreamListener struct {
	ln     net.Listener
	accept func(id string, nc net.Conn)
	log    *slog.Logger
}

// ListenStreams starts a stream listener on addr. Pass ":0" style addresses
// to let the kernel pick a port; Addr reports the bound address for the
// client's announce.
func ListenStreams(addr string, accept func(id string, nc net.Conn), log *slog.Logger) (*StreamListener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen streams on %s: %w", addr, err)
	}

	l := &StreamListener{ln: ln, accept: accept, log: log}
	go l.run()
	return l, nil
}

// Addr returns the bound listen address.
func (l *StreamListener) Addr() string { return l.ln.Addr().String() }

// Close stops accepting. Connections already handed to the sink are
// unaffected.
func (l *StreamListener) Close() error { return l.ln.Close() }

func (l *StreamListener) run() {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		go l.handshake(nc)
	}
}

func (l *StreamListener) handshake(nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(handshakeTimeout))

	r := bufio.NewReader(nc)
	line, err := r.ReadBytes('\n')
	if err != nil {
		l.log.Warn("Peer stream handshake failed", "peer", nc.RemoteAddr(), "error", err)
		nc.Close()
		return
	}

	var hello streamHello
	if err := json.Unmarshal(line, &hello); err != nil || hello.StreamID == "" {
		l.log.Warn("Peer stream hello malformed", "peer", nc.RemoteAddr())
		nc.Close()
		return
	}

	nc.SetReadDeadline(time.Time{})

	// Bytes the reader buffered past the hello belong to the stream; keep
	// reading through it.
	l.accept(hello.StreamID, &bufferedConn{Conn: nc, r: r})
}

// bufferedConn replays bytes the handshake reader buffered before handing
// the connection over.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
