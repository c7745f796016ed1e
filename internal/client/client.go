// ============================================================================
// dapper client
// ============================================================================
//
// Package: internal/client
//
// Client wires the pieces of a worker process together:
//
//   - a stream listener where peers dial this client's streams
//   - the protocol logic and its event processor
//   - the control connection to the server
//
// Construction binds the listener so the advertised stream address is known
// before the session starts. Start is asynchronous; the session runs until
// Stop or a connection failure, and Done closes when it is over.
//
// ============================================================================

package client

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/internal/metrics"
	"github.com/carsomyr/dapper/internal/transport"
)

// ClientConfig carries the settings for a worker process.
type ClientConfig struct {
	// ServerAddr is the control connection target, host:port.
	ServerAddr string

	// ListenAddr is the stream listener bind address. Empty means an
	// ephemeral port on all interfaces.
	ListenAddr string

	// Announce overrides the advertised stream address. Empty means the
	// listener's own address.
	Announce string

	// Domain is this client's execution domain, matched against node domain
	// patterns.
	Domain string

	// Metrics is optional.
	Metrics *metrics.Collector

	Log *slog.Logger
}

// Client is one worker process: stream listener plus protocol session.
type Client struct {
	log      *slog.Logger
	listener *transport.StreamListener

	// The listener's accept goroutine runs before construction finishes, so
	// access to the session goes through the lock.
	mu    sync.RWMutex
	logic *Logic
}

// New binds the stream listener and builds the protocol session. The session
// does not start until Start.
func New(cfg ClientConfig) (*Client, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Client{log: log}

	listenAddr := cfg.ListenAddr
	if listenAddr == "" {
		listenAddr = ":0"
	}
	ln, err := transport.ListenStreams(listenAddr, c.acceptStream, log)
	if err != nil {
		return nil, fmt.Errorf("bind stream listener: %w", err)
	}
	c.listener = ln

	announce := cfg.Announce
	if announce == "" {
		announce = ln.Addr()
	}

	c.mu.Lock()
	c.logic = NewLogic(Config{
		ServerAddr: cfg.ServerAddr,
		Announce:   announce,
		Domain:     cfg.Domain,
		Metrics:    cfg.Metrics,
		Log:        log,
	})
	c.mu.Unlock()

	return c, nil
}

func (c *Client) session() *Logic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logic
}

// Start begins the session: connect, announce, wait for work.
func (c *Client) Start() {
	c.session().Start()
}

// Stop shuts the session down and closes the stream listener.
func (c *Client) Stop() {
	c.listener.Close()
	c.session().Stop()
}

// Done is closed once the session has fully shut down.
func (c *Client) Done() <-chan struct{} {
	return c.session().Done()
}

// Status returns the current protocol state.
func (c *Client) Status() Status {
	return c.session().Status()
}

// Addr returns the address peers use to dial this client's streams.
func (c *Client) Addr() string {
	return c.listener.Addr()
}

// RequestData asks the server for an artifact by pathname. The reply is
// delivered into the current job when it arrives.
func (c *Client) RequestData(pathname string) {
	c.session().Post(event.Event{
		Kind:     event.KindDataRequest,
		Origin:   event.Local,
		Pathname: pathname,
	})
}

// acceptStream feeds accepted peer streams into the protocol session.
func (c *Client) acceptStream(id string, conn net.Conn) {
	lg := c.session()
	if lg == nil {
		conn.Close()
		return
	}
	lg.Post(event.Event{
		Kind:     event.KindStreamReady,
		Origin:   event.Local,
		StreamID: id,
		Conn:     conn,
	})
}
