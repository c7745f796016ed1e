// ============================================================================
// dapper client - stream connector
// ============================================================================
//
// Package: internal/client
//
// The connector dials the producer of every incoming stream in the current
// assignment. Each dial runs on its own goroutine and reports back through
// the processor: a stream-ready event carrying the connection on success, a
// reset tagged with this connector on failure. Closing the connector cancels
// outstanding dials; a dial that already succeeded still posts its event, and
// the handler drops the connection as stale.
//
// ============================================================================

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/internal/transport"
	"github.com/carsomyr/dapper/pkg/codelet"
)

// Connector opens the outbound peer streams for one assignment.
type Connector struct {
	targets []*codelet.Resource
	post    func(event.Event)
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewConnector builds a connector over the given dial targets. Nothing is
// dialed until Start.
func NewConnector(targets []*codelet.Resource, post func(event.Event), log *slog.Logger) *Connector {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		targets: targets,
		post:    post,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches one dial goroutine per target. Only the first call does
// anything.
func (c *Connector) Start() {
	c.mu.Lock()
	if c.started || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	for _, r := range c.targets {
		go c.dial(r)
	}
}

func (c *Connector) dial(r *codelet.Resource) {
	conn, err := transport.DialStream(c.ctx, r.Addr, r.ID)
	if err != nil {
		if c.ctx.Err() != nil {
			// Closed while dialing; nobody is waiting for the result.
			return
		}
		c.log.Warn("Stream dial failed", "stream", r.ID, "addr", r.Addr, "error", err)
		c.post(event.Event{
			Kind:    event.KindReset,
			Origin:  event.Local,
			Detail:  fmt.Sprintf("dial stream %s at %s: %s", r.ID, r.Addr, err),
			Concern: c,
		})
		return
	}

	c.post(event.Event{
		Kind:     event.KindStreamReady,
		Origin:   event.Local,
		StreamID: r.ID,
		Conn:     conn,
	})
}

// Close cancels outstanding dials. Safe to call more than once.
func (c *Connector) Close() {
	c.cancel()
}
