// ============================================================================
// dapper client - event processor
// ============================================================================
//
// Package: internal/client
//
// The processor is a single-goroutine mailbox. Every component that touches
// protocol state does so by posting an event here; the run loop hands events
// to the handler one at a time in arrival order. Handlers therefore never
// need locks for protocol state, and they may post follow-up events without
// blocking because the queue is unbounded.
//
// Stopping is a signal: the run loop finishes the events already queued and
// then closes Done. Events posted after Stop are dropped.
//
// ============================================================================

package client

import (
	"sync"

	"github.com/carsomyr/dapper/internal/event"
)

// Processor serializes event handling onto one goroutine.
type Processor struct {
	handler func(event.Event)

	mu      sync.Mutex
	queue   []event.Event
	stopped bool
	started bool

	wake chan struct{}
	done chan struct{}
}

// NewProcessor builds a processor around the given handler. The run loop does
// not start until Start is called; events posted before then are queued.
func NewProcessor(handler func(event.Event)) *Processor {
	return &Processor{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the run loop. Subsequent calls are no-ops.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.run()
}

// Post enqueues an event for handling. Events posted after Stop are dropped.
func (p *Processor) Post(ev event.Event) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop tells the run loop to exit once the queued events are handled. It does
// not wait; use Done for that. Safe to call from inside a handler.
func (p *Processor) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if !started {
		close(p.done)
		return
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Done is closed after the run loop has drained the queue and exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) run() {
	defer close(p.done)

	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		stopped := p.stopped
		p.mu.Unlock()

		for _, ev := range batch {
			p.handler(ev)
		}

		// Anything posted before Stop won the race into the queue and was
		// part of this batch; anything after was dropped. Exiting here
		// loses nothing.
		if stopped {
			return
		}
		if len(batch) == 0 {
			<-p.wake
		}
	}
}
