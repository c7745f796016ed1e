// ============================================================================
// dapper client - protocol logic
// ============================================================================
//
// Package: internal/client
//
// Logic is the handler behind the event processor and the only writer of
// protocol state. Each handler follows the same contract:
//
//   - return quickly; slow work (dialing, codelet execution) runs on helper
//     goroutines that report back by posting events
//   - verify the event still applies before acting: wrong status, a concern
//     tag that is not the current job or connector, or a missing job all mean
//     the event is stale, and stale events are dropped without side effects
//
// Handler map:
//
//	START        dial the server asynchronously
//	CONNECTED    adopt the connection, announce address + domain
//	RESOURCE     build the job and connector, acknowledge
//	PREPARE      start dialing peers, self-post a refresh
//	STREAM_READY bind one peer stream into the job
//	DATA_REQUEST forward (local) or store into the job (remote)
//	REFRESH      acknowledge prepare once the job is fully ready
//	EXECUTE      run the codelet
//	EXECUTE_ACK  report completion, release, return to waiting
//	RESET        local failure, server teardown, or stale noise
//	ERROR        lost server connection, escalate to shutdown
//	SHUTDOWN     release everything and stop the processor
//
// ============================================================================

package client

import (
	"log/slog"
	"sync"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/internal/metrics"
	"github.com/carsomyr/dapper/internal/transport"
)

// Config carries the settings for one client session.
type Config struct {
	// ServerAddr is the control connection target.
	ServerAddr string

	// Announce is the stream address advertised to the server, where peers
	// dial this client's streams.
	Announce string

	// Domain is matched against node domain patterns by the scheduler.
	Domain string

	// Dial overrides the control connection dialer. Nil means TCP.
	Dial func(addr string, log *slog.Logger) (*transport.Conn, error)

	// Metrics is optional.
	Metrics *metrics.Collector

	Log *slog.Logger
}

// Logic is the protocol state machine. All mutation happens on the processor
// goroutine; Status is the only cross-goroutine read.
type Logic struct {
	serverAddr string
	announce   string
	domain     string

	dial    func(addr string, log *slog.Logger) (*transport.Conn, error)
	metrics *metrics.Collector
	log     *slog.Logger

	processor *Processor

	mu     sync.RWMutex
	status Status

	server       *transport.Conn
	job          *Job
	connector    *Connector
	prepareAcked bool
}

// NewLogic builds the state machine and its processor. Call Start to begin
// the session.
func NewLogic(cfg Config) *Logic {
	l := &Logic{
		serverAddr: cfg.ServerAddr,
		announce:   cfg.Announce,
		domain:     cfg.Domain,
		dial:       cfg.Dial,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
		status:     StatusIdle,
	}
	if l.dial == nil {
		l.dial = transport.Dial
	}
	if l.log == nil {
		l.log = slog.Default()
	}
	l.processor = NewProcessor(l.Handle)
	return l
}

// Start runs the processor and posts the start event.
func (l *Logic) Start() {
	l.processor.Start()
	l.Post(event.Event{Kind: event.KindStart, Origin: event.Local})
}

// Post hands an event to the processor.
func (l *Logic) Post(ev event.Event) {
	l.processor.Post(ev)
}

// Stop requests a shutdown. The session is over when Done closes. A session
// stopped before it was started still drains and closes.
func (l *Logic) Stop() {
	l.processor.Start()
	l.Post(event.Event{Kind: event.KindShutdown, Origin: event.Local})
}

// Done is closed once the shutdown has been processed.
func (l *Logic) Done() <-chan struct{} {
	return l.processor.Done()
}

// Status returns the current protocol state.
func (l *Logic) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Handle dispatches one event. It runs on the processor goroutine.
func (l *Logic) Handle(ev event.Event) {
	l.metrics.RecordEvent(string(ev.Kind), string(ev.Origin))

	if l.Status().Terminal() {
		// Stray connections riding on late events still need closing.
		if conn, ok := ev.Concern.(*transport.Conn); ok {
			conn.Close()
		}
		if ev.Conn != nil {
			ev.Conn.Close()
		}
		return
	}

	switch ev.Kind {
	case event.KindStart:
		l.handleStart(ev)
	case event.KindConnected:
		l.handleConnected(ev)
	case event.KindResource:
		l.handleResource(ev)
	case event.KindPrepare:
		l.handlePrepare(ev)
	case event.KindStreamReady:
		l.handleStreamReady(ev)
	case event.KindDataRequest:
		l.handleDataRequest(ev)
	case event.KindRefresh:
		l.handleRefresh(ev)
	case event.KindExecute:
		l.handleExecute(ev)
	case event.KindExecuteAck:
		l.handleExecuteAck(ev)
	case event.KindReset:
		l.handleReset(ev)
	case event.KindError:
		l.handleError(ev)
	case event.KindShutdown:
		l.handleShutdown(ev)
	default:
		l.log.Warn("Unhandled event", "kind", ev.Kind, "origin", ev.Origin)
	}
}

func (l *Logic) handleStart(ev event.Event) {
	if l.status != StatusIdle {
		l.log.Warn("Start ignored", "status", l.status)
		return
	}
	l.to(StatusConnecting)

	go func() {
		conn, err := l.dial(l.serverAddr, l.log)
		if err != nil {
			l.Post(event.Event{
				Kind:   event.KindError,
				Origin: event.Local,
				Detail: err.Error(),
			})
			return
		}
		l.Post(event.Event{
			Kind:    event.KindConnected,
			Origin:  event.Local,
			Concern: conn,
		})
	}()
}

func (l *Logic) handleConnected(ev event.Event) {
	conn, ok := ev.Concern.(*transport.Conn)
	if !ok {
		return
	}
	if l.status != StatusConnecting {
		conn.Close()
		return
	}

	l.server = conn
	go conn.ReadLoop(l.Post)

	l.log.Info("Connected", "server", conn.RemoteAddr(), "announce", l.announce, "domain", l.domain)
	l.send(event.Event{Kind: event.KindAddress, Address: l.announce, Domain: l.domain})
	l.to(StatusWaiting)
}

func (l *Logic) handleResource(ev event.Event) {
	if l.status != StatusWaiting {
		l.log.Warn("Assignment ignored", "status", l.status)
		return
	}
	if ev.Dispatch == nil {
		l.log.Warn("Assignment without payload")
		return
	}

	job, err := NewJob(ev.Dispatch, l.Post, l.log)
	if err != nil {
		// The assignment cannot run here. Refuse it and stay available.
		l.log.Error("Refusing assignment", "codelet", ev.Dispatch.CodeletID, "error", err)
		l.send(event.Event{Kind: event.KindReset, Detail: err.Error()})
		return
	}

	l.job = job
	l.connector = NewConnector(job.ConnectTargets(), l.Post, l.log)

	l.log.Info("Assignment accepted", "codelet", job.CodeletID())
	l.send(event.Event{Kind: event.KindResourceAck})
	l.to(StatusResource)
}

func (l *Logic) handlePrepare(ev event.Event) {
	if l.status != StatusResource {
		l.log.Warn("Prepare ignored", "status", l.status)
		return
	}
	l.to(StatusPreparing)
	l.connector.Start()
	l.Post(event.Event{Kind: event.KindRefresh, Origin: event.Local})
}

func (l *Logic) handleStreamReady(ev event.Event) {
	if l.job == nil || !l.job.RegisterStream(ev.StreamID, ev.Conn) {
		// No current job, unknown stream, or a duplicate. Either way the
		// connection has no home here.
		if ev.Conn != nil {
			ev.Conn.Close()
		}
		return
	}
	l.Post(event.Event{Kind: event.KindRefresh, Origin: event.Local})
}

func (l *Logic) handleDataRequest(ev event.Event) {
	if ev.Origin == event.Local {
		l.send(event.Event{Kind: event.KindDataRequest, Pathname: ev.Pathname})
		return
	}
	if l.job == nil {
		return
	}
	l.job.RegisterData(ev.Pathname, ev.Data)
}

func (l *Logic) handleRefresh(ev event.Event) {
	if l.job == nil || !l.job.Ready() {
		return
	}
	if l.status != StatusPreparing || l.prepareAcked {
		return
	}
	l.prepareAcked = true
	l.send(event.Event{Kind: event.KindPrepareAck})
}

func (l *Logic) handleExecute(ev event.Event) {
	if l.status != StatusPreparing || l.job == nil {
		l.log.Warn("Execute ignored", "status", l.status)
		return
	}
	l.to(StatusExecuting)
	l.job.Start()
}

func (l *Logic) handleExecuteAck(ev event.Event) {
	job, _ := ev.Concern.(*Job)
	if job == nil || job != l.job {
		return
	}
	l.send(event.Event{Kind: event.KindExecuteAck})
	l.release()
	l.to(StatusWaiting)
}

func (l *Logic) handleReset(ev event.Event) {
	switch {
	case ev.Origin == event.Local && l.owns(ev.Concern):
		// The current attempt failed here. Tell the server, then tear down.
		l.log.Warn("Resetting", "detail", ev.Detail)
		l.to(StatusResetting)
		l.send(event.Event{Kind: event.KindReset, Detail: ev.Detail})
		l.release()
		l.to(StatusWaiting)

	case ev.Origin == event.Remote:
		// The server tore the attempt down, usually because another member
		// of the group failed or timed out.
		l.log.Info("Reset by server", "detail", ev.Detail)
		l.to(StatusResetting)
		l.release()
		l.to(StatusWaiting)

	default:
		// A job or connector this logic no longer owns. Already handled.
	}
}

func (l *Logic) handleError(ev event.Event) {
	if ev.Concern != nil {
		if conn, ok := ev.Concern.(*transport.Conn); !ok || conn != l.server {
			return
		}
	}
	l.log.Error("Connection failure", "detail", ev.Detail)
	l.Post(event.Event{Kind: event.KindShutdown, Origin: event.Local})
}

func (l *Logic) handleShutdown(ev event.Event) {
	l.log.Info("Shutting down")
	l.to(StatusShutdown)
	l.release()
	if l.server != nil {
		l.server.Close()
		l.server = nil
	}
	l.processor.Stop()
}

// owns reports whether the concern tag refers to the current job or
// connector.
func (l *Logic) owns(concern any) bool {
	if concern == nil {
		return false
	}
	if j, ok := concern.(*Job); ok {
		return j != nil && j == l.job
	}
	if c, ok := concern.(*Connector); ok {
		return c != nil && c == l.connector
	}
	return false
}

// release tears down the current attempt. Idempotent: releasing twice, or
// with nothing held, is harmless.
func (l *Logic) release() {
	if l.job != nil {
		l.job.Close()
		l.job = nil
	}
	if l.connector != nil {
		l.connector.Close()
		l.connector = nil
	}
	l.prepareAcked = false
}

// send writes a wire event to the server connection. A write failure posts a
// connection error instead of failing the caller.
func (l *Logic) send(ev event.Event) {
	if l.server == nil {
		l.log.Warn("Dropping outbound event, no server connection", "kind", ev.Kind)
		return
	}
	if err := l.server.Send(ev); err != nil {
		l.Post(event.Event{
			Kind:    event.KindError,
			Origin:  event.Local,
			Detail:  err.Error(),
			Concern: l.server,
		})
	}
}

// to moves the state machine to the next status, logging and refusing
// transitions outside the protocol.
func (l *Logic) to(next Status) {
	l.mu.Lock()
	prev := l.status
	if !ValidTransition(prev, next) {
		l.mu.Unlock()
		l.log.Warn("Invalid transition", "from", prev, "to", next)
		return
	}
	l.status = next
	l.mu.Unlock()

	l.log.Debug("Transition", "from", prev, "to", next)
}
