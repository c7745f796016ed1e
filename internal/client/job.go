// ============================================================================
// dapper client - execution attempt
// ============================================================================
//
// Package: internal/client
//
// A Job is one attempt at running an assigned codelet:
//
//   1. Resolve the codelet and parse the parameter document up front, so a
//      bad assignment is refused before any acknowledgement goes out.
//   2. Collect peer stream connections until every stream resource in the
//      assignment is bound. Readiness gates the prepare acknowledgement.
//   3. Run the codelet on its own goroutine and report the outcome as an
//      event, never by calling back into protocol state.
//
// The resources handed to the codelet are the same structs the streams were
// bound into, so binding a connection makes it visible to the codelet.
//
// ============================================================================

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/beevik/etree"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/pkg/codelet"
)

// Job is one execution attempt for an assigned node.
type Job struct {
	dispatch *event.DispatchMessage
	codelet  codelet.Codelet
	params   *etree.Element

	post func(event.Event)
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*codelet.Resource
	unbound int
	data    map[string][]byte
	started bool
	closed  bool
}

// NewJob validates an assignment and builds the attempt around it. Errors
// mean the assignment is unusable on this client: the codelet identifier does
// not resolve or the parameter document does not parse.
func NewJob(dispatch *event.DispatchMessage, post func(event.Event), log *slog.Logger) (*Job, error) {
	if log == nil {
		log = slog.Default()
	}

	c, err := codelet.Resolve(dispatch.CodeletID)
	if err != nil {
		return nil, fmt.Errorf("resolve codelet: %w", err)
	}

	params := codelet.EmptyParameters()
	if dispatch.Parameters != "" {
		params, err = codelet.ParseParameters(dispatch.Parameters)
		if err != nil {
			return nil, fmt.Errorf("parse parameters: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	j := &Job{
		dispatch: dispatch,
		codelet:  c,
		params:   params,
		post:     post,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		streams:  make(map[string]*codelet.Resource),
		data:     make(map[string][]byte),
	}

	for _, r := range dispatch.In {
		if r.Stream() {
			j.streams[r.ID] = r
		}
	}
	for _, r := range dispatch.Out {
		if r.Stream() {
			j.streams[r.ID] = r
		}
	}
	j.unbound = len(j.streams)

	return j, nil
}

// CodeletID names the codelet this attempt runs.
func (j *Job) CodeletID() string {
	return j.dispatch.CodeletID
}

// ConnectTargets lists the input stream resources this client must dial: the
// producer of each incoming stream listens, the consumer connects.
func (j *Job) ConnectTargets() []*codelet.Resource {
	var targets []*codelet.Resource
	for _, r := range j.dispatch.In {
		if r.Kind == codelet.KindInputStream {
			targets = append(targets, r)
		}
	}
	return targets
}

// RegisterStream binds a peer connection to the stream resource with the
// given identifier. It reports false when the job cannot take the connection:
// unknown identifier, already bound, or the job is closed. The caller owns
// the connection in that case.
func (j *Job) RegisterStream(id string, conn net.Conn) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return false
	}
	r, ok := j.streams[id]
	if !ok || r.Conn != nil {
		return false
	}
	r.Conn = conn
	j.unbound--
	return true
}

// RegisterData stores a delivered artifact under its pathname. Data
// registered before Start is visible to the codelet.
func (j *Job) RegisterData(pathname string, data []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	j.data[pathname] = data
}

// Ready reports whether every stream resource has a bound connection.
func (j *Job) Ready() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return !j.closed && j.unbound == 0
}

// Start launches the codelet on its own goroutine. Only the first call does
// anything. The outcome comes back as an event: an execute acknowledgement on
// success, a reset on failure, each tagged with this job.
func (j *Job) Start() {
	j.mu.Lock()
	if j.started || j.closed {
		j.mu.Unlock()
		return
	}
	j.started = true
	data := make(map[string][]byte, len(j.data))
	for k, v := range j.data {
		data[k] = v
	}
	j.mu.Unlock()

	go j.run(data)
}

func (j *Job) run(data map[string][]byte) {
	env := &codelet.Env{
		In:         j.dispatch.In,
		Out:        j.dispatch.Out,
		Parameters: j.params,
		Data:       data,
		Log:        j.log.With("codelet", j.dispatch.CodeletID),
	}

	start := time.Now()
	err := j.codelet.Run(j.ctx, env)
	elapsed := time.Since(start)

	if err != nil {
		j.log.Error("Codelet failed",
			"codelet", j.dispatch.CodeletID,
			"elapsed", elapsed,
			"error", err)
		j.post(event.Event{
			Kind:    event.KindReset,
			Origin:  event.Local,
			Detail:  err.Error(),
			Concern: j,
		})
		return
	}

	j.log.Info("Codelet finished",
		"codelet", j.dispatch.CodeletID,
		"elapsed", elapsed)
	j.post(event.Event{
		Kind:    event.KindExecuteAck,
		Origin:  event.Local,
		Concern: j,
	})
}

// Close cancels the codelet context and closes every bound stream
// connection. Safe to call more than once.
func (j *Job) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	var conns []net.Conn
	for _, r := range j.streams {
		if r.Conn != nil {
			conns = append(conns, r.Conn)
		}
	}
	j.mu.Unlock()

	j.cancel()
	for _, c := range conns {
		c.Close()
	}
}
