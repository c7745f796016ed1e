package server

// ============================================================================
// dapper server - flow scheduler
// ============================================================================
//
// Package: internal/server
//
// The server accepts client control connections, places ready logical nodes
// onto announced idle clients, and drives each placement through the
// assignment barrier:
//
//   RESOURCE -> all acks -> PREPARE -> all acks -> EXECUTE -> all acks
//
// Every member of a logical node advances together; a single member failing,
// timing out or disconnecting recycles the whole attempt. Failures charge
// the member's retry budget, disconnects do not. A member that exhausts its
// budget fails its entire flow.
//
// All scheduling state is owned by one event loop goroutine. Connection read
// loops and the accept loop communicate with it exclusively through
// channels, so no lock guards the tracker or the attempt tables.
//
// Progress is journaled (flow submitted, logical node finished, flow failed)
// and periodically checkpointed; on restart the checkpoint is loaded and the
// journal tail replayed. Work that was in flight at the crash reverts to
// ready and is dispatched again.
//
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/carsomyr/dapper/internal/checkpoint"
	"github.com/carsomyr/dapper/internal/client"
	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/internal/flow"
	"github.com/carsomyr/dapper/internal/metrics"
	"github.com/carsomyr/dapper/internal/storage/journal"
	"github.com/carsomyr/dapper/internal/transport"
	"github.com/carsomyr/dapper/pkg/codelet"
)

const (
	// DefaultSweepInterval is how often attempt deadlines are checked.
	DefaultSweepInterval = 1 * time.Second

	// DefaultCheckpointInterval is how often progress is checkpointed.
	DefaultCheckpointInterval = 30 * time.Second
)

// ErrStopped is returned by external calls made after the server shut down.
var ErrStopped = errors.New("server stopped")

// Config carries server settings.
type Config struct {
	ListenAddr string // control listener, ":0" picks a free port
	DataDir    string // root served to client data requests, empty disables

	JournalPath        string // empty disables journaling
	CheckpointPath     string // empty disables checkpoints
	SyncJournal        bool   // fsync every journal append
	SweepInterval      time.Duration
	CheckpointInterval time.Duration

	// Loader rebuilds a flow from its definition source during recovery.
	Loader LoadFunc

	Metrics *metrics.Collector
	Log     *slog.Logger
}

// attempt is one dispatch of a logical node: the member nodes, the client
// connection carrying each one, and the barrier phase the group is in. A
// phase advances only when every member has acknowledged it.
type attempt struct {
	key     NodeKey
	logical *flow.LogicalNode
	members map[*transport.Conn]*flow.Node
	acked   map[*transport.Conn]bool
	phase   flow.LogicalStatus
	started time.Time // set when EXECUTE goes out
}

func (a *attempt) expectedAck() event.Kind {
	switch a.phase {
	case flow.StatusResource:
		return event.KindResourceAck
	case flow.StatusPrepare:
		return event.KindPrepareAck
	default:
		return event.KindExecuteAck
	}
}

type submitRequest struct {
	flow   *flow.Flow
	source string
	reply  chan error
}

// Server schedules flows over connected clients.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Collector

	ln       net.Listener
	registry *Registry
	tracker  *Tracker
	journal  *journal.Journal
	ckpt     *checkpoint.Manager

	// Loop-owned scheduling state.
	attempts    map[NodeKey]*attempt
	connAttempt map[*transport.Conn]*attempt
	rotatedSeq  uint64

	events  chan event.Event
	submits chan submitRequest
	statsCh chan chan Stats

	stopCh   chan struct{}
	doneCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// New builds a server from cfg. Persistence files are opened here; listening
// and recovery happen in Start.
func New(cfg Config) (*Server, error) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = DefaultCheckpointInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		metrics:     cfg.Metrics,
		registry:    NewRegistry(),
		tracker:     NewTracker(),
		attempts:    make(map[NodeKey]*attempt),
		connAttempt: make(map[*transport.Conn]*attempt),
		events:      make(chan event.Event, 64),
		submits:     make(chan submitRequest),
		statsCh:     make(chan chan Stats),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	if cfg.JournalPath != "" {
		j, err := journal.New(cfg.JournalPath, cfg.SyncJournal)
		if err != nil {
			return nil, err
		}
		s.journal = j
	}
	if cfg.CheckpointPath != "" {
		s.ckpt = checkpoint.NewManager(cfg.CheckpointPath)
	}
	return s, nil
}

// Start recovers persisted state, binds the control listener and launches
// the accept and scheduler loops.
func (s *Server) Start() error {
	if err := s.recover(); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.ln = ln
	s.started = true
	s.log.Info("Server listening", "addr", s.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	go s.run()
	return nil
}

// Stop shuts the server down: the loops exit, client connections close, and
// a final checkpoint captures the scheduling state. Idempotent.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.ln != nil {
			s.ln.Close()
		}
		if s.started {
			<-s.doneCh
		}
		for _, conn := range s.registry.Conns() {
			conn.Close()
		}
		s.wg.Wait()

		// The loop has exited, so touching its state is safe here.
		s.checkpointNow()
		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.log.Warn("Journal close failed", "error", err)
			}
		}
		s.log.Info("Server stopped")
	})
}

// Addr returns the bound control address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Submit hands a flow to the scheduler. The flow is assigned here when the
// caller has not done so already. The source is the definition pathname kept
// for recovery; programmatic submissions pass an empty string.
func (s *Server) Submit(f *flow.Flow, source string) error {
	if len(f.Nodes()) > 0 && len(f.Logicals()) == 0 {
		if err := f.Assign(); err != nil {
			return fmt.Errorf("assign flow: %w", err)
		}
	}

	req := submitRequest{flow: f, source: source, reply: make(chan error, 1)}
	select {
	case s.submits <- req:
	case <-s.stopCh:
		return ErrStopped
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.stopCh:
		return ErrStopped
	}
}

// Stats reports connected clients and per-flow progress.
func (s *Server) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	select {
	case s.statsCh <- reply:
	case <-s.stopCh:
		return Stats{}, ErrStopped
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.stopCh:
		return Stats{}, ErrStopped
	}
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Clients     int
	IdleClients int
	Scheduling  TrackerStats
	Flows       []FlowState
}

// ============================================================================
// Loops
// ============================================================================

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.log.Error("Accept failed", "error", err)
			}
			return
		}

		conn := transport.NewConn(nc, s.log)
		s.registry.Add(conn)
		s.metrics.SetClientsConnected(s.registry.Len())
		s.log.Info("Client connected", "remote", conn.RemoteAddr())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			conn.ReadLoop(func(ev event.Event) {
				ev.Concern = conn
				select {
				case s.events <- ev:
				case <-s.stopCh:
				}
			})
		}()
	}
}

func (s *Server) run() {
	defer close(s.doneCh)

	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	var ckptC <-chan time.Time
	if s.ckpt != nil {
		t := time.NewTicker(s.cfg.CheckpointInterval)
		defer t.Stop()
		ckptC = t.C
	}

	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.events:
			s.handle(ev)
		case req := <-s.submits:
			req.reply <- s.submit(req.flow, req.source)
		case reply := <-s.statsCh:
			reply <- s.stats()
		case <-sweep.C:
			s.sweepTimeouts()
			s.dispatchReady()
		case <-ckptC:
			s.checkpointNow()
			s.maybeRotate()
		}
	}
}

func (s *Server) handle(ev event.Event) {
	conn, _ := ev.Concern.(*transport.Conn)
	if conn == nil {
		s.log.Warn("Dropping event without source connection", "kind", ev.Kind)
		return
	}
	s.registry.Touch(conn)
	s.metrics.RecordEvent(string(ev.Kind), string(ev.Origin))

	switch ev.Kind {
	case event.KindAddress:
		s.handleAnnounce(conn, ev)
	case event.KindResourceAck, event.KindPrepareAck, event.KindExecuteAck:
		s.handleAck(conn, ev.Kind)
	case event.KindReset:
		s.handleMemberFailure(conn, ev.Detail)
	case event.KindDataRequest:
		s.handleDataRequest(conn, ev.Pathname)
	case event.KindError:
		s.handleDisconnect(conn)
	default:
		s.log.Warn("Unhandled event", "kind", ev.Kind, "origin", ev.Origin)
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleAnnounce(conn *transport.Conn, ev event.Event) {
	if !s.registry.Announce(conn, ev.Address, ev.Domain) {
		return
	}
	s.log.Info("Client announced",
		"remote", conn.RemoteAddr(), "address", ev.Address, "domain", ev.Domain)
	s.dispatchReady()
}

func (s *Server) handleAck(conn *transport.Conn, kind event.Kind) {
	att := s.connAttempt[conn]
	if att == nil {
		s.log.Debug("Dropping acknowledgement without attempt",
			"kind", kind, "remote", conn.RemoteAddr())
		return
	}
	if kind != att.expectedAck() {
		s.log.Warn("Dropping out-of-phase acknowledgement",
			"kind", kind, "phase", att.phase, "node", att.key)
		return
	}

	att.acked[conn] = true
	if len(att.acked) < len(att.members) {
		return
	}
	s.advance(att)
}

// advance moves a fully acknowledged attempt to its next barrier phase.
func (s *Server) advance(att *attempt) {
	att.acked = make(map[*transport.Conn]bool, len(att.members))

	switch att.phase {
	case flow.StatusResource:
		att.phase = flow.StatusPrepare
		att.logical.SetStatus(flow.StatusPrepare)
		for mc, node := range att.members {
			if state := node.Client(); state != nil {
				state.SetStatus(client.StatusPreparing)
			}
			s.send(mc, event.Event{Kind: event.KindPrepare})
		}
		s.log.Debug("Attempt preparing", "node", att.key)

	case flow.StatusPrepare:
		att.phase = flow.StatusExecuting
		att.logical.SetStatus(flow.StatusExecuting)
		att.started = time.Now()
		for mc, node := range att.members {
			if state := node.Client(); state != nil {
				state.SetStatus(client.StatusExecuting)
			}
			s.send(mc, event.Event{Kind: event.KindExecute})
		}
		s.log.Info("Attempt executing", "node", att.key, "members", len(att.members))

	case flow.StatusExecuting:
		s.finishAttempt(att)
	}
}

func (s *Server) finishAttempt(att *attempt) {
	duration := time.Since(att.started)
	for mc, node := range att.members {
		delete(s.connAttempt, mc)
		s.registry.SetBusy(mc, false)
		node.SetClient(nil)
	}
	delete(s.attempts, att.key)

	s.appendRecord(journal.OpFinish, att.key.Flow, att.key.Order, "")
	s.metrics.RecordFinished(duration)

	ready, err := s.tracker.MarkFinished(att.key)
	if err != nil {
		s.log.Warn("Completion not tracked", "node", att.key, "error", err)
		return
	}
	s.log.Info("Logical node finished",
		"node", att.key, "duration", duration, "unlocked", len(ready))

	if s.tracker.FlowFinished(att.key.Flow) {
		s.log.Info("Flow finished", "flow", att.key.Flow)
	}
	s.dispatchReady()
}

// handleMemberFailure recycles an attempt after one member reported failure.
// The reporting client already tore its own attempt down, so it alone skips
// the teardown reset.
func (s *Server) handleMemberFailure(conn *transport.Conn, detail string) {
	s.recycleMember(conn, conn, detail)
}

// recycleMember charges the member's retry budget and recycles its attempt:
// within budget the logical node returns to the ready queue, past it the
// whole flow fails. Every member except skip is sent a reset.
func (s *Server) recycleMember(conn, skip *transport.Conn, detail string) {
	att := s.connAttempt[conn]
	if att == nil {
		s.log.Debug("Dropping reset without attempt", "remote", conn.RemoteAddr())
		return
	}
	node := att.members[conn]
	s.metrics.RecordReset()

	attemptNo := node.IncrementRetries()
	if attemptNo <= node.Retries() {
		s.log.Warn("Attempt failed, requeueing",
			"node", att.key, "member", node.String(),
			"attempt", attemptNo, "budget", node.Retries(), "detail", detail)
		s.teardownAttempt(att, skip, "peer attempt failed")
		att.logical.SetStatus(flow.StatusPending)
		s.tracker.Requeue(att.key)
		s.dispatchReady()
		return
	}

	s.log.Error("Retry budget exhausted",
		"node", att.key, "member", node.String(), "detail", detail)
	s.teardownAttempt(att, skip, "flow failed")
	s.failFlow(att.key.Flow)
}

func (s *Server) handleDisconnect(conn *transport.Conn) {
	info := s.registry.Remove(conn)
	if info == nil {
		return
	}
	conn.Close()
	s.metrics.SetClientsConnected(s.registry.Len())

	att := s.connAttempt[conn]
	if att == nil {
		s.log.Info("Client disconnected", "remote", conn.RemoteAddr())
		return
	}

	// A lost client recycles the attempt without charging the member's
	// retry budget.
	s.log.Warn("Client lost mid-attempt", "remote", conn.RemoteAddr(), "node", att.key)
	s.metrics.RecordReset()
	s.teardownAttempt(att, conn, "peer client disconnected")
	att.logical.SetStatus(flow.StatusPending)
	s.tracker.Requeue(att.key)
	s.dispatchReady()
}

func (s *Server) handleDataRequest(conn *transport.Conn, pathname string) {
	if s.cfg.DataDir == "" {
		s.log.Warn("Dropping data request, no data directory", "pathname", pathname)
		return
	}

	// Rooting the cleaned pathname keeps the lookup inside the data
	// directory regardless of what the client asked for.
	full := filepath.Join(s.cfg.DataDir, filepath.Clean("/"+pathname))
	data, err := os.ReadFile(full)
	if err != nil {
		s.log.Warn("Data request failed", "pathname", pathname, "error", err)
		return
	}
	s.send(conn, event.Event{Kind: event.KindDataRequest, Pathname: pathname, Data: data})
}

// ============================================================================
// Dispatch
// ============================================================================

// dispatchReady makes one pass over the ready queue, dispatching every
// logical node that can be placed. Unplaceable nodes return to the back of
// the queue and wait for the next announce or completion.
func (s *Server) dispatchReady() {
	for n := s.tracker.QueueLen(); n > 0; n-- {
		key, ok := s.tracker.Next()
		if !ok {
			break
		}
		if !s.dispatch(key) {
			s.tracker.Requeue(key)
		}
	}
	s.metrics.UpdateFlowStats(s.tracker.QueueLen(), len(s.attempts))
}

func (s *Server) dispatch(key NodeKey) bool {
	logical, ok := s.tracker.Logical(key)
	if !ok {
		s.log.Warn("Dropping ready node without flow", "node", key)
		s.tracker.Drop(key)
		return true
	}

	members := logical.Nodes()
	placement := s.place(members)
	if placement == nil {
		return false
	}

	// Fresh transfer identifiers for everything this attempt produces, so a
	// redispatch never collides with a stale peer connection.
	for _, node := range members {
		for _, e := range node.Out() {
			if !e.Dummy() {
				e.Generate()
			}
		}
	}

	// Producer dial addresses by stream identifier. Stream edges never
	// leave the logical node, so every producer is a member.
	addrByID := make(map[string]string)
	for _, node := range members {
		for _, e := range node.Out() {
			if se, ok := e.(*flow.StreamEdge); ok {
				addrByID[se.ID()] = placement[node].Address
			}
		}
	}

	att := &attempt{
		key:     key,
		logical: logical,
		members: make(map[*transport.Conn]*flow.Node, len(members)),
		acked:   make(map[*transport.Conn]bool, len(members)),
		phase:   flow.StatusResource,
	}
	now := time.Now()
	for _, node := range members {
		info := placement[node]
		state := flow.NewClientState(node, info.Address, info.Domain)
		state.SetDeadline(now.Add(node.Timeout()))
		node.SetClient(state)

		att.members[info.Conn] = node
		s.connAttempt[info.Conn] = att
		s.registry.SetBusy(info.Conn, true)
	}
	s.attempts[key] = att
	logical.SetStatus(flow.StatusResource)

	var lost *transport.Conn
	for _, node := range members {
		info := placement[node]
		msg := node.CreateDispatchMessage()
		msg.Client = info.Address
		for _, r := range msg.In {
			if r.Kind == codelet.KindInputStream {
				r.Addr = addrByID[r.ID]
			}
		}
		if err := s.send(info.Conn, event.Event{Kind: event.KindResource, Dispatch: msg}); err != nil {
			lost = info.Conn
			break
		}
		s.metrics.RecordDispatch()
	}
	if lost != nil {
		s.handleDisconnect(lost)
		return true
	}

	s.log.Info("Dispatched", "node", key, "members", len(members))
	return true
}

// place picks a distinct idle client for every member, greedily in member
// order. Returns nil when the current idle set cannot carry the group.
func (s *Server) place(members []*flow.Node) map[*flow.Node]*ClientInfo {
	idle := s.registry.Available()
	if len(idle) < len(members) {
		return nil
	}

	placement := make(map[*flow.Node]*ClientInfo, len(members))
	used := make(map[*ClientInfo]bool, len(members))
	for _, node := range members {
		var chosen *ClientInfo
		for _, info := range idle {
			if !used[info] && node.IsSatisfiedBy(info.Domain) {
				chosen = info
				break
			}
		}
		if chosen == nil {
			return nil
		}
		used[chosen] = true
		placement[node] = chosen
	}
	return placement
}

// teardownAttempt releases every member of the attempt. Members other than
// skip are sent a reset so they abandon the paired work.
func (s *Server) teardownAttempt(att *attempt, skip *transport.Conn, detail string) {
	for mc, node := range att.members {
		delete(s.connAttempt, mc)
		s.registry.SetBusy(mc, false)
		node.SetClient(nil)
		if mc != skip {
			s.send(mc, event.Event{Kind: event.KindReset, Detail: detail})
		}
	}
	delete(s.attempts, att.key)
}

func (s *Server) failFlow(name string) {
	s.appendRecord(journal.OpFail, name, 0, "")
	s.metrics.RecordFailed()

	for _, key := range s.tracker.MarkFailed(name) {
		if sibling := s.attempts[key]; sibling != nil {
			s.teardownAttempt(sibling, nil, "flow failed")
		}
	}
	s.log.Error("Flow failed", "flow", name)
	s.metrics.UpdateFlowStats(s.tracker.QueueLen(), len(s.attempts))
}

// sweepTimeouts recycles attempts whose members blew their deadline. A
// timeout counts as a failed attempt for retry accounting. The expired member
// never reported anything and may still be running, so it receives a reset
// like its peers.
func (s *Server) sweepTimeouts() {
	now := time.Now()

	var expired []*transport.Conn
	for _, att := range s.attempts {
		for mc, node := range att.members {
			state := node.Client()
			if state == nil || state.Deadline().IsZero() {
				continue
			}
			if now.After(state.Deadline()) {
				expired = append(expired, mc)
				break
			}
		}
	}

	for _, mc := range expired {
		if att := s.connAttempt[mc]; att != nil {
			s.recycleMember(mc, nil, "attempt timed out")
		}
	}
}

// ============================================================================
// Submission, stats, persistence
// ============================================================================

func (s *Server) submit(f *flow.Flow, source string) error {
	if s.tracker.Has(f.Name()) {
		return fmt.Errorf("%w: %s", ErrDuplicateFlow, f.Name())
	}

	s.appendRecord(journal.OpSubmit, f.Name(), 0, source)
	if err := s.tracker.Submit(f, source); err != nil {
		return err
	}
	s.log.Info("Flow submitted",
		"flow", f.Name(), "nodes", len(f.Nodes()), "logicals", len(f.Logicals()))
	s.dispatchReady()
	return nil
}

func (s *Server) stats() Stats {
	total, idle := s.registry.Counts()
	return Stats{
		Clients:     total,
		IdleClients: idle,
		Scheduling:  s.tracker.Stats(),
		Flows:       s.tracker.FlowStates(),
	}
}

func (s *Server) send(conn *transport.Conn, ev event.Event) error {
	if err := conn.Send(ev); err != nil {
		s.log.Warn("Send failed", "kind", ev.Kind, "remote", conn.RemoteAddr(), "error", err)
		return err
	}
	return nil
}

func (s *Server) appendRecord(op journal.Op, flowName string, order int, source string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(op, flowName, order, source); err != nil {
		s.log.Error("Journal append failed", "op", op, "flow", flowName, "error", err)
	}
}

func (s *Server) checkpointNow() {
	if s.ckpt == nil {
		return
	}
	data := checkpoint.Data{
		LastSeq: s.journal.LastSeq(),
		Flows:   s.tracker.Snapshot(),
	}
	if err := s.ckpt.Write(data); err != nil {
		s.log.Error("Checkpoint write failed", "error", err)
		return
	}
	s.log.Debug("Checkpoint written", "flows", len(data.Flows), "last_seq", data.LastSeq)
}

// maybeRotate starts a fresh journal file once the previous one has been
// absorbed by a checkpoint.
func (s *Server) maybeRotate() {
	if s.journal == nil || s.ckpt == nil {
		return
	}
	seq := s.journal.LastSeq()
	if seq == s.rotatedSeq {
		return
	}
	if err := s.journal.Rotate(); err != nil {
		s.log.Warn("Journal rotation failed", "error", err)
		return
	}
	s.rotatedSeq = seq
}

// recover rebuilds scheduling state from the checkpoint and the journal
// tail. Work that was in flight at the crash was never journaled as
// finished, so it comes back ready and is simply dispatched again.
func (s *Server) recover() error {
	if s.ckpt == nil && s.journal == nil {
		return nil
	}
	start := time.Now()

	var data checkpoint.Data
	if s.ckpt != nil {
		var err error
		data, err = s.ckpt.Load()
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		s.tracker.Restore(data.Flows, s.cfg.Loader, s.log)
	}

	if s.journal != nil {
		replayed := 0
		err := s.journal.Replay(func(rec journal.Record) error {
			if rec.Seq <= data.LastSeq {
				return nil
			}
			s.applyRecord(rec)
			replayed++
			return nil
		})
		if err != nil {
			s.log.Error("Journal replay stopped early", "error", err)
		}
		if replayed > 0 {
			s.log.Info("Journal tail replayed", "records", replayed)
		}
	}

	elapsed := time.Since(start)
	s.metrics.SetRecoverySeconds(elapsed.Seconds())

	if st := s.tracker.Stats(); st.Flows > 0 {
		s.log.Info("Recovered scheduling state",
			"flows", st.Flows, "ready", st.Ready, "finished", st.Finished,
			"elapsed", elapsed)
	}

	s.checkpointNow()
	s.maybeRotate()
	return nil
}

func (s *Server) applyRecord(rec journal.Record) {
	switch rec.Op {
	case journal.OpSubmit:
		if s.tracker.Has(rec.Flow) {
			return
		}
		if rec.Source == "" {
			s.log.Warn("Skipping unrecoverable flow without definition source", "flow", rec.Flow)
			return
		}
		if s.cfg.Loader == nil {
			s.log.Warn("Skipping flow recovery, no definition loader configured", "flow", rec.Flow)
			return
		}
		f, err := s.cfg.Loader(rec.Source)
		if err != nil {
			s.log.Warn("Skipping flow, definition reload failed",
				"flow", rec.Flow, "source", rec.Source, "error", err)
			return
		}
		if err := s.tracker.Submit(f, rec.Source); err != nil {
			s.log.Warn("Skipping flow, resubmission failed", "flow", rec.Flow, "error", err)
		}
	case journal.OpFinish:
		if _, err := s.tracker.ApplyFinish(NodeKey{Flow: rec.Flow, Order: rec.Order}); err != nil {
			s.log.Warn("Dropping stale journal completion",
				"flow", rec.Flow, "order", rec.Order, "error", err)
		}
	case journal.OpFail:
		s.tracker.MarkFailed(rec.Flow)
	default:
		s.log.Warn("Unknown journal record", "op", rec.Op, "seq", rec.Seq)
	}
}
