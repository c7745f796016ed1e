package client

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/internal/transport"
	"github.com/carsomyr/dapper/pkg/codelet"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func registerStubNamed(t *testing.T, suffix string, c codelet.Codelet) string {
	t.Helper()
	id := "client/" + t.Name() + "/" + suffix
	require.NoError(t, codelet.Register(id, func() codelet.Codelet { return c }))
	return id
}

// newSyncLogic builds a logic in the Waiting state whose handlers the test
// drives directly. Everything the logic writes to the server comes back on
// the returned channel.
func newSyncLogic(t *testing.T) (*Logic, chan event.Event) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	sent := make(chan event.Event, 32)
	go func() {
		r := bufio.NewReader(b)
		for {
			line, err := r.ReadBytes('\n')
			if err != nil {
				return
			}
			ev, err := event.Decode(bytes.TrimSpace(line))
			if err == nil {
				sent <- ev
			}
		}
	}()

	l := NewLogic(Config{
		ServerAddr: "inproc",
		Announce:   "127.0.0.1:9",
		Domain:     "east-1",
		Log:        discardLog(),
	})

	l.to(StatusConnecting)
	l.Handle(event.Event{
		Kind:    event.KindConnected,
		Origin:  event.Local,
		Concern: transport.NewConn(a, discardLog()),
	})

	ev := waitEvent(t, sent)
	require.Equal(t, event.KindAddress, ev.Kind)
	require.Equal(t, "127.0.0.1:9", ev.Address)
	require.Equal(t, "east-1", ev.Domain)
	require.Equal(t, StatusWaiting, l.Status())

	return l, sent
}

// assign delivers an assignment and checks it was acknowledged.
func assign(t *testing.T, l *Logic, sent chan event.Event, id string, in ...*codelet.Resource) *Job {
	t.Helper()
	l.Handle(event.Event{
		Kind:     event.KindResource,
		Origin:   event.Remote,
		Dispatch: &event.DispatchMessage{CodeletID: id, In: in},
	})
	ev := waitEvent(t, sent)
	require.Equal(t, event.KindResourceAck, ev.Kind)
	require.Equal(t, StatusResource, l.Status())
	require.NotNil(t, l.job)
	return l.job
}

func TestLogicConnectAnnounces(t *testing.T) {
	l, _ := newSyncLogic(t)
	assert.Equal(t, StatusWaiting, l.Status())
}

func TestLogicAssignmentLifecycle(t *testing.T) {
	l, sent := newSyncLogic(t)

	stub := &stubCodelet{}
	id := registerStubNamed(t, "ok", stub)
	job := assign(t, l, sent, id)

	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	assert.Equal(t, StatusPreparing, l.Status())

	// No streams to bind, so the first refresh acknowledges.
	l.Handle(event.Event{Kind: event.KindRefresh, Origin: event.Local})
	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindPrepareAck, ev.Kind)

	// Further refreshes and repeated prepares do not acknowledge again.
	l.Handle(event.Event{Kind: event.KindRefresh, Origin: event.Local})
	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	assertNoEvent(t, sent)

	l.Handle(event.Event{Kind: event.KindExecute, Origin: event.Remote})
	assert.Equal(t, StatusExecuting, l.Status())
	assert.Eventually(t, func() bool { return stub.Runs() == 1 },
		2*time.Second, 10*time.Millisecond, "codelet should run on execute")

	l.Handle(event.Event{Kind: event.KindExecuteAck, Origin: event.Local, Concern: job})
	ev = waitEvent(t, sent)
	assert.Equal(t, event.KindExecuteAck, ev.Kind)
	assert.Equal(t, StatusWaiting, l.Status())
	assert.Nil(t, l.job, "completion should release the job")
	assert.Nil(t, l.connector)
}

func TestLogicRefusesBadAssignment(t *testing.T) {
	l, sent := newSyncLogic(t)

	l.Handle(event.Event{
		Kind:     event.KindResource,
		Origin:   event.Remote,
		Dispatch: &event.DispatchMessage{CodeletID: "client/never-registered"},
	})

	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindReset, ev.Kind)
	assert.Contains(t, ev.Detail, "resolve codelet")
	assert.Equal(t, StatusWaiting, l.Status(), "a refused assignment leaves the client available")
	assert.Nil(t, l.job)

	// The next assignment is unaffected.
	id := registerStubNamed(t, "ok", &stubCodelet{})
	assign(t, l, sent, id)
}

func TestLogicStreamAssignment(t *testing.T) {
	l, sent := newSyncLogic(t)

	stub := &stubCodelet{}
	id := registerStubNamed(t, "consumer", stub)
	in := &codelet.Resource{Kind: codelet.KindInputStream, ID: "s1", Addr: "127.0.0.1:1"}
	assign(t, l, sent, id, in)

	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	require.Equal(t, StatusPreparing, l.Status())

	// Not ready until the stream binds.
	l.Handle(event.Event{Kind: event.KindRefresh, Origin: event.Local})
	assertNoEvent(t, sent)

	local, peer := net.Pipe()
	defer peer.Close()
	l.Handle(event.Event{Kind: event.KindStreamReady, Origin: event.Local, StreamID: "s1", Conn: local})
	l.Handle(event.Event{Kind: event.KindRefresh, Origin: event.Local})
	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindPrepareAck, ev.Kind)

	// A duplicate for an already bound stream is closed, not adopted.
	dup, dupPeer := net.Pipe()
	l.Handle(event.Event{Kind: event.KindStreamReady, Origin: event.Local, StreamID: "s1", Conn: dup})
	_, err := dupPeer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "duplicate stream should be closed")
}

func TestLogicIgnoresPrematureCommands(t *testing.T) {
	l, sent := newSyncLogic(t)

	l.Handle(event.Event{Kind: event.KindExecute, Origin: event.Remote})
	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	assert.Equal(t, StatusWaiting, l.Status())
	assertNoEvent(t, sent)

	// The session still works afterwards.
	id := registerStubNamed(t, "ok", &stubCodelet{})
	assign(t, l, sent, id)
}

func TestLogicResetLocalTagged(t *testing.T) {
	l, sent := newSyncLogic(t)

	id := registerStubNamed(t, "x", &stubCodelet{})
	job := assign(t, l, sent, id)
	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	require.Equal(t, StatusPreparing, l.Status())

	l.Handle(event.Event{
		Kind:    event.KindReset,
		Origin:  event.Local,
		Concern: job,
		Detail:  "dial failed",
	})

	// The failure is forwarded to the server and everything is torn down.
	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindReset, ev.Kind)
	assert.Equal(t, "dial failed", ev.Detail)
	assert.Equal(t, StatusWaiting, l.Status())
	assert.Nil(t, l.job)
	assert.Nil(t, l.connector)
	assert.False(t, job.Ready(), "released job should be closed")
}

func TestLogicResetRemote(t *testing.T) {
	l, sent := newSyncLogic(t)

	id := registerStubNamed(t, "x", &stubCodelet{})
	assign(t, l, sent, id)

	l.Handle(event.Event{Kind: event.KindReset, Origin: event.Remote, Detail: "member timed out"})
	assert.Equal(t, StatusWaiting, l.Status())
	assert.Nil(t, l.job)
	assertNoEvent(t, sent)

	// A second teardown is harmless.
	l.Handle(event.Event{Kind: event.KindReset, Origin: event.Remote})
	assert.Equal(t, StatusWaiting, l.Status())
	assertNoEvent(t, sent)
}

func TestLogicResetStale(t *testing.T) {
	l, sent := newSyncLogic(t)

	idA := registerStubNamed(t, "a", &stubCodelet{})
	staleJob := assign(t, l, sent, idA)

	// Server tears the first assignment down, then hands out a new one.
	l.Handle(event.Event{Kind: event.KindReset, Origin: event.Remote})
	require.Equal(t, StatusWaiting, l.Status())

	idB := registerStubNamed(t, "b", &stubCodelet{})
	currentJob := assign(t, l, sent, idB)

	// A late failure report from the old attempt changes nothing.
	l.Handle(event.Event{
		Kind:    event.KindReset,
		Origin:  event.Local,
		Concern: staleJob,
		Detail:  "late failure",
	})
	assert.Equal(t, StatusResource, l.Status())
	assert.Same(t, currentJob, l.job)
	assertNoEvent(t, sent)
}

func TestLogicStaleExecuteAck(t *testing.T) {
	l, sent := newSyncLogic(t)

	stub := &stubCodelet{}
	id := registerStubNamed(t, "x", stub)
	job := assign(t, l, sent, id)
	l.Handle(event.Event{Kind: event.KindPrepare, Origin: event.Remote})
	l.Handle(event.Event{Kind: event.KindRefresh, Origin: event.Local})
	waitEvent(t, sent) // prepare ack
	l.Handle(event.Event{Kind: event.KindExecute, Origin: event.Remote})
	require.Equal(t, StatusExecuting, l.Status())

	otherJob, err := NewJob(&event.DispatchMessage{CodeletID: id}, func(event.Event) {}, nil)
	require.NoError(t, err)

	l.Handle(event.Event{Kind: event.KindExecuteAck, Origin: event.Local, Concern: otherJob})
	assert.Equal(t, StatusExecuting, l.Status(), "an ack from a foreign job must not complete the attempt")
	assertNoEvent(t, sent)

	l.Handle(event.Event{Kind: event.KindExecuteAck, Origin: event.Local, Concern: job})
	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindExecuteAck, ev.Kind)
	assert.Equal(t, StatusWaiting, l.Status())
}

func TestLogicDataRequests(t *testing.T) {
	l, sent := newSyncLogic(t)

	// Local requests go to the server.
	l.Handle(event.Event{Kind: event.KindDataRequest, Origin: event.Local, Pathname: "lib/extra.bin"})
	ev := waitEvent(t, sent)
	assert.Equal(t, event.KindDataRequest, ev.Kind)
	assert.Equal(t, "lib/extra.bin", ev.Pathname)

	// A delivery with no job to receive it is dropped.
	l.Handle(event.Event{Kind: event.KindDataRequest, Origin: event.Remote, Pathname: "lib/extra.bin", Data: []byte("late")})

	// With a job, the delivery lands in it.
	id := registerStubNamed(t, "x", &stubCodelet{})
	job := assign(t, l, sent, id)
	l.Handle(event.Event{Kind: event.KindDataRequest, Origin: event.Remote, Pathname: "lib/extra.bin", Data: []byte("payload")})

	job.mu.Lock()
	got := job.data["lib/extra.bin"]
	job.mu.Unlock()
	assert.Equal(t, []byte("payload"), got)
}

// fakeServer scripts the scheduler's half of a session over conn: each
// client message is forwarded to recv, and the protocol advances one step.
func fakeServer(conn net.Conn, recv chan<- event.Event, dispatch *event.DispatchMessage) {
	r := bufio.NewReader(conn)
	write := func(ev event.Event) {
		line, err := event.Encode(ev)
		if err != nil {
			return
		}
		conn.Write(append(line, '\n'))
	}

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		ev, err := event.Decode(bytes.TrimSpace(line))
		if err != nil {
			continue
		}
		recv <- ev

		switch ev.Kind {
		case event.KindAddress:
			write(event.Event{Kind: event.KindResource, Dispatch: dispatch})
		case event.KindResourceAck:
			write(event.Event{Kind: event.KindPrepare})
		case event.KindPrepareAck:
			write(event.Event{Kind: event.KindExecute})
		}
	}
}

func TestLogicSessionTrace(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	stub := &stubCodelet{}
	id := registerStubNamed(t, "trace", stub)

	recv := make(chan event.Event, 32)
	go fakeServer(b, recv, &event.DispatchMessage{CodeletID: id})

	l := NewLogic(Config{
		ServerAddr: "inproc",
		Announce:   "127.0.0.1:9",
		Domain:     "east-1",
		Dial: func(addr string, log *slog.Logger) (*transport.Conn, error) {
			return transport.NewConn(a, discardLog()), nil
		},
		Log: discardLog(),
	})
	l.Start()

	// The client's wire trace is the protocol in order.
	for _, want := range []event.Kind{
		event.KindAddress,
		event.KindResourceAck,
		event.KindPrepareAck,
		event.KindExecuteAck,
	} {
		ev := waitEvent(t, recv)
		assert.Equal(t, want, ev.Kind)
	}

	assert.Eventually(t, func() bool { return l.Status() == StatusWaiting },
		2*time.Second, 10*time.Millisecond, "client should return to waiting after completion")
	assert.Equal(t, 1, stub.Runs())

	l.Stop()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not shut down")
	}
	assert.Equal(t, StatusShutdown, l.Status())
}

func TestLogicDialFailureShutsDown(t *testing.T) {
	l := NewLogic(Config{
		ServerAddr: "inproc",
		Announce:   "127.0.0.1:9",
		Domain:     "east-1",
		Dial: func(addr string, log *slog.Logger) (*transport.Conn, error) {
			return nil, errors.New("connection refused")
		},
		Log: discardLog(),
	})
	l.Start()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("a failed server dial should shut the session down")
	}
	assert.Equal(t, StatusShutdown, l.Status())
}

func TestLogicDisconnectShutsDown(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// The server drops the connection right after the announce.
	go func() {
		r := bufio.NewReader(b)
		r.ReadBytes('\n')
		b.Close()
	}()

	l := NewLogic(Config{
		ServerAddr: "inproc",
		Announce:   "127.0.0.1:9",
		Domain:     "east-1",
		Dial: func(addr string, log *slog.Logger) (*transport.Conn, error) {
			return transport.NewConn(a, discardLog()), nil
		},
		Log: discardLog(),
	})
	l.Start()

	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("losing the server connection should shut the session down")
	}
	assert.Equal(t, StatusShutdown, l.Status())
}

func TestLogicStaleErrorIgnored(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// Keep the server side drained so sends never block.
	go io.Copy(io.Discard, b)

	l := NewLogic(Config{
		ServerAddr: "inproc",
		Announce:   "127.0.0.1:9",
		Domain:     "east-1",
		Dial: func(addr string, log *slog.Logger) (*transport.Conn, error) {
			return transport.NewConn(a, discardLog()), nil
		},
		Log: discardLog(),
	})
	l.Start()
	require.Eventually(t, func() bool { return l.Status() == StatusWaiting },
		2*time.Second, 10*time.Millisecond)

	stray, strayPeer := net.Pipe()
	defer stray.Close()
	defer strayPeer.Close()

	l.Post(event.Event{
		Kind:    event.KindError,
		Origin:  event.Local,
		Detail:  "stale connection",
		Concern: transport.NewConn(stray, discardLog()),
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusWaiting, l.Status(), "an error from a stale connection must not shut the session down")

	select {
	case <-l.Done():
		t.Fatal("session should still be running")
	default:
	}

	l.Stop()
	<-l.Done()
}
