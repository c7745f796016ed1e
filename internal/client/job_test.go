package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/pkg/codelet"
)

// stubCodelet records its invocations. With block set it runs until its
// context is canceled.
type stubCodelet struct {
	err   error
	block bool

	mu   sync.Mutex
	runs int
	env  *codelet.Env
}

func (s *stubCodelet) Run(ctx context.Context, env *codelet.Env) error {
	s.mu.Lock()
	s.runs++
	s.env = env
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}

func (s *stubCodelet) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *stubCodelet) Env() *codelet.Env {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.env
}

// registerStub registers the codelet under an identifier derived from the
// test name, keeping the global registry collision-free across tests.
func registerStub(t *testing.T, c codelet.Codelet) string {
	t.Helper()
	id := "client/" + t.Name()
	require.NoError(t, codelet.Register(id, func() codelet.Codelet { return c }))
	return id
}

// postChan returns a post func feeding a buffered channel.
func postChan() (func(event.Event), chan event.Event) {
	ch := make(chan event.Event, 32)
	return func(ev event.Event) { ch <- ev }, ch
}

func waitEvent(t *testing.T, events <-chan event.Event) event.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return event.Event{}
}

func assertNoEvent(t *testing.T, events <-chan event.Event) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewJobUnknownCodelet(t *testing.T) {
	post, _ := postChan()

	_, err := NewJob(&event.DispatchMessage{CodeletID: "client/no-such-codelet"}, post, nil)
	require.Error(t, err)

	var rerr *codelet.ResolutionError
	assert.ErrorAs(t, err, &rerr)
}

func TestNewJobParameters(t *testing.T) {
	id := registerStub(t, &stubCodelet{})
	post, _ := postChan()

	// Empty parameter text falls back to the shared empty document.
	j, err := NewJob(&event.DispatchMessage{CodeletID: id}, post, nil)
	require.NoError(t, err)
	assert.Same(t, codelet.EmptyParameters(), j.params)

	// A document with the wrong root tag is refused.
	_, err = NewJob(&event.DispatchMessage{CodeletID: id, Parameters: "<config/>"}, post, nil)
	require.Error(t, err)
	var verr *codelet.ValidationError
	assert.ErrorAs(t, err, &verr)

	// So is text that does not parse at all.
	_, err = NewJob(&event.DispatchMessage{CodeletID: id, Parameters: "not xml"}, post, nil)
	assert.Error(t, err)
}

func TestJobStreamBinding(t *testing.T) {
	id := registerStub(t, &stubCodelet{})
	post, _ := postChan()

	in := &codelet.Resource{Kind: codelet.KindInputStream, ID: "s-in", Name: "in"}
	out := &codelet.Resource{Kind: codelet.KindOutputStream, ID: "s-out", Name: "out"}
	j, err := NewJob(&event.DispatchMessage{
		CodeletID: id,
		In:        []*codelet.Resource{in},
		Out:       []*codelet.Resource{out},
	}, post, nil)
	require.NoError(t, err)

	assert.False(t, j.Ready(), "job with unbound streams should not be ready")

	c1, p1 := net.Pipe()
	defer p1.Close()
	c2, p2 := net.Pipe()
	defer p2.Close()

	assert.False(t, j.RegisterStream("unknown", c1), "unknown stream identifier")
	assert.True(t, j.RegisterStream("s-in", c1))
	assert.False(t, j.RegisterStream("s-in", c2), "stream already bound")
	assert.False(t, j.Ready(), "one stream still unbound")

	assert.True(t, j.RegisterStream("s-out", c2))
	assert.True(t, j.Ready())

	// Binding lands on the resource the codelet will see.
	assert.Same(t, c1, in.Conn)
	assert.Same(t, c2, out.Conn)

	j.Close()
}

func TestJobConnectTargets(t *testing.T) {
	id := registerStub(t, &stubCodelet{})
	post, _ := postChan()

	inStream := &codelet.Resource{Kind: codelet.KindInputStream, ID: "s1", Addr: "127.0.0.1:9"}
	inHandle := &codelet.Resource{Kind: codelet.KindInputHandle, ID: "h1"}
	outStream := &codelet.Resource{Kind: codelet.KindOutputStream, ID: "s2"}

	j, err := NewJob(&event.DispatchMessage{
		CodeletID: id,
		In:        []*codelet.Resource{inStream, inHandle},
		Out:       []*codelet.Resource{outStream},
	}, post, nil)
	require.NoError(t, err)

	targets := j.ConnectTargets()
	require.Len(t, targets, 1, "only incoming streams are dialed")
	assert.Same(t, inStream, targets[0])
}

func TestJobRunSuccess(t *testing.T) {
	stub := &stubCodelet{}
	id := registerStub(t, stub)
	post, events := postChan()

	j, err := NewJob(&event.DispatchMessage{CodeletID: id}, post, nil)
	require.NoError(t, err)

	j.RegisterData("lib/extra.bin", []byte{0xca, 0xfe})
	j.Start()

	ev := waitEvent(t, events)
	assert.Equal(t, event.KindExecuteAck, ev.Kind)
	assert.Equal(t, event.Local, ev.Origin)
	assert.Same(t, j, ev.Concern, "completion should be tagged with its job")

	env := stub.Env()
	require.NotNil(t, env)
	assert.Equal(t, []byte{0xca, 0xfe}, env.Data["lib/extra.bin"])
	assert.Same(t, j.params, env.Parameters)
}

func TestJobRunFailure(t *testing.T) {
	stub := &stubCodelet{err: errors.New("boom")}
	id := registerStub(t, stub)
	post, events := postChan()

	j, err := NewJob(&event.DispatchMessage{CodeletID: id}, post, nil)
	require.NoError(t, err)

	j.Start()

	ev := waitEvent(t, events)
	assert.Equal(t, event.KindReset, ev.Kind)
	assert.Equal(t, event.Local, ev.Origin)
	assert.Same(t, j, ev.Concern)
	assert.Contains(t, ev.Detail, "boom")
}

func TestJobStartOnce(t *testing.T) {
	stub := &stubCodelet{}
	id := registerStub(t, stub)
	post, events := postChan()

	j, err := NewJob(&event.DispatchMessage{CodeletID: id}, post, nil)
	require.NoError(t, err)

	j.Start()
	j.Start()

	waitEvent(t, events)
	assert.Equal(t, 1, stub.Runs(), "second start should be a no-op")
	assertNoEvent(t, events)
}

func TestJobCloseCancelsRun(t *testing.T) {
	stub := &stubCodelet{block: true}
	id := registerStub(t, stub)
	post, events := postChan()

	j, err := NewJob(&event.DispatchMessage{CodeletID: id}, post, nil)
	require.NoError(t, err)

	j.Start()
	assert.Eventually(t, func() bool { return stub.Runs() == 1 },
		2*time.Second, 10*time.Millisecond, "codelet should be running")

	j.Close()

	ev := waitEvent(t, events)
	assert.Equal(t, event.KindReset, ev.Kind)
	assert.Same(t, j, ev.Concern)
}

func TestJobCloseClosesStreams(t *testing.T) {
	id := registerStub(t, &stubCodelet{})
	post, _ := postChan()

	in := &codelet.Resource{Kind: codelet.KindInputStream, ID: "s1"}
	j, err := NewJob(&event.DispatchMessage{
		CodeletID: id,
		In:        []*codelet.Resource{in},
	}, post, nil)
	require.NoError(t, err)

	local, peer := net.Pipe()
	require.True(t, j.RegisterStream("s1", local))

	j.Close()
	j.Close() // idempotent

	_, err = peer.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF, "bound streams should be closed with the job")

	c, p := net.Pipe()
	defer c.Close()
	defer p.Close()
	assert.False(t, j.RegisterStream("s1", c), "closed job should refuse streams")
	assert.False(t, j.Ready(), "closed job should not report ready")
}
