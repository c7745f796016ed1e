package flow

import (
	"github.com/google/uuid"

	"github.com/carsomyr/dapper/pkg/codelet"
)

// Edge is a directed connection between two nodes. A dummy edge orders
// execution and nothing more; a real edge materializes a resource descriptor
// on its producing and consuming sides.
type Edge interface {
	Producer() *Node
	Consumer() *Node
	Name() string

	// Dummy reports whether the edge carries no resource.
	Dummy() bool

	// Generate mints fresh transfer identifiers for the next dispatch of
	// this edge. Called by the scheduler before building dispatch messages
	// so that a re-dispatched attempt never collides with a stale one.
	Generate()

	// ProducerResource is the descriptor seen by the producing node, nil
	// for dummy edges. ConsumerResource is the consuming side.
	ProducerResource() *codelet.Resource
	ConsumerResource() *codelet.Resource
}

// ============================================================================
// Dummy edge
// ============================================================================

// DummyEdge is a pure ordering constraint between two nodes.
type DummyEdge struct {
	producer *Node
	consumer *Node
}

func NewDummyEdge(producer, consumer *Node) *DummyEdge {
	return &DummyEdge{producer: producer, consumer: consumer}
}

func (e *DummyEdge) Producer() *Node { return e.producer }
func (e *DummyEdge) Consumer() *Node { return e.consumer }
func (e *DummyEdge) Name() string    { return "" }
func (e *DummyEdge) Dummy() bool     { return true }
func (e *DummyEdge) Generate()       {}

func (e *DummyEdge) ProducerResource() *codelet.Resource { return nil }
func (e *DummyEdge) ConsumerResource() *codelet.Resource { return nil }

// ============================================================================
// Stream edge
// ============================================================================

// StreamEdge carries a byte stream between two codelets executing
// concurrently. Both sides share the stream identifier; the consumer's
// descriptor additionally receives the producer client's dial address from
// the scheduler.
type StreamEdge struct {
	producer *Node
	consumer *Node
	name     string
	id       string
}

func NewStreamEdge(producer, consumer *Node, name string) *StreamEdge {
	return &StreamEdge{producer: producer, consumer: consumer, name: name}
}

func (e *StreamEdge) Producer() *Node { return e.producer }
func (e *StreamEdge) Consumer() *Node { return e.consumer }
func (e *StreamEdge) Name() string    { return e.name }
func (e *StreamEdge) Dummy() bool     { return false }

// ID returns the current transfer identifier, empty before the first
// Generate.
func (e *StreamEdge) ID() string { return e.id }

func (e *StreamEdge) Generate() { e.id = uuid.NewString() }

func (e *StreamEdge) ProducerResource() *codelet.Resource {
	return &codelet.Resource{Kind: codelet.KindOutputStream, ID: e.id, Name: e.name}
}

func (e *StreamEdge) ConsumerResource() *codelet.Resource {
	return &codelet.Resource{Kind: codelet.KindInputStream, ID: e.id, Name: e.name}
}

// ============================================================================
// Handle edge
// ============================================================================

// HandleEdge passes a named artifact reference from a finished producer to a
// later consumer. The handle itself moves out of band; the edge only carries
// its name.
type HandleEdge struct {
	producer *Node
	consumer *Node
	name     string
	id       string
	handle   string
}

func NewHandleEdge(producer, consumer *Node, name string) *HandleEdge {
	return &HandleEdge{producer: producer, consumer: consumer, name: name}
}

func (e *HandleEdge) Producer() *Node { return e.producer }
func (e *HandleEdge) Consumer() *Node { return e.consumer }
func (e *HandleEdge) Name() string    { return e.name }
func (e *HandleEdge) Dummy() bool     { return false }

func (e *HandleEdge) Generate() { e.id = uuid.NewString() }

// SetHandle records the artifact reference announced by the producer.
func (e *HandleEdge) SetHandle(handle string) { e.handle = handle }
func (e *HandleEdge) Handle() string          { return e.handle }

func (e *HandleEdge) ProducerResource() *codelet.Resource {
	return &codelet.Resource{Kind: codelet.KindOutputHandle, ID: e.id, Name: e.name, Handle: e.handle}
}

func (e *HandleEdge) ConsumerResource() *codelet.Resource {
	return &codelet.Resource{Kind: codelet.KindInputHandle, ID: e.id, Name: e.name, Handle: e.handle}
}
