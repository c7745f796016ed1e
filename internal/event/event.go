// ============================================================================
// dapper control events
// ============================================================================
//
// Package: internal/event
//
// One event vocabulary serves three traffics:
//   1. wire events exchanged between server and client (RESOURCE, PREPARE, ...)
//   2. events posted by a client's concurrent helpers (STREAM_READY, EXECUTE_ACK)
//   3. self-posted control signals (REFRESH, SHUTDOWN)
//
// Every event carries an origin tag. Locally generated events may additionally
// carry the owned reference they concern (the current job or connector), which
// handlers compare against their own state to drop stale traffic.
//
// ============================================================================

package event

import (
	"net"

	"github.com/carsomyr/dapper/pkg/codelet"
)

// Kind identifies a control event type.
type Kind string

const (
	KindStart       Kind = "START"        // local: begin the client session
	KindConnected   Kind = "CONNECTED"    // local: server connection established
	KindAddress     Kind = "ADDRESS"      // client -> server: address + domain announce
	KindResource    Kind = "RESOURCE"     // server -> client: node assignment
	KindResourceAck Kind = "RESOURCE_ACK" // client -> server
	KindPrepare     Kind = "PREPARE"      // server -> client: open peer streams
	KindPrepareAck  Kind = "PREPARE_ACK"  // client -> server
	KindExecute     Kind = "EXECUTE"      // server -> client: run the codelet
	KindExecuteAck  Kind = "EXECUTE_ACK"  // client -> server, also posted by the job
	KindStreamReady Kind = "STREAM_READY" // local: a peer stream came up
	KindDataRequest Kind = "DATA_REQUEST" // bidirectional: pathname, optional payload
	KindReset       Kind = "RESET"        // bidirectional: tear down the current attempt
	KindError       Kind = "ERROR"        // local: connection-level failure
	KindRefresh     Kind = "REFRESH"      // local, self-posted
	KindShutdown    Kind = "SHUTDOWN"     // local, self-posted then propagated
)

// Origin tags where an event came from.
type Origin string

const (
	// Local marks events generated inside this process: helper workers,
	// self-posts, and session control.
	Local Origin = "local"
	// Remote marks events decoded off a network connection.
	Remote Origin = "remote"
)

// DispatchMessage is the payload of a RESOURCE assignment: the descriptors a
// node derives from its non-dummy edges, the codelet to run, and the
// serialized parameter document. Client is the target client identifier,
// filled in by the scheduler before sending, never by the node itself.
type DispatchMessage struct {
	In         []*codelet.Resource `json:"in"`
	Out        []*codelet.Resource `json:"out"`
	CodeletID  string              `json:"codelet_id"`
	Parameters string              `json:"parameters"`
	Client     string              `json:"client,omitempty"`
}

// Event is one control message. Payload fields are sparse: each kind uses the
// few fields that apply to it and leaves the rest zero.
type Event struct {
	Kind   Kind
	Origin Origin

	Address  string           // ADDRESS
	Domain   string           // ADDRESS
	Dispatch *DispatchMessage // RESOURCE
	StreamID string           // STREAM_READY
	Conn     net.Conn         // STREAM_READY, never serialized
	Pathname string           // DATA_REQUEST
	Data     []byte           // DATA_REQUEST
	Detail   string           // RESET, ERROR

	// Concern is the owned reference a local event is about: the job that
	// finished, the connector that failed. Handlers match it against their
	// currently owned state and silently drop events about anything else.
	Concern any
}
