package flow

import (
	"time"

	"github.com/carsomyr/dapper/internal/client"
)

// ClientState binds one dispatch attempt of a node to a specific connected
// client. The scheduler creates it when the node is assigned and clears it
// when the attempt ends; its status mirrors the remote client's position in
// the protocol lifecycle.
type ClientState struct {
	node     *Node
	status   client.Status
	address  string
	domain   string
	deadline time.Time
}

// NewClientState binds node to the client identified by its announce
// address and domain.
func NewClientState(node *Node, address, domain string) *ClientState {
	return &ClientState{
		node:    node,
		status:  client.StatusResource,
		address: address,
		domain:  domain,
	}
}

// Node returns the bound node.
func (s *ClientState) Node() *Node { return s.node }

// SetNode repoints the binding, used when a cloned node adopts the state.
func (s *ClientState) SetNode(n *Node) { s.node = n }

func (s *ClientState) Status() client.Status          { return s.status }
func (s *ClientState) SetStatus(status client.Status) { s.status = status }

// Address returns the client's announced address.
func (s *ClientState) Address() string { return s.address }

// Domain returns the client's placement domain.
func (s *ClientState) Domain() string { return s.domain }

// Deadline returns the attempt's expiry, zero when no timeout is armed.
func (s *ClientState) Deadline() time.Time { return s.deadline }

func (s *ClientState) SetDeadline(t time.Time) { s.deadline = t }

// clone deep-copies the state for a cloned node and repoints the
// back-reference to the new owner.
func (s *ClientState) clone(owner *Node) *ClientState {
	c := *s
	c.node = owner
	return &c
}

// StatusOf resolves a node's display status by priority: a bound client
// attempt wins, then the graph-instance status, then pending.
func StatusOf(n *Node) string {
	if s := n.Client(); s != nil {
		return string(s.Status())
	}
	if l := n.Logical(); l != nil {
		return string(l.Status())
	}
	return string(StatusPending)
}
