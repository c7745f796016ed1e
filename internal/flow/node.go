// ============================================================================
// dapper flow graph - node model
// ============================================================================
//
// Package: internal/flow
//
// A Flow is a directed acyclic graph of codelet invocations. Each Node owns
// one codelet reference, its execution policy (timeout, retry budget, domain
// placement pattern), its ordered edge lists, and the logic to build the
// dispatch message sent to a client when the node is assigned.
//
// Identity: a node is identified by the order assigned during the graph's
// depth-first traversal. Orders are dense, unique within a flow, and never
// reassigned; they give diagnostics and scheduling a stable total order.
//
// ============================================================================

package flow

import (
	"regexp"
	"time"

	"github.com/beevik/etree"

	"github.com/carsomyr/dapper/internal/event"
	"github.com/carsomyr/dapper/pkg/codelet"
)

// Process-wide execution policy defaults, applied at node construction and
// overridable per node.
var (
	DefaultTimeout = 24 * time.Hour
	DefaultRetries = 8
)

// Node is one vertex of a flow graph.
type Node struct {
	codeletID string
	codelet   codelet.Codelet

	parameters *etree.Element

	timeout        time.Duration
	retries        int
	currentRetries int

	domainPattern *regexp.Regexp
	patternExpr   string

	name  string
	order int
	depth int

	in  []Edge
	out []Edge

	logical *LogicalNode
	client  *ClientState

	attachment any
}

// NewNode resolves the codelet registered under codeletID and builds a node
// around it with default policy, empty edge lists, no placement pattern, and
// no bindings.
func NewNode(codeletID string) (*Node, error) {
	c, err := codelet.Resolve(codeletID)
	if err != nil {
		return nil, err
	}

	return &Node{
		codeletID:  codeletID,
		codelet:    c,
		parameters: codelet.EmptyParameters(),
		timeout:    DefaultTimeout,
		retries:    DefaultRetries,
		order:      -1,
		depth:      -1,
	}, nil
}

// CodeletID returns the identifier the node's codelet was resolved from.
func (n *Node) CodeletID() string { return n.codeletID }

// Codelet returns the resolved codelet instance. Immutable once bound.
func (n *Node) Codelet() codelet.Codelet { return n.codelet }

// ============================================================================
// Execution policy
// ============================================================================

// SetDomainPattern compiles expr as a full-match pattern and stores it. A
// client satisfies the node only if its whole domain string matches.
func (n *Node) SetDomainPattern(expr string) error {
	p, err := regexp.Compile(`\A(?:` + expr + `)\z`)
	if err != nil {
		return &codelet.PolicyError{Pattern: expr, Err: err}
	}
	n.domainPattern = p
	n.patternExpr = expr
	return nil
}

// DomainPattern returns the original pattern expression, empty when the node
// is trivial.
func (n *Node) DomainPattern() string { return n.patternExpr }

// Trivial reports whether the node has no placement pattern. A trivial node
// is satisfied by every client.
func (n *Node) Trivial() bool { return n.domainPattern == nil }

// IsSatisfiedBy reports whether a client presenting the given domain may run
// this node. The absent-pattern case is checked explicitly: a trivial node
// accepts everything.
func (n *Node) IsSatisfiedBy(domain string) bool {
	if n.domainPattern == nil {
		return true
	}
	return n.domainPattern.MatchString(domain)
}

// SetParameters validates the root-tag contract and replaces the node's
// parameter document.
func (n *Node) SetParameters(el *etree.Element) error {
	if err := codelet.ValidateParameters(el); err != nil {
		return err
	}
	n.parameters = el
	return nil
}

// Parameters returns the node's parameter document.
func (n *Node) Parameters() *etree.Element { return n.parameters }

func (n *Node) Timeout() time.Duration { return n.timeout }
func (n *Node) SetTimeout(d time.Duration) { n.timeout = d }
func (n *Node) Retries() int { return n.retries }
func (n *Node) SetRetries(budget int) { n.retries = budget }
func (n *Node) CurrentRetries() int { return n.currentRetries }

// IncrementRetries bumps the retry counter and returns the new value. The
// counter only ever moves forward within a node's lifetime; callers compare
// the result against Retries to decide whether the budget is exhausted.
func (n *Node) IncrementRetries() int {
	n.currentRetries++
	return n.currentRetries
}

// ============================================================================
// Structure
// ============================================================================

// Order returns the node's traversal order, -1 before assignment.
func (n *Node) Order() int { return n.order }

// SetOrder records the traversal order. Assigned exactly once, by the flow's
// graph traversal.
func (n *Node) SetOrder(order int) { n.order = order }

// Depth returns the node's layer within the graph, -1 before assignment.
func (n *Node) Depth() int { return n.depth }

// SetDepth records the node's layer. Assigned by the flow's graph traversal.
func (n *Node) SetDepth(depth int) { n.depth = depth }

// In returns the ordered incoming edges.
func (n *Node) In() []Edge { return n.in }

// Out returns the ordered outgoing edges.
func (n *Node) Out() []Edge { return n.out }

func (n *Node) addIn(e Edge)  { n.in = append(n.in, e) }
func (n *Node) addOut(e Edge) { n.out = append(n.out, e) }

// Logical returns the bound per-graph-instance status tracker, nil when
// unbound.
func (n *Node) Logical() *LogicalNode { return n.logical }

func (n *Node) SetLogical(l *LogicalNode) { n.logical = l }

// Client returns the binding of the node's current dispatch attempt, nil
// when no client holds the node.
func (n *Node) Client() *ClientState { return n.client }

func (n *Node) SetClient(s *ClientState) { n.client = s }

// Attachment returns the caller-owned value hung on the node.
func (n *Node) Attachment() any { return n.attachment }

func (n *Node) SetAttachment(v any) { n.attachment = v }

// Name returns the display name, empty when unset.
func (n *Node) Name() string { return n.name }

// SetName sets the display name. Names are optional but never empty.
func (n *Node) SetName(name string) error {
	if name == "" {
		return &codelet.ValidationError{What: "node name", Reason: "must not be empty"}
	}
	n.name = name
	return nil
}

// ============================================================================
// Dispatch
// ============================================================================

// Clone produces an independent copy of the node: edge lists reset to empty
// (the graph copy rebuilds them), the logical binding cleared (it is
// graph-instance specific), and the client state deep-copied and repointed to
// the clone. The codelet and parameter document are shared by reference.
func (n *Node) Clone() *Node {
	clone := *n
	clone.in = nil
	clone.out = nil
	clone.logical = nil
	if n.client != nil {
		clone.client = n.client.clone(&clone)
	}
	return &clone
}

// CreateDispatchMessage builds the assignment payload for this node: input
// descriptors from the consuming side of non-dummy incoming edges, output
// descriptors from the producing side of non-dummy outgoing edges, the
// codelet identifier, and the serialized parameter document. Dummy edges
// contribute nothing. The target client tag is left empty for the scheduler
// to fill.
func (n *Node) CreateDispatchMessage() *event.DispatchMessage {
	msg := &event.DispatchMessage{
		In:         make([]*codelet.Resource, 0, len(n.in)),
		Out:        make([]*codelet.Resource, 0, len(n.out)),
		CodeletID:  n.codeletID,
		Parameters: codelet.MarshalParameters(n.parameters),
	}

	for _, e := range n.in {
		if e.Dummy() {
			continue
		}
		msg.In = append(msg.In, e.ConsumerResource())
	}
	for _, e := range n.out {
		if e.Dummy() {
			continue
		}
		msg.Out = append(msg.Out, e.ProducerResource())
	}

	return msg
}

// Compare orders nodes by their assigned traversal order.
func (n *Node) Compare(other *Node) int {
	switch {
	case n.order < other.order:
		return -1
	case n.order > other.order:
		return 1
	default:
		return 0
	}
}

// String is the display form: the name when set, the codelet identifier
// otherwise.
func (n *Node) String() string {
	if n.name != "" {
		return n.name
	}
	return n.codeletID
}
