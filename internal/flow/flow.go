package flow

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCycle reports that the graph is not acyclic.
	ErrCycle = errors.New("flow contains a cycle")
	// ErrAssigned reports a second traversal over an already-assigned flow.
	ErrAssigned = errors.New("flow already assigned")
	// ErrForeignNode reports an edge endpoint that was never added to the
	// flow.
	ErrForeignNode = errors.New("edge endpoint does not belong to this flow")
)

// Flow is a directed acyclic graph of nodes plus the logical-node layer the
// scheduler dispatches from.
type Flow struct {
	name     string
	nodes    []*Node
	nodeSet  map[*Node]bool
	edges    []Edge
	logicals []*LogicalNode
	byOrder  map[int]*Node
	assigned bool
}

// New creates an empty flow.
func New(name string) *Flow {
	return &Flow{
		name:    name,
		nodeSet: make(map[*Node]bool),
		byOrder: make(map[int]*Node),
	}
}

func (f *Flow) Name() string { return f.name }

// Add appends nodes to the flow in insertion order.
func (f *Flow) Add(nodes ...*Node) {
	for _, n := range nodes {
		if f.nodeSet[n] {
			continue
		}
		f.nodeSet[n] = true
		f.nodes = append(f.nodes, n)
	}
}

// AddEdge wires an edge into both endpoint nodes and the flow. Both
// endpoints must already belong to the flow, and self-loops are rejected.
func (f *Flow) AddEdge(e Edge) error {
	p, c := e.Producer(), e.Consumer()
	if !f.nodeSet[p] || !f.nodeSet[c] {
		return ErrForeignNode
	}
	if p == c {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, p, c)
	}

	p.addOut(e)
	c.addIn(e)
	f.edges = append(f.edges, e)
	return nil
}

// Nodes returns the flow's nodes in insertion order.
func (f *Flow) Nodes() []*Node { return f.nodes }

// Edges returns the flow's edges in insertion order.
func (f *Flow) Edges() []Edge { return f.edges }

// Logicals returns the stream-connected equivalence classes, available after
// Assign.
func (f *Flow) Logicals() []*LogicalNode { return f.logicals }

// Node looks a node up by its assigned order.
func (f *Flow) Node(order int) *Node { return f.byOrder[order] }

// ============================================================================
// Traversal
// ============================================================================

// Assign runs the flow's one-time graph traversal: it rejects cycles,
// numbers every node with a dense depth-first order, layers the graph into
// depths, and computes the logical-node classes with their dependencies.
func (f *Flow) Assign() error {
	if f.assigned {
		return ErrAssigned
	}
	if err := f.detectCycles(); err != nil {
		return err
	}

	// Depth-first preorder from the roots, visiting out-edges in their
	// declared order. In an acyclic graph every node is reachable from
	// some root, so the numbering comes out dense.
	order := 0
	visited := make(map[*Node]bool, len(f.nodes))
	var visit func(n *Node)
	visit = func(n *Node) {
		if visited[n] {
			return
		}
		visited[n] = true
		n.SetOrder(order)
		f.byOrder[order] = n
		order++
		for _, e := range n.Out() {
			visit(e.Consumer())
		}
	}
	for _, n := range f.nodes {
		if len(n.In()) == 0 {
			visit(n)
		}
	}

	f.assignDepths()
	f.assignLogicals()
	f.assigned = true
	return nil
}

// detectCycles walks the graph with the usual three-mark coloring: a gray
// node reached again while still on the stack closes a cycle.
func (f *Flow) detectCycles() error {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[*Node]int, len(f.nodes))

	var dfs func(n *Node) error
	dfs = func(n *Node) error {
		colors[n] = gray
		for _, e := range n.Out() {
			m := e.Consumer()
			switch colors[m] {
			case gray:
				return fmt.Errorf("%w: %s -> %s", ErrCycle, n, m)
			case white:
				if err := dfs(m); err != nil {
					return err
				}
			}
		}
		colors[n] = black
		return nil
	}

	for _, n := range f.nodes {
		if colors[n] == white {
			if err := dfs(n); err != nil {
				return err
			}
		}
	}
	return nil
}

// assignDepths layers the graph: roots sit at depth 0, every other node one
// past its deepest producer.
func (f *Flow) assignDepths() {
	depths := make(map[*Node]int, len(f.nodes))

	var calc func(n *Node) int
	calc = func(n *Node) int {
		if d, ok := depths[n]; ok {
			return d
		}
		d := 0
		for _, e := range n.In() {
			if pd := calc(e.Producer()) + 1; pd > d {
				d = pd
			}
		}
		depths[n] = d
		return d
	}

	for _, n := range f.nodes {
		n.SetDepth(calc(n))
	}
}

// assignLogicals groups nodes into equivalence classes under stream
// connectivity and turns the remaining edges into dependencies between
// classes.
func (f *Flow) assignLogicals() {
	adjacency := make(map[*Node][]*Node)
	for _, e := range f.edges {
		if _, ok := e.(*StreamEdge); !ok {
			continue
		}
		p, c := e.Producer(), e.Consumer()
		adjacency[p] = append(adjacency[p], c)
		adjacency[c] = append(adjacency[c], p)
	}

	ordered := append([]*Node(nil), f.nodes...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order() < ordered[j].Order() })

	f.logicals = nil
	seen := make(map[*Node]bool, len(f.nodes))
	for _, n := range ordered {
		if seen[n] {
			continue
		}

		members := []*Node{n}
		seen[n] = true
		for i := 0; i < len(members); i++ {
			for _, m := range adjacency[members[i]] {
				if !seen[m] {
					seen[m] = true
					members = append(members, m)
				}
			}
		}
		sort.Slice(members, func(i, j int) bool { return members[i].Order() < members[j].Order() })

		l := newLogicalNode(len(f.logicals))
		for _, m := range members {
			l.addNode(m)
		}
		f.logicals = append(f.logicals, l)
	}

	for _, e := range f.edges {
		if _, ok := e.(*StreamEdge); ok {
			continue
		}
		pl, cl := e.Producer().Logical(), e.Consumer().Logical()
		if pl != cl {
			cl.addDependency(pl)
		}
	}
}

// ============================================================================
// Copies and diagnostics
// ============================================================================

// Clone copies the whole graph: nodes clone individually, edges are rebuilt
// between the cloned endpoints, and the logical layer is recomputed when the
// source had already been assigned.
func (f *Flow) Clone() (*Flow, error) {
	c := New(f.name)

	mapping := make(map[*Node]*Node, len(f.nodes))
	for _, n := range f.nodes {
		cn := n.Clone()
		mapping[n] = cn
		c.Add(cn)
		if n.Order() >= 0 {
			c.byOrder[cn.Order()] = cn
		}
	}

	for _, e := range f.edges {
		var clone Edge
		switch t := e.(type) {
		case *DummyEdge:
			clone = NewDummyEdge(mapping[t.producer], mapping[t.consumer])
		case *StreamEdge:
			ne := NewStreamEdge(mapping[t.producer], mapping[t.consumer], t.name)
			ne.id = t.id
			clone = ne
		case *HandleEdge:
			ne := NewHandleEdge(mapping[t.producer], mapping[t.consumer], t.name)
			ne.id, ne.handle = t.id, t.handle
			clone = ne
		default:
			return nil, fmt.Errorf("cannot clone edge of type %T", e)
		}
		if err := c.AddEdge(clone); err != nil {
			return nil, err
		}
	}

	if f.assigned {
		c.assignLogicals()
		c.assigned = true
	}
	return c, nil
}

// StatusCounts tallies the resolved display status of every node, for
// diagnostics and progress reporting.
func (f *Flow) StatusCounts() map[string]int {
	counts := make(map[string]int)
	for _, n := range f.nodes {
		counts[StatusOf(n)]++
	}
	return counts
}
