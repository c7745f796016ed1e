package flow

// ============================================================================
// Logical nodes
//
// Nodes connected through stream edges must execute at the same time: the
// producer writes while the consumer reads. The flow therefore groups its
// nodes into equivalence classes under stream connectivity, one LogicalNode
// per class, and the scheduler dispatches whole classes. Dummy and handle
// edges between members of different classes become dependencies between the
// classes themselves.
// ============================================================================

// LogicalStatus is the per-graph-instance progression of one logical node.
type LogicalStatus string

const (
	// StatusPending: not yet dispatched.
	StatusPending LogicalStatus = "pending"
	// StatusResource: assignments sent, waiting for every member client to
	// acknowledge.
	StatusResource LogicalStatus = "resource"
	// StatusPrepare: prepare commands sent, waiting for every member client
	// to report its streams ready.
	StatusPrepare LogicalStatus = "prepare"
	// StatusExecuting: execute commands sent, codelets running.
	StatusExecuting LogicalStatus = "executing"
	// StatusFinished: every member completed.
	StatusFinished LogicalStatus = "finished"
	// StatusFailed: a member exhausted its retry budget.
	StatusFailed LogicalStatus = "failed"
)

// Terminal reports whether the status can never change again.
func (s LogicalStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// LogicalNode is one stream-connected equivalence class of flow nodes plus
// its runtime status within a graph instance.
type LogicalNode struct {
	order  int
	nodes  []*Node
	status LogicalStatus

	dependencies []*LogicalNode
	dependents   []*LogicalNode
	pendingDeps  int
}

func newLogicalNode(order int) *LogicalNode {
	return &LogicalNode{order: order, status: StatusPending}
}

// Order returns the class index, dense within the flow.
func (l *LogicalNode) Order() int { return l.order }

// Nodes returns the member nodes in traversal order.
func (l *LogicalNode) Nodes() []*Node { return l.nodes }

func (l *LogicalNode) Status() LogicalStatus          { return l.status }
func (l *LogicalNode) SetStatus(status LogicalStatus) { l.status = status }

// Dependencies returns the upstream classes this class waits on.
func (l *LogicalNode) Dependencies() []*LogicalNode { return l.dependencies }

// Dependents returns the downstream classes waiting on this class.
func (l *LogicalNode) Dependents() []*LogicalNode { return l.dependents }

// Ready reports whether every upstream class has finished and the class has
// not been dispatched yet.
func (l *LogicalNode) Ready() bool {
	return l.status == StatusPending && l.pendingDeps == 0
}

// DependencyFinished records one upstream class completing and returns the
// number still outstanding.
func (l *LogicalNode) DependencyFinished() int {
	if l.pendingDeps > 0 {
		l.pendingDeps--
	}
	return l.pendingDeps
}

// ResetDependencies restores the countdown to the full dependency set, used
// when a graph instance is re-armed.
func (l *LogicalNode) ResetDependencies() {
	l.pendingDeps = len(l.dependencies)
}

func (l *LogicalNode) addNode(n *Node) {
	l.nodes = append(l.nodes, n)
	n.SetLogical(l)
}

func (l *LogicalNode) addDependency(dep *LogicalNode) {
	for _, d := range l.dependencies {
		if d == dep {
			return
		}
	}
	l.dependencies = append(l.dependencies, dep)
	dep.dependents = append(dep.dependents, l)
	l.pendingDeps++
}
