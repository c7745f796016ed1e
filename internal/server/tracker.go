package server

// ============================================================================
// Flow tracker - logical-node scheduling state
// Responsibilities:
// 1. Hold every submitted flow and the FIFO queue of ready logical nodes
// 2. Move logical nodes between ready, in-flight and finished
// 3. Cascade completions into dependents and surface the newly ready ones
// 4. Fail whole flows and report which in-flight work must be torn down
// 5. Snapshot progress for checkpoints and rebuild itself from one
//
// The tracker is owned by the scheduler's event loop and is not safe for
// concurrent use.
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/carsomyr/dapper/internal/checkpoint"
	"github.com/carsomyr/dapper/internal/flow"
)

var (
	// ErrDuplicateFlow reports a second submission under an existing name.
	ErrDuplicateFlow = errors.New("flow already submitted")

	// ErrUnknownFlow reports an operation on a flow the tracker never saw.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrNotAssigned reports a submission whose graph traversal never ran.
	ErrNotAssigned = errors.New("flow not assigned")

	// ErrNotInFlight reports a completion for a logical node that was not
	// dispatched, usually a stale acknowledgement.
	ErrNotInFlight = errors.New("logical node not in flight")
)

// NodeKey identifies one logical node across all tracked flows.
type NodeKey struct {
	Flow  string
	Order int
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s/%d", k.Flow, k.Order)
}

// LoadFunc rebuilds a flow from its definition source during recovery.
type LoadFunc func(source string) (*flow.Flow, error)

type flowEntry struct {
	flow   *flow.Flow
	source string // definition pathname, empty for programmatic submissions
	failed bool
}

// FlowState is one flow's progress summary.
type FlowState struct {
	Name   string
	Failed bool
	Counts map[string]int // node display status -> count
}

// TrackerStats aggregates scheduling counters across all flows.
type TrackerStats struct {
	Flows    int
	Ready    int
	InFlight int
	Finished int
	Failed   int // failed flows
}

// Tracker owns flow scheduling state for the server loop.
type Tracker struct {
	flows    map[string]*flowEntry
	queue    []NodeKey
	inFlight map[NodeKey]bool
	finished map[NodeKey]bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		flows:    make(map[string]*flowEntry),
		inFlight: make(map[NodeKey]bool),
		finished: make(map[NodeKey]bool),
	}
}

// Has reports whether a flow with the given name is tracked.
func (t *Tracker) Has(name string) bool {
	_, ok := t.flows[name]
	return ok
}

// Flow returns a tracked flow by name.
func (t *Tracker) Flow(name string) (*flow.Flow, bool) {
	entry, ok := t.flows[name]
	if !ok {
		return nil, false
	}
	return entry.flow, true
}

// Submit registers an assigned flow and queues its ready logical nodes.
// The source is the definition pathname used to reload the flow during
// recovery; programmatic submissions pass an empty string.
func (t *Tracker) Submit(f *flow.Flow, source string) error {
	if t.Has(f.Name()) {
		return fmt.Errorf("%w: %s", ErrDuplicateFlow, f.Name())
	}
	if len(f.Nodes()) > 0 && len(f.Logicals()) == 0 {
		return fmt.Errorf("%w: %s", ErrNotAssigned, f.Name())
	}

	t.flows[f.Name()] = &flowEntry{flow: f, source: source}
	for _, l := range f.Logicals() {
		if l.Ready() {
			t.queue = append(t.queue, NodeKey{Flow: f.Name(), Order: l.Order()})
		}
	}
	return nil
}

// Logical resolves a key to its logical node.
func (t *Tracker) Logical(key NodeKey) (*flow.LogicalNode, bool) {
	entry, ok := t.flows[key.Flow]
	if !ok {
		return nil, false
	}
	logicals := entry.flow.Logicals()
	if key.Order < 0 || key.Order >= len(logicals) {
		return nil, false
	}
	return logicals[key.Order], true
}

// QueueLen returns the number of ready logical nodes waiting for dispatch.
func (t *Tracker) QueueLen() int {
	return len(t.queue)
}

// InFlightLen returns the number of dispatched logical nodes.
func (t *Tracker) InFlightLen() int {
	return len(t.inFlight)
}

// Next pops the oldest ready logical node and marks it in flight.
func (t *Tracker) Next() (NodeKey, bool) {
	if len(t.queue) == 0 {
		return NodeKey{}, false
	}
	key := t.queue[0]
	t.queue = t.queue[1:]
	t.inFlight[key] = true
	return key, true
}

// Requeue returns an in-flight logical node to the back of the ready queue,
// used when placement fails or an attempt is torn down for retry.
func (t *Tracker) Requeue(key NodeKey) {
	if !t.inFlight[key] {
		return
	}
	delete(t.inFlight, key)
	t.queue = append(t.queue, key)
}

// Drop discards an in-flight mark without requeueing, used when the owning
// flow is gone.
func (t *Tracker) Drop(key NodeKey) {
	delete(t.inFlight, key)
}

// MarkFinished completes an in-flight logical node and returns the dependent
// keys that became ready. Stale completions yield ErrNotInFlight.
func (t *Tracker) MarkFinished(key NodeKey) ([]NodeKey, error) {
	if !t.inFlight[key] {
		return nil, fmt.Errorf("%w: %s", ErrNotInFlight, key)
	}
	delete(t.inFlight, key)
	return t.applyFinish(key)
}

// ApplyFinish records a completion regardless of dispatch state, used when
// replaying journal records whose attempts never ran in this process.
func (t *Tracker) ApplyFinish(key NodeKey) ([]NodeKey, error) {
	delete(t.inFlight, key)
	t.dequeue(key)
	return t.applyFinish(key)
}

func (t *Tracker) applyFinish(key NodeKey) ([]NodeKey, error) {
	entry, ok := t.flows[key.Flow]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, key.Flow)
	}
	if entry.failed || t.finished[key] {
		return nil, nil
	}

	logical, ok := t.Logical(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFlow, key)
	}

	t.finished[key] = true
	logical.SetStatus(flow.StatusFinished)

	var ready []NodeKey
	for _, dep := range logical.Dependents() {
		if dep.DependencyFinished() == 0 && dep.Ready() {
			k := NodeKey{Flow: key.Flow, Order: dep.Order()}
			t.queue = append(t.queue, k)
			ready = append(ready, k)
		}
	}
	return ready, nil
}

// MarkFailed fails the whole flow: every non-terminal logical node becomes
// failed, queued work is dropped, and the keys that were in flight are
// returned so the scheduler can tear their attempts down.
func (t *Tracker) MarkFailed(name string) []NodeKey {
	entry, ok := t.flows[name]
	if !ok || entry.failed {
		return nil
	}
	entry.failed = true

	var torn []NodeKey
	for _, l := range entry.flow.Logicals() {
		key := NodeKey{Flow: name, Order: l.Order()}
		if t.inFlight[key] {
			delete(t.inFlight, key)
			torn = append(torn, key)
		}
		t.dequeue(key)
		if !l.Status().Terminal() {
			l.SetStatus(flow.StatusFailed)
		}
	}
	return torn
}

// FlowFinished reports whether every logical node of the flow completed.
func (t *Tracker) FlowFinished(name string) bool {
	entry, ok := t.flows[name]
	if !ok || entry.failed {
		return false
	}
	for _, l := range entry.flow.Logicals() {
		if l.Status() != flow.StatusFinished {
			return false
		}
	}
	return true
}

// FlowFailed reports whether the flow was failed permanently.
func (t *Tracker) FlowFailed(name string) bool {
	entry, ok := t.flows[name]
	return ok && entry.failed
}

func (t *Tracker) dequeue(key NodeKey) {
	for i, k := range t.queue {
		if k == key {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			return
		}
	}
}

// ============================================================================
// Diagnostics and persistence
// ============================================================================

// Stats tallies the tracker's counters.
func (t *Tracker) Stats() TrackerStats {
	stats := TrackerStats{
		Flows:    len(t.flows),
		Ready:    len(t.queue),
		InFlight: len(t.inFlight),
		Finished: len(t.finished),
	}
	for _, entry := range t.flows {
		if entry.failed {
			stats.Failed++
		}
	}
	return stats
}

// FlowStates summarizes every tracked flow, sorted by name.
func (t *Tracker) FlowStates() []FlowState {
	states := make([]FlowState, 0, len(t.flows))
	for name, entry := range t.flows {
		states = append(states, FlowState{
			Name:   name,
			Failed: entry.failed,
			Counts: entry.flow.StatusCounts(),
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// Snapshot captures every flow's progress for a checkpoint.
func (t *Tracker) Snapshot() []checkpoint.FlowRecord {
	records := make([]checkpoint.FlowRecord, 0, len(t.flows))
	for name, entry := range t.flows {
		rec := checkpoint.FlowRecord{
			Name:     name,
			Source:   entry.source,
			Failed:   entry.failed,
			Finished: []int{},
		}
		for _, l := range entry.flow.Logicals() {
			if l.Status() == flow.StatusFinished {
				rec.Finished = append(rec.Finished, l.Order())
			}
		}
		sort.Ints(rec.Finished)
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records
}

// Restore rebuilds tracker state from checkpoint records. Each flow is
// reloaded from its definition source; flows submitted programmatically have
// no source and cannot be recovered, so they are skipped with a warning.
func (t *Tracker) Restore(records []checkpoint.FlowRecord, load LoadFunc, log *slog.Logger) {
	for _, rec := range records {
		if rec.Source == "" {
			log.Warn("Skipping unrecoverable flow without definition source", "flow", rec.Name)
			continue
		}
		if load == nil {
			log.Warn("Skipping flow recovery, no definition loader configured", "flow", rec.Name)
			continue
		}

		f, err := load(rec.Source)
		if err != nil {
			log.Warn("Skipping flow, definition reload failed",
				"flow", rec.Name, "source", rec.Source, "error", err)
			continue
		}
		if err := t.Submit(f, rec.Source); err != nil {
			log.Warn("Skipping flow, resubmission failed", "flow", rec.Name, "error", err)
			continue
		}

		for _, order := range rec.Finished {
			if _, err := t.ApplyFinish(NodeKey{Flow: rec.Name, Order: order}); err != nil {
				log.Warn("Dropping stale checkpoint completion",
					"flow", rec.Name, "order", order, "error", err)
			}
		}
		if rec.Failed {
			t.MarkFailed(rec.Name)
		}
	}
}
