// Package codelet defines the public contract between the dapper runtime and
// the computation units it distributes: the Codelet interface itself, the
// resource descriptors a codelet reads from and writes to, and the registry
// that resolves codelet identifiers at graph-build time.
package codelet

import (
	"context"
	"log/slog"
	"net"

	"github.com/beevik/etree"
)

// Kind classifies a resource descriptor by transfer direction and mechanism.
type Kind string

const (
	// KindInputStream is a byte stream read by the consuming codelet. The
	// descriptor carries the dial address of the producing client.
	KindInputStream Kind = "input_stream"
	// KindOutputStream is a byte stream written by the producing codelet.
	KindOutputStream Kind = "output_stream"
	// KindInputHandle names an out-of-band artifact consumed by the codelet.
	KindInputHandle Kind = "input_handle"
	// KindOutputHandle names an out-of-band artifact produced by the codelet.
	KindOutputHandle Kind = "output_handle"
)

// Resource describes one named data artifact moving along a graph edge. The
// runtime produces and consumes descriptors; it never interprets their
// content.
type Resource struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`   // shared by both ends of a stream edge
	Name string `json:"name"` // edge name, for display and handle paths

	// Addr is the peer address an input stream dials. Filled in by the
	// scheduler at dispatch time, empty everywhere else.
	Addr string `json:"addr,omitempty"`

	// Handle is the artifact reference for handle resources.
	Handle string `json:"handle,omitempty"`

	// Conn is the live stream bound by the client before execution.
	// Stream resources only, never serialized.
	Conn net.Conn `json:"-"`
}

// Stream reports whether the resource is backed by a live connection at
// execution time.
func (r *Resource) Stream() bool {
	return r.Kind == KindInputStream || r.Kind == KindOutputStream
}

// Env is the execution environment handed to a codelet run: its bound
// resources in edge order, its parameter document, and any data delivered to
// the worker through data requests before execution.
type Env struct {
	In         []*Resource
	Out        []*Resource
	Parameters *etree.Element
	Data       map[string][]byte
	Log        *slog.Logger
}

// Codelet is one polymorphic unit of distributed work. Implementations must
// honor ctx cancellation: the runtime cancels the context when the attempt is
// torn down.
type Codelet interface {
	Run(ctx context.Context, env *Env) error
}
