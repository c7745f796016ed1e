// Package flowdef loads flow graphs from HCL definition files.
//
// A definition file carries exactly one flow block:
//
//	flow "wordcount" {
//	  node "split" {
//	    codelet    = "demo/split"
//	    domain     = "east-.*"
//	    timeout    = "2m"
//	    retries    = 3
//	    parameters = { shards = "4" }
//	  }
//	  node "count" {
//	    codelet = "demo/count"
//	  }
//	  edge "stream" {
//	    from = "split"
//	    to   = "count"
//	    name = "words"
//	  }
//	}
//
// Node labels are display names and edge endpoints; edge labels pick the
// edge kind (dummy, stream, or handle). The loader resolves codelets from
// the process registry, so a definition can only be loaded after the
// codelets it names are registered. The returned flow is already assigned.
package flowdef

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/beevik/etree"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/carsomyr/dapper/internal/flow"
	"github.com/carsomyr/dapper/pkg/codelet"
)

var (
	// ErrNoFlow reports a definition file without a flow block.
	ErrNoFlow = errors.New("flowdef: no flow block")

	// ErrMultipleFlows reports a definition file with more than one flow
	// block. A file defines exactly one flow so that file paths can serve
	// as flow sources during recovery.
	ErrMultipleFlows = errors.New("flowdef: multiple flow blocks")
)

type fileSchema struct {
	Flows []*flowBlock `hcl:"flow,block"`
}

type flowBlock struct {
	Name  string       `hcl:"name,label"`
	Nodes []*nodeBlock `hcl:"node,block"`
	Edges []*edgeBlock `hcl:"edge,block"`
}

type nodeBlock struct {
	Name       string            `hcl:"name,label"`
	Codelet    string            `hcl:"codelet"`
	Domain     string            `hcl:"domain,optional"`
	Timeout    string            `hcl:"timeout,optional"`
	Retries    *int              `hcl:"retries,optional"`
	Parameters map[string]string `hcl:"parameters,optional"`
}

type edgeBlock struct {
	Kind   string `hcl:"kind,label"`
	From   string `hcl:"from"`
	To     string `hcl:"to"`
	Name   string `hcl:"name,optional"`
	Handle string `hcl:"handle,optional"`
}

// Load reads and assembles the flow defined in the HCL file at path.
func Load(path string) (*flow.Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse flow definition %s: %w", path, diags)
	}
	return build(file)
}

// Parse assembles the flow defined in an in-memory HCL document. The
// filename only labels diagnostics.
func Parse(filename string, src []byte) (*flow.Flow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse flow definition %s: %w", filename, diags)
	}
	return build(file)
}

func build(file *hcl.File) (*flow.Flow, error) {
	var root fileSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("decode flow definition: %w", diags)
	}
	switch len(root.Flows) {
	case 0:
		return nil, ErrNoFlow
	case 1:
		return assemble(root.Flows[0])
	default:
		return nil, fmt.Errorf("%w: found %d", ErrMultipleFlows, len(root.Flows))
	}
}

func assemble(fb *flowBlock) (*flow.Flow, error) {
	if fb.Name == "" {
		return nil, errors.New("flowdef: flow label must not be empty")
	}
	if len(fb.Nodes) == 0 {
		return nil, fmt.Errorf("flow %q: no node blocks", fb.Name)
	}

	f := flow.New(fb.Name)
	byName := make(map[string]*flow.Node, len(fb.Nodes))
	for _, nb := range fb.Nodes {
		if _, ok := byName[nb.Name]; ok {
			return nil, fmt.Errorf("flow %q: duplicate node %q", fb.Name, nb.Name)
		}
		n, err := buildNode(nb)
		if err != nil {
			return nil, fmt.Errorf("flow %q: node %q: %w", fb.Name, nb.Name, err)
		}
		byName[nb.Name] = n
		f.Add(n)
	}

	for _, eb := range fb.Edges {
		e, err := buildEdge(eb, byName)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", fb.Name, err)
		}
		if err := f.AddEdge(e); err != nil {
			return nil, fmt.Errorf("flow %q: edge %s -> %s: %w", fb.Name, eb.From, eb.To, err)
		}
	}

	if err := f.Assign(); err != nil {
		return nil, fmt.Errorf("flow %q: %w", fb.Name, err)
	}
	return f, nil
}

func buildNode(nb *nodeBlock) (*flow.Node, error) {
	n, err := flow.NewNode(nb.Codelet)
	if err != nil {
		return nil, err
	}
	if err := n.SetName(nb.Name); err != nil {
		return nil, err
	}
	if nb.Domain != "" {
		if err := n.SetDomainPattern(nb.Domain); err != nil {
			return nil, err
		}
	}
	if nb.Timeout != "" {
		d, err := time.ParseDuration(nb.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("timeout: must be positive, got %s", d)
		}
		n.SetTimeout(d)
	}
	if nb.Retries != nil {
		if *nb.Retries < 0 {
			return nil, fmt.Errorf("retries: must not be negative, got %d", *nb.Retries)
		}
		n.SetRetries(*nb.Retries)
	}
	if len(nb.Parameters) > 0 {
		if err := n.SetParameters(parametersElement(nb.Parameters)); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func buildEdge(eb *edgeBlock, byName map[string]*flow.Node) (flow.Edge, error) {
	p, ok := byName[eb.From]
	if !ok {
		return nil, fmt.Errorf("edge %s -> %s: unknown node %q", eb.From, eb.To, eb.From)
	}
	c, ok := byName[eb.To]
	if !ok {
		return nil, fmt.Errorf("edge %s -> %s: unknown node %q", eb.From, eb.To, eb.To)
	}

	switch eb.Kind {
	case "dummy":
		return flow.NewDummyEdge(p, c), nil
	case "stream":
		return flow.NewStreamEdge(p, c, eb.Name), nil
	case "handle":
		h := flow.NewHandleEdge(p, c, eb.Name)
		if eb.Handle != "" {
			h.SetHandle(eb.Handle)
		}
		return h, nil
	default:
		return nil, fmt.Errorf("edge %s -> %s: unknown kind %q", eb.From, eb.To, eb.Kind)
	}
}

// parametersElement builds a parameter document from flat key/value pairs,
// one child element per key. Keys are emitted in sorted order so the same
// definition always yields the same document.
func parametersElement(values map[string]string) *etree.Element {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	root := codelet.NewParameters()
	for _, k := range keys {
		root.CreateElement(k).SetText(values[k])
	}
	return root
}
