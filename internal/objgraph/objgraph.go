// Package objgraph builds a reference graph over a materialized heap:
// each restored object becomes a node, each strong or weak reference
// slot an edge. The graph renders to DOT for inspection of what a
// snapshot actually reconstructed.
package objgraph

import (
	"fmt"

	"github.com/zboralski/lattice"
	"github.com/zboralski/lattice/render"

	"heapthaw/internal/heap"
	"heapthaw/internal/region"
	"heapthaw/internal/wire"
)

// Options controls graph construction.
type Options struct {
	// IncludeShapes keeps the slot-zero shape edges. They dominate most
	// graphs, so the default drops them.
	IncludeShapes bool

	// IncludeWeak keeps weak reference edges.
	IncludeWeak bool
}

// weakSuffix marks a weak edge's callee label. Edge values carry no
// strength field, so the suffix is what keeps a weak edge distinct from
// a strong edge between the same pair when the graph dedups.
const weakSuffix = " (weak)"

// Build walks every object span and collects the reference edges between
// them. References leaving the spans (host roots, attached objects) are
// kept as nodes so dangling edges stay visible.
func Build(h *heap.Heap, spans []region.ObjectSpan, opts Options) *lattice.Graph {
	g := &lattice.Graph{}
	for _, sp := range spans {
		from := Label(h, sp.Addr)
		g.Nodes = append(g.Nodes, from)

		firstSlot := 0
		if !opts.IncludeShapes {
			firstSlot = 1
		}
		for off := firstSlot * wire.WordSize; off+wire.WordSize <= sp.Size; off += wire.WordSize {
			r, err := h.RefAt(sp.Addr + heap.Address(off))
			if err != nil {
				continue
			}
			if !heap.IsRef(uint64(r)) || r.IsCleared() {
				continue
			}
			if r.IsWeak() && !opts.IncludeWeak {
				continue
			}
			target := r.Address()
			if !h.Contains(target) {
				continue
			}
			callee := Label(h, target)
			if r.IsWeak() {
				callee += weakSuffix
			}
			g.Edges = append(g.Edges, lattice.Edge{
				Caller: from,
				Callee: callee,
			})
		}
	}
	g.Dedup()
	return g
}

// Label names an object by its kind and address.
func Label(h *heap.Heap, obj heap.Address) string {
	if k, err := h.KindOf(obj); err == nil {
		return fmt.Sprintf("%s@0x%x", k, uint64(obj))
	}
	return fmt.Sprintf("object@0x%x", uint64(obj))
}

// DOT renders the graph in Graphviz DOT form.
func DOT(g *lattice.Graph, title string) string {
	return render.DOT(g, title)
}
