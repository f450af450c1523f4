package graph

import (
	"fmt"

	"github.com/emicklei/dot"
)

// RenderDot renders a laid-out Result as a graphviz dot graph, a CLI
// convenience the teacher's own gitgraph command offers for inspecting
// commit topology.
func RenderDot(res *Result) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "BT")
	nodes := map[int]dot.Node{}
	for _, r := range res.Rows {
		label := fmt.Sprintf("%d\nrail=%d", r.Rid, r.Rail)
		n := g.Node(fmt.Sprintf("r%d", r.Rid)).Label(label)
		if r.BgColor != "" {
			n.Attr("style", "filled").Attr("fillcolor", r.BgColor)
		}
		nodes[r.Rid] = n
	}
	for _, r := range res.Rows {
		for _, p := range r.Parents {
			if pn, ok := nodes[p]; ok {
				g.Edge(nodes[r.Rid], pn)
			}
		}
	}
	return g
}
