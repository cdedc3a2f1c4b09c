package graph

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

type stepNode struct {
	id    int64
	name  string
	label string
}

func (n stepNode) ID() int64     { return n.id }
func (n stepNode) DOTID() string { return n.name }
func (n stepNode) Attributes() []encoding.Attribute {
	return []encoding.Attribute{{Key: "label", Value: n.label}}
}

// directed converts steps into a gonum graph with an edge from every
// dependency to its dependent. Self loops must be rejected beforehand.
func directed(steps map[string]StepDef) (*simple.DirectedGraph, map[int64]string) {
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	g := simple.NewDirectedGraph()
	nodes := make(map[string]stepNode, len(ids))
	names := make(map[int64]string, len(ids))
	for i, id := range ids {
		s := steps[id]
		n := stepNode{id: int64(i), name: id, label: id + " " + s.Service + "." + s.Operation}
		nodes[id] = n
		names[n.id] = id
		g.AddNode(n)
	}
	for _, id := range ids {
		for _, dep := range steps[id].DependsOn {
			from, ok := nodes[dep]
			if !ok {
				continue
			}
			g.SetEdge(g.NewEdge(from, nodes[id]))
		}
	}
	return g, names
}

// findCycles returns every strongly connected component with more than one
// member. Components are sorted by their first id.
func findCycles(steps map[string]StepDef) [][]string {
	g, names := directed(steps)

	var cycles [][]string
	for _, scc := range topo.TarjanSCC(g) {
		if len(scc) < 2 {
			continue
		}
		members := make([]string, 0, len(scc))
		for _, n := range scc {
			members = append(members, names[n.ID()])
		}
		sort.Strings(members)
		cycles = append(cycles, members)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i][0] < cycles[j][0] })
	return cycles
}

// DOT renders the dependency graph in Graphviz format.
func (p *Plan) DOT() (string, error) {
	g, _ := directed(p.steps)
	data, err := dot.Marshal(g, "transaction", "", "  ")
	if err != nil {
		return "", fmt.Errorf("export plan to dot: %w", err)
	}
	return string(data), nil
}
