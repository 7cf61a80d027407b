package graph

import (
	"encoding/json"
	"fmt"
	"sort"

	"invokectl/internal/services"
)

// Endpoint names one field on one node.
type Endpoint struct {
	NodeID string `json:"node_id"`
	Field  string `json:"field"`
}

func (e Endpoint) String() string {
	return e.NodeID + "." + e.Field
}

// Edge connects a source output to a destination input.
type Edge struct {
	Source      Endpoint `json:"source"`
	Destination Endpoint `json:"destination"`
}

// Node is one invocation. Fields hold the type-specific literal inputs and
// are flattened next to id and type on the wire.
type Node struct {
	ID     string
	Type   string
	Fields map[string]any
}

// Field returns a literal input value.
func (n Node) Field(name string) (any, bool) {
	v, ok := n.Fields[name]
	return v, ok
}

func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Fields)+2)
	for key, value := range n.Fields {
		if value == nil {
			continue
		}
		out[key] = value
	}
	out["id"] = n.ID
	out["type"] = n.Type
	return json.Marshal(out)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	node := Node{Fields: make(map[string]any, len(raw))}
	for key, value := range raw {
		switch key {
		case "id":
			if err := json.Unmarshal(value, &node.ID); err != nil {
				return fmt.Errorf("node id: %w", err)
			}
		case "type":
			if err := json.Unmarshal(value, &node.Type); err != nil {
				return fmt.Errorf("node type: %w", err)
			}
		default:
			var decoded any
			if err := json.Unmarshal(value, &decoded); err != nil {
				return fmt.Errorf("node field %s: %w", key, err)
			}
			node.Fields[key] = decoded
		}
	}
	*n = node
	return nil
}

// Graph is a generation pipeline. Node keys are encoded in sorted order and
// edges keep insertion order, so encoding is deterministic.
type Graph struct {
	Nodes map[string]Node `json:"nodes"`
	Edges []Edge          `json:"edges"`
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: make(map[string]Node), Edges: []Edge{}}
}

// AddNode inserts a node. Duplicate ids are rejected.
func (g *Graph) AddNode(id, nodeType string, fields map[string]any) error {
	if _, exists := g.Nodes[id]; exists {
		return fmt.Errorf("duplicate node id %q", id)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	g.Nodes[id] = Node{ID: id, Type: nodeType, Fields: fields}
	return nil
}

// Connect appends an edge from src.srcField to dst.dstField.
func (g *Graph) Connect(src, srcField, dst, dstField string) {
	g.Edges = append(g.Edges, Edge{
		Source:      Endpoint{NodeID: src, Field: srcField},
		Destination: Endpoint{NodeID: dst, Field: dstField},
	})
}

// SourceOf returns the endpoint feeding dst.field.
func (g *Graph) SourceOf(dst, field string) (Endpoint, bool) {
	for _, edge := range g.Edges {
		if edge.Destination.NodeID == dst && edge.Destination.Field == field {
			return edge.Source, true
		}
	}
	return Endpoint{}, false
}

// Rewire points dst.field at a new source, replacing any existing edge in
// place so edge order is preserved.
func (g *Graph) Rewire(dst, field string, source Endpoint) {
	for i, edge := range g.Edges {
		if edge.Destination.NodeID == dst && edge.Destination.Field == field {
			g.Edges[i].Source = source
			return
		}
	}
	g.Connect(source.NodeID, source.Field, dst, field)
}

// NodeIDs returns node ids sorted.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.Nodes))
	for id := range g.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the structural invariants the server relies on: edges
// reference existing nodes and known fields, every input is fed at most
// once, the graph is acyclic, and every node reaches an image output.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return invalid("graph has no nodes")
	}
	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		if node.ID != id {
			return invalid(fmt.Sprintf("node %q carries id %q", id, node.ID))
		}
		if _, ok := schemas[node.Type]; !ok {
			return invalid(fmt.Sprintf("node %q has unknown type %q", id, node.Type))
		}
	}

	fed := make(map[Endpoint]struct{}, len(g.Edges))
	for _, edge := range g.Edges {
		src, ok := g.Nodes[edge.Source.NodeID]
		if !ok {
			return invalid(fmt.Sprintf("edge source %s references a missing node", edge.Source))
		}
		dst, ok := g.Nodes[edge.Destination.NodeID]
		if !ok {
			return invalid(fmt.Sprintf("edge destination %s references a missing node", edge.Destination))
		}
		if edge.Source.NodeID == edge.Destination.NodeID {
			return invalid(fmt.Sprintf("self-referential edge on %q", edge.Source.NodeID))
		}
		if !schemas[src.Type].outputs[edge.Source.Field] {
			return invalid(fmt.Sprintf("%s is not an output of %s", edge.Source, src.Type))
		}
		if !schemas[dst.Type].inputs[edge.Destination.Field] {
			return invalid(fmt.Sprintf("%s is not an input of %s", edge.Destination, dst.Type))
		}
		if _, dup := fed[edge.Destination]; dup {
			return invalid(fmt.Sprintf("%s is fed by more than one edge", edge.Destination))
		}
		fed[edge.Destination] = struct{}{}
	}

	if err := g.detectCycles(); err != nil {
		return err
	}
	return g.checkReachesOutput()
}

func (g *Graph) dependents() map[string][]string {
	out := make(map[string][]string, len(g.Nodes))
	for _, edge := range g.Edges {
		out[edge.Source.NodeID] = append(out[edge.Source.NodeID], edge.Destination.NodeID)
	}
	return out
}

func (g *Graph) detectCycles() error {
	next := g.dependents()
	permanent := make(map[string]bool, len(g.Nodes))
	temporary := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		if permanent[id] {
			return nil
		}
		if temporary[id] {
			return invalid(fmt.Sprintf("cycle detected involving node %q", id))
		}
		temporary[id] = true
		for _, dep := range next[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(temporary, id)
		permanent[id] = true
		return nil
	}

	for _, id := range g.NodeIDs() {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// checkReachesOutput walks edges backwards from every terminal node.
func (g *Graph) checkReachesOutput() error {
	prev := make(map[string][]string, len(g.Nodes))
	for _, edge := range g.Edges {
		prev[edge.Destination.NodeID] = append(prev[edge.Destination.NodeID], edge.Source.NodeID)
	}
	reached := make(map[string]bool, len(g.Nodes))
	var queue []string
	for _, id := range g.NodeIDs() {
		if schemas[g.Nodes[id].Type].terminal {
			reached[id] = true
			queue = append(queue, id)
		}
	}
	if len(queue) == 0 {
		return invalid("graph has no image output node")
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, src := range prev[id] {
			if !reached[src] {
				reached[src] = true
				queue = append(queue, src)
			}
		}
	}
	for _, id := range g.NodeIDs() {
		if !reached[id] {
			return invalid(fmt.Sprintf("node %q does not feed an image output", id))
		}
	}
	return nil
}

func invalid(detail string) error {
	return services.Wrap(services.ErrValidation, "graph", "validate", detail, nil)
}
