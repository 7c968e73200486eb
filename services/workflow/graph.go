package workflow

// Graph is a read-only index over a Workflow. Building it once per plugin load
// avoids rescanning the edge list on every lookup; adjacency lists keep edge
// declaration order so every traversal is deterministic.
type Graph struct {
	wf       *Workflow
	nodes    map[string]*Node
	outgoing map[string][]Edge
	incoming map[string][]Edge
}

// NewGraph indexes wf. Edges pointing at unknown nodes are kept in the
// adjacency lists but never resolve to a node.
func NewGraph(wf *Workflow) *Graph {
	g := &Graph{
		wf:       wf,
		nodes:    make(map[string]*Node, len(wf.Nodes)),
		outgoing: make(map[string][]Edge),
		incoming: make(map[string][]Edge),
	}
	for i := range wf.Nodes {
		g.nodes[wf.Nodes[i].ID] = &wf.Nodes[i]
	}
	for _, edge := range wf.Edges {
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
		g.incoming[edge.Target] = append(g.incoming[edge.Target], edge)
	}
	return g
}

// Workflow returns the underlying definition.
func (g *Graph) Workflow() *Workflow { return g.wf }

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node { return g.nodes[id] }

// Outgoing returns the edges leaving id in declaration order.
func (g *Graph) Outgoing(id string) []Edge { return g.outgoing[id] }

// Incoming returns the edges entering id in declaration order.
func (g *Graph) Incoming(id string) []Edge { return g.incoming[id] }

// NodesOfType returns all nodes of type t in declaration order.
func (g *Graph) NodesOfType(t NodeType) []*Node {
	var out []*Node
	for i := range g.wf.Nodes {
		if g.wf.Nodes[i].Type == t {
			out = append(out, &g.wf.Nodes[i])
		}
	}
	return out
}

// FindAncestorByType walks edges backward breadth-first from nodeID and
// returns the closest node of type t, or nil.
func (g *Graph) FindAncestorByType(nodeID string, t NodeType) *Node {
	return g.bfs(nodeID, t, func(id string) []string {
		edges := g.incoming[id]
		next := make([]string, 0, len(edges))
		for _, e := range edges {
			next = append(next, e.Source)
		}
		return next
	})
}

// FindDescendantByType walks edges forward breadth-first from nodeID and
// returns the closest node of type t, or nil.
func (g *Graph) FindDescendantByType(nodeID string, t NodeType) *Node {
	return g.bfs(nodeID, t, func(id string) []string {
		edges := g.outgoing[id]
		next := make([]string, 0, len(edges))
		for _, e := range edges {
			next = append(next, e.Target)
		}
		return next
	})
}

// FindDescendantsByType returns every node of type t reachable from nodeID,
// closest first.
func (g *Graph) FindDescendantsByType(nodeID string, t NodeType) []*Node {
	var out []*Node
	visited := map[string]bool{nodeID: true}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.outgoing[id] {
			if visited[e.Target] {
				continue
			}
			visited[e.Target] = true
			if n := g.nodes[e.Target]; n != nil {
				if n.Type == t {
					out = append(out, n)
				}
				queue = append(queue, e.Target)
			}
		}
	}
	return out
}

func (g *Graph) bfs(start string, t NodeType, neighbours func(string) []string) *Node {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range neighbours(id) {
			if visited[next] {
				continue
			}
			visited[next] = true
			n := g.nodes[next]
			if n == nil {
				continue
			}
			if n.Type == t {
				return n
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// FindAncestorByType is the one-shot form of Graph.FindAncestorByType.
func FindAncestorByType(nodeID string, wf *Workflow, t NodeType) *Node {
	return NewGraph(wf).FindAncestorByType(nodeID, t)
}

// FindDescendantByType is the one-shot form of Graph.FindDescendantByType.
func FindDescendantByType(nodeID string, wf *Workflow, t NodeType) *Node {
	return NewGraph(wf).FindDescendantByType(nodeID, t)
}
