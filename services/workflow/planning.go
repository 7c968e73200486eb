package workflow

import (
	"fmt"
	"strings"
)

// IterationNode returns the ForEach node that drives fan-out for g: the one
// closest to the first entrypoint that reaches any. Nil when no entrypoint
// reaches a ForEach.
func IterationNode(g *Graph) *Node {
	for _, entry := range g.NodesOfType(NodeEntrypoint) {
		if n := g.FindDescendantByType(entry.ID, NodeForEach); n != nil {
			return n
		}
	}
	return nil
}

// ResolveIterable evaluates the iteration source of g against a planning
// context, before any job runs. It returns (nil, false, nil) when the plugin
// has no ForEach node. An empty list is a valid result.
func ResolveIterable(g *Graph, ec *ExecutionContext) ([]any, bool, error) {
	node := IterationNode(g)
	if node == nil {
		return nil, false, nil
	}
	if node.Data.ForEach == nil {
		return nil, true, &GraphIntegrityError{NodeID: node.ID, Reason: "forEach node has no data payload"}
	}

	source := strings.TrimSpace(node.Data.ForEach.IterableSource)
	if source == "" {
		return nil, true, &GraphIntegrityError{NodeID: node.ID, Reason: "forEach node has no iterableSource"}
	}

	var value any
	if strings.Contains(source, "{{") {
		value = Resolve(source, ec.Scope())
	} else {
		value = Lookup(ec.Scope(), source)
	}

	items, ok := toList(value)
	if !ok {
		return nil, true, fmt.Errorf("forEach %s: iterable source %q resolved to %T, want a list", node.ID, source, value)
	}
	return items, true, nil
}
