package workflow

import "fmt"

var validSources = map[ContextSource]bool{
	SourceTrajectoryDump:   true,
	SourceEntrypointOutput: true,
	SourceUserConfig:       true,
	SourceIterationItem:    true,
}

// Validate checks wf for integrity problems and returns every one found.
// Unknown modifier and exporter names are only reported when the respective
// set is non-nil.
func Validate(wf *Workflow, modifiers ModifierSet, exporters map[string]Exporter) []error {
	var errs []error
	add := func(err error) { errs = append(errs, err) }

	seen := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			add(&GraphIntegrityError{Reason: "node without id"})
			continue
		}
		if seen[n.ID] {
			add(&GraphIntegrityError{NodeID: n.ID, Reason: "duplicate node id"})
		}
		seen[n.ID] = true
	}

	for _, e := range wf.Edges {
		if !seen[e.Source] {
			add(&GraphIntegrityError{EdgeID: e.ID, Reason: fmt.Sprintf("source %q does not exist", e.Source)})
		}
		if !seen[e.Target] {
			add(&GraphIntegrityError{EdgeID: e.ID, Reason: fmt.Sprintf("target %q does not exist", e.Target)})
		}
	}
	if len(errs) > 0 {
		return errs
	}

	g := NewGraph(wf)
	roots := g.NodesOfType(NodeEntrypoint)
	if len(roots) == 0 {
		add(&GraphIntegrityError{Reason: ErrNoEntrypoint.Error()})
	}

	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if _, err := n.Payload(); err != nil {
			add(err)
			continue
		}
		for _, err := range validateNode(g, n, modifiers, exporters) {
			add(err)
		}
	}

	if len(roots) > 0 {
		if _, _, err := executionOrder(g, roots); err != nil {
			add(err)
		}
	}
	return errs
}

func validateNode(g *Graph, n *Node, modifiers ModifierSet, exporters map[string]Exporter) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, &GraphIntegrityError{NodeID: n.ID, Reason: fmt.Sprintf(format, args...)})
	}

	switch n.Type {
	case NodeEntrypoint:
		if len(g.Incoming(n.ID)) > 0 {
			fail("entrypoint must not have incoming edges")
		}
	case NodeContext:
		if !validSources[n.Data.Context.Source] {
			fail("unknown context source %q", n.Data.Context.Source)
		}
	case NodeModifier:
		if n.Data.Modifier.Name == "" {
			fail("modifier has no name")
		} else if modifiers != nil {
			if _, ok := modifiers[n.Data.Modifier.Name]; !ok {
				fail("unknown modifier %q", n.Data.Modifier.Name)
			}
		}
	case NodeForEach:
		if n.Data.ForEach.IterableSource == "" {
			fail("forEach has no iterableSource")
		}
		if g.FindAncestorByType(n.ID, NodeEntrypoint) == nil {
			fail("forEach is not reachable from an entrypoint")
		}
	case NodeIfStatement:
		if len(n.Data.IfStatement.Conditions) == 0 {
			fail("if-statement has no conditions")
		}
		for i, c := range n.Data.IfStatement.Conditions {
			if !validOperators[c.Handler] {
				fail("condition %d: unknown operator %q", i, c.Handler)
			}
			if i > 0 && c.Type != ConditionAnd && c.Type != ConditionOr && c.Type != "" {
				fail("condition %d: unknown combinator %q", i, c.Type)
			}
		}
		for _, e := range g.Outgoing(n.ID) {
			if e.SourceHandle != HandleTrue && e.SourceHandle != HandleFalse {
				fail("edge %s must use sourceHandle %q or %q", e.ID, HandleTrue, HandleFalse)
			}
		}
	case NodeExposure:
		if n.Data.Exposure.Name == "" {
			fail("exposure has no name")
		}
	case NodeSchema, NodeVisualizers:
		if g.FindAncestorByType(n.ID, NodeExposure) == nil {
			fail("%s node has no exposure upstream", n.Type)
		}
	case NodeExport:
		if g.FindAncestorByType(n.ID, NodeExposure) == nil {
			fail("export node has no exposure upstream")
		}
		if n.Data.Export.Exporter == "" {
			fail("export has no exporter")
		} else if exporters != nil {
			if _, ok := exporters[n.Data.Export.Exporter]; !ok {
				fail("unknown exporter %q", n.Data.Export.Exporter)
			}
		}
	default:
		fail("unknown node type %q", n.Type)
	}
	return errs
}
