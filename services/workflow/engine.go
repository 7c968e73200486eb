package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Engine walks a plugin graph and executes each reachable node.
type Engine struct {
	registry Registry
	logger   *slog.Logger
}

// NewEngine creates an Engine with the given executor registry.
func NewEngine(registry Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: logger.With("component", "workflow-engine")}
}

// Execute runs the graph for one job unit. Nodes reachable from the
// entrypoints run in dependency order; a node runs only when at least one of
// its incoming edges was taken, so the untaken side of an IfStatement is
// pruned. On a node failure traversal stops and the partial results are
// returned with status "failed" together with a *NodeExecutionError.
// Exposures already written are kept.
func (e *Engine) Execute(ctx context.Context, g *Graph, ec *ExecutionContext) (*ExecutionResults, error) {
	if ec.Outputs == nil {
		ec.Outputs = make(map[string]map[string]any)
	}
	ec.graph = g

	startTime := time.Now()

	roots := g.NodesOfType(NodeEntrypoint)
	if len(roots) == 0 {
		return nil, &GraphIntegrityError{Reason: ErrNoEntrypoint.Error()}
	}

	order, loopBack, err := executionOrder(g, roots)
	if err != nil {
		return nil, err
	}

	active := make(map[string]bool, len(order))
	for _, root := range roots {
		active[root.ID] = true
	}

	results := &ExecutionResults{
		ExecutionID: uuid.New().String(),
		StartTime:   startTime.UTC().Format(time.RFC3339),
		Exposures:   make(map[string]map[string]any),
	}
	finish := func(status string) *ExecutionResults {
		endTime := time.Now()
		results.Status = status
		results.EndTime = endTime.UTC().Format(time.RFC3339)
		results.TotalDuration = endTime.Sub(startTime).Milliseconds()
		return results
	}

	stepNum := 0
	for _, node := range order {
		if !active[node.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return finish(StatusFailed), err
		}

		executor, ok := e.registry[node.Type]
		if !ok {
			return nil, fmt.Errorf("no executor registered for node type %q", node.Type)
		}
		if _, err := node.Payload(); err != nil {
			return nil, err
		}

		stepStart := time.Now()
		result, execErr := executor.Execute(ctx, *node, ec)
		stepNum++
		step := ExecutionStep{
			StepNumber: stepNum,
			NodeID:     node.ID,
			NodeType:   node.Type,
			Duration:   time.Since(stepStart).Milliseconds(),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}

		if execErr != nil {
			nodeErr := nodeError(*node, execErr)
			step.Status = "error"
			step.Error = nodeErr.Error()
			step.Output = map[string]any{"message": fmt.Sprintf("Error: %s", execErr.Error())}
			results.Steps = append(results.Steps, step)
			e.logger.Debug("node failed", "nodeId", node.ID, "nodeType", node.Type, "error", execErr)
			return finish(StatusFailed), nodeErr
		}

		ec.Outputs[node.ID] = result.Output
		step.Status = StatusCompleted
		step.Output = result.Output
		results.Steps = append(results.Steps, step)
		if node.Type == NodeExposure {
			results.Exposures[node.ID] = result.Output
		}

		for _, edge := range g.Outgoing(node.ID) {
			if loopBack[edge.ID] {
				continue
			}
			if result.Branch != "" && edge.SourceHandle != result.Branch {
				continue
			}
			active[edge.Target] = true
		}
	}

	return finish(StatusCompleted), nil
}

// executionOrder returns the nodes reachable from roots in dependency order
// (Kahn's algorithm, ties in declaration order). Edges that close a cycle
// through a ForEach node are iteration loop-backs and are reported in the
// second return value instead of constraining the order; any other cycle is
// a GraphIntegrityError.
func executionOrder(g *Graph, roots []*Node) ([]*Node, map[string]bool, error) {
	reachable := make(map[string]bool)
	queue := make([]string, 0, len(roots))
	for _, r := range roots {
		reachable[r.ID] = true
		queue = append(queue, r.ID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(id) {
			if g.Node(e.Target) == nil {
				return nil, nil, &GraphIntegrityError{EdgeID: e.ID, Reason: fmt.Sprintf("target %q does not exist", e.Target)}
			}
			if !reachable[e.Target] {
				reachable[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}

	loopBack := make(map[string]bool)
	indegree := make(map[string]int, len(reachable))
	for _, e := range g.Workflow().Edges {
		if !reachable[e.Source] || !reachable[e.Target] {
			continue
		}
		if target := g.Node(e.Target); target.Type == NodeForEach && reaches(g, e.Target, e.Source) {
			loopBack[e.ID] = true
			continue
		}
		indegree[e.Target]++
	}

	wf := g.Workflow()
	var ready []*Node
	for i := range wf.Nodes {
		n := &wf.Nodes[i]
		if reachable[n.ID] && indegree[n.ID] == 0 {
			ready = append(ready, n)
		}
	}

	order := make([]*Node, 0, len(reachable))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, e := range g.Outgoing(n.ID) {
			if loopBack[e.ID] {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				ready = append(ready, g.Node(e.Target))
			}
		}
	}

	if len(order) != len(reachable) {
		return nil, nil, &GraphIntegrityError{Reason: "workflow contains a cycle outside a forEach iteration"}
	}
	return order, loopBack, nil
}

// reaches reports whether to is reachable from from along forward edges.
func reaches(g *Graph, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(id) {
			if e.Target == to {
				return true
			}
			if !visited[e.Target] {
				visited[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return false
}
