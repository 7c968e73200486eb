package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrNoEntrypoint   = errors.New("workflow has no entrypoint node")

	ErrModifierExecution      = errors.New("modifier execution failed")
	ErrExternalProcessTimeout = errors.New("external process timed out")
	ErrExternalProcessError   = errors.New("external process failed")
	ErrExport                 = errors.New("export failed")
	ErrSourceUnavailable      = errors.New("context source unavailable")
)

// GraphIntegrityError reports a malformed plugin graph.
type GraphIntegrityError struct {
	NodeID string
	EdgeID string
	Reason string
}

func (e *GraphIntegrityError) Error() string {
	switch {
	case e.NodeID != "":
		return fmt.Sprintf("node %s: %s", e.NodeID, e.Reason)
	case e.EdgeID != "":
		return fmt.Sprintf("edge %s: %s", e.EdgeID, e.Reason)
	default:
		return e.Reason
	}
}

// NodeExecutionError is returned when a node executor fails. Kind is one of
// the Err* sentinels when the failure is classified, nil otherwise.
type NodeExecutionError struct {
	NodeID   string
	NodeType NodeType
	Kind     error
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("%s node %s: %v", e.NodeType, e.NodeID, e.Err)
}

func (e *NodeExecutionError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

// nodeError wraps err for node, classifying it by the first matching sentinel.
func nodeError(node Node, err error) *NodeExecutionError {
	var nodeErr *NodeExecutionError
	if errors.As(err, &nodeErr) {
		return nodeErr
	}
	out := &NodeExecutionError{NodeID: node.ID, NodeType: node.Type, Err: err}
	for _, kind := range []error{ErrModifierExecution, ErrExternalProcessTimeout, ErrExternalProcessError, ErrExport} {
		if errors.Is(err, kind) {
			out.Kind = kind
			break
		}
	}
	return out
}
