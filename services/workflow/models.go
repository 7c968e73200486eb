package workflow

import "time"

// NodeType identifies which payload a node carries and which executor runs it.
type NodeType string

const (
	NodeEntrypoint  NodeType = "entrypoint"
	NodeContext     NodeType = "context"
	NodeModifier    NodeType = "modifier"
	NodeForEach     NodeType = "forEach"
	NodeIfStatement NodeType = "if-statement"
	NodeExposure    NodeType = "exposure"
	NodeSchema      NodeType = "schema"
	NodeVisualizers NodeType = "visualizers"
	NodeExport      NodeType = "export"
)

// NodeTypes lists every node type the engine knows how to execute.
var NodeTypes = []NodeType{
	NodeEntrypoint, NodeContext, NodeModifier, NodeForEach, NodeIfStatement,
	NodeExposure, NodeSchema, NodeVisualizers, NodeExport,
}

// Workflow is the node/edge graph of a plugin.
type Workflow struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node represents a single step in a workflow graph.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// Position holds x/y coordinates for rendering the node on the canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData holds the type specific payload of a node. Exactly one field is
// populated, the one matching the node type.
type NodeData struct {
	Entrypoint  *EntrypointData  `json:"entrypoint,omitempty"`
	Context     *ContextData     `json:"context,omitempty"`
	Modifier    *ModifierData    `json:"modifier,omitempty"`
	ForEach     *ForEachData     `json:"forEach,omitempty"`
	IfStatement *IfStatementData `json:"ifStatement,omitempty"`
	Exposure    *ExposureData    `json:"exposure,omitempty"`
	Schema      *SchemaData      `json:"schema,omitempty"`
	Visualizers *VisualizersData `json:"visualizers,omitempty"`
	Export      *ExportData      `json:"export,omitempty"`
}

// Payload is implemented by every node payload variant.
type Payload interface {
	nodeType() NodeType
}

// DefaultProcessTimeout applies to entrypoint binaries that do not set one.
const DefaultProcessTimeout = 300000 * time.Millisecond

// EntrypointData marks a graph root and optionally names an external binary.
type EntrypointData struct {
	Binary    string `json:"binary,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	TimeoutMs int    `json:"timeout,omitempty"`
}

// Timeout returns the configured binary timeout or DefaultProcessTimeout.
func (d *EntrypointData) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return DefaultProcessTimeout
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// ContextSource is the closed set of inputs a Context node can select.
type ContextSource string

const (
	SourceTrajectoryDump   ContextSource = "trajectory_dump"
	SourceEntrypointOutput ContextSource = "entrypoint_output"
	SourceUserConfig       ContextSource = "user_config"
	SourceIterationItem    ContextSource = "iteration_item"
)

type ContextData struct {
	Source ContextSource `json:"source"`
}

// ModifierData names a versioned transformation and its preset arguments.
type ModifierData struct {
	Name    string         `json:"name"`
	Version string         `json:"version,omitempty"`
	Input   string         `json:"input,omitempty"`
	Preset  map[string]any `json:"preset,omitempty"`
}

type ForEachData struct {
	IterableSource string `json:"iterableSource"`
}

// ConditionType combines a condition with the partial result before it.
type ConditionType string

const (
	ConditionAnd ConditionType = "and"
	ConditionOr  ConditionType = "or"
)

type Condition struct {
	Type      ConditionType `json:"type"`
	LeftExpr  string        `json:"leftExpr"`
	Handler   string        `json:"handler"`
	RightExpr string        `json:"rightExpr"`
}

type IfStatementData struct {
	Conditions []Condition `json:"conditions"`
}

// ExposureData names a result publication point.
type ExposureData struct {
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	Results  string `json:"results"`
	Iterable string `json:"iterable,omitempty"`
}

type SchemaData struct {
	Definition map[string]any `json:"definition"`
}

// VisualizersData declares which consumers may read an exposure.
type VisualizersData struct {
	Canvas            bool              `json:"canvas,omitempty"`
	Raster            bool              `json:"raster,omitempty"`
	Listing           map[string]string `json:"listing,omitempty"`
	PerAtomProperties []string          `json:"perAtomProperties,omitempty"`
}

type ExportData struct {
	Exporter string         `json:"exporter"`
	Type     string         `json:"type"`
	Options  map[string]any `json:"options,omitempty"`
}

func (*EntrypointData) nodeType() NodeType  { return NodeEntrypoint }
func (*ContextData) nodeType() NodeType     { return NodeContext }
func (*ModifierData) nodeType() NodeType    { return NodeModifier }
func (*ForEachData) nodeType() NodeType     { return NodeForEach }
func (*IfStatementData) nodeType() NodeType { return NodeIfStatement }
func (*ExposureData) nodeType() NodeType    { return NodeExposure }
func (*SchemaData) nodeType() NodeType      { return NodeSchema }
func (*VisualizersData) nodeType() NodeType { return NodeVisualizers }
func (*ExportData) nodeType() NodeType      { return NodeExport }

// Payload returns the populated payload variant. It fails when no variant or
// more than one is set, or when the variant does not match the node type.
func (n Node) Payload() (Payload, error) {
	var found []Payload
	d := n.Data
	if d.Entrypoint != nil {
		found = append(found, d.Entrypoint)
	}
	if d.Context != nil {
		found = append(found, d.Context)
	}
	if d.Modifier != nil {
		found = append(found, d.Modifier)
	}
	if d.ForEach != nil {
		found = append(found, d.ForEach)
	}
	if d.IfStatement != nil {
		found = append(found, d.IfStatement)
	}
	if d.Exposure != nil {
		found = append(found, d.Exposure)
	}
	if d.Schema != nil {
		found = append(found, d.Schema)
	}
	if d.Visualizers != nil {
		found = append(found, d.Visualizers)
	}
	if d.Export != nil {
		found = append(found, d.Export)
	}

	switch {
	case len(found) == 0:
		return nil, &GraphIntegrityError{NodeID: n.ID, Reason: "node has no data payload"}
	case len(found) > 1:
		return nil, &GraphIntegrityError{NodeID: n.ID, Reason: "node has more than one data payload"}
	case found[0].nodeType() != n.Type:
		return nil, &GraphIntegrityError{
			NodeID: n.ID,
			Reason: "payload " + string(found[0].nodeType()) + " does not match node type " + string(n.Type),
		}
	}
	return found[0], nil
}

// Edge represents a directed connection between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	Label        string `json:"label,omitempty"`
	Type         string `json:"type,omitempty"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Animated     bool   `json:"animated,omitempty"`
}

// Branch handles used on IfStatement outgoing edges.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// ExecutionResults is returned after running a plugin graph for one job unit.
type ExecutionResults struct {
	ExecutionID   string                    `json:"executionId"`
	Status        string                    `json:"status"`
	StartTime     string                    `json:"startTime"`
	EndTime       string                    `json:"endTime"`
	TotalDuration int64                     `json:"totalDuration"`
	Steps         []ExecutionStep           `json:"steps"`
	Exposures     map[string]map[string]any `json:"exposures,omitempty"`
}

// ExecutionStep represents the result of executing a single node.
type ExecutionStep struct {
	StepNumber int            `json:"stepNumber"`
	NodeID     string         `json:"nodeId"`
	NodeType   NodeType       `json:"nodeType"`
	Status     string         `json:"status"`
	Duration   int64          `json:"duration"`
	Output     map[string]any `json:"output"`
	Timestamp  string         `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)
