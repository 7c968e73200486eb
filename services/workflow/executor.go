package workflow

import (
	"context"
	"fmt"
	"time"
)

// Dump is a per-timestep trajectory data file that has been located in storage.
type Dump struct {
	TrajectoryID string `json:"trajectoryId"`
	Timestep     int    `json:"timestep"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
}

// ExecutionContext holds the state of one job execution. It is created per
// (timestep, iteration item) unit and discarded when the job ends.
type ExecutionContext struct {
	TrajectoryID string
	AnalysisID   string
	TeamID       string
	Timestep     int
	UserConfig   map[string]any
	Dump         *Dump
	// WorkDir receives scratch files such as entrypoint binary outputs.
	WorkDir string

	CurrentIterationItem  any
	CurrentIterationIndex int
	HasIteration          bool

	// Outputs accumulates executor outputs keyed by node id.
	Outputs map[string]map[string]any

	graph *Graph
}

// SetIteration assigns the ForEach item this execution runs for.
func (ec *ExecutionContext) SetIteration(index int, item any) {
	ec.CurrentIterationIndex = index
	ec.CurrentIterationItem = item
	ec.HasIteration = true
}

// Scope returns the lookup root for expression resolution: every node output
// by node id plus the reserved names, which win over node ids.
func (ec *ExecutionContext) Scope() map[string]any {
	scope := make(map[string]any, len(ec.Outputs)+8)
	for id, out := range ec.Outputs {
		scope[id] = out
	}
	config := ec.UserConfig
	if config == nil {
		config = map[string]any{}
	}
	scope["config"] = config
	scope["trajectoryId"] = ec.TrajectoryID
	scope["analysisId"] = ec.AnalysisID
	scope["teamId"] = ec.TeamID
	scope["timestep"] = ec.Timestep
	if ec.HasIteration {
		scope["forEach"] = map[string]any{"item": ec.CurrentIterationItem, "index": ec.CurrentIterationIndex}
	}
	if ec.Dump != nil {
		scope["dump"] = map[string]any{
			"path":         ec.Dump.Path,
			"timestep":     ec.Dump.Timestep,
			"trajectoryId": ec.Dump.TrajectoryID,
			"size":         ec.Dump.Size,
		}
	}
	return scope
}

// upstreamValue returns the primary value produced by the first executed
// predecessor of nodeID.
func (ec *ExecutionContext) upstreamValue(nodeID string) (any, bool) {
	if ec.graph == nil {
		return nil, false
	}
	for _, edge := range ec.graph.Incoming(nodeID) {
		if out, ok := ec.Outputs[edge.Source]; ok {
			return primaryValue(out), true
		}
	}
	return nil, false
}

// primaryValue picks the value downstream nodes consume by default.
func primaryValue(out map[string]any) any {
	for _, key := range []string{"result", "results", "data"} {
		if v, ok := out[key]; ok {
			return v
		}
	}
	return out
}

// StepResult is the output of executing a single node.
type StepResult struct {
	Output map[string]any
	// Branch restricts traversal to outgoing edges with this sourceHandle.
	// Empty means every outgoing edge is followed.
	Branch string
}

// NodeExecutor executes a single node type.
type NodeExecutor interface {
	Execute(ctx context.Context, node Node, ec *ExecutionContext) (*StepResult, error)
}

// Registry maps node types to their executor implementation.
type Registry map[NodeType]NodeExecutor

// Validate reports node types without an executor.
func (r Registry) Validate() error {
	for _, t := range NodeTypes {
		if _, ok := r[t]; !ok {
			return fmt.Errorf("no executor registered for node type %q", t)
		}
	}
	return nil
}

// ProcessCommand describes an external binary invocation.
type ProcessCommand struct {
	Binary  string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// ProcessResult is what an external binary produced.
type ProcessResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// ProcessRunner runs plugin binaries for Entrypoint nodes.
type ProcessRunner interface {
	Run(ctx context.Context, cmd ProcessCommand) (*ProcessResult, error)
}

// ExposureWrite is one exposure publication for one job unit.
type ExposureWrite struct {
	TrajectoryID string
	AnalysisID   string
	ExposureID   string
	Timestep     int
	Iterable     string
	Value        any
}

// ExposureWriter persists exposure results and returns the storage key and
// chunk count.
type ExposureWriter interface {
	WriteExposure(ctx context.Context, w ExposureWrite) (string, int, error)
}

// Artifact is a binary produced by an exporter.
type Artifact struct {
	ContentType string
	Extension   string
	Data        []byte
}

// ArtifactWrite is one exporter artifact for one job unit.
type ArtifactWrite struct {
	TrajectoryID string
	AnalysisID   string
	NodeID       string
	Timestep     int
	Artifact     *Artifact
}

// ArtifactWriter persists exporter artifacts and returns the storage key.
type ArtifactWriter interface {
	WriteArtifact(ctx context.Context, w ArtifactWrite) (string, error)
}

// ExportRequest is handed to an Exporter.
type ExportRequest struct {
	Type     string
	Options  map[string]any
	Exposure string
	Input    any
}

// Exporter materialises exposure results into a binary artifact.
type Exporter interface {
	Export(ctx context.Context, req ExportRequest) (*Artifact, error)
}

// Dependencies are the collaborators node executors delegate to.
type Dependencies struct {
	Runner    ProcessRunner
	Modifiers ModifierSet
	Exposures ExposureWriter
	Artifacts ArtifactWriter
	Exporters map[string]Exporter
	// ProcessTimeout replaces DefaultProcessTimeout for entrypoints without
	// their own timeout when positive.
	ProcessTimeout time.Duration
}

// NewRegistry creates a registry populated with every built-in executor.
func NewRegistry(deps Dependencies) Registry {
	if deps.Modifiers == nil {
		deps.Modifiers = BuiltinModifiers()
	}
	return Registry{
		NodeEntrypoint:  &EntrypointExecutor{runner: deps.Runner, defaultTimeout: deps.ProcessTimeout},
		NodeContext:     &ContextExecutor{},
		NodeModifier:    &ModifierExecutor{modifiers: deps.Modifiers},
		NodeForEach:     &ForEachExecutor{},
		NodeIfStatement: &IfStatementExecutor{},
		NodeExposure:    &ExposureExecutor{writer: deps.Exposures},
		NodeSchema:      &SchemaExecutor{},
		NodeVisualizers: &VisualizersExecutor{},
		NodeExport:      &ExportExecutor{exporters: deps.Exporters, artifacts: deps.Artifacts},
	}
}
