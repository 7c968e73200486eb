package workflow

import (
	"context"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// recordingWriter implements ExposureWriter and ArtifactWriter in memory.
type recordingWriter struct {
	mu        sync.Mutex
	exposures []ExposureWrite
	artifacts []ArtifactWrite
	err       error
}

func (w *recordingWriter) WriteExposure(_ context.Context, ew ExposureWrite) (string, int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return "", 0, w.err
	}
	w.exposures = append(w.exposures, ew)
	return "plugins/" + ew.ExposureID, 1, nil
}

func (w *recordingWriter) WriteArtifact(_ context.Context, aw ArtifactWrite) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.artifacts = append(w.artifacts, aw)
	return "artifacts/" + aw.NodeID, nil
}

func (w *recordingWriter) exposureIDs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.exposures))
	for _, e := range w.exposures {
		ids = append(ids, e.ExposureID)
	}
	return ids
}

// fakeRunner writes result as msgpack to the first argument and returns err.
type fakeRunner struct {
	result any
	err    error
	last   ProcessCommand
}

func (r *fakeRunner) Run(_ context.Context, cmd ProcessCommand) (*ProcessResult, error) {
	r.last = cmd
	if r.err != nil {
		return nil, r.err
	}
	if r.result != nil && len(cmd.Args) > 0 {
		raw, err := msgpack.Marshal(r.result)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(cmd.Args[0], raw, 0o644); err != nil {
			return nil, err
		}
	}
	return &ProcessResult{Stdout: []byte("ok\n")}, nil
}

type fakeExporter struct {
	input any
	err   error
}

func (e *fakeExporter) Export(_ context.Context, req ExportRequest) (*Artifact, error) {
	e.input = req.Input
	if e.err != nil {
		return nil, e.err
	}
	return &Artifact{ContentType: "model/gltf-binary", Extension: req.Type, Data: []byte("glTF")}, nil
}

func newTestEngine(w *recordingWriter, runner ProcessRunner, exporters map[string]Exporter) *Engine {
	return NewEngine(NewRegistry(Dependencies{
		Runner:    runner,
		Exposures: w,
		Artifacts: w,
		Exporters: exporters,
	}), nil)
}

func node(id string, t NodeType, data NodeData) Node {
	return Node{ID: id, Type: t, Data: data}
}

func edge(id, source, target string) Edge {
	return Edge{ID: id, Source: source, Target: target}
}

func branch(id, source, target, handle string) Edge {
	return Edge{ID: id, Source: source, Target: target, SourceHandle: handle}
}

// energyWorkflow computes statistics over config.atoms and publishes them
// under "hot" or "cold" depending on config.threshold.
func energyWorkflow() *Workflow {
	return &Workflow{
		Nodes: []Node{
			node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}),
			node("ctx", NodeContext, NodeData{Context: &ContextData{Source: SourceUserConfig}}),
			node("stats", NodeModifier, NodeData{Modifier: &ModifierData{
				Name:   "statistics",
				Preset: map[string]any{"source": "atoms", "field": "energy"},
			}}),
			node("check", NodeIfStatement, NodeData{IfStatement: &IfStatementData{Conditions: []Condition{
				{LeftExpr: "{{stats.result.mean}}", Handler: OpGreater, RightExpr: "{{config.threshold}}"},
			}}}),
			node("hot", NodeExposure, NodeData{Exposure: &ExposureData{Name: "High Energy", Results: "{{stats.result}}"}}),
			node("cold", NodeExposure, NodeData{Exposure: &ExposureData{Name: "Low Energy", Results: "{{stats.result}}"}}),
			node("viz", NodeVisualizers, NodeData{Visualizers: &VisualizersData{Listing: map[string]string{"mean": "mean"}}}),
		},
		Edges: []Edge{
			edge("e1", "entry", "ctx"),
			edge("e2", "ctx", "stats"),
			edge("e3", "stats", "check"),
			branch("e4", "check", "hot", HandleTrue),
			branch("e5", "check", "cold", HandleFalse),
			edge("e6", "hot", "viz"),
		},
	}
}

func energyContext(threshold float64) *ExecutionContext {
	return &ExecutionContext{
		TrajectoryID: "traj-1",
		AnalysisID:   "analysis-1",
		TeamID:       "team-1",
		Timestep:     10,
		UserConfig: map[string]any{
			"atoms":     []any{map[string]any{"energy": 1.0}, map[string]any{"energy": 3.0}},
			"threshold": threshold,
		},
	}
}

func stepIDs(results *ExecutionResults) []string {
	ids := make([]string, 0, len(results.Steps))
	for _, s := range results.Steps {
		ids = append(ids, s.NodeID)
	}
	return ids
}
