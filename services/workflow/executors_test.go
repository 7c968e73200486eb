package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveArguments(t *testing.T) {
	tests := []struct {
		name   string
		preset map[string]any
		user   map[string]any
		want   map[string]any
	}{
		{
			name:   "user config wins over preset",
			preset: map[string]any{"a": 1, "b": 2},
			user:   map[string]any{"b": 3, "c": 4},
			want:   map[string]any{"a": 1, "b": 3, "c": 4},
		},
		{
			name:   "nil user config keeps preset",
			preset: map[string]any{"a": 1},
			want:   map[string]any{"a": 1},
		},
		{
			name: "nested values are replaced, not merged",
			preset: map[string]any{"opts": map[string]any{"x": 1, "y": 2}},
			user:   map[string]any{"opts": map[string]any{"x": 9}},
			want:   map[string]any{"opts": map[string]any{"x": 9}},
		},
		{
			name: "both empty",
			want: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveArguments(tt.preset, tt.user))
		})
	}
}

func TestResolveArguments_DoesNotMutateInputs(t *testing.T) {
	preset := map[string]any{"a": 1}
	user := map[string]any{"a": 2}

	ResolveArguments(preset, user)

	assert.Equal(t, map[string]any{"a": 1}, preset)
	assert.Equal(t, map[string]any{"a": 2}, user)
}

func TestEntrypointExecutor_DecodesBinaryOutput(t *testing.T) {
	runner := &fakeRunner{result: map[string]any{"atoms": []any{"Cu", "Fe"}, "frames": 3}}
	ec := &ExecutionContext{WorkDir: t.TempDir(), Timestep: 42, UserConfig: map[string]any{"cutoff": 2.5}}
	n := node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{
		Binary:    "analyze",
		Arguments: "{{output}} --timestep {{timestep}} --cutoff {{config.cutoff}}",
		TimeoutMs: 1500,
	}})

	res, err := (&EntrypointExecutor{runner: runner}).Execute(context.Background(), n, ec)

	require.NoError(t, err)
	assert.Equal(t, "analyze", runner.last.Binary)
	require.Len(t, runner.last.Args, 5)
	assert.Contains(t, runner.last.Args[0], "entrypoint-")
	assert.Equal(t, []string{"--timestep", "42", "--cutoff", "2.5"}, runner.last.Args[1:])
	assert.Equal(t, int64(1500), runner.last.Timeout.Milliseconds())

	result := res.Output["result"].(map[string]any)
	assert.Equal(t, []any{"Cu", "Fe"}, result["atoms"])
	assert.EqualValues(t, 3, result["frames"])
}

func TestEntrypointExecutor_NoBinaryIsRootMarker(t *testing.T) {
	res, err := (&EntrypointExecutor{}).Execute(context.Background(),
		node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}), &ExecutionContext{})

	require.NoError(t, err)
	assert.Equal(t, "Workflow execution started", res.Output["message"])
	assert.Empty(t, res.Branch)
}

func TestEntrypointExecutor_MissingRunner(t *testing.T) {
	_, err := (&EntrypointExecutor{}).Execute(context.Background(),
		node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{Binary: "x"}}), &ExecutionContext{WorkDir: t.TempDir()})

	assert.ErrorIs(t, err, ErrExternalProcessError)
}

func TestContextExecutor_Sources(t *testing.T) {
	g := NewGraph(&Workflow{
		Nodes: []Node{
			node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}),
			node("ctx", NodeContext, NodeData{Context: &ContextData{}}),
		},
		Edges: []Edge{edge("e1", "entry", "ctx")},
	})

	tests := []struct {
		name    string
		source  ContextSource
		ec      *ExecutionContext
		want    any
		wantErr error
	}{
		{
			name:   "user config",
			source: SourceUserConfig,
			ec:     &ExecutionContext{UserConfig: map[string]any{"k": "v"}},
			want:   map[string]any{"k": "v"},
		},
		{
			name:   "trajectory dump",
			source: SourceTrajectoryDump,
			ec:     &ExecutionContext{Dump: &Dump{TrajectoryID: "t", Timestep: 5, Path: "/d/5.dump", Size: 10}},
			want:   map[string]any{"path": "/d/5.dump", "timestep": 5, "trajectoryId": "t", "size": int64(10)},
		},
		{
			name:    "trajectory dump missing",
			source:  SourceTrajectoryDump,
			ec:      &ExecutionContext{},
			wantErr: ErrSourceUnavailable,
		},
		{
			name:   "entrypoint output",
			source: SourceEntrypointOutput,
			ec:     &ExecutionContext{Outputs: map[string]map[string]any{"entry": {"result": []any{1, 2}}}},
			want:   []any{1, 2},
		},
		{
			name:    "entrypoint has not run",
			source:  SourceEntrypointOutput,
			ec:      &ExecutionContext{},
			wantErr: ErrSourceUnavailable,
		},
		{
			name:   "iteration item",
			source: SourceIterationItem,
			ec: func() *ExecutionContext {
				ec := &ExecutionContext{}
				ec.SetIteration(0, "Fe")
				return ec
			}(),
			want: "Fe",
		},
		{
			name:    "no iteration item",
			source:  SourceIterationItem,
			ec:      &ExecutionContext{},
			wantErr: ErrSourceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ec.graph = g
			n := node("ctx", NodeContext, NodeData{Context: &ContextData{Source: tt.source}})

			res, err := (&ContextExecutor{}).Execute(context.Background(), n, tt.ec)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, string(tt.source), res.Output["source"])
			assert.Equal(t, tt.want, res.Output["data"])
		})
	}
}

func TestModifierExecutor_UsesUpstreamValueWithoutInput(t *testing.T) {
	g := NewGraph(&Workflow{
		Nodes: []Node{
			node("ctx", NodeContext, NodeData{Context: &ContextData{Source: SourceUserConfig}}),
			node("n", NodeModifier, NodeData{Modifier: &ModifierData{Name: "count"}}),
		},
		Edges: []Edge{edge("e1", "ctx", "n")},
	})
	ec := &ExecutionContext{
		Outputs: map[string]map[string]any{"ctx": {"data": []any{"a", "b", "c"}}},
		graph:   g,
	}

	res, err := (&ModifierExecutor{modifiers: BuiltinModifiers()}).Execute(context.Background(), *g.Node("n"), ec)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Output["result"])
	assert.Equal(t, "count", res.Output["name"])
}

func TestForEachExecutor(t *testing.T) {
	ec := &ExecutionContext{}
	n := node("each", NodeForEach, NodeData{ForEach: &ForEachData{IterableSource: "config.items"}})

	_, err := (&ForEachExecutor{}).Execute(context.Background(), n, ec)
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	ec.SetIteration(2, map[string]any{"element": "O"})
	res, err := (&ForEachExecutor{}).Execute(context.Background(), n, ec)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Output["index"])
	assert.Equal(t, map[string]any{"element": "O"}, res.Output["item"])
}

func TestIfStatementExecutor_Branch(t *testing.T) {
	n := node("check", NodeIfStatement, NodeData{IfStatement: &IfStatementData{Conditions: []Condition{
		{LeftExpr: "{{config.mode}}", Handler: OpEqual, RightExpr: "fast"},
	}}})

	res, err := (&IfStatementExecutor{}).Execute(context.Background(), n, &ExecutionContext{UserConfig: map[string]any{"mode": "fast"}})
	require.NoError(t, err)
	assert.Equal(t, HandleTrue, res.Branch)
	assert.Equal(t, true, res.Output["result"])

	res, err = (&IfStatementExecutor{}).Execute(context.Background(), n, &ExecutionContext{UserConfig: map[string]any{"mode": "slow"}})
	require.NoError(t, err)
	assert.Equal(t, HandleFalse, res.Branch)
}

func TestExportExecutor_WritesArtifact(t *testing.T) {
	w := &recordingWriter{}
	exporter := &fakeExporter{}
	engine := newTestEngine(w, nil, map[string]Exporter{"atoms-glb": exporter})
	wf := &Workflow{
		Nodes: []Node{
			node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}),
			node("atoms", NodeExposure, NodeData{Exposure: &ExposureData{Name: "Atoms", Results: "{{config.atoms}}"}}),
			node("glb", NodeExport, NodeData{Export: &ExportData{Exporter: "atoms-glb", Type: "glb"}}),
		},
		Edges: []Edge{edge("e1", "entry", "atoms"), edge("e2", "atoms", "glb")},
	}
	atoms := []any{map[string]any{"type": "Cu", "x": 0.0, "y": 0.0, "z": 0.0}}

	results, err := engine.Execute(context.Background(), NewGraph(wf), &ExecutionContext{
		AnalysisID: "a1",
		Timestep:   3,
		UserConfig: map[string]any{"atoms": atoms},
	})

	require.NoError(t, err)
	assert.Equal(t, atoms, exporter.input)
	require.Len(t, w.artifacts, 1)
	assert.Equal(t, "glb", w.artifacts[0].NodeID)
	assert.Equal(t, 3, w.artifacts[0].Timestep)
	assert.Equal(t, "artifacts/glb", results.Steps[2].Output["key"])
}

func TestExportExecutor_UnknownExporter(t *testing.T) {
	engine := newTestEngine(&recordingWriter{}, nil, nil)
	wf := &Workflow{
		Nodes: []Node{
			node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}),
			node("atoms", NodeExposure, NodeData{Exposure: &ExposureData{Name: "Atoms"}}),
			node("glb", NodeExport, NodeData{Export: &ExportData{Exporter: "nope"}}),
		},
		Edges: []Edge{edge("e1", "entry", "atoms"), edge("e2", "atoms", "glb")},
	}

	_, err := engine.Execute(context.Background(), NewGraph(wf), &ExecutionContext{})

	var nodeErr *NodeExecutionError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, ErrExport, nodeErr.Kind)
	assert.Equal(t, "glb", nodeErr.NodeID)
}

func TestBuiltinModifiers(t *testing.T) {
	atoms := []any{
		map[string]any{"type": "Cu", "energy": -3.5},
		map[string]any{"type": "Fe", "energy": -4.0},
		map[string]any{"type": "Cu", "energy": -3.0},
	}
	mods := BuiltinModifiers()
	ctx := context.Background()

	t.Run("select", func(t *testing.T) {
		got, err := mods["select"](ctx, map[string]any{"atoms": atoms}, map[string]any{"path": "atoms.1.type"})
		require.NoError(t, err)
		assert.Equal(t, "Fe", got)
	})

	t.Run("select requires path", func(t *testing.T) {
		_, err := mods["select"](ctx, atoms, map[string]any{})
		assert.Error(t, err)
	})

	t.Run("filter", func(t *testing.T) {
		got, err := mods["filter"](ctx, atoms, map[string]any{"field": "type", "value": "Cu"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("filter numeric operator", func(t *testing.T) {
		got, err := mods["filter"](ctx, atoms, map[string]any{"field": "energy", "operator": OpLess, "value": -3.2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("count", func(t *testing.T) {
		got, err := mods["count"](ctx, atoms, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, got)
	})

	t.Run("statistics", func(t *testing.T) {
		got, err := mods["statistics"](ctx, atoms, map[string]any{"field": "energy"})
		require.NoError(t, err)
		stats := got.(map[string]any)
		assert.Equal(t, 3, stats["count"])
		assert.Equal(t, -4.0, stats["min"])
		assert.Equal(t, -3.0, stats["max"])
		assert.InDelta(t, -3.5, stats["mean"], 1e-9)
	})

	t.Run("group-count", func(t *testing.T) {
		got, err := mods["group-count"](ctx, atoms, map[string]any{"field": "type"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"Cu": 2, "Fe": 1}, got)
	})

	t.Run("non-list input", func(t *testing.T) {
		_, err := mods["statistics"](ctx, "not a list", map[string]any{"field": "energy"})
		assert.Error(t, err)
	})
}
