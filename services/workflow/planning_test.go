package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iteratingWorkflow(source string) *Workflow {
	return &Workflow{
		Nodes: []Node{
			node("entry", NodeEntrypoint, NodeData{Entrypoint: &EntrypointData{}}),
			node("each", NodeForEach, NodeData{ForEach: &ForEachData{IterableSource: source}}),
			node("out", NodeExposure, NodeData{Exposure: &ExposureData{Name: "Per Element", Results: "{{forEach.item}}"}}),
		},
		Edges: []Edge{edge("e1", "entry", "each"), edge("e2", "each", "out")},
	}
}

func TestResolveIterable(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		config  map[string]any
		want    []any
		wantErr bool
	}{
		{
			name:   "dotted path",
			source: "config.elements",
			config: map[string]any{"elements": []any{"Cu", "Fe", "Ni"}},
			want:   []any{"Cu", "Fe", "Ni"},
		},
		{
			name:   "placeholder",
			source: "{{config.elements}}",
			config: map[string]any{"elements": []any{"Cu"}},
			want:   []any{"Cu"},
		},
		{
			name:   "typed slice",
			source: "config.cutoffs",
			config: map[string]any{"cutoffs": []float64{1.5, 2.5}},
			want:   []any{1.5, 2.5},
		},
		{
			name:   "empty list",
			source: "config.elements",
			config: map[string]any{"elements": []any{}},
			want:   []any{},
		},
		{
			name:    "not a list",
			source:  "config.elements",
			config:  map[string]any{"elements": "Cu"},
			wantErr: true,
		},
		{
			name:    "missing",
			source:  "config.elements",
			config:  map[string]any{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGraph(iteratingWorkflow(tt.source))

			items, iterates, err := ResolveIterable(g, &ExecutionContext{UserConfig: tt.config})

			assert.True(t, iterates)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, items)
		})
	}
}

func TestResolveIterable_NoForEach(t *testing.T) {
	items, iterates, err := ResolveIterable(NewGraph(energyWorkflow()), &ExecutionContext{})

	require.NoError(t, err)
	assert.False(t, iterates)
	assert.Nil(t, items)
}

func TestIterationNode_ClosestToEntrypoint(t *testing.T) {
	wf := iteratingWorkflow("config.elements")
	wf.Nodes = append(wf.Nodes, node("inner", NodeForEach, NodeData{ForEach: &ForEachData{IterableSource: "config.other"}}))
	wf.Edges = append(wf.Edges, edge("e3", "out", "inner"))

	got := IterationNode(NewGraph(wf))

	require.NotNil(t, got)
	assert.Equal(t, "each", got.ID)
}

func TestIterationNode_IgnoresUnreachableForEach(t *testing.T) {
	wf := energyWorkflow()
	wf.Nodes = append(wf.Nodes, node("loose", NodeForEach, NodeData{ForEach: &ForEachData{IterableSource: "config.species"}}))
	g := NewGraph(wf)

	assert.Nil(t, IterationNode(g))

	items, iterates, err := ResolveIterable(g, &ExecutionContext{UserConfig: map[string]any{"species": []any{"Cu", "Fe"}}})
	require.NoError(t, err)
	assert.False(t, iterates)
	assert.Nil(t, items)
}
