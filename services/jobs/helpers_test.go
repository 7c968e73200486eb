package jobs

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/dgraph-io/badger/v3"
	"github.com/stretchr/testify/require"

	"plugin-engine/api/pkg/storage"
	"plugin-engine/api/services/exposure"
	"plugin-engine/api/services/listing"
	"plugin-engine/api/services/workflow"
)

func openTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testEnv wires every jobs component over in-memory and temp-dir backends.
type testEnv struct {
	db        *badger.DB
	plugins   *workflow.MemoryRepository
	cache     *workflow.PluginCache
	dumpFiles *storage.LocalStore
	dumps     *LocalDumpStore
	analyses  *MemoryAnalysisRepository
	statuses  *StatusStore
	queue     *Queue
	hub       *Hub
	locker    *Locker
	listings  *listing.MemoryRepository
	exposures *exposure.Store
	scheduler *Scheduler
	pool      *Pool
	bulk      *Bulk

	// failing makes the "flaky" modifier return an error.
	failing atomic.Bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{}

	e.db = openTestDB(t)
	e.plugins = workflow.NewMemoryRepository()
	e.cache = workflow.NewPluginCache(e.plugins, 16, 0)

	var err error
	e.dumpFiles, err = storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e.dumps = NewLocalDumpStore(e.dumpFiles)

	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	e.exposures = exposure.NewStore(objects, 10, nil)

	e.analyses = NewMemoryAnalysisRepository()
	e.statuses = NewStatusStore(e.db, DefaultQueue)
	e.queue = NewQueue(e.db, DefaultQueue, nil)
	e.hub = NewHub(nil)
	e.locker = NewLocker(e.db, 0, nil)
	e.listings = listing.NewMemoryRepository()

	modifiers := workflow.BuiltinModifiers()
	modifiers["flaky"] = func(_ context.Context, input any, _ map[string]any) (any, error) {
		if e.failing.Load() {
			return nil, errors.New("flaky modifier tripped")
		}
		return input, nil
	}
	engine := workflow.NewEngine(workflow.NewRegistry(workflow.Dependencies{
		Modifiers: modifiers,
		Exposures: e.exposures,
		Artifacts: e.exposures,
	}), nil)

	e.scheduler = NewScheduler(e.cache, e.dumps, e.analyses, e.statuses, e.queue, e.hub, nil)
	e.pool = NewPool(PoolConfig{Workers: 2, MaxUploadWaits: 2, WorkDir: t.TempDir()}, PoolDeps{
		Queue:       e.queue,
		Statuses:    e.statuses,
		Analyses:    e.analyses,
		Plugins:     e.cache,
		Dumps:       e.dumps,
		Engine:      engine,
		Precomputer: listing.NewPrecomputer(e.listings, nil),
		Hub:         e.hub,
	}, nil)
	e.bulk = NewBulk(e.locker, e.statuses, e.queue, e.analyses, e.exposures, e.listings, e.hub, nil)
	return e
}

func (e *testEnv) savePlugin(t *testing.T, slug string, wf workflow.Workflow) {
	t.Helper()
	p := &workflow.Plugin{Slug: slug, Team: "team-1", Name: slug, Workflow: wf, Validated: true, Status: workflow.PluginPublished}
	require.NoError(t, e.plugins.Save(context.Background(), p))
	e.cache.Invalidate(slug)
}

func (e *testEnv) uploadDump(t *testing.T, trajectoryID string, timestep int) {
	t.Helper()
	_, err := e.dumpFiles.Put(context.Background(), DumpKey(trajectoryID, timestep), strings.NewReader("ITEM: TIMESTEP\n"))
	require.NoError(t, err)
}

// runReady processes every job that is ready now, one at a time.
func (e *testEnv) runReady(t *testing.T) int {
	t.Helper()
	n := 0
	for {
		job, err := e.queue.Dequeue(context.Background())
		require.NoError(t, err)
		if job == nil {
			return n
		}
		e.pool.Process(context.Background(), job)
		n++
	}
}

func (e *testEnv) statusOf(t *testing.T, jobID string) Status {
	t.Helper()
	rec, err := e.statuses.Get(context.Background(), jobID)
	require.NoError(t, err)
	return rec.Status
}

func wfNode(id string, typ workflow.NodeType, data workflow.NodeData) workflow.Node {
	return workflow.Node{ID: id, Type: typ, Data: data}
}

func wfEdge(source, target string) workflow.Edge {
	return workflow.Edge{ID: source + "->" + target, Source: source, Target: target}
}

// frameWorkflow publishes the dump of each frame through the flaky modifier.
func frameWorkflow() workflow.Workflow {
	return workflow.Workflow{
		Nodes: []workflow.Node{
			wfNode("entry", workflow.NodeEntrypoint, workflow.NodeData{Entrypoint: &workflow.EntrypointData{}}),
			wfNode("dump", workflow.NodeContext, workflow.NodeData{Context: &workflow.ContextData{Source: workflow.SourceTrajectoryDump}}),
			wfNode("pass", workflow.NodeModifier, workflow.NodeData{Modifier: &workflow.ModifierData{Name: "flaky"}}),
			wfNode("frame", workflow.NodeExposure, workflow.NodeData{Exposure: &workflow.ExposureData{Name: "Frame Info", Results: "{{pass.result}}"}}),
			wfNode("viz", workflow.NodeVisualizers, workflow.NodeData{Visualizers: &workflow.VisualizersData{
				Listing: map[string]string{"timestep": "timestep", "size": "size"},
			}}),
		},
		Edges: []workflow.Edge{
			wfEdge("entry", "dump"),
			wfEdge("dump", "pass"),
			wfEdge("pass", "frame"),
			wfEdge("frame", "viz"),
		},
	}
}

// speciesWorkflow runs once per entry of config.species.
func speciesWorkflow() workflow.Workflow {
	return workflow.Workflow{
		Nodes: []workflow.Node{
			wfNode("entry", workflow.NodeEntrypoint, workflow.NodeData{Entrypoint: &workflow.EntrypointData{}}),
			wfNode("each", workflow.NodeForEach, workflow.NodeData{ForEach: &workflow.ForEachData{IterableSource: "config.species"}}),
			wfNode("item", workflow.NodeContext, workflow.NodeData{Context: &workflow.ContextData{Source: workflow.SourceIterationItem}}),
			wfNode("species", workflow.NodeExposure, workflow.NodeData{Exposure: &workflow.ExposureData{Name: "Species", Results: "{{item.data}}"}}),
		},
		Edges: []workflow.Edge{
			wfEdge("entry", "each"),
			wfEdge("each", "item"),
			wfEdge("item", "species"),
		},
	}
}
