package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"plugin-engine/api/pkg/storage"
	"plugin-engine/api/services/workflow"
)

// DumpStore locates per-timestep trajectory dumps. GetDump returns nil, nil
// while the dump has not been uploaded.
type DumpStore interface {
	GetDump(ctx context.Context, trajectoryID string, timestep int) (*workflow.Dump, error)
	ListTimesteps(ctx context.Context, trajectoryID string) ([]int, error)
}

// LocalDumpStore reads dumps laid out as
// trajectory-{id}/timestep-{ts}.dump under a local object store.
type LocalDumpStore struct {
	objects *storage.LocalStore
}

func NewLocalDumpStore(objects *storage.LocalStore) *LocalDumpStore {
	return &LocalDumpStore{objects: objects}
}

// DumpKey is the object key of one timestep dump.
func DumpKey(trajectoryID string, timestep int) string {
	return fmt.Sprintf("trajectory-%s/timestep-%d.dump", trajectoryID, timestep)
}

func (s *LocalDumpStore) GetDump(ctx context.Context, trajectoryID string, timestep int) (*workflow.Dump, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := DumpKey(trajectoryID, timestep)
	p := filepath.Join(s.objects.Root(), filepath.FromSlash(key))
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat dump %s: %w", key, err)
	}
	return &workflow.Dump{TrajectoryID: trajectoryID, Timestep: timestep, Path: p, Size: info.Size()}, nil
}

func (s *LocalDumpStore) ListTimesteps(ctx context.Context, trajectoryID string) ([]int, error) {
	keys, err := s.objects.List(ctx, fmt.Sprintf("trajectory-%s/", trajectoryID))
	if err != nil {
		return nil, err
	}
	var out []int
	for _, key := range keys {
		name := path.Base(key)
		if !strings.HasPrefix(name, "timestep-") || !strings.HasSuffix(name, ".dump") {
			continue
		}
		ts, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "timestep-"), ".dump"))
		if err != nil {
			continue
		}
		out = append(out, ts)
	}
	sort.Ints(out)
	return out, nil
}
