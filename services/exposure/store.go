package exposure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"github.com/vmihailenco/msgpack/v5"

	"plugin-engine/api/pkg/storage"
	"plugin-engine/api/services/workflow"
)

// DefaultChunkSize is the number of list elements written per chunk.
const DefaultChunkSize = 1000

// ErrNotFound is returned when no exposure was written for the key.
var ErrNotFound = errors.New("exposure not found")

// ExposureKey returns the object key of one exposure result.
func ExposureKey(trajectoryID, analysisID, exposureID string, timestep int) string {
	return fmt.Sprintf("%s/timestep-%d.msgpack", exposurePrefix(trajectoryID, analysisID)+exposureID, timestep)
}

// ArtifactKey returns the object key of one exporter artifact.
func ArtifactKey(trajectoryID, analysisID, nodeID string, timestep int, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "bin"
	}
	return fmt.Sprintf("%s/timestep-%d.%s", exposurePrefix(trajectoryID, analysisID)+nodeID, timestep, ext)
}

// AnalysisPrefix returns the prefix shared by every object of an analysis.
func AnalysisPrefix(trajectoryID, analysisID string) string {
	return exposurePrefix(trajectoryID, analysisID)
}

func exposurePrefix(trajectoryID, analysisID string) string {
	return fmt.Sprintf("plugins/trajectory-%s/analysis-%s/", trajectoryID, analysisID)
}

// Store writes exposure results as msgpack chunk streams and reads them back
// merged. It implements workflow.ExposureWriter and workflow.ArtifactWriter.
type Store struct {
	objects   storage.ObjectStore
	chunkSize int
	logger    *slog.Logger
}

// NewStore creates a Store. Non-positive chunk sizes use DefaultChunkSize.
func NewStore(objects storage.ObjectStore, chunkSize int, logger *slog.Logger) *Store {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{objects: objects, chunkSize: chunkSize, logger: logger.With("component", "exposure-store")}
}

// WriteExposure streams w.Value to storage and returns the key and the
// number of chunks written.
func (s *Store) WriteExposure(ctx context.Context, w workflow.ExposureWrite) (string, int, error) {
	key := ExposureKey(w.TrajectoryID, w.AnalysisID, w.ExposureID, w.Timestep)
	parts := chunk(w.Value, w.Iterable, s.chunkSize)

	pr, pw := io.Pipe()
	go func() {
		enc := msgpack.NewEncoder(pw)
		enc.SetCustomStructTag("json")
		for _, part := range parts {
			if err := enc.Encode(part); err != nil {
				pw.CloseWithError(fmt.Errorf("encode chunk: %w", err))
				return
			}
		}
		pw.Close()
	}()

	size, err := s.objects.Put(ctx, key, pr)
	if err != nil {
		pr.CloseWithError(err)
		return "", 0, fmt.Errorf("store exposure %s: %w", w.ExposureID, err)
	}
	s.logger.Debug("exposure written", "key", key, "chunks", len(parts), "bytes", size)
	return key, len(parts), nil
}

// WriteArtifact stores an exporter artifact next to the exposures of the
// analysis.
func (s *Store) WriteArtifact(ctx context.Context, w workflow.ArtifactWrite) (string, error) {
	if w.Artifact == nil {
		return "", errors.New("nil artifact")
	}
	key := ArtifactKey(w.TrajectoryID, w.AnalysisID, w.NodeID, w.Timestep, w.Artifact.Extension)
	if _, err := s.objects.Put(ctx, key, bytes.NewReader(w.Artifact.Data)); err != nil {
		return "", fmt.Errorf("store artifact %s: %w", w.NodeID, err)
	}
	return key, nil
}

// ReadExposure decodes and merges the chunk stream of one exposure. When
// iterable is set and the merged value is a map holding that key, only the
// iterable list is returned.
func (s *Store) ReadExposure(ctx context.Context, trajectoryID, analysisID, exposureID string, timestep int, iterable string) (any, error) {
	key := ExposureKey(trajectoryID, analysisID, exposureID, timestep)
	rc, err := s.objects.Open(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	dec := msgpack.NewDecoder(rc)
	dec.UseLooseInterfaceDecoding(true)
	var parts []any
	for {
		v, err := dec.DecodeInterface()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode exposure %s: %w", key, err)
		}
		parts = append(parts, v)
	}

	merged, err := mergeChunks(parts)
	if err != nil {
		return nil, fmt.Errorf("merge exposure %s: %w", key, err)
	}
	if iterable != "" {
		if m, ok := merged.(map[string]any); ok {
			if v, ok := m[iterable]; ok {
				return v, nil
			}
		}
	}
	return merged, nil
}

// DeleteAnalysis removes every exposure and artifact of an analysis.
func (s *Store) DeleteAnalysis(ctx context.Context, trajectoryID, analysisID string) error {
	return s.objects.Delete(ctx, AnalysisPrefix(trajectoryID, analysisID))
}

// chunk splits value into parts of at most size list elements. Lists are
// split directly; maps are split along their iterable key, the first part
// carrying every other key. Anything else is a single part.
func chunk(value any, iterable string, size int) []any {
	if list, ok := asList(value); ok {
		if len(list) <= size {
			return []any{list}
		}
		var parts []any
		for start := 0; start < len(list); start += size {
			parts = append(parts, list[start:min(start+size, len(list))])
		}
		return parts
	}

	m, ok := value.(map[string]any)
	if !ok || iterable == "" {
		return []any{value}
	}
	list, ok := asList(m[iterable])
	if !ok || len(list) <= size {
		return []any{value}
	}

	first := make(map[string]any, len(m))
	for k, v := range m {
		first[k] = v
	}
	first[iterable] = list[:size]
	parts := []any{first}
	for start := size; start < len(list); start += size {
		parts = append(parts, map[string]any{iterable: list[start:min(start+size, len(list))]})
	}
	return parts
}

// mergeChunks folds decoded chunks: lists concatenate, maps deep merge with
// list values appended, anything else is replaced by the later chunk.
func mergeChunks(parts []any) (any, error) {
	if len(parts) == 0 {
		return nil, nil
	}
	acc := parts[0]
	for _, part := range parts[1:] {
		switch current := acc.(type) {
		case []any:
			if next, ok := part.([]any); ok {
				acc = append(current, next...)
				continue
			}
		case map[string]any:
			if next, ok := part.(map[string]any); ok {
				if err := mergo.Merge(&current, next, mergo.WithOverride, mergo.WithAppendSlice); err != nil {
					return nil, err
				}
				acc = current
				continue
			}
		}
		acc = part
	}
	return acc, nil
}

func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
