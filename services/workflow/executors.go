package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// EntrypointExecutor handles the "entrypoint" node type. Without a binary it
// only marks the graph root.
type EntrypointExecutor struct {
	runner         ProcessRunner
	defaultTimeout time.Duration
}

func (e *EntrypointExecutor) Execute(ctx context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	data := node.Data.Entrypoint
	if data.Binary == "" {
		return &StepResult{Output: map[string]any{"message": "Workflow execution started"}}, nil
	}
	if e.runner == nil {
		return nil, fmt.Errorf("%w: no process runner configured", ErrExternalProcessError)
	}

	out, err := os.CreateTemp(ec.WorkDir, "entrypoint-*.msgpack")
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	outputPath := out.Name()
	out.Close()
	defer os.Remove(outputPath)

	scope := ec.Scope()
	scope["output"] = outputPath
	var args []string
	for _, token := range strings.Fields(data.Arguments) {
		args = append(args, ResolveString(token, scope))
	}

	timeout := data.Timeout()
	if data.TimeoutMs <= 0 && e.defaultTimeout > 0 {
		timeout = e.defaultTimeout
	}
	result, err := e.runner.Run(ctx, ProcessCommand{
		Binary:  data.Binary,
		Args:    args,
		Dir:     ec.WorkDir,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	output := map[string]any{
		"exitCode": result.ExitCode,
		"stdout":   strings.TrimSpace(string(result.Stdout)),
		"duration": result.Duration.Milliseconds(),
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read binary output: %w", err)
	}
	if len(raw) > 0 {
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		dec.UseLooseInterfaceDecoding(true)
		decoded, err := dec.DecodeInterface()
		if err != nil {
			return nil, fmt.Errorf("%w: decode binary output: %v", ErrExternalProcessError, err)
		}
		output["result"] = decoded
	}
	return &StepResult{Output: output}, nil
}

// ContextExecutor handles the "context" node type. It selects the input
// data source for downstream nodes.
type ContextExecutor struct{}

func (e *ContextExecutor) Execute(_ context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	source := node.Data.Context.Source
	var value any

	switch source {
	case SourceTrajectoryDump:
		if ec.Dump == nil {
			return nil, fmt.Errorf("%w: no dump for timestep %d", ErrSourceUnavailable, ec.Timestep)
		}
		value = map[string]any{
			"path":         ec.Dump.Path,
			"timestep":     ec.Dump.Timestep,
			"trajectoryId": ec.Dump.TrajectoryID,
			"size":         ec.Dump.Size,
		}
	case SourceEntrypointOutput:
		entry := ec.graph.FindAncestorByType(node.ID, NodeEntrypoint)
		if entry == nil {
			return nil, fmt.Errorf("%w: no entrypoint upstream", ErrSourceUnavailable)
		}
		out, ok := ec.Outputs[entry.ID]
		if !ok {
			return nil, fmt.Errorf("%w: entrypoint %s has not run", ErrSourceUnavailable, entry.ID)
		}
		value = out["result"]
	case SourceUserConfig:
		value = ec.UserConfig
	case SourceIterationItem:
		if !ec.HasIteration {
			return nil, fmt.Errorf("%w: no iteration item assigned", ErrSourceUnavailable)
		}
		value = ec.CurrentIterationItem
	default:
		return nil, fmt.Errorf("unknown context source %q", source)
	}

	return &StepResult{Output: map[string]any{"source": string(source), "data": value}}, nil
}

// ModifierExecutor handles the "modifier" node type. It runs a named
// transformation with the preset arguments overridden by the user config.
type ModifierExecutor struct {
	modifiers ModifierSet
}

func (e *ModifierExecutor) Execute(ctx context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	data := node.Data.Modifier

	fn, ok := e.modifiers[data.Name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown modifier %q", ErrModifierExecution, data.Name)
	}

	args := ResolveArguments(data.Preset, ec.UserConfig)

	var input any
	if data.Input != "" {
		input = Resolve(data.Input, ec.Scope())
	} else {
		input, _ = ec.upstreamValue(node.ID)
	}

	result, err := fn(ctx, input, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrModifierExecution, data.Name, err)
	}

	return &StepResult{Output: map[string]any{
		"name":      data.Name,
		"version":   data.Version,
		"arguments": args,
		"result":    result,
	}}, nil
}

// ResolveArguments returns {...preset, ...userConfig}: user values win,
// preset values fill the gaps. Neither input is modified.
func ResolveArguments(preset, userConfig map[string]any) map[string]any {
	args := make(map[string]any, len(preset)+len(userConfig))
	maps.Copy(args, preset)
	maps.Copy(args, userConfig)
	return args
}

// ForEachExecutor handles the "forEach" node type. Fan-out happens when jobs
// are created; at execution time the node exposes the assigned item.
type ForEachExecutor struct{}

func (e *ForEachExecutor) Execute(_ context.Context, _ Node, ec *ExecutionContext) (*StepResult, error) {
	if !ec.HasIteration {
		return nil, fmt.Errorf("%w: no iteration item assigned", ErrSourceUnavailable)
	}
	return &StepResult{Output: map[string]any{
		"item":  ec.CurrentIterationItem,
		"index": ec.CurrentIterationIndex,
	}}, nil
}

// IfStatementExecutor handles the "if-statement" node type.
type IfStatementExecutor struct{}

func (e *IfStatementExecutor) Execute(_ context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	result, err := evaluateConditions(node.Data.IfStatement.Conditions, ec.Scope())
	if err != nil {
		return nil, err
	}
	branch := HandleFalse
	if result {
		branch = HandleTrue
	}
	return &StepResult{
		Output: map[string]any{"result": result},
		Branch: branch,
	}, nil
}

// ExposureExecutor handles the "exposure" node type. It publishes the
// resolved results under the exposure's identity.
type ExposureExecutor struct {
	writer ExposureWriter
}

func (e *ExposureExecutor) Execute(ctx context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	data := node.Data.Exposure
	if e.writer == nil {
		return nil, errors.New("no exposure writer configured")
	}

	var value any
	if data.Results != "" {
		value = Resolve(data.Results, ec.Scope())
	} else {
		value, _ = ec.upstreamValue(node.ID)
	}

	key, chunks, err := e.writer.WriteExposure(ctx, ExposureWrite{
		TrajectoryID: ec.TrajectoryID,
		AnalysisID:   ec.AnalysisID,
		ExposureID:   node.ID,
		Timestep:     ec.Timestep,
		Iterable:     data.Iterable,
		Value:        value,
	})
	if err != nil {
		return nil, fmt.Errorf("write exposure %q: %w", data.Name, err)
	}

	return &StepResult{Output: map[string]any{
		"name":    data.Name,
		"icon":    data.Icon,
		"key":     key,
		"chunks":  chunks,
		"results": value,
	}}, nil
}

// SchemaExecutor handles the "schema" node type. It only carries metadata.
type SchemaExecutor struct{}

func (e *SchemaExecutor) Execute(_ context.Context, node Node, _ *ExecutionContext) (*StepResult, error) {
	return &StepResult{Output: map[string]any{"definition": node.Data.Schema.Definition}}, nil
}

// VisualizersExecutor handles the "visualizers" node type. It only carries metadata.
type VisualizersExecutor struct{}

func (e *VisualizersExecutor) Execute(_ context.Context, node Node, _ *ExecutionContext) (*StepResult, error) {
	data := node.Data.Visualizers
	return &StepResult{Output: map[string]any{
		"canvas":            data.Canvas,
		"raster":            data.Raster,
		"listing":           data.Listing,
		"perAtomProperties": data.PerAtomProperties,
	}}, nil
}

// ExportExecutor handles the "export" node type. It hands the closest
// exposure's results to the named exporter and stores the artifact.
type ExportExecutor struct {
	exporters map[string]Exporter
	artifacts ArtifactWriter
}

func (e *ExportExecutor) Execute(ctx context.Context, node Node, ec *ExecutionContext) (*StepResult, error) {
	data := node.Data.Export

	exposure := ec.graph.FindAncestorByType(node.ID, NodeExposure)
	if exposure == nil {
		return nil, fmt.Errorf("%w: no exposure upstream", ErrExport)
	}
	exposureOut, ok := ec.Outputs[exposure.ID]
	if !ok {
		return nil, fmt.Errorf("%w: exposure %s produced no output", ErrExport, exposure.ID)
	}

	exporter, ok := e.exporters[data.Exporter]
	if !ok {
		return nil, fmt.Errorf("%w: unknown exporter %q", ErrExport, data.Exporter)
	}
	if e.artifacts == nil {
		return nil, fmt.Errorf("%w: no artifact writer configured", ErrExport)
	}

	artifact, err := exporter.Export(ctx, ExportRequest{
		Type:     data.Type,
		Options:  data.Options,
		Exposure: exposure.Data.Exposure.Name,
		Input:    exposureOut["results"],
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExport, data.Exporter, err)
	}

	key, err := e.artifacts.WriteArtifact(ctx, ArtifactWrite{
		TrajectoryID: ec.TrajectoryID,
		AnalysisID:   ec.AnalysisID,
		NodeID:       node.ID,
		Timestep:     ec.Timestep,
		Artifact:     artifact,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: store artifact: %w", ErrExport, err)
	}

	return &StepResult{Output: map[string]any{
		"exporter": data.Exporter,
		"type":     data.Type,
		"key":      key,
		"size":     len(artifact.Data),
	}}, nil
}
