package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"plugin-engine/api/services/export"
	"plugin-engine/api/services/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate PLUGIN_FILE",
	Short: "Check a plugin definition for graph integrity problems",
	Long: `Validate loads a plugin definition from a YAML or JSON file and reports
every integrity problem of its workflow graph: dangling edges, cycles,
missing node data, unknown modifiers and exporters.

The file holds either a plugin document with a "workflow" key or a bare
workflow with "nodes" and "edges".

Exit codes:
  0 - The workflow is valid
  1 - Validation failed or the file could not be read`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wf, err := loadWorkflow(args[0])
	if err != nil {
		return err
	}

	errs := workflow.Validate(wf, workflow.BuiltinModifiers(), export.Builtin())
	if len(errs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d nodes, %d edges)\n", args[0], len(wf.Nodes), len(wf.Edges))
		return nil
	}
	for _, e := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "  - %v\n", e)
	}
	return fmt.Errorf("%s: %d validation problem(s)", args[0], len(errs))
}

// loadWorkflow decodes path as YAML, which also accepts JSON, and maps the
// document onto the JSON field names of the workflow types.
func loadWorkflow(path string) (*workflow.Workflow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin file: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse plugin file: %w", err)
	}
	if doc == nil {
		return nil, errors.New("plugin file is empty")
	}
	if inner, ok := doc["workflow"].(map[string]any); ok {
		doc = inner
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert plugin file: %w", err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return &wf, nil
}
