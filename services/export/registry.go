package export

import "plugin-engine/api/services/workflow"

// Builtin returns the exporters available to every plugin, keyed by the
// name Export nodes reference.
func Builtin() map[string]workflow.Exporter {
	return map[string]workflow.Exporter{
		"atoms-glb": NewAtomsGLB(),
	}
}
