package pipelinespec

// SetCaching overwrites cachingOptions on every task of root.dag and of each
// components.*.dag so the whole run uses the same cache setting. Components
// without a dag are left alone. Calling it twice with the same value is a
// no-op.
func SetCaching(pipelineSpec map[string]any, enabled bool) {
	graphs := []map[string]any{MapAt(pipelineSpec, "root")}
	for _, c := range MapAt(pipelineSpec, "components") {
		if comp, ok := c.(map[string]any); ok {
			graphs = append(graphs, comp)
		}
	}

	for _, g := range graphs {
		tasks := MapAt(g, "dag", "tasks")
		for _, t := range tasks {
			task, ok := t.(map[string]any)
			if !ok {
				continue
			}
			task["cachingOptions"] = map[string]any{"enableCache": enabled}
		}
	}
}

// StripDeploymentConfig removes the server-populated deploymentConfig from a
// pipeline spec before it is resubmitted.
func StripDeploymentConfig(pipelineSpec map[string]any) {
	delete(pipelineSpec, "deploymentConfig")
}
