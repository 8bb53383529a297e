package model

// ComponentRef identifies a problem or optimizer component by its repository
// ("owner/name") together with the caller's parameter overrides.
type ComponentRef struct {
	Repository         string         `json:"repository"`
	Overrides          map[string]any `json:"overrides,omitempty"`
	HasUpstreamDataset bool           `json:"has_upstream_dataset"`
}

// DatasetRef describes the optional upstream dataset feeding the problem.
// MappedParameter carries the aux-parameter key from the dataset→problem edge
// verbatim; the generated program injects the dataset content under that key.
type DatasetRef struct {
	Repository      string `json:"repository"`
	SizeBytes       int64  `json:"size_bytes"`
	MappedParameter string `json:"mapped_parameter,omitempty"`
}

// NodeSummary is one entry of a config's execution order.
type NodeSummary struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// WorkflowConfig is the parsed, directed form of a workflow graph. It is
// created once per execution request and never mutated afterwards.
type WorkflowConfig struct {
	Dataset        *DatasetRef   `json:"dataset,omitempty"`
	Problem        ComponentRef  `json:"problem"`
	Optimizer      ComponentRef  `json:"optimizer"`
	ExecutionOrder []NodeSummary `json:"execution_order"`
}
