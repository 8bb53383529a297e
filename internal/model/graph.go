package model

// Node kind constants. A workflow graph composes at most one problem and one
// optimizer, plus an optional dataset feeding the problem.
const (
	KindDataset   = "dataset"
	KindProblem   = "problem"
	KindOptimizer = "optimizer"
)

// Node is a single component in a user-authored workflow graph.
type Node struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Edge is a directed connection between two nodes. AuxParameter is only
// meaningful on dataset→problem edges: it names the override key the mapped
// upstream content is injected under.
type Edge struct {
	SourceID     string `json:"source_id"`
	TargetID     string `json:"target_id"`
	AuxParameter string `json:"aux_parameter,omitempty"`
}

// WorkflowGraph is the raw, unvalidated graph as submitted by a caller.
type WorkflowGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}
