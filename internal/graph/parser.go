// Package graph validates a user-authored workflow graph and linearizes it
// into a typed WorkflowConfig with a topological execution order.
package graph

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/optiforge/optiforge/internal/faults"
	"github.com/optiforge/optiforge/internal/model"
)

// repositoryKey is the node parameter naming the component repository ("owner/name").
const repositoryKey = "repository"

// sizeBytesKey is the dataset node parameter carrying the dataset size.
const sizeBytesKey = "size_bytes"

// Parser validates and linearizes workflow graphs.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a graph parser.
func NewParser(logger *slog.Logger) *Parser {
	return &Parser{logger: logger}
}

// Parse validates the graph and produces its directed, typed form.
// It fails with a validation fault when the node list is empty, a problem or
// optimizer node is missing, a component lacks a resolvable repository, the
// graph has a cycle, or no problem→optimizer path exists. Duplicate problem,
// optimizer, or dataset nodes are logged as warnings; the first seen wins.
func (p *Parser) Parse(g *model.WorkflowGraph) (*model.WorkflowConfig, error) {
	if len(g.Nodes) == 0 {
		return nil, faults.New(faults.KindValidation, "workflow graph has no nodes")
	}

	var problem, optimizer, dataset *model.Node
	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Kind {
		case model.KindProblem:
			if problem != nil {
				p.logger.Warn("duplicate problem node ignored", "node_id", n.ID, "kept", problem.ID)
				continue
			}
			problem = n
		case model.KindDataset:
			if dataset != nil {
				p.logger.Warn("duplicate dataset node ignored", "node_id", n.ID, "kept", dataset.ID)
				continue
			}
			dataset = n
		case model.KindOptimizer:
			if optimizer != nil {
				p.logger.Warn("duplicate optimizer node ignored", "node_id", n.ID, "kept", optimizer.ID)
				continue
			}
			optimizer = n
		default:
			return nil, faults.Newf(faults.KindValidation, "node %s has unknown kind %q", n.ID, n.Kind)
		}
	}

	if problem == nil {
		return nil, faults.New(faults.KindValidation, "workflow graph has no problem node")
	}
	if optimizer == nil {
		return nil, faults.New(faults.KindValidation, "workflow graph has no optimizer node")
	}

	order, err := p.topoSort(g)
	if err != nil {
		return nil, err
	}

	if !reachable(g, problem.ID, optimizer.ID) {
		return nil, faults.New(faults.KindValidation, "no path from problem node to optimizer node")
	}

	cfg := &model.WorkflowConfig{ExecutionOrder: order}

	cfg.Problem, err = componentRef(problem)
	if err != nil {
		return nil, err
	}
	cfg.Optimizer, err = componentRef(optimizer)
	if err != nil {
		return nil, err
	}

	if dataset != nil {
		ref, err := datasetRef(dataset)
		if err != nil {
			return nil, err
		}
		for _, e := range g.Edges {
			if e.SourceID != dataset.ID {
				continue
			}
			switch e.TargetID {
			case problem.ID:
				cfg.Problem.HasUpstreamDataset = true
				if e.AuxParameter != "" {
					// Preserved verbatim: the generated program injects the
					// dataset content under exactly this override key.
					ref.MappedParameter = e.AuxParameter
				}
			case optimizer.ID:
				cfg.Optimizer.HasUpstreamDataset = true
			}
		}
		cfg.Dataset = ref
	}

	return cfg, nil
}

// componentRef extracts a ComponentRef from a problem or optimizer node.
func componentRef(n *model.Node) (model.ComponentRef, error) {
	repo, err := repository(n)
	if err != nil {
		return model.ComponentRef{}, err
	}
	return model.ComponentRef{
		Repository: repo,
		Overrides:  overrides(n, repositoryKey),
	}, nil
}

// datasetRef extracts a DatasetRef from a dataset node.
func datasetRef(n *model.Node) (*model.DatasetRef, error) {
	repo, err := repository(n)
	if err != nil {
		return nil, err
	}
	return &model.DatasetRef{
		Repository: repo,
		SizeBytes:  sizeBytes(n),
	}, nil
}

// repository resolves the "owner/name" repository identifier for a node.
func repository(n *model.Node) (string, error) {
	v, ok := n.Parameters[repositoryKey]
	if !ok {
		return "", faults.Newf(faults.KindValidation, "%s node %s has no repository identifier", n.Kind, n.ID)
	}
	repo, ok := v.(string)
	if !ok || !strings.Contains(repo, "/") {
		return "", faults.Newf(faults.KindValidation, "%s node %s repository %v is not of the form owner/name", n.Kind, n.ID, v)
	}
	return repo, nil
}

// overrides copies a node's parameters, dropping the reserved keys.
func overrides(n *model.Node, reserved ...string) map[string]any {
	if len(n.Parameters) == 0 {
		return nil
	}
	out := make(map[string]any, len(n.Parameters))
	for k, v := range n.Parameters {
		skip := false
		for _, r := range reserved {
			if k == r {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// sizeBytes coerces the dataset size parameter. JSON decoding yields float64;
// clients may also send a numeric string. Missing or malformed sizes are
// treated as zero, which scores as a small dataset.
func sizeBytes(n *model.Node) int64 {
	switch v := n.Parameters[sizeBytesKey].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case string:
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed
		}
	}
	return 0
}

// DFS colors for topological sorting.
const (
	white = iota // unvisited
	gray         // on the current DFS stack
	black        // finished
)

// topoSort runs a DFS-based topological sort. Roots are the indegree-zero
// nodes; disconnected components are visited afterward so that every node
// appears exactly once. Revisiting a gray node means a cycle.
func (p *Parser) topoSort(g *model.WorkflowGraph) ([]model.NodeSummary, error) {
	index := make(map[string]*model.Node, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if _, dup := index[n.ID]; dup {
			return nil, faults.Newf(faults.KindValidation, "duplicate node id %s", n.ID)
		}
		index[n.ID] = n
	}

	adjacency := make(map[string][]string, len(g.Nodes))
	indegree := make(map[string]int, len(g.Nodes))
	for _, e := range g.Edges {
		if _, ok := index[e.SourceID]; !ok {
			return nil, faults.Newf(faults.KindValidation, "edge references unknown node %s", e.SourceID)
		}
		if _, ok := index[e.TargetID]; !ok {
			return nil, faults.Newf(faults.KindValidation, "edge references unknown node %s", e.TargetID)
		}
		adjacency[e.SourceID] = append(adjacency[e.SourceID], e.TargetID)
		indegree[e.TargetID]++
	}

	color := make(map[string]int, len(g.Nodes))
	// Reverse post-order accumulates here; reversing it at the end yields an
	// order where every node appears after all of its inputs.
	finished := make([]string, 0, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return faults.Newf(faults.KindValidation, "cycle detected at node %s", id)
		case black:
			return nil
		}
		color[id] = gray
		for _, next := range adjacency[id] {
			if err := visit(next); err != nil {
				return err
			}
		}
		color[id] = black
		finished = append(finished, id)
		return nil
	}

	for i := range g.Nodes {
		if indegree[g.Nodes[i].ID] == 0 {
			if err := visit(g.Nodes[i].ID); err != nil {
				return nil, err
			}
		}
	}
	// Any node still white sits in a component with no indegree-zero entry
	// point, which can only happen when that component contains a cycle.
	for i := range g.Nodes {
		if color[g.Nodes[i].ID] == white {
			if err := visit(g.Nodes[i].ID); err != nil {
				return nil, err
			}
		}
	}

	order := make([]model.NodeSummary, len(finished))
	for i, id := range finished {
		n := index[id]
		order[len(finished)-1-i] = model.NodeSummary{ID: n.ID, Kind: n.Kind}
	}
	return order, nil
}

// reachable reports whether to can be reached from from via directed edges.
func reachable(g *model.WorkflowGraph, from, to string) bool {
	adjacency := make(map[string][]string)
	for _, e := range g.Edges {
		adjacency[e.SourceID] = append(adjacency[e.SourceID], e.TargetID)
	}
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		for _, next := range adjacency[cur] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Fingerprint returns a short human-readable summary of a graph, used in logs.
func Fingerprint(g *model.WorkflowGraph) string {
	return fmt.Sprintf("%d nodes / %d edges", len(g.Nodes), len(g.Edges))
}
