package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/optiforge/optiforge/internal/model"
)

// Key computes a stable content hash for a workflow graph. Only the
// semantically relevant subset participates: node kinds and parameters and
// the edge structure. Volatile fields (node ids chosen by the UI, request
// timestamps) are excluded so equivalent graphs share cache entries.
func Key(g *model.WorkflowGraph) string {
	type keyNode struct {
		Kind   string `json:"kind"`
		Params string `json:"params"`
	}
	type keyEdge struct {
		SourceKind string `json:"source_kind"`
		TargetKind string `json:"target_kind"`
		Aux        string `json:"aux,omitempty"`
	}

	kinds := make(map[string]string, len(g.Nodes))
	nodes := make([]keyNode, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		kinds[n.ID] = n.Kind
		nodes = append(nodes, keyNode{Kind: n.Kind, Params: canonicalParams(n.Parameters)})
	}
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Kind != nodes[j].Kind {
			return nodes[i].Kind < nodes[j].Kind
		}
		return nodes[i].Params < nodes[j].Params
	})

	edges := make([]keyEdge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, keyEdge{SourceKind: kinds[e.SourceID], TargetKind: kinds[e.TargetID], Aux: e.AuxParameter})
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceKind != edges[j].SourceKind {
			return edges[i].SourceKind < edges[j].SourceKind
		}
		return edges[i].TargetKind < edges[j].TargetKind
	})

	payload, _ := json.Marshal(struct {
		Nodes []keyNode `json:"nodes"`
		Edges []keyEdge `json:"edges"`
	}{nodes, edges})

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// canonicalParams renders a parameter map with sorted keys so that map
// iteration order never changes the hash.
func canonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := ""
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		out += fmt.Sprintf("%s=%s;", k, v)
	}
	return out
}
