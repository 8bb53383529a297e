// Package generator turns a parsed workflow configuration into the program
// body an execution unit runs. The orchestrator treats generation as an
// opaque collaborator; the template generator here is the built-in
// implementation.
package generator

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/optiforge/optiforge/internal/model"
)

// ProgramGenerator produces a runnable program body for a configuration.
// Implementations must be pure functions of their inputs: the generated text
// is cached keyed by the request's content hash.
type ProgramGenerator interface {
	Generate(cfg *model.WorkflowConfig, executionID string, auth model.AuthContext) (string, error)
}

// Template renders the built-in runner program. The output is a Python
// driver that loads the problem and optimizer components, applies overrides,
// and reports progress and the final result on stdout using the wire
// contract the lifecycle controller parses.
type Template struct{}

// NewTemplate creates the built-in program generator.
func NewTemplate() *Template {
	return &Template{}
}

// Generate renders the runner program for a configuration.
func (t *Template) Generate(cfg *model.WorkflowConfig, executionID string, auth model.AuthContext) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("nil workflow config")
	}

	// The body is a function of the config alone: execution id and caller
	// identity never appear in the text, so equivalent graphs can share a
	// cached program.
	var b strings.Builder
	b.WriteString("# optiforge generated runner\n")
	b.WriteString("import json, sys\n")
	b.WriteString("from optiforge_runtime import load_component, emit\n\n")

	fmt.Fprintf(&b, "PROGRESS_PREFIX = %q\n", model.ProgressPrefix)
	fmt.Fprintf(&b, "RESULT_START = %q\n", model.ResultStartMarker)
	fmt.Fprintf(&b, "RESULT_END = %q\n\n", model.ResultEndMarker)

	if cfg.Dataset != nil {
		fmt.Fprintf(&b, "dataset = load_component(%q)\n", cfg.Dataset.Repository)
		if cfg.Dataset.MappedParameter != "" {
			fmt.Fprintf(&b, "dataset_param = %q\n", cfg.Dataset.MappedParameter)
		}
	}

	fmt.Fprintf(&b, "problem = load_component(%q, overrides=%s)\n",
		cfg.Problem.Repository, pyDict(cfg.Problem.Overrides))
	if cfg.Problem.HasUpstreamDataset && cfg.Dataset != nil && cfg.Dataset.MappedParameter != "" {
		b.WriteString("problem.inject(dataset_param, dataset.content())\n")
	}
	fmt.Fprintf(&b, "optimizer = load_component(%q, overrides=%s)\n\n",
		cfg.Optimizer.Repository, pyDict(cfg.Optimizer.Overrides))

	b.WriteString("emit(PROGRESS_PREFIX, step=1, level=\"info\", message=\"components loaded\")\n")
	b.WriteString("result = optimizer.run(problem)\n")
	b.WriteString("emit(PROGRESS_PREFIX, step=2, level=\"info\", message=\"optimization finished\")\n\n")

	b.WriteString("print(RESULT_START)\n")
	b.WriteString("print(json.dumps(result.to_dict()))\n")
	b.WriteString("print(RESULT_END)\n")

	return b.String(), nil
}

// pyDict renders an override map as a Python dict literal with sorted keys,
// keeping generation deterministic for identical inputs.
func pyDict(overrides map[string]any) string {
	if len(overrides) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(overrides[k])
		if err != nil {
			v = []byte("null")
		}
		parts = append(parts, fmt.Sprintf("%q: %s", k, v))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
