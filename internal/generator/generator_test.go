package generator_test

import (
	"strings"
	"testing"

	"github.com/optiforge/optiforge/internal/generator"
	"github.com/optiforge/optiforge/internal/model"
)

func configFixture() *model.WorkflowConfig {
	return &model.WorkflowConfig{
		Dataset: &model.DatasetRef{Repository: "acme/points", SizeBytes: 1024, MappedParameter: "training_data"},
		Problem: model.ComponentRef{
			Repository:         "acme/sphere",
			Overrides:          map[string]any{"dim": 3, "bound": 5.0},
			HasUpstreamDataset: true,
		},
		Optimizer: model.ComponentRef{Repository: "acme/cmaes", Overrides: map[string]any{"sigma": 0.5}},
		ExecutionOrder: []model.NodeSummary{
			{ID: "d", Kind: model.KindDataset},
			{ID: "p", Kind: model.KindProblem},
			{ID: "o", Kind: model.KindOptimizer},
		},
	}
}

func TestGenerateDeterministic(t *testing.T) {
	g := generator.NewTemplate()
	cfg := configFixture()

	a, err := g.Generate(cfg, "exec-1", model.AuthContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := g.Generate(cfg, "exec-2", model.AuthContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a != b {
		t.Error("program text varies with execution id or auth context; it must depend on the config alone")
	}
}

func TestGenerateContainsComponents(t *testing.T) {
	g := generator.NewTemplate()
	program, err := g.Generate(configFixture(), "exec-1", model.AuthContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	for _, want := range []string{
		`"acme/sphere"`,
		`"acme/cmaes"`,
		`"acme/points"`,
		`"training_data"`,
		`"dim": 3`,
		`"sigma": 0.5`,
		model.ResultStartMarker,
		model.ResultEndMarker,
	} {
		if !strings.Contains(program, want) {
			t.Errorf("program missing %s:\n%s", want, program)
		}
	}
}

func TestGenerateNilConfig(t *testing.T) {
	g := generator.NewTemplate()
	if _, err := g.Generate(nil, "exec-1", model.AuthContext{}); err == nil {
		t.Error("expected error for nil config, got nil")
	}
}

func TestGenerateNoDataset(t *testing.T) {
	cfg := configFixture()
	cfg.Dataset = nil
	cfg.Problem.HasUpstreamDataset = false

	program, err := generator.NewTemplate().Generate(cfg, "exec-1", model.AuthContext{})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if strings.Contains(program, "dataset") {
		t.Errorf("program references a dataset that does not exist:\n%s", program)
	}
}
