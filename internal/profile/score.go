package profile

import (
	"strings"

	"github.com/optiforge/optiforge/internal/model"
)

// Thresholds holds the boundaries used by complexity scoring.
type Thresholds struct {
	LargeDatasetBytes int64
	SmallDatasetBytes int64
	LargeParamCount   int
	SmallParamCount   int
}

// DefaultThresholds returns the standard scoring boundaries: 100MB/10MB for
// dataset size and 10/5 for component parameter counts.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LargeDatasetBytes: 100 << 20,
		SmallDatasetBytes: 10 << 20,
		LargeParamCount:   10,
		SmallParamCount:   5,
	}
}

// familyKey is the optimizer override that declares its algorithm family.
const familyKey = "family"

// expensiveFamilies are population-based metaheuristics that dominate compute
// cost regardless of problem size.
var expensiveFamilies = []string{"genetic", "evolutionary", "swarm", "population", "cmaes"}

// moderateFamilies cost noticeably more than local search but less than
// population-based methods.
var moderateFamilies = []string{"annealing", "bayesian", "tabu"}

// ScoreComplexity computes the additive complexity score for a configuration.
func ScoreComplexity(cfg *model.WorkflowConfig, th Thresholds) int {
	score := 0

	if cfg.Dataset != nil {
		switch {
		case cfg.Dataset.SizeBytes > th.LargeDatasetBytes:
			score += 2
		case cfg.Dataset.SizeBytes > th.SmallDatasetBytes:
			score++
		}
	}

	score += paramScore(len(cfg.Problem.Overrides), th)
	score += paramScore(len(cfg.Optimizer.Overrides), th)
	score += familyScore(&cfg.Optimizer)

	return score
}

// TierFor maps a complexity score to a tier: ≥5 large, ≥3 medium, else small.
func TierFor(score int) string {
	switch {
	case score >= 5:
		return model.TierLarge
	case score >= 3:
		return model.TierMedium
	default:
		return model.TierSmall
	}
}

func paramScore(count int, th Thresholds) int {
	switch {
	case count > th.LargeParamCount:
		return 2
	case count > th.SmallParamCount:
		return 1
	default:
		return 0
	}
}

// familyScore scores the optimizer's declared algorithm family. The family
// comes from the "family" override when present, otherwise it is inferred
// from the repository name.
func familyScore(opt *model.ComponentRef) int {
	family := ""
	if v, ok := opt.Overrides[familyKey].(string); ok {
		family = strings.ToLower(v)
	} else {
		family = strings.ToLower(opt.Repository)
	}

	for _, f := range expensiveFamilies {
		if strings.Contains(family, f) {
			return 2
		}
	}
	for _, f := range moderateFamilies {
		if strings.Contains(family, f) {
			return 1
		}
	}
	return 0
}
