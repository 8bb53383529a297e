package queue

import "github.com/optiforge/optiforge/internal/model"

// Priority bounds.
const (
	MinPriority = 1
	MaxPriority = 10

	basePriority = 5
)

// largeGraphNodes is the node count above which a request loses priority.
const largeGraphNodes = 5

// CalculatePriority scores an admission request. Smaller tiers go first
// (they free up fastest), authenticated callers get a bump, and oversized
// graphs wait a little longer. The result is clamped to [1, 10].
func CalculatePriority(tier string, authenticated bool, nodeCount int) int {
	p := basePriority

	switch tier {
	case model.TierSmall:
		p += 2
	case model.TierMedium:
		p++
	}
	if authenticated {
		p++
	}
	if nodeCount > largeGraphNodes {
		p--
	}

	if p < MinPriority {
		p = MinPriority
	}
	if p > MaxPriority {
		p = MaxPriority
	}
	return p
}
