// Package profile scores workflow configurations into resource tiers and
// owns the fixed pool of tier slots backing admission decisions.
package profile

import "github.com/optiforge/optiforge/internal/model"

// TierSpec is the CPU/memory sizing for one resource tier. CPU is expressed
// in millicores so specs divide cleanly into pool capacity.
type TierSpec struct {
	CPUMillis int `json:"cpu_millis"`
	MemoryMB  int `json:"memory_mb"`
}

// tierSpecs maps each tier to its sizing.
var tierSpecs = map[string]TierSpec{
	model.TierSmall:  {CPUMillis: 500, MemoryMB: 512},
	model.TierMedium: {CPUMillis: 1000, MemoryMB: 1024},
	model.TierLarge:  {CPUMillis: 2000, MemoryMB: 2048},
}

// Spec returns the sizing for a tier. Unknown tiers fall back to small.
func Spec(tier string) TierSpec {
	if s, ok := tierSpecs[tier]; ok {
		return s
	}
	return tierSpecs[model.TierSmall]
}
