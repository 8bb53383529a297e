package profile

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/optiforge/optiforge/internal/faults"
)

// DefaultStaleAge is how long an allocation may be held before the sweep
// reclaims it. An execution that outlives this has leaked its slot.
const DefaultStaleAge = 30 * time.Minute

// Capacity is the total CPU/memory the pool may hand out.
type Capacity struct {
	CPUMillis int
	MemoryMB  int
}

// DefaultCapacity sizes the pool for a handful of concurrent sandboxes.
func DefaultCapacity() Capacity {
	return Capacity{CPUMillis: 4000, MemoryMB: 8192}
}

// Allocation is one live tier slot held by an execution.
type Allocation struct {
	ExecutionID string
	Tier        string
	Spec        TierSpec
	AllocatedAt time.Time
}

// Pool tracks live resource allocations against a fixed capacity.
// All methods are safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	capacity    Capacity
	staleAge    time.Duration
	clock       clock.Clock
	logger      *slog.Logger
	allocations map[string]Allocation
}

// NewPool creates an allocation pool with the given capacity.
func NewPool(capacity Capacity, staleAge time.Duration, clk clock.Clock, logger *slog.Logger) *Pool {
	if staleAge <= 0 {
		staleAge = DefaultStaleAge
	}
	return &Pool{
		capacity:    capacity,
		staleAge:    staleAge,
		clock:       clk,
		logger:      logger,
		allocations: make(map[string]Allocation),
	}
}

// CanAllocate reports whether a slot of the given tier fits in the remaining
// capacity.
func (p *Pool) CanAllocate(tier string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fits(Spec(tier))
}

// Allocate reserves a tier slot for an execution. It fails with a
// resource-exhausted fault when the pool cannot fit the tier's spec.
func (p *Pool) Allocate(executionID, tier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	spec := Spec(tier)
	if !p.fits(spec) {
		return faults.Newf(faults.KindResourceExhausted,
			"no capacity for %s tier (%dm CPU / %dMB)", tier, spec.CPUMillis, spec.MemoryMB)
	}

	p.allocations[executionID] = Allocation{
		ExecutionID: executionID,
		Tier:        tier,
		Spec:        spec,
		AllocatedAt: p.clock.Now(),
	}
	return nil
}

// Release frees the allocation held by an execution. Releasing an unknown id
// or releasing twice is a no-op; every lifecycle exit path calls this, so it
// must never fail.
func (p *Pool) Release(executionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.allocations, executionID)
}

// InUse returns the CPU/memory currently held by live allocations.
func (p *Pool) InUse() (cpuMillis, memoryMB int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUseLocked()
}

// Held returns the number of live allocations.
func (p *Pool) Held() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocations)
}

// SweepStale reclaims allocations older than the stale ceiling and returns
// how many were reclaimed. A reclaimed slot means an execution leaked it.
func (p *Pool) SweepStale() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.clock.Now().Add(-p.staleAge)
	reclaimed := 0
	for id, a := range p.allocations {
		if a.AllocatedAt.Before(cutoff) {
			p.logger.Warn("reclaiming stale allocation",
				"execution_id", id, "tier", a.Tier, "allocated_at", a.AllocatedAt)
			delete(p.allocations, id)
			reclaimed++
		}
	}
	return reclaimed
}

// RunSweeper reclaims stale allocations on the given interval until stop is
// closed.
func (p *Pool) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.SweepStale()
		case <-stop:
			return
		}
	}
}

// fits reports whether spec fits in the remaining capacity. Caller holds mu.
func (p *Pool) fits(spec TierSpec) bool {
	cpu, mem := p.inUseLocked()
	return cpu+spec.CPUMillis <= p.capacity.CPUMillis && mem+spec.MemoryMB <= p.capacity.MemoryMB
}

func (p *Pool) inUseLocked() (cpuMillis, memoryMB int) {
	for _, a := range p.allocations {
		cpuMillis += a.Spec.CPUMillis
		memoryMB += a.Spec.MemoryMB
	}
	return cpuMillis, memoryMB
}
