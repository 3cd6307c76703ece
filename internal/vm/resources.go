package vm

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

const (
	// DefaultMemorySize is the memory policy before clamping (4 GiB).
	DefaultMemorySize uint64 = 4 * units.GiB
)

// ResourceSpec is the CPU and memory allotment for one launch.
type ResourceSpec struct {
	CPUCount   uint
	MemorySize uint64
}

func (r ResourceSpec) String() string {
	return fmt.Sprintf("%d CPUs, %s", r.CPUCount, units.BytesSize(float64(r.MemorySize)))
}

// ComputeCPUCount returns half the host's logical cores (at least one),
// clamped to the backend bounds.
func ComputeCPUCount(hostLogicalCores int, backendMin, backendMax uint) uint {
	count := uint(1)
	if hostLogicalCores > 1 {
		count = uint(hostLogicalCores / 2)
	}
	return clamp(count, backendMin, backendMax)
}

// ComputeMemorySize clamps the memory policy to the backend bounds.
func ComputeMemorySize(policyBytes, backendMin, backendMax uint64) uint64 {
	return clamp(policyBytes, backendMin, backendMax)
}

// clamp bounds v to [lo, hi]. The lower bound wins if the bounds cross.
func clamp[T ~uint | ~uint64](v, lo, hi T) T {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// ComputeResources derives the ResourceSpec for a launch from host cores,
// the memory policy and backend limits.
func ComputeResources(hostLogicalCores int, memoryPolicy uint64, limits hypervisor.Limits) ResourceSpec {
	return ResourceSpec{
		CPUCount:   ComputeCPUCount(hostLogicalCores, limits.MinCPUCount, limits.MaxCPUCount),
		MemorySize: ComputeMemorySize(memoryPolicy, limits.MinMemorySize, limits.MaxMemorySize),
	}
}

// CheckResources verifies spec against the backend bounds and the restore
// image minimums.
func CheckResources(spec ResourceSpec, limits hypervisor.Limits, req *hypervisor.ConfigurationRequirements) error {
	if spec.CPUCount < limits.MinCPUCount || spec.CPUCount > limits.MaxCPUCount {
		return fmt.Errorf("%w: CPU count %d outside [%d, %d]", ErrInvalidConfiguration,
			spec.CPUCount, limits.MinCPUCount, limits.MaxCPUCount)
	}
	if spec.MemorySize < limits.MinMemorySize || spec.MemorySize > limits.MaxMemorySize {
		return fmt.Errorf("%w: memory size %d outside [%d, %d]", ErrInvalidConfiguration,
			spec.MemorySize, limits.MinMemorySize, limits.MaxMemorySize)
	}
	if req == nil {
		return nil
	}
	if spec.CPUCount < req.MinimumCPUCount {
		return fmt.Errorf("%w: %d CPUs, restore image needs %d", ErrInsufficientResources,
			spec.CPUCount, req.MinimumCPUCount)
	}
	if spec.MemorySize < req.MinimumMemorySize {
		return fmt.Errorf("%w: %s of memory, restore image needs %s", ErrInsufficientResources,
			units.BytesSize(float64(spec.MemorySize)), units.BytesSize(float64(req.MinimumMemorySize)))
	}
	return nil
}
