package vm

import (
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

func TestComputeCPUCount(t *testing.T) {
	tests := []struct {
		name     string
		cores    int
		min, max uint
		want     uint
	}{
		{"half of host", 10, 1, 16, 5},
		{"two cores gives one", 2, 1, 16, 1},
		{"single core", 1, 1, 16, 1},
		{"zero cores", 0, 1, 16, 1},
		{"odd count rounds down", 7, 1, 16, 3},
		{"raised to backend minimum", 2, 2, 16, 2},
		{"capped at backend maximum", 32, 1, 4, 4},
		{"crossed bounds favor minimum", 8, 6, 2, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeCPUCount(tt.cores, tt.min, tt.max))
		})
	}
}

func TestComputeCPUCountWithinBounds(t *testing.T) {
	for cores := 0; cores <= 64; cores++ {
		for lo := uint(1); lo <= 4; lo++ {
			for hi := lo; hi <= 12; hi++ {
				got := ComputeCPUCount(cores, lo, hi)
				if got < lo || got > hi {
					t.Fatalf("ComputeCPUCount(%d, %d, %d) = %d, out of bounds", cores, lo, hi, got)
				}
			}
		}
	}
}

func TestComputeMemorySize(t *testing.T) {
	const gib = uint64(units.GiB)
	assert.Equal(t, 4*gib, ComputeMemorySize(DefaultMemorySize, 2*gib, 16*gib))
	assert.Equal(t, 8*gib, ComputeMemorySize(DefaultMemorySize, 8*gib, 16*gib))
	assert.Equal(t, 3*gib, ComputeMemorySize(DefaultMemorySize, 1*gib, 3*gib))
}

func TestCheckResources(t *testing.T) {
	limits := hypervisor.Limits{MinCPUCount: 1, MaxCPUCount: 8, MinMemorySize: 1 << 30, MaxMemorySize: 16 << 30}
	req := &hypervisor.ConfigurationRequirements{MinimumCPUCount: 2, MinimumMemorySize: 4 << 30}

	assert.NoError(t, CheckResources(ResourceSpec{CPUCount: 4, MemorySize: 4 << 30}, limits, req))
	assert.NoError(t, CheckResources(ResourceSpec{CPUCount: 1, MemorySize: 1 << 30}, limits, nil))

	err := CheckResources(ResourceSpec{CPUCount: 1, MemorySize: 4 << 30}, limits, req)
	assert.ErrorIs(t, err, ErrInsufficientResources)

	err = CheckResources(ResourceSpec{CPUCount: 4, MemorySize: 2 << 30}, limits, req)
	assert.ErrorIs(t, err, ErrInsufficientResources)

	err = CheckResources(ResourceSpec{CPUCount: 9, MemorySize: 4 << 30}, limits, req)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	err = CheckResources(ResourceSpec{CPUCount: 4, MemorySize: 32 << 30}, limits, req)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestResourceSpecString(t *testing.T) {
	assert.Equal(t, "4 CPUs, 4GiB", ResourceSpec{CPUCount: 4, MemorySize: 4 << 30}.String())
}
