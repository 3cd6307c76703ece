//go:build darwin && arm64

package hypervisor

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/coreos/go-semver/semver"
)

// hostProductVersion returns the macOS product version of the host.
func hostProductVersion(ctx context.Context) (*semver.Version, error) {
	out, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
	if err != nil {
		return nil, fmt.Errorf("sw_vers: %w", err)
	}
	return ParseProductVersion(string(out))
}
