package hypervisor

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// Minimum host versions for version-gated features.
var (
	saveRestoreMinVersion = semver.New("14.0.0")
	sparseDiskMinVersion  = semver.New("26.0.0")
)

// ParseProductVersion parses a host product version such as "14.5" or
// "15.0.1". Missing minor and patch components are treated as zero.
func ParseProductVersion(s string) (*semver.Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("hypervisor: empty product version")
	}
	parts := strings.Split(s, ".")
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	v, err := semver.NewVersion(strings.Join(parts[:3], "."))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: parse product version %q: %w", s, err)
	}
	return v, nil
}

// CapabilitiesForVersion returns the feature set a host with product
// version v provides. A nil version yields only the architecture-gated
// capabilities.
func CapabilitiesForVersion(v *semver.Version) Capabilities {
	caps := Capabilities{
		MacGuests: runtime.GOARCH == "arm64",
	}
	if v == nil {
		return caps
	}
	caps.SaveRestore = !v.LessThan(*saveRestoreMinVersion)
	caps.SparseDiskImages = !v.LessThan(*sparseDiskMinVersion)
	return caps
}

// HostCapabilities derives the capabilities of a host whose product version
// is reported by version. If the version is unknown the architecture-gated
// capabilities are still returned, alongside the error.
func HostCapabilities(ctx context.Context, version func(context.Context) (*semver.Version, error)) (Capabilities, error) {
	v, err := version(ctx)
	if err != nil {
		return CapabilitiesForVersion(nil), fmt.Errorf("hypervisor: host version: %w", err)
	}
	return CapabilitiesForVersion(v), nil
}
