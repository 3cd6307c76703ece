package hypervisor

import "runtime"

// SupportedPlatform returns true if the current platform has a driver that
// can run macOS guests.
func SupportedPlatform() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}
