//go:build !darwin || !arm64

package hypervisor

// NewDriver returns ErrUnsupportedPlatform. macOS guests need Apple silicon.
func NewDriver() (Driver, error) {
	return nil, ErrUnsupportedPlatform
}
