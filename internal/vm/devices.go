package vm

import (
	"fmt"
	"net"
	"os"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// Display policy.
const (
	DisplayWidth         = 1920
	DisplayHeight        = 1200
	DisplayPixelsPerInch = 80
)

// DefaultMACAddress is the fixed, locally administered link address of the
// guest's NAT interface.
const DefaultMACAddress = "5a:94:ef:e4:0c:ee"

// SharedDirectoryName is the name the shared folder appears under in the
// guest's automount location.
const SharedDirectoryName = "Shared"

// DevicePaths holds the host paths referenced by device descriptors.
type DevicePaths struct {
	// DiskImage is the guest disk artifact.
	DiskImage string

	// SharedDir is the host directory exposed read-write to the guest.
	SharedDir string

	// MACAddress overrides DefaultMACAddress when set.
	MACAddress string
}

// BuildDeviceSpecs assembles the fixed device policy. The shared directory
// is created if it does not exist.
func BuildDeviceSpecs(paths DevicePaths) (hypervisor.DeviceSpecSet, error) {
	macStr := paths.MACAddress
	if macStr == "" {
		macStr = DefaultMACAddress
	}
	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return hypervisor.DeviceSpecSet{}, fmt.Errorf("%w: parse MAC address: %w", ErrInvalidConfiguration, err)
	}

	devices := []hypervisor.Device{
		hypervisor.BootLoaderDevice{},
		hypervisor.GraphicsDevice{
			Width:         DisplayWidth,
			Height:        DisplayHeight,
			PixelsPerInch: DisplayPixelsPerInch,
		},
		hypervisor.NetworkDevice{MACAddress: mac},
		hypervisor.AudioDevice{Input: true, Output: true},
		hypervisor.StorageDevice{Path: paths.DiskImage},
		hypervisor.PointingDevice{},
		hypervisor.KeyboardDevice{},
	}

	if paths.SharedDir != "" {
		if err := os.MkdirAll(paths.SharedDir, 0755); err != nil {
			return hypervisor.DeviceSpecSet{}, fmt.Errorf("%w: create shared directory: %w", ErrResourceCreation, err)
		}
		devices = append(devices, hypervisor.DirectoryShareDevice{
			Name: SharedDirectoryName,
			Path: paths.SharedDir,
		})
	}

	devices = append(devices, hypervisor.ConsoleDevice{Port: hypervisor.ConsolePortClipboard})

	return hypervisor.NewDeviceSpecSet(devices...), nil
}
