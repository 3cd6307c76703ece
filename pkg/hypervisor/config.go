package hypervisor

import (
	"fmt"
	"net"
)

// MachineConfig is the complete, backend-agnostic description of a macOS
// guest.
type MachineConfig struct {
	// CPUCount is the number of virtual CPUs.
	CPUCount uint

	// MemorySize is the guest memory in bytes.
	MemorySize uint64

	// Platform holds the persisted identity of the guest.
	Platform PlatformConfig

	// Devices is the ordered device set.
	Devices DeviceSpecSet
}

// PlatformConfig identifies the virtual Mac hardware.
type PlatformConfig struct {
	// AuxiliaryStoragePath is the backend-managed boot storage.
	AuxiliaryStoragePath string

	// HardwareModel is the opaque hardware model data representation.
	HardwareModel []byte

	// MachineIdentifier is the opaque machine identifier data representation.
	MachineIdentifier []byte
}

// Validate performs basic validation of the configuration.
// Backend-specific validation happens in Driver.Validate.
func (c *MachineConfig) Validate() error {
	if c.CPUCount < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemorySize == 0 {
		return ErrInsufficientMemory
	}
	if c.Platform.AuxiliaryStoragePath == "" || len(c.Platform.HardwareModel) == 0 || len(c.Platform.MachineIdentifier) == 0 {
		return ErrMissingPlatform
	}
	return c.Devices.Validate()
}

// DeviceKind names a class of virtual device.
type DeviceKind int

const (
	DeviceBootLoader DeviceKind = iota
	DeviceGraphics
	DeviceNetwork
	DeviceAudio
	DeviceStorage
	DevicePointing
	DeviceKeyboard
	DeviceDirectoryShare
	DeviceConsole
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceBootLoader:
		return "boot-loader"
	case DeviceGraphics:
		return "graphics"
	case DeviceNetwork:
		return "network"
	case DeviceAudio:
		return "audio"
	case DeviceStorage:
		return "storage"
	case DevicePointing:
		return "pointing"
	case DeviceKeyboard:
		return "keyboard"
	case DeviceDirectoryShare:
		return "directory-share"
	case DeviceConsole:
		return "console"
	default:
		return "unknown"
	}
}

// Device is a single device descriptor.
type Device interface {
	Kind() DeviceKind
}

// BootLoaderDevice selects the macOS boot loader.
type BootLoaderDevice struct{}

// GraphicsDevice is a Mac graphics device with one display.
type GraphicsDevice struct {
	Width         int64
	Height        int64
	PixelsPerInch int64
}

// NetworkDevice is a virtio network device with a NAT attachment.
type NetworkDevice struct {
	MACAddress net.HardwareAddr
}

// AudioDevice is a virtio sound device.
type AudioDevice struct {
	Input  bool
	Output bool
}

// StorageDevice is a virtio block device backed by a disk image.
type StorageDevice struct {
	Path     string
	ReadOnly bool
}

// PointingDevice is a Mac trackpad.
type PointingDevice struct{}

// KeyboardDevice is a Mac keyboard.
type KeyboardDevice struct{}

// DirectoryShareDevice shares a host directory with the guest.
type DirectoryShareDevice struct {
	// Name is the share name shown in the guest.
	Name     string
	Path     string
	ReadOnly bool
}

// ConsolePort identifies what a console port is dedicated to.
type ConsolePort string

// ConsolePortClipboard is the SPICE agent port used for clipboard sharing.
const ConsolePortClipboard ConsolePort = "clipboard"

// ConsoleDevice is a virtio console device with a single port.
type ConsoleDevice struct {
	Port ConsolePort
}

func (BootLoaderDevice) Kind() DeviceKind     { return DeviceBootLoader }
func (GraphicsDevice) Kind() DeviceKind       { return DeviceGraphics }
func (NetworkDevice) Kind() DeviceKind        { return DeviceNetwork }
func (AudioDevice) Kind() DeviceKind          { return DeviceAudio }
func (StorageDevice) Kind() DeviceKind        { return DeviceStorage }
func (PointingDevice) Kind() DeviceKind       { return DevicePointing }
func (KeyboardDevice) Kind() DeviceKind       { return DeviceKeyboard }
func (DirectoryShareDevice) Kind() DeviceKind { return DeviceDirectoryShare }
func (ConsoleDevice) Kind() DeviceKind        { return DeviceConsole }

// DeviceSpecSet is an ordered, immutable collection of device descriptors.
type DeviceSpecSet struct {
	devices []Device
}

// NewDeviceSpecSet returns a set holding a copy of devices.
func NewDeviceSpecSet(devices ...Device) DeviceSpecSet {
	return DeviceSpecSet{devices: append([]Device(nil), devices...)}
}

// Devices returns the descriptors in order. The slice is a copy.
func (s DeviceSpecSet) Devices() []Device {
	return append([]Device(nil), s.devices...)
}

// Len returns the number of descriptors.
func (s DeviceSpecSet) Len() int {
	return len(s.devices)
}

// OfKind returns the descriptors of kind k, in order.
func (s DeviceSpecSet) OfKind(k DeviceKind) []Device {
	var out []Device
	for _, d := range s.devices {
		if d.Kind() == k {
			out = append(out, d)
		}
	}
	return out
}

// Validate checks that a macOS guest can boot with this set.
func (s DeviceSpecSet) Validate() error {
	if len(s.OfKind(DeviceBootLoader)) != 1 {
		return fmt.Errorf("%w: exactly one boot loader", ErrMissingDevice)
	}
	if len(s.OfKind(DeviceStorage)) == 0 {
		return fmt.Errorf("%w: storage", ErrMissingDevice)
	}
	for _, d := range s.devices {
		switch dev := d.(type) {
		case GraphicsDevice:
			if dev.Width <= 0 || dev.Height <= 0 || dev.PixelsPerInch <= 0 {
				return fmt.Errorf("%w: graphics %dx%d@%d", ErrInvalidDevice, dev.Width, dev.Height, dev.PixelsPerInch)
			}
		case NetworkDevice:
			if len(dev.MACAddress) != 6 {
				return fmt.Errorf("%w: network MAC address %q", ErrInvalidDevice, dev.MACAddress)
			}
		case StorageDevice:
			if dev.Path == "" {
				return fmt.Errorf("%w: storage path is empty", ErrInvalidDevice)
			}
		case DirectoryShareDevice:
			if dev.Path == "" {
				return fmt.Errorf("%w: directory share path is empty", ErrInvalidDevice)
			}
		case AudioDevice:
			if !dev.Input && !dev.Output {
				return fmt.Errorf("%w: audio device without streams", ErrInvalidDevice)
			}
		}
	}
	return nil
}
