// Package hypervisor provides the backend interface used to install and boot
// macOS guests. The darwin implementation wraps Virtualization.framework;
// other platforms get a stub that reports ErrUnsupportedPlatform.
package hypervisor

import (
	"context"
)

// Driver is the main interface for hypervisor operations.
// Platform-specific implementations satisfy this interface.
type Driver interface {
	Info() Info

	// Capabilities reports version-gated features of the host backend.
	Capabilities(ctx context.Context) (Capabilities, error)

	// Limits returns the CPU and memory bounds the backend accepts.
	Limits() Limits

	// LoadRestoreImage opens a restore image from a local .ipsw file.
	LoadRestoreImage(ctx context.Context, path string) (RestoreImage, error)

	// FetchLatestRestoreImage downloads the latest restore image supported
	// by the host to destPath and loads it. progress may be nil.
	FetchLatestRestoreImage(ctx context.Context, destPath string, progress func(float64)) (RestoreImage, error)

	// NewMachineIdentifier returns the data representation of a fresh
	// machine identifier.
	NewMachineIdentifier() ([]byte, error)

	// HardwareModelSupported reports whether a persisted hardware model can
	// run on this host.
	HardwareModelSupported(model []byte) bool

	// CreateAuxiliaryStorage creates the auxiliary boot storage for the
	// given hardware model at path.
	CreateAuxiliaryStorage(path string, hardwareModel []byte) error

	// Validate checks the assembled configuration against the backend.
	Validate(ctx context.Context, cfg *MachineConfig) error

	// NewInstaller prepares an installation of restoreImagePath onto the
	// machine described by cfg.
	NewInstaller(ctx context.Context, cfg *MachineConfig, restoreImagePath string) (Installer, error)

	// NewMachine creates a bootable machine from cfg.
	NewMachine(ctx context.Context, cfg *MachineConfig) (Machine, error)
}

// Capabilities describes backend feature support.
// Used for early validation and to pick between code paths at runtime.
type Capabilities struct {
	MacGuests        bool // host can virtualize macOS guests
	SaveRestore      bool // machine state save/restore
	SparseDiskImages bool // ASIF sparse disk images via diskutil
}

// Limits holds the backend-advertised resource bounds.
type Limits struct {
	MinCPUCount   uint
	MaxCPUCount   uint
	MinMemorySize uint64
	MaxMemorySize uint64
}

// Info contains driver metadata.
type Info struct {
	Name        string // "vz" or "unsupported"
	Version     string // Driver version
	Arch        string // "arm64" or "amd64"
	HostVersion string // host OS product version, if known
}

// RestoreImage is a loaded guest OS restore image.
type RestoreImage interface {
	// Path is the local file backing the image.
	Path() string

	// BuildVersion is the guest OS build, e.g. "23A344".
	BuildVersion() string

	// MostFeaturefulSupportedConfiguration returns the richest configuration
	// supported by both the image and the host. ok is false if none exists.
	MostFeaturefulSupportedConfiguration() (req *ConfigurationRequirements, ok bool)
}

// ConfigurationRequirements describes what a restore image needs from the
// machine it is installed on.
type ConfigurationRequirements struct {
	HardwareModel          []byte
	HardwareModelSupported bool
	MinimumCPUCount        uint
	MinimumMemorySize      uint64
}

// Installer runs a guest OS installation.
type Installer interface {
	// Install starts the installation. The returned channel delivers zero or
	// more progress events followed by exactly one terminal event, then
	// closes.
	Install(ctx context.Context) (<-chan InstallEvent, error)
}

// InstallEvent is a notification from a running installation.
type InstallEvent struct {
	// FractionCompleted is meaningful for progress events.
	FractionCompleted float64

	// Done marks the terminal event. Err is nil on success.
	Done bool
	Err  error
}

// Machine is a created, bootable guest.
type Machine interface {
	// Start boots the guest.
	Start(ctx context.Context) error

	// Restore restores saved state from path and resumes the guest.
	Restore(ctx context.Context, path string) error

	// Pause pauses a running guest.
	Pause(ctx context.Context) error

	// Save writes the state of a paused guest to path.
	Save(ctx context.Context, path string) error

	// RequestStop asks the guest to shut down.
	RequestStop(ctx context.Context) error

	// Stop forcefully stops the guest.
	Stop(ctx context.Context) error

	// Events delivers guest lifecycle notifications. It is closed once the
	// guest has stopped.
	Events() <-chan MachineEvent
}

// MachineEventKind identifies a lifecycle notification.
type MachineEventKind int

const (
	// GuestStopped is a clean, guest-initiated stop.
	GuestStopped MachineEventKind = iota
	// GuestError is a stop caused by an error.
	GuestError
)

func (k MachineEventKind) String() string {
	switch k {
	case GuestStopped:
		return "stopped"
	case GuestError:
		return "error"
	default:
		return "unknown"
	}
}

// MachineEvent is a lifecycle notification from a running guest.
type MachineEvent struct {
	Kind MachineEventKind
	Err  error
}
