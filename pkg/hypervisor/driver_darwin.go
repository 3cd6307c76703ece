//go:build darwin && arm64

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/Code-Hex/vz/v3"
	"github.com/coreos/go-semver/semver"
)

const progressPollInterval = 500 * time.Millisecond

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu          sync.Mutex
	hostVersion *semver.Version
}

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{}, nil
}

func (d *vzDriver) Info() Info {
	info := Info{
		Name:    "vz",
		Version: "3",
		Arch:    runtime.GOARCH,
	}
	if v, err := d.productVersion(context.Background()); err == nil {
		info.HostVersion = v.String()
	}
	return info
}

func (d *vzDriver) productVersion(ctx context.Context) (*semver.Version, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hostVersion != nil {
		return d.hostVersion, nil
	}
	v, err := hostProductVersion(ctx)
	if err != nil {
		return nil, err
	}
	d.hostVersion = v
	return v, nil
}

func (d *vzDriver) Capabilities(ctx context.Context) (Capabilities, error) {
	return HostCapabilities(ctx, d.productVersion)
}

func (d *vzDriver) Limits() Limits {
	return Limits{
		MinCPUCount:   vz.VirtualMachineConfigurationMinimumAllowedCPUCount(),
		MaxCPUCount:   vz.VirtualMachineConfigurationMaximumAllowedCPUCount(),
		MinMemorySize: vz.VirtualMachineConfigurationMinimumAllowedMemorySize(),
		MaxMemorySize: vz.VirtualMachineConfigurationMaximumAllowedMemorySize(),
	}
}

func (d *vzDriver) LoadRestoreImage(ctx context.Context, path string) (RestoreImage, error) {
	img, err := vz.LoadMacOSRestoreImageFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: load restore image %s: %w", path, err)
	}
	return &vzRestoreImage{path: path, img: img}, nil
}

func (d *vzDriver) FetchLatestRestoreImage(ctx context.Context, destPath string, progress func(float64)) (RestoreImage, error) {
	reader, err := vz.FetchLatestSupportedMacOSRestoreImage(ctx, destPath)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: fetch restore image: %w", err)
	}

	ticker := time.NewTicker(progressPollInterval)
	defer ticker.Stop()
	for finished := false; !finished; {
		select {
		case <-reader.Finished():
			finished = true
		case <-ticker.C:
			if progress != nil {
				progress(reader.FractionCompleted())
			}
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("vzDriver: download restore image: %w", err)
	}
	if progress != nil {
		progress(1)
	}
	return d.LoadRestoreImage(ctx, destPath)
}

func (d *vzDriver) NewMachineIdentifier() ([]byte, error) {
	id, err := vz.NewMacMachineIdentifier()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create machine identifier: %w", err)
	}
	return id.DataRepresentation(), nil
}

func (d *vzDriver) HardwareModelSupported(model []byte) bool {
	hw, err := vz.NewMacHardwareModelWithData(model)
	if err != nil {
		return false
	}
	return hw.Supported()
}

func (d *vzDriver) CreateAuxiliaryStorage(path string, hardwareModel []byte) error {
	hw, err := vz.NewMacHardwareModelWithData(hardwareModel)
	if err != nil {
		return fmt.Errorf("vzDriver: hardware model: %w", err)
	}
	if _, err := vz.NewMacAuxiliaryStorage(path, vz.WithCreatingMacAuxiliaryStorage(hw)); err != nil {
		return fmt.Errorf("vzDriver: create auxiliary storage: %w", err)
	}
	return nil
}

func (d *vzDriver) Validate(ctx context.Context, cfg *MachineConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	_, err := buildConfiguration(cfg)
	return err
}

func (d *vzDriver) NewInstaller(ctx context.Context, cfg *MachineConfig, restoreImagePath string) (Installer, error) {
	vmCfg, err := buildConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	machine, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create VM: %w", err)
	}
	installer, err := vz.NewMacOSInstaller(machine, restoreImagePath)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create installer: %w", err)
	}
	return &vzInstaller{installer: installer}, nil
}

func (d *vzDriver) NewMachine(ctx context.Context, cfg *MachineConfig) (Machine, error) {
	vmCfg, err := buildConfiguration(cfg)
	if err != nil {
		return nil, err
	}
	machine, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create VM: %w", err)
	}
	return newVZMachine(machine), nil
}

// vzRestoreImage wraps a loaded VZMacOSRestoreImage.
type vzRestoreImage struct {
	path string
	img  *vz.MacOSRestoreImage
}

func (r *vzRestoreImage) Path() string {
	return r.path
}

func (r *vzRestoreImage) BuildVersion() string {
	return r.img.BuildVersion()
}

func (r *vzRestoreImage) MostFeaturefulSupportedConfiguration() (*ConfigurationRequirements, bool) {
	req := r.img.MostFeaturefulSupportedConfiguration()
	if req == nil {
		return nil, false
	}
	hw := req.HardwareModel()
	return &ConfigurationRequirements{
		HardwareModel:          hw.DataRepresentation(),
		HardwareModelSupported: hw.Supported(),
		MinimumCPUCount:        uint(req.MinimumSupportedCPUCount()),
		MinimumMemorySize:      uint64(req.MinimumSupportedMemorySize()),
	}, true
}

// vzInstaller adapts VZMacOSInstaller progress polling to an event channel.
type vzInstaller struct {
	installer *vz.MacOSInstaller
}

func (i *vzInstaller) Install(ctx context.Context) (<-chan InstallEvent, error) {
	events := make(chan InstallEvent, 1)
	result := make(chan error, 1)

	go func() {
		result <- i.installer.Install(ctx)
	}()

	go func() {
		defer close(events)
		ticker := time.NewTicker(progressPollInterval)
		defer ticker.Stop()
		for {
			select {
			case err := <-result:
				events <- InstallEvent{
					FractionCompleted: i.installer.FractionCompleted(),
					Done:              true,
					Err:               err,
				}
				return
			case <-ticker.C:
				events <- InstallEvent{FractionCompleted: i.installer.FractionCompleted()}
			}
		}
	}()

	return events, nil
}

// vzMachine implements Machine on a VZVirtualMachine.
type vzMachine struct {
	vm     *vz.VirtualMachine
	events chan MachineEvent
}

func newVZMachine(vm *vz.VirtualMachine) *vzMachine {
	m := &vzMachine{
		vm:     vm,
		events: make(chan MachineEvent, 1),
	}
	go m.watch()
	return m
}

// watch translates state changes into lifecycle events.
func (m *vzMachine) watch() {
	defer close(m.events)
	for state := range m.vm.StateChangedNotify() {
		switch state {
		case vz.VirtualMachineStateStopped:
			m.events <- MachineEvent{Kind: GuestStopped}
			return
		case vz.VirtualMachineStateError:
			m.events <- MachineEvent{Kind: GuestError, Err: errors.New("vzDriver: guest stopped with an error")}
			return
		}
	}
}

func (m *vzMachine) Start(ctx context.Context) error {
	if err := m.vm.Start(); err != nil {
		return fmt.Errorf("vzDriver: start VM: %w", err)
	}
	return nil
}

func (m *vzMachine) Restore(ctx context.Context, path string) error {
	if err := m.vm.RestoreMachineStateFromURL(path); err != nil {
		return fmt.Errorf("vzDriver: restore state: %w", err)
	}
	if err := m.vm.Resume(); err != nil {
		return fmt.Errorf("vzDriver: resume VM: %w", err)
	}
	return nil
}

func (m *vzMachine) Pause(ctx context.Context) error {
	if m.vm.State() != vz.VirtualMachineStateRunning {
		return ErrNotRunning
	}
	if err := m.vm.Pause(); err != nil {
		return fmt.Errorf("vzDriver: pause VM: %w", err)
	}
	return nil
}

func (m *vzMachine) Save(ctx context.Context, path string) error {
	if m.vm.State() != vz.VirtualMachineStatePaused {
		return ErrNotPaused
	}
	if err := m.vm.SaveMachineStateToPath(path); err != nil {
		return fmt.Errorf("vzDriver: save state: %w", err)
	}
	return nil
}

func (m *vzMachine) RequestStop(ctx context.Context) error {
	ok, err := m.vm.RequestStop()
	if err != nil {
		return fmt.Errorf("vzDriver: request stop: %w", err)
	}
	if !ok {
		return fmt.Errorf("vzDriver: request stop was not accepted")
	}
	return nil
}

func (m *vzMachine) Stop(ctx context.Context) error {
	if err := m.vm.Stop(); err != nil {
		return fmt.Errorf("vzDriver: force stop: %w", err)
	}
	return nil
}

func (m *vzMachine) Events() <-chan MachineEvent {
	return m.events
}

// buildConfiguration translates a MachineConfig into a validated
// VZVirtualMachineConfiguration.
func buildConfiguration(cfg *MachineConfig) (*vz.VirtualMachineConfiguration, error) {
	hw, err := vz.NewMacHardwareModelWithData(cfg.Platform.HardwareModel)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: hardware model: %w", err)
	}
	if !hw.Supported() {
		return nil, fmt.Errorf("vzDriver: hardware model is not supported on this host")
	}
	machineID, err := vz.NewMacMachineIdentifierWithData(cfg.Platform.MachineIdentifier)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: machine identifier: %w", err)
	}
	aux, err := vz.NewMacAuxiliaryStorage(cfg.Platform.AuxiliaryStoragePath)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: open auxiliary storage: %w", err)
	}
	platform, err := vz.NewMacPlatformConfiguration(
		vz.WithMacAuxiliaryStorage(aux),
		vz.WithMacHardwareModel(hw),
		vz.WithMacMachineIdentifier(machineID),
	)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create platform config: %w", err)
	}

	bootLoader, err := vz.NewMacOSBootLoader()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(bootLoader, cfg.CPUCount, cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create VM config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	var (
		graphics  []vz.GraphicsDeviceConfiguration
		networks  []*vz.VirtioNetworkDeviceConfiguration
		audio     []vz.AudioDeviceConfiguration
		storage   []vz.StorageDeviceConfiguration
		pointing  []vz.PointingDeviceConfiguration
		keyboards []vz.KeyboardConfiguration
		shares    []vz.DirectorySharingDeviceConfiguration
		consoles  []vz.ConsoleDeviceConfiguration
	)

	for _, d := range cfg.Devices.Devices() {
		switch dev := d.(type) {
		case BootLoaderDevice:
			// set above
		case GraphicsDevice:
			gd, err := vz.NewMacGraphicsDeviceConfiguration()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create graphics device: %w", err)
			}
			display, err := vz.NewMacGraphicsDisplayConfiguration(dev.Width, dev.Height, dev.PixelsPerInch)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create display: %w", err)
			}
			gd.SetDisplays(display)
			graphics = append(graphics, gd)
		case NetworkDevice:
			nat, err := vz.NewNATNetworkDeviceAttachment()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create NAT attachment: %w", err)
			}
			netCfg, err := vz.NewVirtioNetworkDeviceConfiguration(nat)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create network config: %w", err)
			}
			mac, err := vz.NewMACAddress(dev.MACAddress)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create MAC address: %w", err)
			}
			netCfg.SetMACAddress(mac)
			networks = append(networks, netCfg)
		case AudioDevice:
			sound, err := vz.NewVirtioSoundDeviceConfiguration()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create sound device: %w", err)
			}
			var streams []vz.VirtioSoundDeviceStreamConfiguration
			if dev.Input {
				in, err := vz.NewVirtioSoundDeviceHostInputStreamConfiguration()
				if err != nil {
					return nil, fmt.Errorf("vzDriver: create input stream: %w", err)
				}
				streams = append(streams, in)
			}
			if dev.Output {
				out, err := vz.NewVirtioSoundDeviceHostOutputStreamConfiguration()
				if err != nil {
					return nil, fmt.Errorf("vzDriver: create output stream: %w", err)
				}
				streams = append(streams, out)
			}
			sound.SetStreams(streams...)
			audio = append(audio, sound)
		case StorageDevice:
			attachment, err := vz.NewDiskImageStorageDeviceAttachment(dev.Path, dev.ReadOnly)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create disk attachment: %w", err)
			}
			block, err := vz.NewVirtioBlockDeviceConfiguration(attachment)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create block device: %w", err)
			}
			storage = append(storage, block)
		case PointingDevice:
			trackpad, err := vz.NewMacTrackpadConfiguration()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create trackpad: %w", err)
			}
			pointing = append(pointing, trackpad)
		case KeyboardDevice:
			keyboard, err := vz.NewMacKeyboardConfiguration()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create keyboard: %w", err)
			}
			keyboards = append(keyboards, keyboard)
		case DirectoryShareDevice:
			dir, err := vz.NewSharedDirectory(dev.Path, dev.ReadOnly)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create shared dir %s: %w", dev.Name, err)
			}
			share, err := vz.NewMultipleDirectoryShare(map[string]*vz.SharedDirectory{dev.Name: dir})
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create dir share %s: %w", dev.Name, err)
			}
			tag, err := vz.MacOSGuestAutomountTag()
			if err != nil {
				return nil, fmt.Errorf("vzDriver: automount tag: %w", err)
			}
			fsCfg, err := vz.NewVirtioFileSystemDeviceConfiguration(tag)
			if err != nil {
				return nil, fmt.Errorf("vzDriver: create fs config %s: %w", dev.Name, err)
			}
			fsCfg.SetDirectoryShare(share)
			shares = append(shares, fsCfg)
		case ConsoleDevice:
			console, err := newClipboardConsole()
			if err != nil {
				return nil, err
			}
			consoles = append(consoles, console)
		default:
			return nil, fmt.Errorf("%w: %s", ErrInvalidDevice, d.Kind())
		}
	}

	vmCfg.SetGraphicsDevicesVirtualMachineConfiguration(graphics)
	vmCfg.SetNetworkDevicesVirtualMachineConfiguration(networks)
	vmCfg.SetAudioDevicesVirtualMachineConfiguration(audio)
	vmCfg.SetStorageDevicesVirtualMachineConfiguration(storage)
	vmCfg.SetPointingDevicesVirtualMachineConfiguration(pointing)
	vmCfg.SetKeyboardsVirtualMachineConfiguration(keyboards)
	vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration(shares)
	vmCfg.SetConsoleDevicesVirtualMachineConfiguration(consoles)

	ok, err := vmCfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("vzDriver: invalid configuration")
	}
	return vmCfg, nil
}

// newClipboardConsole creates a console device whose only port is the SPICE
// agent, which carries clipboard sharing.
func newClipboardConsole() (*vz.VirtioConsoleDeviceConfiguration, error) {
	console, err := vz.NewVirtioConsoleDeviceConfiguration()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create console device: %w", err)
	}
	attachment, err := vz.NewSpiceAgentPortAttachment()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create spice agent attachment: %w", err)
	}
	name, err := vz.SpiceAgentPortAttachmentName()
	if err != nil {
		return nil, fmt.Errorf("vzDriver: spice agent port name: %w", err)
	}
	port, err := vz.NewVirtioConsolePortConfiguration(
		vz.WithVirtioConsolePortConfigurationAttachment(attachment),
		vz.WithVirtioConsolePortConfigurationName(name),
	)
	if err != nil {
		return nil, fmt.Errorf("vzDriver: create console port: %w", err)
	}
	console.SetVirtioConsolePortConfiguration(0, port)
	return console, nil
}
