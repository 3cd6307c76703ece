package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// FakeHardwareModel is the hardware model the fake restore image requires.
var FakeHardwareModel = []byte("fake-hardware-model")

// FakeDriver is an in-memory hypervisor.Driver. Fields may be changed
// before the driver is handed to the code under test.
type FakeDriver struct {
	Caps      hypervisor.Capabilities
	CapsErr   error
	LimitsVal hypervisor.Limits

	// Requirements is what restore images report. Nil means the image has
	// no supported configuration.
	Requirements *hypervisor.ConfigurationRequirements
	Build        string

	// UnsupportedModels makes HardwareModelSupported return false.
	UnsupportedModels bool

	// InstallProgress is emitted before the terminal event, which carries
	// InstallErr.
	InstallProgress []float64
	InstallErr      error

	LoadErr         error
	FetchErr        error
	IdentifierErr   error
	AuxStorageErr   error
	ValidateErr     error
	NewInstallerErr error
	NewMachineErr   error

	// LoadErrOnce fails the next LoadRestoreImage call only.
	LoadErrOnce error

	// Machine is returned by NewMachine.
	Machine *FakeMachine

	mu        sync.Mutex
	installs  int
	validated []*hypervisor.MachineConfig
}

// NewFakeDriver returns a driver for a host that can run macOS guests with
// save/restore support, 1-8 CPUs and 2-16 GiB of memory. Its restore image
// needs 2 CPUs and 4 GiB.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		Caps: hypervisor.Capabilities{MacGuests: true, SaveRestore: true},
		LimitsVal: hypervisor.Limits{
			MinCPUCount:   1,
			MaxCPUCount:   8,
			MinMemorySize: 2 * units.GiB,
			MaxMemorySize: 16 * units.GiB,
		},
		Requirements: &hypervisor.ConfigurationRequirements{
			HardwareModel:          FakeHardwareModel,
			HardwareModelSupported: true,
			MinimumCPUCount:        2,
			MinimumMemorySize:      4 * units.GiB,
		},
		Build:           "24A335",
		InstallProgress: []float64{0.1, 0.5, 0.9},
		Machine:         NewFakeMachine(),
	}
}

func (d *FakeDriver) Info() hypervisor.Info {
	return hypervisor.Info{Name: "fake", Version: "test", Arch: "arm64"}
}

func (d *FakeDriver) Capabilities(ctx context.Context) (hypervisor.Capabilities, error) {
	return d.Caps, d.CapsErr
}

func (d *FakeDriver) Limits() hypervisor.Limits {
	return d.LimitsVal
}

func (d *FakeDriver) LoadRestoreImage(ctx context.Context, path string) (hypervisor.RestoreImage, error) {
	if d.LoadErr != nil {
		return nil, d.LoadErr
	}
	d.mu.Lock()
	err := d.LoadErrOnce
	d.LoadErrOnce = nil
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &FakeRestoreImage{path: path, build: d.Build, req: d.Requirements}, nil
}

func (d *FakeDriver) FetchLatestRestoreImage(ctx context.Context, destPath string, progress func(float64)) (hypervisor.RestoreImage, error) {
	if progress != nil {
		progress(0.5)
	}
	if err := os.WriteFile(destPath, []byte("ipsw"), 0644); err != nil {
		return nil, err
	}
	if d.FetchErr != nil {
		return nil, d.FetchErr
	}
	if progress != nil {
		progress(1)
	}
	return d.LoadRestoreImage(ctx, destPath)
}

func (d *FakeDriver) NewMachineIdentifier() ([]byte, error) {
	if d.IdentifierErr != nil {
		return nil, d.IdentifierErr
	}
	return uuid.New().MarshalBinary()
}

func (d *FakeDriver) HardwareModelSupported(model []byte) bool {
	return !d.UnsupportedModels && len(model) > 0
}

func (d *FakeDriver) CreateAuxiliaryStorage(path string, hardwareModel []byte) error {
	if d.AuxStorageErr != nil {
		return d.AuxStorageErr
	}
	return os.WriteFile(path, hardwareModel, 0644)
}

func (d *FakeDriver) Validate(ctx context.Context, cfg *hypervisor.MachineConfig) error {
	d.mu.Lock()
	d.validated = append(d.validated, cfg)
	d.mu.Unlock()
	if d.ValidateErr != nil {
		return d.ValidateErr
	}
	return cfg.Validate()
}

func (d *FakeDriver) NewInstaller(ctx context.Context, cfg *hypervisor.MachineConfig, restoreImagePath string) (hypervisor.Installer, error) {
	if d.NewInstallerErr != nil {
		return nil, d.NewInstallerErr
	}
	d.mu.Lock()
	d.installs++
	d.mu.Unlock()
	return &FakeInstaller{progress: d.InstallProgress, err: d.InstallErr}, nil
}

func (d *FakeDriver) NewMachine(ctx context.Context, cfg *hypervisor.MachineConfig) (hypervisor.Machine, error) {
	if d.NewMachineErr != nil {
		return nil, d.NewMachineErr
	}
	if d.Machine == nil {
		return nil, errors.New("fake: no machine configured")
	}
	return d.Machine, nil
}

// Installs returns how many installers were created.
func (d *FakeDriver) Installs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.installs
}

// Validated returns the configurations passed to Validate.
func (d *FakeDriver) Validated() []*hypervisor.MachineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*hypervisor.MachineConfig(nil), d.validated...)
}

// FakeRestoreImage is the restore image returned by FakeDriver.
type FakeRestoreImage struct {
	path  string
	build string
	req   *hypervisor.ConfigurationRequirements
}

func (i *FakeRestoreImage) Path() string         { return i.path }
func (i *FakeRestoreImage) BuildVersion() string { return i.build }

func (i *FakeRestoreImage) MostFeaturefulSupportedConfiguration() (*hypervisor.ConfigurationRequirements, bool) {
	if i.req == nil {
		return nil, false
	}
	req := *i.req
	return &req, true
}

// FakeInstaller emits its progress values then one terminal event.
type FakeInstaller struct {
	progress []float64
	err      error
}

func (i *FakeInstaller) Install(ctx context.Context) (<-chan hypervisor.InstallEvent, error) {
	events := make(chan hypervisor.InstallEvent, len(i.progress)+1)
	go func() {
		defer close(events)
		if err := ctx.Err(); err != nil {
			events <- hypervisor.InstallEvent{Done: true, Err: err}
			return
		}
		for _, p := range i.progress {
			select {
			case events <- hypervisor.InstallEvent{FractionCompleted: p}:
			case <-ctx.Done():
				events <- hypervisor.InstallEvent{Done: true, Err: ctx.Err()}
				return
			}
		}
		events <- hypervisor.InstallEvent{Done: true, Err: i.err}
	}()
	return events, nil
}

// FakeMachine is a guest that records the calls made on it.
type FakeMachine struct {
	// StopOnRequest makes RequestStop stop the guest cleanly.
	StopOnRequest bool

	StartErr   error
	RestoreErr error
	SaveErr    error

	mu      sync.Mutex
	calls   []string
	events  chan hypervisor.MachineEvent
	stopped bool
}

// NewFakeMachine returns a machine that stops when asked to.
func NewFakeMachine() *FakeMachine {
	return &FakeMachine{
		StopOnRequest: true,
		events:        make(chan hypervisor.MachineEvent, 1),
	}
}

func (m *FakeMachine) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

// Calls returns the names of the methods called, in order.
func (m *FakeMachine) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *FakeMachine) Start(ctx context.Context) error {
	m.record("start")
	return m.StartErr
}

func (m *FakeMachine) Restore(ctx context.Context, path string) error {
	m.record("restore")
	if m.RestoreErr != nil {
		return m.RestoreErr
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("fake: restore: %w", err)
	}
	return nil
}

func (m *FakeMachine) Pause(ctx context.Context) error {
	m.record("pause")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return hypervisor.ErrNotRunning
	}
	return nil
}

func (m *FakeMachine) Save(ctx context.Context, path string) error {
	m.record("save")
	if m.SaveErr != nil {
		return m.SaveErr
	}
	return os.WriteFile(path, []byte("saved state"), 0644)
}

func (m *FakeMachine) RequestStop(ctx context.Context) error {
	m.record("request-stop")
	if m.StopOnRequest {
		m.finish(hypervisor.MachineEvent{Kind: hypervisor.GuestStopped})
	}
	return nil
}

func (m *FakeMachine) Stop(ctx context.Context) error {
	m.record("stop")
	m.finish(hypervisor.MachineEvent{Kind: hypervisor.GuestStopped})
	return nil
}

// Crash stops the guest with err.
func (m *FakeMachine) Crash(err error) {
	m.finish(hypervisor.MachineEvent{Kind: hypervisor.GuestError, Err: err})
}

// ShutDown simulates the guest powering itself off.
func (m *FakeMachine) ShutDown() {
	m.finish(hypervisor.MachineEvent{Kind: hypervisor.GuestStopped})
}

func (m *FakeMachine) finish(ev hypervisor.MachineEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.events <- ev
	close(m.events)
}

func (m *FakeMachine) Events() <-chan hypervisor.MachineEvent {
	return m.events
}
