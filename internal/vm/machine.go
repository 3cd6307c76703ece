package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/javanstorm/macosvm/internal/timing"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// ErrNotInstalled is returned when booting a bundle without a completed
// installation.
var ErrNotInstalled = errors.New("bundle has no installed guest")

// DefaultStopTimeout is how long Run waits for a guest to honor a stop
// request before forcing it off.
const DefaultStopTimeout = 30 * time.Second

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDelegate sets the lifecycle delegate. The default logs.
func WithDelegate(d Delegate) RunnerOption {
	return func(r *Runner) {
		r.delegate = d
	}
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.stopTimeout = d
	}
}

// WithRunTimer records boot phases in t.
func WithRunTimer(t *timing.Timer) RunnerOption {
	return func(r *Runner) {
		r.timer = t
	}
}

// Runner boots an installed bundle and keeps it running until the guest
// stops or the context is cancelled.
type Runner struct {
	driver      hypervisor.Driver
	bundle      *Bundle
	cfg         ControllerConfig
	identity    *IdentityStore
	stateFile   *StateFile
	delegate    Delegate
	stopTimeout time.Duration
	timer       *timing.Timer
}

// NewRunner creates a runner for the bundle at b. cfg.DiskSize is ignored.
func NewRunner(driver hypervisor.Driver, b *Bundle, cfg ControllerConfig, opts ...RunnerOption) *Runner {
	cfg.applyDefaults()
	r := &Runner{
		driver:      driver,
		bundle:      b,
		cfg:         cfg,
		identity:    NewIdentityStore(b),
		stateFile:   NewStateFile(b),
		stopTimeout: DefaultStopTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	if r.delegate == nil {
		r.delegate = LoggingDelegate{}
	}
	return r
}

// CheckInstalled returns ErrNotInstalled unless the bundle holds every
// artifact and its last install run completed.
func CheckInstalled(b *Bundle) error {
	if !b.Installed() {
		return fmt.Errorf("%w: %s is missing artifacts", ErrNotInstalled, b.Dir())
	}
	state, err := NewStateFile(b).Load()
	if err != nil {
		return err
	}
	if !state.Installed() {
		result := state.LastInstallResult
		if result == "" {
			result = "not recorded"
		}
		return fmt.Errorf("%w: last install of %s is %s", ErrNotInstalled, b.Dir(), result)
	}
	return nil
}

// Run boots the guest and blocks until it stops. Cancelling ctx shuts the
// guest down: its state is saved when the backend supports it, otherwise
// the guest is asked to stop.
func (r *Runner) Run(ctx context.Context) error {
	if err := CheckInstalled(r.bundle); err != nil {
		return err
	}
	lock, err := LockBundle(r.bundle)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	caps, err := r.driver.Capabilities(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("could not query backend capabilities")
	}

	cfg, err := r.buildConfiguration(ctx)
	if err != nil {
		return err
	}
	r.mark("configuration")

	m, err := r.driver.NewMachine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}

	if err := r.boot(ctx, m, caps); err != nil {
		return err
	}
	r.mark("boot")

	if err := r.stateFile.RecordBoot(); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record boot")
	}

	// The watcher outlives ctx so the final stop event is still delivered.
	watchCtx := context.WithoutCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- WatchMachine(watchCtx, m.Events(), r.delegate)
	}()

	select {
	case err := <-done:
		r.recordShutdown(ctx, err == nil)
		return err
	case <-ctx.Done():
	}

	clean, err := r.shutdown(watchCtx, m, caps, done)
	r.recordShutdown(ctx, clean)
	return err
}

func (r *Runner) buildConfiguration(ctx context.Context) (*hypervisor.MachineConfig, error) {
	ident, err := r.identity.Load()
	if err != nil {
		return nil, err
	}
	if !r.driver.HardwareModelSupported(ident.HardwareModel) {
		return nil, fmt.Errorf("%w: persisted hardware model is not supported by this host", ErrUnsupportedConfiguration)
	}

	limits := r.driver.Limits()
	resources := ComputeResources(r.cfg.HostCPUs, r.cfg.MemorySize, limits)
	if err := CheckResources(resources, limits, nil); err != nil {
		return nil, err
	}

	devices, err := BuildDeviceSpecs(DevicePaths{
		DiskImage:  r.bundle.DiskImagePath(),
		SharedDir:  r.cfg.SharedDir,
		MACAddress: r.cfg.MACAddress,
	})
	if err != nil {
		return nil, err
	}

	cfg := &hypervisor.MachineConfig{
		CPUCount:   resources.CPUCount,
		MemorySize: resources.MemorySize,
		Platform: hypervisor.PlatformConfig{
			AuxiliaryStoragePath: r.bundle.AuxiliaryStoragePath(),
			HardwareModel:        ident.HardwareModel,
			MachineIdentifier:    ident.MachineIdentifier,
		},
		Devices: devices,
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := r.driver.Validate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	log.G(ctx).WithField("resources", resources.String()).Info("configured guest")
	return cfg, nil
}

// boot restores saved state if there is any, otherwise starts the guest.
func (r *Runner) boot(ctx context.Context, m hypervisor.Machine, caps hypervisor.Capabilities) error {
	if caps.SaveRestore {
		restored, err := RestoreState(ctx, m, r.bundle.SaveFilePath())
		if err != nil {
			log.G(ctx).WithError(err).Warn("could not restore saved state, starting fresh")
		}
		if restored {
			return nil
		}
	}
	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start guest: %w", err)
	}
	log.G(ctx).Info("guest started")
	return nil
}

// shutdown stops a running guest after ctx was cancelled and waits for the
// stop event. clean is true if the guest state was saved or the guest
// stopped on request.
func (r *Runner) shutdown(ctx context.Context, m hypervisor.Machine, caps hypervisor.Capabilities, done <-chan error) (clean bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()

	if caps.SaveRestore {
		if err := SaveState(ctx, m, r.bundle.SaveFilePath()); err != nil {
			log.G(ctx).WithError(err).Warn("could not save guest state, stopping instead")
		} else {
			if err := m.Stop(ctx); err != nil {
				return false, fmt.Errorf("stop guest: %w", err)
			}
			return true, r.wait(ctx, m, done)
		}
	}

	if err := m.RequestStop(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("stop request failed, forcing stop")
		if err := m.Stop(ctx); err != nil {
			return false, fmt.Errorf("stop guest: %w", err)
		}
		return false, r.wait(ctx, m, done)
	}

	if err := r.wait(ctx, m, done); err != nil {
		return false, err
	}
	return true, nil
}

// wait blocks for the watcher result, forcing the guest off when ctx
// expires first.
func (r *Runner) wait(ctx context.Context, m hypervisor.Machine, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	log.G(ctx).Warn("guest did not stop in time, forcing stop")
	if err := m.Stop(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("stop guest: %w", err)
	}
	return <-done
}

func (r *Runner) recordShutdown(ctx context.Context, clean bool) {
	if err := r.stateFile.RecordShutdown(clean); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record shutdown")
	}
}

func (r *Runner) mark(name string) {
	if r.timer != nil {
		r.timer.Mark(name)
	}
}
