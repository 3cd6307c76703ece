package vm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/javanstorm/macosvm/internal/timing"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// Phase is a stage of the installation state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRestoreImageLoading
	PhaseConfigurationBuilding
	PhaseValidating
	PhaseInstalling
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRestoreImageLoading:
		return "restore image loading"
	case PhaseConfigurationBuilding:
		return "configuration building"
	case PhaseValidating:
		return "validating"
	case PhaseInstalling:
		return "installing"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// nextPhase is the only forward transition out of each non-terminal phase.
var nextPhase = map[Phase]Phase{
	PhaseIdle:                  PhaseRestoreImageLoading,
	PhaseRestoreImageLoading:   PhaseConfigurationBuilding,
	PhaseConfigurationBuilding: PhaseValidating,
	PhaseValidating:            PhaseInstalling,
	PhaseInstalling:            PhaseCompleted,
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	next, ok := nextPhase[from]
	return ok && next == to
}

// ErrControllerUsed is returned when Install is called on a controller that
// has already run.
var ErrControllerUsed = errors.New("controller has already run an installation")

// ControllerConfig holds the policy for an installation.
type ControllerConfig struct {
	// HostCPUs is the number of logical host cores. Zero means runtime.NumCPU.
	HostCPUs int

	// MemorySize is the memory policy before clamping. Zero means
	// DefaultMemorySize.
	MemorySize uint64

	// DiskSize is the size of a newly created disk image. Zero means
	// DefaultDiskSize.
	DiskSize int64

	// SharedDir is the host directory shared with the guest. Empty disables
	// the share.
	SharedDir string

	// MACAddress overrides DefaultMACAddress.
	MACAddress string
}

func (c *ControllerConfig) applyDefaults() {
	if c.HostCPUs <= 0 {
		c.HostCPUs = runtime.NumCPU()
	}
	if c.MemorySize == 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.DiskSize == 0 {
		c.DiskSize = DefaultDiskSize
	}
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithProgress registers a callback for installation progress. It is called
// from the controlling goroutine with non-decreasing values in [0, 1].
func WithProgress(fn func(fraction float64)) ControllerOption {
	return func(c *Controller) {
		c.progress = fn
	}
}

// WithDownloadProgress registers a callback for restore image download
// progress.
func WithDownloadProgress(fn func(fraction float64)) ControllerOption {
	return func(c *Controller) {
		c.download = fn
	}
}

// WithPhaseHook registers a callback invoked after every phase change.
func WithPhaseHook(fn func(Phase)) ControllerOption {
	return func(c *Controller) {
		c.onPhase = fn
	}
}

// WithTimer records the duration of each phase in t.
func WithTimer(t *timing.Timer) ControllerOption {
	return func(c *Controller) {
		c.timer = t
	}
}

// WithImageOptions passes options to the disk image manager. They are
// applied after the backend capabilities.
func WithImageOptions(opts ...ImageOption) ControllerOption {
	return func(c *Controller) {
		c.imageOpts = append(c.imageOpts, opts...)
	}
}

// Controller drives one installation of a macOS guest into a bundle.
type Controller struct {
	driver    hypervisor.Driver
	bundle    *Bundle
	cfg       ControllerConfig
	identity  *IdentityStore
	stateFile *StateFile

	progress  func(float64)
	download  func(float64)
	onPhase   func(Phase)
	timer     *timing.Timer
	imageOpts []ImageOption

	mu    sync.RWMutex
	phase Phase
	used  bool

	// owned by the goroutine running Install
	lastProgress float64
	reported     bool
	artifacts    runArtifacts
}

// runArtifacts tracks what the current run created so a failure can remove
// exactly that.
type runArtifacts struct {
	disk             string
	auxiliaryStorage string
	identity         bool
}

// NewController creates a controller for the bundle at b.
func NewController(driver hypervisor.Driver, b *Bundle, cfg ControllerConfig, opts ...ControllerOption) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		driver:    driver,
		bundle:    b,
		cfg:       cfg,
		identity:  NewIdentityStore(b),
		stateFile: NewStateFile(b),
		phase:     PhaseIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Setup creates the bundle directory. A pre-existing bundle is fine.
func (c *Controller) Setup() error {
	return c.bundle.Setup()
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// InstallAsync runs Install in a new goroutine. The returned channel
// delivers the single terminal result and is then closed.
func (c *Controller) InstallAsync(ctx context.Context, src Source) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer close(result)
		result <- c.Install(ctx, src)
	}()
	return result
}

// Install runs the installation to a terminal phase. Failures are returned
// as *StageError. A controller runs at most one installation.
func (c *Controller) Install(ctx context.Context, src Source) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrControllerUsed
	}
	c.used = true
	c.mu.Unlock()

	runID := uuid.NewString()
	ctx = log.WithLogger(ctx, log.G(ctx).WithFields(log.Fields{
		"run":    runID,
		"bundle": c.bundle.Dir(),
	}))

	if err := c.Setup(); err != nil {
		return c.fail(ctx, runID, err, ErrResourceCreation)
	}
	lock, err := LockBundle(c.bundle)
	if err != nil {
		return c.fail(ctx, runID, err, ErrBundleLocked)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to release bundle lock")
		}
	}()

	img, err := c.loadRestoreImage(ctx, src)
	if err != nil {
		return c.fail(ctx, runID, err, ErrRestoreImage)
	}

	cfg, err := c.buildConfiguration(ctx, img)
	if err != nil {
		return c.fail(ctx, runID, err, ErrInvalidConfiguration)
	}

	if err := c.validate(ctx, cfg); err != nil {
		return c.fail(ctx, runID, err, ErrInvalidConfiguration)
	}

	if err := c.install(ctx, runID, cfg, img); err != nil {
		return c.fail(ctx, runID, err, ErrInstallation)
	}

	c.transition(ctx, PhaseCompleted)
	if err := c.stateFile.RecordInstall(InstallRecord{
		RunID:             runID,
		RestoreImageBuild: img.BuildVersion(),
		DiskSize:          c.cfg.DiskSize,
	}); err != nil {
		log.G(ctx).WithError(err).Warn("failed to record install")
	}
	log.G(ctx).WithField("build", img.BuildVersion()).Info("installation completed")
	return nil
}

func (c *Controller) loadRestoreImage(ctx context.Context, src Source) (hypervisor.RestoreImage, error) {
	c.transition(ctx, PhaseRestoreImageLoading)
	log.G(ctx).WithField("source", src.String()).Info("loading restore image")

	img, err := src.Resolve(ctx, c.driver, c.download)
	if err != nil {
		return nil, err
	}
	log.G(ctx).WithFields(log.Fields{
		"path":  img.Path(),
		"build": img.BuildVersion(),
	}).Info("restore image loaded")
	return img, nil
}

func (c *Controller) buildConfiguration(ctx context.Context, img hypervisor.RestoreImage) (*hypervisor.MachineConfig, error) {
	c.transition(ctx, PhaseConfigurationBuilding)

	caps, err := c.driver.Capabilities(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("could not query backend capabilities")
	}
	if !caps.MacGuests {
		return nil, fmt.Errorf("%w: host cannot run macOS guests", ErrUnsupportedConfiguration)
	}

	req, ok := img.MostFeaturefulSupportedConfiguration()
	if !ok || req == nil {
		return nil, fmt.Errorf("%w: restore image %s has no configuration supported by this host",
			ErrUnsupportedConfiguration, img.BuildVersion())
	}
	if !req.HardwareModelSupported {
		return nil, fmt.Errorf("%w: hardware model of restore image %s is not supported by this host",
			ErrUnsupportedConfiguration, img.BuildVersion())
	}

	resources := ComputeResources(c.cfg.HostCPUs, c.cfg.MemorySize, c.driver.Limits())
	if err := CheckResources(resources, c.driver.Limits(), req); err != nil {
		return nil, err
	}
	log.G(ctx).WithField("resources", resources.String()).Info("computed resources")

	sparse := caps.SparseDiskImages
	if missing := MissingDependencies(SparseImageDeps); sparse && len(missing) > 0 {
		log.G(ctx).WithField("tool", missing[0].Name).Warn("sparse disk images unavailable, creating a raw image")
		sparse = false
	}
	images := NewImageManager(append([]ImageOption{WithSparseImages(sparse)}, c.imageOpts...)...)
	disk, err := images.EnsureDiskImage(ctx, c.bundle.DiskImagePath(), c.cfg.DiskSize)
	if err != nil {
		return nil, err
	}
	if disk.Created {
		c.artifacts.disk = disk.Path
	}

	ident, err := c.ensureIdentity(ctx, req.HardwareModel)
	if err != nil {
		return nil, err
	}

	if err := c.ensureAuxiliaryStorage(ctx, ident.HardwareModel); err != nil {
		return nil, err
	}

	devices, err := BuildDeviceSpecs(DevicePaths{
		DiskImage:  disk.Path,
		SharedDir:  c.cfg.SharedDir,
		MACAddress: c.cfg.MACAddress,
	})
	if err != nil {
		return nil, err
	}

	return &hypervisor.MachineConfig{
		CPUCount:   resources.CPUCount,
		MemorySize: resources.MemorySize,
		Platform: hypervisor.PlatformConfig{
			AuxiliaryStoragePath: c.bundle.AuxiliaryStoragePath(),
			HardwareModel:        ident.HardwareModel,
			MachineIdentifier:    ident.MachineIdentifier,
		},
		Devices: devices,
	}, nil
}

// ensureIdentity reuses a persisted identity or creates one for model.
func (c *Controller) ensureIdentity(ctx context.Context, model []byte) (*Identity, error) {
	exists, err := c.identity.Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		ident, err := c.identity.Load()
		if err != nil {
			return nil, err
		}
		if !c.driver.HardwareModelSupported(ident.HardwareModel) {
			return nil, fmt.Errorf("%w: persisted hardware model is not supported by this host", ErrUnsupportedConfiguration)
		}
		log.G(ctx).Info("reusing persisted platform identity")
		return ident, nil
	}

	ident, err := c.identity.Create(model, c.driver.NewMachineIdentifier)
	if err != nil {
		return nil, err
	}
	c.artifacts.identity = true
	log.G(ctx).Info("created platform identity")
	return ident, nil
}

func (c *Controller) ensureAuxiliaryStorage(ctx context.Context, model []byte) error {
	path := c.bundle.AuxiliaryStoragePath()
	exists, err := fileExists(path)
	if err != nil {
		return fmt.Errorf("%w: auxiliary storage: %w", ErrResourceCreation, err)
	}
	if exists {
		return nil
	}
	if err := c.driver.CreateAuxiliaryStorage(path, model); err != nil {
		os.Remove(path)
		return fmt.Errorf("%w: auxiliary storage: %w", ErrResourceCreation, err)
	}
	c.artifacts.auxiliaryStorage = path
	log.G(ctx).WithField("path", path).Debug("created auxiliary storage")
	return nil
}

func (c *Controller) validate(ctx context.Context, cfg *hypervisor.MachineConfig) error {
	c.transition(ctx, PhaseValidating)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	if err := c.driver.Validate(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return nil
}

func (c *Controller) install(ctx context.Context, runID string, cfg *hypervisor.MachineConfig, img hypervisor.RestoreImage) error {
	c.transition(ctx, PhaseInstalling)

	// Not installed while the backend writes the disk
	if err := c.stateFile.RecordInstallStarted(runID); err != nil {
		return fmt.Errorf("%w: record install start: %w", ErrResourceCreation, err)
	}

	installer, err := c.driver.NewInstaller(ctx, cfg, img.Path())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallation, err)
	}
	events, err := installer.Install(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallation, err)
	}

	log.G(ctx).WithField("cpus", cfg.CPUCount).Info("installing macOS")
	for ev := range events {
		if !ev.Done {
			c.reportProgress(ctx, ev.FractionCompleted)
			continue
		}
		// The terminal event ends the run; anything after it is ignored.
		go drain(events)
		if ev.Err != nil {
			return fmt.Errorf("%w: %w", ErrInstallation, ev.Err)
		}
		c.reportProgress(ctx, 1)
		return nil
	}
	return fmt.Errorf("%w: installer finished without a result", ErrInstallation)
}

// reportProgress forwards fraction clamped to [0, 1]. Regressions are
// dropped.
func (c *Controller) reportProgress(ctx context.Context, fraction float64) {
	switch {
	case math.IsNaN(fraction):
		return
	case fraction < 0:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	if c.reported && fraction <= c.lastProgress {
		return
	}
	c.reported = true
	c.lastProgress = fraction

	log.G(ctx).WithField("progress", fmt.Sprintf("%.0f%%", fraction*100)).Debug("installation progress")
	if c.progress != nil {
		c.progress(fraction)
	}
}

// transition moves to the next phase. The call sites follow the forward
// order, so an invalid transition is a programming error.
func (c *Controller) transition(ctx context.Context, to Phase) {
	c.mu.Lock()
	from := c.phase
	if !CanTransition(from, to) {
		c.mu.Unlock()
		panic(fmt.Sprintf("vm: invalid phase transition %s -> %s", from, to))
	}
	c.phase = to
	c.mu.Unlock()

	if c.timer != nil && from != PhaseIdle {
		c.timer.Mark(from.String())
	}
	log.G(ctx).WithField("phase", to.String()).Debug("phase changed")
	if c.onPhase != nil {
		c.onPhase(to)
	}
}

// fail removes what this run created, moves to PhaseFailed and returns the
// typed error.
func (c *Controller) fail(ctx context.Context, runID string, err, fallback error) error {
	stage := c.Phase()
	kind := classify(err, fallback)

	c.cleanup(ctx)
	c.transition(ctx, PhaseFailed)

	serr := &StageError{Stage: stage, Kind: kind, Err: err}
	if !errors.Is(kind, ErrBundleLocked) {
		if recErr := c.stateFile.RecordInstall(InstallRecord{RunID: runID, Err: serr}); recErr != nil {
			log.G(ctx).WithError(recErr).Warn("failed to record install")
		}
	}
	log.G(ctx).WithError(err).WithField("stage", stage.String()).Error("installation failed")
	return serr
}

func (c *Controller) cleanup(ctx context.Context) {
	a := c.artifacts
	c.artifacts = runArtifacts{}

	if a.disk != "" {
		if err := RemoveDiskImage(a.disk); err != nil {
			log.G(ctx).WithError(err).Warn("failed to remove disk image")
		}
	}
	if a.auxiliaryStorage != "" {
		if err := os.Remove(a.auxiliaryStorage); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.G(ctx).WithError(err).Warn("failed to remove auxiliary storage")
		}
	}
	if a.identity {
		if err := c.identity.Remove(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to remove platform identity")
		}
	}
}

func drain(events <-chan hypervisor.InstallEvent) {
	for range events {
	}
}
