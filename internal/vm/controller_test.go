package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macosvm/internal/testutil"
	"github.com/javanstorm/macosvm/internal/timing"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

const testDiskSize = 64 << 20

type controllerHarness struct {
	driver   *testutil.FakeDriver
	bundle   *Bundle
	image    string
	mu       sync.Mutex
	phases   []Phase
	progress []float64
}

func newHarness(t *testing.T) *controllerHarness {
	t.Helper()
	dir := t.TempDir()
	return &controllerHarness{
		driver: testutil.NewFakeDriver(),
		bundle: NewBundle(filepath.Join(dir, "VM.bundle")),
		image:  testutil.CreateRestoreImage(t, dir),
	}
}

func (h *controllerHarness) controller(cfg ControllerConfig, opts ...ControllerOption) *Controller {
	if cfg.HostCPUs == 0 {
		cfg.HostCPUs = 8
	}
	if cfg.DiskSize == 0 {
		cfg.DiskSize = testDiskSize
	}
	opts = append([]ControllerOption{
		WithPhaseHook(func(p Phase) {
			h.mu.Lock()
			h.phases = append(h.phases, p)
			h.mu.Unlock()
		}),
		WithProgress(func(f float64) {
			h.mu.Lock()
			h.progress = append(h.progress, f)
			h.mu.Unlock()
		}),
	}, opts...)
	return NewController(h.driver, h.bundle, cfg, opts...)
}

func (h *controllerHarness) install(t *testing.T) error {
	t.Helper()
	return h.controller(ControllerConfig{}).Install(context.Background(), LocalSource{Path: h.image})
}

func (h *controllerHarness) assertNoArtifacts(t *testing.T) {
	t.Helper()
	for _, p := range []string{
		h.bundle.DiskImagePath(),
		h.bundle.HardwareModelPath(),
		h.bundle.MachineIdentifierPath(),
		h.bundle.AuxiliaryStoragePath(),
	} {
		assert.False(t, testutil.FileExists(t, p), "%s should not exist", filepath.Base(p))
	}
}

func requireStageError(t *testing.T, err error, stage Phase, kind error) *StageError {
	t.Helper()
	require.Error(t, err)
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, stage, serr.Stage)
	assert.ErrorIs(t, err, kind)
	assert.Equal(t, kind, serr.Kind)
	return serr
}

func TestInstallSuccess(t *testing.T) {
	h := newHarness(t)
	timer := timing.New()
	c := h.controller(ControllerConfig{SharedDir: filepath.Join(t.TempDir(), "Shared")}, WithTimer(timer))

	require.NoError(t, c.Install(context.Background(), LocalSource{Path: h.image}))
	assert.Equal(t, PhaseCompleted, c.Phase())

	assert.Equal(t, []Phase{
		PhaseRestoreImageLoading,
		PhaseConfigurationBuilding,
		PhaseValidating,
		PhaseInstalling,
		PhaseCompleted,
	}, h.phases)
	assert.Equal(t, []float64{0.1, 0.5, 0.9, 1}, h.progress)

	info, err := os.Stat(h.bundle.DiskImagePath())
	require.NoError(t, err)
	assert.Equal(t, int64(testDiskSize), info.Size())

	ident, err := NewIdentityStore(h.bundle).Load()
	require.NoError(t, err)
	assert.Equal(t, testutil.FakeHardwareModel, ident.HardwareModel)
	assert.True(t, testutil.FileExists(t, h.bundle.AuxiliaryStoragePath()))

	validated := h.driver.Validated()
	require.Len(t, validated, 1)
	assert.Equal(t, uint(4), validated[0].CPUCount)
	assert.Equal(t, DefaultMemorySize, validated[0].MemorySize)
	assert.Equal(t, ident.MachineIdentifier, validated[0].Platform.MachineIdentifier)
	assert.Len(t, validated[0].Devices.OfKind(hypervisor.DeviceDirectoryShare), 1)

	state, err := NewStateFile(h.bundle).Load()
	require.NoError(t, err)
	assert.True(t, state.Installed())
	assert.Equal(t, "24A335", state.RestoreImageBuild)
	assert.NotEmpty(t, state.LastInstallRun)

	names := make([]string, 0, len(timer.Phases()))
	for _, p := range timer.Phases() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"restore image loading", "configuration building", "validating", "installing"}, names)
}

func TestInstallReusesExistingIdentity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bundle.Setup())
	orig, err := NewIdentityStore(h.bundle).Create([]byte("older-model"), fixedID("machine-1"))
	require.NoError(t, err)

	require.NoError(t, h.install(t))

	ident, err := NewIdentityStore(h.bundle).Load()
	require.NoError(t, err)
	assert.Equal(t, orig, ident)
}

func TestInstallUnsupportedHardwareModel(t *testing.T) {
	h := newHarness(t)
	h.driver.Requirements.HardwareModelSupported = false

	err := h.install(t)
	requireStageError(t, err, PhaseConfigurationBuilding, ErrUnsupportedConfiguration)
	h.assertNoArtifacts(t)
	assert.Zero(t, h.driver.Installs())
	assert.Equal(t, PhaseFailed, h.phases[len(h.phases)-1])
}

func TestInstallNoSupportedConfiguration(t *testing.T) {
	h := newHarness(t)
	h.driver.Requirements = nil

	err := h.install(t)
	requireStageError(t, err, PhaseConfigurationBuilding, ErrUnsupportedConfiguration)
	h.assertNoArtifacts(t)
}

func TestInstallHostCannotRunMacGuests(t *testing.T) {
	h := newHarness(t)
	h.driver.Caps.MacGuests = false

	err := h.install(t)
	requireStageError(t, err, PhaseConfigurationBuilding, ErrUnsupportedConfiguration)
	h.assertNoArtifacts(t)
}

func TestInstallWithoutHostVersion(t *testing.T) {
	h := newHarness(t)
	h.driver.Caps = hypervisor.Capabilities{MacGuests: true}
	h.driver.CapsErr = errors.New("sw_vers: executable file not found")

	require.NoError(t, h.install(t))
	assert.True(t, testutil.FileExists(t, h.bundle.DiskImagePath()))
}

func TestInstallInsufficientResources(t *testing.T) {
	h := newHarness(t)
	c := h.controller(ControllerConfig{HostCPUs: 2})

	err := c.Install(context.Background(), LocalSource{Path: h.image})
	requireStageError(t, err, PhaseConfigurationBuilding, ErrInsufficientResources)
	h.assertNoArtifacts(t)
	assert.Zero(t, h.driver.Installs())
}

func TestInstallRestoreImageMissing(t *testing.T) {
	h := newHarness(t)
	c := h.controller(ControllerConfig{})

	err := c.Install(context.Background(), LocalSource{Path: filepath.Join(t.TempDir(), "missing.ipsw")})
	requireStageError(t, err, PhaseRestoreImageLoading, ErrRestoreImage)
	assert.Equal(t, []Phase{PhaseRestoreImageLoading, PhaseFailed}, h.phases)
	assert.Contains(t, err.Error(), "restore image loading failed")
}

func TestInstallValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.ValidateErr = errors.New("display too large")

	err := h.install(t)
	requireStageError(t, err, PhaseValidating, ErrInvalidConfiguration)
	h.assertNoArtifacts(t)
}

func TestInstallBackendFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.InstallErr = errors.New("personalization failed")

	err := h.install(t)
	serr := requireStageError(t, err, PhaseInstalling, ErrInstallation)
	assert.Contains(t, serr.Error(), "personalization failed")
	h.assertNoArtifacts(t)

	assert.Equal(t, []float64{0.1, 0.5, 0.9}, h.progress)
	assert.Equal(t, PhaseFailed, h.phases[len(h.phases)-1])

	state, err := NewStateFile(h.bundle).Load()
	require.NoError(t, err)
	assert.Equal(t, InstallResultFailed, state.LastInstallResult)
}

func TestInstallFailureKeepsPreexistingArtifacts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bundle.Setup())
	testutil.CreateTestDisk(t, h.bundle.DiskImagePath(), testDiskSize)
	_, err := NewIdentityStore(h.bundle).Create(testutil.FakeHardwareModel, fixedID("machine-1"))
	require.NoError(t, err)
	h.driver.InstallErr = errors.New("boom")

	require.Error(t, h.install(t))

	assert.True(t, testutil.FileExists(t, h.bundle.DiskImagePath()))
	assert.True(t, testutil.FileExists(t, h.bundle.HardwareModelPath()))
	assert.True(t, testutil.FileExists(t, h.bundle.MachineIdentifierPath()))
	// auxiliary storage was created by the failed run
	assert.False(t, testutil.FileExists(t, h.bundle.AuxiliaryStoragePath()))
}

func TestInstallMarksRunInProgress(t *testing.T) {
	h := newHarness(t)
	sf := NewStateFile(h.bundle)
	var during []string
	c := h.controller(ControllerConfig{}, WithProgress(func(float64) {
		state, err := sf.Load()
		require.NoError(t, err)
		during = append(during, state.LastInstallResult)
	}))

	require.NoError(t, c.Install(context.Background(), LocalSource{Path: h.image}))
	require.NotEmpty(t, during)
	assert.Equal(t, InstallResultInstalling, during[0])

	state, err := sf.Load()
	require.NoError(t, err)
	assert.Equal(t, InstallResultCompleted, state.LastInstallResult)
}

func TestInstallProgressIsClampedAndMonotonic(t *testing.T) {
	h := newHarness(t)
	h.driver.InstallProgress = []float64{-0.5, 0.3, 0.2, 0.3, 1.7, 0.9}

	require.NoError(t, h.install(t))
	assert.Equal(t, []float64{0, 0.3, 1}, h.progress)
}

func TestInstallAuxiliaryStorageFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.AuxStorageErr = errors.New("disk full")

	err := h.install(t)
	requireStageError(t, err, PhaseConfigurationBuilding, ErrResourceCreation)
	h.assertNoArtifacts(t)
}

func TestInstallIdentifierFailure(t *testing.T) {
	h := newHarness(t)
	h.driver.IdentifierErr = errors.New("no identifier")

	err := h.install(t)
	requireStageError(t, err, PhaseConfigurationBuilding, ErrIdentityPersistence)
	h.assertNoArtifacts(t)
}

func TestInstallBundleLocked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bundle.Setup())
	lock, err := LockBundle(h.bundle)
	require.NoError(t, err)
	defer lock.Unlock()

	err = h.install(t)
	requireStageError(t, err, PhaseIdle, ErrBundleLocked)
	assert.Equal(t, []Phase{PhaseFailed}, h.phases)
}

func TestInstallReleasesLock(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.install(t))

	lock, err := LockBundle(h.bundle)
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestControllerRunsOnce(t *testing.T) {
	h := newHarness(t)
	c := h.controller(ControllerConfig{})
	require.NoError(t, c.Install(context.Background(), LocalSource{Path: h.image}))

	err := c.Install(context.Background(), LocalSource{Path: h.image})
	assert.ErrorIs(t, err, ErrControllerUsed)
	assert.Equal(t, PhaseCompleted, c.Phase())
}

func TestInstallAsync(t *testing.T) {
	h := newHarness(t)
	h.driver.InstallErr = errors.New("boom")
	c := h.controller(ControllerConfig{})

	result := c.InstallAsync(context.Background(), LocalSource{Path: h.image})
	err, ok := <-result
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrInstallation)

	_, ok = <-result
	assert.False(t, ok, "result channel should close after the terminal result")
}

func TestInstallCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.controller(ControllerConfig{}).Install(ctx, LocalSource{Path: h.image})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	h.assertNoArtifacts(t)
}

func TestCanTransition(t *testing.T) {
	all := []Phase{PhaseIdle, PhaseRestoreImageLoading, PhaseConfigurationBuilding, PhaseValidating, PhaseInstalling, PhaseCompleted, PhaseFailed}
	for _, from := range all {
		for _, to := range all {
			want := false
			switch {
			case from.Terminal():
			case to == PhaseFailed:
				want = true
			default:
				want = to == from+1
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "configuration building", PhaseConfigurationBuilding.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
