package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macosvm/internal/testutil"
	"github.com/javanstorm/macosvm/internal/vm"
	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

type cliEnv struct {
	driver *testutil.FakeDriver
	bundle string
	image  string
}

func setup(t *testing.T) *cliEnv {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))

	env := &cliEnv{
		driver: testutil.NewFakeDriver(),
		bundle: filepath.Join(home, "VM.bundle"),
		image:  testutil.CreateRestoreImage(t, home),
	}
	// Works on hosts with few cores
	env.driver.Requirements.MinimumCPUCount = 1
	t.Setenv("MACOSVM_DISK_SIZE", "64MiB")
	t.Setenv("MACOSVM_SHARED_DIR", filepath.Join(home, "Shared"))

	orig := newDriver
	newDriver = func() (hypervisor.Driver, error) { return env.driver, nil }
	t.Cleanup(func() { newDriver = orig })
	return env
}

func execute(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootArgs(t *testing.T) {
	setup(t)
	_, err := execute(context.Background(), "a.ipsw", "b.ipsw")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(context.Background(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "macosvm dev")
	assert.Contains(t, out, "Commit:")
}

func TestInstall(t *testing.T) {
	env := setup(t)

	out, err := execute(context.Background(), env.image)
	require.NoError(t, err)
	assert.Contains(t, out, "Installation progress: 50%")
	assert.Contains(t, out, "Installation progress: 100%")
	assert.Contains(t, out, "Installation completed.")
	assert.True(t, vm.NewBundle(env.bundle).Installed())
}

func TestInstallDownloadsWithoutArgument(t *testing.T) {
	env := setup(t)

	out, err := execute(context.Background(), "--log-level", "debug")
	require.NoError(t, err)
	assert.Contains(t, out, "Download progress: 100%")
	assert.True(t, testutil.FileExists(t, vm.NewBundle(env.bundle).RestoreImagePath()))
}

func TestInstallWithoutHostVersion(t *testing.T) {
	env := setup(t)
	env.driver.Caps = hypervisor.Capabilities{MacGuests: true}
	env.driver.CapsErr = errors.New("sw_vers: executable file not found")

	out, err := execute(context.Background(), env.image)
	require.NoError(t, err)
	assert.Contains(t, out, "Installation completed.")
}

func TestInstallFailureNamesStage(t *testing.T) {
	env := setup(t)
	env.driver.InstallErr = errors.New("personalization failed")

	_, err := execute(context.Background(), env.image)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "installing failed")
	assert.ErrorIs(t, err, vm.ErrInstallation)
}

func TestInstallRejectsBadConfig(t *testing.T) {
	env := setup(t)
	t.Setenv("MACOSVM_MEMORY", "plenty")

	out, err := execute(context.Background(), env.image)
	require.Error(t, err)
	assert.Contains(t, out, "Error [memory]")
}

func TestInstallBadLogLevel(t *testing.T) {
	env := setup(t)
	_, err := execute(context.Background(), "--log-level", "loud", env.image)
	assert.Error(t, err)
}

func TestConfig(t *testing.T) {
	env := setup(t)
	t.Setenv("MACOSVM_MEMORY", "8GiB")

	out, err := execute(context.Background(), "config")
	require.NoError(t, err)
	assert.Contains(t, out, "Config file:  (none, using defaults)")
	assert.Contains(t, out, "bundle_dir:   "+env.bundle)
	assert.Contains(t, out, "memory:       8GiB (8GiB)")
	assert.Contains(t, out, "disk_size:    64MiB (64MiB)")
	assert.Contains(t, out, "mac_address:  "+vm.DefaultMACAddress)
	assert.Contains(t, out, "timing:       disabled")
}

func TestConfigFromFile(t *testing.T) {
	setup(t)
	file := filepath.Join(t.TempDir(), "macosvm.yaml")
	require.NoError(t, os.WriteFile(file, []byte("memory: lots\ntiming: true\n"), 0644))

	out, err := execute(context.Background(), "--config", file, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "Config file:  "+file)
	assert.Contains(t, out, "memory:       lots (invalid:")
	assert.Contains(t, out, "timing:       enabled")
	assert.Contains(t, out, "Error [memory]")
}

func TestStatus(t *testing.T) {
	env := setup(t)

	out, err := execute(context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Hypervisor: fake")
	assert.Contains(t, out, "Installed:  no")

	_, err = execute(context.Background(), env.image)
	require.NoError(t, err)

	out, err = execute(context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Installed:  yes")
	assert.Contains(t, out, "Last install: completed")
	assert.Contains(t, out, "Build:      24A335")
}

func TestStatusAfterFailedReinstall(t *testing.T) {
	env := setup(t)
	_, err := execute(context.Background(), env.image)
	require.NoError(t, err)

	env.driver.InstallErr = errors.New("personalization failed")
	_, err = execute(context.Background(), env.image)
	require.Error(t, err)

	out, err := execute(context.Background(), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Installed:  no")
	assert.Contains(t, out, "Last install: failed")
}

func TestRun(t *testing.T) {
	env := setup(t)
	_, err := execute(context.Background(), env.image)
	require.NoError(t, err)

	m := env.driver.Machine
	go func() {
		for len(m.Calls()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		m.ShutDown()
	}()

	out, err := execute(context.Background(), "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Guest stopped.")
	assert.Equal(t, []string{"start"}, m.Calls())
}

func TestRunNotInstalled(t *testing.T) {
	setup(t)
	_, err := execute(context.Background(), "run")
	assert.ErrorIs(t, err, vm.ErrNotInstalled)
}

func TestPercentPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := percentPrinter(&buf, "Progress")
	p(0.101)
	p(0.105)
	p(1)
	assert.Equal(t, "Progress: 10%\nProgress: 100%\n", buf.String())
}
