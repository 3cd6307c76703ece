package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

func TestBuildDeviceSpecs(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "Shared")

	specs, err := BuildDeviceSpecs(DevicePaths{
		DiskImage: filepath.Join(dir, DiskImageName),
		SharedDir: shared,
	})
	require.NoError(t, err)
	require.NoError(t, specs.Validate())

	var kinds []hypervisor.DeviceKind
	for _, d := range specs.Devices() {
		kinds = append(kinds, d.Kind())
	}
	assert.Equal(t, []hypervisor.DeviceKind{
		hypervisor.DeviceBootLoader,
		hypervisor.DeviceGraphics,
		hypervisor.DeviceNetwork,
		hypervisor.DeviceAudio,
		hypervisor.DeviceStorage,
		hypervisor.DevicePointing,
		hypervisor.DeviceKeyboard,
		hypervisor.DeviceDirectoryShare,
		hypervisor.DeviceConsole,
	}, kinds)

	info, err := os.Stat(shared)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	gfx := specs.OfKind(hypervisor.DeviceGraphics)[0].(hypervisor.GraphicsDevice)
	assert.Equal(t, int64(1920), gfx.Width)
	assert.Equal(t, int64(1200), gfx.Height)
	assert.Equal(t, int64(80), gfx.PixelsPerInch)

	net := specs.OfKind(hypervisor.DeviceNetwork)[0].(hypervisor.NetworkDevice)
	assert.Equal(t, DefaultMACAddress, net.MACAddress.String())

	share := specs.OfKind(hypervisor.DeviceDirectoryShare)[0].(hypervisor.DirectoryShareDevice)
	assert.False(t, share.ReadOnly)
	assert.Equal(t, shared, share.Path)

	console := specs.OfKind(hypervisor.DeviceConsole)[0].(hypervisor.ConsoleDevice)
	assert.Equal(t, hypervisor.ConsolePortClipboard, console.Port)
}

func TestBuildDeviceSpecsWithoutShare(t *testing.T) {
	specs, err := BuildDeviceSpecs(DevicePaths{DiskImage: "/tmp/Disk.img", MACAddress: "02:00:00:00:00:01"})
	require.NoError(t, err)
	assert.Empty(t, specs.OfKind(hypervisor.DeviceDirectoryShare))

	net := specs.OfKind(hypervisor.DeviceNetwork)[0].(hypervisor.NetworkDevice)
	assert.Equal(t, "02:00:00:00:00:01", net.MACAddress.String())
}

func TestBuildDeviceSpecsErrors(t *testing.T) {
	_, err := BuildDeviceSpecs(DevicePaths{DiskImage: "/tmp/Disk.img", MACAddress: "not-a-mac"})
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	// A regular file where the shared directory should go
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = BuildDeviceSpecs(DevicePaths{DiskImage: "/tmp/Disk.img", SharedDir: filepath.Join(blocker, "Shared")})
	assert.ErrorIs(t, err, ErrResourceCreation)
}
