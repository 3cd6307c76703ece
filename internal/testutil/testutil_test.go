package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

func TestCreateTestDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "disk.img")
	CreateTestDisk(t, path, 10<<20)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), info.Size())
}

func TestFakeInstallerEventOrder(t *testing.T) {
	d := NewFakeDriver()
	d.InstallErr = errors.New("boom")

	inst, err := d.NewInstaller(context.Background(), nil, "image.ipsw")
	require.NoError(t, err)
	events, err := inst.Install(context.Background())
	require.NoError(t, err)

	var got []hypervisor.InstallEvent
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, len(d.InstallProgress)+1)
	for _, ev := range got[:len(got)-1] {
		assert.False(t, ev.Done)
	}
	last := got[len(got)-1]
	assert.True(t, last.Done)
	assert.EqualError(t, last.Err, "boom")
	assert.Equal(t, 1, d.Installs())
}

func TestFakeMachineStopsOnce(t *testing.T) {
	m := NewFakeMachine()
	require.NoError(t, m.RequestStop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))

	var events []hypervisor.MachineEvent
	for ev := range m.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, hypervisor.GuestStopped, events[0].Kind)
	assert.Equal(t, []string{"request-stop", "stop"}, m.Calls())
}

func TestFakeMachineIdentifiersAreUnique(t *testing.T) {
	d := NewFakeDriver()
	a, err := d.NewMachineIdentifier()
	require.NoError(t, err)
	b, err := d.NewMachineIdentifier()
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}
