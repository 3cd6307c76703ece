package vm

import (
	"errors"
	"os"
	"testing"
	"time"
)

func TestStateFileLoadNewState(t *testing.T) {
	sf := NewStateFile(NewBundle(t.TempDir()))

	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.BootCount != 0 {
		t.Errorf("initial boot count = %d, want 0", state.BootCount)
	}
	if !state.LastBoot.IsZero() {
		t.Error("initial LastBoot should be zero")
	}
	if state.Installed() {
		t.Error("new state should not be installed")
	}
}

func TestStateFileBootAndShutdown(t *testing.T) {
	sf := NewStateFile(NewBundle(t.TempDir()))

	if err := sf.RecordBoot(); err != nil {
		t.Fatalf("RecordBoot failed: %v", err)
	}
	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load after boot failed: %v", err)
	}
	if state.BootCount != 1 {
		t.Errorf("boot count = %d, want 1", state.BootCount)
	}
	if state.CleanShutdown {
		t.Error("CleanShutdown should be false after boot")
	}

	before := time.Now()
	if err := sf.RecordShutdown(true); err != nil {
		t.Fatalf("RecordShutdown failed: %v", err)
	}
	state, err = sf.Load()
	if err != nil {
		t.Fatalf("Load after shutdown failed: %v", err)
	}
	if !state.CleanShutdown {
		t.Error("CleanShutdown should be true")
	}
	if state.LastShutdown.Before(before) {
		t.Error("LastShutdown not updated")
	}
}

func TestStateFileRecordInstall(t *testing.T) {
	sf := NewStateFile(NewBundle(t.TempDir()))

	if err := sf.RecordInstall(InstallRecord{RunID: "a", RestoreImageBuild: "24A335", DiskSize: 1 << 30}); err != nil {
		t.Fatalf("RecordInstall failed: %v", err)
	}
	if err := sf.RecordBoot(); err != nil {
		t.Fatalf("RecordBoot failed: %v", err)
	}

	// A later failed attempt keeps the last good install
	if err := sf.RecordInstall(InstallRecord{RunID: "b", Err: errors.New("installer exploded")}); err != nil {
		t.Fatalf("RecordInstall failed: %v", err)
	}

	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.LastInstallRun != "b" {
		t.Errorf("LastInstallRun = %q, want b", state.LastInstallRun)
	}
	if state.LastInstallResult != InstallResultFailed {
		t.Errorf("LastInstallResult = %q, want %q", state.LastInstallResult, InstallResultFailed)
	}
	if state.LastInstallError != "installer exploded" {
		t.Errorf("LastInstallError = %q", state.LastInstallError)
	}
	if state.RestoreImageBuild != "24A335" {
		t.Errorf("RestoreImageBuild = %q, want 24A335", state.RestoreImageBuild)
	}
	if state.BootCount != 1 {
		t.Errorf("BootCount = %d, want 1", state.BootCount)
	}
}

func TestStateFileRecordInstallStarted(t *testing.T) {
	sf := NewStateFile(NewBundle(t.TempDir()))

	if err := sf.RecordInstall(InstallRecord{RunID: "a", RestoreImageBuild: "24A335"}); err != nil {
		t.Fatalf("RecordInstall failed: %v", err)
	}
	if err := sf.RecordInstallStarted("b"); err != nil {
		t.Fatalf("RecordInstallStarted failed: %v", err)
	}

	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Installed() {
		t.Error("Installed() = true while a reinstall is in progress")
	}
	if state.LastInstallRun != "b" || state.LastInstallResult != InstallResultInstalling {
		t.Errorf("last install = %q/%q, want b/%q", state.LastInstallRun, state.LastInstallResult, InstallResultInstalling)
	}
	if state.RestoreImageBuild != "24A335" {
		t.Errorf("RestoreImageBuild = %q, want 24A335", state.RestoreImageBuild)
	}
}

func TestStateFileCorrupt(t *testing.T) {
	b := NewBundle(t.TempDir())
	if err := os.WriteFile(b.StatePath(), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStateFile(b).Load(); err == nil {
		t.Error("Load should fail on corrupt state")
	}
}
