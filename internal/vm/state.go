package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// Install results recorded in PersistentState.
const (
	InstallResultInstalling = "installing"
	InstallResultCompleted  = "completed"
	InstallResultFailed     = "failed"
)

// PersistentState holds bundle state that survives restarts.
type PersistentState struct {
	// LastInstallRun is the run ID of the most recent install attempt.
	LastInstallRun string `json:"last_install_run,omitempty"`

	// LastInstallResult is one of the InstallResult constants. It stays
	// InstallResultInstalling if the process died mid-install.
	LastInstallResult string `json:"last_install_result,omitempty"`

	// LastInstallError describes a failed install.
	LastInstallError string `json:"last_install_error,omitempty"`

	// RestoreImageBuild is the guest build that was installed.
	RestoreImageBuild string `json:"restore_image_build,omitempty"`

	// InstalledAt is when the last successful install finished.
	InstalledAt time.Time `json:"installed_at,omitempty"`

	// DiskSize is the logical size of the disk image in bytes.
	DiskSize int64 `json:"disk_size,omitempty"`

	// LastBoot is when the guest was last started.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the guest was last stopped.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of times the guest has booted.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`
}

// Installed reports whether the last install attempt completed.
func (s *PersistentState) Installed() bool {
	return s.LastInstallResult == InstallResultCompleted
}

// InstallRecord is the outcome of one install run.
type InstallRecord struct {
	RunID             string
	RestoreImageBuild string
	DiskSize          int64
	Err               error
}

// StateFile manages persistent state storage.
type StateFile struct {
	path string
}

// NewStateFile creates a state file manager for b.
func NewStateFile(b *Bundle) *StateFile {
	return &StateFile{path: b.StatePath()}
}

// Load reads the state from disk. A missing file yields empty state.
func (s *StateFile) Load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &PersistentState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}

// Save writes the state to disk atomically.
func (s *StateFile) Save(state *PersistentState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// RecordInstall stores the outcome of an install run. A failed run keeps
// the fields of the last successful install.
func (s *StateFile) RecordInstall(rec InstallRecord) error {
	return s.update(func(state *PersistentState) {
		state.LastInstallRun = rec.RunID
		if rec.Err != nil {
			state.LastInstallResult = InstallResultFailed
			state.LastInstallError = rec.Err.Error()
			return
		}
		state.LastInstallResult = InstallResultCompleted
		state.LastInstallError = ""
		state.RestoreImageBuild = rec.RestoreImageBuild
		state.DiskSize = rec.DiskSize
		state.InstalledAt = time.Now()
		state.BootCount = 0
	})
}

// RecordInstallStarted marks an install run as in progress. Until the run
// records its outcome the bundle does not count as installed.
func (s *StateFile) RecordInstallStarted(runID string) error {
	return s.update(func(state *PersistentState) {
		state.LastInstallRun = runID
		state.LastInstallResult = InstallResultInstalling
		state.LastInstallError = ""
	})
}

// RecordBoot updates state for a new boot.
func (s *StateFile) RecordBoot() error {
	return s.update(func(state *PersistentState) {
		state.LastBoot = time.Now()
		state.BootCount++
		state.CleanShutdown = false
	})
}

// RecordShutdown updates state for a shutdown.
func (s *StateFile) RecordShutdown(clean bool) error {
	return s.update(func(state *PersistentState) {
		state.LastShutdown = time.Now()
		state.CleanShutdown = clean
	})
}

func (s *StateFile) update(fn func(*PersistentState)) error {
	state, err := s.Load()
	if err != nil {
		return err
	}
	fn(state)
	return s.Save(state)
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
