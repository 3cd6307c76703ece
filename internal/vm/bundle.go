package vm

import (
	"fmt"
	"os"
	"path/filepath"
)

// Bundle file names.
const (
	AuxiliaryStorageName  = "AuxiliaryStorage"
	DiskImageName         = "Disk.img"
	HardwareModelName     = "HardwareModel"
	MachineIdentifierName = "MachineIdentifier"
	RestoreImageName      = "RestoreImage.ipsw"
	SaveFileName          = "SaveFile.vzvmsave"
	StateFileName         = "state.json"
	lockFileName          = ".lock"
)

// Bundle is the directory holding every artifact of one guest.
type Bundle struct {
	dir string
}

// NewBundle returns a bundle rooted at dir.
func NewBundle(dir string) *Bundle {
	return &Bundle{dir: dir}
}

// Dir returns the bundle directory.
func (b *Bundle) Dir() string { return b.dir }

func (b *Bundle) AuxiliaryStoragePath() string  { return b.path(AuxiliaryStorageName) }
func (b *Bundle) DiskImagePath() string         { return b.path(DiskImageName) }
func (b *Bundle) HardwareModelPath() string     { return b.path(HardwareModelName) }
func (b *Bundle) MachineIdentifierPath() string { return b.path(MachineIdentifierName) }
func (b *Bundle) RestoreImagePath() string      { return b.path(RestoreImageName) }
func (b *Bundle) SaveFilePath() string          { return b.path(SaveFileName) }
func (b *Bundle) StatePath() string             { return b.path(StateFileName) }
func (b *Bundle) LockPath() string              { return b.path(lockFileName) }

func (b *Bundle) path(name string) string {
	return filepath.Join(b.dir, name)
}

// Setup creates the bundle directory. An existing directory is fine.
func (b *Bundle) Setup() error {
	if b.dir == "" {
		return fmt.Errorf("%w: empty bundle path", ErrResourceCreation)
	}
	if info, err := os.Stat(b.dir); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrResourceCreation, b.dir)
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("%w: create bundle: %w", ErrResourceCreation, err)
	}
	return nil
}

// Installed reports whether the bundle holds a complete installation:
// identity, auxiliary storage and disk image.
func (b *Bundle) Installed() bool {
	for _, p := range []string{
		b.HardwareModelPath(),
		b.MachineIdentifierPath(),
		b.AuxiliaryStoragePath(),
		b.DiskImagePath(),
	} {
		if ok, _ := fileExists(p); !ok {
			return false
		}
	}
	return true
}
