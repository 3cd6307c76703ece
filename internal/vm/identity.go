package vm

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/moby/sys/atomicwriter"
)

// Identity is the persisted hardware identity of a guest.
type Identity struct {
	HardwareModel     []byte
	MachineIdentifier []byte
}

// IdentityStore persists an Identity as two files in the bundle.
type IdentityStore struct {
	hardwareModelPath     string
	machineIdentifierPath string
}

// NewIdentityStore creates a store for the identity files of b.
func NewIdentityStore(b *Bundle) *IdentityStore {
	return &IdentityStore{
		hardwareModelPath:     b.HardwareModelPath(),
		machineIdentifierPath: b.MachineIdentifierPath(),
	}
}

// Exists reports whether both identity files are present.
// A half-present pair is reported as an error.
func (s *IdentityStore) Exists() (bool, error) {
	hw, err := fileExists(s.hardwareModelPath)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIdentityPersistence, err)
	}
	id, err := fileExists(s.machineIdentifierPath)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrIdentityPersistence, err)
	}
	switch {
	case hw && id:
		return true, nil
	case !hw && !id:
		return false, nil
	case hw:
		return false, fmt.Errorf("%w: %s exists without %s", ErrIdentityPersistence, s.hardwareModelPath, s.machineIdentifierPath)
	default:
		return false, fmt.Errorf("%w: %s exists without %s", ErrIdentityPersistence, s.machineIdentifierPath, s.hardwareModelPath)
	}
}

// Create generates a machine identifier with newID, pairs it with model and
// persists both. Either both files are written and verified, or neither is
// left behind. An existing identity is never overwritten.
func (s *IdentityStore) Create(model []byte, newID func() ([]byte, error)) (*Identity, error) {
	if len(model) == 0 {
		return nil, fmt.Errorf("%w: empty hardware model", ErrIdentityPersistence)
	}
	exists, err := s.Exists()
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: identity already exists", ErrIdentityPersistence)
	}

	machineID, err := newID()
	if err != nil {
		return nil, fmt.Errorf("%w: generate machine identifier: %w", ErrIdentityPersistence, err)
	}
	if len(machineID) == 0 {
		return nil, fmt.Errorf("%w: empty machine identifier", ErrIdentityPersistence)
	}

	ident := &Identity{HardwareModel: model, MachineIdentifier: machineID}
	if err := s.write(ident); err != nil {
		s.Remove()
		return nil, err
	}
	return ident, nil
}

func (s *IdentityStore) write(ident *Identity) error {
	if err := atomicwriter.WriteFile(s.hardwareModelPath, ident.HardwareModel, 0644); err != nil {
		return fmt.Errorf("%w: write hardware model: %w", ErrIdentityPersistence, err)
	}
	if err := atomicwriter.WriteFile(s.machineIdentifierPath, ident.MachineIdentifier, 0644); err != nil {
		return fmt.Errorf("%w: write machine identifier: %w", ErrIdentityPersistence, err)
	}

	// Read back so a torn pair is caught now rather than at next boot
	got, err := s.Load()
	if err != nil {
		return err
	}
	if !bytes.Equal(got.HardwareModel, ident.HardwareModel) || !bytes.Equal(got.MachineIdentifier, ident.MachineIdentifier) {
		return fmt.Errorf("%w: verification mismatch", ErrIdentityPersistence)
	}
	return nil
}

// Load reads the identity back.
func (s *IdentityStore) Load() (*Identity, error) {
	if _, err := s.Exists(); err != nil {
		return nil, err
	}
	hw, err := os.ReadFile(s.hardwareModelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read hardware model: %w", ErrIdentityPersistence, err)
	}
	id, err := os.ReadFile(s.machineIdentifierPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read machine identifier: %w", ErrIdentityPersistence, err)
	}
	if len(hw) == 0 || len(id) == 0 {
		return nil, fmt.Errorf("%w: empty identity file", ErrIdentityPersistence)
	}
	return &Identity{HardwareModel: hw, MachineIdentifier: id}, nil
}

// Remove deletes both identity files.
func (s *IdentityStore) Remove() error {
	var errs []error
	for _, p := range []string{s.hardwareModelPath, s.machineIdentifierPath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
