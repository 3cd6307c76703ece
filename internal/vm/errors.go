package vm

import (
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Failure kinds. Every error returned by the installation controller matches
// exactly one of these with errors.Is.
var (
	ErrRestoreImage             = errors.New("restore image error")
	ErrUnsupportedConfiguration = fmt.Errorf("unsupported configuration: %w", errdefs.ErrNotImplemented)
	ErrInsufficientResources    = fmt.Errorf("insufficient resources: %w", errdefs.ErrFailedPrecondition)
	ErrResourceCreation         = errors.New("resource creation error")
	ErrDiskImage                = errors.New("disk image error")
	ErrInvalidConfiguration     = fmt.Errorf("invalid configuration: %w", errdefs.ErrInvalidArgument)
	ErrInstallation             = errors.New("installation failure")
	ErrIdentityPersistence      = errors.New("identity persistence error")
	ErrBundleLocked             = fmt.Errorf("bundle is in use: %w", errdefs.ErrUnavailable)
)

// StageError records which controller stage failed and why.
type StageError struct {
	Stage Phase
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
	default:
		return fmt.Sprintf("%s failed: %v: %v", e.Stage, e.Kind, e.Err)
	}
}

// Unwrap exposes both the failure kind and the underlying cause.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

var kinds = []error{
	ErrBundleLocked,
	ErrRestoreImage,
	ErrUnsupportedConfiguration,
	ErrInsufficientResources,
	ErrInvalidConfiguration,
	ErrDiskImage,
	ErrIdentityPersistence,
	ErrResourceCreation,
	ErrInstallation,
}

// classify returns the failure kind err carries, or fallback if it carries
// none.
func classify(err, fallback error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return fallback
}
