package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory size must be non-zero")
	ErrMissingPlatform    = errors.New("hypervisor: platform identity is incomplete")
	ErrMissingDevice      = errors.New("hypervisor: required device is missing")
	ErrInvalidDevice      = errors.New("hypervisor: invalid device descriptor")
)

// Runtime errors
var (
	ErrNotRunning = errors.New("hypervisor: VM is not running")
	ErrNotPaused  = errors.New("hypervisor: VM is not paused")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
