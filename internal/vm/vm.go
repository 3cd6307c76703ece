// Package vm installs and boots macOS guests. It turns host capabilities
// and policy into a machine configuration, owns the on-disk bundle
// (disk image, platform identity, auxiliary storage, saved state) and drives
// the backend installer through a forward-only state machine.
package vm
