package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/javanstorm/macosvm/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = warning only
}

// ValidateConfig checks the configuration and its fit with the host
// capabilities.
func ValidateConfig(cfg *Config, caps hypervisor.Capabilities) []ValidationError {
	var errs []ValidationError
	fatal := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Fatal: true})
	}
	warn := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.BundleDir == "" {
		fatal("bundle_dir", "bundle directory is not set")
	}
	if _, err := cfg.MemoryBytes(); err != nil {
		fatal("memory", "%v", err)
	}
	if _, err := cfg.DiskSizeBytes(); err != nil {
		fatal("disk_size", "%v", err)
	}
	if cfg.MACAddress != "" {
		if mac, err := net.ParseMAC(cfg.MACAddress); err != nil || len(mac) != 6 {
			fatal("mac_address", "%q is not an Ethernet MAC address", cfg.MACAddress)
		}
	}
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		fatal("log_level", "%v", err)
	}

	if cfg.SharedDir != "" && cfg.BundleDir != "" && within(cfg.BundleDir, cfg.SharedDir) {
		warn("shared_dir", "shared directory %s is inside the bundle", cfg.SharedDir)
	}
	if !caps.MacGuests {
		fatal("host", "this host cannot virtualize macOS guests (Apple silicon required)")
	}
	if !caps.SparseDiskImages {
		warn("disk_size", "ASIF disk images need macOS 26, a raw sparse file will be used")
	}
	if !caps.SaveRestore {
		warn("host", "saving guest state needs macOS 14, the guest will be shut down on exit")
	}
	return errs
}

// HasFatal reports whether any error is fatal.
func HasFatal(errs []ValidationError) bool {
	for _, e := range errs {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errs []ValidationError) string {
	if len(errs) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errs {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
