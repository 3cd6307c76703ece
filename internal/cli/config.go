package cli

import (
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macosvm/internal/config"
)

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration",
		Long: `Display the configuration macosvm runs with, after applying defaults,
config.yaml and MACOSVM_* environment variables.

Edit config.yaml in the config directory, or set environment variables,
to change it. Changes take effect on the next install or run.`,
		Args: cobra.NoArgs,
		RunE: a.runConfig,
	}
}

func (a *app) runConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := a.cfg

	fmt.Fprintln(out, "macosvm Configuration")
	fmt.Fprintln(out, "=====================")
	fmt.Fprintln(out)

	file := cfg.File()
	if file == "" {
		file = "(none, using defaults)"
	}
	fmt.Fprintf(out, "Config file:  %s\n", file)
	if paths, err := config.GetPaths(); err == nil {
		fmt.Fprintf(out, "Config dir:   %s\n", paths.ConfigDir)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "bundle_dir:   %s\n", cfg.BundleDir)
	fmt.Fprintf(out, "shared_dir:   %s\n", formatSharedDir(cfg.SharedDir))
	fmt.Fprintf(out, "memory:       %s\n", formatSize(cfg.Memory, cfg.MemoryBytes))
	fmt.Fprintf(out, "disk_size:    %s\n", formatSize(cfg.DiskSize, cfg.DiskSizeBytes))
	fmt.Fprintf(out, "mac_address:  %s\n", cfg.MACAddress)
	fmt.Fprintf(out, "log_level:    %s\n", cfg.LogLevel)
	fmt.Fprintf(out, "timing:       %s\n", formatBool(cfg.Timing))

	printWarnings(out, config.ValidateConfig(cfg, hostCapabilities(cmd)))
	return nil
}

// formatSharedDir formats the shared directory for display.
func formatSharedDir(dir string) string {
	if dir == "" {
		return "(disabled)"
	}
	return dir
}

// formatBool formats a boolean for display.
func formatBool(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// formatSize shows a size setting with its parsed value, or the parse error.
func formatSize[T ~int64 | ~uint64](raw string, parse func() (T, error)) string {
	n, err := parse()
	if err != nil {
		return fmt.Sprintf("%s (invalid: %v)", raw, err)
	}
	return fmt.Sprintf("%s (%s)", raw, units.BytesSize(float64(n)))
}

func printWarnings(w io.Writer, errs []config.ValidationError) {
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, config.FormatValidationErrors(errs))
}
