package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/javanstorm/macosvm/internal/vm"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show bundle and host status",
		Long:  `Display the hypervisor, host capabilities, the bundle's artifacts and its install and boot history.`,
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}
}

func (a *app) runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	bundle := vm.NewBundle(a.cfg.BundleDir)

	driver, err := newDriver()
	if err != nil {
		fmt.Fprintf(out, "Hypervisor: unavailable (%v)\n", err)
	} else {
		info := driver.Info()
		fmt.Fprintf(out, "Hypervisor: %s %s (%s)\n", info.Name, info.Version, info.Arch)
		if info.HostVersion != "" {
			fmt.Fprintf(out, "Host:       macOS %s\n", info.HostVersion)
		}
		caps, err := driver.Capabilities(cmd.Context())
		if err != nil {
			fmt.Fprintf(out, "Capabilities: unknown (%v)\n", err)
		} else {
			fmt.Fprintf(out, "Capabilities: macOS guests=%s, save/restore=%s, ASIF disks=%s\n",
				yesNo(caps.MacGuests), yesNo(caps.SaveRestore), yesNo(caps.SparseDiskImages))
		}
	}
	for _, d := range vm.MissingDependencies(append(vm.SparseImageDeps, vm.HostInfoDeps...)) {
		fmt.Fprintf(out, "Missing tool: %s (%s)\n", d.Name, d.Description)
	}
	fmt.Fprintln(out)

	fmt.Fprintf(out, "Bundle:     %s\n", bundle.Dir())
	fmt.Fprintf(out, "Installed:  %s\n", yesNo(vm.CheckInstalled(bundle) == nil))

	if exists, err := vm.NewIdentityStore(bundle).Exists(); err != nil {
		fmt.Fprintf(out, "Identity:   damaged (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Identity:   %s\n", yesNo(exists))
	}

	fmt.Fprintf(out, "Disk:       %s\n", fileSize(bundle.DiskImagePath()))
	fmt.Fprintf(out, "Save file:  %s\n", fileSize(bundle.SaveFilePath()))

	state, err := vm.NewStateFile(bundle).Load()
	if err != nil {
		fmt.Fprintf(out, "State:      unreadable (%v)\n", err)
		return nil
	}
	if state.LastInstallResult != "" {
		fmt.Fprintf(out, "Last install: %s (run %s)\n", state.LastInstallResult, state.LastInstallRun)
		if state.LastInstallError != "" {
			fmt.Fprintf(out, "  Error: %s\n", state.LastInstallError)
		}
	}
	if state.RestoreImageBuild != "" {
		fmt.Fprintf(out, "Build:      %s, installed %s\n", state.RestoreImageBuild, state.InstalledAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Boots:      %d\n", state.BootCount)
	if !state.LastBoot.IsZero() {
		fmt.Fprintf(out, "Last boot:  %s\n", state.LastBoot.Format(time.RFC3339))
	}
	if !state.LastShutdown.IsZero() {
		clean := "clean"
		if !state.CleanShutdown {
			clean = "unclean"
		}
		fmt.Fprintf(out, "Last stop:  %s (%s)\n", state.LastShutdown.Format(time.RFC3339), clean)
	}
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "none"
	}
	return units.BytesSize(float64(info.Size()))
}
