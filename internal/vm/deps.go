package vm

import (
	"os/exec"
)

// Dependency is an external host tool.
type Dependency struct {
	Name        string // Tool name
	Command     string // Command looked up in PATH
	Description string // What it is used for
}

// SparseImageDeps are needed to create ASIF disk images.
var SparseImageDeps = []Dependency{
	{
		Name:        "diskutil",
		Command:     "diskutil",
		Description: "Create ASIF sparse disk images",
	},
}

// HostInfoDeps are needed to query the host version.
var HostInfoDeps = []Dependency{
	{
		Name:        "sw_vers",
		Command:     "sw_vers",
		Description: "Report the host macOS version",
	},
}

var lookPath = exec.LookPath

// MissingDependencies returns the dependencies not found in PATH.
func MissingDependencies(deps []Dependency) []Dependency {
	var missing []Dependency
	for _, d := range deps {
		if _, err := lookPath(d.Command); err != nil {
			missing = append(missing, d)
		}
	}
	return missing
}
