package workdir

import (
	"os"
	"path/filepath"
)

// lockfiles maps a lockfile to the package manager that wrote it, in
// detection order.
var lockfiles = []struct {
	file    string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"bun.lockb", "bun"},
	{"package-lock.json", "npm"},
}

// PackageManager returns preferred when set, else the manager whose
// lockfile is present, else npm.
func (d *Dir) PackageManager(preferred string) string {
	if preferred != "" {
		return preferred
	}
	for _, l := range lockfiles {
		if _, err := os.Stat(filepath.Join(d.root, l.file)); err == nil {
			return l.manager
		}
	}
	return "npm"
}

// InstallArgs returns the install invocation for manager.
func InstallArgs(manager string) []string {
	return []string{"install"}
}

// RunArgs returns the invocation running a package.json script with extra
// arguments. npm needs "--" to forward them to the script.
func RunArgs(manager, script string, extra []string) []string {
	args := []string{"run", script}
	if len(extra) == 0 {
		return args
	}
	if manager == "npm" {
		args = append(args, "--")
	}
	return append(args, extra...)
}
