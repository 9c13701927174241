// Package resolve locates the CDB/WinDbg binary, trying an ordered chain of
// candidates per spec.md §6: explicit config path, process environment
// search, then architecture-aware standard install locations. The layered
// try-then-fall-through shape follows pkg/hostutil's ValidateHost (try
// IPv4, then IPv6, then hostname rules, return on first success).
package resolve

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// ErrNotFound is returned when no candidate in the resolution chain exists.
var ErrNotFound = errors.New("debugger binary not found")

// archDirs maps GOARCH to the CDB install subdirectory Windows Debugging
// Tools uses for that architecture.
var archDirs = map[string]string{
	"amd64": "x64",
	"386":   "x86",
	"arm64": "arm64",
	"arm":   "arm",
}

// standardRoots lists the conventional install roots searched for a
// "Debuggers\<arch>\cdb.exe" layout.
var standardRoots = []string{
	`C:\Program Files (x86)\Windows Kits\10\Debuggers`,
	`C:\Program Files\Windows Kits\10\Debuggers`,
	`C:\Debuggers`,
}

// Resolve returns the first usable debugger binary path. configPath, if
// non-empty, is tried first (and is the only candidate when set); envVar
// (e.g. "CDB_PATH") is consulted next, then "cdb.exe" and "cdb" on PATH;
// finally the standard install locations for runtime.GOARCH are probed.
// Returns ErrNotFound if nothing resolves.
func Resolve(configPath, envVar string) (string, error) {
	if configPath != "" {
		if ok := isExecutable(configPath); ok {
			return configPath, nil
		}
		return "", fmt.Errorf("%w: configured path %q is not an executable file", ErrNotFound, configPath)
	}

	if envVar != "" {
		if p := os.Getenv(envVar); p != "" && isExecutable(p) {
			return p, nil
		}
	}

	if p, err := exec.LookPath("cdb.exe"); err == nil {
		return p, nil
	}
	if p, err := exec.LookPath("cdb"); err == nil {
		return p, nil
	}

	arch := archDirs[runtime.GOARCH]
	if arch != "" {
		for _, root := range standardRoots {
			candidate := filepath.Join(root, arch, "cdb.exe")
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}

	return "", ErrNotFound
}

// isExecutable reports whether path names a regular file. It does not check
// the execute bit: on Windows any readable .exe is runnable via exec.Cmd,
// and the real failure mode (a broken binary) surfaces as StartupFailed at
// driver.Start() regardless.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
