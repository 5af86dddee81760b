package system

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Environment carried across re-executions.
const (
	// EnvBaseExe names the installed binary. Slot images restart through it.
	EnvBaseExe = "BMSNODE_BASE_EXE"
	// EnvHandedOff is set for a slot image started by the installed binary
	// after the boot step.
	EnvHandedOff = "BMSNODE_HANDED_OFF"
)

// HandedOff reports whether this process was started from a slot image.
func HandedOff() bool {
	return os.Getenv(EnvHandedOff) == "1"
}

// BaseExecutable returns the installed binary: EnvBaseExe when set,
// otherwise the resolved path of the running executable.
func BaseExecutable() (string, error) {
	if base := os.Getenv(EnvBaseExe); base != "" {
		return base, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("system: resolve executable: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("system: resolve symlinks: %w", err)
	}
	return realPath, nil
}

// IsCurrentExecutable reports whether path is the running executable.
func IsCurrentExecutable(path string) bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	a, err := os.Stat(exe)
	if err != nil {
		return false
	}
	b, err := os.Stat(path)
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

// HandOff replaces the process with a slot image. It returns only when the
// image could not be started.
func HandOff(image string) error {
	base, err := BaseExecutable()
	if err != nil {
		return err
	}
	slog.Info("system: handing off to slot image", "image", image)
	argv := append([]string{image}, os.Args[1:]...)
	if err := unix.Exec(image, argv, execEnv(os.Environ(), base, true)); err != nil {
		return fmt.Errorf("system: exec %s: %w", image, err)
	}
	return nil
}

// execEnv returns env with EnvBaseExe set to base and EnvHandedOff set or
// cleared.
func execEnv(env []string, base string, handedOff bool) []string {
	out := make([]string, 0, len(env)+2)
	for _, kv := range env {
		if strings.HasPrefix(kv, EnvBaseExe+"=") || strings.HasPrefix(kv, EnvHandedOff+"=") {
			continue
		}
		out = append(out, kv)
	}
	out = append(out, EnvBaseExe+"="+base)
	if handedOff {
		out = append(out, EnvHandedOff+"=1")
	}
	return out
}
